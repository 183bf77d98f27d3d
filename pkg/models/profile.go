package models

import "time"

// DefaultSyncInterval is applied to profiles created without an interval.
const DefaultSyncInterval = 86400 // seconds

// Profile is a named connection to one manager API plus indexer pair.
// Password fields hold vault ciphertext and never leave the process.
type Profile struct {
	ID                 int64      `json:"id"`
	Name               string     `json:"name"`
	URL                string     `json:"url"`
	Port               int        `json:"port"`
	Username           string     `json:"username"`
	Password           []byte     `json:"-"`
	IndexerURL         string     `json:"indexer_url"`
	IndexerPort        int        `json:"indexer_port"`
	IndexerUsername    string     `json:"indexer_username"`
	IndexerPassword    []byte     `json:"-"`
	Description        string     `json:"description,omitempty"`
	SyncInterval       int        `json:"sync_interval"`
	LastSync           *time.Time `json:"last_sync,omitempty"`
	InsecureSkipVerify bool       `json:"insecure_skip_verify"`
	Active             bool       `json:"active"`
	Deleted            bool       `json:"deleted"`
	CreatedAt          time.Time  `json:"created_at"`
	UpdatedAt          time.Time  `json:"updated_at"`
}

// ProfileSecrets carries decrypted passwords for the duration of one call.
type ProfileSecrets struct {
	Password        string
	IndexerPassword string
}
