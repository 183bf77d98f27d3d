package connection

import (
	"database/sql"

	"github.com/HerbHall/wazuhsync/pkg/plugin"
)

func migrations() []plugin.Migration {
	return []plugin.Migration{
		{
			Version:     1,
			Description: "create connection_profiles table",
			Up: func(tx *sql.Tx) error {
				stmts := []string{
					`CREATE TABLE IF NOT EXISTS connection_profiles (
						id INTEGER PRIMARY KEY AUTOINCREMENT,
						name TEXT NOT NULL,
						url TEXT NOT NULL,
						port INTEGER NOT NULL,
						username TEXT NOT NULL DEFAULT '',
						password BLOB,
						indexer_url TEXT NOT NULL DEFAULT '',
						indexer_port INTEGER NOT NULL DEFAULT 9200,
						indexer_username TEXT NOT NULL DEFAULT '',
						indexer_password BLOB,
						description TEXT NOT NULL DEFAULT '',
						sync_interval INTEGER NOT NULL DEFAULT 86400,
						last_sync TEXT,
						insecure_skip_verify INTEGER NOT NULL DEFAULT 1,
						active INTEGER NOT NULL DEFAULT 1,
						deleted INTEGER NOT NULL DEFAULT 0,
						created_at TEXT NOT NULL,
						updated_at TEXT NOT NULL
					)`,
					// One live profile per manager endpoint.
					`CREATE UNIQUE INDEX IF NOT EXISTS idx_connection_profiles_endpoint
						ON connection_profiles(url, port) WHERE active = 1 AND deleted = 0`,
				}
				for _, s := range stmts {
					if _, err := tx.Exec(s); err != nil {
						return err
					}
				}
				return nil
			},
		},
	}
}
