package vault

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/HerbHall/wazuhsync/internal/store"
)

// MetaStore persists the singleton vault_meta row.
type MetaStore struct {
	db *sql.DB
}

// NewMetaStore creates a MetaStore over db.
func NewMetaStore(db *sql.DB) *MetaStore {
	return &MetaStore{db: db}
}

// Load returns the stored key material, or nil when the vault has never
// been set up.
func (s *MetaStore) Load(ctx context.Context) (*Meta, error) {
	var m Meta
	err := s.db.QueryRowContext(ctx, `
		SELECT salt, verification_blob, wrapped_key FROM vault_meta WHERE id = 1`,
	).Scan(&m.Salt, &m.Verification, &m.WrappedKey)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("load vault meta: %w", err)
	}
	return &m, nil
}

// Save inserts or replaces the key material.
func (s *MetaStore) Save(ctx context.Context, m Meta) error {
	now := store.FormatTime(time.Now())
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO vault_meta (id, salt, verification_blob, wrapped_key, created_at, updated_at)
		VALUES (1, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			salt = excluded.salt,
			verification_blob = excluded.verification_blob,
			wrapped_key = excluded.wrapped_key,
			updated_at = excluded.updated_at`,
		m.Salt, m.Verification, m.WrappedKey, now, now,
	)
	if err != nil {
		return fmt.Errorf("save vault meta: %w", err)
	}
	return nil
}
