package connection

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/HerbHall/wazuhsync/internal/store"
	"github.com/HerbHall/wazuhsync/pkg/models"
)

// ErrDuplicateEndpoint is returned when another active profile already
// targets the same manager URL and port.
var ErrDuplicateEndpoint = errors.New("an active profile already uses this url and port")

const profileColumns = `id, name, url, port, username, password,
	indexer_url, indexer_port, indexer_username, indexer_password,
	description, sync_interval, last_sync, insecure_skip_verify, active, deleted,
	created_at, updated_at`

// Store provides database operations for connection profiles. Password
// columns hold vault ciphertext; the store never sees plaintext.
type Store struct {
	db      *sql.DB
	nowFunc func() time.Time
}

// NewStore creates a new Store backed by the given database.
func NewStore(db *sql.DB) *Store {
	return &Store{db: db, nowFunc: time.Now}
}

// Create inserts p and fills in its id and timestamps.
func (s *Store) Create(ctx context.Context, p *models.Profile) error {
	now := s.nowFunc().UTC()
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO connection_profiles (
			name, url, port, username, password,
			indexer_url, indexer_port, indexer_username, indexer_password,
			description, sync_interval, insecure_skip_verify, active, deleted,
			created_at, updated_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, 0, ?, ?)`,
		p.Name, p.URL, p.Port, p.Username, p.Password,
		p.IndexerURL, p.IndexerPort, p.IndexerUsername, p.IndexerPassword,
		p.Description, p.SyncInterval, p.InsecureSkipVerify, p.Active,
		store.FormatTime(now), store.FormatTime(now),
	)
	if err != nil {
		return mapConstraint(err, "insert profile")
	}
	id, err := res.LastInsertId()
	if err != nil {
		return fmt.Errorf("profile id: %w", err)
	}
	p.ID = id
	p.CreatedAt = now
	p.UpdatedAt = now
	return nil
}

// Update rewrites every mutable column of p.
func (s *Store) Update(ctx context.Context, p *models.Profile) error {
	now := s.nowFunc().UTC()
	res, err := s.db.ExecContext(ctx, `
		UPDATE connection_profiles SET
			name = ?, url = ?, port = ?, username = ?, password = ?,
			indexer_url = ?, indexer_port = ?, indexer_username = ?, indexer_password = ?,
			description = ?, sync_interval = ?, insecure_skip_verify = ?, active = ?,
			updated_at = ?
		WHERE id = ? AND deleted = 0`,
		p.Name, p.URL, p.Port, p.Username, p.Password,
		p.IndexerURL, p.IndexerPort, p.IndexerUsername, p.IndexerPassword,
		p.Description, p.SyncInterval, p.InsecureSkipVerify, p.Active,
		store.FormatTime(now), p.ID,
	)
	if err != nil {
		return mapConstraint(err, "update profile")
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return store.ErrNotFound
	}
	p.UpdatedAt = now
	return nil
}

// Get returns one non-deleted profile.
func (s *Store) Get(ctx context.Context, id int64) (*models.Profile, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+profileColumns+` FROM connection_profiles WHERE id = ? AND deleted = 0`, id)
	p, err := scanProfile(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, store.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get profile: %w", err)
	}
	return p, nil
}

// List returns every non-deleted profile ordered by id.
func (s *Store) List(ctx context.Context) ([]models.Profile, error) {
	return s.query(ctx, `SELECT `+profileColumns+` FROM connection_profiles WHERE deleted = 0 ORDER BY id`)
}

// ActiveProfiles returns the profiles sync walks.
func (s *Store) ActiveProfiles(ctx context.Context) ([]models.Profile, error) {
	return s.query(ctx, `SELECT `+profileColumns+` FROM connection_profiles
		WHERE active = 1 AND deleted = 0 ORDER BY id`)
}

// Delete soft-deletes a profile. The row is kept so agents that reference
// it stay resolvable.
func (s *Store) Delete(ctx context.Context, id int64) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE connection_profiles SET deleted = 1, active = 0, updated_at = ?
		WHERE id = ? AND deleted = 0`, store.FormatTime(s.nowFunc()), id)
	if err != nil {
		return fmt.Errorf("delete profile: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return store.ErrNotFound
	}
	return nil
}

// MarkSynced records a successful agent sync.
func (s *Store) MarkSynced(ctx context.Context, id int64, at time.Time) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE connection_profiles SET last_sync = ? WHERE id = ?`, store.FormatTime(at), id)
	if err != nil {
		return fmt.Errorf("mark profile synced: %w", err)
	}
	return nil
}

func (s *Store) query(ctx context.Context, q string, args ...any) ([]models.Profile, error) {
	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("list profiles: %w", err)
	}
	defer rows.Close()

	var out []models.Profile
	for rows.Next() {
		p, err := scanProfile(rows)
		if err != nil {
			return nil, fmt.Errorf("scan profile: %w", err)
		}
		out = append(out, *p)
	}
	return out, rows.Err()
}

type scanner interface {
	Scan(dest ...any) error
}

func scanProfile(row scanner) (*models.Profile, error) {
	var (
		p                models.Profile
		lastSync         sql.NullString
		created, updated string
	)
	err := row.Scan(
		&p.ID, &p.Name, &p.URL, &p.Port, &p.Username, &p.Password,
		&p.IndexerURL, &p.IndexerPort, &p.IndexerUsername, &p.IndexerPassword,
		&p.Description, &p.SyncInterval, &lastSync, &p.InsecureSkipVerify, &p.Active, &p.Deleted,
		&created, &updated,
	)
	if err != nil {
		return nil, err
	}
	p.LastSync = store.ScanNullTime(lastSync)
	p.CreatedAt, _ = store.ParseTime(created)
	p.UpdatedAt, _ = store.ParseTime(updated)
	return &p, nil
}

// mapConstraint turns the partial unique index violation into
// ErrDuplicateEndpoint.
func mapConstraint(err error, op string) error {
	if strings.Contains(err.Error(), "UNIQUE constraint failed") {
		return ErrDuplicateEndpoint
	}
	return fmt.Errorf("%s: %w", op, err)
}
