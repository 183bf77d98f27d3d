package inventory

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

// ErrInvalidDevice is returned for a device without a name or a known kind.
var ErrInvalidDevice = errors.New("invalid device")

// Store provides database operations for local devices.
type Store struct {
	db      *sql.DB
	nowFunc func() time.Time
}

// NewStore creates a new Store backed by the given database.
func NewStore(db *sql.DB) *Store {
	return &Store{db: db, nowFunc: time.Now}
}

// ListOptions filters device listings. A zero value lists everything.
type ListOptions struct {
	Kind   models.DeviceKind
	Limit  int
	Offset int
}

// Create inserts d and fills in its id and timestamps.
func (s *Store) Create(ctx context.Context, d *models.Device) error {
	d.Name = strings.TrimSpace(d.Name)
	if d.Name == "" || !d.Type.Valid() {
		return fmt.Errorf("%w: name and kind are required", ErrInvalidDevice)
	}
	now := s.nowFunc().UTC()
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO inventory_devices (kind, name, serial, comment, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?)`,
		string(d.Type), d.Name, d.Serial, d.Comment, store.FormatTime(now), store.FormatTime(now),
	)
	if err != nil {
		return fmt.Errorf("insert device: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return fmt.Errorf("device id: %w", err)
	}
	d.ID = id
	d.CreatedAt = now
	d.UpdatedAt = now
	return nil
}

// Get returns one device of the given kind.
func (s *Store) Get(ctx context.Context, kind models.DeviceKind, id int64) (*models.Device, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, kind, name, serial, comment, created_at, updated_at
		FROM inventory_devices WHERE kind = ? AND id = ?`, string(kind), id)
	d, err := scanDevice(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, store.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get device: %w", err)
	}
	return d, nil
}

// List returns devices ordered by kind walk order, then name.
func (s *Store) List(ctx context.Context, opts ListOptions) ([]models.Device, error) {
	query := `SELECT id, kind, name, serial, comment, created_at, updated_at FROM inventory_devices`
	var args []any
	if opts.Kind != "" {
		query += ` WHERE kind = ?`
		args = append(args, string(opts.Kind))
	}
	query += ` ORDER BY CASE kind WHEN 'computer' THEN 0 ELSE 1 END, name, id`
	if opts.Limit > 0 {
		query += ` LIMIT ? OFFSET ?`
		args = append(args, opts.Limit, opts.Offset)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list devices: %w", err)
	}
	defer rows.Close()

	var out []models.Device
	for rows.Next() {
		d, err := scanDevice(rows)
		if err != nil {
			return nil, fmt.Errorf("scan device: %w", err)
		}
		out = append(out, *d)
	}
	return out, rows.Err()
}

// FindByName returns every device named exactly name, computers first.
// Matching is case-sensitive, as agent names are.
func (s *Store) FindByName(ctx context.Context, name string) ([]models.Device, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, kind, name, serial, comment, created_at, updated_at
		FROM inventory_devices WHERE name = ?
		ORDER BY CASE kind WHEN 'computer' THEN 0 ELSE 1 END, id`, name)
	if err != nil {
		return nil, fmt.Errorf("find device by name: %w", err)
	}
	defer rows.Close()

	var out []models.Device
	for rows.Next() {
		d, err := scanDevice(rows)
		if err != nil {
			return nil, fmt.Errorf("scan device: %w", err)
		}
		out = append(out, *d)
	}
	return out, rows.Err()
}

// Delete removes a device. Findings and agent links that point at it are
// left for their owners to clean up.
func (s *Store) Delete(ctx context.Context, kind models.DeviceKind, id int64) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM inventory_devices WHERE kind = ? AND id = ?`, string(kind), id)
	if err != nil {
		return fmt.Errorf("delete device: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return store.ErrNotFound
	}
	return nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanDevice(row scanner) (*models.Device, error) {
	var (
		d                models.Device
		kind             string
		created, updated string
	)
	if err := row.Scan(&d.ID, &kind, &d.Name, &d.Serial, &d.Comment, &created, &updated); err != nil {
		return nil, err
	}
	d.Type = models.DeviceKind(kind)
	d.CreatedAt, _ = store.ParseTime(created)
	d.UpdatedAt, _ = store.ParseTime(updated)
	return &d, nil
}
