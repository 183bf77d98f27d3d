package finding

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/HerbHall/wazuhsync/internal/store"
	"github.com/HerbHall/wazuhsync/pkg/models"
)

// Store provides database access for findings, their groups and the run log.
type Store struct {
	db      *sql.DB
	nowFunc func() time.Time
}

// NewStore creates a Store wrapping the given database connection.
func NewStore(db *sql.DB) *Store {
	return &Store{db: db, nowFunc: time.Now}
}

// UpsertResult tells the caller which branch Upsert took.
type UpsertResult struct {
	ID      int64
	Created bool
	Revived bool // the row was discontinued before this upsert
}

// Upsert writes f keyed by f.Key. Zero matching rows inserts, one updates
// in place and clears discontinued, more than one is a DataIntegrityError.
// For grouped kinds the parent row is ensured first, in the same transaction.
func (s *Store) Upsert(ctx context.Context, kc *KindConfig, f *models.Finding) (UpsertResult, error) {
	var res UpsertResult
	attrs, err := json.Marshal(f.Attributes)
	if err != nil {
		return res, fmt.Errorf("encode attributes: %w", err)
	}
	payload := string(f.Payload)
	if payload == "" {
		payload = "{}"
	}
	now := store.FormatTime(s.nowFunc())

	err = s.withTx(ctx, func(tx *sql.Tx) error {
		type match struct {
			id           int64
			discontinued bool
		}
		rows, err := tx.QueryContext(ctx,
			fmt.Sprintf(`SELECT id, discontinued FROM %s WHERE key = ?`, kc.Table), f.Key)
		if err != nil {
			return fmt.Errorf("lookup %s key: %w", kc.Kind, err)
		}
		var found []match
		for rows.Next() {
			var m match
			if err := rows.Scan(&m.id, &m.discontinued); err != nil {
				rows.Close()
				return fmt.Errorf("scan %s key: %w", kc.Kind, err)
			}
			found = append(found, m)
		}
		rows.Close()
		if err := rows.Err(); err != nil {
			return err
		}
		if len(found) > 1 {
			return &store.DataIntegrityError{Table: kc.Table, Key: f.Key, Count: len(found)}
		}

		var parent sql.NullInt64
		if kc.Groups && f.Name != "" {
			id, err := ensureGroup(ctx, tx, f.DeviceKind, f.DeviceID, f.Name, now)
			if err != nil {
				return err
			}
			parent = sql.NullInt64{Int64: id, Valid: true}
			f.ParentID = id
		}

		if len(found) == 0 {
			r, err := tx.ExecContext(ctx, fmt.Sprintf(`
				INSERT INTO %s (key, name, device_kind, device_id, parent_id, severity, description,
					detected_at, published_at, attributes, payload, discontinued, created_at, updated_at)
				VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, 0, ?, ?)`, kc.Table),
				f.Key, f.Name, string(f.DeviceKind), f.DeviceID, parent, int(f.Severity), f.Description,
				store.NullTime(f.DetectedAt), store.NullTime(f.PublishedAt), string(attrs), payload, now, now,
			)
			if err != nil {
				return fmt.Errorf("insert %s: %w", kc.Kind, err)
			}
			res.ID, _ = r.LastInsertId()
			res.Created = true
			return nil
		}

		res.ID = found[0].id
		res.Revived = found[0].discontinued
		_, err = tx.ExecContext(ctx, fmt.Sprintf(`
			UPDATE %s SET name = ?, device_kind = ?, device_id = ?, parent_id = ?, severity = ?,
				description = ?, detected_at = ?, published_at = ?, attributes = ?, payload = ?,
				discontinued = 0, updated_at = ?
			WHERE id = ?`, kc.Table),
			f.Name, string(f.DeviceKind), f.DeviceID, parent, int(f.Severity),
			f.Description, store.NullTime(f.DetectedAt), store.NullTime(f.PublishedAt), string(attrs), payload,
			now, res.ID,
		)
		if err != nil {
			return fmt.Errorf("update %s: %w", kc.Kind, err)
		}
		return nil
	})
	if err == nil {
		f.ID = res.ID
	}
	return res, err
}

func ensureGroup(ctx context.Context, tx *sql.Tx, kind models.DeviceKind, deviceID int64, name, now string) (int64, error) {
	if _, err := tx.ExecContext(ctx, `
		INSERT INTO wazuh_finding_groups (device_kind, device_id, name, created_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(device_kind, device_id, name) DO NOTHING`,
		string(kind), deviceID, name, now,
	); err != nil {
		return 0, fmt.Errorf("ensure finding group: %w", err)
	}
	var id int64
	err := tx.QueryRowContext(ctx, `
		SELECT id FROM wazuh_finding_groups WHERE device_kind = ? AND device_id = ? AND name = ?`,
		string(kind), deviceID, name,
	).Scan(&id)
	if err != nil {
		return 0, fmt.Errorf("lookup finding group: %w", err)
	}
	return id, nil
}

// MarkDiscontinued flags every live row of the device and returns how many
// changed.
func (s *Store) MarkDiscontinued(ctx context.Context, kc *KindConfig, kind models.DeviceKind, deviceID int64) (int, error) {
	r, err := s.db.ExecContext(ctx, fmt.Sprintf(`
		UPDATE %s SET discontinued = 1, updated_at = ?
		WHERE device_kind = ? AND device_id = ? AND deleted = 0 AND discontinued = 0`, kc.Table),
		store.FormatTime(s.nowFunc()), string(kind), deviceID,
	)
	if err != nil {
		return 0, fmt.Errorf("mark %s discontinued: %w", kc.Kind, err)
	}
	n, _ := r.RowsAffected()
	return int(n), nil
}

// CountDiscontinued returns the number of discontinued rows for the device.
func (s *Store) CountDiscontinued(ctx context.Context, kc *KindConfig, kind models.DeviceKind, deviceID int64) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx, fmt.Sprintf(`
		SELECT COUNT(*) FROM %s
		WHERE device_kind = ? AND device_id = ? AND deleted = 0 AND discontinued = 1`, kc.Table),
		string(kind), deviceID,
	).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count discontinued %s: %w", kc.Kind, err)
	}
	return n, nil
}

// LatestDetected returns the newest detected_at for the device, or nil.
func (s *Store) LatestDetected(ctx context.Context, kc *KindConfig, kind models.DeviceKind, deviceID int64) (*time.Time, error) {
	var ns sql.NullString
	err := s.db.QueryRowContext(ctx, fmt.Sprintf(`
		SELECT detected_at FROM %s
		WHERE device_kind = ? AND device_id = ? AND deleted = 0 AND detected_at IS NOT NULL
		ORDER BY detected_at DESC LIMIT 1`, kc.Table),
		string(kind), deviceID,
	).Scan(&ns)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("latest %s detection: %w", kc.Kind, err)
	}
	return store.ScanNullTime(ns), nil
}

// ListFilter narrows List. A nil Discontinued returns both states.
type ListFilter struct {
	DeviceKind   models.DeviceKind
	DeviceID     int64
	Discontinued *bool
	Limit        int
}

// List returns findings of one kind for a device, newest detection first.
func (s *Store) List(ctx context.Context, kc *KindConfig, f ListFilter) ([]models.Finding, error) {
	query := fmt.Sprintf(`
		SELECT id, key, name, device_kind, device_id, parent_id, severity, description,
			detected_at, published_at, attributes, payload, discontinued, ticket_id, deleted, updated_at
		FROM %s WHERE device_kind = ? AND device_id = ? AND deleted = 0`, kc.Table)
	args := []any{string(f.DeviceKind), f.DeviceID}
	if f.Discontinued != nil {
		query += " AND discontinued = ?"
		args = append(args, *f.Discontinued)
	}
	query += " ORDER BY detected_at DESC, id DESC"
	if f.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, f.Limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list %s: %w", kc.Kind, err)
	}
	defer rows.Close()

	var out []models.Finding
	for rows.Next() {
		var (
			fd                  models.Finding
			deviceKind          string
			parent, ticket      sql.NullInt64
			detected, published sql.NullString
			attrs, payload      string
			updated             string
		)
		if err := rows.Scan(&fd.ID, &fd.Key, &fd.Name, &deviceKind, &fd.DeviceID, &parent, &fd.Severity,
			&fd.Description, &detected, &published, &attrs, &payload, &fd.Discontinued, &ticket,
			&fd.Deleted, &updated); err != nil {
			return nil, fmt.Errorf("scan %s row: %w", kc.Kind, err)
		}
		fd.Kind = kc.Kind
		fd.DeviceKind = models.DeviceKind(deviceKind)
		fd.ParentID = parent.Int64
		fd.TicketID = ticket.Int64
		fd.DetectedAt = store.ScanNullTime(detected)
		fd.PublishedAt = store.ScanNullTime(published)
		if attrs != "" {
			_ = json.Unmarshal([]byte(attrs), &fd.Attributes)
		}
		fd.Payload = json.RawMessage(payload)
		if t, err := store.ParseTime(updated); err == nil {
			fd.UpdatedAt = t
		}
		out = append(out, fd)
	}
	return out, rows.Err()
}

// Groups returns the parent rows for a device.
func (s *Store) Groups(ctx context.Context, kind models.DeviceKind, deviceID int64) ([]models.FindingGroup, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, device_kind, device_id, name, created_at
		FROM wazuh_finding_groups WHERE device_kind = ? AND device_id = ? ORDER BY name`,
		string(kind), deviceID,
	)
	if err != nil {
		return nil, fmt.Errorf("list finding groups: %w", err)
	}
	defer rows.Close()

	var out []models.FindingGroup
	for rows.Next() {
		var (
			g          models.FindingGroup
			deviceKind string
			created    string
		)
		if err := rows.Scan(&g.ID, &deviceKind, &g.DeviceID, &g.Name, &created); err != nil {
			return nil, fmt.Errorf("scan finding group: %w", err)
		}
		g.DeviceKind = models.DeviceKind(deviceKind)
		g.CreatedAt, _ = store.ParseTime(created)
		out = append(out, g)
	}
	return out, rows.Err()
}

// InsertRun appends an outcome to the run log.
func (s *Store) InsertRun(ctx context.Context, o *Outcome) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO finding_sync_runs (id, kind, device_kind, device_id, state, total, pages, upserted,
			created, updated, discontinued, error, started_at, duration_ms)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		o.RunID, string(o.Kind), string(o.DeviceKind), o.DeviceID, string(o.State), o.Total, o.Pages,
		o.Upserted, o.Created, o.Updated, o.Discontinued, o.Error, store.FormatTime(o.StartedAt),
		o.Duration.Milliseconds(),
	)
	if err != nil {
		return fmt.Errorf("insert finding sync run: %w", err)
	}
	return nil
}

// ListRuns returns the most recent runs, newest first.
func (s *Store) ListRuns(ctx context.Context, limit int) ([]Outcome, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, kind, device_kind, device_id, state, total, pages, upserted, created, updated,
			discontinued, error, started_at, duration_ms
		FROM finding_sync_runs ORDER BY started_at DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("list finding sync runs: %w", err)
	}
	defer rows.Close()

	var out []Outcome
	for rows.Next() {
		var (
			o                       Outcome
			kind, deviceKind, state string
			started                 string
			durationMS              int64
		)
		if err := rows.Scan(&o.RunID, &kind, &deviceKind, &o.DeviceID, &state, &o.Total, &o.Pages,
			&o.Upserted, &o.Created, &o.Updated, &o.Discontinued, &o.Error, &started, &durationMS); err != nil {
			return nil, fmt.Errorf("scan finding sync run: %w", err)
		}
		o.Kind = models.FindingKind(kind)
		o.DeviceKind = models.DeviceKind(deviceKind)
		o.State = State(state)
		o.StartedAt, _ = store.ParseTime(started)
		o.Duration = time.Duration(durationMS) * time.Millisecond
		out = append(out, o)
	}
	return out, rows.Err()
}

// Severities returns the severity of each live row among ids.
func (s *Store) Severities(ctx context.Context, kc *KindConfig, ids []int64) ([]models.Severity, error) {
	var out []models.Severity
	for _, id := range ids {
		var sev int
		err := s.db.QueryRowContext(ctx,
			fmt.Sprintf(`SELECT severity FROM %s WHERE id = ? AND deleted = 0`, kc.Table), id,
		).Scan(&sev)
		if err == sql.ErrNoRows {
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("load %s severity: %w", kc.Kind, err)
		}
		out = append(out, models.Severity(sev))
	}
	return out, nil
}

// AttachTicket links live rows among ids to ticketID; zero detaches them.
// It returns how many rows changed.
func (s *Store) AttachTicket(ctx context.Context, kc *KindConfig, ids []int64, ticketID int64) (int, error) {
	if len(ids) == 0 {
		return 0, errors.New("no finding ids given")
	}
	var ticket any
	if ticketID > 0 {
		ticket = ticketID
	}
	args := []any{ticket, store.FormatTime(s.nowFunc())}
	for _, id := range ids {
		args = append(args, id)
	}
	placeholders := strings.TrimSuffix(strings.Repeat("?,", len(ids)), ",")

	var n int64
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		r, err := tx.ExecContext(ctx, fmt.Sprintf(`
			UPDATE %s SET ticket_id = ?, updated_at = ?
			WHERE deleted = 0 AND id IN (%s)`, kc.Table, placeholders), args...)
		if err != nil {
			return err
		}
		n, _ = r.RowsAffected()
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("attach %s ticket: %w", kc.Kind, err)
	}
	return int(n), nil
}

func (s *Store) withTx(ctx context.Context, fn func(*sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	if err := fn(tx); err != nil {
		_ = tx.Rollback()
		return err
	}
	return tx.Commit()
}
