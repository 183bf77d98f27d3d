package agent

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/HerbHall/wazuhsync/internal/store"
	"github.com/HerbHall/wazuhsync/pkg/models"
)

const agentColumns = `id, profile_id, agent_id, name, ip, version, status, last_keepalive,
	os_name, os_version, group_names, device_kind, device_id, deleted, created_at, updated_at`

// Store provides database operations for remote agents.
type Store struct {
	db      *sql.DB
	nowFunc func() time.Time
}

// NewStore creates a new Store backed by the given database.
func NewStore(db *sql.DB) *Store {
	return &Store{db: db, nowFunc: time.Now}
}

// ListFilter narrows List. Zero values match everything.
type ListFilter struct {
	ProfileID int64
	Linked    *bool
}

// Upsert writes a by (ExternalID, ProfileID). A zero device link on a
// keeps whatever link the stored row has. It reports whether the row was
// created and fills a.ID and the effective link.
func (s *Store) Upsert(ctx context.Context, a *models.Agent) (bool, error) {
	groups, err := json.Marshal(nonNil(a.Groups))
	if err != nil {
		return false, fmt.Errorf("encode groups: %w", err)
	}
	now := store.FormatTime(s.nowFunc())

	var created bool
	err = withTx(ctx, s.db, func(tx *sql.Tx) error {
		var (
			id         int64
			deviceKind sql.NullString
			deviceID   sql.NullInt64
		)
		err := tx.QueryRowContext(ctx, `
			SELECT id, device_kind, device_id FROM wazuh_agents
			WHERE agent_id = ? AND profile_id = ?`, a.ExternalID, a.ProfileID,
		).Scan(&id, &deviceKind, &deviceID)

		switch {
		case errors.Is(err, sql.ErrNoRows):
			res, err := tx.ExecContext(ctx, `
				INSERT INTO wazuh_agents (
					profile_id, agent_id, name, ip, version, status, last_keepalive,
					os_name, os_version, group_names, device_kind, device_id, deleted, created_at, updated_at
				) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, 0, ?, ?)`,
				a.ProfileID, a.ExternalID, a.Name, a.IP, a.Version, string(a.Status),
				store.FormatTime(a.LastKeepAlive), a.OSName, a.OSVersion, string(groups),
				nullKind(a.DeviceKind), nullID(a.DeviceID), now, now,
			)
			if err != nil {
				return fmt.Errorf("insert agent: %w", err)
			}
			a.ID, _ = res.LastInsertId()
			created = true
			return nil
		case err != nil:
			return fmt.Errorf("lookup agent: %w", err)
		}

		a.ID = id
		if !a.Linked() && deviceKind.Valid && deviceID.Valid {
			a.DeviceKind = models.DeviceKind(deviceKind.String)
			a.DeviceID = deviceID.Int64
		}
		_, err = tx.ExecContext(ctx, `
			UPDATE wazuh_agents SET
				name = ?, ip = ?, version = ?, status = ?, last_keepalive = ?,
				os_name = ?, os_version = ?, group_names = ?, device_kind = ?, device_id = ?,
				deleted = 0, updated_at = ?
			WHERE id = ?`,
			a.Name, a.IP, a.Version, string(a.Status), store.FormatTime(a.LastKeepAlive),
			a.OSName, a.OSVersion, string(groups), nullKind(a.DeviceKind), nullID(a.DeviceID),
			now, id,
		)
		if err != nil {
			return fmt.Errorf("update agent: %w", err)
		}
		return nil
	})
	return created, err
}

// Get returns one agent by local id.
func (s *Store) Get(ctx context.Context, id int64) (*models.Agent, error) {
	a, err := scanAgent(s.db.QueryRowContext(ctx, `SELECT `+agentColumns+` FROM wazuh_agents WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, store.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get agent: %w", err)
	}
	return a, nil
}

// List returns non-deleted agents ordered by profile then agent id.
func (s *Store) List(ctx context.Context, f ListFilter) ([]models.Agent, error) {
	q := `SELECT ` + agentColumns + ` FROM wazuh_agents WHERE deleted = 0`
	var args []any
	if f.ProfileID != 0 {
		q += ` AND profile_id = ?`
		args = append(args, f.ProfileID)
	}
	if f.Linked != nil {
		if *f.Linked {
			q += ` AND device_id IS NOT NULL`
		} else {
			q += ` AND device_id IS NULL`
		}
	}
	q += ` ORDER BY profile_id, agent_id`
	return s.query(ctx, q, args...)
}

// LinkedAgents returns every non-deleted agent with a device link. It
// satisfies the inventory link source.
func (s *Store) LinkedAgents(ctx context.Context) ([]models.Agent, error) {
	return s.List(ctx, ListFilter{Linked: boolPtr(true)})
}

// ByDevice returns the agents of one profile linked to one device, newest
// keep-alive first.
func (s *Store) ByDevice(ctx context.Context, profileID int64, kind models.DeviceKind, deviceID int64) ([]models.Agent, error) {
	return s.query(ctx, `SELECT `+agentColumns+` FROM wazuh_agents
		WHERE profile_id = ? AND device_kind = ? AND device_id = ? AND deleted = 0
		ORDER BY last_keepalive DESC, id DESC`, profileID, string(kind), deviceID)
}

// Link points an agent at a device; a zero deviceID clears the link.
func (s *Store) Link(ctx context.Context, id int64, kind models.DeviceKind, deviceID int64) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE wazuh_agents SET device_kind = ?, device_id = ?, updated_at = ? WHERE id = ?`,
		nullKind(kind), nullID(deviceID), store.FormatTime(s.nowFunc()), id)
	if err != nil {
		return fmt.Errorf("link agent: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return store.ErrNotFound
	}
	return nil
}

func (s *Store) query(ctx context.Context, q string, args ...any) ([]models.Agent, error) {
	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("list agents: %w", err)
	}
	defer rows.Close()

	var out []models.Agent
	for rows.Next() {
		a, err := scanAgent(rows)
		if err != nil {
			return nil, fmt.Errorf("scan agent: %w", err)
		}
		out = append(out, *a)
	}
	return out, rows.Err()
}

type scanner interface {
	Scan(dest ...any) error
}

func scanAgent(row scanner) (*models.Agent, error) {
	var (
		a                           models.Agent
		status, groups              string
		keepAlive, created, updated string
		deviceKind                  sql.NullString
		deviceID                    sql.NullInt64
	)
	err := row.Scan(&a.ID, &a.ProfileID, &a.ExternalID, &a.Name, &a.IP, &a.Version, &status, &keepAlive,
		&a.OSName, &a.OSVersion, &groups, &deviceKind, &deviceID, &a.Deleted, &created, &updated)
	if err != nil {
		return nil, err
	}
	a.Status = models.AgentStatus(status)
	_ = json.Unmarshal([]byte(groups), &a.Groups)
	if deviceKind.Valid && deviceID.Valid {
		a.DeviceKind = models.DeviceKind(deviceKind.String)
		a.DeviceID = deviceID.Int64
	}
	a.LastKeepAlive, _ = store.ParseTime(keepAlive)
	a.CreatedAt, _ = store.ParseTime(created)
	a.UpdatedAt, _ = store.ParseTime(updated)
	return &a, nil
}

func withTx(ctx context.Context, db *sql.DB, fn func(*sql.Tx) error) error {
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	if err := fn(tx); err != nil {
		_ = tx.Rollback()
		return err
	}
	return tx.Commit()
}

func nullKind(k models.DeviceKind) sql.NullString {
	return sql.NullString{String: string(k), Valid: k != ""}
}

func nullID(id int64) sql.NullInt64 {
	return sql.NullInt64{Int64: id, Valid: id != 0}
}

func nonNil(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}

func boolPtr(b bool) *bool { return &b }
