package finding

import (
	"database/sql"
	"fmt"

	"github.com/HerbHall/wazuhsync/pkg/plugin"
)

// findingTableDDL is shared by every kind table. key is indexed but not
// UNIQUE: the reconciler detects duplicates itself and fails the device.
const findingTableDDL = `CREATE TABLE IF NOT EXISTS %[1]s (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	key TEXT NOT NULL,
	name TEXT NOT NULL DEFAULT '',
	device_kind TEXT NOT NULL,
	device_id INTEGER NOT NULL,
	parent_id INTEGER REFERENCES wazuh_finding_groups(id) ON DELETE SET NULL,
	severity INTEGER NOT NULL DEFAULT 3,
	description TEXT NOT NULL DEFAULT '',
	detected_at TEXT,
	published_at TEXT,
	attributes TEXT NOT NULL DEFAULT '{}',
	payload TEXT NOT NULL DEFAULT '{}',
	discontinued INTEGER NOT NULL DEFAULT 0,
	ticket_id INTEGER,
	deleted INTEGER NOT NULL DEFAULT 0,
	created_at TEXT NOT NULL,
	updated_at TEXT NOT NULL
)`

func migrations() []plugin.Migration {
	return []plugin.Migration{
		{
			Version:     1,
			Description: "create finding tables",
			Up: func(tx *sql.Tx) error {
				stmts := []string{
					`CREATE TABLE IF NOT EXISTS wazuh_finding_groups (
						id INTEGER PRIMARY KEY AUTOINCREMENT,
						device_kind TEXT NOT NULL,
						device_id INTEGER NOT NULL,
						name TEXT NOT NULL,
						created_at TEXT NOT NULL,
						UNIQUE(device_kind, device_id, name)
					)`,
				}
				for _, table := range []string{"wazuh_vulnerabilities", "wazuh_alerts"} {
					stmts = append(stmts,
						fmt.Sprintf(findingTableDDL, table),
						fmt.Sprintf(`CREATE INDEX IF NOT EXISTS idx_%[1]s_key ON %[1]s(key)`, table),
						fmt.Sprintf(`CREATE INDEX IF NOT EXISTS idx_%[1]s_device ON %[1]s(device_kind, device_id, detected_at)`, table),
					)
				}
				for _, stmt := range stmts {
					if _, err := tx.Exec(stmt); err != nil {
						return err
					}
				}
				return nil
			},
		},
		{
			Version:     2,
			Description: "create finding sync run log",
			Up: func(tx *sql.Tx) error {
				stmts := []string{
					`CREATE TABLE IF NOT EXISTS finding_sync_runs (
						id TEXT PRIMARY KEY,
						kind TEXT NOT NULL,
						device_kind TEXT NOT NULL,
						device_id INTEGER NOT NULL,
						state TEXT NOT NULL,
						total INTEGER NOT NULL DEFAULT 0,
						pages INTEGER NOT NULL DEFAULT 0,
						upserted INTEGER NOT NULL DEFAULT 0,
						created INTEGER NOT NULL DEFAULT 0,
						updated INTEGER NOT NULL DEFAULT 0,
						discontinued INTEGER NOT NULL DEFAULT 0,
						error TEXT NOT NULL DEFAULT '',
						started_at TEXT NOT NULL,
						duration_ms INTEGER NOT NULL DEFAULT 0
					)`,
					`CREATE INDEX IF NOT EXISTS idx_finding_sync_runs_started ON finding_sync_runs(started_at)`,
				}
				for _, stmt := range stmts {
					if _, err := tx.Exec(stmt); err != nil {
						return err
					}
				}
				return nil
			},
		},
	}
}
