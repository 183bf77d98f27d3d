package inventory

import (
	"database/sql"

	"github.com/HerbHall/wazuhsync/pkg/plugin"
)

func migrations() []plugin.Migration {
	return []plugin.Migration{
		{
			Version:     1,
			Description: "create inventory_devices table",
			Up: func(tx *sql.Tx) error {
				stmts := []string{
					`CREATE TABLE IF NOT EXISTS inventory_devices (
						id INTEGER PRIMARY KEY AUTOINCREMENT,
						kind TEXT NOT NULL CHECK (kind IN ('computer', 'network_equipment')),
						name TEXT NOT NULL,
						serial TEXT NOT NULL DEFAULT '',
						comment TEXT NOT NULL DEFAULT '',
						created_at TEXT NOT NULL,
						updated_at TEXT NOT NULL
					)`,
					`CREATE INDEX IF NOT EXISTS idx_inventory_devices_name ON inventory_devices(name)`,
					`CREATE INDEX IF NOT EXISTS idx_inventory_devices_kind ON inventory_devices(kind, name)`,
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
