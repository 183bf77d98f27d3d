package agent

import (
	"database/sql"

	"github.com/HerbHall/wazuhsync/pkg/plugin"
)

func migrations() []plugin.Migration {
	return []plugin.Migration{
		{
			Version:     1,
			Description: "create wazuh_agents table",
			Up: func(tx *sql.Tx) error {
				stmts := []string{
					`CREATE TABLE IF NOT EXISTS wazuh_agents (
						id INTEGER PRIMARY KEY AUTOINCREMENT,
						profile_id INTEGER NOT NULL,
						agent_id TEXT NOT NULL,
						name TEXT NOT NULL DEFAULT '',
						ip TEXT NOT NULL DEFAULT '',
						version TEXT NOT NULL DEFAULT '',
						status TEXT NOT NULL DEFAULT 'never_connected',
						last_keepalive TEXT NOT NULL,
						os_name TEXT NOT NULL DEFAULT '',
						os_version TEXT NOT NULL DEFAULT '',
						group_names TEXT NOT NULL DEFAULT '[]',
						device_kind TEXT,
						device_id INTEGER,
						deleted INTEGER NOT NULL DEFAULT 0,
						created_at TEXT NOT NULL,
						updated_at TEXT NOT NULL,
						UNIQUE(agent_id, profile_id)
					)`,
					`CREATE INDEX IF NOT EXISTS idx_wazuh_agents_device ON wazuh_agents(device_kind, device_id)`,
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
