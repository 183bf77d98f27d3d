package vault

import (
	"database/sql"

	"github.com/HerbHall/wazuhsync/pkg/plugin"
)

func migrations() []plugin.Migration {
	return []plugin.Migration{
		{
			Version:     1,
			Description: "create vault_meta table",
			Up: func(tx *sql.Tx) error {
				_, err := tx.Exec(`CREATE TABLE IF NOT EXISTS vault_meta (
					id INTEGER PRIMARY KEY CHECK (id = 1),
					salt BLOB NOT NULL,
					verification_blob BLOB NOT NULL,
					wrapped_key BLOB NOT NULL,
					created_at TEXT NOT NULL,
					updated_at TEXT NOT NULL
				)`)
				return err
			},
		},
	}
}
