package sqlite

import (
	"context"

	"github.com/xraph/grove/migrate"
)

// Migrations is the grove migration group for the Flash store (SQLite).
var Migrations = migrate.NewGroup("flash")

func init() {
	Migrations.MustRegister(
		&migrate.Migration{
			Name:    "create_flash_snapshots",
			Version: "20250101000001",
			Up: func(ctx context.Context, exec migrate.Executor) error {
				_, err := exec.Exec(ctx, `
CREATE TABLE IF NOT EXISTS flash_snapshots (
    agent            TEXT NOT NULL,
    provider         TEXT NOT NULL,
    vault            TEXT NOT NULL DEFAULT '',
    spent            INTEGER NOT NULL DEFAULT 0,
    in_flight_amount INTEGER NOT NULL DEFAULT 0,
    in_flight_nonce  INTEGER NOT NULL DEFAULT 0,
    updated_at       TEXT NOT NULL DEFAULT (datetime('now')),
    PRIMARY KEY (agent, provider)
);
`)
				return err
			},
			Down: func(ctx context.Context, exec migrate.Executor) error {
				_, err := exec.Exec(ctx, `DROP TABLE IF EXISTS flash_snapshots`)
				return err
			},
		},
		&migrate.Migration{
			Name:    "create_flash_settlements",
			Version: "20250101000002",
			Up: func(ctx context.Context, exec migrate.Executor) error {
				_, err := exec.Exec(ctx, `
CREATE TABLE IF NOT EXISTS flash_settlements (
    id           TEXT PRIMARY KEY,
    session_id   TEXT NOT NULL DEFAULT '',
    agent        TEXT NOT NULL,
    vault        TEXT NOT NULL DEFAULT '',
    provider     TEXT NOT NULL DEFAULT '',
    amount       INTEGER NOT NULL DEFAULT 0,
    nonce        INTEGER NOT NULL DEFAULT 0,
    bid          INTEGER NOT NULL DEFAULT 0,
    status       TEXT NOT NULL DEFAULT 'requested',
    tx_id        TEXT NOT NULL DEFAULT '',
    error        TEXT NOT NULL DEFAULT '',
    attempts     INTEGER NOT NULL DEFAULT 0,
    confirmed_at TEXT,
    created_at   TEXT NOT NULL DEFAULT (datetime('now')),
    updated_at   TEXT NOT NULL DEFAULT (datetime('now'))
);

CREATE INDEX IF NOT EXISTS idx_flash_settlements_agent ON flash_settlements (agent, created_at);
CREATE INDEX IF NOT EXISTS idx_flash_settlements_status ON flash_settlements (agent, status);
CREATE INDEX IF NOT EXISTS idx_flash_settlements_session ON flash_settlements (session_id);
`)
				return err
			},
			Down: func(ctx context.Context, exec migrate.Executor) error {
				_, err := exec.Exec(ctx, `DROP TABLE IF EXISTS flash_settlements`)
				return err
			},
		},
	)
}
