package postgres

import (
	"context"
	"database/sql"
	"fmt"
)

var schema = []string{
	`CREATE TABLE IF NOT EXISTS accounts (
		id                TEXT PRIMARY KEY,
		username          TEXT NOT NULL,
		email             TEXT NOT NULL,
		phone             TEXT NOT NULL,
		full_name         TEXT NOT NULL DEFAULT '',
		address           TEXT NOT NULL,
		password_hash     TEXT NOT NULL,
		role              TEXT NOT NULL DEFAULT 'user',
		funds             NUMERIC NOT NULL DEFAULT 0 CONSTRAINT accounts_funds_non_negative CHECK (funds >= 0),
		borrowed          NUMERIC NOT NULL DEFAULT 0 CONSTRAINT accounts_borrowed_non_negative CHECK (borrowed >= 0),
		meter_id          TEXT NOT NULL,
		last_notification TEXT NOT NULL DEFAULT '',
		disabled          BOOLEAN NOT NULL DEFAULT false,
		registered_at     TIMESTAMPTZ NOT NULL DEFAULT NOW()
	)`,
	`CREATE UNIQUE INDEX IF NOT EXISTS accounts_username_key ON accounts (username)`,
	`CREATE UNIQUE INDEX IF NOT EXISTS accounts_email_key ON accounts (lower(email))`,
	`CREATE UNIQUE INDEX IF NOT EXISTS accounts_phone_key ON accounts (phone)`,
	`CREATE UNIQUE INDEX IF NOT EXISTS accounts_address_key ON accounts (address)`,
	`CREATE TABLE IF NOT EXISTS meters (
		id               TEXT PRIMARY KEY,
		account_id       TEXT NOT NULL REFERENCES accounts (id),
		address          TEXT NOT NULL,
		status           TEXT NOT NULL DEFAULT 'active',
		total_energy_kwh NUMERIC NOT NULL DEFAULT 0,
		created_at       TIMESTAMPTZ NOT NULL DEFAULT NOW()
	)`,
	`CREATE TABLE IF NOT EXISTS appliances (
		id                 TEXT PRIMARY KEY,
		meter_id           TEXT NOT NULL REFERENCES meters (id),
		type               TEXT NOT NULL,
		location           TEXT NOT NULL,
		power_rating_w     INTEGER NOT NULL CHECK (power_rating_w > 0),
		is_on              BOOLEAN NOT NULL DEFAULT false,
		manual_control     BOOLEAN NOT NULL DEFAULT false,
		session_started_at TIMESTAMPTZ,
		session_accum_kwh  NUMERIC NOT NULL DEFAULT 0,
		total_accum_kwh    NUMERIC NOT NULL DEFAULT 0,
		created_at         TIMESTAMPTZ NOT NULL DEFAULT NOW()
	)`,
	`CREATE INDEX IF NOT EXISTS appliances_meter_idx ON appliances (meter_id, created_at)`,
	`CREATE TABLE IF NOT EXISTS transactions (
		seq           BIGSERIAL PRIMARY KEY,
		id            UUID NOT NULL UNIQUE,
		account_id    TEXT NOT NULL,
		type          TEXT NOT NULL,
		amount        NUMERIC NOT NULL CHECK (amount >= 0),
		balance_after NUMERIC NOT NULL,
		metadata      JSONB NOT NULL DEFAULT '{}'::jsonb,
		timestamp     TIMESTAMPTZ NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS transactions_account_ts_idx ON transactions (account_id, timestamp DESC)`,
	`CREATE INDEX IF NOT EXISTS transactions_account_type_idx ON transactions (account_id, type, timestamp DESC)`,
}

// Migrate creates the tables and indexes when they do not exist yet.
func Migrate(ctx context.Context, db *sql.DB) error {
	for i, stmt := range schema {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("postgres: migrate step %d: %w", i+1, err)
		}
	}
	return nil
}
