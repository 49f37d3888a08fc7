package repository

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
)

// Migrations returns the ledger schema statements. They are idempotent.
func Migrations() []string {
	return []string{
		`CREATE TABLE IF NOT EXISTS credit_accounts (
			user_id              TEXT PRIMARY KEY,
			available_credits    BIGINT NOT NULL DEFAULT 0 CHECK (available_credits >= 0),
			total_credits_earned BIGINT NOT NULL DEFAULT 0 CHECK (total_credits_earned >= 0),
			total_credits_used   BIGINT NOT NULL DEFAULT 0 CHECK (total_credits_used >= 0),
			created_at           TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			updated_at           TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			CONSTRAINT credit_accounts_balance_check
				CHECK (available_credits = total_credits_earned - total_credits_used)
		)`,

		`CREATE TABLE IF NOT EXISTS credit_transactions (
			id           UUID PRIMARY KEY,
			user_id      TEXT NOT NULL,
			type         TEXT NOT NULL CHECK (type IN ('grant', 'purchase_pending', 'purchase', 'purchase_failed', 'debit')),
			credits      BIGINT NOT NULL DEFAULT 0,
			description  TEXT NOT NULL DEFAULT '',
			reference    TEXT NOT NULL DEFAULT '',
			external_ref TEXT,
			metadata     JSONB NOT NULL DEFAULT '{}',
			created_at   TIMESTAMPTZ NOT NULL DEFAULT NOW()
		)`,
		`CREATE INDEX IF NOT EXISTS idx_credit_transactions_user ON credit_transactions (user_id, created_at DESC)`,
		`CREATE UNIQUE INDEX IF NOT EXISTS idx_credit_transactions_external_ref ON credit_transactions (external_ref) WHERE external_ref IS NOT NULL`,
		`CREATE INDEX IF NOT EXISTS idx_credit_transactions_type_ref ON credit_transactions (type, external_ref)`,
		`ALTER TABLE credit_transactions ADD COLUMN IF NOT EXISTS last_checked_at TIMESTAMPTZ`,
		`CREATE INDEX IF NOT EXISTS idx_credit_transactions_pending_checked ON credit_transactions (last_checked_at NULLS FIRST, created_at) WHERE type = 'purchase_pending'`,

		`CREATE TABLE IF NOT EXISTS credit_reservations (
			id               UUID PRIMARY KEY,
			user_id          TEXT NOT NULL,
			reference        TEXT NOT NULL DEFAULT '',
			reserved_credits BIGINT NOT NULL CHECK (reserved_credits >= 0),
			settled_credits  BIGINT NOT NULL DEFAULT 0,
			status           TEXT NOT NULL DEFAULT 'open' CHECK (status IN ('open', 'settled')),
			created_at       TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			settled_at       TIMESTAMPTZ
		)`,
		`CREATE INDEX IF NOT EXISTS idx_credit_reservations_user ON credit_reservations (user_id, status)`,
	}
}

func Migrate(ctx context.Context, db *sql.DB) error {
	for i, stmt := range Migrations() {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("migration %d failed: %w", i, err)
		}
	}
	slog.Info("ledger schema migrated", "statements", len(Migrations()))
	return nil
}
