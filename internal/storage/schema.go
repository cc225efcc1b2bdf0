package storage

import (
	"context"
	"fmt"
	"strings"
)

// schema is written once for both engines. The {{...}} markers are replaced
// with the column types of the dialect.
var schema = []string{
	`CREATE TABLE IF NOT EXISTS account_types (
		id TEXT PRIMARY KEY,
		name TEXT NOT NULL UNIQUE,
		currency_code CHAR(3) NOT NULL,
		monthly_maintenance_fee {{amount}} NOT NULL,
		balance_limit_amount {{amount}} NOT NULL,
		balance_fee_amount {{amount}} NOT NULL,
		balance_charge_day INTEGER NOT NULL DEFAULT 1,
		credit_annual_interest_rate {{amount}} NOT NULL,
		credit_charge_period TEXT NOT NULL DEFAULT 'monthly',
		credit_charge_day INTEGER NOT NULL DEFAULT 1,
		deposit_annual_interest_rate {{amount}} NOT NULL,
		deposit_payout_period TEXT NOT NULL DEFAULT 'monthly',
		deposit_payout_day INTEGER NOT NULL DEFAULT 1,
		created_at {{ts}} NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS accounts (
		id TEXT PRIMARY KEY,
		number TEXT NOT NULL UNIQUE,
		type_id TEXT NOT NULL REFERENCES account_types(id),
		user_id TEXT NOT NULL,
		currency_code CHAR(3) NOT NULL,
		balance {{amount}} NOT NULL,
		available_balance {{amount}} NOT NULL,
		initial_balance {{amount}} NOT NULL,
		is_active BOOLEAN NOT NULL,
		allow_withdrawals BOOLEAN NOT NULL,
		allow_deposits BOOLEAN NOT NULL,
		interest_account_id TEXT REFERENCES accounts(id),
		maturity_date {{ts}},
		created_at {{ts}} NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS accounts_user_idx ON accounts (user_id)`,
	`CREATE TABLE IF NOT EXISTS revenue_accounts (
		id TEXT PRIMARY KEY,
		currency_code CHAR(3) NOT NULL,
		balance {{amount}} NOT NULL,
		available_balance {{amount}} NOT NULL,
		initial_balance {{amount}} NOT NULL,
		is_default BOOLEAN NOT NULL,
		created_at {{ts}} NOT NULL
	)`,
	`CREATE UNIQUE INDEX IF NOT EXISTS revenue_accounts_default_idx ON revenue_accounts (currency_code) WHERE is_default`,
	`CREATE TABLE IF NOT EXISTS cards (
		id TEXT PRIMARY KEY,
		number TEXT NOT NULL,
		token TEXT NOT NULL UNIQUE,
		user_id TEXT NOT NULL,
		currency_code CHAR(3) NOT NULL,
		type TEXT NOT NULL,
		status TEXT NOT NULL,
		expires_at {{ts}} NOT NULL,
		balance {{amount}} NOT NULL,
		initial_balance {{amount}} NOT NULL,
		created_at {{ts}} NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS card_secrets (
		card_id TEXT PRIMARY KEY REFERENCES cards(id),
		ciphertext {{bytes}} NOT NULL,
		encrypted_key {{bytes}} NOT NULL,
		nonce {{bytes}} NOT NULL,
		key_id TEXT NOT NULL,
		created_at {{ts}} NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS transactions (
		id TEXT PRIMARY KEY,
		request_id TEXT NOT NULL,
		purpose TEXT NOT NULL,
		description TEXT NOT NULL,
		status TEXT NOT NULL,
		account_id TEXT REFERENCES accounts(id),
		card_id TEXT REFERENCES cards(id),
		revenue_account_id TEXT REFERENCES revenue_accounts(id),
		currency_code CHAR(3) NOT NULL,
		amount {{amount}} NOT NULL,
		current_balance {{amount}} NOT NULL,
		available_balance {{amount}} NOT NULL,
		show_amount {{amount}},
		is_visible BOOLEAN NOT NULL,
		created_at {{ts}} NOT NULL,
		UNIQUE (request_id, purpose),
		CHECK ((CASE WHEN account_id IS NULL THEN 0 ELSE 1 END)
			+ (CASE WHEN card_id IS NULL THEN 0 ELSE 1 END)
			+ (CASE WHEN revenue_account_id IS NULL THEN 0 ELSE 1 END) = 1)
	)`,
	`CREATE INDEX IF NOT EXISTS transactions_account_idx ON transactions (account_id, id)`,
	`CREATE INDEX IF NOT EXISTS transactions_card_idx ON transactions (card_id, id)`,
	`CREATE INDEX IF NOT EXISTS transactions_revenue_idx ON transactions (revenue_account_id, id)`,
	`CREATE TABLE IF NOT EXISTS requests (
		id TEXT PRIMARY KEY,
		subject TEXT NOT NULL,
		status TEXT NOT NULL,
		initiator TEXT NOT NULL,
		user_id TEXT,
		user_group TEXT,
		base_currency CHAR(3) NOT NULL,
		reference_currency TEXT,
		amount {{amount}},
		rate {{amount}},
		rate_designation TEXT NOT NULL,
		exchange_margin_percent {{amount}} NOT NULL,
		description TEXT,
		input {{json}},
		cancellation_reason TEXT,
		rejection_reason TEXT,
		created_at {{ts}} NOT NULL,
		updated_at {{ts}} NOT NULL,
		status_changed_at {{ts}}
	)`,
	`CREATE TABLE IF NOT EXISTS request_data (
		request_id TEXT PRIMARY KEY REFERENCES requests(id),
		source_account_id TEXT REFERENCES accounts(id),
		destination_account_id TEXT REFERENCES accounts(id),
		account_id TEXT REFERENCES accounts(id),
		destination_card_id TEXT REFERENCES cards(id),
		revenue_account_id TEXT REFERENCES revenue_accounts(id),
		debit_from_revenue BOOLEAN NOT NULL DEFAULT FALSE,
		credit_to_revenue BOOLEAN NOT NULL DEFAULT FALSE,
		apply_iwt_fee BOOLEAN NOT NULL DEFAULT FALSE,
		details {{json}}
	)`,
	`CREATE TABLE IF NOT EXISTS request_transitions (
		id TEXT PRIMARY KEY,
		request_id TEXT NOT NULL REFERENCES requests(id),
		from_status TEXT NOT NULL,
		to_status TEXT NOT NULL,
		reason TEXT NOT NULL,
		actor TEXT NOT NULL,
		prev_hash TEXT NOT NULL,
		hash TEXT NOT NULL,
		created_at {{ts}} NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS request_transitions_request_idx ON request_transitions (request_id, id)`,
	`CREATE TABLE IF NOT EXISTS transfer_fees (
		id TEXT PRIMARY KEY,
		name TEXT NOT NULL,
		subject TEXT NOT NULL,
		user_groups {{json}} NOT NULL,
		created_at {{ts}} NOT NULL,
		UNIQUE (name, subject)
	)`,
	`CREATE TABLE IF NOT EXISTS transfer_fee_parameters (
		transfer_fee_id TEXT NOT NULL REFERENCES transfer_fees(id),
		currency_code CHAR(3) NOT NULL,
		base {{amount}} NOT NULL,
		min_amount {{amount}},
		max_amount {{amount}},
		percent {{amount}} NOT NULL,
		PRIMARY KEY (transfer_fee_id, currency_code)
	)`,
	`CREATE TABLE IF NOT EXISTS limits (
		id TEXT PRIMARY KEY,
		name TEXT NOT NULL,
		entity TEXT NOT NULL,
		entity_id TEXT NOT NULL,
		currency_code CHAR(3) NOT NULL,
		amount {{amount}} NOT NULL,
		created_at {{ts}} NOT NULL,
		UNIQUE (name, entity, entity_id)
	)`,
	`CREATE TABLE IF NOT EXISTS scheduled_transactions (
		id TEXT PRIMARY KEY,
		account_id TEXT NOT NULL REFERENCES accounts(id),
		reason TEXT NOT NULL,
		amount {{amount}} NOT NULL,
		scheduled_date CHAR(10) NOT NULL,
		status TEXT NOT NULL,
		request_id TEXT REFERENCES requests(id),
		attempts INTEGER NOT NULL DEFAULT 0,
		last_error TEXT,
		claimed_at {{ts}},
		created_at {{ts}} NOT NULL,
		updated_at {{ts}} NOT NULL,
		UNIQUE (account_id, reason, scheduled_date)
	)`,
	`CREATE INDEX IF NOT EXISTS scheduled_transactions_due_idx ON scheduled_transactions (status, scheduled_date)`,
	`CREATE TABLE IF NOT EXISTS scheduled_transaction_logs (
		id TEXT PRIMARY KEY,
		scheduled_transaction_id TEXT NOT NULL UNIQUE REFERENCES scheduled_transactions(id),
		request_id TEXT NOT NULL REFERENCES requests(id),
		amount {{amount}} NOT NULL,
		created_at {{ts}} NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS outbox_events (
		id TEXT PRIMARY KEY,
		aggregate_id TEXT NOT NULL,
		event_type TEXT NOT NULL,
		routing_key TEXT NOT NULL,
		payload {{json}} NOT NULL,
		status TEXT NOT NULL,
		attempts INTEGER NOT NULL DEFAULT 0,
		available_at {{ts}} NOT NULL,
		processing_started_at {{ts}},
		last_error TEXT,
		created_at {{ts}} NOT NULL,
		published_at {{ts}}
	)`,
	`CREATE INDEX IF NOT EXISTS outbox_events_pending_idx ON outbox_events (status, available_at)`,
	`CREATE TABLE IF NOT EXISTS oauth_clients (
		client_id TEXT PRIMARY KEY,
		secret_hash TEXT NOT NULL,
		scopes {{json}} NOT NULL,
		created_at {{ts}} NOT NULL
	)`,
}

func (d *DB) columnTypes() *strings.Replacer {
	if d.dialect == Postgres {
		return strings.NewReplacer("{{amount}}", "NUMERIC(38,18)", "{{ts}}", "TIMESTAMPTZ", "{{json}}", "JSONB", "{{bytes}}", "BYTEA")
	}
	return strings.NewReplacer("{{amount}}", "TEXT", "{{ts}}", "TIMESTAMP", "{{json}}", "TEXT", "{{bytes}}", "BLOB")
}

// Migrate creates every table and index that does not exist yet.
func (d *DB) Migrate(ctx context.Context) error {
	types := d.columnTypes()
	for i, stmt := range schema {
		if _, err := d.sql.ExecContext(ctx, types.Replace(stmt)); err != nil {
			return fmt.Errorf("migrate statement %d: %w", i, err)
		}
	}
	d.logger.Info("schema migrated", "dialect", d.dialect, "statements", len(schema))
	return nil
}
