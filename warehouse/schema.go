// Package warehouse persists parsed rows and sync watermarks in
// PostgreSQL. All writes are transactional per (kind, batch); upserts
// are idempotent and keyed so re-running a batch is a no-op.
package warehouse

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
)

// inventoryVoucherDDL is shared by the four sales-family tables.
const inventoryVoucherDDL = `
CREATE TABLE IF NOT EXISTS %[1]s (
    id              BIGSERIAL PRIMARY KEY,
    company_name    TEXT NOT NULL,
    voucher_date    DATE,
    voucher_number  TEXT,
    voucher_type    TEXT,
    party_name      TEXT,
    party_gstin     TEXT,
    line_no         INTEGER NOT NULL DEFAULT 0,
    item_name       TEXT,
    quantity        DOUBLE PRECISION DEFAULT 0,
    unit            TEXT,
    alt_qty         DOUBLE PRECISION DEFAULT 0,
    alt_unit        TEXT,
    batch_name      TEXT,
    mfg_date        DATE,
    expiry_date     DATE,
    hsn_code        TEXT,
    gst_rate        DOUBLE PRECISION DEFAULT 0,
    rate            DOUBLE PRECISION DEFAULT 0,
    amount          DOUBLE PRECISION DEFAULT 0,
    discount        DOUBLE PRECISION DEFAULT 0,
    cgst            DOUBLE PRECISION DEFAULT 0,
    sgst            DOUBLE PRECISION DEFAULT 0,
    igst            DOUBLE PRECISION DEFAULT 0,
    freight         DOUBLE PRECISION DEFAULT 0,
    dca             DOUBLE PRECISION DEFAULT 0,
    cf              DOUBLE PRECISION DEFAULT 0,
    other_charges   DOUBLE PRECISION DEFAULT 0,
    total_amount    DOUBLE PRECISION DEFAULT 0,
    currency        TEXT DEFAULT 'INR',
    exchange_rate   DOUBLE PRECISION DEFAULT 0,
    narration       TEXT,
    guid            TEXT NOT NULL,
    alter_id        BIGINT NOT NULL DEFAULT 0,
    master_id       BIGINT DEFAULT 0,
    change_status   TEXT,
    is_deleted      TEXT NOT NULL DEFAULT 'No',
    created_at      TIMESTAMPTZ NOT NULL DEFAULT now(),
    updated_at      TIMESTAMPTZ NOT NULL DEFAULT now(),
    UNIQUE (company_name, guid, line_no)
);
CREATE INDEX IF NOT EXISTS %[1]s_company_date_idx ON %[1]s (company_name, voucher_date);
CREATE INDEX IF NOT EXISTS %[1]s_guid_idx ON %[1]s (guid);
CREATE INDEX IF NOT EXISTS %[1]s_alter_id_idx ON %[1]s (alter_id);
`

// ledgerVoucherDDL is shared by the four receipt-family tables.
const ledgerVoucherDDL = `
CREATE TABLE IF NOT EXISTS %[1]s (
    id              BIGSERIAL PRIMARY KEY,
    company_name    TEXT NOT NULL,
    voucher_date    DATE,
    voucher_number  TEXT,
    voucher_type    TEXT,
    line_no         INTEGER NOT NULL DEFAULT 0,
    ledger_name     TEXT,
    amount          DOUBLE PRECISION DEFAULT 0,
    amount_type     TEXT,
    currency        TEXT DEFAULT 'INR',
    exchange_rate   DOUBLE PRECISION DEFAULT 0,
    narration       TEXT,
    guid            TEXT NOT NULL,
    alter_id        BIGINT NOT NULL DEFAULT 0,
    master_id       BIGINT DEFAULT 0,
    change_status   TEXT,
    is_deleted      TEXT NOT NULL DEFAULT 'No',
    created_at      TIMESTAMPTZ NOT NULL DEFAULT now(),
    updated_at      TIMESTAMPTZ NOT NULL DEFAULT now(),
    UNIQUE (company_name, guid, line_no)
);
CREATE INDEX IF NOT EXISTS %[1]s_company_date_idx ON %[1]s (company_name, voucher_date);
CREATE INDEX IF NOT EXISTS %[1]s_guid_idx ON %[1]s (guid);
CREATE INDEX IF NOT EXISTS %[1]s_alter_id_idx ON %[1]s (alter_id);
`

const baseDDL = `
CREATE TABLE IF NOT EXISTS companies (
    name            TEXT PRIMARY KEY,
    guid            TEXT,
    books_from      DATE,
    starting_from   DATE,
    is_active       BOOLEAN NOT NULL DEFAULT TRUE,
    created_at      TIMESTAMPTZ NOT NULL DEFAULT now(),
    updated_at      TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE TABLE IF NOT EXISTS ledgers (
    id              BIGSERIAL PRIMARY KEY,
    company_name    TEXT NOT NULL,
    name            TEXT,
    alias1          TEXT,
    alias2          TEXT,
    alias3          TEXT,
    parent_group    TEXT,
    mailing_name    TEXT,
    phone           TEXT,
    email           TEXT,
    address1        TEXT,
    address2        TEXT,
    address3        TEXT,
    state           TEXT,
    pincode         TEXT,
    gstin           TEXT,
    pan             TEXT,
    bank_account_no TEXT,
    bank_ifsc       TEXT,
    bank_name       TEXT,
    opening_balance DOUBLE PRECISION DEFAULT 0,
    created_date    DATE,
    modified_date   DATE,
    guid            TEXT NOT NULL,
    alter_id        BIGINT NOT NULL DEFAULT 0,
    master_id       BIGINT DEFAULT 0,
    change_status   TEXT,
    is_deleted      TEXT NOT NULL DEFAULT 'No',
    created_at      TIMESTAMPTZ NOT NULL DEFAULT now(),
    updated_at      TIMESTAMPTZ NOT NULL DEFAULT now(),
    UNIQUE (company_name, guid)
);
CREATE INDEX IF NOT EXISTS ledgers_alter_id_idx ON ledgers (alter_id);

CREATE TABLE IF NOT EXISTS trial_balance (
    id              BIGSERIAL PRIMARY KEY,
    company_name    TEXT NOT NULL,
    ledger_name     TEXT NOT NULL,
    parent_group    TEXT,
    opening         DOUBLE PRECISION DEFAULT 0,
    net             DOUBLE PRECISION DEFAULT 0,
    closing         DOUBLE PRECISION DEFAULT 0,
    start_date      DATE NOT NULL,
    end_date        DATE NOT NULL,
    alter_id        BIGINT NOT NULL DEFAULT 0,
    created_at      TIMESTAMPTZ NOT NULL DEFAULT now(),
    updated_at      TIMESTAMPTZ NOT NULL DEFAULT now(),
    UNIQUE (company_name, ledger_name, start_date, end_date)
);

CREATE TABLE IF NOT EXISTS sync_state (
    id                BIGSERIAL PRIMARY KEY,
    company_name      TEXT NOT NULL,
    voucher_type      TEXT NOT NULL,
    last_alter_id     BIGINT NOT NULL DEFAULT 0,
    is_initial_done   BOOLEAN NOT NULL DEFAULT FALSE,
    last_synced_month TEXT NOT NULL DEFAULT '',
    last_sync_time    TIMESTAMPTZ,
    UNIQUE (company_name, voucher_type)
);

CREATE TABLE IF NOT EXISTS scheduler_jobs (
    id               TEXT PRIMARY KEY,
    company_name     TEXT NOT NULL,
    trigger_kind     TEXT NOT NULL,
    interval_seconds INTEGER NOT NULL DEFAULT 0,
    daily_time       TEXT NOT NULL DEFAULT '',
    timezone         TEXT NOT NULL DEFAULT 'UTC',
    enabled          BOOLEAN NOT NULL DEFAULT TRUE,
    next_fire_at     TIMESTAMPTZ,
    last_fire_at     TIMESTAMPTZ
);
`

// Bootstrap creates every table and index the pipeline needs. It is
// create-if-absent only; there is no migration machinery.
func Bootstrap(ctx context.Context, pool *pgxpool.Pool) error {
	if _, err := pool.Exec(ctx, baseDDL); err != nil {
		return fmt.Errorf("failed to create base tables: %w", err)
	}
	for _, table := range []string{"sales_vouchers", "purchase_vouchers", "credit_note_vouchers", "debit_note_vouchers"} {
		if _, err := pool.Exec(ctx, fmt.Sprintf(inventoryVoucherDDL, table)); err != nil {
			return fmt.Errorf("failed to create %s: %w", table, err)
		}
	}
	for _, table := range []string{"receipt_vouchers", "payment_vouchers", "journal_vouchers", "contra_vouchers"} {
		if _, err := pool.Exec(ctx, fmt.Sprintf(ledgerVoucherDDL, table)); err != nil {
			return fmt.Errorf("failed to create %s: %w", table, err)
		}
	}
	return nil
}
