// Package store persists the ledger. The Postgres implementation runs the
// whole fast-path transfer as one serializable transaction; the in-memory
// implementation mirrors its semantics for tests and single-node dev mode.
package store

import (
	"context"
	"database/sql"
	"fmt"
)

// schemaDDL creates every table the daemon touches. Statements are idempotent
// so EnsureSchema can run on every boot.
const schemaDDL = `
CREATE TABLE IF NOT EXISTS accounts (
  tenant_id       TEXT        NOT NULL,
  account_id      TEXT        NOT NULL,
  currency_code   TEXT        NOT NULL,
  ledger_minor    BIGINT      NOT NULL DEFAULT 0,
  pending_minor   BIGINT      NOT NULL DEFAULT 0,
  updated_at      TIMESTAMPTZ NOT NULL DEFAULT NOW(),
  PRIMARY KEY (tenant_id, account_id)
);

CREATE TABLE IF NOT EXISTS journal_entries (
  entry_id     UUID        PRIMARY KEY,
  tenant_id    TEXT        NOT NULL,
  narration    TEXT        NOT NULL,
  currency_code TEXT       NOT NULL,
  booked_at    TIMESTAMPTZ NOT NULL
);

CREATE TABLE IF NOT EXISTS postings (
  posting_id  UUID   PRIMARY KEY,
  entry_id    UUID   NOT NULL REFERENCES journal_entries (entry_id),
  tenant_id   TEXT   NOT NULL,
  account_id  TEXT   NOT NULL,
  side        TEXT   NOT NULL CHECK (side IN ('debit', 'credit')),
  amount_minor BIGINT NOT NULL CHECK (amount_minor > 0)
);

CREATE INDEX IF NOT EXISTS postings_account_idx
  ON postings (tenant_id, account_id, entry_id);

CREATE TABLE IF NOT EXISTS idempotency_keys (
  tenant_id       TEXT        NOT NULL,
  idempotency_key TEXT        NOT NULL,
  entry_id        UUID        NOT NULL,
  created_at      TIMESTAMPTZ NOT NULL DEFAULT NOW(),
  expires_at      TIMESTAMPTZ NOT NULL,
  PRIMARY KEY (tenant_id, idempotency_key)
);

CREATE INDEX IF NOT EXISTS idempotency_keys_expiry_idx
  ON idempotency_keys (expires_at);

CREATE TABLE IF NOT EXISTS outbox_messages (
  message_id    UUID        PRIMARY KEY,
  topic         TEXT        NOT NULL,
  partition_key TEXT        NOT NULL,
  payload       JSONB       NOT NULL,
  enqueued_at   TIMESTAMPTZ NOT NULL DEFAULT NOW(),
  attempts      INT         NOT NULL DEFAULT 0,
  state         TEXT        NOT NULL DEFAULT 'pending'
                CHECK (state IN ('pending', 'published', 'poison'))
);

CREATE INDEX IF NOT EXISTS outbox_pending_idx
  ON outbox_messages (enqueued_at) WHERE state = 'pending';

CREATE TABLE IF NOT EXISTS offline_operations (
  device_id   TEXT        NOT NULL,
  nonce       TEXT        NOT NULL,
  tenant_id   TEXT        NOT NULL,
  kind        TEXT        NOT NULL,
  payload     JSONB       NOT NULL,
  signature   TEXT        NOT NULL,
  state       TEXT        NOT NULL DEFAULT 'queued'
              CHECK (state IN ('queued', 'synced', 'rejected')),
  enqueued_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
  PRIMARY KEY (device_id, nonce)
);

CREATE INDEX IF NOT EXISTS offline_queued_idx
  ON offline_operations (tenant_id, device_id, enqueued_at) WHERE state = 'queued';
`

// EnsureSchema applies the DDL. Safe to call on every startup.
func EnsureSchema(ctx context.Context, db *sql.DB) error {
	if _, err := db.ExecContext(ctx, schemaDDL); err != nil {
		return fmt.Errorf("apply schema: %w", err)
	}
	return nil
}
