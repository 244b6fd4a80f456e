// Package postgres is the PostgreSQL-backed [store.Store] implementation.
// All entities share one [pgxpool.Pool]; [Migrate] is idempotent and runs on
// every startup.
package postgres

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
)

// ─────────────────────────────────────────────────────────────────────────────
// DDL — owners, contexts, sessions
// ─────────────────────────────────────────────────────────────────────────────

const ddlAccounts = `
CREATE TABLE IF NOT EXISTS owners (
    id                     TEXT         PRIMARY KEY,
    state                  TEXT         NOT NULL DEFAULT 'free',
    has_instrument         BOOLEAN      NOT NULL DEFAULT FALSE,
    subscription_id        TEXT         NOT NULL DEFAULT '',
    cumul_tokens           BIGINT       NOT NULL DEFAULT 0,
    cumul_tokens_reported  BIGINT       NOT NULL DEFAULT 0,
    grace_deadline         TIMESTAMPTZ,
    created_at             TIMESTAMPTZ  NOT NULL DEFAULT now()
);

CREATE TABLE IF NOT EXISTS contexts (
    id            TEXT         PRIMARY KEY,
    owner_id      TEXT         NOT NULL REFERENCES owners (id) ON DELETE CASCADE,
    name          TEXT         NOT NULL DEFAULT '',
    active        BOOLEAN      NOT NULL DEFAULT TRUE,
    created_at    TIMESTAMPTZ  NOT NULL DEFAULT now(),
    last_used_at  TIMESTAMPTZ  NOT NULL DEFAULT now()
);

CREATE INDEX IF NOT EXISTS idx_contexts_owner ON contexts (owner_id);

CREATE TABLE IF NOT EXISTS sessions (
    context_id    TEXT         NOT NULL REFERENCES contexts (id) ON DELETE CASCADE,
    id            TEXT         NOT NULL,
    created_at    TIMESTAMPTZ  NOT NULL DEFAULT now(),
    last_used_at  TIMESTAMPTZ  NOT NULL DEFAULT now(),
    chunk_count   BIGINT       NOT NULL DEFAULT 0,
    token_count   BIGINT       NOT NULL DEFAULT 0,
    PRIMARY KEY (context_id, id)
);
`

// ─────────────────────────────────────────────────────────────────────────────
// DDL — usage log, subscription events, provider credentials
// ─────────────────────────────────────────────────────────────────────────────

const ddlBilling = `
CREATE TABLE IF NOT EXISTS usage_records (
    id               TEXT         PRIMARY KEY,
    owner_id         TEXT         NOT NULL,
    context_id       TEXT         NOT NULL,
    request_id       TEXT         NOT NULL DEFAULT '',
    stored_in        BIGINT       NOT NULL DEFAULT 0,
    stored_out       BIGINT       NOT NULL DEFAULT 0,
    retrieved        BIGINT       NOT NULL DEFAULT 0,
    ephemeral        BIGINT       NOT NULL DEFAULT 0,
    model            TEXT         NOT NULL DEFAULT '',
    provider         TEXT         NOT NULL DEFAULT '',
    cost_usd         DOUBLE PRECISION NOT NULL DEFAULT 0,
    partial_storage  BOOLEAN      NOT NULL DEFAULT FALSE,
    created_at       TIMESTAMPTZ  NOT NULL DEFAULT now()
);

CREATE INDEX IF NOT EXISTS idx_usage_owner_ts ON usage_records (owner_id, created_at DESC);
CREATE INDEX IF NOT EXISTS idx_usage_context ON usage_records (context_id);

CREATE TABLE IF NOT EXISTS subscription_events (
    id            TEXT         PRIMARY KEY,
    type          TEXT         NOT NULL,
    payload       BYTEA        NOT NULL DEFAULT ''::bytea,
    processed     BOOLEAN      NOT NULL DEFAULT FALSE,
    processed_at  TIMESTAMPTZ,
    error         TEXT         NOT NULL DEFAULT '',
    received_at   TIMESTAMPTZ  NOT NULL DEFAULT now()
);

CREATE TABLE IF NOT EXISTS provider_credentials (
    owner_id      TEXT         NOT NULL REFERENCES owners (id) ON DELETE CASCADE,
    family        TEXT         NOT NULL,
    ciphertext    TEXT         NOT NULL,
    active        BOOLEAN      NOT NULL DEFAULT TRUE,
    last_used_at  TIMESTAMPTZ,
    PRIMARY KEY (owner_id, family)
);
`

// Migrate creates all tables and indexes if they do not yet exist. Safe to
// run concurrently from multiple instances.
func Migrate(ctx context.Context, pool *pgxpool.Pool) error {
	for _, ddl := range []string{ddlAccounts, ddlBilling} {
		if _, err := pool.Exec(ctx, ddl); err != nil {
			return fmt.Errorf("postgres store: migrate: %w", err)
		}
	}
	return nil
}
