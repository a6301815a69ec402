package postgres

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
)

// Schema is the DDL for every table the lab services use. Each statement is
// idempotent so it can run on every start when auto-migration is enabled.
const Schema = `
CREATE TABLE IF NOT EXISTS lab_orders (
	id            TEXT PRIMARY KEY,
	code          TEXT NOT NULL UNIQUE,
	patient_ref   TEXT NOT NULL,
	priority      TEXT NOT NULL,
	ordered_at    TIMESTAMPTZ NOT NULL,
	record        JSONB NOT NULL,
	created_at    TIMESTAMPTZ NOT NULL DEFAULT NOW()
);
CREATE INDEX IF NOT EXISTS lab_orders_ordered_at_idx ON lab_orders (ordered_at DESC);

CREATE TABLE IF NOT EXISTS lab_tests (
	id          TEXT PRIMARY KEY,
	order_id    TEXT NOT NULL REFERENCES lab_orders (id),
	position    INT NOT NULL,
	state       TEXT NOT NULL,
	version     INT NOT NULL,
	snapshot    JSONB NOT NULL,
	updated_at  TIMESTAMPTZ NOT NULL
);
CREATE INDEX IF NOT EXISTS lab_tests_order_idx ON lab_tests (order_id, position);
CREATE INDEX IF NOT EXISTS lab_tests_state_idx ON lab_tests (state);

CREATE TABLE IF NOT EXISTS lab_events (
	id           TEXT PRIMARY KEY,
	order_id     TEXT NOT NULL,
	test_id      TEXT,
	event_type   TEXT NOT NULL,
	version      INT NOT NULL,
	occurred_at  TIMESTAMPTZ NOT NULL,
	event        JSONB NOT NULL
);
CREATE INDEX IF NOT EXISTS lab_events_test_idx ON lab_events (test_id, version);

CREATE TABLE IF NOT EXISTS outbox (
	id              BIGSERIAL PRIMARY KEY,
	aggregate_id    TEXT NOT NULL,
	aggregate_type  TEXT NOT NULL,
	event_type      TEXT NOT NULL,
	payload         JSONB NOT NULL,
	kafka_topic     TEXT NOT NULL,
	kafka_key       TEXT NOT NULL,
	created_at      TIMESTAMPTZ NOT NULL DEFAULT NOW(),
	updated_at      TIMESTAMPTZ NOT NULL DEFAULT NOW(),
	processed_at    TIMESTAMPTZ,
	retry_count     INT NOT NULL DEFAULT 0,
	last_error      TEXT
);
CREATE INDEX IF NOT EXISTS outbox_pending_idx ON outbox (created_at) WHERE processed_at IS NULL;

CREATE TABLE IF NOT EXISTS inbox (
	idempotency_key  TEXT PRIMARY KEY,
	handler_name     TEXT NOT NULL,
	status           TEXT NOT NULL,
	payload          JSONB,
	result           JSONB,
	created_at       TIMESTAMPTZ NOT NULL DEFAULT NOW(),
	updated_at       TIMESTAMPTZ NOT NULL DEFAULT NOW(),
	expires_at       TIMESTAMPTZ
);

CREATE TABLE IF NOT EXISTS audit_log (
	event_id     TEXT PRIMARY KEY,
	order_id     TEXT NOT NULL,
	test_id      TEXT,
	event_type   TEXT NOT NULL,
	from_state   TEXT,
	to_state     TEXT,
	actor        TEXT,
	occurred_at  TIMESTAMPTZ NOT NULL,
	recorded_at  TIMESTAMPTZ NOT NULL DEFAULT NOW(),
	event        JSONB NOT NULL
);
CREATE INDEX IF NOT EXISTS audit_log_order_idx ON audit_log (order_id, occurred_at);
`

// EnsureSchema creates any missing tables and indexes.
func EnsureSchema(ctx context.Context, pool *pgxpool.Pool) error {
	if _, err := pool.Exec(ctx, Schema); err != nil {
		return fmt.Errorf("apply schema: %w", err)
	}
	return nil
}
