package database

import "database/sql"

// Schema is the persisted-state layout the core's invariants depend on.
// The constraints and the immutability trigger are the belt-and-suspenders
// enforcement layer behind the services' append-only contract:
//
//   - CHECK constraints reject negative amounts, limits and stock.
//   - The ledger trigger makes every UPDATE or DELETE on ledger rows fail
//     with the dedicated LDG01 SQLSTATE so callers can classify it.
//   - A partial unique index allows at most one DEBIT per order reference.
//   - candidate_responses is unique per (routing, candidate).
//   - A partial unique index guarantees at most one non-null locked winner
//     per routing.
const Schema = `
CREATE TABLE IF NOT EXISTS ledger_entries (
	id            UUID PRIMARY KEY,
	retailer_id   TEXT NOT NULL,
	wholesaler_id TEXT,
	order_id      TEXT,
	entry_kind    TEXT NOT NULL CHECK (entry_kind IN ('DEBIT', 'CREDIT', 'ADJUSTMENT', 'REVERSAL')),
	amount        NUMERIC(18, 2) NOT NULL CHECK (amount > 0),
	balance_after NUMERIC(18, 2) NOT NULL,
	created_by    TEXT NOT NULL,
	due_date      TIMESTAMPTZ,
	hash          TEXT NOT NULL,
	prev_hash     TEXT NOT NULL,
	created_at    TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE INDEX IF NOT EXISTS idx_ledger_scope
	ON ledger_entries (retailer_id, wholesaler_id, created_at);

CREATE UNIQUE INDEX IF NOT EXISTS idx_ledger_debit_per_order
	ON ledger_entries (order_id)
	WHERE order_id IS NOT NULL AND entry_kind = 'DEBIT';

CREATE OR REPLACE FUNCTION reject_ledger_mutation() RETURNS trigger AS $$
BEGIN
	RAISE EXCEPTION 'ledger entries are immutable' USING ERRCODE = 'LDG01';
END;
$$ LANGUAGE plpgsql;

DROP TRIGGER IF EXISTS ledger_entries_immutable ON ledger_entries;
CREATE TRIGGER ledger_entries_immutable
	BEFORE UPDATE OR DELETE ON ledger_entries
	FOR EACH ROW EXECUTE FUNCTION reject_ledger_mutation();

CREATE TABLE IF NOT EXISTS credit_accounts (
	id             UUID PRIMARY KEY,
	retailer_id    TEXT NOT NULL,
	wholesaler_id  TEXT NOT NULL,
	credit_limit   NUMERIC(18, 2) NOT NULL CHECK (credit_limit >= 0),
	used_credit    NUMERIC(18, 2) NOT NULL DEFAULT 0 CHECK (used_credit >= 0),
	active         BOOLEAN NOT NULL DEFAULT TRUE,
	blocked_reason TEXT,
	terms_days     INTEGER NOT NULL DEFAULT 0 CHECK (terms_days >= 0),
	version        INTEGER NOT NULL DEFAULT 1,
	updated_at     TIMESTAMPTZ NOT NULL DEFAULT now(),
	UNIQUE (retailer_id, wholesaler_id)
);

CREATE TABLE IF NOT EXISTS wholesaler_profiles (
	id              TEXT PRIMARY KEY,
	name            TEXT NOT NULL,
	active          BOOLEAN NOT NULL DEFAULT TRUE,
	service_area    TEXT NOT NULL,
	min_order_value NUMERIC(18, 2) NOT NULL DEFAULT 0 CHECK (min_order_value >= 0),
	stock_capacity  INTEGER NOT NULL DEFAULT 0 CHECK (stock_capacity >= 0),
	completion_rate NUMERIC(5, 4) NOT NULL DEFAULT 0 CHECK (completion_rate BETWEEN 0 AND 1),
	rating          NUMERIC(3, 2) NOT NULL DEFAULT 0 CHECK (rating BETWEEN 0 AND 5),
	reliability     NUMERIC(5, 4) NOT NULL DEFAULT 0 CHECK (reliability BETWEEN 0 AND 1)
);

CREATE TABLE IF NOT EXISTS allocation_routings (
	id               UUID PRIMARY KEY,
	order_id         TEXT NOT NULL,
	retailer_id      TEXT NOT NULL,
	status           TEXT NOT NULL DEFAULT 'BROADCAST'
		CHECK (status IN ('BROADCAST', 'LOCKED', 'CANCELLATIONS_SENT', 'CLOSED')),
	locked_winner_id TEXT,
	locked_at        TIMESTAMPTZ,
	version          INTEGER NOT NULL DEFAULT 1,
	created_at       TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE UNIQUE INDEX IF NOT EXISTS idx_one_winner_per_routing
	ON allocation_routings (id)
	WHERE locked_winner_id IS NOT NULL;

CREATE TABLE IF NOT EXISTS allocation_candidates (
	routing_id   UUID NOT NULL REFERENCES allocation_routings (id),
	candidate_id TEXT NOT NULL,
	score        NUMERIC(8, 4) NOT NULL,
	rank         INTEGER NOT NULL,
	selected     BOOLEAN NOT NULL DEFAULT FALSE,
	PRIMARY KEY (routing_id, candidate_id)
);

CREATE TABLE IF NOT EXISTS candidate_responses (
	id            UUID PRIMARY KEY,
	routing_id    UUID NOT NULL REFERENCES allocation_routings (id),
	candidate_id  TEXT NOT NULL,
	response_kind TEXT NOT NULL CHECK (response_kind IN ('ACCEPT', 'REJECT', 'TIMEOUT', 'ERROR')),
	note          TEXT,
	responded_at  TIMESTAMPTZ NOT NULL DEFAULT now(),
	UNIQUE (routing_id, candidate_id)
);

CREATE TABLE IF NOT EXISTS cancellation_records (
	id           UUID PRIMARY KEY,
	response_id  UUID REFERENCES candidate_responses (id),
	routing_id   UUID NOT NULL REFERENCES allocation_routings (id),
	candidate_id TEXT NOT NULL,
	reason       TEXT NOT NULL CHECK (reason IN ('LOST_RACE', 'TIMED_OUT', 'NOT_SELECTED')),
	created_at   TIMESTAMPTZ NOT NULL DEFAULT now(),
	UNIQUE (routing_id, candidate_id)
);
`

// EnsureSchema applies the schema. Every statement is idempotent, so this is
// safe to run at each startup.
func EnsureSchema(db *sql.DB) error {
	_, err := db.Exec(Schema)
	return err
}
