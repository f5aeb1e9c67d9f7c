package store

const schemaDDL = `
CREATE TABLE IF NOT EXISTS wallets (
	user_id         TEXT PRIMARY KEY,
	balance         TEXT NOT NULL,
	currency        TEXT NOT NULL DEFAULT 'USD',
	total_deposited TEXT NOT NULL DEFAULT '0',
	total_withdrawn TEXT NOT NULL DEFAULT '0',
	updated_at      TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS holdings (
	user_id        TEXT NOT NULL,
	instrument     TEXT NOT NULL,
	quantity       INTEGER NOT NULL,
	avg_cost       TEXT NOT NULL,
	total_invested TEXT NOT NULL,
	PRIMARY KEY (user_id, instrument),
	CHECK (quantity > 0)
);

CREATE INDEX IF NOT EXISTS idx_holdings_instrument ON holdings(instrument);

CREATE TABLE IF NOT EXISTS ledger_entries (
	id             TEXT PRIMARY KEY,
	seq            INTEGER NOT NULL,
	user_id        TEXT NOT NULL,
	type           TEXT NOT NULL,
	order_id       TEXT NOT NULL DEFAULT '',
	instrument     TEXT NOT NULL DEFAULT '',
	amount         TEXT NOT NULL,
	balance_before TEXT NOT NULL,
	balance_after  TEXT NOT NULL,
	description    TEXT NOT NULL DEFAULT '',
	created_at     TEXT NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_ledger_user ON ledger_entries(user_id, seq);

CREATE TABLE IF NOT EXISTS orders (
	id             TEXT PRIMARY KEY,
	user_id        TEXT NOT NULL,
	instrument     TEXT NOT NULL,
	side           TEXT NOT NULL,
	quantity       INTEGER NOT NULL,
	price          TEXT NOT NULL DEFAULT '0',
	commission     TEXT NOT NULL DEFAULT '0',
	total          TEXT NOT NULL DEFAULT '0',
	status         TEXT NOT NULL,
	failure_reason TEXT NOT NULL DEFAULT '',
	realized_pnl   TEXT,
	created_at     TEXT NOT NULL,
	executed_at    TEXT
);

CREATE INDEX IF NOT EXISTS idx_orders_user ON orders(user_id);
CREATE INDEX IF NOT EXISTS idx_orders_status ON orders(status);

CREATE TABLE IF NOT EXISTS dividend_events (
	id          TEXT PRIMARY KEY,
	instrument  TEXT NOT NULL,
	per_unit    TEXT NOT NULL,
	ex_date     TEXT NOT NULL,
	record_date TEXT NOT NULL,
	pay_date    TEXT NOT NULL,
	distributed INTEGER NOT NULL DEFAULT 0
);

CREATE INDEX IF NOT EXISTS idx_events_due ON dividend_events(distributed, pay_date);

CREATE TABLE IF NOT EXISTS dividend_payments (
	id              TEXT PRIMARY KEY,
	event_id        TEXT NOT NULL REFERENCES dividend_events(id),
	user_id         TEXT NOT NULL,
	instrument      TEXT NOT NULL,
	units           INTEGER NOT NULL,
	amount          TEXT NOT NULL,
	ledger_entry_id TEXT NOT NULL,
	paid_at         TEXT NOT NULL,
	UNIQUE (event_id, user_id)
);
`
