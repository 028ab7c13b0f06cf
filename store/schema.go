package store

// Schema creates the SQLite tables. Decimals are stored as TEXT to keep them
// exact; timestamps as INTEGER unix nanoseconds, UTC.
const Schema = `
CREATE TABLE IF NOT EXISTS positions (
	id TEXT PRIMARY KEY,
	asset_symbol TEXT NOT NULL,
	qty TEXT NOT NULL,
	cash TEXT NOT NULL,
	anchor_price TEXT,
	status TEXT NOT NULL,
	withholding_tax_rate REAL NOT NULL,
	order_policy TEXT NOT NULL,
	guardrails TEXT NOT NULL,
	created_at INTEGER NOT NULL,
	updated_at INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS baselines (
	position_id TEXT PRIMARY KEY REFERENCES positions(id),
	baseline_timestamp INTEGER NOT NULL,
	qty TEXT NOT NULL,
	price TEXT NOT NULL,
	cash TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS trades (
	id TEXT PRIMARY KEY,
	position_id TEXT NOT NULL REFERENCES positions(id),
	timestamp INTEGER NOT NULL,
	side TEXT NOT NULL,
	qty TEXT NOT NULL,
	price TEXT NOT NULL,
	commission TEXT NOT NULL,
	cash_after TEXT NOT NULL,
	shares_after TEXT NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_trades_position_time ON trades(position_id, timestamp);

CREATE TABLE IF NOT EXISTS events (
	seq INTEGER PRIMARY KEY AUTOINCREMENT,
	id TEXT NOT NULL UNIQUE,
	position_id TEXT NOT NULL,
	timestamp INTEGER NOT NULL,
	evaluation_type TEXT NOT NULL,
	inputs TEXT,
	outputs TEXT,
	action TEXT NOT NULL,
	action_reason TEXT NOT NULL,
	guardrail_block_reason TEXT NOT NULL DEFAULT ''
);

CREATE INDEX IF NOT EXISTS idx_events_position_time ON events(position_id, timestamp);

CREATE TABLE IF NOT EXISTS dividend_receivables (
	id TEXT PRIMARY KEY,
	position_id TEXT NOT NULL REFERENCES positions(id),
	ex_date INTEGER NOT NULL,
	pay_date INTEGER NOT NULL,
	dps TEXT NOT NULL,
	qty_at_ex_date TEXT NOT NULL,
	gross_amount TEXT NOT NULL,
	withholding_tax_amount TEXT NOT NULL,
	net_amount TEXT NOT NULL,
	status TEXT NOT NULL,
	created_at INTEGER NOT NULL,
	paid_at INTEGER,
	UNIQUE (position_id, ex_date)
);
`
