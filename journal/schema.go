package journal

const Schema = `
CREATE TABLE IF NOT EXISTS source_accounts (
	id TEXT PRIMARY KEY,
	token TEXT NOT NULL,
	environment TEXT NOT NULL,
	last_transaction_id TEXT NOT NULL DEFAULT '',
	active INTEGER NOT NULL DEFAULT 1,
	created_at DATETIME NOT NULL,
	updated_at DATETIME NOT NULL
);

CREATE TABLE IF NOT EXISTS mirror_accounts (
	id TEXT PRIMARY KEY,
	source_account_id TEXT NOT NULL REFERENCES source_accounts(id),
	token TEXT NOT NULL,
	environment TEXT NOT NULL,
	scaling_mode TEXT NOT NULL DEFAULT 'static',
	scale_factor REAL NOT NULL DEFAULT 1,
	active INTEGER NOT NULL DEFAULT 1,
	created_at DATETIME NOT NULL,
	updated_at DATETIME NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_mirror_source ON mirror_accounts(source_account_id);

CREATE TABLE IF NOT EXISTS trades (
	id TEXT PRIMARY KEY,
	source_account_id TEXT NOT NULL,
	source_transaction_id TEXT NOT NULL,
	instrument TEXT NOT NULL,
	units TEXT NOT NULL,
	side TEXT NOT NULL,
	price TEXT NOT NULL,
	take_profit TEXT,
	stop_loss TEXT,
	detected_via TEXT NOT NULL,
	created_at DATETIME NOT NULL,
	UNIQUE (source_account_id, source_transaction_id)
);

CREATE INDEX IF NOT EXISTS idx_trades_source_time ON trades(source_account_id, created_at);

CREATE TABLE IF NOT EXISTS mirror_executions (
	trade_id TEXT NOT NULL REFERENCES trades(id),
	mirror_account_id TEXT NOT NULL,
	position INTEGER NOT NULL,
	status TEXT NOT NULL,
	executed_units TEXT NOT NULL DEFAULT '0',
	broker_transaction_id TEXT NOT NULL DEFAULT '',
	error_message TEXT NOT NULL DEFAULT '',
	scale_factor REAL NOT NULL DEFAULT 0,
	scale_mode TEXT NOT NULL DEFAULT '',
	attempts INTEGER NOT NULL DEFAULT 0,
	updated_at DATETIME NOT NULL,
	PRIMARY KEY (trade_id, mirror_account_id)
);
`
