package ledger

const schema = `
CREATE TABLE IF NOT EXISTS strategies (
	id          TEXT PRIMARY KEY,
	name        TEXT NOT NULL,
	description TEXT NOT NULL DEFAULT '',
	kind        TEXT NOT NULL,
	config_json TEXT NOT NULL,
	status      TEXT NOT NULL,
	created_at  TEXT NOT NULL,
	updated_at  TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS runs (
	id               TEXT PRIMARY KEY,
	strategy_id      TEXT NOT NULL REFERENCES strategies(id),
	started_at       TEXT NOT NULL,
	stopped_at       TEXT,
	start_balance    REAL NOT NULL,
	end_balance      REAL,
	total_trades     INTEGER NOT NULL DEFAULT 0,
	win_trades       INTEGER NOT NULL DEFAULT 0,
	loss_trades      INTEGER NOT NULL DEFAULT 0,
	realized_pnl     REAL NOT NULL DEFAULT 0,
	terminal_status  TEXT NOT NULL DEFAULT ''
);

CREATE INDEX IF NOT EXISTS idx_runs_strategy ON runs(strategy_id);

CREATE TABLE IF NOT EXISTS trades (
	id           TEXT PRIMARY KEY,
	strategy_id  TEXT NOT NULL,
	run_id       TEXT NOT NULL REFERENCES runs(id),
	kind         TEXT NOT NULL,
	side         TEXT NOT NULL,
	symbol       TEXT NOT NULL,
	fill_price   REAL NOT NULL,
	quantity     REAL NOT NULL,
	realized_pnl REAL,
	timestamp    TEXT NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_trades_run ON trades(run_id);
CREATE INDEX IF NOT EXISTS idx_trades_strategy ON trades(strategy_id);

CREATE TABLE IF NOT EXISTS positions (
	run_id      TEXT PRIMARY KEY REFERENCES runs(id),
	symbol      TEXT NOT NULL,
	side        TEXT NOT NULL,
	entry_price REAL NOT NULL,
	quantity    REAL NOT NULL,
	notional    REAL NOT NULL,
	leverage    INTEGER NOT NULL,
	opened_at   TEXT NOT NULL,
	mark_price  REAL NOT NULL
);

CREATE TABLE IF NOT EXISTS account_snapshots (
	timestamp      TEXT NOT NULL,
	total_balance  REAL NOT NULL,
	free_balance   REAL NOT NULL,
	used_balance   REAL NOT NULL,
	unrealized_pnl REAL NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_snapshots_timestamp ON account_snapshots(timestamp);

CREATE TABLE IF NOT EXISTS backtest_results (
	id              TEXT PRIMARY KEY,
	strategy_id     TEXT NOT NULL,
	symbol          TEXT NOT NULL,
	timeframe       TEXT NOT NULL,
	start_time      TEXT NOT NULL,
	end_time        TEXT NOT NULL,
	initial_balance REAL NOT NULL,
	status          TEXT NOT NULL,
	equity_curve    TEXT NOT NULL DEFAULT '[]',
	trades_json     TEXT NOT NULL DEFAULT '[]',
	stats_json      TEXT NOT NULL DEFAULT '{}',
	error_message   TEXT NOT NULL DEFAULT '',
	created_at      TEXT NOT NULL
);
`
