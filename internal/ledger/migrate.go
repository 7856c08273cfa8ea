package ledger

import "context"

// migrations run in order on every start; each statement is idempotent.
var migrations = []string{
	`CREATE TABLE IF NOT EXISTS trades (
		trade_id       TEXT PRIMARY KEY,
		tenant         TEXT NOT NULL DEFAULT 'default',
		pair           TEXT NOT NULL,
		side           TEXT NOT NULL,
		status         TEXT NOT NULL,
		entry_price    DOUBLE PRECISION NOT NULL,
		exit_price     DOUBLE PRECISION,
		quantity       DOUBLE PRECISION NOT NULL,
		fees           DOUBLE PRECISION NOT NULL DEFAULT 0,
		pnl            DOUBLE PRECISION,
		pnl_pct        DOUBLE PRECISION,
		strategy       TEXT,
		confidence     DOUBLE PRECISION,
		stop_loss      DOUBLE PRECISION,
		take_profit    DOUBLE PRECISION,
		trailing_state JSONB,
		entry_time     TIMESTAMPTZ NOT NULL,
		exit_time      TIMESTAMPTZ,
		metadata       JSONB
	)`,
	`CREATE INDEX IF NOT EXISTS idx_trades_status ON trades (tenant, status)`,
	`CREATE INDEX IF NOT EXISTS idx_trades_exit_time ON trades (tenant, exit_time)`,

	`CREATE TABLE IF NOT EXISTS thought_log (
		id         BIGSERIAL PRIMARY KEY,
		tenant     TEXT NOT NULL DEFAULT 'default',
		category   TEXT NOT NULL,
		pair       TEXT,
		message    TEXT NOT NULL,
		data       JSONB,
		created_at TIMESTAMPTZ NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS idx_thought_log_created ON thought_log (tenant, created_at)`,

	`CREATE TABLE IF NOT EXISTS metrics (
		id         BIGSERIAL PRIMARY KEY,
		tenant     TEXT NOT NULL DEFAULT 'default',
		name       TEXT NOT NULL,
		value      DOUBLE PRECISION NOT NULL,
		labels     JSONB,
		created_at TIMESTAMPTZ NOT NULL
	)`,

	`CREATE TABLE IF NOT EXISTS ml_features (
		trade_id   TEXT PRIMARY KEY REFERENCES trades (trade_id),
		tenant     TEXT NOT NULL DEFAULT 'default',
		features   JSONB NOT NULL,
		label      INTEGER,
		pnl_pct    DOUBLE PRECISION,
		created_at TIMESTAMPTZ NOT NULL
	)`,

	`CREATE TABLE IF NOT EXISTS order_book_snapshots (
		id         BIGSERIAL PRIMARY KEY,
		tenant     TEXT NOT NULL DEFAULT 'default',
		trade_id   TEXT,
		pair       TEXT NOT NULL,
		snapshot   JSONB NOT NULL,
		created_at TIMESTAMPTZ NOT NULL
	)`,

	`CREATE TABLE IF NOT EXISTS signals (
		id               BIGSERIAL PRIMARY KEY,
		tenant           TEXT NOT NULL DEFAULT 'default',
		pair             TEXT NOT NULL,
		direction        TEXT NOT NULL,
		confidence       DOUBLE PRECISION,
		strength         DOUBLE PRECISION,
		confluence_count INTEGER,
		strategies       JSONB,
		created_at       TIMESTAMPTZ NOT NULL
	)`,

	`CREATE TABLE IF NOT EXISTS daily_summary (
		date       DATE NOT NULL,
		tenant     TEXT NOT NULL DEFAULT 'default',
		trades     INTEGER NOT NULL DEFAULT 0,
		wins       INTEGER NOT NULL DEFAULT 0,
		losses     INTEGER NOT NULL DEFAULT 0,
		gross_pnl  DOUBLE PRECISION NOT NULL DEFAULT 0,
		fees       DOUBLE PRECISION NOT NULL DEFAULT 0,
		net_pnl    DOUBLE PRECISION NOT NULL DEFAULT 0,
		updated_at TIMESTAMPTZ NOT NULL,
		PRIMARY KEY (date, tenant)
	)`,

	`CREATE TABLE IF NOT EXISTS system_state (
		tenant     TEXT NOT NULL DEFAULT 'default',
		key        TEXT NOT NULL,
		value      JSONB NOT NULL,
		updated_at TIMESTAMPTZ NOT NULL,
		PRIMARY KEY (tenant, key)
	)`,

	`CREATE TABLE IF NOT EXISTS webhook_events (
		event_id   TEXT PRIMARY KEY,
		tenant     TEXT NOT NULL DEFAULT 'default',
		source     TEXT,
		payload    JSONB,
		created_at TIMESTAMPTZ NOT NULL
	)`,
}

func (l *Ledger) migrate(ctx context.Context) error {
	for _, stmt := range migrations {
		if _, err := l.pool.Exec(ctx, stmt); err != nil {
			return err
		}
	}
	return nil
}
