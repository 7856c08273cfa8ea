// Package ledger is the durable Postgres store: trades, thought log,
// metrics, ML features, book snapshots, signals, daily summaries, and
// system state. Writes are serialized behind a single writer slot with a
// bounded wait; blowing the wait budget is fatal by contract, the caller
// exits and the instance lock lets an external supervisor restart cleanly.
package ledger

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog"

	"novapulse/internal/executor"
	"novapulse/internal/market"
)

// ErrWriterTimeout means the single-writer slot could not be acquired within
// the configured budget. Treat as fatal.
var ErrWriterTimeout = errors.New("ledger: write lock wait exceeded budget")

// Config holds the ledger settings.
type Config struct {
	DatabaseURL   string
	WriteTimeout  time.Duration
	Tenant        string
	MirrorEnabled bool
	MirrorStream  string
	MirrorMaxLen  int64
}

// Ledger wraps the connection pool. Reads go straight to the pool; writes
// pass through the writer slot.
type Ledger struct {
	pool    *pgxpool.Pool
	cfg     Config
	logger  zerolog.Logger
	mirror  *Mirror
	writerC chan struct{}
}

// New connects, migrates, and returns the ledger. The mirror is optional.
func New(ctx context.Context, cfg Config, mirror *Mirror, logger zerolog.Logger) (*Ledger, error) {
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = 30 * time.Second
	}
	if cfg.Tenant == "" {
		cfg.Tenant = "default"
	}
	pool, err := pgxpool.New(ctx, cfg.DatabaseURL)
	if err != nil {
		return nil, fmt.Errorf("connecting to database: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("pinging database: %w", err)
	}
	l := &Ledger{
		pool:    pool,
		cfg:     cfg,
		logger:  logger.With().Str("component", "ledger").Logger(),
		mirror:  mirror,
		writerC: make(chan struct{}, 1),
	}
	if err := l.migrate(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("migrating schema: %w", err)
	}
	return l, nil
}

// Close releases the pool.
func (l *Ledger) Close() {
	l.pool.Close()
}

// acquireWriter takes the single writer slot, waiting at most the write
// budget. The returned release must be called exactly once.
func (l *Ledger) acquireWriter(ctx context.Context) (func(), error) {
	select {
	case l.writerC <- struct{}{}:
		return func() { <-l.writerC }, nil
	case <-time.After(l.cfg.WriteTimeout):
		return nil, ErrWriterTimeout
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// write serializes fn behind the writer slot.
func (l *Ledger) write(ctx context.Context, fn func(context.Context) error) error {
	release, err := l.acquireWriter(ctx)
	if err != nil {
		return err
	}
	defer release()
	return fn(ctx)
}

// InsertTrade persists a freshly opened trade.
func (l *Ledger) InsertTrade(ctx context.Context, t *executor.Trade) error {
	meta, err := json.Marshal(t.Metadata)
	if err != nil {
		return fmt.Errorf("encoding metadata: %w", err)
	}
	trailing, err := json.Marshal(t.Trailing)
	if err != nil {
		return fmt.Errorf("encoding trailing state: %w", err)
	}
	err = l.write(ctx, func(ctx context.Context) error {
		_, err := l.pool.Exec(ctx, `
			INSERT INTO trades (
				trade_id, tenant, pair, side, status, entry_price, quantity,
				fees, strategy, confidence, stop_loss, take_profit,
				trailing_state, entry_time, metadata
			) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15)`,
			t.ID, l.cfg.Tenant, t.Pair, t.Side, string(t.Status), t.EntryPrice,
			t.Quantity, t.Fees, t.Strategy, t.Confidence, t.StopLoss,
			t.TakeProfit, trailing, t.EntryTime.UTC(), meta)
		return err
	})
	if err != nil {
		return err
	}
	l.mirrorEvent("trade_opened", map[string]interface{}{
		"trade_id": t.ID, "pair": t.Pair, "side": t.Side, "entry": t.EntryPrice,
	})
	return nil
}

// UpdateTrade persists mutable trade state (trailing, partials, quantity).
func (l *Ledger) UpdateTrade(ctx context.Context, t *executor.Trade) error {
	meta, err := json.Marshal(t.Metadata)
	if err != nil {
		return fmt.Errorf("encoding metadata: %w", err)
	}
	trailing, err := json.Marshal(t.Trailing)
	if err != nil {
		return fmt.Errorf("encoding trailing state: %w", err)
	}
	return l.write(ctx, func(ctx context.Context) error {
		_, err := l.pool.Exec(ctx, `
			UPDATE trades SET
				quantity = $2, fees = $3, stop_loss = $4, take_profit = $5,
				trailing_state = $6, metadata = $7
			WHERE trade_id = $1`,
			t.ID, t.Quantity, t.Fees, t.StopLoss, t.TakeProfit, trailing, meta)
		return err
	})
}

// CloseTrade performs the idempotent open -> closed|error transition. The
// bool reports whether this call did the transition; a trade already out of
// the open state is left untouched.
func (l *Ledger) CloseTrade(ctx context.Context, t *executor.Trade) (bool, error) {
	meta, err := json.Marshal(t.Metadata)
	if err != nil {
		return false, fmt.Errorf("encoding metadata: %w", err)
	}
	trailing, err := json.Marshal(t.Trailing)
	if err != nil {
		return false, fmt.Errorf("encoding trailing state: %w", err)
	}
	var transitioned bool
	err = l.write(ctx, func(ctx context.Context) error {
		tag, err := l.pool.Exec(ctx, `
			UPDATE trades SET
				status = $2, exit_price = $3, exit_time = $4, fees = $5,
				pnl = $6, pnl_pct = $7, trailing_state = $8, metadata = $9
			WHERE trade_id = $1 AND status = 'open'`,
			t.ID, string(t.Status), t.ExitPrice, t.ExitTime.UTC(), t.Fees,
			t.PnL, t.PnLPct, trailing, meta)
		if err != nil {
			return err
		}
		transitioned = tag.RowsAffected() == 1
		return nil
	})
	if err != nil {
		return false, err
	}
	if transitioned {
		l.labelFeatures(ctx, t)
		l.mirrorEvent("trade_closed", map[string]interface{}{
			"trade_id": t.ID, "pair": t.Pair, "pnl": t.PnL, "reason": t.Metadata.ExitReason,
		})
	}
	return transitioned, nil
}

// labelFeatures backfills the outcome label on the trade's ML feature row.
func (l *Ledger) labelFeatures(ctx context.Context, t *executor.Trade) {
	label := 0
	if t.PnL > 0 {
		label = 1
	}
	if _, err := l.pool.Exec(ctx, `
		UPDATE ml_features SET label = $2, pnl_pct = $3 WHERE trade_id = $1`,
		t.ID, label, t.PnLPct); err != nil {
		l.logger.Debug().Err(err).Str("trade_id", t.ID).Msg("feature labeling failed")
	}
}

// OpenTrades loads every open trade for rehydration.
func (l *Ledger) OpenTrades(ctx context.Context) ([]*executor.Trade, error) {
	rows, err := l.pool.Query(ctx, `
		SELECT trade_id, pair, side, status, entry_price, quantity, fees,
		       strategy, confidence, stop_loss, take_profit, trailing_state,
		       entry_time, metadata
		FROM trades WHERE tenant = $1 AND status = 'open'
		ORDER BY entry_time`, l.cfg.Tenant)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*executor.Trade
	for rows.Next() {
		var t executor.Trade
		var status string
		var trailing, meta []byte
		if err := rows.Scan(&t.ID, &t.Pair, &t.Side, &status, &t.EntryPrice,
			&t.Quantity, &t.Fees, &t.Strategy, &t.Confidence, &t.StopLoss,
			&t.TakeProfit, &trailing, &t.EntryTime, &meta); err != nil {
			return nil, err
		}
		t.Status = executor.TradeStatus(status)
		if err := json.Unmarshal(trailing, &t.Trailing); err != nil {
			return nil, fmt.Errorf("decoding trailing state for %s: %w", t.ID, err)
		}
		if err := json.Unmarshal(meta, &t.Metadata); err != nil {
			return nil, fmt.Errorf("decoding metadata for %s: %w", t.ID, err)
		}
		out = append(out, &t)
	}
	return out, rows.Err()
}

// LogThought appends one audit entry to the thought log.
func (l *Ledger) LogThought(ctx context.Context, category, pair, message string, data map[string]interface{}) error {
	var payload []byte
	if data != nil {
		var err error
		if payload, err = json.Marshal(data); err != nil {
			return fmt.Errorf("encoding thought data: %w", err)
		}
	}
	err := l.write(ctx, func(ctx context.Context) error {
		_, err := l.pool.Exec(ctx, `
			INSERT INTO thought_log (tenant, category, pair, message, data, created_at)
			VALUES ($1,$2,$3,$4,$5,$6)`,
			l.cfg.Tenant, category, pair, message, payload, time.Now().UTC())
		return err
	})
	if err != nil {
		return err
	}
	l.mirrorEvent("thought", map[string]interface{}{"category": category, "pair": pair, "message": message})
	return nil
}

// RecordMetric appends one named measurement.
func (l *Ledger) RecordMetric(ctx context.Context, name string, value float64, labels map[string]string) error {
	var payload []byte
	if labels != nil {
		var err error
		if payload, err = json.Marshal(labels); err != nil {
			return err
		}
	}
	return l.write(ctx, func(ctx context.Context) error {
		_, err := l.pool.Exec(ctx, `
			INSERT INTO metrics (tenant, name, value, labels, created_at)
			VALUES ($1,$2,$3,$4,$5)`,
			l.cfg.Tenant, name, value, payload, time.Now().UTC())
		return err
	})
}

// InsertMLFeatures stores the feature row captured at entry; the label is
// filled in at close.
func (l *Ledger) InsertMLFeatures(ctx context.Context, tradeID string, features map[string]float64) error {
	payload, err := json.Marshal(features)
	if err != nil {
		return err
	}
	return l.write(ctx, func(ctx context.Context) error {
		_, err := l.pool.Exec(ctx, `
			INSERT INTO ml_features (tenant, trade_id, features, created_at)
			VALUES ($1,$2,$3,$4)
			ON CONFLICT (trade_id) DO NOTHING`,
			l.cfg.Tenant, tradeID, payload, time.Now().UTC())
		return err
	})
}

// InsertBookSnapshot stores the book microstructure view at entry.
func (l *Ledger) InsertBookSnapshot(ctx context.Context, tradeID, pair string, a market.BookAnalysis) error {
	payload, err := json.Marshal(a)
	if err != nil {
		return err
	}
	return l.write(ctx, func(ctx context.Context) error {
		_, err := l.pool.Exec(ctx, `
			INSERT INTO order_book_snapshots (tenant, trade_id, pair, snapshot, created_at)
			VALUES ($1,$2,$3,$4,$5)`,
			l.cfg.Tenant, tradeID, pair, payload, time.Now().UTC())
		return err
	})
}

// InsertSignal records an emitted confluence signal, traded or not.
func (l *Ledger) InsertSignal(ctx context.Context, pair, direction string, confidence, strength float64, confluenceCount int, strategies []string) error {
	names, err := json.Marshal(strategies)
	if err != nil {
		return err
	}
	err = l.write(ctx, func(ctx context.Context) error {
		_, err := l.pool.Exec(ctx, `
			INSERT INTO signals (tenant, pair, direction, confidence, strength, confluence_count, strategies, created_at)
			VALUES ($1,$2,$3,$4,$5,$6,$7,$8)`,
			l.cfg.Tenant, pair, direction, confidence, strength, confluenceCount, names, time.Now().UTC())
		return err
	})
	if err != nil {
		return err
	}
	l.mirrorEvent("signal", map[string]interface{}{
		"pair": pair, "direction": direction, "confidence": confidence,
	})
	return nil
}

// InsertWebhookEvent records an external event id, insert-or-ignore. The
// bool reports whether the event was new.
func (l *Ledger) InsertWebhookEvent(ctx context.Context, eventID, source string, payload []byte) (bool, error) {
	var inserted bool
	err := l.write(ctx, func(ctx context.Context) error {
		tag, err := l.pool.Exec(ctx, `
			INSERT INTO webhook_events (event_id, tenant, source, payload, created_at)
			VALUES ($1,$2,$3,$4,$5)
			ON CONFLICT (event_id) DO NOTHING`,
			eventID, l.cfg.Tenant, source, payload, time.Now().UTC())
		if err != nil {
			return err
		}
		inserted = tag.RowsAffected() == 1
		return nil
	})
	return inserted, err
}

// SetSystemState upserts one KV entry.
func (l *Ledger) SetSystemState(ctx context.Context, key string, value interface{}) error {
	payload, err := json.Marshal(value)
	if err != nil {
		return err
	}
	return l.write(ctx, func(ctx context.Context) error {
		_, err := l.pool.Exec(ctx, `
			INSERT INTO system_state (tenant, key, value, updated_at)
			VALUES ($1,$2,$3,$4)
			ON CONFLICT (tenant, key) DO UPDATE SET value = $3, updated_at = $4`,
			l.cfg.Tenant, key, payload, time.Now().UTC())
		return err
	})
}

// GetSystemState reads one KV entry into out; false when absent.
func (l *Ledger) GetSystemState(ctx context.Context, key string, out interface{}) (bool, error) {
	var payload []byte
	err := l.pool.QueryRow(ctx, `
		SELECT value FROM system_state WHERE tenant = $1 AND key = $2`,
		l.cfg.Tenant, key).Scan(&payload)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return false, nil
		}
		return false, err
	}
	return true, json.Unmarshal(payload, out)
}

// UpsertDailySummary recomputes and stores the summary row for a UTC date.
// Unique on (date, tenant); reruns overwrite.
func (l *Ledger) UpsertDailySummary(ctx context.Context, date time.Time) error {
	day := date.UTC().Format("2006-01-02")
	return l.write(ctx, func(ctx context.Context) error {
		_, err := l.pool.Exec(ctx, `
			INSERT INTO daily_summary (date, tenant, trades, wins, losses, gross_pnl, fees, net_pnl, updated_at)
			SELECT $1, $2,
			       COUNT(*),
			       COUNT(*) FILTER (WHERE pnl > 0),
			       COUNT(*) FILTER (WHERE pnl <= 0),
			       COALESCE(SUM(pnl + fees), 0),
			       COALESCE(SUM(fees), 0),
			       COALESCE(SUM(pnl), 0),
			       $3
			FROM trades
			WHERE tenant = $2 AND status = 'closed' AND exit_time::date = $1::date
			ON CONFLICT (date, tenant) DO UPDATE SET
				trades = EXCLUDED.trades, wins = EXCLUDED.wins,
				losses = EXCLUDED.losses, gross_pnl = EXCLUDED.gross_pnl,
				fees = EXCLUDED.fees, net_pnl = EXCLUDED.net_pnl,
				updated_at = EXCLUDED.updated_at`,
			day, l.cfg.Tenant, time.Now().UTC())
		return err
	})
}

func (l *Ledger) mirrorEvent(kind string, fields map[string]interface{}) {
	if l.mirror == nil {
		return
	}
	l.mirror.Publish(kind, fields)
}
