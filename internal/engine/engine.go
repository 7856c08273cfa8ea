// Package engine is the supervisor: it owns the task set (stream consumer,
// scan loop, position loop, health monitor, reconcile, cleanup), the engine
// state flags, and the circuit breakers. Lifecycle is init -> warmup -> run
// -> stop.
package engine

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"novapulse/config"
	"novapulse/internal/confluence"
	"novapulse/internal/exchange"
	"novapulse/internal/executor"
	"novapulse/internal/ledger"
	"novapulse/internal/market"
	"novapulse/internal/risk"
)

// Ledger is the durable surface the supervisor needs.
type Ledger interface {
	LogThought(ctx context.Context, category, pair, message string, data map[string]interface{}) error
	InsertSignal(ctx context.Context, pair, direction string, confidence, strength float64, confluenceCount int, strategies []string) error
	SetSystemState(ctx context.Context, key string, value interface{}) error
	GetSystemState(ctx context.Context, key string, out interface{}) (bool, error)
	UpsertDailySummary(ctx context.Context, date time.Time) error
	RecordMetric(ctx context.Context, name string, value float64, labels map[string]string) error
}

// State is the engine lifecycle phase.
type State string

const (
	StateInit   State = "init"
	StateWarmup State = "warmup"
	StateRun    State = "run"
	StateStop   State = "stop"
)

const (
	reconcileInterval = 5 * time.Minute
	cleanupInterval   = time.Hour
)

// Engine wires the components together and runs the task set.
type Engine struct {
	cfg    *config.Config
	cache  *market.Cache
	client exchange.Client
	stream exchange.Streamer
	conf   *confluence.Engine
	riskM  *risk.Manager
	exec   *executor.Executor
	ledger Ledger
	logger zerolog.Logger

	queue *scanQueue
	lock  *instanceLock

	mu              sync.Mutex
	state           State
	killed          bool
	paused          bool
	autoPaused      bool
	autoPauseReason string
	staleChecks     map[string]int
	wsDownSince     time.Time
	lastScanPrice   map[string]float64
	startedAt       time.Time
	fatalErr        error

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New builds the supervisor around already-constructed components.
func New(cfg *config.Config, cache *market.Cache, client exchange.Client, stream exchange.Streamer,
	conf *confluence.Engine, riskM *risk.Manager, exec *executor.Executor, ledger Ledger,
	logger zerolog.Logger) *Engine {
	return &Engine{
		cfg:           cfg,
		cache:         cache,
		client:        client,
		stream:        stream,
		conf:          conf,
		riskM:         riskM,
		exec:          exec,
		ledger:        ledger,
		logger:        logger.With().Str("component", "engine").Logger(),
		queue:         newScanQueue(len(cfg.Trading.Pairs)),
		state:         StateInit,
		staleChecks:   make(map[string]int),
		lastScanPrice: make(map[string]float64),
	}
}

// Run drives the full lifecycle and blocks until ctx is cancelled or Kill
// drains the engine.
func (e *Engine) Run(ctx context.Context) error {
	lock, err := acquireLock(e.cfg.Trading.DataDir)
	if err != nil {
		return err
	}
	e.lock = lock
	defer e.lock.release()

	ctx, cancel := context.WithCancel(ctx)
	e.cancel = cancel
	defer cancel()

	e.setState(StateWarmup)
	if err := e.warmup(ctx); err != nil {
		return fmt.Errorf("warmup: %w", err)
	}
	if err := e.rehydrate(ctx); err != nil {
		return fmt.Errorf("rehydrate: %w", err)
	}

	e.setState(StateRun)
	e.mu.Lock()
	e.startedAt = time.Now().UTC()
	e.mu.Unlock()
	e.thought(ctx, "lifecycle", "", "engine running", nil)

	e.spawn(func() { e.streamConsumer(ctx) })
	e.spawn(func() { e.scanLoop(ctx) })
	e.spawn(func() { e.positionLoop(ctx) })
	e.spawn(func() { e.healthMonitor(ctx) })
	e.spawn(func() { e.reconcileLoop(ctx) })
	e.spawn(func() { e.cleanupLoop(ctx) })

	<-ctx.Done()
	e.setState(StateStop)
	e.wg.Wait()
	e.shutdown()

	e.mu.Lock()
	defer e.mu.Unlock()
	return e.fatalErr
}

// fault records the first unrecoverable error and tears the run down.
func (e *Engine) fault(err error) {
	e.mu.Lock()
	if e.fatalErr == nil {
		e.fatalErr = err
	}
	e.mu.Unlock()
	e.logger.Error().Err(err).Msg("unrecoverable fault, stopping engine")
	if e.cancel != nil {
		e.cancel()
	}
}

// escalate promotes a wedged ledger writer to a fatal fault. A write that
// times out means the durable record is no longer keeping up with trading,
// so the run must stop rather than keep acting unrecorded. Returns true when
// the error was escalated.
func (e *Engine) escalate(err error) bool {
	if err == nil || !errors.Is(err, ledger.ErrWriterTimeout) {
		return false
	}
	e.fault(err)
	return true
}

func (e *Engine) spawn(fn func()) {
	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		fn()
	}()
}

// warmup backfills enough closed candles per pair for the largest strategy
// window, then subscribes to the live streams.
func (e *Engine) warmup(ctx context.Context) error {
	bars := e.cfg.Trading.WarmupBars
	since := time.Now().UTC().Add(-time.Duration(bars+5) * time.Minute)
	for _, pair := range e.cfg.Trading.Pairs {
		candles, err := e.client.FetchOHLC(ctx, pair, 1, since, bars)
		if err != nil {
			return fmt.Errorf("fetching history for %s: %w", pair, err)
		}
		e.cache.SeedCandles(pair, candles)
		e.logger.Info().Str("pair", pair).Int("bars", len(candles)).Msg("cache seeded")
	}
	for _, pair := range e.cfg.Trading.Pairs {
		channels := []string{exchange.ChannelTicker, exchange.ChannelOHLC, exchange.ChannelBook}
		if err := e.stream.Subscribe(pair, channels); err != nil {
			return fmt.Errorf("subscribing %s: %w", pair, err)
		}
	}
	return nil
}

// rehydrate restores open trades, bankroll, and strategy weights from the
// last run.
func (e *Engine) rehydrate(ctx context.Context) error {
	n, err := e.exec.Rehydrate(ctx, time.Now().UTC())
	if err != nil {
		return err
	}
	if n > 0 {
		e.logger.Info().Int("trades", n).Msg("open trades rehydrated")
	}

	var snapshot struct {
		Bankroll float64 `json:"bankroll"`
		Peak     float64 `json:"peak"`
	}
	if found, err := e.ledger.GetSystemState(ctx, "bankroll", &snapshot); err != nil {
		e.logger.Warn().Err(err).Msg("bankroll restore failed")
	} else if found {
		e.riskM.RestoreBankroll(snapshot.Bankroll, snapshot.Peak)
	}

	if err := e.conf.ReloadWeights(e.weightsPath()); err != nil {
		e.logger.Debug().Err(err).Msg("no persisted weights to reload")
	}
	return nil
}

func (e *Engine) weightsPath() string {
	return e.cfg.Trading.DataDir + "/weights.yaml"
}

func (e *Engine) shutdown() {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	e.persistState(ctx)
	if err := e.stream.Close(); err != nil {
		e.logger.Warn().Err(err).Msg("stream close failed")
	}
	e.thought(ctx, "lifecycle", "", "engine stopped", nil)
	e.logger.Info().Msg("engine stopped")
}

func (e *Engine) persistState(ctx context.Context) {
	if err := e.ledger.SetSystemState(ctx, "bankroll", map[string]float64{
		"bankroll": e.riskM.Bankroll(),
		"peak":     e.riskM.Peak(),
	}); err != nil {
		e.logger.Warn().Err(err).Msg("bankroll persist failed")
	}
	if err := e.conf.SaveWeights(e.weightsPath()); err != nil {
		e.logger.Warn().Err(err).Msg("weights persist failed")
	}
}

func (e *Engine) setState(s State) {
	e.mu.Lock()
	e.state = s
	e.mu.Unlock()
	e.logger.Info().Str("state", string(s)).Msg("lifecycle transition")
}

func (e *Engine) flags() risk.EngineFlags {
	e.mu.Lock()
	defer e.mu.Unlock()
	return risk.EngineFlags{Killed: e.killed, Paused: e.paused, AutoPaused: e.autoPaused}
}

func (e *Engine) thought(ctx context.Context, category, pair, msg string, data map[string]interface{}) {
	if err := e.ledger.LogThought(ctx, category, pair, msg, data); err != nil {
		e.logger.Debug().Err(err).Msg("thought log write failed")
	}
}
