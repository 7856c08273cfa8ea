// Package confluence implements the multi-timeframe decision pipeline:
// regime detection, weighted strategy voting, order book fusion, session
// adjustment, and SL/TP derivation.
package confluence

import (
	"context"
	"fmt"
	"math"
	"os"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"gopkg.in/yaml.v3"

	"novapulse/internal/indicators"
	"novapulse/internal/market"
	"novapulse/internal/metrics"
	"novapulse/internal/strategies"
)

// Config holds the confluence pipeline parameters.
type Config struct {
	Timeframes                 []int // minutes, ascending
	PrimaryTimeframe           int
	UseClosedCandlesOnly       bool
	ConfluenceThreshold        int
	MinConfidence              float64
	OBIThreshold               float64
	BookScoreThreshold         float64
	BookScoreMaxAge            time.Duration
	OBICountsAsConfluence      bool
	OBIWeight                  float64
	MultiTimeframeMinAgreement float64
	StrategyTimeout            time.Duration
	StrategyCooldown           time.Duration
	ATRMultiplierSL            float64
	ATRMultiplierTP            float64
	Regime                     RegimeConfig
	Guardrails                 GuardrailConfig
	SessionMinSamples          int
}

// Signal is the pipeline's final verdict for one pair.
type Signal struct {
	Pair               string               `json:"pair"`
	Direction          strategies.Direction `json:"direction"`
	Strength           float64              `json:"strength"`
	Confidence         float64              `json:"confidence"`
	ConfluenceCount    int                  `json:"confluence_count"`
	IsSureFire         bool                 `json:"is_sure_fire"`
	OBIAgrees          bool                 `json:"obi_agrees"`
	Entry              float64              `json:"entry"`
	StopLoss           float64              `json:"stop_loss"`
	TakeProfit         float64              `json:"take_profit"`
	Regime             strategies.Regime    `json:"regime"`
	TimeframeAgreement float64              `json:"timeframe_agreement"`
	Strategies         []string             `json:"strategies"`
	Timestamp          time.Time            `json:"timestamp"`
}

// Engine runs the confluence pipeline and owns adaptive strategy state.
type Engine struct {
	cfg        Config
	set        map[string]strategies.Strategy
	guardrails *guardrails
	session    *SessionStats
	logger     zerolog.Logger

	mu            sync.Mutex
	weights       map[string]float64
	weightVersion int
	regimeMults   map[string]map[string]float64 // regime key -> strategy -> mult
	cooldowns     map[string]time.Time          // strategy|pair|direction
}

// NewEngine builds the pipeline around an enabled strategy set. baseWeights
// may be nil to use the defaults; regimeMults may be nil for no adjustment.
func NewEngine(cfg Config, set map[string]strategies.Strategy, baseWeights map[string]float64, regimeMults map[string]map[string]float64, logger zerolog.Logger) *Engine {
	weights := strategies.DefaultWeights()
	for name, w := range baseWeights {
		weights[name] = w
	}
	return &Engine{
		cfg:         cfg,
		set:         set,
		guardrails:  newGuardrails(cfg.Guardrails),
		session:     NewSessionStats(cfg.SessionMinSamples),
		logger:      logger,
		weights:     weights,
		regimeMults: regimeMults,
		cooldowns:   make(map[string]time.Time),
	}
}

// tfResult is one timeframe's independent aggregate.
type tfResult struct {
	timeframe  int
	direction  strategies.Direction
	strength   float64
	confidence float64
	count      int
	atr        float64
	names      []string
}

// Evaluate runs the full pipeline for a pair over its 1-minute history.
// book may be nil. A nil signal with nil error means no actionable setup.
func (e *Engine) Evaluate(ctx context.Context, pair string, candles1m []market.Candle, book *market.BookAnalysis, now time.Time) (*Signal, error) {
	if len(candles1m) == 0 {
		return nil, fmt.Errorf("no candles for %s", pair)
	}

	// Discard a stale book before fusion.
	if book != nil && now.Sub(book.Timestamp) > e.cfg.BookScoreMaxAge {
		book = nil
	}

	cache := indicators.NewCache()
	lastSource := candles1m[len(candles1m)-1].Time

	// Regime on the primary timeframe.
	primary := e.timeframeCandles(candles1m, e.cfg.PrimaryTimeframe, lastSource)
	regime := DetectRegime(primary, e.cfg.Regime)

	results := make([]tfResult, 0, len(e.cfg.Timeframes))
	for _, tf := range e.cfg.Timeframes {
		candles := e.timeframeCandles(candles1m, tf, lastSource)
		if len(candles) == 0 {
			continue
		}
		signals := e.runStrategies(ctx, pair, tf, candles, cache, book, regime, now)
		agg := e.aggregate(tf, pair, signals, regime, book, now)
		agg.atr = indicators.Last(indicators.ATR(candles, 14))
		results = append(results, agg)
	}
	if len(results) == 0 {
		return nil, fmt.Errorf("no evaluable timeframes for %s", pair)
	}

	return e.combine(pair, candles1m, results, regime, book, now), nil
}

// timeframeCandles produces the candle view for one timeframe, honoring the
// closed-candles-only setting on the base buffer.
func (e *Engine) timeframeCandles(candles1m []market.Candle, tf int, lastSource time.Time) []market.Candle {
	if tf <= 1 {
		return candles1m
	}
	res := Resample(candles1m, tf)
	if e.cfg.UseClosedCandlesOnly {
		res = DropIncomplete(res, tf, lastSource)
	}
	return res
}

// runStrategies evaluates every eligible strategy under its deadline,
// neutralizing timeouts and panics.
func (e *Engine) runStrategies(ctx context.Context, pair string, tf int, candles []market.Candle, cache *indicators.Cache, book *market.BookAnalysis, regime strategies.Regime, now time.Time) []strategies.Signal {
	out := make([]strategies.Signal, 0, len(e.set))
	for name, strat := range e.set {
		if e.guardrails.isDisabled(name, now) {
			continue
		}
		sig := e.evaluateOne(ctx, strat, strategies.Context{
			Pair: pair, Timeframe: tf, Candles: candles,
			Cache: cache, Book: book, Regime: regime,
		})
		// A cooling-down strategy cannot re-drive the same pair+direction.
		if sig.Direction != strategies.Neutral && e.coolingDown(name, pair, sig.Direction, now) {
			sig = strategies.Signal{Strategy: name, Direction: strategies.Neutral}
		}
		out = append(out, sig)
	}
	return out
}

func (e *Engine) evaluateOne(ctx context.Context, strat strategies.Strategy, sctx strategies.Context) strategies.Signal {
	done := make(chan strategies.Signal, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				metrics.StrategyPanics.WithLabelValues(strat.Name()).Inc()
				e.logger.Error().Str("strategy", strat.Name()).Interface("panic", r).
					Msg("strategy panicked, neutralized for this scan")
				done <- strategies.Signal{Strategy: strat.Name(), Direction: strategies.Neutral}
			}
		}()
		done <- strat.Evaluate(sctx)
	}()

	select {
	case sig := <-done:
		return sig
	case <-time.After(e.cfg.StrategyTimeout):
		metrics.StrategyTimeouts.WithLabelValues(strat.Name()).Inc()
		e.logger.Warn().Str("strategy", strat.Name()).Str("pair", sctx.Pair).
			Msg("strategy evaluation timed out")
		return strategies.Signal{Strategy: strat.Name(), Direction: strategies.Neutral}
	case <-ctx.Done():
		return strategies.Signal{Strategy: strat.Name(), Direction: strategies.Neutral}
	}
}

// effectiveWeight computes base * adaptive * regime multiplier.
func (e *Engine) effectiveWeight(name string, regime strategies.Regime) float64 {
	e.mu.Lock()
	base := e.weights[name]
	var mult float64 = 1
	if rm, ok := e.regimeMults[regime.Key()]; ok {
		if m, ok := rm[name]; ok {
			mult = m
		}
	}
	e.mu.Unlock()

	return base * e.set[name].AdaptiveFactor(regime.Key()) * mult
}

// aggregate combines one timeframe's signals around the dominant direction.
func (e *Engine) aggregate(tf int, pair string, signals []strategies.Signal, regime strategies.Regime, book *market.BookAnalysis, now time.Time) tfResult {
	res := tfResult{timeframe: tf, direction: strategies.Neutral}

	// Order book fused as a synthetic voter when configured.
	if e.cfg.OBICountsAsConfluence && book != nil && math.Abs(book.BookScore) >= e.cfg.BookScoreThreshold {
		dir := strategies.Long
		if book.BookScore < 0 {
			dir = strategies.Short
		}
		signals = append(signals, strategies.Signal{
			Strategy:   "order_book",
			Direction:  dir,
			Strength:   math.Abs(book.BookScore),
			Confidence: clamp(0.5+math.Abs(book.BookScore)/2, 0.5, 0.9),
		})
	}

	// Dominant direction by weighted strength.
	byDir := map[strategies.Direction]float64{}
	weightOf := func(s strategies.Signal) float64 {
		if s.Strategy == "order_book" {
			return e.cfg.OBIWeight
		}
		return e.effectiveWeight(s.Strategy, regime)
	}
	for _, s := range signals {
		if s.Direction == strategies.Neutral {
			continue
		}
		byDir[s.Direction] += weightOf(s) * s.Strength
	}
	if byDir[strategies.Long] == 0 && byDir[strategies.Short] == 0 {
		return res
	}
	dom := strategies.Long
	if byDir[strategies.Short] > byDir[strategies.Long] {
		dom = strategies.Short
	}
	res.direction = dom

	var wSum, strengthSum, confSum float64
	var opposing int
	for _, s := range signals {
		switch s.Direction {
		case dom:
			w := weightOf(s)
			wSum += w
			strengthSum += w * s.Strength
			confSum += w * s.Confidence
			if s.Strength > 0.1 {
				res.count++
				res.names = append(res.names, s.Strategy)
			}
		case dom.Opposite():
			opposing++
		}
	}
	if wSum == 0 {
		res.direction = strategies.Neutral
		return res
	}
	res.strength = strengthSum / wSum
	res.confidence = confSum / wSum

	// Agreement bonus and opposition penalty.
	if res.count > 1 {
		res.confidence += math.Min(0.30, 0.10*float64(res.count-1))
	}
	res.confidence -= math.Min(0.12, 0.04*float64(opposing))
	res.confidence = clamp(res.confidence, 0, 1)
	return res
}

// timeframe weights grow with the timeframe: 1.0 for the fastest, then
// 1.3, 1.5 for the next two, 1.5 beyond.
func tfWeight(rank int) float64 {
	switch rank {
	case 0:
		return 1.0
	case 1:
		return 1.3
	default:
		return 1.5
	}
}

// combine merges the per-timeframe aggregates into the final signal.
func (e *Engine) combine(pair string, candles1m []market.Candle, results []tfResult, regime strategies.Regime, book *market.BookAnalysis, now time.Time) *Signal {
	sort.Slice(results, func(i, j int) bool { return results[i].timeframe < results[j].timeframe })

	var primary *tfResult
	for i := range results {
		if results[i].timeframe == e.cfg.PrimaryTimeframe {
			primary = &results[i]
		}
	}
	if primary == nil {
		primary = &results[0]
	}
	if primary.direction == strategies.Neutral {
		return nil
	}
	dom := primary.direction

	var agreeing, others int
	var wSum, strengthSum, confSum float64
	highestAgreeingATR := math.NaN()
	for i, r := range results {
		w := tfWeight(i)
		if r.direction == dom {
			agreeing++
			wSum += w
			strengthSum += w * r.strength
			confSum += w * r.confidence
			if !math.IsNaN(r.atr) {
				highestAgreeingATR = r.atr
			}
		}
		if r.timeframe != primary.timeframe {
			others++
		}
	}

	agreement := 1.0
	if others > 0 {
		agreement = float64(agreeing-1) / float64(others)
	}
	if agreement < e.cfg.MultiTimeframeMinAgreement {
		return nil
	}

	sig := &Signal{
		Pair:               pair,
		Direction:          dom,
		Strength:           strengthSum / wSum,
		Confidence:         confSum / wSum,
		ConfluenceCount:    primary.count,
		Regime:             regime,
		TimeframeAgreement: agreement,
		Strategies:         primary.names,
		Timestamp:          now,
	}

	// Multi-timeframe confidence bonus.
	if agreement >= 1.0 {
		sig.Confidence += 0.15
	} else {
		sig.Confidence += 0.10 * agreement
	}

	// Book agreement outside the synthetic-voter mode.
	if book != nil {
		score := book.BookScore
		sig.OBIAgrees = (dom == strategies.Long && score >= e.cfg.OBIThreshold) ||
			(dom == strategies.Short && score <= -e.cfg.OBIThreshold)
		if sig.OBIAgrees && !e.cfg.OBICountsAsConfluence {
			sig.Confidence += 0.05
		}
	}

	// Session multiplier.
	sig.Confidence *= e.session.Multiplier(now)

	// Sure-fire bonus.
	if sig.ConfluenceCount >= e.cfg.ConfluenceThreshold && sig.OBIAgrees && sig.Confidence >= e.cfg.MinConfidence {
		sig.IsSureFire = true
		sig.Strength += 0.15
		sig.Confidence += 0.10
	}
	sig.Strength = clamp(sig.Strength, 0, 1)
	sig.Confidence = clamp(sig.Confidence, 0, 1)

	// SL/TP from the highest agreeing timeframe's ATR.
	entry := candles1m[len(candles1m)-1].Close
	sig.Entry = entry
	sl, tp, err := indicators.ComputeSLTP(string(dom), entry, highestAgreeingATR,
		e.cfg.ATRMultiplierSL, e.cfg.ATRMultiplierTP, 0, 0)
	if err != nil {
		e.logger.Error().Err(err).Str("pair", pair).Msg("SL/TP derivation failed")
		return nil
	}
	sig.StopLoss = sl
	sig.TakeProfit = tp
	return sig
}

// MarkEntry starts the strategy cooldowns after a signal leads to an entry.
func (e *Engine) MarkEntry(strategyNames []string, pair string, dir strategies.Direction, now time.Time) {
	e.mu.Lock()
	defer e.mu.Unlock()

	until := now.Add(e.cfg.StrategyCooldown)
	for _, name := range strategyNames {
		e.cooldowns[cooldownKey(name, pair, dir)] = until
	}
}

func (e *Engine) coolingDown(name, pair string, dir strategies.Direction, now time.Time) bool {
	e.mu.Lock()
	defer e.mu.Unlock()

	until, ok := e.cooldowns[cooldownKey(name, pair, dir)]
	if !ok {
		return false
	}
	if now.Before(until) {
		return true
	}
	delete(e.cooldowns, cooldownKey(name, pair, dir))
	return false
}

func cooldownKey(name, pair string, dir strategies.Direction) string {
	return name + "|" + pair + "|" + string(dir)
}

// RecordTradeResult feeds a closed trade back into the contributing
// strategy's window, the session stats, and the guardrails.
func (e *Engine) RecordTradeResult(strategy string, regimeKey string, pnlPct float64, entryTime, now time.Time) {
	strat, ok := e.set[strategy]
	if !ok {
		return
	}
	strat.RecordResult(regimeKey, pnlPct)
	e.session.Record(entryTime, pnlPct > 0)

	if e.guardrails.check(strategy, strat, now) {
		e.logger.Warn().Str("strategy", strategy).
			Int("disable_minutes", e.cfg.Guardrails.DisableMinutes).
			Msg("strategy disabled by performance guardrails")
	}
}

// DisabledStrategies returns the guardrail-disabled set for the status view.
func (e *Engine) DisabledStrategies(now time.Time) map[string]time.Time {
	return e.guardrails.snapshot(now)
}

// weightsFile is the on-disk shape for persisted weight adjustments.
type weightsFile struct {
	Version int                `yaml:"version"`
	Weights map[string]float64 `yaml:"weights"`
}

// SaveWeights persists the current base weights via atomic file replace.
func (e *Engine) SaveWeights(path string) error {
	e.mu.Lock()
	e.weightVersion++
	wf := weightsFile{Version: e.weightVersion, Weights: make(map[string]float64, len(e.weights))}
	for k, v := range e.weights {
		wf.Weights[k] = v
	}
	e.mu.Unlock()

	data, err := yaml.Marshal(wf)
	if err != nil {
		return err
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0644); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}

// ReloadWeights loads persisted base weights, replacing the in-memory table
// only when the file's version is newer than the current one.
func (e *Engine) ReloadWeights(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	var wf weightsFile
	if err := yaml.Unmarshal(data, &wf); err != nil {
		return fmt.Errorf("parsing weights file: %w", err)
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	if wf.Version <= e.weightVersion {
		return nil
	}
	for name, w := range wf.Weights {
		if w >= 0 {
			e.weights[name] = w
		}
	}
	e.weightVersion = wf.Version
	return nil
}

func clamp(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
