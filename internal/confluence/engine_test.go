package confluence

import (
	"context"
	"math"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"novapulse/internal/market"
	"novapulse/internal/strategies"
)

// stub is a scripted strategy for pipeline tests.
type stub struct {
	name    string
	signal  strategies.Signal
	delay   time.Duration
	panics  bool
	trades  int
	winRate float64
	pf      float64
	factor  float64
}

func (s *stub) Name() string { return s.name }
func (s *stub) Evaluate(strategies.Context) strategies.Signal {
	if s.panics {
		panic("scripted failure")
	}
	if s.delay > 0 {
		time.Sleep(s.delay)
	}
	sig := s.signal
	sig.Strategy = s.name
	return sig
}
func (s *stub) RecordResult(string, float64) {}
func (s *stub) AdaptiveFactor(string) float64 {
	if s.factor == 0 {
		return 1.0
	}
	return s.factor
}
func (s *stub) WindowStats(int) (int, float64, float64) { return s.trades, s.winRate, s.pf }

func testConfig() Config {
	return Config{
		Timeframes:                 []int{1, 5, 15},
		PrimaryTimeframe:           1,
		ConfluenceThreshold:        3,
		MinConfidence:              0.55,
		OBIThreshold:               0.2,
		BookScoreThreshold:         0.3,
		BookScoreMaxAge:            30 * time.Second,
		OBICountsAsConfluence:      true,
		OBIWeight:                  0.8,
		MultiTimeframeMinAgreement: 0.5,
		StrategyTimeout:            200 * time.Millisecond,
		StrategyCooldown:           15 * time.Minute,
		ATRMultiplierSL:            2,
		ATRMultiplierTP:            3,
		Regime:                     RegimeConfig{ADXTrendThreshold: 25, ATRPctHigh: 2, ATRPctLow: 0.8},
		Guardrails:                 GuardrailConfig{WindowTrades: 20, MinTrades: 8, WinRate: 0.35, ProfitFactor: 0.85, DisableMinutes: 120},
		SessionMinSamples:          10,
	}
}

func history(n int, price float64) []market.Candle {
	base := time.Date(2026, 1, 15, 0, 0, 0, 0, time.UTC)
	out := make([]market.Candle, n)
	for i := range out {
		p := price * (1 + 0.0005*math.Sin(float64(i)/7))
		out[i] = market.Candle{
			Time: base.Add(time.Duration(i) * time.Minute),
			Open: p, High: p * 1.003, Low: p * 0.997, Close: p, Volume: 50,
		}
	}
	return out
}

func longStub(name string, strength, conf float64) *stub {
	return &stub{name: name, signal: strategies.Signal{Direction: strategies.Long, Strength: strength, Confidence: conf}}
}

func newTestEngine(cfg Config, set map[string]strategies.Strategy) *Engine {
	weights := map[string]float64{}
	for name := range set {
		weights[name] = 0.12
	}
	return NewEngine(cfg, set, weights, nil, zerolog.Nop())
}

func TestResampleDeterministicAndAggregated(t *testing.T) {
	candles := history(61, 100)
	a := Resample(candles, 5)
	b := Resample(candles, 5)
	if len(a) != len(b) {
		t.Fatal("resample not deterministic in length")
	}
	for i := range a {
		if a[i] != b[i] {
			t.Fatalf("resample not deterministic at %d", i)
		}
	}

	// Bucket boundaries: 61 minutes from :00 spans 13 buckets.
	if len(a) != 13 {
		t.Errorf("got %d buckets, want 13", len(a))
	}
	// Volume conservation.
	var src, dst float64
	for _, c := range candles {
		src += c.Volume
	}
	for _, c := range a {
		dst += c.Volume
	}
	if math.Abs(src-dst) > 1e-9 {
		t.Errorf("volume not conserved: %v vs %v", src, dst)
	}
}

func TestDropIncomplete(t *testing.T) {
	candles := history(62, 100) // last source bar at minute 61
	res := Resample(candles, 5)
	complete := DropIncomplete(res, 5, candles[len(candles)-1].Time)
	if len(complete) != len(res)-1 {
		t.Errorf("incomplete final bucket should be dropped: %d vs %d", len(complete), len(res))
	}

	full := history(65, 100) // last bar at minute 64 completes the 60-65 bucket
	res = Resample(full, 5)
	complete = DropIncomplete(res, 5, full[len(full)-1].Time)
	if len(complete) != len(res) {
		t.Error("complete final bucket should be kept")
	}
}

func TestSureFireAggregation(t *testing.T) {
	set := map[string]strategies.Strategy{
		"keltner":    longStub("keltner", 0.8, 0.7),
		"trend":      longStub("trend", 0.6, 0.6),
		"order_flow": longStub("order_flow", 0.5, 0.6),
	}
	e := newTestEngine(testConfig(), set)

	now := time.Date(2026, 1, 15, 12, 0, 0, 0, time.UTC)
	book := &market.BookAnalysis{BookScore: 0.4, OBI: 0.4, Timestamp: now}
	sig, err := e.Evaluate(context.Background(), "BTC/USD", history(600, 64000), book, now)
	if err != nil {
		t.Fatal(err)
	}
	if sig == nil {
		t.Fatal("expected an actionable signal")
	}
	if sig.Direction != strategies.Long {
		t.Errorf("direction = %s, want long", sig.Direction)
	}
	if sig.ConfluenceCount < 3 {
		t.Errorf("confluence count = %d, want >= 3", sig.ConfluenceCount)
	}
	if !sig.OBIAgrees {
		t.Error("positive book score should agree with long")
	}
	if !sig.IsSureFire {
		t.Errorf("expected sure-fire: count=%d conf=%v", sig.ConfluenceCount, sig.Confidence)
	}
	if !(sig.StopLoss < sig.Entry && sig.Entry < sig.TakeProfit) {
		t.Errorf("SL/TP ordering violated: sl=%v entry=%v tp=%v", sig.StopLoss, sig.Entry, sig.TakeProfit)
	}
}

func TestOppositionPenalty(t *testing.T) {
	agree := map[string]strategies.Strategy{
		"a": longStub("a", 0.8, 0.7),
		"b": longStub("b", 0.8, 0.7),
	}
	e1 := newTestEngine(testConfig(), agree)
	now := time.Now().UTC()
	s1, err := e1.Evaluate(context.Background(), "BTC/USD", history(600, 100), nil, now)
	if err != nil || s1 == nil {
		t.Fatalf("baseline evaluate failed: %v", err)
	}

	opposed := map[string]strategies.Strategy{
		"a": longStub("a", 0.8, 0.7),
		"b": longStub("b", 0.8, 0.7),
		"c": &stub{name: "c", signal: strategies.Signal{Direction: strategies.Short, Strength: 0.2, Confidence: 0.5}},
	}
	e2 := newTestEngine(testConfig(), opposed)
	s2, err := e2.Evaluate(context.Background(), "BTC/USD", history(600, 100), nil, now)
	if err != nil || s2 == nil {
		t.Fatalf("opposed evaluate failed: %v", err)
	}
	if s2.Confidence >= s1.Confidence {
		t.Errorf("opposition should reduce confidence: %v vs %v", s2.Confidence, s1.Confidence)
	}
}

func TestStrategyTimeoutNeutralized(t *testing.T) {
	set := map[string]strategies.Strategy{
		"slow": &stub{name: "slow", delay: time.Second, signal: strategies.Signal{Direction: strategies.Long, Strength: 0.9, Confidence: 0.9}},
	}
	e := newTestEngine(testConfig(), set)
	sig, err := e.Evaluate(context.Background(), "BTC/USD", history(600, 100), nil, time.Now().UTC())
	if err != nil {
		t.Fatal(err)
	}
	if sig != nil {
		t.Error("timed-out strategy should not produce an actionable signal")
	}
}

func TestStrategyPanicRecovered(t *testing.T) {
	set := map[string]strategies.Strategy{
		"boom": &stub{name: "boom", panics: true},
		"ok":   longStub("ok", 0.8, 0.7),
	}
	e := newTestEngine(testConfig(), set)
	if _, err := e.Evaluate(context.Background(), "BTC/USD", history(600, 100), nil, time.Now().UTC()); err != nil {
		t.Fatalf("panic should be contained: %v", err)
	}
}

func TestStrategyCooldownBlocksSameDirection(t *testing.T) {
	set := map[string]strategies.Strategy{
		"a": longStub("a", 0.8, 0.7),
	}
	e := newTestEngine(testConfig(), set)
	now := time.Now().UTC()

	e.MarkEntry([]string{"a"}, "BTC/USD", strategies.Long, now)
	sig, err := e.Evaluate(context.Background(), "BTC/USD", history(600, 100), nil, now.Add(time.Minute))
	if err != nil {
		t.Fatal(err)
	}
	if sig != nil {
		t.Error("cooling-down strategy should not re-drive the same pair+direction")
	}

	// After expiry it fires again.
	sig, err = e.Evaluate(context.Background(), "BTC/USD", history(600, 100), nil, now.Add(16*time.Minute))
	if err != nil {
		t.Fatal(err)
	}
	if sig == nil {
		t.Error("expired cooldown should allow the signal")
	}
}

func TestGuardrailsDisableAndExpire(t *testing.T) {
	g := newGuardrails(GuardrailConfig{WindowTrades: 20, MinTrades: 8, WinRate: 0.35, ProfitFactor: 0.85, DisableMinutes: 120})
	bad := &stub{name: "bad", trades: 10, winRate: 0.2, pf: 0.5}
	now := time.Now()

	if !g.check("bad", bad, now) {
		t.Fatal("underperformer should be disabled")
	}
	if !g.isDisabled("bad", now.Add(time.Hour)) {
		t.Error("still within disable window")
	}
	if g.isDisabled("bad", now.Add(3*time.Hour)) {
		t.Error("disable should expire after 120 minutes")
	}

	// Either threshold alone is not enough.
	okWinRate := &stub{name: "x", trades: 10, winRate: 0.5, pf: 0.5}
	if g.check("x", okWinRate, now) {
		t.Error("win rate above threshold should not disable")
	}
	okPF := &stub{name: "y", trades: 10, winRate: 0.2, pf: 1.2}
	if g.check("y", okPF, now) {
		t.Error("profit factor above threshold should not disable")
	}
	fewTrades := &stub{name: "z", trades: 3, winRate: 0.0, pf: 0.0}
	if g.check("z", fewTrades, now) {
		t.Error("too few trades should not disable")
	}
}

func TestSessionMultiplierClamps(t *testing.T) {
	s := NewSessionStats(10)
	noon := time.Date(2026, 1, 15, 12, 30, 0, 0, time.UTC)

	if m := s.Multiplier(noon); m != 1.0 {
		t.Errorf("no samples multiplier = %v, want 1.0", m)
	}
	for i := 0; i < 20; i++ {
		s.Record(noon, true)
	}
	if m := s.Multiplier(noon); m != 1.15 {
		t.Errorf("all-wins multiplier = %v, want clamp at 1.15", m)
	}

	s2 := NewSessionStats(10)
	for i := 0; i < 20; i++ {
		s2.Record(noon, false)
	}
	if m := s2.Multiplier(noon); m != 0.70 {
		t.Errorf("all-losses multiplier = %v, want clamp at 0.70", m)
	}
}

func TestWeightsSaveReloadVersioned(t *testing.T) {
	set := map[string]strategies.Strategy{"a": longStub("a", 0.8, 0.7)}
	e := newTestEngine(testConfig(), set)
	path := t.TempDir() + "/weights.yaml"

	if err := e.SaveWeights(path); err != nil {
		t.Fatal(err)
	}
	// Reloading the same version is a no-op; a newer file applies.
	if err := e.ReloadWeights(path); err != nil {
		t.Fatal(err)
	}

	e2 := newTestEngine(testConfig(), set)
	if err := e2.ReloadWeights(path); err != nil {
		t.Fatal(err)
	}
	e2.mu.Lock()
	got := e2.weights["a"]
	e2.mu.Unlock()
	if got != 0.12 {
		t.Errorf("reloaded weight = %v, want 0.12", got)
	}
}

func TestDetectRegimeTrendAndVol(t *testing.T) {
	base := time.Date(2026, 1, 15, 0, 0, 0, 0, time.UTC)
	candles := make([]market.Candle, 100)
	for i := range candles {
		p := 100 + float64(i)*2
		candles[i] = market.Candle{
			Time: base.Add(time.Duration(i) * time.Minute),
			Open: p, High: p + 3, Low: p - 3, Close: p, Volume: 10,
		}
	}
	r := DetectRegime(candles, RegimeConfig{ADXTrendThreshold: 25, ATRPctHigh: 2, ATRPctLow: 0.8})
	if r.Trend != "trend" {
		t.Errorf("strong ramp regime = %s, want trend", r.Trend)
	}
	if r.VolLevel < 0 || r.VolLevel > 1 {
		t.Errorf("vol level out of range: %v", r.VolLevel)
	}
}
