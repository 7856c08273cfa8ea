package executor

import (
	"context"
	"errors"
	"math"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"novapulse/internal/confluence"
	"novapulse/internal/exchange"
	"novapulse/internal/market"
	"novapulse/internal/risk"
	"novapulse/internal/strategies"
)

// fakeClient scripts order placement outcomes.
type fakeClient struct {
	mu          sync.Mutex
	placeErrs   []error // consumed in order; nil = success
	placed      []exchange.OrderRequest
	cancelled   []string
	openOrders  []exchange.Order
	orderStatus map[string]*exchange.Order
	nextID      int
}

func (f *fakeClient) PlaceOrder(ctx context.Context, req exchange.OrderRequest) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.placeErrs) > 0 {
		err := f.placeErrs[0]
		f.placeErrs = f.placeErrs[1:]
		if err != nil {
			return "", err
		}
	}
	f.nextID++
	f.placed = append(f.placed, req)
	return "TX" + string(rune('A'+f.nextID)), nil
}

func (f *fakeClient) CancelOrder(ctx context.Context, orderID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.cancelled = append(f.cancelled, orderID)
	return nil
}

func (f *fakeClient) FetchOHLC(ctx context.Context, pair string, timeframe int, since time.Time, limit int) ([]market.Candle, error) {
	return nil, nil
}

func (f *fakeClient) OpenOrders(ctx context.Context) ([]exchange.Order, error) {
	return f.openOrders, nil
}

func (f *fakeClient) OrderInfo(ctx context.Context, orderID string) (*exchange.Order, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if o, ok := f.orderStatus[orderID]; ok {
		return o, nil
	}
	return nil, nil
}

func (f *fakeClient) TradeHistory(ctx context.Context, start, end time.Time) ([]exchange.Fill, error) {
	return nil, nil
}

func (f *fakeClient) placeCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.placed)
}

// memStore is an in-memory ledger double.
type memStore struct {
	mu       sync.Mutex
	trades   map[string]*Trade
	thoughts []string
	features int
	books    int
	closeErr error
}

func newMemStore() *memStore {
	return &memStore{trades: make(map[string]*Trade)}
}

func (s *memStore) InsertTrade(ctx context.Context, t *Trade) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *t
	s.trades[t.ID] = &cp
	return nil
}

// UpdateTrade mirrors the real store: it refreshes the mutable columns but
// never the status, so a late trailing persist cannot reopen a closed row.
func (s *memStore) UpdateTrade(ctx context.Context, t *Trade) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	prev, ok := s.trades[t.ID]
	if !ok {
		cp := *t
		s.trades[t.ID] = &cp
		return nil
	}
	prev.Quantity = t.Quantity
	prev.Fees = t.Fees
	prev.StopLoss = t.StopLoss
	prev.TakeProfit = t.TakeProfit
	prev.Trailing = t.Trailing
	prev.Metadata = t.Metadata
	return nil
}

func (s *memStore) CloseTrade(ctx context.Context, t *Trade) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closeErr != nil {
		return false, s.closeErr
	}
	prev, ok := s.trades[t.ID]
	if ok && prev.Status != TradeOpen {
		return false, nil
	}
	cp := *t
	s.trades[t.ID] = &cp
	return true, nil
}

func (s *memStore) OpenTrades(ctx context.Context) ([]*Trade, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*Trade
	for _, t := range s.trades {
		if t.Status == TradeOpen {
			cp := *t
			out = append(out, &cp)
		}
	}
	return out, nil
}

func (s *memStore) LogThought(ctx context.Context, category, pair, message string, data map[string]interface{}) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.thoughts = append(s.thoughts, category+": "+message)
	return nil
}

func (s *memStore) InsertMLFeatures(ctx context.Context, tradeID string, features map[string]float64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.features++
	return nil
}

func (s *memStore) InsertBookSnapshot(ctx context.Context, tradeID, pair string, a market.BookAnalysis) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.books++
	return nil
}

func (s *memStore) get(id string) *Trade {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.trades[id]
}

// fakeSink records feedback calls.
type fakeSink struct {
	mu      sync.Mutex
	results []string
	entries []string
}

func (s *fakeSink) RecordTradeResult(strategy, regimeKey string, pnlPct float64, entryTime, now time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.results = append(s.results, strategy)
}

func (s *fakeSink) MarkEntry(names []string, pair string, dir strategies.Direction, now time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.entries = append(s.entries, pair)
}

func permissiveRisk() *risk.Manager {
	return risk.NewManager(risk.Config{
		MaxRiskPerTrade:        0.02,
		MaxDailyLoss:           0.05,
		MaxPositionUSD:         5000,
		MinPositionUSD:         10,
		InitialBankroll:        10000,
		KellyFraction:          0.5,
		MaxKellySize:           0.25,
		RiskOfRuinThreshold:    0.05,
		MaxTotalExposurePct:    0.5,
		GlobalCooldownOnLoss:   30 * time.Minute,
		PairCooldown:           5 * time.Minute,
		StrategyCooldown:       15 * time.Minute,
		MaxConcurrentPositions: 3,
		MaxTradesPerHour:       10,
		MinRiskReward:          1.2,
		MinConfidence:          0.5,
		MaxSignalAge:           5 * time.Minute,
	}, zerolog.Nop())
}

func testExecutor(t *testing.T, cfg Config, client exchange.Client) (*Executor, *memStore, *market.Cache, *fakeSink, *risk.Manager) {
	t.Helper()
	cache := market.NewCache(1000, time.Minute, 0.2, nil)
	store := newMemStore()
	sink := &fakeSink{}
	rm := permissiveRisk()
	ids := exchange.NewIDGenerator(nil, "test", zerolog.Nop())
	ex := New(cfg, client, cache, rm, sink, store, ids, zerolog.Nop())
	ex.sleep = func(ctx context.Context, d time.Duration) error { return nil }
	return ex, store, cache, sink, rm
}

func longSignal(pair string, entry float64, now time.Time) *confluence.Signal {
	return &confluence.Signal{
		Pair:            pair,
		Direction:       strategies.Long,
		Strength:        0.7,
		Confidence:      0.75,
		ConfluenceCount: 3,
		Entry:           entry,
		StopLoss:        entry * 0.97,
		TakeProfit:      entry * 1.06,
		Strategies:      []string{"trend", "keltner"},
		Regime:          strategies.Regime{Trend: "trend", Vol: "mid"},
		Timestamp:       now,
	}
}

func seedTicker(cache *market.Cache, pair string, bid, ask float64) {
	cache.UpdateTicker(pair, market.Ticker{Bid: bid, Ask: ask, Last: (bid + ask) / 2, Timestamp: time.Now().UTC()})
	cache.UpdateCandle(pair, market.Candle{
		Time: time.Now().UTC().Truncate(time.Minute), Open: ask, High: ask, Low: bid, Close: (bid + ask) / 2, Volume: 1,
	}, false)
}

func TestTrailingStopScenario(t *testing.T) {
	trade := &Trade{
		ID: "t1", Pair: "BTC/USD", Side: "buy", Status: TradeOpen,
		EntryPrice: 100, Quantity: 1, StopLoss: 97, TakeProfit: 110,
		Trailing: TrailingState{InitialSL: 97, CurrentSL: 97},
	}
	steps := []struct {
		price    float64
		wantStop float64
	}{
		{100, 97},
		{101.5, 100},
		{103, 102.485},
		{106, 105.47},
		{104, 105.47},
	}
	for _, s := range steps {
		updateTrailing(trade, s.price, 1.5, 0.5, 1.0)
		if math.Abs(trade.Trailing.CurrentSL-s.wantStop) > 1e-9 {
			t.Fatalf("price %.2f: stop = %.4f, want %.4f", s.price, trade.Trailing.CurrentSL, s.wantStop)
		}
	}
	if !stopHit(trade, 102) {
		t.Fatal("price 102 must hit the 105.47 stop")
	}
	if gross := pnlFor(trade, trade.Trailing.CurrentSL, trade.Quantity); math.Abs(gross-5.47) > 1e-9 {
		t.Fatalf("gross = %.4f, want 5.47", gross)
	}
}

func TestTrailingNeverLoosens(t *testing.T) {
	trade := &Trade{
		ID: "t2", Pair: "BTC/USD", Side: "buy",
		EntryPrice: 100, StopLoss: 97,
		Trailing: TrailingState{InitialSL: 97, CurrentSL: 97},
	}
	updateTrailing(trade, 105, 1.5, 0.5, 1.0)
	high := trade.Trailing.CurrentSL
	updateTrailing(trade, 101, 1.5, 0.5, 1.0)
	if trade.Trailing.CurrentSL < high {
		t.Fatalf("stop loosened from %.4f to %.4f", high, trade.Trailing.CurrentSL)
	}
}

func TestTrailingShort(t *testing.T) {
	trade := &Trade{
		ID: "t3", Pair: "BTC/USD", Side: "sell",
		EntryPrice: 100, StopLoss: 103,
		Trailing: TrailingState{InitialSL: 103, CurrentSL: 103},
	}
	updateTrailing(trade, 98.9, 1.5, 0.5, 1.0)
	if trade.Trailing.CurrentSL != 100 {
		t.Fatalf("breakeven pin: stop = %.4f, want 100", trade.Trailing.CurrentSL)
	}
	updateTrailing(trade, 97, 1.5, 0.5, 1.0)
	want := 97 * 1.005
	if math.Abs(trade.Trailing.CurrentSL-want) > 1e-9 {
		t.Fatalf("stop = %.4f, want %.4f", trade.Trailing.CurrentSL, want)
	}
	if !stopHit(trade, 98) {
		t.Fatal("price 98 must hit the short stop")
	}
}

func TestPaperEntryFlow(t *testing.T) {
	ex, store, cache, sink, rm := testExecutor(t, Config{
		TakerFee: 0.0026, MakerFee: 0.0016,
		TrailingActivationPct: 1.5, TrailingStepPct: 0.5, BreakevenActivationPct: 1.0,
	}, &fakeClient{})
	seedTicker(cache, "BTC/USD", 99.9, 100.1)

	now := time.Now().UTC()
	trade, err := ex.OpenFromSignal(context.Background(), longSignal("BTC/USD", 100, now), risk.EngineFlags{}, now)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	if trade == nil {
		t.Fatal("expected an opened trade")
	}
	if trade.Status != TradeOpen {
		t.Fatalf("status = %s", trade.Status)
	}

	// Fill is the ask plus at most a tenth of the spread either way.
	spread := 100.1 - 99.9
	if math.Abs(trade.EntryPrice-100.1) > spread/10+1e-9 {
		t.Fatalf("paper fill %.6f too far from ask", trade.EntryPrice)
	}

	// SL/TP shifted by the fill delta so absolute distances are preserved.
	delta := trade.EntryPrice - 100.1
	if math.Abs(trade.StopLoss-(97+delta)) > 1e-9 {
		t.Fatalf("sl not shifted: %.6f", trade.StopLoss)
	}
	if math.Abs(trade.TakeProfit-(106+delta)) > 1e-9 {
		t.Fatalf("tp not shifted: %.6f", trade.TakeProfit)
	}

	if store.get(trade.ID) == nil {
		t.Fatal("trade not persisted")
	}
	if rm.OpenCount() != 1 {
		t.Fatalf("risk open count = %d", rm.OpenCount())
	}
	if len(sink.entries) != 1 {
		t.Fatal("MarkEntry not called")
	}
	if trade.Trailing.CurrentSL != trade.StopLoss {
		t.Fatal("trailing state not initialized from sl")
	}
}

func TestEntryRejectedByRisk(t *testing.T) {
	ex, store, cache, _, _ := testExecutor(t, Config{TakerFee: 0.0026}, &fakeClient{})
	seedTicker(cache, "BTC/USD", 99.9, 100.1)

	now := time.Now().UTC()
	sig := longSignal("BTC/USD", 100, now)
	sig.Confidence = 0.3 // below the floor
	trade, err := ex.OpenFromSignal(context.Background(), sig, risk.EngineFlags{}, now)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if trade != nil {
		t.Fatal("rejected intent must not produce a trade")
	}
	if len(store.thoughts) == 0 {
		t.Fatal("rejection must be audited")
	}
}

func TestStopOutClosesAndFeedsBack(t *testing.T) {
	ex, store, cache, sink, rm := testExecutor(t, Config{
		TakerFee: 0.0026,
		TrailingActivationPct: 1.5, TrailingStepPct: 0.5, BreakevenActivationPct: 1.0,
	}, &fakeClient{})
	seedTicker(cache, "BTC/USD", 99.9, 100.1)

	now := time.Now().UTC()
	trade, err := ex.OpenFromSignal(context.Background(), longSignal("BTC/USD", 100, now), risk.EngineFlags{}, now)
	if err != nil || trade == nil {
		t.Fatalf("open: %v", err)
	}

	seedTicker(cache, "BTC/USD", 95.9, 96.1) // below the stop
	ex.CheckPositions(context.Background(), now.Add(time.Minute))

	closed := store.get(trade.ID)
	if closed.Status != TradeClosed {
		t.Fatalf("status = %s", closed.Status)
	}
	if closed.Metadata.ExitReason != ExitStop {
		t.Fatalf("exit reason = %s", closed.Metadata.ExitReason)
	}
	if closed.PnL >= 0 {
		t.Fatalf("stop-out should lose, pnl = %.2f", closed.PnL)
	}
	if rm.OpenCount() != 0 {
		t.Fatal("risk manager still holds the position")
	}
	if len(sink.results) != 2 { // one result per contributing strategy
		t.Fatalf("results = %d, want 2", len(sink.results))
	}
	if len(ex.OpenTrades()) != 0 {
		t.Fatal("executor still holds the trade")
	}
}

func TestSmartExitTiers(t *testing.T) {
	ex, store, cache, _, _ := testExecutor(t, Config{
		TakerFee: 0.0026,
		TrailingActivationPct: 50, TrailingStepPct: 0.5, BreakevenActivationPct: 50,
		SmartExitTiers: []Tier{
			{TPMultiple: 0.5, Fraction: 0.33},
			{TPMultiple: 0.75, Fraction: 0.50},
		},
	}, &fakeClient{})
	seedTicker(cache, "BTC/USD", 99.9, 100.1)

	now := time.Now().UTC()
	trade, err := ex.OpenFromSignal(context.Background(), longSignal("BTC/USD", 100, now), risk.EngineFlags{}, now)
	if err != nil || trade == nil {
		t.Fatalf("open: %v", err)
	}
	entry := trade.EntryPrice
	tpDist := trade.TakeProfit - entry
	qty0 := trade.Quantity

	// First tier at entry + 0.5 * tp distance.
	tier1 := entry + tpDist*0.5
	seedTicker(cache, "BTC/USD", tier1, tier1+0.01)
	ex.CheckPositions(context.Background(), now.Add(time.Minute))

	got := store.get(trade.ID)
	if got.Metadata.TiersDone != 1 {
		t.Fatalf("tiers done = %d, want 1", got.Metadata.TiersDone)
	}
	wantQty := qty0 * (1 - 0.33)
	if math.Abs(got.Quantity-wantQty) > 1e-9 {
		t.Fatalf("qty = %.8f, want %.8f", got.Quantity, wantQty)
	}
	if got.Metadata.PartialPnL <= 0 {
		t.Fatal("first tier must bank positive partial pnl")
	}
	if len(got.Metadata.PartialExits) != 1 {
		t.Fatal("partial exit log missing")
	}

	// Second tier closes half of the remaining.
	tier2 := entry + tpDist*0.75
	seedTicker(cache, "BTC/USD", tier2, tier2+0.01)
	ex.CheckPositions(context.Background(), now.Add(2*time.Minute))

	got = store.get(trade.ID)
	if got.Metadata.TiersDone != 2 {
		t.Fatalf("tiers done = %d, want 2", got.Metadata.TiersDone)
	}
	wantQty *= 0.5
	if math.Abs(got.Quantity-wantQty) > 1e-9 {
		t.Fatalf("qty = %.8f, want %.8f", got.Quantity, wantQty)
	}

	// Full TP closes the remainder and folds partials into the final pnl.
	seedTicker(cache, "BTC/USD", trade.TakeProfit+0.1, trade.TakeProfit+0.11)
	ex.CheckPositions(context.Background(), now.Add(3*time.Minute))
	got = store.get(trade.ID)
	if got.Status != TradeClosed {
		t.Fatalf("status = %s", got.Status)
	}
	if got.PnL <= got.Metadata.PartialPnL {
		t.Fatalf("final pnl %.4f must exceed banked partials %.4f", got.PnL, got.Metadata.PartialPnL)
	}
}

func TestExitRetryLadder(t *testing.T) {
	client := &fakeClient{placeErrs: []error{
		exchange.NewRateLimited(1200*time.Millisecond, "throttled"),
		exchange.NewError(exchange.KindTransient, "blip", nil),
		nil,
	}}
	ex, store, cache, _, _ := testExecutor(t, Config{
		Live: true, TakerFee: 0.0026,
		ChaseAttempts: 1, ChaseDelay: time.Millisecond, FallbackToMarket: true,
	}, client)
	seedTicker(cache, "BTC/USD", 99.9, 100.1)

	now := time.Now().UTC()
	trade := &Trade{
		ID: "manual", Pair: "BTC/USD", Side: "buy", Status: TradeOpen,
		EntryPrice: 100, Quantity: 0.5, StopLoss: 97, TakeProfit: 106,
		Trailing:  TrailingState{InitialSL: 97, CurrentSL: 97},
		EntryTime: now,
		Metadata:  Metadata{Strategies: []string{"trend"}, TakerFeeRate: 0.0026},
	}
	store.InsertTrade(context.Background(), trade)
	ex.mu.Lock()
	ex.open[trade.ID] = trade
	ex.mu.Unlock()

	if err := ex.Close(context.Background(), trade.ID, ExitOperator, now); err != nil {
		t.Fatalf("close: %v", err)
	}
	got := store.get(trade.ID)
	if got.Status != TradeClosed {
		t.Fatalf("status = %s", got.Status)
	}
	if got.Metadata.ExitAttempts != 3 {
		t.Fatalf("exit attempts = %d, want 3", got.Metadata.ExitAttempts)
	}
}

func TestExitTerminalErrorMarksTradeError(t *testing.T) {
	client := &fakeClient{placeErrs: []error{
		exchange.NewError(exchange.KindAuth, "bad key", nil),
	}}
	ex, store, cache, _, _ := testExecutor(t, Config{Live: true, TakerFee: 0.0026}, client)
	seedTicker(cache, "BTC/USD", 99.9, 100.1)

	now := time.Now().UTC()
	trade := &Trade{
		ID: "doomed", Pair: "BTC/USD", Side: "buy", Status: TradeOpen,
		EntryPrice: 100, Quantity: 0.5, StopLoss: 97, TakeProfit: 106,
		Trailing:  TrailingState{InitialSL: 97, CurrentSL: 97},
		EntryTime: now,
	}
	store.InsertTrade(context.Background(), trade)
	ex.mu.Lock()
	ex.open[trade.ID] = trade
	ex.mu.Unlock()

	err := ex.Close(context.Background(), trade.ID, ExitOperator, now)
	if err == nil {
		t.Fatal("terminal exit failure must surface an error")
	}
	got := store.get(trade.ID)
	if got.Status != TradeError {
		t.Fatalf("status = %s, want error", got.Status)
	}
	if got.Metadata.ExitAttempts != 1 {
		t.Fatalf("auth error retried: attempts = %d", got.Metadata.ExitAttempts)
	}
	if len(ex.OpenTrades()) != 0 {
		t.Fatal("errored trade still tracked as open")
	}
}

func TestCloseIdempotent(t *testing.T) {
	ex, store, cache, sink, _ := testExecutor(t, Config{TakerFee: 0.0026}, &fakeClient{})
	seedTicker(cache, "BTC/USD", 99.9, 100.1)

	now := time.Now().UTC()
	trade := &Trade{
		ID: "once", Pair: "BTC/USD", Side: "buy", Status: TradeOpen,
		EntryPrice: 100, Quantity: 0.5, StopLoss: 97, TakeProfit: 106,
		Trailing:  TrailingState{InitialSL: 97, CurrentSL: 97},
		EntryTime: now,
		Metadata:  Metadata{Strategies: []string{"trend"}},
	}
	store.InsertTrade(context.Background(), trade)
	ex.mu.Lock()
	ex.open[trade.ID] = trade
	ex.mu.Unlock()

	if err := ex.Close(context.Background(), trade.ID, ExitOperator, now); err != nil {
		t.Fatalf("close: %v", err)
	}
	first := len(sink.results)

	// Re-inject and close again: the store transition gate must no-op.
	ex.mu.Lock()
	ex.open[trade.ID] = trade
	ex.mu.Unlock()
	if err := ex.Close(context.Background(), trade.ID, ExitOperator, now); err != nil {
		t.Fatalf("second close: %v", err)
	}
	if len(sink.results) != first {
		t.Fatal("duplicate close fed results twice")
	}
}

func TestMaxDurationCloses(t *testing.T) {
	ex, store, cache, _, _ := testExecutor(t, Config{
		TakerFee: 0.0026, MaxTradeDuration: 30 * time.Minute,
	}, &fakeClient{})
	seedTicker(cache, "BTC/USD", 99.9, 100.1)

	now := time.Now().UTC()
	trade := &Trade{
		ID: "aged", Pair: "BTC/USD", Side: "buy", Status: TradeOpen,
		EntryPrice: 100, Quantity: 0.5, StopLoss: 97, TakeProfit: 106,
		Trailing:  TrailingState{InitialSL: 97, CurrentSL: 97},
		EntryTime: now.Add(-time.Hour),
	}
	store.InsertTrade(context.Background(), trade)
	ex.mu.Lock()
	ex.open[trade.ID] = trade
	ex.mu.Unlock()

	ex.CheckPositions(context.Background(), now)
	got := store.get(trade.ID)
	if got.Status != TradeClosed || got.Metadata.ExitReason != ExitDuration {
		t.Fatalf("status = %s reason = %s", got.Status, got.Metadata.ExitReason)
	}
}

func TestStaleDataSkipsCheck(t *testing.T) {
	ex, store, cache, _, _ := testExecutor(t, Config{
		TakerFee: 0.0026, StaleAfter: time.Millisecond,
	}, &fakeClient{})
	seedTicker(cache, "BTC/USD", 95.0, 95.2) // below the stop, but stale

	now := time.Now().UTC()
	trade := &Trade{
		ID: "stale", Pair: "BTC/USD", Side: "buy", Status: TradeOpen,
		EntryPrice: 100, Quantity: 0.5, StopLoss: 97, TakeProfit: 106,
		Trailing:  TrailingState{InitialSL: 97, CurrentSL: 97},
		EntryTime: now,
	}
	store.InsertTrade(context.Background(), trade)
	ex.mu.Lock()
	ex.open[trade.ID] = trade
	ex.mu.Unlock()

	time.Sleep(5 * time.Millisecond)
	ex.CheckPositions(context.Background(), now)
	if store.get(trade.ID).Status != TradeOpen {
		t.Fatal("stale pair must not trigger a stop-out")
	}
}

func TestCheckPositionsSurfacesStoreError(t *testing.T) {
	ex, store, cache, _, _ := testExecutor(t, Config{TakerFee: 0.0026}, &fakeClient{})
	seedTicker(cache, "BTC/USD", 95.9, 96.1) // below the stop

	now := time.Now().UTC()
	trade := &Trade{
		ID: "wedged", Pair: "BTC/USD", Side: "buy", Status: TradeOpen,
		EntryPrice: 100, Quantity: 0.5, StopLoss: 97, TakeProfit: 106,
		Trailing:  TrailingState{InitialSL: 97, CurrentSL: 97},
		EntryTime: now,
	}
	store.InsertTrade(context.Background(), trade)
	ex.mu.Lock()
	ex.open[trade.ID] = trade
	ex.mu.Unlock()

	wedged := errors.New("write queue timed out")
	store.mu.Lock()
	store.closeErr = wedged
	store.mu.Unlock()

	err := ex.CheckPositions(context.Background(), now)
	if err == nil {
		t.Fatal("store failure must surface from the position sweep")
	}
	if !errors.Is(err, wedged) {
		t.Fatalf("err = %v, want the store error in the chain", err)
	}
}

func TestConcurrentChecksAndClose(t *testing.T) {
	ex, store, cache, _, _ := testExecutor(t, Config{
		TakerFee:              0.0026,
		TrailingActivationPct: 1.5, TrailingStepPct: 0.5, BreakevenActivationPct: 1.0,
	}, &fakeClient{})
	seedTicker(cache, "BTC/USD", 101.9, 102.1) // trailing moves, no exit triggers

	now := time.Now().UTC()
	trade := &Trade{
		ID: "contended", Pair: "BTC/USD", Side: "buy", Status: TradeOpen,
		EntryPrice: 100, Quantity: 0.5, StopLoss: 97, TakeProfit: 110,
		Trailing:  TrailingState{InitialSL: 97, CurrentSL: 97},
		EntryTime: now,
		Metadata:  Metadata{Strategies: []string{"trend"}},
	}
	store.InsertTrade(context.Background(), trade)
	ex.mu.Lock()
	ex.open[trade.ID] = trade
	ex.mu.Unlock()

	var wg sync.WaitGroup
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 25; j++ {
				ex.CheckPositions(context.Background(), now.Add(time.Minute))
			}
		}()
	}
	wg.Add(1)
	go func() {
		defer wg.Done()
		ex.Close(context.Background(), trade.ID, ExitOperator, now.Add(time.Minute))
	}()
	wg.Wait()

	got := store.get(trade.ID)
	if got.Status != TradeClosed {
		t.Fatalf("status = %s", got.Status)
	}
	if len(ex.OpenTrades()) != 0 {
		t.Fatal("trade still tracked after close")
	}
}

func TestRehydrate(t *testing.T) {
	ex, store, _, _, rm := testExecutor(t, Config{TakerFee: 0.0026}, &fakeClient{})

	now := time.Now().UTC()
	for _, id := range []string{"r1", "r2"} {
		store.InsertTrade(context.Background(), &Trade{
			ID: id, Pair: "BTC/" + id, Side: "buy", Status: TradeOpen,
			EntryPrice: 100, Quantity: 0.5, StopLoss: 97, TakeProfit: 106,
			Trailing:  TrailingState{InitialSL: 97, CurrentSL: 101.2, TrailingActivated: true, TrailingHigh: 104},
			EntryTime: now.Add(-2 * time.Hour),
			Metadata:  Metadata{SizeUSD: 50, ClientOrderID: "NP-01JAN-0000" + id + "-ENT", StopOrderID: "STOP-" + id},
		})
	}

	n, err := ex.Rehydrate(context.Background(), now)
	if err != nil {
		t.Fatalf("rehydrate: %v", err)
	}
	if n != 2 {
		t.Fatalf("rehydrated = %d", n)
	}
	if rm.OpenCount() != 2 {
		t.Fatalf("risk open count = %d", rm.OpenCount())
	}
	stats := rm.Stats()
	if stats["daily_trades"].(int) != 0 {
		t.Fatal("rehydration must not count toward the daily cap")
	}
	for _, tr := range ex.OpenTrades() {
		if !tr.Trailing.TrailingActivated || tr.Trailing.CurrentSL != 101.2 {
			t.Fatal("trailing state not restored")
		}
		if tr.Metadata.StopOrderID == "" {
			t.Fatal("native stop id lost across restart")
		}
	}
}

func TestReconcileReportsGhostsAndOrphans(t *testing.T) {
	client := &fakeClient{openOrders: []exchange.Order{
		{OrderID: "STOP-known", Pair: "BTC/USD"},
		{OrderID: "TX-orphan", Pair: "ETH/USD"},
	}}
	ex, store, _, _, _ := testExecutor(t, Config{Live: true, TakerFee: 0.0026}, client)

	now := time.Now().UTC()
	store.InsertTrade(context.Background(), &Trade{
		ID: "good", Pair: "BTC/USD", Side: "buy", Status: TradeOpen,
		EntryPrice: 100, Quantity: 0.5,
		Metadata: Metadata{StopOrderID: "STOP-known"},
	})
	store.InsertTrade(context.Background(), &Trade{
		ID: "ghost", Pair: "SOL/USD", Side: "buy", Status: TradeOpen,
		EntryPrice: 100, Quantity: 0.5,
		Metadata: Metadata{StopOrderID: "STOP-missing"},
	})

	report, err := ex.Reconcile(context.Background(), now)
	if err != nil {
		t.Fatalf("reconcile: %v", err)
	}
	if len(report.Ghosts) != 1 || report.Ghosts[0] != "ghost" {
		t.Fatalf("ghosts = %v", report.Ghosts)
	}
	if len(report.Orphans) != 1 || report.Orphans[0] != "TX-orphan" {
		t.Fatalf("orphans = %v", report.Orphans)
	}
}

func TestCloseAll(t *testing.T) {
	ex, store, cache, _, _ := testExecutor(t, Config{TakerFee: 0.0026}, &fakeClient{})
	seedTicker(cache, "BTC/USD", 99.9, 100.1)
	seedTicker(cache, "ETH/USD", 49.9, 50.1)

	now := time.Now().UTC()
	for i, pair := range []string{"BTC/USD", "ETH/USD"} {
		trade := &Trade{
			ID: "ca" + string(rune('0'+i)), Pair: pair, Side: "buy", Status: TradeOpen,
			EntryPrice: 100, Quantity: 0.5, StopLoss: 97, TakeProfit: 106,
			Trailing:  TrailingState{InitialSL: 97, CurrentSL: 97},
			EntryTime: now,
		}
		store.InsertTrade(context.Background(), trade)
		ex.mu.Lock()
		ex.open[trade.ID] = trade
		ex.mu.Unlock()
	}

	if n := ex.CloseAll(context.Background(), ExitBreaker, now); n != 2 {
		t.Fatalf("closed = %d", n)
	}
	if len(ex.OpenTrades()) != 0 {
		t.Fatal("trades left open after close-all")
	}
}
