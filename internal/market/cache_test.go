package market

import (
	"testing"
	"time"
)

func mkCandle(t time.Time, close float64) Candle {
	return Candle{Time: t, Open: close, High: close, Low: close, Close: close, Volume: 1}
}

func TestRingWrapAround(t *testing.T) {
	c := NewCache(5, time.Minute, 0.2, nil)
	base := time.Date(2026, 1, 15, 10, 0, 0, 0, time.UTC)

	for i := 0; i < 8; i++ {
		c.UpdateCandle("BTC/USD", mkCandle(base.Add(time.Duration(i)*time.Minute), 100+float64(i)), true)
	}

	got := c.GetCandles("BTC/USD", 10)
	if len(got) != 5 {
		t.Fatalf("got %d candles, want 5", len(got))
	}
	if got[0].Close != 103 || got[4].Close != 107 {
		t.Errorf("wrap-around view wrong: first=%v last=%v", got[0].Close, got[4].Close)
	}
}

func TestOutlierRejectionKeepsPreviousBar(t *testing.T) {
	c := NewCache(10, time.Minute, 0.2, nil)
	base := time.Date(2026, 1, 15, 10, 0, 0, 0, time.UTC)

	c.UpdateCandle("BTC/USD", mkCandle(base, 100), true)
	if ok := c.UpdateCandle("BTC/USD", mkCandle(base.Add(time.Minute), 130), true); ok {
		t.Error("30% move should be rejected at 20% threshold")
	}

	got := c.GetCandles("BTC/USD", 10)
	if len(got) != 1 || got[0].Close != 100 {
		t.Errorf("previous candle disturbed: %+v", got)
	}

	if ok := c.UpdateCandle("BTC/USD", mkCandle(base.Add(time.Minute), 115), true); !ok {
		t.Error("15% move should be accepted")
	}
}

func TestOutlierPerPairOverride(t *testing.T) {
	c := NewCache(10, time.Minute, 0.2, map[string]float64{"DOGE/USD": 0.5})
	base := time.Date(2026, 1, 15, 10, 0, 0, 0, time.UTC)

	c.UpdateCandle("DOGE/USD", mkCandle(base, 100), true)
	if ok := c.UpdateCandle("DOGE/USD", mkCandle(base.Add(time.Minute), 140), true); !ok {
		t.Error("40% move should pass the 50% override threshold")
	}
}

func TestInProgressOverwrite(t *testing.T) {
	c := NewCache(10, time.Minute, 0.2, nil)
	base := time.Date(2026, 1, 15, 10, 0, 0, 0, time.UTC)

	c.UpdateCandle("ETH/USD", mkCandle(base, 100), true)
	c.UpdateCandle("ETH/USD", mkCandle(base.Add(time.Minute), 101), false)
	c.UpdateCandle("ETH/USD", mkCandle(base.Add(time.Minute), 102), false)

	all := c.GetCandles("ETH/USD", 10)
	if len(all) != 2 {
		t.Fatalf("in-progress update should overwrite, got %d bars", len(all))
	}
	if all[1].Close != 102 {
		t.Errorf("current bar close = %v, want 102", all[1].Close)
	}

	closed := c.GetClosedCandles("ETH/USD", 10)
	if len(closed) != 1 || closed[0].Close != 100 {
		t.Errorf("closed view should exclude in-progress bar: %+v", closed)
	}
}

func TestOutOfOrderBarRejected(t *testing.T) {
	c := NewCache(10, time.Minute, 0.2, nil)
	base := time.Date(2026, 1, 15, 10, 0, 0, 0, time.UTC)

	c.UpdateCandle("BTC/USD", mkCandle(base.Add(time.Minute), 100), true)
	if ok := c.UpdateCandle("BTC/USD", mkCandle(base, 99), true); ok {
		t.Error("out-of-order bar should be rejected")
	}
}

func TestStaleness(t *testing.T) {
	c := NewCache(10, time.Minute, 0.2, nil)
	if !c.IsStale("BTC/USD", time.Second) {
		t.Error("unknown pair should be stale")
	}
	c.UpdateTicker("BTC/USD", Ticker{Bid: 100, Ask: 101, Last: 100.5, Timestamp: time.Now()})
	if c.IsStale("BTC/USD", time.Minute) {
		t.Error("freshly updated pair should not be stale")
	}
}

func TestAnalyzeBookOBIAndWhale(t *testing.T) {
	b := BookSnapshot{
		Bids: []BookLevel{
			{Price: 99.9, Size: 10}, {Price: 99.8, Size: 10}, {Price: 99.7, Size: 200},
		},
		Asks: []BookLevel{
			{Price: 100.1, Size: 5}, {Price: 100.2, Size: 5},
		},
		Timestamp: time.Now(),
	}
	a := AnalyzeBook(b)

	if a.OBI <= 0 {
		t.Errorf("bid-heavy book should have positive OBI, got %v", a.OBI)
	}
	if !a.WhaleFlag {
		t.Error("200-size level against median 10 should flag a whale")
	}
	if a.BookScore < -1 || a.BookScore > 1 {
		t.Errorf("book score out of range: %v", a.BookScore)
	}
	if a.SpreadPct <= 0 {
		t.Errorf("spread pct = %v, want > 0", a.SpreadPct)
	}
}

func TestAnalyzeBookEmptySide(t *testing.T) {
	a := AnalyzeBook(BookSnapshot{Bids: []BookLevel{{Price: 100, Size: 1}}})
	if a.OBI != 0 || a.BookScore != 0 {
		t.Errorf("one-sided book should produce zero analysis: %+v", a)
	}
}
