package exchange

import (
	"context"
	"encoding/json"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"novapulse/internal/market"
	"novapulse/internal/metrics"
)

const (
	wsWriteTimeout      = 10 * time.Second
	wsPongTimeout       = 30 * time.Second
	wsPingInterval      = 15 * time.Second
	wsReconnectBase     = time.Second
	wsReconnectCap      = 60 * time.Second
	wsEventBuffer       = 1024
	bookDepth           = 10
)

// subscription records one pair+channel pair so reconnects can replay the
// full subscription set.
type subscription struct {
	Pair    string
	Channel string
}

// WSClient maintains the market data stream: it dials, subscribes, reads,
// normalizes, and reconnects with exponential backoff, replaying every
// stored subscription after each reconnect.
type WSClient struct {
	url     string
	symbols *symbolMap
	logger  zerolog.Logger

	events chan Event

	mu        sync.Mutex
	conn      *websocket.Conn
	connected bool
	subs      []subscription
	books     map[string]*bookState

	cancel context.CancelFunc
	done   chan struct{}
}

// NewWSClient builds the stream client and starts its connection loop.
func NewWSClient(wsURL string, pairs []string, logger zerolog.Logger) *WSClient {
	ctx, cancel := context.WithCancel(context.Background())
	c := &WSClient{
		url:     wsURL,
		symbols: newSymbolMap(pairs),
		logger:  logger.With().Str("component", "ws").Logger(),
		events:  make(chan Event, wsEventBuffer),
		books:   make(map[string]*bookState),
		cancel:  cancel,
		done:    make(chan struct{}),
	}
	go c.run(ctx)
	return c
}

// Events returns the normalized event stream. The channel is buffered; a
// stalled consumer drops the oldest semantics to the channel's backpressure.
func (c *WSClient) Events() <-chan Event { return c.events }

// IsConnected reports the live socket state.
func (c *WSClient) IsConnected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.connected
}

// Subscribe registers pair channels; applied immediately when connected and
// replayed on every reconnect.
func (c *WSClient) Subscribe(pair string, channels []string) error {
	c.mu.Lock()
	for _, ch := range channels {
		c.subs = append(c.subs, subscription{Pair: pair, Channel: ch})
	}
	conn := c.conn
	c.mu.Unlock()
	if conn == nil {
		return nil
	}
	return c.sendSubscriptions(conn, pair, channels)
}

// Close stops the connection loop and closes the event channel.
func (c *WSClient) Close() error {
	c.cancel()
	<-c.done
	return nil
}

func (c *WSClient) run(ctx context.Context) {
	defer close(c.done)
	defer close(c.events)

	attempt := 0
	for {
		if ctx.Err() != nil {
			return
		}
		conn, _, err := websocket.DefaultDialer.DialContext(ctx, c.url, nil)
		if err != nil {
			delay := reconnectDelay(attempt)
			attempt++
			c.logger.Warn().Err(err).Dur("retry_in", delay).Msg("dial failed")
			select {
			case <-time.After(delay):
				continue
			case <-ctx.Done():
				return
			}
		}
		if attempt > 0 {
			metrics.WSReconnects.Inc()
		}
		attempt = 0

		c.mu.Lock()
		c.conn = conn
		c.connected = true
		subs := append([]subscription(nil), c.subs...)
		c.mu.Unlock()
		c.logger.Info().Int("subscriptions", len(subs)).Msg("connected")

		for _, s := range subs {
			if err := c.sendSubscriptions(conn, s.Pair, []string{s.Channel}); err != nil {
				c.logger.Warn().Err(err).Str("pair", s.Pair).Str("channel", s.Channel).
					Msg("resubscribe failed")
			}
		}

		c.readLoop(ctx, conn)

		c.mu.Lock()
		c.conn = nil
		c.connected = false
		c.mu.Unlock()
		conn.Close()
	}
}

func reconnectDelay(attempt int) time.Duration {
	d := wsReconnectBase << uint(attempt)
	if d > wsReconnectCap || d <= 0 {
		d = wsReconnectCap
	}
	return d
}

func (c *WSClient) sendSubscriptions(conn *websocket.Conn, pair string, channels []string) error {
	for _, ch := range channels {
		msg := map[string]interface{}{
			"event": "subscribe",
			"pair":  []string{pair},
			"subscription": map[string]interface{}{
				"name": ch,
			},
		}
		if ch == ChannelBook {
			msg["subscription"].(map[string]interface{})["depth"] = bookDepth
		}
		conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout))
		if err := conn.WriteJSON(msg); err != nil {
			return err
		}
	}
	return nil
}

func (c *WSClient) readLoop(ctx context.Context, conn *websocket.Conn) {
	conn.SetReadDeadline(time.Now().Add(wsPongTimeout))
	conn.SetPongHandler(func(string) error {
		conn.SetReadDeadline(time.Now().Add(wsPongTimeout))
		return nil
	})

	pingCtx, stopPing := context.WithCancel(ctx)
	defer stopPing()
	go func() {
		ticker := time.NewTicker(wsPingInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout))
				if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
					return
				}
			case <-pingCtx.Done():
				return
			}
		}
	}()

	for {
		if ctx.Err() != nil {
			return
		}
		_, data, err := conn.ReadMessage()
		if err != nil {
			c.logger.Warn().Err(err).Msg("read failed, reconnecting")
			return
		}
		conn.SetReadDeadline(time.Now().Add(wsPongTimeout))
		c.dispatch(data)
	}
}

// dispatch parses one frame. Data frames are arrays; status frames are
// objects and only logged.
func (c *WSClient) dispatch(data []byte) {
	if len(data) == 0 {
		return
	}
	if data[0] == '{' {
		var status struct {
			Event  string `json:"event"`
			Status string `json:"status"`
		}
		if json.Unmarshal(data, &status) == nil && status.Event == "subscriptionStatus" &&
			status.Status == "error" {
			c.logger.Warn().RawJSON("frame", data).Msg("subscription rejected")
		}
		return
	}

	var frame []json.RawMessage
	if err := json.Unmarshal(data, &frame); err != nil || len(frame) < 4 {
		return
	}
	var channel, native string
	json.Unmarshal(frame[len(frame)-2], &channel)
	json.Unmarshal(frame[len(frame)-1], &native)
	pair := c.symbols.Canonical(native)

	switch {
	case channel == ChannelTicker:
		c.handleTicker(pair, frame[1])
	case len(channel) >= 4 && channel[:4] == ChannelOHLC:
		c.handleOHLC(pair, channelInterval(channel), frame[1])
	case len(channel) >= 4 && channel[:4] == ChannelBook:
		for _, payload := range frame[1 : len(frame)-2] {
			c.handleBook(pair, payload)
		}
	}
}

func (c *WSClient) emit(ev Event) {
	select {
	case c.events <- ev:
	default:
		c.logger.Warn().Str("pair", ev.Pair).Msg("event buffer full, dropping")
	}
}

func (c *WSClient) handleTicker(pair string, payload json.RawMessage) {
	var t struct {
		Bid  []json.Number `json:"b"`
		Ask  []json.Number `json:"a"`
		Last []json.Number `json:"c"`
	}
	if err := json.Unmarshal(payload, &t); err != nil ||
		len(t.Bid) == 0 || len(t.Ask) == 0 || len(t.Last) == 0 {
		return
	}
	tk := &market.Ticker{Timestamp: time.Now().UTC()}
	tk.Bid, _ = t.Bid[0].Float64()
	tk.Ask, _ = t.Ask[0].Float64()
	tk.Last, _ = t.Last[0].Float64()
	c.emit(Event{Pair: pair, Ticker: tk})
}

// channelInterval extracts the bar length in seconds from an OHLC channel
// name like "ohlc-5". One minute when the suffix is absent or malformed.
func channelInterval(channel string) int64 {
	suffix, ok := strings.CutPrefix(channel, ChannelOHLC+"-")
	if !ok {
		return 60
	}
	minutes, err := strconv.ParseInt(suffix, 10, 64)
	if err != nil || minutes <= 0 {
		return 60
	}
	return minutes * 60
}

func (c *WSClient) handleOHLC(pair string, intervalSecs int64, payload json.RawMessage) {
	var row []json.Number
	if err := json.Unmarshal(payload, &row); err != nil || len(row) < 8 {
		return
	}
	end, _ := row[1].Float64()
	// The venue timestamps bars by interval end; normalize to bar open.
	candle := market.Candle{Time: time.Unix(int64(end)-intervalSecs, 0).UTC()}
	candle.Open, _ = row[2].Float64()
	candle.High, _ = row[3].Float64()
	candle.Low, _ = row[4].Float64()
	candle.Close, _ = row[5].Float64()
	candle.Volume, _ = row[7].Float64()
	closed := time.Now().UTC().Unix() >= int64(end)
	c.emit(Event{Pair: pair, Candle: &CandleEvent{Candle: candle, Closed: closed}})
}

// bookState accumulates depth updates into a sorted snapshot.
type bookState struct {
	bids map[string]float64
	asks map[string]float64
}

func (c *WSClient) handleBook(pair string, payload json.RawMessage) {
	var frame struct {
		AS [][]json.Number `json:"as"`
		BS [][]json.Number `json:"bs"`
		A  [][]json.Number `json:"a"`
		B  [][]json.Number `json:"b"`
	}
	if err := json.Unmarshal(payload, &frame); err != nil {
		return
	}

	c.mu.Lock()
	st, ok := c.books[pair]
	if !ok || frame.AS != nil || frame.BS != nil {
		st = &bookState{bids: make(map[string]float64), asks: make(map[string]float64)}
		c.books[pair] = st
	}
	applyLevels(st.asks, frame.AS)
	applyLevels(st.bids, frame.BS)
	applyLevels(st.asks, frame.A)
	applyLevels(st.bids, frame.B)
	snap := st.snapshot()
	c.mu.Unlock()

	snap.Timestamp = time.Now().UTC()
	c.emit(Event{Pair: pair, Book: &snap})
}

func applyLevels(side map[string]float64, rows [][]json.Number) {
	for _, row := range rows {
		if len(row) < 2 {
			continue
		}
		qty, _ := row[1].Float64()
		price := row[0].String()
		if qty == 0 {
			delete(side, price)
		} else {
			side[price] = qty
		}
	}
}

func (s *bookState) snapshot() market.BookSnapshot {
	toLevels := func(side map[string]float64, descending bool) []market.BookLevel {
		levels := make([]market.BookLevel, 0, len(side))
		for priceStr, qty := range side {
			price, err := strconv.ParseFloat(priceStr, 64)
			if err != nil {
				continue
			}
			levels = append(levels, market.BookLevel{Price: price, Size: qty})
		}
		sort.Slice(levels, func(i, j int) bool {
			if descending {
				return levels[i].Price > levels[j].Price
			}
			return levels[i].Price < levels[j].Price
		})
		if len(levels) > bookDepth {
			levels = levels[:bookDepth]
		}
		return levels
	}
	return market.BookSnapshot{
		Bids: toLevels(s.bids, true),
		Asks: toLevels(s.asks, false),
	}
}
