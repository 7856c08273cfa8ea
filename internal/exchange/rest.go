package exchange

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"crypto/sha512"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"math"
	"math/rand"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/sony/gobreaker"

	"novapulse/internal/market"
	"novapulse/internal/metrics"
)

const (
	ohlcPageSize = 720
	maxRetries   = 3
	retryBase    = 500 * time.Millisecond
	retryCap     = 8 * time.Second
)

// RESTConfig wires the REST client.
type RESTConfig struct {
	BaseURL          string
	APIKey           string
	APISecret        string // base64-encoded signing key
	Pairs            []string
	RequestsPerSec   float64
	Timeout          time.Duration
	ValidateOnly     bool // venue-side dry run flag for paper safety nets
}

// RESTClient talks to the venue's REST API. All private calls share one
// serialized monotonic nonce and pass through a circuit breaker so a dying
// venue fails fast instead of stacking timeouts.
type RESTClient struct {
	cfg     RESTConfig
	http    *http.Client
	limiter *limiter
	breaker *gobreaker.CircuitBreaker
	symbols *symbolMap
	logger  zerolog.Logger

	nonceMu   sync.Mutex
	lastNonce int64

	subMu     sync.Mutex
	submitted map[string]string // client order id -> venue order id
	subOrder  []string          // insertion order for FIFO eviction
}

// submittedCapacity bounds the duplicate-submission map; the oldest entries
// are well past any retry window by the time they are evicted.
const submittedCapacity = 4096

// NewRESTClient builds a client. The secret stays in memory only.
func NewRESTClient(cfg RESTConfig, logger zerolog.Logger) *RESTClient {
	if cfg.RequestsPerSec <= 0 {
		cfg.RequestsPerSec = 3
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 15 * time.Second
	}
	c := &RESTClient{
		cfg:       cfg,
		http:      &http.Client{Timeout: cfg.Timeout},
		limiter:   newLimiter(cfg.RequestsPerSec),
		symbols:   newSymbolMap(cfg.Pairs),
		logger:    logger.With().Str("component", "exchange").Logger(),
		submitted: make(map[string]string),
	}
	c.breaker = gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        "exchange-rest",
		MaxRequests: 2,
		Interval:    60 * time.Second,
		Timeout:     30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 5
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			c.logger.Warn().Str("from", from.String()).Str("to", to.String()).Msg("breaker state change")
			if to == gobreaker.StateOpen {
				metrics.BreakerTrips.WithLabelValues("exchange_rest").Inc()
			}
		},
		IsSuccessful: func(err error) bool {
			// Rejections are the venue working correctly, not an outage.
			return err == nil || !IsRetryable(err)
		},
	})
	return c
}

// nextNonce issues strictly increasing nonces even under concurrent calls.
func (c *RESTClient) nextNonce() int64 {
	c.nonceMu.Lock()
	defer c.nonceMu.Unlock()
	n := time.Now().UnixMicro()
	if n <= c.lastNonce {
		n = c.lastNonce + 1
	}
	c.lastNonce = n
	return n
}

// sign computes the private endpoint signature: HMAC-SHA512 over
// path || SHA256(nonce || postdata), keyed by the base64-decoded secret.
func (c *RESTClient) sign(path string, nonce int64, postData string) (string, error) {
	secret, err := base64.StdEncoding.DecodeString(c.cfg.APISecret)
	if err != nil {
		return "", NewError(KindAuth, "malformed api secret", err)
	}
	inner := sha256.Sum256([]byte(strconv.FormatInt(nonce, 10) + postData))
	mac := hmac.New(sha512.New, secret)
	mac.Write([]byte(path))
	mac.Write(inner[:])
	return base64.StdEncoding.EncodeToString(mac.Sum(nil)), nil
}

type apiResponse struct {
	Error  []string        `json:"error"`
	Result json.RawMessage `json:"result"`
}

func (c *RESTClient) public(ctx context.Context, weight int, path string, params url.Values) (json.RawMessage, error) {
	return c.withRetry(ctx, weight, func() (json.RawMessage, error) {
		u := c.cfg.BaseURL + path
		if len(params) > 0 {
			u += "?" + params.Encode()
		}
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
		if err != nil {
			return nil, NewError(KindInvalidOrder, "build request", err)
		}
		return c.do(req)
	})
}

func (c *RESTClient) private(ctx context.Context, weight int, path string, params url.Values) (json.RawMessage, error) {
	return c.withRetry(ctx, weight, func() (json.RawMessage, error) {
		raw, err := c.breaker.Execute(func() (interface{}, error) {
			if params == nil {
				params = url.Values{}
			}
			nonce := c.nextNonce()
			params.Set("nonce", strconv.FormatInt(nonce, 10))
			body := params.Encode()

			sig, err := c.sign(path, nonce, body)
			if err != nil {
				return nil, err
			}
			req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.cfg.BaseURL+path, strings.NewReader(body))
			if err != nil {
				return nil, NewError(KindInvalidOrder, "build request", err)
			}
			req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
			req.Header.Set("API-Key", c.cfg.APIKey)
			req.Header.Set("API-Sign", sig)
			return c.do(req)
		})
		if err != nil {
			if err == gobreaker.ErrOpenState || err == gobreaker.ErrTooManyRequests {
				return nil, NewError(KindTransient, "circuit breaker open", err)
			}
			return nil, err
		}
		return raw.(json.RawMessage), nil
	})
}

func (c *RESTClient) do(req *http.Request) (json.RawMessage, error) {
	resp, err := c.http.Do(req)
	if err != nil {
		return nil, NewError(KindTransient, "http request failed", err)
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(io.LimitReader(resp.Body, 10<<20))
	if err != nil {
		return nil, NewError(KindTransient, "read response", err)
	}

	switch {
	case resp.StatusCode == http.StatusTooManyRequests:
		return nil, NewRateLimited(retryAfterHeader(resp), "http 429")
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		return nil, NewError(KindAuth, fmt.Sprintf("http %d", resp.StatusCode), nil)
	case resp.StatusCode >= 500:
		return nil, NewError(KindTransient, fmt.Sprintf("http %d", resp.StatusCode), nil)
	}

	var parsed apiResponse
	if err := json.Unmarshal(body, &parsed); err != nil {
		return nil, NewError(KindTransient, "malformed response body", err)
	}
	if len(parsed.Error) > 0 {
		return nil, classifyAPIError(parsed.Error)
	}
	return parsed.Result, nil
}

func retryAfterHeader(resp *http.Response) time.Duration {
	if v := resp.Header.Get("Retry-After"); v != "" {
		if secs, err := strconv.Atoi(v); err == nil && secs > 0 {
			return time.Duration(secs) * time.Second
		}
	}
	return 2 * time.Second
}

// classifyAPIError maps venue error strings onto the error taxonomy.
func classifyAPIError(msgs []string) error {
	joined := strings.Join(msgs, "; ")
	lower := strings.ToLower(joined)
	switch {
	case strings.Contains(lower, "rate limit"), strings.Contains(lower, "too many requests"):
		return NewRateLimited(2*time.Second, joined)
	case strings.Contains(lower, "invalid key"), strings.Contains(lower, "invalid nonce"),
		strings.Contains(lower, "invalid signature"), strings.Contains(lower, "permission denied"):
		return NewError(KindAuth, joined, nil)
	case strings.Contains(lower, "insufficient funds"):
		return NewError(KindInsufficientFunds, joined, nil)
	case strings.Contains(lower, "invalid arguments"), strings.Contains(lower, "unknown asset pair"),
		strings.Contains(lower, "order minimum not met"), strings.Contains(lower, "invalid price"),
		strings.Contains(lower, "invalid volume"):
		return NewError(KindInvalidOrder, joined, nil)
	default:
		return NewError(KindTransient, joined, nil)
	}
}

// withRetry runs fn up to maxRetries+1 times with exponential backoff and
// jitter. Non-retryable kinds return immediately; throttle responses honor
// the venue's retry hint and pause the shared limiter.
func (c *RESTClient) withRetry(ctx context.Context, weight int, fn func() (json.RawMessage, error)) (json.RawMessage, error) {
	var lastErr error
	for attempt := 0; attempt <= maxRetries; attempt++ {
		if err := c.limiter.wait(ctx, weight); err != nil {
			return nil, NewError(KindTransient, "rate limiter wait", err)
		}
		raw, err := fn()
		if err == nil {
			return raw, nil
		}
		lastErr = err
		if !IsRetryable(err) {
			return nil, err
		}
		if attempt == maxRetries {
			break
		}
		delay := backoffDelay(attempt)
		if ra := RetryAfterOf(err); ra > 0 {
			c.limiter.penalize(ra)
			if ra > delay {
				delay = ra
			}
		}
		c.logger.Debug().Err(err).Int("attempt", attempt+1).Dur("delay", delay).Msg("retrying request")
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return nil, NewError(KindTransient, "context cancelled during retry", ctx.Err())
		}
	}
	return nil, lastErr
}

func backoffDelay(attempt int) time.Duration {
	d := time.Duration(float64(retryBase) * math.Pow(2, float64(attempt)))
	if d > retryCap {
		d = retryCap
	}
	return d + time.Duration(rand.Int63n(int64(250*time.Millisecond)))
}

// PlaceOrder submits an order. Resubmitting the same ClientOrderID returns
// the original venue order id without placing a duplicate.
func (c *RESTClient) PlaceOrder(ctx context.Context, req OrderRequest) (string, error) {
	if req.ClientOrderID != "" {
		c.subMu.Lock()
		if txid, ok := c.submitted[req.ClientOrderID]; ok {
			c.subMu.Unlock()
			c.logger.Info().Str("cl_ord_id", req.ClientOrderID).Str("txid", txid).
				Msg("duplicate submission suppressed")
			return txid, nil
		}
		c.subMu.Unlock()
	}

	qty := RoundQty(req.Pair, req.Quantity)
	price := req.Price
	if req.Kind != Market {
		price = RoundPrice(req.Pair, price, req.Side)
	}
	if err := ValidateOrderSize(req.Pair, qty, orEntryPrice(price, req)); err != nil {
		metrics.OrdersFailed.WithLabelValues(KindOf(err).String()).Inc()
		return "", err
	}

	params := url.Values{}
	params.Set("pair", NativeSymbol(req.Pair))
	params.Set("type", string(req.Side))
	params.Set("ordertype", string(req.Kind))
	params.Set("volume", FormatQty(req.Pair, qty))
	if req.Kind != Market {
		params.Set("price", FormatPrice(req.Pair, price))
	}
	if req.PostOnly {
		params.Set("oflags", "post")
	}
	if req.ClientOrderID != "" {
		params.Set("cl_ord_id", req.ClientOrderID)
	}
	if c.cfg.ValidateOnly {
		params.Set("validate", "true")
	}

	raw, err := c.private(ctx, weightOrder, "/0/private/AddOrder", params)
	if err != nil {
		metrics.OrdersFailed.WithLabelValues(KindOf(err).String()).Inc()
		return "", err
	}
	var result struct {
		TxID []string `json:"txid"`
	}
	if err := json.Unmarshal(raw, &result); err != nil || len(result.TxID) == 0 {
		return "", NewError(KindTransient, "order placed but txid missing", err)
	}
	txid := result.TxID[0]
	if req.ClientOrderID != "" {
		c.rememberSubmitted(req.ClientOrderID, txid)
	}
	metrics.OrdersPlaced.WithLabelValues(string(req.Side), "live").Inc()
	c.logger.Info().Str("pair", req.Pair).Str("side", string(req.Side)).
		Str("kind", string(req.Kind)).Float64("qty", qty).Str("txid", txid).Msg("order placed")
	return txid, nil
}

// rememberSubmitted records a placed order for duplicate suppression,
// evicting the oldest entry once the map is full.
func (c *RESTClient) rememberSubmitted(clientID, txid string) {
	c.subMu.Lock()
	defer c.subMu.Unlock()
	if _, ok := c.submitted[clientID]; ok {
		c.submitted[clientID] = txid
		return
	}
	for len(c.subOrder) >= submittedCapacity {
		oldest := c.subOrder[0]
		c.subOrder = c.subOrder[1:]
		delete(c.submitted, oldest)
	}
	c.submitted[clientID] = txid
	c.subOrder = append(c.subOrder, clientID)
}

func orEntryPrice(price float64, req OrderRequest) float64 {
	if req.Kind == Market {
		return req.Price // caller passes a reference price for notional checks
	}
	return price
}

// CancelOrder cancels by venue order id. An already-gone order is success.
func (c *RESTClient) CancelOrder(ctx context.Context, orderID string) error {
	params := url.Values{}
	params.Set("txid", orderID)
	_, err := c.private(ctx, weightOrder, "/0/private/CancelOrder", params)
	if err != nil && KindOf(err) == KindInvalidOrder &&
		strings.Contains(strings.ToLower(err.Error()), "unknown order") {
		return nil
	}
	return err
}

// FetchOHLC pulls up to limit closed candles ending near now, chaining
// 720-bar pages from since forward.
func (c *RESTClient) FetchOHLC(ctx context.Context, pair string, timeframe int, since time.Time, limit int) ([]market.Candle, error) {
	var out []market.Candle
	cursor := since.Unix()
	for len(out) < limit {
		params := url.Values{}
		params.Set("pair", NativeSymbol(pair))
		params.Set("interval", strconv.Itoa(timeframe))
		if cursor > 0 {
			params.Set("since", strconv.FormatInt(cursor, 10))
		}
		raw, err := c.public(ctx, weightOHLC, "/0/public/OHLC", params)
		if err != nil {
			return out, err
		}
		page, last, err := parseOHLC(raw)
		if err != nil {
			return out, err
		}
		if len(page) == 0 || last <= cursor {
			break
		}
		out = append(out, page...)
		cursor = last
		if len(page) < ohlcPageSize {
			break
		}
	}
	if len(out) > limit {
		out = out[len(out)-limit:]
	}
	return out, nil
}

// parseOHLC decodes the venue's OHLC payload: a map holding one pair key of
// bar arrays plus a "last" cursor.
func parseOHLC(raw json.RawMessage) ([]market.Candle, int64, error) {
	var envelope map[string]json.RawMessage
	if err := json.Unmarshal(raw, &envelope); err != nil {
		return nil, 0, NewError(KindTransient, "malformed ohlc payload", err)
	}
	var last int64
	if lastRaw, ok := envelope["last"]; ok {
		json.Unmarshal(lastRaw, &last)
	}
	var candles []market.Candle
	for key, val := range envelope {
		if key == "last" {
			continue
		}
		var rows [][]json.Number
		if err := json.Unmarshal(val, &rows); err != nil {
			return nil, 0, NewError(KindTransient, "malformed ohlc rows", err)
		}
		for _, row := range rows {
			if len(row) < 7 {
				continue
			}
			ts, _ := row[0].Int64()
			c := market.Candle{Time: time.Unix(ts, 0).UTC()}
			c.Open, _ = row[1].Float64()
			c.High, _ = row[2].Float64()
			c.Low, _ = row[3].Float64()
			c.Close, _ = row[4].Float64()
			c.Volume, _ = row[6].Float64()
			candles = append(candles, c)
		}
	}
	return candles, last, nil
}

// OpenOrders lists the account's open orders.
func (c *RESTClient) OpenOrders(ctx context.Context) ([]Order, error) {
	raw, err := c.private(ctx, weightQuery, "/0/private/OpenOrders", nil)
	if err != nil {
		return nil, err
	}
	var result struct {
		Open map[string]orderPayload `json:"open"`
	}
	if err := json.Unmarshal(raw, &result); err != nil {
		return nil, NewError(KindTransient, "malformed open orders payload", err)
	}
	orders := make([]Order, 0, len(result.Open))
	for txid, p := range result.Open {
		orders = append(orders, p.toOrder(txid, c.symbols))
	}
	return orders, nil
}

// OrderInfo queries a single order by venue id; nil when unknown.
func (c *RESTClient) OrderInfo(ctx context.Context, orderID string) (*Order, error) {
	params := url.Values{}
	params.Set("txid", orderID)
	raw, err := c.private(ctx, weightQuery, "/0/private/QueryOrders", params)
	if err != nil {
		if KindOf(err) == KindInvalidOrder {
			return nil, nil
		}
		return nil, err
	}
	var result map[string]orderPayload
	if err := json.Unmarshal(raw, &result); err != nil {
		return nil, NewError(KindTransient, "malformed order payload", err)
	}
	p, ok := result[orderID]
	if !ok {
		return nil, nil
	}
	o := p.toOrder(orderID, c.symbols)
	return &o, nil
}

// TradeHistory pulls fills between start and end.
func (c *RESTClient) TradeHistory(ctx context.Context, start, end time.Time) ([]Fill, error) {
	params := url.Values{}
	params.Set("start", strconv.FormatInt(start.Unix(), 10))
	params.Set("end", strconv.FormatInt(end.Unix(), 10))
	raw, err := c.private(ctx, weightHistory, "/0/private/TradesHistory", params)
	if err != nil {
		return nil, err
	}
	var result struct {
		Trades map[string]struct {
			OrderTxID string      `json:"ordertxid"`
			Pair      string      `json:"pair"`
			Type      string      `json:"type"`
			Price     json.Number `json:"price"`
			Vol       json.Number `json:"vol"`
			Fee       json.Number `json:"fee"`
			Time      float64     `json:"time"`
		} `json:"trades"`
	}
	if err := json.Unmarshal(raw, &result); err != nil {
		return nil, NewError(KindTransient, "malformed trade history payload", err)
	}
	fills := make([]Fill, 0, len(result.Trades))
	for _, t := range result.Trades {
		f := Fill{
			OrderID: t.OrderTxID,
			Pair:    c.symbols.Canonical(t.Pair),
			Side:    OrderSide(t.Type),
			Time:    time.Unix(int64(t.Time), 0).UTC(),
		}
		f.Price, _ = t.Price.Float64()
		f.Quantity, _ = t.Vol.Float64()
		f.Fee, _ = t.Fee.Float64()
		fills = append(fills, f)
	}
	return fills, nil
}

// orderPayload is the venue's order shape.
type orderPayload struct {
	Status string `json:"status"`
	Descr  struct {
		Pair      string `json:"pair"`
		Type      string `json:"type"`
		OrderType string `json:"ordertype"`
		Price     string `json:"price"`
	} `json:"descr"`
	ClOrdID  string      `json:"cl_ord_id"`
	Vol      json.Number `json:"vol"`
	VolExec  json.Number `json:"vol_exec"`
	AvgPrice json.Number `json:"price"`
	Fee      json.Number `json:"fee"`
	OpenTm   float64     `json:"opentm"`
}

func (p orderPayload) toOrder(txid string, symbols *symbolMap) Order {
	o := Order{
		OrderID:       txid,
		ClientOrderID: p.ClOrdID,
		Pair:          symbols.Canonical(p.Descr.Pair),
		Side:          OrderSide(p.Descr.Type),
		Kind:          OrderKind(p.Descr.OrderType),
		CreatedAt:     time.Unix(int64(p.OpenTm), 0).UTC(),
	}
	switch p.Status {
	case "open", "pending":
		o.Status = StatusOpen
	case "closed":
		o.Status = StatusFilled
	case "canceled", "expired":
		o.Status = StatusCancelled
	default:
		o.Status = StatusRejected
	}
	o.Price, _ = strconv.ParseFloat(p.Descr.Price, 64)
	o.Quantity, _ = p.Vol.Float64()
	o.FilledQty, _ = p.VolExec.Float64()
	o.AvgFillPrice, _ = p.AvgPrice.Float64()
	o.Fee, _ = p.Fee.Float64()
	return o
}
