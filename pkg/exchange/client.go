// Package exchange wraps the Binance USDT-M futures REST API behind typed
// calls with budget acquisition, retry with backoff, and short-TTL response
// caching.
package exchange

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"math"
	"math/rand"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"futures-engine/pkg/cache"
)

// Per-call request weights, matching the exchange's published costs.
const (
	weightOrder        = 1
	weightCancel       = 1
	weightCancelAll    = 1
	weightQueryOrder   = 1
	weightTicker       = 1
	weightMarkPrice    = 1
	weightBalance      = 5
	weightPositions    = 5
	weightKlines       = 5
	weightOpenOrders   = 40 // all-symbol query
	weightExchangeInfo = 1
	weightListenKey    = 1
	weightLeverage     = 1
)

// Response cache TTLs, per endpoint.
const (
	tickerTTL       = 5 * time.Second
	balanceTTL      = 10 * time.Second
	positionsTTL    = 5 * time.Second
	openOrdersTTL   = 5 * time.Second
	exchangeInfoTTL = time.Hour
)

// Retry policy for transient failures.
const (
	maxAttempts    = 3
	baseRetryDelay = 500 * time.Millisecond
	maxRetryDelay  = 5 * time.Second
)

// Config holds exchange credentials and endpoints.
type Config struct {
	APIKey     string
	APISecret  string
	Testnet    bool
	RecvWindow int64  // ms
	BaseURL    string // override for tests; empty selects by Testnet
}

// Client is the REST client shared by the engine, streams, and reconciler.
// It is stateless with respect to positions: it only reports observations.
type Client struct {
	cfg      Config
	baseURL  string
	http     *http.Client
	budget   *RateBudget
	cache    *cache.Cache
	timeSync *TimeSync
	log      *zap.Logger
}

func New(cfg Config, budget *RateBudget, store *cache.Cache, log *zap.Logger) *Client {
	base := cfg.BaseURL
	if base == "" {
		base = "https://fapi.binance.com"
		if cfg.Testnet {
			base = "https://testnet.binancefuture.com"
		}
	}
	if cfg.RecvWindow == 0 {
		cfg.RecvWindow = 5000
	}
	c := &Client{
		cfg:     cfg,
		baseURL: base,
		http:    &http.Client{Timeout: 10 * time.Second},
		budget:  budget,
		cache:   store,
		log:     log,
	}
	c.timeSync = NewTimeSync(c.ServerTime, log)
	return c
}

// StartTimeSync begins periodic server-time offset correction.
func (c *Client) StartTimeSync(ctx context.Context) { c.timeSync.Start(ctx) }

// ServerTime fetches the exchange server time in milliseconds.
func (c *Client) ServerTime(ctx context.Context) (int64, error) {
	body, err := c.request(ctx, http.MethodGet, "/fapi/v1/time", nil, false, 1)
	if err != nil {
		return 0, err
	}
	var out struct {
		ServerTime int64 `json:"serverTime"`
	}
	if err := json.Unmarshal(body, &out); err != nil {
		return 0, fmt.Errorf("decode server time: %w", err)
	}
	return out.ServerTime, nil
}

// Balance returns futures wallet balances, served from cache when fresh.
func (c *Client) Balance(ctx context.Context) ([]Balance, error) {
	if v, ok := c.cache.Get("balance"); ok {
		return v.([]Balance), nil
	}
	body, err := c.request(ctx, http.MethodGet, "/fapi/v2/balance", nil, true, weightBalance)
	if err != nil {
		return nil, err
	}
	var raw []struct {
		Asset            string `json:"asset"`
		Balance          string `json:"balance"`
		AvailableBalance string `json:"availableBalance"`
	}
	if err := json.Unmarshal(body, &raw); err != nil {
		return nil, fmt.Errorf("decode balance: %w", err)
	}
	out := make([]Balance, 0, len(raw))
	for _, b := range raw {
		out = append(out, Balance{Asset: b.Asset, Total: toFloat(b.Balance), Available: toFloat(b.AvailableBalance)})
	}
	c.cache.Set("balance", out, balanceTTL)
	return out, nil
}

// Positions returns the authoritative position-risk view.
func (c *Client) Positions(ctx context.Context) ([]Position, error) {
	if v, ok := c.cache.Get("positions"); ok {
		return v.([]Position), nil
	}
	body, err := c.request(ctx, http.MethodGet, "/fapi/v2/positionRisk", nil, true, weightPositions)
	if err != nil {
		return nil, err
	}
	var raw []struct {
		Symbol           string `json:"symbol"`
		PositionAmt      string `json:"positionAmt"`
		EntryPrice       string `json:"entryPrice"`
		MarkPrice        string `json:"markPrice"`
		UnRealizedProfit string `json:"unRealizedProfit"`
		Leverage         string `json:"leverage"`
	}
	if err := json.Unmarshal(body, &raw); err != nil {
		return nil, fmt.Errorf("decode positions: %w", err)
	}
	out := make([]Position, 0, len(raw))
	for _, p := range raw {
		out = append(out, Position{
			Symbol:        p.Symbol,
			Qty:           toFloat(p.PositionAmt),
			EntryPrice:    toFloat(p.EntryPrice),
			MarkPrice:     toFloat(p.MarkPrice),
			UnrealizedPnL: toFloat(p.UnRealizedProfit),
			Leverage:      int(toFloat(p.Leverage)),
		})
	}
	c.cache.Set("positions", out, positionsTTL)
	return out, nil
}

// OpenOrders lists open orders; empty symbol queries every symbol (heavier).
func (c *Client) OpenOrders(ctx context.Context, symbol string) ([]Order, error) {
	key := "openOrders:" + symbol
	if v, ok := c.cache.Get(key); ok {
		return v.([]Order), nil
	}
	params := url.Values{}
	weight := 1
	if symbol != "" {
		params.Set("symbol", symbol)
	} else {
		weight = weightOpenOrders
	}
	body, err := c.request(ctx, http.MethodGet, "/fapi/v1/openOrders", params, true, weight)
	if err != nil {
		return nil, err
	}
	orders, err := decodeOrders(body)
	if err != nil {
		return nil, err
	}
	c.cache.Set(key, orders, openOrdersTTL)
	return orders, nil
}

// GetOrder queries a single order by exchange id. Never cached: callers use
// it to confirm fills.
func (c *Client) GetOrder(ctx context.Context, symbol string, orderID int64) (Order, error) {
	params := url.Values{}
	params.Set("symbol", symbol)
	params.Set("orderId", strconv.FormatInt(orderID, 10))
	body, err := c.request(ctx, http.MethodGet, "/fapi/v1/order", params, true, weightQueryOrder)
	if err != nil {
		return Order{}, err
	}
	var raw rawOrder
	if err := json.Unmarshal(body, &raw); err != nil {
		return Order{}, fmt.Errorf("decode order: %w", err)
	}
	return raw.toOrder(), nil
}

// Ticker returns the last traded price, served from cache when fresh.
func (c *Client) Ticker(ctx context.Context, symbol string) (Ticker, error) {
	key := "ticker:" + symbol
	if v, ok := c.cache.Get(key); ok {
		return v.(Ticker), nil
	}
	params := url.Values{}
	params.Set("symbol", symbol)
	body, err := c.request(ctx, http.MethodGet, "/fapi/v1/ticker/price", params, false, weightTicker)
	if err != nil {
		return Ticker{}, err
	}
	var raw struct {
		Symbol string `json:"symbol"`
		Price  string `json:"price"`
		Time   int64  `json:"time"`
	}
	if err := json.Unmarshal(body, &raw); err != nil {
		return Ticker{}, fmt.Errorf("decode ticker: %w", err)
	}
	t := Ticker{Symbol: raw.Symbol, Price: toFloat(raw.Price), Time: time.UnixMilli(raw.Time)}
	c.cache.Set(key, t, tickerTTL)
	return t, nil
}

// MarkPrice returns the current mark price. Deliberately uncached: the stop
// placement protocol re-reads it between retries.
func (c *Client) MarkPrice(ctx context.Context, symbol string) (float64, error) {
	params := url.Values{}
	params.Set("symbol", symbol)
	body, err := c.request(ctx, http.MethodGet, "/fapi/v1/premiumIndex", params, false, weightMarkPrice)
	if err != nil {
		return 0, err
	}
	var raw struct {
		MarkPrice string `json:"markPrice"`
	}
	if err := json.Unmarshal(body, &raw); err != nil {
		return 0, fmt.Errorf("decode mark price: %w", err)
	}
	return toFloat(raw.MarkPrice), nil
}

// Klines fetches OHLCV candles.
func (c *Client) Klines(ctx context.Context, symbol, interval string, limit int) ([]Kline, error) {
	params := url.Values{}
	params.Set("symbol", symbol)
	params.Set("interval", interval)
	if limit > 0 {
		params.Set("limit", strconv.Itoa(limit))
	}
	body, err := c.request(ctx, http.MethodGet, "/fapi/v1/klines", params, false, weightKlines)
	if err != nil {
		return nil, err
	}
	var rows [][]any
	if err := json.Unmarshal(body, &rows); err != nil {
		return nil, fmt.Errorf("decode klines: %w", err)
	}
	out := make([]Kline, 0, len(rows))
	for _, r := range rows {
		if len(r) < 7 {
			continue
		}
		out = append(out, Kline{
			OpenTime:  toInt64(r[0]),
			Open:      toFloat(r[1]),
			High:      toFloat(r[2]),
			Low:       toFloat(r[3]),
			Close:     toFloat(r[4]),
			Volume:    toFloat(r[5]),
			CloseTime: toInt64(r[6]),
		})
	}
	return out, nil
}

// ExchangeInfo returns contract filters per symbol, cached for an hour.
func (c *Client) ExchangeInfo(ctx context.Context) (map[string]SymbolInfo, error) {
	if v, ok := c.cache.Get("exchangeInfo"); ok {
		return v.(map[string]SymbolInfo), nil
	}
	body, err := c.request(ctx, http.MethodGet, "/fapi/v1/exchangeInfo", nil, false, weightExchangeInfo)
	if err != nil {
		return nil, err
	}
	var raw struct {
		Symbols []struct {
			Symbol  string `json:"symbol"`
			Status  string `json:"status"`
			Filters []struct {
				FilterType string `json:"filterType"`
				TickSize   string `json:"tickSize"`
				StepSize   string `json:"stepSize"`
				MinQty     string `json:"minQty"`
				Notional   string `json:"notional"`
			} `json:"filters"`
		} `json:"symbols"`
	}
	if err := json.Unmarshal(body, &raw); err != nil {
		return nil, fmt.Errorf("decode exchange info: %w", err)
	}
	out := make(map[string]SymbolInfo, len(raw.Symbols))
	for _, s := range raw.Symbols {
		if s.Status != "TRADING" {
			continue
		}
		info := SymbolInfo{Symbol: s.Symbol}
		for _, f := range s.Filters {
			switch f.FilterType {
			case "PRICE_FILTER":
				info.TickSize = toFloat(f.TickSize)
			case "LOT_SIZE":
				info.StepSize = toFloat(f.StepSize)
				info.MinQty = toFloat(f.MinQty)
			case "MIN_NOTIONAL":
				info.MinNotional = toFloat(f.Notional)
			}
		}
		out[s.Symbol] = info
	}
	c.cache.Set("exchangeInfo", out, exchangeInfoTTL)
	return out, nil
}

// SymbolInfo returns filters for one symbol.
func (c *Client) SymbolInfo(ctx context.Context, symbol string) (SymbolInfo, error) {
	info, err := c.ExchangeInfo(ctx)
	if err != nil {
		return SymbolInfo{}, err
	}
	si, ok := info[symbol]
	if !ok {
		return SymbolInfo{}, fmt.Errorf("unknown symbol %s", symbol)
	}
	return si, nil
}

// CreateOrder submits an order. Quantity and prices are rounded to the
// symbol's filters before submission. A client order id is always attached so
// transient retries cannot duplicate the order on the exchange.
func (c *Client) CreateOrder(ctx context.Context, req OrderRequest) (OrderResult, error) {
	info, err := c.SymbolInfo(ctx, req.Symbol)
	if err != nil {
		return OrderResult{}, err
	}
	if req.ClientOrderID == "" {
		req.ClientOrderID = "eng-" + uuid.NewString()[:18]
	}

	params := url.Values{}
	params.Set("symbol", req.Symbol)
	params.Set("side", string(req.Side))
	params.Set("type", string(req.Type))
	params.Set("quantity", formatFloat(RoundStep(req.Qty, info.StepSize)))
	params.Set("newClientOrderId", req.ClientOrderID)
	params.Set("newOrderRespType", "RESULT")
	if req.Type == OrderTypeLimit {
		params.Set("price", formatFloat(RoundStep(req.Price, info.TickSize)))
		tif := req.TimeInForce
		if tif == "" {
			tif = "GTC"
		}
		params.Set("timeInForce", tif)
	}
	if req.Type == OrderTypeStopMarket || req.Type == OrderTypeTakeProfit {
		params.Set("stopPrice", formatFloat(RoundStep(req.StopPrice, info.TickSize)))
		wt := req.WorkingType
		if wt == "" {
			wt = WorkingMarkPrice
		}
		params.Set("workingType", string(wt))
	}
	if req.ReduceOnly {
		params.Set("reduceOnly", "true")
	}

	body, err := c.request(ctx, http.MethodPost, "/fapi/v1/order", params, true, weightOrder)
	if err != nil {
		return OrderResult{}, err
	}
	c.invalidateOrderState()

	var raw rawOrder
	if err := json.Unmarshal(body, &raw); err != nil {
		return OrderResult{}, fmt.Errorf("decode order ack: %w", err)
	}
	return OrderResult{
		OrderID:       raw.OrderID,
		ClientOrderID: raw.ClientOrderID,
		Status:        OrderStatus(raw.Status),
		ExecutedQty:   toFloat(raw.ExecutedQty),
		AvgPrice:      toFloat(raw.AvgPrice),
	}, nil
}

// CancelOrder cancels one order by exchange id.
func (c *Client) CancelOrder(ctx context.Context, symbol string, orderID int64) error {
	params := url.Values{}
	params.Set("symbol", symbol)
	params.Set("orderId", strconv.FormatInt(orderID, 10))
	_, err := c.request(ctx, http.MethodDelete, "/fapi/v1/order", params, true, weightCancel)
	if err == nil {
		c.invalidateOrderState()
	}
	return err
}

// CancelAllOrders cancels every open order for a symbol.
func (c *Client) CancelAllOrders(ctx context.Context, symbol string) error {
	params := url.Values{}
	params.Set("symbol", symbol)
	_, err := c.request(ctx, http.MethodDelete, "/fapi/v1/allOpenOrders", params, true, weightCancelAll)
	if err == nil {
		c.invalidateOrderState()
	}
	return err
}

// SetLeverage sets initial leverage for a symbol.
func (c *Client) SetLeverage(ctx context.Context, symbol string, leverage int) error {
	params := url.Values{}
	params.Set("symbol", symbol)
	params.Set("leverage", strconv.Itoa(leverage))
	_, err := c.request(ctx, http.MethodPost, "/fapi/v1/leverage", params, true, weightLeverage)
	return err
}

// CreateListenKey opens a user-data stream subscription.
func (c *Client) CreateListenKey(ctx context.Context) (string, error) {
	body, err := c.request(ctx, http.MethodPost, "/fapi/v1/listenKey", nil, false, weightListenKey)
	if err != nil {
		return "", err
	}
	var out struct {
		ListenKey string `json:"listenKey"`
	}
	if err := json.Unmarshal(body, &out); err != nil {
		return "", fmt.Errorf("decode listen key: %w", err)
	}
	return out.ListenKey, nil
}

// KeepAliveListenKey extends the listen key's life.
func (c *Client) KeepAliveListenKey(ctx context.Context, listenKey string) error {
	params := url.Values{}
	params.Set("listenKey", listenKey)
	_, err := c.request(ctx, http.MethodPut, "/fapi/v1/listenKey", params, false, weightListenKey)
	return err
}

// CloseListenKey closes the user-data stream subscription.
func (c *Client) CloseListenKey(ctx context.Context, listenKey string) error {
	params := url.Values{}
	params.Set("listenKey", listenKey)
	_, err := c.request(ctx, http.MethodDelete, "/fapi/v1/listenKey", params, false, weightListenKey)
	return err
}

// invalidateOrderState drops cached reads made stale by an order mutation.
func (c *Client) invalidateOrderState() {
	c.cache.InvalidatePrefix("openOrders:")
	c.cache.Invalidate("positions")
	c.cache.Invalidate("balance")
}

// request acquires budget, performs the call, and retries transient failures
// with exponential backoff. The final failure is always surfaced.
func (c *Client) request(ctx context.Context, method, path string, params url.Values, signed bool, weight int) ([]byte, error) {
	var lastErr error
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		if err := c.budget.Acquire(ctx, weight); err != nil {
			return nil, err
		}
		start := time.Now()
		body, err := c.doOnce(ctx, method, path, params, signed)
		c.budget.Observe(time.Since(start), err == nil)
		if err == nil {
			return body, nil
		}
		lastErr = err
		if !IsTransient(err) || attempt == maxAttempts {
			return nil, err
		}
		delay := retryDelay(attempt)
		c.log.Warn("exchange call failed, retrying",
			zap.String("method", method),
			zap.String("path", path),
			zap.Int("attempt", attempt),
			zap.Duration("delay", delay),
			zap.Error(err))
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(delay):
		}
	}
	return nil, lastErr
}

func (c *Client) doOnce(ctx context.Context, method, path string, params url.Values, signed bool) ([]byte, error) {
	if params == nil {
		params = url.Values{}
	}
	if signed {
		params.Set("timestamp", strconv.FormatInt(c.timeSync.Now(), 10))
		params.Set("recvWindow", strconv.FormatInt(c.cfg.RecvWindow, 10))
		params.Set("signature", c.sign(params.Encode()))
	}
	encoded := params.Encode()

	var (
		req *http.Request
		err error
	)
	switch method {
	case http.MethodGet, http.MethodDelete:
		u := c.baseURL + path
		if encoded != "" {
			u += "?" + encoded
		}
		req, err = http.NewRequestWithContext(ctx, method, u, nil)
	default:
		req, err = http.NewRequestWithContext(ctx, method, c.baseURL+path, strings.NewReader(encoded))
		if err == nil {
			req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
		}
	}
	if err != nil {
		return nil, err
	}
	if c.cfg.APIKey != "" {
		req.Header.Set("X-MBX-APIKEY", c.cfg.APIKey)
	}

	res, err := c.http.Do(req)
	if err != nil {
		return nil, err
	}
	defer res.Body.Close()

	body, err := io.ReadAll(res.Body)
	if err != nil {
		return nil, err
	}
	if res.StatusCode >= 300 {
		apiErr := &APIError{Status: res.StatusCode, Msg: string(body)}
		var parsed struct {
			Code int    `json:"code"`
			Msg  string `json:"msg"`
		}
		if json.Unmarshal(body, &parsed) == nil && parsed.Code != 0 {
			apiErr.Code = parsed.Code
			apiErr.Msg = parsed.Msg
		}
		return nil, apiErr
	}
	return body, nil
}

func (c *Client) sign(query string) string {
	mac := hmac.New(sha256.New, []byte(c.cfg.APISecret))
	mac.Write([]byte(query))
	return hex.EncodeToString(mac.Sum(nil))
}

// retryDelay is exponential backoff with jitter, capped.
func retryDelay(attempt int) time.Duration {
	delay := baseRetryDelay * time.Duration(1<<uint(attempt-1))
	if delay > maxRetryDelay {
		delay = maxRetryDelay
	}
	jitter := time.Duration(rand.Int63n(int64(delay) / 4))
	return delay + jitter
}

// RoundStep floors v to the nearest multiple of step. Step zero leaves v
// untouched (filters missing in tests).
func RoundStep(v, step float64) float64 {
	if step <= 0 {
		return v
	}
	steps := math.Floor(v/step + 1e-9)
	rounded := steps * step
	// Kill float residue such as 0.010000000000000002.
	prec := int(math.Round(-math.Log10(step)))
	if prec > 0 && prec < 15 {
		shift := math.Pow(10, float64(prec))
		rounded = math.Round(rounded*shift) / shift
	}
	return rounded
}

func formatFloat(v float64) string {
	return strconv.FormatFloat(v, 'f', -1, 64)
}

type rawOrder struct {
	OrderID       int64  `json:"orderId"`
	ClientOrderID string `json:"clientOrderId"`
	Symbol        string `json:"symbol"`
	Side          string `json:"side"`
	Type          string `json:"type"`
	Status        string `json:"status"`
	Price         string `json:"price"`
	StopPrice     string `json:"stopPrice"`
	OrigQty       string `json:"origQty"`
	ExecutedQty   string `json:"executedQty"`
	AvgPrice      string `json:"avgPrice"`
	ReduceOnly    bool   `json:"reduceOnly"`
	UpdateTime    int64  `json:"updateTime"`
}

func (r rawOrder) toOrder() Order {
	return Order{
		OrderID:       r.OrderID,
		ClientOrderID: r.ClientOrderID,
		Symbol:        r.Symbol,
		Side:          Side(r.Side),
		Type:          OrderType(r.Type),
		Status:        OrderStatus(r.Status),
		Price:         toFloat(r.Price),
		StopPrice:     toFloat(r.StopPrice),
		OrigQty:       toFloat(r.OrigQty),
		ExecutedQty:   toFloat(r.ExecutedQty),
		AvgPrice:      toFloat(r.AvgPrice),
		ReduceOnly:    r.ReduceOnly,
		UpdateTime:    time.UnixMilli(r.UpdateTime),
	}
}

func decodeOrders(body []byte) ([]Order, error) {
	var raw []rawOrder
	if err := json.Unmarshal(body, &raw); err != nil {
		return nil, fmt.Errorf("decode orders: %w", err)
	}
	out := make([]Order, 0, len(raw))
	for _, r := range raw {
		out = append(out, r.toOrder())
	}
	return out, nil
}

func toFloat(v any) float64 {
	switch x := v.(type) {
	case string:
		f, _ := strconv.ParseFloat(x, 64)
		return f
	case float64:
		return x
	case json.Number:
		f, _ := x.Float64()
		return f
	}
	return 0
}

func toInt64(v any) int64 {
	switch x := v.(type) {
	case float64:
		return int64(x)
	case string:
		i, _ := strconv.ParseInt(x, 10, 64)
		return i
	case json.Number:
		i, _ := x.Int64()
		return i
	}
	return 0
}
