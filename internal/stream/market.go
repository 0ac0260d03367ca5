package stream

import (
	"context"
	"encoding/json"
	"fmt"
	"slices"
	"strconv"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"futures-engine/internal/events"
	"futures-engine/pkg/exchange"
)

// Revalidation cadence for the subscribed symbol set, matching the lifetime
// of the cached exchange info it is checked against.
const symbolRevalidateInterval = time.Hour

type symbolLister interface {
	ExchangeInfo(ctx context.Context) (map[string]exchange.SymbolInfo, error)
}

// MarketStream holds one combined connection carrying mark-price updates for
// every subscribed symbol.
type MarketStream struct {
	cfg    Config
	client symbolLister
	bus    *events.Bus
	log    *zap.Logger
	loop   *connLoop

	mu      sync.Mutex
	symbols []string // requested
	active  []string // currently subscribed
	skipped []string
	dialU   string
}

func NewMarketStream(cfg Config, client symbolLister, bus *events.Bus, log *zap.Logger) *MarketStream {
	m := &MarketStream{cfg: cfg.withDefaults(), client: client, bus: bus, log: log}
	m.loop = &connLoop{name: "market", cfg: m.cfg, bus: bus, log: log, handle: m.handleMessage}
	m.loop.dialURL = m.dial
	return m
}

// Start validates and subscribes symbols, then runs the connection loop until
// ctx ends. Symbols beyond the subscription ceiling are skipped; callers poll
// those over REST. The symbol set is revalidated hourly and on every
// reconnect, so delisted contracts drop out of the subscription.
func (m *MarketStream) Start(ctx context.Context, symbols []string) error {
	m.mu.Lock()
	m.symbols = append([]string(nil), symbols...)
	m.mu.Unlock()

	if _, err := m.refreshSubscriptions(ctx); err != nil {
		return fmt.Errorf("validate stream symbols: %w", err)
	}
	go m.loop.run(ctx)
	go m.revalidateLoop(ctx)
	return nil
}

// Degraded reports whether the stream gave up reconnecting.
func (m *MarketStream) Degraded() bool { return m.loop.Degraded() }

// Unsubscribed lists symbols dropped at the last validation.
func (m *MarketStream) Unsubscribed() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]string(nil), m.skipped...)
}

// dial refreshes the subscription set before every (re)connect; a failed
// refresh reuses the last good URL rather than burning a reconnect attempt.
func (m *MarketStream) dial(ctx context.Context) (string, error) {
	if _, err := m.refreshSubscriptions(ctx); err != nil {
		m.log.Warn("symbol revalidation failed, keeping current subscriptions", zap.Error(err))
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.dialU, nil
}

func (m *MarketStream) revalidateLoop(ctx context.Context) {
	ticker := time.NewTicker(symbolRevalidateInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			changed, err := m.refreshSubscriptions(ctx)
			if err != nil {
				m.log.Warn("symbol revalidation failed", zap.Error(err))
				continue
			}
			if changed {
				m.log.Info("subscription set changed, recycling market connection")
				m.loop.recycle()
			}
		}
	}
}

// refreshSubscriptions revalidates the requested symbols against current
// exchange info and rebuilds the combined-stream URL. Reports whether the
// subscribed set changed.
func (m *MarketStream) refreshSubscriptions(ctx context.Context) (bool, error) {
	m.mu.Lock()
	requested := append([]string(nil), m.symbols...)
	m.mu.Unlock()

	valid, skipped, err := m.validateSymbols(ctx, requested)
	if err != nil {
		return false, err
	}
	if len(valid) == 0 {
		return false, fmt.Errorf("no valid symbols to subscribe")
	}

	streams := make([]string, 0, len(valid))
	for _, s := range valid {
		streams = append(streams, strings.ToLower(s)+"@markPrice@1s")
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	changed := !slices.Equal(valid, m.active)
	m.active = valid
	m.skipped = skipped
	m.dialU = m.cfg.wsHost() + "/stream?streams=" + strings.Join(streams, "/")
	return changed, nil
}

// validateSymbols drops unknown contracts and applies the subscription
// ceiling. Unknown symbols warn instead of failing the connection.
func (m *MarketStream) validateSymbols(ctx context.Context, symbols []string) (valid, skipped []string, err error) {
	info, err := m.client.ExchangeInfo(ctx)
	if err != nil {
		return nil, nil, err
	}
	for _, s := range symbols {
		if _, ok := info[s]; !ok {
			m.log.Warn("unknown contract symbol, not subscribing", zap.String("symbol", s))
			skipped = append(skipped, s)
			continue
		}
		if len(valid) >= m.cfg.MaxSubscriptions {
			m.log.Warn("subscription ceiling reached, symbol falls back to REST polling",
				zap.String("symbol", s))
			skipped = append(skipped, s)
			continue
		}
		valid = append(valid, s)
	}
	return valid, skipped, nil
}

// combined stream envelope: {"stream":"btcusdt@markPrice@1s","data":{...}}
type combinedMessage struct {
	Stream string          `json:"stream"`
	Data   json.RawMessage `json:"data"`
}

type markPriceUpdate struct {
	EventType string `json:"e"`
	EventTime int64  `json:"E"`
	Symbol    string `json:"s"`
	MarkPrice string `json:"p"`
}

func (m *MarketStream) handleMessage(msg []byte) {
	var env combinedMessage
	if err := json.Unmarshal(msg, &env); err != nil {
		m.log.Warn("market stream parse error", zap.Error(err))
		return
	}
	var upd markPriceUpdate
	if err := json.Unmarshal(env.Data, &upd); err != nil || upd.EventType != "markPriceUpdate" {
		return
	}
	price, err := strconv.ParseFloat(upd.MarkPrice, 64)
	if err != nil {
		m.log.Warn("market stream bad price", zap.String("symbol", upd.Symbol), zap.Error(err))
		return
	}
	m.bus.Publish(events.TopicTicker, events.TickerEvent{
		Symbol: upd.Symbol,
		Price:  price,
		Time:   time.UnixMilli(upd.EventTime),
	})
}
