package stream

import (
	"context"
	"encoding/json"
	"strconv"
	"sync"
	"time"

	"go.uber.org/zap"

	"futures-engine/internal/events"
)

const listenKeyKeepAlive = 30 * time.Minute

type listenKeyClient interface {
	CreateListenKey(ctx context.Context) (string, error)
	KeepAliveListenKey(ctx context.Context, listenKey string) error
	CloseListenKey(ctx context.Context, listenKey string) error
}

// UserStream carries order and account push events, keyed by a listen key
// that silently expires unless renewed.
type UserStream struct {
	cfg    Config
	client listenKeyClient
	bus    *events.Bus
	log    *zap.Logger
	loop   *connLoop

	// The key is written by the conn-loop goroutine on every (re)connect and
	// read by keepAlive and Close; mu covers all of them.
	mu        sync.Mutex
	listenKey string
}

func NewUserStream(cfg Config, client listenKeyClient, bus *events.Bus, log *zap.Logger) *UserStream {
	u := &UserStream{cfg: cfg.withDefaults(), client: client, bus: bus, log: log}
	u.loop = &connLoop{name: "user", cfg: u.cfg, bus: bus, log: log, handle: u.handleMessage}
	// A fresh listen key per (re)connect: the old one may have expired with
	// the connection. Release the stale one first, best effort.
	u.loop.dialURL = func(ctx context.Context) (string, error) {
		if stale := u.currentListenKey(); stale != "" {
			if err := client.CloseListenKey(ctx, stale); err != nil {
				u.log.Debug("close stale listen key", zap.Error(err))
			}
		}
		key, err := client.CreateListenKey(ctx)
		if err != nil {
			return "", err
		}
		u.setListenKey(key)
		return u.cfg.wsHost() + "/ws/" + key, nil
	}
	return u
}

func (u *UserStream) currentListenKey() string {
	u.mu.Lock()
	defer u.mu.Unlock()
	return u.listenKey
}

func (u *UserStream) setListenKey(key string) {
	u.mu.Lock()
	u.listenKey = key
	u.mu.Unlock()
}

// Start runs the connection loop and the keepalive ticker until ctx ends.
func (u *UserStream) Start(ctx context.Context) {
	go u.loop.run(ctx)
	go u.keepAlive(ctx)
}

// Degraded reports whether the stream gave up reconnecting.
func (u *UserStream) Degraded() bool { return u.loop.Degraded() }

// Close releases the listen key. Called during shutdown.
func (u *UserStream) Close(ctx context.Context) {
	key := u.currentListenKey()
	if key == "" {
		return
	}
	u.setListenKey("")
	if err := u.client.CloseListenKey(ctx, key); err != nil {
		u.log.Warn("close listen key", zap.Error(err))
	}
}

func (u *UserStream) keepAlive(ctx context.Context) {
	ticker := time.NewTicker(listenKeyKeepAlive)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			key := u.currentListenKey()
			if key == "" {
				continue
			}
			if err := u.client.KeepAliveListenKey(ctx, key); err != nil {
				u.log.Warn("listen key keepalive failed", zap.Error(err))
			}
		}
	}
}

// The event type field may arrive as a non-string payload on some frames, so
// decode to RawMessage first and inspect.
func (u *UserStream) handleMessage(msg []byte) {
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(msg, &raw); err != nil {
		u.log.Warn("user stream parse error", zap.Error(err))
		return
	}
	v, ok := raw["e"]
	if !ok {
		return
	}
	var eventType string
	if err := json.Unmarshal(v, &eventType); err != nil {
		return
	}

	switch eventType {
	case "ORDER_TRADE_UPDATE":
		u.handleOrderTradeUpdate(msg)
	case "ACCOUNT_UPDATE":
		u.handleAccountUpdate(msg)
	case "listenKeyExpired":
		u.log.Warn("listen key expired, connection will recycle")
	}
}

func (u *UserStream) handleOrderTradeUpdate(msg []byte) {
	var wrap struct {
		EventTime int64 `json:"E"`
		Order     struct {
			Symbol        string `json:"s"`
			ClientOrderID string `json:"c"`
			Side          string `json:"S"`
			Type          string `json:"o"`
			Status        string `json:"X"`
			OrderID       int64  `json:"i"`
			FilledQty     string `json:"z"`
			AvgPrice      string `json:"ap"`
			ReduceOnly    bool   `json:"R"`
		} `json:"o"`
	}
	if err := json.Unmarshal(msg, &wrap); err != nil {
		u.log.Warn("order update parse error", zap.Error(err))
		return
	}
	o := wrap.Order
	filled, _ := strconv.ParseFloat(o.FilledQty, 64)
	avg, _ := strconv.ParseFloat(o.AvgPrice, 64)
	u.bus.Publish(events.TopicOrderUpdate, events.OrderUpdateEvent{
		Symbol:        o.Symbol,
		OrderID:       o.OrderID,
		ClientOrderID: o.ClientOrderID,
		Side:          o.Side,
		Type:          o.Type,
		Status:        o.Status,
		AvgPrice:      avg,
		FilledQty:     filled,
		ReduceOnly:    o.ReduceOnly,
		EventTime:     time.UnixMilli(wrap.EventTime),
	})
}

func (u *UserStream) handleAccountUpdate(msg []byte) {
	var wrap struct {
		EventTime int64 `json:"E"`
		Data      struct {
			Positions []struct {
				Symbol     string `json:"s"`
				Qty        string `json:"pa"`
				EntryPrice string `json:"ep"`
			} `json:"P"`
		} `json:"a"`
	}
	if err := json.Unmarshal(msg, &wrap); err != nil {
		u.log.Warn("account update parse error", zap.Error(err))
		return
	}
	ev := events.AccountUpdateEvent{EventTime: time.UnixMilli(wrap.EventTime)}
	for _, p := range wrap.Data.Positions {
		qty, _ := strconv.ParseFloat(p.Qty, 64)
		entry, _ := strconv.ParseFloat(p.EntryPrice, 64)
		ev.Positions = append(ev.Positions, events.AccountPosition{
			Symbol: p.Symbol, Qty: qty, EntryPrice: entry,
		})
	}
	u.bus.Publish(events.TopicAccountUpdate, ev)
}
