// Package stream maintains the market-data and user-data websocket
// connections, with staleness detection, bounded reconnect, and degraded
// fallback when the exchange stays unreachable.
package stream

import (
	"context"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"futures-engine/internal/events"
)

// Config carries connection behaviour shared by both streams.
type Config struct {
	Testnet          bool
	WSBaseURL        string // override for tests; empty selects by Testnet
	MaxSubscriptions int
	Staleness        time.Duration
	ReconnectBase    time.Duration
	ReconnectCap     time.Duration
	MaxReconnects    int
}

func (c Config) withDefaults() Config {
	if c.MaxSubscriptions <= 0 {
		c.MaxSubscriptions = 200
	}
	if c.Staleness <= 0 {
		c.Staleness = 60 * time.Second
	}
	if c.ReconnectBase <= 0 {
		c.ReconnectBase = time.Second
	}
	if c.ReconnectCap <= 0 {
		c.ReconnectCap = 60 * time.Second
	}
	if c.MaxReconnects <= 0 {
		c.MaxReconnects = 10
	}
	return c
}

func (c Config) wsHost() string {
	if c.WSBaseURL != "" {
		return c.WSBaseURL
	}
	if c.Testnet {
		return "wss://stream.binancefuture.com"
	}
	return "wss://fstream.binance.com"
}

// connLoop drives one named connection: dial, pump messages with a staleness
// deadline, reconnect with capped backoff, and give up into degraded mode
// after MaxReconnects consecutive failures.
type connLoop struct {
	name     string
	cfg      Config
	dialURL  func(ctx context.Context) (string, error)
	handle   func(msg []byte)
	bus      *events.Bus
	log      *zap.Logger
	degraded atomic.Bool

	mu      sync.Mutex
	current *websocket.Conn
}

// Degraded reports whether the loop has given up reconnecting. Callers fall
// back to REST polling while this is true.
func (c *connLoop) Degraded() bool { return c.degraded.Load() }

// recycle tears down the live connection so the loop redials, picking up a
// fresh URL from dialURL. A no-op while disconnected.
func (c *connLoop) recycle() {
	c.mu.Lock()
	conn := c.current
	c.mu.Unlock()
	if conn != nil {
		conn.Close()
	}
}

func (c *connLoop) run(ctx context.Context) {
	attempt := 0
	for {
		if ctx.Err() != nil {
			return
		}
		if attempt > c.cfg.MaxReconnects {
			c.degraded.Store(true)
			c.log.Error("stream exhausted reconnects, degrading to REST-only",
				zap.String("stream", c.name), zap.Int("attempts", attempt))
			c.bus.Publish(events.TopicStreamDegraded, events.StreamEvent{Stream: c.name, Attempt: attempt})
			return
		}
		if attempt > 0 {
			delay := backoffDelay(attempt, c.cfg.ReconnectBase, c.cfg.ReconnectCap)
			c.log.Warn("stream reconnecting",
				zap.String("stream", c.name), zap.Int("attempt", attempt), zap.Duration("delay", delay))
			c.bus.Publish(events.TopicStreamReconnect, events.StreamEvent{Stream: c.name, Attempt: attempt})
			select {
			case <-ctx.Done():
				return
			case <-time.After(delay):
			}
		}

		err := c.connectOnce(ctx)
		if ctx.Err() != nil {
			return
		}
		if err != nil {
			c.log.Warn("stream connection failed",
				zap.String("stream", c.name), zap.Error(err))
			attempt++
			continue
		}
		// connectOnce returned after a healthy session; start backoff fresh.
		attempt = 1
	}
}

// connectOnce dials and pumps until the connection dies. A nil return means
// the session was healthy long enough to reset the backoff.
func (c *connLoop) connectOnce(ctx context.Context) error {
	u, err := c.dialURL(ctx)
	if err != nil {
		return err
	}
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, u, nil)
	if err != nil {
		return err
	}
	c.mu.Lock()
	c.current = conn
	c.mu.Unlock()
	defer func() {
		c.mu.Lock()
		c.current = nil
		c.mu.Unlock()
		conn.Close()
	}()

	c.log.Info("stream connected", zap.String("stream", c.name))

	// Close the socket when ctx ends so ReadMessage unblocks.
	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-ctx.Done():
			conn.WriteMessage(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
			conn.Close()
		case <-done:
		}
	}()

	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(c.cfg.Staleness))
	})

	healthy := false
	for {
		// No message inside the staleness window means the connection is
		// presumed dead and torn down.
		if err := conn.SetReadDeadline(time.Now().Add(c.cfg.Staleness)); err != nil {
			return err
		}
		_, msg, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) ||
				strings.Contains(err.Error(), "use of closed network connection") {
				if healthy {
					return nil
				}
				return err
			}
			c.log.Warn("stream read error", zap.String("stream", c.name), zap.Error(err))
			if healthy {
				return nil
			}
			return err
		}
		healthy = true
		c.dispatch(msg)
	}
}

// dispatch runs the handler with a per-message recover so one malformed
// payload cannot kill the connection loop.
func (c *connLoop) dispatch(msg []byte) {
	defer func() {
		if r := recover(); r != nil {
			c.log.Error("stream handler panicked",
				zap.String("stream", c.name), zap.Any("panic", r))
		}
	}()
	c.handle(msg)
}

// backoffDelay is base*2^(attempt-1), capped.
func backoffDelay(attempt int, base, cap time.Duration) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	d := base
	for i := 1; i < attempt; i++ {
		d *= 2
		if d >= cap {
			return cap
		}
	}
	if d > cap {
		return cap
	}
	return d
}
