package cache

import (
	"testing"
	"time"
)

func TestGetRespectsTTL(t *testing.T) {
	now := time.Unix(1700000000, 0)
	c := New()
	c.now = func() time.Time { return now }

	c.Set("ticker:BTCUSDT", 50000.0, 5*time.Second)

	if v, ok := c.Get("ticker:BTCUSDT"); !ok || v.(float64) != 50000.0 {
		t.Fatalf("fresh read failed: v=%v ok=%v", v, ok)
	}

	now = now.Add(4999 * time.Millisecond)
	if _, ok := c.Get("ticker:BTCUSDT"); !ok {
		t.Fatalf("read just inside TTL should hit")
	}

	now = now.Add(time.Millisecond)
	if _, ok := c.Get("ticker:BTCUSDT"); ok {
		t.Fatalf("read at TTL must be treated as absent")
	}
	// Expired entry is removed, not served on a later read either.
	if _, ok := c.Get("ticker:BTCUSDT"); ok {
		t.Fatalf("expired entry resurfaced")
	}
}

func TestInvalidatePrefix(t *testing.T) {
	c := New()
	c.Set("openOrders:BTCUSDT", 1, time.Minute)
	c.Set("openOrders:ETHUSDT", 2, time.Minute)
	c.Set("positions", 3, time.Minute)

	c.InvalidatePrefix("openOrders:")

	if _, ok := c.Get("openOrders:BTCUSDT"); ok {
		t.Fatalf("openOrders:BTCUSDT survived prefix invalidation")
	}
	if _, ok := c.Get("openOrders:ETHUSDT"); ok {
		t.Fatalf("openOrders:ETHUSDT survived prefix invalidation")
	}
	if _, ok := c.Get("positions"); !ok {
		t.Fatalf("unrelated key was invalidated")
	}
}

func TestSetZeroTTLIsNoop(t *testing.T) {
	c := New()
	c.Set("balance", 100.0, 0)
	if _, ok := c.Get("balance"); ok {
		t.Fatalf("zero TTL entry should never be cached")
	}
}
