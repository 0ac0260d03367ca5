package exchange

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"

	"go.uber.org/zap"

	"futures-engine/pkg/cache"
)

func newTestClient(t *testing.T, handler http.Handler) (*Client, *httptest.Server) {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	budget, err := NewRateBudget(100000, 1000, nil)
	if err != nil {
		t.Fatalf("NewRateBudget: %v", err)
	}
	c := New(Config{
		APIKey:    "test-key",
		APISecret: "test-secret",
		BaseURL:   srv.URL,
	}, budget, cache.New(), zap.NewNop())
	return c, srv
}

func TestTickerServedFromCache(t *testing.T) {
	var hits atomic.Int64
	c, _ := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		w.Write([]byte(`{"symbol":"BTCUSDT","price":"65000.10","time":1700000000000}`))
	}))

	for i := 0; i < 3; i++ {
		tk, err := c.Ticker(context.Background(), "BTCUSDT")
		if err != nil {
			t.Fatalf("ticker %d: %v", i, err)
		}
		if tk.Price != 65000.10 {
			t.Fatalf("price = %v", tk.Price)
		}
	}
	if got := hits.Load(); got != 1 {
		t.Fatalf("expected exactly one upstream fetch, got %d", got)
	}

	c.cache.Invalidate("ticker:BTCUSDT")
	if _, err := c.Ticker(context.Background(), "BTCUSDT"); err != nil {
		t.Fatalf("ticker after invalidate: %v", err)
	}
	if got := hits.Load(); got != 2 {
		t.Fatalf("expected refetch after invalidation, got %d hits", got)
	}
}

func TestTransientErrorsAreRetried(t *testing.T) {
	var hits atomic.Int64
	c, _ := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if hits.Add(1) < 3 {
			w.WriteHeader(http.StatusBadGateway)
			w.Write([]byte(`{"code":-1001,"msg":"internal error"}`))
			return
		}
		w.Write([]byte(`{"serverTime":1700000000000}`))
	}))

	ts, err := c.ServerTime(context.Background())
	if err != nil {
		t.Fatalf("server time: %v", err)
	}
	if ts != 1700000000000 {
		t.Fatalf("server time = %d", ts)
	}
	if got := hits.Load(); got != 3 {
		t.Fatalf("expected 3 attempts, got %d", got)
	}
}

func TestFatalErrorsAreNotRetried(t *testing.T) {
	var hits atomic.Int64
	c, _ := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		w.WriteHeader(http.StatusBadRequest)
		w.Write([]byte(`{"code":-1111,"msg":"Precision is over the maximum defined for this asset."}`))
	}))

	_, err := c.ServerTime(context.Background())
	if err == nil {
		t.Fatalf("expected error")
	}
	if !IsInvalidParam(err) {
		t.Fatalf("expected invalid-param classification, got %v", err)
	}
	if got := hits.Load(); got != 1 {
		t.Fatalf("fatal error must not be retried, got %d attempts", got)
	}
}

func TestSignedRequestCarriesCredentials(t *testing.T) {
	var gotKey, gotSig, gotTS string
	c, _ := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotKey = r.Header.Get("X-MBX-APIKEY")
		gotSig = r.URL.Query().Get("signature")
		gotTS = r.URL.Query().Get("timestamp")
		w.Write([]byte(`[]`))
	}))

	if _, err := c.Balance(context.Background()); err != nil {
		t.Fatalf("balance: %v", err)
	}
	if gotKey != "test-key" {
		t.Fatalf("api key header = %q", gotKey)
	}
	if gotSig == "" || gotTS == "" {
		t.Fatalf("signed request missing signature (%q) or timestamp (%q)", gotSig, gotTS)
	}
}

func TestCreateOrderRoundsToFilters(t *testing.T) {
	var gotQty, gotStop string
	c, _ := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/fapi/v1/exchangeInfo":
			w.Write([]byte(`{"symbols":[{"symbol":"BTCUSDT","status":"TRADING","filters":[
				{"filterType":"PRICE_FILTER","tickSize":"0.10"},
				{"filterType":"LOT_SIZE","stepSize":"0.001","minQty":"0.001"},
				{"filterType":"MIN_NOTIONAL","notional":"100"}]}]}`))
		case "/fapi/v1/order":
			if err := r.ParseForm(); err != nil {
				t.Errorf("parse form: %v", err)
			}
			gotQty = r.PostFormValue("quantity")
			gotStop = r.PostFormValue("stopPrice")
			w.Write([]byte(`{"orderId":42,"clientOrderId":"x","status":"NEW","executedQty":"0","avgPrice":"0"}`))
		default:
			t.Errorf("unexpected path %s", r.URL.Path)
		}
	}))

	res, err := c.CreateOrder(context.Background(), OrderRequest{
		Symbol:     "BTCUSDT",
		Side:       SideSell,
		Type:       OrderTypeStopMarket,
		Qty:        0.12349,
		StopPrice:  64123.456,
		ReduceOnly: true,
	})
	if err != nil {
		t.Fatalf("create order: %v", err)
	}
	if res.OrderID != 42 {
		t.Fatalf("order id = %d", res.OrderID)
	}
	if gotQty != "0.123" {
		t.Fatalf("quantity not floored to step: %q", gotQty)
	}
	if gotStop != "64123.4" {
		t.Fatalf("stop price not floored to tick: %q", gotStop)
	}
}

func TestRoundStep(t *testing.T) {
	cases := []struct {
		v, step, want float64
	}{
		{0.12349, 0.001, 0.123},
		{100.0, 0.001, 100.0},
		{64123.456, 0.1, 64123.4},
		{5.0, 0, 5.0},
		{0.0009, 0.001, 0},
	}
	for _, tc := range cases {
		if got := RoundStep(tc.v, tc.step); got != tc.want {
			t.Fatalf("RoundStep(%v, %v) = %v, want %v", tc.v, tc.step, got, tc.want)
		}
	}
}
