package api

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"go.uber.org/zap"

	"futures-engine/internal/ledger"
	"futures-engine/pkg/exchange"
	"futures-engine/pkg/store"
)

type fakeEngine struct {
	positions []ledger.Position
	opened    []string
	closed    []string
	openErr   error
}

func (f *fakeEngine) Positions() []ledger.Position { return f.positions }
func (f *fakeEngine) OpenCount() int               { return len(f.positions) }

func (f *fakeEngine) OpenPosition(_ context.Context, symbol string, _ exchange.Side, _ float64) error {
	if f.openErr != nil {
		return f.openErr
	}
	f.opened = append(f.opened, symbol)
	return nil
}

func (f *fakeEngine) Close(_ context.Context, symbol, _ string) error {
	f.closed = append(f.closed, symbol)
	return nil
}

type fakeFlags struct {
	flag    store.EmergencyFlag
	cleared bool
}

func (f *fakeFlags) GetEmergencyFlag(context.Context) (store.EmergencyFlag, error) {
	return f.flag, nil
}

func (f *fakeFlags) ClearEmergencyFlag(context.Context) error {
	f.cleared = true
	f.flag = store.EmergencyFlag{}
	return nil
}

type fakeJournal struct{}

func (fakeJournal) RecentOrders(context.Context, int) ([]store.OrderRecord, error) {
	return []store.OrderRecord{{OrderID: 1, Symbol: "BTCUSDT", Purpose: "ENTRY"}}, nil
}

type healthyStream struct{}

func (healthyStream) Degraded() bool { return false }

func newTestServer(t *testing.T, eng *fakeEngine, flags *fakeFlags) *Server {
	t.Helper()
	budget, err := exchange.NewRateBudget(2400, 40, nil)
	if err != nil {
		t.Fatalf("budget: %v", err)
	}
	return NewServer(eng, flags, fakeJournal{}, budget, healthyStream{}, healthyStream{},
		http.NotFoundHandler(), zap.NewNop())
}

func doRequest(s *Server, method, path string) *httptest.ResponseRecorder {
	w := httptest.NewRecorder()
	req := httptest.NewRequest(method, path, nil)
	s.Router.ServeHTTP(w, req)
	return w
}

func TestHealth(t *testing.T) {
	s := newTestServer(t, &fakeEngine{}, &fakeFlags{})
	w := doRequest(s, http.MethodGet, "/health")
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d", w.Code)
	}
}

func TestStatusReportsBudgetAndFlag(t *testing.T) {
	s := newTestServer(t, &fakeEngine{}, &fakeFlags{flag: store.EmergencyFlag{Active: true}})
	w := doRequest(s, http.MethodGet, "/api/status")
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d", w.Code)
	}
	var body struct {
		OpenPositions int  `json:"open_positions"`
		EmergencyFlag bool `json:"emergency_flag"`
		RateBudget    struct {
			WeightCap int `json:"weight_cap"`
		} `json:"rate_budget"`
	}
	if err := json.Unmarshal(w.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if !body.EmergencyFlag || body.RateBudget.WeightCap != 2400 {
		t.Fatalf("body = %+v", body)
	}
}

func TestPositionsListsLedger(t *testing.T) {
	eng := &fakeEngine{positions: []ledger.Position{{
		Symbol: "BTCUSDT", Side: exchange.SideBuy, Qty: 0.5,
		EntryPrice: 64000, State: ledger.StateProtected,
		Stop: ledger.ProtectiveOrder{OrderID: 9, StopPrice: 63360},
	}}}
	s := newTestServer(t, eng, &fakeFlags{})

	w := doRequest(s, http.MethodGet, "/api/positions")
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d", w.Code)
	}
	var body struct {
		Positions []struct {
			Symbol    string  `json:"symbol"`
			StopPrice float64 `json:"stop_price"`
		} `json:"positions"`
	}
	if err := json.Unmarshal(w.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(body.Positions) != 1 || body.Positions[0].Symbol != "BTCUSDT" || body.Positions[0].StopPrice != 63360 {
		t.Fatalf("body = %+v", body)
	}
}

func TestOpenPositionIntent(t *testing.T) {
	eng := &fakeEngine{}
	s := newTestServer(t, eng, &fakeFlags{})

	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/api/positions",
		strings.NewReader(`{"symbol":"BTCUSDT","side":"BUY","qty":0.5}`))
	req.Header.Set("Content-Type", "application/json")
	s.Router.ServeHTTP(w, req)

	if w.Code != http.StatusCreated {
		t.Fatalf("status = %d, body = %s", w.Code, w.Body.String())
	}
	if len(eng.opened) != 1 || eng.opened[0] != "BTCUSDT" {
		t.Fatalf("opened = %v", eng.opened)
	}
}

func TestOpenPositionRejectsBadIntent(t *testing.T) {
	eng := &fakeEngine{}
	s := newTestServer(t, eng, &fakeFlags{})

	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/api/positions",
		strings.NewReader(`{"symbol":"BTCUSDT","side":"HOLD","qty":-1}`))
	req.Header.Set("Content-Type", "application/json")
	s.Router.ServeHTTP(w, req)

	if w.Code != http.StatusBadRequest {
		t.Fatalf("status = %d", w.Code)
	}
	if len(eng.opened) != 0 {
		t.Fatalf("invalid intent must not reach the engine")
	}
}

func TestClearEmergencyFlag(t *testing.T) {
	flags := &fakeFlags{flag: store.EmergencyFlag{Active: true, Reason: "emergency shutdown"}}
	s := newTestServer(t, &fakeEngine{}, flags)

	w := doRequest(s, http.MethodDelete, "/api/emergency-flag")
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d", w.Code)
	}
	if !flags.cleared {
		t.Fatalf("flag not cleared")
	}

	w = doRequest(s, http.MethodGet, "/api/emergency-flag")
	var body struct {
		Active bool `json:"active"`
	}
	if err := json.Unmarshal(w.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if body.Active {
		t.Fatalf("flag still active after clear")
	}
}
