package engine

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"go.uber.org/zap"

	"futures-engine/internal/events"
	"futures-engine/internal/ledger"
	"futures-engine/pkg/config"
	"futures-engine/pkg/exchange"
	"futures-engine/pkg/store"
)

// fakeExchange scripts exchange behaviour per test.
type fakeExchange struct {
	mu     sync.Mutex
	nextID int64

	mark    float64
	markErr error

	createHook func(req exchange.OrderRequest) error
	created    []exchange.OrderRequest

	getOrders map[int64]exchange.Order

	openOrders   []exchange.Order
	cancelled    []int64
	cancelledAll []string
	leverage     map[string]int
}

func newFakeExchange() *fakeExchange {
	return &fakeExchange{mark: 100, leverage: make(map[string]int), getOrders: make(map[int64]exchange.Order)}
}

func (f *fakeExchange) Positions(context.Context) ([]exchange.Position, error) { return nil, nil }

func (f *fakeExchange) OpenOrders(context.Context, string) ([]exchange.Order, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]exchange.Order(nil), f.openOrders...), nil
}

func (f *fakeExchange) GetOrder(_ context.Context, _ string, orderID int64) (exchange.Order, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if o, ok := f.getOrders[orderID]; ok {
		return o, nil
	}
	return exchange.Order{OrderID: orderID, Status: exchange.StatusNew}, nil
}

func (f *fakeExchange) MarkPrice(context.Context, string) (float64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.mark, f.markErr
}

func (f *fakeExchange) CreateOrder(_ context.Context, req exchange.OrderRequest) (exchange.OrderResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.createHook != nil {
		if err := f.createHook(req); err != nil {
			return exchange.OrderResult{}, err
		}
	}
	f.nextID++
	f.created = append(f.created, req)
	res := exchange.OrderResult{OrderID: f.nextID, ClientOrderID: req.ClientOrderID, Status: exchange.StatusNew}
	if req.Type == exchange.OrderTypeMarket {
		res.Status = exchange.StatusFilled
		res.ExecutedQty = req.Qty
		res.AvgPrice = f.mark
	}
	return res, nil
}

func (f *fakeExchange) CancelOrder(_ context.Context, _ string, orderID int64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.cancelled = append(f.cancelled, orderID)
	return nil
}

func (f *fakeExchange) CancelAllOrders(_ context.Context, symbol string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.cancelledAll = append(f.cancelledAll, symbol)
	return nil
}

func (f *fakeExchange) SetLeverage(_ context.Context, symbol string, lev int) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.leverage[symbol] = lev
	return nil
}

func (f *fakeExchange) ordersOfType(t exchange.OrderType) []exchange.OrderRequest {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []exchange.OrderRequest
	for _, o := range f.created {
		if o.Type == t {
			out = append(out, o)
		}
	}
	return out
}

// fakeJournal counts durable writes without a real database.
type fakeJournal struct {
	mu        sync.Mutex
	orders    []store.OrderRecord
	positions map[string]store.PositionRow
	deleted   []string
}

func newFakeJournal() *fakeJournal {
	return &fakeJournal{positions: make(map[string]store.PositionRow)}
}

func (j *fakeJournal) RecordOrder(_ context.Context, o store.OrderRecord) (int64, error) {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.orders = append(j.orders, o)
	return int64(len(j.orders)), nil
}

func (j *fakeJournal) UpdateOrderStatus(context.Context, int64, string) error { return nil }

func (j *fakeJournal) UpsertPosition(_ context.Context, p store.PositionRow) error {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.positions[p.Symbol] = p
	return nil
}

func (j *fakeJournal) DeletePosition(_ context.Context, symbol string) error {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.deleted = append(j.deleted, symbol)
	delete(j.positions, symbol)
	return nil
}

func testTrading() config.Trading {
	return config.Trading{
		Leverage:          10,
		StopLossPct:       1.0,
		TakeProfits:       []config.TPLevel{{Pct: 1.0, Share: 0.5}, {Pct: 2.0, Share: 0.5}},
		MinStopGapPct:     0.5,
		StopWidenStepPct:  0.2,
		StopPlaceAttempts: 3,

		EntryFillPolls:        2,
		EntryFillPollInterval: config.Duration(time.Millisecond),

		Exits: config.Exits{
			MaxHold:             config.Duration(8 * time.Hour),
			SoftExitAfter:       config.Duration(4 * time.Hour),
			SoftExitMinPnLPct:   0.3,
			AutoProfitPct:       5.0,
			TrailingDrawdownPct: 2.0,
			EmergencyLossPct:    -10.0,
			WeakAfter:           config.Duration(2 * time.Hour),
			WeakBandPct:         0.2,
			RiskyLossPct:        -6.0,
		},

		HangingOrderTTL: config.Duration(5 * time.Minute),
	}
}

func newTestEngine(t *testing.T, ex *fakeExchange) (*Engine, *fakeJournal) {
	t.Helper()
	j := newFakeJournal()
	e := New(testTrading(), ex, ledger.New(), j, events.NewBus(), zap.NewNop())
	return e, j
}

func TestOpenPositionHappyPath(t *testing.T) {
	ex := newFakeExchange()
	ex.mark = 100
	e, j := newTestEngine(t, ex)
	ctx := context.Background()

	if err := e.OpenPosition(ctx, "BTCUSDT", exchange.SideBuy, 2); err != nil {
		t.Fatalf("open: %v", err)
	}

	pos, ok := e.ledger.Get("BTCUSDT")
	if !ok {
		t.Fatalf("position not tracked")
	}
	if pos.State != ledger.StateProtected {
		t.Fatalf("state = %s", pos.State)
	}
	if pos.Stop.OrderID == 0 {
		t.Fatalf("no stop recorded")
	}
	if len(pos.TakeProfits) != 2 {
		t.Fatalf("take profits = %d", len(pos.TakeProfits))
	}

	if ex.leverage["BTCUSDT"] != 10 {
		t.Fatalf("leverage = %d", ex.leverage["BTCUSDT"])
	}

	stops := ex.ordersOfType(exchange.OrderTypeStopMarket)
	if len(stops) != 1 {
		t.Fatalf("stop orders = %d", len(stops))
	}
	s := stops[0]
	if s.Side != exchange.SideSell || !s.ReduceOnly || s.WorkingType != exchange.WorkingMarkPrice {
		t.Fatalf("stop request = %+v", s)
	}
	// 1% below the 100 entry.
	if s.StopPrice < 98.9 || s.StopPrice > 99.1 {
		t.Fatalf("stop price = %v", s.StopPrice)
	}

	tps := ex.ordersOfType(exchange.OrderTypeTakeProfit)
	if len(tps) != 2 {
		t.Fatalf("tp orders = %d", len(tps))
	}
	if tps[0].Qty != 1 || tps[1].Qty != 1 {
		t.Fatalf("tp quantities = %v, %v", tps[0].Qty, tps[1].Qty)
	}

	if _, ok := j.positions["BTCUSDT"]; !ok {
		t.Fatalf("position not persisted")
	}
}

func TestOpenPositionRejectsDuplicate(t *testing.T) {
	ex := newFakeExchange()
	e, _ := newTestEngine(t, ex)
	ctx := context.Background()

	if err := e.OpenPosition(ctx, "BTCUSDT", exchange.SideBuy, 1); err != nil {
		t.Fatalf("first open: %v", err)
	}
	if err := e.OpenPosition(ctx, "BTCUSDT", exchange.SideBuy, 1); err == nil {
		t.Fatalf("second open for the same symbol must fail")
	}
}

func TestOpenPositionBlockedDuringShutdown(t *testing.T) {
	ex := newFakeExchange()
	e, _ := newTestEngine(t, ex)

	e.BlockEntries()
	if err := e.OpenPosition(context.Background(), "BTCUSDT", exchange.SideBuy, 1); err == nil {
		t.Fatalf("entry must be rejected after BlockEntries")
	}
	if len(ex.created) != 0 {
		t.Fatalf("no orders should reach the exchange")
	}
}

func TestEntryNeverFillsAbsorbsIntoFailedEntry(t *testing.T) {
	ex := newFakeExchange()
	ex.getOrders[1] = exchange.Order{OrderID: 1, Status: exchange.StatusNew}
	slow := &unfilledEntryExchange{fakeExchange: ex}

	e := New(testTrading(), slow, ledger.New(), newFakeJournal(), events.NewBus(), zap.NewNop())
	err := e.OpenPosition(context.Background(), "BTCUSDT", exchange.SideBuy, 1)
	if err == nil {
		t.Fatalf("unfilled entry must surface an error")
	}
	if _, ok := e.ledger.Get("BTCUSDT"); ok {
		t.Fatalf("failed entry must not stay in the ledger")
	}
	ex.mu.Lock()
	defer ex.mu.Unlock()
	if len(ex.cancelled) != 1 {
		t.Fatalf("unfilled entry must be cancelled, got %v", ex.cancelled)
	}
}

// unfilledEntryExchange acks market orders without filling them.
type unfilledEntryExchange struct {
	*fakeExchange
}

func (u *unfilledEntryExchange) CreateOrder(ctx context.Context, req exchange.OrderRequest) (exchange.OrderResult, error) {
	res, err := u.fakeExchange.CreateOrder(ctx, req)
	if err != nil {
		return res, err
	}
	res.Status = exchange.StatusNew
	res.ExecutedQty = 0
	return res, nil
}

func TestHandleOrderUpdateStopFillRemovesPosition(t *testing.T) {
	ex := newFakeExchange()
	e, j := newTestEngine(t, ex)
	ctx := context.Background()

	if err := e.OpenPosition(ctx, "BTCUSDT", exchange.SideBuy, 2); err != nil {
		t.Fatalf("open: %v", err)
	}
	pos, _ := e.ledger.Get("BTCUSDT")

	e.HandleOrderUpdate(ctx, events.OrderUpdateEvent{
		Symbol:  "BTCUSDT",
		OrderID: pos.Stop.OrderID,
		Status:  string(exchange.StatusFilled),
	})

	if _, ok := e.ledger.Get("BTCUSDT"); ok {
		t.Fatalf("position must be removed after stop fill")
	}
	if len(j.deleted) != 1 || j.deleted[0] != "BTCUSDT" {
		t.Fatalf("snapshot not deleted: %v", j.deleted)
	}
	// One cancel-all from protection, a second sweeping the surviving TPs.
	ex.mu.Lock()
	defer ex.mu.Unlock()
	if len(ex.cancelledAll) != 2 {
		t.Fatalf("surviving TPs not swept on stop fill: %v", ex.cancelledAll)
	}
}

func TestHandleOrderUpdateTakeProfitFillsReduceThenClose(t *testing.T) {
	ex := newFakeExchange()
	e, _ := newTestEngine(t, ex)
	ctx := context.Background()

	if err := e.OpenPosition(ctx, "BTCUSDT", exchange.SideBuy, 2); err != nil {
		t.Fatalf("open: %v", err)
	}
	pos, _ := e.ledger.Get("BTCUSDT")
	if len(pos.TakeProfits) != 2 {
		t.Fatalf("take profits = %d", len(pos.TakeProfits))
	}

	e.HandleOrderUpdate(ctx, events.OrderUpdateEvent{
		Symbol:  "BTCUSDT",
		OrderID: pos.TakeProfits[0].OrderID,
		Status:  string(exchange.StatusFilled),
	})
	mid, ok := e.ledger.Get("BTCUSDT")
	if !ok {
		t.Fatalf("position gone after partial take")
	}
	if mid.Qty != 1 || len(mid.TakeProfits) != 1 {
		t.Fatalf("after first TP: qty=%v tps=%d", mid.Qty, len(mid.TakeProfits))
	}

	e.HandleOrderUpdate(ctx, events.OrderUpdateEvent{
		Symbol:  "BTCUSDT",
		OrderID: pos.TakeProfits[1].OrderID,
		Status:  string(exchange.StatusFilled),
	})
	if _, ok := e.ledger.Get("BTCUSDT"); ok {
		t.Fatalf("position must close when all TPs fill")
	}
	// The stop covers nothing once the last TP fills; it must come down too.
	ex.mu.Lock()
	defer ex.mu.Unlock()
	if len(ex.cancelled) != 1 || ex.cancelled[0] != pos.Stop.OrderID {
		t.Fatalf("surviving stop not cancelled: %v", ex.cancelled)
	}
}

// failCloseOrders rejects reduce-only market orders, the shape of the final
// close submission, while letting entries and protective orders through.
func failCloseOrders(req exchange.OrderRequest) error {
	if req.Type == exchange.OrderTypeMarket && req.ReduceOnly {
		return errors.New("exchange unavailable")
	}
	return nil
}

func TestFailedCloseLeavesRetriablePosition(t *testing.T) {
	ex := newFakeExchange()
	e, _ := newTestEngine(t, ex)
	ctx := context.Background()

	if err := e.OpenPosition(ctx, "BTCUSDT", exchange.SideBuy, 2); err != nil {
		t.Fatalf("open: %v", err)
	}

	ex.mu.Lock()
	ex.createHook = failCloseOrders
	ex.mu.Unlock()

	if err := e.EmergencyClose(ctx, "BTCUSDT", "forced"); err == nil {
		t.Fatalf("failed close order must surface an error")
	}
	pos, ok := e.ledger.Get("BTCUSDT")
	if !ok {
		t.Fatalf("position must stay tracked after a failed close")
	}
	if pos.State != ledger.StateOpenUnprotected {
		t.Fatalf("state = %s", pos.State)
	}
	if pos.Stop.OrderID != 0 || len(pos.TakeProfits) != 0 {
		t.Fatalf("cancelled protective orders must be cleared: %+v", pos)
	}

	// Exchange recovers: the retry must run the close, not short-circuit on
	// a stale CLOSING state.
	ex.mu.Lock()
	ex.createHook = nil
	ex.mu.Unlock()

	if err := e.EmergencyClose(ctx, "BTCUSDT", "forced"); err != nil {
		t.Fatalf("retried close: %v", err)
	}
	if _, ok := e.ledger.Get("BTCUSDT"); ok {
		t.Fatalf("position must be gone after the retried close")
	}
}

func TestProtectivePassRestoresLostCover(t *testing.T) {
	ex := newFakeExchange()
	e, _ := newTestEngine(t, ex)
	ctx := context.Background()

	if err := e.OpenPosition(ctx, "BTCUSDT", exchange.SideBuy, 2); err != nil {
		t.Fatalf("open: %v", err)
	}
	ex.mu.Lock()
	ex.createHook = failCloseOrders
	ex.mu.Unlock()
	if err := e.Close(ctx, "BTCUSDT", "exit rule"); err == nil {
		t.Fatalf("close must fail while the exchange is down")
	}

	ex.mu.Lock()
	ex.createHook = nil
	ex.mu.Unlock()
	e.protectivePass(ctx)

	pos, ok := e.ledger.Get("BTCUSDT")
	if !ok {
		t.Fatalf("position must stay tracked")
	}
	if pos.State != ledger.StateProtected || pos.Stop.OrderID == 0 {
		t.Fatalf("cover not restored: %+v", pos)
	}
}

func TestHandleTickerTracksPeak(t *testing.T) {
	ex := newFakeExchange()
	e, _ := newTestEngine(t, ex)
	ctx := context.Background()

	if err := e.OpenPosition(ctx, "BTCUSDT", exchange.SideBuy, 1); err != nil {
		t.Fatalf("open: %v", err)
	}

	e.HandleTicker(events.TickerEvent{Symbol: "BTCUSDT", Price: 101})
	e.HandleTicker(events.TickerEvent{Symbol: "BTCUSDT", Price: 100.5})

	pos, _ := e.ledger.Get("BTCUSDT")
	if pos.LastMark != 100.5 {
		t.Fatalf("last mark = %v", pos.LastMark)
	}
	// +1% price at 10x leverage peaked at +10%.
	if pos.PeakPnLPct < 9.9 || pos.PeakPnLPct > 10.1 {
		t.Fatalf("peak = %v", pos.PeakPnLPct)
	}
}

func TestCleanupCancelsOnlyUntrackedOldOrders(t *testing.T) {
	ex := newFakeExchange()
	e, _ := newTestEngine(t, ex)
	ctx := context.Background()

	if err := e.OpenPosition(ctx, "BTCUSDT", exchange.SideBuy, 1); err != nil {
		t.Fatalf("open: %v", err)
	}
	pos, _ := e.ledger.Get("BTCUSDT")

	old := time.Now().Add(-10 * time.Minute)
	ex.mu.Lock()
	ex.openOrders = []exchange.Order{
		{OrderID: pos.Stop.OrderID, Symbol: "BTCUSDT", UpdateTime: old},  // tracked stop
		{OrderID: 777, Symbol: "ETHUSDT", UpdateTime: old},               // hanging
		{OrderID: 778, Symbol: "ETHUSDT", UpdateTime: time.Now()},        // young
	}
	ex.mu.Unlock()

	e.cleanupHangingOrders(ctx)

	ex.mu.Lock()
	defer ex.mu.Unlock()
	if len(ex.cancelled) != 1 || ex.cancelled[0] != 777 {
		t.Fatalf("cancelled = %v", ex.cancelled)
	}
}

func TestAdoptExternalProtectsShortPosition(t *testing.T) {
	ex := newFakeExchange()
	ex.mark = 3000
	e, _ := newTestEngine(t, ex)

	err := e.AdoptExternal(context.Background(), exchange.Position{
		Symbol: "ETHUSDT", Qty: -2, EntryPrice: 3000, MarkPrice: 3000, Leverage: 5,
	})
	if err != nil {
		t.Fatalf("adopt: %v", err)
	}
	pos, ok := e.ledger.Get("ETHUSDT")
	if !ok {
		t.Fatalf("adopted position not tracked")
	}
	if pos.Side != exchange.SideSell || pos.Qty != 2 || !pos.Adopted {
		t.Fatalf("position = %+v", pos)
	}
	if pos.State != ledger.StateProtected || pos.Stop.OrderID == 0 {
		t.Fatalf("adopted position not protected: %+v", pos)
	}
	// Short stop sits above entry.
	if pos.Stop.StopPrice <= 3000 {
		t.Fatalf("short stop price = %v", pos.Stop.StopPrice)
	}
}
