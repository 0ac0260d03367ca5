// Package engine drives the position lifecycle: entry, the protective-order
// placement protocol, exit-rule evaluation, and close paths. It is the only
// writer of the position ledger.
package engine

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"futures-engine/internal/events"
	"futures-engine/internal/ledger"
	"futures-engine/pkg/config"
	"futures-engine/pkg/exchange"
	"futures-engine/pkg/store"
)

// qtyEpsilon treats residual quantities below this as fully closed.
const qtyEpsilon = 1e-9

// Order journal purposes.
const (
	purposeEntry          = "ENTRY"
	purposeStop           = "STOP"
	purposeTakeProfit     = "TAKE_PROFIT"
	purposeClose          = "CLOSE"
	purposeEmergencyClose = "EMERGENCY_CLOSE"
)

// Exchange is the REST surface the engine consumes.
type Exchange interface {
	Positions(ctx context.Context) ([]exchange.Position, error)
	OpenOrders(ctx context.Context, symbol string) ([]exchange.Order, error)
	GetOrder(ctx context.Context, symbol string, orderID int64) (exchange.Order, error)
	MarkPrice(ctx context.Context, symbol string) (float64, error)
	CreateOrder(ctx context.Context, req exchange.OrderRequest) (exchange.OrderResult, error)
	CancelOrder(ctx context.Context, symbol string, orderID int64) error
	CancelAllOrders(ctx context.Context, symbol string) error
	SetLeverage(ctx context.Context, symbol string, leverage int) error
}

// Journal is the durable bookkeeping surface the engine writes.
type Journal interface {
	RecordOrder(ctx context.Context, o store.OrderRecord) (int64, error)
	UpdateOrderStatus(ctx context.Context, orderID int64, status string) error
	UpsertPosition(ctx context.Context, p store.PositionRow) error
	DeletePosition(ctx context.Context, symbol string) error
}

// Engine is the position state machine. One instance serves all symbols;
// per-symbol sequencing comes from the ledger's membership claim.
type Engine struct {
	cfg     config.Trading
	ex      Exchange
	ledger  *ledger.Ledger
	journal Journal
	bus     *events.Bus
	log     *zap.Logger

	entriesBlocked atomic.Bool

	protectMu  sync.Mutex
	protecting map[string]bool

	now func() time.Time
}

func New(cfg config.Trading, ex Exchange, led *ledger.Ledger, journal Journal, bus *events.Bus, log *zap.Logger) *Engine {
	return &Engine{
		cfg:        cfg,
		ex:         ex,
		ledger:     led,
		journal:    journal,
		bus:        bus,
		log:        log,
		protecting: make(map[string]bool),
		now:        time.Now,
	}
}

// Run subscribes to stream events and starts the periodic loops. It returns
// when ctx ends.
func (e *Engine) Run(ctx context.Context) {
	orderCh, unsubOrders := e.bus.Subscribe(events.TopicOrderUpdate, 256)
	tickCh, unsubTicks := e.bus.Subscribe(events.TopicTicker, 1024)
	defer unsubOrders()
	defer unsubTicks()

	go e.runExitLoop(ctx)
	go e.runCleanupLoop(ctx)
	go e.runProtectivePollLoop(ctx)

	for {
		select {
		case <-ctx.Done():
			return
		case v := <-orderCh:
			if ev, ok := v.(events.OrderUpdateEvent); ok {
				e.HandleOrderUpdate(ctx, ev)
			}
		case v := <-tickCh:
			if ev, ok := v.(events.TickerEvent); ok {
				e.HandleTicker(ev)
			}
		}
	}
}

// BlockEntries stops new positions from opening. Used by graceful shutdown.
func (e *Engine) BlockEntries() { e.entriesBlocked.Store(true) }

// OpenCount reports tracked positions.
func (e *Engine) OpenCount() int { return e.ledger.Count() }

// Positions returns a snapshot of the ledger.
func (e *Engine) Positions() []ledger.Position { return e.ledger.List() }

// OpenPosition runs the entry sequence for a trade intent: claim the symbol,
// set leverage, market in, confirm the fill, then protect. A failure anywhere
// before protection leaves no tracked position behind.
func (e *Engine) OpenPosition(ctx context.Context, symbol string, side exchange.Side, qty float64) error {
	if e.entriesBlocked.Load() {
		return fmt.Errorf("entries blocked, not opening %s", symbol)
	}
	// The ledger claim is the duplicate-entry gate: a second concurrent
	// entry for the same symbol fails here before any order is placed.
	claim := ledger.Position{
		Symbol:   symbol,
		Side:     side,
		Qty:      qty,
		Leverage: e.cfg.Leverage,
		State:    ledger.StateOpening,
		OpenedAt: e.now(),
	}
	if err := e.ledger.Open(claim); err != nil {
		return err
	}

	if err := e.ex.SetLeverage(ctx, symbol, e.cfg.Leverage); err != nil {
		e.ledger.Remove(symbol)
		return fmt.Errorf("set leverage %s: %w", symbol, err)
	}

	res, err := e.ex.CreateOrder(ctx, exchange.OrderRequest{
		Symbol: symbol,
		Side:   side,
		Type:   exchange.OrderTypeMarket,
		Qty:    qty,
	})
	if err != nil {
		e.ledger.Remove(symbol)
		return fmt.Errorf("entry order %s: %w", symbol, err)
	}
	e.recordOrder(ctx, res, symbol, side, exchange.OrderTypeMarket, purposeEntry, qty, 0)

	filledQty, avgPrice, err := e.confirmEntryFill(ctx, symbol, res)
	if err != nil {
		// The entry never filled. Cancel it and absorb into FAILED_ENTRY
		// before dropping the claim.
		if cerr := e.ex.CancelOrder(ctx, symbol, res.OrderID); cerr != nil {
			e.log.Warn("cancel unfilled entry", zap.String("symbol", symbol), zap.Error(cerr))
		}
		e.ledger.Update(symbol, func(p *ledger.Position) { p.State = ledger.StateFailedEntry })
		e.ledger.Remove(symbol)
		return err
	}

	e.ledger.Update(symbol, func(p *ledger.Position) {
		p.Qty = filledQty
		p.EntryPrice = avgPrice
		p.State = ledger.StateOpenUnprotected
		p.OpenedAt = e.now()
	})
	e.persistPosition(ctx, symbol)
	e.bus.Publish(events.TopicPositionOpened, events.PositionEvent{
		Symbol: symbol, Side: string(side), Qty: filledQty, Entry: avgPrice,
	})
	e.log.Info("position opened",
		zap.String("symbol", symbol), zap.String("side", string(side)),
		zap.Float64("qty", filledQty), zap.Float64("entry", avgPrice))

	return e.Protect(ctx, symbol)
}

// confirmEntryFill waits for the entry to fill, either from the immediate ack
// or via a bounded poll.
func (e *Engine) confirmEntryFill(ctx context.Context, symbol string, res exchange.OrderResult) (qty, avg float64, err error) {
	if res.Status == exchange.StatusFilled && res.ExecutedQty > 0 {
		return res.ExecutedQty, res.AvgPrice, nil
	}
	polls := e.cfg.EntryFillPolls
	if polls < 1 {
		polls = 1
	}
	for i := 0; i < polls; i++ {
		select {
		case <-ctx.Done():
			return 0, 0, ctx.Err()
		case <-time.After(e.cfg.EntryFillPollInterval.Std()):
		}
		o, gerr := e.ex.GetOrder(ctx, symbol, res.OrderID)
		if gerr != nil {
			e.log.Warn("poll entry fill", zap.String("symbol", symbol), zap.Error(gerr))
			continue
		}
		if o.Status == exchange.StatusFilled {
			return o.ExecutedQty, o.AvgPrice, nil
		}
		if o.Status == exchange.StatusCanceled || o.Status == exchange.StatusRejected || o.Status == exchange.StatusExpired {
			return 0, 0, fmt.Errorf("entry order %d for %s ended %s", res.OrderID, symbol, o.Status)
		}
	}
	return 0, 0, fmt.Errorf("entry order %d for %s not filled after %d polls", res.OrderID, symbol, polls)
}

// Close exits a position at market with its reason recorded. This is also the
// universal fallback: protective failure and exit rules both land here.
func (e *Engine) Close(ctx context.Context, symbol, reason string) error {
	return e.closePosition(ctx, symbol, reason, purposeClose)
}

// EmergencyClose force-exits a position: cancel everything resting, market
// out the full remaining quantity.
func (e *Engine) EmergencyClose(ctx context.Context, symbol, reason string) error {
	return e.closePosition(ctx, symbol, reason, purposeEmergencyClose)
}

// CloseAll force-closes every tracked position. Used by emergency shutdown.
func (e *Engine) CloseAll(ctx context.Context, reason string) error {
	var firstErr error
	for _, p := range e.ledger.List() {
		if err := e.EmergencyClose(ctx, p.Symbol, reason); err != nil {
			e.log.Error("close all: position failed",
				zap.String("symbol", p.Symbol), zap.Error(err))
			if firstErr == nil {
				firstErr = err
			}
		}
	}
	return firstErr
}

func (e *Engine) closePosition(ctx context.Context, symbol, reason, purpose string) error {
	pos, ok := e.ledger.Get(symbol)
	if !ok {
		return nil // already gone; close paths stay idempotent
	}
	if pos.State == ledger.StateClosing {
		return nil
	}
	e.ledger.Update(symbol, func(p *ledger.Position) { p.State = ledger.StateClosing })
	e.persistPosition(ctx, symbol)

	if err := e.ex.CancelAllOrders(ctx, symbol); err != nil {
		e.log.Warn("cancel all before close", zap.String("symbol", symbol), zap.Error(err))
	}

	res, err := e.ex.CreateOrder(ctx, exchange.OrderRequest{
		Symbol:     symbol,
		Side:       pos.Side.Opposite(),
		Type:       exchange.OrderTypeMarket,
		Qty:        pos.Qty,
		ReduceOnly: true,
	})
	if err != nil {
		// The cancel-all above already ran: the position is live with no
		// protective cover. Drop back to OPEN_UNPROTECTED so the protective
		// pass restores a stop and later close calls retry instead of
		// short-circuiting on CLOSING.
		e.ledger.Update(symbol, func(p *ledger.Position) {
			p.State = ledger.StateOpenUnprotected
			p.Stop = ledger.ProtectiveOrder{}
			p.TakeProfits = nil
		})
		e.persistPosition(ctx, symbol)
		return fmt.Errorf("close order %s: %w", symbol, err)
	}
	e.recordOrder(ctx, res, symbol, pos.Side.Opposite(), exchange.OrderTypeMarket, purpose, pos.Qty, 0)

	e.removePosition(ctx, symbol, reason)
	if purpose == purposeEmergencyClose {
		e.bus.Publish(events.TopicEmergencyClose, events.PositionEvent{
			Symbol: symbol, Side: string(pos.Side), Qty: pos.Qty, Reason: reason,
		})
	}
	e.log.Info("position closed",
		zap.String("symbol", symbol), zap.String("reason", reason), zap.String("purpose", purpose))
	return nil
}

// AdoptExternal pulls an exchange-only position into the ledger and protects
// it. Reconciliation calls this for positions opened out of band.
func (e *Engine) AdoptExternal(ctx context.Context, p exchange.Position) error {
	side := exchange.SideBuy
	qty := p.Qty
	if qty < 0 {
		side = exchange.SideSell
		qty = -qty
	}
	lev := p.Leverage
	if lev < 1 {
		lev = e.cfg.Leverage
	}
	err := e.ledger.Open(ledger.Position{
		Symbol:     p.Symbol,
		Side:       side,
		Qty:        qty,
		EntryPrice: p.EntryPrice,
		Leverage:   lev,
		State:      ledger.StateOpenUnprotected,
		OpenedAt:   e.now(),
		Adopted:    true,
		LastMark:   p.MarkPrice,
	})
	if err != nil {
		return err
	}
	e.persistPosition(ctx, p.Symbol)
	e.log.Info("adopted external position",
		zap.String("symbol", p.Symbol), zap.String("side", string(side)), zap.Float64("qty", qty))
	// An adopted position has unknown cover; run the protection protocol so
	// it never sits without a stop.
	return e.Protect(ctx, p.Symbol)
}

// DropExternal removes a ledger position the exchange no longer has (closed
// out of band, e.g. liquidation).
func (e *Engine) DropExternal(ctx context.Context, symbol string) {
	e.removePosition(ctx, symbol, "closed out of band")
}

// HandleOrderUpdate applies a user-stream order event to the ledger.
func (e *Engine) HandleOrderUpdate(ctx context.Context, ev events.OrderUpdateEvent) {
	if err := e.journal.UpdateOrderStatus(ctx, ev.OrderID, ev.Status); err != nil {
		e.log.Warn("journal order status", zap.Int64("order_id", ev.OrderID), zap.Error(err))
	}
	if ev.Status != string(exchange.StatusFilled) {
		return
	}

	pos, ok := e.ledger.Get(ev.Symbol)
	if !ok {
		return
	}

	switch {
	case pos.Stop.OrderID != 0 && ev.OrderID == pos.Stop.OrderID:
		// Stop fill closes the whole remaining position. Sweep the surviving
		// TPs now rather than leaving them for the hanging-order cleanup.
		if len(pos.TakeProfits) > 0 {
			if err := e.ex.CancelAllOrders(ctx, ev.Symbol); err != nil {
				e.log.Warn("cancel surviving take profits",
					zap.String("symbol", ev.Symbol), zap.Error(err))
			}
		}
		e.removePosition(ctx, ev.Symbol, "stop loss filled")
		e.log.Info("stop filled", zap.String("symbol", ev.Symbol), zap.Float64("price", ev.AvgPrice))
	case tpIndex(pos.TakeProfits, ev.OrderID) >= 0:
		e.applyTakeProfitFill(ctx, ev)
	}
}

// applyTakeProfitFill reduces the position by the filled TP's quantity and
// closes the position when nothing remains.
func (e *Engine) applyTakeProfitFill(ctx context.Context, ev events.OrderUpdateEvent) {
	var remaining float64
	var stopID int64
	err := e.ledger.Update(ev.Symbol, func(p *ledger.Position) {
		stopID = p.Stop.OrderID
		i := tpIndex(p.TakeProfits, ev.OrderID)
		if i < 0 {
			remaining = p.Qty
			return
		}
		p.Qty -= p.TakeProfits[i].Qty
		p.TakeProfits = append(p.TakeProfits[:i], p.TakeProfits[i+1:]...)
		remaining = p.Qty
	})
	if err != nil {
		return
	}
	if remaining <= qtyEpsilon {
		// Nothing left for the stop to cover; take it down with the position.
		if stopID != 0 {
			if err := e.ex.CancelOrder(ctx, ev.Symbol, stopID); err != nil {
				e.log.Warn("cancel surviving stop",
					zap.String("symbol", ev.Symbol), zap.Int64("order_id", stopID), zap.Error(err))
			}
		}
		e.removePosition(ctx, ev.Symbol, "take profits filled")
		e.log.Info("position fully taken", zap.String("symbol", ev.Symbol))
		return
	}
	e.persistPosition(ctx, ev.Symbol)
	e.log.Info("take profit filled",
		zap.String("symbol", ev.Symbol), zap.Float64("remaining", remaining))
}

// HandleTicker refreshes the mark price and the trailing high-water mark.
func (e *Engine) HandleTicker(ev events.TickerEvent) {
	e.ledger.Update(ev.Symbol, func(p *ledger.Position) {
		p.LastMark = ev.Price
		if pnl := p.PnLPct(ev.Price); pnl > p.PeakPnLPct {
			p.PeakPnLPct = pnl
		}
	})
}

// RefreshMark folds an out-of-band mark observation into the ledger, for
// symbols the market stream does not cover.
func (e *Engine) RefreshMark(symbol string, mark float64) {
	if mark <= 0 {
		return
	}
	e.HandleTicker(events.TickerEvent{Symbol: symbol, Price: mark})
}

// runProtectivePollLoop backstops the user stream: while positions are
// protected, poll their protective orders for fills the stream may have
// dropped. It also restores cover on positions left unprotected.
func (e *Engine) runProtectivePollLoop(ctx context.Context) {
	interval := e.cfg.ProtectivePollInterval.Std()
	if interval <= 0 {
		return
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			e.protectivePass(ctx)
		}
	}
}

// protectivePass runs one sweep over the ledger: protected positions get
// their orders polled for missed fills, and positions without cover (a close
// that failed after cancel-all) are re-run through the protection protocol.
func (e *Engine) protectivePass(ctx context.Context) {
	for _, pos := range e.ledger.List() {
		switch pos.State {
		case ledger.StateProtected:
			e.pollProtectiveOrders(ctx, pos)
		case ledger.StateOpenUnprotected:
			e.log.Warn("position without cover, re-protecting", zap.String("symbol", pos.Symbol))
			if err := e.Protect(ctx, pos.Symbol); err != nil {
				e.log.Error("re-protect failed", zap.String("symbol", pos.Symbol), zap.Error(err))
			}
		}
	}
}

func (e *Engine) pollProtectiveOrders(ctx context.Context, pos ledger.Position) {
	check := func(orderID int64, orderType exchange.OrderType) {
		if orderID == 0 {
			return
		}
		o, err := e.ex.GetOrder(ctx, pos.Symbol, orderID)
		if err != nil {
			e.log.Warn("poll protective order",
				zap.String("symbol", pos.Symbol), zap.Int64("order_id", orderID), zap.Error(err))
			return
		}
		if o.Status == exchange.StatusFilled {
			e.HandleOrderUpdate(ctx, events.OrderUpdateEvent{
				Symbol:   pos.Symbol,
				OrderID:  orderID,
				Type:     string(orderType),
				Status:   string(exchange.StatusFilled),
				AvgPrice: o.AvgPrice,
			})
		}
	}
	check(pos.Stop.OrderID, exchange.OrderTypeStopMarket)
	for _, tp := range pos.TakeProfits {
		check(tp.OrderID, exchange.OrderTypeTakeProfit)
	}
}

// runCleanupLoop cancels hanging orders: open orders older than the TTL that
// no tracked position claims as protective cover.
func (e *Engine) runCleanupLoop(ctx context.Context) {
	interval := e.cfg.CleanupInterval.Std()
	if interval <= 0 {
		return
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			e.cleanupHangingOrders(ctx)
		}
	}
}

func (e *Engine) cleanupHangingOrders(ctx context.Context) {
	orders, err := e.ex.OpenOrders(ctx, "")
	if err != nil {
		e.log.Warn("cleanup: list open orders", zap.Error(err))
		return
	}
	tracked := e.trackedOrderIDs()
	cutoff := e.now().Add(-e.cfg.HangingOrderTTL.Std())
	for _, o := range orders {
		if tracked[o.OrderID] || o.UpdateTime.After(cutoff) {
			continue
		}
		if err := e.ex.CancelOrder(ctx, o.Symbol, o.OrderID); err != nil {
			e.log.Warn("cleanup: cancel hanging order",
				zap.String("symbol", o.Symbol), zap.Int64("order_id", o.OrderID), zap.Error(err))
			continue
		}
		e.log.Info("cancelled hanging order",
			zap.String("symbol", o.Symbol), zap.Int64("order_id", o.OrderID),
			zap.Duration("age", e.now().Sub(o.UpdateTime)))
	}
}

func (e *Engine) trackedOrderIDs() map[int64]bool {
	ids := make(map[int64]bool)
	for _, p := range e.ledger.List() {
		if p.Stop.OrderID != 0 {
			ids[p.Stop.OrderID] = true
		}
		for _, tp := range p.TakeProfits {
			ids[tp.OrderID] = true
		}
	}
	return ids
}

func (e *Engine) removePosition(ctx context.Context, symbol, reason string) {
	pos, ok := e.ledger.Get(symbol)
	if !ok {
		return
	}
	e.ledger.Remove(symbol)
	if err := e.journal.DeletePosition(ctx, symbol); err != nil {
		e.log.Warn("delete position snapshot", zap.String("symbol", symbol), zap.Error(err))
	}
	e.bus.Publish(events.TopicPositionClosed, events.PositionEvent{
		Symbol: symbol, Side: string(pos.Side), Qty: pos.Qty, Entry: pos.EntryPrice, Reason: reason,
	})
}

func (e *Engine) persistPosition(ctx context.Context, symbol string) {
	pos, ok := e.ledger.Get(symbol)
	if !ok {
		return
	}
	err := e.journal.UpsertPosition(ctx, store.PositionRow{
		Symbol:     pos.Symbol,
		Side:       string(pos.Side),
		Qty:        pos.Qty,
		EntryPrice: pos.EntryPrice,
		Leverage:   pos.Leverage,
		State:      string(pos.State),
		OpenedAt:   pos.OpenedAt,
	})
	if err != nil {
		e.log.Warn("persist position", zap.String("symbol", symbol), zap.Error(err))
	}
}

func (e *Engine) recordOrder(ctx context.Context, res exchange.OrderResult, symbol string, side exchange.Side, orderType exchange.OrderType, purpose string, qty, stopPrice float64) {
	_, err := e.journal.RecordOrder(ctx, store.OrderRecord{
		OrderID:       res.OrderID,
		ClientOrderID: res.ClientOrderID,
		Symbol:        symbol,
		Side:          string(side),
		Type:          string(orderType),
		Purpose:       purpose,
		Qty:           qty,
		StopPrice:     stopPrice,
		Status:        string(res.Status),
	})
	if err != nil {
		e.log.Warn("journal order", zap.Int64("order_id", res.OrderID), zap.Error(err))
	}
}

func tpIndex(tps []ledger.ProtectiveOrder, orderID int64) int {
	for i, tp := range tps {
		if tp.OrderID == orderID {
			return i
		}
	}
	return -1
}
