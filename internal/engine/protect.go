package engine

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"futures-engine/internal/events"
	"futures-engine/internal/ledger"
	"futures-engine/pkg/exchange"
)

// Protect runs the protective-order placement protocol for an unprotected
// position:
//
//  1. cancel anything already resting for the symbol
//  2. compute the stop from the configured stop-loss percent, widened to
//     respect the minimum gap from the current mark
//  3. place the stop, widening and re-reading the mark on each
//     would-immediately-trigger rejection, up to the attempt ceiling
//  4. if the stop cannot be placed, emergency close; no take-profits are
//     ever placed over an unstopped position
//  5. place the take-profit ladder; individual TP failures are skipped
//
// Steps run strictly sequentially per symbol: a second caller for a symbol
// already mid-protocol returns immediately.
func (e *Engine) Protect(ctx context.Context, symbol string) error {
	if !e.beginProtect(symbol) {
		return nil
	}
	defer e.endProtect(symbol)

	pos, ok := e.ledger.Get(symbol)
	if !ok {
		return fmt.Errorf("protect: no position for %s", symbol)
	}

	// Stale protective orders from a prior run would double-cover the
	// position; clear them before placing fresh ones.
	if err := e.ex.CancelAllOrders(ctx, symbol); err != nil {
		e.log.Warn("protect: cancel stale orders", zap.String("symbol", symbol), zap.Error(err))
	}

	stop, err := e.placeStopWithRetry(ctx, pos)
	if err != nil {
		e.bus.Publish(events.TopicStopFailed, events.ProtectEvent{
			Symbol: symbol, Attempts: e.cfg.StopPlaceAttempts, Err: err.Error(),
		})
		e.log.Error("protect: stop placement failed, emergency closing",
			zap.String("symbol", symbol), zap.Error(err))
		if cerr := e.EmergencyClose(ctx, symbol, "stop placement failed"); cerr != nil {
			return fmt.Errorf("stop failed (%v) and emergency close failed: %w", err, cerr)
		}
		return fmt.Errorf("stop placement failed for %s: %w", symbol, err)
	}

	e.ledger.Update(symbol, func(p *ledger.Position) { p.Stop = stop })
	e.bus.Publish(events.TopicStopPlaced, events.ProtectEvent{
		Symbol: symbol, StopPrice: stop.StopPrice,
	})

	tps := e.placeTakeProfits(ctx, pos)
	e.ledger.Update(symbol, func(p *ledger.Position) {
		p.TakeProfits = tps
		p.State = ledger.StateProtected
	})
	e.persistPosition(ctx, symbol)
	e.log.Info("position protected",
		zap.String("symbol", symbol),
		zap.Float64("stop", stop.StopPrice),
		zap.Int("take_profits", len(tps)))
	return nil
}

func (e *Engine) beginProtect(symbol string) bool {
	e.protectMu.Lock()
	defer e.protectMu.Unlock()
	if e.protecting[symbol] {
		return false
	}
	e.protecting[symbol] = true
	return true
}

func (e *Engine) endProtect(symbol string) {
	e.protectMu.Lock()
	delete(e.protecting, symbol)
	e.protectMu.Unlock()
}

// placeStopWithRetry computes and submits the stop order, widening away from
// the market on each would-trigger rejection.
func (e *Engine) placeStopWithRetry(ctx context.Context, pos ledger.Position) (ledger.ProtectiveOrder, error) {
	mark, err := e.ex.MarkPrice(ctx, pos.Symbol)
	if err != nil {
		return ledger.ProtectiveOrder{}, fmt.Errorf("read mark price: %w", err)
	}

	stopPrice := e.stopFromEntry(pos)
	stopPrice = e.respectMinGap(pos.Side, stopPrice, mark)

	attempts := e.cfg.StopPlaceAttempts
	if attempts < 1 {
		attempts = 1
	}
	var lastErr error
	for attempt := 1; attempt <= attempts; attempt++ {
		res, err := e.ex.CreateOrder(ctx, exchange.OrderRequest{
			Symbol:      pos.Symbol,
			Side:        pos.Side.Opposite(),
			Type:        exchange.OrderTypeStopMarket,
			Qty:         pos.Qty,
			StopPrice:   stopPrice,
			ReduceOnly:  true,
			WorkingType: exchange.WorkingMarkPrice,
		})
		if err == nil {
			e.recordOrder(ctx, res, pos.Symbol, pos.Side.Opposite(), exchange.OrderTypeStopMarket, purposeStop, pos.Qty, stopPrice)
			return ledger.ProtectiveOrder{
				OrderID:       res.OrderID,
				ClientOrderID: res.ClientOrderID,
				Type:          exchange.OrderTypeStopMarket,
				StopPrice:     stopPrice,
				Qty:           pos.Qty,
			}, nil
		}
		lastErr = err
		if !exchange.IsWouldTrigger(err) {
			return ledger.ProtectiveOrder{}, err
		}
		// Price crossed the computed stop between read and submit. Re-read
		// the mark and widen before the next attempt.
		if m, merr := e.ex.MarkPrice(ctx, pos.Symbol); merr == nil {
			mark = m
		}
		stopPrice = e.widen(pos.Side, stopPrice, mark, float64(attempt))
		e.log.Warn("stop would trigger, widening",
			zap.String("symbol", pos.Symbol),
			zap.Int("attempt", attempt),
			zap.Float64("next_stop", stopPrice))
	}
	return ledger.ProtectiveOrder{}, fmt.Errorf("stop rejected after %d attempts: %w", attempts, lastErr)
}

// stopFromEntry is the configured stop distance applied to the entry price.
func (e *Engine) stopFromEntry(pos ledger.Position) float64 {
	d := e.cfg.StopLossPct / 100
	if pos.Side == exchange.SideBuy {
		return pos.EntryPrice * (1 - d)
	}
	return pos.EntryPrice * (1 + d)
}

// respectMinGap pushes the stop away from the market when it sits closer
// than the exchange's minimum trigger distance.
func (e *Engine) respectMinGap(side exchange.Side, stopPrice, mark float64) float64 {
	gap := e.cfg.MinStopGapPct / 100
	if side == exchange.SideBuy {
		if stopPrice > mark*(1-gap) {
			return mark * (1 - gap)
		}
		return stopPrice
	}
	if stopPrice < mark*(1+gap) {
		return mark * (1 + gap)
	}
	return stopPrice
}

// widen moves the stop a further step away from the market, anchored at the
// fresh mark so repeated attempts track a moving price.
func (e *Engine) widen(side exchange.Side, stopPrice, mark, steps float64) float64 {
	offset := (e.cfg.MinStopGapPct + steps*e.cfg.StopWidenStepPct) / 100
	if side == exchange.SideBuy {
		candidate := mark * (1 - offset)
		if candidate < stopPrice {
			return candidate
		}
		return stopPrice * (1 - e.cfg.StopWidenStepPct/100)
	}
	candidate := mark * (1 + offset)
	if candidate > stopPrice {
		return candidate
	}
	return stopPrice * (1 + e.cfg.StopWidenStepPct/100)
}

// placeTakeProfits submits the TP ladder. Each level is independent: a
// failure is logged and skipped, never rolling back the stop.
func (e *Engine) placeTakeProfits(ctx context.Context, pos ledger.Position) []ledger.ProtectiveOrder {
	var out []ledger.ProtectiveOrder
	for i, level := range e.cfg.TakeProfits {
		d := level.Pct / 100
		var trigger float64
		if pos.Side == exchange.SideBuy {
			trigger = pos.EntryPrice * (1 + d)
		} else {
			trigger = pos.EntryPrice * (1 - d)
		}
		qty := pos.Qty * level.Share

		res, err := e.ex.CreateOrder(ctx, exchange.OrderRequest{
			Symbol:      pos.Symbol,
			Side:        pos.Side.Opposite(),
			Type:        exchange.OrderTypeTakeProfit,
			Qty:         qty,
			StopPrice:   trigger,
			ReduceOnly:  true,
			WorkingType: exchange.WorkingMarkPrice,
		})
		if err != nil {
			e.log.Warn("take profit level failed, skipping",
				zap.String("symbol", pos.Symbol), zap.Int("level", i), zap.Error(err))
			continue
		}
		e.recordOrder(ctx, res, pos.Symbol, pos.Side.Opposite(), exchange.OrderTypeTakeProfit, purposeTakeProfit, qty, trigger)
		out = append(out, ledger.ProtectiveOrder{
			OrderID:       res.OrderID,
			ClientOrderID: res.ClientOrderID,
			Type:          exchange.OrderTypeTakeProfit,
			StopPrice:     trigger,
			Qty:           qty,
		})
	}
	return out
}
