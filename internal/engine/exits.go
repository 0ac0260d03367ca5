package engine

import (
	"context"
	"time"

	"go.uber.org/zap"

	"futures-engine/internal/ledger"
)

// Exit rule names, also used as close reasons.
const (
	exitMaxHold       = "max hold time exceeded"
	exitSoft          = "soft exit with profit"
	exitAutoProfit    = "auto profit target reached"
	exitTrailing      = "trailing drawdown from peak"
	exitEmergencyLoss = "emergency loss threshold"
	exitWeak          = "weak position"
	exitRiskyLoss     = "risky loss threshold"
)

// evaluateExit applies the time/PnL exit rules in fixed priority order and
// returns the first match. Independent of protective-order fills: these rules
// close positions the resting orders never would.
func (e *Engine) evaluateExit(pos ledger.Position, mark float64, now time.Time) (string, bool) {
	x := e.cfg.Exits
	held := now.Sub(pos.OpenedAt)
	pnl := pos.PnLPct(mark)

	switch {
	case x.MaxHold.Std() > 0 && held >= x.MaxHold.Std():
		return exitMaxHold, true
	case x.SoftExitAfter.Std() > 0 && held >= x.SoftExitAfter.Std() && pnl >= x.SoftExitMinPnLPct:
		return exitSoft, true
	case x.AutoProfitPct > 0 && pnl >= x.AutoProfitPct:
		return exitAutoProfit, true
	case x.TrailingDrawdownPct > 0 && pos.PeakPnLPct > 0 && pos.PeakPnLPct-pnl >= x.TrailingDrawdownPct:
		return exitTrailing, true
	case x.EmergencyLossPct < 0 && pnl <= x.EmergencyLossPct:
		return exitEmergencyLoss, true
	case x.WeakAfter.Std() > 0 && held >= x.WeakAfter.Std() && pnl > -x.WeakBandPct && pnl < x.WeakBandPct:
		return exitWeak, true
	case x.RiskyLossPct < 0 && pnl <= x.RiskyLossPct:
		return exitRiskyLoss, true
	}
	return "", false
}

// runExitLoop periodically evaluates the exit rules for every protected
// position. Only the first matching rule fires per pass per position.
func (e *Engine) runExitLoop(ctx context.Context) {
	interval := e.cfg.ExitCheckInterval.Std()
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
			e.checkExits(ctx)
		}
	}
}

func (e *Engine) checkExits(ctx context.Context) {
	now := e.now()
	for _, pos := range e.ledger.List() {
		if pos.State != ledger.StateProtected {
			continue
		}
		mark := pos.LastMark
		if mark == 0 {
			// Stream has not delivered a price yet (or runs degraded).
			m, err := e.ex.MarkPrice(ctx, pos.Symbol)
			if err != nil {
				e.log.Warn("exit check: mark price", zap.String("symbol", pos.Symbol), zap.Error(err))
				continue
			}
			mark = m
		}
		reason, match := e.evaluateExit(pos, mark, now)
		if !match {
			continue
		}
		e.log.Info("exit rule fired",
			zap.String("symbol", pos.Symbol),
			zap.String("rule", reason),
			zap.Float64("pnl_pct", pos.PnLPct(mark)))
		if err := e.Close(ctx, pos.Symbol, reason); err != nil {
			e.log.Error("exit close failed, escalating",
				zap.String("symbol", pos.Symbol), zap.Error(err))
			if err := e.EmergencyClose(ctx, pos.Symbol, reason); err != nil {
				e.log.Error("emergency close failed",
					zap.String("symbol", pos.Symbol), zap.Error(err))
			}
		}
	}
}
