// Package reconcile keeps the ledger consistent with the exchange's
// authoritative position view: exchange-only positions are adopted (unless
// the emergency flag is raised), ledger-only positions are dropped.
package reconcile

import (
	"context"
	"math"
	"time"

	"go.uber.org/zap"

	"futures-engine/internal/events"
	"futures-engine/internal/ledger"
	"futures-engine/pkg/exchange"
	"futures-engine/pkg/store"
)

const qtyEpsilon = 1e-9

// Engine is the slice of the order engine reconciliation drives.
type Engine interface {
	Positions() []ledger.Position
	AdoptExternal(ctx context.Context, p exchange.Position) error
	DropExternal(ctx context.Context, symbol string)
	RefreshMark(symbol string, mark float64)
}

// PositionSource provides the exchange's position-risk view.
type PositionSource interface {
	Positions(ctx context.Context) ([]exchange.Position, error)
}

// FlagStore reads the persisted emergency flag.
type FlagStore interface {
	GetEmergencyFlag(ctx context.Context) (store.EmergencyFlag, error)
}

// Service runs the periodic diff.
type Service struct {
	engine   Engine
	source   PositionSource
	flags    FlagStore
	bus      *events.Bus
	log      *zap.Logger
	interval time.Duration
}

func New(engine Engine, source PositionSource, flags FlagStore, bus *events.Bus, log *zap.Logger, interval time.Duration) *Service {
	if interval <= 0 {
		interval = 30 * time.Second
	}
	return &Service{engine: engine, source: source, flags: flags, bus: bus, log: log, interval: interval}
}

// Run reconciles on the configured interval until ctx ends.
func (s *Service) Run(ctx context.Context) {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := s.ReconcileOnce(ctx); err != nil {
				s.log.Warn("reconcile pass failed", zap.Error(err))
			}
		}
	}
}

// ReconcileOnce performs one full diff. Idempotent: a pass over an already
// consistent state changes nothing.
func (s *Service) ReconcileOnce(ctx context.Context) error {
	flag, err := s.flags.GetEmergencyFlag(ctx)
	if err != nil {
		return err
	}
	exchangePositions, err := s.source.Positions(ctx)
	if err != nil {
		return err
	}

	live := make(map[string]exchange.Position)
	for _, p := range exchangePositions {
		if math.Abs(p.Qty) > qtyEpsilon {
			live[p.Symbol] = p
		}
	}

	tracked := make(map[string]ledger.Position)
	for _, p := range s.engine.Positions() {
		tracked[p.Symbol] = p
	}

	// Exchange-only positions: adopt, unless a prior emergency shutdown
	// means these may be deliberate leftovers an operator must inspect.
	for symbol, p := range live {
		if _, ok := tracked[symbol]; ok {
			s.engine.RefreshMark(symbol, p.MarkPrice)
			continue
		}
		if flag.Active {
			s.log.Warn("emergency flag set, reporting unknown exchange position without adopting",
				zap.String("symbol", symbol), zap.Float64("qty", p.Qty), zap.String("flag_reason", flag.Reason))
			s.bus.Publish(events.TopicReconcileDiff, events.ReconcileEvent{Symbol: symbol, Kind: "skipped_emergency"})
			continue
		}
		if err := s.engine.AdoptExternal(ctx, p); err != nil {
			s.log.Warn("adopt external position", zap.String("symbol", symbol), zap.Error(err))
			continue
		}
		s.bus.Publish(events.TopicReconcileDiff, events.ReconcileEvent{Symbol: symbol, Kind: "adopted"})
	}

	// Ledger-only positions: closed out of band (liquidation, manual close).
	// In-flight entries are skipped; their fill may simply not show yet.
	for symbol, p := range tracked {
		if _, ok := live[symbol]; ok {
			continue
		}
		if p.State == ledger.StateOpening || p.State == ledger.StateFailedEntry {
			continue
		}
		s.log.Info("position gone on exchange, removing from ledger",
			zap.String("symbol", symbol), zap.String("state", string(p.State)))
		s.engine.DropExternal(ctx, symbol)
		s.bus.Publish(events.TopicReconcileDiff, events.ReconcileEvent{Symbol: symbol, Kind: "removed"})
	}

	return nil
}
