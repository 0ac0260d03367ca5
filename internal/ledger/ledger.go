// Package ledger holds the engine's in-memory view of open positions. It is
// the single writer's source of truth; the exchange remains authoritative and
// reconciliation repairs any divergence.
package ledger

import (
	"fmt"
	"sync"
	"time"

	"futures-engine/pkg/exchange"
)

// State is a position's lifecycle phase.
type State string

const (
	StateOpening         State = "OPENING"
	StateOpenUnprotected State = "OPEN_UNPROTECTED"
	StateProtected       State = "PROTECTED"
	StateClosing         State = "CLOSING"
	StateFailedEntry     State = "FAILED_ENTRY"
)

// ProtectiveOrder is a resting stop or take-profit tied to a position. A zero
// OrderID means none is resting.
type ProtectiveOrder struct {
	OrderID       int64
	ClientOrderID string
	Type          exchange.OrderType
	StopPrice     float64
	Qty           float64
}

// Position is one symbol's tracked position with its protective orders.
type Position struct {
	Symbol     string
	Side       exchange.Side
	Qty        float64 // always positive; Side carries direction
	EntryPrice float64
	Leverage   int
	State      State

	Stop        ProtectiveOrder
	TakeProfits []ProtectiveOrder

	OpenedAt   time.Time
	Adopted    bool    // discovered via reconciliation, not opened here
	LastMark   float64 // latest observed mark price
	PeakPnLPct float64 // high-water mark for trailing exit
}

// PnLPct returns leveraged return on margin at the given price, in percent.
func (p Position) PnLPct(price float64) float64 {
	if p.EntryPrice == 0 {
		return 0
	}
	move := (price - p.EntryPrice) / p.EntryPrice
	if p.Side == exchange.SideSell {
		move = -move
	}
	return move * float64(p.Leverage) * 100
}

// Ledger is a concurrency-safe map of open positions, one per symbol.
type Ledger struct {
	mu        sync.Mutex
	positions map[string]*Position
}

func New() *Ledger {
	return &Ledger{positions: make(map[string]*Position)}
}

// Open registers a new position. A symbol already tracked is rejected so a
// second concurrent entry can never double the exposure.
func (l *Ledger) Open(p Position) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if _, ok := l.positions[p.Symbol]; ok {
		return fmt.Errorf("position already open for %s", p.Symbol)
	}
	cp := p
	l.positions[p.Symbol] = &cp
	return nil
}

// Get returns a copy of the position for symbol.
func (l *Ledger) Get(symbol string) (Position, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	p, ok := l.positions[symbol]
	if !ok {
		return Position{}, false
	}
	return clone(p), true
}

// Update mutates the position for symbol under the ledger lock. The callback
// sees and edits the live record; it must not block.
func (l *Ledger) Update(symbol string, fn func(*Position)) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	p, ok := l.positions[symbol]
	if !ok {
		return fmt.Errorf("no position for %s", symbol)
	}
	fn(p)
	return nil
}

// Remove drops the position for symbol. Removing an untracked symbol is a
// no-op so close paths stay idempotent.
func (l *Ledger) Remove(symbol string) {
	l.mu.Lock()
	delete(l.positions, symbol)
	l.mu.Unlock()
}

// List returns a copy of every tracked position.
func (l *Ledger) List() []Position {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]Position, 0, len(l.positions))
	for _, p := range l.positions {
		out = append(out, clone(p))
	}
	return out
}

// Count reports tracked positions.
func (l *Ledger) Count() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.positions)
}

func clone(p *Position) Position {
	cp := *p
	if p.TakeProfits != nil {
		cp.TakeProfits = append([]ProtectiveOrder(nil), p.TakeProfits...)
	}
	return cp
}
