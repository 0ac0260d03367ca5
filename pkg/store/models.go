package store

import "time"

// EmergencyFlag is the persisted crash marker. While Active, reconciliation
// must not adopt unknown exchange positions.
type EmergencyFlag struct {
	Active bool
	Reason string
	SetAt  time.Time
}

// OrderRecord is one journal row per order the engine placed or observed.
type OrderRecord struct {
	ID            int64
	OrderID       int64
	ClientOrderID string
	Symbol        string
	Side          string
	Type          string
	Purpose       string // ENTRY, STOP, TAKE_PROFIT, CLOSE, EMERGENCY_CLOSE
	Qty           float64
	Price         float64
	StopPrice     float64
	Status        string
	CreatedAt     time.Time
	UpdatedAt     time.Time
}

// PositionRow is a durable snapshot of one ledger position.
type PositionRow struct {
	Symbol     string
	Side       string
	Qty        float64
	EntryPrice float64
	Leverage   int
	State      string
	OpenedAt   time.Time
	UpdatedAt  time.Time
}
