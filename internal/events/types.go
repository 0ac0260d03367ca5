package events

import "time"

// Topic enumerates the engine's event streams.
type Topic string

const (
	TopicTicker          Topic = "market.ticker"
	TopicOrderUpdate     Topic = "user.order_update"
	TopicAccountUpdate   Topic = "user.account_update"
	TopicPositionOpened  Topic = "position.opened"
	TopicPositionClosed  Topic = "position.closed"
	TopicStopPlaced      Topic = "protect.stop_placed"
	TopicStopFailed      Topic = "protect.stop_failed"
	TopicEmergencyClose  Topic = "protect.emergency_close"
	TopicReconcileDiff   Topic = "reconcile.diff"
	TopicStreamReconnect Topic = "stream.reconnect"
	TopicStreamDegraded  Topic = "stream.degraded"
)

// TickerEvent is one mark/last price observation from the market stream.
type TickerEvent struct {
	Symbol string
	Price  float64
	Time   time.Time
}

// OrderUpdateEvent mirrors the user stream's order trade update.
type OrderUpdateEvent struct {
	Symbol        string
	OrderID       int64
	ClientOrderID string
	Side          string
	Type          string
	Status        string
	AvgPrice      float64
	FilledQty     float64
	ReduceOnly    bool
	EventTime     time.Time
}

// AccountUpdateEvent mirrors the user stream's position deltas.
type AccountUpdateEvent struct {
	Positions []AccountPosition
	EventTime time.Time
}

// AccountPosition is one symbol's position inside an account update.
type AccountPosition struct {
	Symbol     string
	Qty        float64 // signed
	EntryPrice float64
}

// PositionEvent announces an opened or closed position.
type PositionEvent struct {
	Symbol string
	Side   string
	Qty    float64
	Entry  float64
	Reason string // open trigger or close reason
}

// ProtectEvent reports progress of the protective-order protocol.
type ProtectEvent struct {
	Symbol    string
	StopPrice float64
	Attempts  int
	Err       string // non-empty on failure
}

// ReconcileEvent reports one divergence between ledger and exchange.
type ReconcileEvent struct {
	Symbol string
	Kind   string // "adopted", "removed", "skipped_emergency"
}

// StreamEvent reports a websocket lifecycle change.
type StreamEvent struct {
	Stream  string // "market" or "user"
	Attempt int
	Reason  string
}
