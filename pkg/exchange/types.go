package exchange

import "time"

// Side denotes order side.
type Side string

const (
	SideBuy  Side = "BUY"
	SideSell Side = "SELL"
)

// Opposite returns the closing side for a position opened with s.
func (s Side) Opposite() Side {
	if s == SideBuy {
		return SideSell
	}
	return SideBuy
}

// OrderType denotes the futures order types the engine uses.
type OrderType string

const (
	OrderTypeMarket     OrderType = "MARKET"
	OrderTypeLimit      OrderType = "LIMIT"
	OrderTypeStopMarket OrderType = "STOP_MARKET"
	OrderTypeTakeProfit OrderType = "TAKE_PROFIT_MARKET"
)

// OrderStatus normalizes exchange status into a small set.
type OrderStatus string

const (
	StatusNew      OrderStatus = "NEW"
	StatusPartial  OrderStatus = "PARTIALLY_FILLED"
	StatusFilled   OrderStatus = "FILLED"
	StatusCanceled OrderStatus = "CANCELED"
	StatusRejected OrderStatus = "REJECTED"
	StatusExpired  OrderStatus = "EXPIRED"
)

// WorkingType selects which price feed evaluates trigger orders.
type WorkingType string

const (
	WorkingMarkPrice     WorkingType = "MARK_PRICE"
	WorkingContractPrice WorkingType = "CONTRACT_PRICE"
)

// OrderRequest captures an order intent to be sent to the exchange.
type OrderRequest struct {
	Symbol        string
	Side          Side
	Type          OrderType
	Qty           float64
	Price         float64 // LIMIT only
	StopPrice     float64 // STOP_MARKET / TAKE_PROFIT_MARKET trigger
	ReduceOnly    bool
	WorkingType   WorkingType
	ClientOrderID string
	TimeInForce   string
}

// OrderResult is the exchange ack for a create call.
type OrderResult struct {
	OrderID       int64
	ClientOrderID string
	Status        OrderStatus
	ExecutedQty   float64
	AvgPrice      float64
}

// Order is an open or historical order as reported by the exchange.
type Order struct {
	OrderID       int64
	ClientOrderID string
	Symbol        string
	Side          Side
	Type          OrderType
	Status        OrderStatus
	Price         float64
	StopPrice     float64
	OrigQty       float64
	ExecutedQty   float64
	AvgPrice      float64
	ReduceOnly    bool
	UpdateTime    time.Time
}

// Position is the exchange's position-risk view, parsed to floats.
type Position struct {
	Symbol        string
	Qty           float64 // signed: positive long, negative short
	EntryPrice    float64
	MarkPrice     float64
	UnrealizedPnL float64
	Leverage      int
}

// Balance is one asset's futures wallet entry.
type Balance struct {
	Asset     string
	Total     float64
	Available float64
}

// Ticker is the latest traded price for a symbol.
type Ticker struct {
	Symbol string
	Price  float64
	Time   time.Time
}

// Kline is one OHLCV candle.
type Kline struct {
	OpenTime  int64
	Open      float64
	High      float64
	Low       float64
	Close     float64
	Volume    float64
	CloseTime int64
}

// SymbolInfo carries the contract filters needed to format orders.
type SymbolInfo struct {
	Symbol      string
	TickSize    float64
	StepSize    float64
	MinQty      float64
	MinNotional float64
}
