package models

type OrderSide string

const (
	OrderSideBuy  OrderSide = "buy"
	OrderSideSell OrderSide = "sell"
)

type OrderType string

const (
	OrderTypeMarket OrderType = "market"
	OrderTypeLimit  OrderType = "limit"
)

// Order is an order as requested by the caller. LimitPrice is required
// for limit orders and must be absent for market orders.
type Order struct {
	Symbol     string
	Side       OrderSide
	Type       OrderType
	Quantity   float64
	LimitPrice *float64
}

// OrderResult is the broker's answer to an order placement. When the
// broker rejects the order, Reason carries its message verbatim.
type OrderResult struct {
	OrderID       string
	ClientOrderID string
	Accepted      bool
	Reason        string
}
