package core

import (
	"github.com/shopspring/decimal"
)

// OrderSide is the direction of an order.
type OrderSide string

const (
	OrderSideBuy  OrderSide = "BUY"
	OrderSideSell OrderSide = "SELL"
)

// OrderType is the execution type of an order.
type OrderType string

const (
	OrderTypeLimit  OrderType = "LIMIT"
	OrderTypeMarket OrderType = "MARKET"
)

// OrderStatus is the venue-reported lifecycle state of an order.
type OrderStatus string

const (
	OrderStatusNew             OrderStatus = "NEW"
	OrderStatusPartiallyFilled OrderStatus = "PARTIALLY_FILLED"
	OrderStatusFilled          OrderStatus = "FILLED"
	OrderStatusCancelled       OrderStatus = "CANCELLED"
	OrderStatusRejected        OrderStatus = "REJECTED"
	OrderStatusExpired         OrderStatus = "EXPIRED"
	// OrderStatusUnknown means the venue cannot find the order and cannot
	// prove a terminal state for it.
	OrderStatusUnknown OrderStatus = "UNKNOWN"
)

// IsTerminal reports whether no further executions can happen for the order.
func (s OrderStatus) IsTerminal() bool {
	switch s {
	case OrderStatusFilled, OrderStatusCancelled, OrderStatusRejected, OrderStatusExpired:
		return true
	}
	return false
}

// CancelResult distinguishes a successful cancel from one that raced a
// terminal state.
type CancelResult int

const (
	CancelOK CancelResult = iota
	// CancelAlreadyGone means the venue no longer had the order open
	// (already filled, cancelled, or expired). Not an error.
	CancelAlreadyGone
	// CancelError means the cancel did not happen and the order state is
	// unchanged. The accompanying error carries the cause.
	CancelError
)

// PlaceOrderRequest describes an order to be placed. ClientOrderID is the
// idempotency key: the venue must return the existing order for a repeated id
// instead of placing a duplicate.
type PlaceOrderRequest struct {
	Symbol        string
	Side          OrderSide
	Type          OrderType
	Price         decimal.Decimal
	Quantity      decimal.Decimal
	ClientOrderID string
}

// Order is the venue's view of an order.
type Order struct {
	OrderID       int64
	ClientOrderID string
	Symbol        string
	Side          OrderSide
	Type          OrderType
	Status        OrderStatus
	Price         decimal.Decimal
	Quantity      decimal.Decimal
	ExecutedQty   decimal.Decimal
	AvgPrice      decimal.Decimal
	// Fee is the cumulative commission the venue reported for this order,
	// zero when the venue did not report one.
	Fee        decimal.Decimal
	FeeAsset   string
	UpdateTime int64
}

// Fill is a full execution event for an order. The engine only acts on full
// fills; adapters surface one Fill per order when it reaches FILLED.
type Fill struct {
	OrderID       int64
	ClientOrderID string
	Symbol        string
	Side          OrderSide
	Price         decimal.Decimal
	Quantity      decimal.Decimal
	Fee           decimal.Decimal
	FeeAsset      string
	TradeTime     int64
}

// Ticker is a best-price snapshot for a symbol.
type Ticker struct {
	Symbol    string
	Last      decimal.Decimal
	Bid       decimal.Decimal
	Ask       decimal.Decimal
	Timestamp int64
}

// SymbolRules carries the venue filters that constrain order parameters.
type SymbolRules struct {
	Symbol      string
	BaseAsset   string
	QuoteAsset  string
	TickSize    decimal.Decimal
	LotStep     decimal.Decimal
	MinNotional decimal.Decimal
}
