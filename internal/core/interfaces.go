// Package core defines the core interfaces for the grid trading system
package core

import (
	"context"
)

// IExchange defines the venue surface the strategy engine depends on.
//
// PlaceOrder must be idempotent on ClientOrderID: a repeated call with the
// same id returns the already-existing order (in whatever state it is)
// instead of creating a duplicate. GetOrder must resolve by client order id
// and report OrderStatusUnknown when the venue cannot find the order and
// cannot prove a terminal state.
type IExchange interface {
	// Identity
	GetName() string
	CheckHealth(ctx context.Context) error

	// Order operations
	PlaceOrder(ctx context.Context, req *PlaceOrderRequest) (*Order, error)
	CancelOrder(ctx context.Context, symbol string, clientOrderID string) (CancelResult, error)
	GetOrder(ctx context.Context, symbol string, clientOrderID string) (*Order, error)
	GetOpenOrders(ctx context.Context, symbol string) ([]*Order, error)

	// Market data
	GetTicker(ctx context.Context, symbol string) (*Ticker, error)
	GetSymbolRules(ctx context.Context, symbol string) (*SymbolRules, error)

	// Streams. Both may drop events; consumers must not assume completeness.
	StartFillStream(ctx context.Context, symbol string, callback func(*Fill)) error
	StopFillStream() error
	StartTickerStream(ctx context.Context, symbol string, callback func(*Ticker)) error
	StopTickerStream() error
}

// ILogger defines the interface for logging
type ILogger interface {
	Debug(msg string, fields ...interface{})
	Info(msg string, fields ...interface{})
	Warn(msg string, fields ...interface{})
	Error(msg string, fields ...interface{})
	Fatal(msg string, fields ...interface{})
	WithField(key string, value interface{}) ILogger
	WithFields(fields map[string]interface{}) ILogger
}
