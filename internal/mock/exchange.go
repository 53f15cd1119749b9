// Package mock provides a deterministic in-memory exchange for tests. It
// honors the adapter contract (idempotent placement, client-id lookup) and
// can inject the failure modes the engine must survive: scripted API errors,
// lost acknowledgements, dropped fill events, and duplicate fill events.
package mock

import (
	"context"
	"fmt"
	"grid_trader/internal/core"
	apperrors "grid_trader/pkg/errors"
	"sync"
	"time"

	"github.com/shopspring/decimal"
)

// MockExchange implements core.IExchange for testing
type MockExchange struct {
	name string
	mu   sync.Mutex

	orders         map[int64]*core.Order
	clientOrderMap map[string]int64
	orderIDCounter int64

	rules   map[string]core.SymbolRules
	tickers map[string]core.Ticker

	fillCallbacks   []func(*core.Fill)
	tickerCallbacks []func(*core.Ticker)
	fillStream      bool
	tickerStream    bool

	// Failure injection
	placeErrs      []error
	cancelErrs     []error
	getOrderErrs   []error
	listErrs       []error
	dropAcks       int
	dropFills      bool
	duplicateFills bool
	unknownOrders  map[string]bool

	placeCalls int
}

func NewMockExchange(name string) *MockExchange {
	return &MockExchange{
		name:           name,
		orders:         make(map[int64]*core.Order),
		clientOrderMap: make(map[string]int64),
		orderIDCounter: 1000,
		rules:          make(map[string]core.SymbolRules),
		tickers:        make(map[string]core.Ticker),
		unknownOrders:  make(map[string]bool),
	}
}

func (m *MockExchange) GetName() string { return m.name }

func (m *MockExchange) CheckHealth(ctx context.Context) error { return nil }

// SetSymbolRules overrides the trading rules returned for a symbol.
func (m *MockExchange) SetSymbolRules(rules core.SymbolRules) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.rules[rules.Symbol] = rules
}

func (m *MockExchange) GetSymbolRules(ctx context.Context, symbol string) (*core.SymbolRules, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if r, ok := m.rules[symbol]; ok {
		cp := r
		return &cp, nil
	}
	return &core.SymbolRules{
		Symbol:      symbol,
		TickSize:    decimal.RequireFromString("0.01"),
		LotStep:     decimal.RequireFromString("0.001"),
		MinNotional: decimal.RequireFromString("5"),
	}, nil
}

// PlaceOrder places an order into the mock exchange. Idempotent on
// ClientOrderID: a repeated call returns the already-created order, whatever
// its current status.
func (m *MockExchange) PlaceOrder(ctx context.Context, req *core.PlaceOrderRequest) (*core.Order, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.placeCalls++

	if req.ClientOrderID != "" {
		if existingID, exists := m.clientOrderMap[req.ClientOrderID]; exists {
			if existingOrder, ok := m.orders[existingID]; ok {
				cp := *existingOrder
				return &cp, nil
			}
		}
	}

	if len(m.placeErrs) > 0 {
		err := m.placeErrs[0]
		m.placeErrs = m.placeErrs[1:]
		return nil, err
	}

	m.orderIDCounter++
	id := m.orderIDCounter

	order := &core.Order{
		OrderID:       id,
		ClientOrderID: req.ClientOrderID,
		Symbol:        req.Symbol,
		Side:          req.Side,
		Type:          req.Type,
		Status:        core.OrderStatusNew,
		Price:         req.Price,
		Quantity:      req.Quantity,
		ExecutedQty:   decimal.Zero,
		UpdateTime:    time.Now().UnixMilli(),
	}

	m.orders[id] = order
	if order.ClientOrderID != "" {
		m.clientOrderMap[order.ClientOrderID] = order.OrderID
	}

	// A dropped acknowledgement: the order exists on the exchange but the
	// caller sees a timeout.
	if m.dropAcks > 0 {
		m.dropAcks--
		return nil, fmt.Errorf("%w: acknowledgement lost", apperrors.ErrConnectionFailed)
	}

	cp := *order
	return &cp, nil
}

func (m *MockExchange) CancelOrder(ctx context.Context, symbol, clientOrderID string) (core.CancelResult, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if len(m.cancelErrs) > 0 {
		err := m.cancelErrs[0]
		m.cancelErrs = m.cancelErrs[1:]
		return core.CancelError, err
	}

	id, exists := m.clientOrderMap[clientOrderID]
	if !exists {
		return core.CancelAlreadyGone, nil
	}
	order := m.orders[id]
	if order.Status.IsTerminal() {
		return core.CancelAlreadyGone, nil
	}

	order.Status = core.OrderStatusCancelled
	order.UpdateTime = time.Now().UnixMilli()
	return core.CancelOK, nil
}

func (m *MockExchange) GetOrder(ctx context.Context, symbol, clientOrderID string) (*core.Order, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if len(m.getOrderErrs) > 0 {
		err := m.getOrderErrs[0]
		m.getOrderErrs = m.getOrderErrs[1:]
		return nil, err
	}

	if m.unknownOrders[clientOrderID] {
		return &core.Order{ClientOrderID: clientOrderID, Symbol: symbol, Status: core.OrderStatusUnknown}, nil
	}

	id, exists := m.clientOrderMap[clientOrderID]
	if !exists {
		return nil, fmt.Errorf("%w: client order id %s", apperrors.ErrOrderNotFound, clientOrderID)
	}
	cp := *m.orders[id]
	return &cp, nil
}

func (m *MockExchange) GetOpenOrders(ctx context.Context, symbol string) ([]*core.Order, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if len(m.listErrs) > 0 {
		err := m.listErrs[0]
		m.listErrs = m.listErrs[1:]
		return nil, err
	}

	var orders []*core.Order
	for _, order := range m.orders {
		if order.Symbol != symbol {
			continue
		}
		if order.Status == core.OrderStatusNew || order.Status == core.OrderStatusPartiallyFilled {
			cp := *order
			orders = append(orders, &cp)
		}
	}
	return orders, nil
}

func (m *MockExchange) GetTicker(ctx context.Context, symbol string) (*core.Ticker, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if t, ok := m.tickers[symbol]; ok {
		cp := t
		return &cp, nil
	}
	return nil, fmt.Errorf("no ticker set for %s", symbol)
}

func (m *MockExchange) StartFillStream(ctx context.Context, symbol string, callback func(*core.Fill)) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.fillCallbacks = append(m.fillCallbacks, callback)
	m.fillStream = true
	return nil
}

func (m *MockExchange) StopFillStream() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.fillStream = false
	m.fillCallbacks = nil
	return nil
}

func (m *MockExchange) StartTickerStream(ctx context.Context, symbol string, callback func(*core.Ticker)) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.tickerCallbacks = append(m.tickerCallbacks, callback)
	m.tickerStream = true
	return nil
}

func (m *MockExchange) StopTickerStream() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.tickerStream = false
	m.tickerCallbacks = nil
	return nil
}

// PushTicker sets the current ticker and notifies the ticker stream.
func (m *MockExchange) PushTicker(symbol string, last decimal.Decimal) {
	m.mu.Lock()
	tick := core.Ticker{
		Symbol:    symbol,
		Last:      last,
		Bid:       last,
		Ask:       last,
		Timestamp: time.Now().UnixMilli(),
	}
	m.tickers[symbol] = tick
	running := m.tickerStream
	callbacks := append([]func(*core.Ticker){}, m.tickerCallbacks...)
	m.mu.Unlock()

	if !running {
		return
	}
	for _, callback := range callbacks {
		cp := tick
		go callback(&cp)
	}
}

// SimulateOrderFill marks an order fully filled and emits the fill event.
func (m *MockExchange) SimulateOrderFill(orderID int64, avgPrice, filledQty, fee decimal.Decimal) {
	m.mu.Lock()
	order, exists := m.orders[orderID]
	if !exists || order.Status.IsTerminal() {
		m.mu.Unlock()
		return
	}

	order.Status = core.OrderStatusFilled
	order.ExecutedQty = filledQty
	order.AvgPrice = avgPrice
	order.Fee = fee
	order.FeeAsset = "USDT"
	order.UpdateTime = time.Now().UnixMilli()

	fill := core.Fill{
		OrderID:       order.OrderID,
		ClientOrderID: order.ClientOrderID,
		Symbol:        order.Symbol,
		Side:          order.Side,
		Price:         avgPrice,
		Quantity:      filledQty,
		Fee:           fee,
		FeeAsset:      order.FeeAsset,
		TradeTime:     order.UpdateTime,
	}
	running := m.fillStream && !m.dropFills
	duplicate := m.duplicateFills
	callbacks := append([]func(*core.Fill){}, m.fillCallbacks...)
	m.mu.Unlock()

	if !running {
		return
	}
	emits := 1
	if duplicate {
		emits = 2
	}
	for i := 0; i < emits; i++ {
		for _, callback := range callbacks {
			cp := fill
			go callback(&cp)
		}
	}
}

// SimulatePartialFill records partial execution. No fill event is emitted:
// the adapter contract only surfaces fully filled orders.
func (m *MockExchange) SimulatePartialFill(orderID int64, avgPrice, filledQty decimal.Decimal) {
	m.mu.Lock()
	defer m.mu.Unlock()
	order, exists := m.orders[orderID]
	if !exists || order.Status.IsTerminal() {
		return
	}
	order.Status = core.OrderStatusPartiallyFilled
	order.ExecutedQty = filledQty
	order.AvgPrice = avgPrice
	order.UpdateTime = time.Now().UnixMilli()
}

// SimulateExternalCancel cancels an order without any event, as if an
// operator cancelled it on the exchange web UI.
func (m *MockExchange) SimulateExternalCancel(orderID int64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	order, exists := m.orders[orderID]
	if !exists || order.Status.IsTerminal() {
		return
	}
	order.Status = core.OrderStatusCancelled
	order.UpdateTime = time.Now().UnixMilli()
}

// ForgetOrder erases an order as if the exchange never saw it.
func (m *MockExchange) ForgetOrder(orderID int64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	order, exists := m.orders[orderID]
	if !exists {
		return
	}
	delete(m.clientOrderMap, order.ClientOrderID)
	delete(m.orders, orderID)
}

// FailNextPlacements scripts errors for upcoming PlaceOrder calls.
func (m *MockExchange) FailNextPlacements(errs ...error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.placeErrs = append(m.placeErrs, errs...)
}

// FailNextCancels scripts errors for upcoming CancelOrder calls.
func (m *MockExchange) FailNextCancels(errs ...error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.cancelErrs = append(m.cancelErrs, errs...)
}

// FailNextGetOrders scripts errors for upcoming GetOrder calls.
func (m *MockExchange) FailNextGetOrders(errs ...error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.getOrderErrs = append(m.getOrderErrs, errs...)
}

// FailNextListOpenOrders scripts errors for upcoming GetOpenOrders calls.
func (m *MockExchange) FailNextListOpenOrders(errs ...error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.listErrs = append(m.listErrs, errs...)
}

// DropNextAcks makes the next n placements succeed on the exchange while the
// caller observes a connection failure.
func (m *MockExchange) DropNextAcks(n int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.dropAcks = n
}

// SetDropFills suppresses fill events while keeping order state changes, as
// if the fill stream were disconnected.
func (m *MockExchange) SetDropFills(v bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.dropFills = v
}

// SetDuplicateFills makes every fill event arrive twice.
func (m *MockExchange) SetDuplicateFills(v bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.duplicateFills = v
}

// ForceOrderUnknown makes GetOrder report Unknown status for a client id.
func (m *MockExchange) ForceOrderUnknown(clientOrderID string, v bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if v {
		m.unknownOrders[clientOrderID] = true
	} else {
		delete(m.unknownOrders, clientOrderID)
	}
}

// OrderByClientID returns a copy of the order for assertions, or nil.
func (m *MockExchange) OrderByClientID(clientOrderID string) *core.Order {
	m.mu.Lock()
	defer m.mu.Unlock()
	id, exists := m.clientOrderMap[clientOrderID]
	if !exists {
		return nil
	}
	cp := *m.orders[id]
	return &cp
}

// Orders returns copies of every order the exchange has seen.
func (m *MockExchange) Orders() []*core.Order {
	m.mu.Lock()
	defer m.mu.Unlock()
	orders := make([]*core.Order, 0, len(m.orders))
	for _, o := range m.orders {
		cp := *o
		orders = append(orders, &cp)
	}
	return orders
}

// PlaceCalls returns how many PlaceOrder calls were made, idempotent hits
// included.
func (m *MockExchange) PlaceCalls() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.placeCalls
}
