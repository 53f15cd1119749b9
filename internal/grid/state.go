package grid

import (
	"fmt"
	"grid_trader/internal/core"
	apperrors "grid_trader/pkg/errors"
	"time"

	"github.com/shopspring/decimal"
)

// Status is the lifecycle state of a strategy instance.
type Status string

const (
	StatusInitializing      Status = "Initializing"
	StatusRunning           Status = "Running"
	StatusStoppedByRisk     Status = "StoppedByRisk"
	StatusStoppedByOperator Status = "StoppedByOperator"
	StatusFailed            Status = "Failed"
)

// IsTerminal reports whether the instance has permanently stopped.
// A terminal instance never places another order.
func (s Status) IsTerminal() bool {
	switch s {
	case StatusStoppedByRisk, StatusStoppedByOperator, StatusFailed:
		return true
	}
	return false
}

// Level is one price slot of the grid. At most one order (buy or sell) is
// bound to a level at any instant; FilledBuy marks a level holding inventory
// that awaits its sell.
type Level struct {
	Index    int
	Price    decimal.Decimal
	Quantity decimal.Decimal
	Active   bool

	BuyOrderID   int64
	BuyClientID  string
	SellOrderID  int64
	SellClientID string
	FilledBuy    bool

	LastBuyFillPrice decimal.Decimal
	LastBuyFillFee   decimal.Decimal
	FilledQuantity   decimal.Decimal

	// PlacementEpoch is bumped for every new placement intent on this level
	// so successive orders carry distinct idempotency keys. Retries of the
	// same intent reuse the epoch.
	PlacementEpoch uint64
	NeedsRetry     bool
}

// HasBuy reports whether a buy order is currently bound.
func (l *Level) HasBuy() bool { return l.BuyOrderID != 0 }

// HasSell reports whether a sell order is currently bound.
func (l *Level) HasSell() bool { return l.SellOrderID != 0 }

// Statistics aggregates realized results across completed cycles.
type Statistics struct {
	TotalProfit     decimal.Decimal
	TotalFees       decimal.Decimal
	CompletedCycles int64
	LastTickPrice   decimal.Decimal
}

// BoundOrder is one (level, side) binding, used by reconciliation to compare
// local intent against the exchange's open-order set.
type BoundOrder struct {
	LevelIdx int
	Side     core.OrderSide
	OrderID  int64
	ClientID string
}

// State is the durable grid state for one strategy instance. It is mutated
// only through the methods below, each of which preserves the level
// invariants; callers treat any returned ErrInvariantViolation as fatal.
type State struct {
	InstanceID     string
	Config         *Config
	Levels         []*Level
	Stats          Statistics
	Status         Status
	Version        uint64
	LastKnownPrice decimal.Decimal
	UpdatedAt      time.Time
}

// NewState creates the state for a fresh instance in Initializing status.
func NewState(instanceID string, cfg *Config, levels []*Level) *State {
	return &State{
		InstanceID: instanceID,
		Config:     cfg,
		Levels:     levels,
		Status:     StatusInitializing,
		UpdatedAt:  time.Now().UTC(),
	}
}

func (s *State) level(idx int) (*Level, error) {
	if idx < 0 || idx >= len(s.Levels) {
		return nil, fmt.Errorf("%w: level %d out of range [0, %d)", apperrors.ErrInvariantViolation, idx, len(s.Levels))
	}
	return s.Levels[idx], nil
}

// BindBuy binds an acknowledged buy order to a level. The level must have no
// order bound and must not already hold inventory.
func (s *State) BindBuy(idx int, orderID int64, clientID string) error {
	l, err := s.level(idx)
	if err != nil {
		return err
	}
	if orderID == 0 {
		return fmt.Errorf("%w: bind buy on level %d with zero order id", apperrors.ErrInvariantViolation, idx)
	}
	if l.HasBuy() || l.HasSell() {
		return fmt.Errorf("%w: bind buy on level %d with order already bound (buy=%d sell=%d)",
			apperrors.ErrInvariantViolation, idx, l.BuyOrderID, l.SellOrderID)
	}
	if l.FilledBuy {
		return fmt.Errorf("%w: bind buy on level %d holding an unsold fill", apperrors.ErrInvariantViolation, idx)
	}
	if other := s.FindLevelByOrderID(orderID); other != nil {
		return fmt.Errorf("%w: order %d already bound to level %d", apperrors.ErrInvariantViolation, orderID, other.Index)
	}
	l.BuyOrderID = orderID
	l.BuyClientID = clientID
	l.NeedsRetry = false
	return nil
}

// BindSell binds an acknowledged sell order to a level holding inventory.
func (s *State) BindSell(idx int, orderID int64, clientID string) error {
	l, err := s.level(idx)
	if err != nil {
		return err
	}
	if orderID == 0 {
		return fmt.Errorf("%w: bind sell on level %d with zero order id", apperrors.ErrInvariantViolation, idx)
	}
	if l.HasBuy() || l.HasSell() {
		return fmt.Errorf("%w: bind sell on level %d with order already bound (buy=%d sell=%d)",
			apperrors.ErrInvariantViolation, idx, l.BuyOrderID, l.SellOrderID)
	}
	if !l.FilledBuy {
		return fmt.Errorf("%w: bind sell on level %d without a filled buy", apperrors.ErrInvariantViolation, idx)
	}
	if other := s.FindLevelByOrderID(orderID); other != nil {
		return fmt.Errorf("%w: order %d already bound to level %d", apperrors.ErrInvariantViolation, orderID, other.Index)
	}
	l.SellOrderID = orderID
	l.SellClientID = clientID
	l.NeedsRetry = false
	return nil
}

// RecordBuyFill marks the bound buy as filled. The level now holds inventory:
// the fill price, executed quantity and fee are kept until the matching sell
// completes the cycle.
func (s *State) RecordBuyFill(idx int, fillPrice, fillQty, fee decimal.Decimal) error {
	l, err := s.level(idx)
	if err != nil {
		return err
	}
	if !l.HasBuy() {
		return fmt.Errorf("%w: buy fill on level %d without a bound buy", apperrors.ErrInvariantViolation, idx)
	}
	if !fillPrice.IsPositive() {
		return fmt.Errorf("%w: buy fill on level %d with price %s", apperrors.ErrInvariantViolation, idx, fillPrice)
	}
	if !fillQty.IsPositive() {
		fillQty = l.Quantity
	}
	l.BuyOrderID = 0
	l.BuyClientID = ""
	l.FilledBuy = true
	l.LastBuyFillPrice = fillPrice
	l.LastBuyFillFee = fee
	l.FilledQuantity = fillQty
	return nil
}

// RecordSellFill completes a cycle: realized profit is credited net of both
// fees so that profit plus fees always sums to the gross price difference
// times the bought quantity. Quantity lost to exchange rounding between the
// buy and the sell is absorbed into fees.
func (s *State) RecordSellFill(idx int, fillPrice, fillQty, fee decimal.Decimal) error {
	l, err := s.level(idx)
	if err != nil {
		return err
	}
	if !l.HasSell() {
		return fmt.Errorf("%w: sell fill on level %d without a bound sell", apperrors.ErrInvariantViolation, idx)
	}
	if !fillPrice.IsPositive() {
		return fmt.Errorf("%w: sell fill on level %d with price %s", apperrors.ErrInvariantViolation, idx, fillPrice)
	}

	buyQty := l.FilledQuantity
	if !buyQty.IsPositive() {
		buyQty = l.Quantity
	}
	gross := fillPrice.Sub(l.LastBuyFillPrice).Mul(buyQty)
	fees := l.LastBuyFillFee.Add(fee)
	if fillQty.IsPositive() && fillQty.LessThan(buyQty) {
		dust := buyQty.Sub(fillQty).Mul(fillPrice)
		fees = fees.Add(dust)
	}

	s.Stats.TotalProfit = s.Stats.TotalProfit.Add(gross.Sub(fees))
	s.Stats.TotalFees = s.Stats.TotalFees.Add(fees)
	s.Stats.CompletedCycles++

	l.SellOrderID = 0
	l.SellClientID = ""
	l.FilledBuy = false
	l.LastBuyFillPrice = decimal.Zero
	l.LastBuyFillFee = decimal.Zero
	l.FilledQuantity = decimal.Zero
	return nil
}

// ClearOrder removes a binding after the exchange reported the order gone
// without a fill. Clearing a sell keeps FilledBuy set: the inventory is still
// held and a replacement sell must follow.
func (s *State) ClearOrder(idx int, side core.OrderSide) error {
	l, err := s.level(idx)
	if err != nil {
		return err
	}
	switch side {
	case core.OrderSideBuy:
		if !l.HasBuy() {
			return fmt.Errorf("%w: clear buy on level %d without a bound buy", apperrors.ErrInvariantViolation, idx)
		}
		l.BuyOrderID = 0
		l.BuyClientID = ""
	case core.OrderSideSell:
		if !l.HasSell() {
			return fmt.Errorf("%w: clear sell on level %d without a bound sell", apperrors.ErrInvariantViolation, idx)
		}
		l.SellOrderID = 0
		l.SellClientID = ""
	default:
		return fmt.Errorf("%w: clear order on level %d with side %q", apperrors.ErrInvariantViolation, idx, side)
	}
	return nil
}

// SetStatus transitions the instance state machine. Terminal states reject
// every further transition; setting the current status again is a no-op so
// reconciliation stays re-runnable.
func (s *State) SetStatus(next Status) error {
	if s.Status == next {
		return nil
	}
	if s.Status.IsTerminal() {
		return fmt.Errorf("%w: %s is terminal, cannot transition to %s", apperrors.ErrTerminalStatus, s.Status, next)
	}
	switch next {
	case StatusRunning:
		if s.Status != StatusInitializing {
			return fmt.Errorf("%w: cannot transition %s -> %s", apperrors.ErrInvariantViolation, s.Status, next)
		}
	case StatusStoppedByRisk:
		if s.Status != StatusRunning {
			return fmt.Errorf("%w: cannot transition %s -> %s", apperrors.ErrInvariantViolation, s.Status, next)
		}
	case StatusStoppedByOperator, StatusFailed:
		// Reachable from any non-terminal state.
	default:
		return fmt.Errorf("%w: cannot transition %s -> %s", apperrors.ErrInvariantViolation, s.Status, next)
	}
	s.Status = next
	return nil
}

// UpdateLastPrice records the latest observed ticker price.
func (s *State) UpdateLastPrice(price decimal.Decimal) {
	s.LastKnownPrice = price
	s.Stats.LastTickPrice = price
}

// NextEpoch advances the level's placement counter and returns the new epoch.
// Callers persist the state before issuing the placement that uses it.
func (s *State) NextEpoch(idx int) (uint64, error) {
	l, err := s.level(idx)
	if err != nil {
		return 0, err
	}
	l.PlacementEpoch++
	return l.PlacementEpoch, nil
}

// FastForwardEpoch raises the placement counter to at least epoch. Used when
// reconciliation adopts an order whose id encodes a later epoch than the
// snapshot recorded.
func (s *State) FastForwardEpoch(idx int, epoch uint64) error {
	l, err := s.level(idx)
	if err != nil {
		return err
	}
	if epoch > l.PlacementEpoch {
		l.PlacementEpoch = epoch
	}
	return nil
}

// MarkNeedsRetry flags a level whose placement failed transiently.
func (s *State) MarkNeedsRetry(idx int, v bool) error {
	l, err := s.level(idx)
	if err != nil {
		return err
	}
	l.NeedsRetry = v
	return nil
}

// Deactivate permanently excludes a level after the exchange rejected its
// order outright (min notional, price filter, insufficient funds).
func (s *State) Deactivate(idx int) error {
	l, err := s.level(idx)
	if err != nil {
		return err
	}
	l.Active = false
	l.NeedsRetry = false
	return nil
}

// FindLevelByOrderID returns the level a given exchange order id is bound to,
// or nil.
func (s *State) FindLevelByOrderID(orderID int64) *Level {
	if orderID == 0 {
		return nil
	}
	for _, l := range s.Levels {
		if l.BuyOrderID == orderID || l.SellOrderID == orderID {
			return l
		}
	}
	return nil
}

// FindLevelByClientID returns the level a given client order id is bound to,
// or nil.
func (s *State) FindLevelByClientID(clientID string) *Level {
	if clientID == "" {
		return nil
	}
	for _, l := range s.Levels {
		if l.BuyClientID == clientID || l.SellClientID == clientID {
			return l
		}
	}
	return nil
}

// BoundOrders lists every current binding in ascending level order.
func (s *State) BoundOrders() []BoundOrder {
	out := make([]BoundOrder, 0, len(s.Levels))
	for _, l := range s.Levels {
		if l.HasBuy() {
			out = append(out, BoundOrder{LevelIdx: l.Index, Side: core.OrderSideBuy, OrderID: l.BuyOrderID, ClientID: l.BuyClientID})
		}
		if l.HasSell() {
			out = append(out, BoundOrder{LevelIdx: l.Index, Side: core.OrderSideSell, OrderID: l.SellOrderID, ClientID: l.SellClientID})
		}
	}
	return out
}

// CommittedNotional sums the capital currently tied up in the grid: open
// buys at their level price plus held inventory at its buy fill price.
// Inventory counts whether or not its sell is bound yet, which keeps the
// capital bound conservative across the fill-to-counter-order window.
func (s *State) CommittedNotional() decimal.Decimal {
	total := decimal.Zero
	for _, l := range s.Levels {
		switch {
		case l.HasBuy():
			total = total.Add(l.Price.Mul(l.Quantity))
		case l.FilledBuy:
			qty := l.FilledQuantity
			if !qty.IsPositive() {
				qty = l.Quantity
			}
			price := l.LastBuyFillPrice
			if !price.IsPositive() {
				price = l.Price
			}
			total = total.Add(price.Mul(qty))
		}
	}
	return total
}

// OpenOrderCounts returns the number of bound buys and sells.
func (s *State) OpenOrderCounts() (buys, sells int) {
	for _, l := range s.Levels {
		if l.HasBuy() {
			buys++
		}
		if l.HasSell() {
			sells++
		}
	}
	return buys, sells
}

// ActiveLevelCount returns the number of levels still eligible for placement.
func (s *State) ActiveLevelCount() int {
	n := 0
	for _, l := range s.Levels {
		if l.Active {
			n++
		}
	}
	return n
}

// CheckInvariants verifies the level invariants and order-id uniqueness over
// the whole state. The engine treats a violation as fatal.
func (s *State) CheckInvariants() error {
	seen := make(map[int64]int, len(s.Levels))
	for _, l := range s.Levels {
		if l.HasBuy() && l.HasSell() {
			return fmt.Errorf("%w: level %d has both buy %d and sell %d bound",
				apperrors.ErrInvariantViolation, l.Index, l.BuyOrderID, l.SellOrderID)
		}
		if l.HasSell() && !l.FilledBuy {
			return fmt.Errorf("%w: level %d has sell %d bound without a filled buy",
				apperrors.ErrInvariantViolation, l.Index, l.SellOrderID)
		}
		if l.HasBuy() && l.FilledBuy {
			return fmt.Errorf("%w: level %d has buy %d bound while holding a fill",
				apperrors.ErrInvariantViolation, l.Index, l.BuyOrderID)
		}
		for _, id := range []int64{l.BuyOrderID, l.SellOrderID} {
			if id == 0 {
				continue
			}
			if prev, dup := seen[id]; dup {
				return fmt.Errorf("%w: order %d bound to both level %d and level %d",
					apperrors.ErrInvariantViolation, id, prev, l.Index)
			}
			seen[id] = l.Index
		}
	}
	return nil
}
