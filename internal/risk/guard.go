// Package risk evaluates stop-loss and take-profit rules against ticker prices.
package risk

import (
	"fmt"
	"grid_trader/internal/grid"

	"github.com/shopspring/decimal"
)

// TriggerKind identifies which rule fired.
type TriggerKind string

const (
	TriggerStopLoss   TriggerKind = "stop_loss"
	TriggerTakeProfit TriggerKind = "take_profit"
)

// Trigger describes a fired risk rule. Price is the offending ticker price,
// Threshold the boundary it crossed.
type Trigger struct {
	Kind      TriggerKind
	Price     decimal.Decimal
	Threshold decimal.Decimal
}

// String returns a description suitable for logs and alerts.
func (t *Trigger) String() string {
	switch t.Kind {
	case TriggerStopLoss:
		return fmt.Sprintf("stop-loss: price %s below %s", t.Price, t.Threshold)
	case TriggerTakeProfit:
		return fmt.Sprintf("take-profit: price %s above %s", t.Price, t.Threshold)
	}
	return fmt.Sprintf("%s: price %s crossed %s", t.Kind, t.Price, t.Threshold)
}

// Guard holds the precomputed trigger boundaries for one grid configuration.
// It carries no mutable state and is safe for concurrent use.
type Guard struct {
	stopLoss   decimal.Decimal
	takeProfit *decimal.Decimal
}

// NewGuard derives the trigger boundaries from the grid configuration.
// Stop-loss fires below lower_price scaled down by stop_loss_pct; take-profit,
// when configured, fires above upper_price scaled up by take_profit_pct.
func NewGuard(cfg *grid.Config) *Guard {
	return &Guard{
		stopLoss:   cfg.StopLossPrice(),
		takeProfit: cfg.TakeProfitPrice(),
	}
}

// Check evaluates a ticker price against the boundaries. It returns nil while
// the price stays inside them. Prices exactly on a boundary do not fire.
func (g *Guard) Check(price decimal.Decimal) *Trigger {
	if price.LessThan(g.stopLoss) {
		return &Trigger{Kind: TriggerStopLoss, Price: price, Threshold: g.stopLoss}
	}
	if g.takeProfit != nil && price.GreaterThan(*g.takeProfit) {
		return &Trigger{Kind: TriggerTakeProfit, Price: price, Threshold: *g.takeProfit}
	}
	return nil
}
