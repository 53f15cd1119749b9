// Package grid implements the grid-trading state machine: geometry,
// per-level order bindings, profit accounting, and snapshot serialization.
package grid

import (
	"fmt"
	apperrors "grid_trader/pkg/errors"

	"github.com/shopspring/decimal"
)

// SpacingMode selects how level prices are distributed between the bounds.
type SpacingMode string

const (
	SpacingArithmetic SpacingMode = "arithmetic"
	SpacingGeometric  SpacingMode = "geometric"
)

const (
	MinGrids = 3
	MaxGrids = 100
)

// DefaultReserveFraction is the share of total investment kept uncommitted
// when the configuration does not specify one.
var DefaultReserveFraction = decimal.RequireFromString("0.2")

// Config is the immutable grid configuration for one strategy instance.
type Config struct {
	Symbol          string
	LowerPrice      decimal.Decimal
	UpperPrice      decimal.Decimal
	NumGrids        int
	TotalInvestment decimal.Decimal
	SpacingMode     SpacingMode
	StopLossPct     decimal.Decimal
	TakeProfitPct   *decimal.Decimal // nil disables the take-profit trigger
	ReserveFraction decimal.Decimal
}

// Validate checks the configuration bounds. Any violation is reported as
// ErrConfigInfeasible; an infeasible config must never create persisted state.
func (c *Config) Validate() error {
	if c.Symbol == "" {
		return fmt.Errorf("%w: symbol is required", apperrors.ErrConfigInfeasible)
	}
	if !c.LowerPrice.IsPositive() {
		return fmt.Errorf("%w: lower_price must be positive, got %s", apperrors.ErrConfigInfeasible, c.LowerPrice)
	}
	if c.LowerPrice.GreaterThanOrEqual(c.UpperPrice) {
		return fmt.Errorf("%w: lower_price %s must be below upper_price %s", apperrors.ErrConfigInfeasible, c.LowerPrice, c.UpperPrice)
	}
	if c.NumGrids < MinGrids || c.NumGrids > MaxGrids {
		return fmt.Errorf("%w: num_grids must be in [%d, %d], got %d", apperrors.ErrConfigInfeasible, MinGrids, MaxGrids, c.NumGrids)
	}
	if !c.TotalInvestment.IsPositive() {
		return fmt.Errorf("%w: total_investment must be positive, got %s", apperrors.ErrConfigInfeasible, c.TotalInvestment)
	}
	if c.SpacingMode != SpacingArithmetic && c.SpacingMode != SpacingGeometric {
		return fmt.Errorf("%w: unknown spacing_mode %q", apperrors.ErrConfigInfeasible, c.SpacingMode)
	}
	if c.StopLossPct.IsNegative() || c.StopLossPct.GreaterThanOrEqual(decimal.NewFromInt(1)) {
		return fmt.Errorf("%w: stop_loss_pct must be in [0, 1), got %s", apperrors.ErrConfigInfeasible, c.StopLossPct)
	}
	if c.TakeProfitPct != nil && c.TakeProfitPct.IsNegative() {
		return fmt.Errorf("%w: take_profit_pct must be non-negative, got %s", apperrors.ErrConfigInfeasible, c.TakeProfitPct)
	}
	if c.ReserveFraction.IsNegative() || c.ReserveFraction.GreaterThanOrEqual(decimal.NewFromInt(1)) {
		return fmt.Errorf("%w: reserve_fraction must be in [0, 1), got %s", apperrors.ErrConfigInfeasible, c.ReserveFraction)
	}
	return nil
}

// InvestableAmount returns the capital available for placement,
// total_investment scaled by (1 - reserve_fraction).
func (c *Config) InvestableAmount() decimal.Decimal {
	return c.TotalInvestment.Mul(decimal.NewFromInt(1).Sub(c.ReserveFraction))
}

// StopLossPrice returns the price below which the stop-loss trigger fires.
func (c *Config) StopLossPrice() decimal.Decimal {
	return c.LowerPrice.Mul(decimal.NewFromInt(1).Sub(c.StopLossPct))
}

// TakeProfitPrice returns the price above which the take-profit trigger
// fires, or nil when take-profit is not configured.
func (c *Config) TakeProfitPrice() *decimal.Decimal {
	if c.TakeProfitPct == nil {
		return nil
	}
	p := c.UpperPrice.Mul(decimal.NewFromInt(1).Add(*c.TakeProfitPct))
	return &p
}
