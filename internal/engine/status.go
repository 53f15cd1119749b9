package engine

import (
	"grid_trader/internal/core"
	"grid_trader/internal/grid"
	"time"

	"github.com/shopspring/decimal"
)

// StatusReport is the read-only view of one strategy instance, refreshed
// after every processed event. Decimals marshal as quoted strings, so the
// JSON form is exact.
type StatusReport struct {
	InstanceID           string           `json:"instance_id"`
	Symbol               string           `json:"symbol"`
	Status               string           `json:"status"`
	LastPrice            decimal.Decimal  `json:"last_price"`
	OpenBuys             int              `json:"open_buys"`
	OpenSells            int              `json:"open_sells"`
	ActiveLevels         int              `json:"active_levels"`
	TotalLevels          int              `json:"total_levels"`
	CompletedCycles      int64            `json:"completed_cycles"`
	TotalProfit          decimal.Decimal  `json:"total_profit"`
	TotalFees            decimal.Decimal  `json:"total_fees"`
	CommittedNotional    decimal.Decimal  `json:"committed_notional"`
	DistanceToNextBuy    *decimal.Decimal `json:"distance_to_next_buy,omitempty"`
	DistanceToTakeProfit *decimal.Decimal `json:"distance_to_take_profit,omitempty"`
	Version              uint64           `json:"version"`
	UpdatedAt            time.Time        `json:"updated_at"`
	Levels               []LevelReport    `json:"levels"`
}

// LevelReport is one grid level in the status view.
type LevelReport struct {
	Index      int             `json:"index"`
	Price      decimal.Decimal `json:"price"`
	Quantity   decimal.Decimal `json:"quantity"`
	Active     bool            `json:"active"`
	Side       string          `json:"side,omitempty"`
	OrderID    int64           `json:"order_id,omitempty"`
	HoldsFill  bool            `json:"holds_fill"`
	NeedsRetry bool            `json:"needs_retry,omitempty"`
}

func buildStatusReport(s *grid.State) *StatusReport {
	buys, sells := s.OpenOrderCounts()
	r := &StatusReport{
		InstanceID:        s.InstanceID,
		Symbol:            s.Config.Symbol,
		Status:            string(s.Status),
		LastPrice:         s.LastKnownPrice,
		OpenBuys:          buys,
		OpenSells:         sells,
		ActiveLevels:      s.ActiveLevelCount(),
		TotalLevels:       len(s.Levels),
		CompletedCycles:   s.Stats.CompletedCycles,
		TotalProfit:       s.Stats.TotalProfit,
		TotalFees:         s.Stats.TotalFees,
		CommittedNotional: s.CommittedNotional(),
		Version:           s.Version,
		UpdatedAt:         s.UpdatedAt,
		Levels:            make([]LevelReport, 0, len(s.Levels)),
	}

	// Distance from the last price down to the nearest open buy.
	if s.LastKnownPrice.IsPositive() {
		var nearest decimal.Decimal
		found := false
		for _, l := range s.Levels {
			if !l.HasBuy() {
				continue
			}
			if !found || l.Price.GreaterThan(nearest) {
				nearest = l.Price
				found = true
			}
		}
		if found {
			dist := s.LastKnownPrice.Sub(nearest)
			r.DistanceToNextBuy = &dist
		}
		if tp := s.Config.TakeProfitPrice(); tp != nil {
			dist := tp.Sub(s.LastKnownPrice)
			r.DistanceToTakeProfit = &dist
		}
	}

	for _, l := range s.Levels {
		lr := LevelReport{
			Index:      l.Index,
			Price:      l.Price,
			Quantity:   l.Quantity,
			Active:     l.Active,
			HoldsFill:  l.FilledBuy,
			NeedsRetry: l.NeedsRetry,
		}
		switch {
		case l.HasBuy():
			lr.Side = string(core.OrderSideBuy)
			lr.OrderID = l.BuyOrderID
		case l.HasSell():
			lr.Side = string(core.OrderSideSell)
			lr.OrderID = l.SellOrderID
		}
		r.Levels = append(r.Levels, lr)
	}
	return r
}

// refreshStatus publishes the current state to observers and updates the
// observable gauges. Runs on the loop goroutine after every event.
func (e *Engine) refreshStatus() {
	if e.state == nil {
		return
	}
	e.statusReport.Store(buildStatusReport(e.state))

	buys, sells := e.state.OpenOrderCounts()
	symbol := e.state.Config.Symbol
	e.metrics.SetOrdersOpen(symbol, int64(buys+sells))
	e.metrics.SetLevelsActive(symbol, int64(e.state.ActiveLevelCount()))
	e.metrics.SetRiskStopped(symbol, e.state.Status == grid.StatusStoppedByRisk)
	if e.state.LastKnownPrice.IsPositive() {
		e.metrics.SetLastPrice(symbol, e.state.LastKnownPrice.InexactFloat64())
	}
}
