package engine

import (
	"context"
	"errors"
	"fmt"
	"grid_trader/internal/core"
	"grid_trader/internal/grid"
	apperrors "grid_trader/pkg/errors"
	"grid_trader/pkg/retry"
	"time"
)

// reconcile aligns local bindings with the venue's open orders. It runs on
// startup before the first event, periodically from the loop, and on
// operator request; it is idempotent and re-runnable. Fills that landed
// while the process was down are credited here exactly as a live fill event
// would have credited them.
func (e *Engine) reconcile(ctx context.Context) error {
	symbol := e.state.Config.Symbol
	open, err := e.executor.ListOpen(ctx, symbol)
	if err != nil {
		return fmt.Errorf("list open orders: %w", err)
	}
	openByClient := make(map[string]*core.Order, len(open))
	for _, o := range open {
		openByClient[o.ClientOrderID] = o
	}

	// Phantoms: bound locally, no longer open on the venue.
	for _, b := range e.state.BoundOrders() {
		if _, stillOpen := openByClient[b.ClientID]; stillOpen {
			continue
		}
		if perr := e.resolvePhantom(ctx, b); perr != nil {
			e.fail(ctx, perr)
			return perr
		}
	}

	// Orphans: open on the venue, unknown locally.
	for _, o := range open {
		if e.state.FindLevelByOrderID(o.OrderID) != nil || e.state.FindLevelByClientID(o.ClientOrderID) != nil {
			continue
		}
		if oerr := e.resolveOrphan(ctx, o); oerr != nil {
			e.fail(ctx, oerr)
			return oerr
		}
	}

	if e.state.Status == grid.StatusInitializing {
		if serr := e.state.SetStatus(grid.StatusRunning); serr != nil {
			return serr
		}
		e.logger.Info("Initial reconciliation complete, grid is live", "instance", e.state.InstanceID)
	}
	if perr := e.persist(ctx); perr != nil {
		e.fail(ctx, perr)
		return perr
	}

	switch {
	case e.state.Status == grid.StatusRunning:
		e.sweepPlacements(ctx)
	case e.state.Status.IsTerminal():
		// A crash mid-stop can leave live orders behind; finish the cancel.
		e.cancelAllOpen(ctx)
		if perr := e.persist(ctx); perr != nil {
			e.fail(ctx, perr)
			return perr
		}
	}
	return nil
}

// resolvePhantom settles a binding the venue no longer lists as open. Filled
// orders are credited; dead orders are cleared so the repair sweep re-places
// the level; persistent Unknown status is unsafe to trade over and fails the
// instance.
func (e *Engine) resolvePhantom(ctx context.Context, b grid.BoundOrder) error {
	order, err := e.orderStatusWithRetry(ctx, b.ClientID)
	if err != nil {
		if errors.Is(err, apperrors.ErrOrderNotFound) {
			// The venue never saw the id: the placement was lost in flight.
			e.logger.Warn("Clearing binding the venue never saw",
				"level", b.LevelIdx, "side", string(b.Side), "client_id", b.ClientID)
			e.phantomsResolved.Add(ctx, 1)
			return e.state.ClearOrder(b.LevelIdx, b.Side)
		}
		return err
	}
	switch order.Status {
	case core.OrderStatusFilled:
		e.logger.Info("Recovered fill during reconciliation",
			"level", b.LevelIdx, "side", string(b.Side), "order_id", order.OrderID)
		return e.recordFill(ctx, &boundFill{fill: fillFromOrder(order), idx: b.LevelIdx, side: b.Side})
	case core.OrderStatusCancelled, core.OrderStatusExpired, core.OrderStatusRejected:
		e.logger.Info("Clearing phantom order",
			"level", b.LevelIdx, "side", string(b.Side), "order_id", order.OrderID, "status", string(order.Status))
		e.phantomsResolved.Add(ctx, 1)
		return e.state.ClearOrder(b.LevelIdx, b.Side)
	default:
		// Still open after all; the earlier listing raced this order.
		return nil
	}
}

// resolveOrphan handles a venue order this instance has no binding for. Ids
// minted by this instance are adopted when the level can take them, which
// heals the crash window between venue acknowledgement and local persist.
// Everything else carrying our symbol is cancelled.
func (e *Engine) resolveOrphan(ctx context.Context, o *core.Order) error {
	parsed, ok := core.ParseClientOrderID(o.ClientOrderID)
	if ok && parsed.InstanceID == e.state.InstanceID &&
		parsed.LevelIdx < len(e.state.Levels) && !e.state.Status.IsTerminal() {
		l := e.state.Levels[parsed.LevelIdx]
		fits := !l.HasBuy() && !l.HasSell() &&
			((parsed.Side == core.OrderSideBuy && !l.FilledBuy) ||
				(parsed.Side == core.OrderSideSell && l.FilledBuy))
		if fits {
			var err error
			if parsed.Side == core.OrderSideBuy {
				err = e.state.BindBuy(parsed.LevelIdx, o.OrderID, o.ClientOrderID)
			} else {
				err = e.state.BindSell(parsed.LevelIdx, o.OrderID, o.ClientOrderID)
			}
			if err != nil {
				return err
			}
			if err := e.state.FastForwardEpoch(parsed.LevelIdx, uint64(parsed.Epoch)); err != nil {
				return err
			}
			e.orphansAdopted.Add(ctx, 1)
			e.logger.Info("Adopted orphan order",
				"level", parsed.LevelIdx, "side", string(parsed.Side), "order_id", o.OrderID)
			return nil
		}
	}

	e.logger.Warn("Cancelling orphan order", "order_id", o.OrderID, "client_id", o.ClientOrderID)
	if _, err := e.executor.Cancel(ctx, e.state.Config.Symbol, o.ClientOrderID); err != nil {
		// Leave it; the next reconciliation retries the cancel.
		e.logger.Error("Orphan cancel failed", "client_id", o.ClientOrderID, "error", err.Error())
	}
	return nil
}

// orderStatusWithRetry queries an order until the venue returns a definite
// status. Unknown is retried with backoff; running out of attempts surfaces
// as an error because no safe action exists for an unprovable order.
func (e *Engine) orderStatusWithRetry(ctx context.Context, clientOrderID string) (*core.Order, error) {
	symbol := e.state.Config.Symbol
	backoff := e.statusBackoffBase
	var lastErr error
	for attempt := 1; attempt <= e.statusAttempts; attempt++ {
		order, err := e.executor.Get(ctx, symbol, clientOrderID)
		if err == nil && order.Status != core.OrderStatusUnknown {
			return order, nil
		}
		if err != nil {
			if errors.Is(err, apperrors.ErrOrderNotFound) {
				return nil, err
			}
			lastErr = err
		} else {
			lastErr = fmt.Errorf("order %s status unknown", clientOrderID)
		}
		e.logger.Warn("Order status unresolved",
			"client_id", clientOrderID, "attempt", attempt, "error", lastErr.Error())
		if attempt == e.statusAttempts {
			break
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(retry.Jitter(backoff)):
		}
		backoff = retry.NextBackoff(backoff, 30*time.Second)
	}
	return nil, fmt.Errorf("order %s unresolved after %d attempts: %w", clientOrderID, e.statusAttempts, lastErr)
}
