package engine

import (
	"context"
	"errors"
	"fmt"
	"grid_trader/internal/core"
	apperrors "grid_trader/pkg/errors"
	"grid_trader/pkg/retry"
	"grid_trader/pkg/telemetry"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"golang.org/x/time/rate"
)

// ExecutorConfig sizes the exchange access layer.
type ExecutorConfig struct {
	RatePerSec  float64
	Burst       int
	Timeout     time.Duration
	MaxAttempts int
}

// Executor serializes exchange access behind a rate limiter and a
// per-request timeout. Transient failures are retried with the same request;
// ambiguous outcomes (timeouts, dropped connections) are resolved by querying
// the same client order id before any retry, so the venue never holds two
// live orders for one intent.
type Executor struct {
	exchange      core.IExchange
	logger        core.ILogger
	limiter       *rate.Limiter
	timeout       time.Duration
	policy        retry.RetryPolicy
	alertAfter    int
	onErrorStreak func(op string, attempt int, err error)

	ordersPlaced    metric.Int64Counter
	ordersCancelled metric.Int64Counter
	callLatency     metric.Float64Histogram
}

// NewExecutor builds the access layer for one venue.
func NewExecutor(exchange core.IExchange, cfg ExecutorConfig, logger core.ILogger) *Executor {
	meter := telemetry.GetMeter("order-executor")
	ordersPlaced, _ := meter.Int64Counter(telemetry.MetricOrdersPlacedTotal,
		metric.WithDescription("Total orders placed"))
	ordersCancelled, _ := meter.Int64Counter(telemetry.MetricOrdersCancelledTotal,
		metric.WithDescription("Total orders cancelled"))
	callLatency, _ := meter.Float64Histogram(telemetry.MetricExchangeLatency,
		metric.WithDescription("Latency of exchange API calls"), metric.WithUnit("ms"))

	return &Executor{
		exchange:   exchange,
		logger:     logger.WithField("component", "order_executor"),
		limiter:    rate.NewLimiter(rate.Limit(cfg.RatePerSec), cfg.Burst),
		timeout:    cfg.Timeout,
		alertAfter: cfg.MaxAttempts,
		policy: retry.RetryPolicy{
			MaxAttempts:    cfg.MaxAttempts,
			InitialBackoff: retry.ExchangePolicy.InitialBackoff,
			MaxBackoff:     retry.ExchangePolicy.MaxBackoff,
		},
		ordersPlaced:    ordersPlaced,
		ordersCancelled: ordersCancelled,
		callLatency:     callLatency,
	}
}

// OnErrorStreak registers a callback fired when a call keeps failing across
// the full attempt budget. Used to surface persistent exchange trouble.
func (x *Executor) OnErrorStreak(fn func(op string, attempt int, err error)) {
	x.onErrorStreak = fn
}

// Place submits an order and returns the venue's view of it. The returned
// order may already be terminal when the acknowledgement raced a fill.
func (x *Executor) Place(ctx context.Context, req *core.PlaceOrderRequest) (*core.Order, error) {
	var placed *core.Order
	err := retry.DoNotify(ctx, x.policy, IsTransient, func() error {
		var order *core.Order
		err := x.call(ctx, "place_order", func(c context.Context) error {
			var cerr error
			order, cerr = x.exchange.PlaceOrder(c, req)
			return cerr
		})
		if err == nil {
			placed = order
			return nil
		}
		if IsAmbiguous(err) {
			if resolved := x.lookupAfterAmbiguous(ctx, req.Symbol, req.ClientOrderID); resolved != nil {
				placed = resolved
				return nil
			}
			// Not found or still unknown: the same id is safe to resend, the
			// venue dedupes it if the original landed after all.
			return fmt.Errorf("%w: placement of %s unresolved", apperrors.ErrConnectionFailed, req.ClientOrderID)
		}
		return err
	}, x.notify("place_order", req.ClientOrderID))
	if err != nil {
		return nil, err
	}
	x.ordersPlaced.Add(ctx, 1, metric.WithAttributes(attribute.String("side", string(req.Side))))
	return placed, nil
}

// Cancel removes an open order. A cancel that raced a terminal state reports
// CancelAlreadyGone, never an error.
func (x *Executor) Cancel(ctx context.Context, symbol, clientOrderID string) (core.CancelResult, error) {
	result := core.CancelError
	err := retry.DoNotify(ctx, x.policy, IsTransient, func() error {
		var res core.CancelResult
		err := x.call(ctx, "cancel_order", func(c context.Context) error {
			var cerr error
			res, cerr = x.exchange.CancelOrder(c, symbol, clientOrderID)
			return cerr
		})
		if err == nil {
			result = res
			return nil
		}
		if errors.Is(err, apperrors.ErrOrderNotFound) {
			result = core.CancelAlreadyGone
			return nil
		}
		if IsAmbiguous(err) {
			if order := x.lookupAfterAmbiguous(ctx, symbol, clientOrderID); order != nil && order.Status.IsTerminal() {
				result = core.CancelAlreadyGone
				return nil
			}
			return fmt.Errorf("%w: cancel of %s unresolved", apperrors.ErrConnectionFailed, clientOrderID)
		}
		return err
	}, x.notify("cancel_order", clientOrderID))
	if err != nil {
		return core.CancelError, err
	}
	if result == core.CancelOK {
		x.ordersCancelled.Add(ctx, 1)
	}
	return result, nil
}

// Get fetches the venue's view of an order by client id. Not-found is a
// definite answer and returns unretried.
func (x *Executor) Get(ctx context.Context, symbol, clientOrderID string) (*core.Order, error) {
	var order *core.Order
	err := retry.DoNotify(ctx, x.policy, retryableRead, func() error {
		return x.call(ctx, "get_order", func(c context.Context) error {
			var cerr error
			order, cerr = x.exchange.GetOrder(c, symbol, clientOrderID)
			return cerr
		})
	}, x.notify("get_order", clientOrderID))
	if err != nil {
		return nil, err
	}
	return order, nil
}

// ListOpen returns the venue's open orders for the symbol.
func (x *Executor) ListOpen(ctx context.Context, symbol string) ([]*core.Order, error) {
	var orders []*core.Order
	err := retry.DoNotify(ctx, x.policy, retryableRead, func() error {
		return x.call(ctx, "list_open_orders", func(c context.Context) error {
			var cerr error
			orders, cerr = x.exchange.GetOpenOrders(c, symbol)
			return cerr
		})
	}, x.notify("list_open_orders", symbol))
	if err != nil {
		return nil, err
	}
	return orders, nil
}

// Ticker returns the current best-price snapshot.
func (x *Executor) Ticker(ctx context.Context, symbol string) (*core.Ticker, error) {
	var ticker *core.Ticker
	err := retry.DoNotify(ctx, x.policy, retryableRead, func() error {
		return x.call(ctx, "get_ticker", func(c context.Context) error {
			var cerr error
			ticker, cerr = x.exchange.GetTicker(c, symbol)
			return cerr
		})
	}, x.notify("get_ticker", symbol))
	if err != nil {
		return nil, err
	}
	return ticker, nil
}

// Rules returns the symbol's trading filters.
func (x *Executor) Rules(ctx context.Context, symbol string) (*core.SymbolRules, error) {
	var rules *core.SymbolRules
	err := retry.DoNotify(ctx, x.policy, retryableRead, func() error {
		return x.call(ctx, "get_symbol_rules", func(c context.Context) error {
			var cerr error
			rules, cerr = x.exchange.GetSymbolRules(c, symbol)
			return cerr
		})
	}, x.notify("get_symbol_rules", symbol))
	if err != nil {
		return nil, err
	}
	return rules, nil
}

// call runs one exchange request under the rate limiter and the per-request
// timeout.
func (x *Executor) call(ctx context.Context, op string, fn func(context.Context) error) error {
	if err := x.limiter.Wait(ctx); err != nil {
		return err
	}
	callCtx, cancel := context.WithTimeout(ctx, x.timeout)
	defer cancel()
	start := time.Now()
	err := fn(callCtx)
	x.callLatency.Record(ctx, float64(time.Since(start).Milliseconds()),
		metric.WithAttributes(attribute.String("op", op)))
	return err
}

// lookupAfterAmbiguous asks the venue what happened to a request whose
// acknowledgement was lost. A definite order state settles the outcome; nil
// means the caller still does not know and must keep the same client id.
func (x *Executor) lookupAfterAmbiguous(ctx context.Context, symbol, clientOrderID string) *core.Order {
	var order *core.Order
	err := x.call(ctx, "get_order", func(c context.Context) error {
		var cerr error
		order, cerr = x.exchange.GetOrder(c, symbol, clientOrderID)
		return cerr
	})
	if err != nil || order == nil {
		return nil
	}
	if order.Status == core.OrderStatusUnknown {
		return nil
	}
	return order
}

func (x *Executor) notify(op, key string) func(int, error) {
	return func(attempt int, err error) {
		x.logger.Warn("Exchange call failed", "op", op, "key", key, "attempt", attempt, "error", err.Error())
		if attempt == x.alertAfter && x.onErrorStreak != nil {
			x.onErrorStreak(op, attempt, err)
		}
	}
}

// IsTransient reports whether an error is worth retrying with the same
// request.
func IsTransient(err error) bool {
	switch {
	case errors.Is(err, apperrors.ErrNetwork),
		errors.Is(err, apperrors.ErrConnectionFailed),
		errors.Is(err, apperrors.ErrRateLimitExceeded),
		errors.Is(err, apperrors.ErrExchangeMaintenance),
		errors.Is(err, apperrors.ErrSystemOverload),
		errors.Is(err, apperrors.ErrTimestampOutOfBounds):
		return true
	}
	return false
}

// IsPermanent reports whether the venue rejected the request outright.
// Retrying cannot help; the level owning the request is deactivated instead.
func IsPermanent(err error) bool {
	switch {
	case errors.Is(err, apperrors.ErrInsufficientFunds),
		errors.Is(err, apperrors.ErrOrderRejected),
		errors.Is(err, apperrors.ErrInvalidOrderParameter),
		errors.Is(err, apperrors.ErrInvalidSymbol),
		errors.Is(err, apperrors.ErrAuthenticationFailed):
		return true
	}
	return false
}

// IsAmbiguous reports whether the request may have reached the venue even
// though the call failed locally. The outcome must be resolved by re-query,
// never by re-placing under a fresh id.
func IsAmbiguous(err error) bool {
	return errors.Is(err, context.DeadlineExceeded) ||
		errors.Is(err, apperrors.ErrConnectionFailed) ||
		errors.Is(err, apperrors.ErrNetwork)
}

// retryableRead additionally treats per-request timeouts as transient. Reads
// are idempotent, so a timed-out read can always be reissued.
func retryableRead(err error) bool {
	return IsTransient(err) || errors.Is(err, context.DeadlineExceeded)
}
