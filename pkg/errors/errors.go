package apperrors

import "errors"

// Standardized Exchange Errors
var (
	ErrInsufficientFunds     = errors.New("insufficient funds")
	ErrOrderRejected         = errors.New("order rejected")
	ErrRateLimitExceeded     = errors.New("rate limit exceeded")
	ErrNetwork               = errors.New("network error")
	ErrConnectionFailed      = errors.New("connection failed")
	ErrInvalidSymbol         = errors.New("invalid symbol")
	ErrAuthenticationFailed  = errors.New("authentication failed")
	ErrExchangeMaintenance   = errors.New("exchange maintenance")
	ErrOrderNotFound         = errors.New("order not found")
	ErrDuplicateOrder        = errors.New("duplicate order")
	ErrInvalidOrderParameter = errors.New("invalid order parameter")
	ErrSystemOverload        = errors.New("system overload")
	ErrTimestampOutOfBounds  = errors.New("timestamp out of bounds")
)

// Grid Strategy Errors
var (
	// ErrConfigInfeasible rejects a grid configuration that cannot produce
	// a valid level set (bad bounds, levels collapsing after tick rounding).
	ErrConfigInfeasible = errors.New("grid configuration infeasible")

	// ErrInvariantViolation marks a mutator precondition failure on grid
	// state. Always fatal for the strategy instance.
	ErrInvariantViolation = errors.New("grid state invariant violation")

	// ErrSnapshotVersion is returned when a persisted snapshot carries a
	// schema version newer than this binary understands.
	ErrSnapshotVersion = errors.New("unsupported snapshot schema version")

	// ErrTerminalStatus rejects commands against an instance that has
	// already reached a terminal status.
	ErrTerminalStatus = errors.New("strategy instance is terminal")
)
