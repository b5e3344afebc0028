package apperrors

import (
	"context"
	"errors"
)

// Standardized engine errors. Rejections carry a machine-readable reason via
// wrapping; classification is done with errors.Is.
var (
	ErrValidation          = errors.New("validation failed")
	ErrRiskLimitBreach     = errors.New("risk limit breached")
	ErrStaleData           = errors.New("market data stale")
	ErrBrokerTransient     = errors.New("broker transient error")
	ErrBrokerRejected      = errors.New("broker rejected order")
	ErrConcurrencyConflict = errors.New("portfolio snapshot conflict")
	ErrRoutingUnavailable  = errors.New("no venue available")
	ErrHalted              = errors.New("daily loss halt active")
	ErrOrderNotFound       = errors.New("order not found")
	ErrDuplicateOrder      = errors.New("duplicate order")
	ErrInvalidTransition   = errors.New("invalid order state transition")
)

// IsTransient reports whether an error should be retried with backoff rather
// than treated as terminal. A deadline on a broker call is ambiguous, the
// venue may have accepted the order, so it is retried under the same client
// order id after reconciliation.
func IsTransient(err error) bool {
	return errors.Is(err, ErrBrokerTransient) || errors.Is(err, context.DeadlineExceeded)
}
