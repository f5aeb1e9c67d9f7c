package domain

import "github.com/pkg/errors"

// Business errors returned by the ledger and holdings operations. They mark
// expected outcomes and must not be wrapped into generic system errors.
var (
	ErrInsufficientFunds  = errors.New("insufficient funds")
	ErrInsufficientShares = errors.New("insufficient shares")
	ErrInvalidQuantity    = errors.New("quantity must be positive")
	ErrUnknownInstrument  = errors.New("unknown instrument")
	ErrWalletNotFound     = errors.New("wallet not found")
	ErrWalletExists       = errors.New("wallet already exists")
	ErrOrderNotFound      = errors.New("order not found")
	ErrOrderNotPending    = errors.New("order is not pending")
	ErrOrderInFlight      = errors.New("order execution already started")
	ErrLockTimeout        = errors.New("lock acquisition timed out")
	ErrQuoteUnavailable   = errors.New("quote unavailable")
)

// IsBusinessError reports whether err is an expected business-rule violation
// rather than a system failure.
func IsBusinessError(err error) bool {
	for _, e := range []error{
		ErrInsufficientFunds,
		ErrInsufficientShares,
		ErrInvalidQuantity,
		ErrUnknownInstrument,
		ErrLockTimeout,
		ErrQuoteUnavailable,
	} {
		if errors.Is(err, e) {
			return true
		}
	}
	return false
}
