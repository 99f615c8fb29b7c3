package ledger

import (
	"errors"
	"fmt"
)

var (
	// ErrInvalidAmount is returned when a mutation amount is not strictly
	// positive.
	ErrInvalidAmount = errors.New("amount must be greater than zero")

	// ErrLedgerUnavailable wraps datastore failures surfaced by ledger
	// operations. Any partial multi-step mutation has already been rolled
	// back by the time callers see it.
	ErrLedgerUnavailable = errors.New("ledger unavailable")
)

// InsufficientFundsError is a recoverable business outcome, not a system
// error. Callers branch on it with errors.As and map it to a 400-class
// response carrying the shortfall.
type InsufficientFundsError struct {
	BalanceMinor  int64
	RequiredMinor int64
}

func (e *InsufficientFundsError) Error() string {
	return fmt.Sprintf("insufficient funds: balance=%d required=%d shortfall=%d",
		e.BalanceMinor, e.RequiredMinor, e.Shortfall())
}

// Shortfall is the amount missing to cover the requested debit.
func (e *InsufficientFundsError) Shortfall() int64 {
	return e.RequiredMinor - e.BalanceMinor
}
