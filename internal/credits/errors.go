package credits

import (
	"errors"
	"fmt"

	"github.com/shopspring/decimal"

	"credits-ledger/internal/account"
	"credits-ledger/internal/money"
)

// Common errors
var (
	ErrAccountNotFound     = account.ErrAccountNotFound
	ErrInvalidAmount       = errors.New("invalid amount")
	ErrInsufficientCredits = errors.New("insufficient credits")
	ErrConflict            = errors.New("concurrent update conflict")
)

// InsufficientCreditsError is returned by a debit larger than the balance
type InsufficientCreditsError struct {
	AccountID string
	Available decimal.Decimal
	Requested decimal.Decimal
}

func (e *InsufficientCreditsError) Error() string {
	return fmt.Sprintf("insufficient credits: account=%s available=%s requested=%s",
		e.AccountID, money.Format(e.Available), money.Format(e.Requested))
}

func (e *InsufficientCreditsError) Is(target error) bool {
	return target == ErrInsufficientCredits
}

// ConflictError is returned when the retry budget is spent on version conflicts
type ConflictError struct {
	AccountID string
	Attempts  int
}

func (e *ConflictError) Error() string {
	return fmt.Sprintf("concurrent update conflict: account=%s attempts=%d", e.AccountID, e.Attempts)
}

func (e *ConflictError) Is(target error) bool {
	return target == ErrConflict
}

func invalidAmount(amount decimal.Decimal) error {
	return fmt.Errorf("%w: %s must be greater than zero", ErrInvalidAmount, amount.String())
}
