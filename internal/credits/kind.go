package credits

import "errors"

// Kind classifies an engine outcome for boundary code
type Kind string

const (
	KindNone                Kind = ""
	KindAccountNotFound     Kind = "ACCOUNT_NOT_FOUND"
	KindInvalidAmount       Kind = "INVALID_AMOUNT"
	KindInsufficientCredits Kind = "INSUFFICIENT_CREDITS"
	KindConflict            Kind = "CONFLICT"
	KindInternal            Kind = "INTERNAL"
)

// KindOf maps an error returned by the engine to its kind.
// Anything outside the engine's taxonomy is an internal failure.
func KindOf(err error) Kind {
	switch {
	case err == nil:
		return KindNone
	case errors.Is(err, ErrInvalidAmount):
		return KindInvalidAmount
	case errors.Is(err, ErrAccountNotFound):
		return KindAccountNotFound
	case errors.Is(err, ErrInsufficientCredits):
		return KindInsufficientCredits
	case errors.Is(err, ErrConflict):
		return KindConflict
	default:
		return KindInternal
	}
}

// Retryable reports whether resubmitting the same request may succeed.
func (k Kind) Retryable() bool {
	return k == KindConflict
}
