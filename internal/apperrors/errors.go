// Package apperrors defines the typed error taxonomy surfaced across the
// synchronous intake path (spec §7): validation and insufficiency errors
// carry a Kind that callers can match with errors.Is against the sentinel
// Err* values, instead of string-matching error messages.
package apperrors

import "fmt"

// Kind classifies an error for caller-side dispatch.
type Kind string

const (
	KindUnknownSymbol        Kind = "UNKNOWN_SYMBOL"
	KindInactiveSymbol       Kind = "INACTIVE_SYMBOL"
	KindInvalidQuantity      Kind = "INVALID_QUANTITY"
	KindInvalidPrice         Kind = "INVALID_PRICE"
	KindOutOfBounds          Kind = "OUT_OF_BOUNDS"
	KindInsufficientAvailable Kind = "INSUFFICIENT_AVAILABLE"
	KindNoLiquidity          Kind = "NO_LIQUIDITY"
	KindOrderNotFound        Kind = "ORDER_NOT_FOUND"
	KindDuplicateOrderID     Kind = "DUPLICATE_ORDER_ID"
	KindCorruptBook          Kind = "CORRUPT_BOOK"
)

// Error wraps a Kind with a human-readable message and optional cause.
type Error struct {
	Kind    Kind
	Message string
	Cause   error
}

func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error { return e.Cause }

// Is reports whether target is an *Error with the same Kind, so callers can
// write errors.Is(err, apperrors.New(apperrors.KindNoLiquidity, "")).
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Kind == e.Kind
}

// New constructs an *Error of the given kind.
func New(kind Kind, message string) *Error {
	return &Error{Kind: kind, Message: message}
}

// Wrap constructs an *Error of the given kind wrapping cause.
func Wrap(kind Kind, message string, cause error) *Error {
	return &Error{Kind: kind, Message: message, Cause: cause}
}

// Sentinels for errors.Is comparisons against a specific kind.
var (
	ErrUnknownSymbol         = New(KindUnknownSymbol, "unknown symbol")
	ErrInactiveSymbol        = New(KindInactiveSymbol, "trading pair inactive")
	ErrInvalidQuantity       = New(KindInvalidQuantity, "invalid quantity")
	ErrInvalidPrice          = New(KindInvalidPrice, "invalid price")
	ErrOutOfBounds           = New(KindOutOfBounds, "quantity out of bounds")
	ErrInsufficientAvailable = New(KindInsufficientAvailable, "insufficient available balance")
	ErrNoLiquidity           = New(KindNoLiquidity, "no liquidity")
	ErrOrderNotFound         = New(KindOrderNotFound, "order not found")
	ErrDuplicateOrderID      = New(KindDuplicateOrderID, "duplicate order id")
	ErrCorruptBook           = New(KindCorruptBook, "corrupt order book")
)
