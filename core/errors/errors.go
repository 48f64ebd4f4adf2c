// Package errors defines the failure taxonomy shared by the ledger modules and
// the gateway. Every user-visible failure carries a Kind, a stable code and a
// human-readable message.
package errors

import (
	stderrors "errors"
	"fmt"
	"math/big"
)

// Kind classifies a failure. Kinds double as sentinel errors so callers can use
// errors.Is(err, errors.ErrValidation).
type Kind string

func (k Kind) Error() string { return string(k) }

const (
	ErrValidation    Kind = "validation"
	ErrStateConflict Kind = "state_conflict"
	ErrUnauthorized  Kind = "unauthorized"
	ErrWindowClosed  Kind = "window_closed"
	ErrCollateral    Kind = "collateral"
	ErrExternal      Kind = "external"
	ErrInvariant     Kind = "invariant"
	ErrNotFound      Kind = "not_found"
)

// Error is a classified failure.
type Error struct {
	Kind    Kind
	Code    string
	Message string
	cause   error
}

// New builds a classified error with a stable code.
func New(kind Kind, code, message string) *Error {
	return &Error{Kind: kind, Code: code, Message: message}
}

// Wrap classifies an underlying error.
func Wrap(kind Kind, code string, cause error) *Error {
	msg := ""
	if cause != nil {
		msg = cause.Error()
	}
	return &Error{Kind: kind, Code: code, Message: msg, cause: cause}
}

func (e *Error) Error() string {
	if e == nil {
		return ""
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Is matches both the kind sentinel and errors carrying the same code.
func (e *Error) Is(target error) bool {
	if e == nil {
		return false
	}
	if kind, ok := target.(Kind); ok {
		return e.Kind == kind
	}
	if other, ok := target.(*Error); ok {
		return other.Code == e.Code
	}
	return false
}

func (e *Error) Unwrap() error { return e.cause }

// ShortfallError reports a collateral failure together with the amounts
// involved so callers can surface the exact gap.
type ShortfallError struct {
	Code      string
	Message   string
	Required  *big.Int
	Available *big.Int
}

func (e *ShortfallError) Error() string {
	return fmt.Sprintf("%s: %s (required %s, available %s, shortfall %s)", e.Code, e.Message, amountString(e.Required), amountString(e.Available), amountString(e.Shortfall()))
}

// Shortfall returns Required - Available, floored at zero.
func (e *ShortfallError) Shortfall() *big.Int {
	if e == nil || e.Required == nil {
		return big.NewInt(0)
	}
	avail := e.Available
	if avail == nil {
		avail = big.NewInt(0)
	}
	diff := new(big.Int).Sub(e.Required, avail)
	if diff.Sign() < 0 {
		return big.NewInt(0)
	}
	return diff
}

func (e *ShortfallError) Is(target error) bool {
	if kind, ok := target.(Kind); ok {
		return kind == ErrCollateral
	}
	return false
}

// Shortfall constructs a collateral error.
func Shortfall(code, message string, required, available *big.Int) *ShortfallError {
	return &ShortfallError{Code: code, Message: message, Required: copyInt(required), Available: copyInt(available)}
}

// KindOf returns the classification of err, or ErrExternal for unclassified
// failures.
func KindOf(err error) Kind {
	if err == nil {
		return ""
	}
	var classified *Error
	if stderrors.As(err, &classified) {
		return classified.Kind
	}
	var shortfall *ShortfallError
	if stderrors.As(err, &shortfall) {
		return ErrCollateral
	}
	var kind Kind
	if stderrors.As(err, &kind) {
		return kind
	}
	for _, k := range kinds {
		if stderrors.Is(err, k) {
			return k
		}
	}
	return ErrExternal
}

var kinds = []Kind{
	ErrValidation,
	ErrStateConflict,
	ErrUnauthorized,
	ErrWindowClosed,
	ErrCollateral,
	ErrInvariant,
	ErrNotFound,
}

// CodeOf returns the stable code carried by err.
func CodeOf(err error) string {
	var classified *Error
	if stderrors.As(err, &classified) {
		return classified.Code
	}
	var shortfall *ShortfallError
	if stderrors.As(err, &shortfall) {
		return shortfall.Code
	}
	if kind := KindOf(err); kind != "" {
		return string(kind)
	}
	return ""
}

func copyInt(v *big.Int) *big.Int {
	if v == nil {
		return big.NewInt(0)
	}
	return new(big.Int).Set(v)
}

func amountString(v *big.Int) string {
	if v == nil {
		return "0"
	}
	return v.String()
}
