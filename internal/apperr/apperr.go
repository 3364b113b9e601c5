// Package apperr defines the error taxonomy shared by every component of
// the order fulfillment engine. Callers classify failures by Code rather
// than by inspecting driver error strings; only the transaction runner
// looks at raw error text, and only to decide whether to retry.
package apperr

import (
	"fmt"

	"github.com/pkg/errors"
)

// Code identifies a stable, externally-visible failure class.
type Code string

const (
	InvalidInput        Code = "INVALID_INPUT"
	InvalidTransition   Code = "INVALID_TRANSITION"
	TerminalState       Code = "TERMINAL_STATE"
	InsufficientStock   Code = "INSUFFICIENT_STOCK"
	CreditLimitExceeded Code = "CREDIT_LIMIT_EXCEEDED"
	CreditPaused        Code = "CREDIT_PAUSED"
	DecisionConflict    Code = "DECISION_CONFLICT"
	NoEligibleWinner    Code = "NO_ELIGIBLE_WINNER"
	TransientTx         Code = "TRANSIENT_TX"
	Timeout             Code = "TIMEOUT"
	Internal            Code = "INTERNAL"
)

// Error is the concrete error type returned across component boundaries.
// It carries a stable Code plus a human message and optional structured
// detail (e.g. a per-item stock shortfall breakdown).
type Error struct {
	Code    Code
	Message string
	Detail  any
	cause   error
}

func (e *Error) Error() string {
	if e.cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.cause)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *Error) Unwrap() error { return e.cause }

// New builds an Error with no cause.
func New(code Code, message string) *Error {
	return &Error{Code: code, Message: message}
}

// Newf builds an Error with a formatted message.
func Newf(code Code, format string, args ...any) *Error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...)}
}

// Wrap annotates an underlying error with a stable Code, preserving the
// cause chain for logging via errors.Cause / errors.Unwrap.
func Wrap(code Code, message string, cause error) *Error {
	return &Error{Code: code, Message: message, cause: errors.WithMessage(cause, message)}
}

// WithDetail attaches structured detail (e.g. a stock shortfall list) and
// returns the same *Error for chaining at the call site.
func (e *Error) WithDetail(detail any) *Error {
	e.Detail = detail
	return e
}

// CodeOf extracts the Code from err, defaulting to Internal when err is not
// (or does not wrap) an *Error.
func CodeOf(err error) Code {
	var ae *Error
	if errors.As(err, &ae) {
		return ae.Code
	}
	return Internal
}

// Is reports whether err carries the given Code.
func Is(err error, code Code) bool {
	return CodeOf(err) == code
}
