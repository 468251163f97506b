package apperr

import (
	"context"
	"errors"
	"fmt"
	"strings"
)

// Kind classifies an error for propagation and user-visible reporting.
type Kind string

const (
	KindUnknown             Kind = "unknown"
	KindValidation          Kind = "validation"
	KindInsufficientBalance Kind = "insufficient_balance"
	KindProvider            Kind = "provider"
	KindStreamInterrupted   Kind = "stream_interrupted"
	KindPersistence         Kind = "persistence"
	KindSchema              Kind = "schema"
	KindCancelled           Kind = "cancelled"
)

// Error carries a Kind and the operation that produced it.
type Error struct {
	Kind Kind
	Op   string
	Err  error
}

func (e *Error) Error() string {
	if e == nil {
		return ""
	}
	op := strings.TrimSpace(e.Op)
	switch {
	case op != "" && e.Err != nil:
		return op + ": " + e.Err.Error()
	case e.Err != nil:
		return e.Err.Error()
	case op != "":
		return op + ": " + string(e.Kind)
	default:
		return string(e.Kind)
	}
}

func (e *Error) Unwrap() error { return e.Err }

func newErr(kind Kind, op string, err error) error {
	if err == nil {
		err = errors.New(string(kind))
	}
	return &Error{Kind: kind, Op: op, Err: err}
}

func Validation(op string, format string, args ...any) error {
	return newErr(KindValidation, op, fmt.Errorf(format, args...))
}

func InsufficientBalance(op string, err error) error {
	return newErr(KindInsufficientBalance, op, err)
}

func Provider(op string, err error) error {
	return newErr(KindProvider, op, err)
}

func StreamInterrupted(op string, err error) error {
	return newErr(KindStreamInterrupted, op, err)
}

func Persistence(op string, err error) error {
	return newErr(KindPersistence, op, err)
}

func Schema(op string, err error) error {
	return newErr(KindSchema, op, err)
}

func Cancelled(op string, err error) error {
	return newErr(KindCancelled, op, err)
}

// KindOf returns the outermost Kind found in err's chain. Context
// cancellation is reported as KindCancelled even when not wrapped.
func KindOf(err error) Kind {
	if err == nil {
		return ""
	}
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return KindCancelled
	}
	return KindUnknown
}

// Is reports whether err carries the given kind.
func Is(err error, kind Kind) bool {
	return KindOf(err) == kind
}

// Message renders err as the string shown to the user in an error event.
func Message(err error) string {
	if err == nil {
		return ""
	}
	switch KindOf(err) {
	case KindInsufficientBalance:
		return "InsufficientBalance: your balance is too low for this request"
	case KindValidation:
		return "ValidationError: " + rootMessage(err)
	case KindProvider:
		return "ProviderError: the language model request failed"
	case KindStreamInterrupted:
		return "StreamInterrupted: the response stream ended unexpectedly"
	case KindPersistence:
		return "PersistenceError: could not save results"
	case KindCancelled:
		return "Cancelled: the request was cancelled"
	default:
		return err.Error()
	}
}

func rootMessage(err error) string {
	var e *Error
	if errors.As(err, &e) && e.Err != nil {
		return e.Err.Error()
	}
	return err.Error()
}
