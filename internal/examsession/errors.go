package examsession

import (
	"context"
	"errors"
	"fmt"
)

// Kind classifies failures coming back from the gateway and the store.
type Kind int

const (
	KindUnknown Kind = iota
	// KindUnavailable: exam window closed or inactive. Not retryable.
	KindUnavailable
	// KindNotFound: no definition or session for the request.
	KindNotFound
	// KindTransient: network failure, timeout or 5xx. Retryable by the caller.
	KindTransient
	// KindUnauthorized: surfaced upward, never resolved here.
	KindUnauthorized
	// KindValidation: malformed answer or request.
	KindValidation
	// KindConflict: the session no longer accepts the operation.
	KindConflict
)

func (k Kind) String() string {
	switch k {
	case KindUnavailable:
		return "unavailable"
	case KindNotFound:
		return "not_found"
	case KindTransient:
		return "transient"
	case KindUnauthorized:
		return "unauthorized"
	case KindValidation:
		return "validation"
	case KindConflict:
		return "conflict"
	default:
		return "unknown"
	}
}

// Error is a classified failure.
type Error struct {
	Kind Kind
	Op   string
	Err  error
}

func (e *Error) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("%s: %s", e.Op, e.Kind)
	}
	return fmt.Sprintf("%s: %s: %v", e.Op, e.Kind, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// E builds a classified error.
func E(kind Kind, op string, err error) error {
	return &Error{Kind: kind, Op: op, Err: err}
}

// KindOf returns the kind of the first classified error in err's chain.
// Context deadline errors are treated as transient.
func KindOf(err error) Kind {
	if err == nil {
		return KindUnknown
	}
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return KindTransient
	}
	return KindUnknown
}

// IsRetryable reports whether err is worth retrying.
func IsRetryable(err error) bool {
	return KindOf(err) == KindTransient
}

// State misuse errors.
var (
	ErrNotActive         = errors.New("session is not active")
	ErrIllegalTransition = errors.New("illegal state transition")
	ErrBusy              = errors.New("another request is in flight")
	ErrClosed            = errors.New("controller is closed")
	ErrSubmitInFlight    = errors.New("submit already in flight")
	ErrNotChecked        = errors.New("availability has not been confirmed")
	ErrWrongState        = errors.New("operation not valid in current state")
)
