package faults

import (
	"context"
	"errors"
	"fmt"
	"net"
)

// Kind classifies an error by how callers are expected to react to it.
type Kind int

const (
	KindUnknown Kind = iota
	// KindValidation is bad input; returned to the caller, never retried.
	KindValidation
	// KindTransient is a timeout or unavailable dependency; retried on the next opportunity.
	KindTransient
	// KindIdempotencyConflict is a duplicate effect; treated as success.
	KindIdempotencyConflict
	// KindFatalConfig halts startup.
	KindFatalConfig
)

var (
	ErrValidation          = errors.New("validation error")
	ErrTransient           = errors.New("transient error")
	ErrIdempotencyConflict = errors.New("idempotency conflict")
	ErrFatalConfig         = errors.New("fatal config error")
)

// String returns the label used in logs and metrics.
func (k Kind) String() string {
	switch k {
	case KindValidation:
		return "validation"
	case KindTransient:
		return "transient"
	case KindIdempotencyConflict:
		return "idempotency_conflict"
	case KindFatalConfig:
		return "fatal_config"
	default:
		return "unknown"
	}
}

func (k Kind) sentinel() error {
	switch k {
	case KindValidation:
		return ErrValidation
	case KindTransient:
		return ErrTransient
	case KindIdempotencyConflict:
		return ErrIdempotencyConflict
	case KindFatalConfig:
		return ErrFatalConfig
	default:
		return nil
	}
}

// Error carries a Kind alongside the operation that failed.
type Error struct {
	Kind Kind
	Op   string
	Err  error
}

func (e *Error) Error() string {
	if e.Op == "" {
		return e.Err.Error()
	}
	return e.Op + ": " + e.Err.Error()
}

func (e *Error) Unwrap() error { return e.Err }

// Is lets errors.Is match the sentinel of the error's kind.
func (e *Error) Is(target error) bool {
	s := e.Kind.sentinel()
	return s != nil && target == s
}

// Validation builds a KindValidation error.
func Validation(op, format string, args ...any) error {
	return &Error{Kind: KindValidation, Op: op, Err: fmt.Errorf(format, args...)}
}

// Transient wraps err as KindTransient.
func Transient(op string, err error) error {
	if err == nil {
		return nil
	}
	return &Error{Kind: KindTransient, Op: op, Err: err}
}

// Conflict wraps err as KindIdempotencyConflict.
func Conflict(op string, err error) error {
	if err == nil {
		err = ErrIdempotencyConflict
	}
	return &Error{Kind: KindIdempotencyConflict, Op: op, Err: err}
}

// FatalConfig builds a KindFatalConfig error.
func FatalConfig(op, format string, args ...any) error {
	return &Error{Kind: KindFatalConfig, Op: op, Err: fmt.Errorf(format, args...)}
}

// KindOf classifies err. Deadline and network timeouts count as transient even when
// they were not wrapped explicitly.
func KindOf(err error) Kind {
	if err == nil {
		return KindUnknown
	}
	var fe *Error
	if errors.As(err, &fe) {
		return fe.Kind
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return KindTransient
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return KindTransient
	}
	return KindUnknown
}

// Retryable reports whether err should be retried later.
func Retryable(err error) bool {
	switch KindOf(err) {
	case KindTransient, KindUnknown:
		return err != nil
	default:
		return false
	}
}
