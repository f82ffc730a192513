package models

import (
	"context"
	"errors"
	"fmt"
)

// ErrorKind is the machine-readable class of a failure
type ErrorKind string

const (
	KindTransient          ErrorKind = "transient_provider"
	KindValidation         ErrorKind = "validation"
	KindTimeout            ErrorKind = "timeout"
	KindCancelled          ErrorKind = "cancelled"
	KindStorageUnavailable ErrorKind = "storage_unavailable"
)

var (
	ErrJobNotFound        = errors.New("job not found")
	ErrUnknownJobType     = errors.New("unknown job type")
	ErrNoProcessor        = errors.New("no processor registered for job type")
	ErrDuplicateProcessor = errors.New("processor already registered for job type")
	ErrWorkflowActive     = errors.New("workflow already running for key")
	ErrWorkflowNotFound   = errors.New("workflow not found")
)

// Error carries a kind alongside the wrapped cause
type Error struct {
	Kind ErrorKind
	Op   string
	Err  error
}

func (e *Error) Error() string {
	switch {
	case e.Op != "" && e.Err != nil:
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Op, e.Err)
	case e.Err != nil:
		return fmt.Sprintf("%s: %v", e.Kind, e.Err)
	default:
		return fmt.Sprintf("%s: %s", e.Kind, e.Op)
	}
}

func (e *Error) Unwrap() error { return e.Err }

// Transient marks err as a retryable provider failure
func Transient(err error) error {
	if err == nil {
		return nil
	}
	return &Error{Kind: KindTransient, Err: err}
}

// Validation builds a non-retryable error
func Validation(msg string) error {
	return &Error{Kind: KindValidation, Err: errors.New(msg)}
}

// Timeout marks op as having exceeded its budget
func Timeout(op string, err error) error {
	if err == nil {
		err = context.DeadlineExceeded
	}
	return &Error{Kind: KindTimeout, Op: op, Err: err}
}

// Cancelled reports a caller-initiated stop
func Cancelled(op string) error {
	return &Error{Kind: KindCancelled, Op: op, Err: context.Canceled}
}

// StorageUnavailable wraps a cache store failure
func StorageUnavailable(op string, err error) error {
	return &Error{Kind: KindStorageUnavailable, Op: op, Err: err}
}

// KindOf classifies err. Unclassified errors are treated as transient.
func KindOf(err error) ErrorKind {
	if err == nil {
		return ""
	}
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	switch {
	case errors.Is(err, context.DeadlineExceeded):
		return KindTimeout
	case errors.Is(err, context.Canceled):
		return KindCancelled
	case errors.Is(err, ErrNoProcessor), errors.Is(err, ErrUnknownJobType):
		return KindValidation
	}
	return KindTransient
}

// IsRetryable reports whether a job failing with err may be attempted again
func IsRetryable(err error) bool {
	switch KindOf(err) {
	case KindValidation, KindCancelled:
		return false
	}
	return true
}
