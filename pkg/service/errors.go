package service

import (
	"errors"
	"fmt"
)

var (
	ErrNotFound         = errors.New("order not found")
	ErrForbidden        = errors.New("order belongs to another store")
	ErrCreateInProgress = errors.New("order creation already in progress")
	ErrUnverified       = errors.New("event not verified")
)

// ValidationError names the request field that was missing or malformed.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	if e.Reason == "" {
		return fmt.Sprintf("missing required field: %s", e.Field)
	}
	return fmt.Sprintf("invalid field %s: %s", e.Field, e.Reason)
}

// UpstreamError wraps a failed gateway call. Its message is safe to return
// to callers; the wrapped error is for logs only.
type UpstreamError struct {
	Op  string
	Err error
}

func (e *UpstreamError) Error() string {
	return fmt.Sprintf("payment gateway %s failed", e.Op)
}

func (e *UpstreamError) Unwrap() error {
	return e.Err
}

// ReconciliationError reports a verified event that matches no order.
type ReconciliationError struct {
	EventKey string
	Ref      string
}

func (e *ReconciliationError) Error() string {
	return fmt.Sprintf("no order matches event %s (ref %s)", e.EventKey, e.Ref)
}
