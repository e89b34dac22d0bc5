package domain

import (
	"context"
	"errors"
	"fmt"
)

var (
	// ErrAuth is returned when a webhook request carries the wrong secret.
	ErrAuth = errors.New("webhook secret mismatch")

	// ErrNotFound is returned when a chat or its settings row does not exist.
	ErrNotFound = errors.New("not found")

	// ErrQueueFull is returned when a chat lane or webhook queue is at capacity.
	ErrQueueFull = errors.New("queue full")

	// ErrClosed is returned once shutdown has started.
	ErrClosed = errors.New("closed")
)

// MalformedInputError describes a payload that cannot be normalized.
type MalformedInputError struct {
	Reason string
	Err    error
}

func (e *MalformedInputError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("malformed update: %s: %v", e.Reason, e.Err)
	}
	return "malformed update: " + e.Reason
}

func (e *MalformedInputError) Unwrap() error { return e.Err }

// Malformed builds a MalformedInputError.
func Malformed(reason string, err error) error {
	return &MalformedInputError{Reason: reason, Err: err}
}

// TransientStoreError wraps a store or cache failure that may succeed on retry.
type TransientStoreError struct {
	Op  string
	Err error
}

func (e *TransientStoreError) Error() string {
	return fmt.Sprintf("%s: %v", e.Op, e.Err)
}

func (e *TransientStoreError) Unwrap() error { return e.Err }

// Transient wraps err as a TransientStoreError. A nil err stays nil.
func Transient(op string, err error) error {
	if err == nil {
		return nil
	}
	return &TransientStoreError{Op: op, Err: err}
}

// ConstraintError is a store write rejected by a schema constraint (foreign
// key, check, not null). Repeating the write yields the same rejection.
type ConstraintError struct {
	Op  string
	Err error
}

func (e *ConstraintError) Error() string {
	return fmt.Sprintf("%s: constraint violation: %v", e.Op, e.Err)
}

func (e *ConstraintError) Unwrap() error { return e.Err }

// FatalIngestError is returned when an update exhausted its retry budget.
type FatalIngestError struct {
	UpdateID int64
	ChatID   int64
	Kind     Kind
	Attempts int
	Err      error
}

func (e *FatalIngestError) Error() string {
	return fmt.Sprintf("update %d (chat %d, %s) dropped after %d attempts: %v",
		e.UpdateID, e.ChatID, e.Kind, e.Attempts, e.Err)
}

func (e *FatalIngestError) Unwrap() error { return e.Err }

// IsTransient reports whether err is worth retrying. Timeouts count as transient.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}
	var ts *TransientStoreError
	if errors.As(err, &ts) {
		return !errors.Is(ts.Err, context.Canceled)
	}
	return errors.Is(err, context.DeadlineExceeded)
}
