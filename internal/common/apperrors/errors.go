// Package apperrors contains generic errors returned by the viewpool components.
//
// Callers should inspect errors with errors.As rather than comparing error strings; the types here are
// wrapped with github.com/pkg/errors as they travel up the stack.
package apperrors

import (
	"fmt"

	"github.com/pkg/errors"
)

// ErrNotFound is a generic error to be returned whenever some resource isn't found.
// Type and Message are optional and are omitted from the error message if not provided.
type ErrNotFound struct {
	Type    string // Resource type, e.g., "job"
	Value   string // Resource name, e.g., "order-17"
	Message string // An optional message to include in the error message
}

func (err *ErrNotFound) Error() (s string) {
	if err.Type != "" {
		s = fmt.Sprintf("resource %q of type %q does not exist", err.Value, err.Type)
	} else {
		s = fmt.Sprintf("resource %q does not exist", err.Value)
	}
	if err.Message != "" {
		return s + fmt.Sprintf("; %s", err.Message)
	}
	return s
}

// ErrInvalidArgument is a generic error to be returned on invalid argument.
// Message is optional and is omitted from the error message if not provided.
type ErrInvalidArgument struct {
	Name    string      // Name of the field referred to, e.g., "consumerId"
	Value   interface{} // The invalid value that was provided
	Message string      // An optional message explaining why the value is invalid
}

func (err *ErrInvalidArgument) Error() string {
	if err.Message == "" {
		return fmt.Sprintf("value %q is invalid for field %q", err.Value, err.Name)
	}
	return fmt.Sprintf("value %q is invalid for field %q; %s", err.Value, err.Name, err.Message)
}

// ErrRetryable marks a failure the caller may retry unchanged, e.g. a serialization failure or a lock
// timeout in the store. Nothing was persisted by the failed operation.
type ErrRetryable struct {
	Operation string
	Cause     error
}

func (err *ErrRetryable) Error() string {
	return fmt.Sprintf("%s failed with a retryable error: %v", err.Operation, err.Cause)
}

func (err *ErrRetryable) Unwrap() error {
	return err.Cause
}

// ErrMaxRetriesExceeded is returned when a bounded retry loop gives up.
type ErrMaxRetriesExceeded struct {
	Message   string
	LastError error
}

func (err *ErrMaxRetriesExceeded) Error() string {
	if err.Message == "" {
		return fmt.Sprintf("exceeded maximum number of retries; last error: %v", err.LastError)
	}
	return fmt.Sprintf("%s; last error: %v", err.Message, err.LastError)
}

func (err *ErrMaxRetriesExceeded) Unwrap() error {
	return err.LastError
}

// IsRetryable returns true if err, or any error it wraps, is an *ErrRetryable.
func IsRetryable(err error) bool {
	var e *ErrRetryable
	return errors.As(err, &e)
}

// IsNotFound returns true if err, or any error it wraps, is an *ErrNotFound.
func IsNotFound(err error) bool {
	var e *ErrNotFound
	return errors.As(err, &e)
}
