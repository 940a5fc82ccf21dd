// Package errors provides custom error types for domain-specific errors.
package errors

import (
	"errors"
	"fmt"
)

// Standard sentinel errors
var (
	ErrValidation       = errors.New("validation failed")
	ErrInvalidCondition = errors.New("invalid condition")
	ErrNoChannels       = errors.New("at least one delivery channel is required")
	ErrUnknownChannel   = errors.New("unknown delivery channel")
	ErrAlertNotFound    = errors.New("alert not found")
	ErrConfigInvalid    = errors.New("invalid configuration")
	ErrDatabaseError    = errors.New("database error")
	ErrDeliveryFailed   = errors.New("delivery failed")
	ErrCircuitOpen      = errors.New("circuit breaker is open")
	ErrTimeout          = errors.New("operation timed out")
)

// ValidationError represents a validation error on a single input field.
// It matches ErrValidation with errors.Is.
type ValidationError struct {
	Field   string
	Value   interface{}
	Message string
	Err     error
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("validation error: %s (%v): %s", e.Field, e.Value, e.Message)
}

func (e *ValidationError) Unwrap() error {
	if e.Err != nil {
		return e.Err
	}
	return ErrValidation
}

// Is lets a wrapped ValidationError match ErrValidation even when Err carries
// a more specific sentinel.
func (e *ValidationError) Is(target error) bool {
	return target == ErrValidation
}

// NewValidationError creates a new ValidationError.
func NewValidationError(field string, value interface{}, message string) *ValidationError {
	return &ValidationError{
		Field:   field,
		Value:   value,
		Message: message,
	}
}

// NewValidationErrorWrap creates a ValidationError that also wraps a sentinel.
func NewValidationErrorWrap(field string, value interface{}, message string, err error) *ValidationError {
	return &ValidationError{
		Field:   field,
		Value:   value,
		Message: message,
		Err:     err,
	}
}

// DeliveryError represents a failed send on one delivery channel.
type DeliveryError struct {
	Channel string
	Err     error
}

func (e *DeliveryError) Error() string {
	return fmt.Sprintf("delivery error [%s]: %v", e.Channel, e.Err)
}

func (e *DeliveryError) Unwrap() error {
	return e.Err
}

// Is matches ErrDeliveryFailed for any channel.
func (e *DeliveryError) Is(target error) bool {
	return target == ErrDeliveryFailed
}

// NewDeliveryError creates a new DeliveryError.
func NewDeliveryError(channel string, err error) *DeliveryError {
	return &DeliveryError{
		Channel: channel,
		Err:     err,
	}
}

// StoreError represents a failure in a persistence backend.
type StoreError struct {
	Backend   string
	Operation string
	Err       error
}

func (e *StoreError) Error() string {
	return fmt.Sprintf("store error [%s] %s: %v", e.Backend, e.Operation, e.Err)
}

func (e *StoreError) Unwrap() error {
	return e.Err
}

// Is matches ErrDatabaseError for any backend.
func (e *StoreError) Is(target error) bool {
	return target == ErrDatabaseError
}

// NewStoreError creates a new StoreError.
func NewStoreError(backend, operation string, err error) *StoreError {
	return &StoreError{
		Backend:   backend,
		Operation: operation,
		Err:       err,
	}
}

// Wrap wraps an error with additional context.
func Wrap(err error, message string) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%s: %w", message, err)
}

// Wrapf wraps an error with formatted context.
func Wrapf(err error, format string, args ...interface{}) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%s: %w", fmt.Sprintf(format, args...), err)
}

// Is reports whether any error in err's chain matches target.
func Is(err, target error) bool {
	return errors.Is(err, target)
}

// As finds the first error in err's chain that matches target.
func As(err error, target interface{}) bool {
	return errors.As(err, target)
}
