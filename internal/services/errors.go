// Package services defines the business logic for idempotent publishing,
// subscriptions, operator auth and maintenance. This file centralizes
// service-level error values so that they can be consistently returned by
// service methods and checked by callers.
//
// Translation into user-facing messages or HTTP status codes is performed at
// the handler layer.
package services

import (
	"errors"
	"fmt"
)

var (
	// ErrValidation marks caller faults. Use errors.As with *ValidationError
	// to read the offending field.
	ErrValidation = errors.New("validation failed")

	// ErrUnauthorized is returned when credentials do not match an operator.
	ErrUnauthorized = errors.New("invalid credentials")

	// ErrUnexpected wraps store and driver faults. Safe to retry at the
	// caller's discretion.
	ErrUnexpected = errors.New("unexpected error")

	// ErrInvariantViolation means an idempotency record exists without a
	// saved response, i.e. the request that claimed it crashed mid-flight.
	ErrInvariantViolation = errors.New("idempotency record has no saved response")

	// ErrTokenNotFound is returned for an unknown subscription token.
	ErrTokenNotFound = errors.New("subscription token not found")

	// ErrIssueNotFound is returned when an issue id does not exist.
	ErrIssueNotFound = errors.New("issue not found")

	// ErrDeadLetterNotFound is returned when requeueing a missing dead letter.
	ErrDeadLetterNotFound = errors.New("dead letter not found")
)

// ValidationError describes why an input was rejected.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("%s: %s", e.Field, e.Reason)
}

// Is makes errors.Is(err, ErrValidation) true for every ValidationError.
func (e *ValidationError) Is(target error) bool { return target == ErrValidation }

func invalid(field, reason string) error {
	return &ValidationError{Field: field, Reason: reason}
}

func unexpected(op string, err error) error {
	return fmt.Errorf("%w: %s: %w", ErrUnexpected, op, err)
}
