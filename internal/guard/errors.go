// Package guard sanitizes user text and throttles submissions before they
// reach the network layer.
package guard

import (
	"errors"
	"fmt"
)

var (
	// ErrEmpty is returned for empty or whitespace-only input.
	ErrEmpty = errors.New("input is empty")
	// ErrRateLimited is returned when a key exceeded its submission window.
	ErrRateLimited = errors.New("too many submissions, please wait a moment")
	// ErrInvalidEmail is returned for malformed email addresses.
	ErrInvalidEmail = errors.New("email address is not valid")
	// ErrWeakPassword is returned for passwords that fail the strength rules.
	ErrWeakPassword = errors.New("password must be at least 8 characters and contain a letter and a digit")
)

// ValidationError is a local, pre-network failure. It is never sent to the
// remote service.
type ValidationError struct {
	Field string
	Err   error
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return e.Err.Error()
	}
	return fmt.Sprintf("%s: %s", e.Field, e.Err.Error())
}

func (e *ValidationError) Unwrap() error {
	return e.Err
}

func invalid(field string, err error) *ValidationError {
	return &ValidationError{Field: field, Err: err}
}
