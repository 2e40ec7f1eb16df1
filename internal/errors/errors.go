// Package errors defines the error taxonomy shared by the chat service.
package errors

import (
	"errors"
	"fmt"
)

// Sentinel errors for common cases
var (
	ErrAuthFailed = errors.New("invalid credentials")
	ErrStore      = errors.New("store operation failed")
	ErrStream     = errors.New("send failed")
)

// AuthError is returned for any sign-in failure. It never says which credential was wrong.
type AuthError struct {
	Err error
}

func (e *AuthError) Error() string {
	return ErrAuthFailed.Error()
}

// Unwrap exposes the underlying cause for logging.
func (e *AuthError) Unwrap() error {
	return e.Err
}

// Is allows comparison with the ErrAuthFailed sentinel
func (e *AuthError) Is(target error) bool {
	return target == ErrAuthFailed
}

// NewAuthError creates a new AuthError
func NewAuthError(cause error) *AuthError {
	return &AuthError{Err: cause}
}

// StoreError reports a failed document store call.
type StoreError struct {
	Op         string
	Collection string
	ID         string
	Err        error
}

func (e *StoreError) Error() string {
	if e.ID != "" {
		return fmt.Sprintf("store %s %s/%s: %v", e.Op, e.Collection, e.ID, e.Err)
	}
	return fmt.Sprintf("store %s %s: %v", e.Op, e.Collection, e.Err)
}

func (e *StoreError) Unwrap() error {
	return e.Err
}

func (e *StoreError) Is(target error) bool {
	return target == ErrStore
}

// NewStoreError creates a new StoreError
func NewStoreError(op, collection, id string, err error) *StoreError {
	return &StoreError{Op: op, Collection: collection, ID: id, Err: err}
}

// StreamError reports a failure while opening or reading a reply stream.
type StreamError struct {
	Err error
}

func (e *StreamError) Error() string {
	if e.Err == nil {
		return ErrStream.Error()
	}
	return fmt.Sprintf("%s: %v", ErrStream.Error(), e.Err)
}

func (e *StreamError) Unwrap() error {
	return e.Err
}

func (e *StreamError) Is(target error) bool {
	return target == ErrStream
}

// NewStreamError creates a new StreamError. An error that already is one is returned as is.
func NewStreamError(err error) *StreamError {
	var streamErr *StreamError
	if errors.As(err, &streamErr) {
		return streamErr
	}
	return &StreamError{Err: err}
}

// IsAuthError reports whether err is an authentication failure.
func IsAuthError(err error) bool {
	var authErr *AuthError
	return errors.As(err, &authErr)
}

// IsStreamError reports whether err is a stream failure.
func IsStreamError(err error) bool {
	var streamErr *StreamError
	return errors.As(err, &streamErr)
}
