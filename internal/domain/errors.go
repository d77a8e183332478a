package domain

import (
	"errors"
	"fmt"
	"net/http"
)

// ErrorType categorizes a matching failure for API responses
type ErrorType string

// Error types for different failure scenarios
const (
	ErrTypeInvalidProfile      ErrorType = "INVALID_PROFILE"
	ErrTypeUpstreamRateLimited ErrorType = "UPSTREAM_RATE_LIMITED"
	ErrTypeUpstreamUnavailable ErrorType = "UPSTREAM_UNAVAILABLE"
	ErrTypeNotFound            ErrorType = "NOT_FOUND"
	ErrTypeFetchInFlight       ErrorType = "FETCH_IN_FLIGHT"
	ErrTypeCacheError          ErrorType = "CACHE_ERROR"
	ErrTypeInternal            ErrorType = "INTERNAL_ERROR"
)

// MatchError is the standardized error carried through the matching pipeline
type MatchError struct {
	Type    ErrorType `json:"error_type"`
	Message string    `json:"message"`
	Err     error     `json:"-"`
}

// Error implements the error interface
func (e *MatchError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Type, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Type, e.Message)
}

// Unwrap exposes the wrapped cause for errors.Is / errors.As
func (e *MatchError) Unwrap() error {
	return e.Err
}

// HTTPStatus maps the error type to an HTTP response status code
func (e *MatchError) HTTPStatus() int {
	switch e.Type {
	case ErrTypeInvalidProfile:
		return http.StatusBadRequest
	case ErrTypeUpstreamRateLimited:
		return http.StatusTooManyRequests
	case ErrTypeNotFound:
		return http.StatusNotFound
	case ErrTypeFetchInFlight:
		return http.StatusConflict
	default:
		return http.StatusInternalServerError
	}
}

// NewMatchError creates a MatchError wrapping an underlying cause
func NewMatchError(t ErrorType, message string, err error) *MatchError {
	return &MatchError{Type: t, Message: message, Err: err}
}

// NewInvalidProfileError creates a validation failure for a user profile field
func NewInvalidProfileError(message string) *MatchError {
	return &MatchError{Type: ErrTypeInvalidProfile, Message: message}
}

// AsMatchError extracts a MatchError from an error chain. When the chain
// carries no MatchError, the error is classified as internal.
func AsMatchError(err error) *MatchError {
	var me *MatchError
	if errors.As(err, &me) {
		return me
	}
	return &MatchError{Type: ErrTypeInternal, Message: "internal error", Err: err}
}
