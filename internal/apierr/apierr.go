// Package apierr defines the stable error codes surfaced by the HTTP
// layer. Components return *Error values; handlers map anything else
// to a generic internal code.
package apierr

import (
	"errors"
	"fmt"
	"net/http"
)

// Error is a surface-level failure with a stable machine code.
type Error struct {
	Status  int    `json:"-"`
	Code    string `json:"code"`
	Message string `json:"message"`
}

func (e *Error) Error() string {
	if e.Message == "" {
		return e.Code
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// New builds an error with an explicit HTTP status.
func New(status int, code, message string) *Error {
	return &Error{Status: status, Code: code, Message: message}
}

// BadRequest is a 400 validation failure.
func BadRequest(code, message string) *Error {
	return New(http.StatusBadRequest, code, message)
}

// Unauthorized is a 401 authz failure.
func Unauthorized(code, message string) *Error {
	return New(http.StatusUnauthorized, code, message)
}

// NotFound is a 404 lookup failure.
func NotFound(code, message string) *Error {
	return New(http.StatusNotFound, code, message)
}

// Conflict is a 409 state conflict.
func Conflict(code, message string) *Error {
	return New(http.StatusConflict, code, message)
}

// TooManyRequests is a 429 rate-limit rejection.
func TooManyRequests(code, message string) *Error {
	return New(http.StatusTooManyRequests, code, message)
}

// Locked is a 423 rejection, used while the kill switch holds.
func Locked(code, message string) *Error {
	return New(http.StatusLocked, code, message)
}

// Unavailable is a 503 upstream or freshness failure.
func Unavailable(code, message string) *Error {
	return New(http.StatusServiceUnavailable, code, message)
}

// Internal is a 500 with a stable code.
func Internal(code, message string) *Error {
	return New(http.StatusInternalServerError, code, message)
}

// From extracts the typed error from err, or wraps it as a 500 with
// fallbackCode so every surface failure still carries a stable code.
func From(err error, fallbackCode string) *Error {
	var apiErr *Error
	if errors.As(err, &apiErr) {
		return apiErr
	}
	return Internal(fallbackCode, err.Error())
}

// Code returns the stable code of err, or the fallback for untyped errors.
func Code(err error, fallback string) string {
	var apiErr *Error
	if errors.As(err, &apiErr) {
		return apiErr.Code
	}
	return fallback
}
