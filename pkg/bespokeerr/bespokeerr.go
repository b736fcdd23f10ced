// Package bespokeerr declares the closed error taxonomy surfaced over
// the HTTP API and persisted in task/stage/submission records.
package bespokeerr

import (
	"errors"
	"net/http"
)

// Code is one member of the closed error taxonomy from spec.md §7.
type Code string

const (
	InvalidSchema    Code = "invalid-schema"
	NotFound         Code = "not-found"
	QueueUnavailable Code = "queue-unavailable"
	WorkerCrashed    Code = "worker-crashed"
	ExecutorError    Code = "executor-error"
	Cancelled        Code = "cancelled"
	Timeout          Code = "timeout"
	Internal         Code = "internal"
)

// Error wraps Code with a human-readable message and an optional cause.
type Error struct {
	Code    Code
	Message string
	Cause   error
}

func (e *Error) Error() string {
	if e.Cause != nil {
		return string(e.Code) + ": " + e.Message + ": " + e.Cause.Error()
	}
	return string(e.Code) + ": " + e.Message
}

func (e *Error) Unwrap() error { return e.Cause }

// New builds an *Error with no wrapped cause.
func New(code Code, message string) *Error {
	return &Error{Code: code, Message: message}
}

// Wrap builds an *Error carrying cause.
func Wrap(code Code, message string, cause error) *Error {
	return &Error{Code: code, Message: message, Cause: cause}
}

// CodeOf extracts the Code from err, defaulting to Internal when err
// is not (or does not wrap) a *Error.
func CodeOf(err error) Code {
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	return Internal
}

// HTTPStatus maps a Code to the status code the coordinator responds
// with.
func HTTPStatus(code Code) int {
	switch code {
	case InvalidSchema:
		return http.StatusBadRequest
	case NotFound:
		return http.StatusNotFound
	case QueueUnavailable:
		return http.StatusServiceUnavailable
	case Timeout:
		return http.StatusGatewayTimeout
	case Cancelled:
		return http.StatusConflict
	case WorkerCrashed, ExecutorError:
		return http.StatusUnprocessableEntity
	default:
		return http.StatusInternalServerError
	}
}
