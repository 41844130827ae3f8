// Package errors defines the error kinds of the query execution core and a
// wrapping AppError that carries an HTTP status for the broker's client API.
package errors

import (
	"errors"
	"fmt"
	"net/http"
)

var (
	ErrInvalidQuery     = errors.New("invalid query")
	ErrJoinTooLarge     = errors.New("join result too large")
	ErrDepthExceeded    = errors.New("join nesting depth exceeded")
	ErrDeadline         = errors.New("deadline exceeded")
	ErrCancelled        = errors.New("request cancelled")
	ErrOverloaded       = errors.New("searcher overloaded")
	ErrIndexUnavailable = errors.New("index unavailable")
	ErrIOFailure        = errors.New("stored field read failure")
	ErrPartialFailure   = errors.New("too many shard failures")
	ErrNoShards         = errors.New("no shards available")
)

var sentinelByKind = map[string]error{
	"invalid_query":     ErrInvalidQuery,
	"join_too_large":    ErrJoinTooLarge,
	"depth_exceeded":    ErrDepthExceeded,
	"deadline":          ErrDeadline,
	"cancelled":         ErrCancelled,
	"overloaded":        ErrOverloaded,
	"index_unavailable": ErrIndexUnavailable,
	"io_failure":        ErrIOFailure,
	"partial_failure":   ErrPartialFailure,
	"no_shards":         ErrNoShards,
}

// FromKind reconstructs the sentinel error for a kind label that crossed a
// process boundary, so errors.Is keeps working on the receiving side. An
// unknown kind yields a plain error with the message.
func FromKind(kind, message string) error {
	if sentinel, ok := sentinelByKind[kind]; ok {
		if message == "" {
			return sentinel
		}
		return fmt.Errorf("%w: %s", sentinel, message)
	}
	if message == "" {
		return errors.New(kind)
	}
	return errors.New(message)
}

// Kind returns the wire and metric label for a known error kind, or
// "internal".
func Kind(err error) string {
	switch {
	case errors.Is(err, ErrInvalidQuery):
		return "invalid_query"
	case errors.Is(err, ErrJoinTooLarge):
		return "join_too_large"
	case errors.Is(err, ErrDepthExceeded):
		return "depth_exceeded"
	case errors.Is(err, ErrDeadline):
		return "deadline"
	case errors.Is(err, ErrCancelled):
		return "cancelled"
	case errors.Is(err, ErrOverloaded):
		return "overloaded"
	case errors.Is(err, ErrIndexUnavailable):
		return "index_unavailable"
	case errors.Is(err, ErrIOFailure):
		return "io_failure"
	case errors.Is(err, ErrPartialFailure):
		return "partial_failure"
	case errors.Is(err, ErrNoShards):
		return "no_shards"
	default:
		return "internal"
	}
}

type AppError struct {
	Err        error
	Message    string
	StatusCode int
}

func (e *AppError) Error() string {
	return fmt.Sprintf("%s: %s", e.Err.Error(), e.Message)
}

func (e *AppError) Unwrap() error {
	return e.Err
}

func New(sentinel error, statusCode int, message string) *AppError {
	return &AppError{
		Err:        sentinel,
		Message:    message,
		StatusCode: statusCode,
	}
}

func Newf(sentinel error, statusCode int, format string, args ...any) *AppError {
	return &AppError{
		Err:        sentinel,
		Message:    fmt.Sprintf(format, args...),
		StatusCode: statusCode,
	}
}

// InvalidQueryf builds an ErrInvalidQuery whose message starts with a path
// into the offending part of the query, e.g. "filter.clauses[2].field".
func InvalidQueryf(path string, format string, args ...any) *AppError {
	return &AppError{
		Err:        ErrInvalidQuery,
		Message:    path + ": " + fmt.Sprintf(format, args...),
		StatusCode: http.StatusBadRequest,
	}
}

func HTTPStatusCode(err error) int {
	var appErr *AppError
	if errors.As(err, &appErr) {
		return appErr.StatusCode
	}

	switch {
	case errors.Is(err, ErrInvalidQuery), errors.Is(err, ErrJoinTooLarge), errors.Is(err, ErrDepthExceeded):
		return http.StatusBadRequest
	case errors.Is(err, ErrDeadline):
		return http.StatusGatewayTimeout
	case errors.Is(err, ErrCancelled):
		return 499
	case errors.Is(err, ErrOverloaded):
		return http.StatusTooManyRequests
	case errors.Is(err, ErrIndexUnavailable), errors.Is(err, ErrPartialFailure), errors.Is(err, ErrNoShards):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}
