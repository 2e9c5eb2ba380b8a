// Package httperr defines the error taxonomy surfaced through the Consumer
// API's create_next_chunk return value.
package httperr

import (
	"fmt"

	"github.com/pkg/errors"
)

// Kind classifies why an attempt or a whole RequestSlot failed.
type Kind int

const (
	// ConfigError: invalid URI, missing URI at start, malformed range,
	// invalid http-version.
	ConfigError Kind = iota
	// TransportError: socket, TLS handshake, DNS, protocol failure.
	// Recoverable iff zero bytes were delivered and retries remain.
	TransportError
	// HttpError: status >= 400. Never retried.
	HttpError
	// TimeoutError: elapsed > configured timeout with no progress.
	// Retryable under the zero-bytes rule.
	TimeoutError
	// FlushError: a concurrent unlock() cancelled the pull.
	FlushError
	// InternalError: scheduler enqueue refused, or handle build failed
	// after options were validated. Fatal.
	InternalError
)

func (k Kind) String() string {
	switch k {
	case ConfigError:
		return "ConfigError"
	case TransportError:
		return "TransportError"
	case HttpError:
		return "HttpError"
	case TimeoutError:
		return "TimeoutError"
	case FlushError:
		return "FlushError"
	case InternalError:
		return "InternalError"
	default:
		return "UnknownError"
	}
}

// Error is the structured error returned by the Consumer API.
type Error struct {
	Kind Kind
	// StatusCode and RedirectURI are populated for Kind == HttpError,
	// matching the §6 error payload {http-status-code, http-redirect-uri}.
	StatusCode  int
	RedirectURI string
	cause       error
}

func (e *Error) Error() string {
	if e.Kind == HttpError {
		if e.RedirectURI != "" {
			return fmt.Sprintf("%s: status %d, redirect-uri %s", e.Kind, e.StatusCode, e.RedirectURI)
		}
		return fmt.Sprintf("%s: status %d", e.Kind, e.StatusCode)
	}
	if e.cause != nil {
		return fmt.Sprintf("%s: %v", e.Kind, e.cause)
	}
	return e.Kind.String()
}

func (e *Error) Unwrap() error { return e.cause }

// Wrap builds a Kind-tagged Error from an underlying cause.
func Wrap(kind Kind, cause error, format string, args ...any) *Error {
	var wrapped error
	if cause != nil {
		wrapped = errors.Wrapf(cause, format, args...)
	} else if format != "" {
		wrapped = errors.Errorf(format, args...)
	}
	return &Error{Kind: kind, cause: wrapped}
}

// HTTPStatus builds the structured HttpError payload for a non-2xx response.
func HTTPStatus(statusCode int, redirectURI string) *Error {
	return &Error{Kind: HttpError, StatusCode: statusCode, RedirectURI: redirectURI}
}

// Flushing is the sentinel FlushError returned when a concurrent unlock()
// cancels the in-flight pull.
var Flushing = &Error{Kind: FlushError}

// Cause returns the root cause via github.com/pkg/errors, for tests and
// diagnostics that need to inspect the underlying transport failure.
func Cause(err error) error {
	return errors.Cause(err)
}
