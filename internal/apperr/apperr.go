// Package apperr defines the service-wide error taxonomy: a closed set of
// failure kinds, each with a stable machine-readable code and an HTTP status
// mapping. Components wrap causes into *Error values; the API surface
// translates them into response bodies without inspecting component internals.
package apperr

import (
	"errors"
	"fmt"
	"net/http"
)

// Kind classifies a failure. The set is closed: adding a kind requires
// updating Code and HTTPStatus, which the compiler does not enforce, so
// both switches carry a default that falls back to Internal semantics.
type Kind int

const (
	// Internal is the fallback kind for unexpected failures.
	Internal Kind = iota
	// DBNotFound means no instance exists for the given identifier.
	DBNotFound
	// DialectUnsupported means the requested dialect is not in the closed
	// enumeration of supported engines.
	DialectUnsupported
	// DialectPullFailed means the daemon could not pull the engine image.
	DialectPullFailed
	// PoolExhausted means every host container for the dialect is at
	// capacity and the per-dialect host cap has been reached.
	PoolExhausted
	// QueryTimeout means a query exceeded the configured hard deadline.
	QueryTimeout
	// QuerySyntaxError means the dialect CLI rejected the statement.
	QuerySyntaxError
	// DBSizeExceeded means the instance is past its size cap and the
	// statement was refused.
	DBSizeExceeded
	// BackupNotFound means no backup record exists for the identifier.
	BackupNotFound
	// BackupExpired means the backup record exists but is past its expiry.
	BackupExpired
	// Busy means the per-instance query slot could not be acquired.
	Busy
)

// Code returns the stable machine-readable code for the kind. These codes
// are part of the API contract and must not change.
func (k Kind) Code() string {
	switch k {
	case DBNotFound:
		return "DB_NOT_FOUND"
	case DialectUnsupported:
		return "DIALECT_UNSUPPORTED"
	case DialectPullFailed:
		return "DIALECT_PULL_FAILED"
	case PoolExhausted:
		return "POOL_EXHAUSTED"
	case QueryTimeout:
		return "QUERY_TIMEOUT"
	case QuerySyntaxError:
		return "QUERY_SYNTAX_ERROR"
	case DBSizeExceeded:
		return "DB_SIZE_EXCEEDED"
	case BackupNotFound:
		return "BACKUP_NOT_FOUND"
	case BackupExpired:
		return "BACKUP_EXPIRED"
	case Busy:
		return "BUSY"
	default:
		return "INTERNAL_ERROR"
	}
}

// HTTPStatus returns the HTTP status code the API surface uses for the kind.
func (k Kind) HTTPStatus() int {
	switch k {
	case DBNotFound, BackupNotFound:
		return http.StatusNotFound
	case DialectUnsupported, QuerySyntaxError:
		return http.StatusBadRequest
	case DialectPullFailed, PoolExhausted:
		return http.StatusServiceUnavailable
	case QueryTimeout:
		return http.StatusRequestTimeout
	case DBSizeExceeded:
		return http.StatusRequestEntityTooLarge
	case BackupExpired:
		return http.StatusGone
	case Busy:
		return http.StatusTooManyRequests
	default:
		return http.StatusInternalServerError
	}
}

// Error is a classified failure. Message is human-readable; Detail carries
// optional diagnostic context (CLI stderr, daemon error text) that is safe
// to return to the caller.
type Error struct {
	Kind    Kind
	Message string
	Detail  string
	cause   error
}

// New returns an *Error of the given kind with a fixed message.
func New(kind Kind, message string) *Error {
	return &Error{Kind: kind, Message: message}
}

// Newf returns an *Error of the given kind with a formatted message.
func Newf(kind Kind, format string, args ...any) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

// Wrap returns an *Error of the given kind wrapping cause. The cause's text
// becomes the Detail so the API can surface it without exposing Go error
// chain formatting.
func Wrap(kind Kind, message string, cause error) *Error {
	e := &Error{Kind: kind, Message: message, cause: cause}
	if cause != nil {
		e.Detail = cause.Error()
	}
	return e
}

// Error implements the error interface.
func (e *Error) Error() string {
	if e.cause != nil {
		return e.Message + ": " + e.cause.Error()
	}
	return e.Message
}

// Unwrap exposes the cause for errors.Is / errors.As traversal.
func (e *Error) Unwrap() error {
	return e.cause
}

// Is matches two *Error values by kind, so errors.Is(err, apperr.New(k, ""))
// style comparisons work. Prefer IsKind for readability.
func (e *Error) Is(target error) bool {
	var t *Error
	if !errors.As(target, &t) {
		return false
	}
	return e.Kind == t.Kind
}

// KindOf extracts the Kind from err. Unclassified errors report Internal.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return Internal
}

// IsKind reports whether err carries the given kind anywhere in its chain.
func IsKind(err error, kind Kind) bool {
	var e *Error
	return errors.As(err, &e) && e.Kind == kind
}
