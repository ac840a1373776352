// Package serverbox implements the core of a reverse proxy and lifecycle
// orchestrator for ephemeral sandboxed compute instances: a durable
// instance-metadata store, a provider adapter over an external sandbox
// service, a resume-on-demand coordinator, and the HTTP data plane that
// forwards authenticated client traffic to the backing sandbox.
package serverbox

import (
	"errors"
	"fmt"
	"net/http"
)

// Kind classifies a serverbox error into the closed taxonomy the HTTP
// layer maps to status codes.
type Kind string

const (
	KindInvalidConfig       Kind = "INVALID_CONFIG"
	KindMissingAuth         Kind = "MISSING_AUTH"
	KindMissingProviderKey  Kind = "MISSING_DAYTONA_API_KEY"
	KindInstanceNotFound    Kind = "INSTANCE_NOT_FOUND"
	KindInstanceNotRunning  Kind = "INSTANCE_NOT_RUNNING"
	KindSandboxNotFound     Kind = "SANDBOX_NOT_FOUND"
	KindCreateFailed        Kind = "CREATE_FAILED"
	KindBootstrapFailed     Kind = "BOOTSTRAP_FAILED"
	KindHealthCheckFailed   Kind = "HEALTH_CHECK_FAILED"
	KindProviderAPIError    Kind = "DAYTONA_API_ERROR"
	KindStoreError          Kind = "STORE_ERROR"
	KindUnsupportedOperation Kind = "UNSUPPORTED_OPERATION"
)

// Error is a serverbox domain error: a stable Kind for HTTP/JSON mapping,
// a human message, and the wrapped cause (if any).
type Error struct {
	Kind    Kind
	Message string
	Cause   error
}

func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error { return e.Cause }

// NewError constructs a serverbox.Error with no wrapped cause.
func NewError(kind Kind, message string) *Error {
	return &Error{Kind: kind, Message: message}
}

// WrapError constructs a serverbox.Error wrapping cause, always applying
// the given kind regardless of cause's own type: low-level errors are
// rewrapped at call sites into one of the defined kinds.
func WrapError(kind Kind, message string, cause error) *Error {
	return &Error{Kind: kind, Message: message, Cause: cause}
}

// KindOf extracts the Kind of err if it is (or wraps) a *Error, else "".
func KindOf(err error) Kind {
	var se *Error
	if errors.As(err, &se) {
		return se.Kind
	}
	return ""
}

// IsKind reports whether err is (or wraps) a *Error of the given kind.
func IsKind(err error, kind Kind) bool {
	return KindOf(err) == kind
}

// HTTPStatus maps a Kind to the status code the HTTP router uses when
// rendering an error response.
func HTTPStatus(kind Kind) int {
	switch kind {
	case KindInstanceNotFound, KindSandboxNotFound:
		return http.StatusNotFound
	case KindInstanceNotRunning:
		return http.StatusConflict
	case KindInvalidConfig:
		return http.StatusBadRequest
	default:
		return http.StatusInternalServerError
	}
}
