// Package apperr defines the orchestrator's closed error taxonomy together
// with the retry and circuit-breaker primitives built on top of it.
package apperr

import (
	"errors"
	"fmt"
	"net/http"
	"time"
)

// Kind identifies one member of the closed error taxonomy.
type Kind string

const (
	Unauthorized              Kind = "UNAUTHORIZED"
	Forbidden                 Kind = "FORBIDDEN"
	NotFound                  Kind = "NOT_FOUND"
	ValidationFailed          Kind = "VALIDATION_FAILED"
	ContainerCreationFailed   Kind = "CONTAINER_CREATION_FAILED"
	ContainerStartFailed      Kind = "CONTAINER_START_FAILED"
	ContainerStopFailed       Kind = "CONTAINER_STOP_FAILED"
	DockerConnectionFailed    Kind = "DOCKER_CONNECTION_FAILED"
	ContainerLimitExceeded    Kind = "CONTAINER_LIMIT_EXCEEDED"
	GitCloneFailed            Kind = "GIT_CLONE_FAILED"
	GitWorktreeCreationFailed Kind = "GIT_WORKTREE_CREATION_FAILED"
	GitOperationFailed        Kind = "GIT_OPERATION_FAILED"
	InvalidGitURL             Kind = "INVALID_GIT_URL"
	InvalidBranchName         Kind = "INVALID_BRANCH_NAME"
	ResourceLimitExceeded     Kind = "RESOURCE_LIMIT_EXCEEDED"
	SystemOverloaded          Kind = "SYSTEM_OVERLOADED"
	SecurityViolation         Kind = "SECURITY_VIOLATION"
	NetworkError              Kind = "NETWORK_ERROR"
	TimeoutError              Kind = "TIMEOUT_ERROR"
	DatabaseError             Kind = "DATABASE_ERROR"
	DatabaseConnectionFailed  Kind = "DATABASE_CONNECTION_FAILED"
	ExternalServiceError      Kind = "EXTERNAL_SERVICE_ERROR"
	InternalError             Kind = "INTERNAL_ERROR"
)

// Error is the taxonomy's error value. Operational errors are expected
// conditions surfaced to callers; non-operational errors indicate a defect
// and are always logged critically before being returned.
type Error struct {
	Kind          Kind
	Message       string
	StatusHint    int
	IsOperational bool
	Metadata      map[string]any
	Timestamp     time.Time
	Cause         error
}

// Error implements the error interface.
func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

// Unwrap returns the underlying cause.
func (e *Error) Unwrap() error {
	return e.Cause
}

// Is matches on kind so errors.Is(err, &Error{Kind: ...}) works across wraps.
func (e *Error) Is(target error) bool {
	var other *Error
	if errors.As(target, &other) {
		return e.Kind == other.Kind
	}
	return false
}

// WithMeta attaches a metadata entry and returns the error for chaining.
func (e *Error) WithMeta(key string, value any) *Error {
	if e.Metadata == nil {
		e.Metadata = make(map[string]any)
	}
	e.Metadata[key] = value
	return e
}

// New constructs a taxonomy error of the given kind.
func New(kind Kind, message string) *Error {
	return &Error{
		Kind:          kind,
		Message:       message,
		StatusHint:    statusHint(kind),
		IsOperational: operational(kind),
		Timestamp:     time.Now(),
	}
}

// Newf constructs a taxonomy error with a formatted message.
func Newf(kind Kind, format string, args ...any) *Error {
	return New(kind, fmt.Sprintf(format, args...))
}

// Wrap converts an arbitrary error into the taxonomy, preserving the cause.
// A nil err yields nil. An err that is already a taxonomy error is returned
// unchanged so kinds assigned at the failure site survive rewrapping.
func Wrap(err error, kind Kind, message string) *Error {
	if err == nil {
		return nil
	}
	var existing *Error
	if errors.As(err, &existing) {
		return existing
	}
	e := New(kind, message)
	e.Cause = err
	return e
}

// KindOf extracts the taxonomy kind from err, mapping unknown errors to
// InternalError.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return InternalError
}

// Retryable reports whether the error classifies as transient: the retry
// envelope only re-executes operations failing with these kinds.
func Retryable(err error) bool {
	switch KindOf(err) {
	case NetworkError, TimeoutError, DockerConnectionFailed, SystemOverloaded, DatabaseConnectionFailed:
		return true
	}
	return false
}

func statusHint(kind Kind) int {
	switch kind {
	case Unauthorized:
		return http.StatusUnauthorized
	case Forbidden, SecurityViolation:
		return http.StatusForbidden
	case NotFound:
		return http.StatusNotFound
	case ValidationFailed, InvalidGitURL, InvalidBranchName:
		return http.StatusBadRequest
	case ContainerLimitExceeded, ResourceLimitExceeded:
		return http.StatusTooManyRequests
	case SystemOverloaded:
		return http.StatusServiceUnavailable
	case TimeoutError:
		return http.StatusGatewayTimeout
	case ExternalServiceError, DockerConnectionFailed:
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

func operational(kind Kind) bool {
	// Everything in the closed set except InternalError is an expected,
	// surfaceable condition.
	return kind != InternalError
}
