package rbac

import (
	"errors"
	"fmt"
	"net/http"

	"github.com/foodhub/foodhub/internal/platform/httpx"
)

var (
	// ErrNotFound indicates that the requested record does not exist.
	ErrNotFound = fmt.Errorf("rbac: %w", httpx.ErrNotFound)
	// ErrUserNotFound is returned when a snapshot is requested for an unknown user.
	ErrUserNotFound = errors.New("rbac: user not found")
	// ErrNoRole is returned when a user holds no role and roleless snapshots are disabled.
	ErrNoRole = errors.New("rbac: user has no role")
	// ErrUnauthenticated indicates no caller identity could be resolved.
	ErrUnauthenticated = errors.New("rbac: unauthenticated")
	// ErrForbidden indicates the caller's role is on a deny list.
	ErrForbidden = errors.New("rbac: forbidden")
	// ErrNoPermission indicates the caller lacks a required permission.
	ErrNoPermission = errors.New("rbac: no permission")
	// ErrInternal wraps unexpected failures surfaced by the guard.
	ErrInternal = errors.New("rbac: internal error")
)

// Code classifies guard failures.
type Code string

const (
	CodeUnauthenticated Code = "UNAUTHENTICATED"
	CodeForbidden       Code = "FORBIDDEN"
	CodeNoPermission    Code = "NO_PERMISSION"
	CodeInternal        Code = "INTERNAL_ERROR"
)

// Status returns the conventional HTTP status for the code.
func (c Code) Status() int {
	switch c {
	case CodeUnauthenticated:
		return http.StatusUnauthorized
	case CodeForbidden, CodeNoPermission:
		return http.StatusForbidden
	default:
		return http.StatusInternalServerError
	}
}

// Denial describes why the guard refused an operation.
type Denial struct {
	Code      Code
	Message   string
	Condition string
	Missing   []string
	Err       error
}

func (d *Denial) Error() string {
	if d == nil {
		return ""
	}
	return string(d.Code) + ": " + d.Message
}

// Unwrap exposes the sentinel matching the code and the underlying cause.
func (d *Denial) Unwrap() []error {
	if d == nil {
		return nil
	}
	var sentinel error
	switch d.Code {
	case CodeUnauthenticated:
		sentinel = ErrUnauthenticated
	case CodeForbidden:
		sentinel = ErrForbidden
	case CodeNoPermission:
		sentinel = ErrNoPermission
	default:
		sentinel = ErrInternal
	}
	if d.Err == nil {
		return []error{sentinel}
	}
	return []error{sentinel, d.Err}
}

// Status returns the HTTP status for the denial.
func (d *Denial) Status() int {
	if d == nil {
		return http.StatusOK
	}
	return d.Code.Status()
}
