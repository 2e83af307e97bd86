package auth

import (
	"context"
	"fmt"
	"net/http"
)

// Principal is the account a request acts as. ID matches the Owner of the
// collections the account holds.
type Principal struct {
	ID string
}

// Credentials as presented in an Authorization header.
type Credentials struct {
	Username string
	Password string
}

// Reason classifies a failed authentication or access check.
type Reason int

const (
	ErrInvalidCredentials Reason = iota + 1
	ErrUnauthorized
	ErrForbidden
)

func (r Reason) String() string {
	switch r {
	case ErrInvalidCredentials:
		return "invalid credentials"
	case ErrUnauthorized:
		return "unauthorized"
	case ErrForbidden:
		return "forbidden"
	}
	return fmt.Sprintf("reason(%d)", int(r))
}

// Error reports why a principal was turned away. Two errors match under
// errors.Is when their reasons are equal.
type Error struct {
	Type    Reason
	User    string
	Message string
	Err     error
}

func (e *Error) Error() string {
	msg := e.Type.String()
	if e.User != "" {
		msg += " (" + e.User + ")"
	}
	if e.Message != "" {
		msg += ": " + e.Message
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *Error) Unwrap() error { return e.Err }

func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	return ok && t.Type == e.Type
}

// Status is the HTTP status a handler answers with.
func (e *Error) Status() int {
	if e.Type == ErrForbidden {
		return http.StatusForbidden
	}
	return http.StatusUnauthorized
}

// Authenticator checks credentials and decides whether a principal may use
// a path at all. Per-collection rights are the engine's concern.
type Authenticator interface {
	Authenticate(ctx context.Context, creds Credentials) (*Principal, error)
	ValidateAccess(ctx context.Context, principal *Principal, path string) error
}
