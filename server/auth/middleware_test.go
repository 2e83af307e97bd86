package auth

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
)

type staticAuth struct {
	user, password string
	forbidden      string
}

func (a staticAuth) Authenticate(_ context.Context, c Credentials) (*Principal, error) {
	if c.Username != a.user || c.Password != a.password {
		return nil, &Error{Type: ErrInvalidCredentials, Message: "bad credentials"}
	}
	return &Principal{ID: c.Username}, nil
}

func (a staticAuth) ValidateAccess(_ context.Context, p *Principal, path string) error {
	if path == a.forbidden {
		return &Error{Type: ErrForbidden, Message: "no"}
	}
	return nil
}

func TestMiddleware(t *testing.T) {
	var seen *Principal
	next := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen = PrincipalFrom(r.Context())
		w.WriteHeader(http.StatusNoContent)
	})
	h := Middleware(staticAuth{user: "alice", password: "pw", forbidden: "/secret"}, "")(next)

	tests := []struct {
		name      string
		path      string
		user, pw  string
		basic     bool
		status    int
		principal string
	}{
		{name: "no credentials", path: "/dav/", status: http.StatusUnauthorized},
		{name: "wrong password", path: "/dav/", user: "alice", pw: "x", basic: true, status: http.StatusUnauthorized},
		{name: "ok", path: "/dav/", user: "alice", pw: "pw", basic: true, status: http.StatusNoContent, principal: "alice"},
		{name: "forbidden", path: "/secret", user: "alice", pw: "pw", basic: true, status: http.StatusForbidden},
		{name: "well-known", path: "/.well-known/caldav", status: http.StatusNoContent},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			seen = nil
			req := httptest.NewRequest(http.MethodGet, tt.path, nil)
			if tt.basic {
				req.SetBasicAuth(tt.user, tt.pw)
			}
			rec := httptest.NewRecorder()
			h.ServeHTTP(rec, req)

			assert.Equal(t, tt.status, rec.Code)
			if tt.status == http.StatusUnauthorized {
				assert.Equal(t, `Basic realm="CalDAV"`, rec.Header().Get("WWW-Authenticate"))
			}
			if tt.principal != "" {
				if assert.NotNil(t, seen) {
					assert.Equal(t, tt.principal, seen.ID)
				}
			}
		})
	}
}

func TestErrorMatching(t *testing.T) {
	err := fmt.Errorf("wrapped: %w", &Error{Type: ErrForbidden, User: "bob", Message: "unknown"})
	assert.ErrorIs(t, err, &Error{Type: ErrForbidden})
	assert.NotErrorIs(t, err, &Error{Type: ErrUnauthorized})
	assert.EqualError(t, err, "wrapped: forbidden (bob): unknown")

	var authErr *Error
	if assert.ErrorAs(t, err, &authErr) {
		assert.Equal(t, http.StatusForbidden, authErr.Status())
	}
	assert.Equal(t, http.StatusUnauthorized, (&Error{Type: ErrInvalidCredentials}).Status())
}
