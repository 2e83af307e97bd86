package auth

import (
	"context"
	"errors"
	"net/http"
	"strings"
)

type principalKey struct{}

// PrincipalFrom returns the principal Middleware attached to ctx, or nil.
func PrincipalFrom(ctx context.Context) *Principal {
	p, _ := ctx.Value(principalKey{}).(*Principal)
	return p
}

func WithPrincipal(ctx context.Context, p *Principal) context.Context {
	return context.WithValue(ctx, principalKey{}, p)
}

// Middleware demands HTTP Basic credentials. Discovery under /.well-known/
// passes through unauthenticated.
func Middleware(authenticator Authenticator, realm string) func(http.Handler) http.Handler {
	if realm == "" {
		realm = "CalDAV"
	}
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if strings.HasPrefix(r.URL.Path, "/.well-known/") {
				next.ServeHTTP(w, r)
				return
			}

			user, pass, ok := r.BasicAuth()
			if !ok || user == "" {
				Challenge(w, realm)
				return
			}
			ctx := r.Context()
			p, err := authenticator.Authenticate(ctx, Credentials{Username: user, Password: pass})
			if err == nil {
				err = authenticator.ValidateAccess(ctx, p, r.URL.Path)
			}
			if err != nil {
				var authErr *Error
				if errors.As(err, &authErr) && authErr.Status() == http.StatusForbidden {
					http.Error(w, "Forbidden", http.StatusForbidden)
					return
				}
				Challenge(w, realm)
				return
			}
			next.ServeHTTP(w, r.WithContext(WithPrincipal(ctx, p)))
		})
	}
}

// Challenge answers 401 with a Basic challenge for realm.
func Challenge(w http.ResponseWriter, realm string) {
	w.Header().Set("WWW-Authenticate", `Basic realm="`+realm+`"`)
	http.Error(w, "Unauthorized", http.StatusUnauthorized)
}
