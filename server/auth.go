package server

import (
	"net/http"

	"github.com/cyp0633/caldora/server/auth"
)

// checkAuth returns the authenticated user id. A principal placed in the
// context by auth.Middleware is trusted; otherwise Basic credentials are
// checked against the Authenticator. On failure the response is written.
func (h *CaldavHandler) checkAuth(w http.ResponseWriter, r *http.Request) (string, bool) {
	if p := auth.PrincipalFrom(r.Context()); p != nil {
		return p.ID, true
	}
	if h.Authenticator == nil {
		h.Logger.Error("no authenticator configured")
		http.Error(w, "Internal Server Error", http.StatusInternalServerError)
		return "", false
	}

	username, password, ok := r.BasicAuth()
	if !ok || username == "" {
		h.Logger.Info("authentication required", "path", r.URL.Path)
		h.requireAuth(w)
		return "", false
	}

	principal, err := h.Authenticator.Authenticate(r.Context(), auth.Credentials{Username: username, Password: password})
	if err != nil {
		h.Logger.Warn("authentication failed", "user", username, "error", err)
		h.requireAuth(w)
		return "", false
	}
	if err := h.Authenticator.ValidateAccess(r.Context(), principal, r.URL.Path); err != nil {
		h.Logger.Warn("access denied", "user", principal.ID, "path", r.URL.Path, "error", err)
		http.Error(w, "Forbidden", http.StatusForbidden)
		return "", false
	}
	return principal.ID, true
}

func (h *CaldavHandler) requireAuth(w http.ResponseWriter) {
	auth.Challenge(w, h.Realm)
}
