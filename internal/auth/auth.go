// ABOUTME: Static bearer-token guard for the HTTP API.
// ABOUTME: One shared token; comparison is constant-time; empty means open.

package auth

import (
	"crypto/subtle"
	"net/http"
	"strings"
)

// Guard enforces the gateway's shared API token. A Guard built from an empty
// token admits everything, which is the local-development default.
type Guard struct {
	token []byte
}

// NewGuard builds a Guard over token.
func NewGuard(token string) *Guard {
	if token == "" {
		return &Guard{}
	}
	return &Guard{token: []byte(token)}
}

// Enabled reports whether a token is configured.
func (g *Guard) Enabled() bool { return len(g.token) > 0 }

// Allows reports whether r carries the expected bearer token. Always true
// when no token is configured.
func (g *Guard) Allows(r *http.Request) bool {
	if !g.Enabled() {
		return true
	}
	candidate, ok := bearerToken(r.Header.Get("Authorization"))
	if !ok {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(candidate), g.token) == 1
}

// Require wraps next with the token check. Health and webhook routes are
// mounted outside it: webhooks carry their own platform signatures, and
// health stays probeable.
func (g *Guard) Require(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !g.Allows(r) {
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(http.StatusUnauthorized)
			_, _ = w.Write([]byte(`{"error":"Unauthorized."}` + "\n"))
			return
		}
		next.ServeHTTP(w, r)
	})
}

// bearerToken pulls the token out of an Authorization header.
func bearerToken(header string) (string, bool) {
	const prefix = "Bearer "
	if !strings.HasPrefix(header, prefix) {
		return "", false
	}
	token := strings.TrimPrefix(header, prefix)
	return token, token != ""
}
