package serv

import (
	"crypto/subtle"
	"net/http"
	"strings"
)

// authRequired enforces the shared API key on the external surface.
// An empty configured key disables authentication for the whole
// deployment; that is the documented opt-out for trusted networks.
func authRequired(s *Service) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if !s.conf.authEnabled() {
				next.ServeHTTP(w, r)
				return
			}

			cred := presentedCredential(r)
			if cred == "" {
				writeJSONError(w, http.StatusUnauthorized, "API key required")
				return
			}
			if !credentialMatch(cred, s.conf.Auth.APIKey) {
				// The presented credential itself is never logged.
				s.log.Warnw("authentication failed",
					"remote", r.RemoteAddr,
					"path", r.URL.Path,
				)
				writeJSONError(w, http.StatusUnauthorized, "Invalid API key")
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// presentedCredential extracts the client credential from the
// Authorization bearer header or the X-API-Key header.
func presentedCredential(r *http.Request) string {
	if h := r.Header.Get("Authorization"); strings.HasPrefix(h, "Bearer ") {
		return strings.TrimPrefix(h, "Bearer ")
	}
	return r.Header.Get("X-API-Key")
}

// credentialMatch compares the credential in constant time so response
// timing reveals nothing about the configured key.
func credentialMatch(got, want string) bool {
	return subtle.ConstantTimeCompare([]byte(got), []byte(want)) == 1
}
