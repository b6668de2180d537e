package devserver

import (
	"crypto/subtle"
	"net/http"
	"strings"
)

// bearerAuth rejects requests whose Authorization header does not carry the
// configured token. The comparison is constant-time; an empty configured
// token never matches (the caller disables the middleware instead).
func (s *Server) bearerAuth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		token, ok := strings.CutPrefix(r.Header.Get("Authorization"), "Bearer ")
		if !ok {
			s.writeError(w, http.StatusUnauthorized, "bearer token required")
			return
		}
		if !tokenMatches(strings.TrimSpace(token), s.config.Token) {
			s.writeError(w, http.StatusUnauthorized, "invalid token")
			return
		}
		next.ServeHTTP(w, r)
	})
}

func tokenMatches(got, want string) bool {
	if got == "" || want == "" {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(got), []byte(want)) == 1
}
