package server

import (
	"crypto/subtle"
	"net/http"
	"strings"
)

// adminAuth returns middleware that validates Bearer token authentication
// for maintenance endpoints. When AdminToken is empty the middleware is a
// no-op (allows unauthenticated access).
func (s *Server) adminAuth(next http.Handler) http.Handler {
	if s.config.AdminToken == "" {
		return next
	}

	tokenBytes := []byte(s.config.AdminToken)

	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		auth := r.Header.Get("Authorization")
		if !strings.HasPrefix(auth, "Bearer ") {
			unauthorizedResponse(w, r)
			return
		}

		provided := []byte(strings.TrimPrefix(auth, "Bearer "))
		if subtle.ConstantTimeCompare(provided, tokenBytes) != 1 {
			unauthorizedResponse(w, r)
			return
		}

		next.ServeHTTP(w, r)
	})
}

func unauthorizedResponse(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("WWW-Authenticate", "Bearer")
	writeError(w, r, apiError{http.StatusUnauthorized, CodeUnauthorized, "Missing or invalid admin token"})
}
