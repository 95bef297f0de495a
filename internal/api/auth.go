package api

import (
	"context"
	"net/http"
	"strings"

	"crewroute/internal/auth"
)

type ctxKeyPrincipal struct{}

// bearerToken reads Authorization: Bearer, or access_token in the query for browser
// EventSource and WebSocket clients that cannot set headers.
func bearerToken(r *http.Request) string {
	authz := r.Header.Get("Authorization")
	if len(authz) > 7 && strings.EqualFold(authz[:7], "bearer ") {
		return strings.TrimSpace(authz[7:])
	}
	return r.URL.Query().Get("access_token")
}

// authed verifies the caller and applies the per-owner rate limit before h runs.
func (s *Server) authed(h http.HandlerFunc) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		pr, err := s.Auth.Verify(bearerToken(r))
		if err != nil {
			w.Header().Set("WWW-Authenticate", `Bearer realm="crewroute"`)
			writeProblem(w, http.StatusUnauthorized, "Unauthorized", err.Error(), r.URL.Path)
			return
		}
		if s.Limiter != nil && !s.Limiter.Allow(pr.OwnerID) {
			w.Header().Set("Retry-After", "1")
			writeProblem(w, http.StatusTooManyRequests, "Too Many Requests", "rate limit exceeded", r.URL.Path)
			return
		}
		h(w, r.WithContext(context.WithValue(r.Context(), ctxKeyPrincipal{}, pr)))
	})
}

// principal is only valid inside handlers wrapped by authed.
func principal(r *http.Request) auth.Principal {
	pr, _ := r.Context().Value(ctxKeyPrincipal{}).(auth.Principal)
	return pr
}
