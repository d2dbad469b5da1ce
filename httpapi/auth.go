package httpapi

import (
	"context"
	"net/http"
	"strings"
)

// Scopes recognized by the control surface. Tokens carry a subset; a
// disabled auth config grants all of them.
const (
	ScopeWorkflowsRead   = "workflows:read"
	ScopeWorkflowsWrite  = "workflows:write"
	ScopeWorkflowsRun    = "workflows:run"
	ScopeJobsRead        = "jobs:read"
	ScopeJobsWrite       = "jobs:write"
	ScopeJobBundlesRead  = "job-bundles:read"
	ScopeJobBundlesWrite = "job-bundles:write"
)

// identity is the authenticated principal attached to the request context.
type identity struct {
	Subject string
	scopes  map[string]bool
	all     bool
}

func (id identity) allows(scope string) bool {
	return id.all || id.scopes[scope]
}

type identityKey struct{}

func identityFrom(ctx context.Context) (identity, bool) {
	id, ok := ctx.Value(identityKey{}).(identity)
	return id, ok
}

// authenticate resolves the bearer token against the process token map.
// With auth disabled every request runs as an anonymous principal holding
// all scopes, which is the local-development posture.
func (s *Server) authenticate(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !s.auth.Enabled {
			ctx := context.WithValue(r.Context(), identityKey{}, identity{Subject: "anonymous", all: true})
			next.ServeHTTP(w, r.WithContext(ctx))
			return
		}

		header := r.Header.Get("Authorization")
		token, ok := strings.CutPrefix(header, "Bearer ")
		if !ok || token == "" {
			writeErrorStatus(w, http.StatusUnauthorized, "unauthenticated", "bearer token required")
			return
		}
		grant, ok := s.tokens[token]
		if !ok {
			writeErrorStatus(w, http.StatusUnauthorized, "unauthenticated", "unknown token")
			return
		}

		scopes := make(map[string]bool, len(grant.Scopes))
		for _, scope := range grant.Scopes {
			scopes[scope] = true
		}
		ctx := context.WithValue(r.Context(), identityKey{}, identity{Subject: grant.Subject, scopes: scopes})
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// requireScope gates a route group on one scope.
func (s *Server) requireScope(scope string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			id, ok := identityFrom(r.Context())
			if !ok {
				writeErrorStatus(w, http.StatusUnauthorized, "unauthenticated", "bearer token required")
				return
			}
			if !id.allows(scope) {
				writeErrorStatus(w, http.StatusForbidden, "forbidden", "missing scope "+scope)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}
