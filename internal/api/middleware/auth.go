package middleware

import (
	"encoding/json"
	"net/http"
	"strings"

	"github.com/agentoven/crowdconsult/pkg/contracts"
	pkgmw "github.com/agentoven/crowdconsult/pkg/middleware"
	"github.com/rs/zerolog/log"
)

// AuthMiddleware authenticates requests with the provider chain and stores
// the Identity in context. Anonymous requests pass through; routes that
// need a caller wrap themselves in RequireAuth.
type AuthMiddleware struct {
	chain contracts.AuthProviderChain
}

func NewAuthMiddleware(chain contracts.AuthProviderChain) *AuthMiddleware {
	return &AuthMiddleware{chain: chain}
}

// Handler returns the HTTP handler middleware that authenticates requests.
func (am *AuthMiddleware) Handler(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if isAuthPublicPath(r.URL.Path) {
			next.ServeHTTP(w, r)
			return
		}

		identity, err := am.chain.Authenticate(r.Context(), r)
		if err != nil {
			// A stale cookie must not block logging in or out.
			if strings.HasPrefix(r.URL.Path, "/api/auth/") {
				next.ServeHTTP(w, r)
				return
			}
			log.Debug().Err(err).Str("path", r.URL.Path).Msg("Authentication failed")
			unauthorized(w, "authentication_failed", err.Error())
			return
		}

		if identity == nil {
			next.ServeHTTP(w, r)
			return
		}
		next.ServeHTTP(w, r.WithContext(pkgmw.SetIdentity(r.Context(), identity)))
	})
}

// RequireAuth rejects requests without an Identity.
func RequireAuth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if pkgmw.GetIdentity(r.Context()) == nil {
			unauthorized(w, "authentication_required", "Sign in, then send the session cookie or Authorization: Bearer <token>.")
			return
		}
		next.ServeHTTP(w, r)
	})
}

func unauthorized(w http.ResponseWriter, code, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("WWW-Authenticate", `Bearer realm="crowdconsult"`)
	w.WriteHeader(http.StatusUnauthorized)
	json.NewEncoder(w).Encode(map[string]string{
		"error":   code,
		"message": message,
	})
}

func isAuthPublicPath(path string) bool {
	switch path {
	case "/health", "/version":
		return true
	}
	return false
}
