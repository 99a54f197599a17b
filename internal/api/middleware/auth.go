package middleware

import (
	"encoding/json"
	"net/http"

	"github.com/zootalk/zootalk/assistant-engine/internal/auth"
	pkgmw "github.com/zootalk/zootalk/assistant-engine/pkg/middleware"
)

// Auth returns middleware that authenticates requests through the provider
// chain. A request carrying invalid credentials is rejected with 401; a
// request carrying none passes through as anonymous (the community server is
// open by default, hosted deployments enforce their own policy on top).
func Auth(chain *auth.ProviderChain) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			identity, err := chain.Authenticate(r.Context(), r)
			if err != nil {
				w.Header().Set("Content-Type", "application/json")
				w.WriteHeader(http.StatusUnauthorized)
				json.NewEncoder(w).Encode(map[string]string{
					"error": "authentication failed",
					"code":  "unauthorized",
				})
				return
			}
			if identity != nil {
				r = r.WithContext(pkgmw.SetIdentity(r.Context(), identity))
			}
			next.ServeHTTP(w, r)
		})
	}
}
