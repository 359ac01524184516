// Package middleware holds the gateway's auth and rate limiting layers.
// Agents authenticate with their API key, owners with an HS256 session
// token; each boundary injects its principal into the request context.
package middleware

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"

	"github.com/golang-jwt/jwt/v5"

	"agentpay/registry"
)

type contextKey string

const (
	agentKey contextKey = "agent"
	ownerKey contextKey = "owner"
)

// AgentFromContext returns the authenticated agent, if any.
func AgentFromContext(ctx context.Context) (*registry.Agent, bool) {
	agent, ok := ctx.Value(agentKey).(*registry.Agent)
	return agent, ok
}

// OwnerFromContext returns the authenticated owner id, if any.
func OwnerFromContext(ctx context.Context) (string, bool) {
	owner, ok := ctx.Value(ownerKey).(string)
	return owner, ok
}

// AgentAuth authenticates requests carrying a Bearer agent API key. The key
// is validated through the registry (hash lookup plus status gate) and the
// agent's last-active timestamp is touched off the request path.
func AgentAuth(reg *registry.Registry) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			key, ok := bearerToken(r)
			if !ok {
				unauthorized(w, "missing bearer token")
				return
			}
			agent, err := reg.ValidateAPIKey(r.Context(), key)
			if err != nil {
				unauthorized(w, err.Error())
				return
			}
			reg.TouchLastActive(agent.ID)
			ctx := context.WithValue(r.Context(), agentKey, agent)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// ownerClaims is the owner session token payload.
type ownerClaims struct {
	jwt.RegisteredClaims
}

// OwnerAuth authenticates requests carrying an HS256 owner session token.
// The subject claim is the owner id.
func OwnerAuth(secret string) func(http.Handler) http.Handler {
	keyFunc := func(token *jwt.Token) (any, error) {
		return []byte(secret), nil
	}
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			raw, ok := bearerToken(r)
			if !ok {
				unauthorized(w, "missing bearer token")
				return
			}
			var claims ownerClaims
			token, err := jwt.ParseWithClaims(raw, &claims, keyFunc,
				jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}))
			if err != nil || !token.Valid {
				unauthorized(w, "invalid session token")
				return
			}
			owner := strings.TrimSpace(claims.Subject)
			if owner == "" {
				unauthorized(w, "session token has no subject")
				return
			}
			ctx := context.WithValue(r.Context(), ownerKey, owner)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// IssueOwnerToken mints an owner session token. Exposed for tests and the
// CLI login helper; production deployments mint tokens in the identity
// service and only share the secret.
func IssueOwnerToken(secret, owner string, claims jwt.RegisteredClaims) (string, error) {
	claims.Subject = owner
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, ownerClaims{RegisteredClaims: claims})
	return token.SignedString([]byte(secret))
}

func bearerToken(r *http.Request) (string, bool) {
	header := r.Header.Get("Authorization")
	const prefix = "Bearer "
	if !strings.HasPrefix(header, prefix) {
		return "", false
	}
	token := strings.TrimSpace(strings.TrimPrefix(header, prefix))
	return token, token != ""
}

func unauthorized(w http.ResponseWriter, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusUnauthorized)
	json.NewEncoder(w).Encode(map[string]any{
		"error": map[string]any{"code": "authorization", "message": message},
	})
}
