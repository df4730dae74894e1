package middleware

import (
	"context"
	"net/http"
	"strings"

	"github.com/golang-jwt/jwt/v5"

	"github.com/maumercado/taskrun-dispatcher/internal/runs"
)

type contextKey string

const environmentContextKey contextKey = "environment"

// AuthConfig configures how a caller's X-API-Key or Authorization: Bearer
// JWT resolves to the AuthenticatedEnvironment it's submitting runs or
// opening a worker connection as.
type AuthConfig struct {
	Enabled   bool
	JWTSecret string
	// APIKeys maps a raw API key straight to the environment it identifies.
	// Every caller is scoped to exactly one environment, so the map's value
	// carries that environment's full identity rather than a bare bool.
	APIKeys map[string]runs.AuthenticatedEnvironment
}

// EnvironmentClaims is the JWT claim set a caller's token carries: the
// AuthenticatedEnvironment fields flattened into named claims rather than a
// single nested struct, so the token stays an ordinary flat JWT.
type EnvironmentClaims struct {
	EnvironmentID    string `json:"env_id"`
	EnvironmentSlug  string `json:"env_slug"`
	EnvironmentType  string `json:"env_type"`
	OrganizationID   string `json:"org_id"`
	OrganizationSlug string `json:"org_slug"`
	OrganizationName string `json:"org_name"`
	ProjectID        string `json:"project_id"`
	ProjectRef       string `json:"project_ref"`
	ProjectSlug      string `json:"project_slug"`
	ProjectName      string `json:"project_name"`
	jwt.RegisteredClaims
}

func (c EnvironmentClaims) environment() runs.AuthenticatedEnvironment {
	return runs.AuthenticatedEnvironment{
		ID: c.EnvironmentID, Slug: c.EnvironmentSlug, Type: c.EnvironmentType,
		OrganizationID: c.OrganizationID, OrganizationSlug: c.OrganizationSlug, OrganizationName: c.OrganizationName,
		ProjectID: c.ProjectID, ProjectRef: c.ProjectRef, ProjectSlug: c.ProjectSlug, ProjectName: c.ProjectName,
	}
}

// Auth returns a middleware that resolves the caller's AuthenticatedEnvironment
// from an X-API-Key header or a Bearer JWT and stores it in the request
// context, where Environment(ctx) (and transport.Supervisor.ServeWS, for the
// /ws route) can pick it up.
func Auth(cfg *AuthConfig) func(next http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if !cfg.Enabled {
				next.ServeHTTP(w, r)
				return
			}

			if apiKey := r.Header.Get("X-API-Key"); apiKey != "" {
				env, ok := cfg.APIKeys[apiKey]
				if !ok {
					http.Error(w, "Invalid API key", http.StatusUnauthorized)
					return
				}
				env.APIKey = apiKey
				next.ServeHTTP(w, r.WithContext(withEnvironment(r.Context(), env)))
				return
			}

			authHeader := r.Header.Get("Authorization")
			if authHeader == "" {
				http.Error(w, "Authorization header required", http.StatusUnauthorized)
				return
			}

			tokenString := strings.TrimPrefix(authHeader, "Bearer ")
			if tokenString == authHeader {
				http.Error(w, "Invalid authorization header format", http.StatusUnauthorized)
				return
			}

			claims := &EnvironmentClaims{}
			token, err := jwt.ParseWithClaims(tokenString, claims, func(token *jwt.Token) (interface{}, error) {
				return []byte(cfg.JWTSecret), nil
			})
			if err != nil || !token.Valid {
				http.Error(w, "Invalid token", http.StatusUnauthorized)
				return
			}
			if claims.EnvironmentID == "" {
				http.Error(w, "Token missing environment claim", http.StatusUnauthorized)
				return
			}

			next.ServeHTTP(w, r.WithContext(withEnvironment(r.Context(), claims.environment())))
		})
	}
}

// WithEnvironment stores an AuthenticatedEnvironment in ctx the same way Auth
// does; exported for tests and for any caller that already resolved an
// environment outside of the Auth middleware.
func WithEnvironment(ctx context.Context, env runs.AuthenticatedEnvironment) context.Context {
	return context.WithValue(ctx, environmentContextKey, env)
}

func withEnvironment(ctx context.Context, env runs.AuthenticatedEnvironment) context.Context {
	return WithEnvironment(ctx, env)
}

// Environment retrieves the AuthenticatedEnvironment Auth resolved for this
// request. ok is false if Auth is disabled or wasn't mounted ahead of the
// caller.
func Environment(ctx context.Context) (runs.AuthenticatedEnvironment, bool) {
	env, ok := ctx.Value(environmentContextKey).(runs.AuthenticatedEnvironment)
	return env, ok
}
