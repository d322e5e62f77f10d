package server

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"path"
	"strings"

	"github.com/danielgtaylor/huma/v2"
	"github.com/golang-jwt/jwt/v5"

	"intentline/internal/apperr"
	"intentline/internal/repo"
)

const apiKeyHeader = "X-Api-Key"

// AuthConfig binds requests to tenants. With Enabled false every request is
// trusted to name its own tenant.
type AuthConfig struct {
	Enabled   bool
	JWTSecret string
	// Keys resolves X-Api-Key credentials; nil disables API keys.
	Keys   *repo.Repo
	Logger *slog.Logger
}

type Principal struct {
	Subject  string
	TenantID string
	Role     string
	Source   string
}

type principalKey struct{}

func (c AuthConfig) logger() *slog.Logger {
	if c.Logger != nil {
		return c.Logger
	}
	return slog.Default()
}

func withPrincipal(ctx context.Context, p Principal) context.Context {
	return context.WithValue(ctx, principalKey{}, p)
}

func principalFromContext(ctx context.Context) (Principal, bool) {
	p, ok := ctx.Value(principalKey{}).(Principal)
	return p, ok
}

// tenantFor returns the tenant a request acts on. Authenticated callers may
// omit it; naming another tenant is reported as not found.
func tenantFor(ctx context.Context, requested string) (string, error) {
	p, ok := principalFromContext(ctx)
	if !ok {
		return requested, nil
	}
	if requested == "" {
		return p.TenantID, nil
	}
	if requested != p.TenantID {
		return "", apperr.NotFound("tenant", requested)
	}
	return requested, nil
}

func tenantAllowed(ctx context.Context, tenantID string) bool {
	p, ok := principalFromContext(ctx)
	return !ok || p.TenantID == tenantID
}

type jwtClaims struct {
	jwt.RegisteredClaims
	TenantID string `json:"tenant_id"`
	Role     string `json:"role,omitempty"`
}

func authenticateJWT(token string, secret string) (Principal, error) {
	if strings.TrimSpace(secret) == "" {
		return Principal{}, errors.New("jwt secret not configured")
	}
	parser := jwt.NewParser(jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}))
	claims := &jwtClaims{}
	parsed, err := parser.ParseWithClaims(token, claims, func(t *jwt.Token) (any, error) {
		return []byte(secret), nil
	})
	if err != nil {
		return Principal{}, err
	}
	if !parsed.Valid {
		return Principal{}, errors.New("invalid token")
	}
	if claims.TenantID == "" {
		return Principal{}, errors.New("tenant_id claim required")
	}
	return Principal{
		Subject:  claims.Subject,
		TenantID: claims.TenantID,
		Role:     claims.Role,
		Source:   "jwt",
	}, nil
}

// IssueToken signs an HS256 token binding subject to tenantID.
func IssueToken(secret, subject, tenantID, role string) (string, error) {
	if strings.TrimSpace(secret) == "" {
		return "", errors.New("jwt secret not configured")
	}
	claims := jwtClaims{
		RegisteredClaims: jwt.RegisteredClaims{Subject: subject},
		TenantID:         tenantID,
		Role:             role,
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(secret))
}

func authenticateAPIKey(ctx context.Context, r *repo.Repo, key string) (Principal, error) {
	if r == nil {
		return Principal{}, errors.New("api keys not enabled")
	}
	if strings.TrimSpace(key) == "" {
		return Principal{}, errors.New("api key required")
	}
	apiKey, err := r.GetAPIKeyByHash(ctx, r.DB, repo.HashAPIKey(key))
	if err != nil {
		return Principal{}, err
	}
	return Principal{
		Subject:  apiKey.ID,
		TenantID: apiKey.TenantID,
		Source:   "api_key",
	}, nil
}

func bearerToken(authz string) (string, bool) {
	parts := strings.Fields(authz)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "bearer") {
		return "", false
	}
	return parts[1], true
}

func newAuthMiddleware(basePath string, cfg AuthConfig) func(http.Handler) http.Handler {
	healthPath := path.Join(basePath, "health")
	specPath := path.Join(basePath, "openapi.json")
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
			if !cfg.Enabled {
				next.ServeHTTP(w, req)
				return
			}
			// Only enforce for API base path.
			if basePath != "" && !strings.HasPrefix(req.URL.Path, basePath) {
				next.ServeHTTP(w, req)
				return
			}
			if req.URL.Path == healthPath || req.URL.Path == specPath {
				next.ServeHTTP(w, req)
				return
			}

			authz := strings.TrimSpace(req.Header.Get("Authorization"))
			key := strings.TrimSpace(req.Header.Get(apiKeyHeader))

			var (
				principal Principal
				err       error
			)
			switch {
			case authz != "":
				token, ok := bearerToken(authz)
				if !ok {
					err = errors.New("malformed authorization header")
					break
				}
				principal, err = authenticateJWT(token, cfg.JWTSecret)
			case key != "":
				principal, err = authenticateAPIKey(req.Context(), cfg.Keys, key)
			default:
				respondStatusError(w, newAPIError(http.StatusUnauthorized, "", "authentication required", nil))
				return
			}
			if err != nil {
				cfg.logger().Debug("credentials rejected", "path", req.URL.Path, "err", err)
				respondStatusError(w, newAPIError(http.StatusUnauthorized, "", "invalid credentials", nil))
				return
			}
			next.ServeHTTP(w, req.WithContext(withPrincipal(req.Context(), principal)))
		})
	}
}

func respondStatusError(w http.ResponseWriter, err huma.StatusError) {
	status := http.StatusInternalServerError
	if e, ok := err.(interface{ GetStatus() int }); ok {
		status = e.GetStatus()
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(err)
}
