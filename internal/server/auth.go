package server

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/danielgtaylor/huma/v2"
	"github.com/golang-jwt/jwt/v5"

	"orbita/internal/engine/auth"
)

type AuthConfig struct {
	JWTSecret string

	// RequireAuth gates control operations behind a credential.
	RequireAuth bool
	// AllowDevLogin exposes POST /auth/dev/login for minting local tokens.
	AllowDevLogin bool
}

type Principal struct {
	ActorID     string
	Permissions []string
	// Missions scopes an API key principal; empty means every mission.
	Missions    []string
	KeyID       string
	Source      string
}

type principalKey struct{}

func withPrincipal(ctx context.Context, p Principal) context.Context {
	return context.WithValue(ctx, principalKey{}, p)
}

func principalFromContext(ctx context.Context) (Principal, bool) {
	p, ok := ctx.Value(principalKey{}).(Principal)
	return p, ok
}

// actorIDFromContext returns the caller, or "anonymous" when auth is off.
func actorIDFromContext(ctx context.Context) string {
	if p, ok := principalFromContext(ctx); ok && p.ActorID != "" {
		return p.ActorID
	}
	return "anonymous"
}

// requirePermission enforces perm when auth is required.
func requirePermission(ctx context.Context, cfg AuthConfig, perm string) error {
	if !cfg.RequireAuth {
		return nil
	}
	p, ok := principalFromContext(ctx)
	if !ok {
		return newAPIError(http.StatusUnauthorized, "unauthorized", "authentication required", nil)
	}
	return auth.Require(p.Permissions, perm)
}

// requireMissionPermission is requirePermission plus the caller's mission
// scope. A scoped key used outside its missions is refused and audited.
func requireMissionPermission(ctx context.Context, cfg AuthConfig, keys auth.Service, perm, missionID string) error {
	if err := requirePermission(ctx, cfg, perm); err != nil {
		return err
	}
	if !cfg.RequireAuth {
		return nil
	}
	p, _ := principalFromContext(ctx)
	if auth.InScope(p.Missions, missionID) {
		return nil
	}
	if p.KeyID != "" && keys.Repo.DB != nil {
		_ = keys.RecordDenied(ctx, p.KeyID, p.ActorID, missionID, perm)
	}
	return auth.ScopeError{MissionID: missionID}
}

type jwtClaims struct {
	jwt.RegisteredClaims
	Permissions []string `json:"permissions,omitempty"`
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
	if claims.Subject == "" {
		return Principal{}, errors.New("subject claim required")
	}
	return Principal{
		ActorID:     claims.Subject,
		Permissions: claims.Permissions,
		Source:      "jwt",
	}, nil
}

// SignToken mints an HS256 token for subject carrying perms.
func SignToken(secret, subject string, perms []string, ttl time.Duration) (string, error) {
	if strings.TrimSpace(secret) == "" {
		return "", errors.New("jwt secret not configured")
	}
	if strings.TrimSpace(subject) == "" {
		return "", errors.New("subject required")
	}
	now := time.Now()
	claims := jwtClaims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   subject,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
			Issuer:    "orbita",
		},
		Permissions: perms,
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(secret))
}

func bearerToken(authz string) (string, bool) {
	parts := strings.Fields(authz)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "bearer") {
		return "", false
	}
	return parts[1], true
}

// newAuthMiddleware attaches the caller's principal. Requests without
// credentials pass through anonymously; per-operation checks decide whether
// that is enough. Invalid credentials are always rejected.
func newAuthMiddleware(cfg AuthConfig, keys auth.Service) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
			authz := strings.TrimSpace(req.Header.Get("Authorization"))
			apiKeyHeader := strings.TrimSpace(req.Header.Get("X-Api-Key"))

			if authz != "" {
				token, ok := bearerToken(authz)
				if !ok {
					respondStatusError(w, newAPIError(http.StatusUnauthorized, "invalid_credentials", "invalid credentials", nil))
					return
				}
				principal, err := authenticateJWT(token, cfg.JWTSecret)
				if err != nil {
					respondStatusError(w, newAPIError(http.StatusUnauthorized, "invalid_credentials", "invalid credentials", nil))
					return
				}
				next.ServeHTTP(w, req.WithContext(withPrincipal(req.Context(), principal)))
				return
			}

			if apiKeyHeader != "" {
				if keys.Repo.DB == nil {
					respondStatusError(w, newAPIError(http.StatusUnauthorized, "invalid_credentials", "api keys require persistence", nil))
					return
				}
				key, err := keys.Authenticate(req.Context(), apiKeyHeader)
				if err != nil {
					respondStatusError(w, newAPIError(http.StatusUnauthorized, "invalid_credentials", "invalid credentials", nil))
					return
				}
				principal := Principal{
					ActorID:     key.ActorID,
					Permissions: key.Permissions,
					Missions:    key.MissionIDs,
					KeyID:       key.ID,
					Source:      "api_key",
				}
				next.ServeHTTP(w, req.WithContext(withPrincipal(req.Context(), principal)))
				return
			}

			next.ServeHTTP(w, req)
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
