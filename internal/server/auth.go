package server

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"path"
	"strings"
	"time"

	"github.com/danielgtaylor/huma/v2"
	"github.com/golang-jwt/jwt/v5"

	"aftflow/internal/domain"
	"aftflow/internal/engine/auth"
	"aftflow/internal/repo"
)

type AuthConfig struct {
	JWTSecret              string
	AllowLegacyActorHeader bool
	TokenTTL               time.Duration
	Logger                 *slog.Logger
}

// Principal is the authenticated caller with its active role resolved.
type Principal struct {
	Actor  auth.Actor
	Source string
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

func actorFromContext(ctx context.Context) (auth.Actor, huma.StatusError) {
	if p, ok := principalFromContext(ctx); ok && p.Actor.ID != "" {
		return p.Actor, nil
	}
	return auth.Actor{}, newAPIError(http.StatusUnauthorized, "unauthorized", "authentication required", nil)
}

type jwtClaims struct {
	jwt.RegisteredClaims
	Role string `json:"role,omitempty"`
}

// identity is who the credentials name, before the actor row is consulted.
type identity struct {
	actorID string
	role    string
	source  string
}

func authenticateJWT(token string, secret string) (identity, error) {
	if strings.TrimSpace(secret) == "" {
		return identity{}, errors.New("jwt secret not configured")
	}
	parser := jwt.NewParser(jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}), jwt.WithExpirationRequired())
	claims := &jwtClaims{}
	parsed, err := parser.ParseWithClaims(token, claims, func(t *jwt.Token) (any, error) {
		return []byte(secret), nil
	})
	if err != nil {
		return identity{}, err
	}
	if !parsed.Valid {
		return identity{}, errors.New("invalid token")
	}
	if claims.Subject == "" {
		return identity{}, errors.New("subject claim required")
	}
	return identity{actorID: claims.Subject, role: claims.Role, source: "jwt"}, nil
}

func signDevToken(secret, actorID, role string, ttl time.Duration, now time.Time) (string, time.Time, error) {
	if strings.TrimSpace(secret) == "" {
		return "", time.Time{}, errors.New("jwt secret not configured")
	}
	if ttl <= 0 {
		ttl = 12 * time.Hour
	}
	exp := now.Add(ttl)
	claims := jwtClaims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   actorID,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(exp),
			Issuer:    "aft-dev",
		},
		Role: role,
	}
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(secret))
	return token, exp, err
}

func bearerToken(authz string) (string, bool) {
	parts := strings.Fields(authz)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "bearer") {
		return "", false
	}
	return parts[1], true
}

func credentials(req *http.Request, cfg AuthConfig, r repo.Repo) (identity, huma.StatusError) {
	invalid := newAPIError(http.StatusUnauthorized, "invalid_credentials", "invalid credentials", nil)
	authz := strings.TrimSpace(req.Header.Get("Authorization"))
	apiKey := strings.TrimSpace(req.Header.Get("X-Api-Key"))
	legacyActor := strings.TrimSpace(req.Header.Get("X-Actor-Id"))
	switch {
	case authz != "":
		token, ok := bearerToken(authz)
		if !ok {
			return identity{}, invalid
		}
		id, err := authenticateJWT(token, cfg.JWTSecret)
		if err != nil {
			return identity{}, invalid
		}
		return id, nil
	case apiKey != "":
		actorID, err := r.ActorForAPIKey(req.Context(), apiKey)
		if err != nil {
			return identity{}, invalid
		}
		return identity{actorID: actorID, source: "api_key"}, nil
	case legacyActor != "" && cfg.AllowLegacyActorHeader:
		cfg.logger().Warn("legacy X-Actor-Id header used without credentials", "actor_id", legacyActor)
		return identity{actorID: legacyActor, source: "legacy_header"}, nil
	}
	return identity{}, newAPIError(http.StatusUnauthorized, "unauthorized", "authentication required", nil)
}

// openPaths are served without credentials.
func openPaths(basePath string) map[string]bool {
	return map[string]bool{
		path.Join(basePath, "health"):         true,
		path.Join(basePath, "auth/dev/login"): true,
		path.Join(basePath, "openapi.json"):   true,
		path.Join(basePath, "docs"):           true,
	}
}

// newAuthMiddleware authenticates every call under basePath and resolves the
// active role from X-Active-Role (or the token's role claim) against the roles
// granted to the actor.
func newAuthMiddleware(basePath string, cfg AuthConfig, r repo.Repo) func(http.Handler) http.Handler {
	open := openPaths(basePath)
	identities := auth.Service{DB: r.DB}
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
			if !strings.HasPrefix(req.URL.Path, basePath) || open[req.URL.Path] {
				next.ServeHTTP(w, req)
				return
			}
			id, authErr := credentials(req, cfg, r)
			if authErr != nil {
				respondStatusError(w, authErr)
				return
			}
			role := strings.TrimSpace(req.Header.Get("X-Active-Role"))
			if role == "" {
				role = id.role
			}
			if role != "" && !domain.ValidRole(role) {
				respondStatusError(w, newAPIError(http.StatusBadRequest, "bad_request", "unknown role "+role, map[string]any{"role": role}))
				return
			}
			actor, err := identities.Resolve(req.Context(), id.actorID, domain.Role(role))
			switch {
			case errors.Is(err, auth.ErrUnknownActor):
				respondStatusError(w, newAPIError(http.StatusUnauthorized, "invalid_credentials", "unknown actor", nil))
				return
			case errors.Is(err, auth.ErrRoleNotGranted):
				respondStatusError(w, newAPIError(http.StatusForbidden, "forbidden", err.Error(), map[string]any{"role": role}))
				return
			case err != nil:
				respondStatusError(w, newAPIError(http.StatusInternalServerError, "internal_error", "internal error", nil))
				return
			}
			ctx := withPrincipal(req.Context(), Principal{Actor: actor, Source: id.source})
			next.ServeHTTP(w, req.WithContext(ctx))
		})
	}
}

func respondStatusError(w http.ResponseWriter, err huma.StatusError) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(err.GetStatus())
	_ = json.NewEncoder(w).Encode(err)
}
