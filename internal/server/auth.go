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
	"go.uber.org/zap"

	"deployproof/internal/repo"
)

const devTokenTTL = 12 * time.Hour

type AuthConfig struct {
	JWTSecret string
	// AllowLegacyActorHeader trusts X-Actor-Id without credentials. Local use only.
	AllowLegacyActorHeader bool
	AllowDevLogin          bool
	Logger                 *zap.Logger
}

type Principal struct {
	ActorID string
	Roles   []string
	Source  string
}

type principalKey struct{}

func (c AuthConfig) logger() *zap.Logger {
	if c.Logger != nil {
		return c.Logger
	}
	return zap.NewNop()
}

func principalFromContext(ctx context.Context) (Principal, bool) {
	p, ok := ctx.Value(principalKey{}).(Principal)
	return p, ok
}

func actorIDFromContext(ctx context.Context) (string, huma.StatusError) {
	if p, ok := principalFromContext(ctx); ok && p.ActorID != "" {
		return p.ActorID, nil
	}
	return "", newAPIError(http.StatusUnauthorized, "unauthorized", "authentication required", nil)
}

type jwtClaims struct {
	jwt.RegisteredClaims
	Roles []string `json:"roles,omitempty"`
}

// SignToken mints an HS256 token for actorID.
func SignToken(secret, actorID string, roles []string, ttl time.Duration) (string, error) {
	if strings.TrimSpace(secret) == "" {
		return "", errors.New("jwt secret not configured")
	}
	if strings.TrimSpace(actorID) == "" {
		return "", errors.New("actor id required")
	}
	now := time.Now()
	claims := jwtClaims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   actorID,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
			Issuer:    "deployproof",
		},
		Roles: roles,
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(secret))
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
		ActorID: claims.Subject,
		Roles:   claims.Roles,
		Source:  "jwt",
	}, nil
}

func authenticateAPIKey(ctx context.Context, r repo.Repo, secret string) (Principal, error) {
	key, err := r.AuthenticateAPIKey(ctx, secret, time.Now())
	if err != nil {
		return Principal{}, err
	}
	return Principal{ActorID: key.ActorID, Source: "api_key"}, nil
}

func bearerToken(authz string) (string, bool) {
	parts := strings.Fields(authz)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "bearer") {
		return "", false
	}
	return parts[1], true
}

// publicMeta marks operations served without credentials.
const publicMeta = "deployproof.public"

func public(op huma.Operation) huma.Operation {
	if op.Metadata == nil {
		op.Metadata = map[string]any{}
	}
	op.Metadata[publicMeta] = true
	return op
}

func isPublic(op *huma.Operation) bool {
	if op == nil {
		return false
	}
	v, _ := op.Metadata[publicMeta].(bool)
	return v
}

// authenticate resolves the request's principal from the bearer token, the
// API key or, when allowed, the legacy actor header, in that order.
func (c AuthConfig) authenticate(ctx context.Context, r repo.Repo, header func(string) string) (Principal, huma.StatusError) {
	invalid := newAPIError(http.StatusUnauthorized, "invalid_credentials", "invalid credentials", nil)
	if authz := strings.TrimSpace(header("Authorization")); authz != "" {
		token, ok := bearerToken(authz)
		if !ok {
			return Principal{}, invalid
		}
		p, err := authenticateJWT(token, c.JWTSecret)
		if err != nil {
			c.logger().Debug("bearer token rejected", zap.Error(err))
			return Principal{}, invalid
		}
		return p, nil
	}
	if key := strings.TrimSpace(header("X-Api-Key")); key != "" {
		p, err := authenticateAPIKey(ctx, r, key)
		if err != nil {
			c.logger().Debug("api key rejected", zap.Error(err))
			return Principal{}, invalid
		}
		return p, nil
	}
	if actor := strings.TrimSpace(header("X-Actor-Id")); actor != "" && c.AllowLegacyActorHeader {
		c.logger().Warn("unauthenticated X-Actor-Id header accepted", zap.String("actor_id", actor))
		return Principal{ActorID: actor, Source: "legacy_header"}, nil
	}
	return Principal{}, newAPIError(http.StatusUnauthorized, "unauthorized", "authentication required", nil)
}

// newAuthMiddleware guards every registered operation not marked public.
func newAuthMiddleware(cfg AuthConfig, r repo.Repo) func(huma.Context, func(huma.Context)) {
	return func(ctx huma.Context, next func(huma.Context)) {
		if isPublic(ctx.Operation()) {
			next(ctx)
			return
		}
		p, err := cfg.authenticate(ctx.Context(), r, ctx.Header)
		if err != nil {
			writeStatusError(ctx, err)
			return
		}
		next(huma.WithValue(ctx, principalKey{}, p))
	}
}

func writeStatusError(ctx huma.Context, err huma.StatusError) {
	ctx.SetHeader("Content-Type", "application/json")
	ctx.SetStatus(err.GetStatus())
	_ = json.NewEncoder(ctx.BodyWriter()).Encode(err)
}
