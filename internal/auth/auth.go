// package auth extracts the acting identity from bearer tokens on the
// capability boundary.
package auth

import (
	"context"
	"fmt"
	"net/http"
	"strings"

	"github.com/golang-jwt/jwt/v5"

	"github.com/kilnworks/autopilot/internal/capability"
)

type ctxKey string

const ctxKeyActor ctxKey = "autopilot.actor"

// Config for the middleware.
type Config struct {
	// Secret is the HMAC key for bearer tokens.
	Secret string

	// AllowDebugToken enables the static DebugToken as a staff service
	// identity. Dev only.
	AllowDebugToken bool
	DebugToken      string
}

// Claims is the token payload the portal issues for actors.
type Claims struct {
	ActorType string   `json:"actorType"`
	TenantID  string   `json:"tenantId"`
	Scopes    []string `json:"scopes"`
	Staff     bool     `json:"staff"`
	jwt.RegisteredClaims
}

// Middleware validates the Authorization header and stores the actor in the
// request context. Requests without a valid identity are rejected; the
// governance paths never run unauthenticated.
func Middleware(cfg Config) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			raw := bearerToken(r)
			if raw == "" {
				http.Error(w, "missing bearer token", http.StatusUnauthorized)
				return
			}

			if cfg.AllowDebugToken && cfg.DebugToken != "" && raw == cfg.DebugToken {
				actor := capability.Actor{
					ID:       "debug-operator",
					Type:     "human",
					TenantID: "dev",
					Scopes:   []string{"reservations:write", "billing:write", "kiln:write"},
					Staff:    true,
				}
				next.ServeHTTP(w, r.WithContext(WithActor(r.Context(), actor)))
				return
			}

			actor, err := parseToken(raw, cfg.Secret)
			if err != nil {
				http.Error(w, "invalid token: "+err.Error(), http.StatusUnauthorized)
				return
			}
			next.ServeHTTP(w, r.WithContext(WithActor(r.Context(), actor)))
		})
	}
}

// WithActor returns a context carrying the actor.
func WithActor(ctx context.Context, actor capability.Actor) context.Context {
	return context.WithValue(ctx, ctxKeyActor, actor)
}

// ActorFromContext returns the authenticated actor, if any.
func ActorFromContext(ctx context.Context) (capability.Actor, bool) {
	actor, ok := ctx.Value(ctxKeyActor).(capability.Actor)
	return actor, ok
}

func bearerToken(r *http.Request) string {
	h := r.Header.Get("Authorization")
	if h == "" {
		return ""
	}
	parts := strings.SplitN(h, " ", 2)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") {
		return ""
	}
	return strings.TrimSpace(parts[1])
}

func parseToken(raw, secret string) (capability.Actor, error) {
	var claims Claims
	token, err := jwt.ParseWithClaims(raw, &claims, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method %v", t.Header["alg"])
		}
		return []byte(secret), nil
	})
	if err != nil {
		return capability.Actor{}, err
	}
	if !token.Valid {
		return capability.Actor{}, fmt.Errorf("token invalid")
	}
	if claims.Subject == "" {
		return capability.Actor{}, fmt.Errorf("token has no subject")
	}
	actorType := claims.ActorType
	if actorType == "" {
		actorType = "agent"
	}
	return capability.Actor{
		ID:       claims.Subject,
		Type:     actorType,
		TenantID: claims.TenantID,
		Scopes:   claims.Scopes,
		Staff:    claims.Staff,
	}, nil
}

// IssueToken mints a token for an actor. Used by ops tooling and tests.
func IssueToken(secret string, actor capability.Actor) (string, error) {
	claims := Claims{
		ActorType: actor.Type,
		TenantID:  actor.TenantID,
		Scopes:    actor.Scopes,
		Staff:     actor.Staff,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject: actor.ID,
		},
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString([]byte(secret))
}
