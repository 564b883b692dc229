package transport

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/openattest/certflow/internal/config"
	"github.com/openattest/certflow/model"
)

// Authenticator resolves the calling actor from an HTTP request. The JWT
// implementation is used in production; tests inject a stub.
type Authenticator interface {
	Authenticate(r *http.Request) (model.Actor, error)
}

// JWTAuthenticator verifies HMAC-signed JWT tokens from the Authorization
// header. The actor identity is the "sub" claim, the role is the "role"
// claim.
type JWTAuthenticator struct {
	cfg config.IdentityConfig
	key []byte
}

// NewJWTAuthenticator creates an authenticator with the signing key read
// from the environment variable named by cfg.SigningKeyEnv.
func NewJWTAuthenticator(cfg config.IdentityConfig) (*JWTAuthenticator, error) {
	key := os.Getenv(cfg.SigningKeyEnv)
	if key == "" {
		return nil, fmt.Errorf("auth: signing key environment variable %s is not set", cfg.SigningKeyEnv)
	}
	return &JWTAuthenticator{cfg: cfg, key: []byte(key)}, nil
}

// Authenticate parses and validates the bearer token and returns the actor
// it identifies.
func (a *JWTAuthenticator) Authenticate(r *http.Request) (model.Actor, error) {
	auth := r.Header.Get("Authorization")
	if auth == "" {
		return model.Actor{}, model.NewUnauthorizedError("Missing authorization header")
	}
	if !strings.HasPrefix(auth, "Bearer ") {
		return model.Actor{}, model.NewUnauthorizedError("Invalid authorization header format")
	}
	tokenStr := auth[7:]

	token, err := jwt.Parse(tokenStr,
		func(token *jwt.Token) (any, error) {
			return a.key, nil
		},
		jwt.WithValidMethods(a.cfg.Algorithms),
		jwt.WithIssuer(a.cfg.Issuer),
		jwt.WithAudience(a.cfg.Audience),
		jwt.WithLeeway(30*time.Second),
		jwt.WithExpirationRequired(),
	)
	if err != nil {
		return model.Actor{}, model.NewUnauthorizedError(classifyJWTError(err))
	}

	claims, ok := token.Claims.(jwt.MapClaims)
	if !ok || !token.Valid {
		return model.Actor{}, model.NewUnauthorizedError("Invalid token")
	}

	sub, _ := claims["sub"].(string)
	role, _ := claims["role"].(string)
	if sub == "" {
		return model.Actor{}, model.NewUnauthorizedError("Token has no subject")
	}
	if !validRole(role) {
		return model.Actor{}, model.NewUnauthorizedError(fmt.Sprintf("Unknown role %q", role))
	}

	return model.Actor{ID: sub, Role: role}, nil
}

func validRole(role string) bool {
	switch role {
	case model.RoleCustomer, model.RoleReviewer, model.RoleInspector, model.RoleAdmin:
		return true
	}
	return false
}

func classifyJWTError(err error) string {
	s := err.Error()
	switch {
	case strings.Contains(s, "expired"):
		return "Token expired"
	case strings.Contains(s, "issuer"):
		return "Invalid token issuer"
	case strings.Contains(s, "audience"):
		return "Invalid token audience"
	case strings.Contains(s, "signing method"):
		return "Disallowed signing algorithm"
	case strings.Contains(s, "signature"):
		return "Invalid token signature"
	default:
		return "Invalid token"
	}
}

// ActorContext returns middleware that authenticates the request and stores
// the resolved actor in the request context.
func ActorContext(auth Authenticator) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			actor, err := auth.Authenticate(r)
			if err != nil {
				WriteError(w, err)
				return
			}
			ctx := model.WithActor(r.Context(), actor)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// actorFrom returns the authenticated actor, or an UNAUTHORIZED error when
// the middleware did not run.
func actorFrom(ctx context.Context) (model.Actor, error) {
	actor, ok := model.ActorFrom(ctx)
	if !ok {
		return model.Actor{}, model.NewUnauthorizedError("No authenticated actor")
	}
	return actor, nil
}
