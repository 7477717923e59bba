// Package auth validates bearer tokens issued by the external identity
// provider and places the acting analyst or admin in the request context.
// Token issuance, registration and approval happen outside this service.
package auth

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/bissquit/soc-garden/internal/domain"
	"github.com/bissquit/soc-garden/internal/pkg/httputil"
	"github.com/golang-jwt/jwt/v5"
)

// Auth errors.
var (
	ErrInvalidToken = errors.New("invalid or expired token")
	ErrMissingRole  = errors.New("token carries no recognized role")
)

type actorKey struct{}

// claims is the token payload this service understands.
type claims struct {
	Role string `json:"role"`
	jwt.RegisteredClaims
}

// Validator checks externally issued HMAC-signed JWTs.
type Validator struct {
	secret []byte
	issuer string
}

// NewValidator creates a token validator. issuer is matched against the
// token's iss claim when non-empty.
func NewValidator(secret, issuer string) *Validator {
	return &Validator{secret: []byte(secret), issuer: issuer}
}

// Validate parses and verifies a token, returning the actor it identifies.
func (v *Validator) Validate(tokenString string) (domain.Actor, error) {
	var c claims
	token, err := jwt.ParseWithClaims(tokenString, &c, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", t.Header["alg"])
		}
		return v.secret, nil
	})
	if err != nil || !token.Valid {
		return domain.Actor{}, ErrInvalidToken
	}

	if v.issuer != "" && c.Issuer != v.issuer {
		return domain.Actor{}, ErrInvalidToken
	}

	role := domain.Role(c.Role)
	if !role.IsValid() {
		return domain.Actor{}, ErrMissingRole
	}

	return domain.Actor{ID: c.Subject, Role: role}, nil
}

// Middleware authenticates requests and stores the actor in the context.
func Middleware(validator *Validator) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			header := r.Header.Get("Authorization")
			if header == "" {
				httputil.Error(w, http.StatusUnauthorized, "missing authorization header")
				return
			}

			parts := strings.SplitN(header, " ", 2)
			if len(parts) != 2 || !strings.EqualFold(parts[0], "bearer") {
				httputil.Error(w, http.StatusUnauthorized, "invalid authorization header format")
				return
			}

			actor, err := validator.Validate(parts[1])
			if err != nil {
				httputil.Error(w, http.StatusUnauthorized, err.Error())
				return
			}

			ctx := context.WithValue(r.Context(), actorKey{}, actor)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// RequireRole rejects requests whose actor does not carry the given role.
// Admins pass every role check.
func RequireRole(role domain.Role) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			actor, ok := ActorFromContext(r.Context())
			if !ok {
				httputil.Error(w, http.StatusUnauthorized, "unauthorized")
				return
			}

			if actor.Role != role && actor.Role != domain.RoleAdmin {
				httputil.Error(w, http.StatusForbidden, "insufficient permissions")
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}

// ActorFromContext extracts the authenticated actor from the context.
func ActorFromContext(ctx context.Context) (domain.Actor, bool) {
	actor, ok := ctx.Value(actorKey{}).(domain.Actor)
	return actor, ok
}
