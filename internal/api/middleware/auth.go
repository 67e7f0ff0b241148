package middleware

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"

	"github.com/rs/zerolog/log"

	"github.com/eumetnet/apikey-manager/internal/auth"
	"github.com/eumetnet/apikey-manager/internal/keycloak"
)

type contextKey int

const tokenKey contextKey = iota

// GetAccessToken returns the verified token stored by the Auth middleware,
// or nil on unauthenticated routes.
func GetAccessToken(ctx context.Context) *auth.AccessToken {
	token, _ := ctx.Value(tokenKey).(*auth.AccessToken)
	return token
}

// WithAccessToken returns a context carrying the token, as the Auth
// middleware would store it. Handler tests use this to skip validation.
func WithAccessToken(ctx context.Context, token *auth.AccessToken) context.Context {
	return context.WithValue(ctx, tokenKey, token)
}

// Auth authenticates requests with a bearer access token and stores the
// verified identity in the request context.
type Auth struct {
	validator auth.Validator
}

// NewAuth creates the auth middleware around a token validator.
func NewAuth(validator auth.Validator) *Auth {
	return &Auth{validator: validator}
}

// Handler rejects requests without a valid token.
func (a *Auth) Handler(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		raw, ok := bearerToken(r)
		if !ok {
			unauthorized(w, "Not authenticated")
			return
		}

		token, err := a.validator.Validate(r.Context(), raw)
		if err != nil {
			log.Debug().Err(err).Str("path", r.URL.Path).Msg("token validation failed")
			if errors.Is(err, auth.ErrInvalidGroups) {
				forbidden(w, err.Error())
				return
			}
			unauthorized(w, err.Error())
			return
		}

		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), tokenKey, token)))
	})
}

// RequireAdmin rejects requests whose token lacks the ADMIN group. Must run
// after Auth.Handler.
func RequireAdmin(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		token := GetAccessToken(r.Context())
		if token == nil || !token.HasGroup(keycloak.GroupAdmin) {
			forbidden(w, "User does not belong to valid group(s)")
			return
		}
		next.ServeHTTP(w, r)
	})
}

func bearerToken(r *http.Request) (string, bool) {
	header := r.Header.Get("Authorization")
	if header == "" {
		return "", false
	}
	return strings.TrimSpace(strings.TrimPrefix(header, "Bearer ")), true
}

func unauthorized(w http.ResponseWriter, message string) {
	respond(w, http.StatusUnauthorized, message)
}

func forbidden(w http.ResponseWriter, message string) {
	respond(w, http.StatusForbidden, message)
}

func respond(w http.ResponseWriter, status int, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(map[string]string{"message": message})
}
