// Package auth validates bearer access tokens against the identity
// provider's OIDC realm.
package auth

import (
	"context"
	"errors"
	"fmt"

	"github.com/coreos/go-oidc/v3/oidc"

	"github.com/eumetnet/apikey-manager/internal/config"
	"github.com/eumetnet/apikey-manager/internal/keycloak"
)

// Sentinel validation errors. The messages are part of the API contract:
// the HTTP layer sends them verbatim.
var (
	ErrTokenMissing  = errors.New("Token has not been provided")
	ErrTokenExpired  = errors.New("Token signature has expired")
	ErrTokenInvalid  = errors.New("Token validation failed")
	ErrInvalidGroups = errors.New("User does not belong to valid group(s)")
)

// AccessToken is the verified identity carried by a bearer token.
type AccessToken struct {
	Sub               string   `json:"sub"`
	PreferredUsername string   `json:"preferred_username"`
	Groups            []string `json:"groups"`
}

// HasGroup reports whether the token carries the group.
func (t *AccessToken) HasGroup(group string) bool {
	for _, g := range t.Groups {
		if g == group {
			return true
		}
	}
	return false
}

// Validator verifies raw bearer tokens.
type Validator interface {
	Validate(ctx context.Context, raw string) (*AccessToken, error)
}

// OIDCValidator verifies tokens against the realm's JWKS, fetched and cached
// by the underlying oidc provider.
type OIDCValidator struct {
	verifier *oidc.IDTokenVerifier
}

// NewOIDCValidator discovers the realm's OIDC configuration and builds the
// token verifier. The access tokens Keycloak issues carry "account" as
// audience, not our client id, so the client-id check is skipped.
func NewOIDCValidator(ctx context.Context, cfg config.KeycloakConfig) (*OIDCValidator, error) {
	issuer := cfg.URL + "/realms/" + cfg.Realm
	provider, err := oidc.NewProvider(ctx, issuer)
	if err != nil {
		return nil, fmt.Errorf("discover OIDC provider %s: %w", issuer, err)
	}
	return &OIDCValidator{
		verifier: provider.Verifier(&oidc.Config{SkipClientIDCheck: true}),
	}, nil
}

// Validate verifies the token signature and expiry and checks that the user
// belongs to at least one known group.
func (v *OIDCValidator) Validate(ctx context.Context, raw string) (*AccessToken, error) {
	if raw == "" || raw == "undefined" {
		return nil, ErrTokenMissing
	}

	idToken, err := v.verifier.Verify(ctx, raw)
	if err != nil {
		var expired *oidc.TokenExpiredError
		if errors.As(err, &expired) {
			return nil, ErrTokenExpired
		}
		return nil, ErrTokenInvalid
	}

	var token AccessToken
	if err := idToken.Claims(&token); err != nil {
		return nil, ErrTokenInvalid
	}

	if !token.HasGroup(keycloak.GroupUser) &&
		!token.HasGroup(keycloak.GroupEumetnet) &&
		!token.HasGroup(keycloak.GroupAdmin) {
		return nil, ErrInvalidGroups
	}
	return &token, nil
}
