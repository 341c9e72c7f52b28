package authkit

import (
	"context"
	"fmt"
	"slices"
	"strings"

	"github.com/golang-jwt/jwt/v5"
	"google.golang.org/api/idtoken"
)

const (
	// VerifierClaims trusts the TLS-protected token endpoint and checks claims only.
	VerifierClaims = "claims"
	// VerifierGoogle verifies signatures against Google's published keys.
	VerifierGoogle = "google"
)

// IDTokenClaims is the subset of ID token claims the gateway uses.
type IDTokenClaims struct {
	Issuer            string
	Audience          []string
	Subject           string
	PreferredUsername string
	Name              string
	Email             string
	Picture           string
	Roles             []string
}

// IDTokenVerifier validates an ID token received from the token endpoint.
type IDTokenVerifier interface {
	Verify(ctx context.Context, rawIDToken string) (IDTokenClaims, error)
}

// ClaimsVerifier parses the ID token without checking its signature. The token
// must come straight from the provider's token endpoint over TLS.
type ClaimsVerifier struct {
	Issuer     string
	Audience   string
	RolesClaim string
}

// Verify parses the token and checks issuer and audience.
func (verifier ClaimsVerifier) Verify(ctx context.Context, rawIDToken string) (IDTokenClaims, error) {
	mapClaims := jwt.MapClaims{}
	if _, _, err := jwt.NewParser().ParseUnverified(rawIDToken, mapClaims); err != nil {
		return IDTokenClaims{}, fmt.Errorf("%w: %v", ErrInvalidIDToken, err)
	}
	claims := claimsFromMap(mapClaims, verifier.RolesClaim)
	if err := checkIssuerAndAudience(claims, verifier.Issuer, verifier.Audience); err != nil {
		return IDTokenClaims{}, err
	}
	return claims, nil
}

// GoogleTokenValidator abstracts google.golang.org/api/idtoken validation.
type GoogleTokenValidator interface {
	Validate(ctx context.Context, token string, audience string) (*idtoken.Payload, error)
}

// NewGoogleTokenValidator returns the default Google validator.
func NewGoogleTokenValidator(ctx context.Context) (GoogleTokenValidator, error) {
	return idtoken.NewValidator(ctx)
}

// GoogleIDTokenVerifier verifies the token signature with Google's keys before checking claims.
type GoogleIDTokenVerifier struct {
	Validator  GoogleTokenValidator
	Issuer     string
	Audience   string
	RolesClaim string
}

// Verify validates the signature and audience, then checks the issuer.
func (verifier GoogleIDTokenVerifier) Verify(ctx context.Context, rawIDToken string) (IDTokenClaims, error) {
	payload, err := verifier.Validator.Validate(ctx, rawIDToken, verifier.Audience)
	if err != nil {
		return IDTokenClaims{}, fmt.Errorf("%w: %v", ErrInvalidIDToken, err)
	}
	mapClaims := jwt.MapClaims(payload.Claims)
	claims := claimsFromMap(mapClaims, verifier.RolesClaim)
	if claims.Issuer == "" {
		claims.Issuer = payload.Issuer
	}
	if len(claims.Audience) == 0 && payload.Audience != "" {
		claims.Audience = []string{payload.Audience}
	}
	issuer := verifier.Issuer
	// Google issues both forms.
	if strings.TrimPrefix(claims.Issuer, "https://") == strings.TrimPrefix(issuer, "https://") {
		issuer = claims.Issuer
	}
	if err := checkIssuerAndAudience(claims, issuer, verifier.Audience); err != nil {
		return IDTokenClaims{}, err
	}
	return claims, nil
}

func checkIssuerAndAudience(claims IDTokenClaims, expectedIssuer string, expectedAudience string) error {
	if strings.TrimSpace(expectedIssuer) != "" && claims.Issuer != expectedIssuer {
		return fmt.Errorf("%w: %q", ErrIssuerMismatch, claims.Issuer)
	}
	if strings.TrimSpace(claims.Subject) == "" {
		return fmt.Errorf("%w: missing subject", ErrInvalidIDToken)
	}
	if !slices.Contains(claims.Audience, expectedAudience) {
		return fmt.Errorf("%w: %v", ErrAudienceMismatch, claims.Audience)
	}
	return nil
}

func claimsFromMap(mapClaims jwt.MapClaims, rolesClaim string) IDTokenClaims {
	claims := IDTokenClaims{
		PreferredUsername: stringClaim(mapClaims, "preferred_username"),
		Name:              stringClaim(mapClaims, "name"),
		Email:             stringClaim(mapClaims, "email"),
		Picture:           stringClaim(mapClaims, "picture"),
	}
	claims.Issuer, _ = mapClaims.GetIssuer()
	claims.Subject, _ = mapClaims.GetSubject()
	audience, _ := mapClaims.GetAudience()
	claims.Audience = []string(audience)
	if strings.TrimSpace(rolesClaim) == "" {
		rolesClaim = "roles"
	}
	switch roles := mapClaims[rolesClaim].(type) {
	case []interface{}:
		for _, role := range roles {
			if roleName, ok := role.(string); ok && roleName != "" {
				claims.Roles = append(claims.Roles, roleName)
			}
		}
	case string:
		claims.Roles = strings.Fields(roles)
	}
	return claims
}

func stringClaim(mapClaims jwt.MapClaims, name string) string {
	value, _ := mapClaims[name].(string)
	return value
}

// Profile maps verified claims onto the stored user profile.
func (claims IDTokenClaims) Profile() UserProfile {
	username := claims.PreferredUsername
	if username == "" {
		username = claims.Email
	}
	if username == "" {
		username = claims.Subject
	}
	displayName := claims.Name
	if displayName == "" {
		displayName = username
	}
	roles := claims.Roles
	if roles == nil {
		roles = []string{}
	}
	return UserProfile{
		Subject:     claims.Subject,
		Username:    username,
		DisplayName: displayName,
		Email:       claims.Email,
		Picture:     claims.Picture,
		Roles:       roles,
	}
}
