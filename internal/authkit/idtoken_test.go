package authkit

import (
	"context"
	"errors"
	"testing"

	"google.golang.org/api/idtoken"
)

type validatorResult struct {
	payload          *idtoken.Payload
	err              error
	expectedAudience string
}

type fakeGoogleValidator struct {
	results map[string]validatorResult
}

func (validator *fakeGoogleValidator) Validate(ctx context.Context, token string, audience string) (*idtoken.Payload, error) {
	result, ok := validator.results[token]
	if !ok {
		return nil, errors.New("token_not_found")
	}
	if result.expectedAudience != "" && result.expectedAudience != audience {
		return nil, errors.New("unexpected_audience")
	}
	return result.payload, result.err
}

func TestClaimsVerifierMapsProfile(t *testing.T) {
	t.Parallel()

	verifier := ClaimsVerifier{Issuer: "https://idp.example.com", Audience: "console-client"}
	claims, err := verifier.Verify(context.Background(), mintTestIDToken(t, defaultIDTokenClaims()))
	if err != nil {
		t.Fatalf("verify failed: %v", err)
	}
	profile := claims.Profile()
	if profile.Subject != "user-123" || profile.Username != "ada" || profile.DisplayName != "Ada Lovelace" {
		t.Fatalf("unexpected profile %#v", profile)
	}
	if len(profile.Roles) != 2 || profile.Roles[0] != "admin" {
		t.Fatalf("unexpected roles %#v", profile.Roles)
	}

	if _, err := verifier.Verify(context.Background(), "not-a-jwt"); !errors.Is(err, ErrInvalidIDToken) {
		t.Fatalf("expected ErrInvalidIDToken, got %v", err)
	}
}

func TestClaimsVerifierCustomRolesClaim(t *testing.T) {
	t.Parallel()

	claims := defaultIDTokenClaims()
	delete(claims, "roles")
	claims["groups"] = "operators auditors"
	verifier := ClaimsVerifier{Issuer: "https://idp.example.com", Audience: "console-client", RolesClaim: "groups"}
	verified, err := verifier.Verify(context.Background(), mintTestIDToken(t, claims))
	if err != nil {
		t.Fatalf("verify failed: %v", err)
	}
	if len(verified.Roles) != 2 || verified.Roles[1] != "auditors" {
		t.Fatalf("unexpected roles %#v", verified.Roles)
	}
}

func TestProfileFallbacks(t *testing.T) {
	t.Parallel()

	profile := IDTokenClaims{Subject: "sub-1", Email: "user@example.com"}.Profile()
	if profile.Username != "user@example.com" || profile.DisplayName != "user@example.com" {
		t.Fatalf("unexpected fallbacks %#v", profile)
	}
	if profile.Roles == nil {
		t.Fatalf("roles must encode as an empty list")
	}
}

func TestGoogleIDTokenVerifier(t *testing.T) {
	t.Parallel()

	validator := &fakeGoogleValidator{results: map[string]validatorResult{
		"valid-token": {
			payload: &idtoken.Payload{
				Issuer:   "accounts.google.com",
				Audience: "client-id",
				Subject:  "google-sub",
				Claims: map[string]interface{}{
					"iss":   "accounts.google.com",
					"aud":   "client-id",
					"sub":   "google-sub",
					"email": "user@example.com",
					"name":  "Google User",
				},
			},
			expectedAudience: "client-id",
		},
		"bad-token": {err: errors.New("invalid"), expectedAudience: "client-id"},
	}}
	verifier := GoogleIDTokenVerifier{Validator: validator, Issuer: "https://accounts.google.com", Audience: "client-id"}

	claims, err := verifier.Verify(context.Background(), "valid-token")
	if err != nil {
		t.Fatalf("verify failed: %v", err)
	}
	if claims.Subject != "google-sub" || claims.Profile().DisplayName != "Google User" {
		t.Fatalf("unexpected claims %#v", claims)
	}
	if _, err := verifier.Verify(context.Background(), "bad-token"); !errors.Is(err, ErrInvalidIDToken) {
		t.Fatalf("expected ErrInvalidIDToken, got %v", err)
	}

	wrongIssuer := GoogleIDTokenVerifier{Validator: validator, Issuer: "https://idp.example.com", Audience: "client-id"}
	if _, err := wrongIssuer.Verify(context.Background(), "valid-token"); !errors.Is(err, ErrIssuerMismatch) {
		t.Fatalf("expected ErrIssuerMismatch, got %v", err)
	}
}
