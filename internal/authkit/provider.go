package authkit

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"time"

	"golang.org/x/oauth2"
)

// fallbackAccessTokenLifetime applies when the token response omits expires_in.
const fallbackAccessTokenLifetime = 5 * time.Minute

// LoginResult is the outcome of a successful authorization-code exchange.
type LoginResult struct {
	User     UserProfile
	TokenSet TokenSet
}

// Provider drives the OIDC authorization-code flow with PKCE and the refresh grant.
type Provider struct {
	oauthConfig *oauth2.Config
	verifier    IDTokenVerifier
	httpClient  *http.Client
	clock       Clock
}

// ProviderOption customises a Provider.
type ProviderOption func(*Provider)

// WithProviderHTTPClient sets the client used for token endpoint calls.
func WithProviderHTTPClient(client *http.Client) ProviderOption {
	return func(provider *Provider) {
		provider.httpClient = client
	}
}

// WithProviderClock overrides the clock used for token expiry bookkeeping.
func WithProviderClock(clock Clock) ProviderOption {
	return func(provider *Provider) {
		provider.clock = clock
	}
}

// NewProvider constructs a Provider for the configured identity provider.
func NewProvider(configuration OIDCConfig, redirectURL string, verifier IDTokenVerifier, options ...ProviderOption) (*Provider, error) {
	if !configuration.Configured() {
		return nil, ErrProviderNotConfigured
	}
	scopes := configuration.Scopes
	if len(scopes) == 0 {
		scopes = []string{"openid", "profile", "email", "offline_access"}
	}
	provider := &Provider{
		oauthConfig: &oauth2.Config{
			ClientID:     configuration.ClientID,
			ClientSecret: configuration.ClientSecret,
			Endpoint: oauth2.Endpoint{
				AuthURL:  configuration.AuthURL,
				TokenURL: configuration.TokenURL,
			},
			RedirectURL: redirectURL,
			Scopes:      scopes,
		},
		verifier: verifier,
		clock:    NewSystemClock(),
	}
	for _, option := range options {
		option(provider)
	}
	if provider.verifier == nil {
		provider.verifier = ClaimsVerifier{
			Issuer:     configuration.Issuer,
			Audience:   configuration.ExpectedAudience(),
			RolesClaim: configuration.RolesClaim,
		}
	}
	return provider, nil
}

// AuthCodeURL builds the authorize URL with an S256 PKCE challenge.
func (provider *Provider) AuthCodeURL(state string, codeVerifier string) string {
	return provider.oauthConfig.AuthCodeURL(state, oauth2.S256ChallengeOption(codeVerifier))
}

// Exchange redeems the authorization code and validates the returned ID token.
func (provider *Provider) Exchange(ctx context.Context, code string, codeVerifier string) (LoginResult, error) {
	token, err := provider.oauthConfig.Exchange(provider.clientContext(ctx), code, oauth2.VerifierOption(codeVerifier))
	if err != nil {
		return LoginResult{}, fmt.Errorf("%w: %v", ErrCodeExchange, err)
	}
	tokenSet := provider.tokenSetFrom(token)
	if strings.TrimSpace(tokenSet.IDToken) == "" {
		return LoginResult{}, ErrMissingIDToken
	}
	claims, verifyErr := provider.verifier.Verify(ctx, tokenSet.IDToken)
	if verifyErr != nil {
		return LoginResult{}, verifyErr
	}
	return LoginResult{User: claims.Profile(), TokenSet: tokenSet}, nil
}

// Refresh runs the refresh-token grant.
func (provider *Provider) Refresh(ctx context.Context, refreshToken string) (TokenSet, error) {
	source := provider.oauthConfig.TokenSource(provider.clientContext(ctx), &oauth2.Token{RefreshToken: refreshToken})
	token, err := source.Token()
	if err != nil {
		return TokenSet{}, fmt.Errorf("%w: %v", ErrTokenRefresh, err)
	}
	return provider.tokenSetFrom(token), nil
}

func (provider *Provider) tokenSetFrom(token *oauth2.Token) TokenSet {
	expiresAt := token.Expiry
	if expiresAt.IsZero() {
		expiresAt = provider.clock.Now().Add(fallbackAccessTokenLifetime)
	}
	idToken, _ := token.Extra("id_token").(string)
	return TokenSet{
		IDToken:              idToken,
		AccessToken:          token.AccessToken,
		RefreshToken:         token.RefreshToken,
		AccessTokenExpiresAt: expiresAt.UTC(),
	}
}

func (provider *Provider) clientContext(ctx context.Context) context.Context {
	if provider.httpClient == nil {
		return ctx
	}
	return context.WithValue(ctx, oauth2.HTTPClient, provider.httpClient)
}
