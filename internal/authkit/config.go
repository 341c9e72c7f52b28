package authkit

import (
	"net/url"
	"strings"
	"time"
)

// ServerConfig configures sessions, cookies, refresh coordination and the identity provider.
type ServerConfig struct {
	PublicURL            *url.URL
	CookieDomain         string
	KeyPrefix            string
	SessionTTL           time.Duration
	SessionRenewalWindow time.Duration
	RefreshBuffer        time.Duration
	RefreshLockTTL       time.Duration
	BootstrapMode        bool
	OIDC                 OIDCConfig
}

// OIDCConfig describes the upstream identity provider.
type OIDCConfig struct {
	Issuer       string
	ClientID     string
	ClientSecret string
	AuthURL      string
	TokenURL     string
	Scopes       []string
	Audience     string
	RolesClaim   string
	Verifier     string
}

// Configured reports whether enough provider settings exist to run the login flow.
func (configuration OIDCConfig) Configured() bool {
	return strings.TrimSpace(configuration.ClientID) != "" &&
		strings.TrimSpace(configuration.AuthURL) != "" &&
		strings.TrimSpace(configuration.TokenURL) != ""
}

// ExpectedAudience returns the audience ID tokens must carry, defaulting to the client id.
func (configuration OIDCConfig) ExpectedAudience() string {
	if strings.TrimSpace(configuration.Audience) != "" {
		return configuration.Audience
	}
	return configuration.ClientID
}

// SecureContext reports whether the console is served over https.
func (configuration ServerConfig) SecureContext() bool {
	return configuration.PublicURL != nil && strings.EqualFold(configuration.PublicURL.Scheme, "https")
}

// CallbackURL is the redirect URI registered with the identity provider.
func (configuration ServerConfig) CallbackURL() string {
	if configuration.PublicURL == nil {
		return callbackPath
	}
	callback := *configuration.PublicURL
	callback.Path = strings.TrimSuffix(callback.Path, "/") + callbackPath
	callback.RawQuery = ""
	return callback.String()
}
