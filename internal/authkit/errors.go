package authkit

import "errors"

var (
	// ErrSessionNotFound indicates no session record exists for the identifier.
	ErrSessionNotFound = errors.New("session_store.not_found")
	// ErrCorruptSessionRecord indicates a stored record could not be decoded.
	ErrCorruptSessionRecord = errors.New("session_store.corrupt_record")
	// ErrEmptySessionToken indicates that the raw session token is empty.
	ErrEmptySessionToken = errors.New("session_store.empty_token")

	// ErrProviderNotConfigured indicates the login flow was requested without an identity provider.
	ErrProviderNotConfigured = errors.New("oidc.not_configured")
	// ErrCodeExchange indicates the authorization code could not be exchanged.
	ErrCodeExchange = errors.New("oidc.code_exchange")
	// ErrMissingIDToken indicates the token response carried no id_token.
	ErrMissingIDToken = errors.New("oidc.missing_id_token")
	// ErrInvalidIDToken indicates the id_token could not be parsed or verified.
	ErrInvalidIDToken = errors.New("oidc.invalid_id_token")
	// ErrIssuerMismatch indicates the id_token issuer differs from the configured issuer.
	ErrIssuerMismatch = errors.New("oidc.issuer_mismatch")
	// ErrAudienceMismatch indicates the id_token audience does not include the expected audience.
	ErrAudienceMismatch = errors.New("oidc.audience_mismatch")
	// ErrTokenRefresh indicates the refresh grant failed.
	ErrTokenRefresh = errors.New("oidc.refresh")
)
