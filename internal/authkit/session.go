package authkit

import "time"

// UserProfile is the identity captured from the ID token at login.
type UserProfile struct {
	Subject     string   `json:"sub"`
	Username    string   `json:"username"`
	DisplayName string   `json:"name"`
	Email       string   `json:"email"`
	Picture     string   `json:"picture,omitempty"`
	Roles       []string `json:"roles"`
}

// TokenSet holds the upstream identity-provider tokens of a session.
type TokenSet struct {
	IDToken              string    `json:"idToken"`
	AccessToken          string    `json:"accessToken"`
	RefreshToken         string    `json:"refreshToken"`
	AccessTokenExpiresAt time.Time `json:"accessTokenExpiresAt"`
}

// Session is a server-side session record.
type Session struct {
	ID        string
	User      UserProfile
	TokenSet  TokenSet
	ExpiresAt time.Time
}
