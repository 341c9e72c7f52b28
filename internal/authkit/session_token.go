package authkit

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"fmt"
)

const sessionTokenByteLength = 32

// GenerateSessionToken returns a new random opaque session token.
func GenerateSessionToken() (string, error) {
	return randomURLToken(sessionTokenByteLength)
}

// SessionID derives the storage identifier of a raw session token.
// The raw token is never persisted.
func SessionID(rawToken string) string {
	sum := sha256.Sum256([]byte(rawToken))
	return base64.RawURLEncoding.EncodeToString(sum[:])
}

func randomURLToken(byteLength int) (string, error) {
	randomBytes := make([]byte, byteLength)
	if _, err := rand.Read(randomBytes); err != nil {
		return "", fmt.Errorf("session_token.random: %w", err)
	}
	return base64.RawURLEncoding.EncodeToString(randomBytes), nil
}
