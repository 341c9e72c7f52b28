package authkit

import (
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
)

const (
	sessionCookieBaseName = "console_session"
	loginStateCookie      = "console_oidc_state"
	loginVerifierCookie   = "console_oidc_verifier"
	loginReturnToCookie   = "console_oidc_return_to"
	loginCookieLifetime   = 10 * time.Minute
)

// SessionCookies reads and writes the session cookie.
type SessionCookies struct {
	name   string
	domain string
	secure bool
}

// NewSessionCookies derives cookie attributes from the server configuration.
// Secure deployments use the __Host- prefix, or __Secure- when a domain is set.
func NewSessionCookies(configuration ServerConfig) SessionCookies {
	secure := configuration.SecureContext()
	domain := strings.TrimSpace(configuration.CookieDomain)
	name := sessionCookieBaseName
	switch {
	case secure && domain == "":
		name = "__Host-" + sessionCookieBaseName
	case secure:
		name = "__Secure-" + sessionCookieBaseName
	}
	return SessionCookies{name: name, domain: domain, secure: secure}
}

// Name returns the session cookie name.
func (cookies SessionCookies) Name() string {
	return cookies.name
}

// Read returns the raw session token, or an empty string.
func (cookies SessionCookies) Read(request *http.Request) string {
	cookie, err := request.Cookie(cookies.name)
	if err != nil || cookie == nil {
		return ""
	}
	return strings.TrimSpace(cookie.Value)
}

// Write sets the session cookie to expire with the session.
func (cookies SessionCookies) Write(contextGin *gin.Context, rawToken string, expiresAt time.Time) {
	http.SetCookie(contextGin.Writer, &http.Cookie{
		Name:     cookies.name,
		Value:    rawToken,
		Path:     "/",
		Domain:   cookies.domain,
		Expires:  expiresAt,
		Secure:   cookies.secure,
		HttpOnly: true,
		SameSite: http.SameSiteLaxMode,
	})
}

// Clear expires the session cookie.
func (cookies SessionCookies) Clear(contextGin *gin.Context) {
	http.SetCookie(contextGin.Writer, &http.Cookie{
		Name:     cookies.name,
		Value:    "",
		Path:     "/",
		Domain:   cookies.domain,
		MaxAge:   -1,
		Secure:   cookies.secure,
		HttpOnly: true,
		SameSite: http.SameSiteLaxMode,
	})
}

func (cookies SessionCookies) writeLoginCookie(contextGin *gin.Context, name string, value string) {
	http.SetCookie(contextGin.Writer, &http.Cookie{
		Name:     name,
		Value:    value,
		Path:     authPathPrefix,
		MaxAge:   int(loginCookieLifetime / time.Second),
		Secure:   cookies.secure,
		HttpOnly: true,
		SameSite: http.SameSiteLaxMode,
	})
}

func (cookies SessionCookies) clearLoginCookies(contextGin *gin.Context) {
	for _, name := range []string{loginStateCookie, loginVerifierCookie, loginReturnToCookie} {
		http.SetCookie(contextGin.Writer, &http.Cookie{
			Name:     name,
			Value:    "",
			Path:     authPathPrefix,
			MaxAge:   -1,
			Secure:   cookies.secure,
			HttpOnly: true,
			SameSite: http.SameSiteLaxMode,
		})
	}
}

func readCookie(request *http.Request, name string) string {
	cookie, err := request.Cookie(name)
	if err != nil || cookie == nil {
		return ""
	}
	return cookie.Value
}
