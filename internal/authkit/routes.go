package authkit

import (
	"context"
	"crypto/subtle"
	"errors"
	"net/http"
	"net/url"
	"strings"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
	"golang.org/x/oauth2"
)

const (
	authPathPrefix = "/auth"
	// LoginPath is the login entry point unauthenticated page requests are sent to.
	LoginPath    = authPathPrefix + "/login"
	callbackPath = authPathPrefix + "/callback"
	logoutPath   = authPathPrefix + "/logout"
	sessionPath  = authPathPrefix + "/session"

	// ReturnToParameter carries the page to come back to after login.
	ReturnToParameter = "returnTo"
)

// LoginProvider is the identity-provider surface used by the auth routes.
type LoginProvider interface {
	AuthCodeURL(state string, codeVerifier string) string
	Exchange(ctx context.Context, code string, codeVerifier string) (LoginResult, error)
}

// AuthRoutes bundles the collaborators of the /auth endpoints.
type AuthRoutes struct {
	Configuration ServerConfig
	Sessions      *SessionStore
	Provider      LoginProvider
	Metrics       MetricsRecorder
	Logger        *zap.Logger
}

// MountAuthRoutes registers /auth/login, /auth/callback, /auth/logout and /auth/session.
func MountAuthRoutes(router gin.IRouter, routes AuthRoutes) {
	if routes.Logger == nil {
		routes.Logger = zap.NewNop()
	}
	if routes.Metrics == nil {
		routes.Metrics = NewCounterMetrics()
	}
	cookies := NewSessionCookies(routes.Configuration)

	router.GET(LoginPath, func(contextGin *gin.Context) {
		if routes.Provider == nil {
			contextGin.String(http.StatusServiceUnavailable, "login is not configured")
			return
		}
		state, stateErr := randomURLToken(32)
		if stateErr != nil {
			routes.Logger.Error("login state generation failed", zap.String("code", "auth.login.state"), zap.Error(stateErr))
			contextGin.AbortWithStatus(http.StatusInternalServerError)
			return
		}
		codeVerifier := oauth2.GenerateVerifier()
		cookies.writeLoginCookie(contextGin, loginStateCookie, state)
		cookies.writeLoginCookie(contextGin, loginVerifierCookie, codeVerifier)
		cookies.writeLoginCookie(contextGin, loginReturnToCookie, SanitizeReturnTo(contextGin.Query(ReturnToParameter)))
		routes.Metrics.Increment(metricLoginStarted)
		contextGin.Redirect(http.StatusSeeOther, routes.Provider.AuthCodeURL(state, codeVerifier))
	})

	router.GET(callbackPath, func(contextGin *gin.Context) {
		if routes.Provider == nil {
			contextGin.String(http.StatusServiceUnavailable, "login is not configured")
			return
		}
		rejectLogin := func(reason string, code string, err error) {
			routes.Metrics.Increment(metricLoginFailure)
			routes.Logger.Warn("login callback rejected", zap.String("code", code), zap.Error(err))
			cookies.clearLoginCookies(contextGin)
			contextGin.String(http.StatusBadRequest, reason)
		}

		if providerError := contextGin.Query("error"); providerError != "" {
			rejectLogin("identity provider error: "+providerError, "auth.callback.provider_error", errors.New(providerError))
			return
		}
		code := strings.TrimSpace(contextGin.Query("code"))
		if code == "" {
			rejectLogin("missing authorization code", "auth.callback.missing_code", nil)
			return
		}
		expectedState := readCookie(contextGin.Request, loginStateCookie)
		receivedState := contextGin.Query("state")
		if expectedState == "" || subtle.ConstantTimeCompare([]byte(expectedState), []byte(receivedState)) != 1 {
			rejectLogin("state mismatch", "auth.callback.state_mismatch", nil)
			return
		}
		codeVerifier := readCookie(contextGin.Request, loginVerifierCookie)
		if codeVerifier == "" {
			rejectLogin("missing PKCE verifier", "auth.callback.missing_verifier", nil)
			return
		}

		result, exchangeErr := routes.Provider.Exchange(contextGin.Request.Context(), code, codeVerifier)
		if exchangeErr != nil {
			switch {
			case errors.Is(exchangeErr, ErrIssuerMismatch):
				rejectLogin("issuer mismatch", "auth.callback.issuer_mismatch", exchangeErr)
			case errors.Is(exchangeErr, ErrAudienceMismatch):
				rejectLogin("audience mismatch", "auth.callback.audience_mismatch", exchangeErr)
			case errors.Is(exchangeErr, ErrMissingIDToken), errors.Is(exchangeErr, ErrInvalidIDToken):
				rejectLogin("invalid id token", "auth.callback.invalid_id_token", exchangeErr)
			default:
				rejectLogin("authorization code exchange failed", "auth.callback.exchange_failed", exchangeErr)
			}
			return
		}

		rawToken, tokenErr := GenerateSessionToken()
		if tokenErr != nil {
			routes.Logger.Error("session token generation failed", zap.String("code", "auth.callback.token"), zap.Error(tokenErr))
			contextGin.AbortWithStatus(http.StatusInternalServerError)
			return
		}
		session, createErr := routes.Sessions.Create(contextGin.Request.Context(), rawToken, result.User, result.TokenSet)
		if createErr != nil {
			routes.Logger.Error("session creation failed", zap.String("code", "auth.callback.session_create"), zap.Error(createErr))
			contextGin.AbortWithStatus(http.StatusInternalServerError)
			return
		}

		returnTo := SanitizeReturnTo(readCookie(contextGin.Request, loginReturnToCookie))
		cookies.clearLoginCookies(contextGin)
		cookies.Write(contextGin, rawToken, session.ExpiresAt)
		routes.Metrics.Increment(metricLoginSuccess)
		routes.Logger.Info("session created", zap.String("subject", session.User.Subject))
		contextGin.Redirect(http.StatusSeeOther, returnTo)
	})

	logout := func(contextGin *gin.Context) {
		if rawToken := cookies.Read(contextGin.Request); rawToken != "" {
			if err := routes.Sessions.Invalidate(contextGin.Request.Context(), SessionID(rawToken)); err != nil {
				routes.Logger.Error("logout invalidation failed", zap.String("code", "auth.logout.invalidate"), zap.Error(err))
			}
		}
		ClearSession(contextGin)
		cookies.Clear(contextGin)
		routes.Metrics.Increment(metricLogout)
		contextGin.Redirect(http.StatusSeeOther, "/")
	}
	router.POST(logoutPath, logout)
	router.GET(logoutPath, logout)

	router.GET(sessionPath, func(contextGin *gin.Context) {
		session, present := CurrentSession(contextGin)
		if !present && !sessionResolved(contextGin) {
			rawToken := cookies.Read(contextGin.Request)
			validated, fresh, err := routes.Sessions.Validate(contextGin.Request.Context(), rawToken)
			if err != nil {
				routes.Logger.Error("session lookup failed", zap.String("code", "auth.session.lookup"), zap.Error(err))
			}
			if validated != nil {
				session, present = validated, true
				if fresh {
					cookies.Write(contextGin, rawToken, validated.ExpiresAt)
				}
			}
		}
		if !present {
			contextGin.JSON(http.StatusUnauthorized, gin.H{"error": "Unauthorized"})
			return
		}
		contextGin.JSON(http.StatusOK, gin.H{
			"user":      session.User,
			"expiresAt": session.ExpiresAt,
		})
	})
}

// SanitizeReturnTo keeps only same-origin absolute paths.
func SanitizeReturnTo(candidate string) string {
	candidate = strings.TrimSpace(candidate)
	if candidate == "" || !strings.HasPrefix(candidate, "/") || strings.HasPrefix(candidate, "//") || strings.Contains(candidate, "\\") {
		return "/"
	}
	parsed, err := url.Parse(candidate)
	if err != nil || parsed.Scheme != "" || parsed.Host != "" {
		return "/"
	}
	if strings.HasPrefix(parsed.Path, authPathPrefix+"/") {
		return "/"
	}
	return parsed.RequestURI()
}
