package authkit

import "github.com/gin-gonic/gin"

const (
	sessionContextKey  = "console_session"
	rawTokenContextKey = "console_session_token"
)

// SetSession stores the validated session and its raw token on the request context.
func SetSession(contextGin *gin.Context, session *Session, rawToken string) {
	contextGin.Set(sessionContextKey, session)
	contextGin.Set(rawTokenContextKey, rawToken)
}

// ClearSession marks the request as unauthenticated.
func ClearSession(contextGin *gin.Context) {
	contextGin.Set(sessionContextKey, (*Session)(nil))
}

// CurrentSession returns the session attached to the request, if any.
func CurrentSession(contextGin *gin.Context) (*Session, bool) {
	value, exists := contextGin.Get(sessionContextKey)
	if !exists {
		return nil, false
	}
	session, ok := value.(*Session)
	if !ok || session == nil {
		return nil, false
	}
	return session, true
}

// CurrentSessionToken returns the raw token behind the current session.
func CurrentSessionToken(contextGin *gin.Context) string {
	return contextGin.GetString(rawTokenContextKey)
}

// sessionResolved reports whether an earlier middleware already looked the session up.
func sessionResolved(contextGin *gin.Context) bool {
	_, exists := contextGin.Get(sessionContextKey)
	return exists
}
