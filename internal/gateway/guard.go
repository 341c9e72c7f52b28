package gateway

import (
	"net/http"
	"net/url"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/tyemirov/consolegate/internal/authkit"
)

// GuardDecision is the route guard verdict for one request.
type GuardDecision int

const (
	GuardAllow GuardDecision = iota
	GuardUnauthorized
	GuardRedirectToLogin
)

func (decision GuardDecision) String() string {
	switch decision {
	case GuardUnauthorized:
		return "unauthorized"
	case GuardRedirectToLogin:
		return "redirect_to_login"
	default:
		return "allow"
	}
}

// Guard blocks unauthenticated access to protected routes.
type Guard struct {
	classifier    RouteClassifier
	loginPath     string
	bootstrapMode bool
	logger        *zap.Logger
}

// GuardConfig configures a Guard.
type GuardConfig struct {
	Classifier RouteClassifier
	// LoginPath receives unauthenticated page requests; defaults to authkit.LoginPath.
	LoginPath string
	// BootstrapMode disables the guard entirely.
	BootstrapMode bool
}

// NewGuard constructs a Guard.
func NewGuard(configuration GuardConfig, logger *zap.Logger) *Guard {
	if logger == nil {
		logger = zap.NewNop()
	}
	loginPath := configuration.LoginPath
	if loginPath == "" {
		loginPath = authkit.LoginPath
	}
	return &Guard{
		classifier:    configuration.Classifier,
		loginPath:     loginPath,
		bootstrapMode: configuration.BootstrapMode,
		logger:        logger,
	}
}

// Decide applies the guard table.
func (guard *Guard) Decide(sessionPresent bool, proxyMarked bool, path string) GuardDecision {
	if guard.bootstrapMode || sessionPresent {
		return GuardAllow
	}
	if proxyMarked {
		return GuardUnauthorized
	}
	if guard.classifier.IsPublic(path) {
		return GuardAllow
	}
	return GuardRedirectToLogin
}

// Handler returns the guard as a pipeline stage.
func (guard *Guard) Handler() gin.HandlerFunc {
	return func(contextGin *gin.Context) {
		_, sessionPresent := authkit.CurrentSession(contextGin)
		switch guard.Decide(sessionPresent, isProxyMarked(contextGin.Request), contextGin.Request.URL.Path) {
		case GuardUnauthorized:
			contextGin.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "Unauthorized"})
		case GuardRedirectToLogin:
			contextGin.Redirect(http.StatusSeeOther, guard.loginURL(contextGin.Request.URL))
			contextGin.Abort()
		default:
			contextGin.Next()
		}
	}
}

func (guard *Guard) loginURL(requestURL *url.URL) string {
	query := url.Values{}
	query.Set(authkit.ReturnToParameter, requestURL.RequestURI())
	return guard.loginPath + "?" + query.Encode()
}

func isProxyMarked(request *http.Request) bool {
	return request.Header.Get(ProxyMarkerHeader) == "1"
}
