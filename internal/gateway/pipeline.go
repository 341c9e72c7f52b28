package gateway

import (
	"context"
	"net/http"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/tyemirov/consolegate/internal/authkit"
)

// Stage names in execution order.
const (
	StageLocale  = "locale"
	StageSession = "session"
	StageRefresh = "refresh"
	StageGuard   = "guard"
	StageProxy   = "proxy"
)

// SessionValidator resolves raw session tokens.
type SessionValidator interface {
	Validate(ctx context.Context, rawToken string) (*authkit.Session, bool, error)
}

// TokenCoordinator refreshes upstream tokens of a session when they near expiry.
type TokenCoordinator interface {
	Coordinate(ctx context.Context, session *authkit.Session) (*authkit.Session, authkit.RefreshOutcome)
}

// Forwarder proxies a request upstream with a bearer token.
type Forwarder interface {
	Forward(writer http.ResponseWriter, request *http.Request, accessToken string)
}

// Stage is one named step of the request pipeline.
type Stage struct {
	Name    string
	Handler gin.HandlerFunc
}

// PipelineConfig wires the collaborators of every stage.
type PipelineConfig struct {
	Locale      *LocaleNegotiator
	Sessions    SessionValidator
	Coordinator TokenCoordinator
	Guard       *Guard
	Forwarder   Forwarder
	Cookies     authkit.SessionCookies
}

// Pipeline runs its stages in a fixed order. A stage that aborts ends the request.
type Pipeline struct {
	stages []Stage
	logger *zap.Logger
}

// NewPipeline assembles locale, session, refresh, guard and proxy stages.
func NewPipeline(configuration PipelineConfig, logger *zap.Logger) *Pipeline {
	if logger == nil {
		logger = zap.NewNop()
	}
	pipeline := &Pipeline{logger: logger}
	pipeline.stages = []Stage{
		{Name: StageLocale, Handler: configuration.Locale.Handler()},
		{Name: StageSession, Handler: pipeline.sessionStage(configuration.Sessions, configuration.Cookies)},
		{Name: StageRefresh, Handler: pipeline.refreshStage(configuration.Coordinator, configuration.Cookies)},
		{Name: StageGuard, Handler: configuration.Guard.Handler()},
		{Name: StageProxy, Handler: pipeline.proxyStage(configuration.Forwarder)},
	}
	return pipeline
}

// Stages returns the stages in execution order.
func (pipeline *Pipeline) Stages() []Stage {
	return append([]Stage(nil), pipeline.stages...)
}

// Handlers returns the stage handlers for router.Use.
func (pipeline *Pipeline) Handlers() []gin.HandlerFunc {
	handlers := make([]gin.HandlerFunc, 0, len(pipeline.stages))
	for _, stage := range pipeline.stages {
		handlers = append(handlers, stage.Handler)
	}
	return handlers
}

func (pipeline *Pipeline) sessionStage(sessions SessionValidator, cookies authkit.SessionCookies) gin.HandlerFunc {
	return func(contextGin *gin.Context) {
		rawToken := cookies.Read(contextGin.Request)
		if rawToken == "" {
			authkit.ClearSession(contextGin)
			contextGin.Next()
			return
		}
		session, fresh, err := sessions.Validate(contextGin.Request.Context(), rawToken)
		if err != nil {
			pipeline.logger.Error("session lookup failed",
				zap.String("code", "pipeline.session_lookup"),
				zap.Error(err),
			)
			authkit.ClearSession(contextGin)
			contextGin.Next()
			return
		}
		if session == nil {
			cookies.Clear(contextGin)
			authkit.ClearSession(contextGin)
			contextGin.Next()
			return
		}
		if fresh {
			cookies.Write(contextGin, rawToken, session.ExpiresAt)
		}
		authkit.SetSession(contextGin, session, rawToken)
		contextGin.Next()
	}
}

func (pipeline *Pipeline) refreshStage(coordinator TokenCoordinator, cookies authkit.SessionCookies) gin.HandlerFunc {
	return func(contextGin *gin.Context) {
		session, present := authkit.CurrentSession(contextGin)
		if !present {
			contextGin.Next()
			return
		}
		updated, outcome := coordinator.Coordinate(contextGin.Request.Context(), session)
		switch outcome {
		case authkit.RefreshFailed:
			cookies.Clear(contextGin)
			authkit.ClearSession(contextGin)
		case authkit.RefreshRefreshed:
			authkit.SetSession(contextGin, updated, authkit.CurrentSessionToken(contextGin))
		}
		if outcome != authkit.RefreshSkipped {
			pipeline.logger.Debug("token refresh", zap.String("outcome", string(outcome)))
		}
		contextGin.Next()
	}
}

func (pipeline *Pipeline) proxyStage(forwarder Forwarder) gin.HandlerFunc {
	return func(contextGin *gin.Context) {
		session, present := authkit.CurrentSession(contextGin)
		if !present || !isProxyMarked(contextGin.Request) {
			contextGin.Next()
			return
		}
		contextGin.Abort()
		forwarder.Forward(contextGin.Writer, contextGin.Request, session.TokenSet.AccessToken)
	}
}
