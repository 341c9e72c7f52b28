package web

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

const readinessTimeout = 2 * time.Second

// Pinger reports backend availability.
type Pinger interface {
	Ping(ctx context.Context) error
}

// HandleHealth reports liveness.
func HandleHealth(contextGin *gin.Context) {
	contextGin.JSON(http.StatusOK, gin.H{"status": "ok"})
}

// HandleReadiness reports whether the session store is reachable.
func HandleReadiness(logger *zap.Logger, store Pinger) gin.HandlerFunc {
	if logger == nil {
		logger = zap.NewNop()
	}
	if store == nil {
		panic("session store is required")
	}

	return func(contextGin *gin.Context) {
		pingCtx, cancel := context.WithTimeout(contextGin.Request.Context(), readinessTimeout)
		defer cancel()
		if err := store.Ping(pingCtx); err != nil {
			logger.Warn("session store not ready",
				zap.String("code", "readyz.store_unavailable"),
				zap.Error(err))
			contextGin.JSON(http.StatusServiceUnavailable, gin.H{"status": "unavailable"})
			return
		}
		contextGin.JSON(http.StatusOK, gin.H{"status": "ready"})
	}
}
