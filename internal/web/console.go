package web

import (
	"embed"
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

const consolePage = "console.html"

// ConsoleConfig contains dynamic values exposed to the console shell.
type ConsoleConfig struct {
	LoginPath   string
	SessionPath string
	ProxyHeader string
}

// ServeConsoleConfig emits a JavaScript payload that hydrates window.__CONSOLE_CONFIG.
func ServeConsoleConfig(contextGin *gin.Context, configuration ConsoleConfig, locale string) {
	payload := struct {
		LoginPath   string `json:"loginPath"`
		SessionPath string `json:"sessionPath"`
		ProxyHeader string `json:"proxyHeader"`
		Locale      string `json:"locale"`
	}{
		LoginPath:   configuration.LoginPath,
		SessionPath: configuration.SessionPath,
		ProxyHeader: configuration.ProxyHeader,
		Locale:      locale,
	}

	encoded, encodeErr := json.Marshal(payload)
	if encodeErr != nil {
		contextGin.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{
			"error": "web.console_config.encode_failed",
		})
		return
	}

	script := fmt.Sprintf(`(function(){window.__CONSOLE_CONFIG=Object.freeze(%s);})();`, string(encoded))

	contextGin.Header("Content-Type", "application/javascript; charset=utf-8")
	contextGin.Header("Cache-Control", "no-store, no-cache, must-revalidate, private")
	contextGin.Header("Pragma", "no-cache")
	contextGin.Header("X-Content-Type-Options", "nosniff")
	contextGin.String(http.StatusOK, script)
}

// PageHandler is the fallback for requests no earlier stage answered: it serves
// the console shell to page navigations and a JSON 404 to everything else.
func PageHandler(logger *zap.Logger, filesystem embed.FS) gin.HandlerFunc {
	if logger == nil {
		logger = zap.NewNop()
	}
	return func(contextGin *gin.Context) {
		method := contextGin.Request.Method
		if method != http.MethodGet && method != http.MethodHead {
			contextGin.JSON(http.StatusNotFound, gin.H{"error": "Not Found"})
			return
		}
		page, readErr := filesystem.ReadFile(consolePage)
		if readErr != nil {
			logger.Error("console page missing",
				zap.String("code", "web.page.missing"),
				zap.Error(readErr))
			contextGin.AbortWithStatus(http.StatusInternalServerError)
			return
		}
		contextGin.Header("Cache-Control", "no-store")
		contextGin.Header("X-Content-Type-Options", "nosniff")
		contextGin.Data(http.StatusOK, "text/html; charset=utf-8", page)
	}
}
