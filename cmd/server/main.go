package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"

	"github.com/tyemirov/consolegate/internal/authkit"
	"github.com/tyemirov/consolegate/internal/gateway"
	"github.com/tyemirov/consolegate/internal/kvstore"
	"github.com/tyemirov/consolegate/internal/web"
	webassets "github.com/tyemirov/consolegate/web"
)

var serveHTTP = func(server *http.Server) error {
	return server.ListenAndServe()
}

var buildGoogleTokenValidator = func(ctx context.Context) (authkit.GoogleTokenValidator, error) {
	return authkit.NewGoogleTokenValidator(ctx)
}

var openStore = kvstore.Open

func main() {
	_ = godotenv.Load()
	if err := newRootCommand().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:     "consolegate",
		Short:   "Session gateway for the infrastructure console: OIDC login, server-side sessions, token refresh and API proxying",
		PreRunE: prepareServerConfig,
		RunE:    runServer,
	}

	rootCmd.Flags().String("listen_addr", ":8080", "HTTP listen address")
	rootCmd.Flags().String("public_url", "", "Externally visible console URL (https:// enables secure cookies)")
	rootCmd.Flags().String("cookie_domain", "", "Cookie domain; empty for host-only")
	rootCmd.Flags().String("upstream_api_url", "", "Base URL of the backend API that proxied requests are sent to")
	rootCmd.Flags().Duration("upstream_timeout", gateway.DefaultUpstreamTimeout, "Maximum wait for upstream response headers")
	rootCmd.Flags().String("kv_url", "memory://", "Session store URL (redis://, rediss://, postgres://, sqlite://, memory://)")
	rootCmd.Flags().String("kv_key_prefix", authkit.DefaultKeyPrefix, "Key prefix for session records")
	rootCmd.Flags().String("oidc_issuer", "", "Expected ID token issuer")
	rootCmd.Flags().String("oidc_client_id", "", "OAuth client ID")
	rootCmd.Flags().String("oidc_client_secret", "", "OAuth client secret")
	rootCmd.Flags().String("oidc_auth_url", "", "Authorization endpoint")
	rootCmd.Flags().String("oidc_token_url", "", "Token endpoint")
	rootCmd.Flags().StringSlice("oidc_scopes", []string{"openid", "profile", "email", "offline_access"}, "Requested scopes")
	rootCmd.Flags().String("oidc_audience", "", "Expected ID token audience; defaults to the client ID")
	rootCmd.Flags().String("oidc_roles_claim", "roles", "ID token claim holding user roles")
	rootCmd.Flags().String("oidc_verifier", authkit.VerifierClaims, "ID token verification: claims or google")
	rootCmd.Flags().Duration("session_ttl", authkit.DefaultSessionTTL, "Absolute session lifetime")
	rootCmd.Flags().Duration("session_renewal_window", authkit.DefaultSessionRenewalWindow, "Remaining lifetime below which sessions slide forward")
	rootCmd.Flags().Duration("refresh_buffer", authkit.DefaultRefreshBuffer, "Refresh access tokens this long before they expire")
	rootCmd.Flags().Duration("refresh_lock_ttl", authkit.DefaultRefreshLockTTL, "Upper bound on a refresh lock hold")
	rootCmd.Flags().StringSlice("public_paths", gateway.DefaultPublicPaths, "Path prefixes reachable without a session")
	rootCmd.Flags().Bool("bootstrap_mode", false, "Disable the route guard (initial setup only)")
	rootCmd.Flags().StringSlice("supported_locales", []string{"en"}, "Supported UI locales; the first is the default")
	rootCmd.Flags().Bool("enable_cors", false, "Enable CORS for cross-origin console clients")
	rootCmd.Flags().StringSlice("cors_allowed_origins", []string{}, "Allowed origins when CORS is enabled (required if enable_cors is true)")

	for _, name := range []string{
		"listen_addr", "public_url", "cookie_domain", "upstream_api_url", "upstream_timeout",
		"kv_url", "kv_key_prefix",
		"oidc_issuer", "oidc_client_id", "oidc_client_secret", "oidc_auth_url", "oidc_token_url",
		"oidc_scopes", "oidc_audience", "oidc_roles_claim", "oidc_verifier",
		"session_ttl", "session_renewal_window", "refresh_buffer", "refresh_lock_ttl",
		"public_paths", "bootstrap_mode", "supported_locales", "enable_cors", "cors_allowed_origins",
	} {
		_ = viper.BindPFlag(name, rootCmd.Flags().Lookup(name))
	}

	viper.SetEnvPrefix("APP")
	viper.AutomaticEnv()

	return rootCmd
}

const (
	configCodeMissingPublicURL        = "config.missing_public_url"
	configCodeInvalidPublicURL        = "config.invalid_public_url"
	configCodeMissingUpstreamURL      = "config.missing_upstream_api_url"
	configCodeInvalidUpstreamURL      = "config.invalid_upstream_api_url"
	configCodeMissingKVURL            = "config.missing_kv_url"
	configCodeMissingOIDCSettings     = "config.missing_oidc_settings"
	configCodeInvalidOIDCVerifier     = "config.invalid_oidc_verifier"
	configCodeInvalidSessionTTL       = "config.invalid_session_ttl"
	configCodeInvalidRenewalWindow    = "config.invalid_session_renewal_window"
	configCodeInvalidRefreshBuffer    = "config.invalid_refresh_buffer"
	configCodeInvalidRefreshLockTTL   = "config.invalid_refresh_lock_ttl"
	configCodeMissingCORSOrigins      = "config.missing_cors_allowed_origins"
	configCodeUninitializedServerConf = "config.uninitialized_server_config"
	configCodeGoogleValidatorInit     = "config.google_validator_init"
	configCodeStoreOpen               = "config.kv_open"
)

// ServerConfig is the validated process configuration.
type ServerConfig struct {
	Auth               authkit.ServerConfig
	ListenAddr         string
	UpstreamURL        *url.URL
	UpstreamTimeout    time.Duration
	KVURL              string
	PublicPaths        []string
	SupportedLocales   []string
	EnableCORS         bool
	CORSAllowedOrigins []string
}

type contextKey string

const serverConfigContextKey contextKey = "serverConfig"

func prepareServerConfig(command *cobra.Command, arguments []string) error {
	serverConfig, loadErr := LoadServerConfig()
	if loadErr != nil {
		return loadErr
	}
	existingContext := command.Context()
	if existingContext == nil {
		existingContext = context.Background()
	}
	command.SetContext(context.WithValue(existingContext, serverConfigContextKey, serverConfig))
	return nil
}

func configError(code, message string) error {
	return fmt.Errorf("%s: %s", code, message)
}

func LoadServerConfig() (ServerConfig, error) {
	publicURLValue := strings.TrimSpace(viper.GetString("public_url"))
	if publicURLValue == "" {
		return ServerConfig{}, configError(configCodeMissingPublicURL, "public_url must be provided")
	}
	publicURL, publicErr := url.Parse(publicURLValue)
	if publicErr != nil || publicURL.Host == "" || (publicURL.Scheme != "https" && publicURL.Scheme != "http") {
		return ServerConfig{}, configError(configCodeInvalidPublicURL, "public_url must be an absolute http(s) URL")
	}

	upstreamValue := strings.TrimSpace(viper.GetString("upstream_api_url"))
	if upstreamValue == "" {
		return ServerConfig{}, configError(configCodeMissingUpstreamURL, "upstream_api_url must be provided")
	}
	upstreamURL, upstreamErr := url.Parse(upstreamValue)
	if upstreamErr != nil || upstreamURL.Host == "" || (upstreamURL.Scheme != "https" && upstreamURL.Scheme != "http") {
		return ServerConfig{}, configError(configCodeInvalidUpstreamURL, "upstream_api_url must be an absolute http(s) URL")
	}

	kvURL := strings.TrimSpace(viper.GetString("kv_url"))
	if kvURL == "" {
		return ServerConfig{}, configError(configCodeMissingKVURL, "kv_url must be provided")
	}

	sessionTTL := viper.GetDuration("session_ttl")
	if sessionTTL <= 0 {
		return ServerConfig{}, configError(configCodeInvalidSessionTTL, "session_ttl must be greater than zero")
	}
	renewalWindow := viper.GetDuration("session_renewal_window")
	if renewalWindow <= 0 || renewalWindow > sessionTTL {
		return ServerConfig{}, configError(configCodeInvalidRenewalWindow, "session_renewal_window must be greater than zero and at most session_ttl")
	}
	refreshBuffer := viper.GetDuration("refresh_buffer")
	if refreshBuffer <= 0 {
		return ServerConfig{}, configError(configCodeInvalidRefreshBuffer, "refresh_buffer must be greater than zero")
	}
	refreshLockTTL := viper.GetDuration("refresh_lock_ttl")
	if refreshLockTTL <= 0 {
		return ServerConfig{}, configError(configCodeInvalidRefreshLockTTL, "refresh_lock_ttl must be greater than zero")
	}

	oidcConfig := authkit.OIDCConfig{
		Issuer:       viper.GetString("oidc_issuer"),
		ClientID:     viper.GetString("oidc_client_id"),
		ClientSecret: viper.GetString("oidc_client_secret"),
		AuthURL:      viper.GetString("oidc_auth_url"),
		TokenURL:     viper.GetString("oidc_token_url"),
		Scopes:       viper.GetStringSlice("oidc_scopes"),
		Audience:     viper.GetString("oidc_audience"),
		RolesClaim:   viper.GetString("oidc_roles_claim"),
		Verifier:     strings.ToLower(strings.TrimSpace(viper.GetString("oidc_verifier"))),
	}
	bootstrapMode := viper.GetBool("bootstrap_mode")
	if !oidcConfig.Configured() && !bootstrapMode {
		return ServerConfig{}, configError(configCodeMissingOIDCSettings, "oidc_client_id, oidc_auth_url and oidc_token_url must be provided")
	}
	if oidcConfig.Verifier == "" {
		oidcConfig.Verifier = authkit.VerifierClaims
	}
	if oidcConfig.Verifier != authkit.VerifierClaims && oidcConfig.Verifier != authkit.VerifierGoogle {
		return ServerConfig{}, configError(configCodeInvalidOIDCVerifier, "oidc_verifier must be claims or google")
	}

	enableCORS := viper.GetBool("enable_cors")
	corsAllowedOrigins := viper.GetStringSlice("cors_allowed_origins")
	if enableCORS && len(corsAllowedOrigins) == 0 {
		return ServerConfig{}, configError(configCodeMissingCORSOrigins, "cors_allowed_origins must be provided when enable_cors is true")
	}

	listenAddr := viper.GetString("listen_addr")
	if listenAddr == "" {
		listenAddr = ":8080"
	}

	return ServerConfig{
		Auth: authkit.ServerConfig{
			PublicURL:            publicURL,
			CookieDomain:         viper.GetString("cookie_domain"),
			KeyPrefix:            viper.GetString("kv_key_prefix"),
			SessionTTL:           sessionTTL,
			SessionRenewalWindow: renewalWindow,
			RefreshBuffer:        refreshBuffer,
			RefreshLockTTL:       refreshLockTTL,
			BootstrapMode:        bootstrapMode,
			OIDC:                 oidcConfig,
		},
		ListenAddr:         listenAddr,
		UpstreamURL:        upstreamURL,
		UpstreamTimeout:    viper.GetDuration("upstream_timeout"),
		KVURL:              kvURL,
		PublicPaths:        viper.GetStringSlice("public_paths"),
		SupportedLocales:   viper.GetStringSlice("supported_locales"),
		EnableCORS:         enableCORS,
		CORSAllowedOrigins: corsAllowedOrigins,
	}, nil
}

func runServer(command *cobra.Command, arguments []string) error {
	logger, loggerErr := zap.NewProduction()
	if loggerErr != nil {
		return loggerErr
	}
	defer func() { _ = logger.Sync() }()

	commandContext := command.Context()
	var contextValue any
	if commandContext != nil {
		contextValue = commandContext.Value(serverConfigContextKey)
	}
	serverConfig, ok := contextValue.(ServerConfig)
	if !ok {
		return configError(configCodeUninitializedServerConf, "server configuration not prepared; PreRunE must execute before RunE")
	}

	store, driver, storeErr := openStore(commandContext, serverConfig.KVURL)
	if storeErr != nil {
		return fmt.Errorf("%s: %w", configCodeStoreOpen, storeErr)
	}
	defer func() { _ = store.Close() }()
	logger.Info("using session store", zap.String("driver", driver))

	router, routerErr := buildRouter(commandContext, serverConfig, store, prometheus.NewRegistry(), logger)
	if routerErr != nil {
		return routerErr
	}

	server := &http.Server{
		Addr:              serverConfig.ListenAddr,
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	shutdownCtx, shutdownCancel := context.WithCancel(context.Background())
	defer shutdownCancel()

	go func() {
		stopSignals := make(chan os.Signal, 1)
		signal.Notify(stopSignals, syscall.SIGINT, syscall.SIGTERM)
		<-stopSignals
		graceCtx, graceCancel := context.WithTimeout(shutdownCtx, 10*time.Second)
		defer graceCancel()
		if err := server.Shutdown(graceCtx); err != nil {
			logger.Error("server shutdown error", zap.Error(err))
		}
	}()

	logger.Info("listening", zap.String("addr", serverConfig.ListenAddr))
	if err := serveHTTP(server); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("listen error: %w", err)
	}
	return nil
}

func buildRouter(ctx context.Context, serverConfig ServerConfig, store kvstore.Store, registry *prometheus.Registry, logger *zap.Logger) (*gin.Engine, error) {
	registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	authMetrics, metricsErr := authkit.NewPrometheusMetrics(registry)
	if metricsErr != nil {
		return nil, metricsErr
	}

	authConfig := serverConfig.Auth
	sessions := authkit.NewSessionStore(store, authkit.SessionStoreConfig{
		KeyPrefix:     authConfig.KeyPrefix,
		SessionTTL:    authConfig.SessionTTL,
		RenewalWindow: authConfig.SessionRenewalWindow,
	}, logger)

	var loginProvider authkit.LoginProvider
	var refresher authkit.TokenRefresher = unavailableRefresher{}
	if authConfig.OIDC.Configured() {
		var verifier authkit.IDTokenVerifier
		if authConfig.OIDC.Verifier == authkit.VerifierGoogle {
			validator, validatorErr := buildGoogleTokenValidator(ctx)
			if validatorErr != nil {
				return nil, fmt.Errorf("%s: %w", configCodeGoogleValidatorInit, validatorErr)
			}
			verifier = authkit.GoogleIDTokenVerifier{
				Validator:  validator,
				Issuer:     authConfig.OIDC.Issuer,
				Audience:   authConfig.OIDC.ExpectedAudience(),
				RolesClaim: authConfig.OIDC.RolesClaim,
			}
		}
		provider, providerErr := authkit.NewProvider(authConfig.OIDC, authConfig.CallbackURL(), verifier)
		if providerErr != nil {
			return nil, providerErr
		}
		loginProvider = provider
		refresher = provider
	} else {
		logger.Warn("identity provider not configured; login disabled",
			zap.String("code", "config.oidc_unconfigured"))
	}

	coordinator := authkit.NewRefreshCoordinator(sessions, authkit.NewRefreshLock(store, authConfig.RefreshLockTTL), refresher, authkit.RefreshCoordinatorConfig{
		Buffer:  authConfig.RefreshBuffer,
		Metrics: authMetrics,
	}, logger)

	forwarder, forwarderErr := gateway.NewProxyForwarder(gateway.ProxyConfig{
		Upstream: serverConfig.UpstreamURL,
		Timeout:  serverConfig.UpstreamTimeout,
	}, logger)
	if forwarderErr != nil {
		return nil, forwarderErr
	}

	cookies := authkit.NewSessionCookies(authConfig)
	locales := gateway.NewLocaleNegotiator(serverConfig.SupportedLocales)
	pipeline := gateway.NewPipeline(gateway.PipelineConfig{
		Locale:      locales,
		Sessions:    sessions,
		Coordinator: coordinator,
		Guard: gateway.NewGuard(gateway.GuardConfig{
			Classifier:    gateway.NewRouteClassifier(serverConfig.PublicPaths),
			BootstrapMode: authConfig.BootstrapMode,
		}, logger),
		Forwarder: forwarder,
		Cookies:   cookies,
	}, logger)
	if authConfig.BootstrapMode {
		logger.Warn("bootstrap mode enabled; route guard disabled",
			zap.String("code", "config.bootstrap_mode"))
	}

	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(zapLoggerMiddleware(logger))
	router.Use(gateway.RequestMetrics(registry))

	if serverConfig.EnableCORS {
		corsMiddleware, corsErr := web.ConfigureCORS(logger, serverConfig.CORSAllowedOrigins, gateway.ProxyMarkerHeader)
		if corsErr != nil {
			return nil, corsErr
		}
		router.Use(corsMiddleware)
	}

	// Probes are registered ahead of the pipeline so they never touch sessions.
	router.GET("/healthz", web.HandleHealth)
	router.GET("/readyz", web.HandleReadiness(logger, store))
	router.GET("/metrics", gin.WrapH(promhttp.HandlerFor(registry, promhttp.HandlerOpts{})))

	router.Use(pipeline.Handlers()...)

	router.GET("/static/console-client.js", func(contextGin *gin.Context) {
		web.ServeEmbeddedAsset(contextGin, webassets.FS, "console-client.js")
	})
	router.GET("/static/console-config.js", func(contextGin *gin.Context) {
		web.ServeConsoleConfig(contextGin, web.ConsoleConfig{
			LoginPath:   authkit.LoginPath,
			SessionPath: "/auth/session",
			ProxyHeader: gateway.ProxyMarkerHeader,
		}, gateway.Locale(contextGin))
	})

	authkit.MountAuthRoutes(router, authkit.AuthRoutes{
		Configuration: authConfig,
		Sessions:      sessions,
		Provider:      loginProvider,
		Metrics:       authMetrics,
		Logger:        logger,
	})

	router.NoRoute(web.PageHandler(logger, webassets.FS))
	return router, nil
}

// unavailableRefresher fails every refresh when no identity provider is configured.
type unavailableRefresher struct{}

func (unavailableRefresher) Refresh(ctx context.Context, refreshToken string) (authkit.TokenSet, error) {
	return authkit.TokenSet{}, authkit.ErrProviderNotConfigured
}

func zapLoggerMiddleware(logger *zap.Logger) gin.HandlerFunc {
	return func(contextGin *gin.Context) {
		startTime := time.Now()
		contextGin.Next()
		duration := time.Since(startTime)
		logger.Info("http",
			zap.String("method", contextGin.Request.Method),
			zap.String("path", contextGin.Request.URL.Path),
			zap.Int("status", contextGin.Writer.Status()),
			zap.String("ip", contextGin.ClientIP()),
			zap.Duration("elapsed", duration),
		)
	}
}
