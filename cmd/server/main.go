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
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"

	"github.com/tyemirov/credlease/internal/idp"
	"github.com/tyemirov/credlease/internal/leasekit"
	"github.com/tyemirov/credlease/internal/leasepg"
	"github.com/tyemirov/credlease/internal/web"
)

var serveHTTP = func(server *http.Server) error {
	return server.ListenAndServe()
}

var buildGoogleTokenValidator = func(ctx context.Context) (leasekit.GoogleTokenValidator, error) {
	return leasekit.NewGoogleTokenValidator(ctx)
}

func main() {
	if err := newRootCommand().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:     "credlease",
		Short:   "Credential leasing service for identity-provider OAuth tokens with single-refresher row locking",
		PreRunE: prepareServerConfig,
		RunE:    runServer,
	}

	rootCmd.Flags().String("listen_addr", ":8080", "HTTP listen address")
	rootCmd.Flags().String("jwt_signing_key", "", "HS256 signing secret shared with internal callers")
	rootCmd.Flags().String("jwt_issuer", defaultServiceIssuer, "Issuer expected on service JWTs")
	rootCmd.Flags().Duration("service_token_ttl", time.Minute, "Max age accepted for per-request service tokens")
	rootCmd.Flags().String("google_service_audience", "", "Audience for Google-issued service identity tokens; empty disables them")
	rootCmd.Flags().String("database_url", "", "Database URL for credentials (postgres:// or sqlite://; leave empty for in-memory store)")
	rootCmd.Flags().Bool("native_pg", false, "Use the raw pgx store instead of GORM when database_url is postgres")
	rootCmd.Flags().Bool("enable_cors", false, "Enable CORS for cross-origin clients")
	rootCmd.Flags().StringSlice("cors_allowed_origins", []string{}, "Allowed origins when CORS is enabled")
	rootCmd.Flags().String("github_client_id", "", "GitHub OAuth app client id")
	rootCmd.Flags().String("github_client_secret", "", "GitHub OAuth app client secret")
	rootCmd.Flags().String("gitlab_client_id", "", "GitLab OAuth app client id")
	rootCmd.Flags().String("gitlab_client_secret", "", "GitLab OAuth app client secret")
	rootCmd.Flags().String("bitbucket_client_id", "", "Bitbucket OAuth app client id")
	rootCmd.Flags().String("bitbucket_client_secret", "", "Bitbucket OAuth app client secret")

	_ = viper.BindPFlag("listen_addr", rootCmd.Flags().Lookup("listen_addr"))
	_ = viper.BindPFlag("jwt_signing_key", rootCmd.Flags().Lookup("jwt_signing_key"))
	_ = viper.BindPFlag("jwt_issuer", rootCmd.Flags().Lookup("jwt_issuer"))
	_ = viper.BindPFlag("service_token_ttl", rootCmd.Flags().Lookup("service_token_ttl"))
	_ = viper.BindPFlag("google_service_audience", rootCmd.Flags().Lookup("google_service_audience"))
	_ = viper.BindPFlag("database_url", rootCmd.Flags().Lookup("database_url"))
	_ = viper.BindPFlag("native_pg", rootCmd.Flags().Lookup("native_pg"))
	_ = viper.BindPFlag("enable_cors", rootCmd.Flags().Lookup("enable_cors"))
	_ = viper.BindPFlag("cors_allowed_origins", rootCmd.Flags().Lookup("cors_allowed_origins"))
	_ = viper.BindPFlag("github_client_id", rootCmd.Flags().Lookup("github_client_id"))
	_ = viper.BindPFlag("github_client_secret", rootCmd.Flags().Lookup("github_client_secret"))
	_ = viper.BindPFlag("gitlab_client_id", rootCmd.Flags().Lookup("gitlab_client_id"))
	_ = viper.BindPFlag("gitlab_client_secret", rootCmd.Flags().Lookup("gitlab_client_secret"))
	_ = viper.BindPFlag("bitbucket_client_id", rootCmd.Flags().Lookup("bitbucket_client_id"))
	_ = viper.BindPFlag("bitbucket_client_secret", rootCmd.Flags().Lookup("bitbucket_client_secret"))

	viper.SetEnvPrefix("APP")
	viper.AutomaticEnv()

	return rootCmd
}

const (
	defaultServiceIssuer = "credlease"

	configCodeMissingJWTSigningKey = "config.missing_jwt_signing_key"
	configCodeMissingJWTIssuer     = "config.missing_jwt_issuer"
	configCodeInvalidTokenTTL      = "config.invalid_service_token_ttl"
	configCodeUninitializedConf    = "config.uninitialized_server_config"
	configCodeGoogleValidatorInit  = "config.google_validator_init"
)

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

// LoadServerConfig validates viper-bound settings into a ServerConfig.
func LoadServerConfig() (leasekit.ServerConfig, error) {
	jwtSigningKey := viper.GetString("jwt_signing_key")
	if jwtSigningKey == "" {
		return leasekit.ServerConfig{}, configError(configCodeMissingJWTSigningKey, "jwt_signing_key must be provided")
	}

	jwtIssuer := strings.TrimSpace(viper.GetString("jwt_issuer"))
	if jwtIssuer == "" {
		return leasekit.ServerConfig{}, configError(configCodeMissingJWTIssuer, "jwt_issuer must not be blank")
	}

	serviceTokenTTL := viper.GetDuration("service_token_ttl")
	if serviceTokenTTL <= 0 {
		return leasekit.ServerConfig{}, configError(configCodeInvalidTokenTTL, "service_token_ttl must be greater than zero")
	}

	return leasekit.ServerConfig{
		ServiceJWTSigningKey:  []byte(jwtSigningKey),
		ServiceJWTIssuer:      jwtIssuer,
		GoogleServiceAudience: viper.GetString("google_service_audience"),
		ServiceTokenTTL:       serviceTokenTTL,
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
	serverConfig, ok := contextValue.(leasekit.ServerConfig)
	if !ok {
		return configError(configCodeUninitializedConf, "server configuration not prepared; PreRunE must execute before RunE")
	}

	listenAddr := viper.GetString("listen_addr")
	databaseURL := viper.GetString("database_url")
	nativePG := viper.GetBool("native_pg")
	enableCORS := viper.GetBool("enable_cors")
	corsAllowedOrigins := viper.GetStringSlice("cors_allowed_origins")

	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(zapLoggerMiddleware(logger))

	if enableCORS {
		corsMiddleware, corsErr := web.ConfigureCORS(logger, corsAllowedOrigins)
		if corsErr != nil {
			return corsErr
		}
		router.Use(corsMiddleware)
	}

	router.GET("/healthz", func(contextGin *gin.Context) {
		contextGin.JSON(http.StatusOK, gin.H{"status": "ok"})
	})

	clock := leasekit.NewSystemClock()
	leasekit.ProvideClock(clock)
	defer leasekit.ProvideClock(nil)

	leasekit.ProvideLogger(logger)
	defer leasekit.ProvideLogger(nil)

	metricsRecorder := leasekit.NewCounterMetrics()
	leasekit.ProvideMetrics(metricsRecorder)
	defer leasekit.ProvideMetrics(nil)

	credentialStore, storeErr := buildCredentialStore(command.Context(), logger, clock, metricsRecorder, databaseURL, nativePG)
	if storeErr != nil {
		return storeErr
	}

	refresher := idp.NewRefresher(refresherCredentials())

	if serverConfig.GoogleServiceAudience != "" {
		validator, validatorErr := buildGoogleTokenValidator(command.Context())
		if validatorErr != nil {
			return fmt.Errorf("%s: %w", configCodeGoogleValidatorInit, validatorErr)
		}
		leasekit.ProvideGoogleTokenValidator(validator)
		defer leasekit.ProvideGoogleTokenValidator(nil)
	}

	protected := router.Group("/v1")
	protected.Use(leasekit.RequireServiceAuth(serverConfig))
	leasekit.MountCredentialRoutes(protected, credentialStore, refresher.Refresh)

	server := &http.Server{
		Addr:              listenAddr,
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

	logger.Info("listening", zap.String("addr", listenAddr))
	if err := serveHTTP(server); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("listen error: %w", err)
	}
	return nil
}

func buildCredentialStore(ctx context.Context, logger *zap.Logger, clock leasekit.Clock, metrics leasekit.MetricsRecorder, databaseURL string, nativePG bool) (leasekit.CredentialStore, error) {
	if databaseURL == "" {
		logger.Info("using in-memory credential store")
		return leasekit.NewMemoryCredentialStore(), nil
	}
	if nativePG && isPostgresURL(databaseURL) {
		if ctx == nil {
			ctx = context.Background()
		}
		pool, poolErr := leasepg.BuildPool(ctx, databaseURL)
		if poolErr != nil {
			return nil, poolErr
		}
		if schemaErr := leasepg.EnsureSchema(ctx, pool); schemaErr != nil {
			return nil, schemaErr
		}
		logger.Info("using pgx credential store")
		return leasepg.NewPostgresCredentialStore(pool, logger, clock, metrics), nil
	}
	persistentStore, storeErr := leasekit.NewDatabaseCredentialStore(context.Background(), databaseURL)
	if storeErr != nil {
		return nil, storeErr
	}
	logger.Info("using persistent credential store", zap.String("driver", persistentStore.Driver()))
	return persistentStore, nil
}

func isPostgresURL(databaseURL string) bool {
	parsed, err := url.Parse(databaseURL)
	if err != nil {
		return false
	}
	switch strings.ToLower(parsed.Scheme) {
	case "postgres", "postgresql":
		return true
	default:
		return false
	}
}

func refresherCredentials() map[leasekit.Provider]idp.ClientCredentials {
	return map[leasekit.Provider]idp.ClientCredentials{
		leasekit.ProviderGitHub: {
			ClientID:     viper.GetString("github_client_id"),
			ClientSecret: viper.GetString("github_client_secret"),
		},
		leasekit.ProviderGitLab: {
			ClientID:     viper.GetString("gitlab_client_id"),
			ClientSecret: viper.GetString("gitlab_client_secret"),
		},
		leasekit.ProviderBitbucket: {
			ClientID:     viper.GetString("bitbucket_client_id"),
			ClientSecret: viper.GetString("bitbucket_client_secret"),
		},
	}
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
