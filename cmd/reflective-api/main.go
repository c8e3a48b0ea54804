package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"github.com/teatime-co/Reflective-Server/internal/auth"
	"github.com/teatime-co/Reflective-Server/internal/backups"
	"github.com/teatime-co/Reflective-Server/internal/config"
	"github.com/teatime-co/Reflective-Server/internal/database"
	"github.com/teatime-co/Reflective-Server/internal/logging"
	"github.com/teatime-co/Reflective-Server/internal/metricstore"
	"github.com/teatime-co/Reflective-Server/internal/observability"
	"github.com/teatime-co/Reflective-Server/internal/server"
	"github.com/teatime-co/Reflective-Server/internal/users"
	"go.uber.org/zap"
)

const shutdownTimeout = 10 * time.Second

var (
	cfgFile string
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "reflective-api",
		Short: "Reflective encrypted sync backend",
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return initConfig()
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServer(cmd.Context())
		},
	}

	setupFlags(rootCmd)
	rootCmd.AddCommand(newTokenCommand())

	if err := rootCmd.ExecuteContext(context.Background()); err != nil {
		os.Exit(1)
	}
}

func setupFlags(cmd *cobra.Command) {
	config.ApplyDefaults(viper.GetViper())
	defaults := config.NewViper()
	cmd.PersistentFlags().StringVar(&cfgFile, "config", "", "Path to configuration file")
	cmd.PersistentFlags().String("http-address", defaults.GetString("http.address"), "HTTP listen address")
	cmd.PersistentFlags().StringSlice("allowed-origins", defaults.GetStringSlice("http.allowed_origins"), "CORS origins; empty allows any origin")
	cmd.PersistentFlags().String("database-path", defaults.GetString("database.path"), "SQLite database path")
	cmd.PersistentFlags().String("log-level", defaults.GetString("log.level"), "Log level (debug, info, warn, error)")
	cmd.PersistentFlags().String("log-format", defaults.GetString("log.format"), "Log format (json, console)")
	cmd.PersistentFlags().String("log-file", defaults.GetString("log.file"), "Optional rotated log file")
	cmd.PersistentFlags().String("signing-secret", "", "TAuth session signing secret (overrides env)")
	cmd.PersistentFlags().String("session-cookie", defaults.GetString("tauth.cookie_name"), "Session cookie name")
	cmd.PersistentFlags().String("session-issuer", defaults.GetString("tauth.issuer"), "Expected session issuer")
	cmd.PersistentFlags().Duration("token-ttl", defaults.GetDuration("tauth.token_ttl"), "Lifetime of tokens minted by the token command")
	cmd.PersistentFlags().Int("sync-default-limit", defaults.GetInt("sync.default_limit"), "Default page size for backup fetches")
	cmd.PersistentFlags().Bool("metrics-enabled", defaults.GetBool("metrics.enabled"), "Expose Prometheus metrics on /metrics")

	bindFlag(cmd, "http.address", "http-address")
	bindFlag(cmd, "http.allowed_origins", "allowed-origins")
	bindFlag(cmd, "database.path", "database-path")
	bindFlag(cmd, "log.level", "log-level")
	bindFlag(cmd, "log.format", "log-format")
	bindFlag(cmd, "log.file", "log-file")
	bindFlag(cmd, "tauth.signing_secret", "signing-secret")
	bindFlag(cmd, "tauth.cookie_name", "session-cookie")
	bindFlag(cmd, "tauth.issuer", "session-issuer")
	bindFlag(cmd, "tauth.token_ttl", "token-ttl")
	bindFlag(cmd, "sync.default_limit", "sync-default-limit")
	bindFlag(cmd, "metrics.enabled", "metrics-enabled")
}

func bindFlag(cmd *cobra.Command, key, flag string) {
	if err := viper.BindPFlag(key, cmd.PersistentFlags().Lookup(flag)); err != nil {
		panic(err)
	}
}

func initConfig() error {
	if cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	}

	if err := viper.ReadInConfig(); err != nil {
		var configNotFound viper.ConfigFileNotFoundError
		if cfgFile != "" && errors.As(err, &configNotFound) {
			return err
		}
	}

	return nil
}

func newTokenCommand() *cobra.Command {
	var identity auth.SessionIdentity
	cmd := &cobra.Command{
		Use:   "token",
		Short: "Mint a session token for local clients and smoke tests",
		RunE: func(cmd *cobra.Command, args []string) error {
			appConfig, err := config.Load(viper.GetViper())
			if err != nil {
				return err
			}
			issuer, err := auth.NewSessionIssuer(auth.SessionIssuerConfig{
				SigningSecret: []byte(appConfig.TAuthSigningKey),
				Issuer:        appConfig.TAuthIssuer,
				TokenTTL:      appConfig.TokenTTL,
			})
			if err != nil {
				return err
			}
			token, expiresAt, err := issuer.Issue(cmd.Context(), identity)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), token)
			fmt.Fprintf(cmd.ErrOrStderr(), "expires at %s\n", expiresAt.Format(time.RFC3339))
			return nil
		},
	}
	cmd.Flags().StringVar(&identity.UserID, "user-id", "", "User identifier to embed in the token")
	cmd.Flags().StringVar(&identity.Email, "email", "", "User email")
	cmd.Flags().StringVar(&identity.DisplayName, "display-name", "", "User display name")
	if err := cmd.MarkFlagRequired("user-id"); err != nil {
		panic(err)
	}
	return cmd
}

func runServer(ctx context.Context) error {
	appConfig, err := config.Load(viper.GetViper())
	if err != nil {
		return err
	}

	logger, err := logging.NewLogger(logging.Options{
		Level:    appConfig.LogLevel,
		Format:   appConfig.LogFormat,
		FilePath: appConfig.LogFile,
	})
	if err != nil {
		return err
	}
	defer logger.Sync() //nolint:errcheck

	db, err := database.OpenSQLite(appConfig.DatabasePath, logger)
	if err != nil {
		return err
	}
	sqlDB, err := db.DB()
	if err != nil {
		return err
	}
	defer sqlDB.Close()

	sessionValidator, err := auth.NewSessionValidator(auth.SessionValidatorConfig{
		SigningSecret: []byte(appConfig.TAuthSigningKey),
		Issuer:        appConfig.TAuthIssuer,
		CookieName:    appConfig.TAuthCookieName,
	})
	if err != nil {
		return err
	}

	userService, err := users.NewService(users.ServiceConfig{
		Database: db,
		Clock:    time.Now,
		Logger:   logger,
	})
	if err != nil {
		return err
	}

	backupService, err := backups.NewService(backups.ServiceConfig{
		Database:    db,
		Clock:       time.Now,
		IDProvider:  backups.NewUUIDProvider(),
		AccessGuard: userService.TierGuard(users.PrivacyTier.AllowsBackupSync),
		Logger:      logger,
	})
	if err != nil {
		return err
	}

	metricStore, err := metricstore.NewStore(metricstore.StoreConfig{
		Database: db,
		Clock:    time.Now,
		Guard:    userService.TierGuard(users.PrivacyTier.AllowsMetricSync),
		Logger:   logger,
	})
	if err != nil {
		return err
	}

	var collector *observability.Collector
	if appConfig.MetricsEnabled {
		collector = observability.NewCollector("")
	}

	handler, err := server.NewHTTPHandler(server.Dependencies{
		SessionValidator:  sessionValidator,
		Users:             userService,
		Backups:           backupService,
		Metrics:           metricStore,
		Collector:         collector,
		Realtime:          server.NewRealtimeDispatcher(),
		AllowedOrigins:    appConfig.AllowedOrigins,
		DefaultFetchLimit: appConfig.SyncDefaultLimit,
		Logger:            logger,
	})
	if err != nil {
		return err
	}

	httpServer := &http.Server{
		Addr:    appConfig.HTTPAddress,
		Handler: handler,
	}

	signalCtx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	errCh := make(chan error, 1)
	go func() {
		logger.Info("server starting",
			zap.String("address", appConfig.HTTPAddress),
			zap.String("session_cookie", sessionValidator.CookieName()),
			zap.Bool("metrics_enabled", collector != nil))
		err := httpServer.ListenAndServe()
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-signalCtx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		return httpServer.Shutdown(shutdownCtx)
	case err := <-errCh:
		return err
	}
}
