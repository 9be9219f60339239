package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/formvault/formvault/internal/audit"
	"github.com/formvault/formvault/internal/auth"
	"github.com/formvault/formvault/internal/config"
	"github.com/formvault/formvault/internal/database"
	"github.com/formvault/formvault/internal/keyring"
	"github.com/formvault/formvault/internal/logging"
	"github.com/formvault/formvault/internal/retention"
	"github.com/formvault/formvault/internal/secure"
	"github.com/formvault/formvault/internal/server"
	"github.com/formvault/formvault/internal/submissions"
	"github.com/formvault/formvault/internal/surveys"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"
)

var (
	cfgFile string
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "formvault-api",
		Short: "FormVault survey submission service",
		PreRunE: func(cmd *cobra.Command, args []string) error {
			return initConfig()
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServer(cmd.Context())
		},
	}

	setupFlags(rootCmd)

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func setupFlags(cmd *cobra.Command) {
	config.ApplyDefaults(viper.GetViper())
	defaults := config.NewViper()
	cmd.PersistentFlags().StringVar(&cfgFile, "config", "", "Path to configuration file")
	cmd.PersistentFlags().String("http-address", defaults.GetString("http.address"), "HTTP listen address")
	cmd.PersistentFlags().String("database-path", defaults.GetString("database.path"), "SQLite database path")
	cmd.PersistentFlags().String("log-level", defaults.GetString("log.level"), "Log level (debug, info, warn, error)")
	cmd.PersistentFlags().String("owner-id", defaults.GetString("auth.owner_id"), "Owner account identifier")
	cmd.PersistentFlags().Int("retention-default-days", defaults.GetInt("retention.default_days"), "Default retention window in days")
	cmd.PersistentFlags().String("signing-secret", "", "Token signing secret (overrides env)")
	cmd.PersistentFlags().String("cron-secret", "", "Retention trigger secret (overrides env)")

	bindFlag(cmd, "http.address", "http-address")
	bindFlag(cmd, "database.path", "database-path")
	bindFlag(cmd, "log.level", "log-level")
	bindFlag(cmd, "auth.owner_id", "owner-id")
	bindFlag(cmd, "retention.default_days", "retention-default-days")
	bindFlag(cmd, "auth.signing_secret", "signing-secret")
	bindFlag(cmd, "retention.cron_secret", "cron-secret")
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

func runServer(ctx context.Context) error {
	appConfig, err := config.Load(viper.GetViper())
	if err != nil {
		return err
	}

	logger, err := logging.NewLogger(appConfig.LogLevel)
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

	tokenManager, err := auth.NewTokenIssuer(auth.TokenIssuerConfig{
		SigningSecret: []byte(appConfig.SigningSecret),
		Issuer:        "formvault-auth",
		Audience:      "formvault-api",
	})
	if err != nil {
		return err
	}

	idProvider := submissions.NewUUIDProvider()

	trail, err := audit.NewTrail(audit.TrailConfig{
		IDProvider: idProvider,
		Logger:     logger,
	})
	if err != nil {
		return err
	}

	surveyService, err := surveys.NewService(surveys.ServiceConfig{
		Database:   db,
		Clock:      time.Now,
		IDProvider: idProvider,
		Audit:      trail,
		Logger:     logger,
	})
	if err != nil {
		return err
	}

	cipher := secure.NewCipher(keyring.NewRing(appConfig.EncryptionKeys))

	store, err := submissions.NewStore(submissions.StoreConfig{
		Database:   db,
		Cipher:     cipher,
		Audit:      trail,
		Clock:      time.Now,
		IDProvider: idProvider,
		Logger:     logger,
	})
	if err != nil {
		return err
	}

	enforcer, err := retention.NewEnforcer(store, logger)
	if err != nil {
		return err
	}

	handler, err := server.NewHTTPHandler(server.Dependencies{
		TokenManager:    tokenManager,
		Surveys:         surveyService,
		Submissions:     store,
		Enforcer:        enforcer,
		Audit:           trail,
		Database:        db,
		CronSecret:      appConfig.RetentionCronSecret,
		OwnerID:         appConfig.OwnerID,
		OwnerCredential: appConfig.OwnerCredential,
		Logger:          logger,
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
		logger.Info("server starting", zap.String("address", appConfig.HTTPAddress))
		err := httpServer.ListenAndServe()
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-signalCtx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return httpServer.Shutdown(shutdownCtx)
	case err := <-errCh:
		return err
	}
}
