package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/MarcoPoloResearchLab/postsync/internal/auth"
	"github.com/MarcoPoloResearchLab/postsync/internal/comments"
	"github.com/MarcoPoloResearchLab/postsync/internal/config"
	"github.com/MarcoPoloResearchLab/postsync/internal/database"
	"github.com/MarcoPoloResearchLab/postsync/internal/logging"
	"github.com/MarcoPoloResearchLab/postsync/internal/optimistic"
	"github.com/MarcoPoloResearchLab/postsync/internal/placeholder"
	"github.com/MarcoPoloResearchLab/postsync/internal/posts"
	"github.com/MarcoPoloResearchLab/postsync/internal/records"
	"github.com/MarcoPoloResearchLab/postsync/internal/remote"
	"github.com/MarcoPoloResearchLab/postsync/internal/server"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"
)

const shutdownTimeout = 10 * time.Second

var (
	cfgFile string
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "postsync",
		Short: "Optimistic cache gateway for a posts and comments REST API",
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return initConfig()
		},
	}

	setupFlags(rootCmd)

	rootCmd.AddCommand(&cobra.Command{
		Use:   "serve",
		Short: "Run the caching gateway in front of the remote API",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runGateway(cmd.Context())
		},
	})
	rootCmd.AddCommand(&cobra.Command{
		Use:   "placeholder",
		Short: "Run the seeded JSONPlaceholder-compatible fixture API",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runPlaceholder(cmd.Context())
		},
	})

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func setupFlags(cmd *cobra.Command) {
	config.ApplyDefaults(viper.GetViper())
	defaults := config.NewViper()
	cmd.PersistentFlags().StringVar(&cfgFile, "config", "", "Path to configuration file")
	cmd.PersistentFlags().String("http-address", defaults.GetString("http.address"), "Gateway listen address")
	cmd.PersistentFlags().String("remote-base-url", defaults.GetString("remote.base_url"), "Base URL of the remote REST API")
	cmd.PersistentFlags().Int("remote-timeout-seconds", defaults.GetInt("remote.timeout_seconds"), "Timeout of one remote request")
	cmd.PersistentFlags().String("remote-signing-secret", "", "Secret used to sign bearer tokens for the remote API")
	cmd.PersistentFlags().Int64("post-threshold", defaults.GetInt64("identity.post_threshold"), "Highest post id assigned by the remote API")
	cmd.PersistentFlags().Int64("comment-threshold", defaults.GetInt64("identity.comment_threshold"), "Highest comment id assigned by the remote API")
	cmd.PersistentFlags().String("log-level", defaults.GetString("log.level"), "Log level (debug, info, warn, error)")
	cmd.PersistentFlags().String("log-file", "", "Rotating log file (stderr when empty)")
	cmd.PersistentFlags().String("placeholder-address", defaults.GetString("placeholder.address"), "Fixture API listen address")
	cmd.PersistentFlags().String("placeholder-database-path", defaults.GetString("placeholder.database_path"), "Fixture SQLite database path")
	cmd.PersistentFlags().String("placeholder-signing-secret", "", "Require bearer tokens signed with this secret on the fixture API")
	cmd.PersistentFlags().Bool("placeholder-fail-writes", false, "Make every fixture write fail with 500")

	bindFlag(cmd, "http.address", "http-address")
	bindFlag(cmd, "remote.base_url", "remote-base-url")
	bindFlag(cmd, "remote.timeout_seconds", "remote-timeout-seconds")
	bindFlag(cmd, "remote.signing_secret", "remote-signing-secret")
	bindFlag(cmd, "identity.post_threshold", "post-threshold")
	bindFlag(cmd, "identity.comment_threshold", "comment-threshold")
	bindFlag(cmd, "log.level", "log-level")
	bindFlag(cmd, "log.file", "log-file")
	bindFlag(cmd, "placeholder.address", "placeholder-address")
	bindFlag(cmd, "placeholder.database_path", "placeholder-database-path")
	bindFlag(cmd, "placeholder.signing_secret", "placeholder-signing-secret")
	bindFlag(cmd, "placeholder.fail_writes", "placeholder-fail-writes")
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

func runGateway(ctx context.Context) error {
	appConfig, err := config.Load(viper.GetViper())
	if err != nil {
		return err
	}

	logger, err := logging.NewLogger(appConfig.LogLevel, appConfig.LogFile)
	if err != nil {
		return err
	}
	defer logger.Sync() //nolint:errcheck

	remoteConfig := remote.Config{
		BaseURL: appConfig.RemoteBaseURL,
		Timeout: appConfig.RemoteTimeout,
		Logger:  logger,
	}
	if appConfig.RemoteSigningSecret != "" {
		tokens, err := newTokenIssuer(appConfig.RemoteSigningSecret)
		if err != nil {
			return err
		}
		remoteConfig.Tokens = tokens
	}
	client, err := remote.NewHTTPClient(remoteConfig)
	if err != nil {
		return err
	}

	postClassifier, err := records.NewClassifier(appConfig.PostThreshold)
	if err != nil {
		return err
	}
	commentClassifier, err := records.NewClassifier(appConfig.CommentThreshold)
	if err != nil {
		return err
	}

	dispatcher := optimistic.NewDispatcher()
	postStore, err := posts.NewStore(posts.StoreConfig{
		Remote:     client,
		Classifier: &postClassifier,
		Dispatcher: dispatcher,
		Logger:     logger,
	})
	if err != nil {
		return err
	}
	commentStore, err := comments.NewStore(comments.StoreConfig{
		Remote:     client,
		Classifier: &commentClassifier,
		Dispatcher: dispatcher,
		Logger:     logger,
	})
	if err != nil {
		return err
	}

	handler, err := server.NewHTTPHandler(server.Dependencies{
		Posts:    postStore,
		Comments: commentStore,
		Logger:   logger,
	})
	if err != nil {
		return err
	}

	return serveHTTP(ctx, logger, "gateway", appConfig.HTTPAddress, handler)
}

func runPlaceholder(ctx context.Context) error {
	appConfig, err := config.Load(viper.GetViper())
	if err != nil {
		return err
	}

	logger, err := logging.NewLogger(appConfig.LogLevel, appConfig.LogFile)
	if err != nil {
		return err
	}
	defer logger.Sync() //nolint:errcheck

	db, err := database.OpenSQLite(appConfig.PlaceholderDatabasePath, logger)
	if err != nil {
		return err
	}
	sqlDB, err := db.DB()
	if err != nil {
		return err
	}
	defer sqlDB.Close()

	deps := placeholder.Dependencies{
		DB:         db,
		FailWrites: appConfig.PlaceholderFailWrites,
		Logger:     logger,
	}
	if appConfig.PlaceholderSigningSecret != "" {
		validator, err := newTokenIssuer(appConfig.PlaceholderSigningSecret)
		if err != nil {
			return err
		}
		deps.Tokens = validator
	}

	handler, err := placeholder.NewHTTPHandler(deps)
	if err != nil {
		return err
	}

	return serveHTTP(ctx, logger, "placeholder", appConfig.PlaceholderAddress, handler)
}

func newTokenIssuer(secret string) (*auth.TokenIssuer, error) {
	return auth.NewTokenIssuer(auth.TokenIssuerConfig{
		SigningSecret: []byte(secret),
		Issuer:        auth.DefaultIssuer,
		Audience:      auth.DefaultAudience,
		TokenTTL:      auth.DefaultTokenTTL,
	})
}

func serveHTTP(ctx context.Context, logger *zap.Logger, name, address string, handler http.Handler) error {
	httpServer := &http.Server{
		Addr:    address,
		Handler: handler,
	}

	signalCtx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	errCh := make(chan error, 1)
	go func() {
		logger.Info("server starting", zap.String("server", name), zap.String("address", address))
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
