package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"github.com/stickaround/entitysync/internal/auth"
	"github.com/stickaround/entitysync/internal/config"
	"github.com/stickaround/entitysync/internal/database"
	"github.com/stickaround/entitysync/internal/logging"
	"github.com/stickaround/entitysync/internal/server"
	"github.com/stickaround/entitysync/internal/sync"
	"go.uber.org/zap"
)

var (
	cfgFile string
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "entitysyncd",
		Short: "EntitySync reconciliation daemon",
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
	cmd.PersistentFlags().String("account-id", defaults.GetString("account.id"), "Account the daemon serves")
	cmd.PersistentFlags().Int("sync-interval-seconds", defaults.GetInt("sync.interval_seconds"), "Seconds between reconciliation passes")
	cmd.PersistentFlags().Int("export-batch-size", defaults.GetInt("sync.export_batch_size"), "Maximum changes offered per export pass")
	cmd.PersistentFlags().Int("stale-queue-size", defaults.GetInt("sync.stale_queue_size"), "Buffered stale-mark queue capacity")
	cmd.PersistentFlags().Int("token-ttl-minutes", defaults.GetInt("token.ttl_minutes"), "Service token TTL in minutes")
	cmd.PersistentFlags().String("log-level", defaults.GetString("log.level"), "Log level (debug, info, warn, error)")
	cmd.PersistentFlags().String("signing-secret", "", "API signing secret (overrides env)")

	bindFlag(cmd, "http.address", "http-address")
	bindFlag(cmd, "database.path", "database-path")
	bindFlag(cmd, "account.id", "account-id")
	bindFlag(cmd, "sync.interval_seconds", "sync-interval-seconds")
	bindFlag(cmd, "sync.export_batch_size", "export-batch-size")
	bindFlag(cmd, "sync.stale_queue_size", "stale-queue-size")
	bindFlag(cmd, "token.ttl_minutes", "token-ttl-minutes")
	bindFlag(cmd, "log.level", "log-level")
	bindFlag(cmd, "auth.signing_secret", "signing-secret")
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

	syncStore, err := sync.NewStore(sync.StoreConfig{
		Database:   db,
		IDProvider: sync.NewUUIDProvider(),
		Logger:     logger,
	})
	if err != nil {
		return err
	}

	staleQueue := sync.NewStaleQueue(appConfig.StaleQueueSize)
	defer staleQueue.Close()

	syncService, err := sync.NewService(sync.ServiceConfig{
		Store:  syncStore,
		Queue:  staleQueue,
		Logger: logger,
	})
	if err != nil {
		return err
	}

	staleWorker, err := sync.NewStaleWorker(sync.StaleWorkerConfig{
		Queue:   staleQueue,
		Applier: syncStore,
		Logger:  logger,
	})
	if err != nil {
		return err
	}

	// Transports register their reconcilers here; the daemon itself only
	// runs the pass loop and the operator trigger.
	scheduler := sync.NewScheduler(sync.SchedulerConfig{
		Interval: appConfig.SyncInterval,
		Logger:   logger,
	})

	tokenManager, err := auth.NewTokenIssuer(auth.TokenIssuerConfig{
		SigningSecret: []byte(appConfig.SigningSecret),
		Issuer:        "entitysync-auth",
		Audience:      "entitysync-api",
		TokenTTL:      appConfig.TokenTTL,
	})
	if err != nil {
		return err
	}

	handler, err := server.NewHTTPHandler(server.Dependencies{
		SyncService:  syncService,
		TokenManager: tokenManager,
		Scheduler:    scheduler,
		Queue:        staleQueue,
		AccountID:    appConfig.AccountID,
		Logger:       logger,
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

	go staleWorker.Run(signalCtx)
	go scheduler.Run(signalCtx)

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
