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
	"go.uber.org/zap"

	"github.com/tasklane/signal-bridge/internal/audit"
	"github.com/tasklane/signal-bridge/internal/auth"
	"github.com/tasklane/signal-bridge/internal/banners"
	"github.com/tasklane/signal-bridge/internal/chat"
	"github.com/tasklane/signal-bridge/internal/config"
	"github.com/tasklane/signal-bridge/internal/connections"
	"github.com/tasklane/signal-bridge/internal/database"
	"github.com/tasklane/signal-bridge/internal/delivery"
	"github.com/tasklane/signal-bridge/internal/gateway"
	"github.com/tasklane/signal-bridge/internal/ids"
	"github.com/tasklane/signal-bridge/internal/linking"
	"github.com/tasklane/signal-bridge/internal/listener"
	"github.com/tasklane/signal-bridge/internal/logging"
	"github.com/tasklane/signal-bridge/internal/secrets"
	"github.com/tasklane/signal-bridge/internal/server"
)

var (
	cfgFile string
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "signal-bridge",
		Short: "TaskLane Signal messaging bridge",
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
	cmd.PersistentFlags().String("gateway-url", defaults.GetString("gateway.base_url"), "Signal gateway base URL")
	cmd.PersistentFlags().String("gateway-account", "", "Phone number of the gateway's Signal account")
	cmd.PersistentFlags().String("app-base-url", defaults.GetString("app.base_url"), "Main application base URL for deep links")
	cmd.PersistentFlags().String("signing-secret", "", "Session signing secret (overrides env)")
	cmd.PersistentFlags().String("crypto-key", "", "Hex-encoded 32-byte key for phone number storage")

	bindFlag(cmd, "http.address", "http-address")
	bindFlag(cmd, "database.path", "database-path")
	bindFlag(cmd, "log.level", "log-level")
	bindFlag(cmd, "gateway.base_url", "gateway-url")
	bindFlag(cmd, "gateway.account", "gateway-account")
	bindFlag(cmd, "app.base_url", "app-base-url")
	bindFlag(cmd, "auth.signing_secret", "signing-secret")
	bindFlag(cmd, "crypto.key", "crypto-key")
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

	cipher, err := secrets.NewKeyedCipher(appConfig.CipherKey)
	if err != nil {
		return err
	}

	gatewayClient, err := gateway.NewClient(gateway.ClientConfig{
		BaseURL: appConfig.GatewayBaseURL,
		Account: appConfig.GatewayAccount,
		Logger:  logger,
	})
	if err != nil {
		return err
	}

	idProvider := ids.NewUUIDProvider()

	bannerNotifier, err := banners.NewNotifier(banners.NotifierConfig{
		Database:   db,
		IDProvider: idProvider,
		Logger:     logger,
	})
	if err != nil {
		return err
	}

	connectionStore, err := connections.NewStore(connections.StoreConfig{
		Database:   db,
		Cipher:     cipher,
		IDProvider: idProvider,
		Notifier:   bannerNotifier,
		Clock:      time.Now,
		Logger:     logger,
	})
	if err != nil {
		return err
	}

	auditLog, err := audit.NewLog(audit.LogConfig{
		Database:   db,
		IDProvider: idProvider,
		Clock:      time.Now,
		Logger:     logger,
	})
	if err != nil {
		return err
	}

	tokenManager := auth.NewTokenIssuer(auth.TokenIssuerConfig{
		SigningSecret: []byte(appConfig.AuthSigningKey),
		Issuer:        appConfig.AuthIssuer,
		Audience:      "signal-bridge",
	})

	linkManager, err := linking.NewManager(linking.ManagerConfig{
		Gateway:     gatewayClient,
		Store:       connectionStore,
		LinkTimeout: appConfig.LinkTimeout,
		Clock:       time.Now,
		Logger:      logger,
	})
	if err != nil {
		return err
	}

	pipeline, err := delivery.NewPipeline(delivery.PipelineConfig{
		Gateway:    gatewayClient,
		Store:      connectionStore,
		Audit:      auditLog,
		AppBaseURL: appConfig.AppBaseURL,
		Retry: delivery.RetryPolicy{
			Initial:     appConfig.RetryInitial,
			Ceiling:     appConfig.RetryCeiling,
			MaxAttempts: appConfig.RetryMax,
		},
		Clock:  time.Now,
		Logger: logger,
	})
	if err != nil {
		return err
	}

	chatClient, err := chat.NewClient(chat.ClientConfig{
		BaseURL: appConfig.AppBaseURL,
		Tokens:  tokenManager,
		Logger:  logger,
	})
	if err != nil {
		return err
	}

	inbound, err := listener.New(listener.Config{
		Receive: func(streamCtx context.Context) <-chan gateway.InboundMessage {
			return gatewayClient.OpenReceiveStream(streamCtx, appConfig.GatewayAccount).Messages()
		},
		Replier: gatewayClient,
		Store:   connectionStore,
		Audit:   auditLog,
		Chat:    chatClient,
		Logger:  logger,
	})
	if err != nil {
		return err
	}

	handler, err := server.NewHTTPHandler(server.Dependencies{
		TokenManager: tokenManager,
		LinkManager:  linkManager,
		Store:        connectionStore,
		Banners:      bannerNotifier,
		Gateway:      gatewayClient,
		Pipeline:     pipeline,
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

	listenerCtx, cancelListener := context.WithCancel(context.Background())
	listenerDone := make(chan struct{})
	go func() {
		defer close(listenerDone)
		inbound.Run(listenerCtx)
	}()

	errCh := make(chan error, 1)
	go func() {
		logger.Info("server starting", zap.String("address", appConfig.HTTPAddress))
		err := httpServer.ListenAndServe()
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	shutdown := func() error {
		cancelListener()
		select {
		case <-listenerDone:
		case <-time.After(5 * time.Second):
			logger.Warn("inbound listener did not stop in time")
		}
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return httpServer.Shutdown(shutdownCtx)
	}

	select {
	case <-signalCtx.Done():
		return shutdown()
	case err := <-errCh:
		cancelListener()
		<-listenerDone
		return err
	}
}
