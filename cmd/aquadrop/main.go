package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"aquadrop/internal/config"
	"aquadrop/internal/constants"
	"aquadrop/internal/database"
	"aquadrop/internal/models"
	"aquadrop/internal/retry"
	"aquadrop/internal/service"
	"aquadrop/internal/tracing"
	"aquadrop/pkg/backend"
	"aquadrop/pkg/pusher"

	"github.com/sirupsen/logrus"
)

var (
	// Version information (set at build time)
	Version   = "dev"
	BuildTime = "unknown"
	GitCommit = "unknown"

	// CLI flags
	verbose    = flag.Bool("verbose", false, "Enable verbose logging (includes message bodies)")
	configPath = flag.String("config", "config.json", "Path to configuration file")
	envPath    = flag.String("env", ".env", "Path to an optional .env file")
	version    = flag.Bool("version", false, "Show version information")
)

const (
	resyncTimeout   = 30 * time.Second
	cleanupInterval = 6 * time.Hour
)

func main() {
	flag.Parse()

	if *version {
		fmt.Printf("AquaDrop agent %s\nBuild Time: %s\nGit Commit: %s\n", Version, BuildTime, GitCommit)
		os.Exit(0)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx); err != nil {
		logrus.Fatalf("Application error: %v", err)
	}
}

func run(ctx context.Context) error {
	logger := logrus.New()
	logger.SetFormatter(&logrus.JSONFormatter{})

	logger.WithFields(logrus.Fields{
		"version": Version,
		"build":   BuildTime,
		"commit":  GitCommit,
	}).Info("Starting AquaDrop agent")

	if err := config.LoadDotEnv(*envPath); err != nil {
		return err
	}
	cfg, err := config.LoadConfig(*configPath)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}
	applyLogLevel(logger, cfg.LogLevel, *verbose)
	ctx = service.WithVerbose(ctx, *verbose)

	provider := tracing.NewProvider(tracingConfig(cfg), logger)
	if err := provider.Start(ctx); err != nil {
		logger.Warnf("Failed to initialize tracing: %v", err)
	}
	defer func() {
		if err := provider.Shutdown(context.Background()); err != nil {
			logger.Warnf("Failed to shutdown tracing: %v", err)
		}
	}()

	db, err := openDatabase(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer db.Close()

	if n, err := db.MarkInterruptedSends(ctx); err != nil {
		logger.WithError(err).Warn("Failed to mark interrupted sends")
	} else if n > 0 {
		logger.WithField(service.LogFieldCount, n).Info("Marked sends interrupted by the last shutdown as failed")
	}
	go runCleanup(ctx, db, cfg.RetentionDays, logger)

	client := pusher.NewClient(pusherOptions(cfg, logger))
	channels := service.NewChannelManager(ctx, client, logger)
	dispatcher := service.NewDispatcher(logger)
	client.OnEvent(dispatcher.HandleTransportEvent)
	client.OnError(func(err error) {
		logger.WithError(err).Warn("Realtime connection error")
	})

	api := backend.NewClientWithLogger(cfg.Backend.APIBaseURL, cfg.Backend.APIToken,
		&http.Client{Timeout: time.Duration(cfg.Backend.TimeoutSec) * time.Second}, logger)
	msgCfg := messageServiceConfig(cfg.Chat)
	messages := service.NewMessageService(msgCfg, api, db, logger)
	defer messages.Close()

	chat := service.NewScope(ctx)
	defer chat.Close()
	handle, err := chat.Acquire(channels, cfg.Chat.Channel)
	if err != nil {
		return fmt.Errorf("failed to claim chat channel: %w", err)
	}
	handle.OnError(func(err error) {
		logger.WithError(err).WithField(service.LogFieldChannel, cfg.Chat.Channel).Error("Chat channel subscription failed")
	})
	if _, err := chat.On(dispatcher, handle, service.AnyEvent, messages.HandleEvent); err != nil {
		return fmt.Errorf("failed to bind chat events: %w", err)
	}

	client.OnStateChange(func(prev, next pusher.State) {
		if next == pusher.StateConnected && prev != pusher.StateConnected {
			go resync(ctx, messages, logger)
		}
	})

	orders := newOrderWatcher(ctx, channels, dispatcher, db, msgCfg.MergeOptions(), logger)
	defer orders.Close()
	orders.Apply(cfg.Orders.Watch, nil)

	monitor := service.NewDeliveryMonitor(db, client,
		time.Duration(cfg.Chat.MonitorEverySec)*time.Second,
		time.Duration(cfg.Chat.StalePendingSec)*time.Second, logger)
	go monitor.Start(ctx)
	defer monitor.Stop()

	if _, err := os.Stat(*configPath); err == nil {
		watcher := config.NewWatcher(*configPath, cfg, 0, logger)
		watcher.OnChange(func(old, next *models.Config) {
			applyLogLevel(logger, next.LogLevel, *verbose)
			orders.Apply(config.DiffWatched(old.Orders.Watch, next.Orders.Watch))
		})
		go watcher.Run(ctx)
	}

	if err := client.Connect(ctx); err != nil {
		return fmt.Errorf("failed to start realtime connection: %w", err)
	}
	defer client.Disconnect()

	server := NewServer(cfg.Server, messages, orders, client, db, logger)
	serverErrCh := make(chan error, 1)
	go func() {
		if err := server.Start(); err != nil {
			serverErrCh <- fmt.Errorf("server error: %w", err)
		}
	}()

	select {
	case <-ctx.Done():
		logger.Info("Received shutdown signal")
	case err := <-serverErrCh:
		logger.Error(err)
		return err
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), time.Duration(cfg.Server.ShutdownTimeoutSec)*time.Second)
	defer cancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("failed to shutdown server gracefully: %w", err)
	}

	logger.Info("Server shutdown completed")
	return nil
}

// applyLogLevel sets the configured level. Verbose forces debug; otherwise
// the level is capped at info so message bodies stay out of the logs.
func applyLogLevel(logger *logrus.Logger, name string, verbose bool) {
	if verbose {
		logger.SetLevel(logrus.DebugLevel)
		return
	}
	if name == "" {
		logger.SetLevel(logrus.InfoLevel)
		return
	}
	level, err := logrus.ParseLevel(name)
	if err != nil {
		logger.Warnf("Invalid log level %q, defaulting to info", name)
		logger.SetLevel(logrus.InfoLevel)
		return
	}
	if level > logrus.InfoLevel {
		level = logrus.InfoLevel
	}
	logger.SetLevel(level)
}

func tracingConfig(cfg *models.Config) tracing.Config {
	tc := tracing.DefaultConfig()
	tc.Enabled = cfg.Tracing.Enabled
	tc.UseStdout = cfg.Tracing.UseStdout
	tc.SampleRate = cfg.Tracing.SampleRate
	if cfg.Tracing.ServiceName != "" {
		tc.ServiceName = cfg.Tracing.ServiceName
	}
	if cfg.Tracing.ServiceVersion != "" {
		tc.ServiceVersion = cfg.Tracing.ServiceVersion
	} else {
		tc.ServiceVersion = Version
	}
	if cfg.Tracing.Environment != "" {
		tc.Environment = cfg.Tracing.Environment
	}
	if cfg.Tracing.OTLPEndpoint != "" {
		tc.OTLPEndpoint = cfg.Tracing.OTLPEndpoint
	}
	return tc
}

func pusherOptions(cfg *models.Config, logger *logrus.Logger) pusher.Options {
	reconnect := retry.DefaultBackoffConfig()
	reconnect.InitialDelay = time.Duration(cfg.Retry.InitialBackoffMs) * time.Millisecond
	reconnect.MaxDelay = time.Duration(cfg.Retry.MaxBackoffMs) * time.Millisecond
	reconnect.MaxAttempts = cfg.Retry.MaxAttempts

	opts := pusher.Options{
		AppKey:           cfg.Pusher.AppKey,
		Cluster:          cfg.Pusher.Cluster,
		Host:             cfg.Pusher.Host,
		Port:             cfg.Pusher.Port,
		UseTLS:           cfg.Pusher.TLSEnabled(),
		ActivityTimeout:  time.Duration(cfg.Pusher.ActivityTimeoutSec) * time.Second,
		PongTimeout:      time.Duration(cfg.Pusher.PongTimeoutSec) * time.Second,
		HandshakeTimeout: time.Duration(constants.DefaultConnectHandshakeSec) * time.Second,
		Reconnect:        reconnect,
		Logger:           logger,
	}
	if cfg.Pusher.AuthEndpoint != "" {
		opts.Authorizer = pusher.NewHTTPAuthorizer(cfg.Pusher.AuthEndpoint, cfg.Backend.APIToken,
			time.Duration(cfg.Backend.TimeoutSec)*time.Second)
	}
	return opts
}

func messageServiceConfig(chat models.ChatConfig) service.MessageServiceConfig {
	cfg := service.DefaultMessageServiceConfig(chat.UserID)
	if chat.SendTimeoutSec > 0 {
		cfg.SendTimeout = time.Duration(chat.SendTimeoutSec) * time.Second
	}
	if chat.EchoWindowSec > 0 {
		cfg.EchoWindow = time.Duration(chat.EchoWindowSec) * time.Second
	}
	if chat.DedupBucketSec > 0 {
		cfg.DedupBucket = time.Duration(chat.DedupBucketSec) * time.Second
	}
	if chat.BreakerFailures > 0 {
		cfg.BreakerFailures = uint32(chat.BreakerFailures) // #nosec G115 - positive config value
	}
	if chat.BreakerCooldownS > 0 {
		cfg.BreakerCooldown = time.Duration(chat.BreakerCooldownS) * time.Second
	}
	return cfg
}

// openDatabase opens the store, retrying while the file is locked by a
// previous instance that is still shutting down.
func openDatabase(ctx context.Context, cfg *models.Config, logger *logrus.Logger) (*database.Database, error) {
	var db *database.Database
	backoff := retry.NewBackoff(retry.BackoffConfig{
		Strategy:     retry.Exponential,
		InitialDelay: time.Duration(constants.DefaultDatabaseRetryBackoffMs) * time.Millisecond,
		MaxDelay:     time.Duration(constants.DefaultDatabaseMaxBackoffMs) * time.Millisecond,
		Multiplier:   2.0,
		MaxAttempts:  constants.DefaultDatabaseRetryAttempts,
		Jitter:       true,
	})
	err := backoff.Retry(ctx, func() error {
		var initErr error
		db, initErr = database.New(cfg.Database.Path)
		if initErr != nil {
			logger.Warnf("Failed to initialize database: %v", initErr)
		}
		return initErr
	})
	if err != nil {
		return nil, fmt.Errorf("failed to initialize database after retries: %w", err)
	}
	return db, nil
}

// ConversationSyncer catches conversations up with the backend
type ConversationSyncer interface {
	Conversations() []string
	Sync(ctx context.Context, conversationID string) (int, error)
}

// resync fetches what was missed while the connection was down
func resync(ctx context.Context, s ConversationSyncer, logger *logrus.Logger) {
	ctx, cancel := context.WithTimeout(ctx, resyncTimeout)
	defer cancel()
	for _, id := range s.Conversations() {
		n, err := s.Sync(ctx, id)
		if err != nil {
			logger.WithError(err).WithField(service.LogFieldConversationID, id).Warn("Failed to sync conversation after reconnect")
			continue
		}
		if n > 0 {
			logger.WithFields(logrus.Fields{
				service.LogFieldConversationID: id,
				service.LogFieldCount:          n,
			}).Info("Conversation caught up after reconnect")
		}
	}
}

// RecordCleaner drops old rows
type RecordCleaner interface {
	CleanupOldRecords(ctx context.Context, retentionDays int) (int64, error)
}

func runCleanup(ctx context.Context, db RecordCleaner, retentionDays int, logger *logrus.Logger) {
	cleanup := func() {
		n, err := db.CleanupOldRecords(ctx, retentionDays)
		if err != nil {
			if ctx.Err() == nil {
				logger.WithError(err).Warn("Failed to clean up old records")
			}
			return
		}
		if n > 0 {
			logger.WithField(service.LogFieldCount, n).Info("Cleaned up old records")
		}
	}

	cleanup()
	ticker := time.NewTicker(cleanupInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			cleanup()
		}
	}
}
