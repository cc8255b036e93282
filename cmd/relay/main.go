package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"aquadrop/internal/config"
	"aquadrop/internal/relay"
	"aquadrop/internal/tracing"

	"github.com/sirupsen/logrus"
)

var (
	// Version information (set at build time)
	Version   = "dev"
	BuildTime = "unknown"
	GitCommit = "unknown"

	configPath = flag.String("config", "", "Path to configuration file (optional, environment is enough)")
	envPath    = flag.String("env", ".env", "Path to an optional .env file")
	version    = flag.Bool("version", false, "Show version information")
)

func main() {
	flag.Parse()

	if *version {
		fmt.Printf("AquaDrop relay %s\nBuild Time: %s\nGit Commit: %s\n", Version, BuildTime, GitCommit)
		os.Exit(0)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx); err != nil {
		logrus.Fatalf("Relay error: %v", err)
	}
}

func run(ctx context.Context) error {
	logger := logrus.New()
	logger.SetFormatter(&logrus.JSONFormatter{})

	if err := config.LoadDotEnv(*envPath); err != nil {
		return err
	}
	cfg, err := config.LoadRelayConfig(*configPath)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}
	if level, err := logrus.ParseLevel(cfg.LogLevel); err == nil {
		logger.SetLevel(level)
	}

	tc := tracing.DefaultConfig()
	tc.Enabled = cfg.Tracing.Enabled
	tc.UseStdout = cfg.Tracing.UseStdout
	tc.SampleRate = cfg.Tracing.SampleRate
	tc.ServiceName = cfg.Tracing.ServiceName + "-relay"
	tc.ServiceVersion = Version
	if cfg.Tracing.OTLPEndpoint != "" {
		tc.OTLPEndpoint = cfg.Tracing.OTLPEndpoint
	}
	provider := tracing.NewProvider(tc, logger)
	if err := provider.Start(ctx); err != nil {
		logger.Warnf("Failed to initialize tracing: %v", err)
	}
	defer func() {
		if err := provider.Shutdown(context.Background()); err != nil {
			logger.Warnf("Failed to shutdown tracing: %v", err)
		}
	}()

	rl, err := relay.New(cfg.Relay, nil, logger)
	if err != nil {
		return fmt.Errorf("failed to create relay: %w", err)
	}

	timeout := time.Duration(cfg.Relay.TimeoutSec) * time.Second
	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Relay.ListenPort),
		Handler:           rl.Router(),
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       30 * time.Second,
		// Room for every attempt plus the backoff between them.
		WriteTimeout: timeout*time.Duration(cfg.Relay.MaxAttempts) + 10*time.Second,
		IdleTimeout:  60 * time.Second,
	}

	logger.WithFields(logrus.Fields{
		"version":  Version,
		"port":     cfg.Relay.ListenPort,
		"prefixes": cfg.Relay.PathPrefixes,
	}).Info("Starting AquaDrop relay")

	serverErrCh := make(chan error, 1)
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
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
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("failed to shutdown relay gracefully: %w", err)
	}
	logger.Info("Relay shutdown completed")
	return nil
}
