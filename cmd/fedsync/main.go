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

	"fedsync/internal/config"
	"fedsync/internal/constants"
	"fedsync/internal/database"
	"fedsync/internal/ephemeral"
	"fedsync/internal/federation"
	"fedsync/internal/notify"
	"fedsync/internal/retry"
	syncsvc "fedsync/internal/sync"
	"fedsync/internal/tracing"

	"github.com/benbjohnson/clock"
	"github.com/sirupsen/logrus"
)

var (
	// Version information (set at build time)
	Version   = "dev"
	BuildTime = "unknown"
	GitCommit = "unknown"

	// CLI flags
	verbose    = flag.Bool("verbose", false, "Enable verbose logging (includes sensitive information)")
	configPath = flag.String("config", "config.json", "Path to configuration file")
	version    = flag.Bool("version", false, "Show version information")
)

func main() {
	flag.Parse()

	if *version {
		fmt.Printf("fedsync %s\nBuild Time: %s\nGit Commit: %s\n", Version, BuildTime, GitCommit)
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
	}).Info("Starting fedsync")

	cfg, err := config.LoadConfig(*configPath)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	if *verbose {
		logger.SetLevel(logrus.DebugLevel)
		logger.Info("Verbose logging enabled - sensitive information will be logged")
	} else if cfg.LogLevel != "" {
		level, err := logrus.ParseLevel(cfg.LogLevel)
		if err != nil {
			logger.Warnf("Invalid log level %q, defaulting to info", cfg.LogLevel)
			logger.SetLevel(logrus.InfoLevel)
		} else {
			if level > logrus.InfoLevel {
				level = logrus.InfoLevel
			}
			logger.SetLevel(level)
		}
	} else {
		logger.SetLevel(logrus.InfoLevel)
	}

	// Initialize OpenTelemetry tracing
	tracingManager := tracing.NewTracingManager(tracing.TracingConfig{
		ServiceName:    cfg.Tracing.ServiceName,
		ServiceVersion: cfg.Tracing.ServiceVersion,
		Environment:    cfg.Tracing.Environment,
		OTLPEndpoint:   cfg.Tracing.OTLPEndpoint,
		SampleRate:     cfg.Tracing.SampleRate,
		Enabled:        cfg.Tracing.Enabled,
		UseStdout:      cfg.Tracing.UseStdout,
	}, logger)

	if err := tracingManager.Initialize(ctx); err != nil {
		logger.Warnf("Failed to initialize tracing: %v", err)
	}
	defer func() {
		if err := tracingManager.Shutdown(context.Background()); err != nil {
			logger.Warnf("Failed to shutdown tracing: %v", err)
		}
	}()

	// Initialize database with exponential backoff retry
	var db *database.Database
	dbBackoff := retry.NewBackoff(retry.BackoffConfig{
		InitialDelay: time.Duration(cfg.Retry.InitialBackoffMs) * time.Millisecond,
		MaxDelay:     time.Duration(cfg.Retry.MaxBackoffSec) * time.Second,
		Multiplier:   2.0,
		MaxAttempts:  constants.DefaultDatabaseRetryAttempts,
		Jitter:       true,
	})

	err = dbBackoff.Retry(ctx, func() error {
		var dbErr error
		db, dbErr = database.New(cfg.Database.Path)
		if dbErr != nil {
			logger.Warnf("Database initialization failed, retrying: %v", dbErr)
		}
		return dbErr
	})
	if err != nil {
		return fmt.Errorf("failed to initialize database after retries: %w", err)
	}
	defer db.Close()

	clk := clock.New()
	bus := notify.NewBus()

	store := ephemeral.NewStore(clk)
	sweeper := ephemeral.NewSweeper(
		store,
		bus,
		time.Duration(cfg.Ephemeral.SweepIntervalMs)*time.Millisecond,
		clk,
		logger,
	)
	go sweeper.Start(ctx)
	defer sweeper.Stop()

	builder := federation.NewBuilder(db, db, store, cfg.Server.Name, cfg.Sender.BatchLimit, clk)
	transport := federation.NewHTTPTransport(
		time.Duration(cfg.Sender.TransportTimeout)*time.Second,
		uint32(cfg.Sender.BreakerFailures), // #nosec G115 - validated positive
		time.Duration(cfg.Sender.BreakerResetSec)*time.Second,
		logger,
	)
	sender := federation.NewSender(db, builder, transport, federation.SenderConfig{
		Origin:            cfg.Server.Name,
		BatchLimit:        cfg.Sender.BatchLimit,
		FlushInterval:     time.Duration(cfg.Sender.FlushIntervalSec) * time.Second,
		DegradedThreshold: cfg.Sender.DegradedThreshold,
		Backoff: retry.BackoffConfig{
			InitialDelay: time.Duration(cfg.Retry.InitialBackoffMs) * time.Millisecond,
			MaxDelay:     time.Duration(cfg.Retry.MaxBackoffSec) * time.Second,
			Multiplier:   2.0,
			Jitter:       true,
		},
	}, clk, logger)

	if err := sender.Start(ctx); err != nil {
		return fmt.Errorf("failed to start federation sender: %w", err)
	}
	defer sender.Stop()

	coordinator := syncsvc.NewCoordinator(bus, db, store, noStoredEvents{}, clk, logger)

	server := NewServer(cfg, db, bus, store, sender, coordinator, clk, logger)

	serverErrCh := make(chan error, 1)
	go func() {
		if err := server.Start(); err != nil && err != http.ErrServerClosed {
			serverErrCh <- err
		}
	}()

	logger.WithField("server_name", cfg.Server.Name).Info("fedsync is running")

	select {
	case <-ctx.Done():
		logger.Info("Shutdown signal received")
	case err := <-serverErrCh:
		return fmt.Errorf("server error: %w", err)
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(),
		constants.DefaultGracefulShutdownSec*time.Second)
	defer cancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Errorf("Server shutdown error: %v", err)
	}

	logger.Info("fedsync stopped")
	return nil
}
