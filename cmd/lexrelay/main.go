package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"lexrelay/internal/config"
	"lexrelay/internal/constants"
	"lexrelay/internal/models"
	"lexrelay/internal/queue"
	"lexrelay/internal/realtime"
	"lexrelay/internal/retry"
	"lexrelay/internal/service"
	"lexrelay/internal/store"
	"lexrelay/internal/tracing"
	"lexrelay/pkg/provider/cloud"
	"lexrelay/pkg/provider/gateway"
	"lexrelay/pkg/provider/hub"
	"lexrelay/pkg/provider/types"

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
		fmt.Printf("LexRelay %s\nBuild Time: %s\nGit Commit: %s\n", Version, BuildTime, GitCommit)
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
	}).Info("Starting LexRelay")

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
	tracingManager := tracing.NewManager(tracing.Config{
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

	// Open the store with exponential backoff retry; SQLite may be briefly
	// locked while a previous instance drains.
	var st *store.Store
	backoff := retry.NewBackoff(retry.BackoffConfig{
		InitialDelay: time.Duration(cfg.Retry.InitialBackoffMs) * time.Millisecond,
		MaxDelay:     time.Duration(cfg.Retry.MaxBackoffMs) * time.Millisecond,
		Multiplier:   2.0,
		MaxAttempts:  constants.DefaultStoreRetryAttempts,
		Jitter:       true,
	})
	err = backoff.Retry(ctx, func() error {
		var openErr error
		st, openErr = store.New(cfg.Store.Path)
		if openErr != nil {
			logger.Warnf("Failed to open store: %v", openErr)
		}
		return openErr
	})
	if err != nil {
		return fmt.Errorf("failed to open store after retries: %w", err)
	}
	defer st.Close()

	adapters := buildAdapters(cfg)
	if len(adapters) == 0 {
		return fmt.Errorf("no providers configured")
	}
	registry := service.NewAdapterRegistry(st, adapters...)

	events := realtime.NewHub(logger)

	pollAttempts := cfg.Connect.PollAttempts
	if pollAttempts <= 0 {
		pollAttempts = constants.DefaultConnectPollAttempts
	}
	pollInterval := time.Duration(cfg.Connect.PollIntervalSec) * time.Second
	if pollInterval <= 0 {
		pollInterval = time.Duration(constants.DefaultConnectPollIntervalSec) * time.Second
	}
	sessions := service.NewSessionService(st, registry, events, logger, pollAttempts, pollInterval)

	responder := service.NewHTTPResponder(cfg.AI.BaseURL, time.Duration(cfg.AI.TimeoutSec)*time.Second)
	docGenerator := service.NewHTTPDocumentGenerator(cfg.Documents.BaseURL, time.Duration(cfg.Documents.TimeoutSec)*time.Second)

	pollIntervalMs := cfg.Queues.PollIntervalMs
	if pollIntervalMs <= 0 {
		pollIntervalMs = constants.DefaultQueuePollIntervalMs
	}
	queuePoll := time.Duration(pollIntervalMs) * time.Millisecond

	outgoingQueue := queue.New(st, queue.Options{
		Name:         models.QueueOutgoing,
		MaxAttempts:  cfg.Queues.Outgoing.MaxAttempts,
		BackoffBase:  time.Duration(cfg.Queues.Outgoing.BackoffBaseMs) * time.Millisecond,
		Concurrency:  cfg.Queues.Outgoing.Concurrency,
		PollInterval: queuePoll,
	}, service.NewOutgoingWorker(registry, logger,
		time.Duration(constants.DefaultProviderTimeoutSec)*time.Second).Handle, logger)

	incomingQueue := queue.New(st, queue.Options{
		Name:         models.QueueIncoming,
		MaxAttempts:  cfg.Queues.Incoming.MaxAttempts,
		BackoffBase:  time.Duration(cfg.Queues.Incoming.BackoffBaseMs) * time.Millisecond,
		Concurrency:  cfg.Queues.Incoming.Concurrency,
		PollInterval: queuePoll,
	}, service.NewIncomingWorker(responder, outgoingQueue, st, logger).Handle, logger)

	documentQueue := queue.New(st, queue.Options{
		Name:         models.QueueDocument,
		MaxAttempts:  cfg.Queues.Document.MaxAttempts,
		BackoffBase:  time.Duration(cfg.Queues.Document.BackoffBaseMs) * time.Millisecond,
		Concurrency:  cfg.Queues.Document.Concurrency,
		PollInterval: queuePoll,
	}, service.NewDocumentWorker(docGenerator, st, logger).Handle, logger)

	for _, q := range []*queue.Queue{incomingQueue, outgoingQueue, documentQueue} {
		q.Start(ctx)
		defer q.Stop()
	}
	logger.Info("Queue workers started")

	server := NewServer(cfg, ServerDeps{
		Sessions:      sessions,
		IncomingQueue: incomingQueue,
		DocumentQueue: documentQueue,
		Store:         st,
		Events:        events,
		Logger:        logger,
	})

	serverErrCh := make(chan error, constants.ServerErrorChannelSize)
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

	shutdownCtx, cancel := context.WithTimeout(context.Background(), time.Duration(constants.DefaultGracefulShutdownSec)*time.Second)
	defer cancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("failed to shutdown server gracefully: %w", err)
	}

	logger.Info("Server shutdown completed")
	return nil
}

// buildAdapters instantiates a client for each provider family with a
// base URL configured.
func buildAdapters(cfg *models.Config) []types.Adapter {
	var adapters []types.Adapter
	if cfg.Providers.Cloud.BaseURL != "" {
		adapters = append(adapters, cloud.NewClient(cloud.ClientConfig{
			BaseURL:     cfg.Providers.Cloud.BaseURL,
			AccessToken: cfg.Providers.Cloud.AccessToken,
			Timeout:     time.Duration(cfg.Providers.Cloud.TimeoutSec) * time.Second,
		}))
	}
	if cfg.Providers.Gateway.BaseURL != "" {
		adapters = append(adapters, gateway.NewClient(gateway.ClientConfig{
			BaseURL:    cfg.Providers.Gateway.BaseURL,
			APIKey:     cfg.Providers.Gateway.APIKey,
			WebhookURL: cfg.Providers.Gateway.WebhookURL,
			Timeout:    time.Duration(cfg.Providers.Gateway.TimeoutSec) * time.Second,
		}))
	}
	if cfg.Providers.Hub.BaseURL != "" {
		adapters = append(adapters, hub.NewClient(hub.ClientConfig{
			BaseURL:    cfg.Providers.Hub.BaseURL,
			AdminToken: cfg.Providers.Hub.AdminToken,
			WebhookURL: cfg.Providers.Hub.WebhookURL,
			Timeout:    time.Duration(cfg.Providers.Hub.TimeoutSec) * time.Second,
		}))
	}
	return adapters
}
