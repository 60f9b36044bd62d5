package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/climb-ledger/internal/app"
	"github.com/climb-ledger/internal/backup"
	"github.com/climb-ledger/internal/config"
	"github.com/climb-ledger/internal/domain"
	"github.com/climb-ledger/internal/handler"
	"github.com/climb-ledger/internal/kafka"
	"github.com/climb-ledger/internal/logging"
	"github.com/climb-ledger/internal/websocket"
	"github.com/climb-ledger/internal/worker"
)

func main() {
	// Parse command line flags
	configPath := flag.String("config", "config.yaml", "Path to configuration file")
	flag.Parse()

	// Load configuration
	cfg, err := config.Load(*configPath)
	configErr := err
	if err != nil {
		cfg = config.DefaultConfig()
	}

	// Setup structured logging
	logger, err := logging.New(&cfg.Log)
	if err != nil {
		fmt.Fprintf(os.Stderr, "invalid log configuration: %v\n", err)
		os.Exit(1)
	}
	slog.SetDefault(logger)
	if configErr != nil {
		logger.Warn("failed to load config file, using defaults", "error", configErr)
	}

	// Create context with cancellation
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	a, err := app.Open(ctx, cfg, logger, app.Options{Migrate: true})
	if err != nil {
		logger.Error("failed to initialize", "error", err)
		os.Exit(1)
	}
	defer a.Close()

	// Initialize WebSocket hub
	wsHub := websocket.NewHub(logger)
	wsHub.SetSnapshot(func(ctx context.Context, cup domain.Cup) ([]domain.Standing, error) {
		return a.Standings.Top(ctx, cup, 0)
	})
	go wsHub.Run()
	a.Standings.SetHub(wsHub)
	logger.Info("WebSocket hub initialized")

	// Load the standings cache from the store on startup (recovery)
	if err := a.Standings.Rebuild(ctx); err != nil {
		logger.Warn("failed to rebuild standings on startup", "error", err)
	}

	// Publish committed ledger changes
	var publisher *kafka.Publisher
	if cfg.Kafka.Enabled {
		publisher, err = kafka.NewPublisher(&cfg.Kafka, logger)
		if err != nil {
			logger.Warn("failed to create Kafka publisher, continuing without ledger events", "error", err)
		} else {
			a.AddScoreNotifier(publisher)
			logger.Info("Kafka publisher started", "topic", cfg.Kafka.EventsTopic)
		}
	}

	// Initialize Kafka consumer for judges' score submissions
	var kafkaConsumer *kafka.Consumer
	if cfg.Kafka.Enabled && cfg.Kafka.ConsumerEnabled {
		logger.Info("initializing Kafka consumer",
			"brokers", cfg.Kafka.Brokers,
			"topic", cfg.Kafka.SubmissionsTopic,
		)
		kafkaConsumer, err = kafka.NewConsumer(&cfg.Kafka, a.Ledger, logger)
		if err != nil {
			logger.Warn("failed to create Kafka consumer, continuing without Kafka", "error", err)
		} else if err := kafkaConsumer.Start(); err != nil {
			logger.Warn("failed to start Kafka consumer, continuing without Kafka", "error", err)
			kafkaConsumer = nil
		} else {
			logger.Info("Kafka consumer started successfully")
		}
	}

	// Scheduled backups
	var backups worker.BackupRunner
	if cfg.Backup.Enabled {
		objects, err := backup.NewS3Store(ctx, &cfg.Backup)
		if err != nil {
			logger.Warn("failed to configure backup storage, backups disabled", "error", err)
		} else {
			backups = backup.NewService(a.Store, objects, &cfg.Backup, logger)
		}
	}

	maintenance := worker.NewMaintenanceWorker(&cfg.Reconcile, &cfg.Backup, a.Ledger, a.Standings, backups, logger)
	if err := maintenance.Start(ctx); err != nil {
		logger.Error("failed to start maintenance worker", "error", err)
		os.Exit(1)
	}

	// Initialize HTTP handler with WebSocket hub
	httpHandler := handler.NewHandler(handler.Services{
		Ledger:    a.Ledger,
		Catalog:   a.Catalog,
		Directory: a.Directory,
		Auth:      a.Auth,
		Standings: a.Standings,
	}, a.Store, wsHub, logger)

	// Create HTTP server
	server := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:      httpHandler.Router(),
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}

	// Start server in goroutine
	go func() {
		logger.Info("starting HTTP server", "port", cfg.Server.Port, "storage", cfg.Storage.Driver)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("HTTP server error", "error", err)
			os.Exit(1)
		}
	}()

	// Wait for interrupt signal
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info("shutting down server...")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	// Stop accepting requests first so no new ledger writes start
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("failed to shutdown server", "error", err)
	}

	if kafkaConsumer != nil {
		if err := kafkaConsumer.Stop(); err != nil {
			logger.Error("failed to stop Kafka consumer", "error", err)
		}
	}

	if err := maintenance.Stop(); err != nil {
		logger.Error("failed to stop maintenance worker", "error", err)
	}

	if publisher != nil {
		if err := publisher.Close(); err != nil {
			logger.Error("failed to close Kafka publisher", "error", err)
		}
	}

	wsHub.Stop()
	cancel()

	logger.Info("server stopped")
}
