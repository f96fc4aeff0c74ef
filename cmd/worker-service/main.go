package main

import (
	"context"
	"fmt"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/cuongbtq/charisma-jobs/internal/bootstrap"
)

func main() {
	if err := run(); err != nil {
		log.Fatal(err)
	}
}

func run() error {
	cfg, err := bootstrap.LoadConfig("WORKER_SERVICE_CONFIG_PATH", "configs/worker-service/config.yaml")
	if err != nil {
		return err
	}

	if err := cfg.ValidateWorkerConfig(); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}

	appLogger, err := bootstrap.NewLogger(&cfg.Logging)
	if err != nil {
		return fmt.Errorf("failed to initialize logger: %w", err)
	}

	appLogger.Info("Starting worker service",
		slog.String("app", cfg.App.Name),
		slog.String("version", cfg.App.Version),
		slog.String("environment", cfg.App.Environment),
	)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	dbClient, store, err := bootstrap.NewStore(ctx, &cfg.Database, appLogger.Logger)
	if err != nil {
		return err
	}
	defer dbClient.Close()

	appLogger.Info("Database connection established")

	rabbitClient, err := bootstrap.NewRabbitMQ(&cfg.RabbitMQ, appLogger.Logger)
	if err != nil {
		return fmt.Errorf("failed to initialize RabbitMQ: %w", err)
	}
	defer rabbitClient.Close()

	appLogger.Info("RabbitMQ connection established")

	// updates published here reach API instances through the Redis relay
	updates, err := bootstrap.NewFanout(cfg, appLogger.Logger)
	if err != nil {
		return err
	}
	defer updates.Close()
	updates.Run(ctx)

	workerInstance := bootstrap.NewWorker(cfg, store, updates.Hub, rabbitClient, appLogger.Logger)
	sweeper := bootstrap.NewSweeper(cfg, store, updates.Hub, appLogger.Logger)

	errChan := make(chan error, 1)
	go func() {
		if err := workerInstance.Start(ctx); err != nil {
			errChan <- err
		}
	}()
	go sweeper.Run(ctx)

	appLogger.Info("Worker service started successfully",
		slog.String("worker_id", workerInstance.ID()),
	)

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-quit:
		appLogger.Info("Received signal, shutting down gracefully",
			slog.String("signal", sig.String()),
		)
	case err := <-errChan:
		appLogger.Error("Worker error", slog.Any("error", err))
		return err
	}

	// Stop waits up to the shutdown timeout, then releases unfinished jobs
	workerInstance.Stop()
	cancel()

	appLogger.Info("Worker service shutdown complete")
	return nil
}
