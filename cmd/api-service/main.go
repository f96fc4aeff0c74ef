package main

import (
	"context"
	"fmt"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/cuongbtq/charisma-jobs/internal/api/handler"
	"github.com/cuongbtq/charisma-jobs/internal/api/router"
	"github.com/cuongbtq/charisma-jobs/internal/bootstrap"
	"github.com/cuongbtq/charisma-jobs/internal/queue"
	"github.com/cuongbtq/charisma-jobs/internal/worker"
	"github.com/gin-gonic/gin"
)

func main() {
	if err := run(); err != nil {
		log.Fatal(err)
	}
}

func run() error {
	cfg, err := bootstrap.LoadConfig("API_SERVICE_CONFIG_PATH", "configs/api-service/config.yaml")
	if err != nil {
		return err
	}

	if err := cfg.ValidateAPIConfig(); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}

	appLogger, err := bootstrap.NewLogger(&cfg.Logging)
	if err != nil {
		return fmt.Errorf("failed to initialize logger: %w", err)
	}

	appLogger.Info("Starting API service",
		slog.String("app", cfg.App.Name),
		slog.String("version", cfg.App.Version),
		slog.String("environment", cfg.App.Environment),
		slog.Bool("embedded_worker", cfg.Worker.Embedded),
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

	updates, err := bootstrap.NewFanout(cfg, appLogger.Logger)
	if err != nil {
		return err
	}
	defer updates.Close()
	updates.Run(ctx)

	var dispatcher queue.Dispatcher = queue.NewBrokerDispatcher(rabbitClient)
	var embedded *worker.Worker
	if cfg.Worker.Embedded {
		// in-process pool is woken directly; remote workers still get the broker signal
		embedded = bootstrap.NewWorker(cfg, store, updates.Hub, nil, appLogger.Logger)
		dispatcher = queue.MultiDispatcher(dispatcher, embedded)
	}

	svc := queue.NewService(store, updates.Hub, dispatcher, queue.Options{
		DefaultMaxRetries: cfg.Queue.DefaultMaxRetries,
	}, appLogger.Logger)

	if embedded != nil {
		svc.SetInterrupter(embedded)

		go func() {
			if err := embedded.Start(ctx); err != nil {
				appLogger.Error("Embedded worker failed", slog.Any("error", err))
			}
		}()
		go bootstrap.NewSweeper(cfg, store, updates.Hub, appLogger.Logger).Run(ctx)
	}

	r := initRouter(cfg.App.Environment, &handler.Dependencies{
		Logger:  appLogger.Logger,
		Jobs:    svc,
		Updates: updates.Hub,
		Health:  dbClient,
		Sockets: handler.NewSocketHandler(updates.Hub, appLogger.Logger),
		Service: cfg.App.Name,
	})

	addr := fmt.Sprintf(":%d", cfg.Server.Port)
	srv := &http.Server{
		Addr:         addr,
		Handler:      r,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}

	appLogger.Info("Starting HTTP server",
		slog.String("address", addr),
		slog.Duration("read_timeout", cfg.Server.ReadTimeout),
		slog.Duration("write_timeout", cfg.Server.WriteTimeout),
	)

	serverErr := make(chan error, 1)
	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			serverErr <- err
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-quit:
		appLogger.Info("Shutting down server...", slog.String("signal", sig.String()))
	case err := <-serverErr:
		appLogger.Error("Server failed to start", slog.Any("error", err))
		return err
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer shutdownCancel()

	// push connections are hijacked and not tracked by Shutdown
	updates.Hub.Close()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		appLogger.Error("Server forced to shutdown", slog.Any("error", err))
	}

	if embedded != nil {
		embedded.Stop()
	}
	cancel()

	appLogger.Info("Server shutdown complete")
	return nil
}

// initRouter sets the Gin mode for the environment and builds the router
func initRouter(environment string, deps *handler.Dependencies) *gin.Engine {
	if environment == "production" {
		gin.SetMode(gin.ReleaseMode)
	} else {
		gin.SetMode(gin.DebugMode)
	}

	return router.SetupRouter(deps)
}
