// Package bootstrap builds the infrastructure clients and job components shared
// by the API and worker binaries from the loaded configuration.
package bootstrap

import (
	"context"
	"flag"
	"fmt"
	"log"
	"log/slog"
	"os"
	"time"

	"github.com/cuongbtq/charisma-jobs/internal/ai"
	"github.com/cuongbtq/charisma-jobs/internal/config"
	"github.com/cuongbtq/charisma-jobs/internal/executor"
	"github.com/cuongbtq/charisma-jobs/internal/fanout"
	"github.com/cuongbtq/charisma-jobs/internal/storage"
	"github.com/cuongbtq/charisma-jobs/internal/worker"
	"github.com/cuongbtq/charisma-jobs/migrations"
	"github.com/cuongbtq/charisma-jobs/shared/logger"
	"github.com/cuongbtq/charisma-jobs/shared/postgresql"
	"github.com/cuongbtq/charisma-jobs/shared/rabbitmq"
	"github.com/cuongbtq/charisma-jobs/shared/redis"
	"github.com/joho/godotenv"
)

// relayRestartDelay is how long the update relay waits before resubscribing
const relayRestartDelay = 2 * time.Second

// LoadConfig loads .env, parses the -config flag (defaulting to envVar, then
// defaultPath) and reads the YAML configuration
func LoadConfig(envVar, defaultPath string) (*config.Config, error) {
	if err := godotenv.Load(); err != nil {
		log.Println("No .env file found, using environment variables or flags")
	}

	path := os.Getenv(envVar)
	if path == "" {
		path = defaultPath
	}
	configPath := flag.String("config", path, "Path to configuration file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	return cfg, nil
}

// NewLogger builds the application logger
func NewLogger(cfg *config.LoggingConfig) (*logger.Logger, error) {
	return logger.New(&logger.Config{
		Level:        cfg.Level,
		Format:       cfg.Format,
		Output:       cfg.Output,
		EnableSource: cfg.EnableCaller,
		TimeFormat:   time.RFC3339,
	})
}

// NewStore connects to PostgreSQL, applies the schema when enabled and returns
// the job store on top of the connection
func NewStore(ctx context.Context, cfg *config.DatabaseConfig, logger *slog.Logger) (*postgresql.Client, *storage.Storage, error) {
	client, err := postgresql.NewClient(&postgresql.Config{
		Host:            cfg.Host,
		Port:            cfg.Port,
		User:            cfg.User,
		Password:        cfg.Password,
		Database:        cfg.Database,
		SSLMode:         cfg.SSLMode,
		MaxOpenConns:    cfg.MaxOpenConns,
		MaxIdleConns:    cfg.MaxIdleConns,
		ConnMaxLifetime: cfg.ConnMaxLifetime,
		ConnMaxIdleTime: cfg.ConnMaxIdleTime,
	}, logger)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to initialize database: %w", err)
	}

	if cfg.AutoMigrate {
		if err := client.Migrate(ctx, migrations.FS); err != nil {
			_ = client.Close()
			return nil, nil, fmt.Errorf("failed to migrate database: %w", err)
		}
	}

	return client, storage.NewStorage(client.GetDB(), logger), nil
}

// NewRabbitMQ connects the dispatch signal broker
func NewRabbitMQ(cfg *config.RabbitMQConfig, logger *slog.Logger) (*rabbitmq.Client, error) {
	return rabbitmq.NewClient(&rabbitmq.Config{
		Host:               cfg.Host,
		Port:               cfg.Port,
		User:               cfg.User,
		Password:           cfg.Password,
		VHost:              cfg.VHost,
		ExchangeName:       cfg.Exchange.Name,
		ExchangeType:       cfg.Exchange.Type,
		ExchangeDurable:    cfg.Exchange.Durable,
		ExchangeAutoDelete: cfg.Exchange.AutoDelete,
		QueueName:          cfg.Queue.Name,
		QueueDurable:       cfg.Queue.Durable,
		QueueAutoDelete:    cfg.Queue.AutoDelete,
		QueueExclusive:     cfg.Queue.Exclusive,
		RoutingKey:         cfg.RoutingKey,
		RetryAttempts:      cfg.Connection.RetryAttempts,
		RetryInterval:      cfg.Connection.RetryInterval,
		Heartbeat:          cfg.Connection.Heartbeat,
		PublishRetries:     cfg.Publish.RetryAttempts,
		PublishRetryDelay:  cfg.Publish.RetryInterval,
		PublishBackoffMult: cfg.Publish.BackoffMultiplier,
	}, logger)
}

// Fanout is the update hub plus its optional Redis relay
type Fanout struct {
	Hub    *fanout.Hub
	relay  *fanout.Relay
	redis  *redis.Client
	logger *slog.Logger
}

// NewFanout builds the hub and, when Redis is enabled, attaches the relay
func NewFanout(cfg *config.Config, logger *slog.Logger) (*Fanout, error) {
	f := &Fanout{
		Hub: fanout.NewHub(fanout.Options{
			JobBufferSize:  cfg.Fanout.JobBufferSize,
			UserBufferSize: cfg.Fanout.UserBufferSize,
		}, logger),
		logger: logger,
	}

	if !cfg.Redis.Enabled {
		logger.Info("Redis relay disabled, updates stay in this process")
		return f, nil
	}

	client, err := redis.NewClient(&redis.Config{
		Addr:         cfg.Redis.Addr,
		Password:     cfg.Redis.Password,
		DB:           cfg.Redis.DB,
		DialTimeout:  5 * time.Second,
		ReadTimeout:  3 * time.Second,
		WriteTimeout: 3 * time.Second,
	}, logger)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize Redis: %w", err)
	}

	f.redis = client
	f.relay = fanout.NewRelay(client.GetClient(), cfg.Redis.Channel, f.Hub, logger)
	return f, nil
}

// Run prunes idle buffers and keeps the relay subscribed until ctx is done
func (f *Fanout) Run(ctx context.Context) {
	go f.Hub.Run(ctx)

	if f.relay == nil {
		return
	}

	go func() {
		for {
			err := f.relay.Run(ctx)
			if ctx.Err() != nil {
				return
			}
			f.logger.Error("Update relay stopped, resubscribing",
				slog.Any("error", err),
				slog.Duration("retry_after", relayRestartDelay),
			)

			select {
			case <-ctx.Done():
				return
			case <-time.After(relayRestartDelay):
			}
		}
	}()
}

// Close disconnects live clients and the Redis connection
func (f *Fanout) Close() {
	f.Hub.Close()
	if f.redis != nil {
		_ = f.redis.Close()
	}
}

// Backoff returns the retry delay policy
func Backoff(cfg *config.QueueConfig) worker.Backoff {
	return worker.Backoff{Base: cfg.BackoffBase, Cap: cfg.BackoffCap}
}

// NewWorker builds the worker pool with the AI-backed executors. broker may be nil
// when dispatch signals arrive in-process only.
func NewWorker(cfg *config.Config, store worker.Store, publisher worker.Publisher, broker worker.Broker, logger *slog.Logger) *worker.Worker {
	chat := ai.NewClient(ai.Config{
		BaseURL:      cfg.AI.BaseURL,
		APIKey:       cfg.AI.APIKey,
		DefaultModel: cfg.AI.DefaultModel,
		Timeout:      cfg.AI.Timeout,
	})

	return worker.NewWorker(&worker.Config{
		Logger:            logger,
		Store:             store,
		Publisher:         publisher,
		Executors:         executor.NewDefaultRegistry(chat),
		Broker:            broker,
		PrefetchCount:     cfg.RabbitMQ.Consumer.PrefetchCount,
		Concurrency:       cfg.Worker.Concurrency,
		PollInterval:      cfg.Worker.PollInterval,
		JobTimeout:        cfg.Worker.JobTimeout,
		HeartbeatInterval: cfg.Worker.HeartbeatInterval,
		ShutdownTimeout:   cfg.Worker.ShutdownTimeout,
		Backoff:           Backoff(&cfg.Queue),
	})
}

// NewSweeper builds the stuck-job sweeper
func NewSweeper(cfg *config.Config, store worker.SweeperStore, publisher worker.Publisher, logger *slog.Logger) *worker.Sweeper {
	return worker.NewSweeper(&worker.SweeperConfig{
		Logger:       logger,
		Store:        store,
		Publisher:    publisher,
		Interval:     cfg.Sweeper.Interval,
		StuckTimeout: cfg.Sweeper.StuckTimeout,
		Retention:    cfg.Sweeper.Retention,
		Backoff:      Backoff(&cfg.Queue),
	})
}
