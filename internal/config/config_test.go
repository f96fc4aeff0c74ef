package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoad(t *testing.T) {
	tests := []struct {
		name      string
		filePath  string
		wantErr   bool
		errString string
	}{
		{
			name:     "valid config file",
			filePath: "testdata/valid_config.yaml",
			wantErr:  false,
		},
		{
			name:      "non-existent file",
			filePath:  "testdata/nonexistent.yaml",
			wantErr:   true,
			errString: "failed to read config file",
		},
		{
			name:      "malformed yaml",
			filePath:  "testdata/malformed.yaml",
			wantErr:   true,
			errString: "failed to parse config file",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Setenv("TEST_DB_PASSWORD", "s3cret")

			cfg, err := Load(tt.filePath)

			if tt.wantErr {
				require.Error(t, err)
				assert.Contains(t, err.Error(), tt.errString)
				assert.Nil(t, cfg)
				return
			}

			require.NoError(t, err)
			require.NotNil(t, cfg)

			assert.Equal(t, 8080, cfg.Server.Port)
			assert.Equal(t, "localhost", cfg.Database.Host)
			assert.Equal(t, "s3cret", cfg.Database.Password)
			assert.Equal(t, "jobs_db", cfg.Database.Database)
			assert.Equal(t, "jobs_exchange", cfg.RabbitMQ.Exchange.Name)
			assert.Equal(t, "jobs_queue", cfg.RabbitMQ.Queue.Name)
			assert.Equal(t, 10, cfg.RabbitMQ.Consumer.PrefetchCount)
			assert.True(t, cfg.Redis.Enabled)
			assert.Equal(t, "job-api-service", cfg.App.Name)
			assert.Equal(t, 8, cfg.Worker.Concurrency)
			assert.Equal(t, 2, cfg.Queue.DefaultMaxRetries)
			assert.Equal(t, 2*time.Second, cfg.Queue.BackoffBase)
			assert.Equal(t, time.Minute, cfg.Queue.BackoffCap)
			assert.Equal(t, 30*time.Minute, cfg.Sweeper.StuckTimeout)
			assert.Equal(t, 720*time.Hour, cfg.Sweeper.Retention)
			assert.Equal(t, 20, cfg.Fanout.JobBufferSize)
			assert.Equal(t, 100, cfg.Fanout.UserBufferSize)
		})
	}
}

func TestLoad_AppliesDefaults(t *testing.T) {
	cfg, err := Load("testdata/minimal.yaml")
	require.NoError(t, err)

	assert.Equal(t, 4, cfg.Worker.Concurrency)
	assert.Equal(t, 2*time.Second, cfg.Worker.PollInterval)
	assert.Equal(t, 3, cfg.Queue.DefaultMaxRetries)
	assert.Equal(t, 5*time.Second, cfg.Queue.BackoffBase)
	assert.Equal(t, 5*time.Minute, cfg.Queue.BackoffCap)
	assert.Equal(t, time.Minute, cfg.Sweeper.Interval)
	assert.Equal(t, 30*time.Minute, cfg.Sweeper.StuckTimeout)
	assert.Zero(t, cfg.Sweeper.Retention)
	assert.Equal(t, 50, cfg.Fanout.JobBufferSize)
	assert.Equal(t, 200, cfg.Fanout.UserBufferSize)
	assert.Equal(t, "job_updates", cfg.Redis.Channel)
	assert.False(t, cfg.Redis.Enabled)

	require.NoError(t, cfg.ValidateAPIConfig())
	require.NoError(t, cfg.ValidateWorkerConfig())
}

// validConfig returns a config that passes every validation
func validConfig() *Config {
	cfg := &Config{
		Server: ServerConfig{Port: 8080},
		Database: DatabaseConfig{
			Host:     "localhost",
			Port:     5432,
			Database: "jobs_db",
		},
		RabbitMQ: RabbitMQConfig{
			Host:     "localhost",
			Port:     5672,
			Exchange: ExchangeConfig{Name: "jobs_exchange"},
			Queue:    AMQPQueueConfig{Name: "jobs_queue"},
		},
	}
	cfg.ApplyDefaults()
	return cfg
}

func TestConfig_Validate(t *testing.T) {
	tests := []struct {
		name      string
		mutate    func(c *Config)
		errString string
	}{
		{
			name:   "valid config",
			mutate: func(c *Config) {},
		},
		{
			name:      "invalid server port - too low",
			mutate:    func(c *Config) { c.Server.Port = 0 },
			errString: "invalid server port",
		},
		{
			name:      "invalid server port - too high",
			mutate:    func(c *Config) { c.Server.Port = 70000 },
			errString: "invalid server port",
		},
		{
			name:      "empty database host",
			mutate:    func(c *Config) { c.Database.Host = "" },
			errString: "database host is required",
		},
		{
			name:      "invalid database port",
			mutate:    func(c *Config) { c.Database.Port = 0 },
			errString: "invalid database port",
		},
		{
			name:      "empty database name",
			mutate:    func(c *Config) { c.Database.Database = "" },
			errString: "database name is required",
		},
		{
			name:      "empty rabbitmq host",
			mutate:    func(c *Config) { c.RabbitMQ.Host = "" },
			errString: "rabbitmq host is required",
		},
		{
			name:      "empty exchange name",
			mutate:    func(c *Config) { c.RabbitMQ.Exchange.Name = "" },
			errString: "rabbitmq exchange name is required",
		},
		{
			name:      "empty queue name",
			mutate:    func(c *Config) { c.RabbitMQ.Queue.Name = "" },
			errString: "rabbitmq queue name is required",
		},
		{
			name: "redis enabled without addr",
			mutate: func(c *Config) {
				c.Redis.Enabled = true
				c.Redis.Addr = ""
			},
			errString: "redis addr is required",
		},
		{
			name:      "negative max retries",
			mutate:    func(c *Config) { c.Queue.DefaultMaxRetries = -1 },
			errString: "default_max_retries must not be negative",
		},
		{
			name: "backoff cap below base",
			mutate: func(c *Config) {
				c.Queue.BackoffBase = time.Minute
				c.Queue.BackoffCap = time.Second
			},
			errString: "backoff_cap must be greater than or equal to backoff_base",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := validConfig()
			tt.mutate(cfg)

			err := cfg.Validate()

			if tt.errString != "" {
				require.Error(t, err)
				assert.Contains(t, err.Error(), tt.errString)
			} else {
				require.NoError(t, err)
			}
		})
	}
}

func TestConfig_ValidateWorkerConfig(t *testing.T) {
	tests := []struct {
		name      string
		mutate    func(c *Config)
		errString string
	}{
		{
			name:   "defaults are valid",
			mutate: func(c *Config) {},
		},
		{
			name:      "zero concurrency",
			mutate:    func(c *Config) { c.Worker.Concurrency = 0 },
			errString: "worker concurrency must be greater than 0",
		},
		{
			name:      "zero poll interval",
			mutate:    func(c *Config) { c.Worker.PollInterval = 0 },
			errString: "worker poll_interval must be greater than 0",
		},
		{
			name:      "zero stuck timeout",
			mutate:    func(c *Config) { c.Sweeper.StuckTimeout = 0 },
			errString: "sweeper stuck_timeout must be greater than 0",
		},
		{
			name:      "negative retention",
			mutate:    func(c *Config) { c.Sweeper.Retention = -time.Hour },
			errString: "sweeper retention must not be negative",
		},
		{
			name: "job timeout longer than stuck timeout",
			mutate: func(c *Config) {
				c.Worker.JobTimeout = time.Hour
				c.Sweeper.StuckTimeout = 30 * time.Minute
			},
			errString: "job_timeout must be shorter than sweeper stuck_timeout",
		},
		{
			name:      "shared validation still applies",
			mutate:    func(c *Config) { c.Database.Host = "" },
			errString: "database host is required",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := validConfig()
			tt.mutate(cfg)

			err := cfg.ValidateWorkerConfig()

			if tt.errString != "" {
				require.Error(t, err)
				assert.Contains(t, err.Error(), tt.errString)
			} else {
				require.NoError(t, err)
			}
		})
	}
}

func TestConfig_ValidateAPIConfig(t *testing.T) {
	t.Run("fanout buffers must be positive", func(t *testing.T) {
		cfg := validConfig()
		cfg.Fanout.JobBufferSize = -1

		err := cfg.ValidateAPIConfig()
		require.Error(t, err)
		assert.Contains(t, err.Error(), "fanout buffer sizes")
	})

	t.Run("embedded worker is validated too", func(t *testing.T) {
		cfg := validConfig()
		cfg.Worker.Embedded = true
		cfg.Worker.Concurrency = -2

		err := cfg.ValidateAPIConfig()
		require.Error(t, err)
		assert.Contains(t, err.Error(), "worker concurrency")
	})
}

func TestLoad_ValidateIntegration(t *testing.T) {
	t.Run("load and validate valid config", func(t *testing.T) {
		cfg, err := Load("testdata/valid_config.yaml")
		require.NoError(t, err)
		require.NotNil(t, cfg)

		require.NoError(t, cfg.ValidateAPIConfig())
		require.NoError(t, cfg.ValidateWorkerConfig())
	})

	t.Run("load config with invalid port", func(t *testing.T) {
		cfg, err := Load("testdata/invalid_port.yaml")
		require.NoError(t, err)
		require.NotNil(t, cfg)

		err = cfg.Validate()
		require.Error(t, err)
		assert.Contains(t, err.Error(), "invalid server port")
	})

	t.Run("load config with missing database", func(t *testing.T) {
		cfg, err := Load("testdata/missing_database.yaml")
		require.NoError(t, err)
		require.NotNil(t, cfg)

		err = cfg.Validate()
		require.Error(t, err)
		assert.Contains(t, err.Error(), "database name is required")
	})
}

func TestPortConstants(t *testing.T) {
	assert.Equal(t, 1, MinPort)
	assert.Equal(t, 65535, MaxPort)
}
