package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"

	"pool-observer/src/models"

	"gopkg.in/yaml.v3"
)

// -----------------------------------------------------------------------------

// Config wraps models.MConfig and provides business logic methods
type Config struct {
	*models.MConfig
}

// -----------------------------------------------------------------------------

// NewConfig loads the YAML file at configPath, fills defaults, applies environment
// overrides and validates the result. An empty path skips the file entirely.
func NewConfig(configPath string) (*Config, error) {
	var modelConfig models.MConfig

	if configPath != "" {
		data, err := os.ReadFile(configPath)
		if err != nil {
			return nil, fmt.Errorf("failed to read config file '%s': %w", configPath, err)
		}
		if err := yaml.Unmarshal(data, &modelConfig); err != nil {
			return nil, fmt.Errorf("failed to parse config from YAML: %w", err)
		}
	}

	config := &Config{MConfig: &modelConfig}
	config.applyDefaults()
	overrideFromEnv(config)

	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return config, nil
}

// -----------------------------------------------------------------------------

func (c *Config) applyDefaults() {
	if c.Name == "" {
		c.Name = "pool-observer"
	}
	if c.Host == "" {
		c.Host = "0.0.0.0"
	}
	if c.Port == 0 {
		c.Port = 8000
	}
	if c.LogLevel == "" {
		c.LogLevel = "INFO"
	}
	if c.LogFormat == "" {
		c.LogFormat = "console"
	}
	if c.GrpcPort == 0 {
		c.GrpcPort = 50051
	}

	if c.Storage.DBType == "" {
		c.Storage.DBType = "sqlite"
	}
	if c.Storage.DBPath == "" {
		c.Storage.DBPath = "data/pool_observer.db"
	}

	if c.Network.RequestTimeout == 0 {
		c.Network.RequestTimeout = 10
	}

	if c.DataSource.Name == "" {
		c.DataSource.Name = "aktools"
	}
	if c.DataSource.BaseURL == "" {
		c.DataSource.BaseURL = "http://127.0.0.1:8080"
	}
	if c.DataSource.FetchTimeoutSeconds == 0 {
		c.DataSource.FetchTimeoutSeconds = 8
	}

	if c.Calendar.MIC == "" {
		c.Calendar.MIC = "xshg"
	}
	if c.Calendar.Timezone == "" {
		c.Calendar.Timezone = "Asia/Shanghai"
	}
	if c.Calendar.SettleTime == "" {
		c.Calendar.SettleTime = "15:30"
	}

	if c.Cache.RangeConcurrency == 0 {
		c.Cache.RangeConcurrency = 4
	}
	if c.Cache.MaxRangeDays == 0 {
		c.Cache.MaxRangeDays = 366
	}
}

// -----------------------------------------------------------------------------

// overrideFromEnv lets container deployments point the service at a hosted
// database and upstream without editing the YAML file.
func overrideFromEnv(c *Config) {
	if env := os.Getenv("POOL_DB_TYPE"); env != "" {
		c.Storage.DBType = env
	}
	if env := os.Getenv("POOL_DB_PATH"); env != "" {
		c.Storage.DBPath = env
	}
	// A connection string alone selects the hosted backend.
	if env := os.Getenv("DATABASE_URL"); env != "" {
		c.Storage.DBConnectionString = env
		if os.Getenv("POOL_DB_TYPE") == "" {
			c.Storage.DBType = "postgres"
		}
	}
	if env := os.Getenv("AKTOOLS_BASE_URL"); env != "" {
		c.DataSource.BaseURL = env
	}
	if env := os.Getenv("POOL_PORT"); env != "" {
		if port, err := strconv.Atoi(env); err == nil && port > 0 {
			c.Port = port
		}
	}
	if env := os.Getenv("POOL_LOG_LEVEL"); env != "" {
		c.LogLevel = env
	}
}

// -----------------------------------------------------------------------------

// Validate performs basic configuration validation
func (c *Config) Validate() error {
	if c.Name == "" {
		return fmt.Errorf("application name cannot be empty")
	}

	if c.Host == "" {
		return fmt.Errorf("server host cannot be empty")
	}
	if c.Port <= 1024 || c.Port > 65535 {
		return fmt.Errorf("invalid server port number: %d (must be between 1025 and 65535)", c.Port)
	}
	if c.GrpcPort < 0 || c.GrpcPort > 65535 {
		return fmt.Errorf("invalid grpc port number: %d", c.GrpcPort)
	}

	// Storage
	switch strings.ToLower(c.Storage.DBType) {
	case "sqlite", "sqlite3":
		if c.Storage.DBPath == "" {
			return fmt.Errorf("database path cannot be empty for sqlite")
		}
	case "postgres", "postgresql":
		if c.Storage.DBConnectionString == "" {
			return fmt.Errorf("database connection string cannot be empty for postgres")
		}
	case "":
		return fmt.Errorf("database type cannot be empty")
	default:
		return fmt.Errorf("unsupported database type '%s' (want sqlite or postgres)", c.Storage.DBType)
	}

	// Network
	if c.Network.RequestTimeout <= 0 {
		return fmt.Errorf("request timeout must be greater than 0")
	}
	if c.Network.RatePerSecond < 0 {
		return fmt.Errorf("rate per second cannot be negative")
	}

	// Upstream
	if c.DataSource.BaseURL == "" {
		return fmt.Errorf("data source base url cannot be empty")
	}
	if c.DataSource.FetchTimeoutSeconds <= 0 {
		return fmt.Errorf("fetch timeout must be greater than 0")
	}

	// Cache
	if c.Cache.RangeConcurrency <= 0 {
		return fmt.Errorf("range concurrency must be greater than 0")
	}
	if c.Cache.MaxRangeDays <= 0 {
		return fmt.Errorf("max range days must be greater than 0")
	}

	if c.Scheduler.WarmupLookbackDays < 0 {
		return fmt.Errorf("warmup lookback days cannot be negative")
	}

	return nil
}

// -----------------------------------------------------------------------------

// Save persists the current configuration to the specified YAML file path
func (c *Config) Save(configPath string) error {
	data, err := yaml.Marshal(c.MConfig)
	if err != nil {
		return fmt.Errorf("failed to marshal config to YAML: %w", err)
	}

	if err := os.WriteFile(configPath, data, 0644); err != nil {
		return fmt.Errorf("failed to write config to file '%s': %w", configPath, err)
	}

	return nil
}
