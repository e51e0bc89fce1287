package config

import (
	"fmt"
	"strings"
	"sync"

	"github.com/spf13/viper"

	sharedConfig "github.com/veil-labs/veil/internal/shared/config"
)

type Config struct {
	Server    sharedConfig.ServerConfig    `mapstructure:"server"`
	Database  sharedConfig.DatabaseConfig  `mapstructure:"database"`
	Logger    sharedConfig.LoggerConfig    `mapstructure:"logger"`
	Redis     sharedConfig.RedisConfig     `mapstructure:"redis"`
	Adapter   sharedConfig.AdapterConfig   `mapstructure:"adapter"`
	Lifecycle sharedConfig.LifecycleConfig `mapstructure:"lifecycle"`
	Reconcile sharedConfig.ReconcileConfig `mapstructure:"reconcile"`
	Usage     sharedConfig.UsageConfig     `mapstructure:"usage"`
	Events    sharedConfig.EventsConfig    `mapstructure:"events"`
	Alert     sharedConfig.AlertConfig     `mapstructure:"alert"`
}

var (
	appConfig   *Config
	appConfigMu sync.RWMutex
)

// Load loads configuration from file and environment variables
func Load(env string) (*Config, error) {
	viper.SetConfigName("config")
	viper.SetConfigType("yaml")
	viper.AddConfigPath("./configs")
	viper.AddConfigPath("../configs")
	viper.AddConfigPath("../../configs")

	viper.SetEnvPrefix("VEIL")
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	viper.AutomaticEnv()

	setDefaults()

	if err := viper.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	// Allow env parameter to override server mode if provided
	if env != "" && env != "default" {
		viper.Set("server.mode", env)
	}

	var config Config
	if err := viper.Unmarshal(&config); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	appConfigMu.Lock()
	appConfig = &config
	appConfigMu.Unlock()

	return &config, nil
}

// Get returns the loaded configuration
func Get() *Config {
	appConfigMu.RLock()
	defer appConfigMu.RUnlock()
	return appConfig
}

func setDefaults() {
	// Server defaults
	viper.SetDefault("server.host", "0.0.0.0")
	viper.SetDefault("server.port", 8080)
	viper.SetDefault("server.mode", "debug")

	// Database defaults
	viper.SetDefault("database.driver", "mysql")
	viper.SetDefault("database.host", "localhost")
	viper.SetDefault("database.port", 3306)
	viper.SetDefault("database.username", "root")
	viper.SetDefault("database.password", "password")
	viper.SetDefault("database.database", "veil_dev")
	viper.SetDefault("database.max_idle_conns", 10)
	viper.SetDefault("database.max_open_conns", 100)
	viper.SetDefault("database.conn_max_lifetime", 60)

	// Logger defaults
	viper.SetDefault("logger.level", "info")
	viper.SetDefault("logger.format", "console")
	viper.SetDefault("logger.output_path", "stdout")

	// Redis defaults
	viper.SetDefault("redis.host", "localhost")
	viper.SetDefault("redis.port", 6379)
	viper.SetDefault("redis.password", "")
	viper.SetDefault("redis.db", 0)

	// Panel adapter defaults
	viper.SetDefault("adapter.timeout", "10s")
	viper.SetDefault("adapter.max_retries", 3)
	viper.SetDefault("adapter.retry_delay", "1s")

	// Lifecycle defaults
	viper.SetDefault("lifecycle.grace_period", "72h")
	viper.SetDefault("lifecycle.pending_timeout", "24h")
	viper.SetDefault("lifecycle.pending_stuck_after", "15m")
	viper.SetDefault("lifecycle.max_server_attempts", 3)
	viper.SetDefault("lifecycle.distributed_locks", false)

	// Reconciliation defaults
	viper.SetDefault("reconcile.interval", "5m")
	viper.SetDefault("reconcile.concurrency", 8)
	viper.SetDefault("reconcile.max_repair_attempts", 5)

	// Usage accounting defaults
	viper.SetDefault("usage.poll_interval", "5m")
	viper.SetDefault("usage.sample_retention", "2160h")

	// Event gateway defaults
	viper.SetDefault("events.dedupe_ttl", "24h")

	// Alert defaults
	viper.SetDefault("alert.enabled", false)
	viper.SetDefault("alert.smtp_host", "")
	viper.SetDefault("alert.smtp_port", 587)
	viper.SetDefault("alert.smtp_user", "")
	viper.SetDefault("alert.smtp_password", "")
	viper.SetDefault("alert.from_address", "")
	viper.SetDefault("alert.to_address", "")
}
