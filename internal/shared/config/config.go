// Package config defines the configuration structures shared across the
// engine. Values are loaded by internal/infrastructure/config via viper.
package config

import (
	"fmt"
	"time"
)

type ServerConfig struct {
	Host string `mapstructure:"host"`
	Port int    `mapstructure:"port"`
	Mode string `mapstructure:"mode"`
}

func (c *ServerConfig) GetAddr() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

type DatabaseConfig struct {
	Driver          string `mapstructure:"driver"`
	Host            string `mapstructure:"host"`
	Port            int    `mapstructure:"port"`
	Username        string `mapstructure:"username"`
	Password        string `mapstructure:"password"`
	Database        string `mapstructure:"database"`
	MaxIdleConns    int    `mapstructure:"max_idle_conns"`
	MaxOpenConns    int    `mapstructure:"max_open_conns"`
	ConnMaxLifetime int    `mapstructure:"conn_max_lifetime"`
}

type LoggerConfig struct {
	Level      string `mapstructure:"level"`
	Format     string `mapstructure:"format"`
	OutputPath string `mapstructure:"output_path"`
}

type RedisConfig struct {
	Host     string `mapstructure:"host"`
	Port     int    `mapstructure:"port"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
}

func (c *RedisConfig) GetAddr() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

// AdapterConfig bounds remote VPN-panel calls. A timeout is reported as
// panel-unavailable, never as success or failure of the remote state.
type AdapterConfig struct {
	Timeout    time.Duration `mapstructure:"timeout"`
	MaxRetries int           `mapstructure:"max_retries"`
	RetryDelay time.Duration `mapstructure:"retry_delay"`
}

// LifecycleConfig fixes the durations the state machine depends on.
type LifecycleConfig struct {
	// GracePeriod is how long an expired or suspended subscription is
	// kept before it is archived.
	GracePeriod time.Duration `mapstructure:"grace_period"`
	// PendingTimeout archives a pending subscription whose payment
	// never settled.
	PendingTimeout time.Duration `mapstructure:"pending_timeout"`
	// PendingStuckAfter flags a pending subscription as stuck so the
	// presentation layer can distinguish it from "still processing".
	PendingStuckAfter time.Duration `mapstructure:"pending_stuck_after"`
	// MaxServerAttempts bounds server reselection after a panel
	// rejects provisioning.
	MaxServerAttempts int `mapstructure:"max_server_attempts"`
	// DistributedLocks backs the per-subscription locks with Redis.
	// Required when more than one process mutates subscriptions, e.g.
	// an API instance running next to a standalone worker.
	DistributedLocks bool `mapstructure:"distributed_locks"`
}

type ReconcileConfig struct {
	Interval          time.Duration `mapstructure:"interval"`
	Concurrency       int           `mapstructure:"concurrency"`
	MaxRepairAttempts int           `mapstructure:"max_repair_attempts"`
}

type UsageConfig struct {
	PollInterval time.Duration `mapstructure:"poll_interval"`
	// SampleRetention bounds how long raw samples are kept; aggregated
	// counters are unaffected by trimming.
	SampleRetention time.Duration `mapstructure:"sample_retention"`
}

// EventsConfig tunes the inbound event gateway.
type EventsConfig struct {
	DedupeTTL time.Duration `mapstructure:"dedupe_ttl"`
}

type AlertConfig struct {
	SMTPHost     string `mapstructure:"smtp_host"`
	SMTPPort     int    `mapstructure:"smtp_port"`
	SMTPUser     string `mapstructure:"smtp_user"`
	SMTPPassword string `mapstructure:"smtp_password"`
	FromAddress  string `mapstructure:"from_address"`
	ToAddress    string `mapstructure:"to_address"`
	Enabled      bool   `mapstructure:"enabled"`
}
