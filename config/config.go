// Package config loads the approval engine configuration from YAML and the
// environment.
package config

import (
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/ibnizhaku/ip.loomora.ch-2.0-sub010/logging"
	"github.com/ibnizhaku/ip.loomora.ch-2.0-sub010/storage"
	"github.com/ibnizhaku/ip.loomora.ch-2.0-sub010/types"
)

// Storage drivers
const (
	DriverMemory   = "memory"
	DriverRedis    = "redis"
	DriverPostgres = "postgres"
)

// Config holds all application configuration
type Config struct {
	Log     logging.Config `mapstructure:"log"`
	Engine  EngineConfig   `mapstructure:"engine"`
	Storage StorageConfig  `mapstructure:"storage"`
	// Workflows maps a document type to its approval policy.
	Workflows map[string]types.WorkflowConfig `mapstructure:"workflows"`
}

// EngineConfig holds engine settings
type EngineConfig struct {
	// NodeID is the snowflake node of this process. Processes sharing a
	// store need distinct node IDs.
	NodeID uint16 `mapstructure:"node_id"`
}

// StorageConfig selects and configures the instance store
type StorageConfig struct {
	Driver   string         `mapstructure:"driver"`
	Redis    RedisConfig    `mapstructure:"redis"`
	Postgres PostgresConfig `mapstructure:"postgres"`
}

// RedisConfig holds Redis connection configuration
type RedisConfig struct {
	Addr         string        `mapstructure:"addr"`
	Password     string        `mapstructure:"password"`
	DB           int           `mapstructure:"db"`
	PoolSize     int           `mapstructure:"pool_size"`
	MinIdleConns int           `mapstructure:"min_idle_conns"`
	IdleTimeout  time.Duration `mapstructure:"idle_timeout"`
	KeyPrefix    string        `mapstructure:"key_prefix"`
}

// PostgresConfig holds PostgreSQL connection configuration
type PostgresConfig struct {
	DSN      string `mapstructure:"dsn"`
	MaxConns int32  `mapstructure:"max_conns"`
	// Migrate creates the tables on startup.
	Migrate bool `mapstructure:"migrate"`
}

// Load loads configuration from file and environment variables. An empty
// path loads defaults and environment only. Environment variables use the
// APPROVAL_ prefix, e.g. APPROVAL_STORAGE_DRIVER.
func Load(configPath string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix("APPROVAL")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	bindEnvVars(v)

	if configPath != "" {
		v.SetConfigFile(configPath)
		v.SetConfigType("yaml")
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}
	for docType, wf := range cfg.Workflows {
		wf.DocumentType = types.DocumentType(docType)
		cfg.Workflows[docType] = wf
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return &cfg, nil
}

// setDefaults sets default configuration values
func setDefaults(v *viper.Viper) {
	v.SetDefault("log.level", "info")
	v.SetDefault("log.output_path", "stderr")
	v.SetDefault("log.format", "console")

	v.SetDefault("engine.node_id", 1)

	v.SetDefault("storage.driver", DriverMemory)
	v.SetDefault("storage.redis.addr", "localhost:6379")
	v.SetDefault("storage.redis.db", 0)
	v.SetDefault("storage.redis.pool_size", 10)
	v.SetDefault("storage.redis.min_idle_conns", 2)
	v.SetDefault("storage.redis.idle_timeout", 5*time.Minute)
	v.SetDefault("storage.redis.key_prefix", "approval:")
	v.SetDefault("storage.postgres.max_conns", 10)
	v.SetDefault("storage.postgres.migrate", true)
}

// bindEnvVars binds the credentials that have no default.
func bindEnvVars(v *viper.Viper) {
	_ = v.BindEnv("storage.redis.password", "APPROVAL_STORAGE_REDIS_PASSWORD")
	_ = v.BindEnv("storage.postgres.dsn", "APPROVAL_STORAGE_POSTGRES_DSN")
}

// Validate validates the configuration
func (c *Config) Validate() error {
	switch c.Storage.Driver {
	case DriverMemory:
	case DriverRedis:
		if c.Storage.Redis.Addr == "" {
			return fmt.Errorf("storage.redis.addr is required")
		}
	case DriverPostgres:
		if c.Storage.Postgres.DSN == "" {
			return fmt.Errorf("storage.postgres.dsn is required")
		}
	default:
		return fmt.Errorf("unknown storage.driver %q", c.Storage.Driver)
	}

	for _, wf := range c.WorkflowConfigs() {
		if err := wf.Validate(); err != nil {
			return err
		}
	}
	return nil
}

// WorkflowConfigs returns the configured workflows ordered by document type.
func (c *Config) WorkflowConfigs() []types.WorkflowConfig {
	out := make([]types.WorkflowConfig, 0, len(c.Workflows))
	for docType, wf := range c.Workflows {
		wf.DocumentType = types.DocumentType(docType)
		out = append(out, wf)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].DocumentType < out[j].DocumentType })
	return out
}

// RedisOptions converts the Redis section for storage.NewRedisStorage.
func (c *Config) RedisOptions() storage.RedisOptions {
	r := c.Storage.Redis
	return storage.RedisOptions{
		Addr:         r.Addr,
		Password:     r.Password,
		DB:           r.DB,
		PoolSize:     r.PoolSize,
		MinIdleConns: r.MinIdleConns,
		IdleTimeout:  r.IdleTimeout,
		KeyPrefix:    r.KeyPrefix,
	}
}

// PostgresOptions converts the PostgreSQL section for storage.NewPostgresStorage.
func (c *Config) PostgresOptions() storage.PostgresOptions {
	return storage.PostgresOptions{
		DSN:      c.Storage.Postgres.DSN,
		MaxConns: c.Storage.Postgres.MaxConns,
	}
}
