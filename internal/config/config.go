package config

import (
	"errors"
	"fmt"
	"io/fs"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config holds the complete application configuration
type Config struct {
	Server  ServerConfig  `mapstructure:"server"`
	Engine  EngineConfig  `mapstructure:"engine"`
	Rules   RulesConfig   `mapstructure:"rules"`
	Storage StorageConfig `mapstructure:"storage"`
	Usage   UsageConfig   `mapstructure:"usage"`
	Feed    FeedConfig    `mapstructure:"feed"`
	Logging LoggingConfig `mapstructure:"logging"`
}

// ServerConfig defines the metrics and admin API listener
type ServerConfig struct {
	BindAddress string `mapstructure:"bind_address"`
	MetricsPort int    `mapstructure:"metrics_port"`
	AdminAPI    bool   `mapstructure:"admin_api"`   // Mount /api/* on the metrics listener
	AdminToken  string `mapstructure:"admin_token"` // Bearer token, empty disables auth
}

// EngineConfig defines policy engine behaviour
type EngineConfig struct {
	HostAppID    string   `mapstructure:"host_app_id"`   // Never blocked, never tracked
	ExemptApps   []string `mapstructure:"exempt_apps"`   // Never app-blocked
	TickInterval string   `mapstructure:"tick_interval"` // Usage accounting period
}

// RulesConfig defines where the initial rule snapshot comes from
type RulesConfig struct {
	Path         string `mapstructure:"path"`           // JSON or YAML snapshot, optional
	URLCacheSize int    `mapstructure:"url_cache_size"` // Per-snapshot URL decision cache
}

// StorageConfig defines storage backend settings
type StorageConfig struct {
	Type  string      `mapstructure:"type"` // "memory" or "redis"
	Redis RedisConfig `mapstructure:"redis"`
}

// RedisConfig defines Redis connection settings
type RedisConfig struct {
	Host         string `mapstructure:"host"`
	Port         int    `mapstructure:"port"`
	Password     string `mapstructure:"password"`
	DB           int    `mapstructure:"db"`
	KeyPrefix    string `mapstructure:"key_prefix"`
	PoolSize     int    `mapstructure:"pool_size"`
	MinIdleConns int    `mapstructure:"min_idle_conns"`
	DialTimeout  string `mapstructure:"dial_timeout"`
	ReadTimeout  string `mapstructure:"read_timeout"`
	WriteTimeout string `mapstructure:"write_timeout"`
}

// UsageConfig defines usage record housekeeping
type UsageConfig struct {
	RetentionDays int    `mapstructure:"retention_days"`
	CleanupTime   string `mapstructure:"cleanup_time"` // "HH:MM" local time
}

// FeedConfig defines the NATS event feed
type FeedConfig struct {
	Enabled  bool           `mapstructure:"enabled"`
	URL      string         `mapstructure:"url"`
	Subjects SubjectsConfig `mapstructure:"subjects"`
}

// SubjectsConfig names the NATS subjects used by the feed
type SubjectsConfig struct {
	Rules      string `mapstructure:"rules"`
	Location   string `mapstructure:"location"`
	Foreground string `mapstructure:"foreground"`
	URL        string `mapstructure:"url"`
	Decisions  string `mapstructure:"decisions"`
}

// LoggingConfig defines logging behavior
type LoggingConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

// Load loads configuration from file and environment variables
func Load(configPath string) (*Config, error) {
	v := viper.New()

	// Set defaults
	SetDefaults(v)

	// Configure viper
	v.SetConfigFile(configPath)
	v.SetEnvPrefix("TIMEGUARD")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Read config file
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) && !isMissingFile(err) {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
		// Config file not found, use defaults and environment variables
	}

	var config Config
	if err := v.Unmarshal(&config); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	if err := validate(&config); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return &config, nil
}

// Defaults returns a configuration populated only with default values.
func Defaults() *Config {
	v := viper.New()
	SetDefaults(v)

	var cfg Config
	_ = v.Unmarshal(&cfg)
	return &cfg
}

// SetDefaults sets default configuration values
func SetDefaults(v *viper.Viper) {
	// Server defaults
	v.SetDefault("server.bind_address", "127.0.0.1")
	v.SetDefault("server.metrics_port", 9090)
	v.SetDefault("server.admin_api", true)
	v.SetDefault("server.admin_token", "")

	// Engine defaults
	v.SetDefault("engine.host_app_id", "com.example.qwerty123")
	v.SetDefault("engine.exempt_apps", []string{"com.android.settings"})
	v.SetDefault("engine.tick_interval", "60s")

	// Rules defaults
	v.SetDefault("rules.path", "/etc/timeguard/rules.yaml")
	v.SetDefault("rules.url_cache_size", 512)

	// Storage defaults
	v.SetDefault("storage.type", "memory")
	v.SetDefault("storage.redis.host", "localhost")
	v.SetDefault("storage.redis.port", 6379)
	v.SetDefault("storage.redis.password", "")
	v.SetDefault("storage.redis.db", 0)
	v.SetDefault("storage.redis.key_prefix", "timeguard")
	v.SetDefault("storage.redis.pool_size", 10)
	v.SetDefault("storage.redis.min_idle_conns", 2)
	v.SetDefault("storage.redis.dial_timeout", "5s")
	v.SetDefault("storage.redis.read_timeout", "3s")
	v.SetDefault("storage.redis.write_timeout", "3s")

	// Usage defaults
	v.SetDefault("usage.retention_days", 90)
	v.SetDefault("usage.cleanup_time", "03:00")

	// Feed defaults
	v.SetDefault("feed.enabled", false)
	v.SetDefault("feed.url", "nats://127.0.0.1:4222")
	v.SetDefault("feed.subjects.rules", "timeguard.rules")
	v.SetDefault("feed.subjects.location", "timeguard.location")
	v.SetDefault("feed.subjects.foreground", "timeguard.foreground")
	v.SetDefault("feed.subjects.url", "timeguard.url")
	v.SetDefault("feed.subjects.decisions", "timeguard.decisions")

	// Logging defaults
	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")
}

// validate validates the configuration
func validate(cfg *Config) error {
	if cfg.Server.MetricsPort < 0 || cfg.Server.MetricsPort > 65535 {
		return fmt.Errorf("invalid metrics port: %d", cfg.Server.MetricsPort)
	}

	if strings.TrimSpace(cfg.Engine.HostAppID) == "" {
		return fmt.Errorf("engine.host_app_id is required")
	}

	interval, err := time.ParseDuration(cfg.Engine.TickInterval)
	if err != nil {
		return fmt.Errorf("invalid engine.tick_interval: %w", err)
	}
	if interval <= 0 {
		return fmt.Errorf("engine.tick_interval must be positive, got %s", interval)
	}

	if cfg.Rules.URLCacheSize <= 0 {
		return fmt.Errorf("rules.url_cache_size must be positive, got %d", cfg.Rules.URLCacheSize)
	}

	switch cfg.Storage.Type {
	case "":
		cfg.Storage.Type = "memory"
	case "memory", "redis":
	default:
		return fmt.Errorf("unsupported storage type: %s (must be 'memory' or 'redis')", cfg.Storage.Type)
	}

	if cfg.Usage.RetentionDays < 1 {
		return fmt.Errorf("usage.retention_days must be at least 1, got %d", cfg.Usage.RetentionDays)
	}
	if _, err := time.Parse("15:04", cfg.Usage.CleanupTime); err != nil {
		return fmt.Errorf("invalid usage.cleanup_time %q: must be HH:MM", cfg.Usage.CleanupTime)
	}

	if cfg.Feed.Enabled && cfg.Feed.URL == "" {
		return fmt.Errorf("feed.url is required when the feed is enabled")
	}

	return nil
}

// TickIntervalDuration returns the parsed tick interval, one minute if unset.
func (c EngineConfig) TickIntervalDuration() time.Duration {
	d, err := time.ParseDuration(c.TickInterval)
	if err != nil || d <= 0 {
		return time.Minute
	}
	return d
}

func isMissingFile(err error) bool {
	return errors.Is(err, fs.ErrNotExist)
}
