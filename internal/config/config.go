// Package config provides configuration management for the alert engine.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/viper"

	apperrors "market-alerts/internal/errors"
)

// Store and history drivers.
const (
	DriverMemory = "memory"
	DriverSQLite = "sqlite"
	DriverRedis  = "redis"
)

// Config holds all application configuration.
type Config struct {
	Engine   EngineConfig   `mapstructure:"engine"`
	Store    StoreConfig    `mapstructure:"store"`
	History  HistoryConfig  `mapstructure:"history"`
	Delivery DeliveryConfig `mapstructure:"delivery"`
	Server   ServerConfig   `mapstructure:"server"`
	Log      LogConfig      `mapstructure:"log"`

	// Dir is the directory the configuration was loaded from.
	Dir string `mapstructure:"-"`
}

// EngineConfig holds evaluation settings.
type EngineConfig struct {
	Workers int `mapstructure:"workers"`
}

// StoreConfig selects the alert store backend.
type StoreConfig struct {
	Driver string `mapstructure:"driver"` // memory, sqlite
	Path   string `mapstructure:"path"`
}

// HistoryConfig selects the trigger history backend. The sqlite driver
// shares the store's database file.
type HistoryConfig struct {
	Driver        string `mapstructure:"driver"` // memory, sqlite, redis
	RedisAddr     string `mapstructure:"redis_addr"`
	RedisPassword string `mapstructure:"redis_password"`
	RedisDB       int    `mapstructure:"redis_db"`
	RedisKey      string `mapstructure:"redis_key"`
}

// DeliveryConfig holds notification channel configuration.
type DeliveryConfig struct {
	Timeout               time.Duration                 `mapstructure:"timeout"`
	MaxConcurrentWebhooks int64                         `mapstructure:"max_concurrent_webhooks"`
	Console               ConsoleConfig                 `mapstructure:"console"`
	File                  FileConfig                    `mapstructure:"file"`
	Webhook               WebhookConfig                 `mapstructure:"webhook"`
	Webhooks              map[string]NamedWebhookConfig `mapstructure:"webhooks"`
	Circuit               CircuitConfig                 `mapstructure:"circuit"`
}

// ConsoleConfig holds console channel configuration.
type ConsoleConfig struct {
	Enabled bool `mapstructure:"enabled"`
}

// FileConfig holds file channel configuration. An empty path disables the
// channel.
type FileConfig struct {
	Path       string `mapstructure:"path"`
	MaxSize    int    `mapstructure:"max_size"` // MB
	MaxBackups int    `mapstructure:"max_backups"`
	MaxAge     int    `mapstructure:"max_age"` // days
}

// WebhookConfig holds the default "webhook" channel. An empty URL disables
// the channel.
type WebhookConfig struct {
	URL         string `mapstructure:"url"`
	MaxAttempts int    `mapstructure:"max_attempts"`
}

// NamedWebhookConfig holds an additional webhook channel registered under
// its table name.
type NamedWebhookConfig struct {
	URL         string `mapstructure:"url"`
	MaxAttempts int    `mapstructure:"max_attempts"`
}

// CircuitConfig holds the per-webhook circuit breaker settings.
type CircuitConfig struct {
	FailureThreshold int           `mapstructure:"failure_threshold"`
	ResetTimeout     time.Duration `mapstructure:"reset_timeout"`
}

// ServerConfig holds HTTP API configuration.
type ServerConfig struct {
	Addr string `mapstructure:"addr"`
}

// LogConfig holds logging configuration.
type LogConfig struct {
	Level   string `mapstructure:"level"`
	Console bool   `mapstructure:"console"`
	File    bool   `mapstructure:"file"`
	Path    string `mapstructure:"path"`
}

// DefaultConfigDir returns the default configuration directory.
func DefaultConfigDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".config/market-alerts"
	}
	return filepath.Join(home, ".config", "market-alerts")
}

// ConfigPath returns the path of config.toml inside configDir.
func ConfigPath(configDir string) string {
	if configDir == "" {
		configDir = DefaultConfigDir()
	}
	return filepath.Join(configDir, "config.toml")
}

// Load loads configuration from the specified directory.
// If configDir is empty, uses the default config directory. A missing
// config.toml is replaced by the commented template.
func Load(configDir string) (*Config, error) {
	if configDir == "" {
		configDir = DefaultConfigDir()
	}

	cfg := &Config{Dir: configDir}

	if err := loadConfigFile(configDir, "config", cfg); err != nil {
		return nil, fmt.Errorf("loading config.toml: %w", err)
	}

	applyEnvOverrides(cfg)
	cfg.resolvePaths()

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	return cfg, nil
}

// Default returns the configuration used when no file has been written yet.
func Default(configDir string) *Config {
	if configDir == "" {
		configDir = DefaultConfigDir()
	}
	v := viper.New()
	setDefaults(v)
	cfg := &Config{Dir: configDir}
	// defaults are plain values; decoding them cannot fail
	_ = v.Unmarshal(cfg)
	cfg.resolvePaths()
	return cfg
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("engine.workers", 8)

	v.SetDefault("store.driver", DriverSQLite)
	v.SetDefault("store.path", "alerts.db")

	v.SetDefault("history.driver", DriverSQLite)
	v.SetDefault("history.redis_addr", "localhost:6379")
	v.SetDefault("history.redis_db", 0)
	v.SetDefault("history.redis_key", "alerts:history")

	v.SetDefault("delivery.timeout", 5*time.Second)
	v.SetDefault("delivery.max_concurrent_webhooks", 8)
	v.SetDefault("delivery.console.enabled", true)
	v.SetDefault("delivery.file.path", "triggers.jsonl")
	v.SetDefault("delivery.file.max_size", 50)
	v.SetDefault("delivery.file.max_backups", 3)
	v.SetDefault("delivery.file.max_age", 28)
	v.SetDefault("delivery.webhook.max_attempts", 1)
	v.SetDefault("delivery.circuit.failure_threshold", 5)
	v.SetDefault("delivery.circuit.reset_timeout", 30*time.Second)

	v.SetDefault("server.addr", "127.0.0.1:8080")

	v.SetDefault("log.level", "info")
	v.SetDefault("log.console", true)
	v.SetDefault("log.file", false)
	v.SetDefault("log.path", filepath.Join("logs", "alerts.log"))
}

func loadConfigFile(configDir, name string, target interface{}) error {
	v := viper.New()
	v.SetConfigName(name)
	v.SetConfigType("toml")
	v.AddConfigPath(configDir)
	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return err
		}
		if err := createTemplateConfig(configDir, name); err != nil {
			return err
		}
		if err := v.ReadInConfig(); err != nil {
			return err
		}
	}

	return v.Unmarshal(target)
}

func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("ALERTS_WEBHOOK_URL"); v != "" {
		cfg.Delivery.Webhook.URL = v
	}
	if v := os.Getenv("ALERTS_STORE_DRIVER"); v != "" {
		cfg.Store.Driver = strings.ToLower(v)
	}
	if v := os.Getenv("ALERTS_HISTORY_DRIVER"); v != "" {
		cfg.History.Driver = strings.ToLower(v)
	}
	if v := os.Getenv("ALERTS_REDIS_ADDR"); v != "" {
		cfg.History.RedisAddr = v
	}
	if v := os.Getenv("ALERTS_LOG_LEVEL"); v != "" {
		cfg.Log.Level = v
	}
	if v := os.Getenv("ALERTS_WORKERS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Engine.Workers = n
		}
	}
}

// resolvePaths anchors relative file paths at the config directory.
func (c *Config) resolvePaths() {
	c.Store.Path = c.resolve(c.Store.Path)
	c.Delivery.File.Path = c.resolve(c.Delivery.File.Path)
	c.Log.Path = c.resolve(c.Log.Path)
}

func (c *Config) resolve(path string) string {
	if path == "" || filepath.IsAbs(path) || c.Dir == "" {
		return path
	}
	return filepath.Join(c.Dir, path)
}

// Validate validates the configuration.
func (c *Config) Validate() error {
	if c.Engine.Workers < 1 {
		return invalid("engine.workers must be at least 1")
	}

	switch c.Store.Driver {
	case DriverMemory:
	case DriverSQLite:
		if c.Store.Path == "" {
			return invalid("store.path is required for the sqlite driver")
		}
	default:
		return invalid("invalid store driver: %s (must be 'memory' or 'sqlite')", c.Store.Driver)
	}

	switch c.History.Driver {
	case DriverMemory:
	case DriverSQLite:
		if c.Store.Driver != DriverSQLite {
			return invalid("history.driver 'sqlite' requires store.driver 'sqlite'")
		}
	case DriverRedis:
		if c.History.RedisAddr == "" {
			return invalid("history.redis_addr is required for the redis driver")
		}
	default:
		return invalid("invalid history driver: %s (must be 'memory', 'sqlite' or 'redis')", c.History.Driver)
	}

	if c.Delivery.Timeout <= 0 {
		return invalid("delivery.timeout must be positive")
	}
	if c.Delivery.MaxConcurrentWebhooks < 1 {
		return invalid("delivery.max_concurrent_webhooks must be at least 1")
	}
	if c.Delivery.Circuit.FailureThreshold < 0 {
		return invalid("delivery.circuit.failure_threshold must be non-negative")
	}
	if c.Delivery.Webhook.URL != "" {
		if err := validateURL("delivery.webhook.url", c.Delivery.Webhook.URL); err != nil {
			return err
		}
	}
	for _, name := range c.WebhookNames() {
		if name == "console" || name == "file" || name == "webhook" {
			return invalid("delivery.webhooks.%s shadows a built-in channel", name)
		}
		if err := validateURL("delivery.webhooks."+name+".url", c.Delivery.Webhooks[name].URL); err != nil {
			return err
		}
	}

	switch strings.ToLower(c.Log.Level) {
	case "", "debug", "info", "warn", "warning", "error", "disabled", "off":
	default:
		return invalid("invalid log level: %s", c.Log.Level)
	}

	return nil
}

// WebhookNames returns the names of the additional webhook channels, sorted.
func (c *Config) WebhookNames() []string {
	names := make([]string, 0, len(c.Delivery.Webhooks))
	for name := range c.Delivery.Webhooks {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func validateURL(key, raw string) error {
	if !strings.HasPrefix(raw, "http://") && !strings.HasPrefix(raw, "https://") {
		return invalid("%s must be an http(s) URL", key)
	}
	return nil
}

func invalid(format string, args ...any) error {
	return apperrors.Wrapf(apperrors.ErrConfigInvalid, format, args...)
}
