// Package config provides configuration management for the application.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Transport modes.
const (
	ModeAuto    = "auto"
	ModeWebhook = "webhook"
	ModePolling = "polling"
)

// WebhookPath is where the platform delivers webhook updates.
const WebhookPath = "/webhook/telegram"

// Config represents the application configuration.
type Config struct {
	Telegram TelegramConfig `mapstructure:"telegram"`
	Store    StoreConfig    `mapstructure:"store"`
	Cache    CacheConfig    `mapstructure:"cache"`
	Dispatch DispatchConfig `mapstructure:"dispatch"`
	Server   ServerConfig   `mapstructure:"server"`
	Webhook  WebhookConfig  `mapstructure:"webhook"`
	Admin    AdminConfig    `mapstructure:"admin"`
	Log      LogConfig      `mapstructure:"log"`
}

// TelegramConfig holds Telegram bot configuration.
type TelegramConfig struct {
	Token         string        `mapstructure:"token"`
	Mode          string        `mapstructure:"mode"` // auto, webhook or polling
	UsePolling    bool          `mapstructure:"use_polling"`
	PublicBaseURL string        `mapstructure:"public_base_url"`
	WebhookSecret string        `mapstructure:"webhook_secret"`
	PollTimeout   time.Duration `mapstructure:"poll_timeout"`
	PollLimit     int           `mapstructure:"poll_limit"`
	Debug         bool          `mapstructure:"debug"`
}

// StoreConfig selects the database. postgres:// URLs use PostgreSQL,
// anything else is a SQLite path.
type StoreConfig struct {
	URL string `mapstructure:"url"`
}

// CacheConfig selects the settings cache backend.
type CacheConfig struct {
	URL string        `mapstructure:"url"`
	TTL time.Duration `mapstructure:"ttl"`
}

// DispatchConfig bounds retries and queueing in the dispatcher.
type DispatchConfig struct {
	MaxAttempts    int           `mapstructure:"max_attempts"`
	InitialBackoff time.Duration `mapstructure:"initial_backoff"`
	MaxBackoff     time.Duration `mapstructure:"max_backoff"`
	CallTimeout    time.Duration `mapstructure:"call_timeout"`
	MaxConcurrency int           `mapstructure:"max_concurrency"`
	QueueSize      int           `mapstructure:"queue_size"`
}

// ServerConfig holds HTTP server configuration.
type ServerConfig struct {
	Host          string        `mapstructure:"host"`
	Port          int           `mapstructure:"port"`
	ShutdownGrace time.Duration `mapstructure:"shutdown_grace"`
}

// WebhookConfig sizes the queue between the webhook handler and dispatch.
type WebhookConfig struct {
	QueueSize int `mapstructure:"queue_size"`
}

// AdminConfig guards the admin API. An empty token disables it.
type AdminConfig struct {
	Token string `mapstructure:"token"`
}

// LogConfig holds logging configuration.
type LogConfig struct {
	Level string `mapstructure:"level"`
	File  string `mapstructure:"file"`
}

// Load reads configuration from file and environment variables.
func Load(configPath string) (*Config, error) {
	v := viper.New()

	// Set defaults
	v.SetDefault("telegram.mode", ModeAuto)
	v.SetDefault("telegram.poll_timeout", 30*time.Second)
	v.SetDefault("telegram.poll_limit", 100)
	v.SetDefault("telegram.debug", false)
	v.SetDefault("store.url", "./data/gremlin.db")
	v.SetDefault("cache.url", "")
	v.SetDefault("cache.ttl", 5*time.Minute)
	v.SetDefault("dispatch.max_attempts", 5)
	v.SetDefault("dispatch.initial_backoff", 200*time.Millisecond)
	v.SetDefault("dispatch.max_backoff", 5*time.Second)
	v.SetDefault("dispatch.call_timeout", 5*time.Second)
	v.SetDefault("dispatch.max_concurrency", 16)
	v.SetDefault("dispatch.queue_size", 1000)
	v.SetDefault("server.host", "0.0.0.0")
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.shutdown_grace", 15*time.Second)
	v.SetDefault("webhook.queue_size", 1000)
	v.SetDefault("log.level", "info")

	// Read config file
	if configPath != "" {
		v.SetConfigFile(configPath)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("./configs")
	}

	if err := v.ReadInConfig(); err != nil {
		// Only the search for an implicit config file may come up empty.
		var notFound viper.ConfigFileNotFoundError
		if configPath != "" || !errors.As(err, &notFound) {
			return nil, fmt.Errorf("error reading config file: %w", err)
		}
	}

	// Read environment variables
	v.SetEnvPrefix("GREMLIN")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	if err := bindLegacyEnv(v); err != nil {
		return nil, err
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("error unmarshaling config: %w", err)
	}
	cfg.resolveMode()

	// Validate required fields
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

// bindLegacyEnv maps the deployment's unprefixed variable names. The
// prefixed GREMLIN_* name still wins when both are set.
func bindLegacyEnv(v *viper.Viper) error {
	bindings := map[string]string{
		"telegram.token":           "BOT_TOKEN",
		"telegram.mode":            "TRANSPORT_MODE",
		"telegram.use_polling":     "USE_POLLING",
		"telegram.public_base_url": "PUBLIC_BASE_URL",
		"telegram.webhook_secret":  "TELEGRAM_SECRET_TOKEN",
		"store.url":                "DATABASE_URL",
		"cache.url":                "REDIS_URL",
		"server.port":              "PORT",
		"log.level":                "LOG_LEVEL",
		"admin.token":              "ADMIN_TOKEN",
	}
	for key, env := range bindings {
		prefixed := "GREMLIN_" + strings.ToUpper(strings.ReplaceAll(key, ".", "_"))
		if err := v.BindEnv(key, prefixed, env); err != nil {
			return fmt.Errorf("bind %s: %w", env, err)
		}
	}
	return nil
}

// resolveMode turns auto into a concrete mode: webhook when a public URL is
// configured, polling otherwise. USE_POLLING forces polling.
func (c *Config) resolveMode() {
	c.Telegram.Mode = strings.ToLower(strings.TrimSpace(c.Telegram.Mode))
	if c.Telegram.UsePolling {
		c.Telegram.Mode = ModePolling
		return
	}
	if c.Telegram.Mode == "" || c.Telegram.Mode == ModeAuto {
		if c.Telegram.PublicBaseURL != "" {
			c.Telegram.Mode = ModeWebhook
		} else {
			c.Telegram.Mode = ModePolling
		}
	}
}

// Validate checks if all required configuration fields are set.
func (c *Config) Validate() error {
	if c.Telegram.Token == "" {
		return fmt.Errorf("telegram token is required")
	}
	switch c.Telegram.Mode {
	case ModeWebhook:
		if c.Telegram.PublicBaseURL == "" {
			return fmt.Errorf("webhook mode requires telegram.public_base_url")
		}
		if c.Telegram.WebhookSecret == "" {
			return fmt.Errorf("webhook mode requires telegram.webhook_secret")
		}
	case ModePolling:
	default:
		return fmt.Errorf("unknown transport mode %q", c.Telegram.Mode)
	}
	if c.Telegram.PollTimeout < 0 {
		return fmt.Errorf("telegram.poll_timeout must not be negative")
	}
	if c.Store.URL == "" {
		return fmt.Errorf("store url is required")
	}
	if c.Dispatch.MaxAttempts < 1 {
		return fmt.Errorf("dispatch.max_attempts must be at least 1")
	}
	for name, d := range map[string]time.Duration{
		"dispatch.initial_backoff": c.Dispatch.InitialBackoff,
		"dispatch.max_backoff":     c.Dispatch.MaxBackoff,
		"dispatch.call_timeout":    c.Dispatch.CallTimeout,
		"server.shutdown_grace":    c.Server.ShutdownGrace,
	} {
		if d <= 0 {
			return fmt.Errorf("%s must be positive", name)
		}
	}
	if c.Dispatch.MaxConcurrency < 1 || c.Dispatch.QueueSize < 1 || c.Webhook.QueueSize < 1 {
		return fmt.Errorf("dispatch and webhook queue sizes must be positive")
	}
	return nil
}

// ServerAddress returns the full server address.
func (c *Config) ServerAddress() string {
	return fmt.Sprintf("%s:%d", c.Server.Host, c.Server.Port)
}

// WebhookURL returns the URL registered with the platform.
func (c *Config) WebhookURL() string {
	return strings.TrimRight(c.Telegram.PublicBaseURL, "/") + WebhookPath
}

// HTTPTimeout bounds Bot API calls. It leaves room for the long-poll wait.
func (c *Config) HTTPTimeout() time.Duration {
	return c.Telegram.PollTimeout + 10*time.Second
}
