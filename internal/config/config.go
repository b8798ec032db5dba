package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/macjediwizard/calpush/internal/caldav"
	"github.com/macjediwizard/calpush/internal/notify"
	"github.com/macjediwizard/calpush/internal/validator"
	"github.com/sirupsen/logrus"
)

var (
	ErrMissingConfig    = errors.New("missing required configuration")
	ErrInvalidConfig    = errors.New("invalid configuration value")
	ErrValidationFailed = errors.New("configuration validation failed")
)

// Environment represents the deployment environment.
type Environment string

const (
	EnvDevelopment Environment = "development"
	EnvProduction  Environment = "production"
)

const minSyncInterval = 30

// Config holds all application configuration.
type Config struct {
	Server   ServerConfig
	Database DatabaseConfig
	CalDAV   CalDAVConfig
	Sync     SyncConfig
	Alerts   AlertConfig
	LogLevel logrus.Level
}

// ServerConfig holds HTTP server configuration.
type ServerConfig struct {
	Port        int
	Environment Environment
}

// DatabaseConfig holds database configuration.
type DatabaseConfig struct {
	Path string
}

// CalDAVConfig holds the remote server connection settings.
type CalDAVConfig struct {
	URL         string
	Username    string
	Password    string
	BearerToken string
	Collection  string // explicit collection path, skips discovery selection
	Timeout     time.Duration
	RPS         float64
	Burst       int
}

// SyncConfig holds sync interval configuration.
type SyncConfig struct {
	Interval time.Duration
}

// AlertConfig holds webhook alert configuration.
type AlertConfig struct {
	WebhookURL string
	Cooldown   time.Duration
}

// Load loads configuration from environment variables.
// It attempts to load from .env file first, but continues if not found.
func Load() (*Config, error) {
	// Attempt to load .env file (ignore error if not found)
	_ = godotenv.Load() //nolint:errcheck // .env file is optional

	cfg := &Config{}

	port, err := getEnvInt("PORT", 8080)
	if err != nil {
		return nil, fmt.Errorf("%w: PORT: %w", ErrInvalidConfig, err)
	}
	cfg.Server.Port = port
	cfg.Server.Environment = Environment(strings.ToLower(getEnv("ENVIRONMENT", "production")))

	cfg.Database.Path = getEnv("DATABASE_PATH", "./data/calpush.db")

	cfg.CalDAV.URL = getEnvRequired("CALDAV_URL")
	cfg.CalDAV.Username = getEnv("CALDAV_USERNAME", "")
	cfg.CalDAV.Password = getEnv("CALDAV_PASSWORD", "")
	cfg.CalDAV.BearerToken = getEnv("CALDAV_BEARER_TOKEN", "")
	cfg.CalDAV.Collection = getEnv("CALDAV_COLLECTION", "")

	timeout, err := getEnvInt("CALDAV_TIMEOUT_SECONDS", 30)
	if err != nil {
		return nil, fmt.Errorf("%w: CALDAV_TIMEOUT_SECONDS: %w", ErrInvalidConfig, err)
	}
	if timeout <= 0 {
		return nil, fmt.Errorf("%w: CALDAV_TIMEOUT_SECONDS must be positive", ErrInvalidConfig)
	}
	cfg.CalDAV.Timeout = time.Duration(timeout) * time.Second

	rps, err := getEnvFloat("CALDAV_RPS", 5.0)
	if err != nil {
		return nil, fmt.Errorf("%w: CALDAV_RPS: %w", ErrInvalidConfig, err)
	}
	cfg.CalDAV.RPS = rps

	burst, err := getEnvInt("CALDAV_BURST", 10)
	if err != nil {
		return nil, fmt.Errorf("%w: CALDAV_BURST: %w", ErrInvalidConfig, err)
	}
	cfg.CalDAV.Burst = burst

	interval, err := getEnvInt("SYNC_INTERVAL_SECONDS", 900)
	if err != nil {
		return nil, fmt.Errorf("%w: SYNC_INTERVAL_SECONDS: %w", ErrInvalidConfig, err)
	}
	if interval < minSyncInterval {
		return nil, fmt.Errorf("%w: SYNC_INTERVAL_SECONDS must be at least %d", ErrInvalidConfig, minSyncInterval)
	}
	cfg.Sync.Interval = time.Duration(interval) * time.Second

	level, err := logrus.ParseLevel(getEnv("LOG_LEVEL", "info"))
	if err != nil {
		return nil, fmt.Errorf("%w: LOG_LEVEL: %w", ErrInvalidConfig, err)
	}
	cfg.LogLevel = level

	cfg.Alerts.WebhookURL = getEnv("WEBHOOK_URL", "")
	cooldown, err := getEnvInt("ALERT_COOLDOWN_MINUTES", 60)
	if err != nil {
		return nil, fmt.Errorf("%w: ALERT_COOLDOWN_MINUTES: %w", ErrInvalidConfig, err)
	}
	cfg.Alerts.Cooldown = time.Duration(cooldown) * time.Minute

	missing := cfg.getMissingRequired()
	if len(missing) > 0 {
		return nil, fmt.Errorf("%w: %s", ErrMissingConfig, strings.Join(missing, ", "))
	}

	return cfg, nil
}

// getMissingRequired returns a list of missing required configuration values.
func (c *Config) getMissingRequired() []string {
	var missing []string

	if c.CalDAV.URL == "" {
		missing = append(missing, "CALDAV_URL")
	}
	if c.CalDAV.Password != "" && c.CalDAV.Username == "" {
		missing = append(missing, "CALDAV_USERNAME")
	}

	return missing
}

// Validate checks URL formats. Production requires https.
func (c *Config) Validate() error {
	v := validator.New()

	if err := v.ValidateURL(c.CalDAV.URL, c.IsProduction()); err != nil {
		return fmt.Errorf("%w: CALDAV_URL: %w", ErrValidationFailed, err)
	}

	if c.Alerts.WebhookURL != "" {
		if err := notify.ValidateConfig(c.NotifyConfig()); err != nil {
			return fmt.Errorf("%w: WEBHOOK_URL: %w", ErrValidationFailed, err)
		}
	}

	return nil
}

// IsDevelopment returns true if running in development mode.
func (c *Config) IsDevelopment() bool {
	return c.Server.Environment == EnvDevelopment
}

// IsProduction returns true if running in production mode.
func (c *Config) IsProduction() bool {
	return c.Server.Environment == EnvProduction
}

// EngineConfig builds the sync engine configuration.
func (c *Config) EngineConfig() caldav.EngineConfig {
	return caldav.EngineConfig{
		Client: caldav.ClientConfig{
			URL:               c.CalDAV.URL,
			Username:          c.CalDAV.Username,
			Password:          c.CalDAV.Password,
			BearerToken:       c.CalDAV.BearerToken,
			Timeout:           c.CalDAV.Timeout,
			RequestsPerSecond: c.CalDAV.RPS,
			Burst:             c.CalDAV.Burst,
		},
		Collection: c.CalDAV.Collection,
	}
}

// NotifyConfig builds the notifier configuration.
func (c *Config) NotifyConfig() *notify.Config {
	return &notify.Config{
		WebhookURL:     c.Alerts.WebhookURL,
		CooldownPeriod: c.Alerts.Cooldown,
	}
}

// getEnv returns the value of an environment variable or a default value.
func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

// getEnvRequired returns the value of an environment variable.
// Returns empty string if not set (caller should check for required values).
func getEnvRequired(key string) string {
	return os.Getenv(key)
}

// getEnvInt returns the integer value of an environment variable or a default.
func getEnvInt(key string, defaultValue int) (int, error) {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue, nil
	}
	parsed, err := strconv.Atoi(value)
	if err != nil {
		return 0, fmt.Errorf("invalid integer: %w", err)
	}
	return parsed, nil
}

// getEnvFloat returns the float value of an environment variable or a default.
func getEnvFloat(key string, defaultValue float64) (float64, error) {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue, nil
	}
	parsed, err := strconv.ParseFloat(value, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid float: %w", err)
	}
	return parsed, nil
}
