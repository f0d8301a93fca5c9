// Package config loads runtime settings from the environment and an optional
// YAML file, and normalizes them into safe values.
package config

import (
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/ilyakaznacheev/cleanenv"
)

// Supported database drivers.
const (
	DriverSQLite   = "sqlite"
	DriverPostgres = "postgres"

	devSecret = "privchat-dev-secret-change-me"
)

// Seconds parses "10s", "5m" or a bare number of seconds.
type Seconds time.Duration

// SetValue implements cleanenv.Setter.
func (d *Seconds) SetValue(s string) error {
	v, err := parseDuration(s)
	if err != nil {
		return err
	}
	*d = Seconds(v)
	return nil
}

// UnmarshalText lets YAML files use the same notation as the environment.
func (d *Seconds) UnmarshalText(text []byte) error {
	return d.SetValue(string(text))
}

func (d Seconds) Duration() time.Duration { return time.Duration(d) }

func parseDuration(s string) (time.Duration, error) {
	s = strings.Trim(strings.TrimSpace(s), `"'`)
	if s == "" {
		return 0, errors.New("empty duration")
	}
	if n, err := strconv.ParseInt(s, 10, 64); err == nil {
		return time.Duration(n) * time.Second, nil
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return 0, fmt.Errorf("duration must be like 10s, 5m or a number of seconds: %w", err)
	}
	return d, nil
}

// RateLimitConfig defines per-connection inbound message rate limiting.
type RateLimitConfig struct {
	Burst          int     `yaml:"burst" env:"RATE_LIMIT_BURST" env-default:"5"`
	RefillInterval Seconds `yaml:"refill_interval" env:"RATE_LIMIT_REFILL_INTERVAL" env-default:"1"`
}

// ServerConfig holds the HTTP and live connection settings.
type ServerConfig struct {
	Port            string          `yaml:"port" env:"SERVER_PORT" env-default:":8080"`
	AllowedOrigins  []string        `yaml:"allowed_origins" env:"ALLOWED_ORIGINS" env-separator:"," env-default:"http://localhost:8080"`
	MaxMessageSize  int64           `yaml:"max_message_size" env:"MAX_MESSAGE_SIZE" env-default:"512"`
	RateLimit       RateLimitConfig `yaml:"rate_limit"`
	ShutdownTimeout Seconds         `yaml:"shutdown_timeout" env:"SHUTDOWN_TIMEOUT" env-default:"10s"`

	// AllowAllOrigins is set by Sanitize when the origin list contains "*".
	AllowAllOrigins bool `yaml:"-"`
}

// AuthConfig holds session token and cookie settings.
type AuthConfig struct {
	SecretKey    string  `yaml:"secret_key" env:"SECRET_KEY"`
	TokenTTL     Seconds `yaml:"token_ttl" env:"TOKEN_TTL" env-default:"24h"`
	CookieName   string  `yaml:"cookie_name" env:"COOKIE_NAME" env-default:"access_token"`
	CookieSecure bool    `yaml:"cookie_secure" env:"COOKIE_SECURE" env-default:"false"`
}

// DatabaseConfig selects the store backend.
type DatabaseConfig struct {
	Driver string `yaml:"driver" env:"DATABASE_DRIVER" env-default:"sqlite"`
	URL    string `yaml:"url" env:"DATABASE_URL" env-default:"privchat.db"`
}

// LogConfig controls the level and output format of the logger.
type LogConfig struct {
	Level  string `yaml:"level" env:"LOG_LEVEL" env-default:"info"`
	Format string `yaml:"format" env:"LOG_FORMAT" env-default:"text"`
}

// Config is the complete runtime configuration.
type Config struct {
	Env      string         `yaml:"env" env:"APP_ENV" env-default:"dev"`
	Server   ServerConfig   `yaml:"server"`
	Auth     AuthConfig     `yaml:"auth"`
	Database DatabaseConfig `yaml:"database"`
	Log      LogConfig      `yaml:"log"`
}

// Default returns the configuration used when nothing is set.
func Default() *Config {
	cfg := &Config{
		Env: "dev",
		Server: ServerConfig{
			Port:           ":8080",
			AllowedOrigins: []string{"http://localhost:8080"},
			MaxMessageSize: 512,
			RateLimit: RateLimitConfig{
				Burst:          5,
				RefillInterval: Seconds(time.Second),
			},
			ShutdownTimeout: Seconds(10 * time.Second),
		},
		Auth: AuthConfig{
			TokenTTL:   Seconds(24 * time.Hour),
			CookieName: "access_token",
		},
		Database: DatabaseConfig{Driver: DriverSQLite, URL: "privchat.db"},
		Log:      LogConfig{Level: "info", Format: "text"},
	}
	cfg.Sanitize(nil)
	return cfg
}

// Load reads the YAML file at path, if any, then the environment, which takes
// precedence. The result is sanitized and validated.
func Load(path string, logger *slog.Logger) (*Config, error) {
	var cfg Config
	if path != "" {
		if err := cleanenv.ReadConfig(path, &cfg); err != nil {
			return nil, fmt.Errorf("read config %s: %w", path, err)
		}
	} else if err := cleanenv.ReadEnv(&cfg); err != nil {
		return nil, fmt.Errorf("read env: %w", err)
	}

	cfg.Sanitize(logger)
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Sanitize replaces invalid values with defaults and normalizes origins.
func (c *Config) Sanitize(logger *slog.Logger) {
	if logger == nil {
		logger = slog.Default()
	}

	if c.Env == "" {
		c.Env = "dev"
	}
	if c.Server.Port == "" {
		c.Server.Port = ":8080"
	}
	if c.Server.MaxMessageSize <= 0 {
		c.Server.MaxMessageSize = 512
	}
	if c.Server.RateLimit.Burst <= 0 {
		c.Server.RateLimit.Burst = 5
	}
	if c.Server.RateLimit.RefillInterval <= 0 {
		c.Server.RateLimit.RefillInterval = Seconds(time.Second)
	}
	if c.Server.ShutdownTimeout <= 0 {
		c.Server.ShutdownTimeout = Seconds(10 * time.Second)
	}
	if c.Auth.TokenTTL <= 0 {
		c.Auth.TokenTTL = Seconds(24 * time.Hour)
	}
	if c.Auth.CookieName == "" {
		c.Auth.CookieName = "access_token"
	}
	if c.Auth.SecretKey == "" && c.IsDev() {
		logger.Warn("SECRET_KEY not set, using the development secret")
		c.Auth.SecretKey = devSecret
	}

	c.Database.Driver = strings.ToLower(strings.TrimSpace(c.Database.Driver))
	if c.Database.Driver == "" {
		c.Database.Driver = DriverSQLite
	}
	c.Log.Level = strings.ToLower(strings.TrimSpace(c.Log.Level))
	c.Log.Format = strings.ToLower(strings.TrimSpace(c.Log.Format))

	origins, allowAll, invalid := NormalizeOrigins(c.Server.AllowedOrigins)
	for _, o := range invalid {
		logger.Warn("ignoring invalid origin in configuration", "origin", o)
	}
	c.Server.AllowedOrigins = origins
	c.Server.AllowAllOrigins = allowAll
}

// Validate reports settings that cannot be defaulted.
func (c *Config) Validate() error {
	if c.Auth.SecretKey == "" {
		return errors.New("SECRET_KEY is required outside the dev environment")
	}
	switch c.Database.Driver {
	case DriverSQLite, DriverPostgres:
	default:
		return fmt.Errorf("unsupported DATABASE_DRIVER %q", c.Database.Driver)
	}
	if c.Database.URL == "" {
		return errors.New("DATABASE_URL is required")
	}
	return nil
}

// IsDev reports whether the service runs in the development environment.
func (c *Config) IsDev() bool {
	return c.Env == "dev" || c.Env == "development"
}

// NormalizeOrigins normalizes each origin to "scheme://host". "*" allows any
// origin; entries that do not parse are returned in invalid.
func NormalizeOrigins(origins []string) (normalized []string, allowAll bool, invalid []string) {
	normalized = make([]string, 0, len(origins))
	for _, origin := range origins {
		trimmed := strings.TrimSpace(origin)
		if trimmed == "" {
			continue
		}
		if trimmed == "*" {
			allowAll = true
			continue
		}
		n, ok := NormalizeOrigin(trimmed)
		if !ok {
			invalid = append(invalid, origin)
			continue
		}
		normalized = append(normalized, n)
	}
	return normalized, allowAll, invalid
}

// NormalizeOrigin lowercases scheme and host and drops everything else.
func NormalizeOrigin(origin string) (string, bool) {
	parsed, err := url.Parse(origin)
	if err != nil {
		return "", false
	}
	if parsed.Scheme == "" || parsed.Host == "" {
		return "", false
	}
	return strings.ToLower(parsed.Scheme) + "://" + strings.ToLower(parsed.Host), true
}
