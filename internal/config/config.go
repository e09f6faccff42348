// Package config loads the relay's runtime settings. Values come from
// built-in defaults, then an optional YAML file, then environment
// variables; command-line flags in cmd/server are applied last.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds the server configuration settings.
type Config struct {
	// Port is the TCP port the HTTP and websocket listener binds.
	Port int `yaml:"port"`

	// AllowedOrigins lists the browser origins allowed to open a
	// websocket or call the API. "*" allows any origin.
	AllowedOrigins []string `yaml:"allowed_origins"`

	// DatabasePath is the sqlite file backing the document store.
	DatabasePath string `yaml:"database_path"`

	// GracePeriod is how long an empty room is kept in memory.
	GracePeriod time.Duration `yaml:"grace_period"`

	// MaxMessageSize bounds a single inbound websocket frame in bytes.
	MaxMessageSize int64 `yaml:"max_message_size"`

	RateLimit RateLimitConfig `yaml:"rate_limit"`

	// ShutdownTimeout bounds graceful shutdown of HTTP and websocket
	// connections.
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`

	Log LogConfig `yaml:"log"`
}

// RateLimitConfig defines per-connection and per-host limits.
type RateLimitConfig struct {
	// MessagesPerSecond and Burst bound inbound frames per connection.
	MessagesPerSecond float64 `yaml:"messages_per_second"`
	Burst             int     `yaml:"burst"`

	// MaxViolations is how many dropped frames a connection may
	// accumulate before it is disconnected.
	MaxViolations int `yaml:"max_violations"`

	// ConnectsPerMinute bounds websocket upgrades per remote host.
	ConnectsPerMinute int `yaml:"connects_per_minute"`
}

type LogConfig struct {
	// Level is one of debug, info, warn, error.
	Level string `yaml:"level"`

	// Format is "text" or "json".
	Format string `yaml:"format"`
}

// Default returns the configuration of the reference deployment.
func Default() Config {
	return Config{
		Port:            3001,
		AllowedOrigins:  []string{"http://localhost:3000"},
		DatabasePath:    "./data/docrelay.db",
		GracePeriod:     60 * time.Second,
		MaxMessageSize:  1024 * 1024,
		ShutdownTimeout: 10 * time.Second,
		RateLimit: RateLimitConfig{
			MessagesPerSecond: 100,
			Burst:             200,
			MaxViolations:     1000,
			ConnectsPerMinute: 60,
		},
		Log: LogConfig{
			Level:  "info",
			Format: "text",
		},
	}
}

// Load builds a Config from defaults, the YAML file at path (skipped
// when path is empty) and the environment.
func Load(path string) (Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return Config{}, fmt.Errorf("reading config %s: %w", path, err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return Config{}, fmt.Errorf("parsing config %s: %w", path, err)
		}
	}

	cfg.ApplyEnv(os.Getenv)
	return cfg.Sanitize(), nil
}

// ApplyEnv overrides fields from environment variables. Unparseable
// values are ignored.
func (c *Config) ApplyEnv(getenv func(string) string) {
	if port := getenv("SOCKET_PORT"); port != "" {
		c.Port = parseIntValue(port, c.Port)
	}
	if port := getenv("PORT"); port != "" && getenv("SOCKET_PORT") == "" {
		c.Port = parseIntValue(port, c.Port)
	}

	// NEXT_PUBLIC_APP_URL names the single web app origin;
	// DOCRELAY_ALLOWED_ORIGINS takes a comma-separated list.
	if origin := getenv("NEXT_PUBLIC_APP_URL"); origin != "" {
		c.AllowedOrigins = []string{origin}
	}
	if origins := getenv("DOCRELAY_ALLOWED_ORIGINS"); origins != "" {
		c.AllowedOrigins = parseOrigins(origins)
	}

	if path := getenv("DOCRELAY_DB_PATH"); path != "" {
		c.DatabasePath = path
	}
	if grace := getenv("DOCRELAY_GRACE_PERIOD"); grace != "" {
		c.GracePeriod = parseDuration(grace, c.GracePeriod)
	}
	if size := getenv("DOCRELAY_MAX_MESSAGE_SIZE"); size != "" {
		if parsed, err := strconv.ParseInt(size, 10, 64); err == nil && parsed > 0 {
			c.MaxMessageSize = parsed
		}
	}
	if level := getenv("DOCRELAY_LOG_LEVEL"); level != "" {
		c.Log.Level = level
	}
	if format := getenv("DOCRELAY_LOG_FORMAT"); format != "" {
		c.Log.Format = format
	}
}

// Sanitize replaces zero or invalid values with defaults.
func (c Config) Sanitize() Config {
	def := Default()

	if c.Port <= 0 || c.Port > 65535 {
		c.Port = def.Port
	}
	if c.DatabasePath == "" {
		c.DatabasePath = def.DatabasePath
	}
	if c.GracePeriod <= 0 {
		c.GracePeriod = def.GracePeriod
	}
	if c.MaxMessageSize <= 0 {
		c.MaxMessageSize = def.MaxMessageSize
	}
	if c.ShutdownTimeout <= 0 {
		c.ShutdownTimeout = def.ShutdownTimeout
	}
	if c.RateLimit.MessagesPerSecond <= 0 {
		c.RateLimit.MessagesPerSecond = def.RateLimit.MessagesPerSecond
	}
	if c.RateLimit.Burst <= 0 {
		c.RateLimit.Burst = def.RateLimit.Burst
	}
	if c.RateLimit.MaxViolations <= 0 {
		c.RateLimit.MaxViolations = def.RateLimit.MaxViolations
	}
	if c.RateLimit.ConnectsPerMinute <= 0 {
		c.RateLimit.ConnectsPerMinute = def.RateLimit.ConnectsPerMinute
	}

	origins := make([]string, 0, len(c.AllowedOrigins))
	for _, origin := range c.AllowedOrigins {
		if trimmed := strings.TrimSpace(origin); trimmed != "" {
			origins = append(origins, trimmed)
		}
	}
	if len(origins) == 0 {
		origins = def.AllowedOrigins
	}
	c.AllowedOrigins = origins

	switch strings.ToLower(c.Log.Format) {
	case "text", "json":
		c.Log.Format = strings.ToLower(c.Log.Format)
	default:
		c.Log.Format = def.Log.Format
	}
	if c.Log.Level == "" {
		c.Log.Level = def.Log.Level
	}

	return c
}

// Addr is the listen address for Port.
func (c Config) Addr() string {
	return ":" + strconv.Itoa(c.Port)
}

func parseOrigins(origins string) []string {
	parts := strings.Split(origins, ",")
	for i := range parts {
		parts[i] = strings.TrimSpace(parts[i])
	}
	return parts
}

func parseIntValue(value string, defaultValue int) int {
	if parsed, err := strconv.Atoi(value); err == nil && parsed > 0 {
		return parsed
	}
	return defaultValue
}

// parseDuration accepts Go duration syntax or a bare number of seconds.
func parseDuration(value string, defaultValue time.Duration) time.Duration {
	if d, err := time.ParseDuration(value); err == nil && d > 0 {
		return d
	}
	if seconds, err := strconv.Atoi(value); err == nil && seconds > 0 {
		return time.Duration(seconds) * time.Second
	}
	return defaultValue
}
