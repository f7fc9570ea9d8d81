// Package config provides configuration loading for reportd.
//
// Configuration is loaded from environment variables with sensible defaults,
// optionally layered over a YAML config file (see loader.go).
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/fyrsmithlabs/reportd/internal/logging"
)

// Config holds the complete reportd configuration.
type Config struct {
	Server   ServerConfig   `koanf:"server"`
	Logging  logging.Config `koanf:"logging"`
	Store    StoreConfig    `koanf:"store"`
	Autosave AutosaveConfig `koanf:"autosave"`
	Presence PresenceConfig `koanf:"presence"`
}

// ServerConfig holds HTTP server configuration.
type ServerConfig struct {
	Host            string        `koanf:"host"`
	Port            int           `koanf:"http_port"`
	ShutdownTimeout time.Duration `koanf:"shutdown_timeout"`
}

// StoreConfig holds version store configuration.
type StoreConfig struct {
	// Path is the directory holding the SQLite database file.
	Path string `koanf:"path"`
}

// AutosaveConfig holds autosave scheduler configuration.
type AutosaveConfig struct {
	// Interval is the background save period when edits are pending.
	Interval time.Duration `koanf:"interval"`

	// SaveTimeout bounds how long a single save attempt may stay in flight.
	SaveTimeout time.Duration `koanf:"save_timeout"`

	// DraftTTL bounds how long a local draft backup stays valid.
	DraftTTL time.Duration `koanf:"draft_ttl"`

	// CoalesceInterval is the minimum interval between dirty-state
	// notifications when keystrokes arrive in bursts.
	CoalesceInterval time.Duration `koanf:"coalesce_interval"`
}

// PresenceConfig holds presence hub and client configuration.
type PresenceConfig struct {
	// HeartbeatInterval is how often editing clients send activity.
	HeartbeatInterval time.Duration `koanf:"heartbeat_interval"`

	// StaleAfter is how long an entry may go without activity before it is
	// garbage-collected.
	StaleAfter time.Duration `koanf:"stale_after"`

	// ReconnectDelay is the fixed delay between client reconnect attempts.
	ReconnectDelay time.Duration `koanf:"reconnect_delay"`

	// NATSURL, when set, enables cross-process presence fan-out over NATS.
	NATSURL string `koanf:"nats_url"`

	// NATSSubject is the subject prefix used by the fan-out bridge.
	NATSSubject string `koanf:"nats_subject"`
}

// Load loads configuration from environment variables with defaults.
//
// Environment variables:
//   - SERVER_HOST: HTTP listen host (default: localhost)
//   - SERVER_HTTP_PORT: HTTP server port (default: 8090)
//   - SERVER_SHUTDOWN_TIMEOUT: Graceful shutdown timeout (default: 10s)
//   - LOGGING_LEVEL / LOGGING_FORMAT: log level and encoder (info / json)
//   - STORE_PATH: data directory for the SQLite store (default: ./data)
//   - AUTOSAVE_INTERVAL: background save period (default: 5m)
//   - AUTOSAVE_SAVE_TIMEOUT: in-flight save bound (default: 30s)
//   - AUTOSAVE_DRAFT_TTL: local draft staleness bound (default: 1h)
//   - AUTOSAVE_COALESCE_INTERVAL: dirty-notify coalescing (default: 500ms)
//   - PRESENCE_HEARTBEAT_INTERVAL: client activity cadence (default: 30s)
//   - PRESENCE_STALE_AFTER: entry GC threshold (default: 90s)
//   - PRESENCE_RECONNECT_DELAY: client reconnect delay (default: 3s)
//   - PRESENCE_NATS_URL / PRESENCE_NATS_SUBJECT: optional fan-out bridge
func Load() *Config {
	cfg := &Config{
		Server: ServerConfig{
			Host:            getEnvString("SERVER_HOST", "localhost"),
			Port:            getEnvInt("SERVER_HTTP_PORT", 8090),
			ShutdownTimeout: getEnvDuration("SERVER_SHUTDOWN_TIMEOUT", 10*time.Second),
		},
		Logging: logging.Config{
			Level:  getEnvString("LOGGING_LEVEL", "info"),
			Format: getEnvString("LOGGING_FORMAT", "json"),
			Fields: map[string]string{"service": "reportd"},
		},
		Store: StoreConfig{
			Path: getEnvString("STORE_PATH", "./data"),
		},
		Autosave: AutosaveConfig{
			Interval:         getEnvDuration("AUTOSAVE_INTERVAL", 5*time.Minute),
			SaveTimeout:      getEnvDuration("AUTOSAVE_SAVE_TIMEOUT", 30*time.Second),
			DraftTTL:         getEnvDuration("AUTOSAVE_DRAFT_TTL", time.Hour),
			CoalesceInterval: getEnvDuration("AUTOSAVE_COALESCE_INTERVAL", 500*time.Millisecond),
		},
		Presence: PresenceConfig{
			HeartbeatInterval: getEnvDuration("PRESENCE_HEARTBEAT_INTERVAL", 30*time.Second),
			StaleAfter:        getEnvDuration("PRESENCE_STALE_AFTER", 90*time.Second),
			ReconnectDelay:    getEnvDuration("PRESENCE_RECONNECT_DELAY", 3*time.Second),
			NATSURL:           getEnvString("PRESENCE_NATS_URL", ""),
			NATSSubject:       getEnvString("PRESENCE_NATS_SUBJECT", "reportd.presence"),
		},
	}

	return cfg
}

// Validate validates the configuration.
func (c *Config) Validate() error {
	if c.Server.Port < 1 || c.Server.Port > 65535 {
		return fmt.Errorf("invalid server port: %d (must be 1-65535)", c.Server.Port)
	}
	if c.Server.ShutdownTimeout <= 0 {
		return errors.New("shutdown timeout must be positive")
	}
	if err := c.Logging.Validate(); err != nil {
		return fmt.Errorf("logging: %w", err)
	}
	if c.Store.Path == "" {
		return errors.New("store path must not be empty")
	}
	if c.Autosave.Interval <= 0 {
		return errors.New("autosave interval must be positive")
	}
	if c.Autosave.SaveTimeout <= 0 {
		return errors.New("autosave save timeout must be positive")
	}
	if c.Autosave.DraftTTL <= 0 {
		return errors.New("autosave draft TTL must be positive")
	}
	if c.Autosave.CoalesceInterval < 0 {
		return errors.New("autosave coalesce interval must not be negative")
	}
	if c.Presence.HeartbeatInterval <= 0 {
		return errors.New("presence heartbeat interval must be positive")
	}
	if c.Presence.StaleAfter <= c.Presence.HeartbeatInterval {
		return errors.New("presence stale threshold must exceed the heartbeat interval")
	}
	if c.Presence.ReconnectDelay <= 0 {
		return errors.New("presence reconnect delay must be positive")
	}
	if c.Presence.NATSURL != "" && c.Presence.NATSSubject == "" {
		return errors.New("presence NATS subject required when NATS URL is set")
	}
	return nil
}

// Helper functions for environment variable parsing

func getEnvString(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if parsed, err := strconv.Atoi(value); err == nil {
			return parsed
		}
	}
	return defaultValue
}

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		parsed, err := time.ParseDuration(value)
		if err == nil {
			return parsed
		}
	}
	return defaultValue
}
