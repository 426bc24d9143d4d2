// Package config handles relay configuration from environment variables
// and an optional YAML file.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds all relay configuration.
type Config struct {
	// Server
	ListenAddr string `yaml:"listen"`

	// Liveness
	DeviceTimeout time.Duration `yaml:"device_timeout"` // silence allowed before eviction
	SweepInterval time.Duration `yaml:"sweep_interval"` // pause between eviction sweeps

	// Transport
	SendBuffer int `yaml:"send_buffer"` // outbound frames queued per connection

	// Self-ping keepalive (disabled when ServerURL is empty)
	ServerURL    string        `yaml:"server_url"`
	KeepaliveMin time.Duration `yaml:"keepalive_min"`
	KeepaliveMax time.Duration `yaml:"keepalive_max"`

	// Presence store (disabled when empty)
	DatabasePath string `yaml:"db_path"`

	// Logging
	LogLevel    string        `yaml:"log_level"`
	LogThrottle time.Duration `yaml:"log_throttle"` // window for connection chatter
}

// DefaultConfig returns a config with default values.
func DefaultConfig() *Config {
	return &Config{
		ListenAddr:    ":3000",
		DeviceTimeout: 10 * time.Minute,
		SweepInterval: 1 * time.Minute,
		SendBuffer:    256,
		KeepaliveMin:  10 * time.Second,
		KeepaliveMax:  20 * time.Second,
		DatabasePath:  "relayhub.db",
		LogLevel:      "info",
		LogThrottle:   5 * time.Second,
	}
}

// Load builds the configuration: defaults, then the YAML file named by
// RELAY_CONFIG (if any), then environment variables.
func Load() (*Config, error) {
	cfg := DefaultConfig()

	if path := os.Getenv("RELAY_CONFIG"); path != "" {
		if err := cfg.mergeFile(path); err != nil {
			return nil, err
		}
	}

	cfg.applyEnv()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) mergeFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read config file: %w", err)
	}
	if err := yaml.Unmarshal(data, c); err != nil {
		return fmt.Errorf("failed to parse config file %s: %w", path, err)
	}
	return nil
}

func (c *Config) applyEnv() {
	if port := os.Getenv("PORT"); port != "" {
		c.ListenAddr = ":" + port
	}
	c.ListenAddr = getEnv("RELAY_LISTEN", c.ListenAddr)

	c.DeviceTimeout = parseDuration("RELAY_DEVICE_TIMEOUT", c.DeviceTimeout)
	c.SweepInterval = parseDuration("RELAY_SWEEP_INTERVAL", c.SweepInterval)
	c.SendBuffer = parseInt("RELAY_SEND_BUFFER", c.SendBuffer)

	c.ServerURL = strings.TrimRight(getEnv("SERVER_URL", c.ServerURL), "/")
	c.KeepaliveMin = parseDuration("RELAY_KEEPALIVE_MIN", c.KeepaliveMin)
	c.KeepaliveMax = parseDuration("RELAY_KEEPALIVE_MAX", c.KeepaliveMax)

	if v, ok := os.LookupEnv("RELAY_DB_PATH"); ok {
		c.DatabasePath = v
	}

	c.LogLevel = getEnv("RELAY_LOG_LEVEL", c.LogLevel)
	c.LogThrottle = parseDuration("RELAY_LOG_THROTTLE", c.LogThrottle)
}

// Validate checks that the configuration is valid.
func (c *Config) Validate() error {
	var errs []string

	if c.ListenAddr == "" {
		errs = append(errs, "listen address is required")
	}
	if c.DeviceTimeout <= 0 {
		errs = append(errs, "RELAY_DEVICE_TIMEOUT must be positive")
	}
	if c.SweepInterval <= 0 {
		errs = append(errs, "RELAY_SWEEP_INTERVAL must be positive")
	}
	if c.SendBuffer < 1 {
		errs = append(errs, "RELAY_SEND_BUFFER must be at least 1")
	}
	if c.KeepaliveMin <= 0 || c.KeepaliveMax < c.KeepaliveMin {
		errs = append(errs, "keepalive interval must satisfy 0 < RELAY_KEEPALIVE_MIN <= RELAY_KEEPALIVE_MAX")
	}
	if c.LogThrottle < 0 {
		errs = append(errs, "RELAY_LOG_THROTTLE must not be negative")
	}

	if len(errs) > 0 {
		return errors.New(strings.Join(errs, "; "))
	}
	return nil
}

// KeepaliveEnabled returns true if the self-ping target is configured.
func (c *Config) KeepaliveEnabled() bool {
	return c.ServerURL != ""
}

func getEnv(key, defaultValue string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultValue
}

func parseDuration(key string, defaultValue time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return defaultValue
}

func parseInt(key string, defaultValue int) int {
	if v := os.Getenv(key); v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			return i
		}
	}
	return defaultValue
}
