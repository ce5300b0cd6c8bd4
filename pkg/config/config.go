// pkg/config/config.go

// Package config loads service configuration from an optional YAML file with
// environment-variable overrides for the deployment-sensitive values.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v2"
)

// Config is the full service configuration.
type Config struct {
	LogLevel  string    `yaml:"logLevel"`
	HTTP      HTTP      `yaml:"http"`
	Database  Database  `yaml:"database"`
	MQTT      MQTT      `yaml:"mqtt"`
	Reconcile Reconcile `yaml:"reconcile"`
	Command   Command   `yaml:"command"`
	Hub       Hub       `yaml:"hub"`
}

// HTTP configures the REST/websocket listener.
type HTTP struct {
	Addr string `yaml:"addr"`
}

// Database selects the persistence engine. An empty DSN falls back to the
// in-memory store (development only).
type Database struct {
	DSN string `yaml:"dsn"`
}

// MQTT configures the device ingestion bridge.
type MQTT struct {
	Enabled      bool   `yaml:"enabled"`
	Broker       string `yaml:"broker"`
	ClientID     string `yaml:"clientId"`
	ReportTopic  string `yaml:"reportTopic"`
	CommandTopic string `yaml:"commandTopic"`
}

// Reconcile bounds the compare-and-swap retry loop.
type Reconcile struct {
	MaxRetries    int    `yaml:"maxRetries"`
	RetryInterval string `yaml:"retryInterval"`
	DeepMerge     bool   `yaml:"deepMerge"`
}

// RetryIntervalDuration parses the retry interval, defaulting to 10ms.
func (r Reconcile) RetryIntervalDuration() time.Duration {
	return parseDuration(r.RetryInterval, 10*time.Millisecond)
}

// Command bounds the dispatcher's timeout/retry state machine.
type Command struct {
	Timeout       string `yaml:"timeout"`
	MaxAttempts   int    `yaml:"maxAttempts"`
	RetryInterval string `yaml:"retryInterval"`
}

// TimeoutDuration parses the per-attempt command deadline, defaulting to 30s.
func (c Command) TimeoutDuration() time.Duration {
	return parseDuration(c.Timeout, 30*time.Second)
}

// RetryIntervalDuration parses the spacing seed between attempts, defaulting
// to 1s.
func (c Command) RetryIntervalDuration() time.Duration {
	return parseDuration(c.RetryInterval, time.Second)
}

// Hub configures subscriber fan-out.
type Hub struct {
	Buffer int `yaml:"buffer"`
}

// Default returns the built-in configuration.
func Default() Config {
	return Config{
		LogLevel: "info",
		HTTP:     HTTP{Addr: ":8080"},
		MQTT: MQTT{
			Broker:       "tcp://localhost:1883",
			ClientID:     "shadowd",
			ReportTopic:  "devices/+/state/reported",
			CommandTopic: "devices/%s/commands",
		},
		Reconcile: Reconcile{MaxRetries: 5, RetryInterval: "10ms"},
		Command:   Command{Timeout: "30s", MaxAttempts: 3, RetryInterval: "1s"},
		Hub:       Hub{Buffer: 64},
	}
}

// Load reads the YAML file at path (skipped when empty) on top of the
// defaults, then applies environment overrides: DATABASE_DSN, API_PORT,
// MQTT_BROKER and LOG_LEVEL.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		raw, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
		if err := yaml.Unmarshal(raw, &cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config file: %w", err)
		}
	}

	if dsn := os.Getenv("DATABASE_DSN"); dsn != "" {
		cfg.Database.DSN = dsn
	}
	if port := os.Getenv("API_PORT"); port != "" {
		cfg.HTTP.Addr = ":" + port
	}
	if broker := os.Getenv("MQTT_BROKER"); broker != "" {
		cfg.MQTT.Broker = broker
		cfg.MQTT.Enabled = true
	}
	if level := os.Getenv("LOG_LEVEL"); level != "" {
		cfg.LogLevel = level
	}

	return &cfg, nil
}

func parseDuration(raw string, fallback time.Duration) time.Duration {
	if raw == "" {
		return fallback
	}
	d, err := time.ParseDuration(raw)
	if err != nil || d <= 0 {
		return fallback
	}
	return d
}
