// Package config handles configuration loading for the rule engine.
package config

import (
	"fmt"
	"os"
	"strconv"
)

// Config holds the process's full configuration, read exclusively from
// environment variables. After Load returns successfully, every field
// is usable without further nil/empty checks.
type Config struct {
	Broker BrokerConfig
	TSDB   TSDBConfig

	// APIBase is the device actuator HTTP API's base URL, e.g.
	// "http://localhost:5000". Each command POSTs to
	// {APIBase}/{device_id}/settings/sensors/set.
	APIBase string

	// RulesFile is the path to the rule store's on-disk snapshot.
	RulesFile string

	// LogLevel is one of trace, debug, info, warn, error. Empty means
	// the default (info).
	LogLevel string
}

// BrokerConfig is the MQTT broker connection.
type BrokerConfig struct {
	Host string
	Port int
}

// URL returns the broker's connection URL in tcp://host:port form.
func (c BrokerConfig) URL() string {
	return fmt.Sprintf("tcp://%s:%d", c.Host, c.Port)
}

// TSDBConfig is the InfluxDB connection used by the time-series writer.
type TSDBConfig struct {
	URL    string
	Token  string
	Org    string
	Bucket string
}

// Load reads configuration from the environment, applies defaults for
// the optional variables (API_BASE, RULES_FILE), and validates the
// result.
func Load() (*Config, error) {
	cfg := &Config{
		Broker: BrokerConfig{
			Host: os.Getenv("BROKER_HOST"),
			Port: mustAtoi(os.Getenv("BROKER_PORT")),
		},
		TSDB: TSDBConfig{
			URL:    os.Getenv("TSDB_URL"),
			Token:  os.Getenv("TSDB_TOKEN"),
			Org:    os.Getenv("TSDB_ORG"),
			Bucket: os.Getenv("TSDB_BUCKET"),
		},
		APIBase:   os.Getenv("API_BASE"),
		RulesFile: os.Getenv("RULES_FILE"),
		LogLevel:  os.Getenv("LOG_LEVEL"),
	}

	cfg.applyDefaults()

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation: %w", err)
	}

	return cfg, nil
}

// applyDefaults fills in zero-value fields with sensible defaults.
// Called automatically by Load. After this, callers can read any field
// without checking for empty strings or zero values. BROKER_PORT,
// TSDB_TOKEN and TSDB_ORG have no default: they are required and
// Validate rejects them unset.
func (c *Config) applyDefaults() {
	if c.APIBase == "" {
		c.APIBase = "http://localhost:5000"
	}
	if c.RulesFile == "" {
		c.RulesFile = "./rules_config.json"
	}
}

// Validate checks that the configuration is internally consistent. It
// runs after applyDefaults, so it can assume defaults are populated.
// Returns an error describing the first problem found, or nil.
func (c *Config) Validate() error {
	if c.Broker.Host == "" {
		return fmt.Errorf("BROKER_HOST is required")
	}
	if c.Broker.Port == 0 {
		return fmt.Errorf("BROKER_PORT is required")
	}
	if c.Broker.Port < 1 || c.Broker.Port > 65535 {
		return fmt.Errorf("BROKER_PORT %d out of range (1-65535)", c.Broker.Port)
	}
	if c.TSDB.URL == "" {
		return fmt.Errorf("TSDB_URL is required")
	}
	if c.TSDB.Token == "" {
		return fmt.Errorf("TSDB_TOKEN is required")
	}
	if c.TSDB.Org == "" {
		return fmt.Errorf("TSDB_ORG is required")
	}
	if c.TSDB.Bucket == "" {
		return fmt.Errorf("TSDB_BUCKET is required")
	}
	if c.LogLevel != "" {
		if _, err := ParseLogLevel(c.LogLevel); err != nil {
			return err
		}
	}
	return nil
}

// mustAtoi parses s as a port number, returning 0 (rejected by
// Validate as a missing BROKER_PORT) for an empty or malformed value.
func mustAtoi(s string) int {
	if s == "" {
		return 0
	}
	n, err := strconv.Atoi(s)
	if err != nil {
		return 0
	}
	return n
}
