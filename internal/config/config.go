// Package config loads engine configuration from an optional YAML file
// with environment variable overrides.
package config

import (
	"fmt"
	"os"
	"strconv"

	"gopkg.in/yaml.v3"
)

// Config is the full engine configuration.
type Config struct {
	Server struct {
		Port         string `yaml:"port"`
		ReadTimeout  int    `yaml:"read_timeout_seconds"`
		WriteTimeout int    `yaml:"write_timeout_seconds"`
	} `yaml:"server"`

	Engine struct {
		// Role is "authority" or "replica".
		Role string `yaml:"role"`
		// SnapshotPath is the sqlite file for deck snapshots; empty
		// disables persistence.
		SnapshotPath string `yaml:"snapshot_path"`
	} `yaml:"engine"`

	NATS struct {
		// Enabled turns the JetStream bus on; a standalone authority can
		// run without it.
		Enabled bool   `yaml:"enabled"`
		URL     string `yaml:"url"`
	} `yaml:"nats"`

	Log struct {
		Level string `yaml:"level"`
	} `yaml:"log"`
}

// Default returns the configuration used when no file or env overrides
// are present.
func Default() Config {
	var cfg Config
	cfg.Server.Port = "8080"
	cfg.Server.ReadTimeout = 10
	cfg.Server.WriteTimeout = 10
	cfg.Engine.Role = "authority"
	cfg.Engine.SnapshotPath = "decksync.db"
	cfg.NATS.URL = "nats://localhost:4222"
	cfg.Log.Level = "info"
	return cfg
}

// Load reads the YAML file at path (skipped when path is empty or the
// file is missing), then applies environment overrides.
func Load(path string) (Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		switch {
		case err == nil:
			if err := yaml.Unmarshal(data, &cfg); err != nil {
				return Config{}, fmt.Errorf("failed to parse config: %w", err)
			}
		case os.IsNotExist(err):
			// Config file is optional.
		default:
			return Config{}, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	cfg.Server.Port = getEnv("DECKSYNC_PORT", cfg.Server.Port)
	cfg.Server.ReadTimeout = getEnvAsInt("DECKSYNC_READ_TIMEOUT", cfg.Server.ReadTimeout)
	cfg.Server.WriteTimeout = getEnvAsInt("DECKSYNC_WRITE_TIMEOUT", cfg.Server.WriteTimeout)
	cfg.Engine.Role = getEnv("DECKSYNC_ROLE", cfg.Engine.Role)
	cfg.Engine.SnapshotPath = getEnv("DECKSYNC_SNAPSHOT_PATH", cfg.Engine.SnapshotPath)
	cfg.NATS.URL = getEnv("NATS_URL", cfg.NATS.URL)
	if v := os.Getenv("DECKSYNC_NATS_ENABLED"); v != "" {
		cfg.NATS.Enabled = v == "1" || v == "true"
	}
	cfg.Log.Level = getEnv("DECKSYNC_LOG_LEVEL", cfg.Log.Level)

	if err := cfg.validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c Config) validate() error {
	if c.Engine.Role != "authority" && c.Engine.Role != "replica" {
		return fmt.Errorf("invalid engine role %q", c.Engine.Role)
	}
	if c.Engine.Role == "replica" && !c.NATS.Enabled {
		return fmt.Errorf("replica role requires the NATS bus")
	}
	return nil
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvAsInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intValue, err := strconv.Atoi(value); err == nil {
			return intValue
		}
	}
	return defaultValue
}
