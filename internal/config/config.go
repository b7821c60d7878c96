// Package config loads the node configuration from a YAML file with
// environment overrides for the settings that matter in containers.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the node configuration.
type Config struct {
	// NodeID identifies this node in published payloads and topics.
	NodeID string `yaml:"node_id"`
	// NodeName is the human-readable node name.
	NodeName string `yaml:"node_name"`
	// DataDir holds the registry, models, thumbnails and event log.
	DataDir string `yaml:"data_dir"`
	// Listen is the HTTP API bind address.
	Listen string `yaml:"listen"`
	// APIKey protects the API when set; empty disables authentication.
	APIKey string `yaml:"api_key"`
	// LogLevel is a zerolog level name.
	LogLevel string `yaml:"log_level"`

	// PublisherWorkers sizes each pipeline's destination send pool.
	PublisherWorkers int `yaml:"publisher_workers"`
	// StartTimeout bounds how long a pipeline start may take.
	StartTimeout time.Duration `yaml:"start_timeout"`

	// EventRetention prunes events older than this on startup.
	EventRetention time.Duration `yaml:"event_retention"`
}

// Default returns the configuration used when no file is given.
func Default() Config {
	hostname, _ := os.Hostname()
	return Config{
		NodeID:           hostname,
		NodeName:         hostname,
		DataDir:          "./data",
		Listen:           ":8090",
		LogLevel:         "info",
		PublisherWorkers: 4,
		StartTimeout:     10 * time.Second,
		EventRetention:   30 * 24 * time.Hour,
	}
}

// Load reads the YAML file at path on top of the defaults. An empty path
// returns the defaults unchanged.
func Load(path string) (Config, error) {
	cfg := Default()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return cfg, fmt.Errorf("read config: %w", err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return cfg, fmt.Errorf("parse config: %w", err)
		}
	}

	if v := os.Getenv("INFERNODE_DATA_DIR"); v != "" {
		cfg.DataDir = v
	}
	if v := os.Getenv("INFERNODE_LISTEN"); v != "" {
		cfg.Listen = v
	}
	if v := os.Getenv("INFERNODE_API_KEY"); v != "" {
		cfg.APIKey = v
	}

	if cfg.DataDir == "" {
		return cfg, fmt.Errorf("data_dir must not be empty")
	}
	if cfg.PublisherWorkers <= 0 {
		cfg.PublisherWorkers = 4
	}
	return cfg, nil
}
