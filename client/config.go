package main

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// Config holds the client configuration
type Config struct {
	// UserID identifies the local user; overridable by the -user flag
	UserID string `yaml:"user_id"`

	// DisplayName is the name shown to call peers
	DisplayName string `yaml:"display_name"`

	// AvatarRef is an opaque avatar reference shown to call peers
	AvatarRef string `yaml:"avatar_ref"`

	// NATS configuration
	NATS NATSConfig `yaml:"nats"`

	// Bucket is the JetStream KV bucket holding call records
	Bucket string `yaml:"bucket"`

	// WakePrefix is the subject prefix of the push-wake channel
	WakePrefix string `yaml:"wake_prefix"`

	// HistoryPath is the SQLite call history database path
	HistoryPath string `yaml:"history_path"`
}

// NATSConfig holds NATS connection settings
type NATSConfig struct {
	URL           string `yaml:"url"`
	ReconnectWait int    `yaml:"reconnect_wait_ms"`
	MaxReconnects int    `yaml:"max_reconnects"`
}

// LoadConfig loads configuration from a YAML file
func LoadConfig(path string) (*Config, error) {
	// Start with defaults
	cfg := DefaultConfig()

	// Use defaults if no config file
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return cfg, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	return cfg, nil
}

// DefaultConfig returns the default configuration
func DefaultConfig() *Config {
	return &Config{
		NATS: NATSConfig{
			URL:           "nats://127.0.0.1:4222",
			ReconnectWait: 2000,
			MaxReconnects: -1,
		},
		Bucket:      "call-records",
		WakePrefix:  "wake",
		HistoryPath: "callcore.db",
	}
}
