// config.go - Configuration management for the ledger daemon
package main

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
)

// Config represents the daemon configuration
type Config struct {
	// Protocol settings
	MasterSecretFile string `json:"master_secret_file"`
	DomainTag        string `json:"domain_tag"`
	ChaffMultiplier  int    `json:"chaff_multiplier"`

	// File paths
	StorePath string `json:"store_path"`

	// Serving
	ListenAddr          string `json:"listen_addr"`
	SyncIntervalSeconds int    `json:"sync_interval_seconds"`

	// Logging
	LogLevel string `json:"log_level"`
	LogFile  string `json:"log_file"`

	// Abuse control
	RequestBurst     int `json:"request_burst"`
	RequestPerSecond int `json:"request_per_second"`
}

// DefaultConfig returns the default configuration
func DefaultConfig() *Config {
	return &Config{
		MasterSecretFile:    "master.secret",
		DomainTag:           "",
		ChaffMultiplier:     2,
		StorePath:           "veilledger.db",
		ListenAddr:          ":8747",
		SyncIntervalSeconds: 5,
		LogLevel:            "info",
		LogFile:             "",
		RequestBurst:        20,
		RequestPerSecond:    5,
	}
}

// LoadConfig loads configuration from file or creates default
func LoadConfig(configPath string) (*Config, error) {
	if _, err := os.Stat(configPath); err == nil {
		file, err := os.Open(configPath)
		if err != nil {
			return nil, fmt.Errorf("failed to open config file: %w", err)
		}
		defer file.Close()

		var config Config
		if err := json.NewDecoder(file).Decode(&config); err != nil {
			return nil, fmt.Errorf("failed to decode config file: %w", err)
		}
		return &config, nil
	}

	// Create default config and save it
	config := DefaultConfig()
	if err := SaveConfig(config, configPath); err != nil {
		return nil, fmt.Errorf("failed to save default config: %w", err)
	}
	return config, nil
}

// SaveConfig saves configuration to file
func SaveConfig(config *Config, configPath string) error {
	dir := filepath.Dir(configPath)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	file, err := os.Create(configPath)
	if err != nil {
		return fmt.Errorf("failed to create config file: %w", err)
	}
	defer file.Close()

	encoder := json.NewEncoder(file)
	encoder.SetIndent("", "  ")
	if err := encoder.Encode(config); err != nil {
		return fmt.Errorf("failed to encode config: %w", err)
	}
	return nil
}

// Validate validates the configuration
func (c *Config) Validate() error {
	if c.MasterSecretFile == "" {
		return fmt.Errorf("master_secret_file is required")
	}
	if c.ChaffMultiplier < 0 {
		return fmt.Errorf("chaff_multiplier must be non-negative")
	}
	if c.ListenAddr == "" {
		return fmt.Errorf("listen_addr is required")
	}
	if c.SyncIntervalSeconds <= 0 {
		return fmt.Errorf("sync_interval_seconds must be positive")
	}
	if c.RequestBurst <= 0 || c.RequestPerSecond <= 0 {
		return fmt.Errorf("request rate limits must be positive")
	}
	return nil
}

// readMasterSecret loads the manager master secret from the configured file.
func (c *Config) readMasterSecret() ([]byte, error) {
	raw, err := os.ReadFile(c.MasterSecretFile)
	if err != nil {
		return nil, fmt.Errorf("failed to read master secret: %w", err)
	}
	if len(raw) < 16 {
		return nil, fmt.Errorf("master secret too short: %d bytes", len(raw))
	}
	return raw, nil
}
