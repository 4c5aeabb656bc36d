// Package config provides centralized configuration for the connector
// node: storage, routing, and logging settings each collaborator needs
// at construction time.
//
// The YAML-file-with-defaults load/save shape is adapted from the
// teacher's internal/node.LoadConfig/Save: a config file is read if
// present, defaulted and written out (with a freshly generated node
// secret) if absent, so a first run gets a stable identity across
// restarts without an operator having to hand-author one.
package config

import (
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/interledger4j/ilpconnectord/pkg/helpers"
)

// Config holds all configuration for the connector node.
type Config struct {
	// NodeSecretHex is the 32-byte, hex-encoded secret the Account
	// Registry derives its token-encryption key from. Required; there
	// is no usable default since it is the sole root of key material.
	NodeSecretHex string `yaml:"node_secret"`

	Storage StorageConfig `yaml:"storage"`
	Routing RoutingConfig `yaml:"routing"`
	Logging LoggingConfig `yaml:"logging"`
}

// StorageConfig holds the KV Backend Adapter's settings.
type StorageConfig struct {
	// DataDir is the directory holding the SQLite database file.
	DataDir string `yaml:"data_dir"`

	// PubsubPollInterval governs how often the KV Backend Adapter polls
	// its pubsub queue table for new messages.
	PubsubPollInterval time.Duration `yaml:"pubsub_poll_interval"`
}

// RoutingConfig holds the Routing Table Cache's settings.
type RoutingConfig struct {
	// RefreshInterval is the background refresh tick.
	RefreshInterval time.Duration `yaml:"refresh_interval"`
}

// LoggingConfig holds logging settings.
type LoggingConfig struct {
	// Level is the log level (debug, info, warn, error).
	Level string `yaml:"level"`

	// File is the log file path (empty for stdout).
	File string `yaml:"file"`
}

// DefaultConfig returns a Config with sensible defaults. NodeSecretHex is
// left empty; callers must supply one (see GenerateNodeSecret) before
// the config is usable.
func DefaultConfig() *Config {
	return &Config{
		Storage: StorageConfig{
			DataDir:            "~/.ilpconnectord",
			PubsubPollInterval: 200 * time.Millisecond,
		},
		Routing: RoutingConfig{
			RefreshInterval: 30 * time.Second,
		},
		Logging: LoggingConfig{
			Level: "info",
			File:  "",
		},
	}
}

// GenerateNodeSecret returns 32 bytes of cryptographically random key
// material suitable for NodeSecretHex.
func GenerateNodeSecret() ([]byte, error) {
	secret, err := helpers.GenerateSecureRandom(32)
	if err != nil {
		return nil, fmt.Errorf("read random bytes: %w", err)
	}
	return secret, nil
}

// NodeSecret decodes NodeSecretHex, failing if it is absent or not
// exactly 32 bytes.
func (c *Config) NodeSecret() ([]byte, error) {
	if c.NodeSecretHex == "" {
		return nil, fmt.Errorf("node_secret is not configured")
	}
	secret, err := hex.DecodeString(c.NodeSecretHex)
	if err != nil {
		return nil, fmt.Errorf("node_secret is not valid hex: %w", err)
	}
	if len(secret) != 32 {
		return nil, fmt.Errorf("node_secret must decode to 32 bytes, got %d", len(secret))
	}
	return secret, nil
}

// ConfigFileName is the default config file name.
const ConfigFileName = "config.yaml"

// Load loads configuration from a YAML file under dataDir. If the file
// doesn't exist, it creates one with default values (and a freshly
// generated node secret).
func Load(dataDir string) (*Config, error) {
	expanded := expandPath(dataDir)
	configPath := filepath.Join(expanded, ConfigFileName)

	if _, err := os.Stat(configPath); os.IsNotExist(err) {
		cfg := DefaultConfig()
		cfg.Storage.DataDir = dataDir
		secret, err := GenerateNodeSecret()
		if err != nil {
			return nil, fmt.Errorf("generate node secret: %w", err)
		}
		cfg.NodeSecretHex = hex.EncodeToString(secret)

		if err := cfg.Save(configPath); err != nil {
			return nil, fmt.Errorf("create default config: %w", err)
		}
		return cfg, nil
	}

	data, err := os.ReadFile(configPath)
	if err != nil {
		return nil, fmt.Errorf("read config file: %w", err)
	}

	cfg := DefaultConfig()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config file: %w", err)
	}
	return cfg, nil
}

// Save writes the configuration to a YAML file.
func (c *Config) Save(path string) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0700); err != nil {
		return fmt.Errorf("create config directory: %w", err)
	}

	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("marshal config: %w", err)
	}

	header := []byte("# ilpconnectord configuration\n# Generated automatically on first run\n\n")
	data = append(header, data...)

	if err := os.WriteFile(path, data, 0600); err != nil {
		return fmt.Errorf("write config file: %w", err)
	}
	return nil
}

func expandPath(path string) string {
	if path == "~" || strings.HasPrefix(path, "~/") {
		home, err := os.UserHomeDir()
		if err == nil {
			return filepath.Join(home, strings.TrimPrefix(path, "~"))
		}
	}
	return path
}
