package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"
	"gopkg.in/yaml.v3"
)

// Replica is one entry of the replica address book.
type Replica struct {
	ID   int64  `yaml:"id"`
	Addr string `yaml:"address"`
}

// Config holds the client and server settings shared by the CLI commands.
type Config struct {
	Replicas    []Replica     `yaml:"replicas"`
	Timeout     time.Duration `yaml:"timeout"`
	Workers     int           `yaml:"workers"`
	Connections int           `yaml:"connections"`
	LogLevel    string        `yaml:"log_level"`
}

// Default returns the settings used when neither a file nor a flag sets
// a value.
func Default() Config {
	return Config{
		Timeout:     5 * time.Second,
		Workers:     64,
		Connections: 64,
		LogLevel:    "info",
	}
}

// Load reads a YAML configuration file on top of Default.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	cfg := Default()
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}
	seen := make(map[int64]bool, len(cfg.Replicas))
	for _, r := range cfg.Replicas {
		if r.ID <= 0 || r.Addr == "" {
			return nil, fmt.Errorf("invalid replica entry: id=%d address=%q", r.ID, r.Addr)
		}
		if seen[r.ID] {
			return nil, fmt.Errorf("duplicate replica ID %d", r.ID)
		}
		seen[r.ID] = true
	}
	return &cfg, nil
}

// ParseReplicas parses a comma-separated list of replicas in the format:
// "1=addr1,2=addr2,3=addr3"
func ParseReplicas(s string) ([]Replica, error) {
	if s == "" {
		return []Replica{}, nil
	}

	parts := strings.Split(s, ",")
	replicas := make([]Replica, 0, len(parts))
	seen := make(map[int64]bool, len(parts))

	for _, part := range parts {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}

		kv := strings.SplitN(part, "=", 2)
		if len(kv) != 2 {
			return nil, fmt.Errorf("invalid replica format: %s (expected id=addr)", part)
		}

		idStr := strings.TrimSpace(kv[0])
		addr := strings.TrimSpace(kv[1])
		if idStr == "" || addr == "" {
			return nil, fmt.Errorf("replica ID and address cannot be empty: %s", part)
		}

		id, err := strconv.ParseInt(idStr, 10, 64)
		if err != nil || id <= 0 {
			return nil, fmt.Errorf("replica ID must be a positive integer: %s", part)
		}
		if seen[id] {
			return nil, fmt.Errorf("duplicate replica ID %d", id)
		}
		seen[id] = true

		replicas = append(replicas, Replica{ID: id, Addr: addr})
	}

	return replicas, nil
}

// IDs returns the replica ids in configuration order.
func (c *Config) IDs() []int64 {
	ids := make([]int64, len(c.Replicas))
	for i, r := range c.Replicas {
		ids[i] = r.ID
	}
	return ids
}

// Addrs maps replica ids to addresses.
func (c *Config) Addrs() map[int64]string {
	addrs := make(map[int64]string, len(c.Replicas))
	for _, r := range c.Replicas {
		addrs[r.ID] = r.Addr
	}
	return addrs
}

// Validate checks the settings a client needs.
func (c *Config) Validate() error {
	if len(c.Replicas) == 0 {
		return fmt.Errorf("at least one replica is required")
	}
	if c.Timeout <= 0 {
		return fmt.Errorf("timeout must be positive, got %s", c.Timeout)
	}
	if c.Workers <= 0 {
		return fmt.Errorf("workers must be positive, got %d", c.Workers)
	}
	if c.Connections <= 0 {
		return fmt.Errorf("connections must be positive, got %d", c.Connections)
	}
	return nil
}

// NewLogger builds a production zap logger at the configured level.
func (c *Config) NewLogger() (*zap.Logger, error) {
	level, err := zap.ParseAtomicLevel(c.LogLevel)
	if err != nil {
		return nil, fmt.Errorf("log level: %w", err)
	}
	cfg := zap.NewProductionConfig()
	cfg.Level = level
	return cfg.Build()
}
