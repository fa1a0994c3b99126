// Package config handles discovery node configuration from YAML/env/CLI.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/larson-carter/exo-larson/internal/capabilities"
)

const (
	DefaultListenPort        = 5000
	DefaultBroadcastPort     = 5001
	DefaultTrackerURL        = "http://localhost:8080"
	DefaultDataDir           = "/var/lib/exo-larson"
	DefaultConfigPath        = "/etc/exo-larson/node.yaml"
	DefaultLogLevel          = "info"
	DefaultBroadcastInterval = time.Second
	DefaultDiscoveryTimeout  = 30 * time.Second
)

// Config defines a discovery node's configuration: identity, network
// ports, timing, declared capabilities, tracker rendezvous, and the
// partitioning strategy applied once peers are known.
type Config struct {
	// Identity
	NodeID string `yaml:"node_id"` // auto-generated if empty

	// Networking (§3 DiscoveryConfig)
	NodePort          int    `yaml:"node_port"`      // RPC port advertised to peers
	ListenPort        int    `yaml:"listen_port"`    // UDP port receiving announcements
	BroadcastPort     int    `yaml:"broadcast_port"` // UDP port announcements are sent to
	BroadcastInterval int    `yaml:"broadcast_interval_sec"`
	DiscoveryTimeout  int    `yaml:"discovery_timeout_sec"`
	TrackerURL        string `yaml:"tracker_url"`

	// Declared capabilities
	Model  string  `yaml:"model"`
	Chip   string  `yaml:"chip"`
	Memory uint64  `yaml:"memory"`
	FP32   float64 `yaml:"flops_fp32"`
	FP16   float64 `yaml:"flops_fp16"`
	Int8   float64 `yaml:"flops_int8"`

	// Partitioning
	PartitionMode string  `yaml:"partition_mode"` // weighted|throughput|latency|balanced
	WeightLatency float64 `yaml:"weight_latency"`
	WeightMemory  float64 `yaml:"weight_memory"`
	WeightFlops   float64 `yaml:"weight_flops"`

	// Storage
	DataDir string `yaml:"data_dir"`

	// Logging
	LogLevel string `yaml:"log_level"`
}

// DefaultConfig returns a Config with sane defaults.
func DefaultConfig() *Config {
	return &Config{
		NodePort:          8000,
		ListenPort:        DefaultListenPort,
		BroadcastPort:     DefaultBroadcastPort,
		BroadcastInterval: int(DefaultBroadcastInterval.Seconds()),
		DiscoveryTimeout:  int(DefaultDiscoveryTimeout.Seconds()),
		TrackerURL:        DefaultTrackerURL,
		PartitionMode:     "weighted",
		WeightLatency:     0.4,
		WeightMemory:      0.3,
		WeightFlops:       0.3,
		DataDir:           DefaultDataDir,
		LogLevel:          DefaultLogLevel,
	}
}

// Capabilities builds the capabilities.Capabilities this config declares.
func (c *Config) Capabilities() capabilities.Capabilities {
	if c.Model == "" && c.Chip == "" && c.Memory == 0 {
		return capabilities.Unknown
	}
	return capabilities.Capabilities{
		Model:  c.Model,
		Chip:   c.Chip,
		Memory: c.Memory,
		Flops:  capabilities.Flops{FP32: c.FP32, FP16: c.FP16, Int8: c.Int8},
	}
}

// LoadFromFile loads configuration from a YAML file, falling back to
// defaults if the file does not exist.
func LoadFromFile(path string) (*Config, error) {
	cfg := DefaultConfig()

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, nil
		}
		return nil, fmt.Errorf("read config: %w", err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	return cfg, nil
}

// ApplyEnvOverrides applies EXO_* environment variable overrides.
func (c *Config) ApplyEnvOverrides() {
	if v := os.Getenv("EXO_NODE_ID"); v != "" {
		c.NodeID = v
	}
	if v := os.Getenv("EXO_TRACKER_URL"); v != "" {
		c.TrackerURL = v
	}
	if v := os.Getenv("EXO_LOG_LEVEL"); v != "" {
		c.LogLevel = v
	}
	if v := os.Getenv("EXO_DATA_DIR"); v != "" {
		c.DataDir = v
	}
	if v := os.Getenv("EXO_PARTITION_MODE"); v != "" {
		c.PartitionMode = strings.ToLower(v)
	}
	if v := os.Getenv("EXO_NODE_PORT"); v != "" {
		if port, err := strconv.Atoi(v); err == nil {
			c.NodePort = port
		}
	}
	if v := os.Getenv("EXO_LISTEN_PORT"); v != "" {
		if port, err := strconv.Atoi(v); err == nil {
			c.ListenPort = port
		}
	}
}

// Validate checks that the config is internally consistent.
func (c *Config) Validate() error {
	if c.NodePort < 1 || c.NodePort > 65535 {
		return fmt.Errorf("invalid node_port: %d", c.NodePort)
	}
	if c.ListenPort < 1 || c.ListenPort > 65535 {
		return fmt.Errorf("invalid listen_port: %d", c.ListenPort)
	}
	if c.BroadcastPort < 1 || c.BroadcastPort > 65535 {
		return fmt.Errorf("invalid broadcast_port: %d", c.BroadcastPort)
	}
	if c.BroadcastInterval <= 0 {
		return fmt.Errorf("invalid broadcast_interval_sec: %d", c.BroadcastInterval)
	}
	if c.DiscoveryTimeout <= 0 {
		return fmt.Errorf("invalid discovery_timeout_sec: %d", c.DiscoveryTimeout)
	}

	validModes := map[string]bool{"weighted": true, "throughput": true, "latency": true, "balanced": true}
	if !validModes[c.PartitionMode] {
		return fmt.Errorf("invalid partition_mode: %s (valid: weighted, throughput, latency, balanced)", c.PartitionMode)
	}
	return nil
}

// SaveToFile writes config to a YAML file.
func (c *Config) SaveToFile(path string) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("create config dir: %w", err)
	}

	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("marshal config: %w", err)
	}
	return os.WriteFile(path, data, 0600)
}
