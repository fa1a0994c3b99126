package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/larson-carter/exo-larson/internal/capabilities"
)

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()

	if cfg.ListenPort != DefaultListenPort {
		t.Errorf("ListenPort = %d, want %d", cfg.ListenPort, DefaultListenPort)
	}
	if cfg.BroadcastPort != DefaultBroadcastPort {
		t.Errorf("BroadcastPort = %d, want %d", cfg.BroadcastPort, DefaultBroadcastPort)
	}
	if cfg.TrackerURL != DefaultTrackerURL {
		t.Errorf("TrackerURL = %s, want %s", cfg.TrackerURL, DefaultTrackerURL)
	}
	if cfg.PartitionMode != "weighted" {
		t.Errorf("PartitionMode = %s, want weighted", cfg.PartitionMode)
	}
	if cfg.LogLevel != "info" {
		t.Errorf("LogLevel = %s, want info", cfg.LogLevel)
	}
}

func TestLoadFromFileDefaults(t *testing.T) {
	cfg, err := LoadFromFile("/nonexistent/path.yaml")
	if err != nil {
		t.Fatalf("LoadFromFile should return defaults for missing file, got error: %v", err)
	}
	if cfg.ListenPort != DefaultListenPort {
		t.Errorf("expected default ListenPort %d, got %d", DefaultListenPort, cfg.ListenPort)
	}
}

func TestLoadFromFileValidYAML(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "node.yaml")

	yamlContent := `
node_id: "test-node-42"
tracker_url: "https://test.example.com"
listen_port: 9876
partition_mode: balanced
log_level: debug
`
	if err := os.WriteFile(path, []byte(yamlContent), 0644); err != nil {
		t.Fatal(err)
	}

	cfg, err := LoadFromFile(path)
	if err != nil {
		t.Fatalf("LoadFromFile: %v", err)
	}
	if cfg.NodeID != "test-node-42" {
		t.Errorf("NodeID = %s, want test-node-42", cfg.NodeID)
	}
	if cfg.TrackerURL != "https://test.example.com" {
		t.Errorf("TrackerURL = %s", cfg.TrackerURL)
	}
	if cfg.ListenPort != 9876 {
		t.Errorf("ListenPort = %d, want 9876", cfg.ListenPort)
	}
	if cfg.PartitionMode != "balanced" {
		t.Errorf("PartitionMode = %s, want balanced", cfg.PartitionMode)
	}
}

func TestLoadFromFileInvalidYAML(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "bad.yaml")
	os.WriteFile(path, []byte(":::invalid:::"), 0644)

	_, err := LoadFromFile(path)
	if err == nil {
		t.Fatal("expected error for invalid YAML")
	}
}

func TestEnvOverrides(t *testing.T) {
	cfg := DefaultConfig()

	t.Setenv("EXO_NODE_ID", "env-node")
	t.Setenv("EXO_TRACKER_URL", "https://env.example.com")
	t.Setenv("EXO_LOG_LEVEL", "debug")
	t.Setenv("EXO_PARTITION_MODE", "Throughput")
	t.Setenv("EXO_LISTEN_PORT", "6001")

	cfg.ApplyEnvOverrides()

	if cfg.NodeID != "env-node" {
		t.Errorf("NodeID = %s, want env-node", cfg.NodeID)
	}
	if cfg.TrackerURL != "https://env.example.com" {
		t.Errorf("TrackerURL = %s", cfg.TrackerURL)
	}
	if cfg.LogLevel != "debug" {
		t.Errorf("LogLevel = %s, want debug", cfg.LogLevel)
	}
	if cfg.PartitionMode != "throughput" {
		t.Errorf("PartitionMode = %s, want throughput (lowercased)", cfg.PartitionMode)
	}
	if cfg.ListenPort != 6001 {
		t.Errorf("ListenPort = %d, want 6001", cfg.ListenPort)
	}
}

func TestValidateValid(t *testing.T) {
	cfg := DefaultConfig()
	if err := cfg.Validate(); err != nil {
		t.Errorf("default config should be valid: %v", err)
	}
}

func TestValidateBadPort(t *testing.T) {
	cfg := DefaultConfig()
	cfg.ListenPort = 0
	if err := cfg.Validate(); err == nil {
		t.Error("expected error for port 0")
	}

	cfg.ListenPort = 99999
	if err := cfg.Validate(); err == nil {
		t.Error("expected error for port 99999")
	}
}

func TestValidateBadPartitionMode(t *testing.T) {
	cfg := DefaultConfig()
	cfg.PartitionMode = "invalid"
	if err := cfg.Validate(); err == nil {
		t.Error("expected error for invalid partition_mode")
	}
}

func TestSaveAndReload(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "saved.yaml")

	orig := DefaultConfig()
	orig.NodeID = "save-test"
	orig.ListenPort = 4242
	orig.PartitionMode = "latency"

	if err := orig.SaveToFile(path); err != nil {
		t.Fatalf("SaveToFile: %v", err)
	}

	loaded, err := LoadFromFile(path)
	if err != nil {
		t.Fatalf("LoadFromFile: %v", err)
	}

	if loaded.NodeID != "save-test" {
		t.Errorf("NodeID = %s, want save-test", loaded.NodeID)
	}
	if loaded.ListenPort != 4242 {
		t.Errorf("ListenPort = %d, want 4242", loaded.ListenPort)
	}
	if loaded.PartitionMode != "latency" {
		t.Errorf("PartitionMode = %s, want latency", loaded.PartitionMode)
	}
}

func TestCapabilitiesUnknownWhenUnset(t *testing.T) {
	cfg := DefaultConfig()
	if cfg.Capabilities() != capabilities.Unknown {
		t.Error("Capabilities() should be the Unknown sentinel when no device fields are set")
	}
}
