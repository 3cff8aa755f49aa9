package config

import (
	"log/slog"
	"os"
	"path/filepath"
	"reflect"
	"strings"
	"testing"
	"time"

	"gopkg.in/yaml.v3"
)

func TestDefault(t *testing.T) {
	cfg := Default()

	if cfg.OSC.Host != "127.0.0.1" {
		t.Errorf("OSC.Host = %q, want %q", cfg.OSC.Host, "127.0.0.1")
	}
	if cfg.OSC.Port != 9000 {
		t.Errorf("OSC.Port = %d, want 9000", cfg.OSC.Port)
	}
	if cfg.OSC.Address != "/heartrate" {
		t.Errorf("OSC.Address = %q, want %q", cfg.OSC.Address, "/heartrate")
	}
	if cfg.OSC.SendEnabled {
		t.Error("OSC.SendEnabled should default to false")
	}
	if !cfg.BLE.AutoSubscribe {
		t.Error("BLE.AutoSubscribe should default to true")
	}
	if !reflect.DeepEqual(cfg.BLE.ServiceFilter, []string{"180d"}) {
		t.Errorf("BLE.ServiceFilter = %v, want [180d]", cfg.BLE.ServiceFilter)
	}
	if cfg.BLE.ConnectTimeout != 15*time.Second {
		t.Errorf("BLE.ConnectTimeout = %v, want 15s", cfg.BLE.ConnectTimeout)
	}
	if cfg.Control.Addr != "127.0.0.1:8765" {
		t.Errorf("Control.Addr = %q, want %q", cfg.Control.Addr, "127.0.0.1:8765")
	}
	if cfg.LogLevel != "info" {
		t.Errorf("LogLevel = %q, want %q", cfg.LogLevel, "info")
	}
	if err := cfg.Validate(); err != nil {
		t.Errorf("Default().Validate() error = %v", err)
	}
}

func TestLoad(t *testing.T) {
	yamlContent := `
ble:
  scan_timeout: 30s
  name_filter: polar
  service: 180f
  auto_connect: H10
osc:
  host: studio.local
  port: 57120
  address: /avatar/parameters/HeartRate
  send_enabled: true
  include_rr: true
control:
  enabled: true
log_level: debug
log_format: json
`
	tmpDir := t.TempDir()
	cfgPath := filepath.Join(tmpDir, "config.yaml")
	if err := os.WriteFile(cfgPath, []byte(yamlContent), 0644); err != nil {
		t.Fatalf("failed to write test config: %v", err)
	}

	cfg, err := Load(cfgPath)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	if cfg.BLE.ScanTimeout != 30*time.Second {
		t.Errorf("BLE.ScanTimeout = %v, want 30s", cfg.BLE.ScanTimeout)
	}
	if cfg.BLE.NameFilter != "polar" {
		t.Errorf("BLE.NameFilter = %q, want %q", cfg.BLE.NameFilter, "polar")
	}
	if cfg.BLE.Service != "180f" {
		t.Errorf("BLE.Service = %q, want %q", cfg.BLE.Service, "180f")
	}
	if cfg.BLE.AutoConnect != "H10" {
		t.Errorf("BLE.AutoConnect = %q, want %q", cfg.BLE.AutoConnect, "H10")
	}
	if cfg.OSC.Host != "studio.local" || cfg.OSC.Port != 57120 {
		t.Errorf("OSC destination = %s:%d, want studio.local:57120", cfg.OSC.Host, cfg.OSC.Port)
	}
	if cfg.OSC.Address != "/avatar/parameters/HeartRate" {
		t.Errorf("OSC.Address = %q", cfg.OSC.Address)
	}
	if !cfg.OSC.SendEnabled || !cfg.OSC.IncludeRR {
		t.Error("OSC.SendEnabled and OSC.IncludeRR should be true")
	}
	if !cfg.Control.Enabled {
		t.Error("Control.Enabled should be true")
	}
	if cfg.LogLevel != "debug" || cfg.LogFormat != "json" {
		t.Errorf("log = %s/%s, want debug/json", cfg.LogLevel, cfg.LogFormat)
	}

	// Unset fields keep their defaults.
	if cfg.BLE.ConnectTimeout != 15*time.Second {
		t.Errorf("BLE.ConnectTimeout = %v, want default 15s", cfg.BLE.ConnectTimeout)
	}
	if !cfg.BLE.AutoSubscribe {
		t.Error("BLE.AutoSubscribe should keep its default")
	}
	if cfg.OSC.QueueSize != 64 {
		t.Errorf("OSC.QueueSize = %d, want default 64", cfg.OSC.QueueSize)
	}
	if cfg.Control.Addr != "127.0.0.1:8765" {
		t.Errorf("Control.Addr = %q, want default", cfg.Control.Addr)
	}
}

func TestLoadExpandsTilde(t *testing.T) {
	tmpHome := t.TempDir()
	t.Setenv("HOME", tmpHome)

	cfgPath := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(cfgPath, []byte("log_output: ~/logs/ble2osc.log\n"), 0644); err != nil {
		t.Fatalf("failed to write test config: %v", err)
	}

	cfg, err := Load(cfgPath)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	want := filepath.Join(tmpHome, "logs", "ble2osc.log")
	if cfg.LogOutput != want {
		t.Errorf("LogOutput = %q, want %q", cfg.LogOutput, want)
	}
}

func TestLoadFileNotFound(t *testing.T) {
	_, err := Load("/nonexistent/path/config.yaml")
	if err == nil {
		t.Error("Load() should return error for missing file")
	}
}

func TestLoadInvalidYAML(t *testing.T) {
	cfgPath := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(cfgPath, []byte("osc: [unterminated\n"), 0644); err != nil {
		t.Fatalf("failed to write test config: %v", err)
	}
	if _, err := Load(cfgPath); err == nil {
		t.Error("Load() should return error for invalid YAML")
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		modify  func(*Config)
		wantErr bool
	}{
		{"valid default", func(c *Config) {}, false},
		{"negative scan timeout", func(c *Config) { c.BLE.ScanTimeout = -time.Second }, true},
		{"zero connect timeout", func(c *Config) { c.BLE.ConnectTimeout = 0 }, true},
		{"empty service filter entry", func(c *Config) { c.BLE.ServiceFilter = []string{"180d", " "} }, true},
		{"empty service filter list", func(c *Config) { c.BLE.ServiceFilter = nil }, false},
		{"empty host", func(c *Config) { c.OSC.Host = "" }, true},
		{"bad host", func(c *Config) { c.OSC.Host = "not a host" }, true},
		{"port zero", func(c *Config) { c.OSC.Port = 0 }, true},
		{"port too large", func(c *Config) { c.OSC.Port = 70000 }, true},
		{"address without slash", func(c *Config) { c.OSC.Address = "heartrate" }, true},
		{"zero queue", func(c *Config) { c.OSC.QueueSize = 0 }, true},
		{"control enabled without addr", func(c *Config) { c.Control.Enabled = true; c.Control.Addr = "" }, true},
		{"control disabled without addr", func(c *Config) { c.Control.Addr = "" }, false},
		{"bad log level", func(c *Config) { c.LogLevel = "verbose" }, true},
		{"bad log format", func(c *Config) { c.LogFormat = "xml" }, true},
		{"empty log output", func(c *Config) { c.LogOutput = "" }, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.modify(cfg)
			err := cfg.Validate()
			if (err != nil) != tt.wantErr {
				t.Errorf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestWriteDefault_CreatesFile(t *testing.T) {
	// Use a temp dir as fake home to avoid touching real config
	tmpHome := t.TempDir()
	t.Setenv("HOME", tmpHome)

	path, err := WriteDefault()
	if err != nil {
		t.Fatalf("WriteDefault() error = %v", err)
	}

	expectedPath := filepath.Join(tmpHome, ".config", "ble2osc", "config.yaml")
	if path != expectedPath {
		t.Errorf("WriteDefault() path = %q, want %q", path, expectedPath)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("failed to read written config: %v", err)
	}
	if !strings.HasPrefix(string(data), "# ble2osc") {
		t.Error("written config should start with header comment")
	}

	var raw Config
	if err := yaml.Unmarshal(data, &raw); err != nil {
		t.Fatalf("written config is not valid YAML: %v", err)
	}

	// The written file must describe exactly the defaults.
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if !reflect.DeepEqual(cfg, Default()) {
		t.Errorf("written config = %+v, want defaults %+v", cfg, Default())
	}
}

func TestWriteDefault_NoOpIfExists(t *testing.T) {
	tmpHome := t.TempDir()
	t.Setenv("HOME", tmpHome)

	configDir := filepath.Join(tmpHome, ".config", "ble2osc")
	if err := os.MkdirAll(configDir, 0755); err != nil {
		t.Fatalf("failed to create config dir: %v", err)
	}
	existingContent := []byte("osc:\n  port: 8000\n")
	configPath := filepath.Join(configDir, "config.yaml")
	if err := os.WriteFile(configPath, existingContent, 0644); err != nil {
		t.Fatalf("failed to write existing config: %v", err)
	}

	path, err := WriteDefault()
	if err != nil {
		t.Fatalf("WriteDefault() error = %v", err)
	}
	if path != "" {
		t.Errorf("WriteDefault() path = %q, want empty string for existing file", path)
	}

	data, err := os.ReadFile(configPath)
	if err != nil {
		t.Fatalf("failed to read config: %v", err)
	}
	if string(data) != string(existingContent) {
		t.Error("WriteDefault() should not overwrite existing config file")
	}
}

func TestParseLogLevel(t *testing.T) {
	tests := []struct {
		input string
		want  slog.Level
	}{
		{"debug", slog.LevelDebug},
		{"info", slog.LevelInfo},
		{"warn", slog.LevelWarn},
		{"error", slog.LevelError},
		{"WARN", slog.LevelWarn},
		{"unknown", slog.LevelInfo}, // defaults to info
		{"", slog.LevelInfo},        // defaults to info
	}

	for _, tt := range tests {
		t.Run(tt.input, func(t *testing.T) {
			got := ParseLogLevel(tt.input)
			if got != tt.want {
				t.Errorf("ParseLogLevel(%q) = %v, want %v", tt.input, got, tt.want)
			}
		})
	}
}
