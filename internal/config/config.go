package config

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/chaz8081/ble2osc/internal/osc"
)

// Config holds all application configuration.
type Config struct {
	BLE       BLEConfig     `yaml:"ble"`
	OSC       OSCConfig     `yaml:"osc"`
	Control   ControlConfig `yaml:"control"`
	LogLevel  string        `yaml:"log_level"`
	LogFormat string        `yaml:"log_format"` // "text" or "json"
	LogOutput string        `yaml:"log_output"` // "stderr", "stdout" or a file path
}

// BLEConfig holds scanning and connection settings.
type BLEConfig struct {
	ScanTimeout    time.Duration `yaml:"scan_timeout"` // 0 = scan until stopped
	ConnectTimeout time.Duration `yaml:"connect_timeout"`
	ServiceFilter  []string      `yaml:"service_filter"` // empty = discover all services
	Service        string        `yaml:"service"`        // service to select after discovery; empty = first
	NameFilter     string        `yaml:"name_filter"`
	AutoSubscribe  bool          `yaml:"auto_subscribe"`
	AutoConnect    string        `yaml:"auto_connect"` // name pattern, empty disables
}

// OSCConfig holds the relay destination and message layout.
type OSCConfig struct {
	Host               string        `yaml:"host"`
	Port               int           `yaml:"port"`
	Address            string        `yaml:"address"`
	SendEnabled        bool          `yaml:"send_enabled"`
	IncludeEnergy      bool          `yaml:"include_energy"`
	IncludeRR          bool          `yaml:"include_rr"`
	IncludeContact     bool          `yaml:"include_contact"`
	QueueSize          int           `yaml:"queue_size"`
	FailureLogInterval time.Duration `yaml:"failure_log_interval"`
}

// ControlConfig holds the local WebSocket control surface settings.
type ControlConfig struct {
	Enabled bool   `yaml:"enabled"`
	Addr    string `yaml:"addr"`
}

// DefaultConfigDir returns the default config directory path.
func DefaultConfigDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ""
	}
	return filepath.Join(home, ".config", "ble2osc")
}

// DefaultConfigPath returns the default config file path.
func DefaultConfigPath() string {
	return filepath.Join(DefaultConfigDir(), "config.yaml")
}

// Default returns a Config with sensible default values.
func Default() *Config {
	return &Config{
		BLE: BLEConfig{
			ConnectTimeout: 15 * time.Second,
			ServiceFilter:  []string{"180d"},
			AutoSubscribe:  true,
		},
		OSC: OSCConfig{
			Host:               "127.0.0.1",
			Port:               9000,
			Address:            osc.DefaultAddress,
			QueueSize:          64,
			FailureLogInterval: 5 * time.Second,
		},
		Control: ControlConfig{
			Addr: "127.0.0.1:8765",
		},
		LogLevel:  "info",
		LogFormat: "text",
		LogOutput: "stderr",
	}
}

// Load reads and parses a YAML config file. Missing fields are filled
// with defaults. Tilde (~) in log_output is expanded to the user's home directory.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing config file: %w", err)
	}

	cfg.LogOutput = expandTilde(cfg.LogOutput)

	return cfg, nil
}

// Validate checks the config for invalid values.
func (c *Config) Validate() error {
	if c.BLE.ScanTimeout < 0 {
		return fmt.Errorf("ble.scan_timeout must be >= 0, got %s", c.BLE.ScanTimeout)
	}

	if c.BLE.ConnectTimeout <= 0 {
		return fmt.Errorf("ble.connect_timeout must be > 0")
	}

	for _, u := range c.BLE.ServiceFilter {
		if strings.TrimSpace(u) == "" {
			return fmt.Errorf("ble.service_filter must not contain empty entries")
		}
	}

	if _, err := osc.NewDestination(c.OSC.Host, c.OSC.Port); err != nil {
		return fmt.Errorf("osc: %w", err)
	}

	if !strings.HasPrefix(c.OSC.Address, "/") {
		return fmt.Errorf("osc.address must start with \"/\", got %q", c.OSC.Address)
	}

	if c.OSC.QueueSize <= 0 {
		return fmt.Errorf("osc.queue_size must be > 0")
	}

	if c.OSC.FailureLogInterval < 0 {
		return fmt.Errorf("osc.failure_log_interval must be >= 0")
	}

	if c.Control.Enabled && c.Control.Addr == "" {
		return fmt.Errorf("control.addr must not be empty when control is enabled")
	}

	switch c.LogLevel {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("log_level must be debug, info, warn, or error, got %q", c.LogLevel)
	}

	switch c.LogFormat {
	case "text", "json":
	default:
		return fmt.Errorf("log_format must be \"text\" or \"json\", got %q", c.LogFormat)
	}

	if c.LogOutput == "" {
		return fmt.Errorf("log_output must not be empty")
	}

	return nil
}

// ParseLogLevel maps a log_level value to a slog.Level, defaulting to info.
func ParseLogLevel(level string) slog.Level {
	switch strings.ToLower(level) {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

const defaultConfigYAML = `# ble2osc configuration
# Relays a BLE heart rate sensor to OSC over UDP.

ble:
  # Stop scanning after this long; 0 scans until stopped.
  scan_timeout: 0s
  connect_timeout: 15s
  # Services to discover after connecting; empty discovers all.
  service_filter: ["180d"]
  # Service to select once discovered; empty selects the first one.
  service: ""
  # Only list peripherals whose name contains this (case-insensitive).
  name_filter: ""
  # Subscribe to Heart Rate Measurement as soon as it is discovered.
  auto_subscribe: true
  # Connect to the first peripheral whose name contains this; empty disables.
  auto_connect: ""

osc:
  host: 127.0.0.1
  port: 9000
  address: /heartrate
  send_enabled: false
  include_energy: false
  include_rr: false
  include_contact: false
  queue_size: 64
  failure_log_interval: 5s

control:
  # Local WebSocket control surface.
  enabled: false
  addr: 127.0.0.1:8765

log_level: info   # debug, info, warn, error
log_format: text  # text, json
log_output: stderr
`

// WriteDefault writes a commented default config file to DefaultConfigPath
// if none exists. It returns the path written, or "" if a file was already
// present.
func WriteDefault() (string, error) {
	path := DefaultConfigPath()
	if _, err := os.Stat(path); err == nil {
		return "", nil
	} else if !errors.Is(err, os.ErrNotExist) {
		return "", fmt.Errorf("checking config file: %w", err)
	}

	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return "", fmt.Errorf("creating config dir: %w", err)
	}
	if err := os.WriteFile(path, []byte(defaultConfigYAML), 0644); err != nil {
		return "", fmt.Errorf("writing config file: %w", err)
	}
	return path, nil
}

// expandTilde replaces a leading ~ with the user's home directory.
func expandTilde(path string) string {
	if !strings.HasPrefix(path, "~") {
		return path
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return path
	}
	return filepath.Join(home, path[1:])
}
