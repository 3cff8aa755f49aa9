package logger

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"github.com/chaz8081/ble2osc/internal/config"
	"github.com/chaz8081/ble2osc/internal/eventbus"
)

func TestNewJSONFileLogger(t *testing.T) {
	path := filepath.Join(t.TempDir(), "ble2osc.log")
	cfg := config.Default()
	cfg.LogFormat = "json"
	cfg.LogOutput = path

	log, closer, err := New(cfg)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	log.Info("[BLE] connected", "id", "P1")
	log.Debug("hidden") // below the default info level
	if err := closer(); err != nil {
		t.Fatalf("close: %v", err)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read log: %v", err)
	}
	lines := strings.Split(strings.TrimSpace(string(data)), "\n")
	if len(lines) != 1 {
		t.Fatalf("got %d lines, want 1: %q", len(lines), data)
	}
	var entry map[string]any
	if err := json.Unmarshal([]byte(lines[0]), &entry); err != nil {
		t.Fatalf("invalid JSON: %v, output: %s", err, lines[0])
	}
	if entry["msg"] != "[BLE] connected" || entry["id"] != "P1" {
		t.Errorf("entry = %v", entry)
	}
}

func TestNewStderrDefault(t *testing.T) {
	cfg := config.Default()
	log, closer, err := New(cfg)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer closer()
	if log == nil {
		t.Fatal("New returned nil logger")
	}
	if log.Enabled(context.Background(), slog.LevelDebug) {
		t.Error("debug should be disabled at info level")
	}
}

func TestNewBadOutput(t *testing.T) {
	cfg := config.Default()
	cfg.LogOutput = filepath.Join(t.TempDir(), "missing", "dir", "out.log")
	if _, _, err := New(cfg); err == nil {
		t.Error("New should fail for an unwritable output path")
	}
}

type capture struct {
	mu   sync.Mutex
	msgs []string
}

func (c *capture) Publish(typ eventbus.Type, message string, payload any) eventbus.Event {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.msgs = append(c.msgs, message)
	return eventbus.Event{Type: typ, Message: message, Payload: payload}
}

func TestTeePublishesRecords(t *testing.T) {
	base := slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelWarn}))
	pub := &capture{}
	log := Tee(base, pub)

	log.Info("dropped by level")
	log.Warn("[OSC] send failed", "destination", "127.0.0.1:9000")

	if len(pub.msgs) != 1 {
		t.Fatalf("published %d records, want 1: %v", len(pub.msgs), pub.msgs)
	}
	if want := "[OSC] send failed destination=127.0.0.1:9000"; pub.msgs[0] != want {
		t.Errorf("message = %q, want %q", pub.msgs[0], want)
	}
}
