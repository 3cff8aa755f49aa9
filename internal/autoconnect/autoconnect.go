// Package autoconnect is a headless consumer of the event bus: it connects
// to the first discovered peripheral whose name matches a pattern, once per
// scan session.
package autoconnect

import (
	"log/slog"
	"strings"
	"sync"

	"github.com/chaz8081/ble2osc/internal/bridge"
	"github.com/chaz8081/ble2osc/internal/eventbus"
)

// Commander is the part of the bridge autoconnect drives.
type Commander interface {
	StopScan() error
	Connect(index int) error
}

// Subscriber is the consuming side of the event bus.
type Subscriber interface {
	Subscribe(handler eventbus.Handler, types ...eventbus.Type) func()
}

// Watcher connects to matching peripherals.
type Watcher struct {
	cmd     Commander
	pattern string
	logger  *slog.Logger

	mu        sync.Mutex
	triggered bool
	unsub     func()
}

// New subscribes a watcher for pattern (case-insensitive substring of the
// advertised name). Call Stop to unsubscribe.
func New(cmd Commander, bus Subscriber, pattern string, logger *slog.Logger) *Watcher {
	if logger == nil {
		logger = slog.Default()
	}
	w := &Watcher{cmd: cmd, pattern: strings.ToLower(pattern), logger: logger}
	w.unsub = bus.Subscribe(w.handle, eventbus.PeripheralDiscovered, eventbus.StateChanged)
	return w
}

func (w *Watcher) handle(ev eventbus.Event) {
	switch p := ev.Payload.(type) {
	case bridge.StateChange:
		if p.To == bridge.StateScanning {
			w.mu.Lock()
			w.triggered = false
			w.mu.Unlock()
		}
	case bridge.PeripheralEvent:
		if !strings.Contains(strings.ToLower(p.Peripheral.Name), w.pattern) {
			return
		}
		w.mu.Lock()
		if w.triggered {
			w.mu.Unlock()
			return
		}
		w.triggered = true
		w.mu.Unlock()

		w.logger.Info("[BRIDGE] auto-connecting", "peripheral", p.Peripheral.DisplayName(), "index", p.Index)
		if err := w.cmd.StopScan(); err != nil {
			w.logger.Warn("[BRIDGE] auto-connect stop scan failed", "error", err)
			return
		}
		if err := w.cmd.Connect(p.Index); err != nil {
			w.logger.Warn("[BRIDGE] auto-connect failed", "peripheral", p.Peripheral.DisplayName(), "error", err)
		}
	}
}

// Stop unsubscribes the watcher.
func (w *Watcher) Stop() {
	w.unsub()
}
