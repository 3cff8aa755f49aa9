package ble

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"tinygo.org/x/bluetooth"
)

// TinyGoOptions configures the tinygo-backed adapter.
type TinyGoOptions struct {
	ConnectTimeout time.Duration // give up on a connection attempt after this long
	ServiceFilter  []string      // service UUIDs to discover, 16-bit short forms allowed; empty means all
	Logger         *slog.Logger
}

// TinyGoAdapter wraps tinygo-org/bluetooth. Peripheral identifiers are the
// platform address strings: MAC addresses on Linux and Windows, CoreBluetooth
// UUIDs on macOS.
type TinyGoAdapter struct {
	adapter       *bluetooth.Adapter
	opts          TinyGoOptions
	logger        *slog.Logger
	serviceFilter []bluetooth.UUID

	// Radio entry points, swapped out in tests.
	scan     func(callback func(*bluetooth.Adapter, bluetooth.ScanResult)) error
	stopScan func() error

	mu          sync.Mutex
	handler     EventHandler
	enabled     bool
	scanDone    chan struct{} // non-nil while a scan goroutine runs
	stopping    bool          // StopScan was called for the running scan
	seen        map[string]bluetooth.Address
	connecting  string
	connectedID string
	device      *bluetooth.Device
	services    map[string]bluetooth.DeviceService
	chars       map[string]notifier // keyed by charKey
	caps        map[string]Capabilities
	subscribed  map[string]bool
	pending     map[string]bool // EnableNotifications in flight
}

// notifier is the part of bluetooth.DeviceCharacteristic the adapter uses.
type notifier interface {
	EnableNotifications(callback func(buf []byte)) error
}

// scanStopTimeout bounds how long StartScan waits for a stopped scan to
// unwind before starting the next one.
const scanStopTimeout = 5 * time.Second

// NewTinyGoAdapter creates an adapter on the platform default radio.
func NewTinyGoAdapter(opts TinyGoOptions) (*TinyGoAdapter, error) {
	if opts.ConnectTimeout <= 0 {
		opts.ConnectTimeout = 15 * time.Second
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	filter := make([]bluetooth.UUID, 0, len(opts.ServiceFilter))
	for _, s := range opts.ServiceFilter {
		uuid, err := bluetooth.ParseUUID(ExpandUUID(s))
		if err != nil {
			return nil, fmt.Errorf("ble: parse service filter %q: %w", s, err)
		}
		filter = append(filter, uuid)
	}
	if len(filter) == 0 {
		filter = nil
	}
	radio := bluetooth.DefaultAdapter
	return &TinyGoAdapter{
		adapter:       radio,
		opts:          opts,
		logger:        opts.Logger,
		serviceFilter: filter,
		scan:          radio.Scan,
		stopScan:      radio.StopScan,
		seen:          make(map[string]bluetooth.Address),
		services:      make(map[string]bluetooth.DeviceService),
		chars:         make(map[string]notifier),
		caps:          make(map[string]Capabilities),
		subscribed:    make(map[string]bool),
		pending:       make(map[string]bool),
	}, nil
}

// Compile-time check that TinyGoAdapter implements Adapter.
var _ Adapter = (*TinyGoAdapter)(nil)

func (a *TinyGoAdapter) SetEventHandler(h EventHandler) {
	a.mu.Lock()
	a.handler = h
	a.mu.Unlock()
}

func (a *TinyGoAdapter) emit(ev Event) {
	if ev.At.IsZero() {
		ev.At = time.Now()
	}
	a.mu.Lock()
	h := a.handler
	a.mu.Unlock()
	if h != nil {
		h(ev)
	}
}

func (a *TinyGoAdapter) emitError(op, peripheralID string, err error) {
	a.emit(Event{Kind: EventError, Op: op, PeripheralID: peripheralID, Err: err})
}

// enable powers the radio on first use and installs the link-loss handler.
func (a *TinyGoAdapter) enable() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.enabled {
		return nil
	}
	if err := a.adapter.Enable(); err != nil {
		return fmt.Errorf("%w: %v", ErrAdapterUnavailable, err)
	}

	// tinygo/bluetooth fires this with connected=false when the remote
	// link drops.
	a.adapter.SetConnectHandler(func(device bluetooth.Device, connected bool) {
		if connected {
			return
		}
		id := device.Address.String()
		a.mu.Lock()
		if id != a.connectedID {
			a.mu.Unlock()
			return
		}
		a.resetLinkLocked()
		a.mu.Unlock()
		a.logger.Debug("[BLE] link lost", "peripheral", id)
		a.emit(Event{Kind: EventDisconnected, PeripheralID: id})
	})
	a.enabled = true
	return nil
}

// StartScan starts a scan unless one is already running. If the previous
// scan was stopped but the platform has not returned from it yet, StartScan
// waits for it so that the new session gets its own scan.
func (a *TinyGoAdapter) StartScan() error {
	if err := a.enable(); err != nil {
		return err
	}

	a.mu.Lock()
	prev, stopping := a.scanDone, a.stopping
	a.mu.Unlock()
	if prev != nil {
		if !stopping {
			return nil
		}
		if err := a.awaitScanExit(prev); err != nil {
			return err
		}
	}

	a.mu.Lock()
	if a.scanDone != nil {
		// A concurrent StartScan got there first.
		a.mu.Unlock()
		return nil
	}
	done := make(chan struct{})
	a.scanDone = done
	a.stopping = false
	a.seen = make(map[string]bluetooth.Address)
	a.mu.Unlock()

	go a.runScan(done)
	return nil
}

// awaitScanExit waits for a stopped scan goroutine to return. The stop is
// repeated while waiting, since a stop issued before the platform scan got
// going is lost on some backends.
func (a *TinyGoAdapter) awaitScanExit(done <-chan struct{}) error {
	deadline := time.NewTimer(scanStopTimeout)
	defer deadline.Stop()
	retry := time.NewTicker(100 * time.Millisecond)
	defer retry.Stop()
	for {
		select {
		case <-done:
			return nil
		case <-retry.C:
			_ = a.stopScan()
		case <-deadline.C:
			return fmt.Errorf("ble: start scan: previous scan still stopping: %w", ErrInvalidState)
		}
	}
}

func (a *TinyGoAdapter) runScan(done chan struct{}) {
	err := a.scan(func(_ *bluetooth.Adapter, result bluetooth.ScanResult) {
		id := result.Address.String()
		a.mu.Lock()
		a.seen[id] = result.Address
		a.mu.Unlock()
		a.emit(Event{
			Kind: EventDiscovered,
			Peripheral: Peripheral{
				ID:   id,
				Name: result.LocalName(),
				RSSI: int(result.RSSI),
			},
			PeripheralID: id,
		})
	})

	a.mu.Lock()
	stopped := a.stopping
	a.scanDone = nil
	a.stopping = false
	a.mu.Unlock()
	close(done)

	if err != nil && !stopped {
		a.emitError("scan", "", fmt.Errorf("ble: scan: %w", err))
	}
}

// StopScan ends the running scan. Idempotent.
func (a *TinyGoAdapter) StopScan() error {
	a.mu.Lock()
	if a.scanDone == nil || a.stopping {
		a.mu.Unlock()
		return nil
	}
	a.stopping = true
	a.mu.Unlock()

	if err := a.stopScan(); err != nil {
		a.logger.Debug("[BLE] stop scan", "error", err)
	}
	return nil
}

func (a *TinyGoAdapter) Connect(peripheralID string) error {
	a.mu.Lock()
	addr, ok := a.seen[peripheralID]
	switch {
	case !ok:
		a.mu.Unlock()
		return fmt.Errorf("ble: connect to %s: %w", peripheralID, ErrNotDiscovered)
	case a.connecting != "":
		a.mu.Unlock()
		return fmt.Errorf("ble: connect to %s: %w", peripheralID, ErrAlreadyConnecting)
	case a.connectedID != "":
		a.mu.Unlock()
		return fmt.Errorf("ble: connect to %s: %w", peripheralID, ErrAlreadyConnected)
	}
	a.connecting = peripheralID
	a.mu.Unlock()

	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), a.opts.ConnectTimeout)
		defer cancel()

		device, err := a.connect(ctx, addr)

		a.mu.Lock()
		if a.connecting != peripheralID {
			// Disconnect was requested while the attempt was in flight.
			a.mu.Unlock()
			if err == nil {
				_ = device.Disconnect()
			}
			return
		}
		a.connecting = ""
		if err != nil {
			a.mu.Unlock()
			a.emitError("connect", peripheralID, fmt.Errorf("ble: connect to %s: %w", peripheralID, err))
			return
		}
		a.connectedID = peripheralID
		a.device = &device
		a.mu.Unlock()

		a.logger.Info("[BLE] connected", "peripheral", peripheralID)
		a.emit(Event{Kind: EventConnected, PeripheralID: peripheralID})
	}()
	return nil
}

// connect wraps the blocking platform connect so that ctx bounds it.
func (a *TinyGoAdapter) connect(ctx context.Context, addr bluetooth.Address) (bluetooth.Device, error) {
	type connectResult struct {
		device bluetooth.Device
		err    error
	}
	ch := make(chan connectResult, 1)
	go func() {
		device, err := a.adapter.Connect(addr, bluetooth.ConnectionParams{})
		ch <- connectResult{device, err}
	}()

	select {
	case <-ctx.Done():
		// The platform attempt cannot be cancelled; drop the link if it
		// completes after we gave up.
		go func() {
			if r := <-ch; r.err == nil {
				_ = r.device.Disconnect()
			}
		}()
		return bluetooth.Device{}, ctx.Err()
	case r := <-ch:
		return r.device, r.err
	}
}

func (a *TinyGoAdapter) DiscoverServices(peripheralID string) error {
	a.mu.Lock()
	if a.connectedID != peripheralID || a.device == nil {
		a.mu.Unlock()
		return fmt.Errorf("ble: discover services on %s: %w", peripheralID, ErrInvalidState)
	}
	device := a.device
	a.mu.Unlock()

	go func() {
		svcs, err := device.DiscoverServices(a.serviceFilter)
		if err != nil {
			a.emitError("discoverServices", peripheralID, fmt.Errorf("ble: discover services: %w", err))
			return
		}

		a.mu.Lock()
		if a.device != device {
			a.mu.Unlock()
			return
		}
		a.services = make(map[string]bluetooth.DeviceService, len(svcs))
		a.chars = make(map[string]notifier)
		a.caps = make(map[string]Capabilities)
		out := make([]Service, 0, len(svcs))
		for _, svc := range svcs {
			id := svc.UUID().String()
			a.services[id] = svc
			out = append(out, Service{ID: id, PeripheralID: peripheralID})
		}
		a.mu.Unlock()

		a.emit(Event{Kind: EventServicesDiscovered, PeripheralID: peripheralID, Services: out})
	}()
	return nil
}

func (a *TinyGoAdapter) DiscoverCharacteristics(peripheralID, serviceID string) error {
	a.mu.Lock()
	if a.connectedID != peripheralID || a.device == nil {
		a.mu.Unlock()
		return fmt.Errorf("ble: discover characteristics on %s: %w", peripheralID, ErrInvalidState)
	}
	svc, ok := a.services[serviceID]
	device := a.device
	a.mu.Unlock()
	if !ok {
		return fmt.Errorf("ble: service %s: %w", serviceID, ErrNotDiscovered)
	}

	go func() {
		chars, err := svc.DiscoverCharacteristics(nil)
		if err != nil {
			a.emitError("discoverCharacteristics", peripheralID, fmt.Errorf("ble: discover characteristics: %w", err))
			return
		}

		a.mu.Lock()
		if a.device != device {
			a.mu.Unlock()
			return
		}
		out := make([]Characteristic, 0, len(chars))
		for _, c := range chars {
			id := c.UUID().String()
			caps, known := KnownCapabilities(id)
			if !known {
				// tinygo does not expose GATT properties on every platform;
				// let the platform reject unsupported subscriptions.
				caps = Capabilities{Readable: true, Notifiable: true}
			}
			key := charKey(serviceID, id)
			ch := c
			a.chars[key] = &ch
			a.caps[key] = caps
			out = append(out, Characteristic{ID: id, ServiceID: serviceID, Capabilities: caps})
		}
		a.mu.Unlock()

		a.emit(Event{
			Kind:            EventCharacteristicsDiscovered,
			PeripheralID:    peripheralID,
			ServiceID:       serviceID,
			Characteristics: out,
		})
	}()
	return nil
}

func (a *TinyGoAdapter) Subscribe(serviceID, characteristicID string) error {
	key := charKey(serviceID, characteristicID)

	a.mu.Lock()
	if a.device == nil {
		a.mu.Unlock()
		return fmt.Errorf("ble: subscribe %s: %w", characteristicID, ErrInvalidState)
	}
	char, ok := a.chars[key]
	caps := a.caps[key]
	switch {
	case !ok:
		a.mu.Unlock()
		return fmt.Errorf("ble: subscribe %s: %w", characteristicID, ErrNotDiscovered)
	case !caps.Notifiable:
		a.mu.Unlock()
		return fmt.Errorf("ble: subscribe %s: %w", characteristicID, ErrNotNotifiable)
	case a.pending[key] || a.subscribed[key]:
		a.mu.Unlock()
		return nil
	}
	a.pending[key] = true
	peripheralID := a.connectedID
	device := a.device
	a.mu.Unlock()

	go func() {
		err := char.EnableNotifications(func(buf []byte) {
			data := make([]byte, len(buf))
			copy(data, buf)
			a.emit(Event{
				Kind:             EventNotification,
				PeripheralID:     peripheralID,
				ServiceID:        serviceID,
				CharacteristicID: characteristicID,
				Data:             data,
			})
		})

		a.mu.Lock()
		wanted := a.pending[key] && a.device == device
		if a.device == device {
			delete(a.pending, key)
		}
		if err == nil && wanted {
			a.subscribed[key] = true
		}
		a.mu.Unlock()

		switch {
		case err != nil:
			if wanted {
				a.emitError("subscribe", peripheralID, fmt.Errorf("ble: enable notifications on %s: %w", characteristicID, err))
			}
		case !wanted:
			// Unsubscribed or disconnected while enabling; undo it.
			if derr := char.EnableNotifications(nil); derr != nil {
				a.logger.Debug("[BLE] disable abandoned notifications", "characteristic", characteristicID, "error", derr)
			}
		default:
			a.emit(Event{
				Kind:             EventSubscribed,
				PeripheralID:     peripheralID,
				ServiceID:        serviceID,
				CharacteristicID: characteristicID,
			})
		}
	}()
	return nil
}

// Unsubscribe disables notifications. A subscription that is still being
// enabled is marked abandoned and undone when the platform call returns.
func (a *TinyGoAdapter) Unsubscribe(serviceID, characteristicID string) error {
	key := charKey(serviceID, characteristicID)

	a.mu.Lock()
	if a.pending[key] {
		delete(a.pending, key)
		a.mu.Unlock()
		return nil
	}
	char, ok := a.chars[key]
	if !ok || !a.subscribed[key] {
		a.mu.Unlock()
		return nil
	}
	delete(a.subscribed, key)
	a.mu.Unlock()

	if err := char.EnableNotifications(nil); err != nil {
		return fmt.Errorf("ble: disable notifications on %s: %w", characteristicID, err)
	}
	return nil
}

func (a *TinyGoAdapter) Disconnect(peripheralID string) error {
	a.mu.Lock()
	if a.connecting == peripheralID {
		a.connecting = ""
	}
	if a.connectedID != peripheralID || a.device == nil {
		a.mu.Unlock()
		return nil
	}
	device := a.device
	a.resetLinkLocked()
	a.mu.Unlock()

	if err := device.Disconnect(); err != nil {
		a.logger.Debug("[BLE] disconnect", "peripheral", peripheralID, "error", err)
	}
	return nil
}

// resetLinkLocked forgets everything tied to the current link (caller must hold mu).
func (a *TinyGoAdapter) resetLinkLocked() {
	a.connectedID = ""
	a.device = nil
	a.services = make(map[string]bluetooth.DeviceService)
	a.chars = make(map[string]notifier)
	a.caps = make(map[string]Capabilities)
	a.subscribed = make(map[string]bool)
	a.pending = make(map[string]bool)
}

func charKey(serviceID, characteristicID string) string {
	return serviceID + "/" + characteristicID
}
