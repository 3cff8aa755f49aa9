// Package bridge owns the connection state machine. Adapter events and
// external commands are serialized onto one loop goroutine, which is the
// only writer of the state, the discovery registry and the relay arming.
// Readers get immutable snapshots.
package bridge

import (
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/chaz8081/ble2osc/internal/ble"
	"github.com/chaz8081/ble2osc/internal/eventbus"
	"github.com/chaz8081/ble2osc/internal/heartrate"
	"github.com/chaz8081/ble2osc/internal/osc"
	"github.com/chaz8081/ble2osc/internal/registry"
)

// Relay is the outbound side of the bridge, implemented by *osc.Relay.
type Relay interface {
	Relay(reading heartrate.Reading) bool
	Arm(armed bool)
	SetSendEnabled(enabled bool)
	SendEnabled() bool
	ConfigureDestination(host string, port int) error
	Destination() (osc.Destination, bool)
}

// Options configures the bridge.
type Options struct {
	NameFilter     string        // case-insensitive substring advertisements must carry
	AutoSubscribe  bool          // subscribe to 0x2A37 once characteristics are known
	ScanTimeout    time.Duration // stop scanning after this long; 0 = until stopped
	EventQueueSize int           // adapter events buffered ahead of the loop

	// PreferredService is selected after service discovery instead of the
	// first service. Short forms ("180d") are accepted.
	PreferredService string
}

// DefaultOptions returns sensible defaults.
func DefaultOptions() Options {
	return Options{
		AutoSubscribe:  true,
		EventQueueSize: 256,
	}
}

// StateChange is the payload of StateChanged events.
type StateChange struct {
	From  State  `json:"from"`
	To    State  `json:"to"`
	Error string `json:"error,omitempty"`
	Kind  string `json:"kind,omitempty"`
}

// PeripheralEvent is the payload of PeripheralDiscovered and
// PeripheralUpdated events.
type PeripheralEvent struct {
	Index      int                 `json:"index"`
	Peripheral registry.Peripheral `json:"peripheral"`
}

// Subscription is the payload of SubscriptionChanged events.
type Subscription struct {
	ServiceID        string `json:"service_id"`
	CharacteristicID string `json:"characteristic_id"`
	Subscribed       bool   `json:"subscribed"`
}

// Rejection is the payload of CommandRejected events.
type Rejection struct {
	Command string `json:"command"`
	Kind    string `json:"kind"`
	Error   string `json:"error"`
}

// DroppedReading is the payload of ReadingDropped events.
type DroppedReading struct {
	Data  string `json:"data"` // hex
	Kind  string `json:"kind"`
	Error string `json:"error"`
}

// Snapshot is an immutable view of the bridge. Selection indices are -1
// when nothing is selected.
type Snapshot struct {
	State                  State                     `json:"state"`
	Peripherals            []registry.Peripheral     `json:"peripherals"`
	Services               []registry.Service        `json:"services"`
	Characteristics        []registry.Characteristic `json:"characteristics"`
	SelectedPeripheral     int                       `json:"selected_peripheral"`
	SelectedService        int                       `json:"selected_service"`
	SelectedCharacteristic int                       `json:"selected_characteristic"`
	SendEnabled            bool                      `json:"send_enabled"`
	Destination            *osc.Destination          `json:"destination,omitempty"`
}

type command struct {
	name  string
	fn    func() error
	reply chan error
}

// Bridge drives an Adapter through discovery, connection and subscription
// and hands decoded readings to a Relay.
type Bridge struct {
	adapter ble.Adapter
	relay   Relay
	pub     eventbus.Publisher
	logger  *slog.Logger
	opts    Options

	// Owned by the loop goroutine.
	state         State
	reg           *registry.Registry
	preferService string // full UUID; replaces auto-selecting service 0
	pendingChar   string
	scanTimer     *time.Timer
	scanSession   uint64

	events    chan ble.Event
	cmds      chan command
	done      chan struct{}
	wg        sync.WaitGroup
	closeOnce sync.Once
	dropped   atomic.Uint64
	snap      atomic.Pointer[Snapshot]
}

// New creates a bridge, installs itself as the adapter's event handler and
// starts the processing loop. Call Close to stop it.
func New(adapter ble.Adapter, relay Relay, pub eventbus.Publisher, logger *slog.Logger, opts Options) *Bridge {
	if opts.EventQueueSize <= 0 {
		opts.EventQueueSize = 256
	}
	if logger == nil {
		logger = slog.Default()
	}
	b := &Bridge{
		adapter: adapter,
		relay:   relay,
		pub:     pub,
		logger:  logger,
		opts:    opts,
		state:   StateIdle,
		reg:     registry.New(),
		events:  make(chan ble.Event, opts.EventQueueSize),
		cmds:    make(chan command),
		done:    make(chan struct{}),
	}
	b.publishSnapshot()
	adapter.SetEventHandler(b.enqueue)

	b.wg.Add(1)
	go b.run()
	return b
}

// enqueue is the adapter event handler. Notifications are dropped when the
// loop falls behind; every other event waits for room.
func (b *Bridge) enqueue(ev ble.Event) {
	if ev.At.IsZero() {
		ev.At = time.Now()
	}
	if ev.Kind == ble.EventNotification {
		select {
		case b.events <- ev:
		default:
			if b.dropped.Add(1) == 1 {
				b.logger.Warn("[BRIDGE] event queue full, dropping notifications")
			}
		}
		return
	}
	select {
	case b.events <- ev:
	case <-b.done:
	}
}

func (b *Bridge) run() {
	defer b.wg.Done()
	for {
		select {
		case <-b.done:
			return
		case ev := <-b.events:
			b.handleEvent(ev)
			b.publishSnapshot()
		case c := <-b.cmds:
			err := c.fn()
			if err != nil {
				b.reject(c.name, err)
			}
			b.publishSnapshot()
			c.reply <- err
		}
	}
}

// do runs fn on the loop goroutine and waits for its result.
func (b *Bridge) do(name string, fn func() error) error {
	c := command{name: name, fn: fn, reply: make(chan error, 1)}
	select {
	case b.cmds <- c:
	case <-b.done:
		return ErrClosed
	}
	select {
	case err := <-c.reply:
		return err
	case <-b.done:
		return ErrClosed
	}
}

// Snapshot returns the state as of the last processed event or command.
func (b *Bridge) Snapshot() Snapshot { return *b.snap.Load() }

// State returns the current connection state.
func (b *Bridge) State() State { return b.snap.Load().State }

// DroppedNotifications counts notifications discarded on a full event queue.
func (b *Bridge) DroppedNotifications() uint64 { return b.dropped.Load() }

// StartScan clears the registry and starts a new scan session.
func (b *Bridge) StartScan() error {
	return b.do("startScan", func() error {
		switch {
		case b.state == StateScanning:
			return nil
		case b.state.Linked():
			return fmt.Errorf("%w: cannot scan while %s", ErrInvalidState, b.state)
		}
		if err := b.adapter.StartScan(); err != nil {
			return fmt.Errorf("bridge: start scan: %w", err)
		}
		b.reg.Clear()
		b.scanSession++
		b.armScanTimeout(b.scanSession)
		b.setState(StateScanning, nil)
		return nil
	})
}

// StopScan stops an active scan. Idempotent.
func (b *Bridge) StopScan() error {
	return b.do("stopScan", func() error {
		if b.state != StateScanning {
			return nil
		}
		b.stopScanLocked()
		return nil
	})
}

func (b *Bridge) stopScanLocked() {
	if b.scanTimer != nil {
		b.scanTimer.Stop()
		b.scanTimer = nil
	}
	if err := b.adapter.StopScan(); err != nil {
		b.logger.Warn("[BLE] stop scan failed", "error", err)
	}
	b.setState(StateIdle, nil)
}

func (b *Bridge) armScanTimeout(session uint64) {
	if b.opts.ScanTimeout <= 0 {
		return
	}
	b.scanTimer = time.AfterFunc(b.opts.ScanTimeout, func() {
		_ = b.do("scanTimeout", func() error {
			if b.state == StateScanning && b.scanSession == session {
				b.logger.Info("[BRIDGE] scan timed out", "after", b.opts.ScanTimeout)
				b.stopScanLocked()
			}
			return nil
		})
	})
}

// Connect selects the peripheral at index and connects to it. It is only
// accepted from Idle, Disconnected or Error.
func (b *Bridge) Connect(index int) error {
	return b.do("connect", func() error {
		if !b.state.acceptsConnect() {
			return fmt.Errorf("%w: state %s", ErrConnectionInProgress, b.state)
		}
		p, err := b.reg.Peripheral(index)
		if err != nil {
			return fmt.Errorf("bridge: connect: %w", err)
		}
		if err := b.adapter.Connect(p.ID); err != nil {
			return fmt.Errorf("bridge: connect %s: %w", p.DisplayName(), err)
		}
		if err := b.reg.SelectPeripheral(index); err != nil {
			return err
		}
		b.preferService = ""
		if b.opts.PreferredService != "" {
			b.preferService = ble.ExpandUUID(b.opts.PreferredService)
		}
		b.pendingChar = ""
		b.reg.SetStatus(p.ID, registry.StatusConnecting)
		b.logger.Info("[BLE] connecting", "peripheral", p.DisplayName(), "id", p.ID)
		b.setState(StateConnecting, nil)
		return nil
	})
}

// Disconnect tears down the link, if any. Idempotent.
func (b *Bridge) Disconnect() error {
	return b.do("disconnect", func() error {
		if !b.state.Linked() {
			return nil
		}
		if p, ok := b.reg.SelectedPeripheral(); ok {
			_ = b.adapter.Disconnect(p.ID)
		}
		b.teardown("disconnected by request")
		return nil
	})
}

// SelectService selects the service at index and rediscovers its
// characteristics, dropping any subscription on the previous one.
func (b *Bridge) SelectService(index int) error {
	return b.do("selectService", func() error {
		switch b.state {
		case StateServiceDiscovery, StateCharacteristicDiscovery, StateSubscribed:
		default:
			return fmt.Errorf("%w: select service while %s", ErrInvalidState, b.state)
		}
		return b.selectService(index)
	})
}

// SelectServiceByID selects a service by UUID. Before services have been
// discovered the choice is remembered and made when they arrive, in place
// of auto-selecting the first service.
func (b *Bridge) SelectServiceByID(id string) error {
	return b.do("selectServiceById", func() error {
		want := ble.ExpandUUID(id)
		switch b.state {
		case StateConnecting, StateConnected, StateServiceDiscovery:
			if len(b.reg.Services()) == 0 {
				b.preferService = want
				b.logger.Info("[BRIDGE] service preference set", "service", want)
				return nil
			}
		case StateCharacteristicDiscovery, StateSubscribed:
		default:
			return fmt.Errorf("%w: select service while %s", ErrInvalidState, b.state)
		}
		idx := b.indexOfService(want)
		if idx < 0 {
			return fmt.Errorf("bridge: select service %s: %w", want, ble.ErrNotDiscovered)
		}
		return b.selectService(idx)
	})
}

func (b *Bridge) selectService(index int) error {
	if _, err := b.reg.Service(index); err != nil {
		return fmt.Errorf("bridge: select service: %w", err)
	}
	b.dropSubscription()
	b.dropPending()
	if err := b.reg.SelectService(index); err != nil {
		return err
	}
	return b.discoverCharacteristics()
}

func (b *Bridge) indexOfService(uuid string) int {
	for i, s := range b.reg.Services() {
		if ble.ExpandUUID(s.ID) == uuid {
			return i
		}
	}
	return -1
}

// SelectCharacteristic subscribes to the characteristic at index of the
// selected service. On any error the selection is unchanged.
func (b *Bridge) SelectCharacteristic(index int) error {
	return b.do("selectCharacteristic", func() error {
		return b.selectCharacteristic(index)
	})
}

func (b *Bridge) selectCharacteristic(index int) error {
	if b.state != StateCharacteristicDiscovery && b.state != StateSubscribed {
		return fmt.Errorf("%w: select characteristic while %s", ErrInvalidState, b.state)
	}
	c, err := b.reg.Characteristic(index)
	if err != nil {
		return fmt.Errorf("bridge: select characteristic: %w", err)
	}
	if !c.Capabilities.Notifiable {
		return fmt.Errorf("bridge: select characteristic %s: %w", c.ID, ble.ErrNotNotifiable)
	}
	if cur, ok := b.reg.SelectedCharacteristic(); ok && cur.ID == c.ID && (cur.Subscribed || b.pendingChar == c.ID) {
		return nil
	}
	b.dropSubscription()
	b.dropPending()
	if err := b.adapter.Subscribe(c.ServiceID, c.ID); err != nil {
		return fmt.Errorf("bridge: subscribe %s: %w", c.ID, err)
	}
	if err := b.reg.SelectCharacteristic(index); err != nil {
		return err
	}
	b.pendingChar = c.ID
	return nil
}

// Unsubscribe disables notifications on the selected characteristic and
// returns to CharacteristicDiscovery.
func (b *Bridge) Unsubscribe() error {
	return b.do("unsubscribe", func() error {
		if b.state != StateSubscribed {
			return fmt.Errorf("%w: unsubscribe while %s", ErrInvalidState, b.state)
		}
		b.dropSubscription()
		return nil
	})
}

// SetSendEnabled toggles relaying. It is independent of connection state.
func (b *Bridge) SetSendEnabled(enabled bool) error {
	return b.do("setSendEnabled", func() error {
		b.relay.SetSendEnabled(enabled)
		b.logger.Info("[OSC] sending toggled", "enabled", enabled)
		return nil
	})
}

// ConfigureDestination replaces the OSC destination. An invalid destination
// is rejected and the previous one stays active.
func (b *Bridge) ConfigureDestination(host string, port int) error {
	return b.do("configureDestination", func() error {
		return b.relay.ConfigureDestination(host, port)
	})
}

// Close stops scanning, drops the link and stops the loop. Idempotent.
func (b *Bridge) Close() error {
	b.closeOnce.Do(func() {
		_ = b.do("close", func() error {
			if b.state == StateScanning {
				b.stopScanLocked()
			}
			if b.state.Linked() {
				if p, ok := b.reg.SelectedPeripheral(); ok {
					_ = b.adapter.Disconnect(p.ID)
				}
				b.teardown("bridge closed")
			}
			return nil
		})
		close(b.done)
		b.wg.Wait()
	})
	return nil
}

func (b *Bridge) handleEvent(ev ble.Event) {
	switch ev.Kind {
	case ble.EventDiscovered:
		b.onDiscovered(ev)
	case ble.EventConnected:
		b.onConnected(ev)
	case ble.EventServicesDiscovered:
		b.onServices(ev)
	case ble.EventCharacteristicsDiscovered:
		b.onCharacteristics(ev)
	case ble.EventSubscribed:
		b.onSubscribed(ev)
	case ble.EventNotification:
		b.onNotification(ev)
	case ble.EventDisconnected:
		b.onDisconnected(ev)
	case ble.EventError:
		b.onError(ev)
	}
}

func (b *Bridge) onDiscovered(ev ble.Event) {
	if b.state != StateScanning {
		return
	}
	p := ev.Peripheral
	if f := b.opts.NameFilter; f != "" && !strings.Contains(strings.ToLower(p.Name), strings.ToLower(f)) {
		return
	}
	idx, inserted := b.reg.UpsertPeripheral(registry.Peripheral{ID: p.ID, Name: p.Name, RSSI: p.RSSI})
	rec, _ := b.reg.Peripheral(idx)
	payload := PeripheralEvent{Index: idx, Peripheral: rec}
	if inserted {
		b.logger.Info("[BLE] discovered", "index", idx, "name", rec.DisplayName(), "rssi", rec.RSSI)
		b.publish(eventbus.PeripheralDiscovered, "discovered "+rec.DisplayName(), payload)
		return
	}
	b.publish(eventbus.PeripheralUpdated, "updated "+rec.DisplayName(), payload)
}

// isSelected reports whether a link event belongs to the selected peripheral.
func (b *Bridge) isSelected(peripheralID string) bool {
	p, ok := b.reg.SelectedPeripheral()
	return ok && p.ID == peripheralID
}

func (b *Bridge) onConnected(ev ble.Event) {
	if b.state != StateConnecting || !b.isSelected(ev.PeripheralID) {
		b.logger.Debug("[BRIDGE] ignoring stale connect", "id", ev.PeripheralID, "state", b.state)
		return
	}
	b.reg.SetStatus(ev.PeripheralID, registry.StatusConnected)
	b.logger.Info("[BLE] connected", "id", ev.PeripheralID)
	b.setState(StateConnected, nil)

	b.setState(StateServiceDiscovery, nil)
	if err := b.adapter.DiscoverServices(ev.PeripheralID); err != nil {
		b.fail(fmt.Errorf("bridge: discover services: %w", err))
	}
}

func (b *Bridge) onServices(ev ble.Event) {
	if b.state != StateServiceDiscovery || !b.isSelected(ev.PeripheralID) {
		return
	}
	svcs := make([]registry.Service, 0, len(ev.Services))
	for _, s := range ev.Services {
		svcs = append(svcs, registry.Service{ID: s.ID, PeripheralID: ev.PeripheralID})
	}
	if err := b.reg.SetServices(ev.PeripheralID, svcs); err != nil {
		b.logger.Warn("[BRIDGE] services rejected", "error", err)
		return
	}
	svcs = b.reg.Services()
	b.logger.Info("[BLE] services discovered", "count", len(svcs))
	b.publish(eventbus.ServicesDiscovered, fmt.Sprintf("%d services", len(svcs)), svcs)

	if len(svcs) == 0 {
		b.fail(errNoServices)
		return
	}
	idx := 0
	if b.preferService != "" {
		if idx = b.indexOfService(b.preferService); idx < 0 {
			// Stay in ServiceDiscovery until selectService picks one.
			b.reject("selectService", fmt.Errorf("bridge: preferred service %s: %w", b.preferService, ble.ErrNotDiscovered))
			return
		}
	}
	if err := b.reg.SelectService(idx); err != nil {
		b.fail(err)
		return
	}
	if err := b.discoverCharacteristics(); err != nil {
		b.fail(err)
	}
}

// discoverCharacteristics requests the characteristics of the selected
// service and enters CharacteristicDiscovery.
func (b *Bridge) discoverCharacteristics() error {
	p, _ := b.reg.SelectedPeripheral()
	s, _ := b.reg.SelectedService()
	if err := b.adapter.DiscoverCharacteristics(p.ID, s.ID); err != nil {
		return fmt.Errorf("bridge: discover characteristics: %w", err)
	}
	b.setState(StateCharacteristicDiscovery, nil)
	return nil
}

func (b *Bridge) onCharacteristics(ev ble.Event) {
	if b.state != StateCharacteristicDiscovery || !b.isSelected(ev.PeripheralID) {
		return
	}
	s, ok := b.reg.SelectedService()
	if !ok || s.ID != ev.ServiceID {
		return
	}
	chars := make([]registry.Characteristic, 0, len(ev.Characteristics))
	for _, c := range ev.Characteristics {
		chars = append(chars, registry.Characteristic{ID: c.ID, ServiceID: ev.ServiceID, Capabilities: c.Capabilities})
	}
	if err := b.reg.SetCharacteristics(ev.ServiceID, chars); err != nil {
		b.logger.Warn("[BRIDGE] characteristics rejected", "error", err)
		return
	}
	b.pendingChar = ""
	chars = b.reg.Characteristics()
	b.logger.Info("[BLE] characteristics discovered", "service", ev.ServiceID, "count", len(chars))
	b.publish(eventbus.CharacteristicsDiscovered, fmt.Sprintf("%d characteristics", len(chars)), chars)

	if !b.opts.AutoSubscribe {
		return
	}
	idx := b.reg.IndexOfCharacteristic(ble.HeartRateMeasurementUUID)
	if idx < 0 {
		return
	}
	if err := b.selectCharacteristic(idx); err != nil {
		b.reject("autoSubscribe", err)
	}
}

func (b *Bridge) onSubscribed(ev ble.Event) {
	if b.state != StateCharacteristicDiscovery || ev.CharacteristicID != b.pendingChar {
		return
	}
	b.pendingChar = ""
	b.reg.SetSubscribed(ev.CharacteristicID, true)
	b.logger.Info("[BLE] subscribed", "characteristic", ev.CharacteristicID)
	b.publish(eventbus.SubscriptionChanged, "subscribed "+ev.CharacteristicID, Subscription{
		ServiceID:        ev.ServiceID,
		CharacteristicID: ev.CharacteristicID,
		Subscribed:       true,
	})
	b.setState(StateSubscribed, nil)
}

func (b *Bridge) onNotification(ev ble.Event) {
	if b.state != StateSubscribed {
		return
	}
	if c, ok := b.reg.SelectedCharacteristic(); !ok || c.ID != ev.CharacteristicID {
		return
	}
	reading, err := heartrate.Decode(ev.Data, ev.At)
	if err != nil {
		b.logger.Warn("[BRIDGE] dropped reading", "error", err)
		b.publish(eventbus.ReadingDropped, err.Error(), DroppedReading{
			Data:  fmt.Sprintf("%x", ev.Data),
			Kind:  ErrorKind(err),
			Error: err.Error(),
		})
		return
	}
	b.publish(eventbus.ReadingDecoded, fmt.Sprintf("%d bpm", reading.Value), reading)
	b.relay.Relay(reading)
}

func (b *Bridge) onDisconnected(ev ble.Event) {
	if !b.state.Linked() || !b.isSelected(ev.PeripheralID) {
		return
	}
	b.teardown("remote disconnect")
}

func (b *Bridge) onError(ev ble.Event) {
	err := ev.Err
	if err == nil {
		err = fmt.Errorf("bridge: %s failed", ev.Op)
	}
	switch {
	case ev.Op == "scan" && b.state == StateScanning:
		b.fail(fmt.Errorf("bridge: scan: %w", err))
	case ev.Op == "subscribe" && b.state == StateCharacteristicDiscovery:
		b.logger.Warn("[BLE] subscribe failed", "characteristic", ev.CharacteristicID, "error", err)
		b.pendingChar = ""
		b.reject("subscribe", err)
	case b.state.Linked() && b.isSelected(ev.PeripheralID):
		b.fail(fmt.Errorf("bridge: %s: %w", ev.Op, err))
	default:
		b.logger.Debug("[BRIDGE] ignoring stale error", "op", ev.Op, "error", err)
	}
}

// dropSubscription unsubscribes from the selected characteristic, if
// subscribed, and leaves Subscribed.
func (b *Bridge) dropSubscription() {
	c, ok := b.reg.SelectedCharacteristic()
	if !ok || !c.Subscribed {
		return
	}
	if err := b.adapter.Unsubscribe(c.ServiceID, c.ID); err != nil {
		b.logger.Warn("[BLE] unsubscribe failed", "characteristic", c.ID, "error", err)
	}
	b.reg.SetSubscribed(c.ID, false)
	b.publish(eventbus.SubscriptionChanged, "unsubscribed "+c.ID, Subscription{
		ServiceID:        c.ServiceID,
		CharacteristicID: c.ID,
		Subscribed:       false,
	})
	if b.state == StateSubscribed {
		b.setState(StateCharacteristicDiscovery, nil)
	}
}

// dropPending abandons a subscription request that was not yet confirmed.
func (b *Bridge) dropPending() {
	if b.pendingChar == "" {
		return
	}
	if s, ok := b.reg.SelectedService(); ok {
		_ = b.adapter.Unsubscribe(s.ID, b.pendingChar)
	}
	b.pendingChar = ""
}

// teardown ends a link: Disconnected, registry cleared, relay disarmed.
// The send toggle is left alone.
func (b *Bridge) teardown(reason string) {
	if p, ok := b.reg.SelectedPeripheral(); ok {
		b.reg.SetStatus(p.ID, registry.StatusDisconnected)
		b.logger.Info("[BLE] disconnected", "peripheral", p.DisplayName(), "reason", reason)
	}
	b.reg.Clear()
	b.pendingChar = ""
	b.setState(StateDisconnected, nil)
}

// fail enters Error. A held link is dropped locally and the service
// catalog cleared; peripherals are kept so connect can retry without a
// rescan.
func (b *Bridge) fail(err error) {
	if b.state == StateScanning {
		_ = b.adapter.StopScan()
		if b.scanTimer != nil {
			b.scanTimer.Stop()
			b.scanTimer = nil
		}
	}
	if b.state.Linked() {
		if p, ok := b.reg.SelectedPeripheral(); ok {
			_ = b.adapter.Disconnect(p.ID)
			b.reg.SetStatus(p.ID, registry.StatusFailed)
		}
		b.reg.ResetServices()
	}
	b.pendingChar = ""
	b.logger.Error("[BRIDGE] error", "state", b.state, "error", err)
	b.setState(StateError, err)
}

// setState applies a legal transition, arms or disarms the relay and
// publishes the change.
func (b *Bridge) setState(to State, cause error) {
	from := b.state
	if from == to && to != StateError {
		return
	}
	if !from.CanTransition(to) {
		b.logger.Error("[BRIDGE] illegal transition suppressed", "from", from, "to", to)
		return
	}
	b.state = to
	b.relay.Arm(to == StateSubscribed)

	change := StateChange{From: from, To: to}
	if cause != nil {
		change.Error = cause.Error()
		change.Kind = ErrorKind(cause)
	}
	b.logger.Info("[BRIDGE] state changed", "from", from, "to", to)
	b.publish(eventbus.StateChanged, from.String()+" -> "+to.String(), change)
}

func (b *Bridge) reject(cmd string, err error) {
	kind := ErrorKind(err)
	b.logger.Warn("[BRIDGE] command rejected", "command", cmd, "kind", kind, "error", err)
	b.publish(eventbus.CommandRejected, cmd+": "+err.Error(), Rejection{Command: cmd, Kind: kind, Error: err.Error()})
}

func (b *Bridge) publish(typ eventbus.Type, msg string, payload any) {
	if b.pub != nil {
		b.pub.Publish(typ, msg, payload)
	}
}

func (b *Bridge) publishSnapshot() {
	p, s, c := b.reg.Selection()
	snap := &Snapshot{
		State:                  b.state,
		Peripherals:            b.reg.Peripherals(),
		Services:               b.reg.Services(),
		Characteristics:        b.reg.Characteristics(),
		SelectedPeripheral:     p,
		SelectedService:        s,
		SelectedCharacteristic: c,
		SendEnabled:            b.relay.SendEnabled(),
	}
	if d, ok := b.relay.Destination(); ok {
		snap.Destination = &d
	}
	b.snap.Store(snap)
}
