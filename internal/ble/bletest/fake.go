// Package bletest provides a scriptable in-memory ble.Adapter.
package bletest

import (
	"fmt"
	"sync"

	"github.com/chaz8081/ble2osc/internal/ble"
)

// Fake simulates a BLE central. Unless Manual is set, every accepted
// operation completes immediately by emitting its success event from the
// calling goroutine.
type Fake struct {
	mu      sync.Mutex
	handler ble.EventHandler

	// Unavailable makes StartScan fail with ble.ErrAdapterUnavailable.
	Unavailable bool
	// Manual disables automatic completion of connect, discovery and
	// subscribe; use the Complete* helpers instead.
	Manual bool
	// ConnectErr, when set, is reported as an EventError instead of a
	// successful connection.
	ConnectErr error
	// Services lists the services returned per peripheral ID.
	Services map[string][]ble.Service
	// Characteristics lists the characteristics returned per service ID.
	Characteristics map[string][]ble.Characteristic

	scanning   bool
	seen       map[string]bool
	connecting string
	connected  string
	subscribed map[string]bool
	calls      []string
}

// New creates a Fake with empty GATT tables.
func New() *Fake {
	return &Fake{
		Services:        make(map[string][]ble.Service),
		Characteristics: make(map[string][]ble.Characteristic),
		seen:            make(map[string]bool),
		subscribed:      make(map[string]bool),
	}
}

var _ ble.Adapter = (*Fake)(nil)

func (f *Fake) SetEventHandler(h ble.EventHandler) {
	f.mu.Lock()
	f.handler = h
	f.mu.Unlock()
}

func (f *Fake) emit(ev ble.Event) {
	f.mu.Lock()
	h := f.handler
	f.mu.Unlock()
	if h != nil {
		h(ev)
	}
}

func (f *Fake) record(call string) {
	f.calls = append(f.calls, call)
}

// Calls returns the adapter operations invoked so far.
func (f *Fake) Calls() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]string, len(f.calls))
	copy(out, f.calls)
	return out
}

// Scanning reports whether a scan is active.
func (f *Fake) Scanning() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.scanning
}

// Connected returns the connected peripheral ID, or "".
func (f *Fake) Connected() string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.connected
}

// Subscribed reports whether notifications are enabled on a characteristic.
func (f *Fake) Subscribed(serviceID, characteristicID string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.subscribed[serviceID+"/"+characteristicID]
}

func (f *Fake) StartScan() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.record("StartScan")
	if f.Unavailable {
		return fmt.Errorf("fake: start scan: %w", ble.ErrAdapterUnavailable)
	}
	f.scanning = true
	return nil
}

func (f *Fake) StopScan() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.record("StopScan")
	f.scanning = false
	return nil
}

// Advertise simulates an advertisement. It is ignored while not scanning.
func (f *Fake) Advertise(p ble.Peripheral) {
	f.mu.Lock()
	if !f.scanning {
		f.mu.Unlock()
		return
	}
	f.seen[p.ID] = true
	f.mu.Unlock()
	f.emit(ble.Event{Kind: ble.EventDiscovered, Peripheral: p, PeripheralID: p.ID})
}

func (f *Fake) Connect(peripheralID string) error {
	f.mu.Lock()
	f.record("Connect " + peripheralID)
	switch {
	case !f.seen[peripheralID]:
		f.mu.Unlock()
		return fmt.Errorf("fake: connect %s: %w", peripheralID, ble.ErrNotDiscovered)
	case f.connecting != "":
		f.mu.Unlock()
		return fmt.Errorf("fake: connect %s: %w", peripheralID, ble.ErrAlreadyConnecting)
	case f.connected != "":
		f.mu.Unlock()
		return fmt.Errorf("fake: connect %s: %w", peripheralID, ble.ErrAlreadyConnected)
	}
	f.connecting = peripheralID
	manual := f.Manual
	f.mu.Unlock()

	if !manual {
		f.CompleteConnect(peripheralID)
	}
	return nil
}

// CompleteConnect finishes an in-flight connection attempt, successfully
// unless ConnectErr is set.
func (f *Fake) CompleteConnect(peripheralID string) {
	f.mu.Lock()
	if f.connecting != peripheralID {
		f.mu.Unlock()
		return
	}
	f.connecting = ""
	if err := f.ConnectErr; err != nil {
		f.mu.Unlock()
		f.emit(ble.Event{Kind: ble.EventError, Op: "connect", PeripheralID: peripheralID, Err: err})
		return
	}
	f.connected = peripheralID
	f.mu.Unlock()
	f.emit(ble.Event{Kind: ble.EventConnected, PeripheralID: peripheralID})
}

func (f *Fake) DiscoverServices(peripheralID string) error {
	f.mu.Lock()
	f.record("DiscoverServices " + peripheralID)
	if f.connected != peripheralID {
		f.mu.Unlock()
		return fmt.Errorf("fake: discover services: %w", ble.ErrInvalidState)
	}
	manual := f.Manual
	f.mu.Unlock()

	if !manual {
		f.CompleteServices(peripheralID)
	}
	return nil
}

// CompleteServices reports the configured services of a peripheral.
func (f *Fake) CompleteServices(peripheralID string) {
	f.mu.Lock()
	svcs := append([]ble.Service(nil), f.Services[peripheralID]...)
	f.mu.Unlock()
	f.emit(ble.Event{Kind: ble.EventServicesDiscovered, PeripheralID: peripheralID, Services: svcs})
}

func (f *Fake) DiscoverCharacteristics(peripheralID, serviceID string) error {
	f.mu.Lock()
	f.record("DiscoverCharacteristics " + serviceID)
	if f.connected != peripheralID {
		f.mu.Unlock()
		return fmt.Errorf("fake: discover characteristics: %w", ble.ErrInvalidState)
	}
	manual := f.Manual
	f.mu.Unlock()

	if !manual {
		f.CompleteCharacteristics(peripheralID, serviceID)
	}
	return nil
}

// CompleteCharacteristics reports the configured characteristics of a service.
func (f *Fake) CompleteCharacteristics(peripheralID, serviceID string) {
	f.mu.Lock()
	chars := append([]ble.Characteristic(nil), f.Characteristics[serviceID]...)
	f.mu.Unlock()
	f.emit(ble.Event{
		Kind:            ble.EventCharacteristicsDiscovered,
		PeripheralID:    peripheralID,
		ServiceID:       serviceID,
		Characteristics: chars,
	})
}

func (f *Fake) Subscribe(serviceID, characteristicID string) error {
	f.mu.Lock()
	f.record("Subscribe " + characteristicID)
	if f.connected == "" {
		f.mu.Unlock()
		return fmt.Errorf("fake: subscribe: %w", ble.ErrInvalidState)
	}
	var found *ble.Characteristic
	for _, c := range f.Characteristics[serviceID] {
		if c.ID == characteristicID {
			found = &c
			break
		}
	}
	if found == nil {
		f.mu.Unlock()
		return fmt.Errorf("fake: subscribe %s: %w", characteristicID, ble.ErrNotDiscovered)
	}
	if !found.Capabilities.Notifiable {
		f.mu.Unlock()
		return fmt.Errorf("fake: subscribe %s: %w", characteristicID, ble.ErrNotNotifiable)
	}
	manual := f.Manual
	f.mu.Unlock()

	if !manual {
		f.CompleteSubscribe(serviceID, characteristicID)
	}
	return nil
}

// CompleteSubscribe confirms notifications on a characteristic.
func (f *Fake) CompleteSubscribe(serviceID, characteristicID string) {
	f.mu.Lock()
	f.subscribed[serviceID+"/"+characteristicID] = true
	peripheralID := f.connected
	f.mu.Unlock()
	f.emit(ble.Event{
		Kind:             ble.EventSubscribed,
		PeripheralID:     peripheralID,
		ServiceID:        serviceID,
		CharacteristicID: characteristicID,
	})
}

func (f *Fake) Unsubscribe(serviceID, characteristicID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.record("Unsubscribe " + characteristicID)
	delete(f.subscribed, serviceID+"/"+characteristicID)
	return nil
}

func (f *Fake) Disconnect(peripheralID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.record("Disconnect " + peripheralID)
	if f.connecting == peripheralID {
		f.connecting = ""
	}
	if f.connected == peripheralID {
		f.connected = ""
		f.subscribed = make(map[string]bool)
	}
	return nil
}

// Notify simulates a characteristic value notification.
func (f *Fake) Notify(serviceID, characteristicID string, data []byte) {
	f.mu.Lock()
	peripheralID := f.connected
	ok := f.subscribed[serviceID+"/"+characteristicID]
	f.mu.Unlock()
	if !ok {
		return
	}
	f.emit(ble.Event{
		Kind:             ble.EventNotification,
		PeripheralID:     peripheralID,
		ServiceID:        serviceID,
		CharacteristicID: characteristicID,
		Data:             data,
	})
}

// DropLink simulates a remote disconnect of the connected peripheral.
func (f *Fake) DropLink() {
	f.mu.Lock()
	id := f.connected
	f.connected = ""
	f.subscribed = make(map[string]bool)
	f.mu.Unlock()
	if id == "" {
		return
	}
	f.emit(ble.Event{Kind: ble.EventDisconnected, PeripheralID: id})
}

// Fail emits an adapter error for the given operation.
func (f *Fake) Fail(op, peripheralID string, err error) {
	f.emit(ble.Event{Kind: ble.EventError, Op: op, PeripheralID: peripheralID, Err: err})
}
