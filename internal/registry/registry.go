// Package registry keeps the ordered, de-duplicated catalogs of discovered
// peripherals, services and characteristics along with the current
// selection in each. A Registry is owned by a single goroutine; readers get
// copies.
package registry

import (
	"errors"
	"fmt"

	"github.com/chaz8081/ble2osc/internal/ble"
)

// ErrIndexOutOfRange reports a selection index outside the catalog.
var ErrIndexOutOfRange = errors.New("registry: index out of range")

// Status is the connection status of a peripheral.
type Status int

const (
	StatusDiscovered Status = iota
	StatusConnecting
	StatusConnected
	StatusDisconnected
	StatusFailed
)

func (s Status) String() string {
	switch s {
	case StatusConnecting:
		return "connecting"
	case StatusConnected:
		return "connected"
	case StatusDisconnected:
		return "disconnected"
	case StatusFailed:
		return "failed"
	default:
		return "discovered"
	}
}

// MarshalText encodes the status by name.
func (s Status) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// Peripheral is a discovered peripheral.
type Peripheral struct {
	ID     string `json:"id"`
	Name   string `json:"name,omitempty"`
	RSSI   int    `json:"rssi"`
	Status Status `json:"status"`
}

// DisplayName returns the advertised name or the identifier.
func (p Peripheral) DisplayName() string {
	if p.Name != "" {
		return p.Name
	}
	return p.ID
}

// Service is a discovered service of the selected peripheral.
type Service struct {
	ID           string `json:"id"`
	PeripheralID string `json:"peripheral_id"`
}

// Characteristic is a discovered characteristic of the selected service.
type Characteristic struct {
	ID           string           `json:"id"`
	ServiceID    string           `json:"service_id"`
	Capabilities ble.Capabilities `json:"capabilities"`
	Subscribed   bool             `json:"subscribed"`
}

// Registry holds the three catalogs. The zero value is empty and ready to use.
type Registry struct {
	peripherals     []Peripheral
	services        []Service
	characteristics []Characteristic

	selPeripheral     int
	selService        int
	selCharacteristic int
	initialized       bool
}

// New creates an empty Registry.
func New() *Registry {
	r := &Registry{}
	r.init()
	return r
}

func (r *Registry) init() {
	if r.initialized {
		return
	}
	r.selPeripheral, r.selService, r.selCharacteristic = -1, -1, -1
	r.initialized = true
}

// UpsertPeripheral inserts p or updates the existing record with the same
// ID in place, preserving first-seen order. An empty name never overwrites
// a known one. It returns the record's index and whether it was inserted.
func (r *Registry) UpsertPeripheral(p Peripheral) (int, bool) {
	r.init()
	for i := range r.peripherals {
		if r.peripherals[i].ID != p.ID {
			continue
		}
		if p.Name != "" {
			r.peripherals[i].Name = p.Name
		}
		r.peripherals[i].RSSI = p.RSSI
		return i, false
	}
	r.peripherals = append(r.peripherals, p)
	return len(r.peripherals) - 1, true
}

// SetStatus updates the status of the peripheral with the given ID.
func (r *Registry) SetStatus(id string, s Status) bool {
	for i := range r.peripherals {
		if r.peripherals[i].ID == id {
			r.peripherals[i].Status = s
			return true
		}
	}
	return false
}

// SetServices replaces the services of the selected peripheral. Any
// characteristic catalog and service selection is invalidated.
func (r *Registry) SetServices(peripheralID string, svcs []Service) error {
	r.init()
	sel, ok := r.SelectedPeripheral()
	if !ok || sel.ID != peripheralID {
		return fmt.Errorf("registry: services for %s: peripheral not selected", peripheralID)
	}
	r.services = dedupe(svcs, func(s Service) string { return s.ID })
	r.selService = -1
	r.characteristics = nil
	r.selCharacteristic = -1
	return nil
}

// SetCharacteristics replaces the characteristics of the selected service.
func (r *Registry) SetCharacteristics(serviceID string, chars []Characteristic) error {
	r.init()
	sel, ok := r.SelectedService()
	if !ok || sel.ID != serviceID {
		return fmt.Errorf("registry: characteristics for %s: service not selected", serviceID)
	}
	r.characteristics = dedupe(chars, func(c Characteristic) string { return c.ID })
	r.selCharacteristic = -1
	return nil
}

// SetSubscribed flags the subscription state of a characteristic.
func (r *Registry) SetSubscribed(id string, subscribed bool) {
	for i := range r.characteristics {
		if r.characteristics[i].ID == id {
			r.characteristics[i].Subscribed = subscribed
		}
	}
}

// SelectPeripheral selects by index and clears deeper selections and catalogs.
func (r *Registry) SelectPeripheral(i int) error {
	r.init()
	if i < 0 || i >= len(r.peripherals) {
		return fmt.Errorf("%w: peripheral %d of %d", ErrIndexOutOfRange, i, len(r.peripherals))
	}
	r.selPeripheral = i
	r.ResetServices()
	return nil
}

// SelectService selects by index and clears the characteristic selection.
func (r *Registry) SelectService(i int) error {
	r.init()
	if i < 0 || i >= len(r.services) {
		return fmt.Errorf("%w: service %d of %d", ErrIndexOutOfRange, i, len(r.services))
	}
	if i != r.selService {
		r.characteristics = nil
	}
	r.selService = i
	r.selCharacteristic = -1
	return nil
}

// SelectCharacteristic selects by index. On error the selection is unchanged.
func (r *Registry) SelectCharacteristic(i int) error {
	r.init()
	if i < 0 || i >= len(r.characteristics) {
		return fmt.Errorf("%w: characteristic %d of %d", ErrIndexOutOfRange, i, len(r.characteristics))
	}
	r.selCharacteristic = i
	return nil
}

// Peripheral returns the peripheral at index i without selecting it.
func (r *Registry) Peripheral(i int) (Peripheral, error) {
	if i < 0 || i >= len(r.peripherals) {
		return Peripheral{}, fmt.Errorf("%w: peripheral %d of %d", ErrIndexOutOfRange, i, len(r.peripherals))
	}
	return r.peripherals[i], nil
}

// Service returns the service at index i without selecting it.
func (r *Registry) Service(i int) (Service, error) {
	if i < 0 || i >= len(r.services) {
		return Service{}, fmt.Errorf("%w: service %d of %d", ErrIndexOutOfRange, i, len(r.services))
	}
	return r.services[i], nil
}

// Characteristic returns the characteristic at index i without selecting it.
func (r *Registry) Characteristic(i int) (Characteristic, error) {
	if i < 0 || i >= len(r.characteristics) {
		return Characteristic{}, fmt.Errorf("%w: characteristic %d of %d", ErrIndexOutOfRange, i, len(r.characteristics))
	}
	return r.characteristics[i], nil
}

// IndexOfCharacteristic returns the index of the characteristic with the
// given ID, or -1.
func (r *Registry) IndexOfCharacteristic(id string) int {
	for i, c := range r.characteristics {
		if c.ID == id {
			return i
		}
	}
	return -1
}

// SelectedPeripheral returns the selected peripheral, if any.
func (r *Registry) SelectedPeripheral() (Peripheral, bool) {
	r.init()
	if r.selPeripheral < 0 {
		return Peripheral{}, false
	}
	return r.peripherals[r.selPeripheral], true
}

// SelectedService returns the selected service, if any.
func (r *Registry) SelectedService() (Service, bool) {
	r.init()
	if r.selService < 0 {
		return Service{}, false
	}
	return r.services[r.selService], true
}

// SelectedCharacteristic returns the selected characteristic, if any.
func (r *Registry) SelectedCharacteristic() (Characteristic, bool) {
	r.init()
	if r.selCharacteristic < 0 {
		return Characteristic{}, false
	}
	return r.characteristics[r.selCharacteristic], true
}

// Selection returns the selected indices, -1 meaning none.
func (r *Registry) Selection() (peripheral, service, characteristic int) {
	r.init()
	return r.selPeripheral, r.selService, r.selCharacteristic
}

// Peripherals returns a copy of the peripheral catalog.
func (r *Registry) Peripherals() []Peripheral { return append([]Peripheral(nil), r.peripherals...) }

// Services returns a copy of the service catalog.
func (r *Registry) Services() []Service { return append([]Service(nil), r.services...) }

// Characteristics returns a copy of the characteristic catalog.
func (r *Registry) Characteristics() []Characteristic {
	return append([]Characteristic(nil), r.characteristics...)
}

// ResetServices drops the service and characteristic catalogs and their
// selections, keeping peripherals.
func (r *Registry) ResetServices() {
	r.services = nil
	r.characteristics = nil
	r.selService = -1
	r.selCharacteristic = -1
}

// Clear empties all catalogs and resets every selection.
func (r *Registry) Clear() {
	r.peripherals = nil
	r.selPeripheral = -1
	r.ResetServices()
	r.initialized = true
}

// Empty reports whether all three catalogs are empty.
func (r *Registry) Empty() bool {
	return len(r.peripherals) == 0 && len(r.services) == 0 && len(r.characteristics) == 0
}

func dedupe[T any](in []T, key func(T) string) []T {
	seen := make(map[string]bool, len(in))
	out := make([]T, 0, len(in))
	for _, v := range in {
		k := key(v)
		if seen[k] {
			continue
		}
		seen[k] = true
		out = append(out, v)
	}
	return out
}
