// Package ble is the transport adapter between the bridge and the platform
// BLE central role. It scans, connects, discovers services and
// characteristics, subscribes to notifications and reports all of it as
// events. Operations validate synchronously and complete asynchronously.
package ble

import (
	"errors"
	"strings"
	"time"
)

// Standard heart rate GATT identifiers.
const (
	HeartRateServiceUUID     = "0000180d-0000-1000-8000-00805f9b34fb"
	HeartRateMeasurementUUID = "00002a37-0000-1000-8000-00805f9b34fb"
	BodySensorLocationUUID   = "00002a38-0000-1000-8000-00805f9b34fb"
	HeartRateControlUUID     = "00002a39-0000-1000-8000-00805f9b34fb"
)

var (
	ErrAdapterUnavailable = errors.New("ble: adapter unavailable")
	ErrNotDiscovered      = errors.New("ble: peripheral not discovered")
	ErrAlreadyConnecting  = errors.New("ble: connection attempt already in flight")
	ErrAlreadyConnected   = errors.New("ble: already connected")
	ErrInvalidState       = errors.New("ble: invalid state for operation")
	ErrNotNotifiable      = errors.New("ble: characteristic does not support notify")
)

// Capabilities are the characteristic properties the bridge cares about.
type Capabilities struct {
	Readable   bool `json:"readable"`
	Writable   bool `json:"writable"`
	Notifiable bool `json:"notifiable"`
}

// Peripheral is one advertisement as seen by the scanner.
type Peripheral struct {
	ID   string `json:"id"`
	Name string `json:"name,omitempty"`
	RSSI int    `json:"rssi"`
}

// Service is a discovered GATT service.
type Service struct {
	ID           string `json:"id"`
	PeripheralID string `json:"peripheral_id"`
}

// Characteristic is a discovered GATT characteristic.
type Characteristic struct {
	ID           string       `json:"id"`
	ServiceID    string       `json:"service_id"`
	Capabilities Capabilities `json:"capabilities"`
}

// EventKind identifies what an adapter event reports.
type EventKind int

const (
	EventDiscovered EventKind = iota
	EventConnected
	EventServicesDiscovered
	EventCharacteristicsDiscovered
	EventSubscribed
	EventNotification
	EventDisconnected
	EventError
)

var eventKindNames = [...]string{
	EventDiscovered:                "discovered",
	EventConnected:                 "connected",
	EventServicesDiscovered:        "servicesDiscovered",
	EventCharacteristicsDiscovered: "characteristicsDiscovered",
	EventSubscribed:                "subscribed",
	EventNotification:              "notification",
	EventDisconnected:              "disconnected",
	EventError:                     "error",
}

func (k EventKind) String() string {
	if int(k) < len(eventKindNames) {
		return eventKindNames[k]
	}
	return "unknown"
}

// Event is emitted by an Adapter. Only the fields relevant to Kind are set.
type Event struct {
	Kind             EventKind
	Peripheral       Peripheral // EventDiscovered
	PeripheralID     string
	ServiceID        string
	CharacteristicID string
	Services         []Service
	Characteristics  []Characteristic
	Data             []byte // EventNotification
	Op               string // EventError: the operation that failed
	Err              error
	At               time.Time
}

// EventHandler receives adapter events. It may be called from any goroutine
// and must not block.
type EventHandler func(Event)

// Adapter abstracts the platform BLE central for testing.
type Adapter interface {
	// SetEventHandler installs the receiver for all subsequent events.
	SetEventHandler(h EventHandler)
	// StartScan begins advertisement scanning.
	// Fails with ErrAdapterUnavailable if the radio is off or unauthorized.
	StartScan() error
	// StopScan ends scanning. Idempotent.
	StopScan() error
	// Connect starts a connection to a previously discovered peripheral.
	Connect(peripheralID string) error
	// DiscoverServices lists the services of a connected peripheral.
	DiscoverServices(peripheralID string) error
	// DiscoverCharacteristics lists the characteristics of one service.
	DiscoverCharacteristics(peripheralID, serviceID string) error
	// Subscribe enables notifications on a discovered characteristic.
	Subscribe(serviceID, characteristicID string) error
	// Unsubscribe disables notifications. Idempotent.
	Unsubscribe(serviceID, characteristicID string) error
	// Disconnect tears down the link. Idempotent and always succeeds locally.
	Disconnect(peripheralID string) error
}

const baseUUIDSuffix = "-0000-1000-8000-00805f9b34fb"

// ExpandUUID expands 16- and 32-bit assigned numbers ("180d", "0000180d")
// to the full 128-bit form on the Bluetooth base UUID. Other input is
// returned lowercased.
func ExpandUUID(s string) string {
	s = strings.ToLower(strings.TrimPrefix(strings.TrimSpace(s), "0x"))
	switch len(s) {
	case 4:
		return "0000" + s + baseUUIDSuffix
	case 8:
		return s + baseUUIDSuffix
	}
	return s
}

// KnownCapabilities returns the GATT-defined properties for well-known
// heart rate characteristics.
func KnownCapabilities(uuid string) (Capabilities, bool) {
	switch strings.ToLower(uuid) {
	case HeartRateMeasurementUUID:
		return Capabilities{Notifiable: true}, true
	case BodySensorLocationUUID:
		return Capabilities{Readable: true}, true
	case HeartRateControlUUID:
		return Capabilities{Writable: true}, true
	}
	return Capabilities{}, false
}
