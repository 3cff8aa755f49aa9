package bridge

import (
	"errors"
	"fmt"

	"github.com/chaz8081/ble2osc/internal/ble"
	"github.com/chaz8081/ble2osc/internal/heartrate"
	"github.com/chaz8081/ble2osc/internal/osc"
	"github.com/chaz8081/ble2osc/internal/registry"
)

var (
	ErrConnectionInProgress = errors.New("bridge: connection in progress")
	ErrInvalidState         = fmt.Errorf("bridge: %w", ble.ErrInvalidState)
	ErrClosed               = errors.New("bridge: closed")

	errNoServices = errors.New("bridge: peripheral exposes no services")
)

// ErrorKind names the error class of err for event payloads and remote
// clients. It returns "" for nil and "Error" for anything unclassified.
func ErrorKind(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ble.ErrAdapterUnavailable):
		return "AdapterUnavailable"
	case errors.Is(err, ErrConnectionInProgress):
		return "ConnectionInProgress"
	case errors.Is(err, ble.ErrInvalidState):
		return "InvalidState"
	case errors.Is(err, ble.ErrNotDiscovered):
		return "NotDiscovered"
	case errors.Is(err, ble.ErrAlreadyConnecting):
		return "AlreadyConnecting"
	case errors.Is(err, ble.ErrAlreadyConnected):
		return "AlreadyConnected"
	case errors.Is(err, registry.ErrIndexOutOfRange):
		return "IndexOutOfRange"
	case errors.Is(err, ble.ErrNotNotifiable):
		return "NotNotifiable"
	case errors.Is(err, heartrate.ErrMalformedPayload):
		return "MalformedPayload"
	case errors.Is(err, osc.ErrInvalidDestination):
		return "InvalidDestination"
	case errors.Is(err, osc.ErrSendFailed), errors.Is(err, osc.ErrQueueFull):
		return "SendFailed"
	case errors.Is(err, ErrClosed):
		return "Closed"
	}
	return "Error"
}
