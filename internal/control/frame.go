package control

import "encoding/json"

// FrameType identifies the kind of frame sent over the WebSocket connection.
type FrameType string

const (
	FrameTypeRequest  FrameType = "request"
	FrameTypeResponse FrameType = "response"
	FrameTypeEvent    FrameType = "event"
)

// Frame is the envelope exchanged between client and server over WebSocket.
type Frame struct {
	Type    FrameType       `json:"type"`
	ID      uint64          `json:"id,omitempty"`      // request/response correlation ID
	Method  string          `json:"method,omitempty"`  // command name (request only)
	Payload json.RawMessage `json:"payload,omitempty"` // request params, response result or event
	Error   string          `json:"error,omitempty"`   // error description (response only)
	Kind    string          `json:"kind,omitempty"`    // error class (response only)
}

// IndexParams is the payload of connect, selectService and selectCharacteristic.
type IndexParams struct {
	Index int `json:"index"`
}

// SendParams is the payload of setSendEnabled.
type SendParams struct {
	Enabled bool `json:"enabled"`
}

// DestinationParams is the payload of configureDestination.
type DestinationParams struct {
	Host string `json:"host"`
	Port int    `json:"port"`
}

// ServiceParams is the payload of selectServiceById.
type ServiceParams struct {
	ID string `json:"id"`
}
