package bridge

// State is the connection lifecycle state.
type State int

const (
	StateIdle State = iota
	StateScanning
	StateConnecting
	StateConnected
	StateServiceDiscovery
	StateCharacteristicDiscovery
	StateSubscribed
	StateDisconnected
	StateError
)

var stateNames = [...]string{
	StateIdle:                    "Idle",
	StateScanning:                "Scanning",
	StateConnecting:              "Connecting",
	StateConnected:               "Connected",
	StateServiceDiscovery:        "ServiceDiscovery",
	StateCharacteristicDiscovery: "CharacteristicDiscovery",
	StateSubscribed:              "Subscribed",
	StateDisconnected:            "Disconnected",
	StateError:                   "Error",
}

func (s State) String() string {
	if s >= 0 && int(s) < len(stateNames) {
		return stateNames[s]
	}
	return "Unknown"
}

// MarshalText encodes the state by name.
func (s State) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// transitions lists the legal successors of each state.
var transitions = map[State][]State{
	StateIdle:                    {StateScanning, StateConnecting, StateError},
	StateScanning:                {StateIdle, StateError},
	StateConnecting:              {StateConnected, StateDisconnected, StateError},
	StateConnected:               {StateServiceDiscovery, StateDisconnected, StateError},
	StateServiceDiscovery:        {StateCharacteristicDiscovery, StateDisconnected, StateError},
	StateCharacteristicDiscovery: {StateCharacteristicDiscovery, StateSubscribed, StateDisconnected, StateError},
	StateSubscribed:              {StateCharacteristicDiscovery, StateDisconnected, StateError},
	StateDisconnected:            {StateScanning, StateConnecting, StateError},
	StateError:                   {StateScanning, StateConnecting, StateError},
}

// CanTransition reports whether to is a legal successor of s.
func (s State) CanTransition(to State) bool {
	for _, next := range transitions[s] {
		if next == to {
			return true
		}
	}
	return false
}

// Linked reports whether the state holds a BLE link, established or pending.
func (s State) Linked() bool {
	return s == StateConnecting || s.connected()
}

// connected is the connected family: a link exists.
func (s State) connected() bool {
	switch s {
	case StateConnected, StateServiceDiscovery, StateCharacteristicDiscovery, StateSubscribed:
		return true
	}
	return false
}

// acceptsConnect reports whether a connect command may start from s.
func (s State) acceptsConnect() bool {
	return s == StateIdle || s == StateDisconnected || s == StateError
}
