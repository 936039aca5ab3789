package broker

import "fmt"

// State is the connection state of a [Session].
//
//	Disconnected -> Connecting -> Connected | ConnectError
//	Connected    -> Lost | Disconnected
//	Lost, ConnectError -> Connecting (explicit Connect only)
type State int

const (
	Disconnected State = iota
	Connecting
	Connected
	Lost
	ConnectError
)

func (s State) String() string {
	switch s {
	case Disconnected:
		return "disconnected"
	case Connecting:
		return "connecting"
	case Connected:
		return "connected"
	case Lost:
		return "lost"
	case ConnectError:
		return "connect_error"
	default:
		return "unknown"
	}
}

// MarshalText renders the state by name in JSON and YAML output.
func (s State) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// UnmarshalText parses a name produced by MarshalText.
func (s *State) UnmarshalText(text []byte) error {
	for c := Disconnected; c <= ConnectError; c++ {
		if c.String() == string(text) {
			*s = c
			return nil
		}
	}
	return fmt.Errorf("unknown session state %q", text)
}

// QoS is the MQTT delivery confidence level.
type QoS byte

const (
	// AtMostOnce is fire-and-forget delivery (QoS 0).
	AtMostOnce QoS = 0
	// AtLeastOnce is acknowledged delivery (QoS 1).
	AtLeastOnce QoS = 1
)
