package domain

// CallState tracks signaling-channel liveness for one call attempt.
type CallState int

const (
	StateConnecting CallState = iota
	StateConnected
	StateDisconnected
)

func (s CallState) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateDisconnected:
		return "disconnected"
	default:
		return "unknown"
	}
}

func (s CallState) MarshalText() ([]byte, error) { return []byte(s.String()), nil }
