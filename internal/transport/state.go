package transport

import "time"

// Kind names a video transport.
type Kind string

// Transport kinds.
const (
	KindUSB    Kind = "usb"
	KindTCP    Kind = "tcp"
	KindUDP    Kind = "udp"
	KindBridge Kind = "bridge"
)

// ParseKind maps a configured name to a Kind.
func ParseKind(s string) (Kind, bool) {
	switch k := Kind(s); k {
	case KindUSB, KindTCP, KindUDP, KindBridge:
		return k, true
	}
	return "", false
}

// State is the per-device video state.
type State int

// Video states.
const (
	StateDisconnected State = iota
	StateConnecting
	StateConnected
	StateDegraded
)

func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateDegraded:
		return "degraded"
	default:
		return "unknown"
	}
}

// Status is a consumer-facing snapshot of one device's transport.
type Status struct {
	HardwareID     string    `json:"hardware_id"`
	State          string    `json:"state"`
	Reason         string    `json:"reason,omitempty"`
	Transport      Kind      `json:"transport,omitempty"`
	Endpoint       string    `json:"endpoint,omitempty"`
	FailCount      int       `json:"fail_count"`
	BridgeLaunches int       `json:"bridge_launches"`
	Since          time.Time `json:"since"`
	LastData       time.Time `json:"last_data,omitzero"`
	Units          uint64    `json:"units"`
	Bytes          uint64    `json:"bytes"`
	Gaps           uint64    `json:"rtp_gaps"`
	Lost           uint64    `json:"rtp_lost"`
	Desyncs        uint64    `json:"desyncs"`
}
