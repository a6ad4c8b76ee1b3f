package events

// Event type constants for kelindar/event.
const (
	TypeDeviceSeen uint32 = iota + 1
	TypeMainChanged
	TypeTransportState
	TypeBridgeLaunch
	TypeCommandFailed
	TypeCaptureGrant
	TypeLogEntry
	TypeDeviceStats
)

// Event interface required by kelindar/event.
type Event interface {
	Type() uint32
}

// DeviceSeenEvent is published when discovery reports a device endpoint.
type DeviceSeenEvent struct {
	HardwareID string `json:"hardware_id" example:"A9-001" doc:"Stable hardware identity"`
	Endpoint   string `json:"endpoint" example:"192.168.0.8:5555" doc:"Endpoint the device was seen on"`
	Kind       string `json:"kind" example:"wifi" doc:"Endpoint kind: usb or wifi"`
	Model      string `json:"model,omitempty" example:"Pixel_7" doc:"Device model"`
	New        bool   `json:"new" doc:"True when this is the first sighting of the hardware id"`
	Timestamp  string `json:"timestamp" example:"2025-01-27T10:30:00Z" doc:"Event timestamp"`
}

// Type returns the event type identifier for DeviceSeenEvent.
func (e DeviceSeenEvent) Type() uint32 { return TypeDeviceSeen }

// MainChangedEvent is published when the main device designation moves.
type MainChangedEvent struct {
	HardwareID string `json:"hardware_id" example:"A9-001" doc:"New main device"`
	Previous   string `json:"previous,omitempty" example:"B7-002" doc:"Previous main device"`
	Timestamp  string `json:"timestamp" example:"2025-01-27T10:30:00Z" doc:"Event timestamp"`
}

// Type returns the event type identifier for MainChangedEvent.
func (e MainChangedEvent) Type() uint32 { return TypeMainChanged }

// TransportStateEvent is published on every video transport state transition.
type TransportStateEvent struct {
	HardwareID string `json:"hardware_id" example:"A9-001" doc:"Device"`
	State      string `json:"state" example:"connected" doc:"disconnected, connecting, connected or degraded"`
	Previous   string `json:"previous" example:"connecting" doc:"State before the transition"`
	Transport  string `json:"transport,omitempty" example:"tcp" doc:"Active transport kind"`
	Reason     string `json:"reason,omitempty" example:"no data for 3s" doc:"Failure or degradation reason"`
	FailCount  int    `json:"fail_count" doc:"Consecutive failures"`
	Timestamp  string `json:"timestamp" example:"2025-01-27T10:30:00Z" doc:"Event timestamp"`
}

// Type returns the event type identifier for TransportStateEvent.
func (e TransportStateEvent) Type() uint32 { return TypeTransportState }

// BridgeLaunchEvent reports the outcome of a capture helper launch.
type BridgeLaunchEvent struct {
	HardwareID string `json:"hardware_id" example:"A9-001" doc:"Device"`
	Success    bool   `json:"success" doc:"Whether the helper stream is flowing"`
	Port       int    `json:"port,omitempty" example:"27183" doc:"Local forwarded port"`
	DeviceName string `json:"device_name,omitempty" example:"Pixel 7" doc:"Name reported by the helper"`
	Width      int    `json:"width,omitempty" example:"1080" doc:"Initial frame width"`
	Height     int    `json:"height,omitempty" example:"2400" doc:"Initial frame height"`
	Error      string `json:"error,omitempty" doc:"Failure description"`
	Timestamp  string `json:"timestamp" example:"2025-01-27T10:30:00Z" doc:"Event timestamp"`
}

// Type returns the event type identifier for BridgeLaunchEvent.
func (e BridgeLaunchEvent) Type() uint32 { return TypeBridgeLaunch }

// CommandFailedEvent is published when a command is rejected or times out.
type CommandFailedEvent struct {
	HardwareID string `json:"hardware_id" example:"A9-001" doc:"Device"`
	Command    string `json:"command" example:"touch" doc:"Command kind"`
	Status     string `json:"status,omitempty" example:"not_found" doc:"Device status code"`
	Error      string `json:"error" doc:"Failure description"`
	Timestamp  string `json:"timestamp" example:"2025-01-27T10:30:00Z" doc:"Event timestamp"`
}

// Type returns the event type identifier for CommandFailedEvent.
func (e CommandFailedEvent) Type() uint32 { return TypeCommandFailed }

// CaptureGrantEvent is published when a device grants or resumes screen capture.
type CaptureGrantEvent struct {
	HardwareID string `json:"hardware_id" example:"A9-001" doc:"Device"`
	Resumed    bool   `json:"resumed" doc:"True when an existing grant was resumed"`
	Endpoint   string `json:"endpoint" example:"usb:A9-001" doc:"Command endpoint used"`
	Timestamp  string `json:"timestamp" example:"2025-01-27T10:30:00Z" doc:"Event timestamp"`
}

// Type returns the event type identifier for CaptureGrantEvent.
func (e CaptureGrantEvent) Type() uint32 { return TypeCaptureGrant }

// LogEntryEvent carries one log line to the log stream.
type LogEntryEvent struct {
	Seq        uint64         `json:"seq" doc:"Position in the log buffer; 0 when unbuffered"`
	Timestamp  string         `json:"timestamp" example:"2025-01-27T10:30:00.123Z" doc:"Log timestamp"`
	Level      string         `json:"level" example:"info" doc:"Log level"`
	Module     string         `json:"module" example:"transport" doc:"Module that logged"`
	Message    string         `json:"message" doc:"Log message"`
	Attributes map[string]any `json:"attributes,omitempty" doc:"Structured attributes"`
}

// Type returns the event type identifier for LogEntryEvent.
func (e LogEntryEvent) Type() uint32 { return TypeLogEntry }

// DeviceStatsEvent is a periodic throughput sample for one attached device.
type DeviceStatsEvent struct {
	HardwareID  string  `json:"hardware_id" example:"A9-001" doc:"Device"`
	State       string  `json:"state" example:"connected" doc:"Transport state"`
	Transport   string  `json:"transport,omitempty" example:"usb" doc:"Active transport kind"`
	UnitsPerSec float64 `json:"units_per_sec" example:"61.5" doc:"NAL units delivered per second"`
	Kbps        float64 `json:"kbps" example:"7800" doc:"Received kilobits per second"`
	Gaps        uint64  `json:"gaps" doc:"RTP sequence gaps since attach"`
	Lost        uint64  `json:"lost" doc:"RTP packets lost since attach"`
	Desyncs     uint64  `json:"desyncs" doc:"Framing resynchronizations since attach"`
	Timestamp   string  `json:"timestamp" example:"2025-01-27T10:30:00Z" doc:"Sample time"`
}

// Type returns the event type identifier for DeviceStatsEvent.
func (e DeviceStatsEvent) Type() uint32 { return TypeDeviceStats }
