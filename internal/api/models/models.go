// Package models holds the request and response shapes of the HTTP API.
package models

import (
	"github.com/jtaka1125-beep/mirage/internal/preview"
	"github.com/jtaka1125-beep/mirage/internal/route"
	"github.com/jtaka1125-beep/mirage/internal/transport"
)

// Health check models
type HealthData struct {
	Status  string `json:"status" example:"ok" doc:"Service status"`
	Message string `json:"message" example:"API is healthy" doc:"Status message"`
	Devices int    `json:"devices" example:"2" doc:"Known devices"`
}

type HealthResponse struct {
	Body HealthData
}

// Version models
type VersionData struct {
	Version   string `json:"version" example:"1.0.0" doc:"Application version"`
	GitCommit string `json:"git_commit" example:"abc1234" doc:"Git commit hash"`
	BuildDate string `json:"build_date" example:"2025-01-27T10:30:00Z" doc:"Build date"`
	BuildID   string `json:"build_id" example:"1234" doc:"Build identifier"`
	GoVersion string `json:"go_version" example:"go1.24.0" doc:"Go runtime version"`
	Compiler  string `json:"compiler" example:"gc" doc:"Compiler"`
	Platform  string `json:"platform" example:"linux/amd64" doc:"OS/architecture"`
}

type VersionResponse struct {
	Body VersionData
}

// DeviceInfo is one registry record joined with its live routing state.
type DeviceInfo struct {
	HardwareID      string            `json:"hardware_id" example:"A9-001" doc:"Stable hardware identity"`
	DisplayName     string            `json:"display_name" example:"Pixel 7" doc:"Human-readable name"`
	Model           string            `json:"model,omitempty" example:"Pixel 7" doc:"Model reported by adb"`
	USB             string            `json:"usb,omitempty" example:"A9-001" doc:"USB serial when attached over USB"`
	WiFi            []string          `json:"wifi,omitempty" example:"[\"192.168.0.8:5555\"]" doc:"Wi-Fi adb endpoints, most recent first"`
	VideoPort       int               `json:"video_port,omitempty" example:"27200" doc:"Assigned video port"`
	BridgePort      int               `json:"bridge_port,omitempty" example:"27183" doc:"Assigned helper bridge port"`
	Main            bool              `json:"main" doc:"Whether this is the main device"`
	LastSeen        string            `json:"last_seen,omitempty" example:"2025-01-27T10:30:00Z" doc:"Last discovery sighting"`
	Transport       *transport.Status `json:"transport,omitempty" doc:"Video transport status when a worker runs"`
	CommandEndpoint string            `json:"command_endpoint,omitempty" example:"usb:A9-001" doc:"Endpoint currently accepting commands"`
	CaptureGranted  bool              `json:"capture_granted" doc:"Whether the device granted screen capture"`
}

type DeviceListData struct {
	Devices []DeviceInfo `json:"devices" doc:"Known devices"`
	Count   int          `json:"count" example:"2" doc:"Number of devices"`
}

type DeviceListResponse struct {
	Body DeviceListData
}

type DeviceResponse struct {
	Body DeviceInfo
}

// DeviceNameBody renames a device.
type DeviceNameBody struct {
	DisplayName string `json:"display_name" minLength:"1" maxLength:"64" example:"Bench phone 1" doc:"New display name"`
}

// SightingBody registers an endpoint by hand, as discovery would.
type SightingBody struct {
	HardwareID string `json:"hardware_id" minLength:"1" example:"A9-001" doc:"Hardware identity"`
	Endpoint   string `json:"endpoint" minLength:"1" example:"192.168.0.8:5555" doc:"USB serial or host:port"`
	Model      string `json:"model,omitempty" example:"Pixel 7" doc:"Model name"`
}

// CommandBody is one control command. Which fields apply depends on Type.
type CommandBody struct {
	Type     string `json:"type" enum:"ping,touch,key,swipe,text,long_press,reset_video" example:"touch" doc:"Command type"`
	Action   string `json:"action,omitempty" enum:"down,up,move,press" example:"down" doc:"Touch or key action"`
	Pointer  uint8  `json:"pointer,omitempty" doc:"Touch pointer id"`
	X        uint16 `json:"x,omitempty" example:"540" doc:"X coordinate"`
	Y        uint16 `json:"y,omitempty" example:"1200" doc:"Y coordinate"`
	X2       uint16 `json:"x2,omitempty" doc:"Swipe end X"`
	Y2       uint16 `json:"y2,omitempty" doc:"Swipe end Y"`
	Duration uint32 `json:"duration_ms,omitempty" example:"300" doc:"Gesture duration in milliseconds"`
	Keycode  uint32 `json:"keycode,omitempty" example:"4" doc:"Android keycode"`
	Meta     uint32 `json:"meta,omitempty" doc:"Key meta state"`
	Text     string `json:"text,omitempty" maxLength:"4096" doc:"Text to type"`
}

type CommandData struct {
	Seq      uint32 `json:"seq" example:"42" doc:"Sequence number acknowledged"`
	Status   string `json:"status" example:"ok" doc:"Device status"`
	Endpoint string `json:"endpoint" example:"usb:A9-001" doc:"Endpoint that carried the command"`
}

type CommandResponse struct {
	Body CommandData
}

type RoutingResponse struct {
	Body route.Settings
}

// PreviewOfferBody is a viewer's SDP offer.
type PreviewOfferBody struct {
	SDP string `json:"sdp" minLength:"1" doc:"SDP offer"`
}

type PreviewAnswerData struct {
	SDP string `json:"sdp" doc:"SDP answer"`
}

type PreviewAnswerResponse struct {
	Body PreviewAnswerData
}

type PreviewPeersData struct {
	Peers []preview.Peer `json:"peers" doc:"Connected preview viewers"`
}

type PreviewPeersResponse struct {
	Body PreviewPeersData
}
