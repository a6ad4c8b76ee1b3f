package registry

import (
	"slices"
	"time"
)

// Record is the durable view of one physical device.
type Record struct {
	HardwareID  string    `toml:"hardware_id" json:"hardware_id"`
	DisplayName string    `toml:"display_name" json:"display_name"`
	Model       string    `toml:"model,omitempty" json:"model,omitempty"`
	USB         string    `toml:"usb,omitempty" json:"usb,omitempty"`
	WiFi        []string  `toml:"wifi,omitempty" json:"wifi,omitempty"`
	VideoPort   int       `toml:"video_port,omitempty" json:"video_port,omitempty"`
	BridgePort  int       `toml:"bridge_port,omitempty" json:"bridge_port,omitempty"`
	Main        bool      `toml:"main,omitempty" json:"main"`
	LastSeen    time.Time `toml:"last_seen" json:"last_seen"`
}

// Endpoints lists the record's endpoints, USB first then Wi-Fi most-recent-first.
func (r Record) Endpoints() []Endpoint {
	out := make([]Endpoint, 0, 1+len(r.WiFi))
	if r.USB != "" {
		out = append(out, Endpoint{Kind: EndpointUSB, Address: r.USB})
	}
	for _, addr := range r.WiFi {
		out = append(out, Endpoint{Kind: EndpointWiFi, Address: addr})
	}
	return out
}

// Reachable reports whether the record has any live endpoint.
func (r Record) Reachable() bool {
	return r.USB != "" || len(r.WiFi) > 0
}

func (r Record) clone() Record {
	r.WiFi = slices.Clone(r.WiFi)
	return r
}
