package registry

import (
	"net"
	"strconv"
	"strings"
)

// EndpointKind says which physical path an endpoint uses.
type EndpointKind string

// Endpoint kinds.
const (
	EndpointUSB  EndpointKind = "usb"
	EndpointWiFi EndpointKind = "wifi"
)

// Endpoint is one way of reaching a device: a USB serial or a Wi-Fi ADB address.
type Endpoint struct {
	Kind    EndpointKind `json:"kind" toml:"kind"`
	Address string       `json:"address" toml:"address"`
}

func (e Endpoint) String() string {
	return string(e.Kind) + ":" + e.Address
}

// ParseEndpoint classifies an endpoint string as reported by adb. host:port
// addresses are Wi-Fi, anything else is a USB serial. A "usb:" or "wifi:"
// prefix, as produced by String, is honored.
func ParseEndpoint(s string) Endpoint {
	s = strings.TrimSpace(s)
	if rest, ok := strings.CutPrefix(s, "usb:"); ok {
		return Endpoint{Kind: EndpointUSB, Address: rest}
	}
	if rest, ok := strings.CutPrefix(s, "wifi:"); ok {
		return Endpoint{Kind: EndpointWiFi, Address: rest}
	}
	if host, port, err := net.SplitHostPort(s); err == nil && host != "" {
		if _, perr := strconv.ParseUint(port, 10, 16); perr == nil {
			return Endpoint{Kind: EndpointWiFi, Address: s}
		}
	}
	return Endpoint{Kind: EndpointUSB, Address: s}
}
