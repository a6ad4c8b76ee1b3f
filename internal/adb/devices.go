package adb

import (
	"strings"
)

// Device states reported by adb devices.
const (
	StateDevice       = "device"
	StateOffline      = "offline"
	StateUnauthorized = "unauthorized"
)

// Device is one line of adb devices -l.
type Device struct {
	Serial      string
	State       string
	Model       string
	Product     string
	USB         string
	TransportID string
}

// Ready reports whether adb can run commands on the device.
func (d Device) Ready() bool {
	return d.State == StateDevice
}

// Wireless reports whether adb reaches the device over the network.
func (d Device) Wireless() bool {
	if d.USB != "" {
		return false
	}
	return strings.Contains(d.Serial, ":") || strings.Contains(d.Serial, "._adb-tls-connect") || strings.Contains(d.Serial, "._tcp")
}

// ParseDevices parses the output of adb devices -l.
func ParseDevices(output string) []Device {
	var devices []Device
	for _, line := range strings.Split(output, "\n") {
		line = strings.TrimSpace(line)
		if line == "" || strings.HasPrefix(line, "List of devices") || strings.HasPrefix(line, "*") {
			continue
		}
		parts := strings.Fields(line)
		if len(parts) < 2 {
			continue
		}
		d := Device{Serial: parts[0], State: parts[1]}
		for _, p := range parts[2:] {
			key, value, ok := strings.Cut(p, ":")
			if !ok {
				continue
			}
			switch key {
			case "model":
				d.Model = value
			case "product":
				d.Product = value
			case "usb":
				d.USB = value
			case "transport_id":
				d.TransportID = value
			}
		}
		devices = append(devices, d)
	}
	return devices
}
