//go:build !cgo

package aoa

import "errors"

// USBHost is unavailable without cgo.
type USBHost struct{}

// NewUSBHost reports that libusb is not compiled in.
func NewUSBHost() (*USBHost, error) {
	return nil, errors.New("usb accessory support requires cgo")
}

// Devices implements Host.
func (h *USBHost) Devices() ([]Device, error) {
	return nil, errors.New("usb accessory support requires cgo")
}

// Close is a no-op.
func (h *USBHost) Close() error { return nil }
