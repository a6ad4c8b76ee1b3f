// Package aoa opens Android Open Accessory connections to USB attached
// devices and exposes them as transport accessories.
//
// A device that is not yet in accessory mode is sent the host identity
// strings and switched over; it then re-enumerates with the accessory
// product id under the same serial number. The accessory interface carries
// one bulk endpoint pair. The device multiplexes video and command replies
// on the IN endpoint as frames of channel(1) | length(4, big-endian) |
// payload. The OUT endpoint carries raw command frames.
package aoa

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"time"

	"github.com/jtaka1125-beep/mirage/internal/logging"
	"github.com/jtaka1125-beep/mirage/internal/retry"
	"github.com/jtaka1125-beep/mirage/internal/transport"
)

// Google's accessory vendor id and the accessory product ids (plain, with
// adb, and the audio variants).
const (
	VendorGoogle uint16 = 0x18D1
)

var accessoryProducts = []uint16{0x2D00, 0x2D01, 0x2D02, 0x2D03, 0x2D04, 0x2D05}

// Accessory control requests.
const (
	requestGetProtocol = 51
	requestSendString  = 52
	requestStart       = 53

	controlVendorIn  = 0xC0
	controlVendorOut = 0x40
)

// ErrUnsupported is returned when a device does not speak the accessory
// protocol.
var ErrUnsupported = errors.New("accessory protocol not supported")

// Host enumerates the USB bus.
type Host interface {
	// Devices opens every device the host can access. The caller closes them.
	Devices() ([]Device, error)
}

// Device is one opened USB device.
type Device interface {
	VendorID() uint16
	ProductID() uint16
	Serial() (string, error)
	Control(rType, request uint8, val, idx uint16, data []byte) (int, error)
	// Claim takes the accessory interface. Closing the pipe releases it and
	// closes the device.
	Claim() (Pipe, error)
	Close() error
}

// Pipe is a claimed bulk endpoint pair.
type Pipe interface {
	ReadContext(ctx context.Context, p []byte) (int, error)
	Write(p []byte) (int, error)
	Close() error
}

// Identity is what the host announces to the device when switching it to
// accessory mode. The companion app filters on Manufacturer and Model.
type Identity struct {
	Manufacturer string
	Model        string
	Description  string
	Version      string
	URI          string
	Serial       string
}

// DefaultIdentity returns the identity the companion app expects.
func DefaultIdentity() Identity {
	return Identity{
		Manufacturer: "Mirage",
		Model:        "MirageHost",
		Description:  "Mirage screen mirroring host",
		Version:      "1.0",
		URI:          "https://github.com/jtaka1125-beep/mirage",
		Serial:       "0000000001",
	}
}

func (id Identity) strings() []string {
	return []string{id.Manufacturer, id.Model, id.Description, id.Version, id.URI, id.Serial}
}

// Options configures a Provider.
type Options struct {
	Identity Identity
	// SwitchTimeout bounds the wait for a device to come back in accessory mode.
	SwitchTimeout time.Duration
	PollInterval  time.Duration
	Logger        *slog.Logger
}

// Provider opens accessories on a Host. It implements
// transport.AccessoryProvider.
type Provider struct {
	host Host
	opts Options
	// mu serializes bus scans and mode switches.
	mu sync.Mutex
}

var _ transport.AccessoryProvider = (*Provider)(nil)

// NewProvider creates a provider on host.
func NewProvider(host Host, opts Options) *Provider {
	if opts.Identity == (Identity{}) {
		opts.Identity = DefaultIdentity()
	}
	if opts.SwitchTimeout <= 0 {
		opts.SwitchTimeout = 5 * time.Second
	}
	if opts.PollInterval <= 0 {
		opts.PollInterval = 200 * time.Millisecond
	}
	if opts.Logger == nil {
		opts.Logger = logging.GetLogger("aoa")
	}
	return &Provider{host: host, opts: opts}
}

// IsAccessory reports whether vid:pid is a device in accessory mode.
func IsAccessory(vid, pid uint16) bool {
	return vid == VendorGoogle && slices.Contains(accessoryProducts, pid)
}

// OpenAccessory implements transport.AccessoryProvider. A device that is not
// on the bus is reported as transport.ErrUnavailable.
func (p *Provider) OpenAccessory(ctx context.Context, usbSerial string) (transport.Accessory, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	logger := p.opts.Logger.With("serial", usbSerial)

	dev, err := p.find(usbSerial)
	if err != nil {
		return nil, err
	}

	if !IsAccessory(dev.VendorID(), dev.ProductID()) {
		err := p.switchMode(dev)
		dev.Close()
		if err != nil {
			return nil, fmt.Errorf("%s: %w", usbSerial, err)
		}
		logger.Info("Switched device to accessory mode")

		attempts := int(p.opts.SwitchTimeout/p.opts.PollInterval) + 1
		err = retry.Do(ctx, attempts, retry.Constant(p.opts.PollInterval), func(int) error {
			d, ferr := p.find(usbSerial)
			if ferr != nil {
				return ferr
			}
			if !IsAccessory(d.VendorID(), d.ProductID()) {
				d.Close()
				return fmt.Errorf("%04x:%04x not in accessory mode", d.VendorID(), d.ProductID())
			}
			dev = d
			return nil
		})
		if err != nil {
			return nil, fmt.Errorf("%s: wait for accessory: %w", usbSerial, err)
		}
	}

	pipe, err := dev.Claim()
	if err != nil {
		dev.Close()
		return nil, fmt.Errorf("%s: claim accessory: %w", usbSerial, err)
	}
	logger.Info("Accessory opened", "vid", fmt.Sprintf("%04x", dev.VendorID()), "pid", fmt.Sprintf("%04x", dev.ProductID()))
	return newAccessory(pipe, logger), nil
}

// find returns the opened device with the given serial and closes the rest.
func (p *Provider) find(serial string) (Device, error) {
	devs, err := p.host.Devices()
	if err != nil && len(devs) == 0 {
		return nil, fmt.Errorf("%w: usb scan: %v", transport.ErrUnavailable, err)
	}
	var match Device
	for _, d := range devs {
		if match == nil {
			if s, serr := d.Serial(); serr == nil && s == serial {
				match = d
				continue
			}
		}
		d.Close()
	}
	if match == nil {
		return nil, fmt.Errorf("%w: %s not on the usb bus", transport.ErrUnavailable, serial)
	}
	return match, nil
}

func (p *Provider) switchMode(dev Device) error {
	var version [2]byte
	n, err := dev.Control(controlVendorIn, requestGetProtocol, 0, 0, version[:])
	if err != nil {
		return fmt.Errorf("get protocol: %w", err)
	}
	if n < 2 || binary.LittleEndian.Uint16(version[:]) < 1 {
		return ErrUnsupported
	}

	for i, s := range p.opts.Identity.strings() {
		if _, err := dev.Control(controlVendorOut, requestSendString, 0, uint16(i), append([]byte(s), 0)); err != nil {
			return fmt.Errorf("send string %d: %w", i, err)
		}
	}
	if _, err := dev.Control(controlVendorOut, requestStart, 0, 0, nil); err != nil {
		return fmt.Errorf("start accessory: %w", err)
	}
	return nil
}
