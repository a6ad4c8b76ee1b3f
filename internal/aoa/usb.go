//go:build cgo

package aoa

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/gousb"
)

// USBHost enumerates devices through libusb.
type USBHost struct {
	ctx *gousb.Context
}

var _ Host = (*USBHost)(nil)

// NewUSBHost initializes libusb.
func NewUSBHost() (h *USBHost, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("libusb init: %v", r)
		}
	}()
	return &USBHost{ctx: gousb.NewContext()}, nil
}

// Devices implements Host. Devices that could not be opened, typically for
// lack of permission, are left out and reported in the error.
func (h *USBHost) Devices() ([]Device, error) {
	devs, err := h.ctx.OpenDevices(func(desc *gousb.DeviceDesc) bool {
		return desc.Class != gousb.ClassHub
	})
	out := make([]Device, 0, len(devs))
	for _, d := range devs {
		out = append(out, &usbDevice{dev: d})
	}
	return out, err
}

// Close releases libusb.
func (h *USBHost) Close() error {
	return h.ctx.Close()
}

type usbDevice struct {
	dev *gousb.Device
}

func (d *usbDevice) VendorID() uint16  { return uint16(d.dev.Desc.Vendor) }
func (d *usbDevice) ProductID() uint16 { return uint16(d.dev.Desc.Product) }

func (d *usbDevice) Serial() (string, error) { return d.dev.SerialNumber() }

func (d *usbDevice) Control(rType, request uint8, val, idx uint16, data []byte) (int, error) {
	return d.dev.Control(rType, request, val, idx, data)
}

func (d *usbDevice) Close() error { return d.dev.Close() }

// Claim takes the first interface of the active configuration and its bulk
// endpoint pair.
func (d *usbDevice) Claim() (Pipe, error) {
	if err := d.dev.SetAutoDetach(true); err != nil {
		return nil, fmt.Errorf("auto detach: %w", err)
	}
	intf, done, err := d.dev.DefaultInterface()
	if err != nil {
		return nil, err
	}

	inNum, outNum := -1, -1
	for _, ep := range intf.Setting.Endpoints {
		if ep.TransferType != gousb.TransferTypeBulk {
			continue
		}
		if ep.Direction == gousb.EndpointDirectionIn {
			inNum = ep.Number
		} else {
			outNum = ep.Number
		}
	}
	if inNum < 0 || outNum < 0 {
		done()
		return nil, errors.New("accessory interface has no bulk endpoint pair")
	}

	in, err := intf.InEndpoint(inNum)
	if err != nil {
		done()
		return nil, fmt.Errorf("in endpoint: %w", err)
	}
	out, err := intf.OutEndpoint(outNum)
	if err != nil {
		done()
		return nil, fmt.Errorf("out endpoint: %w", err)
	}
	return &usbPipe{dev: d.dev, in: in, out: out, release: done}, nil
}

type usbPipe struct {
	dev     *gousb.Device
	in      *gousb.InEndpoint
	out     *gousb.OutEndpoint
	release func()
}

func (p *usbPipe) ReadContext(ctx context.Context, b []byte) (int, error) {
	return p.in.ReadContext(ctx, b)
}

func (p *usbPipe) Write(b []byte) (int, error) {
	return p.out.Write(b)
}

func (p *usbPipe) Close() error {
	p.release()
	return p.dev.Close()
}
