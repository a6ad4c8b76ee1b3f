// Package discovery turns adb device listings and mDNS announcements into
// (hardware id, endpoint) sightings.
package discovery

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/jtaka1125-beep/mirage/internal/adb"
	"github.com/jtaka1125-beep/mirage/internal/logging"
)

// Handler consumes sightings. route.Controller implements it.
type Handler interface {
	HandleSighting(hardwareID, endpoint, model string) error
}

// Lister enumerates adb devices and reads their hardware serial.
type Lister interface {
	Devices(ctx context.Context) ([]adb.Device, error)
	SerialNo(ctx context.Context, serial string) (string, error)
}

// Sighting is one device visible on one endpoint.
type Sighting struct {
	HardwareID string
	Endpoint   string
	Model      string
}

// PollerOptions configures an ADBPoller.
type PollerOptions struct {
	Interval time.Duration
	// Gone is called once when a previously seen endpoint disappears.
	Gone   func(hardwareID, endpoint string)
	Logger *slog.Logger
}

// ADBPoller periodically lists adb devices. Hardware ids are resolved once
// per endpoint and cached until the endpoint disappears.
type ADBPoller struct {
	lister  Lister
	handler Handler
	opts    PollerOptions
	logger  *slog.Logger

	mu    sync.Mutex
	cache map[string]string
}

// NewADBPoller creates a poller feeding h.
func NewADBPoller(l Lister, h Handler, opts PollerOptions) *ADBPoller {
	if opts.Interval <= 0 {
		opts.Interval = 2 * time.Second
	}
	if opts.Logger == nil {
		opts.Logger = logging.GetLogger("discovery")
	}
	return &ADBPoller{
		lister:  l,
		handler: h,
		opts:    opts,
		logger:  opts.Logger,
		cache:   make(map[string]string),
	}
}

// Run polls until ctx is done.
func (p *ADBPoller) Run(ctx context.Context) error {
	ticker := time.NewTicker(p.opts.Interval)
	defer ticker.Stop()

	for {
		if _, err := p.Poll(ctx); err != nil && ctx.Err() == nil {
			p.logger.Warn("adb poll failed", "error", err)
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

// Poll lists devices once and hands every ready one to the handler.
func (p *ADBPoller) Poll(ctx context.Context) ([]Sighting, error) {
	devices, err := p.lister.Devices(ctx)
	if err != nil {
		return nil, fmt.Errorf("list devices: %w", err)
	}

	present := make(map[string]bool, len(devices))
	var sightings []Sighting
	var errs []error
	for _, d := range devices {
		if !d.Ready() {
			p.logger.Debug("Skipping device", "serial", d.Serial, "state", d.State)
			continue
		}
		present[d.Serial] = true

		id, err := p.resolve(ctx, d.Serial)
		if err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", d.Serial, err))
			continue
		}
		s := Sighting{HardwareID: id, Endpoint: d.Serial, Model: strings.ReplaceAll(d.Model, "_", " ")}
		if err := p.handler.HandleSighting(s.HardwareID, s.Endpoint, s.Model); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", d.Serial, err))
			continue
		}
		sightings = append(sightings, s)
	}

	p.mu.Lock()
	var gone []Sighting
	for serial, id := range p.cache {
		if !present[serial] {
			delete(p.cache, serial)
			gone = append(gone, Sighting{HardwareID: id, Endpoint: serial})
		}
	}
	p.mu.Unlock()

	for _, g := range gone {
		p.logger.Info("Device endpoint gone", "hardware_id", g.HardwareID, "endpoint", g.Endpoint)
		if p.opts.Gone != nil {
			p.opts.Gone(g.HardwareID, g.Endpoint)
		}
	}
	return sightings, errors.Join(errs...)
}

func (p *ADBPoller) resolve(ctx context.Context, serial string) (string, error) {
	p.mu.Lock()
	id, ok := p.cache[serial]
	p.mu.Unlock()
	if ok {
		return id, nil
	}

	id, err := p.lister.SerialNo(ctx, serial)
	if err != nil {
		return "", err
	}
	id = strings.TrimSpace(id)
	if id == "" {
		return "", errors.New("empty ro.serialno")
	}

	p.mu.Lock()
	p.cache[serial] = id
	p.mu.Unlock()
	p.logger.Debug("Resolved hardware id", "serial", serial, "hardware_id", id)
	return id, nil
}
