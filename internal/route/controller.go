// Package route decides which transport each device uses, which device is
// main, and which physical endpoint currently accepts its commands.
package route

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/jtaka1125-beep/mirage/internal/command"
	"github.com/jtaka1125-beep/mirage/internal/events"
	"github.com/jtaka1125-beep/mirage/internal/logging"
	"github.com/jtaka1125-beep/mirage/internal/metrics"
	"github.com/jtaka1125-beep/mirage/internal/registry"
	"github.com/jtaka1125-beep/mirage/internal/transport"
)

// Transports is the part of the transport manager the controller drives.
type Transports interface {
	Start(hardwareID string) error
	Stop(hardwareID string) bool
	Running(hardwareID string) bool
	Reconnect(hardwareID string)
	ReportFailure(hardwareID, reason string)
}

// CommandDialer opens a command endpoint for a device whose video transport
// does not carry commands. It returns the endpoint's name.
type CommandDialer func(ctx context.Context, rec registry.Record) (io.ReadWriteCloser, string, error)

// Options configures a Controller.
type Options struct {
	Registry *registry.Registry
	Hub      *command.Hub
	Settings Settings
	Dial     CommandDialer
	// CommandTimeout bounds the controller's own commands (capture grants,
	// configure).
	CommandTimeout time.Duration
	Bus            *events.Bus
	Logger         *slog.Logger
}

// Controller implements transport.Policy and transport.Lifecycle.
type Controller struct {
	reg    *registry.Registry
	hub    *command.Hub
	dial   CommandDialer
	bus    *events.Bus
	logger *slog.Logger
	cmdTTL time.Duration

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu         sync.RWMutex
	settings   Settings
	order      []transport.Kind
	transports Transports
	grants     map[string]bool
	attached   map[string]transport.Kind
	// carried marks devices whose command channel rides on the video source.
	carried map[string]bool
}

var (
	_ transport.Policy    = (*Controller)(nil)
	_ transport.Lifecycle = (*Controller)(nil)
)

// New creates a controller. Call SetTransports before the first sighting.
func New(opts Options) (*Controller, error) {
	if opts.Registry == nil {
		return nil, errors.New("route: registry required")
	}
	if opts.Hub == nil {
		return nil, errors.New("route: command hub required")
	}
	if opts.Settings.Priority == nil {
		opts.Settings = DefaultSettings()
	}
	if err := opts.Settings.Validate(); err != nil {
		return nil, err
	}
	if opts.CommandTimeout <= 0 {
		opts.CommandTimeout = 3 * time.Second
	}
	if opts.Logger == nil {
		opts.Logger = logging.GetLogger("route")
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Controller{
		reg:      opts.Registry,
		hub:      opts.Hub,
		dial:     opts.Dial,
		bus:      opts.Bus,
		logger:   opts.Logger,
		cmdTTL:   opts.CommandTimeout,
		ctx:      ctx,
		cancel:   cancel,
		settings: opts.Settings,
		order:    opts.Settings.order(),
		grants:   make(map[string]bool),
		attached: make(map[string]transport.Kind),
		carried:  make(map[string]bool),
	}, nil
}

// SetTransports wires the transport manager. The manager takes the
// controller as its policy, so the two are connected after construction.
func (c *Controller) SetTransports(t Transports) {
	c.mu.Lock()
	c.transports = t
	c.mu.Unlock()
}

// Settings returns the active routing settings.
func (c *Controller) Settings() Settings {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.settings
}

// Candidates implements transport.Policy.
func (c *Controller) Candidates(hardwareID string) []transport.Kind {
	if _, ok := c.reg.Get(hardwareID); !ok {
		return nil
	}
	c.mu.RLock()
	defer c.mu.RUnlock()
	return append([]transport.Kind(nil), c.order...)
}

// Resolve implements transport.Policy. Ports are allocated on first use and
// stay with the hardware id.
func (c *Controller) Resolve(hardwareID string) (transport.Target, error) {
	rec, ok := c.reg.Get(hardwareID)
	if !ok {
		return transport.Target{}, fmt.Errorf("%w: %s", registry.ErrUnknownDevice, hardwareID)
	}
	video, err := c.reg.AssignPort(hardwareID)
	if err != nil {
		return transport.Target{}, err
	}
	bridgePort, err := c.reg.AssignBridgePort(hardwareID)
	if err != nil {
		return transport.Target{}, err
	}
	return transport.Target{
		HardwareID: hardwareID,
		Serial:     adbSerial(rec),
		USB:        rec.USB,
		VideoPort:  video,
		BridgePort: bridgePort,
	}, nil
}

func adbSerial(rec registry.Record) string {
	if rec.USB != "" {
		return rec.USB
	}
	if len(rec.WiFi) > 0 {
		return rec.WiFi[0]
	}
	return ""
}

// Attach implements transport.Lifecycle. It binds the command endpoint and
// requests (or resumes) screen capture without blocking the video worker.
func (c *Controller) Attach(hardwareID string, src transport.Source) {
	c.mu.Lock()
	c.attached[hardwareID] = src.Kind()
	c.mu.Unlock()

	if carrier, ok := src.(transport.CommandCarrier); ok {
		if rw := carrier.Commands(); rw != nil {
			c.bindCommands(hardwareID, src.Name(), rw, true)
		}
	}

	c.logger.Info("Device attached", "hardware_id", hardwareID, "transport", src.Kind(), "endpoint", src.Name())
	c.goAsync(func() { c.afterAttach(hardwareID) })
}

// Detach implements transport.Lifecycle. Capture grants are kept so that a
// later Attach on any transport resumes the existing session.
func (c *Controller) Detach(hardwareID string, kind transport.Kind) {
	c.mu.Lock()
	delete(c.attached, hardwareID)
	carried := c.carried[hardwareID]
	delete(c.carried, hardwareID)
	c.mu.Unlock()

	if carried {
		c.hub.SetTimeoutHandler(hardwareID, nil)
		c.hub.Detach(hardwareID)
	}
	c.logger.Info("Device detached", "hardware_id", hardwareID, "transport", kind)
}

// Attached returns the transport currently carrying a device's video.
func (c *Controller) Attached(hardwareID string) (transport.Kind, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	k, ok := c.attached[hardwareID]
	return k, ok
}

// Granted reports whether the device has granted screen capture.
func (c *Controller) Granted(hardwareID string) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.grants[hardwareID]
}

func (c *Controller) bindCommands(hardwareID, endpoint string, rw io.ReadWriteCloser, carried bool) {
	if _, err := c.hub.Attach(hardwareID, endpoint, rw); err != nil {
		c.logger.Warn("Failed to attach command endpoint", "hardware_id", hardwareID, "error", err)
		rw.Close()
		return
	}
	c.mu.Lock()
	c.carried[hardwareID] = carried
	t := c.transports
	c.mu.Unlock()

	if carried && t != nil {
		// The endpoint is shared with video; unanswered commands mean the
		// endpoint is gone.
		c.hub.SetTimeoutHandler(hardwareID, func() {
			t.ReportFailure(hardwareID, "command ack timeout")
		})
	}
}

func (c *Controller) afterAttach(hardwareID string) {
	if _, ok := c.hub.Endpoint(hardwareID); !ok && c.dial != nil {
		rec, found := c.reg.Get(hardwareID)
		if !found {
			return
		}
		ctx, cancel := context.WithTimeout(c.ctx, c.cmdTTL)
		rw, name, err := c.dial(ctx, rec)
		cancel()
		if err != nil {
			c.logger.Warn("Command endpoint unavailable", "hardware_id", hardwareID, "error", err)
			return
		}
		c.bindCommands(hardwareID, name, rw, false)
	}

	if err := c.grantCapture(hardwareID); err != nil {
		return
	}
	if rec, ok := c.reg.Main(); ok && rec.HardwareID == hardwareID {
		c.pushConfigure(hardwareID)
	}
}

// grantCapture asks for screen capture, or resumes it when the device
// already granted it on an earlier attach.
func (c *Controller) grantCapture(hardwareID string) error {
	resumed := c.Granted(hardwareID)
	kind := command.KindCaptureRequest
	if resumed {
		kind = command.KindCaptureResume
	}

	if _, err := c.Send(c.ctx, hardwareID, kind, nil); err != nil {
		if errors.Is(err, command.ErrNoChannel) {
			c.logger.Debug("No command endpoint for capture grant", "hardware_id", hardwareID)
		}
		return err
	}

	c.mu.Lock()
	c.grants[hardwareID] = true
	c.mu.Unlock()

	endpoint, _ := c.hub.Endpoint(hardwareID)
	c.logger.Info("Screen capture granted", "hardware_id", hardwareID, "resumed", resumed, "endpoint", endpoint)
	c.bus.Publish(events.CaptureGrantEvent{
		HardwareID: hardwareID,
		Resumed:    resumed,
		Endpoint:   endpoint,
		Timestamp:  time.Now().Format(time.RFC3339),
	})
	return nil
}

// Send delivers a command to a device through its current endpoint and
// publishes failures.
func (c *Controller) Send(ctx context.Context, hardwareID string, kind command.Kind, payload []byte) (command.Ack, error) {
	ctx, cancel := context.WithTimeout(ctx, c.cmdTTL)
	defer cancel()

	ack, err := c.hub.Send(ctx, hardwareID, kind, payload)
	if err != nil {
		status := ""
		var cerr *command.Error
		if errors.As(err, &cerr) && !cerr.Transport() {
			status = cerr.Status.String()
		}
		c.logger.Warn("Command failed", "hardware_id", hardwareID, "command", kind, "error", err)
		c.bus.Publish(events.CommandFailedEvent{
			HardwareID: hardwareID,
			Command:    kind.String(),
			Status:     status,
			Error:      err.Error(),
			Timestamp:  time.Now().Format(time.RFC3339),
		})
	}
	return ack, err
}

// CommandEndpoint returns the physical endpoint that currently accepts
// commands for a device.
func (c *Controller) CommandEndpoint(hardwareID string) (string, bool) {
	return c.hub.Endpoint(hardwareID)
}

// SetMain designates the main device and pushes the capture settings to it.
// A device without a command endpoint receives them on its next attach.
func (c *Controller) SetMain(ctx context.Context, hardwareID string) error {
	previous, err := c.reg.DesignateMain(hardwareID)
	if err != nil {
		return err
	}
	if previous != "" && previous != hardwareID {
		c.logger.Info("Main device moved", "from", previous, "to", hardwareID)
	}
	if _, ok := c.hub.Endpoint(hardwareID); !ok {
		return nil
	}
	s := c.Settings()
	_, err = c.Send(ctx, hardwareID, command.KindConfigure, command.Configure(s.capture()))
	return err
}

func (c *Controller) pushConfigure(hardwareID string) {
	s := c.Settings()
	if _, err := c.Send(c.ctx, hardwareID, command.KindConfigure, command.Configure(s.capture())); err == nil {
		c.logger.Info("Pushed capture settings", "hardware_id", hardwareID, "max_fps", s.MaxFPS, "bitrate", s.Bitrate)
	}
}

// HandleSighting feeds one discovery result into the registry and starts
// the device's transport worker when auto attach is on.
func (c *Controller) HandleSighting(hardwareID, endpoint, model string) error {
	ep := registry.ParseEndpoint(endpoint)
	rec, created, err := c.reg.Register(hardwareID, ep, model)
	if err != nil {
		return err
	}

	c.mu.RLock()
	s := c.settings
	t := c.transports
	c.mu.RUnlock()

	if s.Main != "" && s.Main == rec.HardwareID && !rec.Main {
		if err := c.SetMain(c.ctx, rec.HardwareID); err != nil {
			c.logger.Warn("Failed to designate configured main device", "hardware_id", rec.HardwareID, "error", err)
		}
	}

	if created {
		c.logger.Info("New device sighted", "hardware_id", rec.HardwareID, "endpoint", ep.String())
	}
	if s.AutoAttach && t != nil && !t.Running(rec.HardwareID) {
		return t.Start(rec.HardwareID)
	}
	return nil
}

// Forget stops a device's pipeline and clears its endpoints. The worker is
// joined before the endpoints are cleared so a closing socket never races a
// new attempt on the same port.
func (c *Controller) Forget(hardwareID string) {
	c.mu.Lock()
	t := c.transports
	c.mu.Unlock()
	if t != nil {
		t.Stop(hardwareID)
	}
	c.hub.SetTimeoutHandler(hardwareID, nil)
	c.hub.Detach(hardwareID)
	c.reg.ClearEndpoints(hardwareID)

	c.mu.Lock()
	delete(c.grants, hardwareID)
	delete(c.carried, hardwareID)
	c.mu.Unlock()
	metrics.DeleteDevice(hardwareID)
	c.logger.Info("Device forgotten", "hardware_id", hardwareID)
}

// EndpointGone handles one endpoint of a device disappearing, for example a
// USB unplug. The worker is stopped and joined before the endpoint leaves
// the registry. It is started again when another endpoint remains. Capture
// grants are kept so a replug resumes the existing session.
func (c *Controller) EndpointGone(hardwareID, endpoint string) {
	ep := registry.ParseEndpoint(endpoint)
	c.mu.RLock()
	t := c.transports
	c.mu.RUnlock()

	running := t != nil && t.Stop(hardwareID)
	c.reg.PruneEndpoint(hardwareID, ep)

	rec, ok := c.reg.Get(hardwareID)
	if ok && rec.Reachable() {
		if running {
			if err := t.Start(hardwareID); err != nil {
				c.logger.Warn("Failed to restart transport worker", "hardware_id", hardwareID, "error", err)
			}
		}
		c.logger.Info("Device endpoint removed", "hardware_id", hardwareID, "endpoint", ep.String())
		return
	}

	c.hub.SetTimeoutHandler(hardwareID, nil)
	c.hub.Detach(hardwareID)
	c.mu.Lock()
	delete(c.carried, hardwareID)
	c.mu.Unlock()
	c.logger.Info("Device unreachable", "hardware_id", hardwareID, "endpoint", ep.String())
}

// Apply swaps in new settings. A priority change re-runs transport
// selection on every attached device; a video settings change is pushed to
// the main device.
func (c *Controller) Apply(s Settings) error {
	if err := s.Validate(); err != nil {
		return err
	}

	c.mu.Lock()
	old := c.settings
	c.settings = s
	c.order = s.order()
	t := c.transports
	attached := make([]string, 0, len(c.attached))
	for id := range c.attached {
		attached = append(attached, id)
	}
	c.mu.Unlock()

	c.logger.Info("Applied routing settings", "priority", s.Priority, "main", s.Main, "max_fps", s.MaxFPS, "bitrate", s.Bitrate)

	if s.priorityChanged(old) && t != nil {
		for _, id := range attached {
			t.Reconnect(id)
		}
	}

	mainChanged := false
	if s.Main != "" && s.Main != old.Main {
		if _, ok := c.reg.Get(s.Main); ok {
			mainChanged = true
			if err := c.SetMain(c.ctx, s.Main); err != nil {
				c.logger.Warn("Failed to designate main device", "hardware_id", s.Main, "error", err)
			}
		}
	}
	if !mainChanged && s.videoChanged(old) {
		if rec, ok := c.reg.Main(); ok {
			if _, attachedCmd := c.hub.Endpoint(rec.HardwareID); attachedCmd {
				c.goAsync(func() { c.pushConfigure(rec.HardwareID) })
			}
		}
	}
	return nil
}

func (c *Controller) goAsync(fn func()) {
	if c.ctx.Err() != nil {
		return
	}
	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		fn()
	}()
}

// Close cancels in-flight controller commands and waits for them.
func (c *Controller) Close() {
	c.cancel()
	c.wg.Wait()
}

// RequestKeyframe asks a device's encoder for an IDR.
func (c *Controller) RequestKeyframe(ctx context.Context, hardwareID string) error {
	_, err := c.Send(ctx, hardwareID, command.KindResetVideo, nil)
	return err
}
