package command

import (
	"context"
	"io"
	"log/slog"
	"sync"
)

// Hub routes commands to the channel currently attached for each hardware id.
// The hub lock guards only the map; sends run on the device's own channel.
type Hub struct {
	mu        sync.RWMutex
	channels  map[string]*Channel
	onTimeout map[string]func()
	opts      Options
	logger    *slog.Logger
}

// NewHub creates a hub whose channels are built with opts.
func NewHub(opts Options) *Hub {
	opts = opts.withDefaults()
	return &Hub{
		channels:  make(map[string]*Channel),
		onTimeout: make(map[string]func()),
		opts:      opts,
		logger:    opts.Logger,
	}
}

// Attach binds rw as the command endpoint for device, replacing and closing
// any previous channel.
func (h *Hub) Attach(device, endpoint string, rw io.ReadWriteCloser) (*Channel, error) {
	if device == "" {
		return nil, ErrEmptyIdentity
	}
	opts := h.opts
	opts.OnTimeout = func() { h.timedOut(device) }
	ch := NewChannel(device, endpoint, rw, opts)

	h.mu.Lock()
	prev := h.channels[device]
	h.channels[device] = ch
	h.mu.Unlock()

	if prev != nil {
		h.logger.Info("Replacing command endpoint", "hardware_id", device, "old", prev.Endpoint(), "new", endpoint)
		_ = prev.Close()
	} else {
		h.logger.Info("Command endpoint attached", "hardware_id", device, "endpoint", endpoint)
	}
	return ch, nil
}

// Detach closes and removes the channel for device. It is a no-op when no
// channel is attached.
func (h *Hub) Detach(device string) {
	h.mu.Lock()
	ch := h.channels[device]
	delete(h.channels, device)
	h.mu.Unlock()

	if ch != nil {
		_ = ch.Close()
		h.logger.Info("Command endpoint detached", "hardware_id", device, "endpoint", ch.Endpoint())
	}
}

// Send delivers one command to device and waits for its acknowledgement.
func (h *Hub) Send(ctx context.Context, device string, kind Kind, payload []byte) (Ack, error) {
	h.mu.RLock()
	ch := h.channels[device]
	h.mu.RUnlock()
	if ch == nil {
		return Ack{}, ErrNoChannel
	}
	return ch.Send(ctx, kind, payload)
}

// Endpoint returns the physical endpoint that currently accepts commands for device.
func (h *Hub) Endpoint(device string) (string, bool) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	ch, ok := h.channels[device]
	if !ok {
		return "", false
	}
	return ch.Endpoint(), true
}

// SetTimeoutHandler registers fn to be called on every ack timeout for
// device. Passing nil removes the handler.
func (h *Hub) SetTimeoutHandler(device string, fn func()) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if fn == nil {
		delete(h.onTimeout, device)
		return
	}
	h.onTimeout[device] = fn
}

func (h *Hub) timedOut(device string) {
	h.mu.RLock()
	fn := h.onTimeout[device]
	h.mu.RUnlock()
	if fn != nil {
		fn()
	}
}

// Devices returns the hardware ids with an attached channel.
func (h *Hub) Devices() []string {
	h.mu.RLock()
	defer h.mu.RUnlock()
	out := make([]string, 0, len(h.channels))
	for id := range h.channels {
		out = append(out, id)
	}
	return out
}

// Close detaches every channel.
func (h *Hub) Close() {
	h.mu.Lock()
	channels := h.channels
	h.channels = make(map[string]*Channel)
	h.mu.Unlock()

	for _, ch := range channels {
		_ = ch.Close()
	}
}
