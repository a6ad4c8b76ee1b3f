package discovery

import (
	"context"
	"log/slog"
	"net"
	"strconv"
	"strings"

	"github.com/grandcat/zeroconf"

	"github.com/jtaka1125-beep/mirage/internal/logging"
)

// ServiceADBTLS is the service Android announces for wireless debugging.
const ServiceADBTLS = "_adb-tls-connect._tcp"

// Connector makes adb reach a network endpoint.
type Connector interface {
	Connect(ctx context.Context, addr string) error
}

// MDNSOptions configures an MDNSBrowser.
type MDNSOptions struct {
	Service string
	Domain  string
	// Connector, when set, runs adb connect before a sighting is reported.
	Connector Connector
	Logger    *slog.Logger
}

// MDNSBrowser reports devices announcing wireless debugging on the LAN.
type MDNSBrowser struct {
	handler Handler
	opts    MDNSOptions
	logger  *slog.Logger
}

// NewMDNSBrowser creates a browser feeding h.
func NewMDNSBrowser(h Handler, opts MDNSOptions) *MDNSBrowser {
	if opts.Service == "" {
		opts.Service = ServiceADBTLS
	}
	if opts.Domain == "" {
		opts.Domain = "local."
	}
	if opts.Logger == nil {
		opts.Logger = logging.GetLogger("discovery")
	}
	return &MDNSBrowser{handler: h, opts: opts, logger: opts.Logger}
}

// Run browses until ctx is done.
func (b *MDNSBrowser) Run(ctx context.Context) error {
	resolver, err := zeroconf.NewResolver(nil)
	if err != nil {
		return err
	}

	entries := make(chan *zeroconf.ServiceEntry)
	if err := resolver.Browse(ctx, b.opts.Service, b.opts.Domain, entries); err != nil {
		return err
	}
	b.logger.Info("Browsing for devices", "service", b.opts.Service)

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case entry, ok := <-entries:
			if !ok {
				return ctx.Err()
			}
			b.handle(ctx, entry)
		}
	}
}

func (b *MDNSBrowser) handle(ctx context.Context, entry *zeroconf.ServiceEntry) {
	s, ok := SightingFromEntry(entry)
	if !ok {
		b.logger.Debug("Ignoring announcement", "instance", entry.Instance)
		return
	}
	if b.opts.Connector != nil {
		if err := b.opts.Connector.Connect(ctx, s.Endpoint); err != nil {
			b.logger.Warn("adb connect failed", "endpoint", s.Endpoint, "error", err)
			return
		}
	}
	if err := b.handler.HandleSighting(s.HardwareID, s.Endpoint, s.Model); err != nil {
		b.logger.Warn("Sighting rejected", "hardware_id", s.HardwareID, "error", err)
	}
}

// SightingFromEntry maps an announcement to a sighting. IPv4 is preferred.
func SightingFromEntry(entry *zeroconf.ServiceEntry) (Sighting, bool) {
	if entry == nil || entry.Port == 0 {
		return Sighting{}, false
	}
	id, ok := ParseInstance(entry.Instance)
	if !ok {
		return Sighting{}, false
	}
	var ip net.IP
	switch {
	case len(entry.AddrIPv4) > 0:
		ip = entry.AddrIPv4[0]
	case len(entry.AddrIPv6) > 0:
		ip = entry.AddrIPv6[0]
	default:
		return Sighting{}, false
	}
	return Sighting{
		HardwareID: id,
		Endpoint:   net.JoinHostPort(ip.String(), strconv.Itoa(entry.Port)),
	}, true
}

// ParseInstance extracts the serial from an instance name of the form
// adb-<serial>-<suffix>.
func ParseInstance(instance string) (string, bool) {
	rest, ok := strings.CutPrefix(instance, "adb-")
	if !ok {
		return "", false
	}
	i := strings.LastIndexByte(rest, '-')
	if i <= 0 {
		return "", false
	}
	return rest[:i], true
}
