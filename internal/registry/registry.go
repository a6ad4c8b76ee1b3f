// Package registry keeps the durable map from a device's hardware identity to
// the endpoints it is reachable on, its assigned ports, and the main-device
// designation.
//
// One mutex guards the whole map. It is held only for the lookup or update
// itself; persistence runs on a snapshot after the lock is released.
package registry

import (
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/jtaka1125-beep/mirage/internal/events"
	"github.com/jtaka1125-beep/mirage/internal/logging"
	"github.com/jtaka1125-beep/mirage/internal/metrics"
)

// Errors returned by the registry.
var (
	ErrUnknownDevice  = errors.New("unknown device")
	ErrEmptyID        = errors.New("empty hardware id")
	ErrEmptyEndpoint  = errors.New("empty endpoint address")
	ErrPortsExhausted = errors.New("port range exhausted")
)

// Options configures a Registry.
type Options struct {
	// BaseVideoPort is the first port handed out by AssignPort.
	BaseVideoPort int
	// BaseBridgePort is the first port handed out by AssignBridgePort.
	BaseBridgePort int
	// MaxWiFi caps the remembered Wi-Fi endpoints per device.
	MaxWiFi int
	Store   Store
	Bus     *events.Bus
	Logger  *slog.Logger
	Now     func() time.Time
}

// Registry is safe for concurrent use.
type Registry struct {
	mu         sync.Mutex
	records    map[string]*Record
	byEndpoint map[Endpoint]string
	usedPorts  map[int]string
	nextVideo  int
	nextBridge int
	gen        uint64

	saveMu   sync.Mutex
	savedGen uint64

	opts   Options
	logger *slog.Logger
}

// New creates a registry and loads persisted records from opts.Store.
func New(opts Options) (*Registry, error) {
	if opts.BaseVideoPort <= 0 {
		opts.BaseVideoPort = 27200
	}
	if opts.BaseBridgePort <= 0 {
		opts.BaseBridgePort = 27183
	}
	if opts.MaxWiFi <= 0 {
		opts.MaxWiFi = 4
	}
	if opts.Logger == nil {
		opts.Logger = logging.GetLogger("registry")
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}

	r := &Registry{
		records:    make(map[string]*Record),
		byEndpoint: make(map[Endpoint]string),
		usedPorts:  make(map[int]string),
		nextVideo:  opts.BaseVideoPort,
		nextBridge: opts.BaseBridgePort,
		opts:       opts,
		logger:     opts.Logger,
	}

	if opts.Store != nil {
		records, err := opts.Store.Load()
		if err != nil {
			return nil, fmt.Errorf("failed to load device registry: %w", err)
		}
		r.restore(records)
	}
	metrics.SetDevices(len(r.records))
	return r, nil
}

func (r *Registry) restore(records []Record) {
	slices.SortFunc(records, func(a, b Record) int { return strings.Compare(a.HardwareID, b.HardwareID) })

	haveMain := false
	for _, rec := range records {
		if rec.HardwareID == "" {
			continue
		}
		if _, dup := r.records[rec.HardwareID]; dup {
			r.logger.Warn("Duplicate hardware id in registry file", "hardware_id", rec.HardwareID)
			continue
		}
		rec := rec.clone()
		if rec.Main {
			if haveMain {
				rec.Main = false
			}
			haveMain = true
		}
		for _, port := range []*int{&rec.VideoPort, &rec.BridgePort} {
			if *port == 0 {
				continue
			}
			if owner, taken := r.usedPorts[*port]; taken {
				r.logger.Warn("Dropping conflicting persisted port", "hardware_id", rec.HardwareID, "port", *port, "owner", owner)
				*port = 0
				continue
			}
			r.usedPorts[*port] = rec.HardwareID
		}
		if rec.VideoPort >= r.nextVideo {
			r.nextVideo = rec.VideoPort + 1
		}
		if rec.BridgePort >= r.nextBridge {
			r.nextBridge = rec.BridgePort + 1
		}
		// Endpoints are only trusted once rediscovered.
		rec.USB = ""
		rec.WiFi = nil
		r.records[rec.HardwareID] = &rec
	}
	r.logger.Info("Loaded device registry", "devices", len(r.records))
}

// Register records that device hwID is visible on ep. A device seen over
// USB and Wi-Fi maps to one record because records are keyed by hardware id.
// It reports whether the record was created by this call.
func (r *Registry) Register(hwID string, ep Endpoint, model string) (Record, bool, error) {
	hwID = strings.TrimSpace(hwID)
	if hwID == "" {
		return Record{}, false, ErrEmptyID
	}
	if ep.Address == "" {
		return Record{}, false, ErrEmptyEndpoint
	}

	r.mu.Lock()
	rec, ok := r.records[hwID]
	created := !ok
	if created {
		rec = &Record{HardwareID: hwID, DisplayName: hwID}
		r.records[hwID] = rec
	}
	if model != "" {
		if rec.Model == "" && rec.DisplayName == hwID {
			rec.DisplayName = model
		}
		rec.Model = model
	}

	// An address can move between devices (DHCP); it belongs to the last reporter.
	if owner, taken := r.byEndpoint[ep]; taken && owner != hwID {
		if prev := r.records[owner]; prev != nil {
			removeEndpoint(prev, ep)
		}
	}
	r.byEndpoint[ep] = hwID

	switch ep.Kind {
	case EndpointWiFi:
		rec.WiFi = slices.DeleteFunc(rec.WiFi, func(a string) bool { return a == ep.Address })
		rec.WiFi = slices.Insert(rec.WiFi, 0, ep.Address)
		if len(rec.WiFi) > r.opts.MaxWiFi {
			for _, dropped := range rec.WiFi[r.opts.MaxWiFi:] {
				delete(r.byEndpoint, Endpoint{Kind: EndpointWiFi, Address: dropped})
			}
			rec.WiFi = rec.WiFi[:r.opts.MaxWiFi]
		}
	default:
		if rec.USB != "" && rec.USB != ep.Address {
			delete(r.byEndpoint, Endpoint{Kind: EndpointUSB, Address: rec.USB})
		}
		rec.USB = ep.Address
	}
	rec.LastSeen = r.opts.Now()

	out := rec.clone()
	total := len(r.records)
	gen, snap := r.snapshotLocked()
	r.mu.Unlock()

	if created {
		r.logger.Info("Registered device", "hardware_id", hwID, "endpoint", ep.String(), "model", model)
		metrics.SetDevices(total)
	} else {
		r.logger.Debug("Device seen", "hardware_id", hwID, "endpoint", ep.String())
	}
	r.opts.Bus.Publish(events.DeviceSeenEvent{
		HardwareID: hwID,
		Endpoint:   ep.Address,
		Kind:       string(ep.Kind),
		Model:      out.Model,
		New:        created,
		Timestamp:  out.LastSeen.Format(time.RFC3339),
	})
	r.persist(gen, snap)
	return out, created, nil
}

// Lookup returns the hardware id currently owning ep.
func (r *Registry) Lookup(ep Endpoint) (string, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	id, ok := r.byEndpoint[ep]
	return id, ok
}

// AssignPort returns the video port for hwID, allocating one on first use.
// Repeated calls return the same port, and a port is never handed to two
// devices.
func (r *Registry) AssignPort(hwID string) (int, error) {
	return r.assign(hwID, func(rec *Record) *int { return &rec.VideoPort }, &r.nextVideo)
}

// AssignBridgePort returns the local port used to forward the capture
// helper's socket for hwID, allocating one on first use.
func (r *Registry) AssignBridgePort(hwID string) (int, error) {
	return r.assign(hwID, func(rec *Record) *int { return &rec.BridgePort }, &r.nextBridge)
}

func (r *Registry) assign(hwID string, field func(*Record) *int, next *int) (int, error) {
	r.mu.Lock()
	rec, ok := r.records[hwID]
	if !ok {
		r.mu.Unlock()
		return 0, fmt.Errorf("%w: %s", ErrUnknownDevice, hwID)
	}
	port := field(rec)
	if *port != 0 {
		p := *port
		r.mu.Unlock()
		return p, nil
	}
	for {
		if *next > 65535 {
			r.mu.Unlock()
			return 0, ErrPortsExhausted
		}
		candidate := *next
		*next++
		if _, taken := r.usedPorts[candidate]; !taken {
			*port = candidate
			r.usedPorts[candidate] = hwID
			break
		}
	}
	p := *port
	gen, snap := r.snapshotLocked()
	r.mu.Unlock()

	r.logger.Debug("Assigned port", "hardware_id", hwID, "port", p)
	r.persist(gen, snap)
	return p, nil
}

// DesignateMain marks hwID as the main device and clears the flag on the
// previous holder in the same critical section. It returns the previous
// main device, if any.
func (r *Registry) DesignateMain(hwID string) (string, error) {
	r.mu.Lock()
	rec, ok := r.records[hwID]
	if !ok {
		r.mu.Unlock()
		return "", fmt.Errorf("%w: %s", ErrUnknownDevice, hwID)
	}
	previous := ""
	for id, other := range r.records {
		if other.Main && id != hwID {
			previous = id
			other.Main = false
		}
	}
	changed := !rec.Main
	rec.Main = true
	gen, snap := r.snapshotLocked()
	r.mu.Unlock()

	if changed {
		r.logger.Info("Main device changed", "hardware_id", hwID, "previous", previous)
		r.opts.Bus.Publish(events.MainChangedEvent{
			HardwareID: hwID,
			Previous:   previous,
			Timestamp:  r.opts.Now().Format(time.RFC3339),
		})
		r.persist(gen, snap)
	}
	return previous, nil
}

// Main returns the main device record.
func (r *Registry) Main() (Record, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, rec := range r.records {
		if rec.Main {
			return rec.clone(), true
		}
	}
	return Record{}, false
}

// Get returns a copy of the record for hwID.
func (r *Registry) Get(hwID string) (Record, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	rec, ok := r.records[hwID]
	if !ok {
		return Record{}, false
	}
	return rec.clone(), true
}

// List returns copies of all records ordered by hardware id.
func (r *Registry) List() []Record {
	r.mu.Lock()
	out := make([]Record, 0, len(r.records))
	for _, rec := range r.records {
		out = append(out, rec.clone())
	}
	r.mu.Unlock()

	slices.SortFunc(out, func(a, b Record) int { return strings.Compare(a.HardwareID, b.HardwareID) })
	return out
}

// SetDisplayName renames a device.
func (r *Registry) SetDisplayName(hwID, name string) error {
	r.mu.Lock()
	rec, ok := r.records[hwID]
	if !ok {
		r.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrUnknownDevice, hwID)
	}
	rec.DisplayName = name
	gen, snap := r.snapshotLocked()
	r.mu.Unlock()

	r.persist(gen, snap)
	return nil
}

// PruneEndpoint forgets one endpoint of hwID. The record itself is kept.
func (r *Registry) PruneEndpoint(hwID string, ep Endpoint) {
	r.mu.Lock()
	rec, ok := r.records[hwID]
	if !ok || !removeEndpoint(rec, ep) {
		r.mu.Unlock()
		return
	}
	if r.byEndpoint[ep] == hwID {
		delete(r.byEndpoint, ep)
	}
	gen, snap := r.snapshotLocked()
	r.mu.Unlock()

	r.logger.Debug("Pruned endpoint", "hardware_id", hwID, "endpoint", ep.String())
	r.persist(gen, snap)
}

// PruneStale clears the endpoints of every record not seen within maxAge and
// returns the affected hardware ids.
func (r *Registry) PruneStale(maxAge time.Duration) []string {
	cutoff := r.opts.Now().Add(-maxAge)

	r.mu.Lock()
	var pruned []string
	for id, rec := range r.records {
		if rec.Reachable() && rec.LastSeen.Before(cutoff) {
			r.clearLocked(rec)
			pruned = append(pruned, id)
		}
	}
	if len(pruned) == 0 {
		r.mu.Unlock()
		return nil
	}
	gen, snap := r.snapshotLocked()
	r.mu.Unlock()

	slices.Sort(pruned)
	r.logger.Info("Pruned stale endpoints", "devices", pruned)
	r.persist(gen, snap)
	return pruned
}

// ClearEndpoints forgets every endpoint of hwID. Callers stop the device's
// transport worker before clearing so no socket outlives its record.
func (r *Registry) ClearEndpoints(hwID string) {
	r.mu.Lock()
	rec, ok := r.records[hwID]
	if !ok {
		r.mu.Unlock()
		return
	}
	r.clearLocked(rec)
	gen, snap := r.snapshotLocked()
	r.mu.Unlock()

	r.persist(gen, snap)
}

func (r *Registry) clearLocked(rec *Record) {
	for _, ep := range rec.Endpoints() {
		if r.byEndpoint[ep] == rec.HardwareID {
			delete(r.byEndpoint, ep)
		}
	}
	rec.USB = ""
	rec.WiFi = nil
}

func removeEndpoint(rec *Record, ep Endpoint) bool {
	switch ep.Kind {
	case EndpointWiFi:
		n := len(rec.WiFi)
		rec.WiFi = slices.DeleteFunc(rec.WiFi, func(a string) bool { return a == ep.Address })
		return len(rec.WiFi) != n
	default:
		if rec.USB == ep.Address {
			rec.USB = ""
			return true
		}
		return false
	}
}

func (r *Registry) snapshotLocked() (uint64, []Record) {
	if r.opts.Store == nil {
		return 0, nil
	}
	r.gen++
	snap := make([]Record, 0, len(r.records))
	for _, rec := range r.records {
		snap = append(snap, rec.clone())
	}
	return r.gen, snap
}

// persist writes snap unless a newer snapshot has already been written.
func (r *Registry) persist(gen uint64, snap []Record) {
	if r.opts.Store == nil {
		return
	}
	r.saveMu.Lock()
	defer r.saveMu.Unlock()
	if gen <= r.savedGen {
		return
	}
	if err := r.opts.Store.Save(snap); err != nil {
		r.logger.Error("Failed to save device registry", "error", err)
		return
	}
	r.savedGen = gen
}
