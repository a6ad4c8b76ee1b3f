package transport

import (
	"context"
	"errors"
	"log/slog"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/jtaka1125-beep/mirage/internal/events"
	"github.com/jtaka1125-beep/mirage/internal/logging"
	"github.com/jtaka1125-beep/mirage/internal/retry"
)

// Errors returned by the manager.
var (
	ErrClosed      = errors.New("transport manager closed")
	ErrNoPolicy    = errors.New("transport policy required")
	ErrNoTransport = errors.New("no transport available")
)

// Policy decides, per device, which transports to try and how to reach them.
type Policy interface {
	// Candidates returns transport kinds in preference order. The bridge kind
	// is ignored here; it is only entered through escalation.
	Candidates(hardwareID string) []Kind
	Resolve(hardwareID string) (Target, error)
}

// Lifecycle is told when a device's video endpoint comes up or goes away.
type Lifecycle interface {
	Attach(hardwareID string, src Source)
	Detach(hardwareID string, kind Kind)
}

// Config tunes the per-device worker.
type Config struct {
	ReadTimeout   time.Duration `toml:"read_timeout"`
	NoDataTimeout time.Duration `toml:"no_data_timeout"`
	// EscalateAfter consecutive failures trigger a helper bridge launch.
	EscalateAfter int          `toml:"escalate_after"`
	Backoff       retry.Config `toml:"backoff"`
	// LossBurst is the RTP packet loss within one second that marks the
	// stream degraded.
	LossBurst  uint64 `toml:"loss_burst"`
	BufferSize int    `toml:"buffer_size"`
}

// DefaultConfig returns the worker defaults.
func DefaultConfig() Config {
	return Config{
		ReadTimeout:   250 * time.Millisecond,
		NoDataTimeout: 3 * time.Second,
		EscalateAfter: 2,
		Backoff:       retry.DefaultConfig(),
		LossBurst:     50,
		BufferSize:    64 * 1024,
	}
}

func (c Config) withDefaults() Config {
	def := DefaultConfig()
	if c.ReadTimeout <= 0 {
		c.ReadTimeout = def.ReadTimeout
	}
	if c.NoDataTimeout <= 0 {
		c.NoDataTimeout = def.NoDataTimeout
	}
	if c.EscalateAfter <= 0 {
		c.EscalateAfter = def.EscalateAfter
	}
	if c.Backoff.Initial <= 0 {
		c.Backoff = def.Backoff
	}
	if c.LossBurst == 0 {
		c.LossBurst = def.LossBurst
	}
	if c.BufferSize <= 0 {
		c.BufferSize = def.BufferSize
	}
	return c
}

// Options configures a Manager.
type Options struct {
	Config  Config
	Policy  Policy
	Openers []Opener
	// Bridge is the opener used on escalation. Nil disables escalation.
	Bridge    Opener
	Lifecycle Lifecycle
	Sink      Sink
	Bus       *events.Bus
	Logger    *slog.Logger
}

// Manager runs one video worker per device.
type Manager struct {
	cfg       Config
	policy    Policy
	openers   map[Kind]Opener
	bridge    Opener
	lifecycle Lifecycle
	sink      Sink
	bus       *events.Bus
	logger    *slog.Logger
	sleep     func(ctx context.Context, d time.Duration) error

	mu      sync.Mutex
	workers map[string]*worker
	closed  bool
}

// NewManager creates a manager. No workers run until Start.
func NewManager(opts Options) (*Manager, error) {
	if opts.Policy == nil {
		return nil, ErrNoPolicy
	}
	if opts.Logger == nil {
		opts.Logger = logging.GetLogger("transport")
	}
	m := &Manager{
		cfg:       opts.Config.withDefaults(),
		policy:    opts.Policy,
		openers:   make(map[Kind]Opener, len(opts.Openers)),
		bridge:    opts.Bridge,
		lifecycle: opts.Lifecycle,
		sink:      opts.Sink,
		bus:       opts.Bus,
		logger:    opts.Logger,
		sleep:     retry.Sleep,
		workers:   make(map[string]*worker),
	}
	for _, o := range opts.Openers {
		if o.Kind() == KindBridge {
			continue
		}
		m.openers[o.Kind()] = o
	}
	return m, nil
}

// Start begins (or keeps) the worker for a device. A worker that is
// still shutting down is waited out so that two never overlap.
func (m *Manager) Start(hardwareID string) error {
	for {
		m.mu.Lock()
		if m.closed {
			m.mu.Unlock()
			return ErrClosed
		}
		w, ok := m.workers[hardwareID]
		if !ok {
			w = newWorker(m, hardwareID)
			m.workers[hardwareID] = w
			m.mu.Unlock()
			go w.run()
			m.logger.Info("Transport worker started", "hardware_id", hardwareID)
			return nil
		}
		m.mu.Unlock()
		if !w.stopping.Load() {
			return nil
		}
		<-w.done
		m.mu.Lock()
		if m.workers[hardwareID] == w {
			delete(m.workers, hardwareID)
		}
		m.mu.Unlock()
	}
}

// Stop halts a device's worker and waits for it to exit. It reports
// whether a worker was running.
func (m *Manager) Stop(hardwareID string) bool {
	m.mu.Lock()
	w, ok := m.workers[hardwareID]
	m.mu.Unlock()
	if !ok {
		return false
	}
	w.stop()
	m.mu.Lock()
	if m.workers[hardwareID] == w {
		delete(m.workers, hardwareID)
	}
	m.mu.Unlock()
	m.logger.Info("Transport worker stopped", "hardware_id", hardwareID)
	return true
}

// StopAll halts every worker. The manager refuses new workers afterwards.
func (m *Manager) StopAll() {
	m.mu.Lock()
	m.closed = true
	ws := make([]*worker, 0, len(m.workers))
	for _, w := range m.workers {
		ws = append(ws, w)
	}
	m.mu.Unlock()

	var wg sync.WaitGroup
	for _, w := range ws {
		wg.Add(1)
		go func() {
			defer wg.Done()
			w.stop()
		}()
	}
	wg.Wait()

	m.mu.Lock()
	clear(m.workers)
	m.mu.Unlock()
}

// Running reports whether a device has a live worker.
func (m *Manager) Running(hardwareID string) bool {
	m.mu.Lock()
	w, ok := m.workers[hardwareID]
	m.mu.Unlock()
	return ok && !w.stopping.Load()
}

// Status returns one device's transport snapshot.
func (m *Manager) Status(hardwareID string) (Status, bool) {
	m.mu.Lock()
	w, ok := m.workers[hardwareID]
	m.mu.Unlock()
	if !ok {
		return Status{}, false
	}
	return w.snapshot(), true
}

// Statuses returns every device's snapshot ordered by hardware id.
func (m *Manager) Statuses() []Status {
	m.mu.Lock()
	ws := make([]*worker, 0, len(m.workers))
	for _, w := range m.workers {
		ws = append(ws, w)
	}
	m.mu.Unlock()

	out := make([]Status, 0, len(ws))
	for _, w := range ws {
		out = append(out, w.snapshot())
	}
	slices.SortFunc(out, func(a, b Status) int { return strings.Compare(a.HardwareID, b.HardwareID) })
	return out
}

// ReportFailure tells a device's worker that its endpoint is broken, for
// example because the command channel sharing it stopped acking. The worker
// treats it like a read failure.
func (m *Manager) ReportFailure(hardwareID, reason string) {
	m.signal(hardwareID, signal{reason: reason, failure: true})
}

// Reconnect asks a device's worker to drop its endpoint and re-run
// selection without counting a failure, for example after a policy change.
func (m *Manager) Reconnect(hardwareID string) {
	m.signal(hardwareID, signal{reason: "reconnect requested"})
}

func (m *Manager) signal(hardwareID string, s signal) {
	m.mu.Lock()
	w, ok := m.workers[hardwareID]
	m.mu.Unlock()
	if !ok {
		return
	}
	w.notify(s)
}

func (m *Manager) candidates(hardwareID string) []Kind {
	kinds := m.policy.Candidates(hardwareID)
	return slices.DeleteFunc(slices.Clone(kinds), func(k Kind) bool { return k == KindBridge })
}
