package exporters

import (
	"context"
	"sync"
	"time"

	"github.com/jtaka1125-beep/mirage/internal/events"
	"github.com/jtaka1125-beep/mirage/internal/transport"
)

// EventPublisher interface for publishing events.
type EventPublisher interface {
	Publish(ev events.Event)
}

// StatusSource lists the current transport snapshots.
type StatusSource interface {
	Statuses() []transport.Status
}

type sample struct {
	at    time.Time
	units uint64
	bytes uint64
}

// StatsExporter turns transport counters into per-second rates and
// publishes them as DeviceStatsEvent for SSE clients.
type StatsExporter struct {
	source   StatusSource
	eventBus EventPublisher
	interval time.Duration
	now      func() time.Time

	last   map[string]sample
	cancel context.CancelFunc
	wg     sync.WaitGroup
	mu     sync.Mutex
}

// NewStatsExporter creates an exporter that samples once per second.
func NewStatsExporter(source StatusSource, eventBus EventPublisher) *StatsExporter {
	return &StatsExporter{
		source:   source,
		eventBus: eventBus,
		interval: time.Second,
		now:      time.Now,
		last:     make(map[string]sample),
	}
}

// Start begins the export loop. It is a no-op if already running.
func (s *StatsExporter) Start(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cancel != nil {
		return
	}
	ctx, s.cancel = context.WithCancel(ctx)
	s.wg.Add(1)
	go s.run(ctx)
}

// Stop stops the loop and waits for it. Safe to call more than once.
func (s *StatsExporter) Stop() {
	s.mu.Lock()
	cancel := s.cancel
	s.cancel = nil
	s.mu.Unlock()
	if cancel != nil {
		cancel()
	}
	s.wg.Wait()
}

func (s *StatsExporter) run(ctx context.Context) {
	defer s.wg.Done()
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.publish()
		}
	}
}

func (s *StatsExporter) publish() {
	now := s.now()
	seen := make(map[string]bool)
	for _, st := range s.source.Statuses() {
		seen[st.HardwareID] = true
		cur := sample{at: now, units: st.Units, bytes: st.Bytes}
		prev, ok := s.last[st.HardwareID]
		s.last[st.HardwareID] = cur

		// Counters restart when the worker does.
		if !ok || cur.units < prev.units || cur.bytes < prev.bytes {
			continue
		}
		secs := cur.at.Sub(prev.at).Seconds()
		if secs <= 0 {
			continue
		}
		s.eventBus.Publish(events.DeviceStatsEvent{
			HardwareID:  st.HardwareID,
			State:       st.State,
			Transport:   string(st.Transport),
			UnitsPerSec: float64(cur.units-prev.units) / secs,
			Kbps:        float64(cur.bytes-prev.bytes) * 8 / 1000 / secs,
			Gaps:        st.Gaps,
			Lost:        st.Lost,
			Desyncs:     st.Desyncs,
			Timestamp:   now.Format(time.RFC3339),
		})
	}
	for id := range s.last {
		if !seen[id] {
			delete(s.last, id)
		}
	}
}
