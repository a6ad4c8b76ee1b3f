package transport

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/jtaka1125-beep/mirage/internal/events"
	"github.com/jtaka1125-beep/mirage/internal/metrics"
	"github.com/jtaka1125-beep/mirage/internal/nal"
	"github.com/jtaka1125-beep/mirage/internal/retry"
)

type signal struct {
	reason  string
	failure bool
}

// worker owns at most one live Source for one device.
type worker struct {
	m        *Manager
	id       string
	logger   *slog.Logger
	ctx      context.Context
	cancel   context.CancelFunc
	stopping atomic.Bool
	done     chan struct{}
	signals  chan signal

	// Owned by the run goroutine.
	failCount int
	// skip is tried last on the next selection only. It is set when a
	// transport failed without ever delivering data.
	skip Kind

	mu     sync.Mutex
	src    Source
	status Status
}

func newWorker(m *Manager, id string) *worker {
	ctx, cancel := context.WithCancel(context.Background())
	return &worker{
		m:       m,
		id:      id,
		logger:  m.logger.With("hardware_id", id),
		ctx:     ctx,
		cancel:  cancel,
		done:    make(chan struct{}),
		signals: make(chan signal, 1),
		status: Status{
			HardwareID: id,
			State:      StateDisconnected.String(),
			Since:      time.Now(),
		},
	}
}

// stop sets the stop flag, unblocks any read by closing the source, and
// joins the run goroutine.
func (w *worker) stop() {
	w.stopping.Store(true)
	w.cancel()
	w.mu.Lock()
	src := w.src
	w.mu.Unlock()
	if src != nil {
		src.Close()
	}
	<-w.done
}

func (w *worker) stopped() bool {
	return w.stopping.Load() || w.ctx.Err() != nil
}

func (w *worker) notify(s signal) {
	select {
	case w.signals <- s:
	default:
	}
}

func (w *worker) snapshot() Status {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.status
}

func (w *worker) run() {
	defer close(w.done)
	defer w.setState(StateDisconnected, "", "stopped")

	bo := retry.New(w.m.cfg.Backoff)
	escalate := false

	for !w.stopped() {
		// Signals aimed at a previous endpoint are stale.
		select {
		case <-w.signals:
		default:
		}

		var (
			src  Source
			kind Kind
			err  error
		)
		if escalate {
			escalate = false
			kind = KindBridge
			w.setState(StateConnecting, kind, "escalating to helper bridge")
			src, err = w.launchBridge()
			if err == nil {
				w.resetFailures(bo)
			}
		} else {
			w.setState(StateConnecting, "", "")
			src, kind, err = w.openNext()
		}

		if w.stopped() {
			if src != nil {
				src.Close()
			}
			return
		}

		delivered := false
		if err == nil {
			var (
				reason string
				failed bool
			)
			reason, failed, delivered = w.serve(src, bo)
			if w.stopped() {
				return
			}
			if !failed {
				w.setState(StateConnecting, "", reason)
				continue
			}
			err = errors.New(reason)
		}

		if kind != KindBridge && !delivered {
			w.skip = kind
		}
		escalate = w.fail(kind, err)
		if w.m.sleep(w.ctx, bo.Next()) != nil {
			return
		}
	}
}

// openNext tries the policy's candidates once in preference order, moving a
// transport that just failed without data to the end for this attempt only.
// Unavailable candidates are skipped without counting a failure.
func (w *worker) openNext() (Source, Kind, error) {
	skip := w.skip
	w.skip = ""

	kinds := w.m.candidates(w.id)
	if len(kinds) == 0 {
		return nil, "", fmt.Errorf("%w: no candidates", ErrNoTransport)
	}
	target, err := w.m.policy.Resolve(w.id)
	if err != nil {
		return nil, "", fmt.Errorf("resolve: %w", err)
	}

	if i := slices.Index(kinds, skip); i >= 0 {
		kinds = append(slices.Delete(kinds, i, i+1), skip)
	}
	for _, kind := range kinds {
		opener, ok := w.m.openers[kind]
		if !ok {
			continue
		}
		src, err := opener.Open(w.ctx, target)
		if errors.Is(err, ErrUnavailable) {
			w.logger.Debug("Transport unavailable", "transport", kind, "error", err)
			continue
		}
		if err != nil {
			return nil, kind, fmt.Errorf("open %s: %w", kind, err)
		}
		return src, kind, nil
	}
	return nil, "", ErrNoTransport
}

func (w *worker) launchBridge() (Source, error) {
	target, err := w.m.policy.Resolve(w.id)
	if err != nil {
		return nil, fmt.Errorf("resolve: %w", err)
	}
	w.mu.Lock()
	w.status.BridgeLaunches++
	w.mu.Unlock()

	w.logger.Info("Launching helper bridge", "fail_count", w.failCount)
	src, err := w.m.bridge.Open(w.ctx, target)
	if err != nil {
		return nil, fmt.Errorf("bridge: %w", err)
	}
	return src, nil
}

func (w *worker) resetFailures(bo *retry.Backoff) {
	w.failCount = 0
	bo.Reset()
	w.mu.Lock()
	w.status.FailCount = 0
	w.mu.Unlock()
}

// fail records a failed attempt and reports whether the next attempt should
// launch the helper bridge. Escalation fires each time the consecutive
// failure count reaches a multiple of the threshold, so a failing launch is
// followed by direct attempts before another launch.
func (w *worker) fail(kind Kind, err error) bool {
	w.failCount++
	reason := err.Error()
	w.logger.Warn("Transport attempt failed", "transport", kind, "fail_count", w.failCount, "error", err)
	metrics.IncTransportFailure(w.id, string(kind), failureLabel(err))

	w.mu.Lock()
	w.status.FailCount = w.failCount
	w.mu.Unlock()
	w.setState(StateDisconnected, kind, reason)

	return w.m.bridge != nil && w.failCount%w.m.cfg.EscalateAfter == 0
}

// serve reads from src until it fails, is superseded or the worker stops.
// It reports the reason, whether it counts as a failure and whether any data
// arrived. The source is always closed before serve returns.
func (w *worker) serve(src Source, bo *retry.Backoff) (reason string, failed, delivered bool) {
	kind := src.Kind()
	w.mu.Lock()
	w.src = src
	w.status.Endpoint = src.Name()
	w.mu.Unlock()

	defer func() {
		w.mu.Lock()
		w.src = nil
		w.status.Endpoint = ""
		w.mu.Unlock()
		src.Close()
		if w.m.lifecycle != nil {
			w.m.lifecycle.Detach(w.id, kind)
		}
	}()

	// Stop may have raced with the source being published.
	if w.stopped() {
		return "", false, false
	}

	if w.m.lifecycle != nil {
		w.m.lifecycle.Attach(w.id, src)
	}
	w.setState(StateConnected, kind, "")
	w.logger.Info("Video transport connected", "transport", kind, "endpoint", src.Name())

	p := newParser(src.Framing())
	buf := make([]byte, w.m.cfg.BufferSize)
	cfg := w.m.cfg
	lastData := time.Now()
	gotData := false
	lossMark := time.Now()
	var lossBase uint64

	for {
		if w.stopped() {
			return "", false, gotData
		}
		select {
		case s := <-w.signals:
			return s.reason, s.failure, gotData
		default:
		}

		if err := src.SetReadDeadline(time.Now().Add(cfg.ReadTimeout)); err != nil && !w.stopped() {
			return "set deadline: " + err.Error(), true, gotData
		}
		n, err := src.Read(buf)
		if w.stopped() {
			return "", false, gotData
		}
		now := time.Now()

		if n > 0 {
			if !gotData {
				gotData = true
				w.resetFailures(bo)
			}
			lastData = now
			units, perr := p.push(buf[:n])
			if perr != nil {
				w.logger.Debug("Dropped malformed packet", "error", perr)
			}
			w.deliver(kind, units, n, p)

			if w.snapshot().State == StateDegraded.String() && p.framing != FramingRTP {
				w.setState(StateConnected, kind, "")
			}
		}

		if p.framing == FramingRTP && now.Sub(lossMark) >= time.Second {
			lost := p.rtp.Lost() - lossBase
			lossBase = p.rtp.Lost()
			lossMark = now
			degraded := w.snapshot().State == StateDegraded.String()
			switch {
			case lost >= cfg.LossBurst:
				w.setState(StateDegraded, kind, fmt.Sprintf("rtp loss burst: %d packets", lost))
			case degraded && lost == 0 && now.Sub(lastData) < cfg.NoDataTimeout/2:
				w.setState(StateConnected, kind, "")
			}
		}

		if err != nil {
			if !isTimeout(err) {
				return "read: " + err.Error(), true, gotData
			}
			idle := now.Sub(lastData)
			if idle >= cfg.NoDataTimeout {
				return fmt.Sprintf("no data for %s", idle.Round(100*time.Millisecond)), true, gotData
			}
			if idle >= cfg.NoDataTimeout/2 {
				w.setState(StateDegraded, kind, "stalled")
			}
		}
	}
}

func (w *worker) deliver(kind Kind, units []nal.Unit, n int, p *parser) {
	gaps, lost, desyncs := p.counters()

	w.mu.Lock()
	w.status.LastData = time.Now()
	w.status.Units += uint64(len(units))
	w.status.Bytes += uint64(n)
	newGaps := gaps - w.status.Gaps
	newDesyncs := desyncs - w.status.Desyncs
	w.status.Gaps = gaps
	w.status.Lost = lost
	w.status.Desyncs = desyncs
	w.mu.Unlock()

	metrics.AddVideo(w.id, string(kind), len(units), n)
	if newGaps > 0 {
		metrics.AddRTPGaps(w.id, newGaps)
	}
	if newDesyncs > 0 {
		metrics.AddDesync(w.id, p.name(), newDesyncs)
	}

	if w.m.sink == nil {
		return
	}
	for _, u := range units {
		w.m.sink.HandleUnit(w.id, u)
	}
}

func (w *worker) setState(state State, kind Kind, reason string) {
	w.mu.Lock()
	prev := w.status.State
	if prev == state.String() && w.status.Transport == kind && w.status.Reason == reason {
		w.mu.Unlock()
		return
	}
	w.status.State = state.String()
	w.status.Transport = kind
	w.status.Reason = reason
	if prev != state.String() {
		w.status.Since = time.Now()
	}
	if state == StateConnecting || state == StateDisconnected {
		w.status.Gaps, w.status.Lost, w.status.Desyncs = 0, 0, 0
	}
	fails := w.status.FailCount
	w.mu.Unlock()

	if prev == state.String() {
		return
	}
	metrics.SetTransportState(w.id, state.String())
	w.logger.Debug("Transport state changed", "from", prev, "to", state, "transport", kind, "reason", reason)
	w.m.bus.Publish(events.TransportStateEvent{
		HardwareID: w.id,
		State:      state.String(),
		Previous:   prev,
		Transport:  string(kind),
		Reason:     reason,
		FailCount:  fails,
		Timestamp:  time.Now().Format(time.RFC3339),
	})
}

func failureLabel(err error) string {
	switch {
	case errors.Is(err, ErrNoTransport):
		return "unavailable"
	case isTimeout(err):
		return "timeout"
	}
	msg := err.Error()
	for _, prefix := range []string{"no data", "read", "bridge", "open"} {
		if strings.HasPrefix(msg, prefix) {
			return strings.ReplaceAll(prefix, " ", "_")
		}
	}
	return "other"
}
