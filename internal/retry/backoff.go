// Package retry provides the single backoff primitive used for transport
// reconnection, helper startup polling, and command retries.
package retry

import (
	"context"
	"errors"
	"time"

	"github.com/cenkalti/backoff"
)

// Config describes an exponential backoff schedule.
type Config struct {
	Initial    time.Duration
	Max        time.Duration
	Multiplier float64
	// Jitter is the randomization factor in [0, 1). Zero gives a deterministic
	// schedule. The first wait after New or Reset is always exactly Initial.
	Jitter float64
}

// DefaultConfig is the reconnect schedule used by the video transport workers.
func DefaultConfig() Config {
	return Config{
		Initial:    250 * time.Millisecond,
		Max:        8 * time.Second,
		Multiplier: 2,
		Jitter:     0.2,
	}
}

// Constant returns a schedule that always waits d.
func Constant(d time.Duration) Config {
	return Config{Initial: d, Max: d, Multiplier: 1}
}

// Backoff is a capped exponential backoff. It is not safe for concurrent use;
// each device worker owns its own instance.
type Backoff struct {
	cfg   Config
	exp   *backoff.ExponentialBackOff
	fresh bool
}

// New creates a backoff from cfg, filling in defaults for zero fields.
func New(cfg Config) *Backoff {
	def := DefaultConfig()
	if cfg.Initial <= 0 {
		cfg.Initial = def.Initial
	}
	if cfg.Max < cfg.Initial {
		cfg.Max = cfg.Initial
	}
	if cfg.Multiplier < 1 {
		cfg.Multiplier = 1
	}
	if cfg.Jitter < 0 || cfg.Jitter >= 1 {
		cfg.Jitter = 0
	}

	exp := &backoff.ExponentialBackOff{
		InitialInterval:     cfg.Initial,
		RandomizationFactor: cfg.Jitter,
		Multiplier:          cfg.Multiplier,
		MaxInterval:         cfg.Max,
		MaxElapsedTime:      0,
		Clock:               backoff.SystemClock,
	}
	exp.Reset()

	return &Backoff{cfg: cfg, exp: exp, fresh: true}
}

// Next returns the next wait duration. The result never exceeds the configured cap.
func (b *Backoff) Next() time.Duration {
	d := b.exp.NextBackOff()
	if b.fresh {
		b.fresh = false
		return b.cfg.Initial
	}
	if d == backoff.Stop || d > b.cfg.Max {
		return b.cfg.Max
	}
	if d <= 0 {
		return b.cfg.Initial
	}
	return d
}

// Reset restarts the schedule at the initial interval.
func (b *Backoff) Reset() {
	b.exp.Reset()
	b.fresh = true
}

// Cap returns the configured maximum wait.
func (b *Backoff) Cap() time.Duration {
	return b.cfg.Max
}

// Sleep waits for d or until ctx is done.
func Sleep(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// ErrExhausted is returned by Do when every attempt failed.
var ErrExhausted = errors.New("retry attempts exhausted")

// Do calls fn up to attempts times, sleeping according to cfg between failures.
// A nil return from fn stops the loop. Errors wrapped with Permanent stop it
// immediately. The last error is joined with ErrExhausted.
func Do(ctx context.Context, attempts int, cfg Config, fn func(attempt int) error) error {
	if attempts < 1 {
		attempts = 1
	}
	b := New(cfg)

	var lastErr error
	for attempt := 1; attempt <= attempts; attempt++ {
		lastErr = fn(attempt)
		if lastErr == nil {
			return nil
		}
		var perm *permanentError
		if errors.As(lastErr, &perm) {
			return perm.err
		}
		if attempt == attempts {
			break
		}
		if err := Sleep(ctx, b.Next()); err != nil {
			return errors.Join(err, lastErr)
		}
	}
	return errors.Join(ErrExhausted, lastErr)
}

type permanentError struct{ err error }

func (e *permanentError) Error() string { return e.err.Error() }
func (e *permanentError) Unwrap() error { return e.err }

// Permanent marks err as not worth retrying.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &permanentError{err: err}
}
