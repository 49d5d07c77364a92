// Package ratelimit provides a per-(store, context) fixed-window request
// counter and a circuit breaker that decorates it. All state is process-local
// and intentionally approximate across a fleet.
package ratelimit

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"pkt.systems/pslog"

	"github.com/WilliamAGH/williamcallahan.com-sub008/internal/clock"
	"github.com/WilliamAGH/williamcallahan.com-sub008/internal/metrics"
)

const (
	minPollInterval = 10 * time.Millisecond
	maxPollInterval = 200 * time.Millisecond

	// Added to the window reset time when sleeping through a long wait, so
	// the wake-up lands just after the counter actually resets.
	resetSleepBuffer = 50 * time.Millisecond
)

// ErrInvalidConfig marks a programming error in limiter parameters. It is
// never a normal rate-limit rejection.
var ErrInvalidConfig = errors.New("ratelimit: invalid config")

// ErrWaitTimeout is returned by WaitForPermit when the deadline elapses
// before a permit becomes available.
var ErrWaitTimeout = errors.New("ratelimit: wait for permit timed out")

// Config bounds one fixed window.
type Config struct {
	MaxRequests int
	Window      time.Duration
}

func (c Config) validate() error {
	if c.MaxRequests <= 0 {
		return fmt.Errorf("%w: max requests must be positive, got %d", ErrInvalidConfig, c.MaxRequests)
	}
	if c.Window <= 0 {
		return fmt.Errorf("%w: window must be positive, got %s", ErrInvalidConfig, c.Window)
	}
	return nil
}

// WaitOptions tunes WaitForPermit. Zero values mean an adaptive poll interval
// and no deadline.
type WaitOptions struct {
	PollInterval time.Duration
	Timeout      time.Duration
}

type window struct {
	count   int
	resetAt time.Time
}

// Limiter is a fixed-window counter keyed by (store, context id). The zero
// value is not usable; construct with NewLimiter.
type Limiter struct {
	mu      sync.Mutex
	windows map[string]map[string]*window

	logger  pslog.Logger
	clock   clock.Clock
	metrics *metrics.Metrics
}

// LimiterOptions configures a Limiter.
type LimiterOptions struct {
	Logger  pslog.Logger
	Clock   clock.Clock
	Metrics *metrics.Metrics
}

// NewLimiter builds an empty limiter.
func NewLimiter(opts LimiterOptions) *Limiter {
	logger := opts.Logger
	if logger == nil {
		logger = pslog.NoopLogger()
	}
	clk := opts.Clock
	if clk == nil {
		clk = clock.Real{}
	}
	m := opts.Metrics
	if m == nil {
		m = metrics.Nop()
	}
	return &Limiter{
		windows: make(map[string]map[string]*window),
		logger:  logger,
		clock:   clk,
		metrics: m,
	}
}

// Allow reports whether one more request fits in the current window for
// (store, id). The first call in a window creates it with count 1; once the
// window elapses the counter resets unconditionally. Allow never blocks.
func (l *Limiter) Allow(store, id string, cfg Config) (bool, error) {
	if err := cfg.validate(); err != nil {
		return false, err
	}
	now := l.clock.Now()

	l.mu.Lock()
	defer l.mu.Unlock()

	byID := l.windows[store]
	if byID == nil {
		byID = make(map[string]*window)
		l.windows[store] = byID
	}
	w := byID[id]
	if w == nil || now.After(w.resetAt) {
		l.collectExpiredLocked(store, now)
		byID[id] = &window{count: 1, resetAt: now.Add(cfg.Window)}
		l.metrics.RateLimitTotal.WithLabelValues("allow").Inc()
		return true, nil
	}
	if w.count < cfg.MaxRequests {
		w.count++
		l.metrics.RateLimitTotal.WithLabelValues("allow").Inc()
		return true, nil
	}
	l.metrics.RateLimitTotal.WithLabelValues("deny").Inc()
	l.logger.Trace("ratelimit.deny", "store", store, "id", id, "count", w.count, "reset_at", w.resetAt)
	return false, nil
}

// collectExpiredLocked drops expired sibling windows in the same store
// namespace. Piggybacked on window creation so idle records do not accumulate.
func (l *Limiter) collectExpiredLocked(store string, now time.Time) {
	for id, w := range l.windows[store] {
		if now.After(w.resetAt) {
			delete(l.windows[store], id)
		}
	}
}

// resetAt returns the current window's reset time, or zero when no window
// exists for (store, id).
func (l *Limiter) resetAt(store, id string) time.Time {
	l.mu.Lock()
	defer l.mu.Unlock()
	if w := l.windows[store][id]; w != nil {
		return w.resetAt
	}
	return time.Time{}
}

// WaitForPermit blocks until Allow succeeds, the optional timeout elapses, or
// ctx is cancelled. Short waits poll at a clamped interval; when the window
// reset is more than a second away it sleeps through to the reset instead of
// polling.
func (l *Limiter) WaitForPermit(ctx context.Context, store, id string, cfg Config, opts WaitOptions) error {
	if err := cfg.validate(); err != nil {
		return err
	}
	var deadline time.Time
	if opts.Timeout > 0 {
		deadline = l.clock.Now().Add(opts.Timeout)
	}
	poll := clampPoll(opts.PollInterval, cfg.Window)

	for {
		allowed, err := l.Allow(store, id, cfg)
		if err != nil {
			return err
		}
		if allowed {
			return nil
		}
		now := l.clock.Now()
		if !deadline.IsZero() && !now.Before(deadline) {
			return fmt.Errorf("%w: store=%s id=%s", ErrWaitTimeout, store, id)
		}

		sleep := poll
		if resetAt := l.resetAt(store, id); !resetAt.IsZero() {
			if remaining := resetAt.Sub(now); remaining > time.Second {
				sleep = remaining + resetSleepBuffer
			}
		}
		if !deadline.IsZero() {
			if until := deadline.Sub(now); sleep > until {
				sleep = until
			}
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-l.clock.After(sleep):
		}
	}
}

func clampPoll(poll, window time.Duration) time.Duration {
	max := window / 2
	if max > maxPollInterval {
		max = maxPollInterval
	}
	if max < minPollInterval {
		max = minPollInterval
	}
	if poll <= 0 {
		poll = maxPollInterval
	}
	if poll < minPollInterval {
		return minPollInterval
	}
	if poll > max {
		return max
	}
	return poll
}
