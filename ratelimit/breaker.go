package ratelimit

import (
	"sync"
	"time"

	"pkt.systems/pslog"

	"github.com/WilliamAGH/williamcallahan.com-sub008/internal/clock"
	"github.com/WilliamAGH/williamcallahan.com-sub008/internal/metrics"
)

// State is the circuit breaker position for one (store, id) pair.
type State int

const (
	StateClosed State = iota
	StateOpen
	StateHalfOpen
)

func (s State) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half-open"
	default:
		return "unknown"
	}
}

// BreakerConfig bounds one breaker. Zero values select the defaults.
type BreakerConfig struct {
	FailureThreshold int
	ResetTimeout     time.Duration
}

const (
	DefaultFailureThreshold = 5
	DefaultResetTimeout     = 30 * time.Second
)

func (c BreakerConfig) withDefaults() BreakerConfig {
	if c.FailureThreshold <= 0 {
		c.FailureThreshold = DefaultFailureThreshold
	}
	if c.ResetTimeout <= 0 {
		c.ResetTimeout = DefaultResetTimeout
	}
	return c
}

// StateSnapshot is a point-in-time view of one breaker, for diagnostics.
type StateSnapshot struct {
	State       State
	Failures    int
	LastFailure time.Time
}

type breakerEntry struct {
	failures    int
	lastFailure time.Time
	state       State
}

// Breaker decorates a Limiter with per-(store, id) circuit breaking: limiter
// denials count as failures, enough failures open the circuit, and after a
// cooldown a single half-open probe tests recovery.
type Breaker struct {
	limiter *Limiter

	mu      sync.Mutex
	entries map[string]map[string]*breakerEntry

	logger  pslog.Logger
	clock   clock.Clock
	metrics *metrics.Metrics
}

// NewBreaker wraps limiter. The limiter's clock drives cooldown timing when
// opts.Clock is nil.
func NewBreaker(limiter *Limiter, opts LimiterOptions) *Breaker {
	logger := opts.Logger
	if logger == nil {
		logger = pslog.NoopLogger()
	}
	clk := opts.Clock
	if clk == nil {
		clk = limiter.clock
	}
	m := opts.Metrics
	if m == nil {
		m = metrics.Nop()
	}
	return &Breaker{
		limiter: limiter,
		entries: make(map[string]map[string]*breakerEntry),
		logger:  logger,
		clock:   clk,
		metrics: m,
	}
}

func (b *Breaker) entryLocked(store, id string) *breakerEntry {
	byID := b.entries[store]
	if byID == nil {
		byID = make(map[string]*breakerEntry)
		b.entries[store] = byID
	}
	e := byID[id]
	if e == nil {
		e = &breakerEntry{state: StateClosed}
		byID[id] = e
	}
	return e
}

// Allow runs the rate-limit check through the breaker. Open circuits reject
// without consulting the limiter until the cooldown elapses, then admit one
// half-open probe: a limiter pass closes the circuit, a denial re-opens it
// with the failure count preserved.
func (b *Breaker) Allow(store, id string, cfg Config, bcfg BreakerConfig) (bool, error) {
	if err := cfg.validate(); err != nil {
		return false, err
	}
	bcfg = bcfg.withDefaults()
	now := b.clock.Now()

	b.mu.Lock()
	defer b.mu.Unlock()
	e := b.entryLocked(store, id)

	if e.state == StateOpen {
		if now.Sub(e.lastFailure) < bcfg.ResetTimeout {
			return false, nil
		}
		e.state = StateHalfOpen
		b.metrics.BreakerTotal.WithLabelValues("half_open").Inc()
		b.logger.Debug("breaker.half_open", "store", store, "id", id)
	}

	allowed, err := b.limiter.Allow(store, id, cfg)
	if err != nil {
		return false, err
	}
	if allowed {
		// Only a successful half-open probe clears the failure count;
		// admissions while closed say nothing about the guarded operation.
		if e.state == StateHalfOpen {
			e.state = StateClosed
			e.failures = 0
			b.metrics.BreakerTotal.WithLabelValues("closed").Inc()
			b.logger.Debug("breaker.closed", "store", store, "id", id)
		}
		return true, nil
	}
	b.recordFailureLocked(e, store, id, now, bcfg)
	return false, nil
}

// RecordFailure reports a failure observed after admission, such as the
// guarded operation itself failing. Enough of these trip the breaker even
// though the limiter allowed the calls.
func (b *Breaker) RecordFailure(store, id string, bcfg BreakerConfig) {
	bcfg = bcfg.withDefaults()
	now := b.clock.Now()

	b.mu.Lock()
	defer b.mu.Unlock()
	b.recordFailureLocked(b.entryLocked(store, id), store, id, now, bcfg)
}

func (b *Breaker) recordFailureLocked(e *breakerEntry, store, id string, now time.Time, bcfg BreakerConfig) {
	e.failures++
	e.lastFailure = now
	if e.state == StateHalfOpen {
		// Probe failed: back to open, failures persist.
		e.state = StateOpen
		b.metrics.BreakerTotal.WithLabelValues("opened").Inc()
		b.logger.Warn("breaker.reopened", "store", store, "id", id, "failures", e.failures)
		return
	}
	if e.state == StateClosed && e.failures >= bcfg.FailureThreshold {
		e.state = StateOpen
		b.metrics.BreakerTotal.WithLabelValues("opened").Inc()
		b.logger.Warn("breaker.opened", "store", store, "id", id, "failures", e.failures)
	}
}

// Reset closes the breaker for (store, id) and clears its failure count.
func (b *Breaker) Reset(store, id string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if byID := b.entries[store]; byID != nil {
		delete(byID, id)
	}
}

// Snapshot returns the breaker's current view of (store, id). An untouched
// pair reads as closed with zero failures.
func (b *Breaker) Snapshot(store, id string) StateSnapshot {
	b.mu.Lock()
	defer b.mu.Unlock()
	e := b.entries[store][id]
	if e == nil {
		return StateSnapshot{State: StateClosed}
	}
	return StateSnapshot{State: e.state, Failures: e.failures, LastFailure: e.lastFailure}
}
