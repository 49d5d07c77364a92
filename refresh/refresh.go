// Package refresh drives the dataset refresh cycle: take the cross-process
// lock, fetch from the origin through the rate limiter and circuit breaker,
// write a new snapshot, and release. A process that loses the lock race skips
// the cycle instead of queueing.
package refresh

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/xid"
	"pkt.systems/pslog"

	"github.com/WilliamAGH/williamcallahan.com-sub008/cache"
	"github.com/WilliamAGH/williamcallahan.com-sub008/internal/clock"
	"github.com/WilliamAGH/williamcallahan.com-sub008/internal/metrics"
	"github.com/WilliamAGH/williamcallahan.com-sub008/lock"
	"github.com/WilliamAGH/williamcallahan.com-sub008/ratelimit"
)

// Origin fetches the authoritative payload for a dataset.
type Origin interface {
	Fetch(ctx context.Context, dataset string) ([]byte, error)
}

// OriginFunc adapts a function to the Origin interface.
type OriginFunc func(ctx context.Context, dataset string) ([]byte, error)

func (f OriginFunc) Fetch(ctx context.Context, dataset string) ([]byte, error) {
	return f(ctx, dataset)
}

// Outcome classifies one refresh cycle.
type Outcome string

const (
	OutcomeRefreshed   Outcome = "refreshed"
	OutcomeSkipped     Outcome = "skipped"
	OutcomeRateLimited Outcome = "rate_limited"
	OutcomeFailed      Outcome = "failed"
)

const (
	DefaultLockTTL = 2 * time.Minute

	// releaseTimeout bounds the lock release after a cancelled cycle.
	releaseTimeout = 10 * time.Second

	// Limiter namespace for origin fetches.
	originStore = "origin"
)

// Options configures a Refresher.
type Options struct {
	// HolderID identifies this process in lock entries. Defaults to a
	// generated id.
	HolderID string
	LockTTL  time.Duration
	// LockRetries bounds acquisition attempts. Zero means a single attempt:
	// a busy lock skips the cycle.
	LockRetries int

	RateConfig    ratelimit.Config
	BreakerConfig ratelimit.BreakerConfig

	Logger  pslog.Logger
	Clock   clock.Clock
	Metrics *metrics.Metrics
}

// Refresher coordinates refresh cycles for all datasets on one backend.
type Refresher struct {
	locks   *lock.Manager
	breaker *ratelimit.Breaker
	cache   *cache.Orchestrator
	origin  Origin

	holderID    string
	lockTTL     time.Duration
	lockRetries int
	rateCfg     ratelimit.Config
	breakerCfg  ratelimit.BreakerConfig

	logger  pslog.Logger
	metrics *metrics.Metrics
}

// NewRefresher wires the coordination pieces together.
func NewRefresher(locks *lock.Manager, breaker *ratelimit.Breaker, orchestrator *cache.Orchestrator, origin Origin, opts Options) *Refresher {
	logger := opts.Logger
	if logger == nil {
		logger = pslog.NoopLogger()
	}
	m := opts.Metrics
	if m == nil {
		m = metrics.Nop()
	}
	holder := opts.HolderID
	if holder == "" {
		holder = xid.New().String()
	}
	ttl := opts.LockTTL
	if ttl <= 0 {
		ttl = DefaultLockTTL
	}
	rateCfg := opts.RateConfig
	if rateCfg.MaxRequests <= 0 {
		rateCfg.MaxRequests = 10
	}
	if rateCfg.Window <= 0 {
		rateCfg.Window = time.Minute
	}
	return &Refresher{
		locks:       locks,
		breaker:     breaker,
		cache:       orchestrator,
		origin:      origin,
		holderID:    holder,
		lockTTL:     ttl,
		lockRetries: opts.LockRetries,
		rateCfg:     rateCfg,
		breakerCfg:  opts.BreakerConfig,
		logger:      logger,
		metrics:     m,
	}
}

// HolderID returns the lock holder identity used by this refresher.
func (r *Refresher) HolderID() string { return r.holderID }

// Refresh runs one cycle for dataset. Losing the lock race or hitting the
// rate limit is a normal non-error outcome; only origin or store failures
// return an error alongside OutcomeFailed.
func (r *Refresher) Refresh(ctx context.Context, dataset string) (Outcome, error) {
	if dataset == "" {
		return OutcomeFailed, fmt.Errorf("refresh: dataset required")
	}
	logger := r.logger.With("dataset", dataset, "holder", r.holderID)

	acq, err := r.locks.Acquire(ctx, dataset, r.holderID, r.lockTTL, r.lockRetries)
	if err != nil {
		r.metrics.RefreshTotal.WithLabelValues(string(OutcomeFailed)).Inc()
		return OutcomeFailed, fmt.Errorf("refresh: acquire lock: %w", err)
	}
	if !acq.Acquired {
		r.metrics.RefreshTotal.WithLabelValues(string(OutcomeSkipped)).Inc()
		logger.Debug("refresh.skipped", "held_by", acq.Holder, "reason", acq.Reason)
		return OutcomeSkipped, nil
	}
	defer func() {
		// Release even when the cycle aborted on ctx cancellation, so the
		// lock does not linger until TTL expiry.
		releaseCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), releaseTimeout)
		defer cancel()
		if relErr := r.locks.Release(releaseCtx, dataset, r.holderID, false); relErr != nil {
			logger.Warn("refresh.release_failed", "error", relErr)
		}
	}()

	allowed, err := r.breaker.Allow(originStore, dataset, r.rateCfg, r.breakerCfg)
	if err != nil {
		r.metrics.RefreshTotal.WithLabelValues(string(OutcomeFailed)).Inc()
		return OutcomeFailed, fmt.Errorf("refresh: rate check: %w", err)
	}
	if !allowed {
		r.metrics.RefreshTotal.WithLabelValues(string(OutcomeRateLimited)).Inc()
		logger.Debug("refresh.rate_limited")
		return OutcomeRateLimited, nil
	}

	payload, err := r.origin.Fetch(ctx, dataset)
	if err != nil {
		r.breaker.RecordFailure(originStore, dataset, r.breakerCfg)
		r.metrics.RefreshTotal.WithLabelValues(string(OutcomeFailed)).Inc()
		logger.Warn("refresh.fetch_failed", "error", err)
		return OutcomeFailed, fmt.Errorf("refresh: fetch origin: %w", err)
	}

	if err := r.cache.WriteSnapshot(ctx, dataset, payload); err != nil {
		r.metrics.RefreshTotal.WithLabelValues(string(OutcomeFailed)).Inc()
		logger.Warn("refresh.write_failed", "error", err)
		return OutcomeFailed, err
	}
	r.metrics.RefreshTotal.WithLabelValues(string(OutcomeRefreshed)).Inc()
	logger.Info("refresh.ok", "bytes", len(payload))
	return OutcomeRefreshed, nil
}
