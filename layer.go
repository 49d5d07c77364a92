package coordd

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/xid"
	"pkt.systems/pslog"

	"github.com/WilliamAGH/williamcallahan.com-sub008/cache"
	"github.com/WilliamAGH/williamcallahan.com-sub008/internal/clock"
	"github.com/WilliamAGH/williamcallahan.com-sub008/internal/metrics"
	"github.com/WilliamAGH/williamcallahan.com-sub008/internal/storage"
	storagelogging "github.com/WilliamAGH/williamcallahan.com-sub008/internal/storage/logging"
	storageretry "github.com/WilliamAGH/williamcallahan.com-sub008/internal/storage/retry"
	"github.com/WilliamAGH/williamcallahan.com-sub008/lock"
	"github.com/WilliamAGH/williamcallahan.com-sub008/ratelimit"
	"github.com/WilliamAGH/williamcallahan.com-sub008/refresh"
)

// LayerOption customizes layer construction.
type LayerOption func(*layerOptions)

type layerOptions struct {
	logger     pslog.Logger
	clock      clock.Clock
	registerer prometheus.Registerer
	backend    storage.Backend
	origin     refresh.Origin
	holderID   string
}

// WithLogger routes the layer's structured logs through logger.
func WithLogger(logger pslog.Logger) LayerOption {
	return func(o *layerOptions) { o.logger = logger }
}

// WithClock injects a clock, primarily for tests.
func WithClock(clk clock.Clock) LayerOption {
	return func(o *layerOptions) { o.clock = clk }
}

// WithRegisterer selects the prometheus registry for the layer's collectors.
func WithRegisterer(reg prometheus.Registerer) LayerOption {
	return func(o *layerOptions) { o.registerer = reg }
}

// WithBackend injects a pre-built storage backend instead of opening one from
// the configured store URL.
func WithBackend(backend storage.Backend) LayerOption {
	return func(o *layerOptions) { o.backend = backend }
}

// WithOrigin overrides the HTTP origin built from the dataset configuration.
func WithOrigin(origin refresh.Origin) LayerOption {
	return func(o *layerOptions) { o.origin = origin }
}

// WithHolderID pins the lock holder identity. Defaults to a generated id per
// layer instance.
func WithHolderID(id string) LayerOption {
	return func(o *layerOptions) { o.holderID = id }
}

// Layer wires the lock manager, rate limiter, circuit breaker, cache
// orchestrator, and refresher over one storage backend. It is the only type
// the rest of the system talks to.
type Layer struct {
	cfg     Config
	backend storage.Backend
	logger  pslog.Logger
	metrics *metrics.Metrics

	locks     *lock.Manager
	limiter   *ratelimit.Limiter
	breaker   *ratelimit.Breaker
	cache     *cache.Orchestrator
	refresher *refresh.Refresher
	scheduler *refresh.Scheduler

	ownsBackend bool
}

// NewLayer builds a layer from cfg.
func NewLayer(cfg Config, opts ...LayerOption) (*Layer, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	var o layerOptions
	for _, opt := range opts {
		opt(&o)
	}
	logger := o.logger
	if logger == nil {
		logger = pslog.NoopLogger()
	}
	clk := o.clock
	if clk == nil {
		clk = clock.Real{}
	}
	m := metrics.New(o.registerer)

	backend := o.backend
	ownsBackend := false
	if backend == nil {
		opened, err := openBackend(cfg)
		if err != nil {
			return nil, err
		}
		backend = opened
		ownsBackend = true
	}
	backend = storageretry.Wrap(backend, logger, clk, storageretry.Config{
		MaxAttempts: cfg.StorageRetryAttempts,
	})
	backend = storagelogging.Wrap(backend, logger, "store")

	holderID := o.holderID
	if holderID == "" {
		holderID = xid.New().String()
	}

	locks := lock.NewManager(backend, lock.Options{Logger: logger, Clock: clk, Metrics: m})
	limiter := ratelimit.NewLimiter(ratelimit.LimiterOptions{Logger: logger, Clock: clk, Metrics: m})
	breaker := ratelimit.NewBreaker(limiter, ratelimit.LimiterOptions{Logger: logger, Clock: clk, Metrics: m})
	orchestrator := cache.NewOrchestrator(backend, cache.Options{
		FreshFor: cfg.CacheFreshFor,
		Logger:   logger,
		Clock:    clk,
		Metrics:  m,
	})

	origin := o.origin
	if origin == nil {
		origin = originFromConfig(cfg)
	}
	refresher := refresh.NewRefresher(locks, breaker, orchestrator, origin, refresh.Options{
		HolderID:      holderID,
		LockTTL:       cfg.LockTTL,
		LockRetries:   cfg.LockMaxRetries,
		RateConfig:    cfg.RateLimitConfig(),
		BreakerConfig: cfg.BreakerConfig(),
		Logger:        logger,
		Clock:         clk,
		Metrics:       m,
	})

	schedules := make([]refresh.Schedule, 0, len(cfg.Datasets))
	for _, d := range cfg.Datasets {
		schedules = append(schedules, refresh.Schedule{
			Dataset:  d.Name,
			Interval: d.Interval,
			Jitter:   d.Jitter,
		})
	}
	scheduler := refresh.NewScheduler(refresher, schedules, logger, clk)

	return &Layer{
		cfg:         cfg,
		backend:     backend,
		logger:      logger,
		metrics:     m,
		locks:       locks,
		limiter:     limiter,
		breaker:     breaker,
		cache:       orchestrator,
		refresher:   refresher,
		scheduler:   scheduler,
		ownsBackend: ownsBackend,
	}, nil
}

func originFromConfig(cfg Config) refresh.Origin {
	urls := make(map[string]string, len(cfg.Datasets))
	for _, d := range cfg.Datasets {
		if d.OriginURL != "" {
			urls[d.Name] = d.OriginURL
		}
	}
	maxBody, _ := cfg.maxSnapshotBytes()
	return refresh.NewHTTPOrigin(refresh.HTTPOriginConfig{
		URLs:         urls,
		Timeout:      cfg.HTTPTimeout,
		MaxBodyBytes: maxBody,
	})
}

// Close releases the layer's backend when the layer opened it itself.
func (l *Layer) Close() error {
	if !l.ownsBackend {
		return nil
	}
	return l.backend.Close()
}

// AcquireLock takes the cross-process lock for lockKey on behalf of holderID.
func (l *Layer) AcquireLock(ctx context.Context, lockKey, holderID string, ttl time.Duration, maxRetries int) (lock.AcquireResult, error) {
	return l.locks.Acquire(ctx, lockKey, holderID, ttl, maxRetries)
}

// ReleaseLock releases lockKey if holderID owns it; force skips the
// ownership check.
func (l *Layer) ReleaseLock(ctx context.Context, lockKey, holderID string, force bool) error {
	return l.locks.Release(ctx, lockKey, holderID, force)
}

// CleanupLock removes the entry for lockKey regardless of holder. Idempotent.
func (l *Layer) CleanupLock(ctx context.Context, lockKey string) error {
	return l.locks.Cleanup(ctx, lockKey)
}

// IsOperationAllowed runs the fixed-window rate check for (storeName,
// contextID) without circuit breaking. It never blocks.
func (l *Layer) IsOperationAllowed(storeName, contextID string, cfg ratelimit.Config) (bool, error) {
	return l.limiter.Allow(storeName, contextID, cfg)
}

// WaitForPermit blocks until the rate limiter admits (storeName, contextID)
// or the options' timeout elapses.
func (l *Layer) WaitForPermit(ctx context.Context, storeName, contextID string, cfg ratelimit.Config, opts ratelimit.WaitOptions) error {
	return l.limiter.WaitForPermit(ctx, storeName, contextID, cfg, opts)
}

// IsOperationAllowedWithCircuitBreaker runs the rate check through the
// circuit breaker for (storeName, contextID).
func (l *Layer) IsOperationAllowedWithCircuitBreaker(storeName, contextID string, cfg ratelimit.Config, bcfg ratelimit.BreakerConfig) (bool, error) {
	return l.breaker.Allow(storeName, contextID, cfg, bcfg)
}

// RecordOperationFailure reports a failure discovered after admission, which
// counts toward tripping the breaker.
func (l *Layer) RecordOperationFailure(storeName, contextID string, bcfg ratelimit.BreakerConfig) {
	l.breaker.RecordFailure(storeName, contextID, bcfg)
}

// ResetCircuitBreaker closes the breaker for (storeName, contextID) and
// clears its failures.
func (l *Layer) ResetCircuitBreaker(storeName, contextID string) {
	l.breaker.Reset(storeName, contextID)
}

// GetCircuitBreakerState returns a diagnostic snapshot for (storeName,
// contextID).
func (l *Layer) GetCircuitBreakerState(storeName, contextID string) ratelimit.StateSnapshot {
	return l.breaker.Snapshot(storeName, contextID)
}

// GetWithFallback serves datasetKey through the cache tiers. Store failures
// surface as the result's Fallback flag, never as an error.
func (l *Layer) GetWithFallback(ctx context.Context, datasetKey string) (cache.Result, error) {
	return l.cache.GetWithFallback(ctx, datasetKey)
}

// ClearCache drops the in-process entry for datasetKey.
func (l *Layer) ClearCache(datasetKey string) {
	l.cache.ClearCache(datasetKey)
}

// Refresh runs one refresh cycle for datasetKey.
func (l *Layer) Refresh(ctx context.Context, datasetKey string) (refresh.Outcome, error) {
	return l.refresher.Refresh(ctx, datasetKey)
}

// RunScheduler drives the configured dataset schedules until ctx is
// cancelled.
func (l *Layer) RunScheduler(ctx context.Context) {
	l.scheduler.Run(ctx)
}

// WatchInvalidations forwards backend change events into cache evictions
// until ctx is cancelled. Backends without a change feed return
// storage.ErrNotImplemented.
func (l *Layer) WatchInvalidations(ctx context.Context) error {
	return l.cache.WatchInvalidations(ctx)
}

// HolderID returns the lock holder identity the layer's refresher uses.
func (l *Layer) HolderID() string {
	return l.refresher.HolderID()
}

var (
	defaultLayer    *Layer
	defaultLayerErr error
	defaultOnce     sync.Once
)

// Default returns the process-wide layer built from DefaultConfig. Components
// that need isolation construct their own Layer instead.
func Default() (*Layer, error) {
	defaultOnce.Do(func() {
		defaultLayer, defaultLayerErr = NewLayer(DefaultConfig())
		if defaultLayerErr != nil {
			defaultLayerErr = fmt.Errorf("coordd: build default layer: %w", defaultLayerErr)
		}
	})
	return defaultLayer, defaultLayerErr
}
