// Package lock implements cross-process mutual exclusion on top of an object
// store's conditional-create primitive. An acquisition writes a lock entry
// with If-None-Match semantics and then reads the key back to confirm the
// winner, since a create-only write against an eventually-consistent store
// can nominally succeed for two racing writers.
package lock

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math/rand"
	"path"
	"sync"
	"time"

	"pkt.systems/pslog"

	"github.com/WilliamAGH/williamcallahan.com-sub008/internal/clock"
	"github.com/WilliamAGH/williamcallahan.com-sub008/internal/metrics"
	"github.com/WilliamAGH/williamcallahan.com-sub008/internal/storage"
)

const (
	keyPrefix = "locks"

	backoffBase      = 50 * time.Millisecond
	backoffMax       = 2 * time.Second
	backoffJitterMax = 25 * time.Millisecond
)

// ErrNotOwner is returned by Release when the stored entry belongs to a
// different holder and force was not set.
var ErrNotOwner = errors.New("lock: not held by caller")

// Entry is the durable lock record stored at locks/<key>.
type Entry struct {
	HolderID     string `json:"holder_id"`
	AcquiredAtMS int64  `json:"acquired_at_ms"`
	TTLMS        int64  `json:"ttl_ms"`
}

// Expired reports whether the entry's age at now exceeds its TTL.
func (e Entry) Expired(now time.Time) bool {
	return now.UnixMilli()-e.AcquiredAtMS >= e.TTLMS
}

// AcquireResult reports the outcome of an acquisition attempt. Reason and
// Holder are diagnostic only and populated when Acquired is false.
type AcquireResult struct {
	Acquired bool
	Reason   string
	Holder   string
}

// Options configures a Manager. Zero values select a noop logger, the real
// clock, and unregistered metrics.
type Options struct {
	Logger  pslog.Logger
	Clock   clock.Clock
	Metrics *metrics.Metrics
}

// Manager coordinates lock entries for a single backend.
type Manager struct {
	store   storage.Backend
	logger  pslog.Logger
	clock   clock.Clock
	metrics *metrics.Metrics

	randMu sync.Mutex
	rand   *rand.Rand
}

// NewManager builds a Manager on top of store.
func NewManager(store storage.Backend, opts Options) *Manager {
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
	return &Manager{
		store:   store,
		logger:  logger,
		clock:   clk,
		metrics: m,
		rand:    rand.New(rand.NewSource(time.Now().UnixNano())),
	}
}

func lockKey(key string) string {
	return path.Join(keyPrefix, key)
}

// Acquire attempts to take the lock for key on behalf of holder. Contention
// retries up to maxRetries times with exponential backoff and jitter. A false
// result with a populated Reason is the normal contended outcome; an error is
// returned only for invalid input or context cancellation.
func (m *Manager) Acquire(ctx context.Context, key, holder string, ttl time.Duration, maxRetries int) (AcquireResult, error) {
	if key == "" {
		return AcquireResult{}, fmt.Errorf("lock: key required")
	}
	if holder == "" {
		return AcquireResult{}, fmt.Errorf("lock: holder required")
	}
	if ttl <= 0 {
		return AcquireResult{}, fmt.Errorf("lock: ttl must be positive")
	}
	if maxRetries < 0 {
		maxRetries = 0
	}
	logger := m.opLogger(ctx).With("key", key, "holder", holder)

	delay := backoffBase
	var last AcquireResult
	for attempt := 0; ; attempt++ {
		res, err := m.tryAcquire(ctx, key, holder, ttl, logger)
		if err != nil {
			m.metrics.LockAcquireTotal.WithLabelValues("error").Inc()
			return AcquireResult{}, err
		}
		if res.Acquired {
			m.metrics.LockAcquireTotal.WithLabelValues("acquired").Inc()
			logger.Debug("lock.acquire.ok", "attempt", attempt)
			return res, nil
		}
		last = res
		if attempt >= maxRetries {
			break
		}
		sleep := delay + m.jitter()
		logger.Trace("lock.acquire.backoff", "attempt", attempt, "sleep", sleep.String(), "held_by", res.Holder)
		if err := m.sleep(ctx, sleep); err != nil {
			m.metrics.LockAcquireTotal.WithLabelValues("error").Inc()
			return AcquireResult{}, err
		}
		delay *= 2
		if delay > backoffMax {
			delay = backoffMax
		}
	}
	m.metrics.LockAcquireTotal.WithLabelValues("contended").Inc()
	logger.Debug("lock.acquire.contended", "held_by", last.Holder, "reason", last.Reason)
	return last, nil
}

func (m *Manager) tryAcquire(ctx context.Context, key, holder string, ttl time.Duration, logger pslog.Logger) (AcquireResult, error) {
	storeKey := lockKey(key)
	now := m.clock.Now()

	// Fast-path existence check. Read errors are logged and treated as "no
	// lock observed" so a wedged store cannot deadlock every refresher.
	existing, err := m.readEntry(ctx, storeKey)
	switch {
	case err == nil:
		if !existing.Expired(now) {
			return AcquireResult{
				Reason: fmt.Sprintf("held by %s", existing.HolderID),
				Holder: existing.HolderID,
			}, nil
		}
		logger.Debug("lock.acquire.reclaim_expired", "stale_holder", existing.HolderID)
		if delErr := m.store.DeleteObject(ctx, storeKey, storage.DeleteOptions{IgnoreNotFound: true}); delErr != nil {
			logger.Warn("lock.acquire.reclaim_delete_failed", "error", delErr)
		}
	case errors.Is(err, storage.ErrNotFound):
	default:
		logger.Warn("lock.acquire.check_failed", "error", err)
	}

	entry := Entry{
		HolderID:     holder,
		AcquiredAtMS: now.UnixMilli(),
		TTLMS:        ttl.Milliseconds(),
	}
	payload, err := json.Marshal(entry)
	if err != nil {
		return AcquireResult{}, fmt.Errorf("lock: marshal entry: %w", err)
	}
	_, err = m.store.PutObject(ctx, storeKey, bytes.NewReader(payload), storage.PutOptions{
		IfNotExists: true,
		ContentType: storage.ContentTypeJSON,
	})
	if err != nil {
		if errors.Is(err, storage.ErrCASMismatch) {
			return AcquireResult{Reason: "create conflict"}, nil
		}
		logger.Warn("lock.acquire.write_failed", "error", err)
		return AcquireResult{Reason: fmt.Sprintf("store write failed: %v", err)}, nil
	}

	// Mandatory read-back. The create can nominally succeed for two racing
	// writers on an eventually-consistent store; whoever is not visible
	// afterwards lost.
	visible, err := m.readEntry(ctx, storeKey)
	if err != nil {
		logger.Warn("lock.acquire.readback_failed", "error", err)
		if delErr := m.store.DeleteObject(ctx, storeKey, storage.DeleteOptions{IgnoreNotFound: true}); delErr != nil {
			logger.Warn("lock.acquire.self_cleanup_failed", "error", delErr)
		}
		return AcquireResult{Reason: "read-back verification failed"}, nil
	}
	if visible.HolderID != holder || visible.AcquiredAtMS != entry.AcquiredAtMS {
		logger.Debug("lock.acquire.readback_lost", "visible_holder", visible.HolderID)
		return AcquireResult{
			Reason: "lost create race",
			Holder: visible.HolderID,
		}, nil
	}
	return AcquireResult{Acquired: true}, nil
}

// Release deletes the lock entry for key if holder owns it. force skips the
// ownership check. Releasing an absent lock is a no-op.
func (m *Manager) Release(ctx context.Context, key, holder string, force bool) error {
	if key == "" {
		return fmt.Errorf("lock: key required")
	}
	logger := m.opLogger(ctx).With("key", key, "holder", holder)
	storeKey := lockKey(key)
	if !force {
		entry, err := m.readEntry(ctx, storeKey)
		if errors.Is(err, storage.ErrNotFound) {
			return nil
		}
		if err != nil {
			m.metrics.LockReleaseTotal.WithLabelValues("error").Inc()
			return fmt.Errorf("lock: release check: %w", err)
		}
		if entry.HolderID != holder {
			m.metrics.LockReleaseTotal.WithLabelValues("not_owner").Inc()
			logger.Warn("lock.release.not_owner", "owner", entry.HolderID)
			return fmt.Errorf("%w: owned by %s", ErrNotOwner, entry.HolderID)
		}
	}
	if err := m.store.DeleteObject(ctx, storeKey, storage.DeleteOptions{IgnoreNotFound: true}); err != nil {
		m.metrics.LockReleaseTotal.WithLabelValues("error").Inc()
		return fmt.Errorf("lock: release delete: %w", err)
	}
	m.metrics.LockReleaseTotal.WithLabelValues("released").Inc()
	logger.Debug("lock.release.ok", "forced", force)
	return nil
}

// Cleanup removes the lock entry for key regardless of holder. It is
// idempotent: cleaning an absent key succeeds.
func (m *Manager) Cleanup(ctx context.Context, key string) error {
	if key == "" {
		return fmt.Errorf("lock: key required")
	}
	if err := m.store.DeleteObject(ctx, lockKey(key), storage.DeleteOptions{IgnoreNotFound: true}); err != nil {
		return fmt.Errorf("lock: cleanup: %w", err)
	}
	return nil
}

// Inspect returns the current entry for key, or storage.ErrNotFound.
func (m *Manager) Inspect(ctx context.Context, key string) (Entry, error) {
	return m.readEntry(ctx, lockKey(key))
}

func (m *Manager) readEntry(ctx context.Context, storeKey string) (Entry, error) {
	data, _, err := storage.GetBytes(ctx, m.store, storeKey)
	if err != nil {
		return Entry{}, err
	}
	var entry Entry
	if err := json.Unmarshal(data, &entry); err != nil {
		return Entry{}, fmt.Errorf("lock: decode entry: %w", err)
	}
	return entry, nil
}

func (m *Manager) opLogger(ctx context.Context) pslog.Logger {
	if logger := pslog.LoggerFromContext(ctx); logger != nil {
		return logger
	}
	return m.logger
}

func (m *Manager) jitter() time.Duration {
	m.randMu.Lock()
	defer m.randMu.Unlock()
	return time.Duration(m.rand.Int63n(int64(backoffJitterMax)))
}

func (m *Manager) sleep(ctx context.Context, d time.Duration) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-m.clock.After(d):
		return nil
	}
}
