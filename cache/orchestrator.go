// Package cache implements the tiered read path for durable datasets: an
// in-process tier in front of versioned snapshots in the object store, with
// an explicit fallback signal when the store is unreachable.
//
// Snapshots are immutable blobs under datasets/<name>/snapshots/ and a small
// "latest" pointer names the current one, so a refresh swaps the pointer
// instead of rewriting the payload readers are consuming.
package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"path"
	"sort"
	"sync"
	"time"

	"github.com/rs/xid"
	"pkt.systems/pslog"

	"github.com/WilliamAGH/williamcallahan.com-sub008/internal/clock"
	"github.com/WilliamAGH/williamcallahan.com-sub008/internal/metrics"
	"github.com/WilliamAGH/williamcallahan.com-sub008/internal/storage"
)

const (
	datasetPrefix   = "datasets"
	pointerFilename = "latest.json"

	// DefaultFreshFor bounds how long the in-process tier serves a value
	// without consulting the durable snapshot.
	DefaultFreshFor = 30 * time.Second
)

// Source identifies which tier served a read.
type Source string

const (
	SourceMemory   Source = "memory"
	SourceSnapshot Source = "snapshot"
	SourceEmpty    Source = "empty"
)

// Pointer is the durable "latest" record for one dataset.
type Pointer struct {
	Snapshot    string `json:"snapshot"`
	Version     string `json:"version"`
	UpdatedAtMS int64  `json:"updated_at_ms"`
}

// Result is the outcome of a tiered read. Fallback is true only when the
// durable tier failed and the value is the last one this process saw, which
// may be empty.
type Result struct {
	Value    []byte
	Source   Source
	Version  string
	Fallback bool
}

type memEntry struct {
	value     []byte
	version   string
	fetchedAt time.Time
}

// Options configures an Orchestrator.
type Options struct {
	FreshFor time.Duration
	Logger   pslog.Logger
	Clock    clock.Clock
	Metrics  *metrics.Metrics
}

// Orchestrator owns the in-process tier and the snapshot layout for all
// datasets on one backend.
type Orchestrator struct {
	store    storage.Backend
	freshFor time.Duration
	logger   pslog.Logger
	clock    clock.Clock
	metrics  *metrics.Metrics

	mu      sync.RWMutex
	entries map[string]*memEntry
}

// NewOrchestrator builds an empty orchestrator over store.
func NewOrchestrator(store storage.Backend, opts Options) *Orchestrator {
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
	freshFor := opts.FreshFor
	if freshFor <= 0 {
		freshFor = DefaultFreshFor
	}
	return &Orchestrator{
		store:    store,
		freshFor: freshFor,
		logger:   logger,
		clock:    clk,
		metrics:  m,
		entries:  make(map[string]*memEntry),
	}
}

func pointerKey(dataset string) string {
	return path.Join(datasetPrefix, dataset, pointerFilename)
}

func snapshotKey(dataset, version string) string {
	return path.Join(datasetPrefix, dataset, "snapshots", version+".json")
}

func snapshotPrefix(dataset string) string {
	return path.Join(datasetPrefix, dataset, "snapshots") + "/"
}

// GetWithFallback serves dataset through the tiers: fresh in-process value
// first, then the durable snapshot named by the latest pointer. A missing
// pointer is the normal empty state for a dataset that has never been
// refreshed. A store error never propagates: the last known in-process value
// is returned with Fallback set.
func (o *Orchestrator) GetWithFallback(ctx context.Context, dataset string) (Result, error) {
	if dataset == "" {
		return Result{}, fmt.Errorf("cache: dataset required")
	}
	now := o.clock.Now()

	o.mu.RLock()
	entry := o.entries[dataset]
	o.mu.RUnlock()
	if entry != nil && now.Sub(entry.fetchedAt) < o.freshFor {
		o.metrics.CacheReadTotal.WithLabelValues("memory").Inc()
		return Result{Value: entry.value, Source: SourceMemory, Version: entry.version}, nil
	}

	ptr, err := o.readPointer(ctx, dataset)
	if errors.Is(err, storage.ErrNotFound) {
		o.metrics.CacheReadTotal.WithLabelValues("empty").Inc()
		return Result{Source: SourceEmpty}, nil
	}
	if err != nil {
		return o.fallback(dataset, entry, err), nil
	}

	if entry != nil && entry.version == ptr.Version {
		// Pointer unchanged: refresh the in-process entry's clock instead of
		// re-downloading an identical payload.
		o.touch(dataset, entry, now)
		o.metrics.CacheReadTotal.WithLabelValues("memory").Inc()
		return Result{Value: entry.value, Source: SourceMemory, Version: entry.version}, nil
	}

	payload, _, err := storage.GetBytes(ctx, o.store, snapshotKey(dataset, ptr.Snapshot))
	if err != nil {
		return o.fallback(dataset, entry, err), nil
	}

	o.mu.Lock()
	o.entries[dataset] = &memEntry{value: payload, version: ptr.Version, fetchedAt: now}
	o.mu.Unlock()
	o.metrics.CacheReadTotal.WithLabelValues("snapshot").Inc()
	return Result{Value: payload, Source: SourceSnapshot, Version: ptr.Version}, nil
}

func (o *Orchestrator) fallback(dataset string, entry *memEntry, cause error) Result {
	o.metrics.CacheReadTotal.WithLabelValues("fallback").Inc()
	o.logger.Warn("cache.read.fallback", "dataset", dataset, "error", cause)
	res := Result{Source: SourceMemory, Fallback: true}
	if entry != nil {
		res.Value = entry.value
		res.Version = entry.version
	}
	return res
}

func (o *Orchestrator) touch(dataset string, entry *memEntry, now time.Time) {
	o.mu.Lock()
	if current := o.entries[dataset]; current == entry {
		current.fetchedAt = now
	}
	o.mu.Unlock()
}

// ClearCache drops the in-process entry for dataset, forcing the next read
// to consult the durable snapshot.
func (o *Orchestrator) ClearCache(dataset string) {
	o.mu.Lock()
	delete(o.entries, dataset)
	o.mu.Unlock()
}

// WriteSnapshot stores payload as a new immutable snapshot, swaps the latest
// pointer to it, prunes old snapshot generations, and primes the in-process
// tier. Callers coordinate writes through the refresh lock; concurrent
// writers would otherwise race on the pointer swap.
func (o *Orchestrator) WriteSnapshot(ctx context.Context, dataset string, payload []byte) error {
	if dataset == "" {
		return fmt.Errorf("cache: dataset required")
	}
	now := o.clock.Now()
	version := xid.New().String()

	if _, err := storage.PutBytes(ctx, o.store, snapshotKey(dataset, version), payload, storage.PutOptions{
		ContentType: storage.ContentTypeJSON,
	}); err != nil {
		return fmt.Errorf("cache: write snapshot: %w", err)
	}

	ptr := Pointer{Snapshot: version, Version: version, UpdatedAtMS: now.UnixMilli()}
	raw, err := json.Marshal(ptr)
	if err != nil {
		return fmt.Errorf("cache: marshal pointer: %w", err)
	}
	if _, err := storage.PutBytes(ctx, o.store, pointerKey(dataset), raw, storage.PutOptions{
		ContentType: storage.ContentTypeJSON,
	}); err != nil {
		return fmt.Errorf("cache: swap pointer: %w", err)
	}

	o.mu.Lock()
	o.entries[dataset] = &memEntry{value: payload, version: version, fetchedAt: now}
	o.mu.Unlock()

	if err := o.pruneSnapshots(ctx, dataset); err != nil {
		// Pruning is housekeeping; a failure leaves extra generations behind
		// for the next writer to collect.
		o.logger.Warn("cache.snapshot.prune_failed", "dataset", dataset, "error", err)
	}
	o.logger.Debug("cache.snapshot.written", "dataset", dataset, "version", version, "bytes", len(payload))
	return nil
}

// pruneSnapshots deletes all snapshot generations except the current one and
// its immediate predecessor, which in-flight readers may still be fetching.
// Versions are xid strings, so lexical order is creation order.
func (o *Orchestrator) pruneSnapshots(ctx context.Context, dataset string) error {
	prefix := snapshotPrefix(dataset)
	var keys []string
	startAfter := ""
	for {
		page, err := o.store.ListObjects(ctx, storage.ListOptions{Prefix: prefix, StartAfter: startAfter})
		if err != nil {
			return err
		}
		for _, obj := range page.Objects {
			keys = append(keys, obj.Key)
		}
		if !page.Truncated {
			break
		}
		startAfter = page.NextStartAfter
	}
	if len(keys) <= 2 {
		return nil
	}
	sort.Strings(keys)
	for _, key := range keys[:len(keys)-2] {
		if err := o.store.DeleteObject(ctx, key, storage.DeleteOptions{IgnoreNotFound: true}); err != nil {
			return err
		}
	}
	return nil
}

func (o *Orchestrator) readPointer(ctx context.Context, dataset string) (Pointer, error) {
	raw, _, err := storage.GetBytes(ctx, o.store, pointerKey(dataset))
	if err != nil {
		return Pointer{}, err
	}
	var ptr Pointer
	if err := json.Unmarshal(raw, &ptr); err != nil {
		return Pointer{}, fmt.Errorf("cache: decode pointer: %w", err)
	}
	if ptr.Snapshot == "" {
		return Pointer{}, fmt.Errorf("cache: pointer names no snapshot")
	}
	return ptr, nil
}

// WatchInvalidations subscribes to the backend's change feed, if it offers
// one, and drops in-process entries whose pointer changed in the store. It
// blocks until ctx is cancelled or the feed closes. Backends without a feed
// return storage.ErrNotImplemented.
func (o *Orchestrator) WatchInvalidations(ctx context.Context) error {
	feed, ok := o.store.(storage.ChangeFeed)
	if !ok {
		return storage.ErrNotImplemented
	}
	sub, err := feed.SubscribeChanges(datasetPrefix + "/")
	if err != nil {
		return err
	}
	defer sub.Close()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case key, open := <-sub.Events():
			if !open {
				return nil
			}
			dataset, isPointer := datasetFromPointerKey(key)
			if !isPointer {
				continue
			}
			o.mu.Lock()
			_, had := o.entries[dataset]
			delete(o.entries, dataset)
			o.mu.Unlock()
			if had {
				o.logger.Debug("cache.invalidate.feed", "dataset", dataset)
			}
		}
	}
}

func datasetFromPointerKey(key string) (string, bool) {
	dir, file := path.Split(key)
	if file != pointerFilename {
		return "", false
	}
	dir = path.Clean(dir)
	prefix := datasetPrefix + "/"
	if len(dir) <= len(prefix) || dir[:len(prefix)] != prefix {
		return "", false
	}
	return dir[len(prefix):], true
}
