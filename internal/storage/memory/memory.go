// Package memory implements storage.Backend in process memory. It backs unit
// tests and local development, and doubles as the reference implementation of
// the conditional-write semantics the other backends must match.
package memory

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/WilliamAGH/williamcallahan.com-sub008/internal/storage"
)

// Config configures the in-memory store behaviour.
type Config struct {
	// Watch enables change notifications for prefix subscribers.
	Watch bool
}

// Store implements storage.Backend in-memory.
type Store struct {
	mu   sync.RWMutex
	objs map[string]*objectEntry

	sortedKeys []string
	keysDirty  bool

	watchEnabled bool
	watchMu      sync.Mutex
	watchers     map[*subscription]struct{}
}

type objectEntry struct {
	payload     []byte
	etag        string
	contentType string
	updated     time.Time
}

// New returns a ready to use in-memory store with change notifications enabled.
func New() *Store {
	return NewWithConfig(Config{Watch: true})
}

// NewWithConfig returns an in-memory store wired according to cfg.
func NewWithConfig(cfg Config) *Store {
	store := &Store{
		objs:      make(map[string]*objectEntry),
		keysDirty: true,
	}
	if cfg.Watch {
		store.watchEnabled = true
		store.watchers = make(map[*subscription]struct{})
	}
	return store
}

// Close satisfies storage.Backend and tears down any active subscriptions.
func (s *Store) Close() error {
	if !s.watchEnabled {
		return nil
	}
	s.watchMu.Lock()
	subs := make([]*subscription, 0, len(s.watchers))
	for sub := range s.watchers {
		subs = append(subs, sub)
	}
	s.watchers = make(map[*subscription]struct{})
	s.watchMu.Unlock()
	for _, sub := range subs {
		sub.shutdown()
	}
	return nil
}

// GetObject returns the payload for key if present.
func (s *Store) GetObject(_ context.Context, key string) (storage.GetResult, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	entry, ok := s.objs[key]
	if !ok {
		return storage.GetResult{}, storage.ErrNotFound
	}
	payload := append([]byte(nil), entry.payload...)
	info := &storage.ObjectInfo{
		Key:          key,
		ETag:         entry.etag,
		Size:         int64(len(payload)),
		LastModified: entry.updated,
		ContentType:  entry.contentType,
	}
	return storage.GetResult{Reader: io.NopCloser(bytes.NewReader(payload)), Info: info}, nil
}

// PutObject stores or replaces the object for key depending on opts.
func (s *Store) PutObject(_ context.Context, key string, body io.Reader, opts storage.PutOptions) (*storage.ObjectInfo, error) {
	payload, err := io.ReadAll(body)
	if err != nil {
		return nil, err
	}
	s.mu.Lock()
	entry, exists := s.objs[key]
	switch {
	case opts.IfNotExists && exists:
		s.mu.Unlock()
		return nil, storage.ErrCASMismatch
	case !opts.IfNotExists && opts.ExpectedETag != "":
		if !exists {
			s.mu.Unlock()
			return nil, storage.ErrNotFound
		}
		if entry.etag != opts.ExpectedETag {
			s.mu.Unlock()
			return nil, storage.ErrCASMismatch
		}
	}
	etag := newETag()
	now := time.Now().UTC()
	s.objs[key] = &objectEntry{
		payload:     payload,
		etag:        etag,
		contentType: opts.ContentType,
		updated:     now,
	}
	if !exists && !s.keysDirty {
		s.insertKeyLocked(key)
	}
	s.mu.Unlock()

	s.notify(key)
	return &storage.ObjectInfo{
		Key:          key,
		ETag:         etag,
		Size:         int64(len(payload)),
		LastModified: now,
		ContentType:  opts.ContentType,
	}, nil
}

// DeleteObject removes the object for key with optional CAS.
func (s *Store) DeleteObject(_ context.Context, key string, opts storage.DeleteOptions) error {
	s.mu.Lock()
	entry, exists := s.objs[key]
	if !exists {
		s.mu.Unlock()
		if opts.IgnoreNotFound {
			return nil
		}
		return storage.ErrNotFound
	}
	if opts.ExpectedETag != "" && entry.etag != opts.ExpectedETag {
		s.mu.Unlock()
		return storage.ErrCASMismatch
	}
	delete(s.objs, key)
	if !s.keysDirty {
		s.removeKeyLocked(key)
	}
	s.mu.Unlock()

	s.notify(key)
	return nil
}

// StatObject returns metadata for key without the body.
func (s *Store) StatObject(_ context.Context, key string) (*storage.ObjectInfo, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	entry, ok := s.objs[key]
	if !ok {
		return nil, storage.ErrNotFound
	}
	return &storage.ObjectInfo{
		Key:          key,
		ETag:         entry.etag,
		Size:         int64(len(entry.payload)),
		LastModified: entry.updated,
		ContentType:  entry.contentType,
	}, nil
}

// ListObjects returns in-memory objects sorted lexicographically.
func (s *Store) ListObjects(_ context.Context, opts storage.ListOptions) (*storage.ListResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.keysDirty {
		s.sortedKeys = s.sortedKeys[:0]
		for key := range s.objs {
			s.sortedKeys = append(s.sortedKeys, key)
		}
		sort.Strings(s.sortedKeys)
		s.keysDirty = false
	}
	keys := s.sortedKeys
	startIdx := 0
	if opts.StartAfter != "" {
		startIdx = sort.Search(len(keys), func(i int) bool { return keys[i] > opts.StartAfter })
	}
	result := &storage.ListResult{}
	added := 0
	for idx := startIdx; idx < len(keys); idx++ {
		key := keys[idx]
		if opts.Prefix != "" && !strings.HasPrefix(key, opts.Prefix) {
			if added > 0 {
				break
			}
			continue
		}
		entry := s.objs[key]
		result.Objects = append(result.Objects, storage.ObjectInfo{
			Key:          key,
			ETag:         entry.etag,
			Size:         int64(len(entry.payload)),
			LastModified: entry.updated,
			ContentType:  entry.contentType,
		})
		added++
		if opts.Limit > 0 && added >= opts.Limit {
			if idx+1 < len(keys) && (opts.Prefix == "" || strings.HasPrefix(keys[idx+1], opts.Prefix)) {
				result.Truncated = true
				result.NextStartAfter = key
			}
			break
		}
	}
	return result, nil
}

// SubscribeChanges implements storage.ChangeFeed for the in-memory backend.
func (s *Store) SubscribeChanges(prefix string) (storage.ChangeSubscription, error) {
	if !s.watchEnabled {
		return nil, storage.ErrNotImplemented
	}
	if strings.TrimSpace(prefix) == "" {
		return nil, fmt.Errorf("memory: watch prefix required")
	}
	sub := &subscription{
		store:  s,
		prefix: prefix,
		events: make(chan string, 8),
	}
	s.watchMu.Lock()
	s.watchers[sub] = struct{}{}
	s.watchMu.Unlock()
	return sub, nil
}

func (s *Store) notify(key string) {
	if !s.watchEnabled {
		return
	}
	s.watchMu.Lock()
	var subs []*subscription
	for sub := range s.watchers {
		if strings.HasPrefix(key, sub.prefix) {
			subs = append(subs, sub)
		}
	}
	s.watchMu.Unlock()
	for _, sub := range subs {
		sub.signal(key)
	}
}

func (s *Store) removeSubscription(sub *subscription) {
	s.watchMu.Lock()
	delete(s.watchers, sub)
	s.watchMu.Unlock()
}

func (s *Store) insertKeyLocked(key string) {
	idx := sort.SearchStrings(s.sortedKeys, key)
	if idx < len(s.sortedKeys) && s.sortedKeys[idx] == key {
		return
	}
	s.sortedKeys = append(s.sortedKeys, "")
	copy(s.sortedKeys[idx+1:], s.sortedKeys[idx:])
	s.sortedKeys[idx] = key
}

func (s *Store) removeKeyLocked(key string) {
	idx := sort.SearchStrings(s.sortedKeys, key)
	if idx < len(s.sortedKeys) && s.sortedKeys[idx] == key {
		s.sortedKeys = append(s.sortedKeys[:idx], s.sortedKeys[idx+1:]...)
	}
}

func newETag() string {
	id, err := uuid.NewV7()
	if err != nil {
		return uuid.NewString()
	}
	return id.String()
}

type subscription struct {
	store  *Store
	prefix string

	mu     sync.Mutex
	events chan string
	closed bool
}

func (s *subscription) Events() <-chan string {
	return s.events
}

func (s *subscription) Close() error {
	s.store.removeSubscription(s)
	s.shutdown()
	return nil
}

// signal and shutdown share s.mu so a send can never race the channel close.
func (s *subscription) signal(key string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	select {
	case s.events <- key:
	default:
	}
}

func (s *subscription) shutdown() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	s.closed = true
	close(s.events)
}
