package disk

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/fsnotify/fsnotify"
)

// watchHub multiplexes one fsnotify watcher across prefix subscriptions.
// Watches are single-level: subscribing to "datasets/bookmarks/" observes
// files directly inside that directory, which is where pointer objects live.
type watchHub struct {
	dataRoot string
	watcher  *fsnotify.Watcher

	mu   sync.Mutex
	subs map[*diskSubscription]struct{}
	dirs map[string]int

	done chan struct{}
}

func newWatchHub(dataRoot string) (*watchHub, error) {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("disk: fsnotify: %w", err)
	}
	hub := &watchHub{
		dataRoot: dataRoot,
		watcher:  watcher,
		subs:     make(map[*diskSubscription]struct{}),
		dirs:     make(map[string]int),
		done:     make(chan struct{}),
	}
	go hub.dispatch()
	return hub, nil
}

func (h *watchHub) dispatch() {
	for {
		select {
		case <-h.done:
			return
		case event, ok := <-h.watcher.Events:
			if !ok {
				return
			}
			if event.Op&(fsnotify.Create|fsnotify.Write|fsnotify.Rename|fsnotify.Remove) == 0 {
				continue
			}
			rel, err := filepath.Rel(h.dataRoot, event.Name)
			if err != nil {
				continue
			}
			key := filepath.ToSlash(rel)
			h.mu.Lock()
			var targets []*diskSubscription
			for sub := range h.subs {
				if strings.HasPrefix(key, sub.prefix) {
					targets = append(targets, sub)
				}
			}
			h.mu.Unlock()
			for _, sub := range targets {
				sub.signal(key)
			}
		case _, ok := <-h.watcher.Errors:
			if !ok {
				return
			}
			// Watch errors degrade to TTL-based expiry; nothing to do here.
		}
	}
}

func (h *watchHub) subscribe(prefix string) (*diskSubscription, error) {
	prefix = strings.TrimSpace(prefix)
	if prefix == "" {
		return nil, fmt.Errorf("disk: watch prefix required")
	}
	dir := filepath.Join(h.dataRoot, filepath.FromSlash(strings.TrimSuffix(prefix, "/")))
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("disk: prepare watch dir: %w", err)
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.dirs[dir] == 0 {
		if err := h.watcher.Add(dir); err != nil {
			return nil, fmt.Errorf("disk: add watch: %w", err)
		}
	}
	h.dirs[dir]++
	sub := &diskSubscription{
		hub:    h,
		prefix: prefix,
		dir:    dir,
		events: make(chan string, 8),
	}
	h.subs[sub] = struct{}{}
	return sub, nil
}

func (h *watchHub) unsubscribe(sub *diskSubscription) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.subs[sub]; !ok {
		return
	}
	delete(h.subs, sub)
	h.dirs[sub.dir]--
	if h.dirs[sub.dir] <= 0 {
		delete(h.dirs, sub.dir)
		_ = h.watcher.Remove(sub.dir)
	}
}

func (h *watchHub) close() error {
	h.mu.Lock()
	subs := make([]*diskSubscription, 0, len(h.subs))
	for sub := range h.subs {
		subs = append(subs, sub)
	}
	h.subs = make(map[*diskSubscription]struct{})
	h.mu.Unlock()
	for _, sub := range subs {
		sub.shutdown()
	}
	close(h.done)
	return h.watcher.Close()
}

type diskSubscription struct {
	hub    *watchHub
	prefix string
	dir    string

	mu     sync.Mutex
	events chan string
	closed bool
}

func (s *diskSubscription) Events() <-chan string {
	return s.events
}

func (s *diskSubscription) Close() error {
	s.hub.unsubscribe(s)
	s.shutdown()
	return nil
}

// signal and shutdown share s.mu so a send can never race the channel close.
func (s *diskSubscription) signal(key string) {
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

func (s *diskSubscription) shutdown() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	s.closed = true
	close(s.events)
}
