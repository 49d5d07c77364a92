// Package disk implements storage.Backend on a local or NFS-mounted
// filesystem. Payloads live under root/data, per-object metadata under
// root/meta, and writes land in root/tmp before an atomic rename. Conditional
// creates rely on link(2) failing with EEXIST, so two racing writers resolve
// to exactly one winner even across processes sharing the mount.
package disk

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/WilliamAGH/williamcallahan.com-sub008/internal/storage"
)

// Config controls the disk backend.
type Config struct {
	Root string
	// Watch enables fsnotify-based change notifications.
	Watch bool
}

// Store implements storage.Backend on the local filesystem.
type Store struct {
	root string

	// writeMu serializes CAS read-check-write sequences within this process;
	// cross-process writers are serialized by the flock in lockExclusive.
	writeMu sync.Mutex

	watch   *watchHub
	watchOK bool
}

type objectMeta struct {
	ETag        string `json:"etag"`
	ContentType string `json:"content_type,omitempty"`
	Size        int64  `json:"size"`
	UpdatedUnix int64  `json:"updated_unix"`
}

// New constructs a disk backend rooted at cfg.Root.
func New(cfg Config) (*Store, error) {
	root := filepath.Clean(strings.TrimSpace(cfg.Root))
	if root == "" || root == "." || root == string(filepath.Separator) {
		return nil, fmt.Errorf("disk: root path required")
	}
	for _, sub := range []string{"data", "meta", "tmp"} {
		if err := os.MkdirAll(filepath.Join(root, sub), 0o755); err != nil {
			return nil, fmt.Errorf("disk: prepare %s: %w", sub, err)
		}
	}
	store := &Store{root: root}
	if cfg.Watch {
		hub, err := newWatchHub(filepath.Join(root, "data"))
		if err == nil {
			store.watch = hub
			store.watchOK = true
		}
		// Watch failures are non-fatal: consumers fall back to TTL expiry.
	}
	return store, nil
}

// Close releases the watch hub when active.
func (s *Store) Close() error {
	if s.watch != nil {
		return s.watch.close()
	}
	return nil
}

func (s *Store) dataPath(key string) (string, error) {
	clean, err := s.relPath(key)
	if err != nil {
		return "", err
	}
	return filepath.Join(s.root, "data", clean), nil
}

func (s *Store) metaPath(key string) (string, error) {
	clean, err := s.relPath(key)
	if err != nil {
		return "", err
	}
	return filepath.Join(s.root, "meta", clean+".json"), nil
}

func (s *Store) relPath(key string) (string, error) {
	key = strings.TrimSpace(key)
	if key == "" {
		return "", fmt.Errorf("disk: key required")
	}
	clean := filepath.Clean(filepath.FromSlash(key))
	if clean == "." || strings.HasPrefix(clean, "..") || filepath.IsAbs(clean) {
		return "", fmt.Errorf("disk: invalid key %q", key)
	}
	return clean, nil
}

func (s *Store) loadMeta(key string) (*objectMeta, error) {
	path, err := s.metaPath(key)
	if err != nil {
		return nil, err
	}
	payload, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, storage.ErrNotFound
		}
		return nil, storage.NewTransientError(fmt.Errorf("disk: read meta: %w", err))
	}
	meta := &objectMeta{}
	if err := json.Unmarshal(payload, meta); err != nil {
		return nil, fmt.Errorf("disk: decode meta %q: %w", key, err)
	}
	return meta, nil
}

func (s *Store) storeMeta(key string, meta *objectMeta) error {
	path, err := s.metaPath(key)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return storage.NewTransientError(fmt.Errorf("disk: prepare meta dir: %w", err))
	}
	payload, err := json.Marshal(meta)
	if err != nil {
		return err
	}
	tmp, err := s.writeTemp(payload)
	if err != nil {
		return err
	}
	if err := os.Rename(tmp, path); err != nil {
		_ = os.Remove(tmp)
		return storage.NewTransientError(fmt.Errorf("disk: commit meta: %w", err))
	}
	return nil
}

func (s *Store) writeTemp(payload []byte) (string, error) {
	tmp, err := os.CreateTemp(filepath.Join(s.root, "tmp"), "put-*")
	if err != nil {
		return "", storage.NewTransientError(fmt.Errorf("disk: create temp: %w", err))
	}
	name := tmp.Name()
	if _, err := tmp.Write(payload); err != nil {
		_ = tmp.Close()
		_ = os.Remove(name)
		return "", storage.NewTransientError(fmt.Errorf("disk: write temp: %w", err))
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(name)
		return "", storage.NewTransientError(fmt.Errorf("disk: close temp: %w", err))
	}
	return name, nil
}

// GetObject returns the payload for key if present.
func (s *Store) GetObject(_ context.Context, key string) (storage.GetResult, error) {
	meta, err := s.loadMeta(key)
	if err != nil {
		return storage.GetResult{}, err
	}
	path, err := s.dataPath(key)
	if err != nil {
		return storage.GetResult{}, err
	}
	file, err := os.Open(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return storage.GetResult{}, storage.ErrNotFound
		}
		return storage.GetResult{}, storage.NewTransientError(fmt.Errorf("disk: open object: %w", err))
	}
	info := &storage.ObjectInfo{
		Key:          key,
		ETag:         meta.ETag,
		Size:         meta.Size,
		LastModified: time.Unix(meta.UpdatedUnix, 0).UTC(),
		ContentType:  meta.ContentType,
	}
	return storage.GetResult{Reader: file, Info: info}, nil
}

// PutObject stores or replaces the object for key depending on opts.
func (s *Store) PutObject(_ context.Context, key string, body io.Reader, opts storage.PutOptions) (*storage.ObjectInfo, error) {
	payload, err := io.ReadAll(body)
	if err != nil {
		return nil, err
	}
	path, err := s.dataPath(key)
	if err != nil {
		return nil, err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, storage.NewTransientError(fmt.Errorf("disk: prepare data dir: %w", err))
	}

	// writeMu first: fcntl locks are process-scoped, so only one goroutine may
	// hold the advisory-lock fd at a time.
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	unlock, err := s.lockExclusive()
	if err != nil {
		return nil, err
	}
	defer unlock()

	existing, err := s.loadMeta(key)
	exists := err == nil
	if err != nil && !errors.Is(err, storage.ErrNotFound) {
		return nil, err
	}
	switch {
	case opts.IfNotExists && exists:
		return nil, storage.ErrCASMismatch
	case !opts.IfNotExists && opts.ExpectedETag != "":
		if !exists {
			return nil, storage.ErrNotFound
		}
		if existing.ETag != opts.ExpectedETag {
			return nil, storage.ErrCASMismatch
		}
	}

	tmp, err := s.writeTemp(payload)
	if err != nil {
		return nil, err
	}
	if opts.IfNotExists {
		// link keeps the create atomic even against writers that bypassed the
		// flock (e.g. another host on the same NFS export).
		linkErr := os.Link(tmp, path)
		if errors.Is(linkErr, fs.ErrExist) && !exists {
			// Data without meta is debris from a crash between the link and
			// the meta write. Writers hold the exclusive lock across both
			// steps, so under the lock the orphan is safe to reclaim.
			if rmErr := os.Remove(path); rmErr != nil && !errors.Is(rmErr, fs.ErrNotExist) {
				_ = os.Remove(tmp)
				return nil, storage.NewTransientError(fmt.Errorf("disk: reclaim orphan object: %w", rmErr))
			}
			linkErr = os.Link(tmp, path)
		}
		if linkErr != nil {
			_ = os.Remove(tmp)
			if errors.Is(linkErr, fs.ErrExist) {
				return nil, storage.ErrCASMismatch
			}
			return nil, storage.NewTransientError(fmt.Errorf("disk: link object: %w", linkErr))
		}
		_ = os.Remove(tmp)
	} else {
		if err := os.Rename(tmp, path); err != nil {
			_ = os.Remove(tmp)
			return nil, storage.NewTransientError(fmt.Errorf("disk: commit object: %w", err))
		}
	}

	now := time.Now().UTC()
	meta := &objectMeta{
		ETag:        newETag(),
		ContentType: opts.ContentType,
		Size:        int64(len(payload)),
		UpdatedUnix: now.Unix(),
	}
	if err := s.storeMeta(key, meta); err != nil {
		return nil, err
	}
	return &storage.ObjectInfo{
		Key:          key,
		ETag:         meta.ETag,
		Size:         meta.Size,
		LastModified: now,
		ContentType:  meta.ContentType,
	}, nil
}

// DeleteObject removes the object for key with optional CAS.
func (s *Store) DeleteObject(_ context.Context, key string, opts storage.DeleteOptions) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	unlock, err := s.lockExclusive()
	if err != nil {
		return err
	}
	defer unlock()

	meta, err := s.loadMeta(key)
	if err != nil {
		if !errors.Is(err, storage.ErrNotFound) {
			return err
		}
		if opts.ExpectedETag != "" {
			return storage.ErrNotFound
		}
		// Meta is the source of truth, but a crash between the data link and
		// the meta write can leave an orphaned data file that wedges
		// conditional creates. Remove it here so the key stays reclaimable.
		dataPath, perr := s.dataPath(key)
		if perr != nil {
			return perr
		}
		rmErr := os.Remove(dataPath)
		switch {
		case rmErr == nil:
			return nil
		case errors.Is(rmErr, fs.ErrNotExist):
			if opts.IgnoreNotFound {
				return nil
			}
			return storage.ErrNotFound
		default:
			return storage.NewTransientError(fmt.Errorf("disk: remove object: %w", rmErr))
		}
	}
	if opts.ExpectedETag != "" && meta.ETag != opts.ExpectedETag {
		return storage.ErrCASMismatch
	}
	dataPath, err := s.dataPath(key)
	if err != nil {
		return err
	}
	metaPath, err := s.metaPath(key)
	if err != nil {
		return err
	}
	if err := os.Remove(metaPath); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return storage.NewTransientError(fmt.Errorf("disk: remove meta: %w", err))
	}
	if err := os.Remove(dataPath); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return storage.NewTransientError(fmt.Errorf("disk: remove object: %w", err))
	}
	return nil
}

// StatObject returns metadata for key without the payload.
func (s *Store) StatObject(_ context.Context, key string) (*storage.ObjectInfo, error) {
	meta, err := s.loadMeta(key)
	if err != nil {
		return nil, err
	}
	return &storage.ObjectInfo{
		Key:          key,
		ETag:         meta.ETag,
		Size:         meta.Size,
		LastModified: time.Unix(meta.UpdatedUnix, 0).UTC(),
		ContentType:  meta.ContentType,
	}, nil
}

// ListObjects walks the metadata tree in lexical order.
func (s *Store) ListObjects(_ context.Context, opts storage.ListOptions) (*storage.ListResult, error) {
	metaRoot := filepath.Join(s.root, "meta")
	var keys []string
	err := filepath.WalkDir(metaRoot, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				return nil
			}
			return err
		}
		if d.IsDir() || !strings.HasSuffix(d.Name(), ".json") {
			return nil
		}
		rel, err := filepath.Rel(metaRoot, path)
		if err != nil {
			return err
		}
		key := filepath.ToSlash(strings.TrimSuffix(rel, ".json"))
		if opts.Prefix != "" && !strings.HasPrefix(key, opts.Prefix) {
			return nil
		}
		if opts.StartAfter != "" && key <= opts.StartAfter {
			return nil
		}
		keys = append(keys, key)
		return nil
	})
	if err != nil {
		return nil, storage.NewTransientError(fmt.Errorf("disk: walk meta: %w", err))
	}
	sort.Strings(keys)
	result := &storage.ListResult{}
	for idx, key := range keys {
		if opts.Limit > 0 && len(result.Objects) >= opts.Limit {
			result.Truncated = true
			result.NextStartAfter = keys[idx-1]
			break
		}
		meta, err := s.loadMeta(key)
		if err != nil {
			if errors.Is(err, storage.ErrNotFound) {
				continue
			}
			return nil, err
		}
		result.Objects = append(result.Objects, storage.ObjectInfo{
			Key:          key,
			ETag:         meta.ETag,
			Size:         meta.Size,
			LastModified: time.Unix(meta.UpdatedUnix, 0).UTC(),
			ContentType:  meta.ContentType,
		})
	}
	return result, nil
}

// SubscribeChanges implements storage.ChangeFeed via fsnotify when available.
func (s *Store) SubscribeChanges(prefix string) (storage.ChangeSubscription, error) {
	if !s.watchOK {
		return nil, storage.ErrNotImplemented
	}
	return s.watch.subscribe(prefix)
}

func newETag() string {
	id, err := uuid.NewV7()
	if err != nil {
		return uuid.NewString()
	}
	return id.String()
}
