package disk

import (
	"bytes"
	"context"
	"errors"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/WilliamAGH/williamcallahan.com-sub008/internal/storage"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	store, err := New(Config{Root: t.TempDir()})
	if err != nil {
		t.Fatalf("new store: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })
	return store
}

func TestObjectLifecycle(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	info, err := store.PutObject(ctx, "locks/site", bytes.NewReader([]byte(`{"holder":"a"}`)), storage.PutOptions{
		IfNotExists: true,
		ContentType: storage.ContentTypeJSON,
	})
	if err != nil {
		t.Fatalf("put: %v", err)
	}
	if info.ETag == "" {
		t.Fatalf("expected etag")
	}

	if _, err := store.PutObject(ctx, "locks/site", bytes.NewReader([]byte("x")), storage.PutOptions{IfNotExists: true}); !errors.Is(err, storage.ErrCASMismatch) {
		t.Fatalf("expected cas mismatch on create collision, got %v", err)
	}

	result, err := store.GetObject(ctx, "locks/site")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	payload, err := io.ReadAll(result.Reader)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	_ = result.Reader.Close()
	if !bytes.Contains(payload, []byte("holder")) {
		t.Fatalf("unexpected payload %s", payload)
	}

	if _, err := store.PutObject(ctx, "locks/site", bytes.NewReader([]byte("y")), storage.PutOptions{ExpectedETag: "stale"}); !errors.Is(err, storage.ErrCASMismatch) {
		t.Fatalf("expected cas mismatch for stale etag, got %v", err)
	}
	if _, err := store.PutObject(ctx, "locks/site", bytes.NewReader([]byte("y")), storage.PutOptions{ExpectedETag: info.ETag}); err != nil {
		t.Fatalf("cas update: %v", err)
	}

	if err := store.DeleteObject(ctx, "locks/site", storage.DeleteOptions{}); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if _, err := store.StatObject(ctx, "locks/site"); !errors.Is(err, storage.ErrNotFound) {
		t.Fatalf("expected not found after delete, got %v", err)
	}
	if err := store.DeleteObject(ctx, "locks/site", storage.DeleteOptions{IgnoreNotFound: true}); err != nil {
		t.Fatalf("expected idempotent delete, got %v", err)
	}
}

func TestConditionalCreateSingleWinner(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	const contenders = 8
	var wg sync.WaitGroup
	wins := make(chan struct{}, contenders)
	for i := 0; i < contenders; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := store.PutObject(ctx, "locks/race", bytes.NewReader([]byte("x")), storage.PutOptions{IfNotExists: true})
			if err == nil {
				wins <- struct{}{}
			} else if !errors.Is(err, storage.ErrCASMismatch) {
				t.Errorf("unexpected error: %v", err)
			}
		}()
	}
	wg.Wait()
	close(wins)
	count := 0
	for range wins {
		count++
	}
	if count != 1 {
		t.Fatalf("expected exactly one winner, got %d", count)
	}
}

func TestListObjects(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	for _, key := range []string{"datasets/a/latest", "datasets/a/snap-1", "datasets/b/latest"} {
		if _, err := store.PutObject(ctx, key, bytes.NewReader([]byte("v")), storage.PutOptions{}); err != nil {
			t.Fatalf("put %s: %v", key, err)
		}
	}
	result, err := store.ListObjects(ctx, storage.ListOptions{Prefix: "datasets/a/"})
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(result.Objects) != 2 {
		t.Fatalf("expected 2 objects, got %+v", result.Objects)
	}
	if result.Objects[0].Key != "datasets/a/latest" {
		t.Fatalf("expected lexical order, got %q first", result.Objects[0].Key)
	}
}

func TestRejectsPathEscapingKeys(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	for _, key := range []string{"../outside", "/abs", ""} {
		if _, err := store.PutObject(ctx, key, bytes.NewReader([]byte("v")), storage.PutOptions{}); err == nil {
			t.Fatalf("expected rejection for key %q", key)
		}
	}
}

// plantOrphan simulates a crash between the data link and the meta write by
// creating the data file with no meta sidecar.
func plantOrphan(t *testing.T, store *Store, key string) string {
	t.Helper()
	path, err := store.dataPath(key)
	if err != nil {
		t.Fatalf("data path: %v", err)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		t.Fatalf("prepare data dir: %v", err)
	}
	if err := os.WriteFile(path, []byte(`{"holder_id":"dead"}`), 0o644); err != nil {
		t.Fatalf("write orphan: %v", err)
	}
	return path
}

func TestDeleteObjectRemovesOrphanDataFile(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	path := plantOrphan(t, store, "locks/books")
	if _, err := store.GetObject(ctx, "locks/books"); !errors.Is(err, storage.ErrNotFound) {
		t.Fatalf("expected not found for orphan, got %v", err)
	}

	if err := store.DeleteObject(ctx, "locks/books", storage.DeleteOptions{IgnoreNotFound: true}); err != nil {
		t.Fatalf("delete orphan: %v", err)
	}
	if _, err := os.Stat(path); !errors.Is(err, fs.ErrNotExist) {
		t.Fatalf("expected orphan data file removed, stat err=%v", err)
	}

	if _, err := store.PutObject(ctx, "locks/books", bytes.NewReader([]byte("v")), storage.PutOptions{IfNotExists: true}); err != nil {
		t.Fatalf("conditional create after delete: %v", err)
	}
}

func TestConditionalCreateReclaimsOrphanDataFile(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	plantOrphan(t, store, "locks/books")

	info, err := store.PutObject(ctx, "locks/books", bytes.NewReader([]byte(`{"holder_id":"alive"}`)), storage.PutOptions{
		IfNotExists: true,
		ContentType: storage.ContentTypeJSON,
	})
	if err != nil {
		t.Fatalf("conditional create over orphan: %v", err)
	}
	if info.ETag == "" {
		t.Fatalf("expected etag")
	}

	res, err := store.GetObject(ctx, "locks/books")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	defer res.Reader.Close()
	payload, err := io.ReadAll(res.Reader)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if string(payload) != `{"holder_id":"alive"}` {
		t.Fatalf("unexpected payload %q", payload)
	}

	// A live object still refuses a second conditional create.
	if _, err := store.PutObject(ctx, "locks/books", bytes.NewReader([]byte("v")), storage.PutOptions{IfNotExists: true}); !errors.Is(err, storage.ErrCASMismatch) {
		t.Fatalf("expected cas mismatch, got %v", err)
	}
}

func TestChangeFeed(t *testing.T) {
	store, err := New(Config{Root: t.TempDir(), Watch: true})
	if err != nil {
		t.Fatalf("new store: %v", err)
	}
	defer store.Close()
	ctx := context.Background()

	sub, err := store.SubscribeChanges("datasets/bookmarks/")
	if err != nil {
		if errors.Is(err, storage.ErrNotImplemented) {
			t.Skip("fsnotify unavailable on this platform")
		}
		t.Fatalf("subscribe: %v", err)
	}
	defer sub.Close()

	if _, err := store.PutObject(ctx, "datasets/bookmarks/latest", bytes.NewReader([]byte("v")), storage.PutOptions{}); err != nil {
		t.Fatalf("put: %v", err)
	}

	select {
	case key := <-sub.Events():
		if key != "datasets/bookmarks/latest" {
			t.Fatalf("unexpected event key %q", key)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("expected change event")
	}
}

func TestSubscriptionCloseDuringWrites(t *testing.T) {
	store, err := New(Config{Root: t.TempDir(), Watch: true})
	if err != nil {
		t.Fatalf("new store: %v", err)
	}
	defer store.Close()
	ctx := context.Background()

	for i := 0; i < 50; i++ {
		sub, err := store.SubscribeChanges("datasets/bookmarks/")
		if err != nil {
			if errors.Is(err, storage.ErrNotImplemented) {
				t.Skip("fsnotify unavailable on this platform")
			}
			t.Fatalf("subscribe: %v", err)
		}
		var wg sync.WaitGroup
		wg.Add(2)
		go func() {
			defer wg.Done()
			for j := 0; j < 5; j++ {
				if _, err := store.PutObject(ctx, "datasets/bookmarks/latest", bytes.NewReader([]byte("v")), storage.PutOptions{}); err != nil {
					t.Errorf("put: %v", err)
					return
				}
			}
		}()
		go func() {
			defer wg.Done()
			if err := sub.Close(); err != nil {
				t.Errorf("close: %v", err)
			}
		}()
		wg.Wait()
		if err := sub.Close(); err != nil {
			t.Fatalf("second close: %v", err)
		}
	}
}
