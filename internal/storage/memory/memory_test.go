package memory

import (
	"bytes"
	"context"
	"errors"
	"io"
	"sync"
	"testing"

	"github.com/WilliamAGH/williamcallahan.com-sub008/internal/storage"
)

func TestObjectLifecycle(t *testing.T) {
	store := New()
	defer store.Close()
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

	if _, err := store.PutObject(ctx, "locks/site", bytes.NewReader([]byte(`{"holder":"b"}`)), storage.PutOptions{IfNotExists: true}); !errors.Is(err, storage.ErrCASMismatch) {
		t.Fatalf("expected cas mismatch on create-only collision, got %v", err)
	}

	result, err := store.GetObject(ctx, "locks/site")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	payload, err := io.ReadAll(result.Reader)
	if err != nil {
		t.Fatalf("read body: %v", err)
	}
	_ = result.Reader.Close()
	if !bytes.Contains(payload, []byte("holder")) {
		t.Fatalf("unexpected payload %s", payload)
	}
	if result.Info.ETag != info.ETag {
		t.Fatalf("etag mismatch: %q vs %q", result.Info.ETag, info.ETag)
	}

	stat, err := store.StatObject(ctx, "locks/site")
	if err != nil {
		t.Fatalf("stat: %v", err)
	}
	if stat.LastModified.IsZero() {
		t.Fatalf("expected last modified")
	}

	if err := store.DeleteObject(ctx, "locks/site", storage.DeleteOptions{ExpectedETag: "wrong"}); !errors.Is(err, storage.ErrCASMismatch) {
		t.Fatalf("expected delete cas mismatch, got %v", err)
	}
	if err := store.DeleteObject(ctx, "locks/site", storage.DeleteOptions{}); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if err := store.DeleteObject(ctx, "locks/site", storage.DeleteOptions{}); !errors.Is(err, storage.ErrNotFound) {
		t.Fatalf("expected not found on second delete, got %v", err)
	}
	if err := store.DeleteObject(ctx, "locks/site", storage.DeleteOptions{IgnoreNotFound: true}); err != nil {
		t.Fatalf("expected idempotent delete, got %v", err)
	}
}

func TestConditionalCreateSingleWinner(t *testing.T) {
	store := New()
	defer store.Close()
	ctx := context.Background()

	const contenders = 16
	var wg sync.WaitGroup
	wins := make(chan int, contenders)
	for i := 0; i < contenders; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			_, err := store.PutObject(ctx, "locks/race", bytes.NewReader([]byte("x")), storage.PutOptions{IfNotExists: true})
			if err == nil {
				wins <- n
			} else if !errors.Is(err, storage.ErrCASMismatch) {
				t.Errorf("unexpected error: %v", err)
			}
		}(i)
	}
	wg.Wait()
	close(wins)
	count := 0
	for range wins {
		count++
	}
	if count != 1 {
		t.Fatalf("expected exactly one create winner, got %d", count)
	}
}

func TestListObjectsPrefixAndPagination(t *testing.T) {
	store := New()
	defer store.Close()
	ctx := context.Background()
	for _, key := range []string{"datasets/a/latest", "datasets/a/snap-1", "datasets/a/snap-2", "datasets/b/latest", "locks/x"} {
		if _, err := store.PutObject(ctx, key, bytes.NewReader([]byte("v")), storage.PutOptions{}); err != nil {
			t.Fatalf("put %s: %v", key, err)
		}
	}
	result, err := store.ListObjects(ctx, storage.ListOptions{Prefix: "datasets/a/", Limit: 2})
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(result.Objects) != 2 || !result.Truncated {
		t.Fatalf("expected truncated page of 2, got %d truncated=%v", len(result.Objects), result.Truncated)
	}
	result, err = store.ListObjects(ctx, storage.ListOptions{Prefix: "datasets/a/", StartAfter: result.NextStartAfter})
	if err != nil {
		t.Fatalf("list page 2: %v", err)
	}
	if len(result.Objects) != 1 || result.Objects[0].Key != "datasets/a/snap-2" {
		t.Fatalf("unexpected page 2: %+v", result.Objects)
	}
}

func TestChangeFeed(t *testing.T) {
	store := New()
	defer store.Close()
	ctx := context.Background()

	sub, err := store.SubscribeChanges("datasets/a/")
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	defer sub.Close()

	if _, err := store.PutObject(ctx, "datasets/b/latest", bytes.NewReader([]byte("v")), storage.PutOptions{}); err != nil {
		t.Fatalf("put other prefix: %v", err)
	}
	if _, err := store.PutObject(ctx, "datasets/a/latest", bytes.NewReader([]byte("v")), storage.PutOptions{}); err != nil {
		t.Fatalf("put watched prefix: %v", err)
	}

	select {
	case key := <-sub.Events():
		if key != "datasets/a/latest" {
			t.Fatalf("expected watched key, got %q", key)
		}
	default:
		t.Fatalf("expected change event")
	}
}

func TestSubscriptionCloseDuringWrites(t *testing.T) {
	store := New()
	defer store.Close()
	ctx := context.Background()

	for i := 0; i < 200; i++ {
		sub, err := store.SubscribeChanges("datasets/a/")
		if err != nil {
			t.Fatalf("subscribe: %v", err)
		}
		var wg sync.WaitGroup
		wg.Add(2)
		go func() {
			defer wg.Done()
			for j := 0; j < 5; j++ {
				if _, err := store.PutObject(ctx, "datasets/a/latest", bytes.NewReader([]byte("v")), storage.PutOptions{}); err != nil {
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
