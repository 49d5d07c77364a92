package lock

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/WilliamAGH/williamcallahan.com-sub008/internal/clock"
	"github.com/WilliamAGH/williamcallahan.com-sub008/internal/storage"
	"github.com/WilliamAGH/williamcallahan.com-sub008/internal/storage/memory"
)

func newTestManager(t *testing.T, clk clock.Clock) (*Manager, *memory.Store) {
	t.Helper()
	store := memory.New()
	t.Cleanup(func() { _ = store.Close() })
	return NewManager(store, Options{Clock: clk}), store
}

func TestAcquireReleaseRoundTrip(t *testing.T) {
	mgr, _ := newTestManager(t, nil)
	ctx := context.Background()

	res, err := mgr.Acquire(ctx, "books", "proc-a", time.Minute, 0)
	if err != nil {
		t.Fatalf("acquire: %v", err)
	}
	if !res.Acquired {
		t.Fatalf("expected acquisition, got reason %q", res.Reason)
	}

	entry, err := mgr.Inspect(ctx, "books")
	if err != nil {
		t.Fatalf("inspect: %v", err)
	}
	if entry.HolderID != "proc-a" {
		t.Fatalf("holder = %q, want proc-a", entry.HolderID)
	}

	if err := mgr.Release(ctx, "books", "proc-a", false); err != nil {
		t.Fatalf("release: %v", err)
	}
	if _, err := mgr.Inspect(ctx, "books"); !errors.Is(err, storage.ErrNotFound) {
		t.Fatalf("expected entry gone, got %v", err)
	}
}

func TestAcquireContendedFailsFast(t *testing.T) {
	mgr, _ := newTestManager(t, nil)
	ctx := context.Background()

	if res, err := mgr.Acquire(ctx, "books", "proc-a", time.Minute, 0); err != nil || !res.Acquired {
		t.Fatalf("first acquire: %v %+v", err, res)
	}
	res, err := mgr.Acquire(ctx, "books", "proc-b", time.Minute, 0)
	if err != nil {
		t.Fatalf("second acquire: %v", err)
	}
	if res.Acquired {
		t.Fatal("second holder must not acquire a held lock")
	}
	if res.Holder != "proc-a" {
		t.Fatalf("diagnostic holder = %q, want proc-a", res.Holder)
	}
}

func TestMutualExclusionUnderRace(t *testing.T) {
	mgr, _ := newTestManager(t, nil)
	ctx := context.Background()

	const racers = 12
	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		winners []string
	)
	for i := 0; i < racers; i++ {
		wg.Add(1)
		go func(id int) {
			defer wg.Done()
			holder := string(rune('a' + id))
			res, err := mgr.Acquire(ctx, "shared", holder, time.Minute, 0)
			if err != nil {
				t.Errorf("acquire %s: %v", holder, err)
				return
			}
			if res.Acquired {
				mu.Lock()
				winners = append(winners, holder)
				mu.Unlock()
			}
		}(i)
	}
	wg.Wait()
	if len(winners) != 1 {
		t.Fatalf("winners = %v, want exactly one", winners)
	}
}

func TestExpiredEntryIsReclaimable(t *testing.T) {
	clk := clock.NewManual(time.Unix(1_700_000_000, 0))
	mgr, _ := newTestManager(t, clk)
	ctx := context.Background()

	if res, err := mgr.Acquire(ctx, "books", "proc-a", time.Second, 0); err != nil || !res.Acquired {
		t.Fatalf("first acquire: %v %+v", err, res)
	}
	clk.Advance(1001 * time.Millisecond)

	res, err := mgr.Acquire(ctx, "books", "proc-b", time.Minute, 0)
	if err != nil {
		t.Fatalf("reclaim acquire: %v", err)
	}
	if !res.Acquired {
		t.Fatalf("expired entry should be reclaimable, got reason %q", res.Reason)
	}
	entry, err := mgr.Inspect(ctx, "books")
	if err != nil {
		t.Fatalf("inspect: %v", err)
	}
	if entry.HolderID != "proc-b" {
		t.Fatalf("holder after reclaim = %q, want proc-b", entry.HolderID)
	}
}

func TestReleaseOwnershipCheck(t *testing.T) {
	mgr, _ := newTestManager(t, nil)
	ctx := context.Background()

	if res, err := mgr.Acquire(ctx, "books", "proc-a", time.Minute, 0); err != nil || !res.Acquired {
		t.Fatalf("acquire: %v %+v", err, res)
	}
	if err := mgr.Release(ctx, "books", "proc-b", false); !errors.Is(err, ErrNotOwner) {
		t.Fatalf("release by non-owner: %v, want ErrNotOwner", err)
	}
	if _, err := mgr.Inspect(ctx, "books"); err != nil {
		t.Fatalf("entry should survive non-owner release: %v", err)
	}

	if err := mgr.Release(ctx, "books", "proc-b", true); err != nil {
		t.Fatalf("forced release: %v", err)
	}
	if _, err := mgr.Inspect(ctx, "books"); !errors.Is(err, storage.ErrNotFound) {
		t.Fatalf("forced release should delete entry, got %v", err)
	}
}

func TestReleaseAbsentLockIsNoop(t *testing.T) {
	mgr, _ := newTestManager(t, nil)
	if err := mgr.Release(context.Background(), "books", "proc-a", false); err != nil {
		t.Fatalf("release absent: %v", err)
	}
}

func TestCleanupIdempotent(t *testing.T) {
	clk := clock.NewManual(time.Unix(1_700_000_000, 0))
	mgr, _ := newTestManager(t, clk)
	ctx := context.Background()

	if res, err := mgr.Acquire(ctx, "books", "proc-a", time.Second, 0); err != nil || !res.Acquired {
		t.Fatalf("acquire: %v %+v", err, res)
	}
	clk.Advance(2 * time.Second)

	if err := mgr.Cleanup(ctx, "books"); err != nil {
		t.Fatalf("first cleanup: %v", err)
	}
	if err := mgr.Cleanup(ctx, "books"); err != nil {
		t.Fatalf("second cleanup: %v", err)
	}
	if _, err := mgr.Inspect(ctx, "books"); !errors.Is(err, storage.ErrNotFound) {
		t.Fatalf("entry should be absent, got %v", err)
	}
}

// flakyBackend injects failures around an inner backend.
type flakyBackend struct {
	storage.Backend
	mu       sync.Mutex
	getErrs  []error
	putAfter func(key string)
}

func (f *flakyBackend) GetObject(ctx context.Context, key string) (storage.GetResult, error) {
	f.mu.Lock()
	var err error
	if len(f.getErrs) > 0 {
		err = f.getErrs[0]
		f.getErrs = f.getErrs[1:]
	}
	f.mu.Unlock()
	if err != nil {
		return storage.GetResult{}, err
	}
	return f.Backend.GetObject(ctx, key)
}

func (f *flakyBackend) PutObject(ctx context.Context, key string, body io.Reader, opts storage.PutOptions) (*storage.ObjectInfo, error) {
	info, err := f.Backend.PutObject(ctx, key, body, opts)
	if err == nil && f.putAfter != nil {
		f.putAfter(key)
	}
	return info, err
}

func TestAcquireFailsOpenOnCheckError(t *testing.T) {
	inner := memory.New()
	defer inner.Close()
	flaky := &flakyBackend{
		Backend: inner,
		getErrs: []error{errors.New("store unreachable")},
	}
	mgr := NewManager(flaky, Options{})

	res, err := mgr.Acquire(context.Background(), "books", "proc-a", time.Minute, 0)
	if err != nil {
		t.Fatalf("acquire: %v", err)
	}
	if !res.Acquired {
		t.Fatalf("check error must not block acquisition, got reason %q", res.Reason)
	}
}

func TestAcquireReadBackLoserYields(t *testing.T) {
	inner := memory.New()
	defer inner.Close()
	rival, _ := json.Marshal(Entry{HolderID: "rival", AcquiredAtMS: time.Now().UnixMilli(), TTLMS: 60_000})
	flaky := &flakyBackend{
		Backend: inner,
		putAfter: func(key string) {
			// Simulate a racing writer whose create also "succeeded" and
			// whose entry is the one readers actually observe.
			_, _ = inner.PutObject(context.Background(), key, bytes.NewReader(rival), storage.PutOptions{})
		},
	}
	mgr := NewManager(flaky, Options{})

	res, err := mgr.Acquire(context.Background(), "books", "proc-a", time.Minute, 0)
	if err != nil {
		t.Fatalf("acquire: %v", err)
	}
	if res.Acquired {
		t.Fatal("holder must treat a lost read-back as a failed acquisition")
	}
	if res.Holder != "rival" {
		t.Fatalf("diagnostic holder = %q, want rival", res.Holder)
	}
}

func TestAcquireReadBackErrorSelfCleans(t *testing.T) {
	inner := memory.New()
	defer inner.Close()
	flaky := &flakyBackend{
		Backend: inner,
		// First get is the existence check (absent), second is the read-back.
		getErrs: []error{nil, errors.New("store unreachable")},
	}
	mgr := NewManager(flaky, Options{})

	res, err := mgr.Acquire(context.Background(), "books", "proc-a", time.Minute, 0)
	if err != nil {
		t.Fatalf("acquire: %v", err)
	}
	if res.Acquired {
		t.Fatal("read-back failure must never report success")
	}
	if _, _, err := storage.GetBytes(context.Background(), inner, "locks/books"); !errors.Is(err, storage.ErrNotFound) {
		t.Fatalf("self-cleanup should delete the entry, got %v", err)
	}
}

func TestAcquireRetriesUntilReleased(t *testing.T) {
	mgr, _ := newTestManager(t, nil)
	ctx := context.Background()

	if res, err := mgr.Acquire(ctx, "books", "proc-a", time.Minute, 0); err != nil || !res.Acquired {
		t.Fatalf("acquire: %v %+v", err, res)
	}

	done := make(chan AcquireResult, 1)
	go func() {
		res, err := mgr.Acquire(ctx, "books", "proc-b", time.Minute, 10)
		if err != nil {
			t.Errorf("retry acquire: %v", err)
		}
		done <- res
	}()

	time.Sleep(20 * time.Millisecond)
	if err := mgr.Release(ctx, "books", "proc-a", false); err != nil {
		t.Fatalf("release: %v", err)
	}

	select {
	case res := <-done:
		if !res.Acquired {
			t.Fatalf("retrying holder should win after release, got reason %q", res.Reason)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("retry acquire did not finish")
	}
}

func TestAcquireValidatesInput(t *testing.T) {
	mgr, _ := newTestManager(t, nil)
	ctx := context.Background()
	if _, err := mgr.Acquire(ctx, "", "h", time.Minute, 0); err == nil {
		t.Fatal("empty key must error")
	}
	if _, err := mgr.Acquire(ctx, "k", "", time.Minute, 0); err == nil {
		t.Fatal("empty holder must error")
	}
	if _, err := mgr.Acquire(ctx, "k", "h", 0, 0); err == nil {
		t.Fatal("non-positive ttl must error")
	}
}
