package cache

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
)

func newCache(t *testing.T, entries int, store *Store) *Cache {
	t.Helper()
	c, err := New(entries, store)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return c
}

func TestGetOrCompute_Idempotent(t *testing.T) {
	t.Parallel()

	c := newCache(t, 8, nil)
	var calls atomic.Int32
	fn := func(ctx context.Context) ([]byte, error) {
		calls.Add(1)
		return []byte("value"), nil
	}
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		data, err := c.GetOrCompute(ctx, "key", false, fn)
		if err != nil {
			t.Fatalf("GetOrCompute: %v", err)
		}
		if string(data) != "value" {
			t.Fatalf("GetOrCompute = %q", data)
		}
	}
	if calls.Load() != 1 {
		t.Fatalf("expected 1 computation, got %d", calls.Load())
	}
}

func TestGetOrCompute_ConcurrentSingleFlight(t *testing.T) {
	t.Parallel()

	c := newCache(t, 8, nil)
	var calls atomic.Int32
	started := make(chan struct{})
	release := make(chan struct{})
	fn := func(ctx context.Context) ([]byte, error) {
		if calls.Add(1) == 1 {
			close(started)
		}
		<-release
		return []byte("shared"), nil
	}

	const workers = 8
	var wg sync.WaitGroup
	results := make([][]byte, workers)
	errs := make([]error, workers)
	for i := 0; i < workers; i++ {
		i := i
		wg.Add(1)
		go func() {
			defer wg.Done()
			results[i], errs[i] = c.GetOrCompute(context.Background(), "key", false, fn)
		}()
	}
	<-started
	close(release)
	wg.Wait()

	if calls.Load() != 1 {
		t.Fatalf("expected exactly 1 computation, got %d", calls.Load())
	}
	for i := 0; i < workers; i++ {
		if errs[i] != nil {
			t.Fatalf("worker %d: %v", i, errs[i])
		}
		if string(results[i]) != "shared" {
			t.Fatalf("worker %d got %q", i, results[i])
		}
	}
}

func TestGetOrCompute_ErrorsAreNotCached(t *testing.T) {
	t.Parallel()

	c := newCache(t, 8, nil)
	boom := errors.New("renderer exploded")
	var calls atomic.Int32
	fn := func(ctx context.Context) ([]byte, error) {
		if calls.Add(1) == 1 {
			return nil, boom
		}
		return []byte("recovered"), nil
	}
	ctx := context.Background()

	if _, err := c.GetOrCompute(ctx, "key", false, fn); !errors.Is(err, boom) {
		t.Fatalf("expected the computation error, got %v", err)
	}
	data, err := c.GetOrCompute(ctx, "key", false, fn)
	if err != nil {
		t.Fatalf("retry failed: %v", err)
	}
	if string(data) != "recovered" {
		t.Fatalf("retry = %q", data)
	}
	if calls.Load() != 2 {
		t.Fatalf("expected 2 computations, got %d", calls.Load())
	}
}

func TestGetOrCompute_LRUEviction(t *testing.T) {
	t.Parallel()

	c := newCache(t, 2, nil)
	ctx := context.Background()
	var calls atomic.Int32
	fn := func(ctx context.Context) ([]byte, error) {
		calls.Add(1)
		return []byte("x"), nil
	}

	for _, key := range []string{"a", "b", "c"} {
		if _, err := c.GetOrCompute(ctx, key, false, fn); err != nil {
			t.Fatal(err)
		}
	}
	if c.Len() != 2 {
		t.Fatalf("expected 2 entries after eviction, got %d", c.Len())
	}
	// "a" was evicted and recomputes; "c" is still cached.
	if _, err := c.GetOrCompute(ctx, "c", false, fn); err != nil {
		t.Fatal(err)
	}
	if _, err := c.GetOrCompute(ctx, "a", false, fn); err != nil {
		t.Fatal(err)
	}
	if calls.Load() != 4 {
		t.Fatalf("expected 4 computations, got %d", calls.Load())
	}
}

func TestInvalidate(t *testing.T) {
	t.Parallel()

	c := newCache(t, 8, nil)
	ctx := context.Background()
	fn := func(ctx context.Context) ([]byte, error) { return []byte("x"), nil }
	for _, key := range []string{"render|WORK|F.Cu", "render|abc|F.Cu"} {
		if _, err := c.GetOrCompute(ctx, key, true, fn); err != nil {
			t.Fatal(err)
		}
	}

	dropped := c.Invalidate(func(key string) bool { return key == "render|WORK|F.Cu" })
	if dropped != 1 || c.Len() != 1 {
		t.Fatalf("dropped=%d len=%d, want 1/1", dropped, c.Len())
	}
}

func TestStore_RoundTripAndPromotion(t *testing.T) {
	t.Parallel()

	store, err := OpenStore(filepath.Join(t.TempDir(), "cache.db"))
	if err != nil {
		t.Fatalf("OpenStore: %v", err)
	}
	defer store.Close()

	c := newCache(t, 8, store)
	ctx := context.Background()
	var calls atomic.Int32
	fn := func(ctx context.Context) ([]byte, error) {
		calls.Add(1)
		return []byte("persisted"), nil
	}

	if _, err := c.GetOrCompute(ctx, "key", false, fn); err != nil {
		t.Fatal(err)
	}

	// A fresh cache over the same store hits the database, not fn.
	c2 := newCache(t, 8, store)
	data, err := c2.GetOrCompute(ctx, "key", false, fn)
	if err != nil {
		t.Fatal(err)
	}
	if string(data) != "persisted" || calls.Load() != 1 {
		t.Fatalf("expected persisted hit, got %q after %d calls", data, calls.Load())
	}
}

func TestStore_VolatileEntriesNotPersisted(t *testing.T) {
	t.Parallel()

	store, err := OpenStore(filepath.Join(t.TempDir(), "cache.db"))
	if err != nil {
		t.Fatal(err)
	}
	defer store.Close()

	c := newCache(t, 8, store)
	ctx := context.Background()
	fn := func(ctx context.Context) ([]byte, error) { return []byte("volatile"), nil }
	if _, err := c.GetOrCompute(ctx, "work-key", true, fn); err != nil {
		t.Fatal(err)
	}
	if _, ok := store.Get("work-key"); ok {
		t.Fatal("volatile entry must not reach the persistent store")
	}
}

func TestStore_CorruptionHealsAsMiss(t *testing.T) {
	t.Parallel()

	store, err := OpenStore(filepath.Join(t.TempDir(), "cache.db"))
	if err != nil {
		t.Fatal(err)
	}
	defer store.Close()

	if err := store.Put("key", []byte("good")); err != nil {
		t.Fatal(err)
	}
	// Corrupt the stored bytes behind the checksum's back.
	if _, err := store.db.Exec("UPDATE renders SET data = ? WHERE key = ?", []byte("bad"), "key"); err != nil {
		t.Fatal(err)
	}

	if _, ok := store.Get("key"); ok {
		t.Fatal("corrupt entry must read as a miss")
	}
	// And the row is gone, so a recompute can repopulate it.
	var n int
	if err := store.db.QueryRow("SELECT COUNT(*) FROM renders").Scan(&n); err != nil {
		t.Fatal(err)
	}
	if n != 0 {
		t.Fatalf("corrupt row not deleted, %d rows left", n)
	}

	c := newCache(t, 8, store)
	data, err := c.GetOrCompute(context.Background(), "key", false, func(ctx context.Context) ([]byte, error) {
		return []byte("recomputed"), nil
	})
	if err != nil || string(data) != "recomputed" {
		t.Fatalf("recompute after corruption: %q, %v", data, err)
	}
}

func TestGetOrCompute_WaiterCancellation(t *testing.T) {
	t.Parallel()

	c := newCache(t, 8, nil)
	release := make(chan struct{})
	done := make(chan struct{})
	fn := func(ctx context.Context) ([]byte, error) {
		<-release
		close(done)
		return []byte("late"), nil
	}

	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() {
		_, err := c.GetOrCompute(ctx, "key", false, fn)
		errCh <- err
	}()

	cancel()
	if err := <-errCh; !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
	// The computation itself keeps running and completes.
	close(release)
	<-done
}

func TestNew_RejectsNonPositiveBudget(t *testing.T) {
	t.Parallel()

	if _, err := New(0, nil); err == nil {
		t.Fatal("expected error for zero budget")
	}
	if _, err := New(-1, nil); err == nil {
		t.Fatal("expected error for negative budget")
	}
}
