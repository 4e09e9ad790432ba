package kv

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/cuemby/kiln/pkg/kilnerr"
	"github.com/cuemby/kiln/pkg/tree"
	"github.com/cuemby/kiln/pkg/types"
)

func openTestEngine(t *testing.T) (*Engine, *tree.Store) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "kv.db")
	store, err := tree.Open(path, nil)
	if err != nil {
		t.Fatalf("tree.Open: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })

	e, err := NewEngine(store)
	if err != nil {
		t.Fatalf("NewEngine: %v", err)
	}
	t.Cleanup(e.Close)
	return e, store
}

func TestSetGetDelete(t *testing.T) {
	e, _ := openTestEngine(t)
	ctx := context.Background()

	if _, err := e.Set(ctx, "ns", "k", types.BytesValue([]byte("v1")), SetOptions{}); err != nil {
		t.Fatalf("Set: %v", err)
	}

	got, err := e.Get(ctx, "ns", "k", GetOptions{})
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got == nil || string(got.Bytes) != "v1" {
		t.Fatalf("got %+v, want v1", got)
	}

	prev, err := e.Delete(ctx, "ns", "k")
	if err != nil {
		t.Fatalf("Delete: %v", err)
	}
	if prev == nil || string(prev.Bytes) != "v1" {
		t.Fatalf("Delete returned %+v, want previous v1", prev)
	}

	got, err = e.Get(ctx, "ns", "k", GetOptions{})
	if err != nil {
		t.Fatalf("Get after delete: %v", err)
	}
	if got != nil {
		t.Fatalf("expected nil after delete, got %+v", got)
	}
}

func TestSetIsNamespaced(t *testing.T) {
	e, _ := openTestEngine(t)
	ctx := context.Background()

	if _, err := e.Set(ctx, "ns1", "k", types.BytesValue([]byte("one")), SetOptions{}); err != nil {
		t.Fatalf("Set ns1: %v", err)
	}
	if _, err := e.Set(ctx, "ns2", "k", types.BytesValue([]byte("two")), SetOptions{}); err != nil {
		t.Fatalf("Set ns2: %v", err)
	}

	got1, _ := e.Get(ctx, "ns1", "k", GetOptions{})
	got2, _ := e.Get(ctx, "ns2", "k", GetOptions{})
	if got1 == nil || string(got1.Bytes) != "one" {
		t.Fatalf("ns1: got %+v", got1)
	}
	if got2 == nil || string(got2.Bytes) != "two" {
		t.Fatalf("ns2: got %+v", got2)
	}
}

func TestSetIfPresentSkipsWhenAbsent(t *testing.T) {
	e, _ := openTestEngine(t)
	ctx := context.Background()

	prev, err := e.Set(ctx, "ns", "missing", types.BytesValue([]byte("v")), SetOptions{Check: SetIfPresent})
	if err != nil {
		t.Fatalf("Set: %v", err)
	}
	if prev != nil {
		t.Fatalf("expected nil result for SetIfPresent on absent key, got %+v", prev)
	}

	got, _ := e.Get(ctx, "ns", "missing", GetOptions{})
	if got != nil {
		t.Fatalf("expected SetIfPresent to not have written anything, got %+v", got)
	}
}

func TestSetIfVacantSkipsWhenPresent(t *testing.T) {
	e, _ := openTestEngine(t)
	ctx := context.Background()

	if _, err := e.Set(ctx, "ns", "k", types.BytesValue([]byte("original")), SetOptions{}); err != nil {
		t.Fatalf("Set: %v", err)
	}

	prev, err := e.Set(ctx, "ns", "k", types.BytesValue([]byte("new")), SetOptions{
		Check:          SetIfVacant,
		ReturnPrevious: true,
	})
	if err != nil {
		t.Fatalf("Set: %v", err)
	}
	if prev == nil || string(prev.Bytes) != "original" {
		t.Fatalf("got %+v, want previous value returned", prev)
	}

	got, _ := e.Get(ctx, "ns", "k", GetOptions{})
	if string(got.Bytes) != "original" {
		t.Fatalf("expected SetIfVacant to leave the original value, got %+v", got)
	}
}

func TestKeepExistingExpirationPreservesDeadlineAcrossSet(t *testing.T) {
	e, _ := openTestEngine(t)
	ctx := context.Background()

	deadline := time.Now().Add(time.Hour)
	if _, err := e.Set(ctx, "ns", "k", types.BytesValue([]byte("v1")), SetOptions{Expiration: &deadline}); err != nil {
		t.Fatalf("Set: %v", err)
	}

	if _, err := e.Set(ctx, "ns", "k", types.BytesValue([]byte("v2")), SetOptions{KeepExistingExpiration: true}); err != nil {
		t.Fatalf("Set: %v", err)
	}

	fk := string(fullKey("ns", "k"))
	e.mu.Lock()
	tracked, ok := e.tracked[fk]
	e.mu.Unlock()
	if !ok {
		t.Fatal("expected the key to still be tracked for expiration")
	}
	if !tracked.Equal(deadline) {
		t.Fatalf("got deadline %v, want %v", tracked, deadline)
	}
}

func TestIncrementDefaultsMissingKeyToUnsignedZero(t *testing.T) {
	e, _ := openTestEngine(t)
	ctx := context.Background()

	got, err := e.Increment(ctx, "ns", "counter", types.Uint64Value(5), true)
	if err != nil {
		t.Fatalf("Increment: %v", err)
	}
	if got.Numeric.Kind != types.NumericKindUint64 || got.Numeric.Uint64 != 5 {
		t.Fatalf("got %+v, want uint64 5", got.Numeric)
	}
}

func TestIncrementDecrementRoundTrip(t *testing.T) {
	e, _ := openTestEngine(t)
	ctx := context.Background()

	if _, err := e.Increment(ctx, "ns", "counter", types.Int64Value(10), true); err != nil {
		t.Fatalf("Increment: %v", err)
	}
	got, err := e.Decrement(ctx, "ns", "counter", types.Int64Value(3), true)
	if err != nil {
		t.Fatalf("Decrement: %v", err)
	}
	// First increment establishes the kind as uint64 (default), so the
	// result stays in the unsigned representation.
	if got.Numeric.Kind != types.NumericKindUint64 || got.Numeric.Uint64 != 7 {
		t.Fatalf("got %+v, want uint64 7", got.Numeric)
	}
}

func TestIncrementSaturatesAtUint64Bounds(t *testing.T) {
	e, _ := openTestEngine(t)
	ctx := context.Background()

	if _, err := e.Increment(ctx, "ns", "counter", types.Uint64Value(3), true); err != nil {
		t.Fatalf("Increment: %v", err)
	}
	got, err := e.Decrement(ctx, "ns", "counter", types.Uint64Value(10), true)
	if err != nil {
		t.Fatalf("Decrement: %v", err)
	}
	if got.Numeric.Uint64 != 0 {
		t.Fatalf("got %d, want saturated 0", got.Numeric.Uint64)
	}
}

func TestIncrementSaturatesAtInt64Max(t *testing.T) {
	e, _ := openTestEngine(t)
	ctx := context.Background()

	maxInt64 := int64(1<<63 - 1)
	if _, err := e.Set(ctx, "ns", "counter", types.Int64Value(maxInt64-1), SetOptions{}); err != nil {
		t.Fatalf("Set: %v", err)
	}
	got, err := e.Increment(ctx, "ns", "counter", types.Int64Value(100), true)
	if err != nil {
		t.Fatalf("Increment: %v", err)
	}
	if got.Numeric.Int64 != maxInt64 {
		t.Fatalf("got %d, want saturated max int64 %d", got.Numeric.Int64, maxInt64)
	}
}

func TestIncrementWrapsAtUint64Bounds(t *testing.T) {
	e, _ := openTestEngine(t)
	ctx := context.Background()

	if _, err := e.Increment(ctx, "ns", "counter", types.Uint64Value(3), false); err != nil {
		t.Fatalf("Increment: %v", err)
	}
	got, err := e.Decrement(ctx, "ns", "counter", types.Uint64Value(10), false)
	if err != nil {
		t.Fatalf("Decrement: %v", err)
	}
	if want := ^uint64(0) - 6; got.Numeric.Uint64 != want {
		t.Fatalf("got %d, want wrapped %d", got.Numeric.Uint64, want)
	}
}

func TestIncrementWrapsAtInt64Max(t *testing.T) {
	e, _ := openTestEngine(t)
	ctx := context.Background()

	maxInt64 := int64(1<<63 - 1)
	if _, err := e.Set(ctx, "ns", "counter", types.Int64Value(maxInt64-1), SetOptions{}); err != nil {
		t.Fatalf("Set: %v", err)
	}
	got, err := e.Increment(ctx, "ns", "counter", types.Int64Value(100), false)
	if err != nil {
		t.Fatalf("Increment: %v", err)
	}
	if want := maxInt64 - 1 + 100; got.Numeric.Int64 != want {
		t.Fatalf("got %d, want wrapped %d", got.Numeric.Int64, want)
	}
}

func TestIncrementDecrementFloatUsesPlainArithmetic(t *testing.T) {
	e, _ := openTestEngine(t)
	ctx := context.Background()

	if _, err := e.Set(ctx, "ns", "f", types.Float64Value(1.5), SetOptions{}); err != nil {
		t.Fatalf("Set: %v", err)
	}
	got, err := e.Increment(ctx, "ns", "f", types.Float64Value(2.25), true)
	if err != nil {
		t.Fatalf("Increment: %v", err)
	}
	if got.Numeric.Float64 != 3.75 {
		t.Fatalf("got %v, want 3.75", got.Numeric.Float64)
	}
}

func TestIncrementOnNonNumericValueIsDatabaseError(t *testing.T) {
	e, _ := openTestEngine(t)
	ctx := context.Background()

	if _, err := e.Set(ctx, "ns", "k", types.BytesValue([]byte("not a number")), SetOptions{}); err != nil {
		t.Fatalf("Set: %v", err)
	}

	_, err := e.Increment(ctx, "ns", "k", types.Uint64Value(1), true)
	if err == nil {
		t.Fatal("expected an error incrementing a non-numeric value")
	}
	if !kilnerr.Is(err, kilnerr.KindDatabase) {
		t.Fatalf("got %v, want a KindDatabase error", err)
	}
}

func TestExpirationRemovesKeyAfterDeadline(t *testing.T) {
	e, _ := openTestEngine(t)
	ctx := context.Background()

	deadline := time.Now().Add(50 * time.Millisecond)
	if _, err := e.Set(ctx, "ns", "k", types.BytesValue([]byte("v")), SetOptions{Expiration: &deadline}); err != nil {
		t.Fatalf("Set: %v", err)
	}

	got, err := e.Get(ctx, "ns", "k", GetOptions{})
	if err != nil {
		t.Fatalf("Get immediately: %v", err)
	}
	if got == nil {
		t.Fatal("expected the key to still be present before its deadline")
	}

	deadline2 := waitForExpiry(t, e, "ns", "k")
	_ = deadline2
}

func waitForExpiry(t *testing.T, e *Engine, ns, key string) time.Time {
	t.Helper()
	ctx := context.Background()
	deadlineForTest := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadlineForTest) {
		got, err := e.Get(ctx, ns, key, GetOptions{})
		if err != nil {
			t.Fatalf("Get: %v", err)
		}
		if got == nil {
			return time.Now()
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("key %s/%s was not expired within the test deadline", ns, key)
	return time.Time{}
}

func TestClearingExpirationKeepsKeyAlive(t *testing.T) {
	e, _ := openTestEngine(t)
	ctx := context.Background()

	deadline := time.Now().Add(50 * time.Millisecond)
	if _, err := e.Set(ctx, "ns", "k", types.BytesValue([]byte("v")), SetOptions{Expiration: &deadline}); err != nil {
		t.Fatalf("Set: %v", err)
	}
	// Overwrite with no expiration: the key must survive past the
	// original deadline.
	if _, err := e.Set(ctx, "ns", "k", types.BytesValue([]byte("v2")), SetOptions{}); err != nil {
		t.Fatalf("Set clearing expiration: %v", err)
	}

	time.Sleep(150 * time.Millisecond)

	got, err := e.Get(ctx, "ns", "k", GetOptions{})
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got == nil {
		t.Fatal("expected the key to survive once its expiration was cleared")
	}
}

func TestOutOfOrderExpirationDeadlinesAllFire(t *testing.T) {
	e, _ := openTestEngine(t)
	ctx := context.Background()

	later := time.Now().Add(150 * time.Millisecond)
	sooner := time.Now().Add(50 * time.Millisecond)

	// Insert the later deadline first, then the sooner one, to exercise
	// the ordered-insert path reordering the expirer's queue.
	if _, err := e.Set(ctx, "ns", "later", types.BytesValue([]byte("v")), SetOptions{Expiration: &later}); err != nil {
		t.Fatalf("Set later: %v", err)
	}
	if _, err := e.Set(ctx, "ns", "sooner", types.BytesValue([]byte("v")), SetOptions{Expiration: &sooner}); err != nil {
		t.Fatalf("Set sooner: %v", err)
	}

	waitForExpiry(t, e, "ns", "sooner")

	got, err := e.Get(ctx, "ns", "later", GetOptions{})
	if err != nil {
		t.Fatalf("Get later: %v", err)
	}
	if got == nil {
		t.Fatal("expected the later-deadline key to still be present")
	}

	waitForExpiry(t, e, "ns", "later")
}

func TestLoadExpirationsRepopulatesExpirerAfterRestart(t *testing.T) {
	path := filepath.Join(t.TempDir(), "kv.db")
	store, err := tree.Open(path, nil)
	if err != nil {
		t.Fatalf("tree.Open: %v", err)
	}
	defer store.Close()

	e1, err := NewEngine(store)
	if err != nil {
		t.Fatalf("NewEngine: %v", err)
	}

	deadline := time.Now().Add(80 * time.Millisecond)
	ctx := context.Background()
	if _, err := e1.Set(ctx, "ns", "k", types.BytesValue([]byte("v")), SetOptions{Expiration: &deadline}); err != nil {
		t.Fatalf("Set: %v", err)
	}
	e1.Close()

	e2, err := NewEngine(store)
	if err != nil {
		t.Fatalf("NewEngine (reopen): %v", err)
	}
	defer e2.Close()

	if err := e2.LoadExpirations(); err != nil {
		t.Fatalf("LoadExpirations: %v", err)
	}

	waitForExpiry(t, e2, "ns", "k")
}
