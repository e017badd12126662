package kv

import (
	"testing"
	"time"

	"github.com/duorou/mcs/internal/mcserr"
)

func newTestStore(t *testing.T) *DataStore {
	s := New(nil, 4)
	t.Cleanup(s.Close)
	return s
}

func TestSetGetDel(t *testing.T) {
	s := newTestStore(t)
	s.Set("k", "v")
	v, ok := s.Get("k")
	if !ok || v != "v" {
		t.Fatalf("Get = %q, %v", v, ok)
	}
	if n := s.Del("k"); n != 1 {
		t.Fatalf("Del = %d, want 1", n)
	}
	if _, ok := s.Get("k"); ok {
		t.Fatal("expected key to be gone")
	}
}

func TestChangeCounterExactOnce(t *testing.T) {
	s := newTestStore(t)
	s.Set("a", "1")
	s.Set("b", "2")
	s.Get("a") // reads must not count
	if n := s.GetAndResetChangeCount(); n != 2 {
		t.Fatalf("change count = %d, want 2", n)
	}
	if n := s.GetAndResetChangeCount(); n != 0 {
		t.Fatalf("change count after reset = %d, want 0", n)
	}
}

func TestApplyCallbackSuppressedWhileLoading(t *testing.T) {
	s := newTestStore(t)
	var calls [][]string
	s.SetApplyCallback(func(args []string) { calls = append(calls, args) })

	s.Set("x", "1")
	if len(calls) != 1 {
		t.Fatalf("expected 1 callback invocation, got %d", len(calls))
	}

	s.SetLoading(true)
	s.Set("y", "2")
	if len(calls) != 1 {
		t.Fatalf("expected callback suppressed while loading, got %d calls", len(calls))
	}
	s.SetLoading(false)
	s.Set("z", "3")
	if len(calls) != 2 {
		t.Fatalf("expected callback resumed after loading, got %d calls", len(calls))
	}
}

func TestTTLExpiry(t *testing.T) {
	s := newTestStore(t)
	s.Set("k", "v")
	if !s.Pexpire("k", 10) {
		t.Fatal("expected pexpire to find the key")
	}
	time.Sleep(30 * time.Millisecond)
	if _, ok := s.Get("k"); ok {
		t.Fatal("expected key to have expired")
	}
	if ttl := s.Pttl("k"); ttl != -2 {
		t.Fatalf("pttl = %d, want -2", ttl)
	}
}

func TestIncrNonIntegerSurfacesInvalidArgument(t *testing.T) {
	s := newTestStore(t)
	s.Set("k", "not-a-number")
	_, err := s.Incr("k")
	if !mcserr.Is(err, mcserr.InvalidArgument) {
		t.Fatalf("expected InvalidArgument, got %v", err)
	}
}

// TestWatchAbort exercises optimistic-concurrency abort: WATCH k; MULTI;
// queue SET k v1 — a concurrent SET k v2 outside the transaction must
// make EXEC fail, leaving v2 in place.
func TestWatchAbort(t *testing.T) {
	s := newTestStore(t)
	s.Set("k", "v0")

	s.Watch("k")
	s.Multi()
	s.QueueCommand([]string{"SET", "k", "v1"})

	s.Set("k", "v2") // concurrent writer outside the transaction

	_, err := s.Exec()
	if !mcserr.Is(err, mcserr.Conflict) {
		t.Fatalf("expected EXEC to abort with Conflict, got %v", err)
	}
	v, ok := s.Get("k")
	if !ok || v != "v2" {
		t.Fatalf("Get = %q, %v; want v2", v, ok)
	}
}

func TestExecWithoutWatchSucceeds(t *testing.T) {
	s := newTestStore(t)
	s.Multi()
	s.QueueCommand([]string{"SET", "k", "v1"})
	queued, err := s.Exec()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(queued) != 1 {
		t.Fatalf("expected 1 queued command, got %d", len(queued))
	}
}

func TestSnapshotRoundTrip(t *testing.T) {
	s := newTestStore(t)
	s.Select(2)
	s.Set("foo", "bar")
	s.SetNumeric("vec", []float32{1.5, 2.5})
	snap := s.Snapshot()

	s2 := New(nil, 4)
	defer s2.Close()
	s2.Restore(snap)

	if s2.CurrentDB() != 2 {
		t.Fatalf("current db = %d, want 2", s2.CurrentDB())
	}
	s2.Select(2)
	if v, ok := s2.Get("foo"); !ok || v != "bar" {
		t.Fatalf("Get(foo) = %q, %v", v, ok)
	}
	if vec := s2.GetNumeric("vec"); len(vec) != 2 || vec[0] != 1.5 {
		t.Fatalf("GetNumeric(vec) = %v", vec)
	}
}
