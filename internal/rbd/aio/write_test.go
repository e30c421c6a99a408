package aio

import (
	"testing"

	"github.com/asch/rbdclone/internal/rbd/objectmap"
	"github.com/asch/rbdclone/internal/rbd/parentview"
	"github.com/asch/rbdclone/internal/watcher"
)

func TestWriteObjectMapAlreadyMatchesSkipsPreUpdate(t *testing.T) {
	backend := newFakeBackend()
	pv := parentview.New()
	om := objectmap.New(4)

	done := make(chan int, 1)

	setExists := make(chan int, 1)
	om.AioUpdate(0, objectmap.Exists, nil, func(r int) { setExists <- r })
	<-setExists

	deps := newTestDeps(backend, nil, pv, om, false)
	w := NewWrite(deps, "obj.0", 0, 0, parentview.HeadSnapID, 0, nil, testObjectSize, []byte("hello"), 0, false, func(result int) {
		done <- result
	})
	w.Send()

	if got := <-done; got != 0 {
		t.Fatalf("expected success, got %d", got)
	}
	if data, ok := backend.get("obj.0"); !ok || string(data[:5]) != "hello" {
		t.Fatalf("expected write to land, got %q (ok=%v)", data, ok)
	}
}

func TestWriteTwoConcurrentWritesDedupCopyup(t *testing.T) {
	backend := newFakeBackend()
	parent := &fakeParent{data: make([]byte, testObjectSize)} // all-zero parent

	pv := parentview.New()
	pv.Attach(map[uint64]uint64{parentview.HeadSnapID: testObjectSize})
	om := objectmap.NewDisabled()
	deps := newTestDeps(backend, parent, pv, om, true)

	done1 := make(chan int, 1)
	done2 := make(chan int, 1)

	w1 := NewWrite(deps, "obj.0", 0, 0, parentview.HeadSnapID, 0, nil, testObjectSize, []byte("AAAA"), 0, false, func(r int) { done1 <- r })
	w2 := NewWrite(deps, "obj.0", 0, 4, parentview.HeadSnapID, 0, nil, testObjectSize, []byte("BBBB"), 0, false, func(r int) { done2 <- r })

	// Send both "concurrently": issue the first, then immediately the
	// second, so both land in WRITE_GUARD's ENOENT branch before the
	// coordinator's combined op completes.
	w1.Send()
	w2.Send()

	r1 := <-done1
	r2 := <-done2
	if r1 != 0 || r2 != 0 {
		t.Fatalf("expected both writes to succeed, got %d / %d", r1, r2)
	}

	data, ok := backend.get("obj.0")
	if !ok {
		t.Fatal("expected object to have been materialised")
	}
	if string(data[0:4]) != "AAAA" || string(data[4:8]) != "BBBB" {
		t.Fatalf("expected combined write AAAABBBB..., got %q", data[:8])
	}

	if parent.calls() != 1 {
		t.Fatalf("expected exactly one parent read across both writers (P1), got %d", parent.calls())
	}
}

func TestWriteParentVanishedBetweenGuardAndCompletion(t *testing.T) {
	backend := newFakeBackend()
	parent := &fakeParent{data: make([]byte, testObjectSize)}

	pv := parentview.New()
	pv.Attach(map[uint64]uint64{parentview.HeadSnapID: testObjectSize})
	om := objectmap.NewDisabled()
	deps := newTestDeps(backend, parent, pv, om, false)

	done := make(chan int, 1)
	w := NewWrite(deps, "obj.0", 0, 0, parentview.HeadSnapID, 0, nil, testObjectSize, []byte("ZZZZ"), 0, false, func(r int) {
		done <- r
	})

	// Detach the parent right away, simulating a race between the guard
	// read's NotFound and the overlap recompute.
	pv.Detach()

	w.Send()

	got := <-done
	if got != 0 {
		t.Fatalf("expected write-alone success once parent vanished, got %d", got)
	}

	data, ok := backend.get("obj.0")
	if !ok || string(data[:4]) != "ZZZZ" {
		t.Fatalf("expected the write to land alone, got %q (ok=%v)", data, ok)
	}
	if parent.calls() != 0 {
		t.Fatalf("expected no parent read once overlap is gone, got %d", parent.calls())
	}
}

func TestDiscardWholeObjectTransitionsMapToNonExistent(t *testing.T) {
	backend := newFakeBackend()
	backend.seed("obj.0", make([]byte, testObjectSize))

	pv := parentview.New()
	om := objectmap.New(4)
	setExists := make(chan int, 1)
	om.AioUpdate(0, objectmap.Exists, nil, func(r int) { setExists <- r })
	<-setExists

	deps := newTestDeps(backend, nil, pv, om, false)

	done := make(chan int, 1)
	d := NewDiscard(deps, "obj.0", 0, 0, testObjectSize, parentview.HeadSnapID, 0, nil, true, false, func(r int) {
		done <- r
	})
	d.Send()

	if got := <-done; got != 0 {
		t.Fatalf("expected discard to succeed, got %d", got)
	}

	waitFor(t, func() bool { return om.Get(0) == objectmap.NonExistent })

	if _, ok := backend.get("obj.0"); ok {
		t.Fatal("expected whole-object discard to remove the object")
	}
}

func TestWriteAssertsLockOwnershipPerObject(t *testing.T) {
	backend := newFakeBackend()
	pv := parentview.New()
	om := objectmap.NewDisabled()
	deps := newTestDeps(backend, nil, pv, om, false)

	w := watcher.New()
	deps.Watcher = w // lock not held

	defer func() {
		if recover() == nil {
			t.Fatal("expected sendPre to panic when the watcher does not hold the lock")
		}
	}()

	c := NewWrite(deps, "obj.0", 0, 0, parentview.HeadSnapID, 0, nil, testObjectSize, []byte("AAAA"), 0, false, func(int) {})
	c.Send()
}

func TestCompareAndWriteMatchSucceeds(t *testing.T) {
	backend := newFakeBackend()
	backend.seed("obj.0", []byte("AAAA"))

	pv := parentview.New()
	om := objectmap.NewDisabled()
	deps := newTestDeps(backend, nil, pv, om, false)

	done := make(chan int, 1)
	c := NewCompareAndWrite(deps, "obj.0", 0, 0, parentview.HeadSnapID, 0, nil, testObjectSize, []byte("AAAA"), []byte("BBBB"), false, func(r int) {
		done <- r
	})
	c.Send()

	if got := <-done; got != 0 {
		t.Fatalf("expected compare-and-write to succeed on a match, got %d", got)
	}

	if data, ok := backend.get("obj.0"); !ok || string(data[:4]) != "BBBB" {
		t.Fatalf("expected the write to land after a matching compare, got %q (ok=%v)", data, ok)
	}
}

func TestCompareAndWriteMismatchFailsWithoutWriting(t *testing.T) {
	backend := newFakeBackend()
	backend.seed("obj.0", []byte("AAAA"))

	pv := parentview.New()
	om := objectmap.NewDisabled()
	deps := newTestDeps(backend, nil, pv, om, false)

	done := make(chan int, 1)
	c := NewCompareAndWrite(deps, "obj.0", 0, 0, parentview.HeadSnapID, 0, nil, testObjectSize, []byte("ZZZZ"), []byte("BBBB"), false, func(r int) {
		done <- r
	})
	c.Send()

	if got := <-done; got != ENOENT {
		t.Fatalf("expected compare-and-write to fail on a mismatch, got %d", got)
	}

	if data, ok := backend.get("obj.0"); !ok || string(data[:4]) != "AAAA" {
		t.Fatalf("expected the original bytes to survive a failed compare, got %q (ok=%v)", data, ok)
	}
}
