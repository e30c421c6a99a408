package objectstore

import (
	"testing"
	"time"
)

func TestAioReadNotFound(t *testing.T) {
	backend := newFakeBackend()
	store := New(backend, 2, 2, time.Millisecond)

	done := make(chan struct {
		data []byte
		r    int
		err  error
	}, 1)

	store.AioRead("obj", 0, 16, true, func(data []byte, r int, err error) {
		done <- struct {
			data []byte
			r    int
			err  error
		}{data, r, err}
	})

	res := <-done
	if res.err != ErrNotFound {
		t.Fatalf("expected ErrNotFound, got %v", res.err)
	}
	if res.r >= 0 {
		t.Fatalf("expected negative result code, got %d", res.r)
	}
}

func TestAioOperateWriteThenRead(t *testing.T) {
	backend := newFakeBackend()
	store := New(backend, 2, 2, time.Millisecond)

	var b Builder
	b.Write(0, []byte("hello world"))

	opDone := make(chan error, 1)
	store.AioOperate("obj", b.Ops(), 0, nil, true, func(r int, err error) { opDone <- err })
	if err := <-opDone; err != nil {
		t.Fatalf("operate failed: %v", err)
	}

	readDone := make(chan []byte, 1)
	store.AioRead("obj", 0, 5, true, func(data []byte, r int, err error) {
		if err != nil {
			t.Errorf("read failed: %v", err)
		}
		readDone <- data
	})

	if got := string(<-readDone); got != "hello" {
		t.Fatalf("expected 'hello', got %q", got)
	}
}

func TestAioOperateAssertExistsFails(t *testing.T) {
	backend := newFakeBackend()
	store := New(backend, 2, 2, time.Millisecond)

	var b Builder
	b.AssertExists().Write(0, []byte("x"))

	done := make(chan error, 1)
	store.AioOperate("missing", b.Ops(), 0, nil, true, func(r int, err error) { done <- err })

	if err := <-done; err != ErrNotFound {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestAioOperateCopyupNoopWhenExists(t *testing.T) {
	backend := newFakeBackend()
	backend.seed("obj", []byte("existing-data"))
	store := New(backend, 2, 2, time.Millisecond)

	var b Builder
	b.Exec("rbd", "copyup", []byte("parent-bytes")).Write(5, []byte("!!"))

	done := make(chan error, 1)
	store.AioOperate("obj", b.Ops(), 0, nil, true, func(r int, err error) { done <- err })
	if err := <-done; err != nil {
		t.Fatalf("operate failed: %v", err)
	}

	readDone := make(chan []byte, 1)
	store.AioRead("obj", 0, 5, true, func(data []byte, r int, err error) { readDone <- data })
	if got := string(<-readDone); got != "exist" {
		t.Fatalf("expected copyup to be a no-op, got %q", got)
	}
}
