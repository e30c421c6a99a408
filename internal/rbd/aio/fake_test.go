package aio

import (
	"sync"
	"time"

	"github.com/asch/rbdclone/internal/rbd/copyup"
	"github.com/asch/rbdclone/internal/rbd/extent"
	"github.com/asch/rbdclone/internal/rbd/objectmap"
	"github.com/asch/rbdclone/internal/rbd/objectstore"
	"github.com/asch/rbdclone/internal/rbd/parentview"
	"github.com/asch/rbdclone/internal/rbd/striper"
)

// fakeBackend is a minimal in-memory objectstore.Backend shared by this
// package's tests.
type fakeBackend struct {
	mu      sync.Mutex
	objects map[string][]byte
	exists  map[string]bool
}

func newFakeBackend() *fakeBackend {
	return &fakeBackend{objects: make(map[string][]byte), exists: make(map[string]bool)}
}

func (f *fakeBackend) seed(oid string, data []byte) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.objects[oid] = data
	f.exists[oid] = true
}

func (f *fakeBackend) Read(oid string, off, length uint64) ([]byte, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.exists[oid] {
		return nil, objectstore.ErrNotFound
	}
	data := f.objects[oid]
	end := off + length
	if end > uint64(len(data)) {
		end = uint64(len(data))
	}
	if off > end {
		off = end
	}
	return append([]byte{}, data[off:end]...), nil
}

func (f *fakeBackend) SparseRead(oid string, off, length uint64) (objectstore.SparseResult, error) {
	data, err := f.Read(oid, off, length)
	if err != nil {
		return objectstore.SparseResult{}, err
	}
	return objectstore.SparseResult{Data: data, Extents: extent.Single(off, uint64(len(data)))}, nil
}

func (f *fakeBackend) Operate(oid string, ops []objectstore.Op, snapSeq uint64, snaps []uint64) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	data := append([]byte{}, f.objects[oid]...)
	exists := f.exists[oid]
	removed := false

	ensure := func(n int) {
		if len(data) < n {
			grown := make([]byte, n)
			copy(grown, data)
			data = grown
		}
	}

	for _, op := range ops {
		switch op.Kind {
		case objectstore.OpAssertExists:
			if !exists {
				return objectstore.ErrNotFound
			}
		case objectstore.OpWrite:
			ensure(int(op.Offset) + len(op.Data))
			copy(data[op.Offset:], op.Data)
			exists = true
		case objectstore.OpZero:
			ensure(int(op.Offset + op.Length))
			for i := uint64(0); i < op.Length; i++ {
				data[op.Offset+i] = 0
			}
			exists = true
		case objectstore.OpCmpExt:
			if !exists || int(op.Offset)+len(op.Data) > len(data) {
				return objectstore.ErrNotFound
			}
			for i, want := range op.Data {
				if data[int(op.Offset)+i] != want {
					return objectstore.ErrNotFound
				}
			}
		case objectstore.OpExec:
			if !exists {
				ensure(len(op.Data))
				copy(data, op.Data)
				exists = true
			}
		case objectstore.OpRemove:
			removed = true
			exists = false
		case objectstore.OpSetAllocHint, objectstore.OpSetOpFlags:
			// no-op in the fake
		}
	}

	if removed {
		delete(f.objects, oid)
		delete(f.exists, oid)
		return nil
	}

	f.objects[oid] = data
	f.exists[oid] = exists
	return nil
}

func (f *fakeBackend) GetSize(oid string) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return int64(len(f.objects[oid])), nil
}

func (f *fakeBackend) Delete(oid string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.objects, oid)
	delete(f.exists, oid)
	return nil
}

func (f *fakeBackend) get(oid string) ([]byte, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	data, ok := f.exists[oid]
	return f.objects[oid], data && ok
}

// fakeParent is a ParentImage that serves fixed bytes for any extent vector
// requested, tracking how many times it was invoked.
type fakeParent struct {
	mu   sync.Mutex
	data []byte
	n    int
}

func (p *fakeParent) ReadFromParent(extents extent.Vector, done func([]byte, int, error)) {
	p.mu.Lock()
	p.n++
	p.mu.Unlock()
	go done(p.data, len(p.data), nil)
}

func (p *fakeParent) calls() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.n
}

const testObjectSize = 4096

func newTestDeps(backend *fakeBackend, parent *fakeParent, pv *parentview.View, om *objectmap.Map, copyOnRead bool) Deps {
	store := objectstore.New(backend, 2, 2, time.Millisecond)

	var coord *copyup.Coordinator
	if parent != nil {
		coord = copyup.NewCoordinator(store, parent)
	}

	var pi ParentImage
	if parent != nil {
		pi = parent
	}

	return Deps{
		Layout:      striper.Layout{ObjectSize: testObjectSize},
		ParentView:  pv,
		Parent:      pi,
		Store:       store,
		ObjectMap:   om,
		Coordinator: coord,
		CopyOnRead:  copyOnRead,
	}
}

func waitFor(t interface{ Fatal(...interface{}) }, cond func() bool) {
	deadline := time.Now().Add(2 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatal("timed out waiting for condition")
		}
		time.Sleep(time.Millisecond)
	}
}
