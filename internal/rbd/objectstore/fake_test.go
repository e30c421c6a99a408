package objectstore

import (
	"sync"

	"github.com/asch/rbdclone/internal/rbd/extent"
)

// fakeBackend is an in-memory Backend used by this package's tests. It
// supports exactly the Op kinds this core issues.
type fakeBackend struct {
	mu      sync.Mutex
	objects map[string][]byte
	exists  map[string]bool
}

func newFakeBackend() *fakeBackend {
	return &fakeBackend{
		objects: make(map[string][]byte),
		exists:  make(map[string]bool),
	}
}

func (f *fakeBackend) Read(oid string, off, length uint64) ([]byte, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if !f.exists[oid] {
		return nil, ErrNotFound
	}

	data := f.objects[oid]
	if off >= uint64(len(data)) {
		return make([]byte, length), nil
	}

	end := off + length
	if end > uint64(len(data)) {
		end = uint64(len(data))
	}

	out := make([]byte, length)
	copy(out, data[off:end])
	return out, nil
}

func (f *fakeBackend) SparseRead(oid string, off, length uint64) (SparseResult, error) {
	data, err := f.Read(oid, off, length)
	if err != nil {
		return SparseResult{}, err
	}
	return SparseResult{Data: data, Extents: extent.Single(off, uint64(len(data)))}, nil
}

func (f *fakeBackend) Operate(oid string, ops []Op, snapSeq uint64, snaps []uint64) error {
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
		case OpAssertExists:
			if !exists {
				return ErrNotFound
			}
		case OpWrite:
			ensure(int(op.Offset) + len(op.Data))
			copy(data[op.Offset:], op.Data)
			exists = true
		case OpZero:
			ensure(int(op.Offset) + int(op.Length))
			for i := uint64(0); i < op.Length; i++ {
				data[op.Offset+i] = 0
			}
			exists = true
		case OpWriteSame:
			ensure(int(op.Offset) + int(op.Length))
			for i := uint64(0); i < op.Length; i++ {
				data[op.Offset+i] = op.Data[i%uint64(len(op.Data))]
			}
			exists = true
		case OpCmpExt:
			if !exists || op.Offset+uint64(len(op.Data)) > uint64(len(data)) {
				return ErrNotFound
			}
			for i, b := range op.Data {
				if data[op.Offset+uint64(i)] != b {
					return ErrNotFound
				}
			}
		case OpExec:
			// copyup: no-op if the object already exists.
			if !exists {
				ensure(len(op.Data))
				copy(data, op.Data)
				exists = true
			}
		case OpSetAllocHint, OpSetOpFlags:
			// no-op for the fake.
		case OpRemove:
			removed = true
			exists = false
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

	if !f.exists[oid] {
		return 0, ErrNotFound
	}
	return int64(len(f.objects[oid])), nil
}

func (f *fakeBackend) Delete(oid string) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	delete(f.objects, oid)
	delete(f.exists, oid)
	return nil
}

func (f *fakeBackend) seed(oid string, data []byte) {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.objects[oid] = append([]byte{}, data...)
	f.exists[oid] = true
}
