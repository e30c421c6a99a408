// Copyright (C) 2021 Vojtech Aschenbrenner <v@asch.cz>

// Package objectmap implements the ObjectMap collaborator from the core
// spec: a persistent per-object presence/state vector supporting synchronous
// lookup and asynchronous CAS-style state transitions. Updates are
// serialized onto a single owning goroutine, the same cache-locality and
// ordering rationale the teacher's mapproxy package uses for its extent map
// — one goroutine touches the backing array, everyone else talks to it
// through channels.
package objectmap

import (
	"bytes"
	"encoding/gob"
	"sync"

	"github.com/rs/zerolog/log"
)

// State is one cell's presence/state value.
type State uint8

const (
	// NonExistent means the object has never been written, or was removed
	// by a discard that spanned the whole object.
	NonExistent State = iota
	// Exists means the object holds data the store can serve directly.
	Exists
	// Pending is a transient state held between send_pre and send_post of
	// a write that may change the cell's final state.
	Pending
)

func (s State) String() string {
	switch s {
	case NonExistent:
		return "NONEXISTENT"
	case Exists:
		return "EXISTS"
	case Pending:
		return "PENDING"
	default:
		return "UNKNOWN"
	}
}

// UpdateCompletion is invoked exactly once when an asynchronous update
// finishes, carrying 0 on success or a negative error code on failure —
// mirroring the single-result-integer completion contract the aio package
// itself uses.
type UpdateCompletion func(result int)

// Map is a synchronous-lookup, asynchronous-update object map. The zero
// value is not usable; construct with New or NewDisabled.
type Map struct {
	enabled bool

	mu     sync.RWMutex
	cells  []State
	prefix string // persisted blob identifier, for Serialize/Load callers

	updates chan updateReq
}

type updateReq struct {
	objectNo uint64
	newState State
	expected *State // nil means "unconstrained", per §6's maybe_expected_current
	done     UpdateCompletion
}

// New returns an enabled map sized for numObjects, all cells NONEXISTENT.
func New(numObjects uint64) *Map {
	m := &Map{
		enabled: true,
		cells:   make([]State, numObjects),
		updates: make(chan updateReq, 64),
	}
	go m.worker()
	return m
}

// NewDisabled returns a map that reports Enabled() == false. Per §4.3's
// send_pre/send_post, a disabled map means every pre/post transition is
// skipped entirely (write proceeds straight to FLAT, boundary B3).
func NewDisabled() *Map {
	return &Map{enabled: false}
}

// Enabled reports whether this object map participates in guarding writes.
func (m *Map) Enabled() bool {
	return m.enabled
}

// ObjectMayExist reports whether object_no could possibly hold data. Only
// NONEXISTENT definitively rules an object out; EXISTS and PENDING both
// answer true since a PENDING write may have already completed its data
// write before the map cell settles.
func (m *Map) ObjectMayExist(objectNo uint64) bool {
	if !m.enabled {
		return true
	}

	m.mu.RLock()
	defer m.mu.RUnlock()

	if objectNo >= uint64(len(m.cells)) {
		return true
	}
	return m.cells[objectNo] != NonExistent
}

// Get returns the current state of object_no (the source's operator[]).
func (m *Map) Get(objectNo uint64) State {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if objectNo >= uint64(len(m.cells)) {
		return NonExistent
	}
	return m.cells[objectNo]
}

// AioUpdate requests an asynchronous transition of object_no to newState.
// When expected is non-nil the transition only commits if the cell currently
// holds *expected; otherwise it is a no-op success (idempotent — see
// DESIGN.md's Open Question decision on the source's assert-after-update).
// Returns false, synchronously, when the map is disabled (the caller must
// then proceed without waiting for done).
func (m *Map) AioUpdate(objectNo uint64, newState State, expected *State, done UpdateCompletion) bool {
	if !m.enabled {
		return false
	}

	m.updates <- updateReq{objectNo: objectNo, newState: newState, expected: expected, done: done}
	return true
}

func (m *Map) worker() {
	for req := range m.updates {
		m.applyUpdate(req)
	}
}

func (m *Map) applyUpdate(req updateReq) {
	m.mu.Lock()

	if req.objectNo >= uint64(len(m.cells)) {
		m.mu.Unlock()
		log.Error().Uint64("object_no", req.objectNo).Msg("objectmap: update out of range")
		req.done(-1)
		return
	}

	current := m.cells[req.objectNo]
	if req.expected != nil && current != *req.expected {
		// Someone else already made (or superseded) this transition.
		// Treat as an idempotent success rather than the panic the
		// original's assert(updated) would imply.
		m.mu.Unlock()
		log.Debug().Uint64("object_no", req.objectNo).
			Str("current", current.String()).
			Str("expected", req.expected.String()).
			Msg("objectmap: update precondition no longer holds, treating as success")
		req.done(0)
		return
	}

	m.cells[req.objectNo] = req.newState
	m.mu.Unlock()

	log.Trace().Uint64("object_no", req.objectNo).
		Str("new_state", req.newState.String()).
		Msg("objectmap: updated")
	req.done(0)
}

// persisted is the gob-serializable shape of the map, following the
// teacher's sectormap.SectorMap "export the slice, gob it" approach.
type persisted struct {
	Cells []State
}

// Serialize snapshots the map to a gob blob, suitable for uploading through
// ObjectStore at a well-known checkpoint object id (see internal/image's use
// of the teacher's checkpoint-key convention).
func (m *Map) Serialize() []byte {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var buf bytes.Buffer
	enc := gob.NewEncoder(&buf)
	if err := enc.Encode(persisted{Cells: m.cells}); err != nil {
		log.Error().Err(err).Msg("objectmap: serialize failed")
		return nil
	}
	return buf.Bytes()
}

// Load restores cells from a blob previously produced by Serialize. If the
// device was resized, cells is grown or shrunk to numObjects, new cells
// defaulting to NONEXISTENT, matching sectormap's resize-on-restore
// behaviour.
func (m *Map) Load(buf []byte, numObjects uint64) error {
	var p persisted
	dec := gob.NewDecoder(bytes.NewReader(buf))
	if err := dec.Decode(&p); err != nil {
		return err
	}

	cells := make([]State, numObjects)
	copy(cells, p.Cells)

	m.mu.Lock()
	m.cells = cells
	m.mu.Unlock()

	return nil
}
