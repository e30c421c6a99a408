// Copyright (C) 2021 Vojtech Aschenbrenner <v@asch.cz>

// Package copyup implements the CopyupCoordinator and CopyupRequest
// collaborators from the core spec (§4.4): deduplicated materialisation of a
// parent image's data into one child object, shared across every concurrent
// reader/writer that discovers the object absent.
//
// The dedup-by-key-under-a-leaf-mutex shape mirrors the teacher's gcData
// refcounter pattern in bs3.go — a mutex held only across the map
// lookup/insert, never across I/O.
package copyup

import (
	"sync"

	"github.com/rs/zerolog/log"

	"github.com/asch/rbdclone/internal/rbd/extent"
	"github.com/asch/rbdclone/internal/rbd/objectstore"
)

// ParentReader performs the phase-1 read of parent extents into a buffer. It
// is satisfied by the aio package's parent-read path without this package
// importing aio (which would cycle, since aio creates CopyupRequests).
type ParentReader interface {
	ReadFromParent(extents extent.Vector, done func(data []byte, n int, err error))
}

// Waiter is an appended write request that must be re-entered once the
// combined copyup+writes op completes.
type Waiter interface {
	Complete(r int)
}

type waiterEntry struct {
	waiter Waiter
	ops    []objectstore.Op
}

// Coordinator is the per-image map from object number to in-flight
// CopyupRequest (§4.4, I3: at most one per object number at a time).
type Coordinator struct {
	mu       sync.Mutex
	inflight map[uint64]*Request

	store  *objectstore.Store
	reader ParentReader
}

// NewCoordinator returns an empty coordinator bound to store and reader.
func NewCoordinator(store *objectstore.Store, reader ParentReader) *Coordinator {
	return &Coordinator{
		inflight: make(map[uint64]*Request),
		store:    store,
		reader:   reader,
	}
}

// Get returns the in-flight request for objectNo, if any, i.e. whether a
// materialisation is already under way for it.
func (c *Coordinator) Get(objectNo uint64) (*Request, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	req, ok := c.inflight[objectNo]
	return req, ok
}

// StartIfAbsent creates and queues a fire-and-forget CopyupRequest for
// objectNo if (and only if) none is already in flight — the copy-on-read
// path from §4.2's READ_COPYUP state, which has no waiters of its own.
// Returns false if one was already in flight (the existing one will
// materialise the object; no new op is needed).
func (c *Coordinator) StartIfAbsent(objectNo uint64, oid string, parentExtents extent.Vector) bool {
	c.mu.Lock()
	if _, ok := c.inflight[objectNo]; ok {
		c.mu.Unlock()
		return false
	}

	req := c.newRequestLocked(objectNo, oid, parentExtents)
	c.mu.Unlock()

	req.QueueSend()
	return true
}

// JoinOrStart is the write-side path from §4.3's WRITE_GUARD: get-or-create
// the CopyupRequest for objectNo and append waiter to it, atomically with
// the lookup/insert (I3). If an in-flight request for objectNo exists but
// has already entered phase 2 (its combined op is already built and in
// flight), the append is rejected — joined is false — per §9's design-notes
// choice to reject late appends rather than race the op batch; the caller
// must fall back to the slow path (direct parent read, solo copyup).
// bufPtr points at the request's shared copyup buffer, filled by phase 1;
// since the combined op already carries every waiter's ops, waiters are
// finished through Waiter.Complete and do not read it. created reports
// whether this call
// created the request (the caller is then the "originator" and must issue
// Send/QueueSend itself).
func (c *Coordinator) JoinOrStart(objectNo uint64, oid string, parentExtents extent.Vector, waiter Waiter, ops []objectstore.Op) (req *Request, bufPtr *[]byte, created bool, joined bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	req, ok := c.inflight[objectNo]
	if ok {
		if req.phase2Started {
			return nil, nil, false, false
		}
		req.waiters = append(req.waiters, waiterEntry{waiter: waiter, ops: ops})
		return req, &req.buffer, false, true
	}

	req = c.newRequestLocked(objectNo, oid, parentExtents)
	req.waiters = append(req.waiters, waiterEntry{waiter: waiter, ops: ops})
	return req, &req.buffer, true, true
}

func (c *Coordinator) newRequestLocked(objectNo uint64, oid string, parentExtents extent.Vector) *Request {
	req := &Request{
		objectNo:      objectNo,
		oid:           oid,
		parentExtents: parentExtents,
		coordinator:   c,
	}
	c.inflight[objectNo] = req
	return req
}

func (c *Coordinator) remove(objectNo uint64) {
	c.mu.Lock()
	delete(c.inflight, objectNo)
	c.mu.Unlock()
}

// Request is one materialisation operation in flight for one object.
type Request struct {
	objectNo      uint64
	oid           string
	parentExtents extent.Vector

	coordinator *Coordinator

	buffer        []byte
	waiters       []waiterEntry
	phase2Started bool
}

// QueueSend schedules phase 1 to run on a new goroutine.
func (r *Request) QueueSend() {
	go r.send()
}

// Send runs phase 1 directly on the calling goroutine and returns only when
// the ParentReader's ReadFromParent returns. A ParentReader that waits for
// its reads before calling back (as internal/image's remoteParent does)
// therefore makes Send block through the parent read and the hand-off to
// phase 2.
func (r *Request) Send() {
	r.send()
}

func (r *Request) send() {
	log.Debug().Uint64("object_no", r.objectNo).Str("oid", r.oid).
		Msg("copyup: reading parent extents")

	r.coordinator.reader.ReadFromParent(r.parentExtents, func(data []byte, n int, err error) {
		if err != nil {
			log.Error().Uint64("object_no", r.objectNo).Err(err).
				Msg("copyup: parent read failed")
			r.finish(-1)
			return
		}

		r.buffer = data
		r.runPhase2()
	})
}

func (r *Request) runPhase2() {
	waiters := r.beginPhase2()

	var b objectstore.Builder
	if !isAllZero(r.buffer) {
		b.Exec("rbd", "copyup", r.buffer)
	}
	for _, w := range waiters {
		b.AppendOps(w.ops)
	}

	if b.Size() == 0 {
		// Nothing to materialise and no waiter payload: e.g. a
		// copy-on-read copyup of an all-zero parent range.
		r.finish(0)
		return
	}

	log.Debug().Uint64("object_no", r.objectNo).Int("waiters", len(waiters)).
		Msg("copyup: issuing combined op")

	r.coordinator.store.AioOperate(r.oid, b.Ops(), 0, nil, false, func(result int, err error) {
		r.finish(result)
	})
}

// beginPhase2 flips the request into phase 2 under the coordinator's mutex,
// per the "hold copyup_list_lock across the phase-1->phase-2 transition"
// guidance in §9's design notes, and returns a snapshot of the waiters
// appended so far.
func (r *Request) beginPhase2() []waiterEntry {
	r.coordinator.mu.Lock()
	defer r.coordinator.mu.Unlock()

	r.phase2Started = true

	waiters := make([]waiterEntry, len(r.waiters))
	copy(waiters, r.waiters)
	return waiters
}

func (r *Request) finish(result int) {
	r.coordinator.remove(r.objectNo)

	for _, w := range r.waiters {
		w.waiter.Complete(result)
	}
}

func isAllZero(b []byte) bool {
	for _, v := range b {
		if v != 0 {
			return false
		}
	}
	return true
}
