package aio

import (
	"github.com/rs/zerolog/log"

	"github.com/asch/rbdclone/internal/rbd/objectmap"
	"github.com/asch/rbdclone/internal/rbd/objectstore"
)

// WriteState is AbstractWrite's state enum (§4.3).
type WriteState int

const (
	WriteFlat WriteState = iota
	WriteGuard
	WritePre
	WritePost
	WriteCopyup
	WriteError
)

func (s WriteState) String() string {
	switch s {
	case WriteGuard:
		return "WRITE_GUARD"
	case WritePre:
		return "WRITE_PRE"
	case WritePost:
		return "WRITE_POST"
	case WriteCopyup:
		return "WRITE_COPYUP"
	case WriteError:
		return "WRITE_ERROR"
	default:
		return "WRITE_FLAT"
	}
}

// writeOps is the per-payload strategy hook each concrete write
// (Write/Discard/CompareAndWrite) supplies to the shared AbstractWrite
// machine: the object-map states it wants either side of its op, and the
// operations that make up the op itself.
type writeOps interface {
	// preObjectMapState is send_pre's pre_object_map_update hook: the
	// state this write wants recorded before it runs.
	preObjectMapState() objectmap.State

	// postObjectMapState is send_post's hook: the state to transition to
	// once the write lands, and whether that transition is needed at
	// all (a write that doesn't free the object skips it, I5).
	postObjectMapState() (state objectmap.State, needed bool)

	// addWriteOps appends this write's own operations — write, zero,
	// write-same, cmpext, whatever the payload is — after guard_write's
	// assert_exists prefix (if any).
	addWriteOps(b *objectstore.Builder)
}

// AbstractWrite is the common AioWrite state machine (§4.3), parameterised
// over payload by the writeOps strategy each concrete type supplies.
type AbstractWrite struct {
	request

	self writeOps

	state   WriteState
	snapSeq uint64
	snaps   []uint64
}

func newAbstractWrite(deps Deps, oid string, objectNo, off, length, snapID, snapSeq uint64, snaps []uint64, hideENOENT bool, completion Completion, self writeOps) AbstractWrite {
	return AbstractWrite{
		request: newRequest(deps, oid, objectNo, off, length, snapID, hideENOENT, completion),
		self:    self,
		state:   WriteFlat,
		snapSeq: snapSeq,
		snaps:   snaps,
	}
}

// Send runs send_pre, proceeding straight to the write iff no ObjectMap
// transition is needed. The caller is expected to hold whatever
// serialisation stands in for owner_lock (§5); this package does not
// acquire it itself.
func (w *AbstractWrite) Send() {
	if w.sendPre() {
		w.sendWrite()
	}
}

// sendPre consults the ObjectMap (§4.3). Returns true if the write may
// proceed immediately (map disabled, B3; or the cell already records the
// state this write wants, P4); false if an async update was issued and will
// re-enter via complete. Asserts local lock ownership first, per §4.3's
// "the image-watcher reports local lock ownership" precondition — checked
// here, per object, rather than once for a whole batched kernel write, so a
// lock lost mid-fan-out is caught at the object it actually affects.
func (w *AbstractWrite) sendPre() bool {
	if w.deps.Watcher != nil {
		w.deps.Watcher.AssertLockOwner()
	}

	if !w.deps.ObjectMap.Enabled() {
		return true
	}

	newState := w.self.preObjectMapState()
	if w.deps.ObjectMap.Get(w.objectNo) == newState {
		return true
	}

	w.state = WritePre
	w.deps.ObjectMap.AioUpdate(w.objectNo, newState, nil, func(result int) {
		w.complete(result)
	})
	return false
}

func (w *AbstractWrite) sendWrite() {
	w.state = WriteFlat
	w.issueWrite(w.guardWrite())
}

// guardWrite builds the op batch, prepending assert_exists and switching to
// WRITE_GUARD iff this object still has parent overlap.
func (w *AbstractWrite) guardWrite() *objectstore.Builder {
	var b objectstore.Builder
	if len(w.parentExtents) > 0 {
		w.state = WriteGuard
		b.AssertExists()
	}
	w.self.addWriteOps(&b)
	return &b
}

func (w *AbstractWrite) issueWrite(b *objectstore.Builder) {
	w.deps.Store.AioOperate(w.oid, b.Ops(), w.snapSeq, w.snaps, true, func(result int, err error) {
		w.complete(result)
	})
}

// pendingOps renders this write's own ops (without assert_exists — a
// CopyupRequest's combined batch doesn't need one, the copyup/existing
// object guarantees presence) for handing to the coordinator as a waiter.
func (w *AbstractWrite) pendingOps() []objectstore.Op {
	var b objectstore.Builder
	w.self.addWriteOps(&b)
	return b.Ops()
}

func (w *AbstractWrite) complete(result int) {
	if w.shouldComplete(result) {
		w.finish(result)
	}
}

func (w *AbstractWrite) shouldComplete(result int) bool {
	switch w.state {
	case WritePre:
		return w.shouldCompletePre(result)
	case WriteGuard:
		return w.shouldCompleteGuard(result)
	case WriteCopyup:
		return w.shouldCompleteCopyup(result)
	case WriteFlat:
		return w.sendPost()
	default: // WritePost, WriteError
		return true
	}
}

func (w *AbstractWrite) shouldCompletePre(result int) bool {
	if result < 0 {
		w.state = WriteError
		return true
	}
	w.sendWrite()
	return false
}

// shouldCompleteGuard implements §4.3's WRITE_GUARD branch.
func (w *AbstractWrite) shouldCompleteGuard(result int) bool {
	switch {
	case result == ENOENT:
		if w.computeParentExtents() {
			w.state = WriteCopyup
			if w.deps.CopyOnRead && w.deps.Coordinator != nil {
				if w.joinCoordinator() {
					return false
				}
				// Late-join rejected (§9's design note): fall back to
				// the slow path below.
			}

			w.readFromParent(w.parentExtents, func(data []byte, n int, err error) {
				if err != nil {
					log.Error().Uint64("object_no", w.objectNo).Err(err).Msg("aio: parent read failed")
					w.complete(IOError)
					return
				}
				w.readBuf = data
				w.complete(n)
			})
			return false
		}

		// Parent disappeared concurrently (B2/§7c): materialise nothing,
		// the write stands alone.
		w.state = WriteFlat
		w.readBuf = nil
		w.sendCopyup()
		return false

	case result < 0:
		w.state = WriteError
		return true

	default:
		return w.sendPost()
	}
}

// joinCoordinator attempts to create-or-join a CopyupRequest for this
// object, handing it this write's own ops so the combined op (§4.4) carries
// them. Returns false if the join was rejected (request already entered
// phase 2), in which case the caller must fall back to a solo copyup.
func (w *AbstractWrite) joinCoordinator() bool {
	req, _, created, joined := w.deps.Coordinator.JoinOrStart(w.objectNo, w.oid, w.parentExtents, w, w.pendingOps())
	if !joined {
		return false
	}

	if created {
		req.QueueSend()
	}
	return true
}

// Complete satisfies copyup.Waiter: the combined copyup+writes op (which
// already carries this write's own ops) has finished. The write itself
// needs no further op — only the post-transition remains.
func (w *AbstractWrite) Complete(r int) {
	if r < 0 {
		w.state = WriteError
		w.finish(r)
		return
	}
	if w.sendPost() {
		w.finish(r)
	}
}

// shouldCompleteCopyup is the solo (non-coordinator) path's post-parent-read
// step: this is the only writer for this object, so it builds and issues
// its own combined exec+write op directly.
func (w *AbstractWrite) shouldCompleteCopyup(result int) bool {
	w.state = WriteGuard
	if result < 0 {
		return w.shouldCompleteGuard(result)
	}
	w.sendCopyup()
	return false
}

// sendCopyup builds one atomic op starting with exec("copyup", data) unless
// the parent data is all-zero, followed by this write's own ops (§4.4's
// wire-format note).
func (w *AbstractWrite) sendCopyup() {
	var b objectstore.Builder
	if !isAllZero(w.readBuf) {
		b.Exec("rbd", "copyup", w.readBuf)
	}
	w.self.addWriteOps(&b)
	w.issueWrite(&b)
}

// sendPost performs the symmetric ObjectMap transition (§4.3, §9's Open
// Question: only when the current cell is still PENDING). Returns true if
// no async update was needed or warranted.
func (w *AbstractWrite) sendPost() bool {
	if !w.deps.ObjectMap.Enabled() {
		return true
	}

	newState, needed := w.self.postObjectMapState()
	if !needed {
		return true
	}

	if w.deps.ObjectMap.Get(w.objectNo) != objectmap.Pending {
		return true
	}

	w.state = WritePost
	expected := objectmap.Pending
	w.deps.ObjectMap.AioUpdate(w.objectNo, newState, &expected, func(result int) {
		w.complete(result)
	})
	return false
}

// Write is a plain data write of its buffer at off within the object (§3's
// default AioWrite payload).
type Write struct {
	AbstractWrite

	data       []byte
	objectSize uint64
	opFlags    uint32
}

// NewWrite constructs a full write of data at off within objectNo.
func NewWrite(deps Deps, oid string, objectNo, off, snapID, snapSeq uint64, snaps []uint64, objectSize uint64, data []byte, opFlags uint32, hideENOENT bool, completion Completion) *Write {
	w := &Write{data: data, objectSize: objectSize, opFlags: opFlags}
	w.AbstractWrite = newAbstractWrite(deps, oid, objectNo, off, uint64(len(data)), snapID, snapSeq, snaps, hideENOENT, completion, w)
	return w
}

func (w *Write) preObjectMapState() objectmap.State { return objectmap.Exists }

func (w *Write) postObjectMapState() (objectmap.State, bool) { return objectmap.NonExistent, false }

func (w *Write) addWriteOps(b *objectstore.Builder) {
	b.SetAllocHint(w.objectSize, w.objectSize)
	b.Write(w.off, w.data)
	if w.opFlags != 0 {
		b.SetOpFlags(w.opFlags)
	}
}

// Discard is a zero/trim write (AioDiscard): it zero-fills its range and, if
// the range covers the whole object, removes the object outright and
// transitions the map cell back to NONEXISTENT (I5).
type Discard struct {
	AbstractWrite

	length      uint64
	wholeObject bool
}

// NewDiscard constructs a discard of [off, off+length) within objectNo.
// wholeObject must be true iff that range is the entire object, per I5's
// "write semantics implies object removal" post-transition.
func NewDiscard(deps Deps, oid string, objectNo, off, length, snapID, snapSeq uint64, snaps []uint64, wholeObject bool, hideENOENT bool, completion Completion) *Discard {
	d := &Discard{length: length, wholeObject: wholeObject}
	d.AbstractWrite = newAbstractWrite(deps, oid, objectNo, off, length, snapID, snapSeq, snaps, hideENOENT, completion, d)
	return d
}

func (d *Discard) preObjectMapState() objectmap.State { return objectmap.Pending }

func (d *Discard) postObjectMapState() (objectmap.State, bool) {
	return objectmap.NonExistent, d.wholeObject
}

func (d *Discard) addWriteOps(b *objectstore.Builder) {
	b.Zero(d.off, d.length)
	if d.wholeObject {
		b.Remove()
	}
}

// CompareAndWrite guards a write behind a byte-for-byte comparison of the
// current content (AioCompareAndWrite): the op fails with NotFound-shaped
// semantics if the compared range doesn't match cmpData.
type CompareAndWrite struct {
	AbstractWrite

	cmpData    []byte
	writeData  []byte
	objectSize uint64
}

// NewCompareAndWrite constructs a compare-and-write at off within objectNo:
// the existing bytes must equal cmpData or the op fails; on match, writeData
// is written in their place. Both slices must be the same length.
func NewCompareAndWrite(deps Deps, oid string, objectNo, off, snapID, snapSeq uint64, snaps []uint64, objectSize uint64, cmpData, writeData []byte, hideENOENT bool, completion Completion) *CompareAndWrite {
	c := &CompareAndWrite{cmpData: cmpData, writeData: writeData, objectSize: objectSize}
	c.AbstractWrite = newAbstractWrite(deps, oid, objectNo, off, uint64(len(writeData)), snapID, snapSeq, snaps, hideENOENT, completion, c)
	return c
}

func (c *CompareAndWrite) preObjectMapState() objectmap.State { return objectmap.Exists }

func (c *CompareAndWrite) postObjectMapState() (objectmap.State, bool) {
	return objectmap.NonExistent, false
}

func (c *CompareAndWrite) addWriteOps(b *objectstore.Builder) {
	b.SetAllocHint(c.objectSize, c.objectSize)
	b.CmpExt(c.off, c.cmpData)
	b.Write(c.off, c.writeData)
}
