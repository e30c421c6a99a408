package aio

import (
	"github.com/rs/zerolog/log"

	"github.com/asch/rbdclone/internal/rbd/extent"
	"github.com/asch/rbdclone/internal/rbd/objectstore"
	"github.com/asch/rbdclone/internal/rbd/parentview"
)

// ReadState is AioRead's state enum (§4.2).
type ReadState int

const (
	ReadFlat ReadState = iota
	ReadGuard
	ReadCopyup
)

func (s ReadState) String() string {
	switch s {
	case ReadGuard:
		return "READ_GUARD"
	case ReadCopyup:
		return "READ_COPYUP"
	default:
		return "READ_FLAT"
	}
}

// Read is the AioRead state machine.
type Read struct {
	request

	state   ReadState
	sparse  bool
	opFlags uint32

	triedParent   bool
	sparseResult  extent.Vector
}

// NewRead constructs an AioRead for one backing object. State starts at
// READ_GUARD iff the object's intra-object extent already overlaps the
// parent at construction time, READ_FLAT otherwise.
func NewRead(deps Deps, oid string, objectNo, off, length, snapID uint64, sparse bool, opFlags uint32, hideENOENT bool, completion Completion) *Read {
	req := newRequest(deps, oid, objectNo, off, length, snapID, hideENOENT, completion)

	state := ReadFlat
	if len(req.parentExtents) > 0 {
		state = ReadGuard
	}

	return &Read{request: req, state: state, sparse: sparse, opFlags: opFlags}
}

// Data returns the bytes read once the request has completed.
func (r *Read) Data() []byte { return r.readBuf }

// SparseExtents returns the sub-extents that actually held data, for sparse
// reads only.
func (r *Read) SparseExtents() extent.Vector { return r.sparseResult }

// Send issues the primary read, short-circuiting with NotFound first if the
// ObjectMap says the object cannot possibly exist (B1).
func (r *Read) Send() {
	if !r.deps.ObjectMap.ObjectMayExist(r.objectNo) {
		log.Trace().Uint64("object_no", r.objectNo).Msg("aio: object map rules out object, short-circuiting read")
		r.finish(ENOENT)
		return
	}

	if r.sparse {
		r.deps.Store.AioSparseRead(r.oid, r.off, r.length, true, func(res objectstore.SparseResult, n int, err error) {
			r.readBuf = res.Data
			r.sparseResult = res.Extents
			if r.shouldComplete(n) {
				r.finish(n)
			}
		})
		return
	}

	r.deps.Store.AioRead(r.oid, r.off, r.length, true, func(data []byte, n int, err error) {
		r.readBuf = data
		if r.shouldComplete(n) {
			r.finish(n)
		}
	})
}

func (r *Read) shouldComplete(result int) bool {
	switch r.state {
	case ReadGuard:
		return r.shouldCompleteGuard(result)
	case ReadCopyup:
		return r.shouldCompleteCopyup(result)
	default:
		return true
	}
}

// shouldCompleteGuard implements §4.2's READ_GUARD branch: a NotFound that
// hasn't yet tried the parent attempts a parent read; anything else (or a
// parent that turns out to have vanished/have no overlap) falls through to
// READ_FLAT with the current result standing as the answer.
func (r *Read) shouldCompleteGuard(result int) bool {
	if result == ENOENT && !r.triedParent {
		extents := r.requestSubExtentOverlap()
		if len(extents) == 0 {
			// Parent vanished or this sub-extent has no overlap (B2):
			// the ENOENT itself is the answer, and no further async op
			// is coming, so the caller must be completed now.
			r.state = ReadFlat
			return true
		}

		r.triedParent = true
		if r.deps.CopyOnRead && !r.deps.ReadOnly && r.snapID == parentview.HeadSnapID {
			r.state = ReadCopyup
		}

		r.readFromParent(extents, func(data []byte, n int, err error) {
			if err != nil {
				log.Error().Uint64("object_no", r.objectNo).Err(err).Msg("aio: parent read failed")
				r.finish(IOError)
				return
			}
			r.readBuf = data
			if r.shouldComplete(n) {
				r.finish(n)
			}
		})
		return false
	}

	if len(r.parentExtents) == 0 {
		r.state = ReadFlat
		return false
	}

	return true
}

// shouldCompleteCopyup is the post-parent-read step (§4.2): the caller's
// read is already answered regardless of what happens here. If bytes were
// read, fire-and-forget a CopyupRequest via the coordinator (deduplicated
// per P1); a read that found nothing (e.g. empty overlap after a racing
// flatten) materialises nothing.
func (r *Read) shouldCompleteCopyup(result int) bool {
	if result > 0 && r.deps.Coordinator != nil {
		r.computeParentExtents()
		if len(r.parentExtents) > 0 {
			r.deps.Coordinator.StartIfAbsent(r.objectNo, r.oid, r.parentExtents)
		}
	}
	return true
}
