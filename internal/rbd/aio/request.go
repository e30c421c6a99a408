// Copyright (C) 2021 Vojtech Aschenbrenner <v@asch.cz>

// Package aio implements the AioRequest/AioRead/AbstractWrite state machine
// from the core spec: the per-object engine that drives one read or write
// against one backing object, pulling from a parent image and coordinating
// copyup materialisation when the object is absent.
package aio

import (
	"sync"

	"github.com/asch/rbdclone/internal/rbd/copyup"
	"github.com/asch/rbdclone/internal/rbd/extent"
	"github.com/asch/rbdclone/internal/rbd/objectmap"
	"github.com/asch/rbdclone/internal/rbd/objectstore"
	"github.com/asch/rbdclone/internal/rbd/parentview"
	"github.com/asch/rbdclone/internal/rbd/striper"
	"github.com/asch/rbdclone/internal/watcher"
)

// Result codes this package and its collaborators use throughout, matching
// objectstore's own int convention (0/positive: success/bytes, negative:
// error). ENOENT lines up with objectstore.errCode's NotFound mapping so a
// result threaded straight out of a Store callback needs no translation.
const (
	ENOENT  = -1
	IOError = -2
)

// ParentImage is the out-of-scope parent-image collaborator: the capability
// to read a vector of image-space extents from the parent image at this
// request's snapshot id. Its method set is exactly copyup.ParentReader's, so
// any ParentImage can be handed to copyup.NewCoordinator directly with no
// adapter.
type ParentImage interface {
	ReadFromParent(extents extent.Vector, done func(data []byte, n int, err error))
}

// Deps bundles every external collaborator an AioRequest needs (§6's
// "Consumed from" list). One Deps is shared by every request against one
// image; nil Parent/Coordinator means the image has no parent attached.
type Deps struct {
	Layout      striper.Layout
	ParentView  *parentview.View
	Parent      ParentImage
	Store       *objectstore.Store
	ObjectMap   *objectmap.Map
	Coordinator *copyup.Coordinator

	// Watcher stands in for the out-of-scope exclusive-lock protocol (§6's
	// ImageWatcher). A nil Watcher means this image runs with no lock
	// protocol wired in at all (e.g. in tests); when set, send_pre asserts
	// ownership before issuing its pre-transition (§4.3), re-checked for
	// every object rather than once per batched kernel write.
	Watcher *watcher.ImageWatcher

	// CopyOnRead gates both the read-side copy-on-read policy and, per
	// spec, whether a guarded write coordinates its materialisation
	// through the CopyupCoordinator at all; ReadOnly additionally
	// suppresses copy-on-read for read-only snapshots.
	CopyOnRead bool
	ReadOnly   bool
}

// Completion is the single-shot result callback every AioRequest fires
// exactly once (P2/I6).
type Completion func(result int)

// request is the common AioRequest state (§3) embedded by Read and
// AbstractWrite.
type request struct {
	deps Deps

	oid      string
	objectNo uint64
	off      uint64
	length   uint64
	snapID   uint64

	hideENOENT bool
	completion Completion

	parentExtents extent.Vector
	readBuf       []byte

	once sync.Once
}

func newRequest(deps Deps, oid string, objectNo, off, length, snapID uint64, hideENOENT bool, completion Completion) request {
	r := request{
		deps:       deps,
		oid:        oid,
		objectNo:   objectNo,
		off:        off,
		length:     length,
		snapID:     snapID,
		hideENOENT: hideENOENT,
		completion: completion,
	}
	r.computeParentExtents()
	return r
}

// computeParentExtents recomputes parent_extents by mapping this request's
// whole backing object (not just its own intra-object sub-range — the
// constructor maps "the full object address space", §4.1) to image space
// and pruning against the current parent overlap for its snapshot id.
// Returns true iff any byte still overlaps. A SnapshotGone lookup (the view
// has no recorded overlap for this snapshot) degrades to "no parent" rather
// than erroring, per §7. This is the extent a CopyupRequest is seeded with:
// a copyup materialises the whole object, not just whatever range a given
// reader or writer happened to touch.
func (r *request) computeParentExtents() bool {
	if !r.deps.ParentView.IsParentAttached() {
		r.parentExtents = extent.Vector{}
		return false
	}

	imageExtents := r.deps.Layout.ObjectToImageExtents(r.objectNo, 0, r.deps.Layout.ObjectSize)
	pruned, total := r.deps.ParentView.PruneParentExtents(imageExtents, r.snapID)
	r.parentExtents = pruned
	return total > 0
}

// requestSubExtentOverlap prunes just this request's own intra-object
// sub-range against the current parent overlap — narrower than
// computeParentExtents's whole-object view. AioRead's guard fallback uses
// this to fetch only the bytes it needs to answer the caller, per §4.2's
// "recompute parent_extents for the actual request sub-extent (not the full
// object)".
func (r *request) requestSubExtentOverlap() extent.Vector {
	if !r.deps.ParentView.IsParentAttached() {
		return extent.Vector{}
	}

	imageExtents := r.deps.Layout.ObjectToImageExtents(r.objectNo, r.off, r.length)
	pruned, _ := r.deps.ParentView.PruneParentExtents(imageExtents, r.snapID)
	return pruned
}

// readFromParent initiates an async read from the parent image. A nil
// Parent (no parent attached) completes synchronously with zero bytes
// rather than erroring, so callers that raced a concurrent detach degrade
// gracefully instead of panicking.
func (r *request) readFromParent(extents extent.Vector, done func(data []byte, n int, err error)) {
	if r.deps.Parent == nil {
		done(nil, 0, nil)
		return
	}
	r.deps.Parent.ReadFromParent(extents, done)
}

// finish delivers the terminal result to the caller's completion exactly
// once (P2/I6), remapping a hidden ENOENT to success first.
func (r *request) finish(result int) {
	r.once.Do(func() {
		if r.hideENOENT && result == ENOENT {
			result = 0
		}
		r.completion(result)
	})
}

func isAllZero(b []byte) bool {
	for _, v := range b {
		if v != 0 {
			return false
		}
	}
	return true
}
