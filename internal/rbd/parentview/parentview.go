// Copyright (C) 2021 Vojtech Aschenbrenner <v@asch.cz>

// Package parentview is the ParentOverlapView collaborator from the core
// spec: a read-only (to the aio state machine) snapshot of how much of a
// child image's address space is still authoritatively backed by its parent
// at a given snapshot id, and whether a parent is currently attached at all.
//
// Mutation (attach/detach, snapshot create/delete) belongs to the
// out-of-scope clone/snapshot metadata protocol; this package only exposes
// the read side the state machine needs, guarded the way ImageCtx guards
// snap_lock/parent_lock in the original.
package parentview

import (
	"errors"
	"sync"

	"github.com/asch/rbdclone/internal/rbd/extent"
)

// ErrSnapshotGone corresponds to the SnapshotGone error kind from spec.md
// §7: a parent-overlap lookup failed because the snapshot vanished
// concurrently. Callers treat this identically to "no overlap".
var ErrSnapshotGone = errors.New("parentview: snapshot gone")

// HeadSnapID is the sentinel standing in for the writable HEAD snapshot (the
// original's CEPH_NOSNAP).
const HeadSnapID uint64 = ^uint64(0)

// View tracks, per snapshot id, how many leading bytes of the child's
// address space the parent still owns. A nil/absent parent is represented by
// attached == false; overlaps map is irrelevant in that state.
type View struct {
	mu       sync.RWMutex
	attached bool
	overlaps map[uint64]uint64
}

// New returns a View with no parent attached.
func New() *View {
	return &View{overlaps: make(map[uint64]uint64)}
}

// Attach records that a parent is present and seeds the overlap for HEAD and
// any existing read snapshots. Called by the out-of-scope clone metadata
// protocol, never by the aio state machine itself.
func (v *View) Attach(overlaps map[uint64]uint64) {
	v.mu.Lock()
	defer v.mu.Unlock()

	v.attached = true
	v.overlaps = make(map[uint64]uint64, len(overlaps))
	for k, val := range overlaps {
		v.overlaps[k] = val
	}
}

// Detach removes the parent entirely; future ParentOverlap calls report "no
// parent" for every snapshot id.
func (v *View) Detach() {
	v.mu.Lock()
	defer v.mu.Unlock()

	v.attached = false
	v.overlaps = make(map[uint64]uint64)
}

// SetOverlap updates the overlap recorded for one snapshot id, e.g. after a
// flatten reduces it to zero or a new child snapshot is taken.
func (v *View) SetOverlap(snapID, overlap uint64) {
	v.mu.Lock()
	defer v.mu.Unlock()

	v.overlaps[snapID] = overlap
}

// IsParentAttached reports whether a parent image is currently attached.
func (v *View) IsParentAttached() bool {
	v.mu.RLock()
	defer v.mu.RUnlock()

	return v.attached
}

// ParentOverlap returns the number of leading bytes of the child's address
// space still backed by the parent for snapID. ok is false, with
// ErrSnapshotGone-equivalent semantics at the caller, when there is no
// recorded overlap for that snapshot (e.g. it was deleted concurrently).
func (v *View) ParentOverlap(snapID uint64) (bytes uint64, ok bool) {
	v.mu.RLock()
	defer v.mu.RUnlock()

	if !v.attached {
		return 0, false
	}

	bytes, ok = v.overlaps[snapID]
	return bytes, ok
}

// PruneParentExtents clips extents to the parent overlap recorded for
// snapID, returning the pruned vector and the number of bytes still
// overlapping. If no parent is attached, or the snapshot has no recorded
// overlap (ErrSnapshotGone case), it returns an empty vector and zero bytes —
// the request continues as though it had no parent, per spec.md §7.
func (v *View) PruneParentExtents(extents extent.Vector, snapID uint64) (extent.Vector, uint64) {
	overlap, ok := v.ParentOverlap(snapID)
	if !ok {
		return extent.Vector{}, 0
	}

	return extent.Prune(extents, overlap)
}
