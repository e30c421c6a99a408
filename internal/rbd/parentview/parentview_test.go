package parentview

import (
	"testing"

	"github.com/asch/rbdclone/internal/rbd/extent"
)

func TestNoParentAttached(t *testing.T) {
	v := New()

	if v.IsParentAttached() {
		t.Fatal("expected no parent attached")
	}

	if _, ok := v.ParentOverlap(HeadSnapID); ok {
		t.Fatal("expected no overlap without a parent")
	}
}

func TestAttachAndPrune(t *testing.T) {
	v := New()
	v.Attach(map[uint64]uint64{HeadSnapID: 8192})

	if !v.IsParentAttached() {
		t.Fatal("expected parent attached")
	}

	pruned, total := v.PruneParentExtents(extent.Single(0, 4096), HeadSnapID)
	if total != 4096 || len(pruned) != 1 {
		t.Fatalf("expected full overlap, got %v / %d", pruned, total)
	}
}

func TestUnknownSnapshotActsAsNoParent(t *testing.T) {
	v := New()
	v.Attach(map[uint64]uint64{HeadSnapID: 8192})

	pruned, total := v.PruneParentExtents(extent.Single(0, 4096), 42)
	if total != 0 || len(pruned) != 0 {
		t.Fatalf("expected no overlap for unknown snapshot, got %v / %d", pruned, total)
	}
}

func TestDetach(t *testing.T) {
	v := New()
	v.Attach(map[uint64]uint64{HeadSnapID: 8192})
	v.Detach()

	if v.IsParentAttached() {
		t.Fatal("expected parent detached")
	}

	_, total := v.PruneParentExtents(extent.Single(0, 4096), HeadSnapID)
	if total != 0 {
		t.Fatalf("expected zero overlap after detach, got %d", total)
	}
}
