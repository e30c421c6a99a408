// Copyright (C) 2021 Vojtech Aschenbrenner <v@asch.cz>

// Package extent provides the Extent value type shared by the striper,
// parentview and aio packages: a half-open byte range within some address
// space (object-local or image-global), plus the pruning arithmetic used to
// compute how much of a request still falls within a parent image's overlap.
package extent

// Extent is a (offset, length) byte range. Length is always > 0 for a valid
// extent; a zero-length extent carries no data and should not appear in a
// vector.
type Extent struct {
	Offset uint64
	Length uint64
}

// End returns the first byte past the extent.
func (e Extent) End() uint64 {
	return e.Offset + e.Length
}

// Vector is an ordered, disjoint list of extents in ascending offset order.
type Vector []Extent

// TotalLength sums the length of every extent in the vector.
func (v Vector) TotalLength() uint64 {
	var total uint64
	for _, e := range v {
		total += e.Length
	}
	return total
}

// Prune clips extents to the first overlap bytes of the address space,
// dropping or shortening extents that fall beyond it. It mirrors
// ImageCtx::prune_parent_extents from the original: the parent only holds
// authoritative data for its first overlap bytes, so any extent byte beyond
// that boundary belongs to the child alone. Returns the total number of bytes
// remaining after pruning.
func Prune(extents Vector, overlap uint64) (Vector, uint64) {
	pruned := make(Vector, 0, len(extents))
	var total uint64

	for _, e := range extents {
		if e.Offset >= overlap {
			continue
		}

		end := e.End()
		if end > overlap {
			end = overlap
		}

		length := end - e.Offset
		if length == 0 {
			continue
		}

		pruned = append(pruned, Extent{Offset: e.Offset, Length: length})
		total += length
	}

	return pruned, total
}

// Single is a convenience constructor for a one-extent vector, used by
// callers that compute a single contiguous object-to-image mapping.
func Single(offset, length uint64) Vector {
	if length == 0 {
		return Vector{}
	}
	return Vector{{Offset: offset, Length: length}}
}
