// Copyright (C) 2021 Vojtech Aschenbrenner <v@asch.cz>

// Package striper converts between an image's logical byte address space and
// the fixed-size backing objects it is striped across. It is the "out of
// scope" ExtentMapper collaborator from the core spec: the per-object state
// machine consumes it but never redefines its layout math.
package striper

import (
	"fmt"

	"github.com/asch/rbdclone/internal/rbd/extent"
)

// Layout describes how an image's address space is divided into backing
// objects. Striping here is the simple, non-striped-set case used throughout
// this core: object number i owns the image-space byte range
// [i*ObjectSize, (i+1)*ObjectSize).
type Layout struct {
	ObjectSize uint64
}

// ObjectNumber returns the dense object index owning image offset off.
func (l Layout) ObjectNumber(off uint64) uint64 {
	return off / l.ObjectSize
}

// ObjectToImageExtents maps an (objectNo, intra-object offset, length) triple
// to the image-space extent it corresponds to. Because this layout assigns
// one contiguous image range per object, the result is always a single
// extent; it is returned as a Vector to match the shape callers pass to
// extent.Prune.
func (l Layout) ObjectToImageExtents(objectNo, intraOff, intraLen uint64) extent.Vector {
	if intraLen == 0 {
		return extent.Vector{}
	}

	base := objectNo * l.ObjectSize
	return extent.Single(base+intraOff, intraLen)
}

// ImageToObjectExtent maps an image-space offset/length to the object-local
// extent of the object holding off, clipping the length at that object's
// end. It is the inverse used by the per-image orchestrator (internal/image)
// to split a caller's byte range into per-object requests, calling it again
// for whatever remains past the clip.
func (l Layout) ImageToObjectExtent(off, length uint64) (objectNo uint64, intraOff uint64, intraLen uint64) {
	objectNo = l.ObjectNumber(off)
	objectBase := objectNo * l.ObjectSize
	intraOff = off - objectBase

	remaining := l.ObjectSize - intraOff
	if length < remaining {
		remaining = length
	}

	return objectNo, intraOff, remaining
}

// ObjectID renders the dense object number as the opaque string identifier
// the object store expects, following rbd's own "rb.0.<id>" convention.
func ObjectID(prefix string, objectNo uint64) string {
	return fmt.Sprintf("%s.%016x", prefix, objectNo)
}
