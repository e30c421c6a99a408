// Copyright (C) 2021 Vojtech Aschenbrenner <v@asch.cz>

package image

import (
	"errors"
	"sync"

	"github.com/asch/rbdclone/internal/rbd/extent"
	"github.com/asch/rbdclone/internal/rbd/objectstore"
	"github.com/asch/rbdclone/internal/rbd/striper"
)

// remoteParent is the out-of-scope "parent image" collaborator the core
// spec consumes via aio.ParentImage: another image's objects, addressed at
// the same byte offsets as the clone's own address space (the overlap
// region is a byte-for-byte prefix of the parent, per clone semantics), but
// served from its own store/prefix.
type remoteParent struct {
	store  *objectstore.Store
	layout striper.Layout
	prefix string
}

func newRemoteParent(store *objectstore.Store, layout striper.Layout, prefix string) *remoteParent {
	return &remoteParent{store: store, layout: layout, prefix: prefix}
}

// ReadFromParent implements aio.ParentImage (and, with an identical method
// set, copyup.ParentReader) by splitting extents across the parent's own
// backing objects and joining the results into one contiguous buffer.
func (p *remoteParent) ReadFromParent(extents extent.Vector, done func(data []byte, n int, err error)) {
	total := extents.TotalLength()
	if total == 0 {
		done(nil, 0, nil)
		return
	}

	buf := make([]byte, total)

	var wg sync.WaitGroup
	var mu sync.Mutex
	var firstErr error

	bufOff := uint64(0)
	for _, e := range extents {
		remaining := e.Length
		cur := e.Offset

		for remaining > 0 {
			objectNo, intraOff, intraLen := p.layout.ImageToObjectExtent(cur, remaining)
			oid := striper.ObjectID(p.prefix, objectNo)
			dst := buf[bufOff : bufOff+intraLen]

			wg.Add(1)
			p.store.AioRead(oid, intraOff, intraLen, true, func(data []byte, n int, err error) {
				defer wg.Done()
				if err != nil {
					if errors.Is(err, objectstore.ErrNotFound) {
						// Parent itself has no data here: dst stays zero.
						return
					}
					mu.Lock()
					if firstErr == nil {
						firstErr = err
					}
					mu.Unlock()
					return
				}
				copy(dst, data)
			})

			cur += intraLen
			bufOff += intraLen
			remaining -= intraLen
		}
	}

	wg.Wait()

	if firstErr != nil {
		done(nil, -2, firstErr)
		return
	}
	done(buf, len(buf), nil)
}
