// Copyright (C) 2021 Vojtech Aschenbrenner <v@asch.cz>

package image

import (
	"fmt"
	"sync"

	"github.com/asch/rbdclone/internal/rbd/objectmap"
	"github.com/asch/rbdclone/internal/rbd/parentview"
	"github.com/asch/rbdclone/internal/rbd/striper"
)

// flattenWaiter adapts a channel to copyup.Waiter so Flatten can block on a
// CopyupRequest it did not itself originate (e.g. one another reader's
// copy-on-read already started for the same object).
type flattenWaiter struct {
	done chan int
}

func (w flattenWaiter) Complete(r int) {
	w.done <- r
}

// Flatten forces a copyup of every backing object that still has parent
// overlap, the same bulk address-space walk bs3's gcThreshold uses to visit
// every object in fixed-size steps. Once it returns with no error, the
// parent can be detached with no data loss — real rbd's "rbd flatten".
func (img *Image) Flatten() error {
	if !img.deps.ParentView.IsParentAttached() || img.deps.Coordinator == nil {
		return nil
	}

	var wg sync.WaitGroup
	var mu sync.Mutex
	var firstErr error

	for objectNo := uint64(0); objectNo < img.numObjects; objectNo++ {
		if img.deps.ObjectMap.Get(objectNo) != objectmap.NonExistent {
			// Already materialised, or a write is already making it so.
			continue
		}

		imageExtents := img.layout.ObjectToImageExtents(objectNo, 0, img.layout.ObjectSize)
		pruned, total := img.deps.ParentView.PruneParentExtents(imageExtents, parentview.HeadSnapID)
		if total == 0 {
			continue
		}

		oid := striper.ObjectID(objectPrefix, objectNo)
		done := make(chan int, 1)

		req, _, created, joined := img.deps.Coordinator.JoinOrStart(objectNo, oid, pruned, flattenWaiter{done: done}, nil)
		if !joined {
			// Late-join rejected: whatever writer beat us here will
			// materialise the object on its own; nothing left for
			// Flatten to do for this object.
			continue
		}
		if created {
			req.QueueSend()
		}

		wg.Add(1)
		go func(done chan int) {
			defer wg.Done()
			if r := <-done; r < 0 {
				mu.Lock()
				if firstErr == nil {
					firstErr = fmt.Errorf("image: flatten failed on an object with code %d", r)
				}
				mu.Unlock()
			}
		}(done)
	}

	wg.Wait()
	return firstErr
}
