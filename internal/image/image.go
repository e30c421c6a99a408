// Copyright (C) 2021 Vojtech Aschenbrenner <v@asch.cz>

package image

import (
	"encoding/binary"
	"fmt"
	"sync"
	"time"

	"github.com/asch/rbdclone/internal/config"
	"github.com/asch/rbdclone/internal/rbd/aio"
	"github.com/asch/rbdclone/internal/rbd/copyup"
	"github.com/asch/rbdclone/internal/rbd/objectmap"
	"github.com/asch/rbdclone/internal/rbd/objectstore"
	"github.com/asch/rbdclone/internal/rbd/objectstore/s3"
	"github.com/asch/rbdclone/internal/rbd/parentview"
	"github.com/asch/rbdclone/internal/rbd/striper"
	"github.com/asch/rbdclone/internal/watcher"
)

const (
	// writeItemSize is the size in bytes of one write's metadata header in
	// a BuseWrite chunk: sector, length, seqno and flag, each a uint64.
	// This is the buse kernel module's own wire format, not specific to
	// this image implementation (bs3 and nbd both parse the same layout).
	writeItemSize = 32

	objectPrefix = "rb.0"
)

// Image implements buse.BuseReadWriter against the per-object aio state
// machine, turning a byte-range read/write from the kernel into one
// aio.Read/aio.Write per backing object.
type Image struct {
	layout       striper.Layout
	blockSize    uint64
	numObjects   uint64
	metadataSize uint64
	deps         aio.Deps
	watcher      *watcher.ImageWatcher
}

// NewWithDefaults wires an Image from config.Cfg, following bs3.NewWithDefaults'
// shape: construct the S3 backend, then the image on top of it.
func NewWithDefaults() (*Image, error) {
	backend, err := s3.New(s3.Options{
		Remote:    config.Cfg.S3.Remote,
		Region:    config.Cfg.S3.Region,
		Bucket:    config.Cfg.S3.Bucket,
		AccessKey: config.Cfg.S3.AccessKey,
		SecretKey: config.Cfg.S3.SecretKey,
	})
	if err != nil {
		return nil, err
	}

	idleTimeout := time.Duration(config.Cfg.GC.IdleTimeoutMs) * time.Millisecond
	store := objectstore.New(backend, config.Cfg.S3.Downloaders, config.Cfg.S3.Uploaders, idleTimeout)

	layout := striper.Layout{ObjectSize: uint64(config.Cfg.ObjectSize)}
	numObjects := (uint64(config.Cfg.Size) + layout.ObjectSize - 1) / layout.ObjectSize

	var om *objectmap.Map
	if config.Cfg.ObjectMap.Enabled {
		om = objectmap.New(numObjects)
	} else {
		om = objectmap.NewDisabled()
	}

	pv := parentview.New()
	var parent aio.ParentImage
	var coordinator *copyup.Coordinator

	if config.Cfg.Clone.ParentPool != "" {
		parentBackend, err := s3.New(s3.Options{
			Remote:    config.Cfg.S3.Remote,
			Region:    config.Cfg.S3.Region,
			Bucket:    config.Cfg.Clone.ParentPool,
			AccessKey: config.Cfg.S3.AccessKey,
			SecretKey: config.Cfg.S3.SecretKey,
		})
		if err != nil {
			return nil, err
		}
		parentStore := objectstore.New(parentBackend, config.Cfg.S3.Downloaders, config.Cfg.S3.Uploaders, idleTimeout)

		rp := newRemoteParent(parentStore, layout, objectPrefix)
		parent = rp
		pv.Attach(map[uint64]uint64{parentview.HeadSnapID: uint64(config.Cfg.Clone.ParentSize)})
		coordinator = copyup.NewCoordinator(store, rp)
	}

	imgWatcher := watcher.New()
	imgWatcher.SetLockOwner(true)

	deps := aio.Deps{
		Layout:      layout,
		ParentView:  pv,
		Parent:      parent,
		Store:       store,
		ObjectMap:   om,
		Coordinator: coordinator,
		Watcher:     imgWatcher,
		CopyOnRead:  config.Cfg.Clone.CopyOnRead,
		ReadOnly:    config.Cfg.Clone.ReadOnly,
	}

	img := &Image{
		layout:       layout,
		blockSize:    uint64(config.Cfg.BlockSize),
		numObjects:   numObjects,
		metadataSize: uint64(config.Cfg.Write.ChunkSize / config.Cfg.BlockSize * writeItemSize),
		deps:         deps,
		watcher:      imgWatcher,
	}

	return img, nil
}

// writeExtent is one parsed entry from a BuseWrite chunk's metadata region.
type writeExtent struct {
	offset uint64
	length uint64
}

func parseWriteExtent(b []byte, blockSize uint64) writeExtent {
	sector := binary.LittleEndian.Uint64(b[:8])
	length := binary.LittleEndian.Uint64(b[8:16])
	return writeExtent{offset: sector * blockSize, length: length * blockSize}
}

// BuseWrite handles one kernel write chunk: writes metadata entries followed
// by their concatenated data, per the buse wire format (see writeItemSize).
// This is only a cheap fail-fast for the common case of a wholesale lock
// loss before any work starts; the authoritative per-object check lives in
// aio.AbstractWrite.sendPre via deps.Watcher, re-run for every object this
// batch fans out to.
func (img *Image) BuseWrite(writes int64, chunk []byte) error {
	img.watcher.AssertLockOwner()

	metadata := chunk[:img.metadataSize]
	data := chunk[img.metadataSize:]

	var wg sync.WaitGroup
	var mu sync.Mutex
	var firstErr error

	for i := int64(0); i < writes; i++ {
		e := parseWriteExtent(metadata[:writeItemSize], img.blockSize)
		metadata = metadata[writeItemSize:]

		buf := data[:e.length]
		data = data[e.length:]

		wg.Add(1)
		go func(off uint64, buf []byte) {
			defer wg.Done()
			if err := img.writeRange(off, buf); err != nil {
				mu.Lock()
				if firstErr == nil {
					firstErr = err
				}
				mu.Unlock()
			}
		}(e.offset, buf)
	}

	wg.Wait()
	return firstErr
}

// writeRange splits [off, off+len(data)) across its backing objects and
// fans out one aio.Write per object, joining on a WaitGroup the same way
// bs3.BuseRead joins its per-object downloads.
func (img *Image) writeRange(off uint64, data []byte) error {
	var wg sync.WaitGroup
	results := make(chan int, 8)

	remaining := uint64(len(data))
	cur := off
	bufOff := uint64(0)

	for remaining > 0 {
		objectNo, intraOff, intraLen := img.layout.ImageToObjectExtent(cur, remaining)
		oid := striper.ObjectID(objectPrefix, objectNo)
		sub := data[bufOff : bufOff+intraLen]

		wg.Add(1)
		go func(oid string, objectNo, intraOff uint64, sub []byte) {
			defer wg.Done()
			done := make(chan int, 1)
			w := aio.NewWrite(img.deps, oid, objectNo, intraOff, parentview.HeadSnapID, 0, nil,
				img.layout.ObjectSize, sub, 0, false, func(r int) { done <- r })
			w.Send()
			results <- <-done
		}(oid, objectNo, intraOff, sub)

		cur += intraLen
		bufOff += intraLen
		remaining -= intraLen
	}

	go func() {
		wg.Wait()
		close(results)
	}()

	var firstErr error
	for r := range results {
		if r < 0 && firstErr == nil {
			firstErr = fmt.Errorf("image: write failed with code %d", r)
		}
	}
	return firstErr
}

// BuseRead handles one kernel read request: sector/length are in blocks of
// config.Cfg.BlockSize, mirroring bs3.BuseRead's own unit convention.
func (img *Image) BuseRead(sector, length int64, chunk []byte) error {
	off := uint64(sector) * img.blockSize
	total := uint64(length) * img.blockSize
	return img.readRange(off, chunk[:total])
}

func (img *Image) readRange(off uint64, buf []byte) error {
	var wg sync.WaitGroup
	var mu sync.Mutex
	var firstErr error

	remaining := uint64(len(buf))
	cur := off
	bufOff := uint64(0)

	for remaining > 0 {
		objectNo, intraOff, intraLen := img.layout.ImageToObjectExtent(cur, remaining)
		oid := striper.ObjectID(objectPrefix, objectNo)
		dst := buf[bufOff : bufOff+intraLen]

		wg.Add(1)
		go func(oid string, objectNo, intraOff, intraLen uint64, dst []byte) {
			defer wg.Done()

			done := make(chan int, 1)
			r := aio.NewRead(img.deps, oid, objectNo, intraOff, intraLen, parentview.HeadSnapID, false, 0, true,
				func(res int) { done <- res })
			r.Send()

			res := <-done
			for i := range dst {
				dst[i] = 0
			}
			if res < 0 {
				mu.Lock()
				if firstErr == nil {
					firstErr = fmt.Errorf("image: read failed with code %d", res)
				}
				mu.Unlock()
				return
			}

			copy(dst, r.Data())
		}(oid, objectNo, intraOff, intraLen, dst)

		cur += intraLen
		bufOff += intraLen
		remaining -= intraLen
	}

	wg.Wait()
	return firstErr
}

// BusePreRun restores the object map checkpoint before the kernel starts
// delivering I/O, mirroring bs3.BusePreRun.
func (img *Image) BusePreRun() {
	if !config.Cfg.SkipCheckpoint {
		img.restore()
	}
}

// BusePostRemove saves the object map checkpoint once the kernel has
// disconnected, mirroring bs3.BusePostRemove.
func (img *Image) BusePostRemove() {
	if !config.Cfg.SkipCheckpoint {
		img.checkpoint()
	}
}
