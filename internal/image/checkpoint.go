// Copyright (C) 2021 Vojtech Aschenbrenner <v@asch.cz>

package image

import (
	"github.com/rs/zerolog/log"

	"github.com/asch/rbdclone/internal/rbd/objectstore"
)

// checkpointOID is the well-known object the object map is persisted under,
// the same fixed-key convention bs3.go uses for its checkpointKey (there -1,
// a sequence number that can never collide with a real data object; here a
// name outside the rb.0.* object id namespace).
const checkpointOID = "rbdclone.objectmap.checkpoint"

// restore loads the object map checkpoint, if one exists, mirroring
// bs3.restoreFromCheckpoint's GetObjectSize-then-Download shape.
func (img *Image) restore() {
	size, err := img.deps.Store.Instance.GetSize(checkpointOID)
	if err != nil {
		return
	}

	buf, err := img.deps.Store.Instance.Read(checkpointOID, 0, uint64(size))
	if err != nil {
		log.Error().Err(err).Msg("image: failed to download object map checkpoint")
		return
	}

	if err := img.deps.ObjectMap.Load(buf, img.numObjects); err != nil {
		log.Error().Err(err).Msg("image: failed to deserialize object map checkpoint")
	}
}

// checkpoint serializes and uploads the object map, mirroring bs3.checkpoint.
func (img *Image) checkpoint() {
	if !img.deps.ObjectMap.Enabled() {
		return
	}

	dump := img.deps.ObjectMap.Serialize()
	if dump == nil {
		return
	}

	var b objectstore.Builder
	b.Write(0, dump)
	if err := img.deps.Store.Instance.Operate(checkpointOID, b.Ops(), 0, nil); err != nil {
		log.Error().Err(err).Msg("image: failed to upload object map checkpoint")
	}
}
