// Copyright 2026 The gogpu Authors
// SPDX-License-Identifier: BSD-3-Clause

// Package rhi is a GPU resource and execution-synchronization layer.
//
// # Overview
//
// rhi allocates GPU-visible memory, stages uploads and readbacks, tracks
// in-flight work with completion tokens and defers destruction until that
// work has finished. Commands are recorded per logical queue (Graphics,
// Compute, Transfer, Present) and ordered across queues only by explicit
// Sync, Wait and Transfer edges.
//
// # Quick Start
//
//	import (
//	    "github.com/gogpu/rhi"
//	    _ "github.com/gogpu/rhi/backend/soft" // or backend/halgpu
//	)
//
//	d, err := rhi.Init(rhi.WithBackend("soft"))
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer d.Shutdown()
//
//	buf, _ := d.CreateBuffer(rhi.BufferDesc{Size: 64, HostVisible: true})
//	copy(buf.BeginWrite(0, 64), data)
//	buf.EndWrite()
//	tok := d.Submit(rhi.Transfer)
//	tok.WaitInvalidate(completion.Infinite)
//
// # Frames
//
// A Driver is single-threaded. Call GC once per frame: it runs deferred
// destructors whose work has completed, recycles staging memory and
// evicts idle cache entries.
//
// # Architecture
//
// The packages are layered, leaves first:
//   - completion: tokens for submitted work
//   - backend: the device interface, neutral commands, backend registry
//   - memory: the raw resource pool behind stable handles
//   - queue: per-queue command buffers, submission and ordering edges
//   - sparse, staging, dispose: geometry space, upload memory, deferred free
//   - cache: content-addressed pipeline, layout, sampler and shader caches
//   - binding: versioned bind handles and the named binding table
//   - present: the presentation state machine
//
// rhi itself ties them together behind Driver.
package rhi

// Version information
const (
	// Version is the current version of the library
	Version = "0.1.0"

	// VersionMajor is the major version
	VersionMajor = 0

	// VersionMinor is the minor version
	VersionMinor = 1

	// VersionPatch is the patch version
	VersionPatch = 0
)
