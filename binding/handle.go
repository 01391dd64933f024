// Copyright 2026 The gogpu Authors
// SPDX-License-Identifier: BSD-3-Clause

// Package binding names the resources shaders consume.
//
// A BindHandle is a snapshot of how to reference a resource right now.
// Recreating the resource bumps its version, which makes every earlier
// handle stale; the Table refuses stale handles.
package binding

import (
	"fmt"

	"github.com/gogpu/rhi/backend"
	"github.com/gogpu/rhi/memory"
)

// Source is a logical resource whose physical backing can be replaced.
type Source interface {
	// Version increases every time the backing resource is recreated.
	Version() uint64
}

// BindHandle is an immutable reference to a resource range as it is
// currently bound.
type BindHandle struct {
	source   Source
	resource memory.Handle
	version  uint64
	state    backend.ResourceState
	offset   uint64
	size     uint64
}

// NewHandle snapshots src's current backing.
func NewHandle(src Source, resource memory.Handle, state backend.ResourceState, offset, size uint64) BindHandle {
	return BindHandle{
		source:   src,
		resource: resource,
		version:  src.Version(),
		state:    state,
		offset:   offset,
		size:     size,
	}
}

// IsZero reports whether h references nothing.
func (h BindHandle) IsZero() bool { return h.source == nil }

// Stale reports whether the resource has been recreated since h was taken.
func (h BindHandle) Stale() bool {
	return h.source == nil || h.source.Version() != h.version
}

// Resource returns the pool handle of the backing resource.
func (h BindHandle) Resource() memory.Handle { return h.resource }

// Version returns the resource version h was taken at.
func (h BindHandle) Version() uint64 { return h.version }

// State returns the state the resource is expected in.
func (h BindHandle) State() backend.ResourceState { return h.state }

// Offset returns the start of the bound range.
func (h BindHandle) Offset() uint64 { return h.offset }

// Size returns the length of the bound range; zero means the whole resource.
func (h BindHandle) Size() uint64 { return h.size }

// String describes h for logs.
func (h BindHandle) String() string {
	if h.IsZero() {
		return "BindHandle(nil)"
	}
	return fmt.Sprintf("BindHandle(%s v%d [%d,+%d) %v)", h.resource, h.version, h.offset, h.size, h.state)
}
