// Copyright 2026 The gogpu Authors
// SPDX-License-Identifier: BSD-3-Clause

package memory

import (
	"fmt"

	"github.com/gogpu/rhi/backend"
	"github.com/gogpu/rhi/completion"
	"github.com/gogpu/rhi/internal/arena"
)

// Handle refers to a RawResource owned by a Pool. The zero Handle refers
// to nothing.
type Handle struct {
	idx arena.Index
}

// IsZero reports whether h is the zero Handle.
func (h Handle) IsZero() bool { return h.idx.IsZero() }

// String returns slot and generation, for logs.
func (h Handle) String() string {
	if h.IsZero() {
		return "Handle(nil)"
	}
	return fmt.Sprintf("Handle(%d#%d)", h.idx.Slot(), h.idx.Generation())
}

// Kind distinguishes buffers from images.
type Kind uint8

// Resource kinds.
const (
	KindBuffer Kind = iota
	KindImage
)

// String returns the kind name.
func (k Kind) String() string {
	if k == KindImage {
		return "Image"
	}
	return "Buffer"
}

// Capabilities are the memory properties a resource was created with.
type Capabilities uint8

// Capability flags.
const (
	// HostMappable memory can be mapped by the CPU.
	HostMappable Capabilities = 1 << iota
	// Persistent memory stays mapped for the resource's lifetime.
	Persistent
	// Concurrent resources may be used by several queues without transfer.
	Concurrent
	// Sparse resources have no physical backing until pages are bound.
	Sparse
)

// Has reports whether every flag in f is set.
func (c Capabilities) Has(f Capabilities) bool { return c&f == f }

// RawResource is one physical allocation. It is owned by its Pool and
// reached through a Handle.
type RawResource struct {
	name string
	kind Kind
	size uint64
	caps Capabilities

	buffer     backend.Buffer
	image      backend.Image
	bufferDesc backend.BufferDesc
	imageDesc  backend.ImageDesc

	owner   backend.QueueKind
	state   backend.ResourceState
	lastUse [backend.QueueCount]completion.Token

	view     []byte
	mapped   bool
	external bool
}

// Name returns the debug name.
func (r *RawResource) Name() string { return r.name }

// Kind returns whether r is a buffer or an image.
func (r *RawResource) Kind() Kind { return r.kind }

// Size returns the allocation size in bytes.
func (r *RawResource) Size() uint64 { return r.size }

// Caps returns the memory capabilities.
func (r *RawResource) Caps() Capabilities { return r.caps }

// Buffer returns the backend buffer, or nil for images.
func (r *RawResource) Buffer() backend.Buffer { return r.buffer }

// Image returns the backend image, or nil for buffers.
func (r *RawResource) Image() backend.Image { return r.image }

// BufferDesc returns the descriptor the buffer was created with.
func (r *RawResource) BufferDesc() backend.BufferDesc { return r.bufferDesc }

// ImageDesc returns the descriptor the image was created with.
func (r *RawResource) ImageDesc() backend.ImageDesc { return r.imageDesc }

// Owner returns the queue that currently owns an exclusive resource, or
// backend.QueueNone before first use.
func (r *RawResource) Owner() backend.QueueKind { return r.owner }

// SetOwner records an ownership change.
func (r *RawResource) SetOwner(q backend.QueueKind) { r.owner = q }

// State returns the last state an image was transitioned to.
func (r *RawResource) State() backend.ResourceState { return r.state }

// SetState records an image state transition.
func (r *RawResource) SetState(s backend.ResourceState) { r.state = s }

// External reports whether the backing object belongs to someone else,
// such as a swapchain image. Releasing it only drops the handle.
func (r *RawResource) External() bool { return r.external }

// Concurrent reports whether r may be used by several queues at once.
func (r *RawResource) Concurrent() bool { return r.caps.Has(Concurrent) }

// MarkUsed records that work covered by t on queue q touches r. The first
// use of an exclusive resource claims ownership for q.
func (r *RawResource) MarkUsed(q backend.QueueKind, t completion.Token) {
	if int(q) >= backend.QueueCount {
		return
	}
	r.lastUse[q] = t
	if r.owner == backend.QueueNone {
		r.owner = q
	}
}

// LastUse returns the token of the latest submission on q that used r.
func (r *RawResource) LastUse(q backend.QueueKind) completion.Token {
	if int(q) >= backend.QueueCount {
		return completion.Done()
	}
	return r.lastUse[q]
}

// Usage returns a token satisfied once all recorded uses have completed.
func (r *RawResource) Usage() completion.Token {
	return completion.Join(r.lastUse[:]...)
}
