// Copyright 2026 The gogpu Authors
// SPDX-License-Identifier: BSD-3-Clause

package backend

import "fmt"

// ResourceState is the access state a resource is used in.
type ResourceState uint8

// Resource states.
const (
	StateUndefined ResourceState = iota
	StateShaderRead
	StateGeneral
	StateTransferSrc
	StateTransferDst
	StateRenderTarget
	StatePresent
)

// String returns the state name.
func (s ResourceState) String() string {
	switch s {
	case StateUndefined:
		return "Undefined"
	case StateShaderRead:
		return "ShaderRead"
	case StateGeneral:
		return "General"
	case StateTransferSrc:
		return "TransferSrc"
	case StateTransferDst:
		return "TransferDst"
	case StateRenderTarget:
		return "RenderTarget"
	case StatePresent:
		return "Present"
	default:
		return fmt.Sprintf("ResourceState(%d)", uint8(s))
	}
}

// Command is one recorded GPU command. The set of commands is closed.
type Command interface {
	command()
}

// CopyBuffer copies Size bytes between buffers.
type CopyBuffer struct {
	Src, Dst             Buffer
	SrcOffset, DstOffset uint64
	Size                 uint64
}

// FillBuffer writes Value repeatedly over a 4-byte aligned range.
type FillBuffer struct {
	Dst    Buffer
	Offset uint64
	Size   uint64
	Value  uint32
}

// CopyBufferToImage copies tightly packed texels into the whole image.
type CopyBufferToImage struct {
	Src       Buffer
	SrcOffset uint64
	Dst       Image
}

// CopyImageToBuffer copies the whole image into a buffer, tightly packed.
type CopyImageToBuffer struct {
	Src       Image
	Dst       Buffer
	DstOffset uint64
}

// ResourceBinding binds one resource to a slot of a dispatch.
type ResourceBinding struct {
	Binding uint32
	Type    BindingType
	Buffer  Buffer
	Offset  uint64
	Size    uint64
	Image   Image
	Sampler Sampler
}

// Dispatch runs a compute pipeline over a grid of workgroups.
type Dispatch struct {
	Pipeline      Pipeline
	Bindings      []ResourceBinding
	PushConstants []byte
	GroupsX       uint32
	GroupsY       uint32
	GroupsZ       uint32
}

// BufferBarrier orders access to a buffer. When SrcQueue and DstQueue
// differ it is one half of a queue ownership transfer.
type BufferBarrier struct {
	Buffer   Buffer
	SrcQueue QueueKind
	DstQueue QueueKind
}

// ImageBarrier transitions an image between states, optionally between
// queues.
type ImageBarrier struct {
	Image    Image
	OldState ResourceState
	NewState ResourceState
	SrcQueue QueueKind
	DstQueue QueueKind
}

// Barrier is a pipeline barrier.
type Barrier struct {
	Buffers []BufferBarrier
	Images  []ImageBarrier
}

func (CopyBuffer) command()        {}
func (FillBuffer) command()        {}
func (CopyBufferToImage) command() {}
func (CopyImageToBuffer) command() {}
func (Dispatch) command()          {}
func (Barrier) command()           {}

// TimelinePoint is a value on a queue's timeline.
type TimelinePoint struct {
	Queue QueueKind
	Value uint64
}

// SparseBind binds (Bind true) or unbinds physical pages for a page-aligned
// range of a sparse buffer.
type SparseBind struct {
	Buffer Buffer
	Offset uint64
	Size   uint64
	Bind   bool
}

// Submission is one batch of work for a queue. Sparse binds are applied
// after the waits and before the commands.
type Submission struct {
	Queue       QueueKind
	Label       string
	Waits       []TimelinePoint
	SparseBinds []SparseBind
	Commands    []Command
	Signal      uint64
}
