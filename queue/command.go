// Copyright 2026 The gogpu Authors
// SPDX-License-Identifier: BSD-3-Clause

package queue

import (
	"github.com/gogpu/rhi/backend"
	"github.com/gogpu/rhi/completion"
	"github.com/gogpu/rhi/memory"
)

// Tracker is anything whose lifetime is gated by the submissions that use
// it: raw resources and cache entries.
type Tracker interface {
	MarkUsed(q backend.QueueKind, t completion.Token)
}

// Binding binds a pool resource to a dispatch slot.
type Binding struct {
	Slot     uint32
	Type     backend.BindingType
	Resource memory.Handle
	Offset   uint64
	Size     uint64
	Sampler  backend.Sampler
}

// CommandBuffer accumulates commands for one queue until Submit.
// Every resource it touches is marked used by the submission's token.
type CommandBuffer struct {
	set   *Set
	queue backend.QueueKind

	cmds     []backend.Command
	handles  []memory.Handle
	seen     map[memory.Handle]struct{}
	trackers []Tracker
}

func newCommandBuffer(s *Set, q backend.QueueKind) *CommandBuffer {
	return &CommandBuffer{set: s, queue: q, seen: make(map[memory.Handle]struct{})}
}

// Queue returns the queue this buffer records for.
func (cb *CommandBuffer) Queue() backend.QueueKind { return cb.queue }

// Len returns the number of recorded commands.
func (cb *CommandBuffer) Len() int { return len(cb.cmds) }

// touch resolves h, tracks it and checks queue ownership.
func (cb *CommandBuffer) touch(h memory.Handle) *memory.RawResource {
	r := cb.set.pool.Get(h)
	if _, ok := cb.seen[h]; !ok {
		cb.seen[h] = struct{}{}
		cb.handles = append(cb.handles, h)
	}
	cb.set.checkOwner(cb.queue, h, r)
	return r
}

// Use ties t's lifetime to this buffer's submission.
func (cb *CommandBuffer) Use(t Tracker) {
	cb.trackers = append(cb.trackers, t)
}

// Record appends a raw backend command. Resources referenced by cmd are
// not tracked; prefer the typed helpers.
func (cb *CommandBuffer) Record(cmd backend.Command) {
	cb.cmds = append(cb.cmds, cmd)
}

// CopyBuffer copies size bytes from src to dst.
func (cb *CommandBuffer) CopyBuffer(src memory.Handle, srcOffset uint64, dst memory.Handle, dstOffset, size uint64) {
	s, d := cb.touch(src), cb.touch(dst)
	cb.Record(backend.CopyBuffer{
		Src: s.Buffer(), Dst: d.Buffer(),
		SrcOffset: srcOffset, DstOffset: dstOffset, Size: size,
	})
}

// FillBuffer writes value over a 4-byte aligned range.
func (cb *CommandBuffer) FillBuffer(dst memory.Handle, offset, size uint64, value uint32) {
	d := cb.touch(dst)
	cb.Record(backend.FillBuffer{Dst: d.Buffer(), Offset: offset, Size: size, Value: value})
}

// CopyBufferToImage uploads tightly packed texels into dst.
func (cb *CommandBuffer) CopyBufferToImage(src memory.Handle, srcOffset uint64, dst memory.Handle) {
	s, d := cb.touch(src), cb.touch(dst)
	cb.transition(d, backend.StateTransferDst)
	cb.Record(backend.CopyBufferToImage{Src: s.Buffer(), SrcOffset: srcOffset, Dst: d.Image()})
}

// CopyImageToBuffer reads src back into dst.
func (cb *CommandBuffer) CopyImageToBuffer(src, dst memory.Handle, dstOffset uint64) {
	s, d := cb.touch(src), cb.touch(dst)
	cb.transition(s, backend.StateTransferSrc)
	cb.Record(backend.CopyImageToBuffer{Src: s.Image(), Dst: d.Buffer(), DstOffset: dstOffset})
}

// Transition moves an image into state, recording a barrier if needed.
func (cb *CommandBuffer) Transition(h memory.Handle, state backend.ResourceState) {
	cb.transition(cb.touch(h), state)
}

func (cb *CommandBuffer) transition(r *memory.RawResource, state backend.ResourceState) {
	if r.Kind() != memory.KindImage || r.State() == state {
		return
	}
	cb.Record(backend.Barrier{Images: []backend.ImageBarrier{{
		Image:    r.Image(),
		OldState: r.State(),
		NewState: state,
		SrcQueue: cb.queue,
		DstQueue: cb.queue,
	}}})
	r.SetState(state)
}

// Dispatch runs pipeline over a grid of workgroups.
func (cb *CommandBuffer) Dispatch(pipeline backend.Pipeline, bindings []Binding, push []byte, x, y, z uint32) {
	rb := make([]backend.ResourceBinding, 0, len(bindings))
	for _, b := range bindings {
		out := backend.ResourceBinding{
			Binding: b.Slot,
			Type:    b.Type,
			Offset:  b.Offset,
			Size:    b.Size,
			Sampler: b.Sampler,
		}
		if !b.Resource.IsZero() {
			r := cb.touch(b.Resource)
			out.Buffer, out.Image = r.Buffer(), r.Image()
			switch b.Type {
			case backend.BindingSampledTexture:
				cb.transition(r, backend.StateShaderRead)
			case backend.BindingStorageImage:
				cb.transition(r, backend.StateGeneral)
			}
		}
		rb = append(rb, out)
	}
	cb.Record(backend.Dispatch{
		Pipeline:      pipeline,
		Bindings:      rb,
		PushConstants: append([]byte(nil), push...),
		GroupsX:       x,
		GroupsY:       y,
		GroupsZ:       z,
	})
}

// markUsed stamps every tracked resource with the submission token.
func (cb *CommandBuffer) markUsed(t completion.Token) {
	for _, h := range cb.handles {
		if r, err := cb.set.pool.Lookup(h); err == nil {
			r.MarkUsed(cb.queue, t)
		}
	}
	for _, tr := range cb.trackers {
		tr.MarkUsed(cb.queue, t)
	}
}
