// Copyright 2026 The gogpu Authors
// SPDX-License-Identifier: BSD-3-Clause

package rhi

import (
	"fmt"

	"github.com/gogpu/gputypes"

	"github.com/gogpu/rhi/backend"
	"github.com/gogpu/rhi/binding"
	"github.com/gogpu/rhi/completion"
	"github.com/gogpu/rhi/internal/fatal"
	"github.com/gogpu/rhi/internal/logx"
	"github.com/gogpu/rhi/memory"
	"github.com/gogpu/rhi/queue"
	"github.com/gogpu/rhi/staging"
)

// BufferDesc describes a logical buffer.
type BufferDesc = backend.BufferDesc

type openWrite struct {
	offset, size uint64
	alloc        *staging.Allocation
}

type openRead struct {
	offset, size uint64
	readback     memory.Handle
}

// Buffer is a logical buffer whose backing can be replaced by Validate.
// Handles taken before a replacement are stale.
type Buffer struct {
	d       *Driver
	name    string
	desc    BufferDesc
	handle  memory.Handle
	version uint64

	write *openWrite
	read  *openRead
}

// CreateBuffer allocates a buffer. Every buffer can be a copy source and
// destination.
func (d *Driver) CreateBuffer(desc BufferDesc) (*Buffer, error) {
	d.checkOpen()
	desc.Usage |= gputypes.BufferUsageCopySrc | gputypes.BufferUsageCopyDst
	h, err := d.pool.CreateBuffer(desc, desc.Label)
	if err != nil {
		return nil, err
	}
	return &Buffer{d: d, name: desc.Label, desc: desc, handle: h, version: 1}, nil
}

// Handle returns the pool handle of the current backing.
func (b *Buffer) Handle() memory.Handle { return b.handle }

// Desc returns the current descriptor.
func (b *Buffer) Desc() BufferDesc { return b.desc }

// Size returns the buffer size.
func (b *Buffer) Size() uint64 { return b.desc.Size }

// Version increases each time the backing is recreated.
func (b *Buffer) Version() uint64 { return b.version }

// bufferMismatch reports whether want cannot be served by have. Buffers
// grow but never shrink.
func bufferMismatch(have, want *BufferDesc) bool {
	return want.Size > have.Size ||
		want.Usage&^have.Usage != 0 ||
		want.HostVisible != have.HostVisible ||
		want.Persistent != have.Persistent ||
		want.Concurrent != have.Concurrent ||
		want.Sparse != have.Sparse
}

// Validate recreates the backing if desc needs something the current one
// lacks and reports whether it did. The old backing is destroyed once the
// work that last used it completes.
func (b *Buffer) Validate(desc BufferDesc) (bool, error) {
	desc.Usage |= gputypes.BufferUsageCopySrc | gputypes.BufferUsageCopyDst
	if desc.Label == "" {
		desc.Label = b.name
	}
	if !bufferMismatch(&b.desc, &desc) {
		return false, nil
	}
	fatal.Check(b.write == nil && b.read == nil, "rhi: validate of %q while mapped", b.name)
	h, err := b.d.pool.CreateBuffer(desc, desc.Label)
	if err != nil {
		return false, err
	}
	b.d.retire(b.handle)
	logx.L().Debug("rhi: buffer recreated",
		"name", b.name,
		"oldSize", b.desc.Size,
		"size", desc.Size,
		"version", b.version+1)
	b.handle, b.desc = h, desc
	b.version++
	return true, nil
}

// ValidateBuffer is Buffer.Validate.
func (d *Driver) ValidateBuffer(b *Buffer, desc BufferDesc) (bool, error) {
	return b.Validate(desc)
}

// BindHandle snapshots the range [offset, offset+size) for binding. A zero
// size covers the rest of the buffer.
func (b *Buffer) BindHandle(offset, size uint64) binding.BindHandle {
	fatal.Check(offset <= b.desc.Size, "rhi: bind offset %d past %q", offset, b.name)
	if size == 0 {
		size = b.desc.Size - offset
	}
	return binding.NewHandle(b, b.handle, backend.StateGeneral, offset, size)
}

// BeginWrite returns a host view of [offset, offset+size). Host-visible
// buffers are written in place after their pending GPU work completes;
// others are written through staging memory and copied on the Transfer
// queue by EndWrite.
func (b *Buffer) BeginWrite(offset, size uint64) []byte {
	fatal.Check(b.write == nil && b.read == nil, "rhi: %q is already mapped", b.name)
	fatal.Check(offset <= b.desc.Size && size <= b.desc.Size-offset,
		"rhi: write [%d,+%d) outside %q of %d bytes", offset, size, b.name, b.desc.Size)
	w := &openWrite{offset: offset, size: size}
	if b.desc.HostVisible || b.desc.Persistent {
		b.waitIdle()
		b.write = w
		return b.d.pool.BeginMap(b.handle, offset)[:size]
	}
	a, err := b.d.staging.Acquire(size, false, b.name+".write")
	fatal.Err(err, "rhi: staging for "+b.name)
	w.alloc = a
	b.write = w
	return a.Bytes()
}

// EndWrite finishes the write begun by BeginWrite. Staged writes are
// recorded on the Transfer queue and take effect with its next Submit.
func (b *Buffer) EndWrite() {
	w := b.write
	fatal.Check(w != nil, "rhi: EndWrite of %q without BeginWrite", b.name)
	b.write = nil
	if w.alloc == nil {
		b.d.pool.EndMap(b.handle, w.offset, w.size)
		return
	}
	w.alloc.Flush()
	b.d.queues.CommandBuffer(queue.Transfer).CopyBuffer(w.alloc.Handle(), w.alloc.Offset(), b.handle, w.offset, w.size)
	b.d.stage(queue.Transfer, w.alloc)
}

// Upload copies data to offset. See BeginWrite.
func (b *Buffer) Upload(offset uint64, data []byte) {
	if len(data) == 0 {
		return
	}
	copy(b.BeginWrite(offset, uint64(len(data))), data)
	b.EndWrite()
}

// waitIdle blocks until every submitted use of the backing completes.
func (b *Buffer) waitIdle() {
	tok := b.d.pool.Get(b.handle).Usage()
	tok.WaitInvalidate(completion.Infinite)
}

// BeginRead returns the contents of [offset, offset+size) as the GPU left
// them. It blocks until submitted work using the buffer completes; work
// still recording is not waited for. Device-local buffers are copied back
// on the queue that owns them, which submits that queue.
func (b *Buffer) BeginRead(offset, size uint64) []byte {
	fatal.Check(b.write == nil && b.read == nil, "rhi: %q is already mapped", b.name)
	fatal.Check(offset <= b.desc.Size && size <= b.desc.Size-offset,
		"rhi: read [%d,+%d) outside %q of %d bytes", offset, size, b.name, b.desc.Size)
	b.waitIdle()
	r := &openRead{offset: offset, size: size}
	if b.desc.HostVisible || b.desc.Persistent {
		b.d.pool.Invalidate(b.handle, offset, size)
		b.read = r
		return b.d.pool.BeginMap(b.handle, offset)[:size]
	}

	rb, err := b.d.pool.CreateBuffer(backend.BufferDesc{
		Size:        size,
		Usage:       gputypes.BufferUsageCopyDst,
		HostVisible: true,
		Concurrent:  true,
	}, b.name+".readback")
	fatal.Err(err, "rhi: readback for "+b.name)
	q := queue.Transfer
	if owner := b.d.pool.Get(b.handle).Owner(); owner != backend.QueueNone && !b.desc.Concurrent {
		q = owner
	}
	b.d.queues.CommandBuffer(q).CopyBuffer(b.handle, offset, rb, 0, size)
	tok := b.d.Submit(q)
	tok.WaitInvalidate(completion.Infinite)
	b.d.pool.Invalidate(rb, 0, size)
	r.readback = rb
	b.read = r
	return b.d.pool.BeginMap(rb, 0)[:size]
}

// EndRead releases the view returned by BeginRead.
func (b *Buffer) EndRead() {
	r := b.read
	fatal.Check(r != nil, "rhi: EndRead of %q without BeginRead", b.name)
	b.read = nil
	if r.readback.IsZero() {
		b.d.pool.EndMap(b.handle, r.offset, 0)
		return
	}
	b.d.pool.EndMap(r.readback, 0, 0)
	b.d.pool.Release(r.readback)
}

// Read copies [offset, offset+size) into a new slice. See BeginRead.
func (b *Buffer) Read(offset, size uint64) []byte {
	out := append([]byte(nil), b.BeginRead(offset, size)...)
	b.EndRead()
	return out
}

// Close destroys the buffer once work using it completes.
func (b *Buffer) Close() {
	if b.handle.IsZero() {
		return
	}
	b.d.retire(b.handle)
	b.handle = memory.Handle{}
	b.version++
}

// String describes b for logs.
func (b *Buffer) String() string {
	return fmt.Sprintf("Buffer(%q, %d bytes, v%d)", b.name, b.desc.Size, b.version)
}
