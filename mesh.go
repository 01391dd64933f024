// Copyright 2026 The gogpu Authors
// SPDX-License-Identifier: BSD-3-Clause

package rhi

import (
	"fmt"

	"github.com/gogpu/gputypes"

	"github.com/gogpu/rhi/backend"
	"github.com/gogpu/rhi/binding"
	"github.com/gogpu/rhi/internal/fatal"
	"github.com/gogpu/rhi/queue"
	"github.com/gogpu/rhi/sparse"
)

const geometryUsage = gputypes.BufferUsageVertex | gputypes.BufferUsageIndex | gputypes.BufferUsageStorage

// MeshBlob is mesh data as produced by an asset pipeline. Indices are
// 32-bit triangle lists.
type MeshBlob struct {
	Name     string
	Vertices []byte
	Indices  []byte
	Meshlets []byte
}

// Mesh is a mesh resident in the geometry space.
type Mesh struct {
	d       *Driver
	name    string
	version uint64
	closed  bool

	// reserved holds the page-rounded allocations backing the ranges.
	reserved []sparse.Range

	// Vertices, Indices and Meshlets cover exactly the uploaded bytes.
	Vertices sparse.Range
	Indices  sparse.Range
	Meshlets sparse.Range
}

// UploadMesh allocates blob's parts in the geometry space and records
// their upload on the Transfer queue. Empty parts get empty ranges.
func (d *Driver) UploadMesh(blob MeshBlob) (*Mesh, error) {
	d.checkOpen()
	if d.geometry == nil {
		return nil, fmt.Errorf("%w: no geometry space (WithGeometrySpace)", ErrUnsupported)
	}
	if len(blob.Indices)%sparse.TriangleStride != 0 {
		return nil, fmt.Errorf("%w: %q index data is not whole triangles", ErrInvalidDescriptor, blob.Name)
	}
	m := &Mesh{d: d, name: blob.Name, version: 1}
	parts := []struct {
		data  []byte
		usage sparse.Usage
		dst   *sparse.Range
	}{
		{blob.Vertices, sparse.UsageVertex, &m.Vertices},
		{blob.Indices, sparse.UsageIndex, &m.Indices},
		{blob.Meshlets, sparse.UsageMeshlet, &m.Meshlets},
	}
	for _, p := range parts {
		if len(p.data) == 0 {
			continue
		}
		r, err := d.geometry.Allocate(uint64(len(p.data)), p.usage, queue.Transfer)
		if err != nil {
			m.release()
			return nil, fmt.Errorf("rhi: mesh %q %v: %w", blob.Name, p.usage, err)
		}
		m.reserved = append(m.reserved, r)
		*p.dst = sparse.Range{Offset: r.Offset, Size: uint64(len(p.data))}
	}
	for _, p := range parts {
		if len(p.data) == 0 {
			continue
		}
		a, err := d.staging.Acquire(uint64(len(p.data)), false, blob.Name+"."+p.usage.String())
		fatal.Err(err, "rhi: staging for mesh "+blob.Name)
		copy(a.Bytes(), p.data)
		a.Flush()
		d.queues.CommandBuffer(queue.Transfer).CopyBuffer(a.Handle(), a.Offset(), d.geometry.Handle(), p.dst.Offset, uint64(len(p.data)))
		d.stage(queue.Transfer, a)
	}
	return m, nil
}

func (m *Mesh) release() {
	for _, r := range m.reserved {
		m.d.geometry.Deallocate(r, queue.Transfer)
	}
	m.reserved = nil
	m.Vertices, m.Indices, m.Meshlets = sparse.Range{}, sparse.Range{}, sparse.Range{}
}

// Name returns the mesh name.
func (m *Mesh) Name() string { return m.name }

// Version changes when the mesh is closed.
func (m *Mesh) Version() uint64 { return m.version }

// BindHandle snapshots r, one of the mesh's ranges, for binding.
func (m *Mesh) BindHandle(r sparse.Range) binding.BindHandle {
	return binding.NewHandle(m, m.d.geometry.Handle(), backend.StateShaderRead, r.Offset, r.Size)
}

// Close returns the mesh's ranges to the geometry space once work using
// the space completes.
func (m *Mesh) Close() {
	if m.closed || m.d.closed {
		return
	}
	m.closed = true
	m.version++
	h := m.d.geometry.Handle()
	tok := m.d.outstanding(h, m.d.pool.Get(h))
	m.d.disposer.Dispose(m, func(v any) { v.(*Mesh).release() }, tok)
}
