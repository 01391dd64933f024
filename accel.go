// Copyright 2026 The gogpu Authors
// SPDX-License-Identifier: BSD-3-Clause

package rhi

import (
	"fmt"

	"github.com/gogpu/gputypes"

	"github.com/gogpu/rhi/backend"
	"github.com/gogpu/rhi/binding"
	"github.com/gogpu/rhi/memory"
)

// AccelerationStructureDesc describes the storage of an acceleration
// structure. Building it is the caller's work, recorded as dispatches.
type AccelerationStructureDesc struct {
	Label string
	Size  uint64
}

// AccelerationStructure is ray-tracing acceleration storage.
type AccelerationStructure struct {
	buf *Buffer
}

// CreateAccelerationStructure allocates acceleration structure storage.
// It needs a device with ray tracing.
func (d *Driver) CreateAccelerationStructure(desc AccelerationStructureDesc) (*AccelerationStructure, error) {
	d.checkOpen()
	if !d.caps.RayTracing {
		return nil, fmt.Errorf("%w: acceleration structures on %s", ErrUnsupported, d.caps.Name)
	}
	buf, err := d.CreateBuffer(BufferDesc{
		Label: desc.Label,
		Size:  desc.Size,
		Usage: gputypes.BufferUsageStorage,
	})
	if err != nil {
		return nil, err
	}
	return &AccelerationStructure{buf: buf}, nil
}

// Handle returns the pool handle of the storage.
func (a *AccelerationStructure) Handle() memory.Handle { return a.buf.Handle() }

// Version increases each time the storage is recreated.
func (a *AccelerationStructure) Version() uint64 { return a.buf.Version() }

// Validate grows the storage to desc.Size if needed.
func (a *AccelerationStructure) Validate(desc AccelerationStructureDesc) (bool, error) {
	d := a.buf.Desc()
	d.Size = desc.Size
	return a.buf.Validate(d)
}

// BindHandle snapshots the structure for binding.
func (a *AccelerationStructure) BindHandle() binding.BindHandle {
	return binding.NewHandle(a, a.buf.Handle(), backend.StateShaderRead, 0, a.buf.Size())
}

// Close destroys the storage once work using it completes.
func (a *AccelerationStructure) Close() { a.buf.Close() }
