// Copyright 2026 The gogpu Authors
// SPDX-License-Identifier: BSD-3-Clause

package backend

import (
	"errors"
	"fmt"
	"time"

	"github.com/gogpu/gputypes"
	"github.com/google/uuid"
)

// Backend errors.
var (
	// ErrDeviceLost is returned when the device reached an unrecoverable state.
	ErrDeviceLost = errors.New("backend: device lost")

	// ErrOutOfMemory is returned when a mandatory allocation cannot be satisfied.
	ErrOutOfMemory = errors.New("backend: out of device memory")

	// ErrUnsupported is returned for features the device does not provide.
	ErrUnsupported = errors.New("backend: feature not supported")

	// ErrInvalidDescriptor is returned for malformed creation parameters.
	ErrInvalidDescriptor = errors.New("backend: invalid descriptor")

	// ErrBackendNotAvailable is returned when a requested backend is not registered.
	ErrBackendNotAvailable = errors.New("backend: not available")
)

// QueueKind names one of the independent execution queues.
type QueueKind uint8

// Logical queues. The set is closed.
const (
	QueueGraphics QueueKind = iota
	QueueCompute
	QueueTransfer
	QueuePresent

	// QueueCount is the number of logical queues.
	QueueCount = 4

	// QueueNone marks a resource not yet owned by any queue.
	QueueNone QueueKind = 0xff
)

// String returns the queue name.
func (q QueueKind) String() string {
	switch q {
	case QueueGraphics:
		return "Graphics"
	case QueueCompute:
		return "Compute"
	case QueueTransfer:
		return "Transfer"
	case QueuePresent:
		return "Present"
	case QueueNone:
		return "None"
	default:
		return fmt.Sprintf("Queue(%d)", uint8(q))
	}
}

// Queues returns all logical queues in order.
func Queues() [QueueCount]QueueKind {
	return [QueueCount]QueueKind{QueueGraphics, QueueCompute, QueueTransfer, QueuePresent}
}

// Caps describes what a device can do.
type Caps struct {
	// Name identifies the backend ("soft", "hal").
	Name string

	// DeviceID is stable for the lifetime of the device. Persisted caches
	// are stamped with it.
	DeviceID uuid.UUID

	// SparseBinding reports support for sparse virtual buffers.
	SparseBinding bool

	// SparsePageSize is the physical page granularity of sparse buffers.
	SparsePageSize uint64

	// RayTracing reports support for acceleration structures.
	RayTracing bool

	// DistinctQueues reports whether logical queues execute independently.
	// When false every queue maps onto one hardware queue.
	DistinctQueues bool

	// MaxBufferSize is the largest single buffer allocation.
	MaxBufferSize uint64
}

// Buffer is a backend buffer allocation.
type Buffer interface {
	BufferSize() uint64
}

// Image is a backend image allocation.
type Image interface {
	ImageSize() (width, height, depth uint32)
}

// Sampler, BindLayout, PipelineLayout and Pipeline are opaque backend objects.
type (
	Sampler        interface{}
	BindLayout     interface{}
	PipelineLayout interface{}
	Pipeline       interface{}
)

// BufferDesc describes a buffer allocation.
type BufferDesc struct {
	Label string
	Size  uint64
	Usage gputypes.BufferUsage

	// HostVisible requests CPU-mappable memory that needs explicit flushes.
	HostVisible bool

	// Persistent requests host-coherent memory that stays mapped.
	// Implies HostVisible.
	Persistent bool

	// Concurrent allows use from several queues without ownership transfer.
	Concurrent bool

	// Sparse requests a virtual buffer without physical backing.
	Sparse bool
}

// ImageDesc describes an image allocation.
type ImageDesc struct {
	Label      string
	Width      uint32
	Height     uint32
	Depth      uint32
	MipLevels  uint32
	Format     gputypes.TextureFormat
	Usage      gputypes.TextureUsage
	Concurrent bool
}

// BytesPerPixel returns the texel size of the formats this layer uploads.
func BytesPerPixel(f gputypes.TextureFormat) int {
	switch f {
	case gputypes.TextureFormatR8Unorm:
		return 1
	default:
		return 4
	}
}

// Device is one GPU device as seen by this layer. Backends are a closed
// set of implementations behind this interface.
type Device interface {
	// Caps returns device capabilities.
	Caps() Caps

	CreateBuffer(desc *BufferDesc) (Buffer, error)
	DestroyBuffer(b Buffer)
	CreateImage(desc *ImageDesc) (Image, error)
	DestroyImage(img Image)

	// MapBuffer returns a host view of the whole buffer.
	MapBuffer(b Buffer) ([]byte, error)
	// FlushBuffer makes host writes in the range visible to the device.
	FlushBuffer(b Buffer, offset, size uint64) error
	// InvalidateBuffer makes device writes in the range visible to the host.
	InvalidateBuffer(b Buffer, offset, size uint64) error
	UnmapBuffer(b Buffer)

	CreateSampler(desc *SamplerDesc) (Sampler, error)
	DestroySampler(s Sampler)
	CreateBindLayout(desc *BindLayoutDesc) (BindLayout, error)
	DestroyBindLayout(l BindLayout)
	CreatePipelineLayout(desc *PipelineLayoutDesc) (PipelineLayout, error)
	DestroyPipelineLayout(l PipelineLayout)
	CreateComputePipeline(desc *ComputePipelineDesc) (Pipeline, error)
	CreateRenderPipeline(desc *RenderPipelineDesc) (Pipeline, error)
	DestroyPipeline(p Pipeline)

	// Submit executes a submission and signals sub.Signal on sub.Queue's
	// timeline once every command has completed.
	Submit(sub *Submission) error
	// Wait blocks until queue q's timeline reaches value or timeout elapses.
	Wait(q QueueKind, value uint64, timeout time.Duration) (bool, error)
	// Completed returns the last completed timeline value of q.
	Completed(q QueueKind) uint64

	// CreateSurface creates a presentable surface for a platform target.
	CreateSurface(target SurfaceTarget) (Surface, error)

	// Destroy releases the device. Outstanding work must have completed.
	Destroy()
}
