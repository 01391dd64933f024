// Copyright 2026 The gogpu Authors
// SPDX-License-Identifier: BSD-3-Clause

// Package memory owns physical GPU allocations.
//
// A Pool creates buffers and images on a backend.Device and hands out
// generational Handles. Nothing outside the pool holds a RawResource
// pointer across frames; stale handles are detected rather than aliased.
package memory

import (
	"errors"
	"fmt"
	"sync"

	"github.com/gogpu/rhi/backend"
	"github.com/gogpu/rhi/internal/arena"
	"github.com/gogpu/rhi/internal/fatal"
	"github.com/gogpu/rhi/internal/logx"
)

// ErrStaleHandle is returned by Lookup for released or foreign handles.
var ErrStaleHandle = errors.New("memory: stale resource handle")

// Default budget.
const (
	// DefaultBudgetMB is the soft memory budget (1 GiB).
	DefaultBudgetMB = 1024

	// WarnThreshold is the utilization at which creation logs a warning.
	WarnThreshold = 0.9
)

// MemoryStats contains allocation statistics.
type MemoryStats struct {
	// BudgetBytes is the soft budget in bytes.
	BudgetBytes uint64

	// UsedBytes is the currently allocated memory in bytes.
	UsedBytes uint64

	// AvailableBytes is the remaining budget.
	AvailableBytes uint64

	BufferCount int
	ImageCount  int

	// Utilization is the fraction of budget used (may exceed 1.0).
	Utilization float64
}

// String returns a human-readable string of memory stats.
func (s MemoryStats) String() string {
	return fmt.Sprintf("Memory[%.1f%% used, %d/%d MB, %d buffers, %d images]",
		s.Utilization*100,
		s.UsedBytes/(1024*1024),
		s.BudgetBytes/(1024*1024),
		s.BufferCount,
		s.ImageCount)
}

// Config holds configuration for a Pool.
type Config struct {
	// BudgetMB is the soft budget in megabytes. Defaults to DefaultBudgetMB.
	// Exceeding it logs a warning; allocation still proceeds.
	BudgetMB int
}

// Pool owns RawResources. It is safe for concurrent use, though the
// layer above drives it from one thread.
type Pool struct {
	dev backend.Device

	mu        sync.Mutex
	resources arena.Arena[*RawResource]
	budget    uint64
	used      uint64
	buffers   int
	images    int
	warned    bool
}

// NewPool creates a pool allocating from dev.
func NewPool(dev backend.Device, cfg Config) *Pool {
	mb := cfg.BudgetMB
	if mb <= 0 {
		mb = DefaultBudgetMB
	}
	return &Pool{
		dev:    dev,
		budget: uint64(mb) * 1024 * 1024, //nolint:gosec // positive
	}
}

// Device returns the backend device.
func (p *Pool) Device() backend.Device { return p.dev }

func bufferCaps(desc *backend.BufferDesc) Capabilities {
	var c Capabilities
	if desc.HostVisible || desc.Persistent {
		c |= HostMappable
	}
	if desc.Persistent {
		c |= Persistent
	}
	if desc.Concurrent {
		c |= Concurrent
	}
	if desc.Sparse {
		c |= Sparse
	}
	return c
}

// CreateBuffer allocates a buffer.
func (p *Pool) CreateBuffer(desc backend.BufferDesc, debugName string) (Handle, error) {
	if debugName != "" {
		desc.Label = debugName
	}
	b, err := p.dev.CreateBuffer(&desc)
	if err != nil {
		return Handle{}, fmt.Errorf("memory: create buffer %q: %w", desc.Label, err)
	}
	r := &RawResource{
		name:       desc.Label,
		kind:       KindBuffer,
		size:       desc.Size,
		caps:       bufferCaps(&desc),
		buffer:     b,
		bufferDesc: desc,
		owner:      backend.QueueNone,
	}
	if r.caps.Has(Persistent) {
		view, err := p.dev.MapBuffer(b)
		if err != nil {
			p.dev.DestroyBuffer(b)
			return Handle{}, fmt.Errorf("memory: map persistent buffer %q: %w", desc.Label, err)
		}
		r.view = view
		r.mapped = true
	}
	return p.insert(r), nil
}

// CreateImage allocates an image.
func (p *Pool) CreateImage(desc backend.ImageDesc, debugName string) (Handle, error) {
	if debugName != "" {
		desc.Label = debugName
	}
	img, err := p.dev.CreateImage(&desc)
	if err != nil {
		return Handle{}, fmt.Errorf("memory: create image %q: %w", desc.Label, err)
	}
	depth := max(desc.Depth, 1)
	r := &RawResource{
		name:      desc.Label,
		kind:      KindImage,
		size:      uint64(desc.Width) * uint64(desc.Height) * uint64(depth) * uint64(backend.BytesPerPixel(desc.Format)), //nolint:gosec // positive
		image:     img,
		imageDesc: desc,
		owner:     backend.QueueNone,
	}
	if desc.Concurrent {
		r.caps |= Concurrent
	}
	return p.insert(r), nil
}

// ImportImage wraps an image the pool does not own. Release drops the
// handle without destroying the image.
func (p *Pool) ImportImage(img backend.Image, desc backend.ImageDesc, debugName string) Handle {
	if debugName != "" {
		desc.Label = debugName
	}
	r := &RawResource{
		name:      desc.Label,
		kind:      KindImage,
		image:     img,
		imageDesc: desc,
		owner:     backend.QueueNone,
		external:  true,
	}
	if desc.Concurrent {
		r.caps |= Concurrent
	}
	return p.insert(r)
}

func (p *Pool) insert(r *RawResource) Handle {
	p.mu.Lock()
	h := Handle{idx: p.resources.Insert(r)}
	p.used += r.size
	if r.kind == KindBuffer {
		p.buffers++
	} else {
		p.images++
	}
	over := float64(p.used) >= float64(p.budget)*WarnThreshold
	warn := over && !p.warned
	p.warned = over
	used, budget := p.used, p.budget
	p.mu.Unlock()

	logx.L().Debug("memory: created",
		"kind", r.kind.String(),
		"name", r.name,
		"size", r.size,
		"handle", h.String())
	if warn {
		logx.L().Warn("memory: soft budget nearly exhausted",
			"used", used,
			"budget", budget)
	}
	return h
}

// Lookup returns the resource for h, or ErrStaleHandle.
func (p *Pool) Lookup(h Handle) (*RawResource, error) {
	p.mu.Lock()
	r, ok := p.resources.Get(h.idx)
	p.mu.Unlock()
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrStaleHandle, h)
	}
	return r, nil
}

// Get returns the resource for h. A stale handle is a caller bug and is
// fatal.
func (p *Pool) Get(h Handle) *RawResource {
	r, err := p.Lookup(h)
	fatal.Err(err, "memory: get")
	return r
}

// Release destroys the resource immediately. Callers route releases of
// resources still in use through the Disposer.
func (p *Pool) Release(h Handle) {
	p.mu.Lock()
	r, ok := p.resources.Get(h.idx)
	if ok {
		p.resources.Remove(h.idx)
		p.used -= r.size
		if r.kind == KindBuffer {
			p.buffers--
		} else {
			p.images--
		}
	}
	p.mu.Unlock()
	fatal.Check(ok, "memory: release of stale handle %s", h)

	if r.buffer != nil {
		if r.mapped {
			p.dev.UnmapBuffer(r.buffer)
		}
		p.dev.DestroyBuffer(r.buffer)
	}
	if r.image != nil && !r.external {
		p.dev.DestroyImage(r.image)
	}
	logx.L().Debug("memory: released", "name", r.name, "handle", h.String())
}

func checkRange(r *RawResource, offset, size uint64) {
	fatal.Check(offset <= r.size && size <= r.size-offset,
		"memory: range [%d,+%d) outside %q of %d bytes", offset, size, r.name, r.size)
}

// BeginMap returns the host view of h starting at offset. Mapping memory
// that is not host visible, or mapping a non-persistent resource twice, is
// fatal.
func (p *Pool) BeginMap(h Handle, offset uint64) []byte {
	r := p.Get(h)
	fatal.Check(r.kind == KindBuffer && r.caps.Has(HostMappable),
		"memory: %q is not host visible", r.name)
	checkRange(r, offset, 0)
	if r.caps.Has(Persistent) {
		return r.view[offset:]
	}
	fatal.Check(!r.mapped, "memory: re-entrant map of %q", r.name)
	view, err := p.dev.MapBuffer(r.buffer)
	fatal.Err(err, "memory: map "+r.name)
	r.view = view
	r.mapped = true
	return view[offset:]
}

// EndMap flushes [offset, offset+size) to the device and ends a
// non-persistent mapping.
func (p *Pool) EndMap(h Handle, offset, size uint64) {
	r := p.Get(h)
	fatal.Check(r.mapped, "memory: end map of unmapped %q", r.name)
	checkRange(r, offset, size)
	if size > 0 {
		fatal.Err(p.dev.FlushBuffer(r.buffer, offset, size), "memory: flush "+r.name)
	}
	if !r.caps.Has(Persistent) {
		p.dev.UnmapBuffer(r.buffer)
		r.mapped = false
		r.view = nil
	}
}

// Invalidate makes device writes in the range visible to the host view.
// It maps non-persistent resources if needed; call BeginMap afterwards
// to read.
func (p *Pool) Invalidate(h Handle, offset, size uint64) {
	r := p.Get(h)
	fatal.Check(r.kind == KindBuffer && r.caps.Has(HostMappable),
		"memory: %q is not host visible", r.name)
	checkRange(r, offset, size)
	if !r.mapped {
		// The backend keeps the host view across unmaps.
		if _, err := p.dev.MapBuffer(r.buffer); err != nil {
			fatal.Err(err, "memory: map "+r.name)
		}
		defer p.dev.UnmapBuffer(r.buffer)
	}
	fatal.Err(p.dev.InvalidateBuffer(r.buffer, offset, size), "memory: invalidate "+r.name)
}

// Len returns the number of live resources.
func (p *Pool) Len() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.resources.Len()
}

// Stats returns allocation statistics.
func (p *Pool) Stats() MemoryStats {
	p.mu.Lock()
	defer p.mu.Unlock()
	s := MemoryStats{
		BudgetBytes: p.budget,
		UsedBytes:   p.used,
		BufferCount: p.buffers,
		ImageCount:  p.images,
	}
	if p.used < p.budget {
		s.AvailableBytes = p.budget - p.used
	}
	if p.budget > 0 {
		s.Utilization = float64(p.used) / float64(p.budget)
	}
	return s
}

// Each calls fn for every live resource.
func (p *Pool) Each(fn func(Handle, *RawResource)) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.resources.Each(func(i arena.Index, r *RawResource) {
		fn(Handle{idx: i}, r)
	})
}
