// Copyright 2026 The gogpu Authors
// SPDX-License-Identifier: BSD-3-Clause

// Package staging provides host-visible memory for CPU to GPU uploads.
//
// Short-lived uploads are carved from a persistently mapped ring. Callers
// that keep staging memory across frames ask for a persistent allocation,
// which gets a dedicated buffer recycled by size class. When the ring is
// full the pool falls back to a transient buffer freed once its upload
// completes.
package staging

import (
	"fmt"
	"math/bits"

	"github.com/gogpu/gputypes"

	"github.com/gogpu/rhi/backend"
	"github.com/gogpu/rhi/completion"
	"github.com/gogpu/rhi/dispose"
	"github.com/gogpu/rhi/internal/fatal"
	"github.com/gogpu/rhi/internal/logx"
	"github.com/gogpu/rhi/memory"
)

const (
	// DefaultRingSize is the ring capacity when Config.RingSize is zero.
	DefaultRingSize = 8 << 20

	// Alignment of ring sub-allocations.
	Alignment = 256

	minClass = 256
)

// Config configures a Pool.
type Config struct {
	RingSize uint64
}

// Stats describes staging memory use.
type Stats struct {
	RingCapacity   uint64
	RingInFlight   uint64
	Persistent     int
	PersistentIdle int
	Transient      int
	Fallbacks      uint64
}

// String returns a human-readable summary.
func (s Stats) String() string {
	return fmt.Sprintf("Staging[ring %d/%d, %d persistent (%d idle), %d transient, %d fallbacks]",
		s.RingInFlight, s.RingCapacity, s.Persistent, s.PersistentIdle, s.Transient, s.Fallbacks)
}

type allocKind uint8

const (
	kindRing allocKind = iota
	kindPersistent
	kindTransient
)

// Allocation is a mapped range of staging memory.
type Allocation struct {
	pool   *Pool
	handle memory.Handle
	offset uint64
	size   uint64
	kind   allocKind
	seg    *segment
	class  uint64
	view   []byte
	done   bool
}

// Handle returns the pool handle of the backing buffer, for copy commands.
func (a *Allocation) Handle() memory.Handle { return a.handle }

// Offset returns the byte offset of the allocation in its buffer.
func (a *Allocation) Offset() uint64 { return a.offset }

// Size returns the requested size.
func (a *Allocation) Size() uint64 { return a.size }

// Persistent reports whether the allocation has a dedicated buffer.
func (a *Allocation) Persistent() bool { return a.kind == kindPersistent }

// Bytes returns the host view of the allocation.
func (a *Allocation) Bytes() []byte {
	fatal.Check(!a.done, "staging: use of released allocation")
	if a.view == nil {
		a.view = a.pool.mem.BeginMap(a.handle, a.offset)[:a.size]
	}
	return a.view
}

// Flush makes host writes visible to the device. Call it after writing
// and before submitting the copy.
func (a *Allocation) Flush() {
	fatal.Check(!a.done, "staging: flush of released allocation")
	if a.view == nil {
		return
	}
	a.pool.mem.EndMap(a.handle, a.offset, a.size)
	if a.kind == kindTransient {
		a.view = nil
	}
}

type segment struct {
	start, end uint64
	token      completion.Token
	released   bool
}

type idleBuffer struct {
	handle memory.Handle
	token  completion.Token
}

// Pool hands out staging memory. It is not safe for concurrent use.
type Pool struct {
	mem *memory.Pool

	ring     memory.Handle
	capacity uint64
	head     uint64
	tail     uint64
	wrapped  bool
	segments []*segment

	classes    map[uint64][]idleBuffer
	persistent int
	held       map[memory.Handle]struct{}
	transients *dispose.Disposer
	fallbacks  uint64
}

// New creates the ring buffer and returns a Pool.
func New(mem *memory.Pool, cfg Config) (*Pool, error) {
	if cfg.RingSize == 0 {
		cfg.RingSize = DefaultRingSize
	}
	h, err := mem.CreateBuffer(backend.BufferDesc{
		Size:       cfg.RingSize,
		Usage:      gputypes.BufferUsageCopySrc,
		Persistent: true,
		Concurrent: true,
	}, "staging.ring")
	if err != nil {
		return nil, fmt.Errorf("staging: ring: %w", err)
	}
	return &Pool{
		mem:        mem,
		ring:       h,
		capacity:   cfg.RingSize,
		classes:    make(map[uint64][]idleBuffer),
		held:       make(map[memory.Handle]struct{}),
		transients: dispose.New(),
	}, nil
}

// Acquire returns size bytes of mapped staging memory. Persistent requests
// get a dedicated buffer; others come from the ring. A non-persistent
// request larger than the ring is fatal.
func (p *Pool) Acquire(size uint64, persistent bool, debugName string) (*Allocation, error) {
	fatal.Check(size > 0, "staging: zero-byte allocation %q", debugName)
	if persistent {
		return p.acquirePersistent(size, debugName)
	}
	fatal.Check(size <= p.capacity, "staging: %q needs %d bytes, ring holds %d", debugName, size, p.capacity)

	if a := p.acquireRing(size); a != nil {
		return a, nil
	}
	p.retire()
	if a := p.acquireRing(size); a != nil {
		return a, nil
	}

	p.fallbacks++
	logx.L().Debug("staging: ring full, using transient buffer", "name", debugName, "size", size)
	h, err := p.mem.CreateBuffer(backend.BufferDesc{
		Size:        size,
		Usage:       gputypes.BufferUsageCopySrc,
		HostVisible: true,
		Concurrent:  true,
	}, debugName)
	if err != nil {
		return nil, fmt.Errorf("staging: transient %q: %w", debugName, err)
	}
	return &Allocation{pool: p, handle: h, size: size, kind: kindTransient}, nil
}

func (p *Pool) acquireRing(size uint64) *Allocation {
	aligned := (size + Alignment - 1) / Alignment * Alignment
	var start uint64
	switch {
	case len(p.segments) == 0:
		p.head, p.tail, p.wrapped = 0, 0, false
		if aligned > p.capacity {
			aligned = size
		}
		start = 0
	case !p.wrapped && p.head+aligned <= p.capacity:
		start = p.head
	case !p.wrapped && aligned <= p.tail:
		start = 0
		p.wrapped = true
	case p.wrapped && p.head+aligned <= p.tail:
		start = p.head
	default:
		return nil
	}
	seg := &segment{start: start, end: start + aligned}
	p.segments = append(p.segments, seg)
	p.head = seg.end
	return &Allocation{pool: p, handle: p.ring, offset: start, size: size, kind: kindRing, seg: seg}
}

func sizeClass(size uint64) uint64 {
	if size <= minClass {
		return minClass
	}
	return 1 << bits.Len64(size-1)
}

func (p *Pool) acquirePersistent(size uint64, debugName string) (*Allocation, error) {
	class := sizeClass(size)
	idle := p.classes[class]
	for i := range idle {
		if idle[i].token.WaitInvalidate(0) {
			h := idle[i].handle
			p.classes[class] = append(idle[:i], idle[i+1:]...)
			p.held[h] = struct{}{}
			return &Allocation{pool: p, handle: h, size: size, kind: kindPersistent, class: class}, nil
		}
	}
	h, err := p.mem.CreateBuffer(backend.BufferDesc{
		Size:       class,
		Usage:      gputypes.BufferUsageCopySrc,
		Persistent: true,
		Concurrent: true,
	}, debugName)
	if err != nil {
		return nil, fmt.Errorf("staging: persistent %q: %w", debugName, err)
	}
	p.persistent++
	p.held[h] = struct{}{}
	return &Allocation{pool: p, handle: h, size: size, kind: kindPersistent, class: class}, nil
}

// Release returns a to the pool. Its memory is not reused until token
// completes.
func (p *Pool) Release(a *Allocation, token completion.Token) {
	fatal.Check(a.pool == p, "staging: allocation from another pool")
	fatal.Check(!a.done, "staging: double release")
	a.done = true
	a.view = nil
	switch a.kind {
	case kindRing:
		a.seg.token = token
		a.seg.released = true
	case kindPersistent:
		delete(p.held, a.handle)
		p.classes[a.class] = append(p.classes[a.class], idleBuffer{handle: a.handle, token: token})
	case kindTransient:
		h := a.handle
		p.transients.Dispose(h, func(any) { p.mem.Release(h) }, token)
	}
}

// retire frees ring segments from the tail while their tokens are
// complete.
func (p *Pool) retire() {
	for len(p.segments) > 0 {
		seg := p.segments[0]
		if !seg.released || !seg.token.WaitInvalidate(0) {
			break
		}
		p.segments[0] = nil
		p.segments = p.segments[1:]
		if p.wrapped && seg.start < p.tail {
			p.wrapped = false
		}
		p.tail = seg.end
	}
	if len(p.segments) == 0 {
		p.head, p.tail, p.wrapped = 0, 0, false
	}
}

// Prune retires completed ring segments and frees transient buffers whose
// uploads have completed.
func (p *Pool) Prune() {
	p.retire()
	p.transients.Prune()
}

// Stats returns current staging use.
func (p *Pool) Stats() Stats {
	s := Stats{
		RingCapacity: p.capacity,
		Persistent:   p.persistent,
		Transient:    p.transients.Len(),
		Fallbacks:    p.fallbacks,
	}
	for _, seg := range p.segments {
		s.RingInFlight += seg.end - seg.start
	}
	for _, idle := range p.classes {
		s.PersistentIdle += len(idle)
	}
	return s
}

// Close frees all staging buffers, including persistent allocations that
// were never released. Outstanding uploads must have completed.
func (p *Pool) Close() {
	p.transients.Flush(0)
	for h := range p.held {
		p.mem.Release(h)
		delete(p.held, h)
	}
	for class, idle := range p.classes {
		for _, b := range idle {
			p.mem.Release(b.handle)
		}
		delete(p.classes, class)
	}
	p.mem.Release(p.ring)
	p.segments = nil
}
