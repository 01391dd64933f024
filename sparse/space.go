// Copyright 2026 The gogpu Authors
// SPDX-License-Identifier: BSD-3-Clause

// Package sparse manages byte ranges of a sparse virtual buffer.
//
// Reserving a range only claims address space. Physical pages are bound
// and unbound with AllocateRange and DeallocateRange, which are queue
// operations ordered with the rest of the work on that queue.
package sparse

import (
	"errors"
	"fmt"
	"math"
	"sort"

	"github.com/gogpu/gputypes"

	"github.com/gogpu/rhi/backend"
	"github.com/gogpu/rhi/internal/fatal"
	"github.com/gogpu/rhi/internal/logx"
	"github.com/gogpu/rhi/memory"
	"github.com/gogpu/rhi/queue"
)

// TriangleStride is the size of one triangle of 32-bit indices. Index
// ranges start on a multiple of it so draws never straddle a triangle.
const TriangleStride = 12

// Errors returned by Space.
var (
	// ErrExhausted is returned under PolicyError when no free range fits.
	ErrExhausted = errors.New("sparse: address space exhausted")

	// ErrInvalidSize is returned for zero-sized requests.
	ErrInvalidSize = errors.New("sparse: invalid size")
)

// Usage selects the alignment of a range.
type Usage uint8

// Range usages.
const (
	UsageVertex Usage = iota
	UsageIndex
	UsageMeshlet
)

// String returns the usage name.
func (u Usage) String() string {
	switch u {
	case UsageVertex:
		return "Vertex"
	case UsageIndex:
		return "Index"
	case UsageMeshlet:
		return "Meshlet"
	default:
		return fmt.Sprintf("Usage(%d)", uint8(u))
	}
}

// Policy decides what exhaustion does.
type Policy uint8

// Exhaustion policies.
const (
	// PolicyError returns ErrExhausted so the caller can evict and retry.
	PolicyError Policy = iota
	// PolicyFatal panics through the fatal path.
	PolicyFatal
)

// Range is a reserved span of the virtual buffer.
type Range struct {
	Offset uint64
	Size   uint64
}

// End returns the first byte past r.
func (r Range) End() uint64 { return r.Offset + r.Size }

// Config configures a Space.
type Config struct {
	Label    string
	Capacity uint64
	Usage    gputypes.BufferUsage
	Policy   Policy
}

// Stats describes a Space.
type Stats struct {
	Capacity    uint64
	Reserved    uint64
	BoundBytes  uint64
	FreeRanges  int
	Allocations int
}

// String returns a human-readable summary.
func (s Stats) String() string {
	return fmt.Sprintf("Sparse[%d/%d bytes reserved, %d bound, %d live, %d free ranges]",
		s.Reserved, s.Capacity, s.BoundBytes, s.Allocations, s.FreeRanges)
}

type liveRange struct {
	size  uint64
	bound bool
}

// Space sub-allocates a sparse buffer. It is not safe for concurrent use.
type Space struct {
	pool   *memory.Pool
	queues *queue.Set
	handle memory.Handle
	buffer backend.Buffer
	page   uint64
	cfg    Config

	// free is sorted by offset and never holds adjacent ranges.
	free []Range
	live map[uint64]liveRange

	reserved uint64
	bound    uint64

	// Binds on the virtual buffer are ordered across queues through the
	// last queue that bound or unbound and its submission count then.
	lastQueue     queue.Kind
	lastSubmitted uint64
	hasLast       bool
}

// New creates a sparse buffer of cfg.Capacity bytes, rounded up to the
// device page size.
func New(pool *memory.Pool, queues *queue.Set, cfg Config) (*Space, error) {
	caps := pool.Device().Caps()
	if !caps.SparseBinding || caps.SparsePageSize == 0 {
		return nil, fmt.Errorf("sparse: %w: sparse binding", backend.ErrUnsupported)
	}
	if cfg.Capacity == 0 {
		return nil, fmt.Errorf("%w: zero capacity", ErrInvalidSize)
	}
	if cfg.Label == "" {
		cfg.Label = "sparse"
	}
	page := caps.SparsePageSize
	if cfg.Capacity > math.MaxUint64-page {
		return nil, fmt.Errorf("%w: capacity %d", ErrInvalidSize, cfg.Capacity)
	}
	cfg.Capacity = alignUp(cfg.Capacity, page)

	h, err := pool.CreateBuffer(backend.BufferDesc{
		Size:       cfg.Capacity,
		Usage:      cfg.Usage | gputypes.BufferUsageCopyDst | gputypes.BufferUsageCopySrc,
		Concurrent: true,
		Sparse:     true,
	}, cfg.Label)
	if err != nil {
		return nil, err
	}
	s := &Space{
		pool:   pool,
		queues: queues,
		handle: h,
		buffer: pool.Get(h).Buffer(),
		page:   page,
		cfg:    cfg,
		free:   []Range{{Offset: 0, Size: cfg.Capacity}},
		live:   make(map[uint64]liveRange),
	}
	logx.L().Debug("sparse: space created",
		"label", cfg.Label,
		"capacity", cfg.Capacity,
		"page_size", page)
	return s, nil
}

// Handle returns the pool handle of the virtual buffer.
func (s *Space) Handle() memory.Handle { return s.handle }

// PageSize returns the physical page granularity.
func (s *Space) PageSize() uint64 { return s.page }

// Alignment returns the offset alignment of ranges with usage u.
func (s *Space) Alignment(u Usage) uint64 {
	if u == UsageIndex {
		return lcm(s.page, TriangleStride)
	}
	return s.page
}

// Reserve claims a range of at least size bytes without binding memory.
// The returned size is rounded up to whole pages.
func (s *Space) Reserve(size uint64, u Usage) (Range, error) {
	if size == 0 {
		return Range{}, fmt.Errorf("%w: zero-byte %v range", ErrInvalidSize, u)
	}
	if size > s.cfg.Capacity {
		return Range{}, s.exhausted(size, u)
	}
	size = alignUp(size, s.page)
	align := s.Alignment(u)

	best, bestStart := -1, uint64(0)
	var bestWaste uint64
	for i, f := range s.free {
		start := alignUp(f.Offset, align)
		if start < f.Offset || start+size > f.End() {
			continue
		}
		waste := f.Size - size
		if best < 0 || waste < bestWaste {
			best, bestStart, bestWaste = i, start, waste
		}
	}
	if best < 0 {
		return Range{}, s.exhausted(size, u)
	}

	f := s.free[best]
	var split []Range
	if bestStart > f.Offset {
		split = append(split, Range{Offset: f.Offset, Size: bestStart - f.Offset})
	}
	if end := bestStart + size; end < f.End() {
		split = append(split, Range{Offset: end, Size: f.End() - end})
	}
	s.free = append(s.free[:best], append(split, s.free[best+1:]...)...)

	r := Range{Offset: bestStart, Size: size}
	s.live[r.Offset] = liveRange{size: size}
	s.reserved += size
	return r, nil
}

func (s *Space) exhausted(size uint64, u Usage) error {
	fatal.Check(s.cfg.Policy != PolicyFatal,
		"sparse: %q exhausted: %d-byte %v range, %d of %d reserved",
		s.cfg.Label, size, u, s.reserved, s.cfg.Capacity)
	logx.L().Warn("sparse: space exhausted",
		"label", s.cfg.Label,
		"request", size,
		"reserved", s.reserved,
		"capacity", s.cfg.Capacity)
	return fmt.Errorf("%w: %q cannot fit %d bytes", ErrExhausted, s.cfg.Label, size)
}

// lookup returns the live entry for r. Unknown ranges are fatal.
func (s *Space) lookup(r Range) liveRange {
	lr, ok := s.live[r.Offset]
	fatal.Check(ok && lr.size == r.Size, "sparse: %q does not own range [%d,+%d)", s.cfg.Label, r.Offset, r.Size)
	return lr
}

// Release returns a reserved range to the free list. Its pages must have
// been unbound with DeallocateRange.
func (s *Space) Release(r Range) {
	lr := s.lookup(r)
	fatal.Check(!lr.bound, "sparse: release of bound range [%d,+%d)", r.Offset, r.Size)
	delete(s.live, r.Offset)
	s.reserved -= r.Size

	i := sort.Search(len(s.free), func(i int) bool { return s.free[i].Offset > r.Offset })
	s.free = append(s.free, Range{})
	copy(s.free[i+1:], s.free[i:])
	s.free[i] = r

	// Coalesce with the next range, then the previous one.
	if i+1 < len(s.free) && s.free[i].End() == s.free[i+1].Offset {
		s.free[i].Size += s.free[i+1].Size
		s.free = append(s.free[:i+1], s.free[i+2:]...)
	}
	if i > 0 && s.free[i-1].End() == s.free[i].Offset {
		s.free[i-1].Size += s.free[i].Size
		s.free = append(s.free[:i], s.free[i+1:]...)
	}
}

// AllocateRange binds physical pages to a reserved range on q's next
// submission.
func (s *Space) AllocateRange(r Range, q queue.Kind) {
	lr := s.lookup(r)
	fatal.Check(!lr.bound, "sparse: range [%d,+%d) already bound", r.Offset, r.Size)
	s.bind(r, q, true)
	lr.bound = true
	s.live[r.Offset] = lr
	s.bound += r.Size
}

// DeallocateRange unbinds the physical pages of a reserved range on q's
// next submission. The range stays reserved.
func (s *Space) DeallocateRange(r Range, q queue.Kind) {
	lr := s.lookup(r)
	fatal.Check(lr.bound, "sparse: range [%d,+%d) is not bound", r.Offset, r.Size)
	s.bind(r, q, false)
	lr.bound = false
	s.live[r.Offset] = lr
	s.bound -= r.Size
}

// Allocate reserves a range and binds its pages on q.
func (s *Space) Allocate(size uint64, u Usage, q queue.Kind) (Range, error) {
	r, err := s.Reserve(size, u)
	if err != nil {
		return Range{}, err
	}
	s.AllocateRange(r, q)
	return r, nil
}

// Deallocate unbinds r on q and returns it to the free list. A later
// range reusing the addresses is bound after this unbind.
func (s *Space) Deallocate(r Range, q queue.Kind) {
	s.DeallocateRange(r, q)
	s.Release(r)
}

func (s *Space) bind(r Range, q queue.Kind, bind bool) {
	if s.hasLast && s.lastQueue != q {
		// The previous bind lands in submission lastSubmitted+1 of
		// lastQueue; express it relative to that queue's next one.
		offset := int(s.lastSubmitted) - int(s.queues.Submitted(s.lastQueue)) //nolint:gosec // submission counts fit int
		s.queues.Sync(s.lastQueue, q, offset)
	}
	s.queues.BindSparse(q, backend.SparseBind{
		Buffer: s.buffer,
		Offset: r.Offset,
		Size:   r.Size,
		Bind:   bind,
	})
	s.lastQueue, s.lastSubmitted, s.hasLast = q, s.queues.Submitted(q), true
}

// Stats returns the current occupancy.
func (s *Space) Stats() Stats {
	return Stats{
		Capacity:    s.cfg.Capacity,
		Reserved:    s.reserved,
		BoundBytes:  s.bound,
		FreeRanges:  len(s.free),
		Allocations: len(s.live),
	}
}

func alignUp(v, align uint64) uint64 {
	if align <= 1 {
		return v
	}
	return (v + align - 1) / align * align
}

func gcd(a, b uint64) uint64 {
	for b != 0 {
		a, b = b, a%b
	}
	return a
}

func lcm(a, b uint64) uint64 {
	return a / gcd(a, b) * b
}
