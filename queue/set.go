// Copyright 2026 The gogpu Authors
// SPDX-License-Identifier: BSD-3-Clause

// Package queue records commands per logical queue and orders submissions
// across queues.
//
// Commands within one queue execute in submission order. Nothing orders
// two different queues unless an edge is added with Sync, Wait or
// Transfer; a missing edge is a race, not an error.
package queue

import (
	"fmt"
	"time"

	"github.com/gogpu/rhi/backend"
	"github.com/gogpu/rhi/completion"
	"github.com/gogpu/rhi/internal/fatal"
	"github.com/gogpu/rhi/internal/logx"
	"github.com/gogpu/rhi/memory"
)

// Kind names a logical queue.
type Kind = backend.QueueKind

// Logical queues.
const (
	Graphics = backend.QueueGraphics
	Compute  = backend.QueueCompute
	Transfer = backend.QueueTransfer
	Present  = backend.QueuePresent
)

// Config configures a Set.
type Config struct {
	// Validate checks queue ownership of exclusive resources while
	// recording and logs violations.
	Validate bool
}

// Stats counts queue activity.
type Stats struct {
	Submissions         uint64
	Commands            uint64
	SyncEdges           uint64
	Transfers           uint64
	OwnershipViolations uint64
}

// String returns a human-readable summary.
func (s Stats) String() string {
	return fmt.Sprintf("Queues[%d submissions, %d commands, %d edges, %d transfers, %d violations]",
		s.Submissions, s.Commands, s.SyncEdges, s.Transfers, s.OwnershipViolations)
}

type queueState struct {
	cb        *CommandBuffer
	submitted uint64
	waits     map[Kind]uint64
	binds     []backend.SparseBind
	last      completion.Token
}

// Set owns one recording context per logical queue. It is not safe for
// concurrent use; recording is frame-sequential.
type Set struct {
	dev  backend.Device
	pool *memory.Pool
	cfg  Config

	queues [backend.QueueCount]queueState
	stats  Stats
}

// New returns a Set submitting to the pool's device.
func New(pool *memory.Pool, cfg Config) *Set {
	s := &Set{dev: pool.Device(), pool: pool, cfg: cfg}
	for i := range s.queues {
		s.queues[i].waits = make(map[Kind]uint64)
	}
	return s
}

func checkKind(q Kind) {
	fatal.Check(int(q) < backend.QueueCount, "queue: unknown queue %v", q)
}

// CommandBuffer returns the buffer accumulating commands for q. It is the
// same buffer until q is submitted.
func (s *Set) CommandBuffer(q Kind) *CommandBuffer {
	checkKind(q)
	st := &s.queues[q]
	if st.cb == nil {
		st.cb = newCommandBuffer(s, q)
	}
	return st.cb
}

// Submit ends recording on q, submits it with the pending wait edges and
// sparse binds, and returns a token for exactly that submission.
// Device failures are fatal.
func (s *Set) Submit(q Kind) completion.Token {
	checkKind(q)
	st := &s.queues[q]
	cb := s.CommandBuffer(q)
	value := st.submitted + 1

	sub := &backend.Submission{
		Queue:       q,
		Label:       fmt.Sprintf("%v#%d", q, value),
		SparseBinds: st.binds,
		Commands:    cb.cmds,
		Signal:      value,
	}
	for _, from := range backend.Queues() {
		if v, ok := st.waits[from]; ok {
			sub.Waits = append(sub.Waits, backend.TimelinePoint{Queue: from, Value: v})
		}
	}
	fatal.Err(s.dev.Submit(sub), "queue: submit "+sub.Label)

	tok := s.token(q, value)
	cb.markUsed(tok)

	s.stats.Submissions++
	s.stats.Commands += uint64(len(cb.cmds))
	st.submitted = value
	st.last = tok
	st.cb = nil
	st.binds = nil
	clear(st.waits)

	logx.L().Debug("queue: submitted",
		"queue", q.String(),
		"value", value,
		"commands", len(sub.Commands),
		"waits", len(sub.Waits))
	return tok
}

// Sync makes to's next submission wait on a submission of from. Offset 0
// is from's next submission; negative offsets count back from it, so -1
// is from's most recent submission. Edges to submissions before the first
// are dropped.
func (s *Set) Sync(from, to Kind, offset int) {
	checkKind(from)
	checkKind(to)
	if from == to {
		return
	}
	target := int64(s.queues[from].submitted) + 1 + int64(offset) //nolint:gosec // timeline values fit int64
	if target <= 0 {
		return
	}
	waits := s.queues[to].waits
	if cur, ok := waits[from]; !ok || uint64(target) > cur {
		waits[from] = uint64(target)
	}
	s.stats.SyncEdges++
}

// Wait is Sync written from the waiting side: waiter's next submission
// waits on signaler's submission at offset.
func (s *Set) Wait(waiter, signaler Kind, offset int) {
	s.Sync(signaler, waiter, offset)
}

// Transfer hands exclusive ownership of resources from one queue to
// another. It records the release barrier on from, the acquire barrier on
// to and makes to's next submission wait on from's next submission.
func (s *Set) Transfer(from, to Kind, handles ...memory.Handle) {
	checkKind(from)
	checkKind(to)
	if from == to {
		return
	}
	release := backend.Barrier{}
	for _, h := range handles {
		r := s.pool.Get(h)
		if r.Concurrent() {
			continue
		}
		switch r.Kind() {
		case memory.KindBuffer:
			release.Buffers = append(release.Buffers, backend.BufferBarrier{
				Buffer: r.Buffer(), SrcQueue: from, DstQueue: to,
			})
		case memory.KindImage:
			release.Images = append(release.Images, backend.ImageBarrier{
				Image: r.Image(), OldState: r.State(), NewState: r.State(), SrcQueue: from, DstQueue: to,
			})
		}
	}
	if len(release.Buffers)+len(release.Images) > 0 {
		src, dst := s.CommandBuffer(from), s.CommandBuffer(to)
		// The release is recorded before ownership moves so it is not
		// flagged as a violation.
		for _, h := range handles {
			src.touch(h)
		}
		src.Record(release)
		for _, h := range handles {
			s.pool.Get(h).SetOwner(to)
			dst.touch(h)
		}
		dst.Record(backend.Barrier{Buffers: release.Buffers, Images: release.Images})
	}
	s.Sync(from, to, 0)
	s.stats.Transfers++
}

// BindSparse queues sparse page binds for q's next submission. They are
// applied after its waits and before its commands.
func (s *Set) BindSparse(q Kind, binds ...backend.SparseBind) {
	checkKind(q)
	s.queues[q].binds = append(s.queues[q].binds, binds...)
}

func (s *Set) token(q Kind, value uint64) completion.Token {
	dev := s.dev
	return completion.New(func(counter uint64, timeout time.Duration) bool {
		ok, err := dev.Wait(q, counter, timeout)
		fatal.Err(err, "queue: wait")
		return ok
	}, value)
}

// Pending returns a token for the next submission of every queue whose
// open command buffer references h. It is satisfied when no open buffer
// does.
func (s *Set) Pending(h memory.Handle) completion.Token {
	var toks []completion.Token
	for q := range s.queues {
		st := &s.queues[q]
		if st.cb == nil {
			continue
		}
		if _, ok := st.cb.seen[h]; ok {
			toks = append(toks, s.token(Kind(q), st.submitted+1))
		}
	}
	return completion.Join(toks...)
}

// Recording reports whether q has an open command buffer.
func (s *Set) Recording(q Kind) bool {
	checkKind(q)
	return s.queues[q].cb != nil || len(s.queues[q].binds) > 0
}

// Last returns the token of q's most recent submission.
func (s *Set) Last(q Kind) completion.Token {
	checkKind(q)
	return s.queues[q].last
}

// Submitted returns the number of submissions made on q.
func (s *Set) Submitted(q Kind) uint64 {
	checkKind(q)
	return s.queues[q].submitted
}

// WaitIdle waits up to timeout for every queue's last submission.
func (s *Set) WaitIdle(timeout time.Duration) bool {
	deadline := time.Now().Add(timeout)
	for i := range s.queues {
		remaining := timeout
		if timeout != completion.Infinite {
			remaining = max(time.Until(deadline), 0)
		}
		if !s.queues[i].last.WaitInvalidate(remaining) {
			return false
		}
	}
	return true
}

// Stats returns activity counters.
func (s *Set) Stats() Stats { return s.stats }

// checkOwner flags use of an exclusive resource by a queue that does not
// own it. Unowned resources are claimed by the first queue.
func (s *Set) checkOwner(q Kind, h memory.Handle, r *memory.RawResource) {
	if r.Concurrent() {
		return
	}
	owner := r.Owner()
	if owner == backend.QueueNone {
		r.SetOwner(q)
		return
	}
	if owner == q || !s.cfg.Validate {
		return
	}
	s.stats.OwnershipViolations++
	logx.L().Warn("queue: exclusive resource used without transfer",
		"resource", r.Name(),
		"handle", h.String(),
		"owner", owner.String(),
		"queue", q.String())
}
