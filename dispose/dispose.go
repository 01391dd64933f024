// Copyright 2026 The gogpu Authors
// SPDX-License-Identifier: BSD-3-Clause

// Package dispose defers destruction until GPU work is provably finished.
//
// Entries are drained by Prune, called once per frame. Each destructor
// runs exactly once and never before its token reports complete.
package dispose

import (
	"time"

	"github.com/gogpu/rhi/completion"
	"github.com/gogpu/rhi/internal/logx"
)

type entry struct {
	value   any
	destroy func(any)
	token   completion.Token
}

// Disposer is a deferred-free queue keyed by completion tokens. It is not
// safe for concurrent use.
type Disposer struct {
	entries []entry
	freed   uint64
}

// New returns an empty Disposer.
func New() *Disposer { return &Disposer{} }

// Dispose schedules destroy(value) for when token completes. A nil destroy
// is ignored.
func (d *Disposer) Dispose(value any, destroy func(any), token completion.Token) {
	if destroy == nil {
		return
	}
	d.entries = append(d.entries, entry{value: value, destroy: destroy, token: token})
}

// Prune runs the destructor of every entry whose token has completed and
// returns how many ran. It does not block.
func (d *Disposer) Prune() int {
	n := 0
	for i := 0; i < len(d.entries); {
		if !d.entries[i].token.WaitInvalidate(0) {
			i++
			continue
		}
		e := d.entries[i]
		last := len(d.entries) - 1
		d.entries[i] = d.entries[last]
		d.entries[last] = entry{}
		d.entries = d.entries[:last]
		e.destroy(e.value)
		n++
	}
	d.freed += uint64(n) //nolint:gosec // n >= 0
	return n
}

// Flush waits up to timeout for every pending token and runs all
// destructors whose tokens completed. It returns the number of entries
// still pending.
func (d *Disposer) Flush(timeout time.Duration) int {
	deadline := time.Now().Add(timeout)
	for i := range d.entries {
		remaining := timeout
		if timeout != completion.Infinite {
			remaining = max(time.Until(deadline), 0)
		}
		d.entries[i].token.WaitInvalidate(remaining)
	}
	d.Prune()
	if n := len(d.entries); n > 0 {
		logx.L().Warn("dispose: entries still pending after flush", "count", n)
	}
	return len(d.entries)
}

// Len returns the number of pending entries.
func (d *Disposer) Len() int { return len(d.entries) }

// Freed returns the total number of destructors run.
func (d *Disposer) Freed() uint64 { return d.freed }
