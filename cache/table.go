// Copyright 2026 The gogpu Authors
// SPDX-License-Identifier: BSD-3-Clause

// Package cache deduplicates immutable GPU objects by content.
//
// Equal descriptors map to one backend object. Entries remember the last
// frame tick that used them and the submissions still referencing them;
// Prune evicts only entries that are both old and idle.
package cache

import (
	"fmt"

	"github.com/gogpu/rhi/backend"
	"github.com/gogpu/rhi/completion"
	"github.com/gogpu/rhi/internal/logx"
)

// Key is a comparable cache key. Normalize returns the canonical form, so
// keys that differ only in defaulted or unordered fields are equal.
type Key[K any] interface {
	comparable
	Normalize() K
}

// Stats counts table activity.
type Stats struct {
	Len       int
	Hits      uint64
	Misses    uint64
	Evictions uint64
}

// HitRate returns hits / (hits + misses), or 0 before any lookup.
func (s Stats) HitRate() float64 {
	total := s.Hits + s.Misses
	if total == 0 {
		return 0
	}
	return float64(s.Hits) / float64(total)
}

// String returns a human-readable summary.
func (s Stats) String() string {
	return fmt.Sprintf("Cache[%d entries, %d hits, %d misses, %d evictions, %.1f%% hit rate]",
		s.Len, s.Hits, s.Misses, s.Evictions, s.HitRate()*100)
}

type user interface {
	MarkUsed(q backend.QueueKind, t completion.Token)
}

// Entry is one cached object.
type Entry[V any] struct {
	Value V
	usage [backend.QueueCount]completion.Token
	deps  []user
}

// MarkUsed records that a submission on q references the entry and the
// entries it was built from.
func (e *Entry[V]) MarkUsed(q backend.QueueKind, t completion.Token) {
	if int(q) < backend.QueueCount {
		e.usage[q] = t
	}
	for _, d := range e.deps {
		d.MarkUsed(q, t)
	}
}

func (e *Entry[V]) dependOn(deps ...user) {
	if len(e.deps) == 0 {
		e.deps = deps
	}
}

// Pending reports whether any submission referencing e may still run.
func (e *Entry[V]) Pending() bool {
	for i := range e.usage {
		if !e.usage[i].WaitInvalidate(0) {
			return true
		}
	}
	return false
}

type slot[K comparable, V any] struct {
	entry *Entry[V]
	node  *useNode[K]
}

// Table maps normalized keys to entries. It is not safe for concurrent
// use.
type Table[K Key[K], V any] struct {
	name    string
	create  func(K) (V, error)
	destroy func(V)

	slots map[K]slot[K, V]
	order useList[K]
	now   uint64
	stats Stats
}

// NewTable returns a table that builds values with create and frees
// evicted ones with destroy.
func NewTable[K Key[K], V any](name string, create func(K) (V, error), destroy func(V)) *Table[K, V] {
	return &Table[K, V]{
		name:    name,
		create:  create,
		destroy: destroy,
		slots:   make(map[K]slot[K, V]),
	}
}

// SetTick sets the tick stamped on entries used from now on.
func (t *Table[K, V]) SetTick(tick uint64) { t.now = tick }

// GetOrCreate returns the entry for key, creating it on first use. Equal
// keys always return the same entry while it is cached.
func (t *Table[K, V]) GetOrCreate(key K) (*Entry[V], error) {
	key = key.Normalize()
	if s, ok := t.slots[key]; ok {
		t.order.Touch(s.node, t.now)
		t.stats.Hits++
		return s.entry, nil
	}
	t.stats.Misses++
	v, err := t.create(key)
	if err != nil {
		return nil, fmt.Errorf("cache: %s: %w", t.name, err)
	}
	e := &Entry[V]{Value: v}
	t.slots[key] = slot[K, V]{entry: e, node: t.order.PushFront(key, t.now)}
	logx.L().Debug("cache: created", "table", t.name, "entries", len(t.slots))
	return e, nil
}

// Prune evicts entries last used before tick that no pending submission
// references, and returns how many were evicted.
func (t *Table[K, V]) Prune(tick uint64) int {
	n := 0
	for node := t.order.Back(); node != nil && node.tick < tick; {
		prev := node.prev
		s := t.slots[node.key]
		if !s.entry.Pending() {
			t.order.Remove(node)
			delete(t.slots, node.key)
			if t.destroy != nil {
				t.destroy(s.entry.Value)
			}
			n++
		}
		node = prev
	}
	t.stats.Evictions += uint64(n) //nolint:gosec // n >= 0
	return n
}

// Clear destroys every entry regardless of use. Outstanding work must
// have completed.
func (t *Table[K, V]) Clear() {
	for key, s := range t.slots {
		t.order.Remove(s.node)
		delete(t.slots, key)
		if t.destroy != nil {
			t.destroy(s.entry.Value)
		}
	}
}

// Len returns the number of cached entries.
func (t *Table[K, V]) Len() int { return len(t.slots) }

// Stats returns table counters.
func (t *Table[K, V]) Stats() Stats {
	s := t.stats
	s.Len = len(t.slots)
	return s
}
