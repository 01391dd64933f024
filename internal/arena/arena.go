// Copyright 2026 The gogpu Authors
// SPDX-License-Identifier: BSD-3-Clause

// Package arena stores values behind stable generational indices.
//
// An Index stays valid until its slot is freed; reusing the slot bumps the
// generation so old indices are detected instead of aliasing new values.
package arena

// Index identifies a slot and the generation it was allocated in.
// The zero Index is never returned by Insert.
type Index struct {
	slot uint32
	gen  uint32
}

// IsZero reports whether i is the zero Index.
func (i Index) IsZero() bool { return i.gen == 0 }

// Slot returns the slot number, useful for logging.
func (i Index) Slot() uint32 { return i.slot }

// Generation returns the allocation generation.
func (i Index) Generation() uint32 { return i.gen }

type entry[T any] struct {
	value T
	gen   uint32
	live  bool
}

// Arena is a slot allocator with generation checks. It is not safe for
// concurrent use.
type Arena[T any] struct {
	entries []entry[T]
	free    []uint32
	live    int
}

// Insert stores v and returns its index.
func (a *Arena[T]) Insert(v T) Index {
	var slot uint32
	if n := len(a.free); n > 0 {
		slot = a.free[n-1]
		a.free = a.free[:n-1]
	} else {
		a.entries = append(a.entries, entry[T]{})
		slot = uint32(len(a.entries) - 1) //nolint:gosec // bounded by memory
	}
	e := &a.entries[slot]
	e.gen++
	if e.gen == 0 {
		e.gen = 1
	}
	e.value = v
	e.live = true
	a.live++
	return Index{slot: slot, gen: e.gen}
}

// Get returns the value at i and whether i is still live.
func (a *Arena[T]) Get(i Index) (T, bool) {
	var zero T
	if i.IsZero() || int(i.slot) >= len(a.entries) {
		return zero, false
	}
	e := &a.entries[i.slot]
	if !e.live || e.gen != i.gen {
		return zero, false
	}
	return e.value, true
}

// Remove frees the slot at i. It reports false for stale indices.
func (a *Arena[T]) Remove(i Index) bool {
	if _, ok := a.Get(i); !ok {
		return false
	}
	e := &a.entries[i.slot]
	var zero T
	e.value = zero
	e.live = false
	a.free = append(a.free, i.slot)
	a.live--
	return true
}

// Len returns the number of live values.
func (a *Arena[T]) Len() int { return a.live }

// Each calls fn for every live value in slot order.
func (a *Arena[T]) Each(fn func(Index, T)) {
	for slot := range a.entries {
		e := &a.entries[slot]
		if e.live {
			fn(Index{slot: uint32(slot), gen: e.gen}, e.value) //nolint:gosec // bounded by memory
		}
	}
}
