// Copyright 2026 The gogpu Authors
// SPDX-License-Identifier: BSD-3-Clause

package arena

import "testing"

func TestInsertGet(t *testing.T) {
	var a Arena[string]
	i := a.Insert("vertex")
	if i.IsZero() {
		t.Fatal("Insert returned zero index")
	}
	v, ok := a.Get(i)
	if !ok || v != "vertex" {
		t.Fatalf("Get = (%q, %v), want (vertex, true)", v, ok)
	}
	if a.Len() != 1 {
		t.Errorf("Len() = %d, want 1", a.Len())
	}
}

func TestStaleIndexDetected(t *testing.T) {
	var a Arena[int]
	old := a.Insert(1)
	if !a.Remove(old) {
		t.Fatal("Remove of live index failed")
	}
	fresh := a.Insert(2)
	if fresh.Slot() != old.Slot() {
		t.Fatalf("slot not reused: old %d fresh %d", old.Slot(), fresh.Slot())
	}
	if _, ok := a.Get(old); ok {
		t.Error("stale index resolved after slot reuse")
	}
	if a.Remove(old) {
		t.Error("Remove of stale index succeeded")
	}
	if v, ok := a.Get(fresh); !ok || v != 2 {
		t.Errorf("Get(fresh) = (%d, %v), want (2, true)", v, ok)
	}
}

func TestZeroIndex(t *testing.T) {
	var a Arena[int]
	if _, ok := a.Get(Index{}); ok {
		t.Error("zero index resolved")
	}
}

func TestEach(t *testing.T) {
	var a Arena[int]
	a.Insert(1)
	mid := a.Insert(2)
	a.Insert(3)
	a.Remove(mid)

	sum := 0
	a.Each(func(_ Index, v int) { sum += v })
	if sum != 4 {
		t.Errorf("sum = %d, want 4", sum)
	}
}
