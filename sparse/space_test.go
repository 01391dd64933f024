// Copyright 2026 The gogpu Authors
// SPDX-License-Identifier: BSD-3-Clause

package sparse

import (
	"errors"
	"math"
	"math/rand"
	"testing"
	"time"

	"github.com/gogpu/rhi/backend/soft"
	"github.com/gogpu/rhi/internal/fatal"
	"github.com/gogpu/rhi/memory"
	"github.com/gogpu/rhi/queue"
)

const testPage = 256

func newTestSpace(t *testing.T, capacity uint64, policy Policy) (*Space, *queue.Set, *soft.Device) {
	t.Helper()
	dev := soft.New(soft.Config{PageSize: testPage})
	t.Cleanup(dev.Destroy)
	pool := memory.NewPool(dev, memory.Config{BudgetMB: 16})
	qs := queue.New(pool, queue.Config{})
	s, err := New(pool, qs, Config{Label: "geometry", Capacity: capacity, Policy: policy})
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	return s, qs, dev
}

func TestReserveAlignment(t *testing.T) {
	tests := []struct {
		name  string
		usage Usage
		align uint64
	}{
		{"vertex", UsageVertex, testPage},
		{"meshlet", UsageMeshlet, testPage},
		{"index", UsageIndex, 768}, // lcm(256, 12)
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s, _, _ := newTestSpace(t, 16*testPage, PolicyError)
			if got := s.Alignment(tt.usage); got != tt.align {
				t.Fatalf("Alignment() = %d, want %d", got, tt.align)
			}
			// Misalign the next free range first.
			if _, err := s.Reserve(1, UsageVertex); err != nil {
				t.Fatal(err)
			}
			r, err := s.Reserve(100, tt.usage)
			if err != nil {
				t.Fatal(err)
			}
			if r.Offset%tt.align != 0 || r.Size != testPage {
				t.Errorf("range = %+v, want offset multiple of %d and one page", r, tt.align)
			}
		})
	}
}

func TestReserveZeroSize(t *testing.T) {
	s, _, _ := newTestSpace(t, testPage, PolicyError)
	if _, err := s.Reserve(0, UsageVertex); !errors.Is(err, ErrInvalidSize) {
		t.Errorf("Reserve(0) error = %v, want ErrInvalidSize", err)
	}
}

func TestExhaustionPolicy(t *testing.T) {
	t.Run("error", func(t *testing.T) {
		s, _, _ := newTestSpace(t, 2*testPage, PolicyError)
		if _, err := s.Reserve(2*testPage, UsageVertex); err != nil {
			t.Fatal(err)
		}
		if _, err := s.Reserve(1, UsageVertex); !errors.Is(err, ErrExhausted) {
			t.Errorf("Reserve() on full space error = %v, want ErrExhausted", err)
		}
	})
	t.Run("fatal", func(t *testing.T) {
		s, _, _ := newTestSpace(t, 2*testPage, PolicyFatal)
		var err error
		func() {
			defer fatal.Recover(&err)
			_, _ = s.Reserve(3*testPage, UsageVertex)
		}()
		if !fatal.IsAssertion(err) {
			t.Errorf("exhaustion under PolicyFatal raised %v", err)
		}
	})
}

func TestReserveOversized(t *testing.T) {
	tests := []struct {
		name string
		size uint64
	}{
		{"one past capacity", 4*testPage + 1},
		{"near max", math.MaxUint64 - 10},
		{"max", math.MaxUint64},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s, _, _ := newTestSpace(t, 4*testPage, PolicyError)
			if r, err := s.Reserve(tt.size, UsageVertex); !errors.Is(err, ErrExhausted) {
				t.Fatalf("Reserve(%d) = %+v, %v; want ErrExhausted", tt.size, r, err)
			}
			if st := s.Stats(); st.Allocations != 0 || st.Reserved != 0 {
				t.Fatalf("failed Reserve left state %v", st)
			}
			a, err := s.Reserve(testPage, UsageVertex)
			if err != nil {
				t.Fatal(err)
			}
			b, err := s.Reserve(testPage, UsageVertex)
			if err != nil {
				t.Fatal(err)
			}
			if a.Offset == b.Offset {
				t.Errorf("two live ranges share offset %d", a.Offset)
			}
			if st := s.Stats(); st.Allocations != 2 {
				t.Errorf("Allocations = %d, want 2", st.Allocations)
			}
		})
	}
}

func TestNoPermanentLeak(t *testing.T) {
	const capacity = 64 * testPage
	s, _, _ := newTestSpace(t, capacity, PolicyError)
	rng := rand.New(rand.NewSource(7))

	var live []Range
	for step := 0; step < 2000; step++ {
		if len(live) > 0 && rng.Intn(3) == 0 {
			i := rng.Intn(len(live))
			s.Release(live[i])
			live[i] = live[len(live)-1]
			live = live[:len(live)-1]
			continue
		}
		usage := Usage(rng.Intn(3))
		r, err := s.Reserve(uint64(rng.Intn(6*testPage)+1), usage)
		if errors.Is(err, ErrExhausted) {
			continue
		}
		if err != nil {
			t.Fatal(err)
		}
		for _, o := range live {
			if r.Offset < o.End() && o.Offset < r.End() {
				t.Fatalf("step %d: %+v overlaps live %+v", step, r, o)
			}
		}
		live = append(live, r)
		if st := s.Stats(); st.Reserved > capacity {
			t.Fatalf("reserved %d exceeds capacity %d", st.Reserved, capacity)
		}
	}
	for _, r := range live {
		s.Release(r)
	}

	st := s.Stats()
	if st.Reserved != 0 || st.FreeRanges != 1 || st.Allocations != 0 {
		t.Fatalf("after releasing everything: %v", st)
	}
	if _, err := s.Reserve(capacity, UsageVertex); err != nil {
		t.Errorf("full-capacity reserve after churn: %v", err)
	}
}

func TestFreedRangeReusedBySmallerRequest(t *testing.T) {
	s, _, _ := newTestSpace(t, 4*testPage, PolicyError)
	a, _ := s.Reserve(2*testPage, UsageVertex)
	if _, err := s.Reserve(2*testPage, UsageVertex); err != nil {
		t.Fatal(err)
	}
	s.Release(a)
	r, err := s.Reserve(testPage, UsageVertex)
	if err != nil {
		t.Fatalf("Reserve() after release: %v", err)
	}
	if r.Offset != a.Offset {
		t.Errorf("offset = %d, want reuse of %d", r.Offset, a.Offset)
	}
}

func TestBindUnbindPages(t *testing.T) {
	s, qs, dev := newTestSpace(t, 8*testPage, PolicyError)

	r, err := s.Allocate(3*testPage, UsageVertex, queue.Transfer)
	if err != nil {
		t.Fatal(err)
	}
	if !qs.Submit(queue.Transfer).Wait(time.Second) {
		t.Fatal("bind submission timed out")
	}
	if got := dev.Stats().BoundPages; got != 3 {
		t.Errorf("bound pages = %d, want 3", got)
	}
	if st := s.Stats(); st.BoundBytes != 3*testPage {
		t.Errorf("BoundBytes = %d", st.BoundBytes)
	}

	s.Deallocate(r, queue.Graphics)
	if !qs.Submit(queue.Graphics).Wait(time.Second) {
		t.Fatal("unbind submission timed out")
	}
	if got := dev.Stats().BoundPages; got != 0 {
		t.Errorf("bound pages after deallocate = %d, want 0", got)
	}
}

func TestReleaseBoundRangeIsFatal(t *testing.T) {
	s, qs, _ := newTestSpace(t, 4*testPage, PolicyError)
	r, err := s.Allocate(testPage, UsageVertex, queue.Transfer)
	if err != nil {
		t.Fatal(err)
	}
	var ferr error
	func() {
		defer fatal.Recover(&ferr)
		s.Release(r)
	}()
	if ferr == nil {
		t.Error("Release() of a bound range did not fail")
	}
	qs.Submit(queue.Transfer)
	qs.WaitIdle(time.Second)
}

func TestCrossQueueBindsAreOrdered(t *testing.T) {
	s, qs, dev := newTestSpace(t, 4*testPage, PolicyError)

	r, _ := s.Allocate(testPage, UsageVertex, queue.Transfer)
	dev.Pause(queue.Transfer)
	qs.Submit(queue.Transfer)

	// Unbinding on graphics must wait for the transfer bind.
	s.Deallocate(r, queue.Graphics)
	g := qs.Submit(queue.Graphics)
	if g.Wait(50 * time.Millisecond) {
		t.Fatal("unbind ran before the bind it follows")
	}
	dev.Resume(queue.Transfer)
	if !g.Wait(time.Second) {
		t.Fatal("unbind did not complete")
	}
	if got := dev.Stats().BoundPages; got != 0 {
		t.Errorf("bound pages = %d, want 0", got)
	}
}
