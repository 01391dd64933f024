// Copyright 2026 The gogpu Authors
// SPDX-License-Identifier: BSD-3-Clause

package memory

import (
	"bytes"
	"errors"
	"log/slog"
	"strings"
	"testing"
	"time"

	"github.com/gogpu/gputypes"

	"github.com/gogpu/rhi/backend"
	"github.com/gogpu/rhi/backend/soft"
	"github.com/gogpu/rhi/completion"
	"github.com/gogpu/rhi/internal/fatal"
	"github.com/gogpu/rhi/internal/logx"
)

func newTestPool(t *testing.T) (*Pool, *soft.Device) {
	t.Helper()
	dev := soft.New(soft.Config{})
	t.Cleanup(dev.Destroy)
	return NewPool(dev, Config{BudgetMB: 16}), dev
}

func mustPanicAssertion(t *testing.T, fn func()) {
	t.Helper()
	var err error
	func() {
		defer fatal.Recover(&err)
		fn()
	}()
	if err == nil {
		t.Fatal("expected fatal panic")
	}
}

func TestCreateBufferAndStats(t *testing.T) {
	p, _ := newTestPool(t)
	h, err := p.CreateBuffer(backend.BufferDesc{Size: 1 << 20, Usage: gputypes.BufferUsageStorage}, "storage")
	if err != nil {
		t.Fatal(err)
	}
	if _, err := p.CreateImage(backend.ImageDesc{Width: 4, Height: 4, Format: gputypes.TextureFormatRGBA8Unorm}, "img"); err != nil {
		t.Fatal(err)
	}

	r := p.Get(h)
	if r.Name() != "storage" || r.Size() != 1<<20 || r.Kind() != KindBuffer {
		t.Errorf("resource = %q %d %v", r.Name(), r.Size(), r.Kind())
	}
	if r.Owner() != backend.QueueNone {
		t.Errorf("Owner() = %v, want None", r.Owner())
	}

	s := p.Stats()
	if s.BufferCount != 1 || s.ImageCount != 1 {
		t.Errorf("counts = %d buffers, %d images", s.BufferCount, s.ImageCount)
	}
	if s.UsedBytes != 1<<20+64 {
		t.Errorf("UsedBytes = %d, want %d", s.UsedBytes, 1<<20+64)
	}
	if !strings.Contains(s.String(), "1 buffers") {
		t.Errorf("String() = %q", s.String())
	}
}

func TestBudgetWarning(t *testing.T) {
	prev := logx.L()
	t.Cleanup(func() { logx.Set(prev) })
	var buf bytes.Buffer
	logx.Set(slog.New(slog.NewTextHandler(&buf, &slog.HandlerOptions{Level: slog.LevelWarn})))

	p, _ := newTestPool(t)
	sizes := []uint64{8 << 20, 6 << 20, 1 << 20}
	for i, size := range sizes {
		if _, err := p.CreateBuffer(backend.BufferDesc{Size: size}, ""); err != nil {
			t.Fatal(err)
		}
		if i == 0 && buf.Len() != 0 {
			t.Fatalf("warned at %v", p.Stats())
		}
	}
	if n := strings.Count(buf.String(), "soft budget"); n != 1 {
		t.Errorf("budget warnings = %d, want 1\n%s", n, buf.String())
	}
	if u := p.Stats().Utilization; u < 0.9 {
		t.Errorf("Utilization = %.2f, want >= 0.9", u)
	}
}

func TestReleaseMakesHandleStale(t *testing.T) {
	p, _ := newTestPool(t)
	h, err := p.CreateBuffer(backend.BufferDesc{Size: 64}, "tmp")
	if err != nil {
		t.Fatal(err)
	}
	p.Release(h)

	if _, err := p.Lookup(h); !errors.Is(err, ErrStaleHandle) {
		t.Errorf("Lookup after release error = %v, want ErrStaleHandle", err)
	}
	mustPanicAssertion(t, func() { p.Get(h) })
	mustPanicAssertion(t, func() { p.Release(h) })

	h2, _ := p.CreateBuffer(backend.BufferDesc{Size: 64}, "reuse")
	if h2 == h {
		t.Error("slot reuse returned an equal handle")
	}
	if p.Stats().UsedBytes != 64 {
		t.Errorf("UsedBytes = %d, want 64", p.Stats().UsedBytes)
	}
}

func TestMapFatalConditions(t *testing.T) {
	p, _ := newTestPool(t)
	gpuOnly, _ := p.CreateBuffer(backend.BufferDesc{Size: 64}, "gpu")
	host, _ := p.CreateBuffer(backend.BufferDesc{Size: 64, HostVisible: true}, "host")

	tests := []struct {
		name string
		fn   func()
	}{
		{"not host visible", func() { p.BeginMap(gpuOnly, 0) }},
		{"offset past end", func() { p.BeginMap(host, 65) }},
		{"re-entrant", func() {
			p.BeginMap(host, 0)
			defer p.EndMap(host, 0, 0)
			p.BeginMap(host, 0)
		}},
		{"flush past end", func() {
			p.BeginMap(host, 0)
			p.EndMap(host, 32, 64)
		}},
		{"invalidate non-host", func() { p.Invalidate(gpuOnly, 0, 4) }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			mustPanicAssertion(t, tt.fn)
		})
	}
}

func TestWriteCopyRead(t *testing.T) {
	p, dev := newTestPool(t)
	up, _ := p.CreateBuffer(backend.BufferDesc{Size: 64, HostVisible: true}, "up")
	down, _ := p.CreateBuffer(backend.BufferDesc{Size: 64, HostVisible: true}, "down")

	want := bytes.Repeat([]byte{0xC3}, 64)
	copy(p.BeginMap(up, 0), want)
	p.EndMap(up, 0, 64)

	if err := dev.Submit(&backend.Submission{
		Queue: backend.QueueTransfer,
		Commands: []backend.Command{backend.CopyBuffer{
			Src: p.Get(up).Buffer(), Dst: p.Get(down).Buffer(), Size: 64,
		}},
		Signal: 1,
	}); err != nil {
		t.Fatal(err)
	}
	if ok, _ := dev.Wait(backend.QueueTransfer, 1, time.Second); !ok {
		t.Fatal("copy did not complete")
	}

	p.Invalidate(down, 0, 64)
	got := append([]byte(nil), p.BeginMap(down, 0)[:64]...)
	p.EndMap(down, 0, 0)
	if !bytes.Equal(got, want) {
		t.Errorf("read back %x, want %x", got[:8], want[:8])
	}
}

func TestPersistentStaysMapped(t *testing.T) {
	p, _ := newTestPool(t)
	h, err := p.CreateBuffer(backend.BufferDesc{Size: 32, Persistent: true}, "ring")
	if err != nil {
		t.Fatal(err)
	}
	a := p.BeginMap(h, 0)
	b := p.BeginMap(h, 16)
	if len(a) != 32 || len(b) != 16 {
		t.Fatalf("views = %d, %d bytes", len(a), len(b))
	}
	p.EndMap(h, 0, 32)
	p.EndMap(h, 0, 32)
	if p.Get(h).Caps()&Persistent == 0 {
		t.Error("Persistent flag lost")
	}
}

func TestMarkUsedClaimsOwnership(t *testing.T) {
	p, _ := newTestPool(t)
	h, _ := p.CreateBuffer(backend.BufferDesc{Size: 16}, "owned")
	r := p.Get(h)

	calls := 0
	tok := completion.New(func(uint64, time.Duration) bool { calls++; return false }, 3)
	r.MarkUsed(backend.QueueCompute, tok)
	r.MarkUsed(backend.QueueTransfer, completion.Done())

	if r.Owner() != backend.QueueCompute {
		t.Errorf("Owner() = %v, want Compute", r.Owner())
	}
	if got := r.LastUse(backend.QueueCompute).Counter(); got != 3 {
		t.Errorf("LastUse(Compute).Counter() = %d, want 3", got)
	}
	if r.Usage().Wait(0) {
		t.Error("Usage() satisfied while compute work is pending")
	}
	if calls == 0 {
		t.Error("pending token was not polled")
	}
}

func TestCapabilities(t *testing.T) {
	tests := []struct {
		desc backend.BufferDesc
		want Capabilities
	}{
		{backend.BufferDesc{}, 0},
		{backend.BufferDesc{HostVisible: true}, HostMappable},
		{backend.BufferDesc{Persistent: true}, HostMappable | Persistent},
		{backend.BufferDesc{Concurrent: true, Sparse: true}, Concurrent | Sparse},
	}
	for _, tt := range tests {
		if got := bufferCaps(&tt.desc); got != tt.want {
			t.Errorf("bufferCaps(%+v) = %b, want %b", tt.desc, got, tt.want)
		}
	}
}
