// Copyright 2026 The gogpu Authors
// SPDX-License-Identifier: BSD-3-Clause

package present

import (
	"bytes"
	"errors"
	"testing"
	"time"

	"github.com/gogpu/gputypes"

	"github.com/gogpu/rhi/backend"
	"github.com/gogpu/rhi/backend/soft"
	"github.com/gogpu/rhi/memory"
	"github.com/gogpu/rhi/queue"
)

type fixture struct {
	dev    *soft.Device
	pool   *memory.Pool
	queues *queue.Set
	window *soft.Window
	surf   *Surface
}

func newFixture(t *testing.T, w, h uint32, cfg Config) *fixture {
	t.Helper()
	dev := soft.New(soft.Config{})
	t.Cleanup(dev.Destroy)
	pool := memory.NewPool(dev, memory.Config{BudgetMB: 64})
	queues := queue.New(pool, queue.Config{})
	win := soft.NewWindow(w, h)
	s, err := New(pool, queues, win, cfg)
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	return &fixture{dev: dev, pool: pool, queues: queues, window: win, surf: s}
}

func (f *fixture) frame(t *testing.T) {
	t.Helper()
	fr, err := f.surf.AcquireNextImage()
	if err != nil {
		t.Fatalf("AcquireNextImage() error = %v", err)
	}
	if err := f.surf.Present(fr); err != nil {
		t.Fatalf("Present() error = %v", err)
	}
}

func TestNewFollowsWindowSize(t *testing.T) {
	f := newFixture(t, 320, 200, Config{Format: gputypes.TextureFormatRGBA8Unorm})
	if w, h := f.surf.Resolution(); w != 320 || h != 200 {
		t.Errorf("Resolution() = %dx%d, want 320x200", w, h)
	}
	if f.surf.State() != StateValid {
		t.Errorf("State() = %v, want Valid", f.surf.State())
	}
	if f.surf.Format() != gputypes.TextureFormatRGBA8Unorm {
		t.Errorf("Format() = %v", f.surf.Format())
	}
	// FramesInFlight 2 plus one, within the window's 2..4.
	if n := len(f.surf.images); n != 3 {
		t.Errorf("image count = %d, want 3", n)
	}
}

func TestUnsupportedFormatFallsBack(t *testing.T) {
	f := newFixture(t, 16, 16, Config{Format: gputypes.TextureFormatR8Unorm})
	if f.surf.Format() != gputypes.TextureFormatBGRA8Unorm {
		t.Errorf("Format() = %v, want first supported", f.surf.Format())
	}
}

func TestResizeRebuildsOnAcquire(t *testing.T) {
	f := newFixture(t, 64, 48, Config{})
	f.frame(t)

	f.window.Resize(128, 96)
	f.frame(t)

	if w, h := f.surf.Resolution(); w != 128 || h != 96 {
		t.Errorf("Resolution() = %dx%d, want 128x96", w, h)
	}
	st := f.surf.Stats()
	if st.Rebuilds != 2 || st.OutOfDate != 1 || st.Frames != 2 {
		t.Errorf("stats = %v", st)
	}
	if f.window.Presented() != 2 {
		t.Errorf("Presented() = %d, want 2", f.window.Presented())
	}
}

func TestResizeBetweenAcquireAndPresent(t *testing.T) {
	f := newFixture(t, 64, 64, Config{})
	fr, err := f.surf.AcquireNextImage()
	if err != nil {
		t.Fatal(err)
	}
	f.window.Resize(32, 32)
	if err := f.surf.Present(fr); err != nil {
		t.Fatalf("Present() error = %v", err)
	}
	if f.surf.State() != StateOutOfDate {
		t.Fatalf("State() = %v, want OutOfDate", f.surf.State())
	}

	// The next acquire rebuilds, and a frame from the old chain is refused.
	next, err := f.surf.AcquireNextImage()
	if err != nil {
		t.Fatal(err)
	}
	if err := f.surf.Present(fr); !errors.Is(err, ErrStaleFrame) {
		t.Errorf("stale Present() error = %v, want ErrStaleFrame", err)
	}
	if err := f.surf.Present(next); err != nil {
		t.Fatal(err)
	}
	if w, _ := f.surf.Resolution(); w != 32 {
		t.Errorf("width = %d, want 32", w)
	}
	if st := f.surf.Stats(); st.Dropped != 1 {
		t.Errorf("Dropped = %d, want 1", st.Dropped)
	}
}

func TestDesiredSettingsInvalidate(t *testing.T) {
	tests := []struct {
		name  string
		apply func(*Surface)
		check func(*testing.T, *Surface)
	}{
		{
			name:  "resolution",
			apply: func(s *Surface) { s.SetDesiredResolution(40, 30) },
			check: func(t *testing.T, s *Surface) {
				if w, h := s.Resolution(); w != 40 || h != 30 {
					t.Errorf("Resolution() = %dx%d", w, h)
				}
			},
		},
		{
			name:  "vsync",
			apply: func(s *Surface) { s.SetVSyncMode(backend.PresentMailbox) },
			check: func(t *testing.T, s *Surface) {
				if s.VSyncMode() != backend.PresentMailbox {
					t.Errorf("VSyncMode() = %v", s.VSyncMode())
				}
			},
		},
		{
			name:  "format",
			apply: func(s *Surface) { s.SetDesiredFormat(gputypes.TextureFormatRGBA8Unorm) },
			check: func(t *testing.T, s *Surface) {
				if s.Format() != gputypes.TextureFormatRGBA8Unorm {
					t.Errorf("Format() = %v", s.Format())
				}
			},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t, 64, 64, Config{Format: gputypes.TextureFormatBGRA8Unorm})
			tt.apply(f.surf)
			if f.surf.State() != StateOutOfDate {
				t.Fatalf("State() = %v, want OutOfDate", f.surf.State())
			}
			f.frame(t)
			tt.check(t, f.surf)
			if f.surf.State() != StateValid {
				t.Errorf("State() after frame = %v", f.surf.State())
			}
		})
	}
}

func TestExplicitResolutionSurvivesFrames(t *testing.T) {
	f := newFixture(t, 64, 64, Config{})
	f.surf.SetDesiredResolution(40, 30)
	for range 4 {
		f.frame(t)
	}
	if w, h := f.surf.Resolution(); w != 40 || h != 30 {
		t.Errorf("Resolution() = %dx%d, want 40x30", w, h)
	}
	if st := f.surf.Stats(); st.Rebuilds != 2 || st.Frames != 4 {
		t.Errorf("stats = %v, want 2 rebuilds and 4 frames", st)
	}

	f.window.Resize(100, 80)
	f.frame(t)
	if st := f.surf.Stats(); st.Rebuilds != 3 {
		t.Errorf("Rebuilds = %d after window resize, want 3", st.Rebuilds)
	}
	if w, h := f.surf.Resolution(); w != 40 || h != 30 {
		t.Errorf("Resolution() = %dx%d after window resize, want the requested 40x30", w, h)
	}
}

func TestUnchangedSettingKeepsChain(t *testing.T) {
	f := newFixture(t, 64, 64, Config{VSync: backend.PresentFifo})
	f.surf.SetVSyncMode(backend.PresentFifo)
	if f.surf.State() != StateValid {
		t.Errorf("State() = %v after setting the current mode", f.surf.State())
	}
}

func TestSuboptimal(t *testing.T) {
	f := newFixture(t, 64, 64, Config{})
	f.window.SetSuboptimal(true)
	f.frame(t)
	if f.surf.State() != StateSuboptimal {
		t.Errorf("State() = %v, want Suboptimal", f.surf.State())
	}
	if f.surf.Stats().Suboptimal == 0 {
		t.Error("suboptimal not counted")
	}
	if err := f.surf.Rebuild(); err != nil {
		t.Fatal(err)
	}
	f.window.SetSuboptimal(false)
	f.frame(t)
	if f.surf.State() != StateValid {
		t.Errorf("State() = %v, want Valid", f.surf.State())
	}
}

func TestPresentShowsRenderedImage(t *testing.T) {
	f := newFixture(t, 4, 4, Config{Format: gputypes.TextureFormatRGBA8Unorm})
	fr, err := f.surf.AcquireNextImage()
	if err != nil {
		t.Fatal(err)
	}
	src, err := f.pool.CreateBuffer(backend.BufferDesc{Size: 64, HostVisible: true, Concurrent: true}, "pixels")
	if err != nil {
		t.Fatal(err)
	}
	want := bytes.Repeat([]byte{0x10, 0x20, 0x30, 0xff}, 16)
	copy(f.pool.BeginMap(src, 0), want)
	f.pool.EndMap(src, 0, 64)

	f.queues.CommandBuffer(queue.Graphics).CopyBufferToImage(src, 0, fr.Image)
	f.queues.Submit(queue.Graphics)
	if err := f.surf.Present(fr); err != nil {
		t.Fatal(err)
	}
	if got := f.window.LastFrame(); !bytes.Equal(got, want) {
		t.Errorf("LastFrame() = %v", got[:8])
	}
}

func TestFramePacing(t *testing.T) {
	f := newFixture(t, 8, 8, Config{FramesInFlight: 1, PacingTimeout: 50 * time.Millisecond})
	f.dev.Pause(queue.Present)
	fr, err := f.surf.AcquireNextImage()
	if err != nil {
		t.Fatal(err)
	}

	done := make(chan error, 1)
	go func() { done <- f.surf.Present(fr) }()
	time.Sleep(20 * time.Millisecond)
	f.dev.Resume(queue.Present)
	if err := <-done; err != nil {
		t.Fatal(err)
	}

	// Next slot waits for the frame above.
	if _, err := f.surf.AcquireNextImage(); err != nil {
		t.Fatal(err)
	}
	if st := f.surf.Stats(); st.Frames != 1 {
		t.Errorf("stats = %v", st)
	}
}

func TestPacingTimeout(t *testing.T) {
	f := newFixture(t, 8, 8, Config{FramesInFlight: 1, PacingTimeout: 20 * time.Millisecond})
	f.dev.Pause(queue.Present)
	t.Cleanup(func() { f.dev.Resume(queue.Present) })

	fr, err := f.surf.AcquireNextImage()
	if err != nil {
		t.Fatal(err)
	}
	// Present blocks inside the window until the submission runs; keep the
	// slot token without waiting on it.
	f.queues.CommandBuffer(queue.Present).Transition(fr.Image, backend.StatePresent)
	f.surf.slots[0] = f.queues.Submit(queue.Present)

	if _, err := f.surf.AcquireNextImage(); !errors.Is(err, ErrPacingTimeout) {
		t.Errorf("AcquireNextImage() error = %v, want ErrPacingTimeout", err)
	}
}

func TestAcquireFullScreen(t *testing.T) {
	f := newFixture(t, 8, 8, Config{})
	if err := f.surf.AcquireFullScreen(1); err != nil {
		t.Fatal(err)
	}
	if !f.window.FullScreen() || f.surf.State() != StateOutOfDate {
		t.Errorf("full screen = %v, state = %v", f.window.FullScreen(), f.surf.State())
	}
}

func TestNewRejectsForeignTarget(t *testing.T) {
	dev := soft.New(soft.Config{})
	t.Cleanup(dev.Destroy)
	pool := memory.NewPool(dev, memory.Config{})
	if _, err := New(pool, queue.New(pool, queue.Config{}), "not a window", Config{}); !errors.Is(err, backend.ErrUnsupported) {
		t.Errorf("New() error = %v, want ErrUnsupported", err)
	}
}
