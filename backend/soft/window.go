// Copyright 2026 The gogpu Authors
// SPDX-License-Identifier: BSD-3-Clause

package soft

import (
	"fmt"
	"sync"
	"time"

	"github.com/gogpu/gputypes"

	"github.com/gogpu/rhi/backend"
)

// Window is a headless presentation target. Tests resize it or flag it
// suboptimal to drive the surface state machine.
type Window struct {
	mu         sync.Mutex
	width      uint32
	height     uint32
	suboptimal bool
	fullScreen bool
	presented  uint64
	frame      []byte
}

// NewWindow returns a window of the given client size.
func NewWindow(width, height uint32) *Window {
	return &Window{width: width, height: height}
}

// Resize changes the client size. Configured surfaces go out of date.
func (w *Window) Resize(width, height uint32) {
	w.mu.Lock()
	w.width, w.height = width, height
	w.mu.Unlock()
}

// Size returns the client size.
func (w *Window) Size() (width, height uint32) {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.width, w.height
}

// SetSuboptimal makes acquire and present report suboptimal.
func (w *Window) SetSuboptimal(v bool) {
	w.mu.Lock()
	w.suboptimal = v
	w.mu.Unlock()
}

// Presented returns the number of frames shown.
func (w *Window) Presented() uint64 {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.presented
}

// LastFrame returns a copy of the last presented image.
func (w *Window) LastFrame() []byte {
	w.mu.Lock()
	defer w.mu.Unlock()
	return append([]byte(nil), w.frame...)
}

// FullScreen reports whether exclusive full screen was acquired.
func (w *Window) FullScreen() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.fullScreen
}

type surface struct {
	dev    *Device
	window *Window

	mu     sync.Mutex
	desc   backend.SwapchainDesc
	images []*image
	// winW and winH are the window size when the chain was configured.
	winW, winH uint32
	next   uint32
}

// CreateSurface binds a surface to a *Window.
func (d *Device) CreateSurface(target backend.SurfaceTarget) (backend.Surface, error) {
	w, ok := target.(*Window)
	if !ok || w == nil {
		return nil, fmt.Errorf("%w: soft surfaces need a *soft.Window, got %T",
			backend.ErrUnsupported, target)
	}
	return &surface{dev: d, window: w}, nil
}

func (s *surface) Capabilities() (backend.SurfaceCaps, error) {
	w, h := s.window.Size()
	return backend.SurfaceCaps{
		CurrentWidth:  w,
		CurrentHeight: h,
		MinWidth:      1,
		MinHeight:     1,
		MaxWidth:      16384,
		MaxHeight:     16384,
		MinImages:     2,
		MaxImages:     4,
		Formats:       []gputypes.TextureFormat{gputypes.TextureFormatBGRA8Unorm, gputypes.TextureFormatRGBA8Unorm},
		PresentModes:  []backend.PresentMode{backend.PresentFifo, backend.PresentMailbox, backend.PresentImmediate},
	}, nil
}

func (s *surface) Configure(desc *backend.SwapchainDesc) ([]backend.Image, error) {
	if desc == nil || desc.Width == 0 || desc.Height == 0 || desc.ImageCount == 0 {
		return nil, fmt.Errorf("%w: swapchain extent and image count must be positive",
			backend.ErrInvalidDescriptor)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.release()

	out := make([]backend.Image, 0, desc.ImageCount)
	for i := uint32(0); i < desc.ImageCount; i++ {
		img, err := s.dev.CreateImage(&backend.ImageDesc{
			Label:  fmt.Sprintf("swapchain[%d]", i),
			Width:  desc.Width,
			Height: desc.Height,
			Depth:  1,
			Format: desc.Format,
			Usage:  gputypes.TextureUsageRenderAttachment | gputypes.TextureUsageCopyDst,
		})
		if err != nil {
			s.release()
			return nil, err
		}
		s.images = append(s.images, img.(*image))
		out = append(out, img)
	}
	s.desc = *desc
	s.winW, s.winH = s.window.Size()
	s.next = 0
	return out, nil
}

func (s *surface) release() {
	for _, img := range s.images {
		s.dev.DestroyImage(img)
	}
	s.images = nil
}

// status reports the chain out of date once the window has been resized
// since Configure. A chain may be configured at any extent. Caller holds
// s.mu.
func (s *surface) status() backend.SurfaceStatus {
	s.window.mu.Lock()
	defer s.window.mu.Unlock()
	switch {
	case s.window.width != s.winW || s.window.height != s.winH:
		return backend.StatusOutOfDate
	case s.window.suboptimal:
		return backend.StatusSuboptimal
	default:
		return backend.StatusOptimal
	}
}

func (s *surface) Acquire(time.Duration) (uint32, backend.SurfaceStatus, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.images) == 0 {
		return 0, backend.StatusOutOfDate, nil
	}
	st := s.status()
	if st == backend.StatusOutOfDate {
		return 0, st, nil
	}
	idx := s.next
	s.next = (s.next + 1) % uint32(len(s.images)) //nolint:gosec // image count fits uint32
	return idx, st, nil
}

// Present waits for the render timeline point and shows the image.
func (s *surface) Present(index uint32, wait backend.TimelinePoint) (backend.SurfaceStatus, error) {
	if wait.Value > 0 {
		if _, err := s.dev.Wait(wait.Queue, wait.Value, time.Duration(1<<62)); err != nil {
			return backend.StatusOutOfDate, err
		}
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if int(index) >= len(s.images) {
		return backend.StatusOutOfDate, fmt.Errorf("%w: image index %d", backend.ErrInvalidDescriptor, index)
	}
	st := s.status()
	if st == backend.StatusOutOfDate {
		return st, nil
	}
	s.dev.mem.Lock()
	frame := append([]byte(nil), s.images[index].data...)
	s.dev.mem.Unlock()

	s.window.mu.Lock()
	s.window.presented++
	s.window.frame = frame
	s.window.mu.Unlock()
	return st, nil
}

func (s *surface) AcquireFullScreen(uintptr) error {
	s.window.mu.Lock()
	s.window.fullScreen = true
	s.window.mu.Unlock()
	return nil
}

func (s *surface) Destroy() {
	s.mu.Lock()
	s.release()
	s.mu.Unlock()
}
