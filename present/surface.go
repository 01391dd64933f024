// Copyright 2026 The gogpu Authors
// SPDX-License-Identifier: BSD-3-Clause

// Package present drives a presentable image chain.
//
// A Surface is Valid, Suboptimal (still valid, rebuilt on the next
// explicit Rebuild) or OutOfDate. AcquireNextImage and Present rebuild an
// out-of-date chain before doing anything else, so callers never see a
// stale chain. Frames in flight are capped by one completion token per
// slot.
package present

import (
	"errors"
	"fmt"
	"slices"
	"time"

	"github.com/gogpu/gputypes"
	"github.com/loov/hrtime"

	"github.com/gogpu/rhi/backend"
	"github.com/gogpu/rhi/completion"
	"github.com/gogpu/rhi/internal/logx"
	"github.com/gogpu/rhi/memory"
	"github.com/gogpu/rhi/queue"
)

// Defaults.
const (
	DefaultFramesInFlight = 2
	DefaultPacingTimeout  = 10 * time.Second
)

// Errors returned by Surface.
var (
	// ErrPacingTimeout is returned when an in-flight frame did not finish
	// within the pacing timeout.
	ErrPacingTimeout = errors.New("present: frame pacing timed out")

	// ErrStaleFrame is returned when presenting a frame from an older chain.
	ErrStaleFrame = errors.New("present: frame from a previous image chain")
)

// State is the chain state.
type State uint8

// Chain states.
const (
	StateValid State = iota
	StateSuboptimal
	StateOutOfDate
)

// String returns the state name.
func (s State) String() string {
	switch s {
	case StateValid:
		return "Valid"
	case StateSuboptimal:
		return "Suboptimal"
	case StateOutOfDate:
		return "OutOfDate"
	default:
		return fmt.Sprintf("State(%d)", uint8(s))
	}
}

// Config configures a Surface.
type Config struct {
	Width, Height  uint32
	Format         gputypes.TextureFormat
	VSync          backend.PresentMode
	FramesInFlight int
	PacingTimeout  time.Duration
	// RenderQueue is the queue frames are rendered on. Present waits on
	// its latest submission.
	RenderQueue queue.Kind
}

// Stats describes presentation activity.
type Stats struct {
	Frames      uint64
	Rebuilds    uint64
	OutOfDate   uint64
	Suboptimal  uint64
	Dropped     uint64
	PacingStall time.Duration
	LastFrame   time.Duration
}

// String returns a human-readable summary.
func (s Stats) String() string {
	return fmt.Sprintf("Present[%d frames, %d rebuilds, %d out of date, %d dropped, stall %v, last frame %v]",
		s.Frames, s.Rebuilds, s.OutOfDate, s.Dropped, s.PacingStall, s.LastFrame)
}

// Frame is an acquired image.
type Frame struct {
	// Image is the pool handle of the image to render into.
	Image memory.Handle
	Index uint32
	Slot  int

	generation uint64
}

// Surface owns an image chain for one window.
type Surface struct {
	pool   *memory.Pool
	queues *queue.Set
	surf   backend.Surface
	cfg    Config

	desired backend.SwapchainDesc
	current backend.SwapchainDesc
	state   State

	images     []memory.Handle
	generation uint64
	slots      []completion.Token
	slot       int

	stats       Stats
	lastPresent time.Duration
}

// New creates a surface for target and builds its first chain.
func New(pool *memory.Pool, queues *queue.Set, target backend.SurfaceTarget, cfg Config) (*Surface, error) {
	surf, err := pool.Device().CreateSurface(target)
	if err != nil {
		return nil, fmt.Errorf("present: create surface: %w", err)
	}
	if cfg.FramesInFlight <= 0 {
		cfg.FramesInFlight = DefaultFramesInFlight
	}
	if cfg.PacingTimeout <= 0 {
		cfg.PacingTimeout = DefaultPacingTimeout
	}
	s := &Surface{
		pool:   pool,
		queues: queues,
		surf:   surf,
		cfg:    cfg,
		desired: backend.SwapchainDesc{
			Width:       cfg.Width,
			Height:      cfg.Height,
			Format:      cfg.Format,
			PresentMode: cfg.VSync,
		},
		state: StateOutOfDate,
		slots: make([]completion.Token, cfg.FramesInFlight),
	}
	if err := s.Rebuild(); err != nil {
		surf.Destroy()
		return nil, err
	}
	return s, nil
}

// State returns the chain state.
func (s *Surface) State() State { return s.state }

// Resolution returns the size of the current chain.
func (s *Surface) Resolution() (width, height uint32) {
	return s.current.Width, s.current.Height
}

// Format returns the format of the current chain.
func (s *Surface) Format() gputypes.TextureFormat { return s.current.Format }

// VSyncMode returns the present mode of the current chain.
func (s *Surface) VSyncMode() backend.PresentMode { return s.current.PresentMode }

// Stats returns presentation counters.
func (s *Surface) Stats() Stats { return s.stats }

func (s *Surface) invalidate(reason string) {
	if s.state != StateOutOfDate {
		logx.L().Debug("present: chain out of date", "reason", reason)
	}
	s.state = StateOutOfDate
}

// SetDesiredResolution requests a new size. Zero follows the window.
func (s *Surface) SetDesiredResolution(width, height uint32) {
	if width == s.desired.Width && height == s.desired.Height {
		return
	}
	s.desired.Width, s.desired.Height = width, height
	s.invalidate("resolution")
}

// SetDesiredFormat requests a new image format.
func (s *Surface) SetDesiredFormat(f gputypes.TextureFormat) {
	if f == s.desired.Format {
		return
	}
	s.desired.Format = f
	s.invalidate("format")
}

// SetVSyncMode requests a new present mode.
func (s *Surface) SetVSyncMode(m backend.PresentMode) {
	if m == s.desired.PresentMode {
		return
	}
	s.desired.PresentMode = m
	s.invalidate("vsync")
}

// AcquireFullScreen takes exclusive ownership of monitor. The chain is
// rebuilt on next use.
func (s *Surface) AcquireFullScreen(monitor uintptr) error {
	fs, ok := s.surf.(backend.FullScreener)
	if !ok {
		return fmt.Errorf("present: %w: exclusive full screen", backend.ErrUnsupported)
	}
	if err := fs.AcquireFullScreen(monitor); err != nil {
		return fmt.Errorf("present: full screen: %w", err)
	}
	s.invalidate("full screen")
	return nil
}

func clamp(v, lo, hi uint32) uint32 {
	return max(lo, min(v, hi))
}

// Rebuild recreates the chain against the current surface capabilities.
// It waits for frames in flight first.
func (s *Surface) Rebuild() error {
	caps, err := s.surf.Capabilities()
	if err != nil {
		return fmt.Errorf("present: capabilities: %w", err)
	}
	if err := s.drain(); err != nil {
		return err
	}

	desc := s.desired
	if desc.Width == 0 || desc.Height == 0 {
		desc.Width, desc.Height = caps.CurrentWidth, caps.CurrentHeight
	}
	desc.Width = clamp(desc.Width, caps.MinWidth, caps.MaxWidth)
	desc.Height = clamp(desc.Height, caps.MinHeight, caps.MaxHeight)
	if len(caps.Formats) > 0 && !slices.Contains(caps.Formats, desc.Format) {
		desc.Format = caps.Formats[0]
	}
	if !slices.Contains(caps.PresentModes, desc.PresentMode) {
		desc.PresentMode = backend.PresentFifo
	}
	desc.ImageCount = uint32(s.cfg.FramesInFlight) + 1 //nolint:gosec // small
	if caps.MaxImages > 0 {
		desc.ImageCount = clamp(desc.ImageCount, caps.MinImages, caps.MaxImages)
	}

	s.releaseImages()
	imgs, err := s.surf.Configure(&desc)
	if err != nil {
		s.state = StateOutOfDate
		return fmt.Errorf("present: configure %dx%d: %w", desc.Width, desc.Height, err)
	}
	s.generation++
	for i, img := range imgs {
		s.images = append(s.images, s.pool.ImportImage(img, backend.ImageDesc{
			Width:      desc.Width,
			Height:     desc.Height,
			Depth:      1,
			Format:     desc.Format,
			Usage:      gputypes.TextureUsageRenderAttachment | gputypes.TextureUsageCopyDst,
			Concurrent: true,
		}, fmt.Sprintf("swapchain[%d]", i)))
	}
	s.current = desc
	s.state = StateValid
	s.stats.Rebuilds++
	logx.L().Info("present: chain rebuilt",
		"width", desc.Width,
		"height", desc.Height,
		"format", desc.Format,
		"mode", desc.PresentMode.String(),
		"images", len(imgs))
	return nil
}

// drain waits for every in-flight frame.
func (s *Surface) drain() error {
	for i := range s.slots {
		if err := s.waitSlot(i); err != nil {
			return err
		}
	}
	return nil
}

func (s *Surface) waitSlot(i int) error {
	start := hrtime.Now()
	ok := s.slots[i].WaitInvalidate(s.cfg.PacingTimeout)
	s.stats.PacingStall += hrtime.Since(start)
	if !ok {
		return fmt.Errorf("%w: slot %d after %v", ErrPacingTimeout, i, s.cfg.PacingTimeout)
	}
	return nil
}

func (s *Surface) releaseImages() {
	for _, h := range s.images {
		s.pool.Release(h)
	}
	s.images = s.images[:0]
}

// AcquireNextImage waits for the next frame slot and acquires an image.
// An out-of-date chain is rebuilt first.
func (s *Surface) AcquireNextImage() (Frame, error) {
	if err := s.waitSlot(s.slot); err != nil {
		return Frame{}, err
	}
	for attempt := 0; ; attempt++ {
		if s.state == StateOutOfDate {
			if err := s.Rebuild(); err != nil {
				return Frame{}, err
			}
		}
		idx, st, err := s.surf.Acquire(s.cfg.PacingTimeout)
		if err != nil {
			return Frame{}, fmt.Errorf("present: acquire: %w", err)
		}
		switch st {
		case backend.StatusTimeout:
			return Frame{}, fmt.Errorf("%w: acquire", ErrPacingTimeout)
		case backend.StatusOutOfDate:
			s.stats.OutOfDate++
			s.invalidate("acquire")
			if attempt == 0 {
				continue
			}
			return Frame{}, fmt.Errorf("present: chain out of date after rebuild")
		case backend.StatusSuboptimal:
			s.stats.Suboptimal++
			s.state = StateSuboptimal
		}
		return Frame{Image: s.images[idx], Index: idx, Slot: s.slot, generation: s.generation}, nil
	}
}

// Present submits the present queue and shows f once the render queue's
// latest submission completes. A frame acquired before a rebuild is
// dropped and reported as ErrStaleFrame.
func (s *Surface) Present(f Frame) error {
	if s.state == StateOutOfDate {
		if err := s.Rebuild(); err != nil {
			return err
		}
	}
	if f.generation != s.generation {
		s.stats.Dropped++
		return fmt.Errorf("%w: generation %d, current %d", ErrStaleFrame, f.generation, s.generation)
	}

	s.queues.Sync(s.cfg.RenderQueue, queue.Present, -1)
	s.queues.CommandBuffer(queue.Present).Transition(f.Image, backend.StatePresent)
	tok := s.queues.Submit(queue.Present)
	s.slots[f.Slot] = tok
	s.slot = (s.slot + 1) % len(s.slots)

	st, err := s.surf.Present(f.Index, backend.TimelinePoint{Queue: queue.Present, Value: tok.Counter()})
	if err != nil {
		return fmt.Errorf("present: %w", err)
	}
	switch st {
	case backend.StatusOutOfDate:
		s.stats.OutOfDate++
		s.invalidate("present")
		return nil
	case backend.StatusSuboptimal:
		s.stats.Suboptimal++
		s.state = StateSuboptimal
	}

	now := hrtime.Now()
	if s.lastPresent != 0 {
		s.stats.LastFrame = now - s.lastPresent
	}
	s.lastPresent = now
	s.stats.Frames++
	return nil
}

// Close waits for frames in flight and destroys the chain.
func (s *Surface) Close() error {
	err := s.drain()
	s.releaseImages()
	s.surf.Destroy()
	return err
}
