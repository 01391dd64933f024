// Copyright 2026 The gogpu Authors
// SPDX-License-Identifier: BSD-3-Clause

package backend

import (
	"time"

	"github.com/gogpu/gputypes"
)

// SurfaceTarget is a platform window handle understood by one backend.
type SurfaceTarget interface{}

// PresentMode selects how presented images reach the display.
type PresentMode uint8

// Present modes.
const (
	// PresentFifo waits for vertical blank (vsync on).
	PresentFifo PresentMode = iota
	// PresentMailbox replaces the queued image (vsync on, low latency).
	PresentMailbox
	// PresentImmediate does not wait (vsync off).
	PresentImmediate
)

// String returns the mode name.
func (m PresentMode) String() string {
	switch m {
	case PresentFifo:
		return "Fifo"
	case PresentMailbox:
		return "Mailbox"
	case PresentImmediate:
		return "Immediate"
	default:
		return "Unknown"
	}
}

// SurfaceCaps are the current capabilities of a surface.
type SurfaceCaps struct {
	CurrentWidth  uint32
	CurrentHeight uint32
	MinWidth      uint32
	MinHeight     uint32
	MaxWidth      uint32
	MaxHeight     uint32
	MinImages     uint32
	MaxImages     uint32
	Formats       []gputypes.TextureFormat
	PresentModes  []PresentMode
}

// SwapchainDesc configures the presentable image chain.
type SwapchainDesc struct {
	Width       uint32
	Height      uint32
	Format      gputypes.TextureFormat
	PresentMode PresentMode
	ImageCount  uint32
}

// SurfaceStatus is the outcome of acquire and present.
type SurfaceStatus uint8

// Surface statuses.
const (
	StatusOptimal SurfaceStatus = iota
	StatusSuboptimal
	StatusOutOfDate
	StatusTimeout
)

// String returns the status name.
func (s SurfaceStatus) String() string {
	switch s {
	case StatusOptimal:
		return "Optimal"
	case StatusSuboptimal:
		return "Suboptimal"
	case StatusOutOfDate:
		return "OutOfDate"
	case StatusTimeout:
		return "Timeout"
	default:
		return "Unknown"
	}
}

// Surface is a presentable image chain bound to a window.
type Surface interface {
	Capabilities() (SurfaceCaps, error)
	// Configure (re)creates the image chain and returns its images.
	Configure(desc *SwapchainDesc) ([]Image, error)
	// Acquire returns the index of the next image to render into.
	Acquire(timeout time.Duration) (uint32, SurfaceStatus, error)
	// Present queues image index for display once wait is reached.
	Present(index uint32, wait TimelinePoint) (SurfaceStatus, error)
	Destroy()
}

// FullScreener is implemented by surfaces that can take exclusive
// ownership of a monitor.
type FullScreener interface {
	AcquireFullScreen(monitor uintptr) error
}
