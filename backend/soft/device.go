// Copyright 2026 The gogpu Authors
// SPDX-License-Identifier: BSD-3-Clause

// Package soft implements an in-process simulated GPU.
//
// Each logical queue runs on its own executor goroutine and owns a
// timeline; submissions wait on other timelines exactly as a hardware
// queue waits on semaphores, so missing ordering edges show up as real
// races. Compute work runs Go kernels registered with RegisterKernel.
//
// The backend registers itself as "soft" on import.
package soft

import (
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/gogpu/rhi/backend"
	"github.com/gogpu/rhi/internal/logx"
)

// Name is the registry name of this backend.
const Name = "soft"

// Default limits.
const (
	// DefaultPageSize is the sparse page granularity (64 KiB).
	DefaultPageSize = 64 << 10

	// DefaultMaxBufferSize caps a single allocation (1 GiB).
	DefaultMaxBufferSize = 1 << 30
)

// deviceNamespace seeds stable device IDs so persisted caches survive
// restarts.
var deviceNamespace = uuid.MustParse("6f1c1c52-5b8e-4c36-9d0e-2f1c6a3b7d41")

func init() {
	backend.Register(Name, func() (backend.Device, error) {
		return New(Config{}), nil
	})
}

// Config configures a soft device.
type Config struct {
	// PageSize is the sparse page granularity. Defaults to DefaultPageSize.
	PageSize uint64

	// MaxBufferSize caps single allocations. Defaults to DefaultMaxBufferSize.
	MaxBufferSize uint64

	// SingleQueue maps every logical queue onto one executor, the way
	// devices without dedicated compute or transfer queues behave.
	SingleQueue bool
}

// Stats counts work executed by the device.
type Stats struct {
	Submissions uint64
	Commands    uint64
	Dispatches  uint64
	Barriers    uint64
	BoundPages  uint64
}

// String returns a human-readable summary.
func (s Stats) String() string {
	return fmt.Sprintf("Soft[%d submissions, %d commands, %d dispatches, %d barriers, %d pages]",
		s.Submissions, s.Commands, s.Dispatches, s.Barriers, s.BoundPages)
}

// Device is a simulated GPU. It is safe for concurrent use.
type Device struct {
	caps backend.Caps

	// mem serializes device memory access between executors and host
	// flush/invalidate.
	mem sync.Mutex

	queues [backend.QueueCount]*queue
	lost   atomic.Bool

	submissions atomic.Uint64
	commands    atomic.Uint64
	dispatches  atomic.Uint64
	barriers    atomic.Uint64
	boundPages  atomic.Int64

	closeOnce sync.Once
}

// New creates a soft device and starts its queue executors.
func New(cfg Config) *Device {
	if cfg.PageSize == 0 {
		cfg.PageSize = DefaultPageSize
	}
	if cfg.MaxBufferSize == 0 {
		cfg.MaxBufferSize = DefaultMaxBufferSize
	}
	d := &Device{
		caps: backend.Caps{
			Name:           Name,
			DeviceID:       uuid.NewSHA1(deviceNamespace, []byte(Name)),
			SparseBinding:  true,
			SparsePageSize: cfg.PageSize,
			RayTracing:     true,
			DistinctQueues: !cfg.SingleQueue,
			MaxBufferSize:  cfg.MaxBufferSize,
		},
	}
	for _, k := range backend.Queues() {
		d.queues[k] = newQueue(d, k)
	}
	if cfg.SingleQueue {
		// One executor drains every logical queue in submission order.
		shared := newQueue(d, backend.QueueGraphics)
		for _, k := range backend.Queues() {
			d.queues[k].exec = shared
		}
		go shared.run()
	} else {
		for _, k := range backend.Queues() {
			go d.queues[k].run()
		}
	}
	logx.L().Debug("soft: device created",
		"page_size", cfg.PageSize,
		"single_queue", cfg.SingleQueue)
	return d
}

// Caps returns device capabilities.
func (d *Device) Caps() backend.Caps { return d.caps }

// Stats returns execution counters.
func (d *Device) Stats() Stats {
	return Stats{
		Submissions: d.submissions.Load(),
		Commands:    d.commands.Load(),
		Dispatches:  d.dispatches.Load(),
		Barriers:    d.barriers.Load(),
		BoundPages:  uint64(max(d.boundPages.Load(), 0)), //nolint:gosec // clamped
	}
}

// Pause stops queue q from starting new submissions. Work already running
// finishes. Used to make cross-queue races reproducible.
func (d *Device) Pause(q backend.QueueKind) { d.queues[q].setPaused(true) }

// Resume lets a paused queue continue.
func (d *Device) Resume(q backend.QueueKind) { d.queues[q].setPaused(false) }

// LoseDevice simulates a device loss; every later submission fails.
func (d *Device) LoseDevice() {
	d.lost.Store(true)
	logx.L().Warn("soft: device lost")
}

// Submit queues sub on its queue. Execution is asynchronous.
func (d *Device) Submit(sub *backend.Submission) error {
	if d.lost.Load() {
		return backend.ErrDeviceLost
	}
	if int(sub.Queue) >= backend.QueueCount {
		return fmt.Errorf("%w: queue %v", backend.ErrInvalidDescriptor, sub.Queue)
	}
	q := d.queues[sub.Queue]
	if err := q.enqueue(sub); err != nil {
		return err
	}
	d.submissions.Add(1)
	return nil
}

// Wait blocks until queue q reaches value or timeout elapses.
func (d *Device) Wait(q backend.QueueKind, value uint64, timeout time.Duration) (bool, error) {
	if int(q) >= backend.QueueCount {
		return false, fmt.Errorf("%w: queue %v", backend.ErrInvalidDescriptor, q)
	}
	ok := d.queues[q].waitValue(value, timeout)
	if !ok && d.lost.Load() {
		return false, backend.ErrDeviceLost
	}
	return ok, nil
}

// Completed returns the last completed value of q's timeline.
func (d *Device) Completed(q backend.QueueKind) uint64 {
	return d.queues[q].completedValue()
}

// Destroy stops the executors. Pending submissions are abandoned.
func (d *Device) Destroy() {
	d.closeOnce.Do(func() {
		for _, q := range d.queues {
			q.close()
			if q.exec != nil {
				q.exec.close()
			}
		}
		logx.L().Debug("soft: device destroyed", "stats", d.Stats().String())
	})
}
