// Copyright 2026 The gogpu Authors
// SPDX-License-Identifier: BSD-3-Clause

// Package halgpu implements backend.Device on the gogpu/wgpu HAL.
//
// Every logical queue is carried by the one HAL queue the adapter exposes.
// Each logical queue keeps its own fence so timeline values stay
// independent, and in-order execution on the shared HAL queue satisfies
// cross-queue waits on already submitted values. Host-visible buffers are
// mapped through a shadow copy moved by WriteBuffer and ReadBuffer.
package halgpu

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/gogpu/gpucontext"
	"github.com/gogpu/gputypes"
	"github.com/gogpu/wgpu/hal"
	"github.com/google/uuid"

	"github.com/gogpu/rhi/backend"
	"github.com/gogpu/rhi/internal/logx"
)

// Name is the registry name of this backend.
const Name = "hal"

var deviceNamespace = uuid.MustParse("0b7e52a6-8a67-4d0f-b5a2-94c2f3d1e7a9")

// instanceCreator is implemented by HAL backends (hal.GetBackend) and by
// the noop API used in tests.
type instanceCreator interface {
	CreateInstance(desc *hal.InstanceDescriptor) (hal.Instance, error)
}

// retired is cleanup that runs once queue reaches value.
type retired struct {
	queue backend.QueueKind
	value uint64
	fn    func()
}

// Device wraps a HAL device and queue.
type Device struct {
	caps     backend.Caps
	instance hal.Instance // nil when the device is borrowed
	dev      hal.Device
	queue    hal.Queue
	external bool

	// mu serializes submissions on the shared HAL queue and guards the
	// timeline bookkeeping.
	mu        sync.Mutex
	fences    [backend.QueueCount]hal.Fence
	submitted [backend.QueueCount]uint64
	completed [backend.QueueCount]uint64
	pending   []retired
}

// Open creates a standalone device on the Vulkan HAL.
func Open() (*Device, error) {
	api, ok := hal.GetBackend(gputypes.BackendVulkan)
	if !ok {
		return nil, fmt.Errorf("%w: vulkan HAL not linked", backend.ErrBackendNotAvailable)
	}
	return OpenAPI(api)
}

// OpenAPI creates a standalone device on the first suitable adapter of api,
// preferring discrete and integrated GPUs.
func OpenAPI(api instanceCreator) (*Device, error) {
	instance, err := api.CreateInstance(&hal.InstanceDescriptor{Flags: 0})
	if err != nil {
		return nil, fmt.Errorf("halgpu: create instance: %w", err)
	}
	adapters := instance.EnumerateAdapters(nil)
	if len(adapters) == 0 {
		instance.Destroy()
		return nil, fmt.Errorf("%w: no GPU adapters found", backend.ErrBackendNotAvailable)
	}
	selected := &adapters[0]
	for i := range adapters {
		if adapters[i].Info.DeviceType == gputypes.DeviceTypeDiscreteGPU ||
			adapters[i].Info.DeviceType == gputypes.DeviceTypeIntegratedGPU {
			selected = &adapters[i]
			break
		}
	}
	openDev, err := selected.Adapter.Open(gputypes.Features(0), gputypes.DefaultLimits())
	if err != nil {
		instance.Destroy()
		return nil, fmt.Errorf("halgpu: open device: %w", err)
	}
	d, err := newDevice(openDev.Device, openDev.Queue, selected.Info.Name)
	if err != nil {
		openDev.Device.Destroy()
		instance.Destroy()
		return nil, err
	}
	d.instance = instance
	logx.L().Info("halgpu: device opened", "adapter", selected.Info.Name)
	return d, nil
}

// FromProvider borrows the device of a host application. The provider
// must expose HalDevice() and HalQueue() returning hal.Device and
// hal.Queue. Destroy leaves the borrowed device alive.
func FromProvider(p gpucontext.DeviceProvider) (*Device, error) {
	type halProvider interface {
		HalDevice() any
		HalQueue() any
	}
	hp, ok := p.(halProvider)
	if !ok {
		return nil, fmt.Errorf("%w: provider does not expose HAL types", backend.ErrUnsupported)
	}
	dev, ok := hp.HalDevice().(hal.Device)
	if !ok || dev == nil {
		return nil, fmt.Errorf("%w: provider HalDevice is not hal.Device", backend.ErrUnsupported)
	}
	queue, ok := hp.HalQueue().(hal.Queue)
	if !ok || queue == nil {
		return nil, fmt.Errorf("%w: provider HalQueue is not hal.Queue", backend.ErrUnsupported)
	}
	d, err := newDevice(dev, queue, "provider")
	if err != nil {
		return nil, err
	}
	d.external = true
	logx.L().Debug("halgpu: using provider device", "surface_format", fmt.Sprint(p.SurfaceFormat()))
	return d, nil
}

func newDevice(dev hal.Device, queue hal.Queue, adapter string) (*Device, error) {
	d := &Device{
		dev:   dev,
		queue: queue,
		caps: backend.Caps{
			Name:           Name,
			DeviceID:       uuid.NewSHA1(deviceNamespace, []byte(adapter)),
			SparseBinding:  false,
			RayTracing:     false,
			DistinctQueues: false,
			MaxBufferSize:  1 << 30,
		},
	}
	for _, q := range backend.Queues() {
		f, err := dev.CreateFence()
		if err != nil {
			d.destroyFences()
			return nil, fmt.Errorf("halgpu: create fence for %v: %w", q, err)
		}
		d.fences[q] = f
	}
	return d, nil
}

func (d *Device) destroyFences() {
	for i, f := range d.fences {
		if f != nil {
			d.dev.DestroyFence(f)
			d.fences[i] = nil
		}
	}
}

// Caps returns device capabilities.
func (d *Device) Caps() backend.Caps { return d.caps }

// Wait blocks until q reaches value or timeout elapses.
func (d *Device) Wait(q backend.QueueKind, value uint64, timeout time.Duration) (bool, error) {
	if int(q) >= backend.QueueCount {
		return false, fmt.Errorf("%w: queue %v", backend.ErrInvalidDescriptor, q)
	}
	d.mu.Lock()
	if value <= d.completed[q] {
		d.mu.Unlock()
		return true, nil
	}
	fence := d.fences[q]
	d.mu.Unlock()

	ok, err := d.dev.Wait(fence, value, timeout)
	if err != nil {
		return false, errors.Join(backend.ErrDeviceLost, err)
	}
	if ok {
		d.markCompleted(q, value)
	}
	return ok, nil
}

// Completed returns the last completed value of q.
func (d *Device) Completed(q backend.QueueKind) uint64 {
	d.mu.Lock()
	last, done, fence := d.submitted[q], d.completed[q], d.fences[q]
	d.mu.Unlock()
	if last > done {
		if ok, err := d.dev.Wait(fence, last, 0); err == nil && ok {
			d.markCompleted(q, last)
			return last
		}
	}
	return done
}

func (d *Device) markCompleted(q backend.QueueKind, value uint64) {
	d.mu.Lock()
	if value > d.completed[q] {
		d.completed[q] = value
	}
	var run []func()
	keep := d.pending[:0]
	for _, r := range d.pending {
		if d.completed[r.queue] >= r.value {
			run = append(run, r.fn)
		} else {
			keep = append(keep, r)
		}
	}
	d.pending = keep
	d.mu.Unlock()
	for _, fn := range run {
		fn()
	}
}

// CreateSurface is not supported; presentation through the HAL belongs
// to the windowing host.
func (d *Device) CreateSurface(backend.SurfaceTarget) (backend.Surface, error) {
	return nil, fmt.Errorf("%w: halgpu surfaces", backend.ErrUnsupported)
}

// Destroy waits for outstanding work and releases the device.
func (d *Device) Destroy() {
	for _, q := range backend.Queues() {
		d.mu.Lock()
		last := d.submitted[q]
		d.mu.Unlock()
		if last > 0 {
			if _, err := d.Wait(q, last, 5*time.Second); err != nil {
				logx.L().Warn("halgpu: wait on destroy failed", "queue", q.String(), "err", err)
			}
		}
	}
	d.mu.Lock()
	pending := d.pending
	d.pending = nil
	d.mu.Unlock()
	for _, r := range pending {
		r.fn()
	}
	d.destroyFences()
	if d.external {
		return
	}
	d.dev.Destroy()
	if d.instance != nil {
		d.instance.Destroy()
	}
}
