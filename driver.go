// Copyright 2026 The gogpu Authors
// SPDX-License-Identifier: BSD-3-Clause

package rhi

import (
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/loov/hrtime"
	"golang.org/x/sync/errgroup"

	"github.com/gogpu/rhi/backend"
	"github.com/gogpu/rhi/binding"
	"github.com/gogpu/rhi/cache"
	"github.com/gogpu/rhi/completion"
	"github.com/gogpu/rhi/dispose"
	"github.com/gogpu/rhi/internal/fatal"
	"github.com/gogpu/rhi/internal/logx"
	"github.com/gogpu/rhi/memory"
	"github.com/gogpu/rhi/present"
	"github.com/gogpu/rhi/queue"
	"github.com/gogpu/rhi/sparse"
	"github.com/gogpu/rhi/staging"
)

// Queue kinds.
const (
	Graphics = queue.Graphics
	Compute  = queue.Compute
	Transfer = queue.Transfer
	Present  = queue.Present
)

// Resource is anything backed by a pool resource.
type Resource interface {
	Handle() memory.Handle
}

// Stats summarizes a Driver.
type Stats struct {
	Tick     uint64
	Memory   memory.MemoryStats
	Queues   queue.Stats
	Staging  staging.Stats
	Caches   cache.SetStats
	Geometry sparse.Stats
	Disposed uint64
	Pending  int
	// LastGC is the duration of the latest GC call.
	LastGC time.Duration
}

// String returns a human-readable summary.
func (s Stats) String() string {
	return fmt.Sprintf("Driver[tick %d, %d disposed, %d pending, gc %v]\n  %v\n  %v\n  %v\n  %v",
		s.Tick, s.Disposed, s.Pending, s.LastGC, s.Memory, s.Queues, s.Staging, s.Caches)
}

// Driver owns one device and everything allocated on it. It is not safe
// for concurrent use; record and submit from one goroutine.
type Driver struct {
	opts options
	dev  backend.Device
	caps backend.Caps

	pool     *memory.Pool
	queues   *queue.Set
	disposer *dispose.Disposer
	staging  *staging.Pool
	caches   *cache.Set
	bindings *binding.Table
	geometry *sparse.Space

	// pendingStaging holds staging allocations recorded on a queue, released
	// with that queue's next submission token.
	pendingStaging [backend.QueueCount][]*staging.Allocation

	windows []*present.Surface
	tick    uint64
	lastGC  time.Duration
	closed  bool
}

// Init opens a device and builds the driver around it. Missing features
// named by RequireFeatures are fatal.
func Init(opts ...Option) (d *Driver, err error) {
	o := defaultOptions()
	for _, opt := range opts {
		opt(&o)
	}

	dev := o.device
	if dev == nil {
		if o.backendName != "" {
			dev, err = backend.Open(o.backendName)
		} else {
			dev, err = backend.Default()
		}
		if err != nil {
			return nil, fmt.Errorf("rhi: open device: %w", err)
		}
	}
	caps := dev.Caps()
	fatal.Check(o.required&FeatureSparse == 0 || caps.SparseBinding,
		"rhi: device %s lacks sparse binding", caps.Name)
	fatal.Check(o.required&FeatureRayTracing == 0 || caps.RayTracing,
		"rhi: device %s lacks ray tracing", caps.Name)

	d = &Driver{
		opts:     o,
		dev:      dev,
		caps:     caps,
		pool:     memory.NewPool(dev, memory.Config{BudgetMB: o.budgetMB}),
		disposer: dispose.New(),
		bindings: binding.NewTable(),
	}
	d.queues = queue.New(d.pool, queue.Config{Validate: o.validation})
	d.caches = cache.NewSet(dev, o.compiler)
	defer func() {
		if err != nil {
			d.teardown()
		}
	}()

	if d.staging, err = staging.New(d.pool, staging.Config{RingSize: o.stagingRing}); err != nil {
		return nil, fmt.Errorf("rhi: staging: %w", err)
	}
	if o.geometryBytes > 0 {
		d.geometry, err = sparse.New(d.pool, d.queues, sparse.Config{
			Label:    "geometry",
			Capacity: o.geometryBytes,
			Usage:    geometryUsage,
			Policy:   o.sparsePolicy,
		})
		if err != nil {
			return nil, fmt.Errorf("rhi: geometry space: %w", err)
		}
	}
	if o.shaderCachePath != "" {
		d.loadShaderCache(o.shaderCachePath)
	}
	d.caches.BeginFrame(d.tick)

	logx.L().Info("rhi: driver initialized",
		"device", caps.Name,
		"id", caps.DeviceID.String(),
		"sparse", caps.SparseBinding,
		"rayTracing", caps.RayTracing,
		"validation", o.validation)
	return d, nil
}

func (d *Driver) loadShaderCache(path string) {
	f, err := os.Open(path)
	if err != nil {
		if !errors.Is(err, os.ErrNotExist) {
			logx.L().Warn("rhi: shader cache unreadable", "path", path, "err", err)
		}
		return
	}
	defer f.Close()
	n, err := d.caches.Shaders.Load(f)
	if err != nil {
		logx.L().Warn("rhi: shader cache ignored", "path", path, "err", err)
		return
	}
	logx.L().Debug("rhi: shader cache loaded", "path", path, "shaders", n)
}

func (d *Driver) saveShaderCache(path string) error {
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("rhi: save shader cache: %w", err)
	}
	if err := d.caches.Shaders.Save(f); err != nil {
		f.Close()
		return fmt.Errorf("rhi: save shader cache: %w", err)
	}
	return f.Close()
}

// Caps returns the device capabilities.
func (d *Driver) Caps() backend.Caps { return d.caps }

// Device returns the underlying device.
func (d *Driver) Device() backend.Device { return d.dev }

// Pool returns the raw resource pool.
func (d *Driver) Pool() *memory.Pool { return d.pool }

// Queues returns the queue set.
func (d *Driver) Queues() *queue.Set { return d.queues }

// Caches returns the object caches.
func (d *Driver) Caches() *cache.Set { return d.caches }

// Disposer returns the deferred-free queue drained by GC.
func (d *Driver) Disposer() *dispose.Disposer { return d.disposer }

// Bindings returns the global binding table.
func (d *Driver) Bindings() *binding.Table { return d.bindings }

// GetCommandBuffer returns the buffer recording for q.
func (d *Driver) GetCommandBuffer(q queue.Kind) *queue.CommandBuffer {
	d.checkOpen()
	return d.queues.CommandBuffer(q)
}

// Submit submits q and returns the token of the submission. Staging memory
// used by the recorded commands is recycled once it completes.
func (d *Driver) Submit(q queue.Kind) completion.Token {
	d.checkOpen()
	tok := d.queues.Submit(q)
	for _, a := range d.pendingStaging[q] {
		d.staging.Release(a, tok)
	}
	d.pendingStaging[q] = d.pendingStaging[q][:0]
	return tok
}

// Sync makes to's next submission wait for from's. See queue.Set.Sync.
func (d *Driver) Sync(from, to queue.Kind, offset int) {
	d.checkOpen()
	d.queues.Sync(from, to, offset)
}

// Wait makes waiter's next submission wait for signaler's. See
// queue.Set.Wait.
func (d *Driver) Wait(waiter, signaler queue.Kind, offset int) {
	d.checkOpen()
	d.queues.Wait(waiter, signaler, offset)
}

// Transfer hands ownership of resources from one queue to another.
func (d *Driver) Transfer(from, to queue.Kind, resources ...Resource) {
	d.checkOpen()
	handles := make([]memory.Handle, len(resources))
	for i, r := range resources {
		handles[i] = r.Handle()
	}
	d.queues.Transfer(from, to, handles...)
}

// stage records a copy out of a staging allocation on q and releases the
// allocation with q's next submission.
func (d *Driver) stage(q queue.Kind, a *staging.Allocation) {
	d.pendingStaging[q] = append(d.pendingStaging[q], a)
}

// retire schedules release of h once work that used it completes.
func (d *Driver) retire(h memory.Handle) {
	r, err := d.pool.Lookup(h)
	if err != nil {
		return
	}
	d.disposer.Dispose(h, func(v any) { d.pool.Release(v.(memory.Handle)) }, d.outstanding(h, r))
}

// outstanding covers the submitted work using r and the commands still
// being recorded against it.
func (d *Driver) outstanding(h memory.Handle, r *memory.RawResource) completion.Token {
	return completion.Join(r.Usage(), d.queues.Pending(h))
}

// GC runs once per frame: it runs deferred destructors whose work
// completed, recycles staging memory and evicts cache entries idle for
// longer than the cache horizon.
func (d *Driver) GC() {
	d.checkOpen()
	start := hrtime.Now()
	freed := d.disposer.Prune()
	d.staging.Prune()
	evicted := d.caches.Prune(d.opts.cacheHorizon)
	d.tick++
	d.caches.BeginFrame(d.tick)
	d.lastGC = hrtime.Since(start)
	if freed > 0 || evicted > 0 {
		logx.L().Debug("rhi: gc",
			"tick", d.tick,
			"freed", freed,
			"evicted", evicted,
			"took", d.lastGC)
	}
}

// Tick returns the number of GC calls so far.
func (d *Driver) Tick() uint64 { return d.tick }

// Stats returns driver statistics.
func (d *Driver) Stats() Stats {
	s := Stats{
		Tick:     d.tick,
		Memory:   d.pool.Stats(),
		Queues:   d.queues.Stats(),
		Staging:  d.staging.Stats(),
		Caches:   d.caches.Stats(),
		Disposed: d.disposer.Freed(),
		Pending:  d.disposer.Len(),
		LastGC:   d.lastGC,
	}
	if d.geometry != nil {
		s.Geometry = d.geometry.Stats()
	}
	return s
}

// CreateWindow creates a presentation surface for target.
func (d *Driver) CreateWindow(target backend.SurfaceTarget, cfg present.Config) (*present.Surface, error) {
	d.checkOpen()
	s, err := present.New(d.pool, d.queues, target, cfg)
	if err != nil {
		return nil, err
	}
	d.windows = append(d.windows, s)
	return s, nil
}

func (d *Driver) checkOpen() {
	fatal.Check(!d.closed, "%v", ErrShutdown)
}

// Shutdown waits for every queue to go idle, runs all deferred
// destructors and destroys the device. The driver is unusable afterwards.
func (d *Driver) Shutdown() error {
	if d.closed {
		return ErrShutdown
	}
	var errs []error
	for _, w := range d.windows {
		if err := w.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	d.windows = nil

	for _, q := range backend.Queues() {
		if d.queues.Recording(q) {
			d.Submit(q)
		}
	}

	var g errgroup.Group
	timeout := d.opts.shutdownTimeout
	for _, q := range backend.Queues() {
		last := d.queues.Last(q)
		g.Go(func() error {
			if !last.Wait(timeout) {
				return fmt.Errorf("%w: %v queue after %v", ErrTimeout, q, timeout)
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		errs = append(errs, err)
	}

	if n := d.disposer.Flush(timeout); n > 0 {
		errs = append(errs, fmt.Errorf("%w: %d deferred destructors pending", ErrTimeout, n))
	}
	if d.opts.shaderCachePath != "" {
		if err := d.saveShaderCache(d.opts.shaderCachePath); err != nil {
			errs = append(errs, err)
		}
	}
	d.teardown()
	logx.L().Info("rhi: driver shut down", "device", d.caps.Name)
	return errors.Join(errs...)
}

func (d *Driver) teardown() {
	for q := range d.pendingStaging {
		d.pendingStaging[q] = nil
	}
	if d.staging != nil {
		d.staging.Close()
	}
	if d.geometry != nil {
		d.pool.Release(d.geometry.Handle())
	}
	d.caches.Clear()
	d.dev.Destroy()
	d.closed = true
}
