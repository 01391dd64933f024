// Copyright 2026 The gogpu Authors
// SPDX-License-Identifier: BSD-3-Clause

package rhi

import (
	"time"

	"github.com/gogpu/rhi/backend"
	"github.com/gogpu/rhi/cache"
	"github.com/gogpu/rhi/sparse"
)

// Defaults used when an option is not given.
const (
	DefaultCacheHorizon    = 120
	DefaultShutdownTimeout = 5 * time.Second
)

// Features is a set of optional device capabilities.
type Features uint8

// Optional features.
const (
	FeatureSparse Features = 1 << iota
	FeatureRayTracing
)

// Option configures a Driver during Init.
//
// Example:
//
//	// Default backend selection
//	d, err := rhi.Init()
//
//	// Injected device with validation
//	d, err := rhi.Init(rhi.WithDevice(dev), rhi.WithValidation(true))
type Option func(*options)

// options holds optional configuration for Init.
type options struct {
	backendName     string
	device          backend.Device
	budgetMB        int
	stagingRing     uint64
	geometryBytes   uint64
	sparsePolicy    sparse.Policy
	validation      bool
	cacheHorizon    uint64
	compiler        cache.Compiler
	shaderCachePath string
	shutdownTimeout time.Duration
	required        Features
}

// defaultOptions returns the default Init options.
func defaultOptions() options {
	return options{
		cacheHorizon:    DefaultCacheHorizon,
		shutdownTimeout: DefaultShutdownTimeout,
	}
}

// WithBackend opens the named registered backend instead of the best
// available one.
func WithBackend(name string) Option {
	return func(o *options) {
		o.backendName = name
	}
}

// WithDevice uses dev instead of opening a backend. The Driver takes
// ownership and destroys dev on Shutdown.
func WithDevice(dev backend.Device) Option {
	return func(o *options) {
		o.device = dev
	}
}

// WithMemoryBudget sets the soft memory budget in megabytes.
func WithMemoryBudget(mb int) Option {
	return func(o *options) {
		o.budgetMB = mb
	}
}

// WithStagingRing sets the size of the staging ring in bytes.
func WithStagingRing(size uint64) Option {
	return func(o *options) {
		o.stagingRing = size
	}
}

// WithGeometrySpace reserves a sparse geometry space of size bytes for
// UploadMesh. It needs sparse binding support.
func WithGeometrySpace(size uint64, policy sparse.Policy) Option {
	return func(o *options) {
		o.geometryBytes = size
		o.sparsePolicy = policy
	}
}

// WithValidation enables queue ownership validation.
func WithValidation(on bool) Option {
	return func(o *options) {
		o.validation = on
	}
}

// WithCacheHorizon sets how many GC ticks a cache entry may stay unused
// before it can be evicted.
func WithCacheHorizon(ticks uint64) Option {
	return func(o *options) {
		o.cacheHorizon = ticks
	}
}

// WithShaderCompiler replaces the WGSL compiler.
func WithShaderCompiler(c cache.Compiler) Option {
	return func(o *options) {
		o.compiler = c
	}
}

// WithShaderCache loads compiled shaders from path at Init and saves them
// there on Shutdown. A missing file is not an error.
func WithShaderCache(path string) Option {
	return func(o *options) {
		o.shaderCachePath = path
	}
}

// WithShutdownTimeout bounds how long Shutdown waits for each queue.
func WithShutdownTimeout(d time.Duration) Option {
	return func(o *options) {
		o.shutdownTimeout = d
	}
}

// RequireFeatures makes Init fail fast when the device lacks f.
func RequireFeatures(f Features) Option {
	return func(o *options) {
		o.required |= f
	}
}
