// Copyright 2026 The gogpu Authors
// SPDX-License-Identifier: BSD-3-Clause

package soft

import (
	"fmt"
	"sort"
	"sync"

	"github.com/gogpu/gputypes"

	"github.com/gogpu/rhi/backend"
)

// Kernel is the Go body of a compute shader. It runs once per dispatch
// and iterates the workgroup grid itself.
type Kernel func(inv *Invocation)

var (
	kernelsMu sync.RWMutex
	kernels   = make(map[string]Kernel)
)

// RegisterKernel makes k available to pipelines whose compute entry point
// is name. Registering an existing name replaces it.
func RegisterKernel(name string, k Kernel) {
	kernelsMu.Lock()
	defer kernelsMu.Unlock()
	kernels[name] = k
}

// Kernels returns the registered kernel names, sorted.
func Kernels() []string {
	kernelsMu.RLock()
	defer kernelsMu.RUnlock()
	names := make([]string, 0, len(kernels))
	for n := range kernels {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

func lookupKernel(name string) (Kernel, bool) {
	kernelsMu.RLock()
	defer kernelsMu.RUnlock()
	k, ok := kernels[name]
	return k, ok
}

// ImageData is an image bound to a dispatch. Pix aliases device memory.
type ImageData struct {
	Width, Height, Depth uint32
	Format               gputypes.TextureFormat
	Pix                  []byte
}

// Invocation is the state visible to a kernel during one dispatch.
type Invocation struct {
	// Groups is the workgroup grid.
	Groups [3]uint32

	// Push holds the push constant bytes.
	Push []byte

	buffers map[uint32][]byte
	images  map[uint32]*ImageData
}

// Buffer returns the bytes bound at binding, or nil.
func (inv *Invocation) Buffer(binding uint32) []byte { return inv.buffers[binding] }

// Image returns the image bound at binding, or nil.
func (inv *Invocation) Image(binding uint32) *ImageData { return inv.images[binding] }

type bindLayout struct {
	desc backend.BindLayoutDesc
}

type pipelineLayout struct {
	desc backend.PipelineLayoutDesc
}

type sampler struct {
	desc backend.SamplerDesc
}

type pipeline struct {
	label   string
	layout  backend.PipelineLayout
	kernel  Kernel
	compute bool
	render  *backend.RenderPipelineDesc
}

// CreateSampler creates a sampler.
func (d *Device) CreateSampler(desc *backend.SamplerDesc) (backend.Sampler, error) {
	if desc == nil {
		return nil, fmt.Errorf("%w: nil sampler descriptor", backend.ErrInvalidDescriptor)
	}
	return &sampler{desc: *desc}, nil
}

// DestroySampler releases a sampler.
func (d *Device) DestroySampler(backend.Sampler) {}

// CreateBindLayout creates a bind layout.
func (d *Device) CreateBindLayout(desc *backend.BindLayoutDesc) (backend.BindLayout, error) {
	if desc == nil {
		return nil, fmt.Errorf("%w: nil bind layout descriptor", backend.ErrInvalidDescriptor)
	}
	seen := make(map[uint32]bool, len(desc.Entries))
	for _, e := range desc.Entries {
		if seen[e.Binding] {
			return nil, fmt.Errorf("%w: duplicate binding %d in %q",
				backend.ErrInvalidDescriptor, e.Binding, desc.Label)
		}
		seen[e.Binding] = true
	}
	l := &bindLayout{desc: *desc}
	l.desc.Entries = append([]backend.BindLayoutEntry(nil), desc.Entries...)
	return l, nil
}

// DestroyBindLayout releases a bind layout.
func (d *Device) DestroyBindLayout(backend.BindLayout) {}

// CreatePipelineLayout creates a pipeline layout.
func (d *Device) CreatePipelineLayout(desc *backend.PipelineLayoutDesc) (backend.PipelineLayout, error) {
	if desc == nil {
		return nil, fmt.Errorf("%w: nil pipeline layout descriptor", backend.ErrInvalidDescriptor)
	}
	return &pipelineLayout{desc: *desc}, nil
}

// DestroyPipelineLayout releases a pipeline layout.
func (d *Device) DestroyPipelineLayout(backend.PipelineLayout) {}

// CreateComputePipeline resolves the entry point against the kernel
// registry.
func (d *Device) CreateComputePipeline(desc *backend.ComputePipelineDesc) (backend.Pipeline, error) {
	if desc == nil {
		return nil, fmt.Errorf("%w: nil compute pipeline descriptor", backend.ErrInvalidDescriptor)
	}
	k, ok := lookupKernel(desc.Compute.EntryPoint)
	if !ok {
		return nil, fmt.Errorf("%w: no kernel registered for entry point %q",
			backend.ErrInvalidDescriptor, desc.Compute.EntryPoint)
	}
	return &pipeline{label: desc.Label, layout: desc.Layout, kernel: k, compute: true}, nil
}

// CreateRenderPipeline records the descriptor. The soft device does not
// rasterize.
func (d *Device) CreateRenderPipeline(desc *backend.RenderPipelineDesc) (backend.Pipeline, error) {
	if desc == nil {
		return nil, fmt.Errorf("%w: nil render pipeline descriptor", backend.ErrInvalidDescriptor)
	}
	if len(desc.ColorFormats) == 0 && desc.DepthFormat == gputypes.TextureFormatUndefined {
		return nil, fmt.Errorf("%w: render pipeline %q has no attachments",
			backend.ErrInvalidDescriptor, desc.Label)
	}
	cp := *desc
	return &pipeline{label: desc.Label, layout: desc.Layout, render: &cp}, nil
}

// DestroyPipeline releases a pipeline.
func (d *Device) DestroyPipeline(backend.Pipeline) {}
