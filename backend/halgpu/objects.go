// Copyright 2026 The gogpu Authors
// SPDX-License-Identifier: BSD-3-Clause

package halgpu

import (
	"fmt"

	"github.com/gogpu/gputypes"
	"github.com/gogpu/wgpu/hal"

	"github.com/gogpu/rhi/backend"
)

type bindLayout struct {
	raw     hal.BindGroupLayout
	entries []backend.BindLayoutEntry
}

type pipelineLayout struct {
	raw         hal.PipelineLayout
	bindLayouts []*bindLayout
}

type pipeline struct {
	label    string
	layout   *pipelineLayout
	compute  hal.ComputePipeline
	render   hal.RenderPipeline
	vertex   hal.ShaderModule
	fragment hal.ShaderModule
}

func layoutEntry(e backend.BindLayoutEntry) (gputypes.BindGroupLayoutEntry, error) {
	out := gputypes.BindGroupLayoutEntry{Binding: e.Binding}
	if e.Visibility&backend.StageVertex != 0 {
		out.Visibility |= gputypes.ShaderStageVertex
	}
	if e.Visibility&backend.StageFragment != 0 {
		out.Visibility |= gputypes.ShaderStageFragment
	}
	if e.Visibility&backend.StageCompute != 0 {
		out.Visibility |= gputypes.ShaderStageCompute
	}
	switch e.Type {
	case backend.BindingUniformBuffer:
		out.Buffer = &gputypes.BufferBindingLayout{Type: gputypes.BufferBindingTypeUniform}
	case backend.BindingStorageBuffer:
		out.Buffer = &gputypes.BufferBindingLayout{Type: gputypes.BufferBindingTypeStorage}
	case backend.BindingReadOnlyStorageBuffer:
		out.Buffer = &gputypes.BufferBindingLayout{Type: gputypes.BufferBindingTypeReadOnlyStorage}
	case backend.BindingSampledTexture:
		out.Texture = &gputypes.TextureBindingLayout{
			SampleType:    gputypes.TextureSampleTypeFloat,
			ViewDimension: gputypes.TextureViewDimension2D,
		}
	case backend.BindingSampler:
		out.Sampler = &gputypes.SamplerBindingLayout{Type: gputypes.SamplerBindingTypeFiltering}
	default:
		return out, fmt.Errorf("%w: binding type %v", backend.ErrUnsupported, e.Type)
	}
	return out, nil
}

// CreateBindLayout creates a bind group layout.
func (d *Device) CreateBindLayout(desc *backend.BindLayoutDesc) (backend.BindLayout, error) {
	if desc == nil {
		return nil, fmt.Errorf("%w: nil bind layout descriptor", backend.ErrInvalidDescriptor)
	}
	entries := make([]gputypes.BindGroupLayoutEntry, 0, len(desc.Entries))
	for _, e := range desc.Entries {
		le, err := layoutEntry(e)
		if err != nil {
			return nil, err
		}
		entries = append(entries, le)
	}
	raw, err := d.dev.CreateBindGroupLayout(&hal.BindGroupLayoutDescriptor{
		Label:   desc.Label,
		Entries: entries,
	})
	if err != nil {
		return nil, fmt.Errorf("halgpu: bind layout %q: %w", desc.Label, err)
	}
	return &bindLayout{raw: raw, entries: append([]backend.BindLayoutEntry(nil), desc.Entries...)}, nil
}

// DestroyBindLayout releases a bind layout.
func (d *Device) DestroyBindLayout(l backend.BindLayout) {
	if bl, ok := l.(*bindLayout); ok && bl.raw != nil {
		d.dev.DestroyBindGroupLayout(bl.raw)
		bl.raw = nil
	}
}

// CreatePipelineLayout creates a pipeline layout. Push constants are not
// available through the HAL.
func (d *Device) CreatePipelineLayout(desc *backend.PipelineLayoutDesc) (backend.PipelineLayout, error) {
	if desc == nil {
		return nil, fmt.Errorf("%w: nil pipeline layout descriptor", backend.ErrInvalidDescriptor)
	}
	if desc.PushConstantSize > 0 {
		return nil, fmt.Errorf("%w: push constants", backend.ErrUnsupported)
	}
	pl := &pipelineLayout{}
	raws := make([]hal.BindGroupLayout, 0, len(desc.BindLayouts))
	for _, l := range desc.BindLayouts {
		bl, ok := l.(*bindLayout)
		if !ok {
			return nil, fmt.Errorf("%w: foreign bind layout", backend.ErrInvalidDescriptor)
		}
		pl.bindLayouts = append(pl.bindLayouts, bl)
		raws = append(raws, bl.raw)
	}
	raw, err := d.dev.CreatePipelineLayout(&hal.PipelineLayoutDescriptor{
		Label:            desc.Label,
		BindGroupLayouts: raws,
	})
	if err != nil {
		return nil, fmt.Errorf("halgpu: pipeline layout %q: %w", desc.Label, err)
	}
	pl.raw = raw
	return pl, nil
}

// DestroyPipelineLayout releases a pipeline layout.
func (d *Device) DestroyPipelineLayout(l backend.PipelineLayout) {
	if pl, ok := l.(*pipelineLayout); ok && pl.raw != nil {
		d.dev.DestroyPipelineLayout(pl.raw)
		pl.raw = nil
	}
}

func (d *Device) shaderModule(label string, code backend.ShaderCode) (hal.ShaderModule, error) {
	var src hal.ShaderSource
	switch {
	case len(code.SPIRV) > 0:
		src.SPIRV = code.SPIRV
	case code.WGSL != "":
		src.WGSL = code.WGSL
	default:
		return nil, fmt.Errorf("%w: shader %q has no code", backend.ErrInvalidDescriptor, label)
	}
	m, err := d.dev.CreateShaderModule(&hal.ShaderModuleDescriptor{Label: label, Source: src})
	if err != nil {
		return nil, fmt.Errorf("halgpu: shader module %q: %w", label, err)
	}
	return m, nil
}

func asPipelineLayout(l backend.PipelineLayout) (*pipelineLayout, error) {
	pl, ok := l.(*pipelineLayout)
	if !ok || pl == nil {
		return nil, fmt.Errorf("%w: pipeline needs a layout", backend.ErrInvalidDescriptor)
	}
	return pl, nil
}

func entryPoint(code backend.ShaderCode, def string) string {
	if code.EntryPoint != "" {
		return code.EntryPoint
	}
	return def
}

// CreateComputePipeline compiles a compute pipeline.
func (d *Device) CreateComputePipeline(desc *backend.ComputePipelineDesc) (backend.Pipeline, error) {
	if desc == nil {
		return nil, fmt.Errorf("%w: nil compute pipeline descriptor", backend.ErrInvalidDescriptor)
	}
	pl, err := asPipelineLayout(desc.Layout)
	if err != nil {
		return nil, err
	}
	module, err := d.shaderModule(desc.Label, desc.Compute)
	if err != nil {
		return nil, err
	}
	raw, err := d.dev.CreateComputePipeline(&hal.ComputePipelineDescriptor{
		Label:  desc.Label,
		Layout: pl.raw,
		Compute: hal.ComputeState{
			Module:     module,
			EntryPoint: entryPoint(desc.Compute, "main"),
		},
	})
	if err != nil {
		d.dev.DestroyShaderModule(module)
		return nil, fmt.Errorf("halgpu: compute pipeline %q: %w", desc.Label, err)
	}
	return &pipeline{label: desc.Label, layout: pl, compute: raw, vertex: module}, nil
}

// CreateRenderPipeline compiles a graphics pipeline.
func (d *Device) CreateRenderPipeline(desc *backend.RenderPipelineDesc) (backend.Pipeline, error) {
	if desc == nil {
		return nil, fmt.Errorf("%w: nil render pipeline descriptor", backend.ErrInvalidDescriptor)
	}
	pl, err := asPipelineLayout(desc.Layout)
	if err != nil {
		return nil, err
	}
	vs, err := d.shaderModule(desc.Label+"_vs", desc.Vertex)
	if err != nil {
		return nil, err
	}
	fs, err := d.shaderModule(desc.Label+"_fs", desc.Fragment)
	if err != nil {
		d.dev.DestroyShaderModule(vs)
		return nil, err
	}

	buffers := make([]gputypes.VertexBufferLayout, 0, len(desc.VertexBuffers))
	for _, vb := range desc.VertexBuffers {
		attrs := make([]gputypes.VertexAttribute, 0, len(vb.Attributes))
		for _, a := range vb.Attributes {
			attrs = append(attrs, gputypes.VertexAttribute{
				Format:         a.Format,
				Offset:         a.Offset,
				ShaderLocation: a.Location,
			})
		}
		buffers = append(buffers, gputypes.VertexBufferLayout{
			ArrayStride: vb.Stride,
			StepMode:    gputypes.VertexStepModeVertex,
			Attributes:  attrs,
		})
	}

	premul := gputypes.BlendStatePremultiplied()
	targets := make([]gputypes.ColorTargetState, 0, len(desc.ColorFormats))
	for _, f := range desc.ColorFormats {
		t := gputypes.ColorTargetState{Format: f, WriteMask: gputypes.ColorWriteMaskAll}
		if desc.Blend {
			t.Blend = &premul
		}
		targets = append(targets, t)
	}

	var depth *hal.DepthStencilState
	if desc.DepthFormat != gputypes.TextureFormatUndefined {
		depth = &hal.DepthStencilState{
			Format:            desc.DepthFormat,
			DepthWriteEnabled: desc.DepthWrite,
			DepthCompare:      desc.DepthCompare,
		}
	}

	samples := desc.SampleCount
	if samples == 0 {
		samples = 1
	}
	raw, err := d.dev.CreateRenderPipeline(&hal.RenderPipelineDescriptor{
		Label:  desc.Label,
		Layout: pl.raw,
		Vertex: hal.VertexState{
			Module:     vs,
			EntryPoint: entryPoint(desc.Vertex, "vs_main"),
			Buffers:    buffers,
		},
		Fragment: &hal.FragmentState{
			Module:     fs,
			EntryPoint: entryPoint(desc.Fragment, "fs_main"),
			Targets:    targets,
		},
		DepthStencil: depth,
		Primitive: gputypes.PrimitiveState{
			Topology: desc.Topology,
			CullMode: desc.CullMode,
		},
		Multisample: gputypes.MultisampleState{
			Count: samples,
			Mask:  0xFFFFFFFF,
		},
	})
	if err != nil {
		d.dev.DestroyShaderModule(fs)
		d.dev.DestroyShaderModule(vs)
		return nil, fmt.Errorf("halgpu: render pipeline %q: %w", desc.Label, err)
	}
	return &pipeline{label: desc.Label, layout: pl, render: raw, vertex: vs, fragment: fs}, nil
}

// DestroyPipeline releases a pipeline and its shader modules.
func (d *Device) DestroyPipeline(p backend.Pipeline) {
	pp, ok := p.(*pipeline)
	if !ok {
		return
	}
	if pp.compute != nil {
		d.dev.DestroyComputePipeline(pp.compute)
	}
	if pp.render != nil {
		d.dev.DestroyRenderPipeline(pp.render)
	}
	if pp.vertex != nil {
		d.dev.DestroyShaderModule(pp.vertex)
	}
	if pp.fragment != nil {
		d.dev.DestroyShaderModule(pp.fragment)
	}
	*pp = pipeline{label: pp.label}
}

func addressMode(a backend.AddressMode) gputypes.AddressMode {
	switch a {
	case backend.AddressMirrorRepeat:
		return gputypes.AddressModeMirrorRepeat
	case backend.AddressClampToEdge:
		return gputypes.AddressModeClampToEdge
	default:
		return gputypes.AddressModeRepeat
	}
}

// CreateSampler creates a sampler.
func (d *Device) CreateSampler(desc *backend.SamplerDesc) (backend.Sampler, error) {
	if desc == nil {
		return nil, fmt.Errorf("%w: nil sampler descriptor", backend.ErrInvalidDescriptor)
	}
	hd := &hal.SamplerDescriptor{
		Label:        desc.Label,
		AddressModeU: addressMode(desc.AddressU),
		AddressModeV: addressMode(desc.AddressV),
		AddressModeW: addressMode(desc.AddressW),
		MagFilter:    gputypes.FilterModeNearest,
		MinFilter:    gputypes.FilterModeNearest,
		MipmapFilter: gputypes.FilterModeNearest,
	}
	if desc.MagFilter == backend.FilterLinear {
		hd.MagFilter = gputypes.FilterModeLinear
	}
	if desc.MinFilter == backend.FilterLinear {
		hd.MinFilter = gputypes.FilterModeLinear
	}
	if desc.MipFilter == backend.FilterLinear {
		hd.MipmapFilter = gputypes.FilterModeLinear
	}
	s, err := d.dev.CreateSampler(hd)
	if err != nil {
		return nil, fmt.Errorf("halgpu: sampler %q: %w", desc.Label, err)
	}
	return s, nil
}

// DestroySampler releases a sampler.
func (d *Device) DestroySampler(s backend.Sampler) {
	if hs, ok := s.(hal.Sampler); ok && hs != nil {
		d.dev.DestroySampler(hs)
	}
}
