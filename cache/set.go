// Copyright 2026 The gogpu Authors
// SPDX-License-Identifier: BSD-3-Clause

package cache

import (
	"errors"
	"fmt"

	"github.com/gogpu/rhi/backend"
)

// ErrUnknownShader is returned for pipeline keys naming uncached shaders.
var ErrUnknownShader = errors.New("cache: unknown shader")

// SetStats collects the statistics of every table in a Set.
type SetStats struct {
	Shaders          Stats
	BindLayouts      Stats
	PipelineLayouts  Stats
	ComputePipelines Stats
	RenderPipelines  Stats
	Samplers         Stats
}

// String returns a human-readable summary.
func (s SetStats) String() string {
	return fmt.Sprintf("Caches[shaders %d, bind layouts %d, pipeline layouts %d, compute %d, render %d, samplers %d]",
		s.Shaders.Len, s.BindLayouts.Len, s.PipelineLayouts.Len,
		s.ComputePipelines.Len, s.RenderPipelines.Len, s.Samplers.Len)
}

// Set bundles the caches of one device.
type Set struct {
	dev backend.Device
	now uint64

	Shaders          *Shaders
	BindLayouts      *Table[BindLayoutKey, backend.BindLayout]
	PipelineLayouts  *Table[PipelineLayoutKey, backend.PipelineLayout]
	ComputePipelines *Table[ComputePipelineKey, backend.Pipeline]
	RenderPipelines  *Table[RenderPipelineKey, backend.Pipeline]
	Samplers         *Table[SamplerKey, backend.Sampler]
}

// NewSet returns empty caches creating objects on dev. A nil compile uses
// CompileWGSL.
func NewSet(dev backend.Device, compile Compiler) *Set {
	s := &Set{dev: dev, Shaders: NewShaders(dev.Caps().DeviceID, compile)}

	s.BindLayouts = NewTable("bind layouts",
		func(k BindLayoutKey) (backend.BindLayout, error) {
			return dev.CreateBindLayout(k.Desc("cached"))
		}, dev.DestroyBindLayout)

	s.PipelineLayouts = NewTable("pipeline layouts",
		func(k PipelineLayoutKey) (backend.PipelineLayout, error) {
			sets := make([]backend.BindLayout, k.Len)
			for i := range sets {
				e, err := s.BindLayouts.GetOrCreate(k.Sets[i])
				if err != nil {
					return nil, err
				}
				sets[i] = e.Value
			}
			return dev.CreatePipelineLayout(&backend.PipelineLayoutDesc{
				Label:            "cached",
				BindLayouts:      sets,
				PushConstantSize: k.PushConstantSize,
			})
		}, dev.DestroyPipelineLayout)

	s.ComputePipelines = NewTable("compute pipelines",
		func(k ComputePipelineKey) (backend.Pipeline, error) {
			code, ok := s.Shaders.Code(k.Shader)
			if !ok {
				return nil, fmt.Errorf("%w: %s", ErrUnknownShader, k.Shader)
			}
			layout, err := s.PipelineLayouts.GetOrCreate(k.Layout)
			if err != nil {
				return nil, err
			}
			return dev.CreateComputePipeline(&backend.ComputePipelineDesc{
				Label:   code.EntryPoint,
				Layout:  layout.Value,
				Compute: code,
			})
		}, dev.DestroyPipeline)

	s.RenderPipelines = NewTable("render pipelines",
		func(k RenderPipelineKey) (backend.Pipeline, error) {
			vs, ok := s.Shaders.Code(k.Vertex)
			if !ok {
				return nil, fmt.Errorf("%w: vertex %s", ErrUnknownShader, k.Vertex)
			}
			fs, ok := s.Shaders.Code(k.Fragment)
			if !ok {
				return nil, fmt.Errorf("%w: fragment %s", ErrUnknownShader, k.Fragment)
			}
			layout, err := s.PipelineLayouts.GetOrCreate(k.Layout)
			if err != nil {
				return nil, err
			}
			d := k.desc(vs.EntryPoint)
			d.Layout = layout.Value
			d.Vertex, d.Fragment = vs, fs
			return dev.CreateRenderPipeline(d)
		}, dev.DestroyPipeline)

	s.Samplers = NewTable("samplers",
		func(k SamplerKey) (backend.Sampler, error) {
			return dev.CreateSampler(k.Desc("cached"))
		}, dev.DestroySampler)
	return s
}

// BeginFrame stamps entries used from now on with tick.
func (s *Set) BeginFrame(tick uint64) {
	s.now = tick
	s.BindLayouts.SetTick(tick)
	s.PipelineLayouts.SetTick(tick)
	s.ComputePipelines.SetTick(tick)
	s.RenderPipelines.SetTick(tick)
	s.Samplers.SetTick(tick)
}

// PipelineLayout returns the layout entry for k. Marking it used marks its
// bind layouts too.
func (s *Set) PipelineLayout(k PipelineLayoutKey) (*Entry[backend.PipelineLayout], error) {
	k = k.Normalize()
	deps := make([]user, k.Len)
	for i := range deps {
		e, err := s.BindLayouts.GetOrCreate(k.Sets[i])
		if err != nil {
			return nil, err
		}
		deps[i] = e
	}
	e, err := s.PipelineLayouts.GetOrCreate(k)
	if err != nil {
		return nil, err
	}
	e.dependOn(deps...)
	return e, nil
}

// ComputePipeline returns the pipeline entry for k. Marking it used marks
// its layout too.
func (s *Set) ComputePipeline(k ComputePipelineKey) (*Entry[backend.Pipeline], error) {
	layout, err := s.PipelineLayout(k.Layout)
	if err != nil {
		return nil, err
	}
	e, err := s.ComputePipelines.GetOrCreate(k)
	if err != nil {
		return nil, err
	}
	e.dependOn(layout)
	return e, nil
}

// RenderPipeline returns the pipeline entry for k. Marking it used marks
// its layout too.
func (s *Set) RenderPipeline(k RenderPipelineKey) (*Entry[backend.Pipeline], error) {
	layout, err := s.PipelineLayout(k.Layout)
	if err != nil {
		return nil, err
	}
	e, err := s.RenderPipelines.GetOrCreate(k)
	if err != nil {
		return nil, err
	}
	e.dependOn(layout)
	return e, nil
}

// Sampler returns the sampler entry for desc.
func (s *Set) Sampler(desc *backend.SamplerDesc) (*Entry[backend.Sampler], error) {
	return s.Samplers.GetOrCreate(NewSamplerKey(desc))
}

// Prune evicts idle entries unused for more than horizon ticks. Pipelines
// go before the layouts they were built from.
func (s *Set) Prune(horizon uint64) int {
	if s.now < horizon {
		return 0
	}
	before := s.now - horizon
	return s.ComputePipelines.Prune(before) +
		s.RenderPipelines.Prune(before) +
		s.PipelineLayouts.Prune(before) +
		s.BindLayouts.Prune(before) +
		s.Samplers.Prune(before)
}

// Clear destroys every cached object. Outstanding work must have
// completed.
func (s *Set) Clear() {
	s.ComputePipelines.Clear()
	s.RenderPipelines.Clear()
	s.PipelineLayouts.Clear()
	s.BindLayouts.Clear()
	s.Samplers.Clear()
}

// Stats returns the statistics of every table.
func (s *Set) Stats() SetStats {
	return SetStats{
		Shaders:          s.Shaders.Stats(),
		BindLayouts:      s.BindLayouts.Stats(),
		PipelineLayouts:  s.PipelineLayouts.Stats(),
		ComputePipelines: s.ComputePipelines.Stats(),
		RenderPipelines:  s.RenderPipelines.Stats(),
		Samplers:         s.Samplers.Stats(),
	}
}
