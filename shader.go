// Copyright 2026 The gogpu Authors
// SPDX-License-Identifier: BSD-3-Clause

package rhi

import (
	"fmt"
	"slices"
	"strings"

	"github.com/gogpu/rhi/backend"
	"github.com/gogpu/rhi/binding"
	"github.com/gogpu/rhi/cache"
	"github.com/gogpu/rhi/queue"
)

// ShaderSource is one stage of a variant, as WGSL or SPIR-V words. An
// empty source with an entry point names a backend built-in (soft kernels).
type ShaderSource struct {
	EntryPoint string
	WGSL       string
	SPIRV      []uint32
}

func (s ShaderSource) empty() bool {
	return s.EntryPoint == "" && s.WGSL == "" && len(s.SPIRV) == 0
}

// ShaderVariant is one compiled permutation of a shader, selected by the
// keywords enabled in the binding table.
type ShaderVariant struct {
	Keywords  []string
	Compute   ShaderSource
	Vertex    ShaderSource
	Fragment  ShaderSource
	Slots     []binding.Slot
	Constants []binding.Constant
	PushSize  uint32
	// Budget caps the number of bound slots; zero uses the table default.
	Budget int
}

// ShaderBlob is a shader as produced by an asset pipeline.
type ShaderBlob struct {
	Name     string
	Variants []ShaderVariant
}

type shaderVariant struct {
	keywords []string

	compute          cache.ShaderID
	vertex, fragment cache.ShaderID
	isCompute        bool

	layoutKey cache.PipelineLayoutKey
	layout    binding.Layout
}

// Shader is a set of variants registered with the shader cache.
type Shader struct {
	name     string
	variants []shaderVariant
}

// Name returns the shader name.
func (s *Shader) Name() string { return s.name }

// Variants returns the number of variants.
func (s *Shader) Variants() int { return len(s.variants) }

// CreateShader compiles every variant of blob through the shader cache.
// A variant has either a compute stage or vertex and fragment stages.
func (d *Driver) CreateShader(blob ShaderBlob) (*Shader, error) {
	d.checkOpen()
	if len(blob.Variants) == 0 {
		return nil, fmt.Errorf("%w: shader %q has no variants", ErrInvalidDescriptor, blob.Name)
	}
	sh := &Shader{name: blob.Name, variants: make([]shaderVariant, 0, len(blob.Variants))}
	for i, v := range blob.Variants {
		sv, err := d.compileVariant(v)
		if err != nil {
			return nil, fmt.Errorf("rhi: shader %q variant %d: %w", blob.Name, i, err)
		}
		sh.variants = append(sh.variants, sv)
	}
	return sh, nil
}

func (d *Driver) addStage(stage backend.ShaderStages, src ShaderSource) (cache.ShaderID, error) {
	if len(src.SPIRV) > 0 {
		return d.caches.Shaders.AddSPIRV(stage, src.EntryPoint, src.SPIRV), nil
	}
	return d.caches.Shaders.AddWGSL(stage, src.EntryPoint, src.WGSL)
}

func (d *Driver) compileVariant(v ShaderVariant) (shaderVariant, error) {
	sv := shaderVariant{keywords: slices.Clone(v.Keywords)}
	slices.Sort(sv.keywords)
	sv.keywords = slices.Compact(sv.keywords)

	var visibility backend.ShaderStages
	var err error
	switch {
	case !v.Compute.empty():
		if !v.Vertex.empty() || !v.Fragment.empty() {
			return sv, fmt.Errorf("%w: compute and render stages in one variant", ErrInvalidDescriptor)
		}
		sv.isCompute = true
		visibility = backend.StageCompute
		if sv.compute, err = d.addStage(backend.StageCompute, v.Compute); err != nil {
			return sv, err
		}
	case !v.Vertex.empty() && !v.Fragment.empty():
		visibility = backend.StageVertex | backend.StageFragment
		if sv.vertex, err = d.addStage(backend.StageVertex, v.Vertex); err != nil {
			return sv, err
		}
		if sv.fragment, err = d.addStage(backend.StageFragment, v.Fragment); err != nil {
			return sv, err
		}
	default:
		return sv, fmt.Errorf("%w: variant needs a compute stage or vertex and fragment stages", ErrInvalidDescriptor)
	}

	entries := make([]backend.BindLayoutEntry, len(v.Slots))
	for i, s := range v.Slots {
		entries[i] = backend.BindLayoutEntry{Binding: s.Binding, Type: s.Type, Count: 1, Visibility: visibility}
	}
	bl, err := cache.NewBindLayoutKey(entries)
	if err != nil {
		return sv, err
	}
	if sv.layoutKey, err = cache.NewPipelineLayoutKey(v.PushSize, bl); err != nil {
		return sv, err
	}
	sv.layout = binding.Layout{
		Slots:     slices.Clone(v.Slots),
		Constants: slices.Clone(v.Constants),
		PushSize:  v.PushSize,
		Budget:    v.Budget,
	}
	return sv, nil
}

// selectVariant picks the variant requiring the most keywords among those
// whose keywords are all enabled. Ties go to the first declared.
func (s *Shader) selectVariant(enabled []string) (*shaderVariant, error) {
	var best *shaderVariant
	for i := range s.variants {
		v := &s.variants[i]
		ok := true
		for _, k := range v.keywords {
			if _, found := slices.BinarySearch(enabled, k); !found {
				ok = false
				break
			}
		}
		if ok && (best == nil || len(v.keywords) > len(best.keywords)) {
			best = v
		}
	}
	if best == nil {
		return nil, fmt.Errorf("%w: %q with [%s]", ErrNoVariant, s.name, strings.Join(enabled, " "))
	}
	return best, nil
}

// Dispatch records a compute dispatch of the variant of sh selected by the
// binding table's keywords, bound from the table.
func (d *Driver) Dispatch(q queue.Kind, sh *Shader, x, y, z uint32) error {
	d.checkOpen()
	v, err := sh.selectVariant(d.bindings.Keywords())
	if err != nil {
		return err
	}
	if !v.isCompute {
		return fmt.Errorf("%w: dispatch of render shader %q", ErrShaderStage, sh.name)
	}
	pipe, err := d.caches.ComputePipeline(cache.ComputePipelineKey{Layout: v.layoutKey, Shader: v.compute})
	if err != nil {
		return fmt.Errorf("rhi: pipeline for %q: %w", sh.name, err)
	}
	res, err := d.bindings.Resolve(v.layout)
	if err != nil {
		return fmt.Errorf("rhi: bindings for %q: %w", sh.name, err)
	}
	cb := d.queues.CommandBuffer(q)
	cb.Use(pipe)
	for _, t := range res.Trackers {
		cb.Use(t)
	}
	cb.Dispatch(pipe.Value, res.Bindings, res.Push, x, y, z)
	return nil
}

// RenderPipeline returns the cached render pipeline for the variant of sh
// selected by the binding table's keywords and the fixed-function state
// in desc. Layout and shader fields of desc are ignored.
func (d *Driver) RenderPipeline(sh *Shader, desc *backend.RenderPipelineDesc) (*cache.Entry[backend.Pipeline], error) {
	d.checkOpen()
	v, err := sh.selectVariant(d.bindings.Keywords())
	if err != nil {
		return nil, err
	}
	if v.isCompute {
		return nil, fmt.Errorf("%w: render pipeline from compute shader %q", ErrShaderStage, sh.name)
	}
	key, err := cache.NewRenderPipelineKey(v.layoutKey, v.vertex, v.fragment, desc)
	if err != nil {
		return nil, err
	}
	return d.caches.RenderPipeline(key)
}

// Sampler returns the cached sampler for desc, for Table.SetSampler.
func (d *Driver) Sampler(desc backend.SamplerDesc) (*cache.Entry[backend.Sampler], error) {
	d.checkOpen()
	return d.caches.Sampler(&desc)
}
