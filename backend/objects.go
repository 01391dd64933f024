// Copyright 2026 The gogpu Authors
// SPDX-License-Identifier: BSD-3-Clause

package backend

import (
	"fmt"

	"github.com/gogpu/gputypes"
)

// ShaderStages is a set of shader stages.
type ShaderStages uint8

// Shader stages.
const (
	StageVertex ShaderStages = 1 << iota
	StageFragment
	StageCompute
)

// String returns the stage names joined by "|".
func (s ShaderStages) String() string {
	if s == 0 {
		return "None"
	}
	out := ""
	add := func(name string) {
		if out != "" {
			out += "|"
		}
		out += name
	}
	if s&StageVertex != 0 {
		add("Vertex")
	}
	if s&StageFragment != 0 {
		add("Fragment")
	}
	if s&StageCompute != 0 {
		add("Compute")
	}
	return out
}

// ShaderCode is the bytecode of one shader stage. Backends accept either
// SPIR-V words or WGSL source; the soft backend resolves EntryPoint against
// its kernel registry and ignores the code.
type ShaderCode struct {
	Stage      ShaderStages
	EntryPoint string
	SPIRV      []uint32
	WGSL       string
}

// BindingType is the kind of resource bound to a slot.
type BindingType uint8

// Binding types.
const (
	BindingUniformBuffer BindingType = iota
	BindingStorageBuffer
	BindingReadOnlyStorageBuffer
	BindingSampledTexture
	BindingStorageImage
	BindingSampler
	BindingAccelerationStructure
)

// String returns the binding type name.
func (t BindingType) String() string {
	switch t {
	case BindingUniformBuffer:
		return "UniformBuffer"
	case BindingStorageBuffer:
		return "StorageBuffer"
	case BindingReadOnlyStorageBuffer:
		return "ReadOnlyStorageBuffer"
	case BindingSampledTexture:
		return "SampledTexture"
	case BindingStorageImage:
		return "StorageImage"
	case BindingSampler:
		return "Sampler"
	case BindingAccelerationStructure:
		return "AccelerationStructure"
	default:
		return fmt.Sprintf("BindingType(%d)", uint8(t))
	}
}

// IsBuffer reports whether the binding type consumes a buffer range.
func (t BindingType) IsBuffer() bool {
	return t == BindingUniformBuffer || t == BindingStorageBuffer || t == BindingReadOnlyStorageBuffer
}

// BindLayoutEntry describes one slot of a bind layout.
type BindLayoutEntry struct {
	Binding    uint32
	Type       BindingType
	Count      uint32
	Visibility ShaderStages
}

// BindLayoutDesc describes a descriptor-set layout.
type BindLayoutDesc struct {
	Label   string
	Entries []BindLayoutEntry
}

// PipelineLayoutDesc describes a pipeline layout.
type PipelineLayoutDesc struct {
	Label            string
	BindLayouts      []BindLayout
	PushConstantSize uint32
}

// ComputePipelineDesc describes a compute pipeline.
type ComputePipelineDesc struct {
	Label   string
	Layout  PipelineLayout
	Compute ShaderCode
}

// VertexAttribute describes one vertex attribute.
type VertexAttribute struct {
	Location uint32
	Offset   uint64
	Format   gputypes.VertexFormat
}

// VertexBufferLayout describes one vertex buffer binding.
type VertexBufferLayout struct {
	Stride     uint64
	Attributes []VertexAttribute
}

// RenderPipelineDesc describes a graphics pipeline.
type RenderPipelineDesc struct {
	Label         string
	Layout        PipelineLayout
	Vertex        ShaderCode
	Fragment      ShaderCode
	VertexBuffers []VertexBufferLayout
	Topology      gputypes.PrimitiveTopology
	CullMode      gputypes.CullMode
	ColorFormats  []gputypes.TextureFormat
	DepthFormat   gputypes.TextureFormat
	DepthWrite    bool
	DepthCompare  gputypes.CompareFunction
	SampleCount   uint32
	Blend         bool
}

// Filter selects texel filtering.
type Filter uint8

// Filters.
const (
	FilterNearest Filter = iota
	FilterLinear
)

// AddressMode selects texture coordinate wrapping.
type AddressMode uint8

// Address modes.
const (
	AddressRepeat AddressMode = iota
	AddressMirrorRepeat
	AddressClampToEdge
)

// SamplerDesc describes a sampler.
type SamplerDesc struct {
	Label         string
	MinFilter     Filter
	MagFilter     Filter
	MipFilter     Filter
	AddressU      AddressMode
	AddressV      AddressMode
	AddressW      AddressMode
	CompareEnable bool
	Compare       gputypes.CompareFunction
	MaxAnisotropy uint16
	LodMinClamp   float32
	LodMaxClamp   float32
}
