// Copyright 2026 The gogpu Authors
// SPDX-License-Identifier: BSD-3-Clause

package cache

import (
	"errors"
	"fmt"
	"sort"

	"github.com/gogpu/gputypes"
	"github.com/google/uuid"

	"github.com/gogpu/rhi/backend"
)

// Key limits. Keys are fixed-size so they stay comparable.
const (
	MaxBindings         = 16
	MaxBindSets         = 4
	MaxColorTargets     = 4
	MaxVertexBuffers    = 4
	MaxVertexAttributes = 8

	// DefaultLodMaxClamp is the LOD clamp of samplers that leave it zero.
	DefaultLodMaxClamp = 1000
)

// ErrKeyTooLarge is returned when a descriptor exceeds the key limits.
var ErrKeyTooLarge = errors.New("cache: descriptor exceeds key limits")

// ShaderID identifies compiled shader code by content.
type ShaderID = uuid.UUID

// BindLayoutKey identifies a bind layout.
type BindLayoutKey struct {
	Entries [MaxBindings]backend.BindLayoutEntry
	Len     int
}

// NewBindLayoutKey builds a key from layout entries.
func NewBindLayoutKey(entries []backend.BindLayoutEntry) (BindLayoutKey, error) {
	var k BindLayoutKey
	if len(entries) > MaxBindings {
		return k, fmt.Errorf("%w: %d bindings", ErrKeyTooLarge, len(entries))
	}
	k.Len = copy(k.Entries[:], entries)
	return k, nil
}

// Normalize sorts entries by binding and defaults Count to 1.
func (k BindLayoutKey) Normalize() BindLayoutKey {
	s := k.Entries[:k.Len]
	for i := range s {
		if s[i].Count == 0 {
			s[i].Count = 1
		}
	}
	sort.Slice(s, func(i, j int) bool { return s[i].Binding < s[j].Binding })
	return k
}

// Desc returns the backend descriptor.
func (k BindLayoutKey) Desc(label string) *backend.BindLayoutDesc {
	return &backend.BindLayoutDesc{Label: label, Entries: append([]backend.BindLayoutEntry(nil), k.Entries[:k.Len]...)}
}

// PipelineLayoutKey identifies a pipeline layout by its bind layouts.
type PipelineLayoutKey struct {
	Sets             [MaxBindSets]BindLayoutKey
	Len              int
	PushConstantSize uint32
}

// NewPipelineLayoutKey builds a key from bind layout keys.
func NewPipelineLayoutKey(pushConstantSize uint32, sets ...BindLayoutKey) (PipelineLayoutKey, error) {
	var k PipelineLayoutKey
	if len(sets) > MaxBindSets {
		return k, fmt.Errorf("%w: %d bind sets", ErrKeyTooLarge, len(sets))
	}
	k.Len = copy(k.Sets[:], sets)
	k.PushConstantSize = pushConstantSize
	return k, nil
}

// Normalize normalizes every set and rounds push constants to 4 bytes.
func (k PipelineLayoutKey) Normalize() PipelineLayoutKey {
	for i := 0; i < k.Len; i++ {
		k.Sets[i] = k.Sets[i].Normalize()
	}
	k.PushConstantSize = (k.PushConstantSize + 3) &^ 3
	return k
}

// ComputePipelineKey identifies a compute pipeline.
type ComputePipelineKey struct {
	Layout PipelineLayoutKey
	Shader ShaderID
}

// Normalize normalizes the layout.
func (k ComputePipelineKey) Normalize() ComputePipelineKey {
	k.Layout = k.Layout.Normalize()
	return k
}

// VertexBufferKey describes one vertex buffer binding.
type VertexBufferKey struct {
	Stride     uint64
	Attributes [MaxVertexAttributes]backend.VertexAttribute
	Len        int
}

// RenderPipelineKey identifies a graphics pipeline.
type RenderPipelineKey struct {
	Layout   PipelineLayoutKey
	Vertex   ShaderID
	Fragment ShaderID

	VertexBuffers [MaxVertexBuffers]VertexBufferKey
	NumBuffers    int

	Topology     gputypes.PrimitiveTopology
	CullMode     gputypes.CullMode
	ColorFormats [MaxColorTargets]gputypes.TextureFormat
	NumColors    int
	DepthFormat  gputypes.TextureFormat
	DepthWrite   bool
	DepthCompare gputypes.CompareFunction
	SampleCount  uint32
	Blend        bool
}

// NewRenderPipelineKey builds a key from a descriptor. Shader code is
// identified by the given IDs; desc's shader fields and layout are
// ignored.
func NewRenderPipelineKey(layout PipelineLayoutKey, vertex, fragment ShaderID, desc *backend.RenderPipelineDesc) (RenderPipelineKey, error) {
	k := RenderPipelineKey{
		Layout:       layout,
		Vertex:       vertex,
		Fragment:     fragment,
		Topology:     desc.Topology,
		CullMode:     desc.CullMode,
		DepthFormat:  desc.DepthFormat,
		DepthWrite:   desc.DepthWrite,
		DepthCompare: desc.DepthCompare,
		SampleCount:  desc.SampleCount,
		Blend:        desc.Blend,
	}
	if len(desc.ColorFormats) > MaxColorTargets || len(desc.VertexBuffers) > MaxVertexBuffers {
		return k, fmt.Errorf("%w: %d color targets, %d vertex buffers",
			ErrKeyTooLarge, len(desc.ColorFormats), len(desc.VertexBuffers))
	}
	k.NumColors = copy(k.ColorFormats[:], desc.ColorFormats)
	for i, vb := range desc.VertexBuffers {
		if len(vb.Attributes) > MaxVertexAttributes {
			return k, fmt.Errorf("%w: %d vertex attributes", ErrKeyTooLarge, len(vb.Attributes))
		}
		k.VertexBuffers[i].Stride = vb.Stride
		k.VertexBuffers[i].Len = copy(k.VertexBuffers[i].Attributes[:], vb.Attributes)
	}
	k.NumBuffers = len(desc.VertexBuffers)
	return k, nil
}

// Normalize defaults the sample count, orders attributes by location and
// drops depth state when there is no depth target.
func (k RenderPipelineKey) Normalize() RenderPipelineKey {
	k.Layout = k.Layout.Normalize()
	if k.SampleCount == 0 {
		k.SampleCount = 1
	}
	for i := 0; i < k.NumBuffers; i++ {
		attrs := k.VertexBuffers[i].Attributes[:k.VertexBuffers[i].Len]
		sort.Slice(attrs, func(a, b int) bool { return attrs[a].Location < attrs[b].Location })
	}
	if k.DepthFormat == gputypes.TextureFormatUndefined {
		k.DepthWrite = false
		k.DepthCompare = 0
	}
	return k
}

// desc fills the fixed-function part of a render pipeline descriptor.
func (k RenderPipelineKey) desc(label string) *backend.RenderPipelineDesc {
	d := &backend.RenderPipelineDesc{
		Label:        label,
		Topology:     k.Topology,
		CullMode:     k.CullMode,
		ColorFormats: append([]gputypes.TextureFormat(nil), k.ColorFormats[:k.NumColors]...),
		DepthFormat:  k.DepthFormat,
		DepthWrite:   k.DepthWrite,
		DepthCompare: k.DepthCompare,
		SampleCount:  k.SampleCount,
		Blend:        k.Blend,
	}
	for i := 0; i < k.NumBuffers; i++ {
		vb := k.VertexBuffers[i]
		d.VertexBuffers = append(d.VertexBuffers, backend.VertexBufferLayout{
			Stride:     vb.Stride,
			Attributes: append([]backend.VertexAttribute(nil), vb.Attributes[:vb.Len]...),
		})
	}
	return d
}

// SamplerKey identifies a sampler.
type SamplerKey struct {
	MinFilter     backend.Filter
	MagFilter     backend.Filter
	MipFilter     backend.Filter
	AddressU      backend.AddressMode
	AddressV      backend.AddressMode
	AddressW      backend.AddressMode
	CompareEnable bool
	Compare       gputypes.CompareFunction
	MaxAnisotropy uint16
	LodMinClamp   float32
	LodMaxClamp   float32
}

// NewSamplerKey builds a key from a sampler descriptor.
func NewSamplerKey(d *backend.SamplerDesc) SamplerKey {
	return SamplerKey{
		MinFilter:     d.MinFilter,
		MagFilter:     d.MagFilter,
		MipFilter:     d.MipFilter,
		AddressU:      d.AddressU,
		AddressV:      d.AddressV,
		AddressW:      d.AddressW,
		CompareEnable: d.CompareEnable,
		Compare:       d.Compare,
		MaxAnisotropy: d.MaxAnisotropy,
		LodMinClamp:   d.LodMinClamp,
		LodMaxClamp:   d.LodMaxClamp,
	}
}

// Normalize applies sampler defaults.
func (k SamplerKey) Normalize() SamplerKey {
	if k.MaxAnisotropy == 0 {
		k.MaxAnisotropy = 1
	}
	if k.LodMaxClamp == 0 {
		k.LodMaxClamp = DefaultLodMaxClamp
	}
	if !k.CompareEnable {
		k.Compare = 0
	}
	return k
}

// Desc returns the backend descriptor.
func (k SamplerKey) Desc(label string) *backend.SamplerDesc {
	return &backend.SamplerDesc{
		Label:         label,
		MinFilter:     k.MinFilter,
		MagFilter:     k.MagFilter,
		MipFilter:     k.MipFilter,
		AddressU:      k.AddressU,
		AddressV:      k.AddressV,
		AddressW:      k.AddressW,
		CompareEnable: k.CompareEnable,
		Compare:       k.Compare,
		MaxAnisotropy: k.MaxAnisotropy,
		LodMinClamp:   k.LodMinClamp,
		LodMaxClamp:   k.LodMaxClamp,
	}
}
