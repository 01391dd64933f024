// Copyright 2026 The gogpu Authors
// SPDX-License-Identifier: BSD-3-Clause

package halgpu

import (
	"encoding/binary"
	"fmt"

	"github.com/gogpu/gputypes"
	"github.com/gogpu/wgpu/hal"

	"github.com/gogpu/rhi/backend"
)

// encodeState collects per-submission objects released at retirement.
type encodeState struct {
	d          *Device
	enc        hal.CommandEncoder
	bindGroups []hal.BindGroup
	temps      []hal.Buffer
}

func (s *encodeState) release() {
	for _, bg := range s.bindGroups {
		s.d.dev.DestroyBindGroup(bg)
	}
	for _, b := range s.temps {
		s.d.dev.DestroyBuffer(b)
	}
}

// Submit encodes sub into one HAL command buffer and submits it with the
// logical queue's fence.
func (d *Device) Submit(sub *backend.Submission) error {
	if int(sub.Queue) >= backend.QueueCount {
		return fmt.Errorf("%w: queue %v", backend.ErrInvalidDescriptor, sub.Queue)
	}
	if len(sub.SparseBinds) > 0 {
		return fmt.Errorf("%w: sparse binding", backend.ErrUnsupported)
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	if sub.Signal <= d.submitted[sub.Queue] {
		return fmt.Errorf("%w: signal %d not after %d on %v",
			backend.ErrInvalidDescriptor, sub.Signal, d.submitted[sub.Queue], sub.Queue)
	}
	for _, w := range sub.Waits {
		if int(w.Queue) < backend.QueueCount && w.Value > d.submitted[w.Queue] {
			// One in-order HAL queue cannot wait for work not yet submitted.
			return fmt.Errorf("%w: wait on %v=%d before it is submitted",
				backend.ErrInvalidDescriptor, w.Queue, w.Value)
		}
	}

	enc, err := d.dev.CreateCommandEncoder(&hal.CommandEncoderDescriptor{Label: sub.Label})
	if err != nil {
		return fmt.Errorf("halgpu: create encoder: %w", err)
	}
	if err := enc.BeginEncoding(sub.Label); err != nil {
		return fmt.Errorf("halgpu: begin encoding: %w", err)
	}
	st := &encodeState{d: d, enc: enc}
	for i, cmd := range sub.Commands {
		if err := st.encode(cmd); err != nil {
			enc.DiscardEncoding()
			st.release()
			return fmt.Errorf("halgpu: command %d (%T): %w", i, cmd, err)
		}
	}
	cb, err := enc.EndEncoding()
	if err != nil {
		st.release()
		return fmt.Errorf("halgpu: end encoding: %w", err)
	}
	if err := d.queue.Submit([]hal.CommandBuffer{cb}, d.fences[sub.Queue], sub.Signal); err != nil {
		d.dev.FreeCommandBuffer(cb)
		st.release()
		return fmt.Errorf("%w: submit: %w", backend.ErrDeviceLost, err)
	}
	d.submitted[sub.Queue] = sub.Signal
	d.pending = append(d.pending, retired{
		queue: sub.Queue,
		value: sub.Signal,
		fn: func() {
			d.dev.FreeCommandBuffer(cb)
			st.release()
		},
	})
	return nil
}

func (s *encodeState) encode(cmd backend.Command) error {
	switch c := cmd.(type) {
	case backend.CopyBuffer:
		src, dst, err := bufferPair(c.Src, c.Dst)
		if err != nil {
			return err
		}
		if !src.inRange(c.SrcOffset, c.Size) || !dst.inRange(c.DstOffset, c.Size) {
			return fmt.Errorf("%w: copy of %d bytes out of range", backend.ErrInvalidDescriptor, c.Size)
		}
		s.enc.CopyBufferToBuffer(src.raw, dst.raw, []hal.BufferCopy{{
			SrcOffset: c.SrcOffset, DstOffset: c.DstOffset, Size: c.Size,
		}})
	case backend.FillBuffer:
		return s.fill(c)
	case backend.CopyBufferToImage:
		src, ok := c.Src.(*buffer)
		img, iok := c.Dst.(*image)
		if !ok || !iok {
			return fmt.Errorf("%w: foreign resource", backend.ErrInvalidDescriptor)
		}
		s.enc.CopyBufferToTexture(src.raw, img.raw, []hal.BufferTextureCopy{imageRegion(img, c.SrcOffset)})
	case backend.CopyImageToBuffer:
		img, iok := c.Src.(*image)
		dst, ok := c.Dst.(*buffer)
		if !ok || !iok {
			return fmt.Errorf("%w: foreign resource", backend.ErrInvalidDescriptor)
		}
		s.enc.CopyTextureToBuffer(img.raw, dst.raw, []hal.BufferTextureCopy{imageRegion(img, c.DstOffset)})
	case backend.Dispatch:
		return s.dispatch(c)
	case backend.Barrier:
		s.barrier(c)
	default:
		return fmt.Errorf("%w: command %T", backend.ErrUnsupported, cmd)
	}
	return nil
}

func bufferPair(a, b backend.Buffer) (*buffer, *buffer, error) {
	x, ok := a.(*buffer)
	y, ok2 := b.(*buffer)
	if !ok || !ok2 || x.raw == nil || y.raw == nil {
		return nil, nil, fmt.Errorf("%w: buffer destroyed or foreign", backend.ErrInvalidDescriptor)
	}
	return x, y, nil
}

func imageRegion(img *image, offset uint64) hal.BufferTextureCopy {
	return hal.BufferTextureCopy{
		BufferLayout: hal.ImageDataLayout{Offset: offset, BytesPerRow: img.rowPitch(), RowsPerImage: img.desc.Height},
		TextureBase:  hal.ImageCopyTexture{Texture: img.raw, MipLevel: 0},
		Size:         hal.Extent3D{Width: img.desc.Width, Height: img.desc.Height, DepthOrArrayLayers: img.desc.Depth},
	}
}

// fill stages the pattern in a temporary buffer and copies it in order
// with the rest of the submission.
func (s *encodeState) fill(c backend.FillBuffer) error {
	dst, ok := c.Dst.(*buffer)
	if !ok || dst.raw == nil {
		return fmt.Errorf("%w: buffer destroyed or foreign", backend.ErrInvalidDescriptor)
	}
	if c.Size == 0 || c.Offset%4 != 0 || c.Size%4 != 0 || !dst.inRange(c.Offset, c.Size) {
		return fmt.Errorf("%w: fill range [%d,+%d)", backend.ErrInvalidDescriptor, c.Offset, c.Size)
	}
	tmp, err := s.d.dev.CreateBuffer(&hal.BufferDescriptor{
		Label: "fill_staging",
		Size:  c.Size,
		Usage: gputypes.BufferUsageCopySrc | gputypes.BufferUsageCopyDst,
	})
	if err != nil {
		return fmt.Errorf("%w: fill staging: %w", backend.ErrOutOfMemory, err)
	}
	s.temps = append(s.temps, tmp)
	pattern := make([]byte, c.Size)
	for i := uint64(0); i < c.Size; i += 4 {
		binary.LittleEndian.PutUint32(pattern[i:], c.Value)
	}
	s.d.queue.WriteBuffer(tmp, 0, pattern)
	s.enc.CopyBufferToBuffer(tmp, dst.raw, []hal.BufferCopy{{DstOffset: c.Offset, Size: c.Size}})
	return nil
}

func (s *encodeState) dispatch(c backend.Dispatch) error {
	p, ok := c.Pipeline.(*pipeline)
	if !ok || p.compute == nil {
		return fmt.Errorf("%w: dispatch without compute pipeline", backend.ErrInvalidDescriptor)
	}
	if len(c.PushConstants) > 0 {
		return fmt.Errorf("%w: push constants", backend.ErrUnsupported)
	}
	var bg hal.BindGroup
	if len(c.Bindings) > 0 {
		if len(p.layout.bindLayouts) == 0 {
			return fmt.Errorf("%w: pipeline %q has no bind layout", backend.ErrInvalidDescriptor, p.label)
		}
		entries := make([]gputypes.BindGroupEntry, 0, len(c.Bindings))
		for _, rb := range c.Bindings {
			if !rb.Type.IsBuffer() {
				return fmt.Errorf("%w: %v bindings in compute dispatch", backend.ErrUnsupported, rb.Type)
			}
			buf, ok := rb.Buffer.(*buffer)
			if !ok || buf.raw == nil {
				return fmt.Errorf("%w: binding %d buffer", backend.ErrInvalidDescriptor, rb.Binding)
			}
			entries = append(entries, gputypes.BindGroupEntry{
				Binding: rb.Binding,
				Resource: gputypes.BufferBinding{
					Buffer: buf.raw.NativeHandle(),
					Offset: rb.Offset,
					Size:   rb.Size,
				},
			})
		}
		var err error
		bg, err = s.d.dev.CreateBindGroup(&hal.BindGroupDescriptor{
			Label:   p.label,
			Layout:  p.layout.bindLayouts[0].raw,
			Entries: entries,
		})
		if err != nil {
			return fmt.Errorf("create bind group: %w", err)
		}
		s.bindGroups = append(s.bindGroups, bg)
	}
	pass := s.enc.BeginComputePass(&hal.ComputePassDescriptor{Label: p.label})
	pass.SetPipeline(p.compute)
	if bg != nil {
		pass.SetBindGroup(0, bg, nil)
	}
	pass.Dispatch(c.GroupsX, c.GroupsY, c.GroupsZ)
	pass.End()
	return nil
}

func stateUsage(s backend.ResourceState) gputypes.TextureUsage {
	switch s {
	case backend.StateShaderRead:
		return gputypes.TextureUsageTextureBinding
	case backend.StateGeneral:
		return gputypes.TextureUsageStorageBinding
	case backend.StateTransferSrc:
		return gputypes.TextureUsageCopySrc
	case backend.StateTransferDst:
		return gputypes.TextureUsageCopyDst
	case backend.StateRenderTarget, backend.StatePresent:
		return gputypes.TextureUsageRenderAttachment
	default:
		return 0
	}
}

// barrier records image layout transitions. Buffer barriers and queue
// ownership are implicit on the single HAL queue.
func (s *encodeState) barrier(c backend.Barrier) {
	if len(c.Images) == 0 {
		return
	}
	out := make([]hal.TextureBarrier, 0, len(c.Images))
	for _, ib := range c.Images {
		img, ok := ib.Image.(*image)
		if !ok || img.raw == nil {
			continue
		}
		out = append(out, hal.TextureBarrier{
			Texture: img.raw,
			Usage: hal.TextureUsageTransition{
				OldUsage: stateUsage(ib.OldState),
				NewUsage: stateUsage(ib.NewState),
			},
		})
	}
	s.enc.TransitionTextures(out)
}
