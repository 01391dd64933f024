// Copyright 2026 The gogpu Authors
// SPDX-License-Identifier: BSD-3-Clause

package halgpu

import (
	"fmt"

	"github.com/gogpu/gputypes"
	"github.com/gogpu/wgpu/hal"

	"github.com/gogpu/rhi/backend"
)

type buffer struct {
	raw    hal.Buffer
	desc   backend.BufferDesc
	shadow []byte
}

func (b *buffer) BufferSize() uint64 { return b.desc.Size }

func (b *buffer) inRange(off, size uint64) bool {
	return off <= b.desc.Size && size <= b.desc.Size-off
}

type image struct {
	raw  hal.Texture
	desc backend.ImageDesc
}

func (img *image) ImageSize() (width, height, depth uint32) {
	return img.desc.Width, img.desc.Height, img.desc.Depth
}

func (img *image) rowPitch() uint32 {
	return img.desc.Width * uint32(backend.BytesPerPixel(img.desc.Format)) //nolint:gosec // small positive
}

// CreateBuffer allocates a HAL buffer. Copy usages are always added so
// shadow flushes and staging copies work.
func (d *Device) CreateBuffer(desc *backend.BufferDesc) (backend.Buffer, error) {
	if desc == nil || desc.Size == 0 {
		return nil, fmt.Errorf("%w: buffer size must be positive", backend.ErrInvalidDescriptor)
	}
	if desc.Sparse {
		return nil, fmt.Errorf("%w: sparse buffers", backend.ErrUnsupported)
	}
	raw, err := d.dev.CreateBuffer(&hal.BufferDescriptor{
		Label: desc.Label,
		Size:  desc.Size,
		Usage: desc.Usage | gputypes.BufferUsageCopyDst | gputypes.BufferUsageCopySrc,
	})
	if err != nil {
		return nil, fmt.Errorf("%w: buffer %q: %w", backend.ErrOutOfMemory, desc.Label, err)
	}
	return &buffer{raw: raw, desc: *desc}, nil
}

// DestroyBuffer releases a buffer.
func (d *Device) DestroyBuffer(b backend.Buffer) {
	if buf, ok := b.(*buffer); ok && buf.raw != nil {
		d.dev.DestroyBuffer(buf.raw)
		buf.raw, buf.shadow = nil, nil
	}
}

// CreateImage allocates a 2D texture.
func (d *Device) CreateImage(desc *backend.ImageDesc) (backend.Image, error) {
	if desc == nil || desc.Width == 0 || desc.Height == 0 {
		return nil, fmt.Errorf("%w: image extent must be positive", backend.ErrInvalidDescriptor)
	}
	img := &image{desc: *desc}
	if img.desc.Depth == 0 {
		img.desc.Depth = 1
	}
	if img.desc.MipLevels == 0 {
		img.desc.MipLevels = 1
	}
	raw, err := d.dev.CreateTexture(&hal.TextureDescriptor{
		Label: desc.Label,
		Size: hal.Extent3D{
			Width:              img.desc.Width,
			Height:             img.desc.Height,
			DepthOrArrayLayers: img.desc.Depth,
		},
		MipLevelCount: img.desc.MipLevels,
		SampleCount:   1,
		Dimension:     gputypes.TextureDimension2D,
		Format:        desc.Format,
		Usage:         desc.Usage | gputypes.TextureUsageCopyDst | gputypes.TextureUsageCopySrc,
	})
	if err != nil {
		return nil, fmt.Errorf("%w: image %q: %w", backend.ErrOutOfMemory, desc.Label, err)
	}
	img.raw = raw
	return img, nil
}

// DestroyImage releases an image.
func (d *Device) DestroyImage(i backend.Image) {
	if img, ok := i.(*image); ok && img.raw != nil {
		d.dev.DestroyTexture(img.raw)
		img.raw = nil
	}
}

// MapBuffer returns the shadow copy of a host-visible buffer. HAL buffers
// are never coherent here: Persistent buffers need FlushBuffer too.
func (d *Device) MapBuffer(b backend.Buffer) ([]byte, error) {
	buf, ok := b.(*buffer)
	if !ok || buf.raw == nil {
		return nil, fmt.Errorf("%w: buffer destroyed or foreign", backend.ErrInvalidDescriptor)
	}
	if !buf.desc.HostVisible && !buf.desc.Persistent {
		return nil, fmt.Errorf("%w: buffer %q is not host visible", backend.ErrUnsupported, buf.desc.Label)
	}
	if buf.shadow == nil {
		buf.shadow = make([]byte, buf.desc.Size)
	}
	return buf.shadow, nil
}

// FlushBuffer uploads the shadow range through the queue.
func (d *Device) FlushBuffer(b backend.Buffer, offset, size uint64) error {
	buf, ok := b.(*buffer)
	if !ok || buf.shadow == nil || !buf.inRange(offset, size) {
		return fmt.Errorf("%w: flush range [%d,+%d)", backend.ErrInvalidDescriptor, offset, size)
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	d.queue.WriteBuffer(buf.raw, offset, buf.shadow[offset:offset+size])
	return nil
}

// InvalidateBuffer reads the range back into the shadow copy.
func (d *Device) InvalidateBuffer(b backend.Buffer, offset, size uint64) error {
	buf, ok := b.(*buffer)
	if !ok || buf.shadow == nil || !buf.inRange(offset, size) {
		return fmt.Errorf("%w: invalidate range [%d,+%d)", backend.ErrInvalidDescriptor, offset, size)
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	if err := d.queue.ReadBuffer(buf.raw, offset, buf.shadow[offset:offset+size]); err != nil {
		return fmt.Errorf("halgpu: read back %q: %w", buf.desc.Label, err)
	}
	return nil
}

// UnmapBuffer is a no-op; the shadow stays for the next map.
func (d *Device) UnmapBuffer(backend.Buffer) {}
