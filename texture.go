// Copyright 2026 The gogpu Authors
// SPDX-License-Identifier: BSD-3-Clause

package rhi

import (
	"fmt"
	"image"

	"github.com/gogpu/gputypes"
	"golang.org/x/image/draw"

	"github.com/gogpu/rhi/backend"
	"github.com/gogpu/rhi/binding"
	"github.com/gogpu/rhi/internal/fatal"
	"github.com/gogpu/rhi/internal/logx"
	"github.com/gogpu/rhi/memory"
	"github.com/gogpu/rhi/queue"
)

// TextureDesc describes a logical texture.
type TextureDesc = backend.ImageDesc

// Texture is a logical image whose backing can be replaced by Validate.
type Texture struct {
	d       *Driver
	name    string
	desc    TextureDesc
	handle  memory.Handle
	version uint64
}

func normalizeTexture(desc *TextureDesc) {
	desc.Usage |= gputypes.TextureUsageCopyDst | gputypes.TextureUsageCopySrc
	if desc.Depth == 0 {
		desc.Depth = 1
	}
	if desc.MipLevels == 0 {
		desc.MipLevels = 1
	}
}

// CreateTexture allocates a texture. Every texture can be a copy source
// and destination.
func (d *Driver) CreateTexture(desc TextureDesc) (*Texture, error) {
	d.checkOpen()
	normalizeTexture(&desc)
	h, err := d.pool.CreateImage(desc, desc.Label)
	if err != nil {
		return nil, err
	}
	return &Texture{d: d, name: desc.Label, desc: desc, handle: h, version: 1}, nil
}

// Handle returns the pool handle of the current backing.
func (t *Texture) Handle() memory.Handle { return t.handle }

// Desc returns the current descriptor.
func (t *Texture) Desc() TextureDesc { return t.desc }

// Version increases each time the backing is recreated.
func (t *Texture) Version() uint64 { return t.version }

// Size returns the texture extent.
func (t *Texture) Size() (width, height uint32) { return t.desc.Width, t.desc.Height }

// Validate recreates the backing if desc differs in extent, format, mip
// count or sharing, or needs usages the current one lacks. It reports
// whether it did.
func (t *Texture) Validate(desc TextureDesc) (bool, error) {
	normalizeTexture(&desc)
	if desc.Label == "" {
		desc.Label = t.name
	}
	have := t.desc
	if desc.Width == have.Width && desc.Height == have.Height && desc.Depth == have.Depth &&
		desc.MipLevels == have.MipLevels && desc.Format == have.Format &&
		desc.Concurrent == have.Concurrent && desc.Usage&^have.Usage == 0 {
		return false, nil
	}
	h, err := t.d.pool.CreateImage(desc, desc.Label)
	if err != nil {
		return false, err
	}
	t.d.retire(t.handle)
	logx.L().Debug("rhi: texture recreated",
		"name", t.name,
		"width", desc.Width,
		"height", desc.Height,
		"version", t.version+1)
	t.handle, t.desc = h, desc
	t.version++
	return true, nil
}

// ValidateTexture is Texture.Validate.
func (d *Driver) ValidateTexture(t *Texture, desc TextureDesc) (bool, error) {
	return t.Validate(desc)
}

// BindHandle snapshots the texture for sampling.
func (t *Texture) BindHandle() binding.BindHandle {
	return binding.NewHandle(t, t.handle, backend.StateShaderRead, 0, 0)
}

// StorageHandle snapshots the texture for storage access.
func (t *Texture) StorageHandle() binding.BindHandle {
	return binding.NewHandle(t, t.handle, backend.StateGeneral, 0, 0)
}

// ByteSize returns the size of the top mip level in bytes.
func (t *Texture) ByteSize() uint64 {
	return uint64(t.desc.Width) * uint64(t.desc.Height) * uint64(t.desc.Depth) *
		uint64(backend.BytesPerPixel(t.desc.Format)) //nolint:gosec // small
}

// Upload replaces the top mip level with data through staging memory.
// The copy is recorded on the Transfer queue.
func (t *Texture) Upload(data []byte) {
	size := t.ByteSize()
	fatal.Check(uint64(len(data)) == size, "rhi: %q needs %d bytes, got %d", t.name, size, len(data))
	a, err := t.d.staging.Acquire(size, false, t.name+".upload")
	fatal.Err(err, "rhi: staging for "+t.name)
	copy(a.Bytes(), data)
	a.Flush()
	t.d.queues.CommandBuffer(queue.Transfer).CopyBufferToImage(a.Handle(), a.Offset(), t.handle)
	t.d.stage(queue.Transfer, a)
}

// UploadImage scales img to the texture extent and uploads it. The
// texture must use an 8-bit RGBA or BGRA format.
func (t *Texture) UploadImage(img image.Image) error {
	var swap bool
	switch t.desc.Format {
	case gputypes.TextureFormatRGBA8Unorm:
	case gputypes.TextureFormatBGRA8Unorm:
		swap = true
	default:
		return fmt.Errorf("%w: upload image to %v texture", ErrUnsupported, t.desc.Format)
	}
	if t.desc.Depth != 1 {
		return fmt.Errorf("%w: upload image to 3D texture", ErrUnsupported)
	}
	dst := image.NewRGBA(image.Rect(0, 0, int(t.desc.Width), int(t.desc.Height)))
	if img.Bounds().Size() == dst.Bounds().Size() {
		draw.Draw(dst, dst.Bounds(), img, img.Bounds().Min, draw.Src)
	} else {
		draw.CatmullRom.Scale(dst, dst.Bounds(), img, img.Bounds(), draw.Src, nil)
	}
	if swap {
		for i := 0; i+3 < len(dst.Pix); i += 4 {
			dst.Pix[i], dst.Pix[i+2] = dst.Pix[i+2], dst.Pix[i]
		}
	}
	t.Upload(dst.Pix)
	return nil
}

// Close destroys the texture once work using it completes.
func (t *Texture) Close() {
	if t.handle.IsZero() {
		return
	}
	t.d.retire(t.handle)
	t.handle = memory.Handle{}
	t.version++
}
