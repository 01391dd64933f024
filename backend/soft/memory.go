// Copyright 2026 The gogpu Authors
// SPDX-License-Identifier: BSD-3-Clause

package soft

import (
	"fmt"

	"github.com/gogpu/rhi/backend"
)

// buffer is device memory for one buffer. Dense buffers own data; sparse
// buffers own only the pages currently bound.
type buffer struct {
	desc     backend.BufferDesc
	data     []byte
	pages    map[uint64][]byte
	pageSize uint64

	// shadow is the host view of non-coherent memory.
	shadow []byte
	mapped bool
}

func (b *buffer) BufferSize() uint64 { return b.desc.Size }

// read copies device memory at off into dst. Unbound sparse pages read as
// zero. Caller holds Device.mem.
func (b *buffer) read(off uint64, dst []byte) {
	if b.pages == nil {
		copy(dst, b.data[off:])
		return
	}
	for len(dst) > 0 {
		page, in := off/b.pageSize, off%b.pageSize
		n := min(uint64(len(dst)), b.pageSize-in)
		if p, ok := b.pages[page]; ok {
			copy(dst[:n], p[in:])
		} else {
			clear(dst[:n])
		}
		dst = dst[n:]
		off += n
	}
}

// write copies src into device memory at off. Writes to unbound sparse
// pages are discarded. Caller holds Device.mem.
func (b *buffer) write(off uint64, src []byte) {
	if b.pages == nil {
		copy(b.data[off:], src)
		return
	}
	for len(src) > 0 {
		page, in := off/b.pageSize, off%b.pageSize
		n := min(uint64(len(src)), b.pageSize-in)
		if p, ok := b.pages[page]; ok {
			copy(p[in:], src[:n])
		}
		src = src[n:]
		off += n
	}
}

func (b *buffer) inRange(off, size uint64) bool {
	return off <= b.desc.Size && size <= b.desc.Size-off
}

// image is device memory for one image, tightly packed.
type image struct {
	desc backend.ImageDesc
	data []byte
}

func (img *image) ImageSize() (width, height, depth uint32) {
	return img.desc.Width, img.desc.Height, img.desc.Depth
}

func (img *image) byteSize() uint64 {
	return uint64(img.desc.Width) * uint64(img.desc.Height) * uint64(img.desc.Depth) *
		uint64(backend.BytesPerPixel(img.desc.Format)) //nolint:gosec // bytes per pixel is positive
}

// CreateBuffer allocates a buffer.
func (d *Device) CreateBuffer(desc *backend.BufferDesc) (backend.Buffer, error) {
	if desc == nil || desc.Size == 0 {
		return nil, fmt.Errorf("%w: buffer size must be positive", backend.ErrInvalidDescriptor)
	}
	if desc.Size > d.caps.MaxBufferSize && !desc.Sparse {
		return nil, fmt.Errorf("%w: buffer %q of %d bytes exceeds %d",
			backend.ErrOutOfMemory, desc.Label, desc.Size, d.caps.MaxBufferSize)
	}
	if desc.Sparse && (desc.HostVisible || desc.Persistent) {
		return nil, fmt.Errorf("%w: sparse buffers cannot be host visible", backend.ErrInvalidDescriptor)
	}
	b := &buffer{desc: *desc, pageSize: d.caps.SparsePageSize}
	if desc.Sparse {
		b.pages = make(map[uint64][]byte)
	} else {
		b.data = make([]byte, desc.Size)
	}
	return b, nil
}

// DestroyBuffer releases a buffer.
func (d *Device) DestroyBuffer(b backend.Buffer) {
	buf, ok := b.(*buffer)
	if !ok {
		return
	}
	d.mem.Lock()
	d.boundPages.Add(-int64(len(buf.pages)))
	buf.data, buf.pages, buf.shadow = nil, nil, nil
	d.mem.Unlock()
}

// CreateImage allocates an image.
func (d *Device) CreateImage(desc *backend.ImageDesc) (backend.Image, error) {
	if desc == nil || desc.Width == 0 || desc.Height == 0 {
		return nil, fmt.Errorf("%w: image extent must be positive", backend.ErrInvalidDescriptor)
	}
	img := &image{desc: *desc}
	if img.desc.Depth == 0 {
		img.desc.Depth = 1
	}
	img.data = make([]byte, img.byteSize())
	return img, nil
}

// DestroyImage releases an image.
func (d *Device) DestroyImage(i backend.Image) {
	if img, ok := i.(*image); ok {
		d.mem.Lock()
		img.data = nil
		d.mem.Unlock()
	}
}

// MapBuffer returns the host view. Persistent buffers are coherent and
// map device memory directly; other host-visible buffers map a shadow
// copy synchronized by Flush and Invalidate.
func (d *Device) MapBuffer(b backend.Buffer) ([]byte, error) {
	buf, ok := b.(*buffer)
	if !ok {
		return nil, fmt.Errorf("%w: foreign buffer", backend.ErrInvalidDescriptor)
	}
	if !buf.desc.HostVisible && !buf.desc.Persistent {
		return nil, fmt.Errorf("%w: buffer %q is not host visible", backend.ErrUnsupported, buf.desc.Label)
	}
	buf.mapped = true
	if buf.desc.Persistent {
		return buf.data, nil
	}
	if buf.shadow == nil {
		buf.shadow = make([]byte, buf.desc.Size)
		d.mem.Lock()
		copy(buf.shadow, buf.data)
		d.mem.Unlock()
	}
	return buf.shadow, nil
}

// FlushBuffer copies host writes in the range to device memory.
func (d *Device) FlushBuffer(b backend.Buffer, offset, size uint64) error {
	buf, ok := b.(*buffer)
	if !ok || !buf.inRange(offset, size) {
		return fmt.Errorf("%w: flush range [%d,+%d)", backend.ErrInvalidDescriptor, offset, size)
	}
	if buf.desc.Persistent || buf.shadow == nil {
		return nil
	}
	d.mem.Lock()
	copy(buf.data[offset:offset+size], buf.shadow[offset:offset+size])
	d.mem.Unlock()
	return nil
}

// InvalidateBuffer copies device memory in the range to the host view.
func (d *Device) InvalidateBuffer(b backend.Buffer, offset, size uint64) error {
	buf, ok := b.(*buffer)
	if !ok || !buf.inRange(offset, size) {
		return fmt.Errorf("%w: invalidate range [%d,+%d)", backend.ErrInvalidDescriptor, offset, size)
	}
	if buf.desc.Persistent || buf.shadow == nil {
		return nil
	}
	d.mem.Lock()
	copy(buf.shadow[offset:offset+size], buf.data[offset:offset+size])
	d.mem.Unlock()
	return nil
}

// UnmapBuffer ends host access. Shadow memory is kept for the next map.
func (d *Device) UnmapBuffer(b backend.Buffer) {
	if buf, ok := b.(*buffer); ok {
		buf.mapped = false
	}
}

// bindSparse applies one sparse bind. Caller holds Device.mem.
func (d *Device) bindSparse(sb backend.SparseBind) error {
	buf, ok := sb.Buffer.(*buffer)
	if !ok || buf.pages == nil {
		return fmt.Errorf("%w: sparse bind on dense buffer", backend.ErrInvalidDescriptor)
	}
	if sb.Offset%buf.pageSize != 0 || sb.Size%buf.pageSize != 0 || !buf.inRange(sb.Offset, sb.Size) {
		return fmt.Errorf("%w: sparse range [%d,+%d) not page aligned", backend.ErrInvalidDescriptor, sb.Offset, sb.Size)
	}
	for page := sb.Offset / buf.pageSize; page < (sb.Offset+sb.Size)/buf.pageSize; page++ {
		_, bound := buf.pages[page]
		switch {
		case sb.Bind && !bound:
			buf.pages[page] = make([]byte, buf.pageSize)
			d.boundPages.Add(1)
		case !sb.Bind && bound:
			delete(buf.pages, page)
			d.boundPages.Add(-1)
		}
	}
	return nil
}
