// Copyright 2026 The gogpu Authors
// SPDX-License-Identifier: BSD-3-Clause

package soft

import (
	"encoding/binary"
	"fmt"

	"github.com/gogpu/rhi/backend"
)

// execute runs every command of sub. It holds the memory lock for the
// whole submission, so one submission is atomic with respect to host
// flushes and other queues.
func (d *Device) execute(sub *backend.Submission) error {
	d.mem.Lock()
	defer d.mem.Unlock()

	for _, sb := range sub.SparseBinds {
		if err := d.bindSparse(sb); err != nil {
			return err
		}
	}
	for i, cmd := range sub.Commands {
		if err := d.run(cmd); err != nil {
			return fmt.Errorf("command %d (%T): %w", i, cmd, err)
		}
		d.commands.Add(1)
	}
	return nil
}

func (d *Device) run(cmd backend.Command) error {
	switch c := cmd.(type) {
	case backend.CopyBuffer:
		return copyBuffer(c)
	case backend.FillBuffer:
		return fillBuffer(c)
	case backend.CopyBufferToImage:
		return copyBufferToImage(c)
	case backend.CopyImageToBuffer:
		return copyImageToBuffer(c)
	case backend.Dispatch:
		d.dispatches.Add(1)
		return dispatch(c)
	case backend.Barrier:
		d.barriers.Add(1)
		return nil
	default:
		return fmt.Errorf("%w: unknown command %T", backend.ErrUnsupported, cmd)
	}
}

func asBuffer(b backend.Buffer) (*buffer, error) {
	buf, ok := b.(*buffer)
	if !ok || (buf.data == nil && buf.pages == nil) {
		return nil, fmt.Errorf("%w: buffer destroyed or foreign", backend.ErrInvalidDescriptor)
	}
	return buf, nil
}

func asImage(i backend.Image) (*image, error) {
	img, ok := i.(*image)
	if !ok || img.data == nil {
		return nil, fmt.Errorf("%w: image destroyed or foreign", backend.ErrInvalidDescriptor)
	}
	return img, nil
}

func copyBuffer(c backend.CopyBuffer) error {
	src, err := asBuffer(c.Src)
	if err != nil {
		return err
	}
	dst, err := asBuffer(c.Dst)
	if err != nil {
		return err
	}
	if !src.inRange(c.SrcOffset, c.Size) || !dst.inRange(c.DstOffset, c.Size) {
		return fmt.Errorf("%w: copy of %d bytes out of range", backend.ErrInvalidDescriptor, c.Size)
	}
	tmp := make([]byte, c.Size)
	src.read(c.SrcOffset, tmp)
	dst.write(c.DstOffset, tmp)
	return nil
}

func fillBuffer(c backend.FillBuffer) error {
	dst, err := asBuffer(c.Dst)
	if err != nil {
		return err
	}
	if c.Offset%4 != 0 || c.Size%4 != 0 || !dst.inRange(c.Offset, c.Size) {
		return fmt.Errorf("%w: fill range [%d,+%d)", backend.ErrInvalidDescriptor, c.Offset, c.Size)
	}
	tmp := make([]byte, c.Size)
	for i := uint64(0); i < c.Size; i += 4 {
		binary.LittleEndian.PutUint32(tmp[i:], c.Value)
	}
	dst.write(c.Offset, tmp)
	return nil
}

func copyBufferToImage(c backend.CopyBufferToImage) error {
	src, err := asBuffer(c.Src)
	if err != nil {
		return err
	}
	img, err := asImage(c.Dst)
	if err != nil {
		return err
	}
	n := img.byteSize()
	if !src.inRange(c.SrcOffset, n) {
		return fmt.Errorf("%w: image upload needs %d bytes", backend.ErrInvalidDescriptor, n)
	}
	src.read(c.SrcOffset, img.data)
	return nil
}

func copyImageToBuffer(c backend.CopyImageToBuffer) error {
	img, err := asImage(c.Src)
	if err != nil {
		return err
	}
	dst, err := asBuffer(c.Dst)
	if err != nil {
		return err
	}
	if !dst.inRange(c.DstOffset, img.byteSize()) {
		return fmt.Errorf("%w: image readback needs %d bytes", backend.ErrInvalidDescriptor, img.byteSize())
	}
	dst.write(c.DstOffset, img.data)
	return nil
}

// dispatch runs the kernel. Bound buffer ranges are staged into scratch
// memory and written back unless bound read-only, which also covers
// sparse buffers.
func dispatch(c backend.Dispatch) error {
	p, ok := c.Pipeline.(*pipeline)
	if !ok || !p.compute {
		return fmt.Errorf("%w: dispatch without compute pipeline", backend.ErrInvalidDescriptor)
	}
	inv := &Invocation{
		Groups:  [3]uint32{c.GroupsX, c.GroupsY, c.GroupsZ},
		Push:    c.PushConstants,
		buffers: make(map[uint32][]byte),
		images:  make(map[uint32]*ImageData),
	}

	type writeback struct {
		buf  *buffer
		off  uint64
		data []byte
	}
	var back []writeback

	for _, rb := range c.Bindings {
		switch {
		case rb.Type.IsBuffer():
			buf, err := asBuffer(rb.Buffer)
			if err != nil {
				return err
			}
			size := rb.Size
			if size == 0 && rb.Offset <= buf.desc.Size {
				size = buf.desc.Size - rb.Offset
			}
			if !buf.inRange(rb.Offset, size) {
				return fmt.Errorf("%w: binding %d range [%d,+%d)",
					backend.ErrInvalidDescriptor, rb.Binding, rb.Offset, size)
			}
			scratch := make([]byte, size)
			buf.read(rb.Offset, scratch)
			inv.buffers[rb.Binding] = scratch
			if rb.Type != backend.BindingReadOnlyStorageBuffer && rb.Type != backend.BindingUniformBuffer {
				back = append(back, writeback{buf: buf, off: rb.Offset, data: scratch})
			}
		case rb.Type == backend.BindingSampledTexture || rb.Type == backend.BindingStorageImage:
			img, err := asImage(rb.Image)
			if err != nil {
				return err
			}
			inv.images[rb.Binding] = &ImageData{
				Width:  img.desc.Width,
				Height: img.desc.Height,
				Depth:  img.desc.Depth,
				Format: img.desc.Format,
				Pix:    img.data,
			}
		}
	}

	if err := runKernel(p, inv); err != nil {
		return err
	}
	for _, wb := range back {
		wb.buf.write(wb.off, wb.data)
	}
	return nil
}

func runKernel(p *pipeline, inv *Invocation) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("kernel %q panicked: %v", p.label, r)
		}
	}()
	p.kernel(inv)
	return nil
}
