// Copyright 2026 The gogpu Authors
// SPDX-License-Identifier: BSD-3-Clause

package halgpu

import (
	"errors"
	"testing"
	"time"

	"github.com/gogpu/gputypes"
	"github.com/gogpu/wgpu/hal/noop"

	"github.com/gogpu/rhi/backend"
)

func newNoopDevice(t *testing.T) *Device {
	t.Helper()
	d, err := OpenAPI(noop.API{})
	if err != nil {
		t.Fatalf("OpenAPI(noop) error = %v", err)
	}
	t.Cleanup(d.Destroy)
	return d
}

func TestDeviceImplementsBackend(t *testing.T) {
	var _ backend.Device = (*Device)(nil)
}

func TestCaps(t *testing.T) {
	d := newNoopDevice(t)
	caps := d.Caps()
	if caps.Name != Name {
		t.Errorf("Name = %q, want %q", caps.Name, Name)
	}
	if caps.SparseBinding || caps.DistinctQueues {
		t.Errorf("caps = %+v, want no sparse binding and shared queues", caps)
	}
}

func TestSubmitAdvancesTimeline(t *testing.T) {
	d := newNoopDevice(t)
	src, err := d.CreateBuffer(&backend.BufferDesc{Label: "src", Size: 64, HostVisible: true})
	if err != nil {
		t.Fatal(err)
	}
	defer d.DestroyBuffer(src)
	dst, err := d.CreateBuffer(&backend.BufferDesc{Label: "dst", Size: 64, Usage: gputypes.BufferUsageStorage})
	if err != nil {
		t.Fatal(err)
	}
	defer d.DestroyBuffer(dst)

	m, err := d.MapBuffer(src)
	if err != nil {
		t.Fatal(err)
	}
	m[0] = 1
	if err := d.FlushBuffer(src, 0, 64); err != nil {
		t.Fatal(err)
	}

	sub := &backend.Submission{
		Queue: backend.QueueTransfer,
		Commands: []backend.Command{
			backend.CopyBuffer{Src: src, Dst: dst, Size: 64},
			backend.FillBuffer{Dst: dst, Offset: 0, Size: 16, Value: 0},
		},
		Signal: 1,
	}
	if err := d.Submit(sub); err != nil {
		t.Fatalf("Submit() error = %v", err)
	}
	if ok, err := d.Wait(backend.QueueTransfer, 1, time.Second); !ok || err != nil {
		t.Fatalf("Wait() = %v, %v", ok, err)
	}
	if got := d.Completed(backend.QueueTransfer); got != 1 {
		t.Errorf("Completed() = %d, want 1", got)
	}
}

func TestSubmitValidation(t *testing.T) {
	d := newNoopDevice(t)

	tests := []struct {
		name string
		sub  backend.Submission
		want error
	}{
		{"zero signal", backend.Submission{Queue: backend.QueueGraphics}, backend.ErrInvalidDescriptor},
		{"bad queue", backend.Submission{Queue: backend.QueueNone, Signal: 1}, backend.ErrInvalidDescriptor},
		{"unsubmitted wait", backend.Submission{
			Queue:  backend.QueueGraphics,
			Waits:  []backend.TimelinePoint{{Queue: backend.QueueCompute, Value: 3}},
			Signal: 1,
		}, backend.ErrInvalidDescriptor},
		{"sparse", backend.Submission{
			Queue:       backend.QueueGraphics,
			SparseBinds: []backend.SparseBind{{Size: 1}},
			Signal:      1,
		}, backend.ErrUnsupported},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if err := d.Submit(&tt.sub); !errors.Is(err, tt.want) {
				t.Errorf("Submit() error = %v, want %v", err, tt.want)
			}
		})
	}
}

func TestUnsupportedFeatures(t *testing.T) {
	d := newNoopDevice(t)
	if _, err := d.CreateBuffer(&backend.BufferDesc{Size: 64, Sparse: true}); !errors.Is(err, backend.ErrUnsupported) {
		t.Errorf("sparse buffer error = %v, want ErrUnsupported", err)
	}
	if _, err := d.CreateSurface(nil); !errors.Is(err, backend.ErrUnsupported) {
		t.Errorf("CreateSurface error = %v, want ErrUnsupported", err)
	}
	if _, err := d.CreatePipelineLayout(&backend.PipelineLayoutDesc{PushConstantSize: 16}); !errors.Is(err, backend.ErrUnsupported) {
		t.Errorf("push constants error = %v, want ErrUnsupported", err)
	}
}

func TestMapRequiresHostVisible(t *testing.T) {
	d := newNoopDevice(t)
	b, err := d.CreateBuffer(&backend.BufferDesc{Size: 16})
	if err != nil {
		t.Fatal(err)
	}
	defer d.DestroyBuffer(b)
	if _, err := d.MapBuffer(b); !errors.Is(err, backend.ErrUnsupported) {
		t.Errorf("MapBuffer error = %v, want ErrUnsupported", err)
	}
}

func TestBindLayoutRejectsStorageImage(t *testing.T) {
	_, err := layoutEntry(backend.BindLayoutEntry{Type: backend.BindingStorageImage})
	if !errors.Is(err, backend.ErrUnsupported) {
		t.Errorf("layoutEntry error = %v, want ErrUnsupported", err)
	}
}

func TestFromProviderRejectsPlainProvider(t *testing.T) {
	if _, err := FromProvider(nil); !errors.Is(err, backend.ErrUnsupported) {
		t.Errorf("FromProvider(nil) error = %v, want ErrUnsupported", err)
	}
}
