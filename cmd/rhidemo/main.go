// Copyright 2026 The gogpu Authors
// SPDX-License-Identifier: BSD-3-Clause

// Command rhidemo drives the rhi driver headlessly: it uploads and reads
// back a buffer, runs a compute dispatch, presents frames to an offscreen
// window and streams a mesh into the geometry space.
package main

import (
	"encoding/binary"
	"flag"
	"fmt"
	"log"
	"log/slog"
	"os"

	"github.com/gogpu/gputypes"

	"github.com/gogpu/rhi"
	"github.com/gogpu/rhi/backend"
	"github.com/gogpu/rhi/backend/soft"
	"github.com/gogpu/rhi/binding"
	"github.com/gogpu/rhi/completion"
	"github.com/gogpu/rhi/present"
	"github.com/gogpu/rhi/sparse"

	_ "github.com/gogpu/rhi/backend/halgpu"
)

func init() {
	soft.RegisterKernel("rhidemo.ramp", func(inv *soft.Invocation) {
		buf := inv.Buffer(0)
		base := binary.LittleEndian.Uint32(inv.Push)
		for i := 0; i+4 <= len(buf); i += 4 {
			binary.LittleEndian.PutUint32(buf[i:], base+uint32(i/4))
		}
	})
}

func main() {
	var (
		envFile  = flag.String("env", "", "optional .env file with RHI_* settings")
		backName = flag.String("backend", "", "backend name (overrides RHI_BACKEND)")
		frames   = flag.Int("frames", 8, "frames to present")
		width    = flag.Uint("width", 320, "window width")
		height   = flag.Uint("height", 240, "window height")
		verbose  = flag.Bool("v", false, "log driver events to stderr")
	)
	flag.Parse()

	if *verbose {
		rhi.SetLogger(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelDebug})))
	}

	cfg, err := rhi.LoadConfig(*envFile)
	if err != nil {
		log.Fatalf("config: %v", err)
	}
	opts := cfg.Options()
	if *backName != "" {
		opts = append(opts, rhi.WithBackend(*backName))
	}
	if cfg.GeometrySpace == 0 {
		opts = append(opts, rhi.WithGeometrySpace(1<<20, cfg.SparsePolicy))
	}

	d, err := rhi.Init(opts...)
	if err != nil {
		log.Fatalf("init: %v", err)
	}
	defer func() {
		if err := d.Shutdown(); err != nil {
			log.Printf("shutdown: %v", err)
		}
	}()
	log.Printf("device %s (%s)", d.Caps().Name, d.Caps().DeviceID)

	if err := roundTrip(d); err != nil {
		log.Fatalf("round trip: %v", err)
	}
	if d.Caps().Name == "soft" {
		if err := dispatch(d); err != nil {
			log.Fatalf("dispatch: %v", err)
		}
		if err := presentFrames(d, *frames, uint32(*width), uint32(*height)); err != nil {
			log.Fatalf("present: %v", err)
		}
	}
	if err := streamMesh(d); err != nil {
		log.Fatalf("mesh: %v", err)
	}

	d.GC()
	log.Printf("%s", d.Stats())
}

func roundTrip(d *rhi.Driver) error {
	b, err := d.CreateBuffer(rhi.BufferDesc{Label: "roundtrip", Size: 256})
	if err != nil {
		return err
	}
	defer b.Close()

	data := make([]byte, 256)
	for i := range data {
		data[i] = byte(i)
	}
	b.Upload(0, data)
	d.Submit(rhi.Transfer)
	got := b.Read(0, 256)
	for i := range got {
		if got[i] != data[i] {
			return fmt.Errorf("byte %d = %d, want %d", i, got[i], data[i])
		}
	}
	log.Printf("roundtrip: %d bytes ok", len(got))
	return nil
}

func dispatch(d *rhi.Driver) error {
	sh, err := d.CreateShader(rhi.ShaderBlob{
		Name: "ramp",
		Variants: []rhi.ShaderVariant{{
			Compute:   rhi.ShaderSource{EntryPoint: "rhidemo.ramp"},
			Slots:     []binding.Slot{{Name: "out", Binding: 0, Type: backend.BindingStorageBuffer}},
			Constants: []binding.Constant{{Name: "base", Offset: 0, Size: 4}},
			PushSize:  4,
		}},
	})
	if err != nil {
		return err
	}
	out, err := d.CreateBuffer(rhi.BufferDesc{Label: "ramp", Size: 64, Usage: gputypes.BufferUsageStorage})
	if err != nil {
		return err
	}
	defer out.Close()

	if err := d.Bindings().SetBuffer("out", out.BindHandle(0, 0)); err != nil {
		return err
	}
	if err := d.Bindings().SetConstant("base", uint32(1000)); err != nil {
		return err
	}
	if err := d.Dispatch(rhi.Compute, sh, 1, 1, 1); err != nil {
		return err
	}
	d.Submit(rhi.Compute).Wait(completion.Infinite)
	got := out.Read(0, 16)
	log.Printf("dispatch: first words %d %d %d %d",
		binary.LittleEndian.Uint32(got[0:]), binary.LittleEndian.Uint32(got[4:]),
		binary.LittleEndian.Uint32(got[8:]), binary.LittleEndian.Uint32(got[12:]))
	return nil
}

func presentFrames(d *rhi.Driver, n int, width, height uint32) error {
	win := soft.NewWindow(width, height)
	s, err := d.CreateWindow(win, present.Config{})
	if err != nil {
		return err
	}
	for i := range n {
		if i == n/2 {
			win.Resize(width/2, height/2)
		}
		f, err := s.AcquireNextImage()
		if err != nil {
			return err
		}
		if err := s.Present(f); err != nil {
			return err
		}
		d.GC()
	}
	w, h := s.Resolution()
	log.Printf("present: %d frames at %dx%d, %s", win.Presented(), w, h, s.Stats())
	return nil
}

func streamMesh(d *rhi.Driver) error {
	blob := rhi.MeshBlob{
		Name:     "quad",
		Vertices: make([]byte, 4*12),
		Indices:  make([]byte, 2*sparse.TriangleStride),
	}
	for i, v := range []uint32{0, 1, 2, 2, 1, 3} {
		binary.LittleEndian.PutUint32(blob.Indices[i*4:], v)
	}
	m, err := d.UploadMesh(blob)
	if err != nil {
		return err
	}
	d.Submit(rhi.Transfer).Wait(completion.Infinite)
	log.Printf("mesh: vertices @%d indices @%d, geometry %s", m.Vertices.Offset, m.Indices.Offset, d.Stats().Geometry)
	m.Close()
	return nil
}
