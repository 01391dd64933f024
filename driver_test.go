// Copyright 2026 The gogpu Authors
// SPDX-License-Identifier: BSD-3-Clause

package rhi

import (
	"bytes"
	"encoding/binary"
	"errors"
	"image"
	"image/color"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/gogpu/gputypes"

	"github.com/gogpu/rhi/backend"
	"github.com/gogpu/rhi/backend/soft"
	"github.com/gogpu/rhi/binding"
	"github.com/gogpu/rhi/completion"
	"github.com/gogpu/rhi/internal/fatal"
	"github.com/gogpu/rhi/present"
	"github.com/gogpu/rhi/sparse"
)

func init() {
	for name, v := range map[string]uint32{"rhi.fill7": 7, "rhi.fill9": 9} {
		soft.RegisterKernel(name, func(inv *soft.Invocation) {
			buf := inv.Buffer(0)
			add := uint32(0)
			if len(inv.Push) >= 4 {
				add = binary.LittleEndian.Uint32(inv.Push)
			}
			for i := 0; i+4 <= len(buf); i += 4 {
				binary.LittleEndian.PutUint32(buf[i:], v+add)
			}
		})
	}
}

func newTestDriver(t *testing.T, opts ...Option) (*Driver, *soft.Device) {
	t.Helper()
	dev := soft.New(soft.Config{PageSize: 256})
	d, err := Init(append([]Option{WithDevice(dev), WithStagingRing(4096)}, opts...)...)
	if err != nil {
		t.Fatalf("Init() error = %v", err)
	}
	t.Cleanup(func() {
		if !d.closed {
			if err := d.Shutdown(); err != nil {
				t.Errorf("Shutdown() error = %v", err)
			}
		}
	})
	return d, dev
}

func mustBuffer(t *testing.T, d *Driver, desc BufferDesc) *Buffer {
	t.Helper()
	b, err := d.CreateBuffer(desc)
	if err != nil {
		t.Fatalf("CreateBuffer(%q) error = %v", desc.Label, err)
	}
	return b
}

func pattern(n int) []byte {
	p := make([]byte, n)
	for i := range p {
		p[i] = byte(i*7 + 1)
	}
	return p
}

func TestWriteSubmitRead(t *testing.T) {
	tests := []struct {
		name string
		desc BufferDesc
	}{
		{"device local", BufferDesc{Label: "local", Size: 64}},
		{"host visible", BufferDesc{Label: "host", Size: 64, HostVisible: true}},
		{"persistent", BufferDesc{Label: "persistent", Size: 64, Persistent: true}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			d, _ := newTestDriver(t)
			b := mustBuffer(t, d, tt.desc)
			want := pattern(64)
			copy(b.BeginWrite(0, 64), want)
			b.EndWrite()
			tok := d.Submit(Transfer)
			if !tok.WaitInvalidate(completion.Infinite) {
				t.Fatal("transfer did not complete")
			}
			if got := b.Read(0, 64); !bytes.Equal(got, want) {
				t.Errorf("Read() = %v, want %v", got[:8], want[:8])
			}
		})
	}
}

func TestBeginReadBlocksOnPendingWrite(t *testing.T) {
	d, dev := newTestDriver(t)
	b := mustBuffer(t, d, BufferDesc{Label: "pending", Size: 64})
	want := pattern(64)

	dev.Pause(Transfer)
	b.Upload(0, want)
	d.Submit(Transfer)

	got := make(chan []byte, 1)
	go func() { got <- b.Read(0, 64) }()
	select {
	case <-got:
		t.Fatal("Read() returned before the write completed")
	case <-time.After(50 * time.Millisecond):
	}
	dev.Resume(Transfer)
	select {
	case data := <-got:
		if !bytes.Equal(data, want) {
			t.Errorf("Read() = %v", data[:8])
		}
	case <-time.After(5 * time.Second):
		t.Fatal("Read() did not return after resume")
	}
}

func TestValidateBuffer(t *testing.T) {
	tests := []struct {
		name     string
		desc     BufferDesc
		recreate bool
	}{
		{"same", BufferDesc{Size: 256}, false},
		{"smaller", BufferDesc{Size: 128}, false},
		{"larger", BufferDesc{Size: 512}, true},
		{"new usage", BufferDesc{Size: 256, Usage: gputypes.BufferUsageUniform}, true},
		{"host visible", BufferDesc{Size: 256, HostVisible: true}, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			d, _ := newTestDriver(t)
			b := mustBuffer(t, d, BufferDesc{Label: "grow", Size: 256, Usage: gputypes.BufferUsageStorage})
			old := b.BindHandle(0, 0)
			again := b.BindHandle(0, 0)
			if old.Version() != again.Version() {
				t.Fatal("handles of an unchanged buffer differ in version")
			}
			tt.desc.Usage |= gputypes.BufferUsageStorage
			got, err := d.ValidateBuffer(b, tt.desc)
			if err != nil {
				t.Fatal(err)
			}
			if got != tt.recreate {
				t.Fatalf("Validate() = %v, want %v", got, tt.recreate)
			}
			if old.Stale() != tt.recreate {
				t.Errorf("old handle Stale() = %v", old.Stale())
			}
			if tt.recreate {
				if nh := b.BindHandle(0, 0); nh.Version() <= old.Version() {
					t.Errorf("version %d not above %d", nh.Version(), old.Version())
				}
				if err := d.Bindings().SetBuffer("grow", old); !errors.Is(err, binding.ErrStale) {
					t.Errorf("SetBuffer(stale) error = %v", err)
				}
			}
		})
	}
}

func TestCloseDefersUntilWorkCompletes(t *testing.T) {
	d, dev := newTestDriver(t)
	b := mustBuffer(t, d, BufferDesc{Label: "doomed", Size: 64})
	before := d.Pool().Len()

	dev.Pause(Transfer)
	b.Upload(0, pattern(64))
	tok := d.Submit(Transfer)
	b.Close()
	d.GC()
	if d.Pool().Len() != before {
		t.Fatal("buffer released while its upload was pending")
	}

	dev.Resume(Transfer)
	tok.WaitInvalidate(completion.Infinite)
	d.GC()
	if d.Pool().Len() != before-1 {
		t.Errorf("pool len = %d, want %d", d.Pool().Len(), before-1)
	}
	if s := d.Stats(); s.Disposed != 1 || s.Pending != 0 {
		t.Errorf("stats = %v", s)
	}
}

func TestRetireWaitsForOpenRecording(t *testing.T) {
	tests := []struct {
		name   string
		retire func(t *testing.T, src *Buffer)
	}{
		{"validate", func(t *testing.T, src *Buffer) {
			recreated, err := src.Validate(BufferDesc{Label: "src", Size: 128, HostVisible: true})
			if err != nil || !recreated {
				t.Fatalf("Validate() = %v, %v; want recreate", recreated, err)
			}
		}},
		{"close", func(_ *testing.T, src *Buffer) { src.Close() }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			d, _ := newTestDriver(t)
			src := mustBuffer(t, d, BufferDesc{Label: "src", Size: 64, HostVisible: true})
			dst := mustBuffer(t, d, BufferDesc{Label: "dst", Size: 64, HostVisible: true})
			want := pattern(64)
			copy(src.BeginWrite(0, 64), want)
			src.EndWrite()

			old := src.Handle()
			d.GetCommandBuffer(Transfer).CopyBuffer(old, 0, dst.Handle(), 0, 64)
			tt.retire(t, src)
			d.GC()
			if n := d.Disposer().Len(); n != 1 {
				t.Fatalf("pending disposals = %d, want 1 while the copy is unsubmitted", n)
			}
			if _, err := d.Pool().Lookup(old); err != nil {
				t.Fatalf("old backing released before submit: %v", err)
			}

			d.Submit(Transfer).Wait(completion.Infinite)
			if got := dst.Read(0, 64); !bytes.Equal(got, want) {
				t.Errorf("dst = %v, want %v", got[:8], want[:8])
			}
			d.GC()
			if _, err := d.Pool().Lookup(old); err == nil {
				t.Error("old backing still live after its copy completed")
			}
			if d.Disposer().Len() != 0 {
				t.Errorf("pending disposals = %d after GC", d.Disposer().Len())
			}
		})
	}
}

func TestShutdownSubmitsOpenRecording(t *testing.T) {
	d, _ := newTestDriver(t)
	src := mustBuffer(t, d, BufferDesc{Label: "src", Size: 64, HostVisible: true})
	dst := mustBuffer(t, d, BufferDesc{Label: "dst", Size: 64, HostVisible: true})
	d.GetCommandBuffer(Transfer).CopyBuffer(src.Handle(), 0, dst.Handle(), 0, 64)
	src.Close()
	if err := d.Shutdown(); err != nil {
		t.Fatalf("Shutdown() error = %v", err)
	}
	if s := d.Queues().Stats(); s.Submissions == 0 {
		t.Error("open recording was not submitted at shutdown")
	}
}

func TestMeshCloseWaitsForOpenRecording(t *testing.T) {
	d, _ := newTestDriver(t, WithGeometrySpace(64<<10, sparse.PolicyError))
	m, err := d.UploadMesh(MeshBlob{Name: "tri", Vertices: pattern(36)})
	if err != nil {
		t.Fatal(err)
	}
	d.Submit(Transfer).Wait(completion.Infinite)

	rb := mustBuffer(t, d, BufferDesc{Label: "rb", Size: 36, HostVisible: true})
	d.GetCommandBuffer(Transfer).CopyBuffer(d.geometry.Handle(), m.Vertices.Offset, rb.Handle(), 0, 36)
	m.Close()
	d.GC()
	if s := d.Stats().Geometry; s.Reserved == 0 {
		t.Fatal("mesh ranges returned while a copy from them is unsubmitted")
	}
	d.Submit(Transfer).Wait(completion.Infinite)
	if got := rb.Read(0, 36); !bytes.Equal(got, pattern(36)) {
		t.Errorf("copied vertices = %v", got[:8])
	}
	d.GC()
	d.Submit(Transfer).Wait(completion.Infinite)
	if s := d.Stats().Geometry; s.Reserved != 0 {
		t.Errorf("geometry reserved = %d after close", s.Reserved)
	}
}

func computeShader(t *testing.T, d *Driver) *Shader {
	t.Helper()
	sh, err := d.CreateShader(ShaderBlob{
		Name: "fill",
		Variants: []ShaderVariant{
			{
				Compute:   ShaderSource{EntryPoint: "rhi.fill7"},
				Slots:     []binding.Slot{{Name: "out", Binding: 0, Type: backend.BindingStorageBuffer}},
				Constants: []binding.Constant{{Name: "add", Offset: 0, Size: 4}},
				PushSize:  4,
			},
			{
				Keywords:  []string{"NINE"},
				Compute:   ShaderSource{EntryPoint: "rhi.fill9"},
				Slots:     []binding.Slot{{Name: "out", Binding: 0, Type: backend.BindingStorageBuffer}},
				Constants: []binding.Constant{{Name: "add", Offset: 0, Size: 4}},
				PushSize:  4,
			},
		},
	})
	if err != nil {
		t.Fatalf("CreateShader() error = %v", err)
	}
	return sh
}

func TestDispatchSelectsVariant(t *testing.T) {
	d, _ := newTestDriver(t)
	sh := computeShader(t, d)
	out := mustBuffer(t, d, BufferDesc{Label: "out", Size: 16, Usage: gputypes.BufferUsageStorage})
	if err := d.Bindings().SetBuffer("out", out.BindHandle(0, 0)); err != nil {
		t.Fatal(err)
	}
	if err := d.Bindings().SetConstant("add", uint32(100)); err != nil {
		t.Fatal(err)
	}

	tests := []struct {
		keyword bool
		want    uint32
	}{
		{false, 107},
		{true, 109},
	}
	for _, tt := range tests {
		d.Bindings().SetKeyword("NINE", tt.keyword)
		if err := d.Dispatch(Compute, sh, 1, 1, 1); err != nil {
			t.Fatal(err)
		}
		d.Submit(Compute).Wait(completion.Infinite)
		if got := binary.LittleEndian.Uint32(out.Read(0, 4)); got != tt.want {
			t.Errorf("NINE=%v: value = %d, want %d", tt.keyword, got, tt.want)
		}
	}
	if st := d.Stats().Caches; st.ComputePipelines.Len != 2 {
		t.Errorf("compute pipelines = %d, want 2", st.ComputePipelines.Len)
	}
}

func TestDispatchErrors(t *testing.T) {
	d, _ := newTestDriver(t)
	render, err := d.CreateShader(ShaderBlob{
		Name: "tri",
		Variants: []ShaderVariant{{
			Vertex:   ShaderSource{EntryPoint: "vs_main", SPIRV: []uint32{0x07230203}},
			Fragment: ShaderSource{EntryPoint: "fs_main", SPIRV: []uint32{0x07230203}},
		}},
	})
	if err != nil {
		t.Fatal(err)
	}
	keyed, err := d.CreateShader(ShaderBlob{
		Name:     "keyed",
		Variants: []ShaderVariant{{Keywords: []string{"ONLY"}, Compute: ShaderSource{EntryPoint: "rhi.fill7"}}},
	})
	if err != nil {
		t.Fatal(err)
	}
	fill := computeShader(t, d)

	tests := []struct {
		name string
		sh   *Shader
		want error
	}{
		{"render shader", render, ErrShaderStage},
		{"no variant", keyed, ErrNoVariant},
		{"unbound", fill, binding.ErrUnbound},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if err := d.Dispatch(Compute, tt.sh, 1, 1, 1); !errors.Is(err, tt.want) {
				t.Errorf("Dispatch() error = %v, want %v", err, tt.want)
			}
		})
	}

	if _, err := d.CreateShader(ShaderBlob{Name: "empty"}); !errors.Is(err, ErrInvalidDescriptor) {
		t.Errorf("CreateShader(empty) error = %v", err)
	}
}

func TestUploadMesh(t *testing.T) {
	d, dev := newTestDriver(t, WithGeometrySpace(64<<10, sparse.PolicyError))
	m, err := d.UploadMesh(MeshBlob{
		Name:     "quad",
		Vertices: pattern(100),
		Indices:  pattern(24),
	})
	if err != nil {
		t.Fatal(err)
	}
	if m.Vertices.Size != 100 || m.Indices.Size != 24 || m.Meshlets.Size != 0 {
		t.Errorf("ranges = %+v %+v %+v", m.Vertices, m.Indices, m.Meshlets)
	}
	if m.Indices.Offset%(3*256) != 0 {
		t.Errorf("index offset %d not triangle and page aligned", m.Indices.Offset)
	}
	d.Submit(Transfer).Wait(completion.Infinite)
	if dev.Stats().BoundPages == 0 {
		t.Error("no pages bound for the mesh")
	}

	h := m.BindHandle(m.Vertices)
	if h.Offset() != m.Vertices.Offset || h.Size() != 100 {
		t.Errorf("vertex handle covers [%d,+%d), want the 100 uploaded bytes", h.Offset(), h.Size())
	}
	if st := d.Stats().Geometry; st.Reserved != 2*256 {
		t.Errorf("geometry reserved = %d, want whole pages", st.Reserved)
	}
	m.Close()
	if !h.Stale() {
		t.Error("handle of a closed mesh is not stale")
	}
	d.GC()
	d.Submit(Transfer).Wait(completion.Infinite)
	if s := d.Stats().Geometry; s.Reserved != 0 {
		t.Errorf("geometry reserved = %d after close", s.Reserved)
	}

	if _, err := d.UploadMesh(MeshBlob{Name: "bad", Indices: pattern(10)}); !errors.Is(err, ErrInvalidDescriptor) {
		t.Errorf("ragged indices error = %v", err)
	}
}

func TestUploadMeshWithoutGeometrySpace(t *testing.T) {
	d, _ := newTestDriver(t)
	if _, err := d.UploadMesh(MeshBlob{Vertices: pattern(4)}); !errors.Is(err, ErrUnsupported) {
		t.Errorf("error = %v, want ErrUnsupported", err)
	}
}

func readTexture(t *testing.T, d *Driver, tex *Texture) []byte {
	t.Helper()
	rb := mustBuffer(t, d, BufferDesc{Label: "readback", Size: tex.ByteSize(), HostVisible: true})
	d.Submit(Transfer)
	d.GetCommandBuffer(Transfer).CopyImageToBuffer(tex.Handle(), rb.Handle(), 0)
	d.Submit(Transfer).Wait(completion.Infinite)
	return rb.Read(0, tex.ByteSize())
}

func TestTextureUploadImage(t *testing.T) {
	tests := []struct {
		name   string
		format gputypes.TextureFormat
		src    int
		want   [4]byte
	}{
		{"rgba same size", gputypes.TextureFormatRGBA8Unorm, 4, [4]byte{10, 20, 30, 255}},
		{"bgra swizzled", gputypes.TextureFormatBGRA8Unorm, 4, [4]byte{30, 20, 10, 255}},
		{"rgba scaled", gputypes.TextureFormatRGBA8Unorm, 16, [4]byte{10, 20, 30, 255}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			d, _ := newTestDriver(t)
			tex, err := d.CreateTexture(TextureDesc{Label: "tex", Width: 4, Height: 4, Format: tt.format})
			if err != nil {
				t.Fatal(err)
			}
			img := image.NewRGBA(image.Rect(0, 0, tt.src, tt.src))
			for y := range tt.src {
				for x := range tt.src {
					img.Set(x, y, color.RGBA{10, 20, 30, 255})
				}
			}
			if err := tex.UploadImage(img); err != nil {
				t.Fatal(err)
			}
			got := readTexture(t, d, tex)
			for i := 0; i < len(got); i += 4 {
				for c := range 4 {
					if diff := int(got[i+c]) - int(tt.want[c]); diff < -1 || diff > 1 {
						t.Fatalf("pixel %d = %v, want %v", i/4, got[i:i+4], tt.want)
					}
				}
			}
		})
	}
}

func TestTextureValidate(t *testing.T) {
	d, _ := newTestDriver(t)
	tex, err := d.CreateTexture(TextureDesc{Label: "rt", Width: 8, Height: 8, Format: gputypes.TextureFormatRGBA8Unorm})
	if err != nil {
		t.Fatal(err)
	}
	h := tex.BindHandle()
	if changed, _ := d.ValidateTexture(tex, TextureDesc{Width: 8, Height: 8, Format: gputypes.TextureFormatRGBA8Unorm}); changed {
		t.Error("Validate() recreated an identical texture")
	}
	if changed, _ := d.ValidateTexture(tex, TextureDesc{Width: 16, Height: 8, Format: gputypes.TextureFormatRGBA8Unorm}); !changed {
		t.Error("Validate() kept a texture of the wrong size")
	}
	if !h.Stale() {
		t.Error("handle survived recreation")
	}
	if err := tex.UploadImage(image.NewGray(image.Rect(0, 0, 1, 1))); err != nil {
		t.Errorf("UploadImage(gray) error = %v", err)
	}
	r8, _ := d.CreateTexture(TextureDesc{Width: 2, Height: 2, Format: gputypes.TextureFormatR8Unorm})
	if err := r8.UploadImage(image.NewGray(image.Rect(0, 0, 2, 2))); !errors.Is(err, ErrUnsupported) {
		t.Errorf("UploadImage to R8 error = %v", err)
	}
}

type noRayTracing struct{ *soft.Device }

func (n noRayTracing) Caps() backend.Caps {
	c := n.Device.Caps()
	c.RayTracing = false
	return c
}

func TestAccelerationStructure(t *testing.T) {
	d, _ := newTestDriver(t)
	as, err := d.CreateAccelerationStructure(AccelerationStructureDesc{Label: "tlas", Size: 1024})
	if err != nil {
		t.Fatal(err)
	}
	if err := d.Bindings().SetAccelerationStructure("scene", as.BindHandle()); err != nil {
		t.Fatal(err)
	}
	h := as.BindHandle()
	if grew, _ := as.Validate(AccelerationStructureDesc{Size: 4096}); !grew || !h.Stale() {
		t.Errorf("Validate() grew = %v, stale = %v", grew, h.Stale())
	}

	nd, err := Init(WithDevice(noRayTracing{soft.New(soft.Config{})}))
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = nd.Shutdown() })
	if _, err := nd.CreateAccelerationStructure(AccelerationStructureDesc{Size: 64}); !errors.Is(err, ErrUnsupported) {
		t.Errorf("error = %v, want ErrUnsupported", err)
	}
}

func TestRequiredFeatureMissingIsFatal(t *testing.T) {
	dev := noRayTracing{soft.New(soft.Config{})}
	t.Cleanup(dev.Destroy)
	err := func() (err error) {
		defer fatal.Recover(&err)
		_, _ = Init(WithDevice(dev), RequireFeatures(FeatureRayTracing))
		return nil
	}()
	if !fatal.IsAssertion(err) {
		t.Errorf("Init() without ray tracing = %v, want assertion failure", err)
	}
}

func TestGCEvictsIdlePipelines(t *testing.T) {
	d, _ := newTestDriver(t, WithCacheHorizon(2))
	sh := computeShader(t, d)
	out := mustBuffer(t, d, BufferDesc{Size: 16})
	_ = d.Bindings().SetBuffer("out", out.BindHandle(0, 0))
	_ = d.Bindings().SetConstant("add", uint32(0))
	if err := d.Dispatch(Compute, sh, 1, 1, 1); err != nil {
		t.Fatal(err)
	}
	d.Submit(Compute).Wait(completion.Infinite)
	for range 4 {
		d.GC()
	}
	if n := d.Stats().Caches.ComputePipelines.Len; n != 0 {
		t.Errorf("compute pipelines after idle GCs = %d, want 0", n)
	}
	if d.Tick() != 4 {
		t.Errorf("Tick() = %d", d.Tick())
	}
}

func TestShaderCachePersists(t *testing.T) {
	path := filepath.Join(t.TempDir(), "shaders.lz4")
	compiles := 0
	compiler := func(src string) ([]uint32, error) {
		compiles++
		return []uint32{0x07230203, uint32(len(src))}, nil
	}
	blob := ShaderBlob{Name: "wgsl", Variants: []ShaderVariant{{
		Compute: ShaderSource{EntryPoint: "main", WGSL: "@compute fn main() {}"},
	}}}

	d, err := Init(WithDevice(soft.New(soft.Config{})), WithShaderCompiler(compiler), WithShaderCache(path))
	if err != nil {
		t.Fatal(err)
	}
	if _, err := d.CreateShader(blob); err != nil {
		t.Fatal(err)
	}
	if err := d.Shutdown(); err != nil {
		t.Fatal(err)
	}
	if _, err := os.Stat(path); err != nil {
		t.Fatalf("cache file: %v", err)
	}

	d, err = Init(WithDevice(soft.New(soft.Config{})), WithShaderCompiler(compiler), WithShaderCache(path))
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = d.Shutdown() })
	if _, err := d.CreateShader(blob); err != nil {
		t.Fatal(err)
	}
	if compiles != 1 {
		t.Errorf("compiles = %d, want 1", compiles)
	}
}

func TestShutdown(t *testing.T) {
	d, err := Init(WithDevice(soft.New(soft.Config{})))
	if err != nil {
		t.Fatal(err)
	}
	win := soft.NewWindow(32, 32)
	s, err := d.CreateWindow(win, present.Config{})
	if err != nil {
		t.Fatal(err)
	}
	f, err := s.AcquireNextImage()
	if err != nil {
		t.Fatal(err)
	}
	if err := s.Present(f); err != nil {
		t.Fatal(err)
	}
	if err := d.Shutdown(); err != nil {
		t.Fatalf("Shutdown() error = %v", err)
	}
	if err := d.Shutdown(); !errors.Is(err, ErrShutdown) {
		t.Errorf("second Shutdown() error = %v", err)
	}
	err = func() (err error) {
		defer fatal.Recover(&err)
		d.GC()
		return nil
	}()
	if !fatal.IsAssertion(err) {
		t.Errorf("GC after shutdown = %v, want assertion failure", err)
	}
}

func TestInitUnknownBackend(t *testing.T) {
	if _, err := Init(WithBackend("no-such-backend")); !errors.Is(err, backend.ErrBackendNotAvailable) {
		t.Errorf("error = %v, want ErrBackendNotAvailable", err)
	}
}
