// Copyright 2026 The gogpu Authors
// SPDX-License-Identifier: BSD-3-Clause

package cache

import (
	"bytes"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/gogpu/rhi/backend"
	"github.com/gogpu/rhi/backend/soft"
	"github.com/gogpu/rhi/completion"
)

type fakeKey struct {
	Name  string
	Width int
}

func (k fakeKey) Normalize() fakeKey {
	k.Name = strings.ToLower(k.Name)
	if k.Width == 0 {
		k.Width = 1
	}
	return k
}

func newFakeTable() (*Table[fakeKey, int], *int, *[]int) {
	created := 0
	var destroyed []int
	t := NewTable("fake",
		func(fakeKey) (int, error) { created++; return created, nil },
		func(v int) { destroyed = append(destroyed, v) })
	return t, &created, &destroyed
}

func TestGetOrCreateIdentity(t *testing.T) {
	tbl, created, _ := newFakeTable()
	a, err := tbl.GetOrCreate(fakeKey{Name: "Blur"})
	if err != nil {
		t.Fatal(err)
	}
	b, _ := tbl.GetOrCreate(fakeKey{Name: "blur", Width: 1})
	if a != b || *created != 1 {
		t.Errorf("equal normalized keys gave different entries (created %d)", *created)
	}
	c, _ := tbl.GetOrCreate(fakeKey{Name: "blur", Width: 2})
	if c == a {
		t.Error("different keys share an entry")
	}
	if s := tbl.Stats(); s.Hits != 1 || s.Misses != 2 || s.Len != 2 {
		t.Errorf("stats = %v", s)
	}
}

func TestCreateErrorNotCached(t *testing.T) {
	fail := true
	tbl := NewTable("flaky", func(fakeKey) (int, error) {
		if fail {
			return 0, errors.New("boom")
		}
		return 7, nil
	}, nil)
	if _, err := tbl.GetOrCreate(fakeKey{}); err == nil {
		t.Fatal("expected error")
	}
	fail = false
	e, err := tbl.GetOrCreate(fakeKey{})
	if err != nil || e.Value != 7 {
		t.Errorf("retry = %v, %v", e, err)
	}
}

func TestPruneRespectsTicksAndPendingWork(t *testing.T) {
	done := false
	pending := completion.New(func(uint64, time.Duration) bool { return done }, 1)

	tbl, _, destroyed := newFakeTable()
	tbl.SetTick(1)
	old, _ := tbl.GetOrCreate(fakeKey{Name: "old"})
	busy, _ := tbl.GetOrCreate(fakeKey{Name: "busy"})
	busy.MarkUsed(backend.QueueGraphics, pending)
	tbl.SetTick(5)
	fresh, _ := tbl.GetOrCreate(fakeKey{Name: "fresh"})

	if n := tbl.Prune(5); n != 1 {
		t.Fatalf("Prune(5) = %d, want 1", n)
	}
	if len(*destroyed) != 1 || (*destroyed)[0] != old.Value {
		t.Errorf("destroyed = %v, want [%d]", *destroyed, old.Value)
	}
	if tbl.Len() != 2 {
		t.Errorf("Len() = %d, want 2", tbl.Len())
	}

	done = true
	if n := tbl.Prune(5); n != 1 {
		t.Errorf("Prune(5) after completion = %d, want 1", n)
	}
	if again, _ := tbl.GetOrCreate(fakeKey{Name: "fresh"}); again != fresh {
		t.Error("recently used entry was evicted")
	}
	if s := tbl.Stats(); s.Evictions != 2 {
		t.Errorf("Evictions = %d, want 2", s.Evictions)
	}
}

func TestTouchKeepsEntryAlive(t *testing.T) {
	tbl, _, _ := newFakeTable()
	tbl.SetTick(1)
	a, _ := tbl.GetOrCreate(fakeKey{Name: "a"})
	tbl.SetTick(10)
	tbl.GetOrCreate(fakeKey{Name: "a"})
	if n := tbl.Prune(5); n != 0 {
		t.Errorf("Prune evicted a touched entry")
	}
	if b, _ := tbl.GetOrCreate(fakeKey{Name: "a"}); b != a {
		t.Error("identity changed")
	}
}

func TestKeyNormalization(t *testing.T) {
	t.Run("bind layout order", func(t *testing.T) {
		a, _ := NewBindLayoutKey([]backend.BindLayoutEntry{
			{Binding: 1, Type: backend.BindingSampledTexture},
			{Binding: 0, Type: backend.BindingUniformBuffer, Count: 1},
		})
		b, _ := NewBindLayoutKey([]backend.BindLayoutEntry{
			{Binding: 0, Type: backend.BindingUniformBuffer},
			{Binding: 1, Type: backend.BindingSampledTexture, Count: 1},
		})
		if a.Normalize() != b.Normalize() {
			t.Error("layouts differing in order and default count are not equal")
		}
	})
	t.Run("sampler defaults", func(t *testing.T) {
		a := NewSamplerKey(&backend.SamplerDesc{})
		b := NewSamplerKey(&backend.SamplerDesc{MaxAnisotropy: 1, LodMaxClamp: DefaultLodMaxClamp})
		if a.Normalize() != b.Normalize() {
			t.Error("sampler defaults not normalized")
		}
	})
	t.Run("too many bindings", func(t *testing.T) {
		_, err := NewBindLayoutKey(make([]backend.BindLayoutEntry, MaxBindings+1))
		if !errors.Is(err, ErrKeyTooLarge) {
			t.Errorf("error = %v, want ErrKeyTooLarge", err)
		}
	})
}

func fakeCompiler(calls *int) Compiler {
	return func(src string) ([]uint32, error) {
		*calls++
		return []uint32{0x07230203, uint32(len(src))}, nil
	}
}

func TestShadersMemoized(t *testing.T) {
	calls := 0
	s := NewShaders(uuid.New(), fakeCompiler(&calls))
	a, err := s.AddWGSL(backend.StageCompute, "main", "fn main() {}")
	if err != nil {
		t.Fatal(err)
	}
	b, _ := s.AddWGSL(backend.StageCompute, "main", "fn main() {}")
	c, _ := s.AddWGSL(backend.StageCompute, "other", "fn main() {}")
	if a != b || a == c || calls != 2 {
		t.Errorf("ids a=%s b=%s c=%s, compiles %d", a, b, c, calls)
	}
	code, ok := s.Code(a)
	if !ok || len(code.SPIRV) != 2 || code.EntryPoint != "main" {
		t.Errorf("Code() = %+v, %v", code, ok)
	}
}

func TestShadersSaveLoad(t *testing.T) {
	calls := 0
	dev := uuid.New()
	src := NewShaders(dev, fakeCompiler(&calls))
	id, _ := src.AddWGSL(backend.StageVertex, "vs_main", "vertex source")
	spv := src.AddSPIRV(backend.StageFragment, "fs_main", []uint32{1, 2, 3})

	var buf bytes.Buffer
	if err := src.Save(&buf); err != nil {
		t.Fatal(err)
	}
	saved := buf.Bytes()

	dst := NewShaders(dev, fakeCompiler(&calls))
	n, err := dst.Load(bytes.NewReader(saved))
	if err != nil || n != 2 {
		t.Fatalf("Load() = %d, %v", n, err)
	}
	if c, ok := dst.Code(spv); !ok || len(c.SPIRV) != 3 || c.Stage != backend.StageFragment {
		t.Errorf("loaded SPIR-V stage = %+v", c)
	}
	before := calls
	if again, _ := dst.AddWGSL(backend.StageVertex, "vs_main", "vertex source"); again != id || calls != before {
		t.Error("loaded stage recompiled")
	}

	other := NewShaders(uuid.New(), nil)
	if _, err := other.Load(bytes.NewReader(saved)); !errors.Is(err, ErrCacheDevice) {
		t.Errorf("Load() on another device error = %v, want ErrCacheDevice", err)
	}
	if _, err := other.Load(strings.NewReader("garbage")); err == nil {
		t.Error("Load() accepted garbage")
	}
}

func TestSetComputePipelineShared(t *testing.T) {
	dev := soft.New(soft.Config{})
	t.Cleanup(dev.Destroy)
	soft.RegisterKernel("cache.noop", func(*soft.Invocation) {})
	s := NewSet(dev, nil)

	shader, err := s.Shaders.AddWGSL(backend.StageCompute, "cache.noop", "")
	if err != nil {
		t.Fatal(err)
	}
	bl, _ := NewBindLayoutKey([]backend.BindLayoutEntry{{Binding: 0, Type: backend.BindingStorageBuffer, Visibility: backend.StageCompute}})
	pl, _ := NewPipelineLayoutKey(0, bl)

	s.BeginFrame(1)
	a, err := s.ComputePipeline(ComputePipelineKey{Layout: pl, Shader: shader})
	if err != nil {
		t.Fatal(err)
	}
	b, _ := s.ComputePipeline(ComputePipelineKey{Layout: pl, Shader: shader})
	if a != b {
		t.Error("same key built two pipelines")
	}
	if st := s.Stats(); st.ComputePipelines.Len != 1 || st.PipelineLayouts.Len != 1 || st.BindLayouts.Len != 1 {
		t.Errorf("stats = %v", st)
	}

	// A pending pipeline keeps its layouts alive.
	done := false
	a.MarkUsed(backend.QueueCompute, completion.New(func(uint64, time.Duration) bool { return done }, 1))
	s.BeginFrame(100)
	if n := s.Prune(10); n != 0 {
		t.Errorf("Prune() evicted %d entries still in use", n)
	}
	done = true
	if n := s.Prune(10); n != 3 {
		t.Errorf("Prune() after completion = %d, want 3", n)
	}

	if _, err := s.ComputePipeline(ComputePipelineKey{Layout: pl, Shader: uuid.New()}); !errors.Is(err, ErrUnknownShader) {
		t.Errorf("unknown shader error = %v", err)
	}
}
