// Copyright 2026 The gogpu Authors
// SPDX-License-Identifier: BSD-3-Clause

package binding

import (
	"encoding/binary"
	"errors"
	"fmt"
	"math"
	"sort"
	"strings"

	"github.com/go-gl/mathgl/mgl32"

	"github.com/gogpu/rhi/backend"
	"github.com/gogpu/rhi/cache"
	"github.com/gogpu/rhi/internal/logx"
	"github.com/gogpu/rhi/queue"
)

// Errors returned by Table.
var (
	// ErrStale is returned for handles whose resource has been recreated.
	ErrStale = errors.New("binding: stale handle")

	// ErrUnbound is returned by Resolve when a slot has no binding.
	ErrUnbound = errors.New("binding: unbound slot")

	// ErrConstantType is returned by SetConstant for unsupported values.
	ErrConstantType = errors.New("binding: unsupported constant type")
)

// DefaultBudget is the slot budget of layouts that leave it zero.
const DefaultBudget = 16

// Slot is one named binding a shader variant consumes.
type Slot struct {
	Name    string
	Binding uint32
	Type    backend.BindingType
}

// Constant is one field of a variant's push-constant block.
type Constant struct {
	Name   string
	Offset uint32
	Size   uint32
}

// Layout is what a shader variant expects from the table.
type Layout struct {
	Slots     []Slot
	Constants []Constant
	// PushSize is the size of the push-constant block.
	PushSize uint32
	// Budget caps the number of slots. Slots past it are dropped with a
	// warning.
	Budget int
}

// Resolved is a layout filled from the table.
type Resolved struct {
	Bindings []queue.Binding
	Push     []byte
	// Trackers are cache entries the bindings reference; mark them used
	// with the submission.
	Trackers []queue.Tracker
}

type samplerBinding struct {
	sampler backend.Sampler
	entry   *cache.Entry[backend.Sampler]
}

// Table maps names to the resources shaders consume. It is not safe for
// concurrent use.
type Table struct {
	buffers   map[string]BindHandle
	textures  map[string]BindHandle
	images    map[string]BindHandle
	accels    map[string]BindHandle
	samplers  map[string]samplerBinding
	constants map[string][]byte
	keywords  map[string]bool

	refused   uint64
	overflows uint64
}

// NewTable returns an empty table.
func NewTable() *Table {
	return &Table{
		buffers:   make(map[string]BindHandle),
		textures:  make(map[string]BindHandle),
		images:    make(map[string]BindHandle),
		accels:    make(map[string]BindHandle),
		samplers:  make(map[string]samplerBinding),
		constants: make(map[string][]byte),
		keywords:  make(map[string]bool),
	}
}

func (t *Table) set(kind string, m map[string]BindHandle, name string, h BindHandle) error {
	if h.Stale() {
		t.refused++
		logx.L().Warn("binding: refusing stale handle", "kind", kind, "name", name, "handle", h.String())
		return fmt.Errorf("%w: %s %q", ErrStale, kind, name)
	}
	m[name] = h
	return nil
}

// SetBuffer binds a buffer range to name.
func (t *Table) SetBuffer(name string, h BindHandle) error {
	return t.set("buffer", t.buffers, name, h)
}

// SetTexture binds a sampled texture to name.
func (t *Table) SetTexture(name string, h BindHandle) error {
	return t.set("texture", t.textures, name, h)
}

// SetImage binds a storage image to name.
func (t *Table) SetImage(name string, h BindHandle) error {
	return t.set("image", t.images, name, h)
}

// SetAccelerationStructure binds an acceleration structure to name.
func (t *Table) SetAccelerationStructure(name string, h BindHandle) error {
	return t.set("acceleration structure", t.accels, name, h)
}

// SetSampler binds a cached sampler to name.
func (t *Table) SetSampler(name string, e *cache.Entry[backend.Sampler]) {
	t.samplers[name] = samplerBinding{sampler: e.Value, entry: e}
}

// SetConstant stores a push-constant value. Accepted values are []byte,
// bool, int32, uint32, float32, float64 (stored as float32), and mgl32
// vectors and matrices. Values are little-endian.
func (t *Table) SetConstant(name string, v any) error {
	b, err := encodeConstant(v)
	if err != nil {
		return fmt.Errorf("%w: %q is %T", err, name, v)
	}
	t.constants[name] = b
	return nil
}

func putFloats(fs ...float32) []byte {
	b := make([]byte, 0, 4*len(fs))
	for _, f := range fs {
		b = binary.LittleEndian.AppendUint32(b, math.Float32bits(f))
	}
	return b
}

func encodeConstant(v any) ([]byte, error) {
	switch c := v.(type) {
	case []byte:
		return append([]byte(nil), c...), nil
	case bool:
		if c {
			return binary.LittleEndian.AppendUint32(nil, 1), nil
		}
		return binary.LittleEndian.AppendUint32(nil, 0), nil
	case int32:
		return binary.LittleEndian.AppendUint32(nil, uint32(c)), nil //nolint:gosec // bit pattern
	case uint32:
		return binary.LittleEndian.AppendUint32(nil, c), nil
	case float32:
		return putFloats(c), nil
	case float64:
		return putFloats(float32(c)), nil
	case mgl32.Vec2:
		return putFloats(c[:]...), nil
	case mgl32.Vec3:
		return putFloats(c[:]...), nil
	case mgl32.Vec4:
		return putFloats(c[:]...), nil
	case mgl32.Mat3:
		return putFloats(c[:]...), nil
	case mgl32.Mat4:
		return putFloats(c[:]...), nil
	default:
		return nil, ErrConstantType
	}
}

// SetKeyword enables or disables a variant keyword.
func (t *Table) SetKeyword(name string, on bool) {
	if on {
		t.keywords[name] = true
		return
	}
	delete(t.keywords, name)
}

// Keywords returns the enabled keywords, sorted.
func (t *Table) Keywords() []string {
	out := make([]string, 0, len(t.keywords))
	for k := range t.keywords {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

// Stats returns the number of refused stale handles and budget overflows.
func (t *Table) Stats() (refused, overflows uint64) { return t.refused, t.overflows }

// Resolve fills layout from the table. Handles that went stale after they
// were set are refused.
func (t *Table) Resolve(layout Layout) (Resolved, error) {
	budget := layout.Budget
	if budget <= 0 {
		budget = DefaultBudget
	}
	slots := layout.Slots
	if len(slots) > budget {
		t.overflows++
		logx.L().Warn("binding: layout exceeds binding budget, dropping slots",
			"slots", len(slots),
			"budget", budget)
		slots = slots[:budget]
	}

	var res Resolved
	var missing, stale []string
	for _, s := range slots {
		b := queue.Binding{Slot: s.Binding, Type: s.Type}
		var h BindHandle
		var ok bool
		switch s.Type {
		case backend.BindingUniformBuffer, backend.BindingStorageBuffer, backend.BindingReadOnlyStorageBuffer:
			h, ok = t.buffers[s.Name]
		case backend.BindingSampledTexture:
			h, ok = t.textures[s.Name]
		case backend.BindingStorageImage:
			h, ok = t.images[s.Name]
		case backend.BindingAccelerationStructure:
			h, ok = t.accels[s.Name]
		case backend.BindingSampler:
			sb, found := t.samplers[s.Name]
			if !found {
				missing = append(missing, s.Name)
				continue
			}
			b.Sampler = sb.sampler
			res.Trackers = append(res.Trackers, sb.entry)
			res.Bindings = append(res.Bindings, b)
			continue
		}
		if !ok {
			missing = append(missing, s.Name)
			continue
		}
		if h.Stale() {
			stale = append(stale, s.Name)
			continue
		}
		b.Resource, b.Offset, b.Size = h.Resource(), h.Offset(), h.Size()
		res.Bindings = append(res.Bindings, b)
	}
	if len(stale) > 0 {
		t.refused += uint64(len(stale))
		return Resolved{}, fmt.Errorf("%w: %s", ErrStale, strings.Join(stale, ", "))
	}
	if len(missing) > 0 {
		return Resolved{}, fmt.Errorf("%w: %s", ErrUnbound, strings.Join(missing, ", "))
	}

	if layout.PushSize > 0 {
		res.Push = make([]byte, layout.PushSize)
		for _, c := range layout.Constants {
			v, ok := t.constants[c.Name]
			if !ok {
				return Resolved{}, fmt.Errorf("%w: constant %s", ErrUnbound, c.Name)
			}
			end := min(uint64(c.Offset)+uint64(c.Size), uint64(layout.PushSize))
			if uint64(c.Offset) < end {
				copy(res.Push[c.Offset:end], v)
			}
		}
	}
	return res, nil
}
