// Copyright 2026 The gogpu Authors
// SPDX-License-Identifier: BSD-3-Clause

package cache

import (
	"bufio"
	"encoding/binary"
	"errors"
	"fmt"
	"io"

	"github.com/gogpu/naga"
	"github.com/google/uuid"
	"github.com/pierrec/lz4"

	"github.com/gogpu/rhi/backend"
	"github.com/gogpu/rhi/internal/logx"
)

// Shader cache file format: magic, version, device UUID, entry count,
// then entries. The whole stream is lz4 compressed.
const (
	shaderMagic   = "RHSC"
	shaderVersion = 1
)

var shaderNamespace = uuid.MustParse("6f1c2a7e-93d4-4b8e-9a51-0e2d6c4f7b10")

// Shader cache errors.
var (
	// ErrCacheFormat is returned for malformed cache files.
	ErrCacheFormat = errors.New("cache: malformed shader cache")

	// ErrCacheDevice is returned when a cache was saved for another device.
	ErrCacheDevice = errors.New("cache: shader cache from another device")
)

// Compiler turns WGSL into SPIR-V words.
type Compiler func(wgsl string) ([]uint32, error)

// CompileWGSL compiles with naga.
func CompileWGSL(wgsl string) ([]uint32, error) {
	spirv, err := naga.Compile(wgsl)
	if err != nil {
		return nil, fmt.Errorf("compile shader: %w", err)
	}
	if len(spirv)%4 != 0 {
		return nil, fmt.Errorf("compile shader: %d bytes is not whole SPIR-V words", len(spirv))
	}
	words := make([]uint32, len(spirv)/4)
	for i := range words {
		words[i] = binary.LittleEndian.Uint32(spirv[i*4:])
	}
	return words, nil
}

// Shaders memoizes compiled shader stages by content.
type Shaders struct {
	device  uuid.UUID
	compile Compiler
	code    map[ShaderID]backend.ShaderCode

	hits, misses uint64
}

// NewShaders returns an empty cache stamped with device. A nil compile
// uses CompileWGSL.
func NewShaders(device uuid.UUID, compile Compiler) *Shaders {
	if compile == nil {
		compile = CompileWGSL
	}
	return &Shaders{device: device, compile: compile, code: make(map[ShaderID]backend.ShaderCode)}
}

func shaderID(stage backend.ShaderStages, entry string, body []byte) ShaderID {
	name := make([]byte, 0, len(entry)+len(body)+2)
	name = append(name, byte(stage))
	name = append(name, entry...)
	name = append(name, 0)
	name = append(name, body...)
	return uuid.NewSHA1(shaderNamespace, name)
}

// AddWGSL compiles a WGSL stage once and returns its ID. An empty source
// registers the entry point alone, for backends that resolve kernels by
// name.
func (s *Shaders) AddWGSL(stage backend.ShaderStages, entry, source string) (ShaderID, error) {
	id := shaderID(stage, entry, []byte(source))
	if _, ok := s.code[id]; ok {
		s.hits++
		return id, nil
	}
	s.misses++
	code := backend.ShaderCode{Stage: stage, EntryPoint: entry}
	if source != "" {
		words, err := s.compile(source)
		if err != nil {
			return ShaderID{}, fmt.Errorf("cache: %v %q: %w", stage, entry, err)
		}
		code.SPIRV = words
	}
	s.code[id] = code
	logx.L().Debug("cache: shader compiled", "stage", stage.String(), "entry", entry, "words", len(code.SPIRV))
	return id, nil
}

// AddSPIRV registers precompiled SPIR-V and returns its ID.
func (s *Shaders) AddSPIRV(stage backend.ShaderStages, entry string, words []uint32) ShaderID {
	body := make([]byte, len(words)*4)
	for i, w := range words {
		binary.LittleEndian.PutUint32(body[i*4:], w)
	}
	id := shaderID(stage, entry, body)
	if _, ok := s.code[id]; ok {
		s.hits++
		return id
	}
	s.misses++
	s.code[id] = backend.ShaderCode{Stage: stage, EntryPoint: entry, SPIRV: append([]uint32(nil), words...)}
	return id
}

// Code returns the compiled stage for id.
func (s *Shaders) Code(id ShaderID) (backend.ShaderCode, bool) {
	c, ok := s.code[id]
	return c, ok
}

// Len returns the number of cached stages.
func (s *Shaders) Len() int { return len(s.code) }

// Stats returns hit and miss counts.
func (s *Shaders) Stats() Stats {
	return Stats{Len: len(s.code), Hits: s.hits, Misses: s.misses}
}

// Save writes every stage to w, lz4 compressed.
func (s *Shaders) Save(w io.Writer) error {
	zw := lz4.NewWriter(w)
	bw := bufio.NewWriter(zw)
	put := func(v any) error { return binary.Write(bw, binary.LittleEndian, v) }

	if _, err := bw.WriteString(shaderMagic); err != nil {
		return err
	}
	if err := put(uint32(shaderVersion)); err != nil {
		return err
	}
	if _, err := bw.Write(s.device[:]); err != nil {
		return err
	}
	if err := put(uint32(len(s.code))); err != nil { //nolint:gosec // cache sizes fit uint32
		return err
	}
	for id, c := range s.code {
		if _, err := bw.Write(id[:]); err != nil {
			return err
		}
		if err := put(uint8(c.Stage)); err != nil {
			return err
		}
		if err := put(uint32(len(c.EntryPoint))); err != nil { //nolint:gosec // short names
			return err
		}
		if _, err := bw.WriteString(c.EntryPoint); err != nil {
			return err
		}
		if err := put(uint32(len(c.SPIRV))); err != nil { //nolint:gosec // module sizes fit uint32
			return err
		}
		if err := put(c.SPIRV); err != nil {
			return err
		}
	}
	if err := bw.Flush(); err != nil {
		return err
	}
	return zw.Close()
}

// Load merges stages saved by Save and returns how many were added. A
// cache saved for another device is rejected with ErrCacheDevice.
func (s *Shaders) Load(r io.Reader) (int, error) {
	br := bufio.NewReader(lz4.NewReader(r))
	get := func(v any) error { return binary.Read(br, binary.LittleEndian, v) }

	magic := make([]byte, len(shaderMagic))
	if _, err := io.ReadFull(br, magic); err != nil || string(magic) != shaderMagic {
		return 0, fmt.Errorf("%w: bad magic", ErrCacheFormat)
	}
	var version, count uint32
	if err := get(&version); err != nil || version != shaderVersion {
		return 0, fmt.Errorf("%w: version %d", ErrCacheFormat, version)
	}
	var device uuid.UUID
	if _, err := io.ReadFull(br, device[:]); err != nil {
		return 0, fmt.Errorf("%w: %w", ErrCacheFormat, err)
	}
	if device != s.device {
		logx.L().Info("cache: ignoring shader cache from another device", "saved", device, "device", s.device)
		return 0, fmt.Errorf("%w: saved for %s", ErrCacheDevice, device)
	}
	if err := get(&count); err != nil {
		return 0, fmt.Errorf("%w: %w", ErrCacheFormat, err)
	}

	added := 0
	for i := uint32(0); i < count; i++ {
		var id ShaderID
		var stage uint8
		var n uint32
		if _, err := io.ReadFull(br, id[:]); err != nil {
			return added, fmt.Errorf("%w: entry %d: %w", ErrCacheFormat, i, err)
		}
		if err := get(&stage); err != nil {
			return added, fmt.Errorf("%w: entry %d: %w", ErrCacheFormat, i, err)
		}
		if err := get(&n); err != nil || n > 1<<10 {
			return added, fmt.Errorf("%w: entry %d: entry point", ErrCacheFormat, i)
		}
		entry := make([]byte, n)
		if _, err := io.ReadFull(br, entry); err != nil {
			return added, fmt.Errorf("%w: entry %d: %w", ErrCacheFormat, i, err)
		}
		if err := get(&n); err != nil || n > 1<<24 {
			return added, fmt.Errorf("%w: entry %d: code size", ErrCacheFormat, i)
		}
		var words []uint32
		if n > 0 {
			words = make([]uint32, n)
			if err := get(words); err != nil {
				return added, fmt.Errorf("%w: entry %d: %w", ErrCacheFormat, i, err)
			}
		}
		if _, ok := s.code[id]; ok {
			continue
		}
		s.code[id] = backend.ShaderCode{Stage: backend.ShaderStages(stage), EntryPoint: string(entry), SPIRV: words}
		added++
	}
	return added, nil
}
