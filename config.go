// Copyright 2026 The gogpu Authors
// SPDX-License-Identifier: BSD-3-Clause

package rhi

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"

	"github.com/gogpu/rhi/sparse"
)

// Environment variables read by LoadConfig.
const (
	EnvBackend         = "RHI_BACKEND"
	EnvMemoryBudgetMB  = "RHI_MEMORY_BUDGET_MB"
	EnvStagingRing     = "RHI_STAGING_RING"
	EnvGeometrySpace   = "RHI_GEOMETRY_SPACE"
	EnvSparsePolicy    = "RHI_SPARSE_POLICY"
	EnvValidation      = "RHI_VALIDATION"
	EnvCacheHorizon    = "RHI_CACHE_HORIZON"
	EnvShaderCache     = "RHI_SHADER_CACHE"
	EnvShutdownTimeout = "RHI_SHUTDOWN_TIMEOUT"
)

// Config is the file and environment form of the Init options.
type Config struct {
	Backend         string
	MemoryBudgetMB  int
	StagingRing     uint64
	GeometrySpace   uint64
	SparsePolicy    sparse.Policy
	Validation      bool
	CacheHorizon    uint64
	ShaderCache     string
	ShutdownTimeout time.Duration
}

// LoadConfig reads RHI_* settings. When path is not empty it is read as a
// dotenv file first; process environment variables override its values.
func LoadConfig(path string) (Config, error) {
	vars := map[string]string{}
	if path != "" {
		file, err := godotenv.Read(path)
		if err != nil {
			return Config{}, fmt.Errorf("rhi: load config %s: %w", path, err)
		}
		vars = file
	}
	for _, k := range []string{
		EnvBackend, EnvMemoryBudgetMB, EnvStagingRing, EnvGeometrySpace, EnvSparsePolicy,
		EnvValidation, EnvCacheHorizon, EnvShaderCache, EnvShutdownTimeout,
	} {
		if v, ok := os.LookupEnv(k); ok {
			vars[k] = v
		}
	}

	var c Config
	var err error
	c.Backend = vars[EnvBackend]
	c.ShaderCache = vars[EnvShaderCache]
	if v := vars[EnvMemoryBudgetMB]; v != "" {
		if c.MemoryBudgetMB, err = strconv.Atoi(v); err != nil {
			return Config{}, fmt.Errorf("rhi: %s: %w", EnvMemoryBudgetMB, err)
		}
	}
	for _, f := range []struct {
		key string
		dst *uint64
	}{
		{EnvStagingRing, &c.StagingRing},
		{EnvGeometrySpace, &c.GeometrySpace},
		{EnvCacheHorizon, &c.CacheHorizon},
	} {
		v := vars[f.key]
		if v == "" {
			continue
		}
		if *f.dst, err = strconv.ParseUint(v, 10, 64); err != nil {
			return Config{}, fmt.Errorf("rhi: %s: %w", f.key, err)
		}
	}
	if v := vars[EnvValidation]; v != "" {
		if c.Validation, err = strconv.ParseBool(v); err != nil {
			return Config{}, fmt.Errorf("rhi: %s: %w", EnvValidation, err)
		}
	}
	if v := vars[EnvShutdownTimeout]; v != "" {
		if c.ShutdownTimeout, err = time.ParseDuration(v); err != nil {
			return Config{}, fmt.Errorf("rhi: %s: %w", EnvShutdownTimeout, err)
		}
	}
	switch v := vars[EnvSparsePolicy]; v {
	case "", "error":
		c.SparsePolicy = sparse.PolicyError
	case "fatal":
		c.SparsePolicy = sparse.PolicyFatal
	default:
		return Config{}, fmt.Errorf("rhi: %s: unknown policy %q", EnvSparsePolicy, v)
	}
	return c, nil
}

// Options converts c to Init options. Zero fields keep the defaults.
func (c Config) Options() []Option {
	var opts []Option
	if c.Backend != "" {
		opts = append(opts, WithBackend(c.Backend))
	}
	if c.MemoryBudgetMB > 0 {
		opts = append(opts, WithMemoryBudget(c.MemoryBudgetMB))
	}
	if c.StagingRing > 0 {
		opts = append(opts, WithStagingRing(c.StagingRing))
	}
	if c.GeometrySpace > 0 {
		opts = append(opts, WithGeometrySpace(c.GeometrySpace, c.SparsePolicy))
	}
	if c.Validation {
		opts = append(opts, WithValidation(true))
	}
	if c.CacheHorizon > 0 {
		opts = append(opts, WithCacheHorizon(c.CacheHorizon))
	}
	if c.ShaderCache != "" {
		opts = append(opts, WithShaderCache(c.ShaderCache))
	}
	if c.ShutdownTimeout > 0 {
		opts = append(opts, WithShutdownTimeout(c.ShutdownTimeout))
	}
	return opts
}
