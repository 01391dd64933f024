// Copyright 2026 The gogpu Authors
// SPDX-License-Identifier: BSD-3-Clause

package rhi

import (
	"errors"

	"github.com/gogpu/rhi/backend"
)

var (
	// ErrShutdown is returned by operations on a shut down Driver.
	ErrShutdown = errors.New("rhi: driver shut down")

	// ErrNoVariant is returned when no shader variant matches the enabled
	// keywords.
	ErrNoVariant = errors.New("rhi: no shader variant matches keywords")

	// ErrShaderStage is returned when a shader is used with the wrong kind
	// of work, e.g. dispatching a render shader.
	ErrShaderStage = errors.New("rhi: shader has no stage for this use")

	// ErrTimeout is returned when Shutdown gives up waiting for a queue.
	ErrTimeout = errors.New("rhi: timed out waiting for the GPU")

	// ErrInvalidDescriptor is returned for descriptors the device rejects.
	ErrInvalidDescriptor = backend.ErrInvalidDescriptor

	// ErrUnsupported is returned for features the device lacks.
	ErrUnsupported = backend.ErrUnsupported
)
