// Copyright 2026 The gogpu Authors
// SPDX-License-Identifier: BSD-3-Clause

//go:build !nogpu

package halgpu

import (
	"github.com/gogpu/rhi/backend"

	_ "github.com/gogpu/wgpu/hal/vulkan" // registers the Vulkan HAL
)

func init() {
	backend.Register(Name, func() (backend.Device, error) {
		d, err := Open()
		if err != nil {
			return nil, err
		}
		return d, nil
	})
}
