// Copyright 2026 The gogpu Authors
// SPDX-License-Identifier: BSD-3-Clause

// Package backend defines the device interface every GPU backend implements
// and the neutral command set recorded against it.
//
// Backends are a closed set of variants behind [Device]:
//
//   - "soft": an in-process simulated GPU with one executor per queue
//     (package backend/soft, always available)
//   - "hal": gogpu/wgpu HAL devices such as Vulkan (package backend/halgpu)
//
// # Backend Registration
//
// Backends register a factory from init():
//
//	import _ "github.com/gogpu/rhi/backend/soft"
//
// # Backend Selection
//
// Use Default() to open the best available backend, or Open() to request a
// specific one by name:
//
//	dev, err := backend.Open("soft")
//	if err != nil {
//		log.Fatal(err)
//	}
//	defer dev.Destroy()
//
// # Timelines
//
// Every queue owns a monotonically increasing timeline. A [Submission]
// signals one value on its queue and may wait on values of other queues;
// those waits are the only ordering between queues.
package backend
