// Copyright 2026 The gogpu Authors
// SPDX-License-Identifier: BSD-3-Clause

package rhi

import (
	"log/slog"

	"github.com/gogpu/rhi/internal/logx"
)

// SetLogger configures the logger for rhi and all its sub-packages.
// By default, rhi produces no log output. Call SetLogger to enable logging.
//
// SetLogger is safe for concurrent use: it stores the new logger atomically.
// Pass nil to disable logging (restore default silent behavior).
//
// Log levels used by rhi:
//   - [slog.LevelDebug]: resource, pipeline and cache activity
//   - [slog.LevelInfo]: lifecycle events (device opened, chain rebuilt)
//   - [slog.LevelWarn]: non-fatal issues (budget overruns, ownership
//     violations, binding budget overflow)
//
// Example:
//
//	rhi.SetLogger(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
//	    Level: slog.LevelDebug,
//	})))
func SetLogger(l *slog.Logger) {
	logx.Set(l)
}

// Logger returns the current logger used by rhi.
//
// Logger is safe for concurrent use.
func Logger() *slog.Logger {
	return logx.L()
}
