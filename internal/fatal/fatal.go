// Copyright 2026 The gogpu Authors
// SPDX-License-Identifier: BSD-3-Clause

// Package fatal reports conditions the layer treats as unrecoverable:
// device loss, out-of-range memory access and other caller bugs.
//
// These are programmer or environment errors, not steady-state failures,
// so they panic with a stack-carrying error instead of being returned.
package fatal

import (
	"github.com/cockroachdb/errors"

	"github.com/gogpu/rhi/internal/logx"
)

// Check panics with an assertion failure when cond is false.
func Check(cond bool, format string, args ...any) {
	if cond {
		return
	}
	Failf(format, args...)
}

// Failf panics with an assertion failure built from format and args.
func Failf(format string, args ...any) {
	err := errors.AssertionFailedf(format, args...)
	logx.L().Error("rhi: fatal", "err", err)
	panic(err)
}

// Err panics with err annotated with msg and the current stack.
// A nil err is ignored.
func Err(err error, msg string) {
	if err == nil {
		return
	}
	wrapped := errors.WithStack(errors.Wrap(err, msg))
	logx.L().Error("rhi: fatal", "err", wrapped)
	panic(wrapped)
}

// Recover converts a panic raised by this package back into an error.
// It is meant for tests and for top-level handlers that log and exit.
func Recover(errp *error) {
	r := recover()
	if r == nil {
		return
	}
	if err, ok := r.(error); ok && errp != nil {
		*errp = err
		return
	}
	panic(r)
}

// IsAssertion reports whether err is an assertion failure raised by Check
// or Failf.
func IsAssertion(err error) bool {
	return errors.HasAssertionFailure(err)
}
