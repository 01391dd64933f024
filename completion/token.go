// Copyright 2026 The gogpu Authors
// SPDX-License-Identifier: BSD-3-Clause

// Package completion provides the token that stands for a point in a
// queue's submission history.
//
// A Token answers one question: has submission N on queue Q finished
// executing on the GPU? It never identifies a resource. Tokens are plain
// values and may be copied freely; invalidating a copy does not affect
// other copies.
package completion

import (
	"math"
	"time"
)

// Invalid is the counter value of a token that is already satisfied.
const Invalid uint64 = 0

// Infinite is a timeout that waits without bound.
const Infinite = time.Duration(math.MaxInt64)

// WaitFunc blocks until the submission identified by counter has completed
// or timeout elapses, and reports whether it completed. A zero timeout
// must not block.
type WaitFunc func(counter uint64, timeout time.Duration) bool

// Token is an opaque handle for "submission counter has completed".
// The zero Token is invalid and therefore always satisfied.
type Token struct {
	wait    WaitFunc
	counter uint64
}

// New returns a token that is satisfied once wait reports counter complete.
// A nil wait or an Invalid counter yields an already satisfied token.
func New(wait WaitFunc, counter uint64) Token {
	if wait == nil {
		return Token{}
	}
	return Token{wait: wait, counter: counter}
}

// Done returns an already satisfied token.
func Done() Token { return Token{} }

// Valid reports whether the token still refers to outstanding work.
func (t Token) Valid() bool { return t.counter != Invalid }

// Counter returns the submission counter, or Invalid.
func (t Token) Counter() uint64 { return t.counter }

// Wait reports whether the submission has completed, waiting up to timeout.
// An invalid token reports true without calling the wait function.
func (t Token) Wait(timeout time.Duration) bool {
	if t.counter == Invalid {
		return true
	}
	if timeout < 0 {
		timeout = 0
	}
	return t.wait(t.counter, timeout)
}

// Invalidate marks the token permanently satisfied.
func (t *Token) Invalidate() {
	t.counter = Invalid
	t.wait = nil
}

// WaitInvalidate waits like Wait and invalidates the token on success.
// It is the usual "is this done, and if so forget it" check.
func (t *Token) WaitInvalidate(timeout time.Duration) bool {
	if !t.Wait(timeout) {
		return false
	}
	t.Invalidate()
	return true
}

// Join returns a token satisfied once every input token is. Already
// satisfied inputs are dropped; if at most one remains it is returned as is.
// The timeout passed to the joined token bounds the whole wait.
func Join(tokens ...Token) Token {
	pending := make([]Token, 0, len(tokens))
	for _, t := range tokens {
		if t.Valid() {
			pending = append(pending, t)
		}
	}
	switch len(pending) {
	case 0:
		return Token{}
	case 1:
		return pending[0]
	}
	wait := func(_ uint64, timeout time.Duration) bool {
		var deadline time.Time
		bounded := timeout != Infinite && timeout > 0
		if bounded {
			deadline = time.Now().Add(timeout)
		}
		for i := range pending {
			remaining := timeout
			if bounded {
				remaining = time.Until(deadline)
				if remaining < 0 {
					remaining = 0
				}
			}
			if !pending[i].WaitInvalidate(remaining) {
				return false
			}
		}
		return true
	}
	return Token{wait: wait, counter: 1}
}
