// Copyright 2026 The gogpu Authors
// SPDX-License-Identifier: BSD-3-Clause

package soft

import (
	"fmt"
	"sync"
	"time"

	"github.com/gogpu/rhi/backend"
	"github.com/gogpu/rhi/internal/logx"
)

// job is a submission bound to the timeline it signals.
type job struct {
	sub      *backend.Submission
	timeline *queue
}

// queue is one logical queue: a timeline plus, unless exec is set, the
// executor that drains it.
type queue struct {
	dev  *Device
	kind backend.QueueKind
	exec *queue

	mu        sync.Mutex
	pending   []job
	submitted uint64
	completed uint64
	paused    bool
	closed    bool

	wake    chan struct{}
	changed chan struct{}
}

func newQueue(d *Device, kind backend.QueueKind) *queue {
	return &queue{
		dev:     d,
		kind:    kind,
		wake:    make(chan struct{}, 1),
		changed: make(chan struct{}),
	}
}

func (q *queue) executor() *queue {
	if q.exec != nil {
		return q.exec
	}
	return q
}

func (q *queue) signalWake() {
	select {
	case q.wake <- struct{}{}:
	default:
	}
}

func (q *queue) enqueue(sub *backend.Submission) error {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return fmt.Errorf("%w: queue %v closed", backend.ErrDeviceLost, q.kind)
	}
	if sub.Signal <= q.submitted {
		q.mu.Unlock()
		return fmt.Errorf("%w: signal %d not after %d on %v",
			backend.ErrInvalidDescriptor, sub.Signal, q.submitted, q.kind)
	}
	q.submitted = sub.Signal
	q.mu.Unlock()

	e := q.executor()
	e.mu.Lock()
	e.pending = append(e.pending, job{sub: sub, timeline: q})
	e.mu.Unlock()
	e.signalWake()
	return nil
}

func (q *queue) setPaused(p bool) {
	q.mu.Lock()
	q.paused = p
	q.mu.Unlock()
	q.executor().signalWake()
}

func (q *queue) isPaused() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.paused
}

func (q *queue) close() {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return
	}
	q.closed = true
	close(q.changed)
	q.mu.Unlock()
	q.signalWake()
}

// next blocks until a runnable job is at the head of the executor's queue.
func (q *queue) next() (job, bool) {
	for {
		q.mu.Lock()
		if q.closed {
			q.mu.Unlock()
			return job{}, false
		}
		if len(q.pending) > 0 {
			head := q.pending[0]
			if head.timeline == q && q.paused {
				q.mu.Unlock()
				<-q.wake
				continue
			}
			if head.timeline != q {
				q.mu.Unlock()
				if head.timeline.isPaused() {
					<-q.wake
					continue
				}
				q.mu.Lock()
			}
			q.pending = q.pending[1:]
			q.mu.Unlock()
			return head, true
		}
		q.mu.Unlock()
		<-q.wake
	}
}

func (q *queue) run() {
	for {
		j, ok := q.next()
		if !ok {
			return
		}
		if !q.dev.waitAll(j.sub.Waits) {
			return
		}
		if err := q.dev.execute(j.sub); err != nil {
			logx.L().Error("soft: submission faulted",
				"queue", j.sub.Queue.String(),
				"label", j.sub.Label,
				"err", err)
			q.dev.LoseDevice()
		}
		j.timeline.complete(j.sub.Signal)
	}
}

func (q *queue) complete(value uint64) {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return
	}
	if value > q.completed {
		q.completed = value
	}
	close(q.changed)
	q.changed = make(chan struct{})
	q.mu.Unlock()
}

func (q *queue) completedValue() uint64 {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.completed
}

// waitValue blocks until the timeline reaches value, timeout elapses or
// the queue closes. A zero timeout polls.
func (q *queue) waitValue(value uint64, timeout time.Duration) bool {
	var timer <-chan time.Time
	if timeout > 0 && timeout < time.Duration(1<<62) {
		t := time.NewTimer(timeout)
		defer t.Stop()
		timer = t.C
	}
	for {
		q.mu.Lock()
		if q.completed >= value {
			q.mu.Unlock()
			return true
		}
		if q.closed || timeout == 0 {
			q.mu.Unlock()
			return false
		}
		ch := q.changed
		q.mu.Unlock()

		select {
		case <-ch:
		case <-timer:
			return false
		}
	}
}

// waitAll blocks until every wait point is reached. It reports false when
// the device shuts down first.
func (d *Device) waitAll(waits []backend.TimelinePoint) bool {
	for _, w := range waits {
		if int(w.Queue) >= backend.QueueCount {
			continue
		}
		if !d.queues[w.Queue].waitValue(w.Value, time.Duration(1<<62)) {
			return false
		}
	}
	return true
}
