// Copyright 2026 The gogpu Authors
// SPDX-License-Identifier: BSD-3-Clause

package cache

// useNode links an entry into its table's use order.
type useNode[K comparable] struct {
	key  K
	tick uint64
	prev *useNode[K]
	next *useNode[K]
}

// useList orders entries by last use. The head is the most recently used,
// so ticks never increase from head to tail.
type useList[K comparable] struct {
	head *useNode[K]
	tail *useNode[K]
	len  int
}

func (l *useList[K]) Len() int { return l.len }

// PushFront inserts a node for key used at tick.
func (l *useList[K]) PushFront(key K, tick uint64) *useNode[K] {
	n := &useNode[K]{key: key, tick: tick}
	l.linkFront(n)
	return n
}

// Touch records a use of n at tick and moves it to the front.
func (l *useList[K]) Touch(n *useNode[K], tick uint64) {
	n.tick = tick
	if n == l.head {
		return
	}
	l.unlink(n)
	l.linkFront(n)
}

// Remove unlinks n.
func (l *useList[K]) Remove(n *useNode[K]) {
	if n != nil {
		l.unlink(n)
	}
}

// Back returns the least recently used node, or nil.
func (l *useList[K]) Back() *useNode[K] { return l.tail }

func (l *useList[K]) linkFront(n *useNode[K]) {
	n.prev = nil
	n.next = l.head
	if l.head != nil {
		l.head.prev = n
	}
	l.head = n
	if l.tail == nil {
		l.tail = n
	}
	l.len++
}

func (l *useList[K]) unlink(n *useNode[K]) {
	if n.prev != nil {
		n.prev.next = n.next
	} else {
		l.head = n.next
	}
	if n.next != nil {
		n.next.prev = n.prev
	} else {
		l.tail = n.prev
	}
	n.prev = nil
	n.next = nil
	l.len--
}
