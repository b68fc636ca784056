package util

import (
	"context"
	"sync"
)

// Mailbox is an unbounded multi-producer FIFO. Push never blocks, which lets an
// I/O loop hand results to slower consumers without stalling. A single
// consumer waits on Ready and then Drains; any number of consumers may Pop.
type Mailbox[T any] struct {
	mu     sync.Mutex
	items  []T
	ready  chan struct{}
	closed bool
}

func NewMailbox[T any]() *Mailbox[T] {
	return &Mailbox[T]{ready: make(chan struct{}, 1)}
}

// Push appends v. It reports false if the mailbox was closed.
func (m *Mailbox[T]) Push(v T) bool {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return false
	}
	m.items = append(m.items, v)
	m.mu.Unlock()
	m.signal()
	return true
}

func (m *Mailbox[T]) signal() {
	select {
	case m.ready <- struct{}{}:
	default:
	}
}

// Ready receives a value whenever items may be pending.
func (m *Mailbox[T]) Ready() <-chan struct{} { return m.ready }

// Drain removes and returns everything queued, oldest first.
func (m *Mailbox[T]) Drain() []T {
	m.mu.Lock()
	defer m.mu.Unlock()
	items := m.items
	m.items = nil
	return items
}

// Pop waits for the oldest item. ok is false once the mailbox is closed and
// empty. A woken Pop passes the wakeup on while items remain, so concurrent
// callers never wait on a non-empty mailbox.
func (m *Mailbox[T]) Pop(ctx context.Context) (v T, ok bool, err error) {
	for {
		m.mu.Lock()
		if len(m.items) > 0 {
			v = m.items[0]
			var zero T
			m.items[0] = zero
			m.items = m.items[1:]
			more := len(m.items) > 0 || m.closed
			m.mu.Unlock()
			if more {
				m.signal()
			}
			return v, true, nil
		}
		if m.closed {
			m.mu.Unlock()
			m.signal()
			return v, false, nil
		}
		m.mu.Unlock()

		select {
		case <-m.ready:
		case <-ctx.Done():
			return v, false, ctx.Err()
		}
	}
}

// Len returns the number of queued items.
func (m *Mailbox[T]) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.items)
}

// Close rejects further pushes. Queued items stay drainable.
func (m *Mailbox[T]) Close() {
	m.mu.Lock()
	m.closed = true
	m.mu.Unlock()
	m.signal()
}

// Closed reports whether Close was called.
func (m *Mailbox[T]) Closed() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.closed
}
