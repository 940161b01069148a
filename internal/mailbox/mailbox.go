// Package mailbox provides a single-slot channel that always holds the most
// recent value. Slow readers skip intermediate values instead of blocking the
// writer.
package mailbox

import "sync"

// Mailbox delivers the latest published value to one reader.
type Mailbox[T any] struct {
	ch   chan T
	done chan struct{}

	mu     sync.Mutex
	closed bool
}

// New returns an open mailbox.
func New[T any]() *Mailbox[T] {
	return &Mailbox[T]{
		ch:   make(chan T, 1),
		done: make(chan struct{}),
	}
}

// C returns the receive channel. It is closed by Close.
func (m *Mailbox[T]) C() <-chan T { return m.ch }

// Publish replaces any unread value with v. It reports false once the
// mailbox is closed.
func (m *Mailbox[T]) Publish(v T) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return false
	}
	select {
	case <-m.ch:
	default:
	}
	m.ch <- v
	return true
}

// Close discards any unread value and closes C. It reports whether this call
// closed the mailbox.
func (m *Mailbox[T]) Close() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return false
	}
	m.closed = true
	select {
	case <-m.ch:
	default:
	}
	close(m.ch)
	close(m.done)
	return true
}

// Done is closed by Close.
func (m *Mailbox[T]) Done() <-chan struct{} { return m.done }
