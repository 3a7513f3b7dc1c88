package mailbox

import (
	"context"
	"sync"
)

// Mailbox is an unbounded queue of messages delivered in post order.
// Any number of goroutines may Post; exactly one goroutine should Receive.
type Mailbox[T any] struct {
	mu     sync.Mutex
	queue  []T
	closed bool
	ready  chan struct{} // signalled when queue becomes non-empty, closed on Close
}

// New creates an empty, open mailbox.
func New[T any]() *Mailbox[T] {
	return &Mailbox[T]{
		ready: make(chan struct{}, 1),
	}
}

// Post appends msg to the mailbox. It returns false if the mailbox is closed,
// in which case the message is dropped.
func (m *Mailbox[T]) Post(msg T) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return false
	}
	m.queue = append(m.queue, msg)
	select {
	case m.ready <- struct{}{}:
	default:
	}
	return true
}

// Receive blocks until a message is available, the mailbox is closed or ctx
// is done. ok is false when no message was returned.
func (m *Mailbox[T]) Receive(ctx context.Context) (msg T, ok bool) {
	for {
		m.mu.Lock()
		if len(m.queue) > 0 {
			msg = m.queue[0]
			var zero T
			m.queue[0] = zero
			m.queue = m.queue[1:]
			m.mu.Unlock()
			return msg, true
		}
		closed := m.closed
		m.mu.Unlock()

		if closed {
			return msg, false
		}

		select {
		case <-m.ready:
		case <-ctx.Done():
			return msg, false
		}
	}
}

// Close discards pending messages and rejects future posts. Close is idempotent.
func (m *Mailbox[T]) Close() {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return
	}
	m.closed = true
	m.queue = nil
	close(m.ready)
}

// Len returns the number of pending messages.
func (m *Mailbox[T]) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.queue)
}
