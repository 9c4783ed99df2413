package cluster

import "sync"

// Mailbox is an unbounded FIFO inbox for an actor goroutine.
//
// Push never blocks, which lets two actors post to each other from their own
// loops without risking a send/send deadlock. The owning actor waits on
// Ready and then takes everything queued with Drain.
//
// Example:
//
//	for {
//	    select {
//	    case <-ctx.Done():
//	        return
//	    case <-mb.Ready():
//	        for _, ev := range mb.Drain() {
//	            handle(ev)
//	        }
//	    }
//	}
type Mailbox[T any] struct {
	mu     sync.Mutex
	items  []T
	ready  chan struct{}
	closed bool
}

// NewMailbox returns an empty, open mailbox.
func NewMailbox[T any]() *Mailbox[T] {
	return &Mailbox[T]{ready: make(chan struct{}, 1)}
}

// Push appends v. It returns false if the mailbox has been closed, in which
// case v is dropped.
func (m *Mailbox[T]) Push(v T) bool {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return false
	}
	m.items = append(m.items, v)
	m.mu.Unlock()

	select {
	case m.ready <- struct{}{}:
	default:
	}
	return true
}

// Ready is signalled at least once after any Push that follows a Drain.
func (m *Mailbox[T]) Ready() <-chan struct{} {
	return m.ready
}

// Drain removes and returns everything queued, in push order.
func (m *Mailbox[T]) Drain() []T {
	m.mu.Lock()
	defer m.mu.Unlock()
	items := m.items
	m.items = nil
	return items
}

// Len returns the number of queued items.
func (m *Mailbox[T]) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.items)
}

// Close stops the mailbox from accepting new items. Items already queued can
// still be drained.
func (m *Mailbox[T]) Close() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
}
