package actor

import "sync"

// mailbox is a thread-safe unbounded FIFO of pending messages.
//
// The mailbox is unbounded so a burst of callers never blocks on enqueue.
// A buffered signal channel of size 1 coalesces wakeups and lets the Run
// loop wait with select alongside ctx.Done.
type mailbox struct {
	mu     sync.Mutex
	items  []*message
	closed bool
	signal chan struct{}
}

func newMailbox() *mailbox {
	return &mailbox{
		items:  make([]*message, 0, 16),
		signal: make(chan struct{}, 1),
	}
}

// Enqueue adds a message to the back of the mailbox.
// Returns false if the mailbox is closed.
func (m *mailbox) Enqueue(msg *message) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return false
	}
	m.items = append(m.items, msg)

	select {
	case m.signal <- struct{}{}:
	default:
	}
	return true
}

// TryDequeue removes the front message without blocking.
func (m *mailbox) TryDequeue() (*message, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if len(m.items) == 0 {
		return nil, false
	}
	msg := m.items[0]
	m.items[0] = nil // release for GC
	if len(m.items) == 1 {
		m.items = m.items[:0]
	} else {
		m.items = m.items[1:]
	}
	return msg, true
}

// Wait returns a channel that signals when messages may be available.
// The channel is closed when the mailbox is closed.
func (m *mailbox) Wait() <-chan struct{} {
	return m.signal
}

// Len returns the number of pending messages.
func (m *mailbox) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.items)
}

// Close stops accepting messages and returns whatever was still queued.
func (m *mailbox) Close() []*message {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return nil
	}
	m.closed = true
	close(m.signal)
	rest := m.items
	m.items = nil
	return rest
}
