package orchestration

import "sync"

// mailbox is an unbounded FIFO with a single consumer. Posting never blocks,
// so components may deliver events from inside callbacks the consumer itself
// triggered.
type mailbox[T any] struct {
	mu     sync.Mutex
	items  []T
	closed bool
	notify chan struct{}
}

func newMailbox[T any]() *mailbox[T] {
	return &mailbox[T]{notify: make(chan struct{}, 1)}
}

// post enqueues item and reports whether the mailbox still accepts items.
func (m *mailbox[T]) post(item T) bool {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return false
	}
	m.items = append(m.items, item)
	m.mu.Unlock()

	select {
	case m.notify <- struct{}{}:
	default:
	}
	return true
}

// drain takes every queued item in arrival order.
func (m *mailbox[T]) drain() []T {
	m.mu.Lock()
	defer m.mu.Unlock()

	items := m.items
	m.items = nil
	return items
}

// close rejects further posts. Items already queued can still be drained.
func (m *mailbox[T]) close() {
	m.mu.Lock()
	m.closed = true
	m.mu.Unlock()

	select {
	case m.notify <- struct{}{}:
	default:
	}
}

func (m *mailbox[T]) isClosed() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.closed
}

// notifier runs callbacks in order on its own goroutine so that slow or
// re-entrant user callbacks never stall the session actor.
type notifier struct {
	queue *mailbox[func()]
	done  chan struct{}
}

func newNotifier() *notifier {
	n := &notifier{queue: newMailbox[func()](), done: make(chan struct{})}
	go n.run()
	return n
}

func (n *notifier) run() {
	defer close(n.done)
	for range n.queue.notify {
		for _, callback := range n.queue.drain() {
			callback()
		}
		if n.queue.isClosed() {
			for _, callback := range n.queue.drain() {
				callback()
			}
			return
		}
	}
}

func (n *notifier) notify(callback func()) {
	n.queue.post(callback)
}

// close delivers what is already queued and stops the notifier.
func (n *notifier) close() {
	n.queue.close()
}
