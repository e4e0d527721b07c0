// Package reactor provides the pieces of a component event loop: an
// unbounded FIFO inbox and one-shot I/O and timer watchers that post their
// events into it.
package reactor

import "sync"

// Inbox is an unbounded FIFO of messages. Post never blocks and never drops
// while the inbox is open.
type Inbox struct {
	mu     sync.Mutex
	items  []any
	ready  chan struct{}
	closed bool
}

func NewInbox() *Inbox {
	return &Inbox{ready: make(chan struct{}, 1)}
}

// Post appends msg. It returns false once the inbox is closed.
func (b *Inbox) Post(msg any) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return false
	}
	b.items = append(b.items, msg)
	select {
	case b.ready <- struct{}{}:
	default:
	}
	return true
}

// Ready is signalled whenever messages are waiting.
func (b *Inbox) Ready() <-chan struct{} {
	return b.ready
}

// Pop removes the oldest message.
func (b *Inbox) Pop() (any, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if len(b.items) == 0 {
		return nil, false
	}
	msg := b.items[0]
	b.items[0] = nil
	b.items = b.items[1:]
	return msg, true
}

func (b *Inbox) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.items)
}

// Clear drops every queued message and returns them.
func (b *Inbox) Clear() []any {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := b.items
	b.items = nil
	return out
}

// Close stops accepting messages. Queued messages stay poppable.
func (b *Inbox) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.closed = true
}
