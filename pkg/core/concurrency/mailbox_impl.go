package concurrency

import (
	"context"
	"sync"
)

// boundedMailbox implements Mailbox on a buffered channel. The mutex makes
// Send and Close mutually exclusive: a Close landing between a closed-flag
// check and the channel send would otherwise panic the sender.
type boundedMailbox struct {
	mu       sync.RWMutex
	ch       chan interface{}
	closed   bool
	capacity int
}

// NewBoundedMailbox creates a mailbox holding at most capacity messages.
func NewBoundedMailbox(capacity int) Mailbox {
	if capacity < 1 {
		capacity = 100
	}
	return &boundedMailbox{
		ch:       make(chan interface{}, capacity),
		capacity: capacity,
	}
}

func (mb *boundedMailbox) Send(msg interface{}) error {
	mb.mu.RLock()
	defer mb.mu.RUnlock()
	if mb.closed {
		return ErrMailboxClosed
	}
	select {
	case mb.ch <- msg:
		return nil
	default:
		return ErrMailboxFull
	}
}

func (mb *boundedMailbox) Receive(ctx context.Context) (interface{}, error) {
	select {
	case msg, ok := <-mb.ch:
		if !ok {
			return nil, ErrMailboxClosed
		}
		return msg, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (mb *boundedMailbox) TryReceive() (interface{}, bool, error) {
	select {
	case msg, ok := <-mb.ch:
		if !ok {
			return nil, false, ErrMailboxClosed
		}
		return msg, true, nil
	default:
		return nil, false, nil
	}
}

func (mb *boundedMailbox) Close() {
	mb.mu.Lock()
	defer mb.mu.Unlock()
	if !mb.closed {
		mb.closed = true
		close(mb.ch)
	}
}

func (mb *boundedMailbox) Capacity() int {
	return mb.capacity
}

func (mb *boundedMailbox) Size() int {
	return len(mb.ch)
}

func (mb *boundedMailbox) IsClosed() bool {
	mb.mu.RLock()
	defer mb.mu.RUnlock()
	return mb.closed
}
