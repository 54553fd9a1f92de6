// Package concurrency hides channel plumbing behind small message-passing
// primitives. The state machine registry uses a bounded Mailbox as the
// per-machine inbox: producers fail fast when it is full, a single consumer
// drains it.
package concurrency

import (
	"context"
	"errors"
)

var (
	// ErrMailboxClosed is returned when sending to or receiving from a closed mailbox.
	ErrMailboxClosed = errors.New("mailbox is closed")

	// ErrMailboxFull is returned when the mailbox is at capacity (backpressure).
	ErrMailboxFull = errors.New("mailbox is full")
)

// Mailbox is a bounded multi-producer, single-consumer message queue.
type Mailbox interface {
	// Send enqueues a message without blocking.
	// Returns ErrMailboxFull when at capacity, ErrMailboxClosed after Close.
	Send(msg interface{}) error

	// Receive blocks until a message is available or ctx is cancelled.
	// Returns ErrMailboxClosed once the mailbox is closed and drained.
	Receive(ctx context.Context) (interface{}, error)

	// TryReceive attempts a non-blocking receive.
	// The bool reports whether a message was returned.
	TryReceive() (interface{}, bool, error)

	// Close closes the mailbox. Pending messages may still be received.
	Close()

	// Capacity returns the mailbox capacity.
	Capacity() int

	// Size returns the number of queued messages.
	Size() int

	// IsClosed reports whether Close has been called.
	IsClosed() bool
}
