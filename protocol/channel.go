package protocol

import (
	"context"
	"sync"

	"github.com/pkg/errors"
)

// ErrClosed is returned by a channel after Close.
var ErrClosed = errors.New("channel closed")

// A Channel carries one request at a time from the host to a device
// goroutine. The device blocks in Receive instead of polling.
type Channel struct {
	call     sync.Mutex
	requests chan Message
	replies  chan uint32

	mu      sync.Mutex
	pending Opcode
	closed  chan struct{}
	once    sync.Once
}

// NewChannel creates an open channel.
func NewChannel() *Channel {
	return &Channel{
		requests: make(chan Message),
		replies:  make(chan uint32),
		closed:   make(chan struct{}),
	}
}

// Call sends msg and waits for the device to reply. Concurrent calls are
// serialized. A call abandoned after the device took the request closes the
// channel, because the reply would be handed to the next caller.
func (c *Channel) Call(ctx context.Context, msg Message) (uint32, error) {
	c.call.Lock()
	defer c.call.Unlock()

	select {
	case c.requests <- msg:
	case <-c.closed:
		return 0, ErrClosed
	case <-ctx.Done():
		return 0, ctx.Err()
	}

	select {
	case ret := <-c.replies:
		return ret, nil
	case <-c.closed:
		return 0, ErrClosed
	case <-ctx.Done():
		c.Close()
		return 0, ctx.Err()
	}
}

// Receive blocks until a request arrives.
func (c *Channel) Receive(ctx context.Context) (Message, error) {
	select {
	case msg := <-c.requests:
		c.mu.Lock()
		c.pending = msg.Op
		c.mu.Unlock()
		return msg, nil
	case <-c.closed:
		return Message{}, ErrClosed
	case <-ctx.Done():
		return Message{}, ctx.Err()
	}
}

// Reply completes the request received last.
func (c *Channel) Reply(ret uint32) error {
	c.mu.Lock()
	c.pending = OpNone
	c.mu.Unlock()

	select {
	case c.replies <- ret:
		return nil
	case <-c.closed:
		return ErrClosed
	}
}

// Pending returns the opcode of the request the device is working on, or
// None.
func (c *Channel) Pending() Opcode {
	c.mu.Lock()
	defer c.mu.Unlock()

	return c.pending
}

// Close wakes both sides. It may be called more than once.
func (c *Channel) Close() {
	c.once.Do(func() { close(c.closed) })
}
