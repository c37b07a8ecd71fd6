// Package proctoring carries integrity events into attempt engines.
package proctoring

import (
	"sync"

	"github.com/stemsi/exstem-proctor/internal/model"
)

// Channel is an unbounded FIFO of proctoring events. Producers never block;
// the owning engine waits on Ready and takes everything queued with Drain.
type Channel struct {
	mu     sync.Mutex
	queue  []model.ProctoringEvent
	ready  chan struct{}
	closed bool
}

func NewChannel() *Channel {
	return &Channel{ready: make(chan struct{}, 1)}
}

// Push appends ev. It returns false once the channel is closed.
func (c *Channel) Push(ev model.ProctoringEvent) bool {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return false
	}
	c.queue = append(c.queue, ev)
	c.mu.Unlock()

	select {
	case c.ready <- struct{}{}:
	default:
	}
	return true
}

// Ready is signalled at least once after every Push.
func (c *Channel) Ready() <-chan struct{} {
	return c.ready
}

// Drain removes and returns queued events in arrival order.
func (c *Channel) Drain() []model.ProctoringEvent {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.queue) == 0 {
		return nil
	}
	out := c.queue
	c.queue = nil
	return out
}

// Len reports how many events are waiting.
func (c *Channel) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.queue)
}

// Close rejects further pushes. Queued events stay drainable.
func (c *Channel) Close() {
	c.mu.Lock()
	c.closed = true
	c.mu.Unlock()
}
