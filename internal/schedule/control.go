package schedule

import (
	"errors"
	"sync"
)

// ErrClosed is returned by Control producers after Close.
var ErrClosed = errors.New("schedule: control closed")

// Update is one schedule-update message: either a new input or a disable marker.
type Update[In any] struct {
	Input   In
	Disable bool
}

// Control is the update queue of a Runner.
//
// It is unbounded and FIFO across all producers: sends never block and never
// drop. Any number of goroutines may send; exactly one Runner consumes.
type Control[In any] struct {
	mu     sync.Mutex
	queue  []Update[In]
	closed bool

	// wake holds at most one pending wake-up for the consumer.
	wake chan struct{}
}

func NewControl[In any]() *Control[In] {
	return &Control[In]{wake: make(chan struct{}, 1)}
}

// Set queues a new schedule input.
func (c *Control[In]) Set(in In) error {
	return c.push(Update[In]{Input: in})
}

// Disable queues a disable marker.
func (c *Control[In]) Disable() error {
	return c.push(Update[In]{Disable: true})
}

// Send queues u as is.
func (c *Control[In]) Send(u Update[In]) error {
	return c.push(u)
}

// Close stops accepting updates. Updates already queued are still delivered;
// once they are drained the Runner exits.
func (c *Control[In]) Close() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	c.mu.Unlock()
	c.signal()
}

// Len reports the number of queued updates.
func (c *Control[In]) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.queue)
}

func (c *Control[In]) push(u Update[In]) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return ErrClosed
	}
	c.queue = append(c.queue, u)
	c.mu.Unlock()
	c.signal()
	return nil
}

func (c *Control[In]) signal() {
	select {
	case c.wake <- struct{}{}:
	default:
	}
}

func (c *Control[In]) ready() <-chan struct{} { return c.wake }

// pop removes the oldest update. done is true when the control is closed and
// fully drained. If more updates remain, the consumer is woken again.
func (c *Control[In]) pop() (u Update[In], ok bool, done bool) {
	c.mu.Lock()
	if len(c.queue) == 0 {
		done = c.closed
		c.mu.Unlock()
		return u, false, done
	}
	u = c.queue[0]
	var zero Update[In]
	c.queue[0] = zero
	c.queue = c.queue[1:]
	more := len(c.queue) > 0 || c.closed
	c.mu.Unlock()
	if more {
		c.signal()
	}
	return u, true, false
}
