package progress

import (
	"context"
	"sync"
)

// Channel is an unbounded, append-only event log with one producer and any number of
// consumers. Publish never blocks; every subscriber replays from the first event, so a
// reconnecting client sees the whole history.
type Channel struct {
	mu     sync.Mutex
	events []Event
	closed bool
	// closed and replaced on every Publish/Close to wake waiting subscribers
	notify chan struct{}
}

func NewChannel() *Channel {
	return &Channel{notify: make(chan struct{})}
}

// Publish appends an event. Events published after Close are dropped.
func (c *Channel) Publish(ev Event) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	c.events = append(c.events, ev)
	close(c.notify)
	c.notify = make(chan struct{})
}

// Close marks the end of the stream. Idempotent.
func (c *Channel) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	c.closed = true
	close(c.notify)
}

func (c *Channel) Closed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

// Events snapshot of everything published so far.
func (c *Channel) Events() []Event {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]Event, len(c.events))
	copy(out, c.events)
	return out
}

// Subscribe returns a stream of all events in publish order. The returned channel is
// closed after the last event once the producer closes, or as soon as ctx is done.
// Cancelling ctx only detaches this consumer; it never affects the producer.
func (c *Channel) Subscribe(ctx context.Context) <-chan Event {
	out := make(chan Event)
	go func() {
		defer close(out)
		next := 0
		for {
			c.mu.Lock()
			if next < len(c.events) {
				ev := c.events[next]
				c.mu.Unlock()
				select {
				case out <- ev:
					next++
				case <-ctx.Done():
					return
				}
				continue
			}
			if c.closed {
				c.mu.Unlock()
				return
			}
			wait := c.notify
			c.mu.Unlock()

			select {
			case <-wait:
			case <-ctx.Done():
				return
			}
		}
	}()
	return out
}
