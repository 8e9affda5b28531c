package notify

import (
	"sync"
)

// EventKind describes a change to the set of active notices.
type EventKind string

const (
	EventPushed    EventKind = "pushed"
	EventDismissed EventKind = "dismissed"
	EventExpired   EventKind = "expired"
	EventPaused    EventKind = "paused"
	EventResumed   EventKind = "resumed"
)

// Event is delivered to subscribers on every change.
type Event struct {
	Kind   EventKind
	Notice Notice
}

type subscriber struct {
	mu     sync.Mutex
	ch     chan Event
	closed bool
}

// send delivers without blocking; events for a full subscriber are dropped.
func (s *subscriber) send(ev Event) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return false
	}
	select {
	case s.ch <- ev:
		return true
	default:
		return false
	}
}

func (s *subscriber) close() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.closed {
		s.closed = true
		close(s.ch)
	}
}

// Subscribe returns a channel receiving every subsequent event and a function
// that ends the subscription and closes the channel.
func (c *Channel) Subscribe(bufferSize int) (<-chan Event, func()) {
	s := &subscriber{ch: make(chan Event, bufferSize)}

	c.mu.Lock()
	c.subCounter++
	id := c.subCounter
	c.subscribers[id] = s
	c.mu.Unlock()

	unsubscribe := func() {
		c.mu.Lock()
		defer c.mu.Unlock()
		if sub, ok := c.subscribers[id]; ok {
			sub.close()
			delete(c.subscribers, id)
		}
	}
	return s.ch, unsubscribe
}

// publish must be called with c.mu held.
func (c *Channel) publish(kind EventKind, n Notice) {
	ev := Event{Kind: kind, Notice: n}
	for _, s := range c.subscribers {
		s.send(ev)
	}
}
