package events

import (
	"sync"
	"sync/atomic"
)

// subscriber is one buffered channel, optionally filtered to a topic.
type subscriber struct {
	topic string // "" receives every topic
	ch    chan Event
}

// EventBus is a channel-based pub-sub event bus. Publish never blocks: a
// subscriber whose buffer is full misses the event and the drop is counted.
type EventBus struct {
	mu      sync.RWMutex
	subs    []subscriber
	closed  bool
	dropped atomic.Int64
}

// DefaultBufferSize is used when a subscriber asks for a non-positive buffer.
const DefaultBufferSize = 256

// NewEventBus creates a new event bus.
func NewEventBus() *EventBus {
	return &EventBus{}
}

// Subscribe returns a channel receiving events published to topic.
func (b *EventBus) Subscribe(topic string, bufSize int) <-chan Event {
	return b.add(topic, bufSize)
}

// SubscribeAll returns a channel receiving events from every topic.
func (b *EventBus) SubscribeAll(bufSize int) <-chan Event {
	return b.add("", bufSize)
}

func (b *EventBus) add(topic string, bufSize int) <-chan Event {
	if bufSize <= 0 {
		bufSize = DefaultBufferSize
	}
	ch := make(chan Event, bufSize)

	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		close(ch)
		return ch
	}
	b.subs = append(b.subs, subscriber{topic: topic, ch: ch})
	return ch
}

// Publish delivers event to the topic's subscribers and to every
// SubscribeAll channel. A nil bus is a no-op.
func (b *EventBus) Publish(topic string, event Event) {
	if b == nil {
		return
	}

	b.mu.RLock()
	defer b.mu.RUnlock()

	if b.closed {
		return
	}
	for _, s := range b.subs {
		if s.topic != "" && s.topic != topic {
			continue
		}
		select {
		case s.ch <- event:
		default:
			b.dropped.Add(1)
		}
	}
}

// Dropped returns how many deliveries were skipped because a subscriber was
// full.
func (b *EventBus) Dropped() int64 {
	return b.dropped.Load()
}

// Close closes the bus and every subscriber channel. Safe to call multiple
// times.
func (b *EventBus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return
	}
	b.closed = true
	for _, s := range b.subs {
		close(s.ch)
	}
	b.subs = nil
}
