package broker

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
)

// MemoryBus is an in-process Broker used by tests and single-process
// deployments. Fan-out is per topic with buffered subscriber channels;
// a subscriber that falls behind its buffer loses events rather than
// blocking the publisher.
type MemoryBus struct {
	mu     sync.RWMutex
	subs   map[string]map[*memorySubscription]struct{}
	closed bool
}

func NewMemoryBus() *MemoryBus {
	return &MemoryBus{
		subs: make(map[string]map[*memorySubscription]struct{}),
	}
}

func (b *MemoryBus) Publish(_ context.Context, event *Event) error {
	// Fill in envelope defaults for callers that build events by hand.
	if event.ID == uuid.Nil {
		event.ID = uuid.New()
	}
	if event.CreatedAt.IsZero() {
		event.CreatedAt = time.Now().UTC()
	}

	b.mu.RLock()
	defer b.mu.RUnlock()

	if b.closed {
		return ErrClosed
	}

	for sub := range b.subs[TopicFor(event.Type)] {
		select {
		case sub.events <- event:
		default:
			// Subscriber buffer full, skip
		}
	}
	return nil
}

func (b *MemoryBus) Subscribe(_ context.Context, topic string) (Subscription, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return nil, ErrClosed
	}

	sub := &memorySubscription{
		bus:    b,
		topic:  topic,
		events: make(chan *Event, subscriberBuffer),
	}
	if b.subs[topic] == nil {
		b.subs[topic] = make(map[*memorySubscription]struct{})
	}
	b.subs[topic][sub] = struct{}{}
	return sub, nil
}

func (b *MemoryBus) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return ErrClosed
	}
	b.closed = true

	for _, topicSubs := range b.subs {
		for sub := range topicSubs {
			sub.closeOnce.Do(func() { close(sub.events) })
		}
	}
	b.subs = nil
	return nil
}

func (b *MemoryBus) remove(sub *memorySubscription) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return
	}
	if topicSubs, ok := b.subs[sub.topic]; ok {
		delete(topicSubs, sub)
	}
	sub.closeOnce.Do(func() { close(sub.events) })
}

type memorySubscription struct {
	bus       *MemoryBus
	topic     string
	events    chan *Event
	closeOnce sync.Once
}

func (s *memorySubscription) Events() <-chan *Event {
	return s.events
}

func (s *memorySubscription) Close() error {
	s.bus.remove(s)
	return nil
}
