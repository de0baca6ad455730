package broker

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/quilljot/quilljot/internal/metrics"
)

const (
	publishBackoff = 100 * time.Millisecond
	closeTimeout   = 5 * time.Second
)

// RedisBroker carries domain events over Redis pub/sub. It is the
// process-wide producer handle: constructed once at startup and passed
// to every component that publishes.
type RedisBroker struct {
	client  *redis.Client
	retries int
	log     zerolog.Logger

	mu     sync.Mutex
	subs   []*redisSubscription
	closed bool

	done chan struct{}
	wg   sync.WaitGroup
}

// NewRedisBroker establishes the producer handle. The transport is a
// required dependency: an unreachable Redis fails fast so the process
// never starts serving without it.
func NewRedisBroker(ctx context.Context, client *redis.Client, retries int, log zerolog.Logger) (*RedisBroker, error) {
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("broker transport unreachable: %w", err)
	}
	if retries < 1 {
		retries = 1
	}
	return &RedisBroker{
		client:  client,
		retries: retries,
		log:     log.With().Str("component", "broker").Logger(),
		done:    make(chan struct{}),
	}, nil
}

func (b *RedisBroker) Publish(ctx context.Context, event *Event) error {
	b.mu.Lock()
	closed := b.closed
	b.mu.Unlock()
	if closed {
		return ErrClosed
	}

	data, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("failed to marshal event %s: %w", event.ID, err)
	}

	topic := TopicFor(event.Type)

	var lastErr error
	for attempt := 0; attempt < b.retries; attempt++ {
		if attempt > 0 {
			metrics.PublishRetries.Inc()
			select {
			case <-time.After(publishBackoff << (attempt - 1)):
			case <-ctx.Done():
				return ctx.Err()
			}
		}

		lastErr = b.client.Publish(ctx, topic, data).Err()
		if lastErr == nil {
			metrics.EventsPublished.WithLabelValues(topic).Inc()
			return nil
		}

		b.log.Warn().
			Err(lastErr).
			Str("topic", topic).
			Str("event_id", event.ID.String()).
			Int("attempt", attempt+1).
			Msg("publish attempt failed")
	}

	// The caller decides whether to roll back the triggering mutation
	// or re-queue the event; the broker never drops it silently.
	return fmt.Errorf("failed to publish event %s after %d attempts: %w", event.ID, b.retries, lastErr)
}

func (b *RedisBroker) Subscribe(ctx context.Context, topic string) (Subscription, error) {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil, ErrClosed
	}
	b.mu.Unlock()

	pubsub := b.client.Subscribe(ctx, topic)

	// Force the SUBSCRIBE round trip so a dead transport surfaces here
	// instead of as a silent empty stream.
	if _, err := pubsub.Receive(ctx); err != nil {
		pubsub.Close()
		return nil, fmt.Errorf("failed to subscribe to topic %s: %w", topic, err)
	}

	sub := &redisSubscription{
		pubsub: pubsub,
		events: make(chan *Event, subscriberBuffer),
	}

	b.mu.Lock()
	b.subs = append(b.subs, sub)
	b.mu.Unlock()

	b.wg.Add(1)
	go b.pump(topic, sub)

	return sub, nil
}

// pump decodes raw messages into envelopes. A message that fails to
// decode is logged and skipped so later events keep flowing.
func (b *RedisBroker) pump(topic string, sub *redisSubscription) {
	defer b.wg.Done()
	defer close(sub.events)

	for msg := range sub.pubsub.Channel() {
		var event Event
		if err := json.Unmarshal([]byte(msg.Payload), &event); err != nil {
			b.log.Warn().Err(err).Str("topic", topic).Msg("dropping undecodable event")
			continue
		}
		select {
		case sub.events <- &event:
		case <-b.done:
			return
		}
	}
}

// Close shuts every subscription, then waits for the pump goroutines to
// drain within a timeout. Safe to call exactly once.
func (b *RedisBroker) Close() error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return ErrClosed
	}
	b.closed = true
	subs := b.subs
	b.subs = nil
	b.mu.Unlock()

	close(b.done)
	for _, sub := range subs {
		sub.Close()
	}

	done := make(chan struct{})
	go func() {
		b.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-time.After(closeTimeout):
		return fmt.Errorf("broker close timed out after %s", closeTimeout)
	}
}

type redisSubscription struct {
	pubsub *redis.PubSub
	events chan *Event
	once   sync.Once
}

func (s *redisSubscription) Events() <-chan *Event {
	return s.events
}

func (s *redisSubscription) Close() error {
	var err error
	s.once.Do(func() {
		// Closing the PubSub closes its channel, which ends the pump.
		err = s.pubsub.Close()
	})
	return err
}
