package realtime

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/quilljot/quilljot/internal/broker"
)

// clientEvent is the JSON shape pushed to clients. Origin and user_id
// are server-side concerns and stay off the wire.
type clientEvent struct {
	ID        uuid.UUID        `json:"id"`
	Type      broker.EventType `json:"type"`
	EntityID  uuid.UUID        `json:"entity_id"`
	Payload   json.RawMessage  `json:"payload,omitempty"`
	CreatedAt time.Time        `json:"created_at"`
}

// Broadcaster consumes the event stream on its own subscriptions,
// independent of the Event Handler Service, and fans events out to the
// owning user's connections.
type Broadcaster struct {
	broker   broker.Broker
	registry *Registry
	log      zerolog.Logger

	mu      sync.Mutex
	started bool
	cancel  context.CancelFunc
	subs    []broker.Subscription
	wg      sync.WaitGroup
}

func NewBroadcaster(b broker.Broker, registry *Registry, log zerolog.Logger) *Broadcaster {
	return &Broadcaster{
		broker:   b,
		registry: registry,
		log:      log.With().Str("component", "broadcaster").Logger(),
	}
}

// Start subscribes to every domain topic and begins delivery.
func (b *Broadcaster) Start(ctx context.Context) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.started {
		return nil
	}

	ctx, cancel := context.WithCancel(ctx)
	b.cancel = cancel

	for _, topic := range broker.Topics() {
		sub, err := b.broker.Subscribe(ctx, topic)
		if err != nil {
			cancel()
			for _, opened := range b.subs {
				opened.Close()
			}
			b.subs = nil
			return err
		}
		b.subs = append(b.subs, sub)

		b.wg.Add(1)
		go b.loop(ctx, sub)
	}

	b.started = true
	b.log.Info().Msg("broadcaster started")
	return nil
}

func (b *Broadcaster) Stop() {
	b.mu.Lock()
	if !b.started {
		b.mu.Unlock()
		return
	}
	b.started = false
	cancel := b.cancel
	subs := b.subs
	b.subs = nil
	b.mu.Unlock()

	cancel()
	for _, sub := range subs {
		sub.Close()
	}
	b.wg.Wait()
	b.log.Info().Msg("broadcaster stopped")
}

func (b *Broadcaster) loop(ctx context.Context, sub broker.Subscription) {
	defer b.wg.Done()

	for {
		select {
		case <-ctx.Done():
			return
		case event, ok := <-sub.Events():
			if !ok {
				return
			}
			b.deliver(event)
		}
	}
}

// deliver enqueues the event on every connection of the owning user
// that subscribed to its topic. The user-id match is a hard
// authorization boundary: no connection ever sees another user's
// events.
func (b *Broadcaster) deliver(event *broker.Event) {
	conns := b.registry.ForUser(event.UserID)
	if len(conns) == 0 {
		return
	}

	data, err := json.Marshal(clientEvent{
		ID:        event.ID,
		Type:      event.Type,
		EntityID:  event.EntityID,
		Payload:   event.Payload,
		CreatedAt: event.CreatedAt,
	})
	if err != nil {
		b.log.Error().Err(err).Str("event_id", event.ID.String()).Msg("failed to encode client event")
		return
	}

	for _, conn := range conns {
		if conn.wants(event.Type) {
			conn.enqueue(data)
		}
	}
}
