package services

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/quilljot/quilljot/internal/broker"
	"github.com/quilljot/quilljot/internal/metrics"
)

// HandlerFunc applies a side effect for one event. Errors are contained
// per event: logged, counted and never retried, because the persisted
// record is the source of truth, not the event log.
type HandlerFunc func(ctx context.Context, event *broker.Event) error

var ErrAlreadyStarted = errors.New("event service already started")

// EventService is the central dispatch point mapping event types to
// side-effect handlers. It owns one consumption worker per subscribed
// topic.
type EventService struct {
	broker broker.Broker
	log    zerolog.Logger
	grace  time.Duration

	mu       sync.Mutex
	handlers map[broker.EventType][]HandlerFunc
	started  bool

	cancel context.CancelFunc
	subs   []broker.Subscription
	wg     sync.WaitGroup
}

func NewEventService(b broker.Broker, grace time.Duration, log zerolog.Logger) *EventService {
	return &EventService{
		broker:   b,
		log:      log.With().Str("component", "event_service").Logger(),
		grace:    grace,
		handlers: make(map[broker.EventType][]HandlerFunc),
	}
}

// RegisterHandler associates a handler with an event type. Multiple
// handlers per type all run for each matching event. Registration must
// happen before Start.
func (s *EventService) RegisterHandler(eventType broker.EventType, handler HandlerFunc) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.started {
		return ErrAlreadyStarted
	}
	s.handlers[eventType] = append(s.handlers[eventType], handler)
	return nil
}

// Start opens one subscription per topic that has registered handlers
// and runs each on its own worker.
func (s *EventService) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.started {
		return ErrAlreadyStarted
	}

	topics := make(map[string]struct{})
	for eventType := range s.handlers {
		topics[broker.TopicFor(eventType)] = struct{}{}
	}

	ctx, cancel := context.WithCancel(ctx)
	s.cancel = cancel

	for topic := range topics {
		sub, err := s.broker.Subscribe(ctx, topic)
		if err != nil {
			cancel()
			for _, opened := range s.subs {
				opened.Close()
			}
			s.subs = nil
			return fmt.Errorf("failed to subscribe to %s: %w", topic, err)
		}
		s.subs = append(s.subs, sub)

		s.wg.Add(1)
		go s.worker(ctx, topic, sub)
	}

	s.started = true
	s.log.Info().Int("topics", len(topics)).Msg("event service started")
	return nil
}

// Stop cancels the workers and waits for in-flight handler invocations
// up to the grace period, then returns regardless.
func (s *EventService) Stop() {
	s.mu.Lock()
	if !s.started {
		s.mu.Unlock()
		return
	}
	s.started = false
	cancel := s.cancel
	subs := s.subs
	s.subs = nil
	s.mu.Unlock()

	cancel()
	for _, sub := range subs {
		sub.Close()
	}

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		s.log.Info().Msg("event service stopped")
	case <-time.After(s.grace):
		s.log.Warn().Dur("grace", s.grace).Msg("event service stop timed out, abandoning workers")
	}
}

// worker consumes a single topic. Cancellation is observed between
// events; the event in progress always finishes.
func (s *EventService) worker(ctx context.Context, topic string, sub broker.Subscription) {
	defer s.wg.Done()

	for {
		select {
		case <-ctx.Done():
			return
		case event, ok := <-sub.Events():
			if !ok {
				return
			}
			s.dispatch(ctx, event)
		}
	}
}

// dispatch runs every handler registered for the event's type. A
// handler error marks the event handled anyway; one malformed event
// must not halt the loop for all others.
func (s *EventService) dispatch(ctx context.Context, event *broker.Event) {
	s.mu.Lock()
	handlers := s.handlers[event.Type]
	s.mu.Unlock()

	if len(handlers) == 0 {
		return
	}

	metrics.EventsDispatched.WithLabelValues(string(event.Type)).Inc()

	for _, handler := range handlers {
		if err := handler(ctx, event); err != nil {
			metrics.HandlerErrors.WithLabelValues(string(event.Type)).Inc()
			s.log.Error().
				Err(err).
				Str("event_id", event.ID.String()).
				Str("event_type", string(event.Type)).
				Msg("handler failed, event marked handled")
		}
	}
}
