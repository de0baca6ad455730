package broker

import (
	"context"
	"errors"
)

// ErrClosed is returned by Publish and Subscribe after Close.
var ErrClosed = errors.New("broker is closed")

// subscriberBuffer is the channel depth handed to each subscriber.
// Consumers that fall further behind than this lose events; delivery is
// best-effort.
const subscriberBuffer = 64

// Broker decouples producers and consumers of domain events. The Event
// Handler Service and the Broadcast Service each hold their own
// subscriptions so a failure in one never affects the other.
type Broker interface {
	// Publish sends the event to the topic derived from its type,
	// acknowledged synchronously. Transient transport failures are
	// retried with bounded backoff; a persistent failure is returned to
	// the caller.
	Publish(ctx context.Context, event *Event) error

	// Subscribe opens an independent subscription on the topic. A
	// consumer failing while processing one event does not stop
	// delivery of subsequent events.
	Subscribe(ctx context.Context, topic string) (Subscription, error)

	// Close drains outstanding work with a timeout and releases the
	// transport. Safe to call exactly once; must run before process
	// exit.
	Close() error
}

// Subscription is a continuous stream of events on one topic. The
// channel is closed when the subscription or the broker closes.
type Subscription interface {
	Events() <-chan *Event
	Close() error
}
