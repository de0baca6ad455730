package realtime

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/quilljot/quilljot/internal/broker"
	"github.com/quilljot/quilljot/internal/metrics"
)

const writeTimeout = 10 * time.Second

// Transport is the network side of a connection. The WebSocket handler
// provides the real one; tests substitute their own.
type Transport interface {
	WriteEvent(ctx context.Context, data []byte) error
	Close() error
}

// Connection is one open realtime session. The send queue is bounded:
// when a slow client fills it, the oldest unsent event is dropped so
// the broadcaster never blocks. Clients reconcile by re-fetching state
// on reconnect.
type Connection struct {
	ID     uuid.UUID
	UserID uuid.UUID

	transport Transport
	log       zerolog.Logger

	mu       sync.Mutex
	queue    [][]byte
	maxQueue int
	dropped  uint64
	explicit bool
	topics   map[string]struct{}

	signal    chan struct{}
	closed    chan struct{}
	closeOnce sync.Once

	// onWriteError is set by the registry so a dead transport tears the
	// connection down through the same idempotent path as an explicit
	// disconnect.
	onWriteError func(*Connection)
}

func newConnection(userID uuid.UUID, transport Transport, maxQueue int, log zerolog.Logger) *Connection {
	id := uuid.New()
	return &Connection{
		ID:        id,
		UserID:    userID,
		transport: transport,
		maxQueue:  maxQueue,
		topics:    make(map[string]struct{}),
		signal:    make(chan struct{}, 1),
		closed:    make(chan struct{}),
		log: log.With().
			Str("connection_id", id.String()).
			Str("user_id", userID.String()).
			Logger(),
	}
}

// subscribe records interest in the given topics. Before the first
// explicit subscription a connection receives all of its user's events.
func (c *Connection) subscribe(topics []string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.explicit = true
	for _, topic := range topics {
		c.topics[topic] = struct{}{}
	}
}

func (c *Connection) unsubscribe(topics []string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.explicit = true
	for _, topic := range topics {
		delete(c.topics, topic)
	}
}

// wants reports whether the event type falls inside the connection's
// subscribed set. The user-id check happens in the broadcaster; both
// together form the authorization boundary.
func (c *Connection) wants(eventType broker.EventType) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.explicit {
		return true
	}
	_, ok := c.topics[broker.TopicFor(eventType)]
	return ok
}

// enqueue appends to the send queue, evicting the oldest entry when
// full. Recency beats completeness on the realtime channel.
func (c *Connection) enqueue(data []byte) {
	c.mu.Lock()
	select {
	case <-c.closed:
		c.mu.Unlock()
		return
	default:
	}

	if len(c.queue) >= c.maxQueue {
		c.queue = c.queue[1:]
		c.dropped++
		metrics.EventsDropped.Inc()
	}
	c.queue = append(c.queue, data)
	c.mu.Unlock()

	select {
	case c.signal <- struct{}{}:
	default:
	}
}

// writeLoop is the single goroutine that touches the transport for
// writes. One slow client stalls only itself.
func (c *Connection) writeLoop() {
	for {
		select {
		case <-c.closed:
			return
		case <-c.signal:
		}

		for {
			c.mu.Lock()
			if len(c.queue) == 0 {
				c.mu.Unlock()
				break
			}
			data := c.queue[0]
			c.queue = c.queue[1:]
			c.mu.Unlock()

			ctx, cancel := context.WithTimeout(context.Background(), writeTimeout)
			err := c.transport.WriteEvent(ctx, data)
			cancel()

			if err != nil {
				c.log.Debug().Err(err).Msg("connection write failed")
				if c.onWriteError != nil {
					c.onWriteError(c)
				}
				return
			}
			metrics.EventsDelivered.Inc()
		}
	}
}

// close shuts the connection down exactly once, releasing the writer
// and the transport.
func (c *Connection) close() {
	c.closeOnce.Do(func() {
		close(c.closed)
		c.transport.Close()
	})
}

// Dropped returns how many queued events were evicted unsent.
func (c *Connection) Dropped() uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.dropped
}
