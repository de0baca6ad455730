package realtime

import (
	"context"
	"fmt"
	"sync"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/quilljot/quilljot/internal/metrics"
)

// TokenValidator is the external auth collaborator consulted at
// connect time.
type TokenValidator interface {
	ValidateToken(ctx context.Context, token string) (uuid.UUID, error)
}

// Registry owns every live connection. It is the only structure in the
// core mutated from multiple goroutines (connect, disconnect,
// broadcast), so all access goes through its lock.
type Registry struct {
	auth      TokenValidator
	queueSize int
	log       zerolog.Logger

	mu     sync.RWMutex
	byUser map[uuid.UUID]map[uuid.UUID]*Connection
}

func NewRegistry(auth TokenValidator, queueSize int, log zerolog.Logger) *Registry {
	return &Registry{
		auth:      auth,
		queueSize: queueSize,
		log:       log.With().Str("component", "registry").Logger(),
		byUser:    make(map[uuid.UUID]map[uuid.UUID]*Connection),
	}
}

// Connect validates the session token, registers a connection for the
// authenticated user and starts its writer. Authentication failures are
// returned to this caller only; they never affect other connections.
func (r *Registry) Connect(ctx context.Context, token string, transport Transport) (*Connection, error) {
	userID, err := r.auth.ValidateToken(ctx, token)
	if err != nil {
		return nil, fmt.Errorf("connection rejected: %w", err)
	}

	conn := newConnection(userID, transport, r.queueSize, r.log)
	conn.onWriteError = func(c *Connection) { r.Disconnect(c) }

	r.mu.Lock()
	if r.byUser[userID] == nil {
		r.byUser[userID] = make(map[uuid.UUID]*Connection)
	}
	r.byUser[userID][conn.ID] = conn
	r.mu.Unlock()

	metrics.ConnectionsOpen.Inc()
	go conn.writeLoop()

	r.log.Info().
		Str("connection_id", conn.ID.String()).
		Str("user_id", userID.String()).
		Msg("connection registered")
	return conn, nil
}

// Subscribe records the connection's interest in the given topics.
func (r *Registry) Subscribe(conn *Connection, topics []string) {
	conn.subscribe(topics)
}

// Unsubscribe removes topics from the connection's interest set.
func (r *Registry) Unsubscribe(conn *Connection, topics []string) {
	conn.unsubscribe(topics)
}

// Disconnect removes the connection and releases its queue. Idempotent:
// both the read-loop-closed path and an explicit close call it.
func (r *Registry) Disconnect(conn *Connection) {
	r.mu.Lock()
	conns, ok := r.byUser[conn.UserID]
	if ok {
		_, ok = conns[conn.ID]
		if ok {
			delete(conns, conn.ID)
			if len(conns) == 0 {
				delete(r.byUser, conn.UserID)
			}
		}
	}
	r.mu.Unlock()

	if !ok {
		// Already disconnected.
		return
	}

	conn.close()
	metrics.ConnectionsOpen.Dec()
	r.log.Info().
		Str("connection_id", conn.ID.String()).
		Str("user_id", conn.UserID.String()).
		Msg("connection removed")
}

// ForUser snapshots the user's open connections.
func (r *Registry) ForUser(userID uuid.UUID) []*Connection {
	r.mu.RLock()
	defer r.mu.RUnlock()

	conns := r.byUser[userID]
	if len(conns) == 0 {
		return nil
	}
	out := make([]*Connection, 0, len(conns))
	for _, conn := range conns {
		out = append(out, conn)
	}
	return out
}

// CloseAll disconnects everything; used at process shutdown so no
// connection goroutine outlives the service.
func (r *Registry) CloseAll() {
	r.mu.Lock()
	var all []*Connection
	for _, conns := range r.byUser {
		for _, conn := range conns {
			all = append(all, conn)
		}
	}
	r.mu.Unlock()

	for _, conn := range all {
		r.Disconnect(conn)
	}
}
