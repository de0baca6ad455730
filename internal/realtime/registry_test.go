package realtime

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/quilljot/quilljot/internal/broker"
)

// TestRegistry_Connect_RejectsInvalidToken: an authentication failure
// is surfaced to the caller and nothing is registered.
func TestRegistry_Connect_RejectsInvalidToken(t *testing.T) {
	auth := newFakeAuth()
	registry := NewRegistry(auth, 8, zerolog.Nop())

	_, err := registry.Connect(context.Background(), "bogus", newFakeTransport())

	require.Error(t, err)
	assert.Empty(t, registry.ForUser(uuid.New()))
}

// TestBroadcaster_UserIsolation: a connection never receives events
// owned by another user, even with both users connected concurrently.
func TestBroadcaster_UserIsolation(t *testing.T) {
	// ARRANGE: two users, one connection each
	ctx := context.Background()
	auth := newFakeAuth()
	tokenA, userA := auth.addUser()
	tokenB, _ := auth.addUser()

	registry := NewRegistry(auth, 8, zerolog.Nop())
	bus := broker.NewMemoryBus()
	broadcaster := NewBroadcaster(bus, registry, zerolog.Nop())
	require.NoError(t, broadcaster.Start(ctx))
	defer broadcaster.Stop()

	transportA := newFakeTransport()
	transportB := newFakeTransport()
	connA, err := registry.Connect(ctx, tokenA, transportA)
	require.NoError(t, err)
	defer registry.Disconnect(connA)
	connB, err := registry.Connect(ctx, tokenB, transportB)
	require.NoError(t, err)
	defer registry.Disconnect(connB)

	// ACT: publish an event owned by user A
	event, err := broker.NewEvent(broker.BlockUpdated, uuid.New(), userA, broker.OriginEditor, nil)
	require.NoError(t, err)
	require.NoError(t, bus.Publish(ctx, event))

	// ASSERT: A gets it, B never does
	require.Eventually(t, func() bool {
		return transportA.count() == 1
	}, time.Second, 5*time.Millisecond)

	time.Sleep(50 * time.Millisecond)
	assert.Zero(t, transportB.count(), "user B must not see user A's events")

	// Pushed payload carries the client envelope, without user_id.
	var pushed map[string]any
	require.NoError(t, json.Unmarshal(transportA.at(0), &pushed))
	assert.Equal(t, string(broker.BlockUpdated), pushed["type"])
	assert.NotContains(t, pushed, "user_id")
	assert.NotContains(t, pushed, "origin")
}

// TestBroadcaster_TopicFilter: after an explicit subscription the
// connection only receives event types inside its subscribed set.
func TestBroadcaster_TopicFilter(t *testing.T) {
	ctx := context.Background()
	auth := newFakeAuth()
	token, userID := auth.addUser()

	registry := NewRegistry(auth, 8, zerolog.Nop())
	bus := broker.NewMemoryBus()
	broadcaster := NewBroadcaster(bus, registry, zerolog.Nop())
	require.NoError(t, broadcaster.Start(ctx))
	defer broadcaster.Stop()

	transport := newFakeTransport()
	conn, err := registry.Connect(ctx, token, transport)
	require.NoError(t, err)
	defer registry.Disconnect(conn)

	registry.Subscribe(conn, []string{broker.TasksTopic})

	blockEvent, err := broker.NewEvent(broker.BlockUpdated, uuid.New(), userID, broker.OriginEditor, nil)
	require.NoError(t, err)
	taskEvent, err := broker.NewEvent(broker.TaskUpdated, uuid.New(), userID, broker.OriginTaskUI, nil)
	require.NoError(t, err)

	require.NoError(t, bus.Publish(ctx, blockEvent))
	require.NoError(t, bus.Publish(ctx, taskEvent))

	require.Eventually(t, func() bool {
		return transport.count() == 1
	}, time.Second, 5*time.Millisecond)

	time.Sleep(50 * time.Millisecond)
	require.Equal(t, 1, transport.count(), "only the subscribed topic is delivered")

	var pushed map[string]any
	require.NoError(t, json.Unmarshal(transport.at(0), &pushed))
	assert.Equal(t, string(broker.TaskUpdated), pushed["type"])
}

// TestConnection_QueueOverflowDropsOldest: with capacity N and N+k
// pending events for an unresponsive client, the k oldest are dropped,
// the connection stays open and later events still arrive.
func TestConnection_QueueOverflowDropsOldest(t *testing.T) {
	// ARRANGE: queue capacity 4, transport blocked on its first write
	const capacity = 4
	auth := newFakeAuth()
	token, _ := auth.addUser()
	registry := NewRegistry(auth, capacity, zerolog.Nop())

	transport := newFakeTransport()
	transport.block()

	conn, err := registry.Connect(context.Background(), token, transport)
	require.NoError(t, err)
	defer registry.Disconnect(conn)

	// The writer picks up event 0 and blocks inside the transport.
	conn.enqueue(payload(0))
	transport.waitForWrite(t)

	// ACT: six more events against a capacity-4 queue
	for i := 1; i <= capacity+2; i++ {
		conn.enqueue(payload(i))
	}
	transport.unblock()

	// ASSERT: the two oldest queued events (1 and 2) were evicted
	require.Eventually(t, func() bool {
		return transport.count() == capacity+1
	}, time.Second, 5*time.Millisecond)

	got := transport.all()
	assert.Equal(t, payload(0), got[0])
	assert.Equal(t, payload(3), got[1])
	assert.Equal(t, payload(capacity+2), got[len(got)-1])
	assert.Equal(t, uint64(2), conn.Dropped())

	// The connection is still live and receives subsequent events.
	conn.enqueue(payload(99))
	require.Eventually(t, func() bool {
		return transport.count() == capacity+2
	}, time.Second, 5*time.Millisecond)
}

// TestRegistry_Disconnect_Idempotent: both the read-loop path and an
// explicit close may call Disconnect; the second call is a no-op.
func TestRegistry_Disconnect_Idempotent(t *testing.T) {
	auth := newFakeAuth()
	token, userID := auth.addUser()
	registry := NewRegistry(auth, 8, zerolog.Nop())

	transport := newFakeTransport()
	conn, err := registry.Connect(context.Background(), token, transport)
	require.NoError(t, err)
	require.Len(t, registry.ForUser(userID), 1)

	registry.Disconnect(conn)
	registry.Disconnect(conn)

	assert.Empty(t, registry.ForUser(userID))
	assert.Equal(t, 1, transport.closeCalls(), "transport closed exactly once")
}

// TestRegistry_WriteErrorTearsDown: a fatal write error removes the
// connection through the same idempotent path.
func TestRegistry_WriteErrorTearsDown(t *testing.T) {
	auth := newFakeAuth()
	token, userID := auth.addUser()
	registry := NewRegistry(auth, 8, zerolog.Nop())

	transport := newFakeTransport()
	transport.failWrites()

	conn, err := registry.Connect(context.Background(), token, transport)
	require.NoError(t, err)

	conn.enqueue(payload(1))

	require.Eventually(t, func() bool {
		return len(registry.ForUser(userID)) == 0
	}, time.Second, 5*time.Millisecond)
}

// Helper functions for test setup

type fakeAuth struct {
	mu     sync.Mutex
	tokens map[string]uuid.UUID
}

func newFakeAuth() *fakeAuth {
	return &fakeAuth{tokens: make(map[string]uuid.UUID)}
}

func (a *fakeAuth) addUser() (string, uuid.UUID) {
	a.mu.Lock()
	defer a.mu.Unlock()

	userID := uuid.New()
	token := "token-" + userID.String()
	a.tokens[token] = userID
	return token, userID
}

func (a *fakeAuth) ValidateToken(_ context.Context, token string) (uuid.UUID, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	userID, ok := a.tokens[token]
	if !ok {
		return uuid.Nil, fmt.Errorf("invalid token")
	}
	return userID, nil
}

type fakeTransport struct {
	mu         sync.Mutex
	written    [][]byte
	closes     int
	failing    bool
	gate       chan struct{}
	writeBegan chan struct{}
	beganOnce  sync.Once
}

func newFakeTransport() *fakeTransport {
	return &fakeTransport{writeBegan: make(chan struct{})}
}

// block makes the next write stall until unblock.
func (f *fakeTransport) block() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.gate = make(chan struct{})
}

func (f *fakeTransport) unblock() {
	f.mu.Lock()
	gate := f.gate
	f.gate = nil
	f.mu.Unlock()
	if gate != nil {
		close(gate)
	}
}

func (f *fakeTransport) failWrites() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.failing = true
}

func (f *fakeTransport) WriteEvent(ctx context.Context, data []byte) error {
	f.beganOnce.Do(func() { close(f.writeBegan) })

	f.mu.Lock()
	gate := f.gate
	failing := f.failing
	f.mu.Unlock()

	if failing {
		return fmt.Errorf("write failure")
	}
	if gate != nil {
		select {
		case <-gate:
		case <-ctx.Done():
			return ctx.Err()
		}
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	copied := make([]byte, len(data))
	copy(copied, data)
	f.written = append(f.written, copied)
	return nil
}

func (f *fakeTransport) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closes++
	return nil
}

func (f *fakeTransport) waitForWrite(t *testing.T) {
	t.Helper()
	select {
	case <-f.writeBegan:
	case <-time.After(time.Second):
		t.Fatal("writer never reached the transport")
	}
}

func (f *fakeTransport) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.written)
}

func (f *fakeTransport) at(i int) []byte {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.written[i]
}

func (f *fakeTransport) all() [][]byte {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([][]byte, len(f.written))
	copy(out, f.written)
	return out
}

func (f *fakeTransport) closeCalls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.closes
}

func payload(i int) []byte {
	return []byte(fmt.Sprintf(`{"seq":%d}`, i))
}
