package broker

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// TestMemoryBus_FanOut: every subscriber on a topic gets its own copy
// of the stream.
func TestMemoryBus_FanOut(t *testing.T) {
	bus := NewMemoryBus()
	ctx := context.Background()

	subA, err := bus.Subscribe(ctx, BlocksTopic)
	require.NoError(t, err)
	subB, err := bus.Subscribe(ctx, BlocksTopic)
	require.NoError(t, err)

	event, err := NewEvent(BlockUpdated, uuid.New(), uuid.New(), OriginEditor, nil)
	require.NoError(t, err)
	require.NoError(t, bus.Publish(ctx, event))

	for _, sub := range []Subscription{subA, subB} {
		select {
		case got := <-sub.Events():
			assert.Equal(t, event.ID, got.ID)
		case <-time.After(time.Second):
			t.Fatal("subscriber did not receive the event")
		}
	}
}

// TestMemoryBus_TopicRouting: events land only on the topic their type
// maps to.
func TestMemoryBus_TopicRouting(t *testing.T) {
	bus := NewMemoryBus()
	ctx := context.Background()

	taskSub, err := bus.Subscribe(ctx, TasksTopic)
	require.NoError(t, err)

	blockEvent, err := NewEvent(BlockUpdated, uuid.New(), uuid.New(), OriginEditor, nil)
	require.NoError(t, err)
	require.NoError(t, bus.Publish(ctx, blockEvent))

	select {
	case got := <-taskSub.Events():
		t.Fatalf("tasks subscriber received block event %s", got.ID)
	case <-time.After(50 * time.Millisecond):
	}
}

// TestMemoryBus_SlowSubscriberDoesNotBlockPublish: a full subscriber
// buffer loses events instead of stalling the publisher.
func TestMemoryBus_SlowSubscriberDoesNotBlockPublish(t *testing.T) {
	bus := NewMemoryBus()
	ctx := context.Background()

	sub, err := bus.Subscribe(ctx, NotesTopic)
	require.NoError(t, err)

	done := make(chan struct{})
	go func() {
		defer close(done)
		for i := 0; i < subscriberBuffer+10; i++ {
			event, _ := NewEvent(NoteUpdated, uuid.New(), uuid.New(), OriginCRUD, nil)
			bus.Publish(ctx, event)
		}
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("publisher blocked on a slow subscriber")
	}

	// The subscriber still holds a full buffer of the earliest events.
	assert.Len(t, sub.Events(), subscriberBuffer)
}

// TestMemoryBus_CloseEndsSubscriptions: Close is observable as channel
// closure and rejects further use.
func TestMemoryBus_CloseEndsSubscriptions(t *testing.T) {
	bus := NewMemoryBus()
	ctx := context.Background()

	sub, err := bus.Subscribe(ctx, TasksTopic)
	require.NoError(t, err)
	require.NoError(t, bus.Close())

	_, open := <-sub.Events()
	assert.False(t, open, "subscription channel should be closed")

	event, err := NewEvent(TaskCreated, uuid.New(), uuid.New(), OriginTaskUI, nil)
	require.NoError(t, err)
	assert.ErrorIs(t, bus.Publish(ctx, event), ErrClosed)

	_, err = bus.Subscribe(ctx, TasksTopic)
	assert.ErrorIs(t, err, ErrClosed)
}

// TestTopicFor covers the resource-to-topic mapping the wire contract
// depends on.
func TestTopicFor(t *testing.T) {
	assert.Equal(t, BlocksTopic, TopicFor(BlockCreated))
	assert.Equal(t, TasksTopic, TopicFor(TaskUpdated))
	assert.Equal(t, NotesTopic, TopicFor(NoteRestored))
	assert.Equal(t, NotesTopic, TopicFor(TrashEmptied))
	assert.Equal(t, NotebooksTopic, TopicFor(NotebookDeleted))
	assert.Equal(t, UsersTopic, TopicFor(UserUpdated))
}
