package services

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/quilljot/quilljot/internal/broker"
)

// TestEventService_DispatchesAllHandlers: every handler registered for
// a type runs for each matching event.
func TestEventService_DispatchesAllHandlers(t *testing.T) {
	// ARRANGE
	bus := broker.NewMemoryBus()
	svc := NewEventService(bus, time.Second, zerolog.Nop())
	ctx := context.Background()

	var first, second atomic.Int64
	require.NoError(t, svc.RegisterHandler(broker.NoteCreated, func(context.Context, *broker.Event) error {
		first.Add(1)
		return nil
	}))
	require.NoError(t, svc.RegisterHandler(broker.NoteCreated, func(context.Context, *broker.Event) error {
		second.Add(1)
		return nil
	}))

	require.NoError(t, svc.Start(ctx))
	defer svc.Stop()

	// ACT
	event := mustEvent(t, broker.NoteCreated, uuid.New(), uuid.New(), broker.OriginCRUD, nil)
	require.NoError(t, bus.Publish(ctx, event))

	// ASSERT
	require.Eventually(t, func() bool {
		return first.Load() == 1 && second.Load() == 1
	}, time.Second, 5*time.Millisecond)
}

// TestEventService_HandlerErrorContained: a failing handler marks the
// event handled and the loop keeps delivering later events.
func TestEventService_HandlerErrorContained(t *testing.T) {
	bus := broker.NewMemoryBus()
	svc := NewEventService(bus, time.Second, zerolog.Nop())
	ctx := context.Background()

	var handled atomic.Int64
	require.NoError(t, svc.RegisterHandler(broker.NoteUpdated, func(_ context.Context, event *broker.Event) error {
		handled.Add(1)
		if handled.Load() == 1 {
			return errors.New("transient handler failure")
		}
		return nil
	}))

	require.NoError(t, svc.Start(ctx))
	defer svc.Stop()

	// ACT: the first event fails, the second must still arrive
	require.NoError(t, bus.Publish(ctx, mustEvent(t, broker.NoteUpdated, uuid.New(), uuid.New(), broker.OriginCRUD, nil)))
	require.NoError(t, bus.Publish(ctx, mustEvent(t, broker.NoteUpdated, uuid.New(), uuid.New(), broker.OriginCRUD, nil)))

	// ASSERT
	require.Eventually(t, func() bool {
		return handled.Load() == 2
	}, time.Second, 5*time.Millisecond)
}

// TestEventService_RegisterAfterStart: the handler set is frozen once
// the workers are running.
func TestEventService_RegisterAfterStart(t *testing.T) {
	bus := broker.NewMemoryBus()
	svc := NewEventService(bus, time.Second, zerolog.Nop())

	require.NoError(t, svc.RegisterHandler(broker.NoteCreated, func(context.Context, *broker.Event) error { return nil }))
	require.NoError(t, svc.Start(context.Background()))
	defer svc.Stop()

	err := svc.RegisterHandler(broker.NoteDeleted, func(context.Context, *broker.Event) error { return nil })
	assert.ErrorIs(t, err, ErrAlreadyStarted)
}

// TestEventService_StopWaitsForInflight: Stop lets the event in
// progress finish before returning.
func TestEventService_StopWaitsForInflight(t *testing.T) {
	bus := broker.NewMemoryBus()
	svc := NewEventService(bus, time.Second, zerolog.Nop())
	ctx := context.Background()

	started := make(chan struct{})
	var finished atomic.Bool
	require.NoError(t, svc.RegisterHandler(broker.NoteCreated, func(context.Context, *broker.Event) error {
		close(started)
		time.Sleep(50 * time.Millisecond)
		finished.Store(true)
		return nil
	}))

	require.NoError(t, svc.Start(ctx))
	require.NoError(t, bus.Publish(ctx, mustEvent(t, broker.NoteCreated, uuid.New(), uuid.New(), broker.OriginCRUD, nil)))

	<-started
	svc.Stop()

	assert.True(t, finished.Load(), "in-flight handler should have completed before Stop returned")
}

// TestEventService_StartTwice: double Start is rejected.
func TestEventService_StartTwice(t *testing.T) {
	bus := broker.NewMemoryBus()
	svc := NewEventService(bus, time.Second, zerolog.Nop())

	require.NoError(t, svc.RegisterHandler(broker.NoteCreated, func(context.Context, *broker.Event) error { return nil }))
	require.NoError(t, svc.Start(context.Background()))
	defer svc.Stop()

	assert.ErrorIs(t, svc.Start(context.Background()), ErrAlreadyStarted)
}
