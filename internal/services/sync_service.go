package services

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/quilljot/quilljot/internal/broker"
	"github.com/quilljot/quilljot/internal/models"
	"github.com/quilljot/quilljot/internal/repositories"
)

const (
	pairLockStripes = 64
	seenCacheSize   = 4096
)

// SyncService keeps a task-checkbox block and its paired task
// consistent under independent edits from either side.
//
// Correctness rests on three rules: events tagged with the sync
// handler's own origin never re-trigger the opposite-direction update;
// each pair is serialized through a per-pair lock while a sync is in
// flight; and conflicts resolve by last-write-wins on updated_at.
type SyncService struct {
	blocks repositories.BlockRepository
	tasks  repositories.TaskRepository
	pairs  repositories.PairRepository
	broker broker.Broker
	log    zerolog.Logger

	locks [pairLockStripes]sync.Mutex
	seen  *seenCache
}

func NewSyncService(
	blocks repositories.BlockRepository,
	tasks repositories.TaskRepository,
	pairs repositories.PairRepository,
	b broker.Broker,
	log zerolog.Logger,
) *SyncService {
	return &SyncService{
		blocks: blocks,
		tasks:  tasks,
		pairs:  pairs,
		broker: b,
		log:    log.With().Str("component", "sync_service").Logger(),
		seen:   newSeenCache(seenCacheSize),
	}
}

// Register wires the sync handlers into the event service.
func (s *SyncService) Register(events *EventService) error {
	registrations := map[broker.EventType]HandlerFunc{
		broker.BlockCreated: s.HandleBlockCreated,
		broker.BlockUpdated: s.HandleBlockUpdated,
		broker.BlockDeleted: s.HandleBlockDeleted,
		broker.TaskCreated:  s.HandleTaskCreated,
		broker.TaskUpdated:  s.HandleTaskUpdated,
		broker.TaskDeleted:  s.HandleTaskDeleted,
	}
	for eventType, handler := range registrations {
		if err := events.RegisterHandler(eventType, handler); err != nil {
			return err
		}
	}
	return nil
}

// HandleBlockCreated links a fresh task-checkbox block to a new task.
func (s *SyncService) HandleBlockCreated(ctx context.Context, event *broker.Event) error {
	if !s.accept(event) {
		return nil
	}

	var snapshot models.Block
	if err := event.DecodePayload(&snapshot); err != nil {
		return err
	}
	if !snapshot.Syncable() {
		return nil
	}

	unlock := s.lockPair(snapshot.ID)
	defer unlock()

	block, err := s.blocks.GetByID(ctx, snapshot.ID)
	if errors.Is(err, repositories.ErrNotFound) {
		// Persisted-then-published contract broken upstream; nothing to link.
		s.log.Warn().Str("block_id", snapshot.ID.String()).Msg("block.created for unknown block")
		return nil
	}
	if err != nil {
		return err
	}

	// A re-published creation (re-queued upstream, or outside the seen-id
	// window) must not mint a second task for an already-linked block.
	if block.LinkedTaskID != nil {
		return nil
	}

	return s.linkBlock(ctx, block)
}

// HandleBlockUpdated propagates a checked-state change to the linked
// task, or links an unlinked checkbox that was just converted.
func (s *SyncService) HandleBlockUpdated(ctx context.Context, event *broker.Event) error {
	if !s.accept(event) {
		return nil
	}

	var snapshot models.Block
	if err := event.DecodePayload(&snapshot); err != nil {
		return err
	}
	if !snapshot.Syncable() {
		return nil
	}

	unlock := s.lockPair(snapshot.ID)
	defer unlock()

	block, err := s.blocks.GetByID(ctx, snapshot.ID)
	if errors.Is(err, repositories.ErrNotFound) {
		s.log.Warn().Str("block_id", snapshot.ID.String()).Msg("block.updated for unknown block")
		return nil
	}
	if err != nil {
		return err
	}

	// "Convert to task": a checkbox that has no pair yet gets one.
	if block.LinkedTaskID == nil {
		return s.linkBlock(ctx, block)
	}

	task, err := s.tasks.GetByID(ctx, *block.LinkedTaskID)
	if errors.Is(err, repositories.ErrNotFound) {
		return s.clearDanglingTaskLink(ctx, block)
	}
	if err != nil {
		return err
	}

	return s.reconcile(ctx, block, task)
}

// HandleBlockDeleted clears the surviving task's back-reference. The
// task itself is never cascade-deleted.
func (s *SyncService) HandleBlockDeleted(ctx context.Context, event *broker.Event) error {
	if !s.accept(event) {
		return nil
	}

	var snapshot models.Block
	if err := event.DecodePayload(&snapshot); err != nil {
		return err
	}
	if snapshot.LinkedTaskID == nil {
		return nil
	}

	unlock := s.lockPair(snapshot.ID)
	defer unlock()

	task, err := s.tasks.GetByID(ctx, *snapshot.LinkedTaskID)
	if errors.Is(err, repositories.ErrNotFound) {
		return nil
	}
	if err != nil {
		return err
	}

	// A stale delete must not sever a pairing the task has since moved to.
	if task.LinkedBlockID == nil || *task.LinkedBlockID != snapshot.ID {
		return nil
	}

	task.LinkedBlockID = nil
	task.UpdatedAt = time.Now().UTC()
	if err := s.tasks.Save(ctx, task); err != nil {
		return err
	}

	return s.publish(ctx, broker.TaskUpdated, task.ID, task.UserID, task)
}

// HandleTaskCreated only records the event for idempotence bookkeeping.
// Tasks created by the task UI start unlinked; tasks created by the
// sync handler are its own echoes.
func (s *SyncService) HandleTaskCreated(_ context.Context, event *broker.Event) error {
	s.accept(event)
	return nil
}

// HandleTaskUpdated propagates a completion change to the linked block.
func (s *SyncService) HandleTaskUpdated(ctx context.Context, event *broker.Event) error {
	if !s.accept(event) {
		return nil
	}

	var snapshot models.Task
	if err := event.DecodePayload(&snapshot); err != nil {
		return err
	}
	if snapshot.LinkedBlockID == nil {
		return nil
	}

	lockID := *snapshot.LinkedBlockID
	unlock := s.lockPair(lockID)
	defer func() { unlock() }()

	var task *models.Task
	for {
		loaded, err := s.tasks.GetByID(ctx, snapshot.ID)
		if errors.Is(err, repositories.ErrNotFound) {
			s.log.Warn().Str("task_id", snapshot.ID.String()).Msg("task.updated for unknown task")
			return nil
		}
		if err != nil {
			return err
		}
		if loaded.LinkedBlockID == nil {
			return nil
		}
		if stripeFor(*loaded.LinkedBlockID) == stripeFor(lockID) {
			task = loaded
			break
		}

		// The pairing moved between publish and processing; release the
		// stale stripe, take the current pair's, and re-read under it.
		unlock()
		lockID = *loaded.LinkedBlockID
		unlock = s.lockPair(lockID)
	}

	block, err := s.blocks.GetByID(ctx, *task.LinkedBlockID)
	if errors.Is(err, repositories.ErrNotFound) {
		return s.clearDanglingBlockLink(ctx, task)
	}
	if err != nil {
		return err
	}

	return s.reconcile(ctx, block, task)
}

// HandleTaskDeleted clears the surviving block's back-reference.
func (s *SyncService) HandleTaskDeleted(ctx context.Context, event *broker.Event) error {
	if !s.accept(event) {
		return nil
	}

	var snapshot models.Task
	if err := event.DecodePayload(&snapshot); err != nil {
		return err
	}
	if snapshot.LinkedBlockID == nil {
		return nil
	}

	unlock := s.lockPair(*snapshot.LinkedBlockID)
	defer unlock()

	block, err := s.blocks.GetByID(ctx, *snapshot.LinkedBlockID)
	if errors.Is(err, repositories.ErrNotFound) {
		return nil
	}
	if err != nil {
		return err
	}

	// Same staleness guard as the block-deleted direction.
	if block.LinkedTaskID == nil || *block.LinkedTaskID != snapshot.ID {
		return nil
	}

	block.LinkedTaskID = nil
	block.UpdatedAt = time.Now().UTC()
	if err := s.blocks.Save(ctx, block); err != nil {
		return err
	}

	return s.publish(ctx, broker.BlockUpdated, block.ID, block.UserID, block)
}

// accept applies cycle suppression and idempotence. It returns true
// only for first-seen events that did not originate from this handler.
func (s *SyncService) accept(event *broker.Event) bool {
	if !s.seen.observe(event.ID) {
		return false
	}
	return event.Origin != broker.OriginSyncHandler
}

// linkBlock performs the Unlinked -> Linked transition: a new task
// mirroring the block's checked state, back-references on both sides
// written in one transaction, then a derived task.created event.
func (s *SyncService) linkBlock(ctx context.Context, block *models.Block) error {
	now := time.Now().UTC()

	task := &models.Task{
		ID:            uuid.New(),
		UserID:        block.UserID,
		Title:         taskTitle(block),
		IsCompleted:   block.IsChecked,
		LinkedBlockID: &block.ID,
		CreatedAt:     now,
		UpdatedAt:     block.UpdatedAt,
	}
	block.LinkedTaskID = &task.ID

	if err := s.pairs.SavePair(ctx, block, task); err != nil {
		return fmt.Errorf("failed to persist block/task pair: %w", err)
	}

	return s.publish(ctx, broker.TaskCreated, task.ID, task.UserID, task)
}

// reconcile makes both sides agree on one boolean. Last-write-wins: the
// side with the newer updated_at is authoritative; on a tie the block
// side wins so the outcome is deterministic. No-ops publish nothing,
// which is what makes toggles converge instead of oscillating.
func (s *SyncService) reconcile(ctx context.Context, block *models.Block, task *models.Task) error {
	if task.UpdatedAt.After(block.UpdatedAt) {
		if block.IsChecked == task.IsCompleted {
			return nil
		}
		block.IsChecked = task.IsCompleted
		block.UpdatedAt = task.UpdatedAt
		if err := s.blocks.Save(ctx, block); err != nil {
			return err
		}
		return s.publish(ctx, broker.BlockUpdated, block.ID, block.UserID, block)
	}

	if task.IsCompleted == block.IsChecked {
		return nil
	}
	task.IsCompleted = block.IsChecked
	task.UpdatedAt = block.UpdatedAt
	if err := s.tasks.Save(ctx, task); err != nil {
		return err
	}
	return s.publish(ctx, broker.TaskUpdated, task.ID, task.UserID, task)
}

// clearDanglingTaskLink handles a block whose linked task no longer
// exists: a data-integrity warning, not a fatal error.
func (s *SyncService) clearDanglingTaskLink(ctx context.Context, block *models.Block) error {
	s.log.Warn().
		Str("block_id", block.ID.String()).
		Str("task_id", block.LinkedTaskID.String()).
		Msg("block references missing task, clearing link")

	block.LinkedTaskID = nil
	return s.blocks.Save(ctx, block)
}

func (s *SyncService) clearDanglingBlockLink(ctx context.Context, task *models.Task) error {
	s.log.Warn().
		Str("task_id", task.ID.String()).
		Str("block_id", task.LinkedBlockID.String()).
		Msg("task references missing block, clearing link")

	task.LinkedBlockID = nil
	return s.tasks.Save(ctx, task)
}

func (s *SyncService) publish(ctx context.Context, eventType broker.EventType, entityID, userID uuid.UUID, payload any) error {
	event, err := broker.NewEvent(eventType, entityID, userID, broker.OriginSyncHandler, payload)
	if err != nil {
		return err
	}
	if err := s.broker.Publish(ctx, event); err != nil {
		// State is already persisted; a lost derived event only costs a
		// broadcast, never a state change.
		return fmt.Errorf("failed to publish derived %s: %w", eventType, err)
	}
	return nil
}

// lockPair serializes sync operations per pair. Stripes keep the lock
// table bounded; the pair key is always the block id.
func (s *SyncService) lockPair(blockID uuid.UUID) func() {
	lock := &s.locks[stripeFor(blockID)]
	lock.Lock()
	return lock.Unlock
}

func stripeFor(blockID uuid.UUID) int {
	return int(blockID[0]) % pairLockStripes
}

func taskTitle(block *models.Block) string {
	if block.Content != "" {
		return block.Content
	}
	return "Untitled task"
}

// seenCache is a fixed-capacity FIFO set of processed event ids.
// Re-delivery of an id still inside the window is a no-op.
type seenCache struct {
	mu       sync.Mutex
	capacity int
	ids      map[uuid.UUID]struct{}
	order    []uuid.UUID
	next     int
}

func newSeenCache(capacity int) *seenCache {
	return &seenCache{
		capacity: capacity,
		ids:      make(map[uuid.UUID]struct{}, capacity),
		order:    make([]uuid.UUID, capacity),
	}
}

// observe records the id and reports whether it was seen for the first
// time.
func (c *seenCache) observe(id uuid.UUID) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	if _, ok := c.ids[id]; ok {
		return false
	}

	evicted := c.order[c.next]
	if evicted != uuid.Nil {
		delete(c.ids, evicted)
	}
	c.order[c.next] = id
	c.next = (c.next + 1) % c.capacity
	c.ids[id] = struct{}{}
	return true
}
