package repositories

import (
	"context"
	"sync"

	"github.com/google/uuid"
	"github.com/quilljot/quilljot/internal/models"
)

// In-memory repositories back tests and single-process runs without a
// database. They copy on the way in and out so callers never share
// struct instances with the store.

type MemoryBlockRepository struct {
	mu     sync.RWMutex
	blocks map[uuid.UUID]models.Block
}

func NewMemoryBlockRepository() *MemoryBlockRepository {
	return &MemoryBlockRepository{blocks: make(map[uuid.UUID]models.Block)}
}

func (r *MemoryBlockRepository) GetByID(_ context.Context, id uuid.UUID) (*models.Block, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	block, ok := r.blocks[id]
	if !ok {
		return nil, ErrNotFound
	}
	copied := block
	if block.LinkedTaskID != nil {
		linked := *block.LinkedTaskID
		copied.LinkedTaskID = &linked
	}
	return &copied, nil
}

func (r *MemoryBlockRepository) Save(_ context.Context, block *models.Block) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	copied := *block
	if block.LinkedTaskID != nil {
		linked := *block.LinkedTaskID
		copied.LinkedTaskID = &linked
	}
	r.blocks[block.ID] = copied
	return nil
}

func (r *MemoryBlockRepository) Delete(_ context.Context, id uuid.UUID) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.blocks[id]; !ok {
		return ErrNotFound
	}
	delete(r.blocks, id)
	return nil
}

type MemoryTaskRepository struct {
	mu    sync.RWMutex
	tasks map[uuid.UUID]models.Task
}

func NewMemoryTaskRepository() *MemoryTaskRepository {
	return &MemoryTaskRepository{tasks: make(map[uuid.UUID]models.Task)}
}

func (r *MemoryTaskRepository) GetByID(_ context.Context, id uuid.UUID) (*models.Task, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	task, ok := r.tasks[id]
	if !ok {
		return nil, ErrNotFound
	}
	copied := task
	if task.LinkedBlockID != nil {
		linked := *task.LinkedBlockID
		copied.LinkedBlockID = &linked
	}
	return &copied, nil
}

func (r *MemoryTaskRepository) Save(_ context.Context, task *models.Task) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	copied := *task
	if task.LinkedBlockID != nil {
		linked := *task.LinkedBlockID
		copied.LinkedBlockID = &linked
	}
	r.tasks[task.ID] = copied
	return nil
}

func (r *MemoryTaskRepository) Delete(_ context.Context, id uuid.UUID) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.tasks[id]; !ok {
		return ErrNotFound
	}
	delete(r.tasks, id)
	return nil
}

// MemoryPairRepository saves both sides through the underlying stores.
// Single-process runs have no partial-write window because the sync
// handler serializes per pair.
type MemoryPairRepository struct {
	Blocks *MemoryBlockRepository
	Tasks  *MemoryTaskRepository
}

func NewMemoryPairRepository(blocks *MemoryBlockRepository, tasks *MemoryTaskRepository) *MemoryPairRepository {
	return &MemoryPairRepository{Blocks: blocks, Tasks: tasks}
}

func (r *MemoryPairRepository) SavePair(ctx context.Context, block *models.Block, task *models.Task) error {
	if err := r.Blocks.Save(ctx, block); err != nil {
		return err
	}
	return r.Tasks.Save(ctx, task)
}

type MemorySessionRepository struct {
	mu       sync.RWMutex
	sessions map[string]models.Session
}

func NewMemorySessionRepository() *MemorySessionRepository {
	return &MemorySessionRepository{sessions: make(map[string]models.Session)}
}

func (r *MemorySessionRepository) Create(_ context.Context, session *models.Session) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sessions[session.ID] = *session
	return nil
}

func (r *MemorySessionRepository) GetByID(_ context.Context, id string) (*models.Session, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	session, ok := r.sessions[id]
	if !ok {
		return nil, ErrNotFound
	}
	copied := session
	return &copied, nil
}

func (r *MemorySessionRepository) Delete(_ context.Context, id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.sessions, id)
	return nil
}

func (r *MemorySessionRepository) DeleteAllForUser(_ context.Context, userID uuid.UUID) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	for id, session := range r.sessions {
		if session.UserID == userID {
			delete(r.sessions, id)
		}
	}
	return nil
}
