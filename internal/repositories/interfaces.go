package repositories

import (
	"context"

	"github.com/google/uuid"
	"github.com/quilljot/quilljot/internal/models"
)

type BlockRepository interface {
	GetByID(ctx context.Context, id uuid.UUID) (*models.Block, error)
	Save(ctx context.Context, block *models.Block) error
	Delete(ctx context.Context, id uuid.UUID) error
}

type TaskRepository interface {
	GetByID(ctx context.Context, id uuid.UUID) (*models.Task, error)
	Save(ctx context.Context, task *models.Task) error
	Delete(ctx context.Context, id uuid.UUID) error
}

// PairRepository writes a block and its linked task in one transaction
// so the symmetric back-reference invariant can never be observed half
// applied.
type PairRepository interface {
	SavePair(ctx context.Context, block *models.Block, task *models.Task) error
}

type UserRepository interface {
	Create(ctx context.Context, user *models.User) error
	GetByID(ctx context.Context, id uuid.UUID) (*models.User, error)
	GetByEmail(ctx context.Context, email string) (*models.User, error)
}

type SessionRepository interface {
	Create(ctx context.Context, session *models.Session) error
	GetByID(ctx context.Context, id string) (*models.Session, error)
	Delete(ctx context.Context, id string) error
	DeleteAllForUser(ctx context.Context, userID uuid.UUID) error
}
