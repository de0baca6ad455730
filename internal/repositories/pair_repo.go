package repositories

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/quilljot/quilljot/internal/models"
)

// PostgresPairRepository writes both sides of a block/task pair inside
// one transaction. The pairing invariant requires the back-references
// to change together or not at all.
type PostgresPairRepository struct {
	pool *pgxpool.Pool
}

func NewPostgresPairRepository(pool *pgxpool.Pool) *PostgresPairRepository {
	return &PostgresPairRepository{pool: pool}
}

func (r *PostgresPairRepository) SavePair(ctx context.Context, block *models.Block, task *models.Task) error {
	tx, err := r.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return fmt.Errorf("failed to begin pair transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	blockQuery := `INSERT INTO blocks (id, note_id, user_id, kind, content, is_checked, linked_task_id, created_at, updated_at)
	               VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
	               ON CONFLICT (id) DO UPDATE
	               SET content = EXCLUDED.content,
	                   is_checked = EXCLUDED.is_checked,
	                   linked_task_id = EXCLUDED.linked_task_id,
	                   updated_at = EXCLUDED.updated_at`

	_, err = tx.Exec(ctx, blockQuery,
		block.ID, block.NoteID, block.UserID, block.Kind, block.Content,
		block.IsChecked, block.LinkedTaskID, block.CreatedAt, block.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to save block side of pair: %w", err)
	}

	taskQuery := `INSERT INTO tasks (id, user_id, title, is_completed, linked_block_id, created_at, updated_at)
	              VALUES ($1, $2, $3, $4, $5, $6, $7)
	              ON CONFLICT (id) DO UPDATE
	              SET title = EXCLUDED.title,
	                  is_completed = EXCLUDED.is_completed,
	                  linked_block_id = EXCLUDED.linked_block_id,
	                  updated_at = EXCLUDED.updated_at`

	_, err = tx.Exec(ctx, taskQuery,
		task.ID, task.UserID, task.Title, task.IsCompleted,
		task.LinkedBlockID, task.CreatedAt, task.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to save task side of pair: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("failed to commit pair transaction: %w", err)
	}
	return nil
}
