package repositories

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/quilljot/quilljot/internal/models"
)

var ErrNotFound = errors.New("not found")

type PostgresBlockRepository struct {
	pool *pgxpool.Pool
}

func NewPostgresBlockRepository(pool *pgxpool.Pool) *PostgresBlockRepository {
	return &PostgresBlockRepository{pool: pool}
}

func (r *PostgresBlockRepository) GetByID(ctx context.Context, id uuid.UUID) (*models.Block, error) {
	query := `SELECT id, note_id, user_id, kind, content, is_checked, linked_task_id, created_at, updated_at
	          FROM blocks
	          WHERE id = $1`

	var block models.Block
	err := r.pool.QueryRow(ctx, query, id).Scan(
		&block.ID,
		&block.NoteID,
		&block.UserID,
		&block.Kind,
		&block.Content,
		&block.IsChecked,
		&block.LinkedTaskID,
		&block.CreatedAt,
		&block.UpdatedAt,
	)

	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get block: %w", err)
	}
	return &block, nil
}

// Save upserts the block. The caller owns the updated_at value: the sync
// handler writes the timestamp it decided the edit with, which the
// last-write-wins comparison depends on.
func (r *PostgresBlockRepository) Save(ctx context.Context, block *models.Block) error {
	query := `INSERT INTO blocks (id, note_id, user_id, kind, content, is_checked, linked_task_id, created_at, updated_at)
	          VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
	          ON CONFLICT (id) DO UPDATE
	          SET content = EXCLUDED.content,
	              is_checked = EXCLUDED.is_checked,
	              linked_task_id = EXCLUDED.linked_task_id,
	              updated_at = EXCLUDED.updated_at`

	_, err := r.pool.Exec(ctx, query,
		block.ID,
		block.NoteID,
		block.UserID,
		block.Kind,
		block.Content,
		block.IsChecked,
		block.LinkedTaskID,
		block.CreatedAt,
		block.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to save block: %w", err)
	}
	return nil
}

func (r *PostgresBlockRepository) Delete(ctx context.Context, id uuid.UUID) error {
	result, err := r.pool.Exec(ctx, `DELETE FROM blocks WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("failed to delete block: %w", err)
	}
	if result.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}
