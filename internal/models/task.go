package models

import (
	"time"

	"github.com/google/uuid"
)

type Task struct {
	ID            uuid.UUID  `json:"id"`
	UserID        uuid.UUID  `json:"user_id"`
	Title         string     `json:"title"`
	IsCompleted   bool       `json:"is_completed"`
	LinkedBlockID *uuid.UUID `json:"linked_block_id,omitempty"`
	CreatedAt     time.Time  `json:"created_at"`
	UpdatedAt     time.Time  `json:"updated_at"`
}
