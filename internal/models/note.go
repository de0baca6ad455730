package models

import (
	"time"

	"github.com/google/uuid"
)

// Note is owned by the CRUD layer; the core only needs enough of it to
// scope blocks and broadcast note events.
type Note struct {
	ID         uuid.UUID  `json:"id"`
	NotebookID uuid.UUID  `json:"notebook_id"`
	UserID     uuid.UUID  `json:"user_id"`
	Title      string     `json:"title"`
	CreatedAt  time.Time  `json:"created_at"`
	UpdatedAt  time.Time  `json:"updated_at"`
	DeletedAt  *time.Time `json:"deleted_at,omitempty"`
}
