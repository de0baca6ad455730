package models

import (
	"time"

	"github.com/google/uuid"
)

// Block kinds. Only task-checkbox blocks participate in block<->task sync.
const (
	BlockKindText         = "text"
	BlockKindHeading      = "heading"
	BlockKindTaskCheckbox = "task-checkbox"
)

type Block struct {
	ID           uuid.UUID  `json:"id"`
	NoteID       uuid.UUID  `json:"note_id"`
	UserID       uuid.UUID  `json:"user_id"`
	Kind         string     `json:"kind"`
	Content      string     `json:"content"`
	IsChecked    bool       `json:"is_checked"`
	LinkedTaskID *uuid.UUID `json:"linked_task_id,omitempty"`
	CreatedAt    time.Time  `json:"created_at"`
	UpdatedAt    time.Time  `json:"updated_at"`
}

// Syncable reports whether the block takes part in task synchronization.
func (b *Block) Syncable() bool {
	return b.Kind == BlockKindTaskCheckbox
}
