package broker

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Topic names, one per domain aggregate. These are the wire contract
// between the sync core and the CRUD layer that performs the initial
// publish.
const (
	UsersTopic     = "users"
	NotebooksTopic = "notebooks"
	NotesTopic     = "notes"
	BlocksTopic    = "blocks"
	TasksTopic     = "tasks"
)

// Topics returns every domain topic, in a stable order.
func Topics() []string {
	return []string{UsersTopic, NotebooksTopic, NotesTopic, BlocksTopic, TasksTopic}
}

type EventType string

// Event types in the format <resource>.<action>.
const (
	NoteCreated  EventType = "note.created"
	NoteUpdated  EventType = "note.updated"
	NoteDeleted  EventType = "note.deleted"
	NoteRestored EventType = "note.restored"

	NotebookCreated  EventType = "notebook.created"
	NotebookUpdated  EventType = "notebook.updated"
	NotebookDeleted  EventType = "notebook.deleted"
	NotebookRestored EventType = "notebook.restored"

	BlockCreated EventType = "block.created"
	BlockUpdated EventType = "block.updated"
	BlockDeleted EventType = "block.deleted"

	TaskCreated EventType = "task.created"
	TaskUpdated EventType = "task.updated"
	TaskDeleted EventType = "task.deleted"

	UserCreated EventType = "user.created"
	UserUpdated EventType = "user.updated"
	UserDeleted EventType = "user.deleted"

	TrashEmptied EventType = "trash.emptied"
)

// TopicFor maps an event type to the topic it is published on.
func TopicFor(eventType EventType) string {
	resource, _, _ := strings.Cut(string(eventType), ".")
	switch resource {
	case "user":
		return UsersTopic
	case "notebook":
		return NotebooksTopic
	case "note", "trash":
		return NotesTopic
	case "block":
		return BlocksTopic
	case "task":
		return TasksTopic
	default:
		return NotesTopic
	}
}

// Origin identifies the component that produced an event. The sync
// handler uses it to break block<->task feedback cycles.
type Origin string

const (
	OriginEditor      Origin = "editor"
	OriginTaskUI      Origin = "task_ui"
	OriginCRUD        Origin = "crud"
	OriginSyncHandler Origin = "sync_handler"
)

// Event is the immutable envelope carried on the broker. Events are
// created at publish time and never mutated; the core does not persist
// them beyond broker retention.
type Event struct {
	ID        uuid.UUID       `json:"id"`
	Type      EventType       `json:"type"`
	EntityID  uuid.UUID       `json:"entity_id"`
	UserID    uuid.UUID       `json:"user_id"`
	Origin    Origin          `json:"origin"`
	Payload   json.RawMessage `json:"payload,omitempty"`
	CreatedAt time.Time       `json:"created_at"`
}

// NewEvent builds an envelope with a fresh id and timestamp. The payload
// is marshalled once at creation so the envelope stays immutable.
func NewEvent(eventType EventType, entityID, userID uuid.UUID, origin Origin, payload any) (*Event, error) {
	var raw json.RawMessage
	if payload != nil {
		data, err := json.Marshal(payload)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal event payload: %w", err)
		}
		raw = data
	}

	return &Event{
		ID:        uuid.New(),
		Type:      eventType,
		EntityID:  entityID,
		UserID:    userID,
		Origin:    origin,
		Payload:   raw,
		CreatedAt: time.Now().UTC(),
	}, nil
}

// DecodePayload unmarshals the event payload into v.
func (e *Event) DecodePayload(v any) error {
	if len(e.Payload) == 0 {
		return fmt.Errorf("event %s has no payload", e.ID)
	}
	if err := json.Unmarshal(e.Payload, v); err != nil {
		return fmt.Errorf("failed to decode payload of event %s: %w", e.ID, err)
	}
	return nil
}
