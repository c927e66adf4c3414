package models

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/prudhvinik1/causalsync/internal/clock"
)

// Operation is the kind of mutation a sync event records.
type Operation string

const (
	OpCreate Operation = "CREATE"
	OpUpdate Operation = "UPDATE"
	OpDelete Operation = "DELETE"
)

func (op Operation) Valid() bool {
	switch op {
	case OpCreate, OpUpdate, OpDelete:
		return true
	}
	return false
}

// SyncEvent is the atomic unit of synchronized history: one device-authored
// mutation of one entity, stamped with the vector clock the authoring device
// observed at write time. Events are immutable once recorded except for the
// SyncedAt distribution marker.
type SyncEvent struct {
	ID          uuid.UUID         `json:"id"`
	DeviceID    uuid.UUID         `json:"device_id"`
	UserID      uuid.UUID         `json:"user_id"`
	EntityType  string            `json:"entity_type"`
	EntityID    string            `json:"entity_id"`
	Operation   Operation         `json:"operation"`
	Payload     json.RawMessage   `json:"payload"`
	VectorClock clock.VectorClock `json:"vector_clock"`
	Timestamp   time.Time         `json:"timestamp"`
	SyncedAt    *time.Time        `json:"synced_at,omitempty"`
}

// DecodedPayload unmarshals the opaque payload into a generic object for
// delta computation. A nil payload decodes to an empty object.
func (e *SyncEvent) DecodedPayload() (map[string]any, error) {
	if len(e.Payload) == 0 {
		return map[string]any{}, nil
	}
	var out map[string]any
	if err := json.Unmarshal(e.Payload, &out); err != nil {
		return nil, fmt.Errorf("failed to decode payload of event %s: %w", e.ID, err)
	}
	if out == nil {
		out = map[string]any{}
	}
	return out, nil
}
