package models

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// ResolutionStrategy selects how a conflict's winning payload is computed.
type ResolutionStrategy string

const (
	StrategyLastWriteWins ResolutionStrategy = "LAST_WRITE_WINS"
	StrategyManual        ResolutionStrategy = "MANUAL"
	StrategyMerge         ResolutionStrategy = "MERGE"
)

func (s ResolutionStrategy) Valid() bool {
	switch s {
	case StrategyLastWriteWins, StrategyManual, StrategyMerge:
		return true
	}
	return false
}

// Conflict is a derived entity: a group of two or more events for the same
// (EntityType, EntityID) whose vector clocks are pairwise concurrent. It is
// never created directly, only computed by detection, and transitions from
// unresolved to resolved exactly once.
type Conflict struct {
	ID              uuid.UUID           `json:"id"`
	UserID          uuid.UUID           `json:"user_id"`
	EntityType      string              `json:"entity_type"`
	EntityID        string              `json:"entity_id"`
	EventIDs        []uuid.UUID         `json:"event_ids"`
	Strategy        *ResolutionStrategy `json:"strategy,omitempty"`
	ResolvedPayload json.RawMessage     `json:"resolved_payload,omitempty"`
	ResolvedAt      *time.Time          `json:"resolved_at,omitempty"`
	DetectedAt      time.Time           `json:"detected_at"`
}

func (c *Conflict) Resolved() bool {
	return c.ResolvedAt != nil
}

// HasEvent reports membership of an event in the conflict group.
func (c *Conflict) HasEvent(id uuid.UUID) bool {
	for _, member := range c.EventIDs {
		if member == id {
			return true
		}
	}
	return false
}
