package services

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/prudhvinik1/causalsync/internal/clock"
	"github.com/prudhvinik1/causalsync/internal/delta"
	"github.com/prudhvinik1/causalsync/internal/models"
	"github.com/prudhvinik1/causalsync/internal/repositories"
)

// ConflictResolver applies a resolution strategy to a detected conflict and
// records the winning payload exactly once. Re-resolving an already-resolved
// conflict returns the stored result without recomputation, so callers can
// retry freely.
type ConflictResolver struct {
	conflictRepo repositories.ConflictRepository
	eventRepo    repositories.EventRepository
	locks        entityLocks
	now          func() time.Time
}

func NewConflictResolver(conflictRepo repositories.ConflictRepository, eventRepo repositories.EventRepository) *ConflictResolver {
	return &ConflictResolver{
		conflictRepo: conflictRepo,
		eventRepo:    eventRepo,
		now:          time.Now,
	}
}

// Resolve computes the winning payload for a conflict under the given
// strategy. Resolution for the same entity is serialized, so two concurrent
// attempts cannot both win; the loser observes the stored result. MERGE
// fails with a MergeConflictError rather than guessing when both sides
// changed a field to different values.
func (r *ConflictResolver) Resolve(ctx context.Context, conflictID uuid.UUID, strategy models.ResolutionStrategy, manualPayload json.RawMessage) (*models.Conflict, error) {
	if !strategy.Valid() {
		return nil, fmt.Errorf("unknown resolution strategy %q", strategy)
	}

	conflict, err := r.getConflict(ctx, conflictID)
	if err != nil {
		return nil, err
	}

	unlock := r.locks.lock(conflict.EntityType + "/" + conflict.EntityID)
	defer unlock()

	// Re-read under the entity lock: a concurrent resolver may have won.
	conflict, err = r.getConflict(ctx, conflictID)
	if err != nil {
		return nil, err
	}
	if conflict.Resolved() {
		return conflict, nil
	}

	payload, err := r.winningPayload(ctx, conflict, strategy, manualPayload)
	if err != nil {
		return nil, err
	}

	err = r.conflictRepo.MarkResolved(ctx, conflictID, strategy, payload, r.now())
	if errors.Is(err, repositories.ErrAlreadyResolved) {
		return r.getConflict(ctx, conflictID)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to record resolution: %w", err)
	}
	return r.getConflict(ctx, conflictID)
}

// Unresolved lists the user's open conflicts.
func (r *ConflictResolver) Unresolved(ctx context.Context, userID uuid.UUID) ([]*models.Conflict, error) {
	return r.conflictRepo.ListUnresolved(ctx, userID)
}

func (r *ConflictResolver) getConflict(ctx context.Context, id uuid.UUID) (*models.Conflict, error) {
	conflict, err := r.conflictRepo.GetByID(ctx, id)
	if errors.Is(err, repositories.ErrNotFound) {
		return nil, ErrConflictNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load conflict: %w", err)
	}
	return conflict, nil
}

func (r *ConflictResolver) winningPayload(ctx context.Context, conflict *models.Conflict, strategy models.ResolutionStrategy, manualPayload json.RawMessage) ([]byte, error) {
	switch strategy {
	case models.StrategyManual:
		if len(manualPayload) == 0 {
			return nil, ErrManualPayloadRequired
		}
		return manualPayload, nil
	case models.StrategyLastWriteWins:
		return r.lastWriteWins(ctx, conflict)
	case models.StrategyMerge:
		return r.threeWayMerge(ctx, conflict)
	}
	return nil, fmt.Errorf("unknown resolution strategy %q", strategy)
}

// lastWriteWins picks the member with the greatest wall-clock timestamp,
// tie-breaking on the lexicographically greatest device id so every replica
// picks the same winner.
func (r *ConflictResolver) lastWriteWins(ctx context.Context, conflict *models.Conflict) ([]byte, error) {
	members, err := r.memberEvents(ctx, conflict)
	if err != nil {
		return nil, err
	}

	winner := members[0]
	for _, candidate := range members[1:] {
		if candidate.Timestamp.After(winner.Timestamp) {
			winner = candidate
			continue
		}
		if candidate.Timestamp.Equal(winner.Timestamp) &&
			candidate.DeviceID.String() > winner.DeviceID.String() {
			winner = candidate
		}
	}
	return winner.Payload, nil
}

// threeWayMerge merges every member's delta against the lowest common causal
// ancestor found in the entity history, or against the oldest member when no
// ancestor is recorded. Any field both sides changed differently aborts the
// merge with the full list of disagreements.
func (r *ConflictResolver) threeWayMerge(ctx context.Context, conflict *models.Conflict) ([]byte, error) {
	members, err := r.memberEvents(ctx, conflict)
	if err != nil {
		return nil, err
	}

	base, err := r.mergeBase(ctx, conflict, members)
	if err != nil {
		return nil, err
	}

	var accumulated []delta.Change
	var fieldConflicts []delta.FieldConflict
	for i, member := range members {
		payload, err := member.DecodedPayload()
		if err != nil {
			return nil, err
		}
		memberDelta := delta.Diff(base, payload)
		if i == 0 {
			accumulated = memberDelta
			continue
		}

		result, err := delta.Merge(base, accumulated, memberDelta)
		if err != nil {
			return nil, fmt.Errorf("failed to merge member deltas: %w", err)
		}
		fieldConflicts = append(fieldConflicts, result.Conflicts...)
		accumulated = delta.Diff(base, result.Merged)
	}

	if len(fieldConflicts) > 0 {
		return nil, &MergeConflictError{Conflicts: fieldConflicts}
	}

	merged, err := delta.Apply(base, accumulated)
	if err != nil {
		return nil, fmt.Errorf("failed to apply merged delta: %w", err)
	}
	encoded, err := json.Marshal(merged)
	if err != nil {
		return nil, fmt.Errorf("failed to encode merged payload: %w", err)
	}
	return encoded, nil
}

// mergeBase returns the decoded payload of the latest event causally Before
// every conflict member, falling back to the oldest member itself.
func (r *ConflictResolver) mergeBase(ctx context.Context, conflict *models.Conflict, members []*models.SyncEvent) (map[string]any, error) {
	history, err := r.eventRepo.ListForEntity(ctx, conflict.UserID, conflict.EntityType, conflict.EntityID)
	if err != nil {
		return nil, fmt.Errorf("failed to load entity history: %w", err)
	}

	var ancestor *models.SyncEvent
	for _, event := range history {
		if conflict.HasEvent(event.ID) {
			continue
		}
		beforeAll := true
		for _, member := range members {
			if event.VectorClock.Compare(member.VectorClock) != clock.Before {
				beforeAll = false
				break
			}
		}
		// History is timestamp-ordered, so the last match is the latest.
		if beforeAll {
			ancestor = event
		}
	}

	if ancestor == nil {
		ancestor = members[0] // oldest member, ListByIDs orders by timestamp
	}
	return ancestor.DecodedPayload()
}

func (r *ConflictResolver) memberEvents(ctx context.Context, conflict *models.Conflict) ([]*models.SyncEvent, error) {
	members, err := r.eventRepo.ListByIDs(ctx, conflict.EventIDs)
	if err != nil {
		return nil, fmt.Errorf("failed to load conflict members: %w", err)
	}
	if len(members) == 0 {
		return nil, fmt.Errorf("%w: conflict %s has no member events", ErrEntityNotFound, conflict.ID)
	}
	return members, nil
}

// entityLocks serializes conflict resolution per entity. Different entities
// resolve concurrently; the same entity is a critical section.
type entityLocks struct {
	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

func (l *entityLocks) lock(key string) func() {
	l.mu.Lock()
	if l.locks == nil {
		l.locks = make(map[string]*sync.Mutex)
	}
	entity, ok := l.locks[key]
	if !ok {
		entity = &sync.Mutex{}
		l.locks[key] = entity
	}
	l.mu.Unlock()

	entity.Lock()
	return entity.Unlock
}
