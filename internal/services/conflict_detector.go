package services

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/prudhvinik1/causalsync/internal/clock"
	"github.com/prudhvinik1/causalsync/internal/models"
	"github.com/prudhvinik1/causalsync/internal/repositories"
)

// ConflictDetector maintains an entity's causal frontier: the maximal events
// no later write supersedes. Two events whose clocks compare Before/After are
// never a conflict regardless of their payloads; a frontier holding two or
// more events is one concurrent group (frontier members are pairwise
// concurrent, so A~B and B~C puts A, B and C in the same conflict).
type ConflictDetector struct {
	eventRepo    repositories.EventRepository
	conflictRepo repositories.ConflictRepository
	now          func() time.Time
}

func NewConflictDetector(eventRepo repositories.EventRepository, conflictRepo repositories.ConflictRepository) *ConflictDetector {
	return &ConflictDetector{
		eventRepo:    eventRepo,
		conflictRepo: conflictRepo,
		now:          time.Now,
	}
}

// Detect groups the given events by entity and records a conflict for every
// concurrent group. Detection is re-entrant: at most one open conflict exists
// per entity, and re-running over a superset of previously seen events
// extends that conflict's membership instead of duplicating it. The returned
// slice holds every newly created or extended conflict.
func (d *ConflictDetector) Detect(ctx context.Context, userID uuid.UUID, events []*models.SyncEvent) ([]*models.Conflict, error) {
	type entityKey struct {
		entityType string
		entityID   string
	}

	groups := make(map[entityKey][]*models.SyncEvent)
	var order []entityKey
	for _, event := range events {
		key := entityKey{event.EntityType, event.EntityID}
		if _, seen := groups[key]; !seen {
			order = append(order, key)
		}
		groups[key] = append(groups[key], event)
	}

	var conflicts []*models.Conflict
	for _, key := range order {
		conflict, err := d.detectForGroup(ctx, userID, key.entityType, key.entityID, groups[key])
		if err != nil {
			return nil, err
		}
		if conflict != nil {
			conflicts = append(conflicts, conflict)
		}
	}
	return conflicts, nil
}

// DetectForEntity runs detection over one entity's full recorded history.
func (d *ConflictDetector) DetectForEntity(ctx context.Context, userID uuid.UUID, entityType, entityID string) (*models.Conflict, error) {
	history, err := d.eventRepo.ListForEntity(ctx, userID, entityType, entityID)
	if err != nil {
		return nil, fmt.Errorf("failed to load entity history: %w", err)
	}
	if len(history) == 0 {
		return nil, ErrEntityNotFound
	}
	return d.detectForGroup(ctx, userID, entityType, entityID, history)
}

func (d *ConflictDetector) detectForGroup(ctx context.Context, userID uuid.UUID, entityType, entityID string, events []*models.SyncEvent) (*models.Conflict, error) {
	frontier := causalFrontier(events)
	if len(frontier) < 2 {
		return nil, nil
	}
	members := make([]uuid.UUID, len(frontier))
	for i, event := range frontier {
		members[i] = event.ID
	}

	existing, err := d.conflictRepo.GetOpenByEntity(ctx, userID, entityType, entityID)
	if err != nil && !errors.Is(err, repositories.ErrNotFound) {
		return nil, fmt.Errorf("failed to look up open conflict: %w", err)
	}

	if existing == nil {
		// A resolved conflict covers its members for good: re-running over the
		// same history must not re-open it. Only a genuinely new concurrent
		// event warrants a fresh conflict.
		known, err := d.resolvedMembers(ctx, userID, entityType, entityID)
		if err != nil {
			return nil, err
		}
		unseen := false
		for _, id := range members {
			if _, ok := known[id]; !ok {
				unseen = true
				break
			}
		}
		if !unseen {
			return nil, nil
		}

		conflict := &models.Conflict{
			UserID:     userID,
			EntityType: entityType,
			EntityID:   entityID,
			EventIDs:   members,
			DetectedAt: d.now(),
		}
		if err := d.conflictRepo.Create(ctx, conflict); err != nil {
			return nil, fmt.Errorf("failed to record conflict: %w", err)
		}
		return conflict, nil
	}

	merged := unionIDs(existing.EventIDs, members)
	if len(merged) == len(existing.EventIDs) {
		// Superset rerun with nothing new: the open conflict is unchanged.
		return existing, nil
	}
	if err := d.conflictRepo.UpdateMembers(ctx, existing.ID, merged); err != nil {
		return nil, fmt.Errorf("failed to extend conflict: %w", err)
	}
	existing.EventIDs = merged
	return existing, nil
}

func (d *ConflictDetector) resolvedMembers(ctx context.Context, userID uuid.UUID, entityType, entityID string) (map[uuid.UUID]struct{}, error) {
	resolved, err := d.conflictRepo.ListResolvedByEntity(ctx, userID, entityType, entityID)
	if err != nil {
		return nil, fmt.Errorf("failed to list resolved conflicts: %w", err)
	}
	known := make(map[uuid.UUID]struct{})
	for _, conflict := range resolved {
		for _, id := range conflict.EventIDs {
			known[id] = struct{}{}
		}
	}
	return known, nil
}

// causalFrontier returns the history's maximal events: those no other event
// causally supersedes. Each event is compared against the running frontier
// rather than the whole history, so the cost is bounded by the frontier size.
// Frontier members are pairwise concurrent, so a frontier of two or more
// events is exactly one conflict group.
func causalFrontier(events []*models.SyncEvent) []*models.SyncEvent {
	var frontier []*models.SyncEvent
	for _, event := range events {
		superseded := false
		for _, f := range frontier {
			if ord := f.VectorClock.Compare(event.VectorClock); ord == clock.After || ord == clock.Equal {
				superseded = true
				break
			}
		}
		if superseded {
			continue
		}

		kept := frontier[:0]
		for _, f := range frontier {
			if f.VectorClock.Compare(event.VectorClock) != clock.Before {
				kept = append(kept, f)
			}
		}
		frontier = append(kept, event)
	}
	return frontier
}

func unionIDs(a, b []uuid.UUID) []uuid.UUID {
	seen := make(map[uuid.UUID]struct{}, len(a)+len(b))
	out := make([]uuid.UUID, 0, len(a)+len(b))
	for _, id := range append(append([]uuid.UUID(nil), a...), b...) {
		if _, ok := seen[id]; !ok {
			seen[id] = struct{}{}
			out = append(out, id)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].String() < out[j].String() })
	return out
}
