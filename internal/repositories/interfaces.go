package repositories

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/prudhvinik1/causalsync/internal/clock"
	"github.com/prudhvinik1/causalsync/internal/models"
)

type DeviceRepository interface {
	Create(ctx context.Context, device *models.Device) error
	GetByID(ctx context.Context, id uuid.UUID) (*models.Device, error)
	GetByUserID(ctx context.Context, userID uuid.UUID) ([]*models.Device, error)
	UpdateLastSync(ctx context.Context, id uuid.UUID, at time.Time) error
	Deactivate(ctx context.Context, id uuid.UUID) error
}

// EventRepository is the append-only sync event log. Append and AppendBatch
// enforce the per-device self-counter monotonicity invariant atomically and
// return ErrStaleClock when it is violated; AppendBatch is all-or-nothing.
type EventRepository interface {
	Append(ctx context.Context, event *models.SyncEvent) error
	AppendBatch(ctx context.Context, events []*models.SyncEvent) error
	GetByID(ctx context.Context, id uuid.UUID) (*models.SyncEvent, error)
	ListByIDs(ctx context.Context, ids []uuid.UUID) ([]*models.SyncEvent, error)
	// ListSince returns events authored by any device of the user after the
	// given time, in increasing timestamp order.
	ListSince(ctx context.Context, userID uuid.UUID, since time.Time) ([]*models.SyncEvent, error)
	// ListForEntity returns the full causal history of one entity across all
	// of the user's devices, in increasing timestamp order.
	ListForEntity(ctx context.Context, userID uuid.UUID, entityType, entityID string) ([]*models.SyncEvent, error)
	MarkSynced(ctx context.Context, ids []uuid.UUID, at time.Time) error
	// MergedClock returns the join of every clock the log has seen for the
	// user's devices.
	MergedClock(ctx context.Context, userID uuid.UUID) (clock.VectorClock, error)
	// CountPending counts events by the user's other devices after the given
	// time that have not yet been distributed to this device.
	CountPending(ctx context.Context, userID, deviceID uuid.UUID, since time.Time) (int, error)
}

type ConflictRepository interface {
	Create(ctx context.Context, conflict *models.Conflict) error
	GetByID(ctx context.Context, id uuid.UUID) (*models.Conflict, error)
	// GetOpenByEntity returns the single unresolved conflict for an entity,
	// or ErrNotFound. Detection keeps at most one open conflict per entity.
	GetOpenByEntity(ctx context.Context, userID uuid.UUID, entityType, entityID string) (*models.Conflict, error)
	// ListResolvedByEntity returns the entity's resolved conflicts, oldest
	// first. Detection consults them so a resolved group is never re-opened.
	ListResolvedByEntity(ctx context.Context, userID uuid.UUID, entityType, entityID string) ([]*models.Conflict, error)
	UpdateMembers(ctx context.Context, id uuid.UUID, eventIDs []uuid.UUID) error
	ListUnresolved(ctx context.Context, userID uuid.UUID) ([]*models.Conflict, error)
	// MarkResolved records the resolution exactly once; a second call for the
	// same conflict returns ErrAlreadyResolved without changing anything.
	MarkResolved(ctx context.Context, id uuid.UUID, strategy models.ResolutionStrategy, payload []byte, at time.Time) error
}

// SyncSessionRepository holds the ephemeral per-device session state.
type SyncSessionRepository interface {
	SetState(ctx context.Context, deviceID uuid.UUID, state models.SyncSessionState) error
	GetSession(ctx context.Context, deviceID uuid.UUID) (*models.SyncSession, error)
	Clear(ctx context.Context, deviceID uuid.UUID) error
}
