package repositories

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/prudhvinik1/causalsync/internal/clock"
	"github.com/prudhvinik1/causalsync/internal/models"
)

// In-memory implementations of the repository interfaces. They back the
// service tests and single-node embedding without Postgres or Redis, and
// enforce the same invariants as the SQL versions (per-device monotonicity
// under a lock, all-or-nothing batches, resolve-once conflicts).

type MemoryDeviceRepository struct {
	mu      sync.RWMutex
	devices map[uuid.UUID]*models.Device
}

func NewMemoryDeviceRepository() *MemoryDeviceRepository {
	return &MemoryDeviceRepository{devices: make(map[uuid.UUID]*models.Device)}
}

func (r *MemoryDeviceRepository) Create(_ context.Context, device *models.Device) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	device.ID = uuid.New()
	device.IsActive = true
	device.CreatedAt = time.Now()
	copied := *device
	r.devices[device.ID] = &copied
	return nil
}

func (r *MemoryDeviceRepository) GetByID(_ context.Context, id uuid.UUID) (*models.Device, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	device, ok := r.devices[id]
	if !ok {
		return nil, ErrNotFound
	}
	copied := *device
	return &copied, nil
}

func (r *MemoryDeviceRepository) GetByUserID(_ context.Context, userID uuid.UUID) ([]*models.Device, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var devices []*models.Device
	for _, device := range r.devices {
		if device.UserID == userID {
			copied := *device
			devices = append(devices, &copied)
		}
	}
	sort.Slice(devices, func(i, j int) bool {
		return devices[i].CreatedAt.After(devices[j].CreatedAt)
	})
	return devices, nil
}

func (r *MemoryDeviceRepository) UpdateLastSync(_ context.Context, id uuid.UUID, at time.Time) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	device, ok := r.devices[id]
	if !ok {
		return ErrNotFound
	}
	device.LastSyncAt = &at
	now := time.Now()
	device.UpdatedAt = &now
	return nil
}

func (r *MemoryDeviceRepository) Deactivate(_ context.Context, id uuid.UUID) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	device, ok := r.devices[id]
	if !ok || !device.IsActive {
		return ErrNotFound
	}
	now := time.Now()
	device.IsActive = false
	device.DeactivatedAt = &now
	device.UpdatedAt = &now
	return nil
}

type MemoryEventRepository struct {
	mu       sync.RWMutex
	events   []*models.SyncEvent
	byID     map[uuid.UUID]*models.SyncEvent
	counters map[uuid.UUID]int64
}

func NewMemoryEventRepository() *MemoryEventRepository {
	return &MemoryEventRepository{
		byID:     make(map[uuid.UUID]*models.SyncEvent),
		counters: make(map[uuid.UUID]int64),
	}
}

func (r *MemoryEventRepository) Append(_ context.Context, event *models.SyncEvent) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.appendLocked(event)
}

func (r *MemoryEventRepository) AppendBatch(_ context.Context, events []*models.SyncEvent) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	// Validate the whole batch before touching state so a late failure
	// cannot leave earlier events behind.
	staged := make(map[uuid.UUID]int64, len(events))
	for _, event := range events {
		last, ok := staged[event.DeviceID]
		if !ok {
			last = r.counters[event.DeviceID]
		}
		self := event.VectorClock.Get(event.DeviceID.String())
		if self <= last {
			return fmt.Errorf("%w: have %d, last recorded %d", ErrStaleClock, self, last)
		}
		staged[event.DeviceID] = self
	}
	for _, event := range events {
		if err := r.appendLocked(event); err != nil {
			return err
		}
	}
	return nil
}

func (r *MemoryEventRepository) appendLocked(event *models.SyncEvent) error {
	self := event.VectorClock.Get(event.DeviceID.String())
	if last := r.counters[event.DeviceID]; self <= last {
		return fmt.Errorf("%w: have %d, last recorded %d", ErrStaleClock, self, last)
	}

	if event.ID == uuid.Nil {
		event.ID = uuid.New()
	}
	copied := *event
	copied.VectorClock = event.VectorClock.Clone()

	r.counters[event.DeviceID] = self
	r.events = append(r.events, &copied)
	r.byID[copied.ID] = &copied
	return nil
}

func (r *MemoryEventRepository) GetByID(_ context.Context, id uuid.UUID) (*models.SyncEvent, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	event, ok := r.byID[id]
	if !ok {
		return nil, ErrNotFound
	}
	copied := *event
	return &copied, nil
}

func (r *MemoryEventRepository) ListByIDs(_ context.Context, ids []uuid.UUID) ([]*models.SyncEvent, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var events []*models.SyncEvent
	for _, id := range ids {
		if event, ok := r.byID[id]; ok {
			copied := *event
			events = append(events, &copied)
		}
	}
	sortByTimestamp(events)
	return events, nil
}

func (r *MemoryEventRepository) ListSince(_ context.Context, userID uuid.UUID, since time.Time) ([]*models.SyncEvent, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var events []*models.SyncEvent
	for _, event := range r.events {
		if event.UserID == userID && event.Timestamp.After(since) {
			copied := *event
			events = append(events, &copied)
		}
	}
	sortByTimestamp(events)
	return events, nil
}

func (r *MemoryEventRepository) ListForEntity(_ context.Context, userID uuid.UUID, entityType, entityID string) ([]*models.SyncEvent, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var events []*models.SyncEvent
	for _, event := range r.events {
		if event.UserID == userID && event.EntityType == entityType && event.EntityID == entityID {
			copied := *event
			events = append(events, &copied)
		}
	}
	sortByTimestamp(events)
	return events, nil
}

func (r *MemoryEventRepository) MarkSynced(_ context.Context, ids []uuid.UUID, at time.Time) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	for _, id := range ids {
		if event, ok := r.byID[id]; ok && event.SyncedAt == nil {
			stamped := at
			event.SyncedAt = &stamped
		}
	}
	return nil
}

func (r *MemoryEventRepository) MergedClock(_ context.Context, userID uuid.UUID) (clock.VectorClock, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	merged := make(clock.VectorClock)
	for _, event := range r.events {
		if event.UserID == userID {
			merged = merged.Merge(event.VectorClock)
		}
	}
	return merged, nil
}

func (r *MemoryEventRepository) CountPending(_ context.Context, userID, deviceID uuid.UUID, since time.Time) (int, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	count := 0
	for _, event := range r.events {
		if event.UserID == userID && event.DeviceID != deviceID && event.Timestamp.After(since) {
			count++
		}
	}
	return count, nil
}

// ForceTimestamp rewrites a stored event's timestamp. Only tests use it, to
// build deterministic wall-clock tie scenarios.
func (r *MemoryEventRepository) ForceTimestamp(id uuid.UUID, at time.Time) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if event, ok := r.byID[id]; ok {
		event.Timestamp = at
	}
}

func sortByTimestamp(events []*models.SyncEvent) {
	sort.SliceStable(events, func(i, j int) bool {
		return events[i].Timestamp.Before(events[j].Timestamp)
	})
}

type MemoryConflictRepository struct {
	mu        sync.RWMutex
	conflicts map[uuid.UUID]*models.Conflict
}

func NewMemoryConflictRepository() *MemoryConflictRepository {
	return &MemoryConflictRepository{conflicts: make(map[uuid.UUID]*models.Conflict)}
}

func (r *MemoryConflictRepository) Create(_ context.Context, conflict *models.Conflict) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	conflict.ID = uuid.New()
	copied := *conflict
	copied.EventIDs = append([]uuid.UUID(nil), conflict.EventIDs...)
	r.conflicts[conflict.ID] = &copied
	return nil
}

func (r *MemoryConflictRepository) GetByID(_ context.Context, id uuid.UUID) (*models.Conflict, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	conflict, ok := r.conflicts[id]
	if !ok {
		return nil, ErrNotFound
	}
	copied := *conflict
	copied.EventIDs = append([]uuid.UUID(nil), conflict.EventIDs...)
	return &copied, nil
}

func (r *MemoryConflictRepository) GetOpenByEntity(_ context.Context, userID uuid.UUID, entityType, entityID string) (*models.Conflict, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	for _, conflict := range r.conflicts {
		if conflict.UserID == userID && conflict.EntityType == entityType &&
			conflict.EntityID == entityID && !conflict.Resolved() {
			copied := *conflict
			copied.EventIDs = append([]uuid.UUID(nil), conflict.EventIDs...)
			return &copied, nil
		}
	}
	return nil, ErrNotFound
}

func (r *MemoryConflictRepository) ListResolvedByEntity(_ context.Context, userID uuid.UUID, entityType, entityID string) ([]*models.Conflict, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var conflicts []*models.Conflict
	for _, conflict := range r.conflicts {
		if conflict.UserID == userID && conflict.EntityType == entityType &&
			conflict.EntityID == entityID && conflict.Resolved() {
			copied := *conflict
			copied.EventIDs = append([]uuid.UUID(nil), conflict.EventIDs...)
			conflicts = append(conflicts, &copied)
		}
	}
	sort.Slice(conflicts, func(i, j int) bool {
		return conflicts[i].DetectedAt.Before(conflicts[j].DetectedAt)
	})
	return conflicts, nil
}

func (r *MemoryConflictRepository) UpdateMembers(_ context.Context, id uuid.UUID, eventIDs []uuid.UUID) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	conflict, ok := r.conflicts[id]
	if !ok || conflict.Resolved() {
		return ErrNotFound
	}
	conflict.EventIDs = append([]uuid.UUID(nil), eventIDs...)
	return nil
}

func (r *MemoryConflictRepository) ListUnresolved(_ context.Context, userID uuid.UUID) ([]*models.Conflict, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var conflicts []*models.Conflict
	for _, conflict := range r.conflicts {
		if conflict.UserID == userID && !conflict.Resolved() {
			copied := *conflict
			copied.EventIDs = append([]uuid.UUID(nil), conflict.EventIDs...)
			conflicts = append(conflicts, &copied)
		}
	}
	sort.Slice(conflicts, func(i, j int) bool {
		return conflicts[i].DetectedAt.Before(conflicts[j].DetectedAt)
	})
	return conflicts, nil
}

func (r *MemoryConflictRepository) MarkResolved(_ context.Context, id uuid.UUID, strategy models.ResolutionStrategy, payload []byte, at time.Time) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	conflict, ok := r.conflicts[id]
	if !ok {
		return ErrNotFound
	}
	if conflict.Resolved() {
		return ErrAlreadyResolved
	}
	resolvedAt := at
	conflict.Strategy = &strategy
	conflict.ResolvedPayload = append([]byte(nil), payload...)
	conflict.ResolvedAt = &resolvedAt
	return nil
}

type MemorySyncSessionRepository struct {
	mu       sync.RWMutex
	sessions map[uuid.UUID]*models.SyncSession
}

func NewMemorySyncSessionRepository() *MemorySyncSessionRepository {
	return &MemorySyncSessionRepository{sessions: make(map[uuid.UUID]*models.SyncSession)}
}

func (r *MemorySyncSessionRepository) SetState(_ context.Context, deviceID uuid.UUID, state models.SyncSessionState) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.sessions[deviceID] = &models.SyncSession{
		DeviceID:  deviceID,
		State:     state,
		StartedAt: time.Now(),
	}
	return nil
}

func (r *MemorySyncSessionRepository) GetSession(_ context.Context, deviceID uuid.UUID) (*models.SyncSession, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	session, ok := r.sessions[deviceID]
	if !ok {
		return &models.SyncSession{DeviceID: deviceID, State: models.SessionIdle}, nil
	}
	copied := *session
	return &copied, nil
}

func (r *MemorySyncSessionRepository) Clear(_ context.Context, deviceID uuid.UUID) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	delete(r.sessions, deviceID)
	return nil
}
