package services

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/prudhvinik1/causalsync/internal/clock"
	"github.com/prudhvinik1/causalsync/internal/models"
	"github.com/prudhvinik1/causalsync/internal/repositories"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type testEnv struct {
	deviceRepo   *repositories.MemoryDeviceRepository
	eventRepo    *repositories.MemoryEventRepository
	conflictRepo *repositories.MemoryConflictRepository
	sessionRepo  *repositories.MemorySyncSessionRepository

	events      *EventService
	detector    *ConflictDetector
	resolver    *ConflictResolver
	coordinator *SyncCoordinator

	userID uuid.UUID
	ticker *fakeTicker
}

// fakeTicker hands out strictly increasing timestamps so tests control
// event ordering instead of racing the wall clock.
type fakeTicker struct {
	current time.Time
}

func (f *fakeTicker) Now() time.Time {
	f.current = f.current.Add(time.Second)
	return f.current
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()

	env := &testEnv{
		deviceRepo:   repositories.NewMemoryDeviceRepository(),
		eventRepo:    repositories.NewMemoryEventRepository(),
		conflictRepo: repositories.NewMemoryConflictRepository(),
		sessionRepo:  repositories.NewMemorySyncSessionRepository(),
		userID:       uuid.New(),
		ticker:       &fakeTicker{current: time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)},
	}

	env.events = NewEventService(env.deviceRepo, env.eventRepo)
	env.events.now = env.ticker.Now
	env.detector = NewConflictDetector(env.eventRepo, env.conflictRepo)
	env.detector.now = env.ticker.Now
	env.resolver = NewConflictResolver(env.conflictRepo, env.eventRepo)
	env.resolver.now = env.ticker.Now
	env.coordinator = NewSyncCoordinator(env.deviceRepo, env.eventRepo, env.conflictRepo, env.sessionRepo, 24*time.Hour)
	env.coordinator.now = env.ticker.Now

	return env
}

func (env *testEnv) registerDevice(t *testing.T, name string) *models.Device {
	t.Helper()

	device := &models.Device{
		UserID:     env.userID,
		Name:       name,
		DeviceType: models.DeviceDesktop,
		Platform:   "linux",
	}
	require.NoError(t, env.deviceRepo.Create(context.Background(), device))
	return device
}

func (env *testEnv) record(t *testing.T, device *models.Device, entityID string, vc clock.VectorClock, payload string) *models.SyncEvent {
	t.Helper()

	event, err := env.events.Record(context.Background(), RecordEventRequest{
		DeviceID:    device.ID,
		EntityType:  "note",
		EntityID:    entityID,
		Operation:   models.OpUpdate,
		Payload:     json.RawMessage(payload),
		VectorClock: vc,
	})
	require.NoError(t, err)
	return event
}

func TestEventService_Record(t *testing.T) {
	env := newTestEnv(t)
	device := env.registerDevice(t, "laptop")

	event, err := env.events.Record(context.Background(), RecordEventRequest{
		DeviceID:    device.ID,
		EntityType:  "note",
		EntityID:    "n1",
		Operation:   models.OpCreate,
		Payload:     json.RawMessage(`{"title":"hello"}`),
		VectorClock: clock.New(device.ID.String()),
	})

	require.NoError(t, err)
	assert.NotEqual(t, uuid.Nil, event.ID)
	assert.Equal(t, env.userID, event.UserID)
	assert.False(t, event.Timestamp.IsZero())
	assert.Nil(t, event.SyncedAt)
}

func TestEventService_Record_UnknownDevice(t *testing.T) {
	env := newTestEnv(t)

	_, err := env.events.Record(context.Background(), RecordEventRequest{
		DeviceID:    uuid.New(),
		EntityType:  "note",
		EntityID:    "n1",
		Operation:   models.OpCreate,
		VectorClock: clock.New("ghost"),
	})

	require.ErrorIs(t, err, ErrUnknownDevice)
}

func TestEventService_Record_InactiveDevice(t *testing.T) {
	env := newTestEnv(t)
	device := env.registerDevice(t, "old-phone")
	require.NoError(t, env.deviceRepo.Deactivate(context.Background(), device.ID))

	_, err := env.events.Record(context.Background(), RecordEventRequest{
		DeviceID:    device.ID,
		EntityType:  "note",
		EntityID:    "n1",
		Operation:   models.OpCreate,
		VectorClock: clock.New(device.ID.String()),
	})

	require.ErrorIs(t, err, ErrInactiveDevice)
}

func TestEventService_Record_StaleClock(t *testing.T) {
	env := newTestEnv(t)
	device := env.registerDevice(t, "laptop")

	vc := clock.New(device.ID.String())
	env.record(t, device, "n1", vc, `{"v":1}`)

	// Re-submitting the same self-counter violates monotonicity.
	_, err := env.events.Record(context.Background(), RecordEventRequest{
		DeviceID:    device.ID,
		EntityType:  "note",
		EntityID:    "n1",
		Operation:   models.OpUpdate,
		Payload:     json.RawMessage(`{"v":2}`),
		VectorClock: vc,
	})

	require.ErrorIs(t, err, ErrStaleClock)
}

func TestEventService_Record_InvalidClock(t *testing.T) {
	env := newTestEnv(t)
	device := env.registerDevice(t, "laptop")

	tests := []struct {
		name string
		vc   clock.VectorClock
	}{
		{"negative counter", clock.VectorClock{device.ID.String(): -1}},
		{"missing self entry", clock.VectorClock{"other-device": 3}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := env.events.Record(context.Background(), RecordEventRequest{
				DeviceID:    device.ID,
				EntityType:  "note",
				EntityID:    "n1",
				Operation:   models.OpCreate,
				VectorClock: tt.vc,
			})
			require.ErrorIs(t, err, ErrInvalidVectorClock)
		})
	}
}

func TestEventService_Record_InvalidOperation(t *testing.T) {
	env := newTestEnv(t)
	device := env.registerDevice(t, "laptop")

	_, err := env.events.Record(context.Background(), RecordEventRequest{
		DeviceID:    device.ID,
		EntityType:  "note",
		EntityID:    "n1",
		Operation:   models.Operation("UPSERT"),
		VectorClock: clock.New(device.ID.String()),
	})

	require.ErrorIs(t, err, ErrInvalidOperation)
}

func TestEventService_BatchRecord_AllOrNothing(t *testing.T) {
	env := newTestEnv(t)
	device := env.registerDevice(t, "laptop")

	valid := RecordEventRequest{
		DeviceID:    device.ID,
		EntityType:  "note",
		EntityID:    "n1",
		Operation:   models.OpCreate,
		Payload:     json.RawMessage(`{"v":1}`),
		VectorClock: clock.New(device.ID.String()),
	}
	stale := valid
	stale.VectorClock = clock.New(device.ID.String()) // counter 1 again, not past the first

	_, err := env.events.BatchRecord(context.Background(), []RecordEventRequest{valid, stale})

	require.ErrorIs(t, err, ErrStaleClock)

	// Neither event may have been persisted.
	history, listErr := env.events.EventsForEntity(context.Background(), env.userID, "note", "n1")
	require.NoError(t, listErr)
	assert.Empty(t, history)
}

func TestEventService_BatchRecord_Success(t *testing.T) {
	env := newTestEnv(t)
	device := env.registerDevice(t, "laptop")

	first := clock.New(device.ID.String())
	second := first.Increment(device.ID.String())

	events, err := env.events.BatchRecord(context.Background(), []RecordEventRequest{
		{DeviceID: device.ID, EntityType: "note", EntityID: "n1", Operation: models.OpCreate,
			Payload: json.RawMessage(`{"v":1}`), VectorClock: first},
		{DeviceID: device.ID, EntityType: "note", EntityID: "n1", Operation: models.OpUpdate,
			Payload: json.RawMessage(`{"v":2}`), VectorClock: second},
	})

	require.NoError(t, err)
	require.Len(t, events, 2)

	history, err := env.events.EventsForEntity(context.Background(), env.userID, "note", "n1")
	require.NoError(t, err)
	assert.Len(t, history, 2)
}

func TestEventService_EventsSince_SharedOwnerTimestampOrder(t *testing.T) {
	env := newTestEnv(t)
	d1 := env.registerDevice(t, "laptop")
	d2 := env.registerDevice(t, "phone")

	e1 := env.record(t, d1, "n1", clock.New(d1.ID.String()), `{"v":1}`)
	e2 := env.record(t, d2, "n2", clock.New(d2.ID.String()), `{"v":2}`)

	events, err := env.events.EventsSince(context.Background(), d1.ID, time.Time{})

	require.NoError(t, err)
	require.Len(t, events, 2, "events from every device of the same user are visible")
	assert.Equal(t, e1.ID, events[0].ID)
	assert.Equal(t, e2.ID, events[1].ID)

	// Cutoff after the first event leaves only the second.
	events, err = env.events.EventsSince(context.Background(), d1.ID, e1.Timestamp)
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, e2.ID, events[0].ID)
}
