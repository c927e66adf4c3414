package services

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/prudhvinik1/causalsync/internal/clock"
	"github.com/prudhvinik1/causalsync/internal/models"
	"github.com/prudhvinik1/causalsync/internal/repositories"
)

// RecordEventRequest is one device-authored mutation to append to the log.
type RecordEventRequest struct {
	DeviceID    uuid.UUID
	EntityType  string
	EntityID    string
	Operation   models.Operation
	Payload     []byte
	VectorClock clock.VectorClock
}

// EventService is the append-only sync event log: every mutation a device
// records flows through here, and all reads used for reconciliation come
// from here.
type EventService struct {
	deviceRepo repositories.DeviceRepository
	eventRepo  repositories.EventRepository
	now        func() time.Time
}

func NewEventService(deviceRepo repositories.DeviceRepository, eventRepo repositories.EventRepository) *EventService {
	return &EventService{
		deviceRepo: deviceRepo,
		eventRepo:  eventRepo,
		now:        time.Now,
	}
}

// Record validates and appends one event. The per-device monotonicity check
// (self-counter strictly greater than the last recorded one) happens
// atomically in the repository; everything else is validated up front.
func (s *EventService) Record(ctx context.Context, req RecordEventRequest) (*models.SyncEvent, error) {
	device, err := s.activeDevice(ctx, req.DeviceID)
	if err != nil {
		return nil, err
	}

	event, err := s.buildEvent(device, req)
	if err != nil {
		return nil, err
	}

	if err := s.eventRepo.Append(ctx, event); err != nil {
		return nil, mapAppendError(err)
	}
	return event, nil
}

// BatchRecord appends every event or none of them. All devices referenced by
// the batch must be active before anything is persisted.
func (s *EventService) BatchRecord(ctx context.Context, reqs []RecordEventRequest) ([]*models.SyncEvent, error) {
	devices := make(map[uuid.UUID]*models.Device)
	events := make([]*models.SyncEvent, 0, len(reqs))

	for _, req := range reqs {
		device, ok := devices[req.DeviceID]
		if !ok {
			var err error
			device, err = s.activeDevice(ctx, req.DeviceID)
			if err != nil {
				return nil, err
			}
			devices[req.DeviceID] = device
		}

		event, err := s.buildEvent(device, req)
		if err != nil {
			return nil, err
		}
		events = append(events, event)
	}

	if err := s.eventRepo.AppendBatch(ctx, events); err != nil {
		return nil, mapAppendError(err)
	}
	return events, nil
}

// EventsSince returns events created after the given time by any device
// sharing the requesting device's owning user, in timestamp order.
func (s *EventService) EventsSince(ctx context.Context, deviceID uuid.UUID, since time.Time) ([]*models.SyncEvent, error) {
	device, err := s.deviceRepo.GetByID(ctx, deviceID)
	if errors.Is(err, repositories.ErrNotFound) {
		return nil, ErrUnknownDevice
	}
	if err != nil {
		return nil, fmt.Errorf("failed to look up device: %w", err)
	}

	return s.eventRepo.ListSince(ctx, device.UserID, since)
}

// EventsForEntity returns one entity's full causal history, the input to
// conflict detection.
func (s *EventService) EventsForEntity(ctx context.Context, userID uuid.UUID, entityType, entityID string) ([]*models.SyncEvent, error) {
	return s.eventRepo.ListForEntity(ctx, userID, entityType, entityID)
}

func (s *EventService) activeDevice(ctx context.Context, deviceID uuid.UUID) (*models.Device, error) {
	device, err := s.deviceRepo.GetByID(ctx, deviceID)
	if errors.Is(err, repositories.ErrNotFound) {
		return nil, ErrUnknownDevice
	}
	if err != nil {
		return nil, fmt.Errorf("failed to look up device: %w", err)
	}
	if !device.IsActive {
		return nil, ErrInactiveDevice
	}
	return device, nil
}

func (s *EventService) buildEvent(device *models.Device, req RecordEventRequest) (*models.SyncEvent, error) {
	if !req.Operation.Valid() {
		return nil, fmt.Errorf("%w: %q", ErrInvalidOperation, req.Operation)
	}
	if err := req.VectorClock.Validate(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidVectorClock, err)
	}
	if req.VectorClock.Get(req.DeviceID.String()) == 0 {
		return nil, fmt.Errorf("%w: clock has no entry for authoring device %s", ErrInvalidVectorClock, req.DeviceID)
	}

	return &models.SyncEvent{
		DeviceID:    req.DeviceID,
		UserID:      device.UserID,
		EntityType:  req.EntityType,
		EntityID:    req.EntityID,
		Operation:   req.Operation,
		Payload:     req.Payload,
		VectorClock: req.VectorClock.Clone(),
		Timestamp:   s.now(),
	}, nil
}

func mapAppendError(err error) error {
	switch {
	case errors.Is(err, repositories.ErrStaleClock):
		return fmt.Errorf("%w: %v", ErrStaleClock, err)
	case errors.Is(err, repositories.ErrNotFound):
		return ErrUnknownDevice
	default:
		return fmt.Errorf("failed to append event: %w", err)
	}
}
