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
	"golang.org/x/sync/singleflight"
)

// SyncPlan is what a device receives when it starts a sync round: everything
// it has not seen yet plus the owner-wide merged clock, so its next writes
// can be stamped causally after all of it.
type SyncPlan struct {
	Events      []*models.SyncEvent `json:"events"`
	MergedClock clock.VectorClock   `json:"merged_clock"`
}

// SyncCoordinator drives the per-device session protocol: IDLE → SYNCING on
// initiate, back to IDLE on complete. A failed sync leaves nothing partial
// behind; the session key simply expires back to idle.
type SyncCoordinator struct {
	deviceRepo   repositories.DeviceRepository
	eventRepo    repositories.EventRepository
	conflictRepo repositories.ConflictRepository
	sessionRepo  repositories.SyncSessionRepository

	// stalenessThreshold bounds how old pending work may get before the
	// device is reported unhealthy. Pure arithmetic over timestamps, no
	// scheduled task.
	stalenessThreshold time.Duration
	statusGroup        singleflight.Group
	now                func() time.Time
}

func NewSyncCoordinator(
	deviceRepo repositories.DeviceRepository,
	eventRepo repositories.EventRepository,
	conflictRepo repositories.ConflictRepository,
	sessionRepo repositories.SyncSessionRepository,
	stalenessThreshold time.Duration,
) *SyncCoordinator {
	return &SyncCoordinator{
		deviceRepo:         deviceRepo,
		eventRepo:          eventRepo,
		conflictRepo:       conflictRepo,
		sessionRepo:        sessionRepo,
		stalenessThreshold: stalenessThreshold,
		now:                time.Now,
	}
}

// InitiateSync starts a sync round for an active device and returns the
// events other devices of the same user recorded since the device last
// completed a sync.
func (c *SyncCoordinator) InitiateSync(ctx context.Context, deviceID uuid.UUID) (*SyncPlan, error) {
	device, err := c.activeDevice(ctx, deviceID)
	if err != nil {
		return nil, err
	}

	session, err := c.sessionRepo.GetSession(ctx, deviceID)
	if err != nil {
		return nil, fmt.Errorf("failed to read sync session: %w", err)
	}
	if session.State == models.SessionSyncing {
		return nil, ErrSyncInProgress
	}

	pending, err := c.pendingEvents(ctx, device)
	if err != nil {
		return nil, err
	}

	merged, err := c.eventRepo.MergedClock(ctx, device.UserID)
	if err != nil {
		return nil, fmt.Errorf("failed to compute merged clock: %w", err)
	}

	if err := c.sessionRepo.SetState(ctx, deviceID, models.SessionSyncing); err != nil {
		return nil, fmt.Errorf("failed to mark session syncing: %w", err)
	}

	return &SyncPlan{Events: pending, MergedClock: merged}, nil
}

// CompleteSync records that the device has seen everything up to syncedUpTo,
// stamps the distributed events and returns the session to idle. It does not
// resolve conflicts: resolution may need user interaction and stays an
// explicit separate step.
func (c *SyncCoordinator) CompleteSync(ctx context.Context, deviceID uuid.UUID, syncedUpTo time.Time) error {
	device, err := c.activeDevice(ctx, deviceID)
	if err != nil {
		return err
	}

	session, err := c.sessionRepo.GetSession(ctx, deviceID)
	if err != nil {
		return fmt.Errorf("failed to read sync session: %w", err)
	}
	if session.State != models.SessionSyncing {
		return ErrNoSyncInProgress
	}

	pending, err := c.pendingEvents(ctx, device)
	if err != nil {
		return err
	}
	var distributed []uuid.UUID
	for _, event := range pending {
		if !event.Timestamp.After(syncedUpTo) {
			distributed = append(distributed, event.ID)
		}
	}
	if len(distributed) > 0 {
		if err := c.eventRepo.MarkSynced(ctx, distributed, c.now()); err != nil {
			return fmt.Errorf("failed to mark events synced: %w", err)
		}
	}

	if err := c.deviceRepo.UpdateLastSync(ctx, deviceID, syncedUpTo); err != nil {
		return fmt.Errorf("failed to update last sync: %w", err)
	}

	if err := c.sessionRepo.SetState(ctx, deviceID, models.SessionIdle); err != nil {
		return fmt.Errorf("failed to mark session idle: %w", err)
	}
	return nil
}

// CancelSync aborts an in-progress round by dropping the session key: the
// device falls back to idle and nothing partial is recorded. Cancelling an
// idle session is a no-op.
func (c *SyncCoordinator) CancelSync(ctx context.Context, deviceID uuid.UUID) error {
	if _, err := c.activeDevice(ctx, deviceID); err != nil {
		return err
	}
	if err := c.sessionRepo.Clear(ctx, deviceID); err != nil {
		return fmt.Errorf("failed to clear sync session: %w", err)
	}
	return nil
}

// GetStatus derives the device's sync health: pure read projection, no side
// effects. Concurrent callers for the same device share one computation.
func (c *SyncCoordinator) GetStatus(ctx context.Context, deviceID uuid.UUID) (*models.SyncStatus, error) {
	result, err, _ := c.statusGroup.Do(deviceID.String(), func() (any, error) {
		return c.computeStatus(ctx, deviceID)
	})
	if err != nil {
		return nil, err
	}
	return result.(*models.SyncStatus), nil
}

func (c *SyncCoordinator) computeStatus(ctx context.Context, deviceID uuid.UUID) (*models.SyncStatus, error) {
	device, err := c.deviceRepo.GetByID(ctx, deviceID)
	if errors.Is(err, repositories.ErrNotFound) {
		return nil, ErrUnknownDevice
	}
	if err != nil {
		return nil, fmt.Errorf("failed to look up device: %w", err)
	}

	session, err := c.sessionRepo.GetSession(ctx, deviceID)
	if err != nil {
		return nil, fmt.Errorf("failed to read sync session: %w", err)
	}

	since := time.Time{}
	if device.LastSyncAt != nil {
		since = *device.LastSyncAt
	}
	pending, err := c.eventRepo.CountPending(ctx, device.UserID, device.ID, since)
	if err != nil {
		return nil, fmt.Errorf("failed to count pending events: %w", err)
	}

	// Pending events older than the cutoff are the ones counted since the
	// last sync but not counted since the cutoff.
	cutoff := c.now().Add(-c.stalenessThreshold)
	recentSince := since
	if cutoff.After(recentSince) {
		recentSince = cutoff
	}
	recent, err := c.eventRepo.CountPending(ctx, device.UserID, device.ID, recentSince)
	if err != nil {
		return nil, fmt.Errorf("failed to count recent pending events: %w", err)
	}
	healthy := pending == recent

	conflicts, err := c.conflictRepo.ListUnresolved(ctx, device.UserID)
	if err != nil {
		return nil, fmt.Errorf("failed to list unresolved conflicts: %w", err)
	}
	for _, conflict := range conflicts {
		if conflict.DetectedAt.Before(cutoff) {
			healthy = false
			break
		}
	}

	merged, err := c.eventRepo.MergedClock(ctx, device.UserID)
	if err != nil {
		return nil, fmt.Errorf("failed to compute merged clock: %w", err)
	}

	return &models.SyncStatus{
		DeviceID:            deviceID,
		State:               session.State,
		IsHealthy:           healthy,
		PendingEvents:       pending,
		UnresolvedConflicts: len(conflicts),
		LastSyncAt:          device.LastSyncAt,
		MergedClock:         merged,
	}, nil
}

// pendingEvents is everything the user's other devices recorded after this
// device's last completed sync.
func (c *SyncCoordinator) pendingEvents(ctx context.Context, device *models.Device) ([]*models.SyncEvent, error) {
	since := time.Time{}
	if device.LastSyncAt != nil {
		since = *device.LastSyncAt
	}

	events, err := c.eventRepo.ListSince(ctx, device.UserID, since)
	if err != nil {
		return nil, fmt.Errorf("failed to list events since last sync: %w", err)
	}

	pending := events[:0:0]
	for _, event := range events {
		if event.DeviceID != device.ID {
			pending = append(pending, event)
		}
	}
	return pending, nil
}

func (c *SyncCoordinator) activeDevice(ctx context.Context, deviceID uuid.UUID) (*models.Device, error) {
	device, err := c.deviceRepo.GetByID(ctx, deviceID)
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
