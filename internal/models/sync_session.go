package models

import (
	"time"

	"github.com/google/uuid"
	"github.com/prudhvinik1/causalsync/internal/clock"
)

// SyncSessionState is the per-device session phase. A failed sync simply
// returns to idle; nothing partial is visible to other devices.
type SyncSessionState string

const (
	SessionIdle    SyncSessionState = "IDLE"
	SessionSyncing SyncSessionState = "SYNCING"
)

// SyncSession is the ephemeral per-device sync protocol state, held in Redis
// with a TTL so an abandoned session falls back to idle on its own.
type SyncSession struct {
	DeviceID  uuid.UUID        `json:"device_id"`
	State     SyncSessionState `json:"state"`
	StartedAt time.Time        `json:"started_at"`
}

// SyncStatus is a pure read projection over the event log and conflict set.
type SyncStatus struct {
	DeviceID            uuid.UUID         `json:"device_id"`
	State               SyncSessionState  `json:"state"`
	IsHealthy           bool              `json:"is_healthy"`
	PendingEvents       int               `json:"pending_events"`
	UnresolvedConflicts int               `json:"unresolved_conflicts"`
	LastSyncAt          *time.Time        `json:"last_sync_at,omitempty"`
	MergedClock         clock.VectorClock `json:"merged_clock"`
}
