package models

import (
	"time"

	"github.com/google/uuid"
)

type DeviceType string

const (
	DeviceDesktop DeviceType = "desktop"
	DeviceMobile  DeviceType = "mobile"
	DeviceWeb     DeviceType = "web"
)

// Device is a synchronization participant. Devices are deactivated, never
// deleted: a retired device may no longer submit events, but its recorded
// history stays valid for reconciliation.
type Device struct {
	ID            uuid.UUID  `json:"id"`
	UserID        uuid.UUID  `json:"user_id"`
	Name          string     `json:"name"`
	DeviceType    DeviceType `json:"device_type"`
	Platform      string     `json:"platform"`
	SecretHash    *string    `json:"-"`
	IsActive      bool       `json:"is_active"`
	LastSyncAt    *time.Time `json:"last_sync_at,omitempty"`
	DeactivatedAt *time.Time `json:"deactivated_at,omitempty"`
	CreatedAt     time.Time  `json:"created_at"`
	UpdatedAt     *time.Time `json:"updated_at,omitempty"`
}
