package repositories

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/prudhvinik1/causalsync/internal/models"
	"github.com/redis/go-redis/v9"
)

const syncSessionPrefix = "sync:session:"

type RedisSyncSessionRepository struct {
	client *redis.Client
	// An abandoned SYNCING session falls back to idle when the key expires,
	// so a crashed device never wedges the coordinator.
	ttl time.Duration
}

func NewRedisSyncSessionRepository(client *redis.Client, ttl time.Duration) *RedisSyncSessionRepository {
	return &RedisSyncSessionRepository{client: client, ttl: ttl}
}

func sessionKey(deviceID uuid.UUID) string {
	return fmt.Sprintf("%s%s", syncSessionPrefix, deviceID)
}

func (r *RedisSyncSessionRepository) SetState(ctx context.Context, deviceID uuid.UUID, state models.SyncSessionState) error {
	session := models.SyncSession{
		DeviceID:  deviceID,
		State:     state,
		StartedAt: time.Now(),
	}

	jsonData, err := json.Marshal(session)
	if err != nil {
		return fmt.Errorf("failed to marshal sync session: %w", err)
	}

	err = r.client.Set(ctx, sessionKey(deviceID), jsonData, r.ttl).Err()
	if err != nil {
		return fmt.Errorf("failed to set sync session: %w", err)
	}
	return nil
}

// GetSession returns the device's session, or an idle one when no session
// key exists (idle is the implicit default state).
func (r *RedisSyncSessionRepository) GetSession(ctx context.Context, deviceID uuid.UUID) (*models.SyncSession, error) {
	jsonData, err := r.client.Get(ctx, sessionKey(deviceID)).Result()

	if err == redis.Nil {
		return &models.SyncSession{DeviceID: deviceID, State: models.SessionIdle}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get sync session: %w", err)
	}

	var session models.SyncSession
	if err := json.Unmarshal([]byte(jsonData), &session); err != nil {
		return nil, fmt.Errorf("failed to unmarshal sync session: %w", err)
	}
	return &session, nil
}

func (r *RedisSyncSessionRepository) Clear(ctx context.Context, deviceID uuid.UUID) error {
	err := r.client.Del(ctx, sessionKey(deviceID)).Err()
	if err != nil {
		return fmt.Errorf("failed to clear sync session: %w", err)
	}
	return nil
}
