package repositories

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prudhvinik1/causalsync/internal/models"
)

var ErrNotFound = errors.New("not found")

// ErrStaleClock is returned when an appended event's self-counter does not
// exceed the device's last recorded counter.
var ErrStaleClock = errors.New("stale clock: self-counter must exceed last recorded counter")

// ErrAlreadyResolved is returned when a resolution is recorded for a conflict
// that already has one.
var ErrAlreadyResolved = errors.New("conflict already resolved")

type PostgresDeviceRepository struct {
	pool *pgxpool.Pool
}

func NewPostgresDeviceRepository(pool *pgxpool.Pool) *PostgresDeviceRepository {
	return &PostgresDeviceRepository{pool: pool}
}

func (r *PostgresDeviceRepository) Create(ctx context.Context, device *models.Device) error {
	query := `INSERT INTO devices (user_id, name, device_type, platform, secret_hash, is_active)
	          VALUES ($1, $2, $3, $4, $5, TRUE)
	          RETURNING id, is_active, created_at, updated_at`

	err := r.pool.QueryRow(ctx, query,
		device.UserID,
		device.Name,
		device.DeviceType,
		device.Platform,
		device.SecretHash,
	).Scan(&device.ID, &device.IsActive, &device.CreatedAt, &device.UpdatedAt)

	if err != nil {
		return fmt.Errorf("failed to create device: %w", err)
	}
	return nil
}

func (r *PostgresDeviceRepository) GetByID(ctx context.Context, id uuid.UUID) (*models.Device, error) {
	query := `SELECT id, user_id, name, device_type, platform, secret_hash, is_active,
	                 last_sync_at, deactivated_at, created_at, updated_at
	          FROM devices
	          WHERE id = $1`

	var device models.Device
	err := r.pool.QueryRow(ctx, query, id).Scan(
		&device.ID,
		&device.UserID,
		&device.Name,
		&device.DeviceType,
		&device.Platform,
		&device.SecretHash,
		&device.IsActive,
		&device.LastSyncAt,
		&device.DeactivatedAt,
		&device.CreatedAt,
		&device.UpdatedAt,
	)

	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get device: %w", err)
	}
	return &device, nil
}

func (r *PostgresDeviceRepository) GetByUserID(ctx context.Context, userID uuid.UUID) ([]*models.Device, error) {
	query := `SELECT id, user_id, name, device_type, platform, secret_hash, is_active,
	                 last_sync_at, deactivated_at, created_at, updated_at
	          FROM devices
	          WHERE user_id = $1
	          ORDER BY created_at DESC`

	rows, err := r.pool.Query(ctx, query, userID)
	if err != nil {
		return nil, fmt.Errorf("failed to query devices: %w", err)
	}
	defer rows.Close()

	var devices []*models.Device
	for rows.Next() {
		var device models.Device
		err := rows.Scan(
			&device.ID,
			&device.UserID,
			&device.Name,
			&device.DeviceType,
			&device.Platform,
			&device.SecretHash,
			&device.IsActive,
			&device.LastSyncAt,
			&device.DeactivatedAt,
			&device.CreatedAt,
			&device.UpdatedAt,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to scan device: %w", err)
		}
		devices = append(devices, &device)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating devices: %w", err)
	}

	return devices, nil
}

func (r *PostgresDeviceRepository) UpdateLastSync(ctx context.Context, id uuid.UUID, at time.Time) error {
	query := `UPDATE devices
	          SET last_sync_at = $1, updated_at = NOW()
	          WHERE id = $2`

	result, err := r.pool.Exec(ctx, query, at, id)
	if err != nil {
		return fmt.Errorf("failed to update last sync: %w", err)
	}

	if result.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (r *PostgresDeviceRepository) Deactivate(ctx context.Context, id uuid.UUID) error {
	query := `UPDATE devices
	          SET is_active = FALSE, deactivated_at = $1, updated_at = NOW()
	          WHERE id = $2 AND is_active`

	result, err := r.pool.Exec(ctx, query, time.Now(), id)
	if err != nil {
		return fmt.Errorf("failed to deactivate device: %w", err)
	}

	if result.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}
