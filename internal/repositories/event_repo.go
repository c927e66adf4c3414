package repositories

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prudhvinik1/causalsync/internal/clock"
	"github.com/prudhvinik1/causalsync/internal/models"
)

type PostgresEventRepository struct {
	pool *pgxpool.Pool
}

func NewPostgresEventRepository(pool *pgxpool.Pool) *PostgresEventRepository {
	return &PostgresEventRepository{pool: pool}
}

const eventColumns = `id, device_id, user_id, entity_type, entity_id, operation,
	payload, vector_clock, timestamp, synced_at`

// Append stores one event after the atomic per-device monotonicity check.
// The device row is locked for the duration of the transaction, so two
// concurrent appends from the same device serialize and the second one sees
// the first one's counter.
func (r *PostgresEventRepository) Append(ctx context.Context, event *models.SyncEvent) error {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("failed to begin append: %w", err)
	}
	defer tx.Rollback(ctx)

	if err := appendInTx(ctx, tx, event); err != nil {
		return err
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("failed to commit append: %w", err)
	}
	return nil
}

// AppendBatch applies Append to each event inside one transaction: if any
// event fails validation, none are persisted.
func (r *PostgresEventRepository) AppendBatch(ctx context.Context, events []*models.SyncEvent) error {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("failed to begin batch append: %w", err)
	}
	defer tx.Rollback(ctx)

	for _, event := range events {
		if err := appendInTx(ctx, tx, event); err != nil {
			return err
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("failed to commit batch append: %w", err)
	}
	return nil
}

func appendInTx(ctx context.Context, tx pgx.Tx, event *models.SyncEvent) error {
	var lastCounter int64
	err := tx.QueryRow(ctx,
		`SELECT last_counter FROM devices WHERE id = $1 FOR UPDATE`,
		event.DeviceID,
	).Scan(&lastCounter)

	if errors.Is(err, pgx.ErrNoRows) {
		return ErrNotFound
	}
	if err != nil {
		return fmt.Errorf("failed to lock device counter: %w", err)
	}

	selfCounter := event.VectorClock.Get(event.DeviceID.String())
	if selfCounter <= lastCounter {
		return fmt.Errorf("%w: have %d, last recorded %d", ErrStaleClock, selfCounter, lastCounter)
	}

	_, err = tx.Exec(ctx,
		`UPDATE devices SET last_counter = $1 WHERE id = $2`,
		selfCounter, event.DeviceID,
	)
	if err != nil {
		return fmt.Errorf("failed to advance device counter: %w", err)
	}

	query := `INSERT INTO sync_events (device_id, user_id, entity_type, entity_id, operation, payload, vector_clock, timestamp)
	          VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
	          RETURNING id`

	err = tx.QueryRow(ctx, query,
		event.DeviceID,
		event.UserID,
		event.EntityType,
		event.EntityID,
		event.Operation,
		event.Payload,
		event.VectorClock,
		event.Timestamp,
	).Scan(&event.ID)
	if err != nil {
		return fmt.Errorf("failed to insert event: %w", err)
	}
	return nil
}

func (r *PostgresEventRepository) GetByID(ctx context.Context, id uuid.UUID) (*models.SyncEvent, error) {
	query := fmt.Sprintf(`SELECT %s FROM sync_events WHERE id = $1`, eventColumns)

	event, err := scanEvent(r.pool.QueryRow(ctx, query, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get event: %w", err)
	}
	return event, nil
}

func (r *PostgresEventRepository) ListByIDs(ctx context.Context, ids []uuid.UUID) ([]*models.SyncEvent, error) {
	query := fmt.Sprintf(`SELECT %s FROM sync_events WHERE id = ANY($1) ORDER BY timestamp ASC`, eventColumns)

	rows, err := r.pool.Query(ctx, query, ids)
	if err != nil {
		return nil, fmt.Errorf("failed to query events by ids: %w", err)
	}
	return collectEvents(rows)
}

func (r *PostgresEventRepository) ListSince(ctx context.Context, userID uuid.UUID, since time.Time) ([]*models.SyncEvent, error) {
	query := fmt.Sprintf(`SELECT %s FROM sync_events
	          WHERE user_id = $1 AND timestamp > $2
	          ORDER BY timestamp ASC`, eventColumns)

	rows, err := r.pool.Query(ctx, query, userID, since)
	if err != nil {
		return nil, fmt.Errorf("failed to query events since: %w", err)
	}
	return collectEvents(rows)
}

func (r *PostgresEventRepository) ListForEntity(ctx context.Context, userID uuid.UUID, entityType, entityID string) ([]*models.SyncEvent, error) {
	query := fmt.Sprintf(`SELECT %s FROM sync_events
	          WHERE user_id = $1 AND entity_type = $2 AND entity_id = $3
	          ORDER BY timestamp ASC`, eventColumns)

	rows, err := r.pool.Query(ctx, query, userID, entityType, entityID)
	if err != nil {
		return nil, fmt.Errorf("failed to query entity history: %w", err)
	}
	return collectEvents(rows)
}

func (r *PostgresEventRepository) MarkSynced(ctx context.Context, ids []uuid.UUID, at time.Time) error {
	query := `UPDATE sync_events SET synced_at = $1 WHERE id = ANY($2) AND synced_at IS NULL`

	_, err := r.pool.Exec(ctx, query, at, ids)
	if err != nil {
		return fmt.Errorf("failed to mark events synced: %w", err)
	}
	return nil
}

func (r *PostgresEventRepository) MergedClock(ctx context.Context, userID uuid.UUID) (clock.VectorClock, error) {
	query := `SELECT vector_clock FROM sync_events WHERE user_id = $1`

	rows, err := r.pool.Query(ctx, query, userID)
	if err != nil {
		return nil, fmt.Errorf("failed to query clocks: %w", err)
	}
	defer rows.Close()

	merged := make(clock.VectorClock)
	for rows.Next() {
		var vc clock.VectorClock
		if err := rows.Scan(&vc); err != nil {
			return nil, fmt.Errorf("failed to scan clock: %w", err)
		}
		merged = merged.Merge(vc)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating clocks: %w", err)
	}
	return merged, nil
}

func (r *PostgresEventRepository) CountPending(ctx context.Context, userID, deviceID uuid.UUID, since time.Time) (int, error) {
	query := `SELECT COUNT(*) FROM sync_events
	          WHERE user_id = $1 AND device_id <> $2 AND timestamp > $3`

	var count int
	err := r.pool.QueryRow(ctx, query, userID, deviceID, since).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("failed to count pending events: %w", err)
	}
	return count, nil
}

func scanEvent(row pgx.Row) (*models.SyncEvent, error) {
	var event models.SyncEvent
	err := row.Scan(
		&event.ID,
		&event.DeviceID,
		&event.UserID,
		&event.EntityType,
		&event.EntityID,
		&event.Operation,
		&event.Payload,
		&event.VectorClock,
		&event.Timestamp,
		&event.SyncedAt,
	)
	if err != nil {
		return nil, err
	}
	return &event, nil
}

func collectEvents(rows pgx.Rows) ([]*models.SyncEvent, error) {
	defer rows.Close()

	var events []*models.SyncEvent
	for rows.Next() {
		event, err := scanEvent(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan event: %w", err)
		}
		events = append(events, event)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating events: %w", err)
	}
	return events, nil
}
