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

type PostgresConflictRepository struct {
	pool *pgxpool.Pool
}

func NewPostgresConflictRepository(pool *pgxpool.Pool) *PostgresConflictRepository {
	return &PostgresConflictRepository{pool: pool}
}

const conflictColumns = `id, user_id, entity_type, entity_id, event_ids,
	strategy, resolved_payload, resolved_at, detected_at`

func (r *PostgresConflictRepository) Create(ctx context.Context, conflict *models.Conflict) error {
	query := `INSERT INTO conflicts (user_id, entity_type, entity_id, event_ids, detected_at)
	          VALUES ($1, $2, $3, $4, $5)
	          RETURNING id`

	err := r.pool.QueryRow(ctx, query,
		conflict.UserID,
		conflict.EntityType,
		conflict.EntityID,
		conflict.EventIDs,
		conflict.DetectedAt,
	).Scan(&conflict.ID)

	if err != nil {
		return fmt.Errorf("failed to create conflict: %w", err)
	}
	return nil
}

func (r *PostgresConflictRepository) GetByID(ctx context.Context, id uuid.UUID) (*models.Conflict, error) {
	query := fmt.Sprintf(`SELECT %s FROM conflicts WHERE id = $1`, conflictColumns)

	conflict, err := scanConflict(r.pool.QueryRow(ctx, query, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get conflict: %w", err)
	}
	return conflict, nil
}

func (r *PostgresConflictRepository) GetOpenByEntity(ctx context.Context, userID uuid.UUID, entityType, entityID string) (*models.Conflict, error) {
	query := fmt.Sprintf(`SELECT %s FROM conflicts
	          WHERE user_id = $1 AND entity_type = $2 AND entity_id = $3 AND resolved_at IS NULL`, conflictColumns)

	conflict, err := scanConflict(r.pool.QueryRow(ctx, query, userID, entityType, entityID))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get open conflict: %w", err)
	}
	return conflict, nil
}

func (r *PostgresConflictRepository) ListResolvedByEntity(ctx context.Context, userID uuid.UUID, entityType, entityID string) ([]*models.Conflict, error) {
	query := fmt.Sprintf(`SELECT %s FROM conflicts
	          WHERE user_id = $1 AND entity_type = $2 AND entity_id = $3 AND resolved_at IS NOT NULL
	          ORDER BY detected_at ASC`, conflictColumns)

	rows, err := r.pool.Query(ctx, query, userID, entityType, entityID)
	if err != nil {
		return nil, fmt.Errorf("failed to query resolved conflicts: %w", err)
	}
	defer rows.Close()

	var conflicts []*models.Conflict
	for rows.Next() {
		conflict, err := scanConflict(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan conflict: %w", err)
		}
		conflicts = append(conflicts, conflict)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating conflicts: %w", err)
	}
	return conflicts, nil
}

func (r *PostgresConflictRepository) UpdateMembers(ctx context.Context, id uuid.UUID, eventIDs []uuid.UUID) error {
	query := `UPDATE conflicts SET event_ids = $1 WHERE id = $2 AND resolved_at IS NULL`

	result, err := r.pool.Exec(ctx, query, eventIDs, id)
	if err != nil {
		return fmt.Errorf("failed to update conflict members: %w", err)
	}
	if result.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (r *PostgresConflictRepository) ListUnresolved(ctx context.Context, userID uuid.UUID) ([]*models.Conflict, error) {
	query := fmt.Sprintf(`SELECT %s FROM conflicts
	          WHERE user_id = $1 AND resolved_at IS NULL
	          ORDER BY detected_at ASC`, conflictColumns)

	rows, err := r.pool.Query(ctx, query, userID)
	if err != nil {
		return nil, fmt.Errorf("failed to query unresolved conflicts: %w", err)
	}
	defer rows.Close()

	var conflicts []*models.Conflict
	for rows.Next() {
		conflict, err := scanConflict(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan conflict: %w", err)
		}
		conflicts = append(conflicts, conflict)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating conflicts: %w", err)
	}
	return conflicts, nil
}

// MarkResolved records the resolution with a guard on resolved_at so a
// conflict can only transition once; losing a race returns ErrAlreadyResolved.
func (r *PostgresConflictRepository) MarkResolved(ctx context.Context, id uuid.UUID, strategy models.ResolutionStrategy, payload []byte, at time.Time) error {
	query := `UPDATE conflicts
	          SET strategy = $1, resolved_payload = $2, resolved_at = $3
	          WHERE id = $4 AND resolved_at IS NULL`

	result, err := r.pool.Exec(ctx, query, strategy, payload, at, id)
	if err != nil {
		return fmt.Errorf("failed to mark conflict resolved: %w", err)
	}
	if result.RowsAffected() == 0 {
		if _, getErr := r.GetByID(ctx, id); getErr != nil {
			return getErr
		}
		return ErrAlreadyResolved
	}
	return nil
}

func scanConflict(row pgx.Row) (*models.Conflict, error) {
	var conflict models.Conflict
	err := row.Scan(
		&conflict.ID,
		&conflict.UserID,
		&conflict.EntityType,
		&conflict.EntityID,
		&conflict.EventIDs,
		&conflict.Strategy,
		&conflict.ResolvedPayload,
		&conflict.ResolvedAt,
		&conflict.DetectedAt,
	)
	if err != nil {
		return nil, err
	}
	return &conflict, nil
}
