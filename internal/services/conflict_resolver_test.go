package services

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/google/uuid"
	"github.com/prudhvinik1/causalsync/internal/clock"
	"github.com/prudhvinik1/causalsync/internal/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func setupConflict(t *testing.T, env *testEnv) (*models.Conflict, *models.SyncEvent, *models.SyncEvent) {
	t.Helper()

	d1 := env.registerDevice(t, "laptop")
	d2 := env.registerDevice(t, "phone")

	// The fake ticker makes the second write strictly later.
	a := env.record(t, d1, "x", clock.VectorClock{d1.ID.String(): 1}, `{"title":"from-a","count":1}`)
	b := env.record(t, d2, "x", clock.VectorClock{d2.ID.String(): 1}, `{"title":"from-b","count":1}`)

	conflict, err := env.detector.DetectForEntity(context.Background(), env.userID, "note", "x")
	require.NoError(t, err)
	require.NotNil(t, conflict)
	return conflict, a, b
}

func TestResolver_LastWriteWins(t *testing.T) {
	env := newTestEnv(t)
	conflict, _, b := setupConflict(t, env)

	resolved, err := env.resolver.Resolve(context.Background(), conflict.ID, models.StrategyLastWriteWins, nil)

	require.NoError(t, err)
	require.True(t, resolved.Resolved())
	assert.Equal(t, models.StrategyLastWriteWins, *resolved.Strategy)
	assert.JSONEq(t, string(b.Payload), string(resolved.ResolvedPayload), "later timestamp wins")
}

func TestResolver_LastWriteWins_Idempotent(t *testing.T) {
	env := newTestEnv(t)
	conflict, _, _ := setupConflict(t, env)

	first, err := env.resolver.Resolve(context.Background(), conflict.ID, models.StrategyLastWriteWins, nil)
	require.NoError(t, err)

	// Re-resolving returns the stored result, no second resolution.
	second, err := env.resolver.Resolve(context.Background(), conflict.ID, models.StrategyLastWriteWins, nil)
	require.NoError(t, err)

	assert.Equal(t, first.ID, second.ID)
	assert.Equal(t, first.ResolvedAt, second.ResolvedAt)
	assert.Equal(t, first.ResolvedPayload, second.ResolvedPayload)

	unresolved, err := env.resolver.Unresolved(context.Background(), env.userID)
	require.NoError(t, err)
	assert.Empty(t, unresolved)
}

func TestResolver_LastWriteWins_TieBreakOnDeviceID(t *testing.T) {
	env := newTestEnv(t)
	d1 := env.registerDevice(t, "laptop")
	d2 := env.registerDevice(t, "phone")

	a := env.record(t, d1, "x", clock.VectorClock{d1.ID.String(): 1}, `{"v":"a"}`)
	b := env.record(t, d2, "x", clock.VectorClock{d2.ID.String(): 1}, `{"v":"b"}`)

	// Force identical wall-clock timestamps.
	a.Timestamp = b.Timestamp
	env.eventRepo.ForceTimestamp(a.ID, b.Timestamp)

	conflict, err := env.detector.DetectForEntity(context.Background(), env.userID, "note", "x")
	require.NoError(t, err)

	resolved, err := env.resolver.Resolve(context.Background(), conflict.ID, models.StrategyLastWriteWins, nil)
	require.NoError(t, err)

	winner := a
	if b.DeviceID.String() > a.DeviceID.String() {
		winner = b
	}
	assert.JSONEq(t, string(winner.Payload), string(resolved.ResolvedPayload),
		"tie broken by lexicographically greatest device id")
}

func TestResolver_Manual(t *testing.T) {
	env := newTestEnv(t)
	conflict, _, _ := setupConflict(t, env)

	payload := json.RawMessage(`{"title":"picked by hand"}`)
	resolved, err := env.resolver.Resolve(context.Background(), conflict.ID, models.StrategyManual, payload)

	require.NoError(t, err)
	assert.JSONEq(t, string(payload), string(resolved.ResolvedPayload))
}

func TestResolver_Manual_RequiresPayload(t *testing.T) {
	env := newTestEnv(t)
	conflict, _, _ := setupConflict(t, env)

	_, err := env.resolver.Resolve(context.Background(), conflict.ID, models.StrategyManual, nil)

	require.ErrorIs(t, err, ErrManualPayloadRequired)

	unresolved, listErr := env.resolver.Unresolved(context.Background(), env.userID)
	require.NoError(t, listErr)
	assert.Len(t, unresolved, 1, "failed resolution leaves the conflict open")
}

func TestResolver_Merge_DisjointFields(t *testing.T) {
	env := newTestEnv(t)
	d1 := env.registerDevice(t, "laptop")
	d2 := env.registerDevice(t, "phone")

	// Common ancestor recorded by d1, then divergent edits of different fields.
	base := clock.VectorClock{d1.ID.String(): 1}
	env.record(t, d1, "x", base, `{"title":"v1","body":"hello"}`)
	env.record(t, d1, "x", clock.VectorClock{d1.ID.String(): 2}, `{"title":"v2","body":"hello"}`)
	env.record(t, d2, "x", clock.VectorClock{d1.ID.String(): 1, d2.ID.String(): 1}, `{"title":"v1","body":"goodbye"}`)

	conflict, err := env.detector.DetectForEntity(context.Background(), env.userID, "note", "x")
	require.NoError(t, err)
	require.NotNil(t, conflict)

	resolved, err := env.resolver.Resolve(context.Background(), conflict.ID, models.StrategyMerge, nil)

	require.NoError(t, err)
	assert.JSONEq(t, `{"title":"v2","body":"goodbye"}`, string(resolved.ResolvedPayload))
}

func TestResolver_Merge_ConflictingFieldFails(t *testing.T) {
	env := newTestEnv(t)
	d1 := env.registerDevice(t, "laptop")
	d2 := env.registerDevice(t, "phone")

	env.record(t, d1, "x", clock.VectorClock{d1.ID.String(): 1}, `{"title":"v1"}`)
	env.record(t, d1, "x", clock.VectorClock{d1.ID.String(): 2}, `{"title":"from-a"}`)
	env.record(t, d2, "x", clock.VectorClock{d1.ID.String(): 1, d2.ID.String(): 1}, `{"title":"from-b"}`)

	conflict, err := env.detector.DetectForEntity(context.Background(), env.userID, "note", "x")
	require.NoError(t, err)
	require.NotNil(t, conflict)

	_, err = env.resolver.Resolve(context.Background(), conflict.ID, models.StrategyMerge, nil)

	require.ErrorIs(t, err, ErrMergeConflict)

	var mergeErr *MergeConflictError
	require.ErrorAs(t, err, &mergeErr)
	require.Len(t, mergeErr.Conflicts, 1)
	assert.Equal(t, "title", mergeErr.Conflicts[0].Path)
	assert.Equal(t, "from-a", mergeErr.Conflicts[0].ValueA)
	assert.Equal(t, "from-b", mergeErr.Conflicts[0].ValueB)

	// The caller can still fall back to another strategy.
	resolved, err := env.resolver.Resolve(context.Background(), conflict.ID, models.StrategyLastWriteWins, nil)
	require.NoError(t, err)
	assert.True(t, resolved.Resolved())
}

func TestResolver_ConflictNotFound(t *testing.T) {
	env := newTestEnv(t)

	_, err := env.resolver.Resolve(context.Background(), uuid.New(), models.StrategyLastWriteWins, nil)

	require.ErrorIs(t, err, ErrConflictNotFound)
}
