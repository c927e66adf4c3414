package services

import (
	"context"
	"testing"

	"github.com/prudhvinik1/causalsync/internal/clock"
	"github.com/prudhvinik1/causalsync/internal/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestConflictDetector_CausallyOrderedIsNotAConflict(t *testing.T) {
	env := newTestEnv(t)
	d1 := env.registerDevice(t, "laptop")
	d2 := env.registerDevice(t, "phone")

	// E2 was written after observing E1: strictly later, never a conflict,
	// no matter how different the payloads are.
	e1 := env.record(t, d1, "x", clock.VectorClock{d1.ID.String(): 1}, `{"title":"a"}`)
	e2 := env.record(t, d2, "x", clock.VectorClock{d1.ID.String(): 1, d2.ID.String(): 1}, `{"title":"completely different"}`)

	require.Equal(t, clock.Before, e1.VectorClock.Compare(e2.VectorClock))

	conflict, err := env.detector.DetectForEntity(context.Background(), env.userID, "note", "x")

	require.NoError(t, err)
	assert.Nil(t, conflict)

	unresolved, err := env.resolver.Unresolved(context.Background(), env.userID)
	require.NoError(t, err)
	assert.Empty(t, unresolved)
}

func TestConflictDetector_ConcurrentPairFormsOneConflict(t *testing.T) {
	env := newTestEnv(t)
	d1 := env.registerDevice(t, "laptop")
	d2 := env.registerDevice(t, "phone")

	a := env.record(t, d1, "x", clock.VectorClock{d1.ID.String(): 2, d2.ID.String(): 1}, `{"v":"a"}`)
	b := env.record(t, d2, "x", clock.VectorClock{d1.ID.String(): 1, d2.ID.String(): 2}, `{"v":"b"}`)

	conflict, err := env.detector.DetectForEntity(context.Background(), env.userID, "note", "x")

	require.NoError(t, err)
	require.NotNil(t, conflict)
	assert.Len(t, conflict.EventIDs, 2)
	assert.True(t, conflict.HasEvent(a.ID))
	assert.True(t, conflict.HasEvent(b.ID))
	assert.False(t, conflict.Resolved())
}

func TestConflictDetector_TransitiveGroupsMerge(t *testing.T) {
	env := newTestEnv(t)
	d1 := env.registerDevice(t, "laptop")
	d2 := env.registerDevice(t, "phone")
	d3 := env.registerDevice(t, "tablet")

	// Three divergent writes from a common ancestor: pairwise concurrent,
	// so they form one conflict group, not three.
	a := env.record(t, d1, "x", clock.VectorClock{d1.ID.String(): 1}, `{"v":"a"}`)
	b := env.record(t, d2, "x", clock.VectorClock{d2.ID.String(): 1}, `{"v":"b"}`)
	c := env.record(t, d3, "x", clock.VectorClock{d3.ID.String(): 1}, `{"v":"c"}`)

	conflict, err := env.detector.DetectForEntity(context.Background(), env.userID, "note", "x")

	require.NoError(t, err)
	require.NotNil(t, conflict)
	assert.Len(t, conflict.EventIDs, 3)
	assert.True(t, conflict.HasEvent(a.ID))
	assert.True(t, conflict.HasEvent(b.ID))
	assert.True(t, conflict.HasEvent(c.ID))

	unresolved, err := env.resolver.Unresolved(context.Background(), env.userID)
	require.NoError(t, err)
	assert.Len(t, unresolved, 1, "one group, not three")
}

func TestConflictDetector_Reentrant(t *testing.T) {
	env := newTestEnv(t)
	d1 := env.registerDevice(t, "laptop")
	d2 := env.registerDevice(t, "phone")

	env.record(t, d1, "x", clock.VectorClock{d1.ID.String(): 1}, `{"v":"a"}`)
	env.record(t, d2, "x", clock.VectorClock{d2.ID.String(): 1}, `{"v":"b"}`)

	first, err := env.detector.DetectForEntity(context.Background(), env.userID, "note", "x")
	require.NoError(t, err)
	require.NotNil(t, first)

	// Rerunning over the same history must not create a second conflict.
	second, err := env.detector.DetectForEntity(context.Background(), env.userID, "note", "x")
	require.NoError(t, err)
	require.NotNil(t, second)
	assert.Equal(t, first.ID, second.ID)

	unresolved, err := env.resolver.Unresolved(context.Background(), env.userID)
	require.NoError(t, err)
	assert.Len(t, unresolved, 1)
}

func TestConflictDetector_ReentrantExtendsMembership(t *testing.T) {
	env := newTestEnv(t)
	d1 := env.registerDevice(t, "laptop")
	d2 := env.registerDevice(t, "phone")
	d3 := env.registerDevice(t, "tablet")

	env.record(t, d1, "x", clock.VectorClock{d1.ID.String(): 1}, `{"v":"a"}`)
	env.record(t, d2, "x", clock.VectorClock{d2.ID.String(): 1}, `{"v":"b"}`)

	first, err := env.detector.DetectForEntity(context.Background(), env.userID, "note", "x")
	require.NoError(t, err)
	require.Len(t, first.EventIDs, 2)

	// A third concurrent write joins the existing conflict.
	c := env.record(t, d3, "x", clock.VectorClock{d3.ID.String(): 1}, `{"v":"c"}`)

	second, err := env.detector.DetectForEntity(context.Background(), env.userID, "note", "x")
	require.NoError(t, err)
	assert.Equal(t, first.ID, second.ID)
	assert.Len(t, second.EventIDs, 3)
	assert.True(t, second.HasEvent(c.ID))
}

func TestConflictDetector_ResolvedConflictIsNotRecreated(t *testing.T) {
	env := newTestEnv(t)
	d1 := env.registerDevice(t, "laptop")
	d2 := env.registerDevice(t, "phone")

	env.record(t, d1, "x", clock.VectorClock{d1.ID.String(): 1}, `{"v":"a"}`)
	env.record(t, d2, "x", clock.VectorClock{d2.ID.String(): 1}, `{"v":"b"}`)

	conflict, err := env.detector.DetectForEntity(context.Background(), env.userID, "note", "x")
	require.NoError(t, err)
	require.NotNil(t, conflict)

	resolved, err := env.resolver.Resolve(context.Background(), conflict.ID, models.StrategyLastWriteWins, nil)
	require.NoError(t, err)
	require.True(t, resolved.Resolved())

	// Re-running over the unchanged history must not resurrect the group.
	again, err := env.detector.DetectForEntity(context.Background(), env.userID, "note", "x")
	require.NoError(t, err)
	assert.Nil(t, again)

	unresolved, err := env.resolver.Unresolved(context.Background(), env.userID)
	require.NoError(t, err)
	assert.Empty(t, unresolved)
}

func TestConflictDetector_NewConcurrentWriteAfterResolution(t *testing.T) {
	env := newTestEnv(t)
	d1 := env.registerDevice(t, "laptop")
	d2 := env.registerDevice(t, "phone")
	d3 := env.registerDevice(t, "tablet")

	env.record(t, d1, "x", clock.VectorClock{d1.ID.String(): 1}, `{"v":"a"}`)
	env.record(t, d2, "x", clock.VectorClock{d2.ID.String(): 1}, `{"v":"b"}`)

	first, err := env.detector.DetectForEntity(context.Background(), env.userID, "note", "x")
	require.NoError(t, err)
	_, err = env.resolver.Resolve(context.Background(), first.ID, models.StrategyLastWriteWins, nil)
	require.NoError(t, err)

	// A write concurrent with the resolved group is a fresh conflict.
	c := env.record(t, d3, "x", clock.VectorClock{d3.ID.String(): 1}, `{"v":"c"}`)

	second, err := env.detector.DetectForEntity(context.Background(), env.userID, "note", "x")
	require.NoError(t, err)
	require.NotNil(t, second)
	assert.NotEqual(t, first.ID, second.ID)
	assert.True(t, second.HasEvent(c.ID))

	unresolved, err := env.resolver.Unresolved(context.Background(), env.userID)
	require.NoError(t, err)
	assert.Len(t, unresolved, 1)
}

func TestConflictDetector_SupersededEventLeavesTheFrontier(t *testing.T) {
	env := newTestEnv(t)
	d1 := env.registerDevice(t, "laptop")
	d2 := env.registerDevice(t, "phone")

	// d1's first write is superseded by its second; only the frontier
	// events are in conflict.
	a := env.record(t, d1, "x", clock.VectorClock{d1.ID.String(): 1}, `{"v":"a1"}`)
	b := env.record(t, d1, "x", clock.VectorClock{d1.ID.String(): 2}, `{"v":"a2"}`)
	c := env.record(t, d2, "x", clock.VectorClock{d2.ID.String(): 1}, `{"v":"b"}`)

	conflict, err := env.detector.DetectForEntity(context.Background(), env.userID, "note", "x")

	require.NoError(t, err)
	require.NotNil(t, conflict)
	assert.Len(t, conflict.EventIDs, 2)
	assert.True(t, conflict.HasEvent(b.ID))
	assert.True(t, conflict.HasEvent(c.ID))
	assert.False(t, conflict.HasEvent(a.ID))
}

func TestConflictDetector_Detect_GroupsByEntity(t *testing.T) {
	env := newTestEnv(t)
	d1 := env.registerDevice(t, "laptop")
	d2 := env.registerDevice(t, "phone")

	e1 := env.record(t, d1, "x", clock.VectorClock{d1.ID.String(): 1}, `{"v":"a"}`)
	e2 := env.record(t, d2, "x", clock.VectorClock{d2.ID.String(): 1}, `{"v":"b"}`)
	e3 := env.record(t, d1, "y", clock.VectorClock{d1.ID.String(): 2}, `{"v":"c"}`)

	conflicts, err := env.detector.Detect(context.Background(), env.userID,
		[]*models.SyncEvent{e1, e2, e3})

	require.NoError(t, err)
	require.Len(t, conflicts, 1, "entity y has a single writer, no conflict")
	assert.Equal(t, "x", conflicts[0].EntityID)
}

func TestConflictDetector_EmptyHistory(t *testing.T) {
	env := newTestEnv(t)

	_, err := env.detector.DetectForEntity(context.Background(), env.userID, "note", "missing")

	require.ErrorIs(t, err, ErrEntityNotFound)
}
