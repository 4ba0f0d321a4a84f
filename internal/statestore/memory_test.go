package statestore

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/n8n-work/workflow-engine/internal/state"
)

func TestInMemoryStateRepositoryInstanceRoundTrip(t *testing.T) {
	repo := NewInMemoryStateRepository()
	ctx := context.Background()

	_, err := repo.LoadInstance(ctx, "missing")
	assert.ErrorIs(t, err, state.ErrNotFound)

	inst := &state.WorkflowInstance{
		InstanceID: "inst1",
		GraphID:    "g1",
		Status:     state.StatusRunning,
		CreatedAt:  time.Now(),
		UpdatedAt:  time.Now(),
	}
	require.NoError(t, repo.SaveInstance(ctx, inst))

	loaded, err := repo.LoadInstance(ctx, "inst1")
	require.NoError(t, err)
	assert.Equal(t, state.StatusRunning, loaded.Status)

	// mutating the returned copy must not affect the stored record
	loaded.Status = state.StatusCompleted
	reloaded, err := repo.LoadInstance(ctx, "inst1")
	require.NoError(t, err)
	assert.Equal(t, state.StatusRunning, reloaded.Status)

	require.NoError(t, repo.DeleteInstance(ctx, "inst1"))
	_, err = repo.LoadInstance(ctx, "inst1")
	assert.ErrorIs(t, err, state.ErrNotFound)
}

func TestInMemoryStateRepositoryDeleteInstanceStateCleansEverything(t *testing.T) {
	repo := NewInMemoryStateRepository()
	ctx := context.Background()

	require.NoError(t, repo.SaveInstance(ctx, &state.WorkflowInstance{InstanceID: "inst1", GraphID: "g1"}))
	require.NoError(t, repo.SaveRetryContext(ctx, &state.RetryContext{InstanceID: "inst1", StepID: "s1"}))
	require.NoError(t, repo.SaveAsyncState(ctx, &state.AsyncStepState{InstanceID: "inst1", TaskID: "t1"}))
	require.NoError(t, repo.SaveSuspension(ctx, &state.SuspensionPayload{InstanceID: "inst1"}))
	require.NoError(t, repo.SaveBreakerSnapshot(ctx, &state.CircuitBreakerSnapshot{GraphID: "g1", StepID: "s1"}))

	require.NoError(t, repo.DeleteInstanceState(ctx, "inst1"))

	_, err := repo.LoadInstance(ctx, "inst1")
	assert.ErrorIs(t, err, state.ErrNotFound)
	_, err = repo.LoadRetryContext(ctx, "inst1", "s1")
	assert.ErrorIs(t, err, state.ErrNotFound)
	_, err = repo.LoadAsyncState(ctx, "inst1", "t1")
	assert.ErrorIs(t, err, state.ErrNotFound)
	_, err = repo.LoadSuspension(ctx, "inst1")
	assert.ErrorIs(t, err, state.ErrNotFound)

	// breaker snapshots are not instance-scoped and must survive
	snap, err := repo.LoadBreakerSnapshot(ctx, "g1", "s1")
	require.NoError(t, err)
	assert.NotNil(t, snap)
}
