package resilience

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/n8n-work/workflow-engine/internal/state"
)

func TestCircuitBreakerOpensAfterThreshold(t *testing.T) {
	cfg := CircuitBreakerConfig{FailureThreshold: 3, OpenDuration: time.Hour, HalfOpenSuccessThreshold: 1}
	cb := newCircuitBreaker("g1", "s1", cfg, zap.NewNop())

	for i := 0; i < 2; i++ {
		require.NoError(t, cb.Allow())
		cb.RecordFailure()
	}
	assert.Equal(t, state.CircuitClosed, cb.State())

	require.NoError(t, cb.Allow())
	cb.RecordFailure()
	assert.Equal(t, state.CircuitOpen, cb.State())

	assert.Error(t, cb.Allow())
}

func TestCircuitBreakerHalfOpenRecovery(t *testing.T) {
	cfg := CircuitBreakerConfig{FailureThreshold: 1, OpenDuration: time.Millisecond, HalfOpenSuccessThreshold: 2}
	cb := newCircuitBreaker("g1", "s1", cfg, zap.NewNop())

	require.NoError(t, cb.Allow())
	cb.RecordFailure()
	assert.Equal(t, state.CircuitOpen, cb.State())

	time.Sleep(5 * time.Millisecond)
	require.NoError(t, cb.Allow())
	assert.Equal(t, state.CircuitHalfOpen, cb.State())

	cb.RecordSuccess()
	assert.Equal(t, state.CircuitHalfOpen, cb.State())
	cb.RecordSuccess()
	assert.Equal(t, state.CircuitClosed, cb.State())
}

func TestCircuitBreakerHalfOpenFailureReopens(t *testing.T) {
	cfg := CircuitBreakerConfig{FailureThreshold: 1, OpenDuration: time.Millisecond, HalfOpenSuccessThreshold: 2}
	cb := newCircuitBreaker("g1", "s1", cfg, zap.NewNop())

	require.NoError(t, cb.Allow())
	cb.RecordFailure()
	time.Sleep(5 * time.Millisecond)
	require.NoError(t, cb.Allow())
	assert.Equal(t, state.CircuitHalfOpen, cb.State())

	cb.RecordFailure()
	assert.Equal(t, state.CircuitOpen, cb.State())
}

type fakeRepo struct {
	snapshots map[string]*state.CircuitBreakerSnapshot
}

func newFakeRepo() *fakeRepo { return &fakeRepo{snapshots: map[string]*state.CircuitBreakerSnapshot{}} }

func (f *fakeRepo) SaveInstance(ctx context.Context, inst *state.WorkflowInstance) error { return nil }
func (f *fakeRepo) LoadInstance(ctx context.Context, instanceID string) (*state.WorkflowInstance, error) {
	return nil, state.ErrNotFound
}
func (f *fakeRepo) DeleteInstance(ctx context.Context, instanceID string) error { return nil }

func (f *fakeRepo) SaveRetryContext(ctx context.Context, rc *state.RetryContext) error { return nil }
func (f *fakeRepo) LoadRetryContext(ctx context.Context, instanceID, stepID string) (*state.RetryContext, error) {
	return nil, state.ErrNotFound
}
func (f *fakeRepo) DeleteRetryContext(ctx context.Context, instanceID, stepID string) error {
	return nil
}

func (f *fakeRepo) SaveBreakerSnapshot(ctx context.Context, snap *state.CircuitBreakerSnapshot) error {
	f.snapshots[breakerKey(snap.GraphID, snap.StepID)] = snap
	return nil
}
func (f *fakeRepo) LoadBreakerSnapshot(ctx context.Context, graphID, stepID string) (*state.CircuitBreakerSnapshot, error) {
	snap, ok := f.snapshots[breakerKey(graphID, stepID)]
	if !ok {
		return nil, nil
	}
	return snap, nil
}
func (f *fakeRepo) DeleteBreakerSnapshot(ctx context.Context, graphID, stepID string) error {
	delete(f.snapshots, breakerKey(graphID, stepID))
	return nil
}

func (f *fakeRepo) SaveAsyncState(ctx context.Context, st *state.AsyncStepState) error { return nil }
func (f *fakeRepo) LoadAsyncState(ctx context.Context, instanceID, taskID string) (*state.AsyncStepState, error) {
	return nil, state.ErrNotFound
}
func (f *fakeRepo) DeleteAsyncState(ctx context.Context, instanceID, taskID string) error {
	return nil
}

func (f *fakeRepo) SaveSuspension(ctx context.Context, sp *state.SuspensionPayload) error { return nil }
func (f *fakeRepo) LoadSuspension(ctx context.Context, instanceID string) (*state.SuspensionPayload, error) {
	return nil, state.ErrNotFound
}
func (f *fakeRepo) DeleteSuspension(ctx context.Context, instanceID string) error { return nil }

func (f *fakeRepo) DeleteInstanceState(ctx context.Context, instanceID string) error { return nil }

func TestCircuitBreakerManagerPersistsAndReloadsSnapshot(t *testing.T) {
	repo := newFakeRepo()
	cfg := CircuitBreakerConfig{FailureThreshold: 1, OpenDuration: time.Hour, HalfOpenSuccessThreshold: 1}
	mgr := NewCircuitBreakerManager(cfg, repo, zap.NewNop())

	ctx := context.Background()
	cb := mgr.Get(ctx, "g1", "s1")
	require.NoError(t, cb.Allow())
	cb.RecordFailure()
	require.NoError(t, mgr.Persist(ctx, cb))
	assert.Equal(t, state.CircuitOpen, cb.State())

	mgr2 := NewCircuitBreakerManager(cfg, repo, zap.NewNop())
	cb2 := mgr2.Get(ctx, "g1", "s1")
	assert.Equal(t, state.CircuitOpen, cb2.State())
}
