package async

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/n8n-work/workflow-engine/internal/graph"
	"github.com/n8n-work/workflow-engine/internal/state"
	"github.com/n8n-work/workflow-engine/internal/stepresult"
	"github.com/n8n-work/workflow-engine/internal/wfcontext"
)

type memRepo struct {
	mu     sync.Mutex
	async  map[string]*state.AsyncStepState
}

func newMemRepo() *memRepo { return &memRepo{async: map[string]*state.AsyncStepState{}} }

func asyncKey(instanceID, taskID string) string { return instanceID + "/" + taskID }

func (r *memRepo) SaveInstance(ctx context.Context, inst *state.WorkflowInstance) error { return nil }
func (r *memRepo) LoadInstance(ctx context.Context, instanceID string) (*state.WorkflowInstance, error) {
	return nil, state.ErrNotFound
}
func (r *memRepo) DeleteInstance(ctx context.Context, instanceID string) error { return nil }

func (r *memRepo) SaveRetryContext(ctx context.Context, rc *state.RetryContext) error { return nil }
func (r *memRepo) LoadRetryContext(ctx context.Context, instanceID, stepID string) (*state.RetryContext, error) {
	return nil, state.ErrNotFound
}
func (r *memRepo) DeleteRetryContext(ctx context.Context, instanceID, stepID string) error {
	return nil
}

func (r *memRepo) SaveBreakerSnapshot(ctx context.Context, snap *state.CircuitBreakerSnapshot) error {
	return nil
}
func (r *memRepo) LoadBreakerSnapshot(ctx context.Context, graphID, stepID string) (*state.CircuitBreakerSnapshot, error) {
	return nil, nil
}
func (r *memRepo) DeleteBreakerSnapshot(ctx context.Context, graphID, stepID string) error {
	return nil
}

func (r *memRepo) SaveAsyncState(ctx context.Context, st *state.AsyncStepState) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.async[asyncKey(st.InstanceID, st.TaskID)] = st
	return nil
}
func (r *memRepo) LoadAsyncState(ctx context.Context, instanceID, taskID string) (*state.AsyncStepState, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	st, ok := r.async[asyncKey(instanceID, taskID)]
	if !ok {
		return nil, state.ErrNotFound
	}
	return st, nil
}
func (r *memRepo) DeleteAsyncState(ctx context.Context, instanceID, taskID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.async, asyncKey(instanceID, taskID))
	return nil
}

func (r *memRepo) SaveSuspension(ctx context.Context, sp *state.SuspensionPayload) error { return nil }
func (r *memRepo) LoadSuspension(ctx context.Context, instanceID string) (*state.SuspensionPayload, error) {
	return nil, state.ErrNotFound
}
func (r *memRepo) DeleteSuspension(ctx context.Context, instanceID string) error { return nil }

func (r *memRepo) DeleteInstanceState(ctx context.Context, instanceID string) error { return nil }

func TestManagerLaunchRunsHandlerAndReportsCompletion(t *testing.T) {
	repo := newMemRepo()

	completed := make(chan stepresult.Result, 1)
	mgr := NewManager(nil, repo, zap.NewNop(), func(ctx context.Context, instanceID, taskID string, result stepresult.Result, err error) {
		require.NoError(t, err)
		completed <- result
	})

	handlerNode := &graph.StepNode{
		ID:             "wait-handler",
		IsAsyncHandler: true,
		AsyncHandler:   NewWaitHandler(&WaitConfig{DurationSeconds: 0}),
	}

	wfCtx := wfcontext.New("run1", "inst1", nil)
	async := stepresult.Async{TaskID: "task-1", ImmediateData: "queued"}

	require.NoError(t, mgr.Launch(context.Background(), "g1", "inst1", wfCtx, async, handlerNode))

	select {
	case result := <-completed:
		_, ok := result.(stepresult.Finish)
		assert.True(t, ok)
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for async completion")
	}

	st, err := repo.LoadAsyncState(context.Background(), "inst1", "task-1")
	require.NoError(t, err)
	assert.Equal(t, state.AsyncCompleted, st.Status)

	handle, ok := wfCtx.Custom(wfcontext.KeyAsyncFutureHandle)
	require.True(t, ok)
	assert.Equal(t, "task-1", handle)
}

func TestManagerLaunchTimesOut(t *testing.T) {
	repo := newMemRepo()
	completed := make(chan error, 1)
	mgr := NewManager(nil, repo, zap.NewNop(), func(ctx context.Context, instanceID, taskID string, result stepresult.Result, err error) {
		completed <- err
	})

	handlerNode := &graph.StepNode{
		ID:             "wait-handler",
		IsAsyncHandler: true,
		AsyncHandler:   NewWaitHandler(&WaitConfig{DurationSeconds: 10}),
	}

	wfCtx := wfcontext.New("run1", "inst1", nil)
	async := stepresult.Async{TaskID: "task-2", Timeout: 10 * time.Millisecond}

	require.NoError(t, mgr.Launch(context.Background(), "g1", "inst1", wfCtx, async, handlerNode))

	select {
	case err := <-completed:
		require.Error(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for async timeout")
	}

	st, err := repo.LoadAsyncState(context.Background(), "inst1", "task-2")
	require.NoError(t, err)
	assert.Equal(t, state.AsyncCancelled, st.Status)
}
