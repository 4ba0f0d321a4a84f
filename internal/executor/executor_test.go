package executor

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/n8n-work/workflow-engine/internal/graph"
	"github.com/n8n-work/workflow-engine/internal/resilience"
	"github.com/n8n-work/workflow-engine/internal/state"
	"github.com/n8n-work/workflow-engine/internal/statestore"
	"github.com/n8n-work/workflow-engine/internal/stepresult"
	"github.com/n8n-work/workflow-engine/internal/wfcontext"
)

const (
	tagStart  graph.TypeTag = "start"
	tagMiddle graph.TypeTag = "middle"
	tagEnd    graph.TypeTag = "end"
)

type startPayload struct{ N int }
type middlePayload struct{ N int }
type endPayload struct{ N int }

func newTestExecutor(t *testing.T, g *graph.Graph, maxConcurrent int) (*Executor, state.Repository) {
	t.Helper()
	logger := zap.NewNop()
	repo := statestore.NewInMemoryStateRepository()
	breakers := resilience.NewCircuitBreakerManager(resilience.DefaultCircuitBreakerConfig(), repo, logger)
	retryExec := resilience.NewRetryExecutor(breakers, repo, logger, nil)

	tagOf := func(v interface{}) graph.TypeTag {
		switch v.(type) {
		case startPayload, *startPayload:
			return tagStart
		case middlePayload, *middlePayload:
			return tagMiddle
		case endPayload, *endPayload:
			return tagEnd
		default:
			return ""
		}
	}

	exec := New(g, repo, breakers, retryExec, logger, tagOf, maxConcurrent)
	return exec, repo
}

// waitForStatus polls the repository until the instance reaches the wanted
// status, or the deadline elapses.
func waitForStatus(t *testing.T, repo state.Repository, instanceID string, want state.InstanceStatus) *state.WorkflowInstance {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		inst, err := repo.LoadInstance(context.Background(), instanceID)
		require.NoError(t, err)
		if inst.Status == want {
			return inst
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("instance %s did not reach status %s", instanceID, want)
	return nil
}

func linearGraph(t *testing.T) *graph.Graph {
	t.Helper()
	reg := graph.NewTypeRegistry()
	reg.Register(tagStart, startPayload{})
	reg.Register(tagMiddle, middlePayload{})
	reg.Register(tagEnd, endPayload{})

	b := graph.NewBuilder("linear", 1, reg)
	b.Trigger(tagStart)
	b.AddStep(&graph.StepNode{
		ID:              "ingest",
		IsInitial:       true,
		InputType:       tagStart,
		OutputType:      tagMiddle,
		InvocationLimit: 1,
		OnLimit:         graph.OnLimitError,
		RetryPolicy:     graph.NoRetry(),
		Executor: func(ctx interface{}, input interface{}) (interface{}, error) {
			sp := input.(startPayload)
			return stepresult.Continue{Payload: middlePayload{N: sp.N + 1}}, nil
		},
	})
	b.AddStep(&graph.StepNode{
		ID:              "transform",
		InputType:       tagMiddle,
		OutputType:      tagEnd,
		InvocationLimit: 1,
		OnLimit:         graph.OnLimitError,
		RetryPolicy:     graph.NoRetry(),
		Executor: func(ctx interface{}, input interface{}) (interface{}, error) {
			mp := input.(middlePayload)
			return stepresult.Finish{Value: endPayload{N: mp.N * 2}}, nil
		},
	})
	g, err := b.Build()
	require.NoError(t, err)
	return g
}

func TestExecutorRunsLinearGraphToCompletion(t *testing.T) {
	g := linearGraph(t)
	exec, repo := newTestExecutor(t, g, 4)

	instanceID, err := exec.Start(context.Background(), startPayload{N: 1})
	require.NoError(t, err)

	inst := waitForStatus(t, repo, instanceID, state.StatusCompleted)
	wfCtx, err := wfcontext.Restore(inst.ContextSnapshot)
	require.NoError(t, err)

	final, ok := wfCtx.Custom(wfcontext.KeyFinalResult)
	require.True(t, ok)
	assert.Equal(t, endPayload{N: 4}, final)
}

func suspendingGraph(t *testing.T) *graph.Graph {
	t.Helper()
	reg := graph.NewTypeRegistry()
	reg.Register(tagStart, startPayload{})
	reg.Register(tagMiddle, middlePayload{})
	reg.Register(tagEnd, endPayload{})

	b := graph.NewBuilder("approval", 1, reg)
	b.Trigger(tagStart)
	b.AddStep(&graph.StepNode{
		ID:              "ask",
		IsInitial:       true,
		InputType:       tagStart,
		InvocationLimit: 1,
		OnLimit:         graph.OnLimitError,
		RetryPolicy:     graph.NoRetry(),
		Executor: func(ctx interface{}, input interface{}) (interface{}, error) {
			return stepresult.Suspend{Prompt: "approve?", ExpectedInputType: string(tagMiddle)}, nil
		},
	})
	b.AddStep(&graph.StepNode{
		ID:              "finalize",
		InputType:       tagMiddle,
		InvocationLimit: 1,
		OnLimit:         graph.OnLimitError,
		RetryPolicy:     graph.NoRetry(),
		Executor: func(ctx interface{}, input interface{}) (interface{}, error) {
			mp := input.(middlePayload)
			return stepresult.Finish{Value: endPayload{N: mp.N}}, nil
		},
	})
	g, err := b.Build()
	require.NoError(t, err)
	return g
}

func TestExecutorSuspendsAndResumes(t *testing.T) {
	g := suspendingGraph(t)
	exec, repo := newTestExecutor(t, g, 4)

	instanceID, err := exec.Start(context.Background(), startPayload{N: 1})
	require.NoError(t, err)

	inst := waitForStatus(t, repo, instanceID, state.StatusSuspended)
	assert.True(t, inst.HasSuspension)

	sp, err := repo.LoadSuspension(context.Background(), instanceID)
	require.NoError(t, err)
	assert.Equal(t, "ask", sp.ProducingStepID)

	require.NoError(t, exec.Resume(context.Background(), instanceID, middlePayload{N: 9}, tagMiddle))

	completed := waitForStatus(t, repo, instanceID, state.StatusCompleted)
	wfCtx, err := wfcontext.Restore(completed.ContextSnapshot)
	require.NoError(t, err)
	final, _ := wfCtx.Custom(wfcontext.KeyFinalResult)
	assert.Equal(t, endPayload{N: 9}, final)
}

func TestExecutorInvocationLimitErrorFailsInstance(t *testing.T) {
	reg := graph.NewTypeRegistry()
	reg.Register(tagStart, startPayload{})

	b := graph.NewBuilder("loop", 1, reg)
	b.Trigger(tagStart)
	b.AddStep(&graph.StepNode{
		ID:              "spin",
		IsInitial:       true,
		InputType:       tagStart,
		NextStepIDs:     []string{"spin"},
		InvocationLimit: 2,
		OnLimit:         graph.OnLimitError,
		RetryPolicy:     graph.NoRetry(),
		Executor: func(ctx interface{}, input interface{}) (interface{}, error) {
			sp := input.(startPayload)
			return stepresult.Continue{Payload: startPayload{N: sp.N + 1}}, nil
		},
	})
	g, err := b.Build()
	require.NoError(t, err)

	exec, repo := newTestExecutor(t, g, 4)
	instanceID, err := exec.Start(context.Background(), startPayload{N: 0})
	require.NoError(t, err)

	inst := waitForStatus(t, repo, instanceID, state.StatusFailed)
	require.NotNil(t, inst.TerminalError)
	assert.Equal(t, state.ErrorKindInvocationLimit, inst.TerminalError.Kind)
}

func TestExecutorStepFailurePropagates(t *testing.T) {
	reg := graph.NewTypeRegistry()
	reg.Register(tagStart, startPayload{})

	b := graph.NewBuilder("failing", 1, reg)
	b.Trigger(tagStart)
	b.AddStep(&graph.StepNode{
		ID:              "boom",
		IsInitial:       true,
		InputType:       tagStart,
		InvocationLimit: 1,
		OnLimit:         graph.OnLimitError,
		RetryPolicy:     graph.NoRetry(),
		Executor: func(ctx interface{}, input interface{}) (interface{}, error) {
			return nil, errors.New("boom")
		},
	})
	g, err := b.Build()
	require.NoError(t, err)

	exec, repo := newTestExecutor(t, g, 4)
	instanceID, err := exec.Start(context.Background(), startPayload{N: 0})
	require.NoError(t, err)

	inst := waitForStatus(t, repo, instanceID, state.StatusFailed)
	require.NotNil(t, inst.TerminalError)
	assert.Equal(t, state.ErrorKindRetryExhausted, inst.TerminalError.Kind)
}

func TestExecutorCancel(t *testing.T) {
	g := suspendingGraph(t)
	exec, repo := newTestExecutor(t, g, 4)

	instanceID, err := exec.Start(context.Background(), startPayload{N: 1})
	require.NoError(t, err)
	waitForStatus(t, repo, instanceID, state.StatusSuspended)

	exec.Cancel(context.Background(), instanceID)
	waitForStatus(t, repo, instanceID, state.StatusCancelled)
}
