package resilience

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/n8n-work/workflow-engine/internal/graph"
	"github.com/n8n-work/workflow-engine/internal/state"
	"github.com/n8n-work/workflow-engine/internal/stepresult"
)

func newTestRetryExecutor(t *testing.T) (*RetryExecutor, *fakeRepo) {
	t.Helper()
	repo := newFakeRepo()
	breakers := NewCircuitBreakerManager(DefaultCircuitBreakerConfig(), repo, zap.NewNop())
	re := NewRetryExecutor(breakers, repo, zap.NewNop(), func(interface{}) graph.TypeTag { return "" })
	return re, repo
}

func TestRetryExecutorSucceedsEventually(t *testing.T) {
	re, _ := newTestRetryExecutor(t)
	step := &graph.StepNode{
		ID: "s1",
		RetryPolicy: graph.RetryPolicy{
			MaxAttempts:       5,
			BaseDelay:         time.Millisecond,
			BackoffMultiplier: 1,
		},
	}

	attempts := 0
	call := func(ctx context.Context) (interface{}, error) {
		attempts++
		if attempts < 3 {
			return nil, errors.New("transient")
		}
		return stepresult.Finish{Value: "ok"}, nil
	}

	result, err := re.Run(context.Background(), "g1", "inst1", step, call)
	require.NoError(t, err)
	assert.Equal(t, 3, attempts)
	finish, ok := result.(stepresult.Finish)
	require.True(t, ok)
	assert.Equal(t, "ok", finish.Value)
}

func TestRetryExecutorExhaustsAttempts(t *testing.T) {
	re, _ := newTestRetryExecutor(t)
	step := &graph.StepNode{
		ID: "s1",
		RetryPolicy: graph.RetryPolicy{
			MaxAttempts:       3,
			BaseDelay:         time.Millisecond,
			BackoffMultiplier: 1,
		},
	}

	attempts := 0
	call := func(ctx context.Context) (interface{}, error) {
		attempts++
		return nil, errors.New("permanent")
	}

	_, err := re.Run(context.Background(), "g1", "inst1", step, call)
	require.Error(t, err)
	execErr, ok := err.(*state.ExecutionError)
	require.True(t, ok)
	assert.Equal(t, state.ErrorKindRetryExhausted, execErr.Kind)
	assert.Equal(t, 3, attempts)
}

func TestRetryExecutorAbortOnTakesPrecedence(t *testing.T) {
	re, _ := newTestRetryExecutor(t)
	const fatalTag graph.TypeTag = "fatal"
	re.tagOf = func(v interface{}) graph.TypeTag {
		if _, ok := v.(*fatalError); ok {
			return fatalTag
		}
		return ""
	}

	step := &graph.StepNode{
		ID: "s1",
		RetryPolicy: graph.RetryPolicy{
			MaxAttempts: 5,
			BaseDelay:   time.Millisecond,
			AbortOn:     []graph.TypeTag{fatalTag},
		},
	}

	attempts := 0
	call := func(ctx context.Context) (interface{}, error) {
		attempts++
		return nil, &fatalError{}
	}

	_, err := re.Run(context.Background(), "g1", "inst1", step, call)
	require.Error(t, err)
	execErr, ok := err.(*state.ExecutionError)
	require.True(t, ok)
	assert.Equal(t, state.ErrorKindStepException, execErr.Kind)
	assert.Equal(t, 1, attempts)
}

type fatalError struct{}

func (f *fatalError) Error() string { return "fatal" }

func TestRetryExecutorRetryOnFailResult(t *testing.T) {
	re, _ := newTestRetryExecutor(t)
	step := &graph.StepNode{
		ID: "s1",
		RetryPolicy: graph.RetryPolicy{
			MaxAttempts:       3,
			BaseDelay:         time.Millisecond,
			BackoffMultiplier: 1,
			RetryOnFailResult: true,
		},
	}

	attempts := 0
	call := func(ctx context.Context) (interface{}, error) {
		attempts++
		if attempts < 2 {
			return stepresult.Fail{Err: errors.New("soft fail")}, nil
		}
		return stepresult.Finish{Value: "done"}, nil
	}

	result, err := re.Run(context.Background(), "g1", "inst1", step, call)
	require.NoError(t, err)
	assert.Equal(t, 2, attempts)
	assert.Equal(t, stepresult.Finish{Value: "done"}, result)
}

func TestRetryExecutorCircuitOpenFailsFast(t *testing.T) {
	repo := newFakeRepo()
	breakers := NewCircuitBreakerManager(CircuitBreakerConfig{FailureThreshold: 1, OpenDuration: time.Hour, HalfOpenSuccessThreshold: 1}, repo, zap.NewNop())
	re := NewRetryExecutor(breakers, repo, zap.NewNop(), func(interface{}) graph.TypeTag { return "" })

	step := &graph.StepNode{
		ID:          "s1",
		RetryPolicy: graph.RetryPolicy{MaxAttempts: 1, BaseDelay: time.Millisecond},
	}

	call := func(ctx context.Context) (interface{}, error) { return nil, errors.New("boom") }
	_, err := re.Run(context.Background(), "g1", "inst1", step, call)
	require.Error(t, err)

	_, err = re.Run(context.Background(), "g1", "inst1", step, call)
	require.Error(t, err)
	execErr, ok := err.(*state.ExecutionError)
	require.True(t, ok)
	assert.Equal(t, state.ErrorKindCircuitOpen, execErr.Kind)
}
