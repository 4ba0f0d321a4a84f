package enginefacade

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/n8n-work/workflow-engine/internal/graph"
	"github.com/n8n-work/workflow-engine/internal/state"
	"github.com/n8n-work/workflow-engine/internal/statestore"
	"github.com/n8n-work/workflow-engine/internal/stepresult"
)

type triggerPayload struct{ N int }
type finishPayload struct{ N int }

const (
	tagTrigger graph.TypeTag = "trigger"
	tagFinish  graph.TypeTag = "finish"
)

func buildDoublerGraph(t *testing.T) *graph.Graph {
	t.Helper()
	reg := graph.NewTypeRegistry()
	reg.Register(tagTrigger, triggerPayload{})
	reg.Register(tagFinish, finishPayload{})

	b := graph.NewBuilder("doubler", 1, reg)
	b.Trigger(tagTrigger)
	b.AddStep(&graph.StepNode{
		ID:              "double",
		IsInitial:       true,
		InputType:       tagTrigger,
		InvocationLimit: 1,
		OnLimit:         graph.OnLimitError,
		RetryPolicy:     graph.NoRetry(),
		Executor: func(ctx interface{}, input interface{}) (interface{}, error) {
			tp := input.(triggerPayload)
			return stepresult.Finish{Value: finishPayload{N: tp.N * 2}}, nil
		},
	})
	g, err := b.Build()
	require.NoError(t, err)
	return g
}

func TestEngineExecuteCompletesAndReturnsResult(t *testing.T) {
	repo := statestore.NewInMemoryStateRepository()
	tagOf := func(v interface{}) graph.TypeTag {
		switch v.(type) {
		case triggerPayload:
			return tagTrigger
		case finishPayload:
			return tagFinish
		default:
			return ""
		}
	}
	cfg := DefaultConfig()
	cfg.RateLimitPerSecond = 1000
	cfg.RateLimitBurst = 1000

	eng := New(cfg, repo, nil, zap.NewNop(), tagOf)
	require.NoError(t, eng.Register(buildDoublerGraph(t)))

	handle, err := eng.Execute(context.Background(), "doubler", triggerPayload{N: 21})
	require.NoError(t, err)

	require.NoError(t, handle.WaitForTerminal(context.Background()))
	status, err := handle.Status(context.Background())
	require.NoError(t, err)
	assert.Equal(t, state.StatusCompleted, status)

	value, err := handle.Result(context.Background())
	require.NoError(t, err)
	assert.Equal(t, finishPayload{N: 42}, value)
}

func TestEngineRegisterRejectsDuplicateGraphID(t *testing.T) {
	repo := statestore.NewInMemoryStateRepository()
	eng := New(DefaultConfig(), repo, nil, zap.NewNop(), func(interface{}) graph.TypeTag { return "" })
	g := buildDoublerGraph(t)
	require.NoError(t, eng.Register(g))
	assert.Error(t, eng.Register(g))
}

func TestEngineExecuteUnknownGraphFails(t *testing.T) {
	repo := statestore.NewInMemoryStateRepository()
	eng := New(DefaultConfig(), repo, nil, zap.NewNop(), func(interface{}) graph.TypeTag { return "" })
	_, err := eng.Execute(context.Background(), "missing", nil)
	assert.Error(t, err)
}
