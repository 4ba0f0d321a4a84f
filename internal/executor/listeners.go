package executor

import (
	"context"
	"sync"

	"github.com/n8n-work/workflow-engine/internal/state"
)

// Listener observes an instance's lifecycle (spec §5): started, each step
// dispatched and completed, suspended, resumed, and terminal transitions.
// Implementations are expected to be cheap and non-blocking; a slow
// listener delays the instance that triggered it since notification happens
// inline with the execution loop, per spec §5 ("listeners run synchronously
// within the instance's own goroutine").
type Listener interface {
	OnInstanceStarted(ctx context.Context, inst *state.WorkflowInstance)
	OnStepDispatched(ctx context.Context, instanceID, stepID string, input interface{})
	OnStepCompleted(ctx context.Context, instanceID, stepID string, result interface{})
	OnSuspended(ctx context.Context, instanceID string, sp *state.SuspensionPayload)
	OnResumed(ctx context.Context, instanceID string)
	OnCompleted(ctx context.Context, instanceID string, value interface{})
	OnFailed(ctx context.Context, instanceID string, cause *state.ExecutionError)
	OnCancelled(ctx context.Context, instanceID string)
}

// listenerRegistry is the same copy-on-write, panic-safe pattern used by
// resilience.listenerRegistry (internal/resilience/listeners.go), kept as a
// private duplicate rather than exported shared code since the two
// registries watch disjoint event sets and sharing a generic type would
// cost more in indirection than the few duplicated lines save.
type listenerRegistry struct {
	mu        sync.Mutex
	listeners []Listener
}

func newListenerRegistry() *listenerRegistry { return &listenerRegistry{} }

func (r *listenerRegistry) Add(l Listener) {
	r.mu.Lock()
	defer r.mu.Unlock()
	next := make([]Listener, len(r.listeners), len(r.listeners)+1)
	copy(next, r.listeners)
	r.listeners = append(next, l)
}

func (r *listenerRegistry) Remove(l Listener) {
	r.mu.Lock()
	defer r.mu.Unlock()
	idx := -1
	for i, existing := range r.listeners {
		if existing == l {
			idx = i
			break
		}
	}
	if idx == -1 {
		return
	}
	next := make([]Listener, 0, len(r.listeners)-1)
	next = append(next, r.listeners[:idx]...)
	next = append(next, r.listeners[idx+1:]...)
	r.listeners = next
}

func (r *listenerRegistry) Snapshot() []Listener {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.listeners
}

func fanOut(listeners []Listener, fn func(Listener)) {
	for _, l := range listeners {
		func(l Listener) {
			defer func() { recover() }()
			fn(l)
		}(l)
	}
}
