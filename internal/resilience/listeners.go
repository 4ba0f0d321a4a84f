package resilience

import (
	"context"
	"sync"

	"github.com/n8n-work/workflow-engine/internal/state"
)

// RetryListener observes the retry lifecycle of spec §5: every attempt,
// abort, exhaustion and success is reported so deployments can wire
// metrics or audit trails without reaching into the executor.
type RetryListener interface {
	BeforeRetryAttempt(ctx context.Context, instanceID, stepID string, attempt int)
	OnRetrySuccess(ctx context.Context, instanceID, stepID string, attempt int)
	OnRetryAborted(ctx context.Context, instanceID, stepID string, attempt int, cause error)
	OnRetryExhausted(ctx context.Context, instanceID, stepID string, attempts int, cause error)
	OnRetryFailure(ctx context.Context, instanceID, stepID string, attempt int, cause error)
	OnCircuitStateChanged(ctx context.Context, graphID, stepID string, from, to state.CircuitState)
}

// listenerRegistry holds the current listener list behind copy-on-write so
// that AddListener/RemoveListener never race a concurrent fan-out (spec §5:
// "adding or removing a listener during a workflow's execution must not
// change the listener set visible to attempts already in flight").
type listenerRegistry struct {
	mu        sync.Mutex
	listeners []RetryListener
}

func newListenerRegistry() *listenerRegistry {
	return &listenerRegistry{}
}

func (r *listenerRegistry) Add(l RetryListener) {
	r.mu.Lock()
	defer r.mu.Unlock()
	next := make([]RetryListener, len(r.listeners), len(r.listeners)+1)
	copy(next, r.listeners)
	r.listeners = append(next, l)
}

func (r *listenerRegistry) Remove(l RetryListener) {
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
	next := make([]RetryListener, 0, len(r.listeners)-1)
	next = append(next, r.listeners[:idx]...)
	next = append(next, r.listeners[idx+1:]...)
	r.listeners = next
}

// Snapshot returns the listener slice current at call time. Since Add/Remove
// always allocate a new backing array rather than mutate in place, the
// returned slice is safe to range over without further synchronization even
// if a concurrent Add/Remove happens afterward.
func (r *listenerRegistry) Snapshot() []RetryListener {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.listeners
}

// fanOut invokes fn for every listener in the snapshot, recovering from a
// panicking listener so one bad observer can't abort the retry it is
// merely watching (spec §5: listener panics never affect execution).
func fanOut(listeners []RetryListener, fn func(RetryListener)) {
	for _, l := range listeners {
		func(l RetryListener) {
			defer func() { recover() }()
			fn(l)
		}(l)
	}
}
