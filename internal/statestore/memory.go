// Package statestore provides the concrete implementations of the State
// Repository Contract defined in internal/state: an in-memory reference
// implementation for tests, and a Postgres-backed durable implementation
// adapted from the teacher's internal/repo/repository.go.
package statestore

import (
	"context"
	"sync"

	"github.com/n8n-work/workflow-engine/internal/state"
)

// InMemoryStateRepository is a sync.RWMutex-guarded reference
// implementation of state.Repository, sufficient for tests and single-
// process deployments (spec §4.8: "an in-memory reference implementation
// suffices for tests").
type InMemoryStateRepository struct {
	mu           sync.RWMutex
	instances    map[string]*state.WorkflowInstance
	retries      map[string]*state.RetryContext
	breakers     map[string]*state.CircuitBreakerSnapshot
	asyncStates  map[string]*state.AsyncStepState
	suspensions  map[string]*state.SuspensionPayload
}

func NewInMemoryStateRepository() *InMemoryStateRepository {
	return &InMemoryStateRepository{
		instances:   make(map[string]*state.WorkflowInstance),
		retries:     make(map[string]*state.RetryContext),
		breakers:    make(map[string]*state.CircuitBreakerSnapshot),
		asyncStates: make(map[string]*state.AsyncStepState),
		suspensions: make(map[string]*state.SuspensionPayload),
	}
}

func retryKey(instanceID, stepID string) string     { return instanceID + "/" + stepID }
func breakerMemKey(graphID, stepID string) string    { return graphID + "/" + stepID }
func asyncMemKey(instanceID, taskID string) string   { return instanceID + "/" + taskID }

func (r *InMemoryStateRepository) SaveInstance(_ context.Context, inst *state.WorkflowInstance) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	cp := *inst
	r.instances[inst.InstanceID] = &cp
	return nil
}

func (r *InMemoryStateRepository) LoadInstance(_ context.Context, instanceID string) (*state.WorkflowInstance, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	inst, ok := r.instances[instanceID]
	if !ok {
		return nil, state.ErrNotFound
	}
	cp := *inst
	return &cp, nil
}

func (r *InMemoryStateRepository) DeleteInstance(_ context.Context, instanceID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.instances, instanceID)
	return nil
}

func (r *InMemoryStateRepository) SaveRetryContext(_ context.Context, rc *state.RetryContext) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	cp := *rc
	r.retries[retryKey(rc.InstanceID, rc.StepID)] = &cp
	return nil
}

func (r *InMemoryStateRepository) LoadRetryContext(_ context.Context, instanceID, stepID string) (*state.RetryContext, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	rc, ok := r.retries[retryKey(instanceID, stepID)]
	if !ok {
		return nil, state.ErrNotFound
	}
	cp := *rc
	return &cp, nil
}

func (r *InMemoryStateRepository) DeleteRetryContext(_ context.Context, instanceID, stepID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.retries, retryKey(instanceID, stepID))
	return nil
}

func (r *InMemoryStateRepository) SaveBreakerSnapshot(_ context.Context, snap *state.CircuitBreakerSnapshot) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	cp := *snap
	r.breakers[breakerMemKey(snap.GraphID, snap.StepID)] = &cp
	return nil
}

func (r *InMemoryStateRepository) LoadBreakerSnapshot(_ context.Context, graphID, stepID string) (*state.CircuitBreakerSnapshot, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	snap, ok := r.breakers[breakerMemKey(graphID, stepID)]
	if !ok {
		return nil, nil
	}
	cp := *snap
	return &cp, nil
}

func (r *InMemoryStateRepository) DeleteBreakerSnapshot(_ context.Context, graphID, stepID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.breakers, breakerMemKey(graphID, stepID))
	return nil
}

func (r *InMemoryStateRepository) SaveAsyncState(_ context.Context, st *state.AsyncStepState) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	cp := *st
	r.asyncStates[asyncMemKey(st.InstanceID, st.TaskID)] = &cp
	return nil
}

func (r *InMemoryStateRepository) LoadAsyncState(_ context.Context, instanceID, taskID string) (*state.AsyncStepState, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	st, ok := r.asyncStates[asyncMemKey(instanceID, taskID)]
	if !ok {
		return nil, state.ErrNotFound
	}
	cp := *st
	return &cp, nil
}

func (r *InMemoryStateRepository) DeleteAsyncState(_ context.Context, instanceID, taskID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.asyncStates, asyncMemKey(instanceID, taskID))
	return nil
}

func (r *InMemoryStateRepository) SaveSuspension(_ context.Context, sp *state.SuspensionPayload) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	cp := *sp
	r.suspensions[sp.InstanceID] = &cp
	return nil
}

func (r *InMemoryStateRepository) LoadSuspension(_ context.Context, instanceID string) (*state.SuspensionPayload, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	sp, ok := r.suspensions[instanceID]
	if !ok {
		return nil, state.ErrNotFound
	}
	cp := *sp
	return &cp, nil
}

func (r *InMemoryStateRepository) DeleteSuspension(_ context.Context, instanceID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.suspensions, instanceID)
	return nil
}

func (r *InMemoryStateRepository) DeleteInstanceState(ctx context.Context, instanceID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.instances, instanceID)
	delete(r.suspensions, instanceID)
	prefix := instanceID + "/"
	for k := range r.retries {
		if len(k) > len(prefix) && k[:len(prefix)] == prefix {
			delete(r.retries, k)
		}
	}
	for k := range r.asyncStates {
		if len(k) > len(prefix) && k[:len(prefix)] == prefix {
			delete(r.asyncStates, k)
		}
	}
	return nil
}

var _ state.Repository = (*InMemoryStateRepository)(nil)
