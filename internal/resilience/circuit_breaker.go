// Package resilience implements the retry subsystem and per-step circuit
// breakers described in spec §4.5: retry policies with exponential
// backoff and jitter, circuit breakers keyed by (graph id, step id), and
// the listener fan-out the retry executor reports through (breaker state
// transitions are logged, not sent to listeners).
//
// Grounded on the teacher's internal/resilience/circuit_breaker.go, adapted
// from a request-counting/generation breaker keyed by node type to the
// simpler consecutive-failure automaton spec §4.5 specifies, keyed by
// (graph id, step id), with snapshot persistence so state survives a
// restart.
package resilience

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/n8n-work/workflow-engine/internal/state"
)

// CircuitBreakerConfig configures the automaton of spec §4.5.
type CircuitBreakerConfig struct {
	FailureThreshold         int
	OpenDuration             time.Duration
	HalfOpenMaxAttempts      int
	HalfOpenSuccessThreshold int
}

// DefaultCircuitBreakerConfig matches the teacher's defaults
// (FailureThreshold: 5, RecoveryTimeout: 30s) generalized to the spec's
// field names.
func DefaultCircuitBreakerConfig() CircuitBreakerConfig {
	return CircuitBreakerConfig{
		FailureThreshold:         5,
		OpenDuration:             30 * time.Second,
		HalfOpenMaxAttempts:      3,
		HalfOpenSuccessThreshold: 3,
	}
}

// CircuitBreaker gates calls for a single (graph id, step id) pair.
type CircuitBreaker struct {
	graphID string
	stepID  string
	config  CircuitBreakerConfig

	mu                   sync.Mutex
	st                   state.CircuitState
	consecutiveFailures  int
	halfOpenSuccessCount int
	halfOpenAttemptCount int
	lastFailureAt        time.Time
	lastStateChangeAt    time.Time

	logger *zap.Logger
}

func newCircuitBreaker(graphID, stepID string, cfg CircuitBreakerConfig, logger *zap.Logger) *CircuitBreaker {
	return &CircuitBreaker{
		graphID:           graphID,
		stepID:            stepID,
		config:            cfg,
		st:                state.CircuitClosed,
		lastStateChangeAt: time.Now(),
		logger:            logger.With(zap.String("component", "circuit_breaker"), zap.String("graph_id", graphID), zap.String("step_id", stepID)),
	}
}

// restoreFromSnapshot seeds a breaker's in-memory state from a persisted
// snapshot on recovery (spec §4.5 "snapshots are reloaded and their timing
// fields are used as-is").
func (cb *CircuitBreaker) restoreFromSnapshot(snap *state.CircuitBreakerSnapshot) {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	cb.st = snap.State
	cb.consecutiveFailures = snap.ConsecutiveFailures
	cb.halfOpenSuccessCount = snap.HalfOpenSuccessCount
	cb.halfOpenAttemptCount = snap.HalfOpenAttemptCount
	cb.lastFailureAt = snap.LastFailureAt
	cb.lastStateChangeAt = snap.LastStateChangeAt
}

func (cb *CircuitBreaker) snapshot() *state.CircuitBreakerSnapshot {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return &state.CircuitBreakerSnapshot{
		GraphID:              cb.graphID,
		StepID:               cb.stepID,
		State:                cb.st,
		ConsecutiveFailures:  cb.consecutiveFailures,
		HalfOpenSuccessCount: cb.halfOpenSuccessCount,
		HalfOpenAttemptCount: cb.halfOpenAttemptCount,
		LastFailureAt:        cb.lastFailureAt,
		LastStateChangeAt:    cb.lastStateChangeAt,
	}
}

// errCircuitOpen is returned by Allow when the breaker rejects a call.
type errCircuitOpen struct {
	graphID, stepID string
	lastFailure     time.Time
}

func (e *errCircuitOpen) Error() string {
	return fmt.Sprintf("circuit breaker open for step %q in graph %q (last failure %s)", e.stepID, e.graphID, e.lastFailure)
}

// Allow checks (and if necessary advances) the automaton before a call,
// per spec §4.5 step 1: open -> half-open once the open duration elapses;
// otherwise an open breaker rejects immediately without the caller's thunk
// ever running.
func (cb *CircuitBreaker) Allow() error {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	switch cb.st {
	case state.CircuitOpen:
		if time.Since(cb.lastStateChangeAt) >= cb.config.OpenDuration {
			cb.transitionLocked(state.CircuitHalfOpen)
			return nil
		}
		return &errCircuitOpen{graphID: cb.graphID, stepID: cb.stepID, lastFailure: cb.lastFailureAt}
	case state.CircuitHalfOpen:
		if cb.config.HalfOpenMaxAttempts > 0 && cb.halfOpenAttemptCount >= cb.config.HalfOpenMaxAttempts {
			return &errCircuitOpen{graphID: cb.graphID, stepID: cb.stepID, lastFailure: cb.lastFailureAt}
		}
		cb.halfOpenAttemptCount++
		return nil
	default: // closed
		return nil
	}
}

// RecordSuccess advances the automaton on a successful call.
func (cb *CircuitBreaker) RecordSuccess() {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	switch cb.st {
	case state.CircuitHalfOpen:
		cb.halfOpenSuccessCount++
		if cb.halfOpenSuccessCount >= cb.config.HalfOpenSuccessThreshold {
			cb.transitionLocked(state.CircuitClosed)
		}
	case state.CircuitClosed:
		cb.consecutiveFailures = 0
	}
}

// RecordFailure advances the automaton on a failed call.
func (cb *CircuitBreaker) RecordFailure() {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	cb.lastFailureAt = time.Now()

	switch cb.st {
	case state.CircuitClosed:
		cb.consecutiveFailures++
		if cb.consecutiveFailures >= cb.config.FailureThreshold {
			cb.transitionLocked(state.CircuitOpen)
		}
	case state.CircuitHalfOpen:
		cb.transitionLocked(state.CircuitOpen)
	}
}

func (cb *CircuitBreaker) transitionLocked(to state.CircuitState) {
	from := cb.st
	if from == to {
		return
	}
	cb.st = to
	cb.lastStateChangeAt = time.Now()
	if to == state.CircuitHalfOpen {
		cb.halfOpenSuccessCount = 0
		cb.halfOpenAttemptCount = 0
	}
	if to == state.CircuitClosed {
		cb.consecutiveFailures = 0
	}
	cb.logger.Info("circuit breaker state changed", zap.String("from", string(from)), zap.String("to", string(to)))
}

// State returns the current automaton state.
func (cb *CircuitBreaker) State() state.CircuitState {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.st
}

// CircuitBreakerManager owns one breaker per (graph id, step id), loading
// and persisting snapshots through state.Repository.
type CircuitBreakerManager struct {
	mu       sync.RWMutex
	breakers map[string]*CircuitBreaker
	cfg      CircuitBreakerConfig
	repo     state.Repository
	logger   *zap.Logger
}

func NewCircuitBreakerManager(cfg CircuitBreakerConfig, repo state.Repository, logger *zap.Logger) *CircuitBreakerManager {
	return &CircuitBreakerManager{
		breakers: make(map[string]*CircuitBreaker),
		cfg:      cfg,
		repo:     repo,
		logger:   logger.With(zap.String("component", "circuit_breaker_manager")),
	}
}

func breakerKey(graphID, stepID string) string { return graphID + "/" + stepID }

// Get returns the breaker for (graphID, stepID), loading a persisted
// snapshot on first access if one exists.
func (m *CircuitBreakerManager) Get(ctx context.Context, graphID, stepID string) *CircuitBreaker {
	key := breakerKey(graphID, stepID)

	m.mu.RLock()
	cb, ok := m.breakers[key]
	m.mu.RUnlock()
	if ok {
		return cb
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if cb, ok := m.breakers[key]; ok {
		return cb
	}

	cb = newCircuitBreaker(graphID, stepID, m.cfg, m.logger)
	if m.repo != nil {
		if snap, err := m.repo.LoadBreakerSnapshot(ctx, graphID, stepID); err == nil && snap != nil {
			cb.restoreFromSnapshot(snap)
		}
	}
	m.breakers[key] = cb
	return cb
}

// Persist saves a breaker's current snapshot.
func (m *CircuitBreakerManager) Persist(ctx context.Context, cb *CircuitBreaker) error {
	if m.repo == nil {
		return nil
	}
	return m.repo.SaveBreakerSnapshot(ctx, cb.snapshot())
}

// IsCircuitOpenError reports whether err originated from Allow rejecting a
// call, the distinct error kind spec §7 requires.
func IsCircuitOpenError(err error) bool {
	_, ok := err.(*errCircuitOpen)
	return ok
}
