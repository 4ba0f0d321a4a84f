package resilience

import (
	"context"
	"math/rand"
	"time"

	"go.uber.org/zap"

	"github.com/n8n-work/workflow-engine/internal/graph"
	"github.com/n8n-work/workflow-engine/internal/state"
	"github.com/n8n-work/workflow-engine/internal/stepresult"
)

// StepCall is the thunk the retry executor drives: one attempt at running a
// step body, already bound to its input and context.
type StepCall func(ctx context.Context) (interface{}, error)

// RetryExecutor runs a StepCall under a step's RetryPolicy, consulting and
// updating the step's circuit breaker, and persisting a RetryContext so a
// restart can resume an in-flight retry sequence (spec §4.5).
type RetryExecutor struct {
	breakers  *CircuitBreakerManager
	repo      state.Repository
	listeners *listenerRegistry
	logger    *zap.Logger

	// tagOf resolves a value's concrete type to its graph.TypeTag, used to
	// match RetryOn/AbortOn predicates against the returned error value
	// itself when it has no RetryTag method.
	tagOf func(interface{}) graph.TypeTag
}

func NewRetryExecutor(breakers *CircuitBreakerManager, repo state.Repository, logger *zap.Logger, tagOf func(interface{}) graph.TypeTag) *RetryExecutor {
	return &RetryExecutor{
		breakers:  breakers,
		repo:      repo,
		listeners: newListenerRegistry(),
		logger:    logger.With(zap.String("component", "retry_executor")),
		tagOf:     tagOf,
	}
}

func (re *RetryExecutor) AddListener(l RetryListener)    { re.listeners.Add(l) }
func (re *RetryExecutor) RemoveListener(l RetryListener) { re.listeners.Remove(l) }

// Run executes call under policy for (graphID, stepID, instanceID),
// following spec §4.5 steps 1-7, and returns the wrapped step result or a
// terminal *state.ExecutionError.
func (re *RetryExecutor) Run(ctx context.Context, graphID, instanceID string, step *graph.StepNode, call StepCall) (stepresult.Result, error) {
	policy := step.RetryPolicy
	listeners := re.listeners.Snapshot()

	// Step 1: circuit breaker consultation; a trip-open breaker fails fast
	// without the call ever running and without consuming a retry attempt.
	cb := re.breakers.Get(ctx, graphID, step.ID)
	if err := cb.Allow(); err != nil {
		execErr := &state.ExecutionError{Kind: state.ErrorKindCircuitOpen, StepID: step.ID, Cause: err}
		fanOut(listeners, func(l RetryListener) { l.OnRetryAborted(ctx, instanceID, step.ID, 0, err) })
		return nil, execErr
	}

	// Step 2: load or create the persistent retry context so a resumed
	// process continues the same attempt sequence rather than restarting it.
	rc, err := re.repo.LoadRetryContext(ctx, instanceID, step.ID)
	if err != nil && err != state.ErrNotFound {
		return nil, &state.ExecutionError{Kind: state.ErrorKindRepository, StepID: step.ID, Cause: err}
	}
	if rc == nil {
		rc = &state.RetryContext{
			InstanceID:     instanceID,
			StepID:         step.ID,
			Attempt:        0,
			MaxAttempts:    policy.MaxAttempts,
			FirstAttemptAt: time.Now(),
		}
	}

	var lastErr error
	for rc.Attempt < rc.MaxAttempts {
		rc.Attempt++
		rc.CurrentAttemptAt = time.Now()

		// A retry context is only meaningful once a retry is actually
		// happening (attempt >= 2); persisting it on the first attempt
		// would make every step, including ones whose policy disables
		// retry entirely (MaxAttempts=1), write and delete a context.
		if rc.Attempt > 1 {
			if err := re.repo.SaveRetryContext(ctx, rc); err != nil {
				re.logger.Warn("failed to persist retry context", zap.Error(err))
			}
			fanOut(listeners, func(l RetryListener) { l.BeforeRetryAttempt(ctx, instanceID, step.ID, rc.Attempt) })
		}

		raw, callErr := call(ctx)
		if callErr == nil {
			result := stepresult.Wrap(raw)

			// Step 6: RetryOnFailResult lets a policy treat a step-level
			// Fail result the same as a returned error, without the step
			// body needing to panic or return a Go error.
			if failRes, ok := result.(stepresult.Fail); ok && policy.RetryOnFailResult {
				callErr = failRes.Err
			} else {
				cb.RecordSuccess()
				_ = re.breakers.Persist(ctx, cb)
				_ = re.repo.DeleteRetryContext(ctx, instanceID, step.ID)
				fanOut(listeners, func(l RetryListener) { l.OnRetrySuccess(ctx, instanceID, step.ID, rc.Attempt) })
				return result, nil
			}
		}

		lastErr = callErr
		rc.LastError = callErr.Error()

		if re.shouldAbort(policy, callErr) {
			cb.RecordFailure()
			_ = re.breakers.Persist(ctx, cb)
			_ = re.repo.DeleteRetryContext(ctx, instanceID, step.ID)
			fanOut(listeners, func(l RetryListener) { l.OnRetryAborted(ctx, instanceID, step.ID, rc.Attempt, callErr) })
			return nil, &state.ExecutionError{Kind: state.ErrorKindStepException, StepID: step.ID, Attempt: rc.Attempt, Cause: callErr}
		}

		if !re.shouldRetry(policy, callErr) {
			cb.RecordFailure()
			_ = re.breakers.Persist(ctx, cb)
			_ = re.repo.DeleteRetryContext(ctx, instanceID, step.ID)
			fanOut(listeners, func(l RetryListener) { l.OnRetryAborted(ctx, instanceID, step.ID, rc.Attempt, callErr) })
			return nil, &state.ExecutionError{Kind: state.ErrorKindStepException, StepID: step.ID, Attempt: rc.Attempt, Cause: callErr}
		}

		cb.RecordFailure()
		_ = re.breakers.Persist(ctx, cb)
		fanOut(listeners, func(l RetryListener) { l.OnRetryFailure(ctx, instanceID, step.ID, rc.Attempt, callErr) })

		if rc.Attempt >= rc.MaxAttempts {
			break
		}

		delay := backoffDelay(policy, rc.Attempt)
		select {
		case <-ctx.Done():
			return nil, &state.ExecutionError{Kind: state.ErrorKindStepException, StepID: step.ID, Attempt: rc.Attempt, Cause: ctx.Err()}
		case <-time.After(delay):
		}
	}

	_ = re.repo.DeleteRetryContext(ctx, instanceID, step.ID)
	fanOut(listeners, func(l RetryListener) { l.OnRetryExhausted(ctx, instanceID, step.ID, rc.Attempt, lastErr) })
	return nil, &state.ExecutionError{Kind: state.ErrorKindRetryExhausted, StepID: step.ID, Attempt: rc.Attempt, Cause: lastErr}
}

// shouldAbort reports whether the error's tag matches the policy's AbortOn
// list, which always takes precedence over RetryOn (spec §4.5 step 4).
func (re *RetryExecutor) shouldAbort(policy graph.RetryPolicy, err error) bool {
	if len(policy.AbortOn) == 0 {
		return false
	}
	tag := re.errorTag(err)
	for _, t := range policy.AbortOn {
		if t == tag {
			return true
		}
	}
	return false
}

// shouldRetry reports whether the error is eligible for another attempt. An
// empty RetryOn list means "retry any error" (spec §4.5 step 5).
func (re *RetryExecutor) shouldRetry(policy graph.RetryPolicy, err error) bool {
	if len(policy.RetryOn) == 0 {
		return true
	}
	tag := re.errorTag(err)
	for _, t := range policy.RetryOn {
		if t == tag {
			return true
		}
	}
	return false
}

// errorTag extracts a type tag from an error: its own RetryTag method if
// it has one, else tagOf applied to the error value (wrapped causes are
// not unwrapped); untagged errors never match a
// RetryOn/AbortOn list and fall through to the list's default behavior.
func (re *RetryExecutor) errorTag(err error) graph.TypeTag {
	type tagged interface{ RetryTag() graph.TypeTag }
	if t, ok := err.(tagged); ok {
		return t.RetryTag()
	}
	if re.tagOf != nil {
		return re.tagOf(err)
	}
	return ""
}

// backoffDelay computes the exponential backoff with symmetric jitter of
// spec §4.5 step 7: delay = min(maxDelay, base * multiplier^(attempt-1)),
// then jittered by +/- jitterFactor.
func backoffDelay(policy graph.RetryPolicy, attempt int) time.Duration {
	d := float64(policy.BaseDelay)
	for i := 1; i < attempt; i++ {
		d *= policy.BackoffMultiplier
	}
	if policy.MaxDelay > 0 && d > float64(policy.MaxDelay) {
		d = float64(policy.MaxDelay)
	}
	if policy.JitterFactor > 0 {
		jitter := d * policy.JitterFactor
		d += (rand.Float64()*2 - 1) * jitter
		if d < 0 {
			d = 0
		}
	}
	return time.Duration(d)
}
