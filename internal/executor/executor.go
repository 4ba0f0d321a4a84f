// Package executor implements the per-instance execution loop described in
// spec §4.7: a seven-step cycle (current-step lookup, invocation-limit
// enforcement, input preparation, retry-executor invocation, result
// interpretation/routing, persistence and listener notification, and
// suspend/terminal yield-or-loop) driven per instance by a single goroutine
// at a time, borrowed from a pool shared across all instances.
//
// Grounded on the teacher's internal/engine/workflow_engine.go for the
// step-loop shape and internal/engine/scheduler.go for the bounded
// worker-pool idiom (golang.org/x/sync/semaphore.Weighted), adapted from a
// DAG-dependency scheduler into the spec's type-routed single-instance
// state machine.
package executor

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"

	"github.com/n8n-work/workflow-engine/internal/async"
	"github.com/n8n-work/workflow-engine/internal/chatbridge"
	"github.com/n8n-work/workflow-engine/internal/graph"
	"github.com/n8n-work/workflow-engine/internal/resilience"
	"github.com/n8n-work/workflow-engine/internal/state"
	"github.com/n8n-work/workflow-engine/internal/stepinput"
	"github.com/n8n-work/workflow-engine/internal/stepresult"
	"github.com/n8n-work/workflow-engine/internal/wfcontext"
)

// Executor runs instances of a single Graph. One Executor is constructed
// per registered graph (spec §4.9's Engine facade owns one per graph id
// and version).
type Executor struct {
	g         *graph.Graph
	repo      state.Repository
	breakers  *resilience.CircuitBreakerManager
	retryExec *resilience.RetryExecutor
	asyncMgr  *async.Manager
	listeners *listenerRegistry
	tagOf     func(interface{}) graph.TypeTag
	logger    *zap.Logger
	chatStore chatbridge.ChatStore

	sem *semaphore.Weighted

	mu        sync.Mutex
	mailboxes map[string]*mailboxState
}

// New constructs an Executor for g. The caller wires a *async.Manager onto
// it afterward via SetAsyncManager, since the manager's completion callback
// needs to reference the executor it completes back into.
func New(g *graph.Graph, repo state.Repository, breakers *resilience.CircuitBreakerManager, retryExec *resilience.RetryExecutor, logger *zap.Logger, tagOf func(interface{}) graph.TypeTag, maxConcurrent int) *Executor {
	return &Executor{
		g:         g,
		repo:      repo,
		breakers:  breakers,
		retryExec: retryExec,
		listeners: newListenerRegistry(),
		tagOf:     tagOf,
		logger:    logger.With(zap.String("component", "executor"), zap.String("graph_id", g.ID)),
		sem:       newSemaphore(maxConcurrent),
		mailboxes: make(map[string]*mailboxState),
	}
}

// SetAsyncManager attaches the async step manager. Must be called before
// any graph step returns an Async result.
func (e *Executor) SetAsyncManager(mgr *async.Manager) { e.asyncMgr = mgr }

// SetChatStore attaches the optional chat-integration hook (spec.md §6).
// When set, Suspend and Finish interpretations — and Resume — record a
// ChatEvent for any instance carrying a reserved chat id.
func (e *Executor) SetChatStore(store chatbridge.ChatStore) { e.chatStore = store }

// recordChatEvent is a no-op when either no chat store is configured or the
// instance's context carries no reserved chat id (most instances never
// talk to a chat surface at all).
func (e *Executor) recordChatEvent(ctx context.Context, wfCtx *wfcontext.Context, instanceID string, role chatbridge.EventRole, payload interface{}, schemaName, schemaDescription string, system bool) {
	if e.chatStore == nil {
		return
	}
	chatIDRaw, ok := wfCtx.Custom(wfcontext.KeyChatID)
	if !ok {
		return
	}
	chatID, _ := chatIDRaw.(string)
	if chatID == "" {
		return
	}
	userID, _ := func() (string, bool) {
		v, ok := wfCtx.Custom(wfcontext.KeyUserID)
		s, _ := v.(string)
		return s, ok
	}()

	evt := chatbridge.ChatEvent{
		ChatID:            chatID,
		UserID:            userID,
		InstanceID:        instanceID,
		Role:              role,
		Payload:           payload,
		SchemaName:        schemaName,
		SchemaDescription: schemaDescription,
		System:            system,
		Timestamp:         time.Now(),
	}
	if err := e.chatStore.RecordEvent(ctx, evt); err != nil {
		e.logger.Warn("failed to record chat event", zap.String("instance_id", instanceID), zap.Error(err))
	}
}

func (e *Executor) AddListener(l Listener)    { e.listeners.Add(l) }
func (e *Executor) RemoveListener(l Listener) { e.listeners.Remove(l) }

// Start creates a new instance from trigger data and schedules its first
// dispatch (spec §4.7: instance state begins at `created`, immediately
// transitions to `running`).
func (e *Executor) Start(ctx context.Context, triggerData interface{}) (string, error) {
	instanceID := uuid.New().String()
	wfCtx := wfcontext.New(instanceID, instanceID, triggerData)
	snap, err := wfCtx.Snapshot()
	if err != nil {
		return "", fmt.Errorf("executor: snapshot initial context: %w", err)
	}

	now := time.Now()
	inst := &state.WorkflowInstance{
		InstanceID:      instanceID,
		GraphID:         e.g.ID,
		GraphVersion:    e.g.Version,
		Status:          state.StatusCreated,
		CurrentStepID:   e.g.InitialStep().ID,
		CreatedAt:       now,
		UpdatedAt:       now,
		ContextSnapshot: snap,
	}
	if err := e.repo.SaveInstance(ctx, inst); err != nil {
		return "", fmt.Errorf("executor: persist new instance: %w", err)
	}

	fanOut(e.listeners.Snapshot(), func(l Listener) { l.OnInstanceStarted(ctx, inst) })
	e.enqueue(event{kind: eventDispatch, instanceID: instanceID})
	return instanceID, nil
}

// Resume delivers external input to a suspended instance. The
// suspension-producing step is not run again: routing continues from it as
// if the input were its Continue payload (see handleResume), and an input
// that no successor accepts finishes the instance with that input.
// Resolution happens asynchronously on the instance's mailbox; Resume
// itself only validates and enqueues.
func (e *Executor) Resume(ctx context.Context, instanceID string, userInput interface{}, userInputType graph.TypeTag) error {
	inst, err := e.repo.LoadInstance(ctx, instanceID)
	if err != nil {
		return err
	}
	if inst.Status != state.StatusSuspended {
		return fmt.Errorf("executor: instance %s is not suspended (status=%s)", instanceID, inst.Status)
	}
	e.enqueue(event{kind: eventResume, instanceID: instanceID, userInput: userInput, userInputType: userInputType})
	return nil
}

// Cancel marks an instance cancelled. Any in-flight async task is signalled
// immediately (asyncMgr.Cancel takes effect without waiting on the mailbox,
// since a handler goroutine polling IsCancelled must observe it promptly);
// the durable instance status is updated through the mailbox like every
// other transition, preserving per-instance single-threaded writes.
func (e *Executor) Cancel(ctx context.Context, instanceID string) {
	if e.asyncMgr != nil {
		e.asyncMgr.Cancel(ctx, instanceID)
	}
	e.enqueue(event{kind: eventCancel, instanceID: instanceID})
}

// GetInstance returns the durable record for an instance.
func (e *Executor) GetInstance(ctx context.Context, instanceID string) (*state.WorkflowInstance, error) {
	return e.repo.LoadInstance(ctx, instanceID)
}

func (e *Executor) handleResume(ctx context.Context, ev event) {
	inst, err := e.repo.LoadInstance(ctx, ev.instanceID)
	if err != nil {
		e.logger.Error("resume: load instance failed", zap.String("instance_id", ev.instanceID), zap.Error(err))
		return
	}
	if inst.Status != state.StatusSuspended {
		return
	}
	sp, err := e.repo.LoadSuspension(ctx, ev.instanceID)
	if err != nil {
		e.logger.Error("resume: load suspension failed", zap.String("instance_id", ev.instanceID), zap.Error(err))
		return
	}
	wfCtx, err := wfcontext.Restore(inst.ContextSnapshot)
	if err != nil {
		e.failInstance(ctx, inst, &state.ExecutionError{Kind: state.ErrorKindRepository, StepID: sp.ProducingStepID, Cause: err})
		return
	}

	wfCtx.SetCustom(wfcontext.KeyUserInput, ev.userInput)
	wfCtx.SetCustom(wfcontext.KeyUserInputType, ev.userInputType)

	_ = e.repo.DeleteSuspension(ctx, ev.instanceID)
	inst.HasSuspension = false
	inst.Status = state.StatusRunning

	e.recordChatEvent(ctx, wfCtx, ev.instanceID, chatbridge.RoleUser, ev.userInput, "", "", false)
	fanOut(e.listeners.Snapshot(), func(l Listener) { l.OnResumed(ctx, ev.instanceID) })

	// The producing step already ran (it's what suspended); resuming means
	// routing onward from it as if the resumed input were its Continue
	// payload, so the resolved next step picks the value up through
	// stepinput.Prepare's reserved user-input precedence (point 2).
	nextID, ok := e.g.ResolveNext(sp.ProducingStepID, ev.userInputType)
	if !ok {
		nextID, ok = e.g.ResolveBranch(sp.ProducingStepID, ev.userInput)
	}
	if !ok {
		e.finishInstance(ctx, inst, wfCtx, ev.userInput)
		return
	}
	inst.CurrentStepID = nextID
	e.loop(ctx, inst, wfCtx, nextID, nil)
}

func (e *Executor) handleCancel(ctx context.Context, ev event) {
	inst, err := e.repo.LoadInstance(ctx, ev.instanceID)
	if err != nil {
		return
	}
	if inst.Status.Terminal() {
		return
	}
	inst.Status = state.StatusCancelled
	inst.UpdatedAt = time.Now()
	if err := e.repo.SaveInstance(ctx, inst); err != nil {
		e.logger.Warn("cancel: persist failed", zap.String("instance_id", ev.instanceID), zap.Error(err))
	}
	_ = e.repo.DeleteSuspension(ctx, ev.instanceID)
	fanOut(e.listeners.Snapshot(), func(l Listener) { l.OnCancelled(ctx, ev.instanceID) })
}

func (e *Executor) handleAsyncComplete(ctx context.Context, ev event) {
	inst, err := e.repo.LoadInstance(ctx, ev.instanceID)
	if err != nil {
		e.logger.Error("async complete: load instance failed", zap.String("instance_id", ev.instanceID), zap.Error(err))
		return
	}
	if inst.Status.Terminal() || inst.Status == state.StatusCancelled {
		return
	}
	handler, ok := e.g.AsyncHandlerFor(ev.taskID)
	if !ok {
		e.failInstance(ctx, inst, &state.ExecutionError{Kind: state.ErrorKindRouting, Cause: fmt.Errorf("no async handler registered for task %q", ev.taskID)})
		return
	}
	wfCtx, err := wfcontext.Restore(inst.ContextSnapshot)
	if err != nil {
		e.failInstance(ctx, inst, &state.ExecutionError{Kind: state.ErrorKindRepository, StepID: handler.ID, Cause: err})
		return
	}

	result := ev.asyncResult
	if result == nil {
		result = stepresult.Fail{Err: ev.asyncErr}
	}

	inst.HasAsyncState = false
	inst.Status = state.StatusRunning
	e.loop(ctx, inst, wfCtx, handler.ID, result)
}

// onAsyncComplete is the async.CompletionFunc wired onto the manager
// (spec §4.6 point 6: "completion re-enters the executor with the
// handler's step result"). It only enqueues — the actual interpretation
// happens on the instance's mailbox to preserve single-threaded access.
func (e *Executor) onAsyncComplete(_ context.Context, instanceID, taskID string, result stepresult.Result, err error) {
	e.enqueue(event{kind: eventAsyncComplete, instanceID: instanceID, taskID: taskID, asyncResult: result, asyncErr: err})
}

// OnAsyncComplete exposes onAsyncComplete for wiring into async.NewManager
// from outside the package (the callback type is unexported-signature
// compatible: async.CompletionFunc).
func (e *Executor) OnAsyncComplete(ctx context.Context, instanceID, taskID string, result stepresult.Result, err error) {
	e.onAsyncComplete(ctx, instanceID, taskID, result, err)
}

// runLoop is the entry point for a fresh dispatch event: load the instance
// and its context, and run from its recorded current step.
func (e *Executor) runLoop(ctx context.Context, instanceID string) {
	inst, err := e.repo.LoadInstance(ctx, instanceID)
	if err != nil {
		e.logger.Error("dispatch: load instance failed", zap.String("instance_id", instanceID), zap.Error(err))
		return
	}
	if inst.Status.Terminal() || inst.Status == state.StatusSuspended {
		return
	}
	wfCtx, err := wfcontext.Restore(inst.ContextSnapshot)
	if err != nil {
		e.failInstance(ctx, inst, &state.ExecutionError{Kind: state.ErrorKindRepository, StepID: inst.CurrentStepID, Cause: err})
		return
	}
	inst.Status = state.StatusRunning
	e.loop(ctx, inst, wfCtx, inst.CurrentStepID, nil)
}

// loop runs the seven-step cycle of spec §4.7 starting at stepID.
// precomputed, when non-nil, is an already-produced result (from an async
// handler) for the very first iteration; every later iteration
// always executes the step body.
func (e *Executor) loop(ctx context.Context, inst *state.WorkflowInstance, wfCtx *wfcontext.Context, stepID string, precomputed stepresult.Result) {
	first := true
	for {
		step, ok := e.g.Step(stepID)
		if !ok {
			e.failInstance(ctx, inst, &state.ExecutionError{Kind: state.ErrorKindRouting, StepID: stepID, Cause: fmt.Errorf("unknown step %q", stepID)})
			return
		}

		var result stepresult.Result
		if first && precomputed != nil {
			result = precomputed
		} else {
			r, yielded := e.execute(ctx, inst, wfCtx, step)
			if yielded {
				return
			}
			result = r
		}
		first = false

		fanOut(e.listeners.Snapshot(), func(l Listener) { l.OnStepCompleted(ctx, inst.InstanceID, step.ID, result) })

		next, yielded := e.advance(ctx, inst, wfCtx, step, result)
		if yielded {
			return
		}
		stepID = next
	}
}

// execute runs one step invocation: invocation-limit enforcement, input
// preparation, and the retry-guarded call (spec §4.7 steps 1-4). The
// second return value is true when execute itself terminated the instance
// (the limit behavior error/stop, or a retry-guarded call that returned an
// error), in which case the caller must not continue the loop.
func (e *Executor) execute(ctx context.Context, inst *state.WorkflowInstance, wfCtx *wfcontext.Context, step *graph.StepNode) (stepresult.Result, bool) {
	count := wfCtx.IncrementInvocationCount(step.ID)
	if count > step.InvocationLimit {
		switch step.OnLimit {
		case graph.OnLimitError:
			e.failInstance(ctx, inst, &state.ExecutionError{Kind: state.ErrorKindInvocationLimit, StepID: step.ID})
			return nil, true
		case graph.OnLimitStop:
			last, _ := wfCtx.Output(step.ID)
			e.finishInstance(ctx, inst, wfCtx, last)
			return nil, true
		default: // graph.OnLimitContinue
			e.logger.Warn("step exceeded invocation limit, continuing per on_limit=continue",
				zap.String("step_id", step.ID), zap.Int("count", count), zap.Int("limit", step.InvocationLimit))
		}
	}

	input := stepinput.Prepare(e.g, step, wfCtx, e.tagOf)
	fanOut(e.listeners.Snapshot(), func(l Listener) { l.OnStepDispatched(ctx, inst.InstanceID, step.ID, input) })

	call := func(callCtx context.Context) (interface{}, error) {
		return step.Executor(wfCtx, input)
	}

	result, err := e.retryExec.Run(ctx, e.g.ID, inst.InstanceID, step, call)
	if err != nil {
		execErr, ok := err.(*state.ExecutionError)
		if !ok {
			execErr = &state.ExecutionError{Kind: state.ErrorKindStepException, StepID: step.ID, Cause: err}
		}
		e.failInstance(ctx, inst, execErr)
		return nil, true
	}
	return result, false
}

// advance interprets a step result (spec §4.7 step 5) and persists the
// resulting transition (step 6). The returned bool is true when the
// instance yielded (suspended, started an async task, or reached a
// terminal state) and the loop must stop; otherwise the returned string is
// the next step id to execute.
func (e *Executor) advance(ctx context.Context, inst *state.WorkflowInstance, wfCtx *wfcontext.Context, step *graph.StepNode, result stepresult.Result) (string, bool) {
	switch r := result.(type) {
	case stepresult.Continue:
		wfCtx.SetOutput(step.ID, r.Payload)
		payload := r.Payload
		if payload == nil {
			// Open Question #1 (DESIGN.md): Continue(nil) routes against
			// trigger data rather than failing routing outright.
			payload = wfCtx.TriggerData()
		}
		nextID, ok := e.g.ResolveNext(step.ID, e.tagOf(payload))
		if !ok {
			// Open Question #4 (DESIGN.md): no resolvable successor ends
			// the instance gracefully with the current payload.
			e.finishInstance(ctx, inst, wfCtx, payload)
			return "", true
		}
		inst.CurrentStepID = nextID
		e.persistProgress(ctx, inst, wfCtx)
		return nextID, false

	case stepresult.Branch:
		wfCtx.SetOutput(step.ID, r.Payload)
		nextID, ok := e.g.ResolveBranch(step.ID, r.Payload)
		if !ok {
			e.finishInstance(ctx, inst, wfCtx, r.Payload)
			return "", true
		}
		inst.CurrentStepID = nextID
		e.persistProgress(ctx, inst, wfCtx)
		return nextID, false

	case stepresult.Suspend:
		e.suspendInstance(ctx, inst, wfCtx, step.ID, r)
		return "", true

	case stepresult.Async:
		e.startAsync(ctx, inst, wfCtx, step.ID, r)
		return "", true

	case stepresult.Finish:
		e.finishInstance(ctx, inst, wfCtx, r.Value)
		return "", true

	case stepresult.Fail:
		e.failInstance(ctx, inst, &state.ExecutionError{Kind: state.ErrorKindStepException, StepID: step.ID, Cause: r.Err})
		return "", true

	default:
		e.failInstance(ctx, inst, &state.ExecutionError{Kind: state.ErrorKindStepException, StepID: step.ID, Cause: fmt.Errorf("unrecognized step result type %T", result)})
		return "", true
	}
}

func (e *Executor) persistProgress(ctx context.Context, inst *state.WorkflowInstance, wfCtx *wfcontext.Context) {
	snap, err := wfCtx.Snapshot()
	if err != nil {
		e.logger.Warn("failed to snapshot context", zap.String("instance_id", inst.InstanceID), zap.Error(err))
		return
	}
	inst.ContextSnapshot = snap
	inst.UpdatedAt = time.Now()
	if err := e.repo.SaveInstance(ctx, inst); err != nil {
		e.logger.Warn("failed to persist instance progress", zap.String("instance_id", inst.InstanceID), zap.Error(err))
	}
}

func (e *Executor) suspendInstance(ctx context.Context, inst *state.WorkflowInstance, wfCtx *wfcontext.Context, stepID string, r stepresult.Suspend) {
	sp := &state.SuspensionPayload{
		InstanceID:        inst.InstanceID,
		ProducingStepID:   stepID,
		PromptData:        r.Prompt,
		ExpectedInputType: r.ExpectedInputType,
		Metadata:          r.Metadata,
	}
	if err := e.repo.SaveSuspension(ctx, sp); err != nil {
		e.logger.Error("failed to persist suspension", zap.String("instance_id", inst.InstanceID), zap.Error(err))
	}
	inst.Status = state.StatusSuspended
	inst.HasSuspension = true
	inst.CurrentStepID = stepID
	e.persistProgress(ctx, inst, wfCtx)
	e.recordChatEvent(ctx, wfCtx, inst.InstanceID, chatbridge.RoleAssistant, r.Prompt, r.SchemaName, r.SchemaDescription, r.System)
	fanOut(e.listeners.Snapshot(), func(l Listener) { l.OnSuspended(ctx, inst.InstanceID, sp) })
}

func (e *Executor) startAsync(ctx context.Context, inst *state.WorkflowInstance, wfCtx *wfcontext.Context, producingStepID string, r stepresult.Async) {
	handler, ok := e.g.AsyncHandlerFor(r.TaskID)
	if !ok {
		e.failInstance(ctx, inst, &state.ExecutionError{Kind: state.ErrorKindRouting, StepID: producingStepID, Cause: fmt.Errorf("no async handler registered for task %q", r.TaskID)})
		return
	}
	wfCtx.SetOutput(producingStepID, r.ImmediateData)

	inst.Status = state.StatusRunning
	inst.HasAsyncState = true
	inst.CurrentStepID = handler.ID
	e.persistProgress(ctx, inst, wfCtx)

	if e.asyncMgr == nil {
		e.failInstance(ctx, inst, &state.ExecutionError{Kind: state.ErrorKindStepException, StepID: producingStepID, Cause: fmt.Errorf("async manager not configured")})
		return
	}
	if err := e.asyncMgr.Launch(ctx, e.g.ID, inst.InstanceID, wfCtx, r, handler); err != nil {
		e.failInstance(ctx, inst, &state.ExecutionError{Kind: state.ErrorKindStepException, StepID: producingStepID, Cause: err})
	}
}

func (e *Executor) finishInstance(ctx context.Context, inst *state.WorkflowInstance, wfCtx *wfcontext.Context, value interface{}) {
	wfCtx.SetCustom(wfcontext.KeyFinalResult, value)
	inst.Status = state.StatusCompleted
	inst.HasAsyncState = false
	inst.HasSuspension = false
	e.persistProgress(ctx, inst, wfCtx)
	_ = e.repo.DeleteSuspension(ctx, inst.InstanceID)
	e.recordChatEvent(ctx, wfCtx, inst.InstanceID, chatbridge.RoleAssistant, value, "", "", false)
	fanOut(e.listeners.Snapshot(), func(l Listener) { l.OnCompleted(ctx, inst.InstanceID, value) })
}

func (e *Executor) failInstance(ctx context.Context, inst *state.WorkflowInstance, cause *state.ExecutionError) {
	inst.Status = state.StatusFailed
	inst.TerminalError = cause
	inst.UpdatedAt = time.Now()
	if err := e.repo.SaveInstance(ctx, inst); err != nil {
		e.logger.Error("failed to persist failed instance", zap.String("instance_id", inst.InstanceID), zap.Error(err))
	}
	fanOut(e.listeners.Snapshot(), func(l Listener) { l.OnFailed(ctx, inst.InstanceID, cause) })
}
