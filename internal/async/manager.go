package async

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/n8n-work/workflow-engine/internal/graph"
	"github.com/n8n-work/workflow-engine/internal/state"
	"github.com/n8n-work/workflow-engine/internal/stepresult"
	"github.com/n8n-work/workflow-engine/internal/wfcontext"
)

// progressChannel is the redis pub/sub channel a task's updates are
// published to, per the domain-stack wiring decision: one channel per task
// so external watchers can subscribe without filtering.
func progressChannel(taskID string) string {
	return fmt.Sprintf("async:progress:%s", taskID)
}

type progressEvent struct {
	Percent int    `json:"percent"`
	Message string `json:"message"`
}

// CompletionFunc is invoked once an async handler returns (or is timed
// out/cancelled), re-entering the executor's interpretation step with the
// handler's step result (spec §4.6 point 6).
type CompletionFunc func(ctx context.Context, instanceID, taskID string, result stepresult.Result, err error)

// Manager dispatches Async step results to their registered handlers and
// reports progress back through redis while persisting durable state
// through the shared repository contract.
type Manager struct {
	redis  *redis.Client
	repo   state.Repository
	logger *zap.Logger

	onComplete CompletionFunc

	mu         sync.Mutex
	cancelled  map[string]bool // keyed by instanceID/taskID
	webhooks   map[string]chan webhookDelivery
}

func NewManager(redisClient *redis.Client, repo state.Repository, logger *zap.Logger, onComplete CompletionFunc) *Manager {
	return &Manager{
		redis:      redisClient,
		repo:       repo,
		logger:     logger.With(zap.String("component", "async_manager")),
		onComplete: onComplete,
		cancelled:  make(map[string]bool),
		webhooks:   make(map[string]chan webhookDelivery),
	}
}

// awaitWebhook registers a delivery channel for callbackID; the returned
// channel receives at most one webhookDelivery. forgetWebhook unregisters
// it without closing it.
func (m *Manager) awaitWebhook(callbackID string) chan webhookDelivery {
	ch := make(chan webhookDelivery, 1)
	m.mu.Lock()
	m.webhooks[callbackID] = ch
	m.mu.Unlock()
	return ch
}

func (m *Manager) forgetWebhook(callbackID string) {
	m.mu.Lock()
	delete(m.webhooks, callbackID)
	m.mu.Unlock()
}

// DeliverWebhook resolves a pending webhook task, called by whatever HTTP
// surface the deployment exposes for external callbacks (out of scope for
// this core, per spec §1 — wired here only as the channel a caller's own
// handler would post into).
func (m *Manager) DeliverWebhook(callbackID string, payload interface{}, deliveryErr error) bool {
	m.mu.Lock()
	ch, ok := m.webhooks[callbackID]
	m.mu.Unlock()
	if !ok {
		return false
	}
	msg := webhookDelivery{Data: payload}
	if deliveryErr != nil {
		msg.Error = deliveryErr.Error()
	}
	select {
	case ch <- msg:
		return true
	default:
		return false
	}
}

func cancelKey(instanceID, taskID string) string { return instanceID + "/" + taskID }

// Launch allocates durable state for the async result, attaches its handle
// to the context, and schedules the matching handler on a new goroutine
// (spec §4.6 points 1-4). The caller (executor) has already resolved the
// handler step node via graph.Graph.AsyncHandlerFor.
func (m *Manager) Launch(ctx context.Context, graphID, instanceID string, wfCtx *wfcontext.Context, async stepresult.Async, handler *graph.StepNode) error {
	messageID := uuid.New().String()

	st := &state.AsyncStepState{
		InstanceID:  instanceID,
		TaskID:      async.TaskID,
		MessageID:   messageID,
		InitialData: async.ImmediateData,
		StartedAt:   time.Now(),
		Status:      state.AsyncInProgress,
	}
	if err := m.repo.SaveAsyncState(ctx, st); err != nil {
		return fmt.Errorf("async: persist initial state: %w", err)
	}

	wfCtx.SetCustom(wfcontext.KeyAsyncFutureHandle, async.TaskID)

	// Registered before the handler goroutine starts so a concurrent
	// Cancel(instanceID) always finds this task's key, even if cancellation
	// races the handler's very first IsCancelled/Update call.
	m.mu.Lock()
	m.cancelled[cancelKey(instanceID, async.TaskID)] = false
	m.mu.Unlock()

	go m.run(context.Background(), graphID, instanceID, wfCtx, async, handler, st)
	return nil
}

func (m *Manager) run(ctx context.Context, graphID, instanceID string, wfCtx *wfcontext.Context, async stepresult.Async, handler *graph.StepNode, st *state.AsyncStepState) {
	runCtx := ctx
	var cancel context.CancelFunc
	if async.Timeout > 0 {
		runCtx, cancel = context.WithTimeout(ctx, async.Timeout)
		defer cancel()
	}

	reporter := &reporterImpl{
		mgr:        m,
		ctx:        runCtx,
		instanceID: instanceID,
		taskID:     async.TaskID,
	}

	type outcome struct {
		raw interface{}
		err error
	}
	done := make(chan outcome, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- outcome{err: fmt.Errorf("async handler panicked: %v", r)}
			}
		}()
		raw, err := handler.AsyncHandler(wfCtx, async.Args, reporter)
		done <- outcome{raw: raw, err: err}
	}()

	var result stepresult.Result
	var err error

	select {
	case o := <-done:
		if o.err != nil {
			err = o.err
			m.finish(ctx, st, state.AsyncFailed, nil, err)
		} else {
			result = stepresult.Wrap(o.raw)
			m.finish(ctx, st, state.AsyncCompleted, o.raw, nil)
		}
	case <-runCtx.Done():
		m.markCancelled(instanceID, async.TaskID)
		err = fmt.Errorf("async: task %s timed out", async.TaskID)
		m.finish(ctx, st, state.AsyncCancelled, nil, err)
	}

	m.clearCancelled(instanceID, async.TaskID)

	if m.onComplete != nil {
		m.onComplete(ctx, instanceID, async.TaskID, result, err)
	}
}

func (m *Manager) finish(ctx context.Context, st *state.AsyncStepState, status state.AsyncTaskStatus, resultData interface{}, cause error) {
	now := time.Now()
	st.Status = status
	st.CompletedAt = &now
	st.ResultData = resultData
	if cause != nil {
		st.Error = cause.Error()
	}
	if data, err := json.Marshal(resultData); err == nil {
		st.FinalResult = data
	}
	if err := m.repo.SaveAsyncState(ctx, st); err != nil {
		m.logger.Warn("failed to persist final async state", zap.String("task_id", st.TaskID), zap.Error(err))
	}
}

// Cancel marks every in-flight async task for instanceID as cancelled,
// which any handler polling IsCancelled will observe, and persists the cancelled status on each task's durable state
// immediately rather than waiting for the handler to cooperatively return
// (spec §4.6 "cancelling an instance sets every in-flight async state to
// cancelled").
func (m *Manager) Cancel(ctx context.Context, instanceID string) {
	m.mu.Lock()
	var taskIDs []string
	for key := range m.cancelled {
		if len(key) > len(instanceID) && key[:len(instanceID)] == instanceID && key[len(instanceID)] == '/' {
			m.cancelled[key] = true
			taskIDs = append(taskIDs, key[len(instanceID)+1:])
		}
	}
	m.mu.Unlock()

	for _, taskID := range taskIDs {
		st, err := m.repo.LoadAsyncState(ctx, instanceID, taskID)
		if err != nil || st == nil || st.Status != state.AsyncInProgress {
			continue
		}
		now := time.Now()
		st.Status = state.AsyncCancelled
		st.CompletedAt = &now
		if err := m.repo.SaveAsyncState(ctx, st); err != nil {
			m.logger.Warn("failed to persist cancelled async state", zap.String("task_id", taskID), zap.Error(err))
		}
	}
}

func (m *Manager) markCancelled(instanceID, taskID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.cancelled[cancelKey(instanceID, taskID)] = true
}

func (m *Manager) clearCancelled(instanceID, taskID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.cancelled, cancelKey(instanceID, taskID))
}

func (m *Manager) isCancelled(instanceID, taskID string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.cancelled[cancelKey(instanceID, taskID)]
}

// reporterImpl is the ProgressReporter handed to running handlers.
type reporterImpl struct {
	mgr        *Manager
	ctx        context.Context
	instanceID string
	taskID     string
}

func (r *reporterImpl) Update(percent int, message string) {
	evt := progressEvent{Percent: percent, Message: message}
	data, err := json.Marshal(evt)
	if err != nil {
		return
	}
	if r.mgr.redis != nil {
		if err := r.mgr.redis.Publish(r.ctx, progressChannel(r.taskID), data).Err(); err != nil {
			r.mgr.logger.Debug("progress publish failed", zap.String("task_id", r.taskID), zap.Error(err))
		}
	}
	if st, err := r.mgr.repo.LoadAsyncState(r.ctx, r.instanceID, r.taskID); err == nil && st != nil {
		st.PercentComplete = percent
		st.StatusMessage = message
		_ = r.mgr.repo.SaveAsyncState(r.ctx, st)
	}
}

func (r *reporterImpl) IsCancelled() bool {
	if r.ctx.Err() != nil {
		return true
	}
	return r.mgr.isCancelled(r.instanceID, r.taskID)
}
