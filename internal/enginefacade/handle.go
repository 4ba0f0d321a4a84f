package enginefacade

import (
	"context"
	"fmt"
	"time"

	"github.com/n8n-work/workflow-engine/internal/state"
	"github.com/n8n-work/workflow-engine/internal/wfcontext"
)

// pollInterval is how often WaitForTerminal re-checks instance status.
// The engine has no push channel for completion outside of Listener
// registration, so a caller that wants to block without wiring a listener
// pays this latency; callers that need tighter bounds should register a
// Listener instead (spec.md §4.9 point 2: "Execute returns a handle the
// caller may either poll or ignore").
const pollInterval = 50 * time.Millisecond

// ExecutionHandle is the caller-facing return value of Engine.Execute
// (spec.md §4.9 point 2).
type ExecutionHandle struct {
	engine     *Engine
	instanceID string
}

func (h *ExecutionHandle) InstanceID() string { return h.instanceID }

// Status returns the instance's current status.
func (h *ExecutionHandle) Status(ctx context.Context) (state.InstanceStatus, error) {
	inst, err := h.engine.GetInstance(ctx, h.instanceID)
	if err != nil {
		return "", err
	}
	return inst.Status, nil
}

// WaitForTerminal blocks until the instance reaches a terminal status
// (completed, failed, or cancelled) or ctx is cancelled.
func (h *ExecutionHandle) WaitForTerminal(ctx context.Context) error {
	ticker := time.NewTicker(pollInterval)
	defer ticker.Stop()
	for {
		inst, err := h.engine.GetInstance(ctx, h.instanceID)
		if err != nil {
			return err
		}
		if inst.Status.Terminal() {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

// Result returns the instance's final value once it has completed. It is
// an error to call Result before the instance reaches `completed`.
func (h *ExecutionHandle) Result(ctx context.Context) (interface{}, error) {
	inst, err := h.engine.GetInstance(ctx, h.instanceID)
	if err != nil {
		return nil, err
	}
	if inst.Status != state.StatusCompleted {
		return nil, fmt.Errorf("enginefacade: instance %s has not completed (status=%s)", h.instanceID, inst.Status)
	}
	wfCtx, err := wfcontext.Restore(inst.ContextSnapshot)
	if err != nil {
		return nil, err
	}
	value, _ := wfCtx.Custom(wfcontext.KeyFinalResult)
	return value, nil
}

// Err returns the terminal error for a failed instance, or nil if the
// instance hasn't failed.
func (h *ExecutionHandle) Err(ctx context.Context) (*state.ExecutionError, error) {
	inst, err := h.engine.GetInstance(ctx, h.instanceID)
	if err != nil {
		return nil, err
	}
	return inst.TerminalError, nil
}
