// Package stepinput implements the input preparer (spec §4.3): given an
// instance's context and the step about to run, it selects the argument
// value by walking a fixed decision order.
package stepinput

import (
	"github.com/n8n-work/workflow-engine/internal/graph"
	"github.com/n8n-work/workflow-engine/internal/wfcontext"
)

// ContextTypeTag is the sentinel input type a step declares when it wants
// the engine to inject the workflow context directly (spec §4.3 point 5)
// instead of receiving a payload.
const ContextTypeTag graph.TypeTag = "__workflow_context"

// Prepare computes the argument for the given step, following the decision
// order of spec §4.3. tagOf must return the registered TypeTag for a
// value's concrete type (or "" if unregistered).
func Prepare(g *graph.Graph, step *graph.StepNode, ctx *wfcontext.Context, tagOf func(interface{}) graph.TypeTag) interface{} {
	// 1. Initial step always receives trigger data.
	if step.IsInitial {
		return ctx.TriggerData()
	}

	// 2. Reserved user-input key, consumed if type-compatible.
	if v, ok := ctx.Custom(wfcontext.KeyUserInput); ok {
		typeTagRaw, _ := ctx.Custom(wfcontext.KeyUserInputType)
		tag, _ := typeTagRaw.(graph.TypeTag)
		if tag == "" {
			tag = tagOf(v)
		}
		if graph.Assignable(tag, step.InputType, step.AcceptsAny) {
			ctx.TakeCustom(wfcontext.KeyUserInput)
			ctx.TakeCustom(wfcontext.KeyUserInputType)
			return v
		}
	}

	// 3. Reserved resumed-step-input key.
	if v, ok := ctx.Custom(wfcontext.KeyResumedStepInput); ok {
		if graph.Assignable(tagOf(v), step.InputType, step.AcceptsAny) {
			ctx.TakeCustom(wfcontext.KeyResumedStepInput)
			return v
		}
	}

	// 4. Scan step outputs in reverse insertion order for the first
	// type-compatible non-null value. AnyTag never matches here unless the
	// step explicitly opted in.
	for _, entry := range ctx.OutputsReverse() {
		if entry.Value == nil {
			continue
		}
		if graph.Assignable(tagOf(entry.Value), step.InputType, step.AcceptsAny) {
			return entry.Value
		}
	}

	// 5. Context injection sentinel: executor supplies the context
	// separately, so the prepared input is nil.
	if step.InputType == ContextTypeTag {
		return nil
	}

	// 6. Fall back to trigger data if assignable, else nil.
	trigger := ctx.TriggerData()
	if graph.Assignable(tagOf(trigger), step.InputType, step.AcceptsAny) || step.InputType == g.TriggerType {
		return trigger
	}
	return nil
}
