// Package stepresult implements the sum type a step body returns (spec §4.1).
// Each variant is a pure value with no engine references; the executor
// interprets them to decide how to advance an instance.
package stepresult

import "time"

// Result is the closed algebra. The unexported method keeps the set of
// implementers fixed to this package.
type Result interface {
	isStepResult()
}

// Continue advances to the next step via type-based routing. Payload is
// stored as the producing step's output.
type Continue struct {
	Payload interface{}
}

// Branch is identical to Continue but marks the transition as explicitly
// chosen by the step; routing takes the first of the producing step's
// declared branch targets whose predicate accepts the payload (see
// graph.Graph.ResolveBranch), not the payload's type.
type Branch struct {
	Payload interface{}
}

// Suspend pauses the instance durably, awaiting external input.
type Suspend struct {
	Prompt             interface{}
	ExpectedInputType  string
	Metadata           map[string]interface{}

	// SchemaName/SchemaDescription/System are propagated verbatim to
	// observers (chat store, listeners) per spec §6; the engine never
	// interprets them.
	SchemaName        string
	SchemaDescription string
	System            bool
}

// Async starts a background task and yields; the instance's status stays
// `running` while the task executes.
type Async struct {
	TaskID        string
	ImmediateData interface{}
	Args          map[string]interface{}
	Timeout       time.Duration
}

// Finish is terminal success.
type Finish struct {
	Value interface{}
}

// Fail is a terminal or retryable failure (spec §4.5, §7).
type Fail struct {
	Err error
}

func (Continue) isStepResult() {}
func (Branch) isStepResult()   {}
func (Suspend) isStepResult()  {}
func (Async) isStepResult()    {}
func (Finish) isStepResult()   {}
func (Fail) isStepResult()     {}

// Wrap implements the auto-wrap rule of spec §4.1: a step body may return a
// raw value instead of a Result; the executor wraps it as Continue. A nil
// return is equivalent to Continue(nil), and routing then falls back to
// trigger data per §4.3 point 6 (Open Question resolved in DESIGN.md).
func Wrap(v interface{}) Result {
	if v == nil {
		return Continue{Payload: nil}
	}
	if r, ok := v.(Result); ok {
		return r
	}
	return Continue{Payload: v}
}

// Payload extracts the routable payload from a Continue or Branch result,
// or nil otherwise.
func Payload(r Result) interface{} {
	switch v := r.(type) {
	case Continue:
		return v.Payload
	case Branch:
		return v.Payload
	default:
		return nil
	}
}
