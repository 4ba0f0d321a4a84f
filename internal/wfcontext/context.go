// Package wfcontext implements the thread-safe per-instance context: the
// store of trigger data, step outputs, and custom values a workflow
// instance carries through its execution (spec §3, §4.4).
package wfcontext

import (
	"encoding/json"
	"reflect"
	"sync"

	"github.com/mitchellh/mapstructure"
)

// Reserved keys live in the custom-data namespace and are never surfaced as
// step outputs.
const (
	KeyFinalResult       = "__final_result"
	KeyUserInput         = "__user_input"
	KeyUserInputType     = "__user_input_type"
	KeyResumedStepInput  = "__resumed_step_input"
	KeyChatID            = "__chat_id"
	KeyUserID            = "__user_id"
	KeyInvocationCounts  = "__step_invocation_counts"
	KeyAsyncFutureHandle = "__async_future_handle"
)

// stepOutput pairs a value with insertion sequence, preserved across reads
// and serialization so §4.3's "scan in reverse insertion order" is well
// defined.
type stepOutput struct {
	stepID string
	value  interface{}
}

// Context is the mutable, thread-safe per-instance store described in
// spec §3/§4.4. The zero value is not usable; use New.
type Context struct {
	mu sync.RWMutex

	runID      string
	instanceID string

	triggerData interface{}

	outputOrder []string // step ids in first-write order
	outputs     map[string]interface{}

	custom map[string]interface{}

	lastStepID string
}

// New creates a context for a fresh instance. instanceID defaults to runID
// when empty, per spec §3.
func New(runID, instanceID string, triggerData interface{}) *Context {
	if instanceID == "" {
		instanceID = runID
	}
	return &Context{
		runID:       runID,
		instanceID:  instanceID,
		triggerData: triggerData,
		outputs:     make(map[string]interface{}),
		custom:      make(map[string]interface{}),
	}
}

func (c *Context) RunID() string      { c.mu.RLock(); defer c.mu.RUnlock(); return c.runID }
func (c *Context) InstanceID() string { c.mu.RLock(); defer c.mu.RUnlock(); return c.instanceID }

func (c *Context) TriggerData() interface{} {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.triggerData
}

func (c *Context) LastStepID() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.lastStepID
}

// SetOutput records a step's output. Writing nil deletes the entry (spec
// §4.4 "writes of null in the step-outputs namespace delete the entry").
// Re-execution overwrites in place without disturbing insertion order of
// other keys, but a brand new step id is appended at the end.
func (c *Context) SetOutput(stepID string, value interface{}) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if value == nil {
		if _, exists := c.outputs[stepID]; exists {
			delete(c.outputs, stepID)
			for i, id := range c.outputOrder {
				if id == stepID {
					c.outputOrder = append(c.outputOrder[:i], c.outputOrder[i+1:]...)
					break
				}
			}
		}
		return
	}

	if _, exists := c.outputs[stepID]; !exists {
		c.outputOrder = append(c.outputOrder, stepID)
	}
	c.outputs[stepID] = value
	if !isInternalStepID(stepID) {
		c.lastStepID = stepID
	}
}

// Output returns a step's last recorded output.
func (c *Context) Output(stepID string) (interface{}, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	v, ok := c.outputs[stepID]
	return v, ok
}

// OutputsReverse returns (stepID, value) pairs in reverse insertion order,
// the scan order required by spec §4.3 point 4.
func (c *Context) OutputsReverse() []struct {
	StepID string
	Value  interface{}
} {
	c.mu.RLock()
	defer c.mu.RUnlock()

	out := make([]struct {
		StepID string
		Value  interface{}
	}, 0, len(c.outputOrder))
	for i := len(c.outputOrder) - 1; i >= 0; i-- {
		id := c.outputOrder[i]
		out = append(out, struct {
			StepID string
			Value  interface{}
		}{StepID: id, Value: c.outputs[id]})
	}
	return out
}

func isInternalStepID(id string) bool {
	return len(id) > 1 && id[0] == '_' && id[1] == '_'
}

// SetCustom writes into the custom-data namespace (user values and
// reserved keys share this namespace but never collide by construction:
// reserved keys are prefixed `__`).
func (c *Context) SetCustom(key string, value interface{}) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if value == nil {
		delete(c.custom, key)
		return
	}
	c.custom[key] = value
}

// Custom reads a raw value from the custom-data namespace.
func (c *Context) Custom(key string) (interface{}, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	v, ok := c.custom[key]
	return v, ok
}

// TakeCustom reads and deletes in one atomic step — used for the
// consume-on-read reserved keys in the input preparer (spec §4.3 points 2-3).
func (c *Context) TakeCustom(key string) (interface{}, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	v, ok := c.custom[key]
	if ok {
		delete(c.custom, key)
	}
	return v, ok
}

// Decode reads a value (from either namespace) into target, performing a
// structural conversion via mapstructure when the stored value is a
// generic map or raw JSON rather than already being the target's concrete
// type (spec §4.4 "structural conversion").
func Decode(value interface{}, target interface{}) error {
	if value == nil {
		return nil
	}

	rv := reflect.ValueOf(target)
	if rv.Kind() == reflect.Ptr && !rv.IsNil() {
		if rv.Elem().Type() == reflect.TypeOf(value) {
			rv.Elem().Set(reflect.ValueOf(value))
			return nil
		}
	}

	if raw, ok := value.(json.RawMessage); ok {
		return json.Unmarshal(raw, target)
	}
	if raw, ok := value.([]byte); ok {
		return json.Unmarshal(raw, target)
	}

	return mapstructure.Decode(value, target)
}

// snapshotDoc is the wire shape persisted as a WorkflowInstance's
// ContextSnapshot (spec §3: "the serialized wfcontext.Context").
type snapshotDoc struct {
	RunID       string                 `json:"run_id"`
	InstanceID  string                 `json:"instance_id"`
	TriggerData interface{}            `json:"trigger_data"`
	OutputOrder []string               `json:"output_order"`
	Outputs     map[string]interface{} `json:"outputs"`
	Custom      map[string]interface{} `json:"custom"`
	LastStepID  string                 `json:"last_step_id"`
}

// Snapshot serializes the context to the opaque byte form a
// state.Repository stores under WorkflowInstance.ContextSnapshot.
func (c *Context) Snapshot() ([]byte, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return json.Marshal(snapshotDoc{
		RunID:       c.runID,
		InstanceID:  c.instanceID,
		TriggerData: c.triggerData,
		OutputOrder: append([]string(nil), c.outputOrder...),
		Outputs:     c.outputs,
		Custom:      c.custom,
		LastStepID:  c.lastStepID,
	})
}

// Restore rebuilds a context from bytes produced by Snapshot, for recovery
// after a process restart (spec §4.5 "engine restart ... reloaded").
func Restore(data []byte) (*Context, error) {
	var doc snapshotDoc
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, err
	}
	c := New(doc.RunID, doc.InstanceID, doc.TriggerData)
	if doc.Outputs != nil {
		c.outputs = doc.Outputs
	}
	if doc.OutputOrder != nil {
		c.outputOrder = doc.OutputOrder
	}
	if doc.Custom != nil {
		c.custom = doc.Custom
	}
	c.lastStepID = doc.LastStepID
	return c, nil
}

// IncrementInvocationCount increments and returns the per-step invocation counter
// stored under the reserved key, surviving serialization because it lives
// in the context (DESIGN.md Open Question #3).
func (c *Context) IncrementInvocationCount(stepID string) int {
	c.mu.Lock()
	defer c.mu.Unlock()

	counts := c.invocationCountsLocked()
	counts[stepID]++
	c.custom[KeyInvocationCounts] = counts
	return counts[stepID]
}

// invocationCountsLocked normalizes the reserved invocation-counts entry to
// map[string]int regardless of its stored representation. A freshly built
// context holds it as map[string]int; one produced by Restore holds it as
// map[string]interface{} with float64 counts, since it round-tripped through
// JSON as part of the custom-data map's generic unmarshal. Caller holds mu.
func (c *Context) invocationCountsLocked() map[string]int {
	switch v := c.custom[KeyInvocationCounts].(type) {
	case map[string]int:
		return v
	case map[string]interface{}:
		counts := make(map[string]int, len(v))
		for stepID, raw := range v {
			switch n := raw.(type) {
			case float64:
				counts[stepID] = int(n)
			case int:
				counts[stepID] = n
			}
		}
		return counts
	default:
		return make(map[string]int)
	}
}
