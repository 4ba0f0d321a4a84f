// Package graph holds the immutable blueprint of a workflow: the set of
// named steps, their declared input/output types, and the retry policy and
// invocation limits attached to each.
package graph

import (
	"fmt"
	"reflect"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
)

var structValidator = validator.New()

// OnLimitBehavior controls what happens when a step's invocation limit is
// exceeded.
type OnLimitBehavior string

const (
	OnLimitError    OnLimitBehavior = "error"
	OnLimitStop     OnLimitBehavior = "stop"
	OnLimitContinue OnLimitBehavior = "continue"
)

// TypeTag identifies a step input/output type without relying on runtime
// reflection at routing time. Registered once per type at graph-build time.
type TypeTag string

// AnyTag is the reserved tag meaning "accepts arbitrary payloads". A step
// must opt in explicitly (AcceptsAny) to be routed payloads of unrelated
// concrete types; declaring AnyTag as an input type alone does not do it,
// per spec §4.3 point 4.
const AnyTag TypeTag = "object"

// TypeRegistry maps concrete Go types to stable tags so that persisted
// payloads (after a process restart, when in-process type identity can't be
// trusted) can still be matched structurally against a step's declared
// input type.
type TypeRegistry struct {
	tags  map[reflect.Type]TypeTag
	types map[TypeTag]reflect.Type
}

func NewTypeRegistry() *TypeRegistry {
	return &TypeRegistry{
		tags:  make(map[reflect.Type]TypeTag),
		types: make(map[TypeTag]reflect.Type),
	}
}

// Register associates a Go value's type with a tag. Re-registering the same
// type under the same tag is a no-op; registering a second type under an
// existing tag panics since that breaks structural matching.
func (r *TypeRegistry) Register(tag TypeTag, sample interface{}) {
	t := reflect.TypeOf(sample)
	if existing, ok := r.types[tag]; ok && existing != t {
		panic(fmt.Sprintf("graph: type tag %q already registered for %s, cannot reuse for %s", tag, existing, t))
	}
	r.tags[t] = tag
	r.types[tag] = t
}

// TagOf returns the tag for a value's concrete type, or "" if unregistered.
func (r *TypeRegistry) TagOf(v interface{}) TypeTag {
	if v == nil {
		return ""
	}
	return r.tags[reflect.TypeOf(v)]
}

// Assignable reports whether a value tagged `from` may be delivered to a
// step declaring input type `to`. AnyTag as `to` only matches when the step
// explicitly accepts any payload.
func Assignable(from, to TypeTag, acceptsAny bool) bool {
	if to == AnyTag {
		return acceptsAny
	}
	return from == to
}

// RetryPolicy configures the retry subsystem (spec §3, §4.5).
type RetryPolicy struct {
	MaxAttempts        int           `validate:"gte=1"`
	BaseDelay          time.Duration `validate:"gte=0"`
	BackoffMultiplier  float64       `validate:"gte=1"`
	MaxDelay           time.Duration
	JitterFactor       float64 `validate:"gte=0,lte=1"`
	RetryOn            []TypeTag
	AbortOn            []TypeTag
	RetryOnFailResult  bool
}

// NoRetry is the policy equivalent of disabling retries entirely.
func NoRetry() RetryPolicy {
	return RetryPolicy{MaxAttempts: 1, BackoffMultiplier: 1}
}

// BranchPredicate inspects a Branch result's payload and reports whether
// this step node is the intended target. Attached to a StepNode's incoming
// branch set at construction time (DESIGN NOTES §9: "replace [conditions]
// with first-class predicate closures").
type BranchPredicate func(payload interface{}) bool

// StepFunc is a registered step body: input plus the owning workflow's
// opaque context handle, producing a step result (or a raw value, which the
// executor auto-wraps). The context argument is `interface{}` here to avoid
// an import cycle with wfcontext; executor.go narrows it before calling.
type StepFunc func(ctx interface{}, input interface{}) (interface{}, error)

// AsyncHandlerFunc is the signature for a step node that handles `Async`
// results (spec §6): it receives the task args, the workflow context, and a
// progress reporter, and returns the same result algebra as a regular step.
type AsyncHandlerFunc func(ctx interface{}, args map[string]interface{}, progress interface{}) (interface{}, error)

// StepNode is one named unit of work in a Graph.
type StepNode struct {
	ID          string
	Description string

	InputType  TypeTag
	OutputType TypeTag
	AcceptsAny bool // overrides the AnyTag restriction on InputType

	IsInitial bool

	// IsAsyncHandler marks this node as the target of Async results whose
	// task id matches AsyncTaskIDPattern (glob, single trailing '*' only).
	IsAsyncHandler     bool
	AsyncTaskIDPattern string
	AsyncHandler       AsyncHandlerFunc

	RetryPolicy     RetryPolicy
	InvocationLimit int `validate:"gte=1"`
	OnLimit         OnLimitBehavior

	// NextStepIDs, when non-empty, is the ordered successor list consulted
	// first by routing (spec §4.3). Empty means "scan the whole graph".
	NextStepIDs []string

	// BranchTargets groups the step's eligible Branch successors under
	// discriminator keys, each guarded by a BranchPredicate. Routing does
	// not look at the keys (see ResolveBranch).
	BranchTargets map[string][]BranchTarget

	Executor StepFunc
}

// BranchTarget pairs a candidate successor with the predicate that decides
// whether a given Branch payload should route to it.
type BranchTarget struct {
	StepID    string
	Predicate BranchPredicate
}

// Graph is the immutable blueprint of a workflow.
type Graph struct {
	ID      string
	Version int

	TriggerType TypeTag
	ResultType  TypeTag

	steps      map[string]*StepNode
	order      []string // declaration order, used for routing fallback scans
	initialID  string
	typeRegistry *TypeRegistry
}

// Builder constructs a validated Graph.
type Builder struct {
	id          string
	version     int
	triggerType TypeTag
	resultType  TypeTag
	steps       []*StepNode
	registry    *TypeRegistry
}

func NewBuilder(id string, version int, registry *TypeRegistry) *Builder {
	if registry == nil {
		registry = NewTypeRegistry()
	}
	return &Builder{id: id, version: version, registry: registry}
}

func (b *Builder) Trigger(t TypeTag) *Builder { b.triggerType = t; return b }
func (b *Builder) Result(t TypeTag) *Builder  { b.resultType = t; return b }

func (b *Builder) AddStep(n *StepNode) *Builder {
	b.steps = append(b.steps, n)
	return b
}

// Build validates and returns the Graph, or an error describing the first
// invariant violated (spec §4.2).
func (b *Builder) Build() (*Graph, error) {
	if len(b.steps) == 0 {
		return nil, fmt.Errorf("graph %s: must declare at least one step", b.id)
	}

	g := &Graph{
		ID:           b.id,
		Version:      b.version,
		TriggerType:  b.triggerType,
		ResultType:   b.resultType,
		steps:        make(map[string]*StepNode, len(b.steps)),
		typeRegistry: b.registry,
	}

	initialCount := 0
	for _, s := range b.steps {
		if s.ID == "" {
			return nil, fmt.Errorf("graph %s: step with empty id", b.id)
		}
		if _, exists := g.steps[s.ID]; exists {
			return nil, fmt.Errorf("graph %s: duplicate step id %q", b.id, s.ID)
		}
		if s.InvocationLimit <= 0 {
			s.InvocationLimit = 1
		}
		if s.OnLimit == "" {
			s.OnLimit = OnLimitError
		}
		if s.RetryPolicy.MaxAttempts == 0 {
			s.RetryPolicy = NoRetry()
		}
		if s.IsInitial {
			initialCount++
			g.initialID = s.ID
		}
		if err := structValidator.Struct(s); err != nil {
			return nil, fmt.Errorf("graph %s: step %q failed validation: %w", b.id, s.ID, err)
		}
		g.steps[s.ID] = s
		g.order = append(g.order, s.ID)
	}

	if initialCount != 1 {
		return nil, fmt.Errorf("graph %s: exactly one step must be marked initial, found %d", b.id, initialCount)
	}

	for _, s := range b.steps {
		for _, next := range s.NextStepIDs {
			if _, ok := g.steps[next]; !ok {
				return nil, fmt.Errorf("graph %s: step %q references unknown next step %q", b.id, s.ID, next)
			}
		}
		for branchKey, targets := range s.BranchTargets {
			for _, t := range targets {
				if _, ok := g.steps[t.StepID]; !ok {
					return nil, fmt.Errorf("graph %s: step %q branch %q references unknown step %q", b.id, s.ID, branchKey, t.StepID)
				}
			}
		}
		if s.IsAsyncHandler {
			if err := validateGlob(s.AsyncTaskIDPattern); err != nil {
				return nil, fmt.Errorf("graph %s: step %q: %w", b.id, s.ID, err)
			}
		}
	}

	return g, nil
}

// validateGlob enforces the Open Question resolution in DESIGN.md: a single
// trailing '*' is the only wildcard form allowed.
func validateGlob(pattern string) error {
	idx := strings.IndexByte(pattern, '*')
	if idx == -1 {
		return nil
	}
	if idx != len(pattern)-1 {
		return fmt.Errorf("async task id pattern %q: only a single trailing '*' is supported", pattern)
	}
	return nil
}

// MatchTaskID reports whether an async task id matches a registered
// handler's pattern.
func MatchTaskID(pattern, taskID string) bool {
	if strings.HasSuffix(pattern, "*") {
		return strings.HasPrefix(taskID, strings.TrimSuffix(pattern, "*"))
	}
	return pattern == taskID
}

// Step looks up a step node by id.
func (g *Graph) Step(id string) (*StepNode, bool) {
	s, ok := g.steps[id]
	return s, ok
}

// InitialStep returns the graph's unique initial step.
func (g *Graph) InitialStep() *StepNode {
	return g.steps[g.initialID]
}

// Steps returns all step nodes in declaration order.
func (g *Graph) Steps() []*StepNode {
	out := make([]*StepNode, 0, len(g.order))
	for _, id := range g.order {
		out = append(out, g.steps[id])
	}
	return out
}

// TypeRegistry returns the graph's type registry, used by the input
// preparer and routing to decide assignability.
func (g *Graph) TypeRegistry() *TypeRegistry { return g.typeRegistry }

// AsyncHandlerFor finds the step node registered to handle a given async
// task id, per spec §4.6 point 4.
func (g *Graph) AsyncHandlerFor(taskID string) (*StepNode, bool) {
	for _, id := range g.order {
		s := g.steps[id]
		if s.IsAsyncHandler && MatchTaskID(s.AsyncTaskIDPattern, taskID) {
			return s, true
		}
	}
	return nil, false
}

// ResolveNext implements the routing rule of spec §4.3: walk a producing
// step's declared successors in order and pick the first one whose input
// type accepts the payload; if none are declared, scan the whole graph in
// declaration order for the first non-initial step that accepts it.
func (g *Graph) ResolveNext(producingStepID string, payloadTag TypeTag) (string, bool) {
	producer, ok := g.steps[producingStepID]
	if !ok {
		return "", false
	}

	if len(producer.NextStepIDs) > 0 {
		for _, candidateID := range producer.NextStepIDs {
			if g.accepts(candidateID, payloadTag) {
				return candidateID, true
			}
		}
		return "", false
	}

	for _, id := range g.order {
		if id == g.initialID {
			continue
		}
		if g.accepts(id, payloadTag) {
			return id, true
		}
	}
	return "", false
}

// ResolveBranch implements Branch routing: it returns the first of the
// producing step's branch targets whose predicate is nil or accepts the
// payload. Neither the BranchTargets keys nor the payload's type tag are
// consulted, and the keys are visited in map order, so which target wins
// when passing targets sit under different keys is not defined.
func (g *Graph) ResolveBranch(producingStepID string, payload interface{}) (string, bool) {
	producer, ok := g.steps[producingStepID]
	if !ok {
		return "", false
	}
	for _, targets := range producer.BranchTargets {
		for _, t := range targets {
			if t.Predicate == nil || t.Predicate(payload) {
				return t.StepID, true
			}
		}
	}
	return "", false
}

func (g *Graph) accepts(stepID string, payloadTag TypeTag) bool {
	s, ok := g.steps[stepID]
	if !ok {
		return false
	}
	return Assignable(payloadTag, s.InputType, s.AcceptsAny)
}
