// Package enginefacade implements the single entry point spec.md §4.9
// describes: register a graph, execute/resume/cancel its instances, and
// observe them through listeners, without callers needing to know about
// the executor, retry, or async subsystems underneath.
//
// Grounded on the teacher's internal/engine/workflow_engine.go
// (WorkflowEngine as the facade callers construct and drive) and its
// per-tenant semaphore map in particular, replaced here by a per-graph
// golang.org/x/time/rate.Limiter since spec.md's unit of rate limiting is
// the graph, not a tenant.
package enginefacade

import (
	"context"
	"fmt"
	"sync"

	"github.com/go-redis/redis/v8"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/n8n-work/workflow-engine/internal/async"
	"github.com/n8n-work/workflow-engine/internal/chatbridge"
	"github.com/n8n-work/workflow-engine/internal/executor"
	"github.com/n8n-work/workflow-engine/internal/graph"
	"github.com/n8n-work/workflow-engine/internal/resilience"
	"github.com/n8n-work/workflow-engine/internal/state"
)

// Config bundles the engine-wide settings spec.md §4.9 and the ambient
// configuration stack (internal/config) resolve into concrete values.
type Config struct {
	MaxConcurrentPerGraph int
	RateLimitPerSecond    float64 // per-graph token bucket fill rate
	RateLimitBurst        int
	CircuitBreaker        resilience.CircuitBreakerConfig
}

func DefaultConfig() Config {
	return Config{
		MaxConcurrentPerGraph: 100,
		RateLimitPerSecond:    50,
		RateLimitBurst:        100,
		CircuitBreaker:        resilience.DefaultCircuitBreakerConfig(),
	}
}

// Engine owns one Executor (and its supporting retry/circuit-breaker/async
// wiring) per registered graph.
type Engine struct {
	cfg    Config
	repo   state.Repository
	redis  *redis.Client
	logger *zap.Logger
	tagOf  func(interface{}) graph.TypeTag

	chatStore chatbridge.ChatStore

	mu        sync.RWMutex
	graphs    map[string]*graph.Graph      // keyed by graphKey(id, version)
	executors map[string]*executor.Executor // keyed by graphKey(id, version)
	limiters  map[string]*rate.Limiter      // keyed by graphKey(id, version)
	latest    map[string]int                // graph id -> highest registered version
	listeners []executor.Listener
}

// graphKey identifies a registered graph by (id, version), per spec.md
// §4.9: two versions of the same graph id are distinct registrations.
func graphKey(id string, version int) string {
	return fmt.Sprintf("%s@%d", id, version)
}

// New constructs an Engine. redisClient may be nil; graphs with no Async
// steps never touch it, and graphs that do will fail at Register time with
// a clear error rather than panicking deep inside the async manager.
func New(cfg Config, repo state.Repository, redisClient *redis.Client, logger *zap.Logger, tagOf func(interface{}) graph.TypeTag) *Engine {
	return &Engine{
		cfg:       cfg,
		repo:      repo,
		redis:     redisClient,
		logger:    logger.With(zap.String("component", "engine")),
		tagOf:     tagOf,
		graphs:    make(map[string]*graph.Graph),
		executors: make(map[string]*executor.Executor),
		limiters:  make(map[string]*rate.Limiter),
		latest:    make(map[string]int),
	}
}

// SetChatStore wires the optional chat-integration hook onto every
// executor registered from this point forward, and onto every executor
// already registered.
func (e *Engine) SetChatStore(store chatbridge.ChatStore) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.chatStore = store
	for _, ex := range e.executors {
		ex.SetChatStore(store)
	}
}

// Register adds a graph to the engine, building its executor, retry
// subsystem, and (if the graph declares any async handler step) its async
// manager (spec.md §4.9 point 1).
func (e *Engine) Register(g *graph.Graph) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	key := graphKey(g.ID, g.Version)
	if _, exists := e.graphs[key]; exists {
		return fmt.Errorf("enginefacade: graph %q version %d already registered", g.ID, g.Version)
	}

	breakers := resilience.NewCircuitBreakerManager(e.cfg.CircuitBreaker, e.repo, e.logger)
	retryExec := resilience.NewRetryExecutor(breakers, e.repo, e.logger, e.tagOf)
	ex := executor.New(g, e.repo, breakers, retryExec, e.logger, e.tagOf, e.cfg.MaxConcurrentPerGraph)

	needsAsync := false
	for _, s := range g.Steps() {
		if s.IsAsyncHandler {
			needsAsync = true
			break
		}
	}
	if needsAsync {
		if e.redis == nil {
			return fmt.Errorf("enginefacade: graph %q declares async handler steps but no redis client was configured", g.ID)
		}
		mgr := async.NewManager(e.redis, e.repo, e.logger, ex.OnAsyncComplete)
		ex.SetAsyncManager(mgr)
	}

	if e.chatStore != nil {
		ex.SetChatStore(e.chatStore)
	}
	for _, l := range e.listeners {
		ex.AddListener(l)
	}

	e.graphs[key] = g
	e.executors[key] = ex
	e.limiters[key] = rate.NewLimiter(rate.Limit(e.cfg.RateLimitPerSecond), e.cfg.RateLimitBurst)
	if g.Version >= e.latest[g.ID] {
		e.latest[g.ID] = g.Version
	}
	return nil
}

// AddListener attaches l to every currently registered executor and every
// executor registered afterward (spec.md §4.9 point 5).
func (e *Engine) AddListener(l executor.Listener) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.listeners = append(e.listeners, l)
	for _, ex := range e.executors {
		ex.AddListener(l)
	}
}

func (e *Engine) RemoveListener(l executor.Listener) {
	e.mu.Lock()
	defer e.mu.Unlock()
	for i, existing := range e.listeners {
		if existing == l {
			e.listeners = append(e.listeners[:i], e.listeners[i+1:]...)
			break
		}
	}
	for _, ex := range e.executors {
		ex.RemoveListener(l)
	}
}

func (e *Engine) executorForVersion(graphID string, version int) (*executor.Executor, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	ex, ok := e.executors[graphKey(graphID, version)]
	if !ok {
		return nil, fmt.Errorf("enginefacade: graph %q version %d is not registered", graphID, version)
	}
	return ex, nil
}

func (e *Engine) limiterForVersion(graphID string, version int) *rate.Limiter {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.limiters[graphKey(graphID, version)]
}

// latestVersion returns the highest version registered under graphID.
func (e *Engine) latestVersion(graphID string) (int, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	v, ok := e.latest[graphID]
	if !ok {
		return 0, fmt.Errorf("enginefacade: graph %q is not registered", graphID)
	}
	return v, nil
}

// Execute starts a new instance on the latest registered version of
// graphID (spec.md §4.9 point 2), blocking on that version's rate limiter
// before dispatch.
func (e *Engine) Execute(ctx context.Context, graphID string, triggerData interface{}) (*ExecutionHandle, error) {
	version, err := e.latestVersion(graphID)
	if err != nil {
		return nil, err
	}
	ex, err := e.executorForVersion(graphID, version)
	if err != nil {
		return nil, err
	}
	if lim := e.limiterForVersion(graphID, version); lim != nil {
		if err := lim.Wait(ctx); err != nil {
			return nil, fmt.Errorf("enginefacade: rate limit wait: %w", err)
		}
	}
	instanceID, err := ex.Start(ctx, triggerData)
	if err != nil {
		return nil, err
	}
	return &ExecutionHandle{engine: e, instanceID: instanceID}, nil
}

// Resume delivers external input to a suspended instance (spec.md §4.9
// point 3). The owning graph (id and version) is resolved from the durable
// instance record so callers only need the instance id.
func (e *Engine) Resume(ctx context.Context, instanceID string, userInput interface{}, userInputType graph.TypeTag) error {
	inst, err := e.repo.LoadInstance(ctx, instanceID)
	if err != nil {
		return err
	}
	ex, err := e.executorForVersion(inst.GraphID, inst.GraphVersion)
	if err != nil {
		return err
	}
	return ex.Resume(ctx, instanceID, userInput, userInputType)
}

// Cancel terminates an instance (spec.md §4.9 point 4).
func (e *Engine) Cancel(ctx context.Context, instanceID string) error {
	inst, err := e.repo.LoadInstance(ctx, instanceID)
	if err != nil {
		return err
	}
	ex, err := e.executorForVersion(inst.GraphID, inst.GraphVersion)
	if err != nil {
		return err
	}
	ex.Cancel(ctx, instanceID)
	return nil
}

// GetInstance returns the durable record for any instance, regardless of
// which graph owns it.
func (e *Engine) GetInstance(ctx context.Context, instanceID string) (*state.WorkflowInstance, error) {
	return e.repo.LoadInstance(ctx, instanceID)
}
