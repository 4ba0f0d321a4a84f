// Package listeners adapts the executor's lifecycle and retry callbacks
// into observable side effects: Prometheus counters here, the chat-store
// bridge in internal/chatbridge.
//
// Grounded on the teacher's internal/engine/metrics.go and
// internal/observability/metrics.go CounterVec pattern, relabeled from
// tenant-scoped counters to (graph_id, step_id) labels for the step and
// suspension counters. The retry counters are labeled by step_id only:
// RetryListener callbacks carry an instance id, not a graph id.
package listeners

import (
	"context"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/n8n-work/workflow-engine/internal/executor"
	"github.com/n8n-work/workflow-engine/internal/resilience"
	"github.com/n8n-work/workflow-engine/internal/state"
	"github.com/n8n-work/workflow-engine/internal/stepresult"
)

var _ executor.Listener = GraphListener{}

// PrometheusMetrics implements resilience.RetryListener directly and
// executor.Listener through the per-graph GraphListener returned by
// ForGraph, so one instance can back every executor and retry executor.
type PrometheusMetrics struct {
	instancesStarted   *prometheus.CounterVec
	instancesCompleted *prometheus.CounterVec
	instancesFailed    *prometheus.CounterVec
	instancesCancelled *prometheus.CounterVec
	stepsDispatched    *prometheus.CounterVec
	stepsCompleted     *prometheus.CounterVec
	suspensions        *prometheus.CounterVec

	retryAttempts  *prometheus.CounterVec
	retrySuccesses *prometheus.CounterVec
	retryFailures  *prometheus.CounterVec
	retryExhausted *prometheus.CounterVec
	retryAborted   *prometheus.CounterVec
	circuitState   *prometheus.GaugeVec
}

// NewPrometheusMetrics registers the full metric set with the default
// registry, mirroring promauto.NewCounterVec's registration-on-construction
// idiom from the teacher's Metrics/observability.Metrics constructors.
func NewPrometheusMetrics() *PrometheusMetrics {
	return &PrometheusMetrics{
		instancesStarted: promauto.NewCounterVec(
			prometheus.CounterOpts{Name: "workflow_instances_started_total", Help: "Total workflow instances started."},
			[]string{"graph_id"},
		),
		instancesCompleted: promauto.NewCounterVec(
			prometheus.CounterOpts{Name: "workflow_instances_completed_total", Help: "Total workflow instances completed."},
			[]string{"graph_id"},
		),
		instancesFailed: promauto.NewCounterVec(
			prometheus.CounterOpts{Name: "workflow_instances_failed_total", Help: "Total workflow instances failed."},
			[]string{"graph_id", "error_kind"},
		),
		instancesCancelled: promauto.NewCounterVec(
			prometheus.CounterOpts{Name: "workflow_instances_cancelled_total", Help: "Total workflow instances cancelled."},
			[]string{"graph_id"},
		),
		stepsDispatched: promauto.NewCounterVec(
			prometheus.CounterOpts{Name: "workflow_steps_dispatched_total", Help: "Total step invocations dispatched."},
			[]string{"graph_id", "step_id"},
		),
		stepsCompleted: promauto.NewCounterVec(
			prometheus.CounterOpts{Name: "workflow_steps_completed_total", Help: "Total step invocations completed."},
			[]string{"graph_id", "step_id", "result_kind"},
		),
		suspensions: promauto.NewCounterVec(
			prometheus.CounterOpts{Name: "workflow_suspensions_total", Help: "Total instance suspensions."},
			[]string{"graph_id", "step_id"},
		),
		retryAttempts: promauto.NewCounterVec(
			prometheus.CounterOpts{Name: "workflow_retry_attempts_total", Help: "Total retry attempts."},
			[]string{"step_id"},
		),
		retrySuccesses: promauto.NewCounterVec(
			prometheus.CounterOpts{Name: "workflow_retry_successes_total", Help: "Total retry sequences that succeeded."},
			[]string{"step_id"},
		),
		retryFailures: promauto.NewCounterVec(
			prometheus.CounterOpts{Name: "workflow_retry_failures_total", Help: "Total individual retry attempt failures."},
			[]string{"step_id"},
		),
		retryExhausted: promauto.NewCounterVec(
			prometheus.CounterOpts{Name: "workflow_retry_exhausted_total", Help: "Total retry sequences that exhausted all attempts."},
			[]string{"step_id"},
		),
		retryAborted: promauto.NewCounterVec(
			prometheus.CounterOpts{Name: "workflow_retry_aborted_total", Help: "Total retry sequences aborted by an AbortOn match or open circuit."},
			[]string{"step_id"},
		),
		circuitState: promauto.NewGaugeVec(
			prometheus.GaugeOpts{Name: "workflow_circuit_breaker_state", Help: "Circuit breaker state: 0=closed, 1=half-open, 2=open."},
			[]string{"graph_id", "step_id"},
		),
	}
}

// --- executor.Listener ---
//
// graphID is bound by ForGraph(graphID), since executor.Listener's methods
// are instance-scoped and don't carry a graph id themselves. The engine
// facade does not call ForGraph; the caller registers the returned
// GraphListener on the graph's executor.

// ForGraph returns an executor.Listener bound to graphID.
func (m *PrometheusMetrics) ForGraph(graphID string) GraphListener {
	return GraphListener{m: m, graphID: graphID}
}

// GraphListener adapts PrometheusMetrics to a single graph's executor.
type GraphListener struct {
	m       *PrometheusMetrics
	graphID string
}

func (g GraphListener) OnInstanceStarted(_ context.Context, _ *state.WorkflowInstance) {
	g.m.instancesStarted.WithLabelValues(g.graphID).Inc()
}

func (g GraphListener) OnStepDispatched(_ context.Context, _, stepID string, _ interface{}) {
	g.m.stepsDispatched.WithLabelValues(g.graphID, stepID).Inc()
}

func (g GraphListener) OnStepCompleted(_ context.Context, _, stepID string, result interface{}) {
	g.m.stepsCompleted.WithLabelValues(g.graphID, stepID, resultKindOf(result)).Inc()
}

func (g GraphListener) OnSuspended(_ context.Context, _ string, sp *state.SuspensionPayload) {
	g.m.suspensions.WithLabelValues(g.graphID, sp.ProducingStepID).Inc()
}

func (g GraphListener) OnResumed(_ context.Context, _ string) {}

func (g GraphListener) OnCompleted(_ context.Context, _ string, _ interface{}) {
	g.m.instancesCompleted.WithLabelValues(g.graphID).Inc()
}

func (g GraphListener) OnFailed(_ context.Context, _ string, cause *state.ExecutionError) {
	kind := "unknown"
	if cause != nil {
		kind = string(cause.Kind)
	}
	g.m.instancesFailed.WithLabelValues(g.graphID, kind).Inc()
}

func (g GraphListener) OnCancelled(_ context.Context, _ string) {
	g.m.instancesCancelled.WithLabelValues(g.graphID).Inc()
}

func resultKindOf(v interface{}) string {
	switch v.(type) {
	case stepresult.Continue:
		return "continue"
	case stepresult.Branch:
		return "branch"
	case stepresult.Suspend:
		return "suspend"
	case stepresult.Async:
		return "async"
	case stepresult.Finish:
		return "finish"
	case stepresult.Fail:
		return "fail"
	default:
		return "unknown"
	}
}

// --- resilience.RetryListener ---

var _ resilience.RetryListener = (*PrometheusMetrics)(nil)

func (m *PrometheusMetrics) BeforeRetryAttempt(_ context.Context, _, stepID string, _ int) {
	m.retryAttempts.WithLabelValues(stepID).Inc()
}

func (m *PrometheusMetrics) OnRetrySuccess(_ context.Context, _, stepID string, _ int) {
	m.retrySuccesses.WithLabelValues(stepID).Inc()
}

func (m *PrometheusMetrics) OnRetryAborted(_ context.Context, _, stepID string, _ int, _ error) {
	m.retryAborted.WithLabelValues(stepID).Inc()
}

func (m *PrometheusMetrics) OnRetryExhausted(_ context.Context, _, stepID string, _ int, _ error) {
	m.retryExhausted.WithLabelValues(stepID).Inc()
}

func (m *PrometheusMetrics) OnRetryFailure(_ context.Context, _, stepID string, _ int, _ error) {
	m.retryFailures.WithLabelValues(stepID).Inc()
}

func (m *PrometheusMetrics) OnCircuitStateChanged(_ context.Context, graphID, stepID string, _, to state.CircuitState) {
	var v float64
	switch to {
	case state.CircuitClosed:
		v = 0
	case state.CircuitHalfOpen:
		v = 1
	case state.CircuitOpen:
		v = 2
	}
	m.circuitState.WithLabelValues(graphID, stepID).Set(v)
}
