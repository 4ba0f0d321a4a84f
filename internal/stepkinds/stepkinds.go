// Package stepkinds is the fixed vocabulary of step behaviors a
// models.GraphManifest can reference by name, and the builder that turns a
// manifest into a real *graph.Graph. Every manifest-driven graph shares a
// single map[string]interface{} payload type (tag object/graph.AnyTag) so
// a JSON document never needs to name a Go type; graphs that need a typed
// payload are still built directly from Go with graph.Builder.
package stepkinds

import (
	"fmt"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/mitchellh/mapstructure"

	"github.com/n8n-work/workflow-engine/internal/graph"
	"github.com/n8n-work/workflow-engine/internal/models"
	"github.com/n8n-work/workflow-engine/internal/stepresult"
)

// Factory builds a step body from a manifest step's Parameters.
type Factory func(params map[string]interface{}) (graph.StepFunc, error)

var builtins = map[string]Factory{
	"passthrough":  newPassthrough,
	"http_request": newHTTPRequest,
}

// Lookup returns the factory registered for a manifest step Type.
func Lookup(kind string) (Factory, bool) {
	f, ok := builtins[kind]
	return f, ok
}

// Build resolves every step in m against the builtin registry and returns
// the resulting graph. It rejects a manifest referencing an unregistered
// Type rather than silently skipping it.
func Build(m *models.GraphManifest) (*graph.Graph, error) {
	if err := m.Validate(); err != nil {
		return nil, err
	}

	registry := graph.NewTypeRegistry()
	registry.Register(graph.AnyTag, map[string]interface{}{})

	b := graph.NewBuilder(m.ID, m.Version, registry)
	b.Trigger(graph.AnyTag)
	b.Result(graph.AnyTag)

	for _, sm := range m.Steps {
		factory, ok := Lookup(sm.Type)
		if !ok {
			return nil, fmt.Errorf("stepkinds: manifest %q step %q has unregistered type %q", m.ID, sm.ID, sm.Type)
		}
		fn, err := factory(sm.Parameters)
		if err != nil {
			return nil, fmt.Errorf("stepkinds: manifest %q step %q: %w", m.ID, sm.ID, err)
		}

		node := &graph.StepNode{
			ID:              sm.ID,
			IsInitial:       sm.Initial,
			InputType:       graph.AnyTag,
			OutputType:      graph.AnyTag,
			AcceptsAny:      true,
			InvocationLimit: invocationLimit(sm.InvocationLimit),
			OnLimit:         onLimit(sm.OnLimit),
			RetryPolicy:     retryPolicy(sm.RetryPolicy),
			NextStepIDs:     sm.Next,
			Executor:        fn,
		}
		b.AddStep(node)
	}

	return b.Build()
}

func invocationLimit(n int) int {
	if n <= 0 {
		return 1
	}
	return n
}

func onLimit(s string) graph.OnLimitBehavior {
	switch graph.OnLimitBehavior(s) {
	case graph.OnLimitStop, graph.OnLimitContinue:
		return graph.OnLimitBehavior(s)
	default:
		return graph.OnLimitError
	}
}

func retryPolicy(m *models.RetryPolicyManifest) graph.RetryPolicy {
	if m == nil {
		return graph.NoRetry()
	}
	multiplier := m.BackoffMultiplier
	if multiplier < 1 {
		multiplier = 1
	}
	return graph.RetryPolicy{
		MaxAttempts:       invocationLimit(m.MaxAttempts),
		BaseDelay:         time.Duration(m.BaseDelayMS) * time.Millisecond,
		BackoffMultiplier: multiplier,
		MaxDelay:          time.Duration(m.MaxDelayMS) * time.Millisecond,
		JitterFactor:      m.JitterFactor,
	}
}

// newPassthrough returns the input unchanged as a Continue, optionally
// merging in static fields from Parameters["set"].
func newPassthrough(params map[string]interface{}) (graph.StepFunc, error) {
	var cfg struct {
		Set map[string]interface{} `mapstructure:"set"`
	}
	if err := mapstructure.Decode(params, &cfg); err != nil {
		return nil, fmt.Errorf("decode passthrough parameters: %w", err)
	}

	return func(_ interface{}, input interface{}) (interface{}, error) {
		out, ok := input.(map[string]interface{})
		if !ok {
			out = map[string]interface{}{"value": input}
		}
		merged := make(map[string]interface{}, len(out)+len(cfg.Set))
		for k, v := range out {
			merged[k] = v
		}
		for k, v := range cfg.Set {
			merged[k] = v
		}
		return stepresult.Continue{Payload: merged}, nil
	}, nil
}

type httpRequestConfig struct {
	URL     string            `mapstructure:"url"`
	Method  string            `mapstructure:"method"`
	Headers map[string]string `mapstructure:"headers"`
	Body    string            `mapstructure:"body"`
	Timeout int               `mapstructure:"timeout_seconds"`
}

// newHTTPRequest issues a single resty request per invocation and continues
// with a map holding the response status code and the raw body string,
// failing the step on a transport error or a 4xx/5xx status.
func newHTTPRequest(params map[string]interface{}) (graph.StepFunc, error) {
	var cfg httpRequestConfig
	if err := mapstructure.Decode(params, &cfg); err != nil {
		return nil, fmt.Errorf("decode http_request parameters: %w", err)
	}
	if cfg.URL == "" {
		return nil, fmt.Errorf("http_request requires a url parameter")
	}
	if cfg.Method == "" {
		cfg.Method = "GET"
	}
	timeout := time.Duration(cfg.Timeout) * time.Second
	if timeout <= 0 {
		timeout = 30 * time.Second
	}

	client := resty.New().SetTimeout(timeout)

	return func(_ interface{}, _ interface{}) (interface{}, error) {
		req := client.R().SetHeaders(cfg.Headers)
		if cfg.Body != "" {
			req = req.SetBody([]byte(cfg.Body))
		}
		resp, err := req.Execute(cfg.Method, cfg.URL)
		if err != nil {
			return stepresult.Fail{Err: fmt.Errorf("http_request: %w", err)}, nil
		}
		if resp.IsError() {
			return stepresult.Fail{Err: fmt.Errorf("http_request: %s returned %s", cfg.URL, resp.Status())}, nil
		}
		return stepresult.Continue{Payload: map[string]interface{}{
			"status": resp.StatusCode(),
			"body":   resp.String(),
		}}, nil
	}, nil
}
