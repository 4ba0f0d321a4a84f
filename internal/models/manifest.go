// Package models holds the JSON interchange format a graph can be
// authored in without writing Go: internal/stepkinds turns a GraphManifest
// into a real *graph.Graph by resolving each step's declared Type against a
// fixed vocabulary of built-in step kinds. Graphs whose steps need bespoke
// business logic are still registered directly from Go via graph.Builder;
// the manifest format only covers the built-in kinds.
//
// Adapted from the teacher's DAG/Node/NodePolicy interchange types
// (internal/models/dag.go), which served the same "declarative graph,
// looked-up node behavior" split for n8n-style workflows.
package models

import (
	"encoding/json"
	"fmt"
	"os"
)

// GraphManifest is the on-disk JSON description of a graph.
type GraphManifest struct {
	ID      string         `json:"id"`
	Version int            `json:"version"`
	Steps   []StepManifest `json:"steps"`
}

// StepManifest describes one step. Type must name a kind registered in
// internal/stepkinds. Parameters are passed to that kind's factory
// verbatim; their shape is kind-specific.
type StepManifest struct {
	ID              string                 `json:"id"`
	Type            string                 `json:"type"`
	Initial         bool                   `json:"initial,omitempty"`
	Next            []string               `json:"next,omitempty"`
	InvocationLimit int                    `json:"invocation_limit,omitempty"`
	OnLimit         string                 `json:"on_limit,omitempty"` // "error" | "stop" | "continue"
	RetryPolicy     *RetryPolicyManifest   `json:"retry_policy,omitempty"`
	Parameters      map[string]interface{} `json:"parameters,omitempty"`
}

// RetryPolicyManifest mirrors graph.RetryPolicy with JSON-friendly
// millisecond durations.
type RetryPolicyManifest struct {
	MaxAttempts       int     `json:"max_attempts"`
	BaseDelayMS       int     `json:"base_delay_ms"`
	BackoffMultiplier float64 `json:"backoff_multiplier"`
	MaxDelayMS        int     `json:"max_delay_ms"`
	JitterFactor      float64 `json:"jitter_factor"`
}

// LoadManifest reads and parses a graph manifest file.
func LoadManifest(path string) (*GraphManifest, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("models: read manifest: %w", err)
	}
	var m GraphManifest
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("models: parse manifest: %w", err)
	}
	return &m, nil
}

// Validate checks structural well-formedness: unique step ids, exactly one
// initial step, and every Next/target reference resolving to a declared
// step. It does not know about internal/stepkinds, so an unknown step Type
// is not caught here — that surfaces when internal/stepkinds.Build runs.
func (m *GraphManifest) Validate() error {
	if m.ID == "" {
		return fmt.Errorf("models: manifest id is required")
	}
	if len(m.Steps) == 0 {
		return fmt.Errorf("models: manifest %q declares no steps", m.ID)
	}

	seen := make(map[string]bool, len(m.Steps))
	initialCount := 0
	for _, s := range m.Steps {
		if s.ID == "" {
			return fmt.Errorf("models: manifest %q has a step with an empty id", m.ID)
		}
		if seen[s.ID] {
			return fmt.Errorf("models: manifest %q declares step id %q more than once", m.ID, s.ID)
		}
		seen[s.ID] = true
		if s.Initial {
			initialCount++
		}
	}
	if initialCount != 1 {
		return fmt.Errorf("models: manifest %q must declare exactly one initial step, found %d", m.ID, initialCount)
	}

	for _, s := range m.Steps {
		for _, next := range s.Next {
			if !seen[next] {
				return fmt.Errorf("models: manifest %q step %q names unknown next step %q", m.ID, s.ID, next)
			}
		}
	}
	return nil
}
