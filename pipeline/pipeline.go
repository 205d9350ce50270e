// Package pipeline defines pipeline construction: typed step
// declarations, input bindings, and the validated, immutable DAG that
// orchestrators execute.
package pipeline

import "encoding/json"

// Source says where one declared input of a step gets its value:
// either the named output of an upstream step, or a constant bound at
// build time (From empty).
type Source struct {
	Input   string
	From    string
	Output  string
	Literal any
}

// Pipeline is an immutable, validated pipeline definition. All
// accessors return copies; the definition cannot change after Build.
type Pipeline struct {
	name       string
	steps      []StepSpec
	order      []string
	sources    map[string][]Source
	upstream   map[string][]string
	downstream map[string][]string
}

func (p *Pipeline) Name() string { return p.name }

// Steps returns the step specs in declaration order.
func (p *Pipeline) Steps() []StepSpec {
	return append([]StepSpec(nil), p.steps...)
}

// Order returns step names in execution order: a topological order of
// the dependency graph, with declaration order breaking ties.
func (p *Pipeline) Order() []string {
	return append([]string(nil), p.order...)
}

func (p *Pipeline) Step(name string) (StepSpec, bool) {
	for _, s := range p.steps {
		if s.Name == name {
			return s, true
		}
	}
	return StepSpec{}, false
}

// Sources returns the input sources of a step, ordered like its
// declared inputs.
func (p *Pipeline) Sources(step string) []Source {
	return append([]Source(nil), p.sources[step]...)
}

// Upstream returns the distinct direct producers of a step.
func (p *Pipeline) Upstream(step string) []string {
	return append([]string(nil), p.upstream[step]...)
}

// Downstream returns the distinct direct consumers of a step.
func (p *Pipeline) Downstream(step string) []string {
	return append([]string(nil), p.downstream[step]...)
}

// Descendants returns every step reachable downstream of the given
// step, in execution order.
func (p *Pipeline) Descendants(step string) []string {
	reached := make(map[string]bool)
	var walk func(string)
	walk = func(name string) {
		for _, next := range p.downstream[name] {
			if reached[next] {
				continue
			}
			reached[next] = true
			walk(next)
		}
	}
	walk(step)

	out := make([]string, 0, len(reached))
	for _, name := range p.order {
		if reached[name] {
			out = append(out, name)
		}
	}
	return out
}

type snapshotStep struct {
	Name         string      `json:"name"`
	Version      string      `json:"version"`
	Inputs       []ValueSpec `json:"inputs,omitempty"`
	Outputs      []ValueSpec `json:"outputs,omitempty"`
	Defaults     Values      `json:"defaults,omitempty"`
	DisableCache bool        `json:"disable_cache,omitempty"`
}

type snapshotBinding struct {
	Step   string `json:"step"`
	Input  string `json:"input"`
	From   string `json:"from"`
	Output string `json:"output"`
}

type snapshotValue struct {
	Step  string `json:"step"`
	Input string `json:"input"`
	Value any    `json:"value"`
}

type snapshot struct {
	Name     string            `json:"name"`
	Steps    []snapshotStep    `json:"steps"`
	Bindings []snapshotBinding `json:"bindings,omitempty"`
	Values   []snapshotValue   `json:"values,omitempty"`
	Order    []string          `json:"order"`
}

// Snapshot renders the definition as JSON for persistence alongside
// run metadata. Building the same pipeline twice yields identical
// bytes.
func (p *Pipeline) Snapshot() ([]byte, error) {
	snap := snapshot{Name: p.name, Order: p.order}
	for _, s := range p.steps {
		snap.Steps = append(snap.Steps, snapshotStep{
			Name:         s.Name,
			Version:      s.Version,
			Inputs:       s.Inputs,
			Outputs:      s.Outputs,
			Defaults:     s.Defaults,
			DisableCache: s.DisableCache,
		})
		for _, src := range p.sources[s.Name] {
			if src.From == "" {
				snap.Values = append(snap.Values, snapshotValue{
					Step:  s.Name,
					Input: src.Input,
					Value: src.Literal,
				})
				continue
			}
			snap.Bindings = append(snap.Bindings, snapshotBinding{
				Step:   s.Name,
				Input:  src.Input,
				From:   src.From,
				Output: src.Output,
			})
		}
	}
	return json.Marshal(snap)
}
