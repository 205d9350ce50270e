package pipeline

import (
	"fmt"
	"sort"
	"strings"
)

type binding struct {
	step   string
	input  string
	from   string
	output string
}

type literal struct {
	step  string
	input string
	value any
}

// Builder accumulates step declarations and input bindings and turns
// them into an immutable Pipeline. Builder methods record their
// arguments verbatim; all validation happens in Build.
type Builder struct {
	name     string
	steps    []StepSpec
	bindings []binding
	literals []literal
}

func NewBuilder(name string) *Builder {
	return &Builder{name: strings.TrimSpace(name)}
}

// AddStep declares a step. Steps execute in an order compatible with
// their bindings; declaration order breaks ties.
func (b *Builder) AddStep(spec StepSpec) *Builder {
	b.steps = append(b.steps, spec)
	return b
}

// Bind wires the named output of the producer step from to the named
// input of the consumer step.
func (b *Builder) Bind(step, input, from, output string) *Builder {
	b.bindings = append(b.bindings, binding{
		step:   strings.TrimSpace(step),
		input:  strings.TrimSpace(input),
		from:   strings.TrimSpace(from),
		output: strings.TrimSpace(output),
	})
	return b
}

// BindValue satisfies the named input of a step with a constant. The
// value must survive a JSON round trip.
func (b *Builder) BindValue(step, input string, value any) *Builder {
	b.literals = append(b.literals, literal{
		step:  strings.TrimSpace(step),
		input: strings.TrimSpace(input),
		value: value,
	})
	return b
}

// Build validates the accumulated declarations and returns the
// pipeline with its deterministic execution order. Structural issues
// are reported as a *ValidationError; unsatisfiable bindings as
// *UnresolvedInputError or *TypeMismatchError; dependency cycles as a
// *CycleError.
func (b *Builder) Build() (*Pipeline, error) {
	if err := b.validateShape(); err != nil {
		return nil, err
	}

	byName := make(map[string]StepSpec, len(b.steps))
	names := make([]string, 0, len(b.steps))
	for _, s := range b.steps {
		byName[s.Name] = s
		names = append(names, s.Name)
	}

	sources, err := b.resolveInputs(byName)
	if err != nil {
		return nil, err
	}

	adj, indegree := dependencyGraph(names, b.bindings)
	if cycle := findCycle(names, adj); cycle != nil {
		return nil, &CycleError{Cycle: cycle}
	}
	order := topoSort(names, adj, indegree)

	p := &Pipeline{
		name:       b.name,
		steps:      append([]StepSpec(nil), b.steps...),
		order:      order,
		sources:    sources,
		upstream:   make(map[string][]string, len(names)),
		downstream: adj,
	}
	for _, name := range names {
		p.upstream[name] = producerNames(sources[name])
	}
	return p, nil
}

func (b *Builder) validateShape() error {
	issues := &ValidationError{}

	if b.name == "" {
		issues.Add("pipeline name is required")
	}
	if len(b.steps) == 0 {
		issues.Add("at least one step is required")
	}

	byName := make(map[string]StepSpec, len(b.steps))
	for i, step := range b.steps {
		name := strings.TrimSpace(step.Name)
		if name == "" {
			issues.Add(fmt.Sprintf("step[%d] name is required", i))
			continue
		}
		if _, exists := byName[name]; exists {
			issues.Add(fmt.Sprintf("duplicate step name %q", name))
		}
		byName[name] = step

		if step.Run == nil {
			issues.Add(fmt.Sprintf("step[%s] run function is required", name))
		}
		if strings.TrimSpace(step.Version) == "" {
			issues.Add(fmt.Sprintf("step[%s] version is required", name))
		}

		seenIn := make(map[string]struct{}, len(step.Inputs))
		for j, in := range step.Inputs {
			if strings.TrimSpace(in.Name) == "" {
				issues.Add(fmt.Sprintf("step[%s] input[%d] name is required", name, j))
				continue
			}
			if _, dup := seenIn[in.Name]; dup {
				issues.Add(fmt.Sprintf("step[%s] duplicate input %q", name, in.Name))
			}
			seenIn[in.Name] = struct{}{}
			if strings.TrimSpace(in.Type) == "" {
				issues.Add(fmt.Sprintf("step[%s] input %q type is required", name, in.Name))
			}
		}

		seenOut := make(map[string]struct{}, len(step.Outputs))
		for j, out := range step.Outputs {
			if strings.TrimSpace(out.Name) == "" {
				issues.Add(fmt.Sprintf("step[%s] output[%d] name is required", name, j))
				continue
			}
			if _, dup := seenOut[out.Name]; dup {
				issues.Add(fmt.Sprintf("step[%s] duplicate output %q", name, out.Name))
			}
			seenOut[out.Name] = struct{}{}
			if strings.TrimSpace(out.Type) == "" {
				issues.Add(fmt.Sprintf("step[%s] output %q type is required", name, out.Name))
			}
		}
	}

	// Each declared input may have at most one source across bindings
	// and bound values.
	type key struct{ step, input string }
	bound := make(map[key]int, len(b.bindings)+len(b.literals))
	claim := func(step, input, kind string) {
		spec, ok := byName[step]
		if !ok {
			issues.Add(fmt.Sprintf("%s references unknown step %q", kind, step))
			return
		}
		if _, ok := spec.Input(input); !ok {
			issues.Add(fmt.Sprintf("%s references undeclared input %q of step %q", kind, input, step))
			return
		}
		k := key{step, input}
		bound[k]++
		if bound[k] == 2 {
			issues.Add(fmt.Sprintf("step %q input %q is bound more than once", step, input))
		}
	}
	for _, bd := range b.bindings {
		if bd.step == "" || bd.input == "" || bd.from == "" || bd.output == "" {
			issues.Add("bindings must specify step, input, from and output")
			continue
		}
		claim(bd.step, bd.input, "binding")
	}
	for _, lt := range b.literals {
		if lt.step == "" || lt.input == "" {
			issues.Add("bound values must specify step and input")
			continue
		}
		claim(lt.step, lt.input, "bound value")
	}

	return issues.OrNil()
}

func (b *Builder) resolveInputs(byName map[string]StepSpec) (map[string][]Source, error) {
	type key struct{ step, input string }
	boundTo := make(map[key]binding, len(b.bindings))
	for _, bd := range b.bindings {
		boundTo[key{bd.step, bd.input}] = bd
	}
	literalTo := make(map[key]literal, len(b.literals))
	for _, lt := range b.literals {
		literalTo[key{lt.step, lt.input}] = lt
	}

	sources := make(map[string][]Source, len(b.steps))
	for _, step := range b.steps {
		list := make([]Source, 0, len(step.Inputs))
		for _, in := range step.Inputs {
			k := key{step.Name, in.Name}
			if lt, ok := literalTo[k]; ok {
				list = append(list, Source{Input: in.Name, Literal: lt.value})
				continue
			}
			bd, ok := boundTo[k]
			if !ok {
				return nil, &UnresolvedInputError{Step: step.Name, Input: in.Name, Reason: "no binding or bound value"}
			}
			producer, ok := byName[bd.from]
			if !ok {
				return nil, &UnresolvedInputError{Step: step.Name, Input: in.Name, Reason: fmt.Sprintf("unknown producer step %q", bd.from)}
			}
			out, ok := producer.Output(bd.output)
			if !ok {
				return nil, &UnresolvedInputError{Step: step.Name, Input: in.Name, Reason: fmt.Sprintf("step %q has no output %q", bd.from, bd.output)}
			}
			if out.Type != in.Type {
				return nil, &TypeMismatchError{
					Step:   step.Name,
					Input:  in.Name,
					Want:   in.Type,
					From:   bd.from,
					Output: bd.output,
					Got:    out.Type,
				}
			}
			list = append(list, Source{Input: in.Name, From: bd.from, Output: bd.output})
		}
		sources[step.Name] = list
	}
	return sources, nil
}

func producerNames(sources []Source) []string {
	seen := make(map[string]struct{}, len(sources))
	var out []string
	for _, src := range sources {
		if src.From == "" {
			continue
		}
		if _, dup := seen[src.From]; dup {
			continue
		}
		seen[src.From] = struct{}{}
		out = append(out, src.From)
	}
	return out
}

func dependencyGraph(names []string, bindings []binding) (map[string][]string, map[string]int) {
	adj := make(map[string][]string, len(names))
	indegree := make(map[string]int, len(names))
	for _, name := range names {
		indegree[name] = 0
	}

	type edge struct{ from, to string }
	seen := make(map[edge]struct{}, len(bindings))
	for _, bd := range bindings {
		e := edge{bd.from, bd.step}
		if _, dup := seen[e]; dup {
			continue
		}
		seen[e] = struct{}{}
		adj[e.from] = append(adj[e.from], e.to)
		indegree[e.to]++
	}
	return adj, indegree
}

func findCycle(names []string, adj map[string][]string) []string {
	const (
		unvisited = iota
		visiting
		done
	)
	state := make(map[string]int, len(names))
	var stack []string
	var cycle []string

	var visit func(string) bool
	visit = func(node string) bool {
		state[node] = visiting
		stack = append(stack, node)
		for _, next := range adj[node] {
			switch state[next] {
			case visiting:
				start := 0
				for i, n := range stack {
					if n == next {
						start = i
						break
					}
				}
				cycle = append(append([]string(nil), stack[start:]...), next)
				return true
			case unvisited:
				if visit(next) {
					return true
				}
			}
		}
		stack = stack[:len(stack)-1]
		state[node] = done
		return false
	}

	for _, name := range names {
		if state[name] == unvisited && visit(name) {
			return cycle
		}
	}
	return nil
}

func topoSort(names []string, adj map[string][]string, indegree map[string]int) []string {
	pos := make(map[string]int, len(names))
	for i, name := range names {
		pos[name] = i
	}

	ready := make([]string, 0, len(names))
	for _, name := range names {
		if indegree[name] == 0 {
			ready = append(ready, name)
		}
	}

	order := make([]string, 0, len(names))
	for len(ready) > 0 {
		name := ready[0]
		ready = ready[1:]
		order = append(order, name)
		for _, next := range adj[name] {
			indegree[next]--
			if indegree[next] == 0 {
				ready = append(ready, next)
				sort.Slice(ready, func(i, j int) bool { return pos[ready[i]] < pos[ready[j]] })
			}
		}
	}
	return order
}
