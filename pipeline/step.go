package pipeline

import "context"

// Values carries named step values: resolved inputs and configuration
// on the way into a step function, produced outputs on the way out.
// Every value must survive a JSON round trip, since artifacts and
// configuration snapshots are persisted in JSON form.
type Values map[string]any

// Func is the body of a step. It receives the resolved inputs and the
// effective configuration and returns one value per declared output.
type Func func(ctx context.Context, in Values, config Values) (Values, error)

// ValueSpec declares one named, typed input or output of a step. Type
// is an opaque tag compared for equality when bindings are resolved.
// Codec names the serializer for an output; empty means JSON.
type ValueSpec struct {
	Name  string `json:"name"`
	Type  string `json:"type"`
	Codec string `json:"codec,omitempty"`
}

// StepSpec declares a step: its identity, its typed interface, and the
// function that implements it.
//
// Version is the code identity of the step. Two specs with the same
// name and version are assumed to compute the same function, which is
// what makes result reuse across runs sound. Bump it whenever the step
// body changes behavior.
type StepSpec struct {
	Name         string     `json:"name"`
	Version      string     `json:"version"`
	Inputs       []ValueSpec `json:"inputs,omitempty"`
	Outputs      []ValueSpec `json:"outputs,omitempty"`
	Defaults     Values     `json:"defaults,omitempty"`
	DisableCache bool       `json:"disable_cache,omitempty"`
	Run          Func       `json:"-"`
}

// Input returns the declared input with the given name.
func (s StepSpec) Input(name string) (ValueSpec, bool) {
	for _, in := range s.Inputs {
		if in.Name == name {
			return in, true
		}
	}
	return ValueSpec{}, false
}

// Output returns the declared output with the given name.
func (s StepSpec) Output(name string) (ValueSpec, bool) {
	for _, out := range s.Outputs {
		if out.Name == name {
			return out, true
		}
	}
	return ValueSpec{}, false
}
