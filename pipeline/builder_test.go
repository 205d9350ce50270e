package pipeline

import (
	"bytes"
	"context"
	"errors"
	"reflect"
	"strings"
	"testing"
)

func passthrough(ctx context.Context, in Values, config Values) (Values, error) {
	return Values{"out": "ok"}, nil
}

func testStep(name string, inputs ...string) StepSpec {
	specs := make([]ValueSpec, 0, len(inputs))
	for _, in := range inputs {
		specs = append(specs, ValueSpec{Name: in, Type: "data"})
	}
	return StepSpec{
		Name:    name,
		Version: "v1",
		Inputs:  specs,
		Outputs: []ValueSpec{{Name: "out", Type: "data"}},
		Run:     passthrough,
	}
}

func diamond() *Builder {
	return NewBuilder("training").
		AddStep(testStep("ingest")).
		AddStep(testStep("train", "raw")).
		AddStep(testStep("validate", "raw")).
		AddStep(testStep("publish", "model", "report")).
		Bind("train", "raw", "ingest", "out").
		Bind("validate", "raw", "ingest", "out").
		Bind("publish", "model", "train", "out").
		Bind("publish", "report", "validate", "out")
}

func TestBuildDeterministicOrdering(t *testing.T) {
	first, err := diamond().Build()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	second, err := diamond().Build()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if !reflect.DeepEqual(first.Order(), second.Order()) {
		t.Fatalf("expected deterministic order, got %v vs %v", first.Order(), second.Order())
	}
	if want := []string{"ingest", "train", "validate", "publish"}; !reflect.DeepEqual(first.Order(), want) {
		t.Fatalf("expected order %v, got %v", want, first.Order())
	}
}

func TestBuildDeclarationOrderBreaksTies(t *testing.T) {
	p, err := NewBuilder("training").
		AddStep(testStep("ingest")).
		AddStep(testStep("validate", "raw")).
		AddStep(testStep("train", "raw")).
		Bind("train", "raw", "ingest", "out").
		Bind("validate", "raw", "ingest", "out").
		Build()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if want := []string{"ingest", "validate", "train"}; !reflect.DeepEqual(p.Order(), want) {
		t.Fatalf("expected order %v, got %v", want, p.Order())
	}
}

func TestBuildIndependentStepsKeepDeclarationOrder(t *testing.T) {
	p, err := NewBuilder("fanout").
		AddStep(testStep("c")).
		AddStep(testStep("a")).
		AddStep(testStep("b")).
		Build()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if want := []string{"c", "a", "b"}; !reflect.DeepEqual(p.Order(), want) {
		t.Fatalf("expected order %v, got %v", want, p.Order())
	}
}

func TestBuildRejectsCycle(t *testing.T) {
	_, err := NewBuilder("cyclic").
		AddStep(testStep("a", "x")).
		AddStep(testStep("b", "y")).
		Bind("a", "x", "b", "out").
		Bind("b", "y", "a", "out").
		Build()

	var cycleErr *CycleError
	if !errors.As(err, &cycleErr) {
		t.Fatalf("expected CycleError, got %v", err)
	}
	if len(cycleErr.Cycle) < 3 {
		t.Fatalf("expected cycle path with repeated entry, got %v", cycleErr.Cycle)
	}
	if cycleErr.Cycle[0] != cycleErr.Cycle[len(cycleErr.Cycle)-1] {
		t.Fatalf("expected cycle path to close on itself, got %v", cycleErr.Cycle)
	}
}

func TestBuildRejectsSelfBinding(t *testing.T) {
	_, err := NewBuilder("selfie").
		AddStep(testStep("a", "x")).
		Bind("a", "x", "a", "out").
		Build()

	var cycleErr *CycleError
	if !errors.As(err, &cycleErr) {
		t.Fatalf("expected CycleError, got %v", err)
	}
	if want := []string{"a", "a"}; !reflect.DeepEqual(cycleErr.Cycle, want) {
		t.Fatalf("expected cycle %v, got %v", want, cycleErr.Cycle)
	}
}

func TestBuildUnresolvedInput(t *testing.T) {
	tests := []struct {
		name    string
		builder *Builder
		step    string
		input   string
	}{
		{
			name: "input without binding",
			builder: NewBuilder("p").
				AddStep(testStep("a")).
				AddStep(testStep("b", "x")),
			step:  "b",
			input: "x",
		},
		{
			name: "unknown producer output",
			builder: NewBuilder("p").
				AddStep(testStep("a")).
				AddStep(testStep("b", "x")).
				Bind("b", "x", "a", "missing"),
			step:  "b",
			input: "x",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := tt.builder.Build()
			var unresolved *UnresolvedInputError
			if !errors.As(err, &unresolved) {
				t.Fatalf("expected UnresolvedInputError, got %v", err)
			}
			if unresolved.Step != tt.step || unresolved.Input != tt.input {
				t.Fatalf("expected %s.%s, got %s.%s", tt.step, tt.input, unresolved.Step, unresolved.Input)
			}
		})
	}
}

func TestBuildTypeMismatch(t *testing.T) {
	producer := StepSpec{
		Name:    "trainer",
		Version: "v1",
		Outputs: []ValueSpec{{Name: "model", Type: "model"}},
		Run:     passthrough,
	}
	consumer := StepSpec{
		Name:    "evaluator",
		Version: "v1",
		Inputs:  []ValueSpec{{Name: "dataset", Type: "dataset"}},
		Outputs: []ValueSpec{{Name: "out", Type: "data"}},
		Run:     passthrough,
	}

	_, err := NewBuilder("p").
		AddStep(producer).
		AddStep(consumer).
		Bind("evaluator", "dataset", "trainer", "model").
		Build()

	var mismatch *TypeMismatchError
	if !errors.As(err, &mismatch) {
		t.Fatalf("expected TypeMismatchError, got %v", err)
	}
	if mismatch.Want != "dataset" || mismatch.Got != "model" {
		t.Fatalf("expected want=dataset got=model, got want=%s got=%s", mismatch.Want, mismatch.Got)
	}
	if mismatch.Step != "evaluator" || mismatch.From != "trainer" {
		t.Fatalf("unexpected endpoints: %+v", mismatch)
	}
}

func TestBuildShapeIssues(t *testing.T) {
	tests := []struct {
		name    string
		builder *Builder
		want    string
	}{
		{
			name:    "empty pipeline name",
			builder: NewBuilder("  ").AddStep(testStep("a")),
			want:    "pipeline name is required",
		},
		{
			name:    "no steps",
			builder: NewBuilder("p"),
			want:    "at least one step is required",
		},
		{
			name:    "duplicate step name",
			builder: NewBuilder("p").AddStep(testStep("a")).AddStep(testStep("a")),
			want:    `duplicate step name "a"`,
		},
		{
			name: "missing run function",
			builder: NewBuilder("p").AddStep(StepSpec{
				Name:    "a",
				Version: "v1",
				Outputs: []ValueSpec{{Name: "out", Type: "data"}},
			}),
			want: "run function is required",
		},
		{
			name: "missing version",
			builder: NewBuilder("p").AddStep(StepSpec{
				Name:    "a",
				Outputs: []ValueSpec{{Name: "out", Type: "data"}},
				Run:     passthrough,
			}),
			want: "version is required",
		},
		{
			name: "duplicate output name",
			builder: NewBuilder("p").AddStep(StepSpec{
				Name:    "a",
				Version: "v1",
				Outputs: []ValueSpec{{Name: "out", Type: "data"}, {Name: "out", Type: "data"}},
				Run:     passthrough,
			}),
			want: `duplicate output "out"`,
		},
		{
			name: "binding to undeclared input",
			builder: NewBuilder("p").
				AddStep(testStep("a")).
				AddStep(testStep("b")).
				Bind("b", "ghost", "a", "out"),
			want: `undeclared input "ghost"`,
		},
		{
			name: "binding to unknown step",
			builder: NewBuilder("p").
				AddStep(testStep("a")).
				Bind("ghost", "x", "a", "out"),
			want: `unknown step "ghost"`,
		},
		{
			name: "input bound twice",
			builder: NewBuilder("p").
				AddStep(testStep("a")).
				AddStep(testStep("b", "x")).
				Bind("b", "x", "a", "out").
				BindValue("b", "x", 42),
			want: `bound more than once`,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := tt.builder.Build()
			var verr *ValidationError
			if !errors.As(err, &verr) {
				t.Fatalf("expected ValidationError, got %v", err)
			}
			if !strings.Contains(verr.Error(), tt.want) {
				t.Fatalf("expected issue containing %q, got %q", tt.want, verr.Error())
			}
		})
	}
}

func TestSourcesFollowDeclaredInputOrder(t *testing.T) {
	p, err := diamond().Build()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	sources := p.Sources("publish")
	if len(sources) != 2 {
		t.Fatalf("expected 2 sources, got %d", len(sources))
	}
	if sources[0].Input != "model" || sources[0].From != "train" {
		t.Fatalf("unexpected first source: %+v", sources[0])
	}
	if sources[1].Input != "report" || sources[1].From != "validate" {
		t.Fatalf("unexpected second source: %+v", sources[1])
	}
}

func TestBoundValuesResolveAsLiterals(t *testing.T) {
	p, err := NewBuilder("p").
		AddStep(testStep("a", "threshold")).
		BindValue("a", "threshold", 0.9).
		Build()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	sources := p.Sources("a")
	if len(sources) != 1 {
		t.Fatalf("expected 1 source, got %d", len(sources))
	}
	if sources[0].From != "" {
		t.Fatalf("expected literal source, got %+v", sources[0])
	}
	if sources[0].Literal != 0.9 {
		t.Fatalf("expected literal 0.9, got %v", sources[0].Literal)
	}
}

func TestGraphAccessors(t *testing.T) {
	p, err := diamond().Build()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if want := []string{"ingest"}; !reflect.DeepEqual(p.Upstream("train"), want) {
		t.Fatalf("expected upstream %v, got %v", want, p.Upstream("train"))
	}
	if want := []string{"train", "validate"}; !reflect.DeepEqual(p.Downstream("ingest"), want) {
		t.Fatalf("expected downstream %v, got %v", want, p.Downstream("ingest"))
	}
	if want := []string{"train", "validate", "publish"}; !reflect.DeepEqual(p.Descendants("ingest"), want) {
		t.Fatalf("expected descendants %v, got %v", want, p.Descendants("ingest"))
	}
	if got := p.Descendants("publish"); len(got) != 0 {
		t.Fatalf("expected no descendants, got %v", got)
	}
}

func TestSnapshotDeterministic(t *testing.T) {
	build := func() *Pipeline {
		spec := testStep("a", "threshold")
		spec.Defaults = Values{"lr": 0.01, "epochs": 3}
		p, err := NewBuilder("p").
			AddStep(spec).
			AddStep(testStep("b", "x")).
			Bind("b", "x", "a", "out").
			BindValue("a", "threshold", 0.5).
			Build()
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		return p
	}

	first, err := build().Snapshot()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	second, err := build().Snapshot()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !bytes.Equal(first, second) {
		t.Fatalf("expected identical snapshots:\n%s\n%s", first, second)
	}
}
