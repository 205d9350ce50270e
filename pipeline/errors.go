package pipeline

import (
	"fmt"
	"strings"
)

// ValidationError aggregates structural issues found while building a
// pipeline: empty names, duplicate steps, bindings that reference
// undeclared inputs, and the like.
type ValidationError struct {
	Issues []string
}

func (e *ValidationError) Error() string {
	if len(e.Issues) == 0 {
		return "pipeline validation failed"
	}
	return "pipeline validation failed: " + strings.Join(e.Issues, "; ")
}

func (e *ValidationError) Add(issue string) {
	if strings.TrimSpace(issue) == "" {
		return
	}
	e.Issues = append(e.Issues, issue)
}

func (e *ValidationError) OrNil() error {
	if e == nil || len(e.Issues) == 0 {
		return nil
	}
	return e
}

// CycleError reports a dependency cycle between steps. Cycle holds the
// offending step names in walk order, with the entry step repeated at
// the end.
type CycleError struct {
	Cycle []string
}

func (e *CycleError) Error() string {
	return "pipeline has a dependency cycle: " + strings.Join(e.Cycle, " -> ")
}

// UnresolvedInputError reports a declared input that cannot be
// satisfied: it has no binding, or its binding names a producer step
// or output that does not exist.
type UnresolvedInputError struct {
	Step   string
	Input  string
	Reason string
}

func (e *UnresolvedInputError) Error() string {
	return fmt.Sprintf("step %q input %q cannot be resolved: %s", e.Step, e.Input, e.Reason)
}

// TypeMismatchError reports a binding whose producer output type does
// not match the consumer input type.
type TypeMismatchError struct {
	Step   string
	Input  string
	Want   string
	From   string
	Output string
	Got    string
}

func (e *TypeMismatchError) Error() string {
	return fmt.Sprintf("step %q input %q wants type %q but %s.%s has type %q",
		e.Step, e.Input, e.Want, e.From, e.Output, e.Got)
}
