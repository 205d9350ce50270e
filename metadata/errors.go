package metadata

import (
	"errors"
	"fmt"
)

var (
	// ErrNotFound reports a lookup that matched no record.
	ErrNotFound = errors.New("metadata record not found")
	// ErrRunExists reports a run name collision within a pipeline.
	ErrRunExists = errors.New("run name already exists for pipeline")
)

// InvalidTransitionError reports a status transition the status
// machine forbids. Entity is "run" or "step".
type InvalidTransitionError struct {
	Entity string
	ID     string
	From   string
	To     string
}

func (e *InvalidTransitionError) Error() string {
	return fmt.Sprintf("%s %s: invalid status transition %s -> %s", e.Entity, e.ID, e.From, e.To)
}
