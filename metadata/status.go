package metadata

// RunStatus is the lifecycle state of a pipeline run.
type RunStatus string

const (
	RunRunning   RunStatus = "running"
	RunCompleted RunStatus = "completed"
	RunFailed    RunStatus = "failed"
	RunAborted   RunStatus = "aborted"
)

// Terminal reports whether no further run transitions are allowed.
func (s RunStatus) Terminal() bool {
	switch s {
	case RunCompleted, RunFailed, RunAborted:
		return true
	}
	return false
}

// CanTransitionRun enforces forward-only run progression: a running
// run may reach exactly one terminal status, and terminal statuses are
// final.
func CanTransitionRun(current, next RunStatus) bool {
	return current == RunRunning && next.Terminal()
}

// StepStatus is the lifecycle state of one step execution.
type StepStatus string

const (
	StepPending   StepStatus = "pending"
	StepRunning   StepStatus = "running"
	StepCached    StepStatus = "cached"
	StepCompleted StepStatus = "completed"
	StepFailed    StepStatus = "failed"
	StepAborted   StepStatus = "aborted"
	StepNotRun    StepStatus = "not_run"
)

// Terminal reports whether no further step transitions are allowed.
func (s StepStatus) Terminal() bool {
	switch s {
	case StepCached, StepCompleted, StepFailed, StepAborted, StepNotRun:
		return true
	}
	return false
}

// AllowedPrior lists the statuses a step execution may hold
// immediately before moving to next. Pending is the creation status
// and never a transition target; terminal statuses have no successors.
func AllowedPrior(next StepStatus) []StepStatus {
	switch next {
	case StepRunning, StepCached, StepNotRun:
		return []StepStatus{StepPending}
	case StepCompleted:
		return []StepStatus{StepRunning}
	case StepFailed, StepAborted:
		return []StepStatus{StepPending, StepRunning}
	default:
		return nil
	}
}

// CanTransitionStep reports whether a step execution may move from
// current to next.
func CanTransitionStep(current, next StepStatus) bool {
	for _, allowed := range AllowedPrior(next) {
		if allowed == current {
			return true
		}
	}
	return false
}
