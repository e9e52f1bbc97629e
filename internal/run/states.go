// Package run coordinates planned workflow runs through their lifecycle:
// claiming concurrency groups, dispatching job instances to the bus,
// applying runner callbacks and finalizing.
package run

// Run statuses.
const (
	RunQueued    = "queued"
	RunRunning   = "running"
	RunSucceeded = "succeeded"
	RunFailed    = "failed"
	RunCancelled = "cancelled"
)

// Job instance statuses.
const (
	JobPending    = "pending"
	JobDispatched = "dispatched"
	JobSucceeded  = "succeeded"
	JobFailed     = "failed"
	JobCancelled  = "cancelled"
	JobSkipped    = "skipped"
)

// RunTerminal reports whether a run status is final.
func RunTerminal(s string) bool {
	switch s {
	case RunSucceeded, RunFailed, RunCancelled:
		return true
	default:
		return false
	}
}

// JobTerminal reports whether a job instance status is final.
func JobTerminal(s string) bool {
	switch s {
	case JobSucceeded, JobFailed, JobCancelled, JobSkipped:
		return true
	default:
		return false
	}
}

// CanTransitionRun reports whether a run may move between two statuses.
// Terminal statuses never transition, which is what drops late and
// duplicate callbacks.
func CanTransitionRun(from, to string) bool {
	switch from {
	case RunQueued:
		return to == RunRunning || to == RunCancelled
	case RunRunning:
		return to == RunSucceeded || to == RunFailed || to == RunCancelled
	default:
		return false
	}
}

// CanTransitionJob reports whether a job instance may move between two
// statuses.
func CanTransitionJob(from, to string) bool {
	switch from {
	case JobPending:
		return to == JobDispatched || to == JobCancelled || to == JobSkipped
	case JobDispatched:
		return to == JobSucceeded || to == JobFailed || to == JobCancelled
	default:
		return false
	}
}
