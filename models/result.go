package models

import "time"

// TaskState is the lifecycle state of a task within one run.
type TaskState int

const (
	TaskPending TaskState = iota
	TaskRunning
	TaskCompleted
	// TaskSkipped marks a task already completed by an earlier run.
	TaskSkipped
	// TaskAborted marks a task halted by a run-fatal error such as quota exhaustion.
	TaskAborted
	// TaskStopped marks a task interrupted by a graceful stop. It stays resumable.
	TaskStopped
	// TaskFailed marks a task whose every fetched page exhausted its retries.
	TaskFailed
)

func (s TaskState) String() string {
	switch s {
	case TaskPending:
		return "pending"
	case TaskRunning:
		return "running"
	case TaskCompleted:
		return "completed"
	case TaskSkipped:
		return "skipped"
	case TaskAborted:
		return "aborted"
	case TaskStopped:
		return "stopped"
	case TaskFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// Terminal reports whether no further transitions are possible in this run.
func (s TaskState) Terminal() bool {
	return s != TaskPending && s != TaskRunning
}

// TaskOutcome summarises how one task ended.
type TaskOutcome struct {
	Task       Task
	State      TaskState
	Pages      int
	Seen       int
	Accepted   int
	Duplicates int
	Fallback   bool
	Err        error
}

// HarvestResult holds the overall result of a harvest run.
type HarvestResult struct {
	RunID      string
	StartTime  time.Time
	EndTime    time.Time
	Outcomes   []TaskOutcome
	Requests   int
	PageErrors int
	Seen       int
	Accepted   int
	Duplicates int
	Rejected   map[string]int
	StopReason string
}

// CountByState tallies outcomes per terminal state.
func (r *HarvestResult) CountByState() map[TaskState]int {
	counts := make(map[TaskState]int)
	if r == nil {
		return counts
	}
	for _, o := range r.Outcomes {
		counts[o.State]++
	}
	return counts
}

// Duration returns the wall-clock length of the run.
func (r *HarvestResult) Duration() time.Duration {
	if r == nil || r.EndTime.IsZero() {
		return 0
	}
	return r.EndTime.Sub(r.StartTime)
}
