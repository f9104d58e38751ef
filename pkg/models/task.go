package models

import (
	"fmt"

	"github.com/fabsim/fabsim/pkg/sim"
)

// TaskState is the lifecycle state of a task.
type TaskState string

const (
	TaskStateCreated    TaskState = "created"
	TaskStateValidating TaskState = "validating"
	TaskStateBlocked    TaskState = "blocked" // waiting on a resource pool
	TaskStateRunning    TaskState = "running"
	TaskStateCompleted  TaskState = "completed"
	TaskStateFailed     TaskState = "failed"
)

// ProcessResult is the immutable outcome of one task, chain, group or graph
// execution. Failures are data: a failed result flows downstream exactly
// like a success, carrying Error for consumers to interpret.
type ProcessResult struct {
	TaskID    string   `json:"task_id"`
	Name      string   `json:"name"`
	Success   bool     `json:"success"`
	Payload   any      `json:"payload,omitempty"`
	StartedAt sim.Time `json:"started_at"`
	EndedAt   sim.Time `json:"ended_at"`
	Duration  sim.Time `json:"duration"`
	Error     string   `json:"error,omitempty"`
}

// Failure builds a failed result for a task at the given instant.
func Failure(taskID, name string, at sim.Time, err error) ProcessResult {
	return ProcessResult{
		TaskID:    taskID,
		Name:      name,
		Success:   false,
		StartedAt: at,
		EndedAt:   at,
		Error:     err.Error(),
	}
}

// ValidationFailure marks a mandatory resource requirement that cannot be
// satisfied. It is reported inside the task's own result, never thrown past
// the task boundary.
type ValidationFailure struct {
	TaskID      string
	Requirement ResourceRequirement
	Reason      string
}

func (e *ValidationFailure) Error() string {
	return fmt.Sprintf("task %s: mandatory requirement %s unsatisfiable: %s", e.TaskID, e.Requirement, e.Reason)
}

// BehaviorStatus is a point-in-time snapshot of a domain resource behavior
// (machine, worker, transport, buffer). The engine treats behaviors as
// opaque; collaborators poll these snapshots for reporting.
type BehaviorStatus struct {
	ID          string   `json:"id"`
	Kind        string   `json:"kind"`
	Capacity    int      `json:"capacity"`
	InUse       int      `json:"in_use"`
	Failures    int      `json:"failures"`
	Available   bool     `json:"available"`
	Processed   int      `json:"processed"`
	BusyTime    sim.Time `json:"busy_time"`
	Utilization float64  `json:"utilization"`
}
