package taskrun

import "github.com/google/uuid"

const (
	WorkflowName = "task_run"
	ActivityTick = "task_run_tick"
	SignalResume = "task_resume"
)

// Input starts one task_run workflow per generation task. The workflow drives
// the task to a terminal status by calling the tick activity repeatedly.
type Input struct {
	TaskID uuid.UUID `json:"task_id"`
}

// ResumeSignal carries a human review decision into a suspended run.
type ResumeSignal struct {
	Approved bool   `json:"approved"`
	Feedback string `json:"feedback,omitempty"`
}

// TickResult is what one activity invocation observed after dispatching (or
// short-circuiting on) the task.
type TickResult struct {
	TaskID   uuid.UUID `json:"task_id"`
	Status   string    `json:"status"`
	Step     string    `json:"step"`
	Progress int       `json:"progress"`
}
