package domain

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

// Task statuses. Status and current_step always move together through
// TaskRepo.TransitionStep; nothing else writes them.
const (
	TaskStatusPending            = "pending"
	TaskStatusProcessing         = "processing"
	TaskStatusHumanReviewPending = "human_review_pending"
	TaskStatusCompleted          = "completed"
	TaskStatusPartialFailure     = "partial_failure"
	TaskStatusFailed             = "failed"
)

// Named queues. Each queue gets its own worker pool with independent
// concurrency; workflow steps and content units never compete for workers.
const (
	QueueWorkflow = "workflow"
	QueueContent  = "content"
	QueueAux      = "aux"
)

// Task types select the registered handler for a claimed task.
const (
	TaskTypeRoadmapWorkflow = "roadmap_workflow"
	TaskTypeContentRetry    = "content_retry"
)

// Error codes surfaced on terminally failed tasks. A generic agent error keeps
// the raw message in error_message; the code stays machine-readable.
const (
	ErrCodeAgentFailed            = "agent_failed"
	ErrCodeValidationNotConverged = "validation_not_converged"
	ErrCodeDispatchFailed         = "dispatch_failed"
)

type GenerationTask struct {
	ID             uuid.UUID      `gorm:"type:uuid;default:uuid_generate_v4();primaryKey" json:"id"`
	OwnerUserID    uuid.UUID      `gorm:"type:uuid;not null;index" json:"owner_user_id"`
	TaskType       string         `gorm:"column:task_type;not null;index;default:roadmap_workflow" json:"task_type"`
	Queue          string         `gorm:"column:queue;not null;index;default:workflow" json:"queue"`
	Status         string         `gorm:"column:status;not null;index" json:"status"`
	CurrentStep    string         `gorm:"column:current_step;not null;index" json:"current_step"`
	RoadmapID      *uuid.UUID     `gorm:"type:uuid;column:roadmap_id;index" json:"roadmap_id,omitempty"`
	ParentTaskID   *uuid.UUID     `gorm:"type:uuid;column:parent_task_id;index" json:"parent_task_id,omitempty"`
	Progress       int            `gorm:"column:progress;not null;default:0" json:"progress"`
	Attempts       int            `gorm:"column:attempts;not null;default:0" json:"attempts"`
	RevisionCount  int            `gorm:"column:revision_count;not null;default:0" json:"revision_count"`
	ErrorMessage   string         `gorm:"column:error_message" json:"error_message,omitempty"`
	ErrorCode      string         `gorm:"column:error_code" json:"error_code,omitempty"`
	FailedConcepts datatypes.JSON `gorm:"column:failed_concepts;type:jsonb" json:"failed_concepts,omitempty"`
	LockedAt       *time.Time     `gorm:"column:locked_at;index" json:"locked_at,omitempty"`
	HeartbeatAt    *time.Time     `gorm:"column:heartbeat_at;index" json:"heartbeat_at,omitempty"`
	LastErrorAt    *time.Time     `gorm:"column:last_error_at;index" json:"last_error_at,omitempty"`
	Payload        datatypes.JSON `gorm:"column:payload;type:jsonb" json:"payload"`
	Result         datatypes.JSON `gorm:"column:result;type:jsonb" json:"result"`
	CreatedAt      time.Time      `gorm:"not null;default:now();index" json:"created_at"`
	UpdatedAt      time.Time      `gorm:"not null;default:now();index" json:"updated_at"`
	DeletedAt      gorm.DeletedAt `gorm:"index" json:"deleted_at,omitempty"`
}

func (GenerationTask) TableName() string { return "generation_task" }

// Terminal reports whether the task has reached an end state. Terminal tasks
// are never claimed or transitioned again.
func TerminalStatus(status string) bool {
	switch status {
	case TaskStatusCompleted, TaskStatusPartialFailure, TaskStatusFailed:
		return true
	}
	return false
}
