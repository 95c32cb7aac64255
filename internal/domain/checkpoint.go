package domain

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/datatypes"
)

/*
TaskCheckpoint is the durable resume snapshot for a generation task.
One row per (task_id, version); versions are strictly monotonic and a write
with a stale version is rejected, never reapplied. A checkpoint is written
only after the corresponding task-row write has committed, so the checkpoint
is never ahead of durable state. It is read exactly once, at resume time.
*/
type TaskCheckpoint struct {
	ID        uuid.UUID      `gorm:"type:uuid;default:uuid_generate_v4();primaryKey" json:"id"`
	TaskID    uuid.UUID      `gorm:"type:uuid;not null;uniqueIndex:idx_checkpoint_task_version,priority:1" json:"task_id"`
	Version   int            `gorm:"column:version;not null;uniqueIndex:idx_checkpoint_task_version,priority:2" json:"version"`
	Snapshot  datatypes.JSON `gorm:"column:snapshot;type:jsonb" json:"snapshot"`
	CreatedAt time.Time      `gorm:"not null;default:now();index" json:"created_at"`
}

func (TaskCheckpoint) TableName() string { return "task_checkpoint" }
