package domain

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

// Per-concept content statuses. Each of the three generation targets
// (tutorial, resources, quiz) tracks its own status; a concept's statuses are
// flipped only by its own generation unit, never inferred from siblings.
const (
	ContentStatusPending    = "pending"
	ContentStatusGenerating = "generating"
	ContentStatusCompleted  = "completed"
	ContentStatusFailed     = "failed"
)

type Roadmap struct {
	ID          uuid.UUID      `gorm:"type:uuid;default:uuid_generate_v4();primaryKey" json:"id"`
	OwnerUserID uuid.UUID      `gorm:"type:uuid;not null;index" json:"owner_user_id"`
	TaskID      uuid.UUID      `gorm:"type:uuid;not null;index" json:"task_id"`
	Title       string         `gorm:"column:title;not null" json:"title"`
	Summary     string         `gorm:"column:summary" json:"summary,omitempty"`
	Metadata    datatypes.JSON `gorm:"column:metadata;type:jsonb" json:"metadata,omitempty"`
	CreatedAt   time.Time      `gorm:"not null;default:now();index" json:"created_at"`
	UpdatedAt   time.Time      `gorm:"not null;default:now();index" json:"updated_at"`
	DeletedAt   gorm.DeletedAt `gorm:"index" json:"deleted_at,omitempty"`
}

func (Roadmap) TableName() string { return "roadmap" }

type RoadmapStage struct {
	ID        uuid.UUID `gorm:"type:uuid;default:uuid_generate_v4();primaryKey" json:"id"`
	RoadmapID uuid.UUID `gorm:"type:uuid;not null;index" json:"roadmap_id"`
	Index     int       `gorm:"column:index;not null" json:"index"`
	Title     string    `gorm:"column:title;not null" json:"title"`
	Objective string    `gorm:"column:objective" json:"objective,omitempty"`
	CreatedAt time.Time `gorm:"not null;default:now()" json:"created_at"`
	UpdatedAt time.Time `gorm:"not null;default:now()" json:"updated_at"`
}

func (RoadmapStage) TableName() string { return "roadmap_stage" }

type RoadmapModule struct {
	ID        uuid.UUID `gorm:"type:uuid;default:uuid_generate_v4();primaryKey" json:"id"`
	StageID   uuid.UUID `gorm:"type:uuid;not null;index" json:"stage_id"`
	RoadmapID uuid.UUID `gorm:"type:uuid;not null;index" json:"roadmap_id"`
	Index     int       `gorm:"column:index;not null" json:"index"`
	Title     string    `gorm:"column:title;not null" json:"title"`
	Summary   string    `gorm:"column:summary" json:"summary,omitempty"`
	CreatedAt time.Time `gorm:"not null;default:now()" json:"created_at"`
	UpdatedAt time.Time `gorm:"not null;default:now()" json:"updated_at"`
}

func (RoadmapModule) TableName() string { return "roadmap_module" }

type Concept struct {
	ID              uuid.UUID      `gorm:"type:uuid;default:uuid_generate_v4();primaryKey" json:"id"`
	ModuleID        uuid.UUID      `gorm:"type:uuid;not null;index" json:"module_id"`
	RoadmapID       uuid.UUID      `gorm:"type:uuid;not null;index" json:"roadmap_id"`
	Index           int            `gorm:"column:index;not null" json:"index"`
	Title           string         `gorm:"column:title;not null" json:"title"`
	Description     string         `gorm:"column:description" json:"description,omitempty"`
	ContentStatus   string         `gorm:"column:content_status;not null;default:pending;index" json:"content_status"`
	ResourcesStatus string         `gorm:"column:resources_status;not null;default:pending" json:"resources_status"`
	QuizStatus      string         `gorm:"column:quiz_status;not null;default:pending" json:"quiz_status"`
	ContentVersion  int            `gorm:"column:content_version;not null;default:0" json:"content_version"`
	Tutorial        datatypes.JSON `gorm:"column:tutorial;type:jsonb" json:"tutorial,omitempty"`
	Resources       datatypes.JSON `gorm:"column:resources;type:jsonb" json:"resources,omitempty"`
	Quiz            datatypes.JSON `gorm:"column:quiz;type:jsonb" json:"quiz,omitempty"`
	CreatedAt       time.Time      `gorm:"not null;default:now()" json:"created_at"`
	UpdatedAt       time.Time      `gorm:"not null;default:now()" json:"updated_at"`
}

func (Concept) TableName() string { return "concept" }
