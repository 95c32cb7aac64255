package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/google/uuid"
	"gorm.io/datatypes"
	"gorm.io/gorm"

	"github.com/norvand/pathlight-backend/internal/data/repos/tasks"
	"github.com/norvand/pathlight-backend/internal/domain"
	"github.com/norvand/pathlight-backend/internal/pkg/dbctx"
	"github.com/norvand/pathlight-backend/internal/pkg/logger"
	"github.com/norvand/pathlight-backend/internal/services"
	"github.com/norvand/pathlight-backend/internal/workflow"
)

var (
	ErrTaskNotFound = errors.New("task not found")
	ErrNotRetryable = errors.New("task is not in a retryable state")
)

/*
TaskService is the submission and control surface of the pipeline. Workers
never go through it; it exists for the API layer: submit a roadmap request,
poll status, resolve a human review, retry a failed run.
*/
type TaskService interface {
	Submit(ctx context.Context, userID uuid.UUID, preferences map[string]any, autoApprove bool) (*domain.GenerationTask, error)
	GetStatus(ctx context.Context, userID, taskID uuid.UUID) (*domain.GenerationTask, error)
	LiveStep(ctx context.Context, userID, taskID uuid.UUID) (string, error)
	Review(ctx context.Context, userID, taskID uuid.UUID, approved bool, feedback string) error
	RetryFailed(ctx context.Context, userID, taskID uuid.UUID) (*domain.GenerationTask, error)
}

type taskService struct {
	log         *logger.Logger
	db          *gorm.DB
	tasks       tasks.TaskRepo
	checkpoints tasks.CheckpointRepo
	brain       *workflow.Brain
	notifier    services.TaskNotifier
	stepCache   services.StepCache
}

func NewTaskService(
	log *logger.Logger,
	db *gorm.DB,
	taskRepo tasks.TaskRepo,
	checkpointRepo tasks.CheckpointRepo,
	brain *workflow.Brain,
	notifier services.TaskNotifier,
	stepCache services.StepCache,
) TaskService {
	return &taskService{
		log:         log.With("service", "TaskService"),
		db:          db,
		tasks:       taskRepo,
		checkpoints: checkpointRepo,
		brain:       brain,
		notifier:    notifier,
		stepCache:   stepCache,
	}
}

func (s *taskService) Submit(ctx context.Context, userID uuid.UUID, preferences map[string]any, autoApprove bool) (*domain.GenerationTask, error) {
	payload, err := json.Marshal(map[string]any{
		"preferences":  preferences,
		"auto_approve": autoApprove,
	})
	if err != nil {
		return nil, err
	}

	task := &domain.GenerationTask{
		ID:          uuid.New(),
		OwnerUserID: userID,
		TaskType:    domain.TaskTypeRoadmapWorkflow,
		Queue:       domain.QueueWorkflow,
		Status:      domain.TaskStatusPending,
		CurrentStep: string(workflow.StepInit),
		Payload:     datatypes.JSON(payload),
	}
	if _, err := s.tasks.Create(dbctx.Context{Ctx: ctx}, []*domain.GenerationTask{task}); err != nil {
		return nil, err
	}

	s.notifier.TaskCreated(userID, task)
	return task, nil
}

func (s *taskService) GetStatus(ctx context.Context, userID, taskID uuid.UUID) (*domain.GenerationTask, error) {
	task, err := s.owned(ctx, userID, taskID)
	if err != nil {
		return nil, err
	}
	s.stepCache.Set(ctx, task.ID, task.CurrentStep)
	return task, nil
}

// LiveStep serves the hot polling path: the cached step when fresh, the row
// otherwise. Bounded staleness only: every decision the pipeline makes
// reads the row.
func (s *taskService) LiveStep(ctx context.Context, userID, taskID uuid.UUID) (string, error) {
	if step, ok := s.stepCache.Get(ctx, taskID); ok {
		return step, nil
	}
	task, err := s.owned(ctx, userID, taskID)
	if err != nil {
		return "", err
	}
	s.stepCache.Set(ctx, task.ID, task.CurrentStep)
	return task.CurrentStep, nil
}

func (s *taskService) Review(ctx context.Context, userID, taskID uuid.UUID, approved bool, feedback string) error {
	if _, err := s.owned(ctx, userID, taskID); err != nil {
		return err
	}
	return s.brain.Resume(ctx, taskID, approved, feedback)
}

/*
RetryFailed recovers a stopped task. The split is decided by how far the
original run got:

  - A run that reached the content phase (a checkpoint at or past
    content_generation_queued, with a roadmap persisted) keeps its roadmap;
    recovery is a child content_retry task on the content queue that
    regenerates only the failed concepts.
  - A run that failed earlier resumes in place: the failed row is reset to
    pending at its last checkpointed step and the workflow queue picks it
    back up.

partial_failure tasks always take the first path, their structure is done
by definition.
*/
func (s *taskService) RetryFailed(ctx context.Context, userID, taskID uuid.UUID) (*domain.GenerationTask, error) {
	task, err := s.owned(ctx, userID, taskID)
	if err != nil {
		return nil, err
	}
	if task.Status != domain.TaskStatusFailed && task.Status != domain.TaskStatusPartialFailure {
		return nil, ErrNotRetryable
	}

	dbc := dbctx.Context{Ctx: ctx}
	cpStep, hasCheckpoint, err := s.checkpointStep(dbc, task.ID)
	if err != nil {
		return nil, err
	}

	if task.RoadmapID != nil && (task.Status == domain.TaskStatusPartialFailure || reachedContentPhase(cpStep)) {
		return s.spawnContentRetry(ctx, task)
	}
	if task.Status == domain.TaskStatusPartialFailure {
		// partial_failure without a roadmap cannot happen through the
		// coordinator; refuse rather than guess.
		return nil, ErrNotRetryable
	}

	resumeStep := workflow.StepInit
	if hasCheckpoint {
		resumeStep = cpStep
	}

	now := time.Now()
	allowedOnly := []string{
		domain.TaskStatusPending,
		domain.TaskStatusProcessing,
		domain.TaskStatusHumanReviewPending,
		domain.TaskStatusCompleted,
		domain.TaskStatusPartialFailure,
	}
	updated, err := s.tasks.UpdateFieldsUnlessStatus(dbc, task.ID, allowedOnly, map[string]interface{}{
		"status":        domain.TaskStatusPending,
		"current_step":  string(resumeStep),
		"error_message": "",
		"error_code":    "",
		"locked_at":     nil,
		"heartbeat_at":  nil,
		"updated_at":    now,
	})
	if err != nil {
		return nil, err
	}
	if !updated {
		return nil, ErrNotRetryable
	}
	s.stepCache.Invalidate(ctx, task.ID)
	return s.tasks.GetByID(dbc, task.ID)
}

func (s *taskService) spawnContentRetry(ctx context.Context, parent *domain.GenerationTask) (*domain.GenerationTask, error) {
	payload, err := json.Marshal(map[string]any{
		"parent_task_id": parent.ID.String(),
	})
	if err != nil {
		return nil, err
	}
	parentID := parent.ID
	task := &domain.GenerationTask{
		ID:           uuid.New(),
		OwnerUserID:  parent.OwnerUserID,
		TaskType:     domain.TaskTypeContentRetry,
		Queue:        domain.QueueContent,
		Status:       domain.TaskStatusPending,
		CurrentStep:  string(workflow.StepContentGeneration),
		RoadmapID:    parent.RoadmapID,
		ParentTaskID: &parentID,
	}
	task.Payload = datatypes.JSON(payload)
	if _, err := s.tasks.Create(dbctx.Context{Ctx: ctx}, []*domain.GenerationTask{task}); err != nil {
		return nil, err
	}
	s.notifier.TaskCreated(parent.OwnerUserID, task)
	return task, nil
}

func (s *taskService) checkpointStep(dbc dbctx.Context, taskID uuid.UUID) (workflow.Step, bool, error) {
	cp, err := s.checkpoints.ReadLatest(dbc, taskID)
	if err != nil {
		return "", false, err
	}
	if cp == nil {
		return "", false, nil
	}
	state, err := workflow.RestoreState(cp.Snapshot)
	if err != nil {
		return "", false, err
	}
	return state.Step, true, nil
}

func reachedContentPhase(step workflow.Step) bool {
	switch step {
	case workflow.StepContentGenerationQueued, workflow.StepContentGeneration, workflow.StepFinalizing,
		workflow.StepCompleted, workflow.StepPartialFailure:
		return true
	}
	return false
}

func (s *taskService) owned(ctx context.Context, userID, taskID uuid.UUID) (*domain.GenerationTask, error) {
	task, err := s.tasks.GetByID(dbctx.Context{Ctx: ctx}, taskID)
	if err != nil {
		return nil, err
	}
	if task == nil || task.OwnerUserID != userID {
		return nil, ErrTaskNotFound
	}
	return task, nil
}
