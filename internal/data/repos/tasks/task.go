package tasks

import (
	"errors"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/norvand/pathlight-backend/internal/domain"
	"github.com/norvand/pathlight-backend/internal/pkg/dbctx"
	"github.com/norvand/pathlight-backend/internal/pkg/logger"
)

// ErrConcurrentTransition means another worker already advanced this task past
// the step the caller observed. Callers must treat it as "someone else won",
// not as a task failure.
var ErrConcurrentTransition = errors.New("task step already advanced by a concurrent transition")

type TaskRepo interface {
	Create(dbc dbctx.Context, tasks []*domain.GenerationTask) ([]*domain.GenerationTask, error)
	GetByIDs(dbc dbctx.Context, ids []uuid.UUID) ([]*domain.GenerationTask, error)
	GetByID(dbc dbctx.Context, id uuid.UUID) (*domain.GenerationTask, error)
	ClaimNextRunnable(dbc dbctx.Context, queue string, staleRunning time.Duration) (*domain.GenerationTask, error)
	UpdateFields(dbc dbctx.Context, id uuid.UUID, updates map[string]interface{}) error
	UpdateFieldsUnlessStatus(dbc dbctx.Context, id uuid.UUID, disallowedStatuses []string, updates map[string]interface{}) (bool, error)
	TransitionStep(dbc dbctx.Context, id uuid.UUID, fromStep string, status string, toStep string, updates map[string]interface{}) error
	Heartbeat(dbc dbctx.Context, id uuid.UUID) error
}

type taskRepo struct {
	db  *gorm.DB
	log *logger.Logger
}

func NewTaskRepo(db *gorm.DB, baseLog *logger.Logger) TaskRepo {
	return &taskRepo{
		db:  db,
		log: baseLog.With("repo", "TaskRepo"),
	}
}

func (r *taskRepo) handle(dbc dbctx.Context) *gorm.DB {
	transaction := dbc.Tx
	if transaction == nil {
		transaction = r.db
	}
	return transaction.WithContext(dbc.Ctx)
}

func (r *taskRepo) Create(dbc dbctx.Context, tasks []*domain.GenerationTask) ([]*domain.GenerationTask, error) {
	if len(tasks) == 0 {
		return []*domain.GenerationTask{}, nil
	}
	if err := r.handle(dbc).Create(&tasks).Error; err != nil {
		return nil, err
	}
	return tasks, nil
}

func (r *taskRepo) GetByIDs(dbc dbctx.Context, ids []uuid.UUID) ([]*domain.GenerationTask, error) {
	var out []*domain.GenerationTask
	if len(ids) == 0 {
		return out, nil
	}
	if err := r.handle(dbc).
		Where("id IN ?", ids).
		Find(&out).Error; err != nil {
		return nil, err
	}
	return out, nil
}

func (r *taskRepo) GetByID(dbc dbctx.Context, id uuid.UUID) (*domain.GenerationTask, error) {
	if id == uuid.Nil {
		return nil, nil
	}
	var task domain.GenerationTask
	err := r.handle(dbc).
		Where("id = ?", id).
		Limit(1).
		Find(&task).Error
	if err != nil {
		return nil, err
	}
	if task.ID == uuid.Nil {
		return nil, nil
	}
	return &task, nil
}

/*
ClaimNextRunnable picks one runnable task on the named queue and locks it.
Runnable means:
  - status = pending and not currently locked, or
  - status = processing with its locks cleared (a resumed review decision
    waiting for redispatch), or
  - status = processing with a heartbeat older than staleRunning (crashed
    worker takeover; the checkpoint version guard makes the redispatch safe).

Failed tasks are never claimed here: the orchestrator performs no automatic
retries, recovery goes through TaskService.RetryFailed. Claiming bumps
attempts and stamps locked_at/heartbeat_at under SKIP LOCKED so concurrent
workers on the same queue cannot double-claim a row.
*/
func (r *taskRepo) ClaimNextRunnable(dbc dbctx.Context, queue string, staleRunning time.Duration) (*domain.GenerationTask, error) {
	now := time.Now()
	staleCutoff := now.Add(-staleRunning)
	var claimed *domain.GenerationTask
	err := r.handle(dbc).Transaction(func(txx *gorm.DB) error {
		var task domain.GenerationTask
		q := txx.Clauses(clause.Locking{Strength: "UPDATE", Options: "SKIP LOCKED"}).
			Where(`
        queue = ?
        AND (
          (status = ? AND locked_at IS NULL)
          OR (status = ? AND locked_at IS NULL)
          OR (
            status = ?
            AND heartbeat_at IS NOT NULL
            AND heartbeat_at < ?
          )
        )
      `, queue, domain.TaskStatusPending, domain.TaskStatusProcessing, domain.TaskStatusProcessing, staleCutoff).
			Order("created_at ASC")
		qErr := q.First(&task).Error
		if errors.Is(qErr, gorm.ErrRecordNotFound) {
			return nil
		}
		if qErr != nil {
			return qErr
		}
		uErr := txx.Model(&domain.GenerationTask{}).
			Where("id = ?", task.ID).
			Updates(map[string]interface{}{
				"attempts":     gorm.Expr("attempts + 1"),
				"locked_at":    now,
				"heartbeat_at": now,
				"updated_at":   now,
			}).Error
		if uErr != nil {
			return uErr
		}
		claimed = &task
		return nil
	})
	if err != nil {
		return nil, err
	}
	return claimed, nil
}

func (r *taskRepo) UpdateFields(dbc dbctx.Context, id uuid.UUID, updates map[string]interface{}) error {
	if id == uuid.Nil || len(updates) == 0 {
		return nil
	}
	return r.handle(dbc).
		Model(&domain.GenerationTask{}).
		Where("id = ?", id).
		Updates(updates).Error
}

func (r *taskRepo) UpdateFieldsUnlessStatus(dbc dbctx.Context, id uuid.UUID, disallowedStatuses []string, updates map[string]interface{}) (bool, error) {
	if id == uuid.Nil || len(updates) == 0 {
		return false, nil
	}
	q := r.handle(dbc).
		Model(&domain.GenerationTask{}).
		Where("id = ?", id)
	if len(disallowedStatuses) > 0 {
		q = q.Where("status NOT IN ?", disallowedStatuses)
	}
	res := q.Updates(updates)
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected > 0, nil
}

/*
TransitionStep atomically moves a task from one workflow step to another.
The write is guarded by the step the caller observed: if the row no longer
sits at fromStep (another worker advanced it, or the task went terminal), no
fields change and ErrConcurrentTransition is returned. status and
current_step always change in this one statement, which is what keeps
get_status readers from ever observing a half-applied transition.
*/
func (r *taskRepo) TransitionStep(dbc dbctx.Context, id uuid.UUID, fromStep string, status string, toStep string, updates map[string]interface{}) error {
	if id == uuid.Nil {
		return errors.New("missing task id")
	}
	now := time.Now()
	merged := map[string]interface{}{
		"status":       status,
		"current_step": toStep,
		"updated_at":   now,
	}
	for k, v := range updates {
		merged[k] = v
	}
	res := r.handle(dbc).
		Model(&domain.GenerationTask{}).
		Where("id = ? AND current_step = ?", id, fromStep).
		Where("status NOT IN ?", []string{
			domain.TaskStatusCompleted,
			domain.TaskStatusPartialFailure,
			domain.TaskStatusFailed,
		}).
		Updates(merged)
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return ErrConcurrentTransition
	}
	return nil
}

func (r *taskRepo) Heartbeat(dbc dbctx.Context, id uuid.UUID) error {
	if id == uuid.Nil {
		return nil
	}
	now := time.Now()
	return r.handle(dbc).
		Model(&domain.GenerationTask{}).
		Where("id = ?", id).
		Updates(map[string]interface{}{
			"heartbeat_at": now,
			"updated_at":   now,
		}).Error
}
