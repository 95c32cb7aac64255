package taskrun

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.temporal.io/sdk/activity"
	"go.temporal.io/sdk/temporal"
	"gorm.io/gorm"

	"github.com/norvand/pathlight-backend/internal/data/repos/tasks"
	"github.com/norvand/pathlight-backend/internal/domain"
	jobruntime "github.com/norvand/pathlight-backend/internal/jobs/runtime"
	"github.com/norvand/pathlight-backend/internal/pkg/dbctx"
	"github.com/norvand/pathlight-backend/internal/pkg/logger"
	"github.com/norvand/pathlight-backend/internal/services"
)

// Activities hosts the single tick activity. It reuses the same handler
// registry the polling worker pools dispatch through, so a task behaves the
// same whichever path claims it.
type Activities struct {
	log      *logger.Logger
	db       *gorm.DB
	repo     tasks.TaskRepo
	registry *jobruntime.Registry
	notify   services.TaskNotifier

	heartbeatInterval time.Duration
}

func NewActivities(db *gorm.DB, baseLog *logger.Logger, repo tasks.TaskRepo, registry *jobruntime.Registry, notify services.TaskNotifier) *Activities {
	return &Activities{
		log:               baseLog.With("component", "TaskRunActivities"),
		db:                db,
		repo:              repo,
		registry:          registry,
		notify:            notify,
		heartbeatInterval: 15 * time.Second,
	}
}

// Tick claims the task and executes exactly one stage. Terminal and suspended
// rows short-circuit without dispatching so a replayed or duplicated activity
// never re-runs work.
func (a *Activities) Tick(ctx context.Context, taskID uuid.UUID) (TickResult, error) {
	dbc := dbctx.Context{Ctx: ctx}
	task, err := a.repo.GetByID(dbc, taskID)
	if err != nil {
		return TickResult{}, fmt.Errorf("load task %s: %w", taskID, err)
	}
	if task == nil {
		// A workflow can outlive its row. Retrying cannot bring it back.
		return TickResult{}, temporal.NewNonRetryableApplicationError(
			fmt.Sprintf("task %s not found", taskID), "task_not_found", nil)
	}

	switch task.Status {
	case domain.TaskStatusCompleted,
		domain.TaskStatusPartialFailure,
		domain.TaskStatusFailed,
		domain.TaskStatusHumanReviewPending:
		return resultFrom(task), nil
	}

	now := time.Now()
	claimed, err := a.repo.UpdateFieldsUnlessStatus(dbc, task.ID,
		[]string{
			domain.TaskStatusCompleted,
			domain.TaskStatusPartialFailure,
			domain.TaskStatusFailed,
			domain.TaskStatusHumanReviewPending,
		},
		map[string]interface{}{
			"attempts":     gorm.Expr("attempts + 1"),
			"locked_at":    now,
			"heartbeat_at": now,
		})
	if err != nil {
		return TickResult{}, fmt.Errorf("claim task %s: %w", taskID, err)
	}
	if !claimed {
		// Lost a race with a review decision or another claimant.
		task, err = a.repo.GetByID(dbc, taskID)
		if err != nil {
			return TickResult{}, err
		}
		if task == nil {
			return TickResult{}, temporal.NewNonRetryableApplicationError(
				fmt.Sprintf("task %s not found", taskID), "task_not_found", nil)
		}
		return resultFrom(task), nil
	}

	handler, ok := a.registry.Get(task.TaskType)
	jc := jobruntime.NewContext(ctx, a.db, task, a.repo, a.notify)
	if !ok {
		jc.Fail(fmt.Errorf("no handler registered for task type %s", task.TaskType))
		return TickResult{}, fmt.Errorf("no handler for task type %s", task.TaskType)
	}

	hbCtx, stopHeartbeat := context.WithCancel(ctx)
	go a.heartbeatLoop(hbCtx, task.ID)

	runErr := a.runHandler(handler, jc)
	stopHeartbeat()
	if runErr != nil {
		jc.Fail(runErr)
	}

	task, err = a.repo.GetByID(dbc, taskID)
	if err != nil {
		return TickResult{}, fmt.Errorf("reload task %s: %w", taskID, err)
	}
	if task == nil {
		return TickResult{}, temporal.NewNonRetryableApplicationError(
			fmt.Sprintf("task %s not found", taskID), "task_not_found", nil)
	}
	return resultFrom(task), nil
}

func (a *Activities) runHandler(handler jobruntime.Handler, jc *jobruntime.Context) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("handler panic: %v", r)
		}
	}()
	return handler.Run(jc)
}

// heartbeatLoop keeps both the database row and the Temporal activity alive
// while the handler runs.
func (a *Activities) heartbeatLoop(ctx context.Context, taskID uuid.UUID) {
	ticker := time.NewTicker(a.heartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			activity.RecordHeartbeat(ctx, taskID.String())
			if err := a.repo.Heartbeat(dbctx.Context{Ctx: ctx}, taskID); err != nil {
				a.log.With("task_id", taskID, "error", err).Warn("task heartbeat failed")
			}
		}
	}
}

func resultFrom(task *domain.GenerationTask) TickResult {
	return TickResult{
		TaskID:   task.ID,
		Status:   task.Status,
		Step:     task.CurrentStep,
		Progress: task.Progress,
	}
}
