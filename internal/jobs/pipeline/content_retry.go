package pipeline

import (
	"fmt"

	"github.com/norvand/pathlight-backend/internal/data/repos/tasks"
	"github.com/norvand/pathlight-backend/internal/domain"
	jobruntime "github.com/norvand/pathlight-backend/internal/jobs/runtime"
	"github.com/norvand/pathlight-backend/internal/pkg/dbctx"
	"github.com/norvand/pathlight-backend/internal/pkg/logger"
	"github.com/norvand/pathlight-backend/internal/workflow"
)

// ContentRetryHandler re-runs content generation for the failed concepts of
// a completed-with-failures parent task.
type ContentRetryHandler struct {
	log   *logger.Logger
	brain *workflow.Brain
	tasks tasks.TaskRepo
}

func NewContentRetryHandler(log *logger.Logger, brain *workflow.Brain, taskRepo tasks.TaskRepo) *ContentRetryHandler {
	return &ContentRetryHandler{
		log:   log.With("handler", "ContentRetry"),
		brain: brain,
		tasks: taskRepo,
	}
}

func (h *ContentRetryHandler) Type() string { return domain.TaskTypeContentRetry }

func (h *ContentRetryHandler) Run(jc *jobruntime.Context) error {
	if jc.Task.ParentTaskID == nil {
		jc.Fail(fmt.Errorf("content retry task has no parent"))
		return nil
	}
	parent, err := h.tasks.GetByID(dbctx.Context{Ctx: jc.Ctx}, *jc.Task.ParentTaskID)
	if err != nil {
		jc.Fail(fmt.Errorf("load parent task: %w", err))
		return nil
	}
	if parent == nil {
		jc.Fail(fmt.Errorf("parent task %s not found", jc.Task.ParentTaskID))
		return nil
	}
	if err := h.brain.RetryContent(jc.Ctx, jc.Task, parent); err != nil {
		h.log.Error("content retry failed", "task_id", jc.Task.ID, "parent_task_id", parent.ID, "error", err)
	}
	return nil
}
