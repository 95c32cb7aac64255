package handlers

import (
	"context"
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/norvand/pathlight-backend/internal/jobs"
	"github.com/norvand/pathlight-backend/internal/pkg/logger"
	"github.com/norvand/pathlight-backend/internal/workflow"
)

// WorkflowDispatcher accelerates task pickup through Temporal. It is optional:
// with a nil dispatcher the polling worker pools claim the row on their own.
type WorkflowDispatcher interface {
	StartTaskRun(ctx context.Context, taskID uuid.UUID) error
	SignalResume(ctx context.Context, taskID uuid.UUID, approved bool, feedback string)
}

type TaskHandler struct {
	log        *logger.Logger
	tasks      jobs.TaskService
	dispatcher WorkflowDispatcher
}

func NewTaskHandler(log *logger.Logger, tasks jobs.TaskService, dispatcher WorkflowDispatcher) *TaskHandler {
	return &TaskHandler{
		log:        log.With("handler", "TaskHandler"),
		tasks:      tasks,
		dispatcher: dispatcher,
	}
}

type submitTaskRequest struct {
	Preferences map[string]any `json:"preferences" binding:"required"`
	AutoApprove bool           `json:"auto_approve"`
}

// POST /api/tasks
func (h *TaskHandler) SubmitTask(c *gin.Context) {
	userID, ok := RequestUserID(c)
	if !ok {
		RespondError(c, http.StatusUnauthorized, "missing_user", errors.New("user identity required"))
		return
	}
	var req submitTaskRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		RespondError(c, http.StatusBadRequest, "invalid_request", err)
		return
	}

	task, err := h.tasks.Submit(c.Request.Context(), userID, req.Preferences, req.AutoApprove)
	if err != nil {
		RespondError(c, http.StatusInternalServerError, "submit_failed", err)
		return
	}

	if h.dispatcher != nil {
		if dErr := h.dispatcher.StartTaskRun(c.Request.Context(), task.ID); dErr != nil {
			// The queue pools will still pick the row up.
			h.log.Warn("temporal dispatch failed, falling back to queue pickup",
				"task_id", task.ID, "error", dErr)
		}
	}

	c.JSON(http.StatusAccepted, gin.H{"task": task})
}

// GET /api/tasks/:id
func (h *TaskHandler) GetTask(c *gin.Context) {
	userID, ok := RequestUserID(c)
	if !ok {
		RespondError(c, http.StatusUnauthorized, "missing_user", errors.New("user identity required"))
		return
	}
	taskID, err := uuid.Parse(c.Param("id"))
	if err != nil {
		RespondError(c, http.StatusBadRequest, "invalid_task_id", err)
		return
	}

	task, err := h.tasks.GetStatus(c.Request.Context(), userID, taskID)
	if err != nil {
		if errors.Is(err, jobs.ErrTaskNotFound) {
			RespondError(c, http.StatusNotFound, "task_not_found", err)
			return
		}
		RespondError(c, http.StatusInternalServerError, "get_task_failed", err)
		return
	}

	RespondOK(c, gin.H{"task": task})
}

// GET /api/tasks/:id/step
func (h *TaskHandler) GetLiveStep(c *gin.Context) {
	userID, ok := RequestUserID(c)
	if !ok {
		RespondError(c, http.StatusUnauthorized, "missing_user", errors.New("user identity required"))
		return
	}
	taskID, err := uuid.Parse(c.Param("id"))
	if err != nil {
		RespondError(c, http.StatusBadRequest, "invalid_task_id", err)
		return
	}

	step, err := h.tasks.LiveStep(c.Request.Context(), userID, taskID)
	if err != nil {
		if errors.Is(err, jobs.ErrTaskNotFound) {
			RespondError(c, http.StatusNotFound, "task_not_found", err)
			return
		}
		RespondError(c, http.StatusInternalServerError, "get_step_failed", err)
		return
	}

	RespondOK(c, gin.H{"task_id": taskID, "step": step})
}

type reviewTaskRequest struct {
	Approved bool   `json:"approved"`
	Feedback string `json:"feedback"`
}

// POST /api/tasks/:id/approve
func (h *TaskHandler) ReviewTask(c *gin.Context) {
	userID, ok := RequestUserID(c)
	if !ok {
		RespondError(c, http.StatusUnauthorized, "missing_user", errors.New("user identity required"))
		return
	}
	taskID, err := uuid.Parse(c.Param("id"))
	if err != nil {
		RespondError(c, http.StatusBadRequest, "invalid_task_id", err)
		return
	}
	var req reviewTaskRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		RespondError(c, http.StatusBadRequest, "invalid_request", err)
		return
	}

	if err := h.tasks.Review(c.Request.Context(), userID, taskID, req.Approved, req.Feedback); err != nil {
		switch {
		case errors.Is(err, jobs.ErrTaskNotFound):
			RespondError(c, http.StatusNotFound, "task_not_found", err)
		case errors.Is(err, workflow.ErrNotAwaitingReview):
			RespondError(c, http.StatusConflict, "not_awaiting_review", err)
		default:
			RespondError(c, http.StatusInternalServerError, "review_failed", err)
		}
		return
	}

	if h.dispatcher != nil {
		h.dispatcher.SignalResume(c.Request.Context(), taskID, req.Approved, req.Feedback)
	}

	RespondOK(c, gin.H{"task_id": taskID, "approved": req.Approved})
}

// POST /api/tasks/:id/retry
func (h *TaskHandler) RetryTask(c *gin.Context) {
	userID, ok := RequestUserID(c)
	if !ok {
		RespondError(c, http.StatusUnauthorized, "missing_user", errors.New("user identity required"))
		return
	}
	taskID, err := uuid.Parse(c.Param("id"))
	if err != nil {
		RespondError(c, http.StatusBadRequest, "invalid_task_id", err)
		return
	}

	task, err := h.tasks.RetryFailed(c.Request.Context(), userID, taskID)
	if err != nil {
		switch {
		case errors.Is(err, jobs.ErrTaskNotFound):
			RespondError(c, http.StatusNotFound, "task_not_found", err)
		case errors.Is(err, jobs.ErrNotRetryable):
			RespondError(c, http.StatusConflict, "not_retryable", err)
		default:
			RespondError(c, http.StatusInternalServerError, "retry_failed", err)
		}
		return
	}

	if h.dispatcher != nil {
		if dErr := h.dispatcher.StartTaskRun(c.Request.Context(), task.ID); dErr != nil {
			h.log.Warn("temporal dispatch failed, falling back to queue pickup",
				"task_id", task.ID, "error", dErr)
		}
	}

	c.JSON(http.StatusAccepted, gin.H{"task": task})
}
