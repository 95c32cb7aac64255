package runtime

import (
	"context"
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/norvand/pathlight-backend/internal/data/repos/tasks"
	"github.com/norvand/pathlight-backend/internal/domain"
	"github.com/norvand/pathlight-backend/internal/observability"
	"github.com/norvand/pathlight-backend/internal/pkg/dbctx"
	"github.com/norvand/pathlight-backend/internal/services"
	"github.com/norvand/pathlight-backend/internal/workflow"
)

/*
Context is the execution handle for one claimed task dispatch. It wraps the
claimed generation_task row, the repositories a handler may touch, and the
notifier. Status and current_step belong to the coordinator: the only
lifecycle write available here is Fail, the worker's safety net for tasks
that never reached a stage (missing handler, panic before dispatch).
Handlers report liveness through Progress/Heartbeat and everything else
through the coordinator.
*/
type Context struct {
	Ctx     context.Context
	DB      *gorm.DB
	Task    *domain.GenerationTask
	Repo    tasks.TaskRepo
	Notify  services.TaskNotifier
	payload map[string]any
}

func NewContext(ctx context.Context, db *gorm.DB, task *domain.GenerationTask, repo tasks.TaskRepo, notify services.TaskNotifier) *Context {
	c := &Context{
		Ctx:    ctx,
		DB:     db,
		Task:   task,
		Repo:   repo,
		Notify: notify,
	}
	_ = c.decodePayload()
	return c
}

// decodePayload parses Task.Payload into a map. A decode failure leaves an
// empty map and returns the error; required-field validation stays with the
// handler.
func (c *Context) decodePayload() error {
	if c.Task == nil {
		return nil
	}
	if len(c.Task.Payload) == 0 {
		c.payload = map[string]any{}
		return nil
	}
	var m map[string]any
	if err := json.Unmarshal(c.Task.Payload, &m); err != nil {
		c.payload = map[string]any{}
		return err
	}
	c.payload = m
	return nil
}

// Payload never returns nil.
func (c *Context) Payload() map[string]any {
	if c.payload == nil {
		c.payload = map[string]any{}
	}
	return c.payload
}

// PayloadUUID reads a payload field and parses it as a UUID.
func (c *Context) PayloadUUID(key string) (uuid.UUID, bool) {
	v, ok := c.Payload()[key]
	if !ok || v == nil {
		return uuid.Nil, false
	}
	s, ok := v.(string)
	if !ok {
		return uuid.Nil, false
	}
	id, err := uuid.Parse(s)
	if err != nil {
		return uuid.Nil, false
	}
	return id, true
}

/*
Progress publishes a non-terminal liveness update: progress, message and
heartbeat only. It cannot touch status or current_step; those
move exclusively through the coordinator's guarded transitions.
*/
func (c *Context) Progress(pct int, msg string) {
	if c == nil || c.Repo == nil || c.Task == nil || c.Task.ID == uuid.Nil {
		return
	}
	ctx := c.Ctx
	if ctx == nil {
		ctx = context.Background()
	}
	now := time.Now()

	ok, _ := c.Repo.UpdateFieldsUnlessStatus(dbctx.Context{Ctx: ctx}, c.Task.ID, []string{
		domain.TaskStatusCompleted,
		domain.TaskStatusPartialFailure,
		domain.TaskStatusFailed,
	}, map[string]interface{}{
		"progress":     pct,
		"heartbeat_at": now,
		"updated_at":   now,
	})
	if !ok {
		return
	}

	c.Task.Progress = pct
	c.Task.HeartbeatAt = &now
	c.Task.UpdatedAt = now

	if c.Notify != nil {
		c.Notify.StageEvent(c.Task.OwnerUserID, services.TaskEvent{
			Type:      services.EventStageStarted,
			TaskID:    c.Task.ID,
			Step:      c.Task.CurrentStep,
			Status:    c.Task.Status,
			Message:   msg,
			Timestamp: now,
		})
	}
}

// Heartbeat stamps the row without emitting anything.
func (c *Context) Heartbeat() {
	if c == nil || c.Repo == nil || c.Task == nil || c.Task.ID == uuid.Nil {
		return
	}
	ctx := c.Ctx
	if ctx == nil {
		ctx = context.Background()
	}
	_ = c.Repo.Heartbeat(dbctx.Context{Ctx: ctx}, c.Task.ID)
}

/*
Fail is the dispatch safety net. It marks the task failed with the dispatch
error code unless the row already went terminal, mirroring the coordinator's
failure shape so get_status readers cannot tell the two apart structurally.
*/
func (c *Context) Fail(cause error) {
	if c == nil || c.Repo == nil || c.Task == nil || c.Task.ID == uuid.Nil {
		return
	}
	ctx := c.Ctx
	if ctx == nil {
		ctx = context.Background()
	}
	now := time.Now()
	msg := ""
	if cause != nil {
		msg = cause.Error()
	}

	ok, _ := c.Repo.UpdateFieldsUnlessStatus(dbctx.Context{Ctx: ctx}, c.Task.ID, []string{
		domain.TaskStatusCompleted,
		domain.TaskStatusPartialFailure,
		domain.TaskStatusFailed,
	}, map[string]interface{}{
		"status":        domain.TaskStatusFailed,
		"current_step":  string(workflow.StepFailed),
		"error_message": msg,
		"error_code":    domain.ErrCodeDispatchFailed,
		"last_error_at": now,
		"locked_at":     nil,
		"heartbeat_at":  nil,
		"updated_at":    now,
	})
	if !ok {
		return
	}

	c.Task.Status = domain.TaskStatusFailed
	c.Task.CurrentStep = string(workflow.StepFailed)
	c.Task.ErrorMessage = msg
	c.Task.ErrorCode = domain.ErrCodeDispatchFailed
	c.Task.LastErrorAt = &now
	c.Task.LockedAt = nil
	c.Task.UpdatedAt = now
	observability.Current().IncTaskFailed(c.Task.Queue, domain.ErrCodeDispatchFailed)

	if c.Notify != nil {
		c.Notify.TaskFailed(c.Task.OwnerUserID, c.Task, c.Task.CurrentStep, msg)
	}
}
