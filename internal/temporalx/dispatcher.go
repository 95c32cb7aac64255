package temporalx

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"go.temporal.io/api/serviceerror"
	"go.temporal.io/sdk/client"

	"github.com/norvand/pathlight-backend/internal/pkg/logger"
	"github.com/norvand/pathlight-backend/internal/temporalx/taskrun"
)

// Dispatcher starts task_run workflows and wakes suspended ones. It is an
// optional acceleration layer over the polling worker pools: when it is
// absent, or a call fails, the pools still pick the row up on their own.
type Dispatcher struct {
	log    *logger.Logger
	client client.Client
	cfg    Config
}

func NewDispatcher(c client.Client, cfg Config, baseLog *logger.Logger) *Dispatcher {
	return &Dispatcher{
		log:    baseLog.With("component", "TemporalDispatcher"),
		client: c,
		cfg:    cfg,
	}
}

func workflowID(taskID uuid.UUID) string {
	return fmt.Sprintf("%s_%s", taskrun.WorkflowName, taskID)
}

func (d *Dispatcher) StartTaskRun(ctx context.Context, taskID uuid.UUID) error {
	_, err := d.client.ExecuteWorkflow(ctx, client.StartWorkflowOptions{
		ID:        workflowID(taskID),
		TaskQueue: d.cfg.TaskQueue,
	}, taskrun.WorkflowName, taskrun.Input{TaskID: taskID})
	if err != nil {
		if _, ok := err.(*serviceerror.WorkflowExecutionAlreadyStarted); ok {
			return nil
		}
		return fmt.Errorf("start task_run for %s: %w", taskID, err)
	}
	return nil
}

// SignalResume wakes a run suspended on human review. The decision is already
// persisted before this is called, so a missing or finished workflow is not
// an error.
func (d *Dispatcher) SignalResume(ctx context.Context, taskID uuid.UUID, approved bool, feedback string) {
	err := d.client.SignalWorkflow(ctx, workflowID(taskID), "", taskrun.SignalResume, taskrun.ResumeSignal{
		Approved: approved,
		Feedback: feedback,
	})
	if err != nil {
		if _, ok := err.(*serviceerror.NotFound); ok {
			return
		}
		d.log.With("task_id", taskID, "error", err).Warn("resume signal not delivered")
	}
}
