package temporalworker

import (
	"context"
	"time"

	"go.temporal.io/sdk/activity"
	"go.temporal.io/sdk/client"
	"go.temporal.io/sdk/worker"
	"go.temporal.io/sdk/workflow"

	"github.com/norvand/pathlight-backend/internal/pkg/logger"
	"github.com/norvand/pathlight-backend/internal/temporalx"
	"github.com/norvand/pathlight-backend/internal/temporalx/taskrun"
	"github.com/norvand/pathlight-backend/internal/utils"
)

// Runner hosts the Temporal worker for the task_run workflow and its tick
// activity. It restarts the worker with backoff when the server connection
// drops instead of taking the process down.
type Runner struct {
	log    *logger.Logger
	client client.Client
	cfg    temporalx.Config
	acts   *taskrun.Activities
}

func NewRunner(c client.Client, cfg temporalx.Config, baseLog *logger.Logger, acts *taskrun.Activities) *Runner {
	return &Runner{
		log:    baseLog.With("component", "TemporalRunner", "task_queue", cfg.TaskQueue),
		client: c,
		cfg:    cfg,
		acts:   acts,
	}
}

func (r *Runner) Start(ctx context.Context) {
	go func() {
		backoff := time.Second
		for {
			if ctx.Err() != nil {
				return
			}
			w := r.newWorker()
			err := w.Run(worker.InterruptCh())
			if ctx.Err() != nil {
				return
			}
			if err != nil {
				r.log.With("error", err).Error("temporal worker stopped, restarting")
			}
			select {
			case <-ctx.Done():
				return
			case <-time.After(backoff):
			}
			if backoff < 30*time.Second {
				backoff *= 2
			}
		}
	}()
}

func (r *Runner) newWorker() worker.Worker {
	w := worker.New(r.client, r.cfg.TaskQueue, worker.Options{
		MaxConcurrentActivityExecutionSize: utils.GetEnvAsInt("TEMPORAL_WORKER_CONCURRENCY", 8, r.log),
	})
	w.RegisterWorkflowWithOptions(taskrun.Run, workflow.RegisterOptions{Name: taskrun.WorkflowName})
	w.RegisterActivityWithOptions(r.acts.Tick, activity.RegisterOptions{Name: taskrun.ActivityTick})
	return w
}
