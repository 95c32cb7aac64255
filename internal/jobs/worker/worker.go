package worker

import (
	"context"
	"fmt"
	"time"

	"gorm.io/gorm"

	"github.com/norvand/pathlight-backend/internal/data/repos/tasks"
	"github.com/norvand/pathlight-backend/internal/domain"
	jobruntime "github.com/norvand/pathlight-backend/internal/jobs/runtime"
	"github.com/norvand/pathlight-backend/internal/observability"
	"github.com/norvand/pathlight-backend/internal/pkg/dbctx"
	"github.com/norvand/pathlight-backend/internal/pkg/logger"
	"github.com/norvand/pathlight-backend/internal/services"
	"github.com/norvand/pathlight-backend/internal/utils"
)

// PoolConfig sizes one queue's worker pool.
type PoolConfig struct {
	Queue       string
	Concurrency int
	// MaxTasksPerWorker recycles a worker goroutine after it has executed
	// this many tasks; 0 disables recycling.
	MaxTasksPerWorker int
}

// DefaultPools reads the per-queue sizing from the environment.
func DefaultPools(log *logger.Logger) []PoolConfig {
	return []PoolConfig{
		{
			Queue:             domain.QueueWorkflow,
			Concurrency:       utils.GetEnvAsInt("WORKFLOW_QUEUE_CONCURRENCY", 2, log),
			MaxTasksPerWorker: utils.GetEnvAsInt("WORKER_MAX_TASKS", 50, log),
		},
		{
			Queue:             domain.QueueContent,
			Concurrency:       utils.GetEnvAsInt("CONTENT_QUEUE_CONCURRENCY", 8, log),
			MaxTasksPerWorker: utils.GetEnvAsInt("WORKER_MAX_TASKS", 50, log),
		},
		{
			Queue:             domain.QueueAux,
			Concurrency:       utils.GetEnvAsInt("AUX_QUEUE_CONCURRENCY", 1, log),
			MaxTasksPerWorker: utils.GetEnvAsInt("WORKER_MAX_TASKS", 50, log),
		},
	}
}

/*
Worker polls the task queues and dispatches claimed rows to registered
handlers. Each queue gets its own fixed-size pool; a worker goroutine claims
one task at a time, keeps a heartbeat alive while the handler runs, and
recycles itself after MaxTasksPerWorker dispatches. A processing row whose
heartbeat goes stale becomes claimable again, which is what lets a surviving
process take over after a crash.
*/
type Worker struct {
	db       *gorm.DB
	log      *logger.Logger
	repo     tasks.TaskRepo
	registry *jobruntime.Registry
	notify   services.TaskNotifier

	pollInterval      time.Duration
	heartbeatInterval time.Duration
	staleRunning      time.Duration
}

func NewWorker(db *gorm.DB, baseLog *logger.Logger, repo tasks.TaskRepo, registry *jobruntime.Registry, notify services.TaskNotifier) *Worker {
	wlog := baseLog.With("component", "TaskWorker")
	return &Worker{
		db:                db,
		log:               wlog,
		repo:              repo,
		registry:          registry,
		notify:            notify,
		pollInterval:      time.Duration(utils.GetEnvAsInt("WORKER_POLL_INTERVAL_MS", 1000, wlog)) * time.Millisecond,
		heartbeatInterval: time.Duration(utils.GetEnvAsInt("WORKER_HEARTBEAT_SECONDS", 15, wlog)) * time.Second,
		staleRunning:      time.Duration(utils.GetEnvAsInt("WORKER_STALE_RUNNING_SECONDS", 120, wlog)) * time.Second,
	}
}

func (w *Worker) Start(ctx context.Context, pools []PoolConfig) {
	for _, pool := range pools {
		if pool.Concurrency < 1 {
			pool.Concurrency = 1
		}
		w.log.Info("Starting worker pool",
			"queue", pool.Queue,
			"concurrency", pool.Concurrency,
			"max_tasks_per_worker", pool.MaxTasksPerWorker,
		)
		for i := 0; i < pool.Concurrency; i++ {
			go w.superviseWorker(ctx, pool, i+1)
		}
	}
}

// superviseWorker keeps exactly one worker slot alive, starting a fresh
// runLoop whenever the previous one recycled.
func (w *Worker) superviseWorker(ctx context.Context, pool PoolConfig, slot int) {
	for {
		if ctx.Err() != nil {
			return
		}
		w.runLoop(ctx, pool, slot)
	}
}

func (w *Worker) runLoop(ctx context.Context, pool PoolConfig, slot int) {
	ticker := time.NewTicker(w.pollInterval)
	defer ticker.Stop()

	handled := 0
	for {
		select {
		case <-ctx.Done():
			w.log.Info("Worker loop stopped", "queue", pool.Queue, "slot", slot)
			return
		case <-ticker.C:
			task, err := w.repo.ClaimNextRunnable(dbctx.Context{Ctx: ctx}, pool.Queue, w.staleRunning)
			if err != nil {
				w.log.Warn("ClaimNextRunnable failed", "queue", pool.Queue, "slot", slot, "error", err)
				continue
			}
			if task == nil {
				continue
			}
			observability.Current().IncTaskClaimed(pool.Queue)

			w.dispatch(ctx, task, pool.Queue, slot)

			handled++
			if pool.MaxTasksPerWorker > 0 && handled >= pool.MaxTasksPerWorker {
				w.log.Info("Recycling worker", "queue", pool.Queue, "slot", slot, "handled", handled)
				return
			}
		}
	}
}

func (w *Worker) dispatch(ctx context.Context, task *domain.GenerationTask, queue string, slot int) {
	jc := jobruntime.NewContext(ctx, w.db, task, w.repo, w.notify)

	h, ok := w.registry.Get(task.TaskType)
	if !ok {
		w.log.Warn("No handler registered for task_type",
			"queue", queue,
			"slot", slot,
			"task_type", task.TaskType,
			"task_id", task.ID,
		)
		jc.Fail(&missingHandlerError{TaskType: task.TaskType})
		return
	}

	hbCtx, stopHeartbeat := context.WithCancel(ctx)
	go w.heartbeatLoop(hbCtx, jc)
	defer stopHeartbeat()

	defer func() {
		if r := recover(); r != nil {
			w.log.Error("Task handler panic",
				"queue", queue,
				"slot", slot,
				"task_id", task.ID,
				"task_type", task.TaskType,
				"panic", r,
			)
			jc.Fail(errFromRecover(r))
		}
	}()

	if runErr := h.Run(jc); runErr != nil {
		// Handlers persist their own failures; this is a safety net.
		jc.Fail(runErr)
	}
}

func (w *Worker) heartbeatLoop(ctx context.Context, jc *jobruntime.Context) {
	ticker := time.NewTicker(w.heartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			jc.Heartbeat()
		}
	}
}

type missingHandlerError struct{ TaskType string }

func (e *missingHandlerError) Error() string {
	return "no handler registered for task_type=" + e.TaskType
}

func errFromRecover(v any) error { return &panicError{Val: v} }

type panicError struct{ Val any }

func (e *panicError) Error() string { return fmt.Sprintf("panic: %v", e.Val) }
