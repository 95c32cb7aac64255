package taskrun

import (
	"fmt"
	"time"

	"go.temporal.io/sdk/temporal"
	"go.temporal.io/sdk/workflow"

	"github.com/norvand/pathlight-backend/internal/domain"
)

const (
	maxTicksPerRun = 200
	reviewPollEvery = 2 * time.Minute
	tickPause       = time.Second
)

// Run drives one generation task to a terminal status. Each tick claims the
// task and executes exactly one stage through the coordinator; the workflow
// itself holds no task state, the database row and its checkpoints do.
func Run(ctx workflow.Context, in Input) error {
	ao := workflow.ActivityOptions{
		StartToCloseTimeout: 30 * time.Minute,
		HeartbeatTimeout:    2 * time.Minute,
		RetryPolicy: &temporal.RetryPolicy{
			InitialInterval:    2 * time.Second,
			BackoffCoefficient: 2,
			MaximumInterval:    time.Minute,
			MaximumAttempts:    5,
		},
	}
	ctx = workflow.WithActivityOptions(ctx, ao)
	resumeCh := workflow.GetSignalChannel(ctx, SignalResume)
	log := workflow.GetLogger(ctx)

	for tick := 0; ; tick++ {
		if tick >= maxTicksPerRun {
			return workflow.NewContinueAsNewError(ctx, WorkflowName, in)
		}

		var res TickResult
		if err := workflow.ExecuteActivity(ctx, ActivityTick, in.TaskID).Get(ctx, &res); err != nil {
			return fmt.Errorf("tick task %s: %w", in.TaskID, err)
		}

		switch res.Status {
		case domain.TaskStatusCompleted, domain.TaskStatusPartialFailure:
			return nil
		case domain.TaskStatusFailed:
			return temporal.NewNonRetryableApplicationError(
				fmt.Sprintf("task %s failed at step %s", res.TaskID, res.Step), "task_failed", nil)
		case domain.TaskStatusHumanReviewPending:
			waitForResumeOrPoll(ctx, resumeCh, log)
		default:
			_ = workflow.Sleep(ctx, tickPause)
		}
	}
}

// waitForResumeOrPoll blocks until a review decision signal arrives or the
// poll interval elapses. The decision itself is persisted by the review API
// before the signal is sent, so the signal only wakes the loop; the periodic
// poll covers decisions recorded while no signal was delivered.
func waitForResumeOrPoll(ctx workflow.Context, resumeCh workflow.ReceiveChannel, log interface{ Info(string, ...interface{}) }) {
	timer := workflow.NewTimer(ctx, reviewPollEvery)
	sel := workflow.NewSelector(ctx)
	sel.AddReceive(resumeCh, func(ch workflow.ReceiveChannel, _ bool) {
		var sig ResumeSignal
		ch.Receive(ctx, &sig)
		log.Info("review decision signal received", "approved", sig.Approved)
	})
	sel.AddFuture(timer, func(workflow.Future) {})
	sel.Select(ctx)
}
