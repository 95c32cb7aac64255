package workflow

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"gorm.io/datatypes"
	"gorm.io/gorm"

	"github.com/norvand/pathlight-backend/internal/agents"
	"github.com/norvand/pathlight-backend/internal/data/repos/roadmaps"
	"github.com/norvand/pathlight-backend/internal/data/repos/tasks"
	"github.com/norvand/pathlight-backend/internal/domain"
	"github.com/norvand/pathlight-backend/internal/observability"
	"github.com/norvand/pathlight-backend/internal/pkg/dbctx"
	"github.com/norvand/pathlight-backend/internal/pkg/logger"
	"github.com/norvand/pathlight-backend/internal/services"
	"github.com/norvand/pathlight-backend/internal/utils"
)

// ErrNotAwaitingReview is returned by Resume when the task is not parked at
// the human-review step.
var ErrNotAwaitingReview = errors.New("task is not awaiting human review")

// StageError carries a workflow-level error code to the task row.
type StageError struct {
	Code string
	Err  error
}

func (e *StageError) Error() string { return e.Err.Error() }
func (e *StageError) Unwrap() error { return e.Err }

type stageFunc func(ctx context.Context, st *TaskState) (*StageResult, error)

/*
Brain is the stage coordinator. Every stage goes through the same protocol:
run the stage against an immutable copy of the state, then commit the
stage's artifacts, the next checkpoint version and the step transition in
one database transaction. Stages never touch the task row or the checkpoint
store themselves, which is what makes the per-task invariants (monotonic
checkpoints, single status writer, no half-applied transitions) local to
this type.
*/
type Brain struct {
	log         *logger.Logger
	db          *gorm.DB
	tasks       tasks.TaskRepo
	checkpoints tasks.CheckpointRepo
	roadmaps    roadmaps.RoadmapRepo
	concepts    roadmaps.ConceptRepo
	pool        *agents.Pool
	batch       *BatchScheduler
	notifier    services.TaskNotifier
	stepCache   services.StepCache

	maxRevisions int
	runners      map[Step]stageFunc
}

func NewBrain(
	log *logger.Logger,
	db *gorm.DB,
	taskRepo tasks.TaskRepo,
	checkpointRepo tasks.CheckpointRepo,
	roadmapRepo roadmaps.RoadmapRepo,
	conceptRepo roadmaps.ConceptRepo,
	pool *agents.Pool,
	batch *BatchScheduler,
	notifier services.TaskNotifier,
	stepCache services.StepCache,
) *Brain {
	blog := log.With("component", "Brain")
	b := &Brain{
		log:          blog,
		db:           db,
		tasks:        taskRepo,
		checkpoints:  checkpointRepo,
		roadmaps:     roadmapRepo,
		concepts:     conceptRepo,
		pool:         pool,
		batch:        batch,
		notifier:     notifier,
		stepCache:    stepCache,
		maxRevisions: utils.GetEnvAsInt("MAX_ROADMAP_REVISIONS", 3, blog),
	}
	b.runners = map[Step]stageFunc{
		StepInit:                       b.stageAdvance,
		StepQueued:                     b.stageAdvance,
		StepStarting:                   b.stageAdvance,
		StepIntentAnalysis:             b.stageIntentAnalysis,
		StepCurriculumDesign:           b.stageCurriculumDesign,
		StepStructureValidation:        b.stageStructureValidation,
		StepValidationEditPlanAnalysis: b.stageEditPlanAnalysis,
		StepRoadmapEdit:                b.stageRoadmapEdit,
		StepHumanReview:                b.stageHumanReview,
		StepContentGenerationQueued:    b.stageAdvance,
		StepContentGeneration:          b.stageContentGeneration,
		StepFinalizing:                 b.stageFinalize,
	}
	return b
}

/*
Run drives the task from its current step until it reaches a terminal step
or parks at human review. The worker holding the claim calls this once per
dispatch; a nil return always means the worker may release the task.
*/
func (b *Brain) Run(ctx context.Context, task *domain.GenerationTask) error {
	state, err := b.restore(ctx, task)
	if err != nil {
		b.fail(ctx, task.ID, task.OwnerUserID, string(StepStarting), err)
		return err
	}

	for {
		step := state.Step
		if step.Terminal() {
			return nil
		}
		if step.Suspending() && !state.AutoApprove {
			// Parked. Either we just suspended it below or a stale
			// redispatch picked up a waiting task; nothing to do.
			return nil
		}

		runner, ok := b.runners[step]
		if !ok {
			err := fmt.Errorf("no runner for step %q", step)
			b.fail(ctx, state.TaskID, state.OwnerUserID, string(step), err)
			return err
		}

		b.notifier.StageEvent(state.OwnerUserID, services.TaskEvent{
			Type:      services.EventStageStarted,
			TaskID:    state.TaskID,
			Step:      string(step),
			Status:    domain.TaskStatusProcessing,
			Timestamp: time.Now(),
		})

		stageStart := time.Now()
		res, err := runner(ctx, state)
		if err != nil {
			b.fail(ctx, state.TaskID, state.OwnerUserID, string(step), err)
			return err
		}
		observability.Current().ObserveStageTransition(string(step), string(res.Signal), time.Since(stageStart))

		next, err := Next(step, res.Signal)
		if err != nil {
			b.fail(ctx, state.TaskID, state.OwnerUserID, string(step), err)
			return err
		}

		nextState, err := b.commit(ctx, state, res, next)
		if err != nil {
			if errors.Is(err, tasks.ErrConcurrentTransition) || errors.Is(err, tasks.ErrStaleCheckpoint) {
				// Another worker advanced this task first; this dispatch is a
				// duplicate and backs off without touching the row.
				b.log.Warn("lost transition race, dropping dispatch", "task_id", state.TaskID, "step", step)
				return nil
			}
			b.fail(ctx, state.TaskID, state.OwnerUserID, string(step), err)
			return err
		}
		state = nextState
		b.stepCache.Set(ctx, state.TaskID, string(state.Step))

		b.notifier.StageEvent(state.OwnerUserID, services.TaskEvent{
			Type:      services.EventStageCompleted,
			TaskID:    state.TaskID,
			Step:      string(step),
			Status:    state.Status,
			Timestamp: time.Now(),
		})

		switch {
		case state.Step.Suspending() && !state.AutoApprove:
			task, _ := b.tasks.GetByID(dbctx.Context{Ctx: ctx}, state.TaskID)
			if task != nil {
				b.notifier.ReviewRequested(state.OwnerUserID, task)
			}
			return nil
		case state.Step.Terminal():
			task, _ := b.tasks.GetByID(dbctx.Context{Ctx: ctx}, state.TaskID)
			if task != nil {
				b.notifier.TaskDone(state.OwnerUserID, task)
			}
			return nil
		}
	}
}

/*
Resume releases a task parked at human review. Approval routes to content
generation; rejection routes back to the editor with the reviewer's feedback
attached, never straight to content. The row leaves here processing with its
locks cleared, which the claim query treats as runnable. The checkpoint
written here is what the next worker restores, so the decision survives a
crash between resume and redispatch.
*/
func (b *Brain) Resume(ctx context.Context, taskID uuid.UUID, approved bool, feedback string) error {
	dbc := dbctx.Context{Ctx: ctx}
	task, err := b.tasks.GetByID(dbc, taskID)
	if err != nil {
		return err
	}
	if task == nil {
		return ErrNotAwaitingReview
	}
	if task.Status != domain.TaskStatusHumanReviewPending || task.CurrentStep != string(StepHumanReview) {
		return ErrNotAwaitingReview
	}

	state, err := b.restore(ctx, task)
	if err != nil {
		return err
	}

	sig := SignalApproved
	if !approved {
		sig = SignalRejected
	}
	next, err := Next(StepHumanReview, sig)
	if err != nil {
		return err
	}

	ns := state.Clone()
	ns.Step = next
	ns.Status = domain.TaskStatusProcessing
	if !approved {
		ns.Feedback = feedback
	}

	err = b.db.WithContext(ctx).Transaction(func(txx *gorm.DB) error {
		txc := dbctx.Context{Ctx: ctx, Tx: txx}
		version, wErr := b.checkpoints.Write(txc, ns.TaskID, state.CheckpointVersion+1, ns.Snapshot())
		if wErr != nil {
			return wErr
		}
		ns.CheckpointVersion = version
		return b.tasks.TransitionStep(txc, ns.TaskID, string(StepHumanReview), domain.TaskStatusProcessing, string(next), map[string]interface{}{
			"locked_at":    nil,
			"heartbeat_at": nil,
		})
	})
	if err != nil {
		if errors.Is(err, tasks.ErrConcurrentTransition) {
			return ErrNotAwaitingReview
		}
		return err
	}

	b.stepCache.Invalidate(ctx, taskID)
	b.notifier.StageEvent(state.OwnerUserID, services.TaskEvent{
		Type:      services.EventStageCompleted,
		TaskID:    taskID,
		Step:      string(StepHumanReview),
		Status:    domain.TaskStatusProcessing,
		Message:   string(sig),
		Timestamp: time.Now(),
	})
	return nil
}

/*
RetryContent re-runs content generation for the concepts that failed during
a prior run of the parent task. Only concept rows flip back to pending; the
parent's roadmap structure is never touched.
*/
func (b *Brain) RetryContent(ctx context.Context, task *domain.GenerationTask, parent *domain.GenerationTask) error {
	if parent == nil || parent.RoadmapID == nil {
		err := fmt.Errorf("content retry without a generated roadmap")
		b.fail(ctx, task.ID, task.OwnerUserID, string(StepContentGeneration), err)
		return err
	}
	dbc := dbctx.Context{Ctx: ctx}

	failedIDs, err := b.concepts.ListFailedIDs(dbc, *parent.RoadmapID)
	if err != nil {
		b.fail(ctx, task.ID, task.OwnerUserID, string(StepContentGeneration), err)
		return err
	}
	if err := b.concepts.ResetForRetry(dbc, failedIDs); err != nil {
		b.fail(ctx, task.ID, task.OwnerUserID, string(StepContentGeneration), err)
		return err
	}
	targets, err := b.concepts.GetByIDs(dbc, failedIDs)
	if err != nil {
		b.fail(ctx, task.ID, task.OwnerUserID, string(StepContentGeneration), err)
		return err
	}

	state := &TaskState{
		TaskID:      task.ID,
		OwnerUserID: task.OwnerUserID,
		Status:      domain.TaskStatusProcessing,
		Step:        StepContentGeneration,
		RoadmapID:   parent.RoadmapID,
	}
	summary, err := b.batch.Run(ctx, state, targets)
	if err != nil {
		b.fail(ctx, task.ID, task.OwnerUserID, string(StepContentGeneration), err)
		return err
	}

	status := domain.TaskStatusCompleted
	step := StepCompleted
	if summary.Failed > 0 {
		status = domain.TaskStatusPartialFailure
		step = StepPartialFailure
	}
	updates := map[string]interface{}{
		"status":       status,
		"current_step": string(step),
		"progress":     100,
		"result":       datatypes.JSON(mustJSON(summary)),
		"updated_at":   time.Now(),
	}
	if len(summary.FailedConcepts) > 0 {
		updates["failed_concepts"] = datatypes.JSON(mustJSON(summary.FailedConcepts))
	}
	if err := b.tasks.UpdateFields(dbc, task.ID, updates); err != nil {
		return err
	}

	// Reflect the recovered concepts on the parent so its record converges.
	remaining, err := b.concepts.ListFailedIDs(dbc, *parent.RoadmapID)
	if err == nil {
		parentUpdates := map[string]interface{}{
			"failed_concepts": datatypes.JSON(mustJSON(remaining)),
			"updated_at":      time.Now(),
		}
		if len(remaining) == 0 {
			parentUpdates["status"] = domain.TaskStatusCompleted
			parentUpdates["current_step"] = string(StepCompleted)
		}
		if _, uErr := b.tasks.UpdateFieldsUnlessStatus(dbc, parent.ID, []string{domain.TaskStatusFailed}, parentUpdates); uErr != nil {
			b.log.Error("update parent after content retry", "task_id", parent.ID, "error", uErr)
		}
	}

	if fresh, _ := b.tasks.GetByID(dbc, task.ID); fresh != nil {
		b.notifier.TaskDone(task.OwnerUserID, fresh)
	}
	return nil
}

// restore rebuilds the in-memory state for a dispatched task. The latest
// checkpoint is read once, here; when no checkpoint exists yet the state is
// seeded from the task row and its submission payload.
func (b *Brain) restore(ctx context.Context, task *domain.GenerationTask) (*TaskState, error) {
	dbc := dbctx.Context{Ctx: ctx}
	cp, err := b.checkpoints.ReadLatest(dbc, task.ID)
	if err != nil {
		return nil, err
	}
	if cp != nil {
		state, rErr := RestoreState(cp.Snapshot)
		if rErr != nil {
			return nil, rErr
		}
		state.CheckpointVersion = cp.Version
		// The transition and the checkpoint commit together, so the row's
		// step is authoritative if they ever disagree.
		if task.CurrentStep != string(state.Step) {
			rowStep, pErr := ParseStep(task.CurrentStep)
			if pErr != nil {
				return nil, pErr
			}
			state.Step = rowStep
		}
		state.Status = task.Status
		return state, nil
	}

	step, err := ParseStep(task.CurrentStep)
	if err != nil {
		return nil, err
	}
	state := &TaskState{
		TaskID:      task.ID,
		OwnerUserID: task.OwnerUserID,
		Status:      task.Status,
		Step:        step,
		RoadmapID:   task.RoadmapID,
	}
	if len(task.Payload) > 0 {
		var payload struct {
			Preferences map[string]any `json:"preferences"`
			AutoApprove bool           `json:"auto_approve"`
		}
		if uErr := json.Unmarshal(task.Payload, &payload); uErr != nil {
			return nil, fmt.Errorf("decode task payload: %w", uErr)
		}
		state.Preferences = payload.Preferences
		state.AutoApprove = payload.AutoApprove
	}
	return state, nil
}

/*
commit applies one stage outcome: artifacts, the next checkpoint version and
the guarded step transition land in a single transaction, so a crash at any
point leaves either the pre-stage record or the complete post-stage record,
never a mix.
*/
func (b *Brain) commit(ctx context.Context, state *TaskState, res *StageResult, next Step) (*TaskState, error) {
	ns := state.Clone()
	ns.merge(res)
	ns.Step = next

	status := domain.TaskStatusProcessing
	updates := map[string]interface{}{
		"progress": progressForStep(next),
	}

	switch {
	case next == StepHumanReview && !state.AutoApprove:
		status = domain.TaskStatusHumanReviewPending
		updates["locked_at"] = nil
		updates["heartbeat_at"] = nil
	case next == StepCompleted:
		status = domain.TaskStatusCompleted
		updates["progress"] = 100
	case next == StepPartialFailure:
		status = domain.TaskStatusPartialFailure
		updates["progress"] = 100
	}
	ns.Status = status

	if res.Summary != nil {
		updates["result"] = datatypes.JSON(mustJSON(res.Summary))
		if len(res.Summary.FailedConcepts) > 0 {
			updates["failed_concepts"] = datatypes.JSON(mustJSON(res.Summary.FailedConcepts))
		}
	}
	if res.EditedTree != nil {
		ns.RevisionCount = state.RevisionCount + 1
		updates["revision_count"] = ns.RevisionCount
	}

	err := b.db.WithContext(ctx).Transaction(func(txx *gorm.DB) error {
		txc := dbctx.Context{Ctx: ctx, Tx: txx}

		if res.NewTree != nil {
			if cErr := b.roadmaps.CreateTree(txc, res.NewTree); cErr != nil {
				return cErr
			}
			id := res.NewTree.Roadmap.ID
			ns.RoadmapID = &id
			updates["roadmap_id"] = id
		}
		if res.EditedTree != nil {
			if ns.RoadmapID == nil {
				return errors.New("edited tree without a roadmap id")
			}
			if rErr := b.roadmaps.ReplaceStructure(txc, *ns.RoadmapID, res.EditedTree); rErr != nil {
				return rErr
			}
		}

		version, wErr := b.checkpoints.Write(txc, ns.TaskID, state.CheckpointVersion+1, ns.Snapshot())
		if wErr != nil {
			return wErr
		}
		ns.CheckpointVersion = version

		return b.tasks.TransitionStep(txc, ns.TaskID, string(state.Step), status, string(next), updates)
	})
	if err != nil {
		return nil, err
	}
	return ns, nil
}

// fail marks the task failed unless it already reached a terminal status.
// The orchestrator never retries a failed task on its own.
func (b *Brain) fail(ctx context.Context, taskID, ownerUserID uuid.UUID, step string, cause error) {
	dbc := dbctx.Context{Ctx: ctx}
	now := time.Now()
	updated, err := b.tasks.UpdateFieldsUnlessStatus(dbc, taskID, []string{
		domain.TaskStatusCompleted,
		domain.TaskStatusPartialFailure,
		domain.TaskStatusFailed,
	}, map[string]interface{}{
		"status":        domain.TaskStatusFailed,
		"current_step":  string(StepFailed),
		"error_message": cause.Error(),
		"error_code":    errorCode(cause),
		"last_error_at": now,
		"locked_at":     nil,
		"heartbeat_at":  nil,
		"updated_at":    now,
	})
	if err != nil {
		b.log.Error("persist task failure", "task_id", taskID, "error", err)
		return
	}
	if !updated {
		return
	}
	b.stepCache.Invalidate(ctx, taskID)
	if task, _ := b.tasks.GetByID(dbc, taskID); task != nil {
		observability.Current().IncTaskFailed(task.Queue, task.ErrorCode)
		b.notifier.TaskFailed(ownerUserID, task, step, cause.Error())
	}
}

func errorCode(err error) string {
	var se *StageError
	if errors.As(err, &se) {
		return se.Code
	}
	var ae *agents.AgentError
	if errors.As(err, &ae) {
		return domain.ErrCodeAgentFailed
	}
	return domain.ErrCodeDispatchFailed
}

// ---- stage runners ----

func (b *Brain) stageAdvance(ctx context.Context, st *TaskState) (*StageResult, error) {
	return &StageResult{Signal: SignalAdvance}, nil
}

func (b *Brain) stageIntentAnalysis(ctx context.Context, st *TaskState) (*StageResult, error) {
	intent, err := b.pool.Intent.Analyze(ctx, st.Preferences)
	if err != nil {
		return nil, err
	}
	return &StageResult{Signal: SignalAdvance, Intent: intent}, nil
}

func (b *Brain) stageCurriculumDesign(ctx context.Context, st *TaskState) (*StageResult, error) {
	tree, err := b.pool.Architect.Design(ctx, st.OwnerUserID, st.TaskID, st.Intent)
	if err != nil {
		return nil, err
	}
	return &StageResult{Signal: SignalAdvance, NewTree: tree}, nil
}

func (b *Brain) stageStructureValidation(ctx context.Context, st *TaskState) (*StageResult, error) {
	tree, err := b.loadTree(ctx, st)
	if err != nil {
		return nil, err
	}
	report := b.pool.Validator.Validate(tree)
	res := &StageResult{
		Validation: &Validation{IsValid: report.IsValid, Issues: report.Issues},
	}
	if report.IsValid {
		res.Signal = SignalValid
		return res, nil
	}
	if st.RevisionCount >= b.maxRevisions {
		return nil, &StageError{
			Code: domain.ErrCodeValidationNotConverged,
			Err:  fmt.Errorf("structure still invalid after %d revisions: %v", st.RevisionCount, report.Issues),
		}
	}
	res.Signal = SignalInvalid
	return res, nil
}

func (b *Brain) stageEditPlanAnalysis(ctx context.Context, st *TaskState) (*StageResult, error) {
	tree, err := b.loadTree(ctx, st)
	if err != nil {
		return nil, err
	}
	var issues []string
	if st.Validation != nil {
		issues = st.Validation.Issues
	}
	plan, err := b.pool.Planner.Plan(ctx, tree, issues)
	if err != nil {
		return nil, err
	}
	return &StageResult{Signal: SignalAdvance, EditPlan: plan}, nil
}

func (b *Brain) stageRoadmapEdit(ctx context.Context, st *TaskState) (*StageResult, error) {
	tree, err := b.loadTree(ctx, st)
	if err != nil {
		return nil, err
	}
	edited, err := b.pool.Editor.Edit(ctx, tree, st.EditPlan, st.Feedback)
	if err != nil {
		return nil, err
	}
	return &StageResult{Signal: SignalAdvance, EditedTree: edited}, nil
}

// stageHumanReview only runs for auto-approved tasks; everyone else suspends
// before reaching a runner.
func (b *Brain) stageHumanReview(ctx context.Context, st *TaskState) (*StageResult, error) {
	return &StageResult{Signal: SignalApproved}, nil
}

func (b *Brain) stageContentGeneration(ctx context.Context, st *TaskState) (*StageResult, error) {
	if st.RoadmapID == nil {
		return nil, errors.New("content generation without a roadmap id")
	}
	targets, err := b.batch.PendingTargets(dbctx.Context{Ctx: ctx}, *st.RoadmapID)
	if err != nil {
		return nil, err
	}
	summary, err := b.batch.Run(ctx, st, targets)
	if err != nil {
		return nil, err
	}
	return &StageResult{Signal: SignalAdvance, Summary: summary}, nil
}

// stageFinalize folds the batch summary into the terminal outcome: zero unit
// failures completes the task, anything between one and all of them is a
// partial failure. Pipeline-level errors never reach here; they go through
// fail() with `failed`.
func (b *Brain) stageFinalize(ctx context.Context, st *TaskState) (*StageResult, error) {
	summary, err := b.summarizeConcepts(ctx, st)
	if err != nil {
		return nil, err
	}
	res := &StageResult{Summary: summary}
	if summary.Failed > 0 {
		res.Signal = SignalPartial
	} else {
		res.Signal = SignalComplete
	}
	return res, nil
}

// summarizeConcepts recounts unit outcomes from storage rather than trusting
// in-memory tallies, so a resume between content generation and finalizing
// still produces an exact summary.
func (b *Brain) summarizeConcepts(ctx context.Context, st *TaskState) (*BatchSummary, error) {
	if st.RoadmapID == nil {
		return nil, errors.New("finalizing without a roadmap id")
	}
	all, err := b.concepts.GetByRoadmapID(dbctx.Context{Ctx: ctx}, *st.RoadmapID)
	if err != nil {
		return nil, err
	}
	summary := &BatchSummary{Total: len(all)}
	for _, c := range all {
		if c.ContentStatus == domain.ContentStatusCompleted &&
			c.ResourcesStatus == domain.ContentStatusCompleted &&
			c.QuizStatus == domain.ContentStatusCompleted {
			summary.Completed++
			continue
		}
		summary.Failed++
		summary.FailedConcepts = append(summary.FailedConcepts, c.ID)
	}
	return summary, nil
}

func (b *Brain) loadTree(ctx context.Context, st *TaskState) (*roadmaps.RoadmapTree, error) {
	if st.RoadmapID == nil {
		return nil, errors.New("no roadmap generated yet")
	}
	tree, err := b.roadmaps.GetTree(dbctx.Context{Ctx: ctx}, *st.RoadmapID)
	if err != nil {
		return nil, err
	}
	if tree == nil {
		return nil, fmt.Errorf("roadmap %s not found", st.RoadmapID)
	}
	return tree, nil
}

func progressForStep(s Step) int {
	switch s {
	case StepQueued:
		return 2
	case StepStarting:
		return 5
	case StepIntentAnalysis:
		return 10
	case StepCurriculumDesign:
		return 20
	case StepStructureValidation:
		return 35
	case StepValidationEditPlanAnalysis:
		return 38
	case StepRoadmapEdit:
		return 42
	case StepHumanReview:
		return 50
	case StepContentGenerationQueued:
		return 55
	case StepContentGeneration:
		return 60
	case StepFinalizing:
		return 95
	case StepCompleted, StepPartialFailure, StepFailed:
		return 100
	}
	return 0
}

func mustJSON(v any) []byte {
	raw, err := json.Marshal(v)
	if err != nil {
		return []byte(`{}`)
	}
	return raw
}
