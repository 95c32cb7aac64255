package workflow

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/norvand/pathlight-backend/internal/agents"
	"github.com/norvand/pathlight-backend/internal/data/repos/roadmaps"
	"github.com/norvand/pathlight-backend/internal/data/repos/tasks"
	"github.com/norvand/pathlight-backend/internal/data/repos/testutil"
	"github.com/norvand/pathlight-backend/internal/domain"
	"github.com/norvand/pathlight-backend/internal/pkg/dbctx"
	"github.com/norvand/pathlight-backend/internal/services"
)

// stubLLM serves canned structured outputs keyed by schema name.
type stubLLM struct {
	responses map[string]map[string]any
	err       error
}

func (s *stubLLM) GenerateJSON(_ context.Context, _ string, _ string, schemaName string, _ map[string]any) (map[string]any, error) {
	if s.err != nil {
		return nil, s.err
	}
	resp, ok := s.responses[schemaName]
	if !ok {
		return nil, fmt.Errorf("no canned response for schema %s", schemaName)
	}
	return resp, nil
}

// titleContent generates canned unit content and fails every unit whose
// concept title appears in failTitles. Units run concurrently, so the call
// counter is guarded.
type titleContent struct {
	mu         sync.Mutex
	failTitles map[string]bool
	calls      int
}

func (f *titleContent) called() {
	f.mu.Lock()
	f.calls++
	f.mu.Unlock()
}

func (f *titleContent) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

func (f *titleContent) Tutorial(_ context.Context, c *domain.Concept, _ string) ([]byte, error) {
	f.called()
	if f.failTitles[c.Title] {
		return nil, fmt.Errorf("tutorial generation refused for %s", c.Title)
	}
	return []byte(`{"sections":[]}`), nil
}

func (f *titleContent) Resources(_ context.Context, c *domain.Concept, _ []byte) ([]byte, error) {
	f.called()
	return []byte(`{"resources":[]}`), nil
}

func (f *titleContent) Quiz(_ context.Context, c *domain.Concept, _ []byte) ([]byte, error) {
	f.called()
	return []byte(`{"questions":[]}`), nil
}

func soundBlueprint() map[string]any {
	return map[string]any{
		"title":   "Distributed Systems",
		"summary": "From single nodes to consensus.",
		"stages": []any{
			map[string]any{
				"title":     "Fundamentals",
				"objective": "Understand the failure model.",
				"modules": []any{
					map[string]any{
						"title":   "Time and Order",
						"summary": "Clocks and causality.",
						"concepts": []any{
							map[string]any{"title": "Lamport Clocks", "description": "Logical ordering of events."},
							map[string]any{"title": "Vector Clocks", "description": "Detecting concurrency."},
							map[string]any{"title": "Linearizability", "description": "Single-copy semantics."},
						},
					},
				},
			},
		},
	}
}

// unsoundBlueprint parses cleanly but fails structural validation: the only
// module carries no concepts.
func unsoundBlueprint() map[string]any {
	return map[string]any{
		"title":   "Distributed Systems",
		"summary": "An empty shell.",
		"stages": []any{
			map[string]any{
				"title":     "Fundamentals",
				"objective": "Understand the failure model.",
				"modules": []any{
					map[string]any{
						"title":    "Time and Order",
						"summary":  "Clocks and causality.",
						"concepts": []any{},
					},
				},
			},
		},
	}
}

func defaultResponses() map[string]map[string]any {
	return map[string]map[string]any{
		"learning_intent":   {"goal": "Master distributed systems", "level": "intermediate"},
		"roadmap_blueprint": soundBlueprint(),
		"roadmap_edit_plan": {"actions": []any{map[string]any{"op": "add_concepts", "module": "Time and Order"}}},
	}
}

type brainEnv struct {
	tx       *gorm.DB
	brain    *Brain
	tasks    tasks.TaskRepo
	cps      tasks.CheckpointRepo
	llm      *stubLLM
	content  *titleContent
	notifier *fakeNotifier
}

func newBrainEnv(t *testing.T) *brainEnv {
	t.Helper()
	db := testutil.DB(t)
	tx := testutil.Tx(t, db)
	log := testutil.Logger(t)

	env := &brainEnv{
		tx:       tx,
		llm:      &stubLLM{responses: defaultResponses()},
		content:  &titleContent{failTitles: map[string]bool{}},
		notifier: newFakeNotifier(),
	}
	env.tasks = tasks.NewTaskRepo(tx, log)
	env.cps = tasks.NewCheckpointRepo(tx, log)
	roadmapRepo := roadmaps.NewRoadmapRepo(tx, log)
	conceptRepo := roadmaps.NewConceptRepo(tx, log)

	pool := agents.NewPool(log, env.llm)
	pool.Content = env.content

	batch := &BatchScheduler{
		log:         log,
		concepts:    conceptRepo,
		content:     env.content,
		notifier:    env.notifier,
		batchSize:   2,
		concurrency: 2,
		unitTimeout: 10 * time.Second,
		runTimeout:  time.Minute,
	}

	env.brain = NewBrain(log, tx, env.tasks, env.cps, roadmapRepo, conceptRepo, pool, batch, env.notifier, services.NoopStepCache{})
	return env
}

func (e *brainEnv) createTask(t *testing.T, autoApprove bool) *domain.GenerationTask {
	t.Helper()
	payload, err := json.Marshal(map[string]any{
		"preferences":  map[string]any{"goal": "Master distributed systems"},
		"auto_approve": autoApprove,
	})
	if err != nil {
		t.Fatalf("marshal payload: %v", err)
	}
	task := &domain.GenerationTask{
		OwnerUserID: uuid.New(),
		TaskType:    domain.TaskTypeRoadmapWorkflow,
		Queue:       domain.QueueWorkflow,
		Status:      domain.TaskStatusPending,
		CurrentStep: string(StepInit),
		Payload:     payload,
	}
	created, err := e.tasks.Create(dbctx.Context{Ctx: context.Background()}, []*domain.GenerationTask{task})
	if err != nil {
		t.Fatalf("create task: %v", err)
	}
	return created[0]
}

func (e *brainEnv) reload(t *testing.T, id uuid.UUID) *domain.GenerationTask {
	t.Helper()
	task, err := e.tasks.GetByID(dbctx.Context{Ctx: context.Background()}, id)
	if err != nil {
		t.Fatalf("reload task: %v", err)
	}
	if task == nil {
		t.Fatalf("task %s vanished", id)
	}
	return task
}

func (e *brainEnv) conceptRows(t *testing.T, roadmapID uuid.UUID) []*domain.Concept {
	t.Helper()
	var out []*domain.Concept
	if err := e.tx.Where("roadmap_id = ?", roadmapID).Order(`"index"`).Find(&out).Error; err != nil {
		t.Fatalf("load concepts: %v", err)
	}
	return out
}

func TestBrainRunAutoApproveCompletes(t *testing.T) {
	env := newBrainEnv(t)
	ctx := context.Background()
	task := env.createTask(t, true)

	if err := env.brain.Run(ctx, task); err != nil {
		t.Fatalf("run: %v", err)
	}

	got := env.reload(t, task.ID)
	if got.Status != domain.TaskStatusCompleted {
		t.Fatalf("status = %s, want completed (error: %s)", got.Status, got.ErrorMessage)
	}
	if got.CurrentStep != string(StepCompleted) {
		t.Fatalf("current_step = %s, want completed", got.CurrentStep)
	}
	if got.Progress != 100 {
		t.Fatalf("progress = %d, want 100", got.Progress)
	}
	if got.RoadmapID == nil {
		t.Fatalf("roadmap_id not set")
	}

	var summary BatchSummary
	if err := json.Unmarshal(got.Result, &summary); err != nil {
		t.Fatalf("decode result: %v", err)
	}
	if summary.Total != 3 || summary.Completed != 3 || summary.Failed != 0 {
		t.Fatalf("summary = %+v, want 3/3/0", summary)
	}

	for _, c := range env.conceptRows(t, *got.RoadmapID) {
		if c.ContentStatus != domain.ContentStatusCompleted ||
			c.ResourcesStatus != domain.ContentStatusCompleted ||
			c.QuizStatus != domain.ContentStatusCompleted {
			t.Fatalf("concept %s not fully generated: %s/%s/%s", c.Title, c.ContentStatus, c.ResourcesStatus, c.QuizStatus)
		}
		if len(c.Tutorial) == 0 || len(c.Resources) == 0 || len(c.Quiz) == 0 {
			t.Fatalf("concept %s missing stored content", c.Title)
		}
	}

	version, err := env.cps.LastVersion(dbctx.Context{Ctx: ctx}, task.ID)
	if err != nil {
		t.Fatalf("last version: %v", err)
	}
	if version < 5 {
		t.Fatalf("checkpoint version = %d, want one per committed stage", version)
	}

	if env.notifier.count("task_done") != 1 {
		t.Fatalf("task_done events = %d, want 1", env.notifier.count("task_done"))
	}
	if env.notifier.count("review_requested") != 0 {
		t.Fatalf("review_requested events = %d, want 0", env.notifier.count("review_requested"))
	}
}

func TestBrainRunParksForHumanReview(t *testing.T) {
	env := newBrainEnv(t)
	ctx := context.Background()
	task := env.createTask(t, false)

	if err := env.brain.Run(ctx, task); err != nil {
		t.Fatalf("run: %v", err)
	}

	got := env.reload(t, task.ID)
	if got.Status != domain.TaskStatusHumanReviewPending {
		t.Fatalf("status = %s, want human_review_pending", got.Status)
	}
	if got.CurrentStep != string(StepHumanReview) {
		t.Fatalf("current_step = %s, want human_review", got.CurrentStep)
	}
	if got.LockedAt != nil || got.HeartbeatAt != nil {
		t.Fatalf("parked task still holds a lock")
	}
	if got.RoadmapID == nil {
		t.Fatalf("roadmap should exist before review")
	}
	if env.content.callCount() != 0 {
		t.Fatalf("content generation ran before approval: %d calls", env.content.callCount())
	}
	if env.notifier.count("review_requested") != 1 {
		t.Fatalf("review_requested events = %d, want 1", env.notifier.count("review_requested"))
	}

	// A stale redispatch of a parked task is a no-op.
	if err := env.brain.Run(ctx, got); err != nil {
		t.Fatalf("redispatch of parked task: %v", err)
	}
	again := env.reload(t, task.ID)
	if again.Status != domain.TaskStatusHumanReviewPending {
		t.Fatalf("redispatch moved a parked task to %s", again.Status)
	}
}

func TestBrainResumeApprovedRunsToCompletion(t *testing.T) {
	env := newBrainEnv(t)
	ctx := context.Background()
	task := env.createTask(t, false)

	if err := env.brain.Run(ctx, task); err != nil {
		t.Fatalf("run to review: %v", err)
	}
	if err := env.brain.Resume(ctx, task.ID, true, ""); err != nil {
		t.Fatalf("resume: %v", err)
	}

	got := env.reload(t, task.ID)
	if got.Status != domain.TaskStatusProcessing {
		t.Fatalf("status after approve = %s, want processing", got.Status)
	}
	if got.LockedAt != nil || got.HeartbeatAt != nil {
		t.Fatalf("resume left locks on the row: locked_at=%v heartbeat_at=%v", got.LockedAt, got.HeartbeatAt)
	}
	if got.CurrentStep != string(StepContentGenerationQueued) {
		t.Fatalf("current_step after approve = %s, want content_generation_queued", got.CurrentStep)
	}

	if err := env.brain.Run(ctx, got); err != nil {
		t.Fatalf("run after approve: %v", err)
	}
	final := env.reload(t, task.ID)
	if final.Status != domain.TaskStatusCompleted {
		t.Fatalf("final status = %s, want completed", final.Status)
	}
	if env.content.callCount() == 0 {
		t.Fatalf("content generation never ran after approval")
	}
}

func TestBrainResumeRejectedRoutesToEditor(t *testing.T) {
	env := newBrainEnv(t)
	ctx := context.Background()
	task := env.createTask(t, false)

	if err := env.brain.Run(ctx, task); err != nil {
		t.Fatalf("run to review: %v", err)
	}
	if err := env.brain.Resume(ctx, task.ID, false, "stage two is too thin"); err != nil {
		t.Fatalf("resume with rejection: %v", err)
	}

	got := env.reload(t, task.ID)
	if got.CurrentStep != string(StepRoadmapEdit) {
		t.Fatalf("current_step after reject = %s, want roadmap_edit", got.CurrentStep)
	}
	if got.Status != domain.TaskStatusProcessing {
		t.Fatalf("status after reject = %s, want processing", got.Status)
	}

	// The editor applies the feedback and the task parks at review again.
	if err := env.brain.Run(ctx, got); err != nil {
		t.Fatalf("run after reject: %v", err)
	}
	again := env.reload(t, task.ID)
	if again.Status != domain.TaskStatusHumanReviewPending {
		t.Fatalf("status after edit = %s, want human_review_pending", again.Status)
	}
	if again.RevisionCount != 1 {
		t.Fatalf("revision_count = %d, want 1", again.RevisionCount)
	}
	if env.content.callCount() != 0 {
		t.Fatalf("content generation ran on a rejected roadmap")
	}
}

func TestBrainResumeRequiresParkedTask(t *testing.T) {
	env := newBrainEnv(t)
	ctx := context.Background()

	task := env.createTask(t, false)
	if err := env.brain.Resume(ctx, task.ID, true, ""); !errors.Is(err, ErrNotAwaitingReview) {
		t.Fatalf("resume on pending task: err = %v, want ErrNotAwaitingReview", err)
	}
	if err := env.brain.Resume(ctx, uuid.New(), true, ""); !errors.Is(err, ErrNotAwaitingReview) {
		t.Fatalf("resume on unknown task: err = %v, want ErrNotAwaitingReview", err)
	}
}

func TestBrainValidationLoopGivesUp(t *testing.T) {
	env := newBrainEnv(t)
	ctx := context.Background()
	env.llm.responses["roadmap_blueprint"] = unsoundBlueprint()
	task := env.createTask(t, true)

	err := env.brain.Run(ctx, task)
	if err == nil {
		t.Fatalf("run succeeded on a roadmap that never validates")
	}

	got := env.reload(t, task.ID)
	if got.Status != domain.TaskStatusFailed {
		t.Fatalf("status = %s, want failed", got.Status)
	}
	if got.ErrorCode != domain.ErrCodeValidationNotConverged {
		t.Fatalf("error_code = %s, want validation_not_converged", got.ErrorCode)
	}
	if got.CurrentStep != string(StepFailed) {
		t.Fatalf("current_step = %s, want failed", got.CurrentStep)
	}
	if got.RevisionCount != 3 {
		t.Fatalf("revision_count = %d, want the revision cap", got.RevisionCount)
	}
	if env.notifier.count("task_failed") != 1 {
		t.Fatalf("task_failed events = %d, want 1", env.notifier.count("task_failed"))
	}
}

func TestBrainRunPartialFailure(t *testing.T) {
	env := newBrainEnv(t)
	ctx := context.Background()
	env.content.failTitles["Vector Clocks"] = true
	task := env.createTask(t, true)

	if err := env.brain.Run(ctx, task); err != nil {
		t.Fatalf("run: %v", err)
	}

	got := env.reload(t, task.ID)
	if got.Status != domain.TaskStatusPartialFailure {
		t.Fatalf("status = %s, want partial_failure", got.Status)
	}
	if got.Progress != 100 {
		t.Fatalf("progress = %d, want 100", got.Progress)
	}

	var summary BatchSummary
	if err := json.Unmarshal(got.Result, &summary); err != nil {
		t.Fatalf("decode result: %v", err)
	}
	if summary.Total != 3 || summary.Completed != 2 || summary.Failed != 1 {
		t.Fatalf("summary = %+v, want 3/2/1", summary)
	}

	var failedIDs []uuid.UUID
	if err := json.Unmarshal(got.FailedConcepts, &failedIDs); err != nil {
		t.Fatalf("decode failed_concepts: %v", err)
	}
	if len(failedIDs) != 1 {
		t.Fatalf("failed_concepts = %v, want exactly one id", failedIDs)
	}

	for _, c := range env.conceptRows(t, *got.RoadmapID) {
		want := domain.ContentStatusCompleted
		if c.Title == "Vector Clocks" {
			want = domain.ContentStatusFailed
			if c.ID != failedIDs[0] {
				t.Fatalf("failed_concepts holds %s, want the Vector Clocks row %s", failedIDs[0], c.ID)
			}
		}
		if c.ContentStatus != want {
			t.Fatalf("concept %s content_status = %s, want %s", c.Title, c.ContentStatus, want)
		}
	}
}

func TestBrainAgentFailureFailsTask(t *testing.T) {
	env := newBrainEnv(t)
	ctx := context.Background()
	env.llm.err = errors.New("model unavailable")
	task := env.createTask(t, true)

	if err := env.brain.Run(ctx, task); err == nil {
		t.Fatalf("run succeeded with a dead model")
	}

	got := env.reload(t, task.ID)
	if got.Status != domain.TaskStatusFailed {
		t.Fatalf("status = %s, want failed", got.Status)
	}
	if got.ErrorCode != domain.ErrCodeAgentFailed {
		t.Fatalf("error_code = %s, want agent_failed", got.ErrorCode)
	}
	if got.ErrorMessage == "" {
		t.Fatalf("error_message empty")
	}
	if got.LockedAt != nil || got.HeartbeatAt != nil {
		t.Fatalf("failed task still holds a lock")
	}
}

func TestBrainRetryContentRecoversFailedConcepts(t *testing.T) {
	env := newBrainEnv(t)
	ctx := context.Background()
	env.content.failTitles["Vector Clocks"] = true
	parent := env.createTask(t, true)

	if err := env.brain.Run(ctx, parent); err != nil {
		t.Fatalf("initial run: %v", err)
	}
	parentRow := env.reload(t, parent.ID)
	if parentRow.Status != domain.TaskStatusPartialFailure {
		t.Fatalf("parent status = %s, want partial_failure", parentRow.Status)
	}

	retry := &domain.GenerationTask{
		OwnerUserID:  parent.OwnerUserID,
		TaskType:     domain.TaskTypeContentRetry,
		Queue:        domain.QueueContent,
		Status:       domain.TaskStatusProcessing,
		CurrentStep:  string(StepContentGeneration),
		RoadmapID:    parentRow.RoadmapID,
		ParentTaskID: &parentRow.ID,
	}
	created, err := env.tasks.Create(dbctx.Context{Ctx: ctx}, []*domain.GenerationTask{retry})
	if err != nil {
		t.Fatalf("create retry task: %v", err)
	}
	retry = created[0]

	// The unit succeeds on the second attempt.
	delete(env.content.failTitles, "Vector Clocks")

	if err := env.brain.RetryContent(ctx, retry, parentRow); err != nil {
		t.Fatalf("retry content: %v", err)
	}

	retryRow := env.reload(t, retry.ID)
	if retryRow.Status != domain.TaskStatusCompleted {
		t.Fatalf("retry status = %s, want completed", retryRow.Status)
	}
	var summary BatchSummary
	if err := json.Unmarshal(retryRow.Result, &summary); err != nil {
		t.Fatalf("decode retry result: %v", err)
	}
	if summary.Total != 1 || summary.Completed != 1 {
		t.Fatalf("retry summary = %+v, want 1/1/0", summary)
	}

	parentAfter := env.reload(t, parent.ID)
	if parentAfter.Status != domain.TaskStatusCompleted {
		t.Fatalf("parent status after retry = %s, want completed", parentAfter.Status)
	}
	for _, c := range env.conceptRows(t, *parentRow.RoadmapID) {
		if c.ContentStatus != domain.ContentStatusCompleted {
			t.Fatalf("concept %s still %s after retry", c.Title, c.ContentStatus)
		}
	}
}

func TestBrainCheckpointsGrowMonotonically(t *testing.T) {
	env := newBrainEnv(t)
	ctx := context.Background()
	task := env.createTask(t, false)

	if err := env.brain.Run(ctx, task); err != nil {
		t.Fatalf("run to review: %v", err)
	}
	atReview, err := env.cps.LastVersion(dbctx.Context{Ctx: ctx}, task.ID)
	if err != nil {
		t.Fatalf("last version at review: %v", err)
	}
	if atReview <= 0 {
		t.Fatalf("no checkpoints written before review")
	}

	if err := env.brain.Resume(ctx, task.ID, true, ""); err != nil {
		t.Fatalf("resume: %v", err)
	}
	afterResume, err := env.cps.LastVersion(dbctx.Context{Ctx: ctx}, task.ID)
	if err != nil {
		t.Fatalf("last version after resume: %v", err)
	}
	if afterResume != atReview+1 {
		t.Fatalf("resume wrote version %d, want %d", afterResume, atReview+1)
	}

	if err := env.brain.Run(ctx, env.reload(t, task.ID)); err != nil {
		t.Fatalf("run after resume: %v", err)
	}
	final, err := env.cps.LastVersion(dbctx.Context{Ctx: ctx}, task.ID)
	if err != nil {
		t.Fatalf("final last version: %v", err)
	}
	if final <= afterResume {
		t.Fatalf("checkpoint version did not advance past resume: %d <= %d", final, afterResume)
	}
}
