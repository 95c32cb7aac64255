package tasks

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/norvand/pathlight-backend/internal/data/repos/testutil"
	"github.com/norvand/pathlight-backend/internal/domain"
	"github.com/norvand/pathlight-backend/internal/pkg/dbctx"
)

func newTaskRepo(t *testing.T) TaskRepo {
	t.Helper()
	db := testutil.DB(t)
	tx := testutil.Tx(t, db)
	return NewTaskRepo(tx, testutil.Logger(t))
}

func seedTask(t *testing.T, repo TaskRepo, mutate func(*domain.GenerationTask)) *domain.GenerationTask {
	t.Helper()
	task := &domain.GenerationTask{
		OwnerUserID: uuid.New(),
		TaskType:    domain.TaskTypeRoadmapWorkflow,
		Queue:       domain.QueueWorkflow,
		Status:      domain.TaskStatusPending,
		CurrentStep: "init",
	}
	if mutate != nil {
		mutate(task)
	}
	created, err := repo.Create(dbctx.Context{Ctx: context.Background()}, []*domain.GenerationTask{task})
	if err != nil {
		t.Fatalf("seed task: %v", err)
	}
	return created[0]
}

func TestClaimNextRunnablePicksOldestPending(t *testing.T) {
	repo := newTaskRepo(t)
	dbc := dbctx.Context{Ctx: context.Background()}

	first := seedTask(t, repo, nil)
	seedTask(t, repo, nil)

	claimed, err := repo.ClaimNextRunnable(dbc, domain.QueueWorkflow, 5*time.Minute)
	if err != nil {
		t.Fatalf("claim: %v", err)
	}
	if claimed == nil {
		t.Fatalf("no task claimed")
	}
	if claimed.ID != first.ID {
		t.Fatalf("claimed %s, want the oldest pending %s", claimed.ID, first.ID)
	}

	got, err := repo.GetByID(dbc, claimed.ID)
	if err != nil {
		t.Fatalf("reload: %v", err)
	}
	if got.Attempts != 1 {
		t.Fatalf("attempts = %d, want 1", got.Attempts)
	}
	if got.LockedAt == nil || got.HeartbeatAt == nil {
		t.Fatalf("claim did not stamp locked_at/heartbeat_at")
	}
}

func TestClaimNextRunnableSkipsLockedAndForeignQueues(t *testing.T) {
	repo := newTaskRepo(t)
	dbc := dbctx.Context{Ctx: context.Background()}

	locked := seedTask(t, repo, nil)
	now := time.Now()
	if err := repo.UpdateFields(dbc, locked.ID, map[string]interface{}{"locked_at": now}); err != nil {
		t.Fatalf("lock: %v", err)
	}
	seedTask(t, repo, func(task *domain.GenerationTask) {
		task.Queue = domain.QueueContent
	})

	claimed, err := repo.ClaimNextRunnable(dbc, domain.QueueWorkflow, 5*time.Minute)
	if err != nil {
		t.Fatalf("claim: %v", err)
	}
	if claimed != nil {
		t.Fatalf("claimed %s, want nothing runnable on the workflow queue", claimed.ID)
	}
}

func TestClaimNextRunnableTakesOverStaleProcessing(t *testing.T) {
	repo := newTaskRepo(t)
	dbc := dbctx.Context{Ctx: context.Background()}

	stale := seedTask(t, repo, nil)
	old := time.Now().Add(-time.Hour)
	if err := repo.UpdateFields(dbc, stale.ID, map[string]interface{}{
		"status":       domain.TaskStatusProcessing,
		"locked_at":    old,
		"heartbeat_at": old,
	}); err != nil {
		t.Fatalf("age task: %v", err)
	}

	claimed, err := repo.ClaimNextRunnable(dbc, domain.QueueWorkflow, 5*time.Minute)
	if err != nil {
		t.Fatalf("claim: %v", err)
	}
	if claimed == nil || claimed.ID != stale.ID {
		t.Fatalf("stale processing task not reclaimed")
	}

	// A fresh heartbeat shields the task from takeover.
	if err := repo.Heartbeat(dbc, stale.ID); err != nil {
		t.Fatalf("heartbeat: %v", err)
	}
	again, err := repo.ClaimNextRunnable(dbc, domain.QueueWorkflow, 5*time.Minute)
	if err != nil {
		t.Fatalf("second claim: %v", err)
	}
	if again != nil {
		t.Fatalf("claimed %s despite a live heartbeat", again.ID)
	}
}

func TestClaimNextRunnablePicksUpResumedProcessing(t *testing.T) {
	repo := newTaskRepo(t)
	dbc := dbctx.Context{Ctx: context.Background()}

	// A review decision leaves the row processing with its locks cleared.
	resumed := seedTask(t, repo, nil)
	if err := repo.UpdateFields(dbc, resumed.ID, map[string]interface{}{
		"status":       domain.TaskStatusProcessing,
		"locked_at":    nil,
		"heartbeat_at": nil,
	}); err != nil {
		t.Fatalf("mark resumed: %v", err)
	}

	claimed, err := repo.ClaimNextRunnable(dbc, domain.QueueWorkflow, 5*time.Minute)
	if err != nil {
		t.Fatalf("claim: %v", err)
	}
	if claimed == nil || claimed.ID != resumed.ID {
		t.Fatalf("resumed processing task not claimed")
	}

	got, err := repo.GetByID(dbc, resumed.ID)
	if err != nil {
		t.Fatalf("reload: %v", err)
	}
	if got.LockedAt == nil || got.HeartbeatAt == nil {
		t.Fatalf("claim did not stamp locks on the resumed task")
	}
}

func TestClaimNextRunnableNeverTouchesFailed(t *testing.T) {
	repo := newTaskRepo(t)
	dbc := dbctx.Context{Ctx: context.Background()}

	failed := seedTask(t, repo, nil)
	old := time.Now().Add(-time.Hour)
	if err := repo.UpdateFields(dbc, failed.ID, map[string]interface{}{
		"status":       domain.TaskStatusFailed,
		"heartbeat_at": old,
	}); err != nil {
		t.Fatalf("fail task: %v", err)
	}

	claimed, err := repo.ClaimNextRunnable(dbc, domain.QueueWorkflow, 5*time.Minute)
	if err != nil {
		t.Fatalf("claim: %v", err)
	}
	if claimed != nil {
		t.Fatalf("claimed a failed task %s", claimed.ID)
	}
}

func TestTransitionStepGuardsObservedStep(t *testing.T) {
	repo := newTaskRepo(t)
	dbc := dbctx.Context{Ctx: context.Background()}
	task := seedTask(t, repo, nil)

	err := repo.TransitionStep(dbc, task.ID, "init", domain.TaskStatusProcessing, "queued", nil)
	if err != nil {
		t.Fatalf("transition: %v", err)
	}

	got, _ := repo.GetByID(dbc, task.ID)
	if got.CurrentStep != "queued" || got.Status != domain.TaskStatusProcessing {
		t.Fatalf("row = %s/%s, want processing/queued", got.Status, got.CurrentStep)
	}

	// A second writer still holding the old observation loses.
	err = repo.TransitionStep(dbc, task.ID, "init", domain.TaskStatusProcessing, "starting", nil)
	if !errors.Is(err, ErrConcurrentTransition) {
		t.Fatalf("stale transition: err = %v, want ErrConcurrentTransition", err)
	}
	got, _ = repo.GetByID(dbc, task.ID)
	if got.CurrentStep != "queued" {
		t.Fatalf("stale transition moved the row to %s", got.CurrentStep)
	}
}

func TestTransitionStepRefusesTerminalRows(t *testing.T) {
	repo := newTaskRepo(t)
	dbc := dbctx.Context{Ctx: context.Background()}
	task := seedTask(t, repo, func(task *domain.GenerationTask) {
		task.Status = domain.TaskStatusCompleted
		task.CurrentStep = "completed"
	})

	err := repo.TransitionStep(dbc, task.ID, "completed", domain.TaskStatusProcessing, "queued", nil)
	if !errors.Is(err, ErrConcurrentTransition) {
		t.Fatalf("transition on terminal row: err = %v, want ErrConcurrentTransition", err)
	}
}

func TestUpdateFieldsUnlessStatus(t *testing.T) {
	repo := newTaskRepo(t)
	dbc := dbctx.Context{Ctx: context.Background()}
	task := seedTask(t, repo, nil)

	updated, err := repo.UpdateFieldsUnlessStatus(dbc, task.ID, []string{domain.TaskStatusFailed}, map[string]interface{}{
		"progress": 40,
	})
	if err != nil {
		t.Fatalf("update: %v", err)
	}
	if !updated {
		t.Fatalf("update refused on an allowed status")
	}

	if err := repo.UpdateFields(dbc, task.ID, map[string]interface{}{"status": domain.TaskStatusFailed}); err != nil {
		t.Fatalf("force failed: %v", err)
	}
	updated, err = repo.UpdateFieldsUnlessStatus(dbc, task.ID, []string{domain.TaskStatusFailed}, map[string]interface{}{
		"progress": 90,
	})
	if err != nil {
		t.Fatalf("guarded update: %v", err)
	}
	if updated {
		t.Fatalf("update went through on a disallowed status")
	}
	got, _ := repo.GetByID(dbc, task.ID)
	if got.Progress != 40 {
		t.Fatalf("progress = %d, want 40 untouched", got.Progress)
	}
}

func TestGetByIDUnknownReturnsNil(t *testing.T) {
	repo := newTaskRepo(t)
	dbc := dbctx.Context{Ctx: context.Background()}

	got, err := repo.GetByID(dbc, uuid.New())
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got != nil {
		t.Fatalf("got %v, want nil for an unknown id", got)
	}
}
