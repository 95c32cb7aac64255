package taskrun

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"
	"go.temporal.io/sdk/temporal"

	"github.com/norvand/pathlight-backend/internal/data/repos/tasks"
	"github.com/norvand/pathlight-backend/internal/data/repos/testutil"
	"github.com/norvand/pathlight-backend/internal/domain"
	jobruntime "github.com/norvand/pathlight-backend/internal/jobs/runtime"
	"github.com/norvand/pathlight-backend/internal/pkg/dbctx"
)

// missingTaskRepo answers every lookup with no row, the way the real repo
// does once a task has been deleted out from under a running workflow.
type missingTaskRepo struct{}

func (missingTaskRepo) Create(dbctx.Context, []*domain.GenerationTask) ([]*domain.GenerationTask, error) {
	return nil, nil
}

func (missingTaskRepo) GetByIDs(dbctx.Context, []uuid.UUID) ([]*domain.GenerationTask, error) {
	return nil, nil
}

func (missingTaskRepo) GetByID(dbctx.Context, uuid.UUID) (*domain.GenerationTask, error) {
	return nil, nil
}

func (missingTaskRepo) ClaimNextRunnable(dbctx.Context, string, time.Duration) (*domain.GenerationTask, error) {
	return nil, nil
}

func (missingTaskRepo) UpdateFields(dbctx.Context, uuid.UUID, map[string]interface{}) error {
	return nil
}

func (missingTaskRepo) UpdateFieldsUnlessStatus(dbctx.Context, uuid.UUID, []string, map[string]interface{}) (bool, error) {
	return false, nil
}

func (missingTaskRepo) TransitionStep(dbctx.Context, uuid.UUID, string, string, string, map[string]interface{}) error {
	return nil
}

func (missingTaskRepo) Heartbeat(dbctx.Context, uuid.UUID) error {
	return nil
}

var _ tasks.TaskRepo = missingTaskRepo{}

func TestTickMissingTaskFailsWithoutRetry(t *testing.T) {
	act := NewActivities(nil, testutil.Logger(t), missingTaskRepo{}, jobruntime.NewRegistry(), nil)

	_, err := act.Tick(context.Background(), uuid.New())
	if err == nil {
		t.Fatalf("expected an error for a missing task row")
	}
	var appErr *temporal.ApplicationError
	if !errors.As(err, &appErr) {
		t.Fatalf("expected an ApplicationError, got %T: %v", err, err)
	}
	if appErr.Type() != "task_not_found" {
		t.Fatalf("unexpected error type %q", appErr.Type())
	}
	if !appErr.NonRetryable() {
		t.Fatalf("missing-row failure should not be retried")
	}
}
