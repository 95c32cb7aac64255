package tasks

import (
	"encoding/json"
	"errors"
	"strings"

	"github.com/google/uuid"
	"gorm.io/datatypes"
	"gorm.io/gorm"

	"github.com/norvand/pathlight-backend/internal/domain"
	"github.com/norvand/pathlight-backend/internal/pkg/dbctx"
	"github.com/norvand/pathlight-backend/internal/pkg/logger"
)

// ErrStaleCheckpoint means the offered version is not ahead of the last
// written one. The stored snapshot is left untouched; a crashed-and-
// redispatched stage hitting this error simply moves on.
var ErrStaleCheckpoint = errors.New("checkpoint version is not ahead of stored version")

type CheckpointRepo interface {
	Write(dbc dbctx.Context, taskID uuid.UUID, version int, snapshot map[string]any) (int, error)
	ReadLatest(dbc dbctx.Context, taskID uuid.UUID) (*domain.TaskCheckpoint, error)
	LastVersion(dbc dbctx.Context, taskID uuid.UUID) (int, error)
}

type checkpointRepo struct {
	db  *gorm.DB
	log *logger.Logger
}

func NewCheckpointRepo(db *gorm.DB, baseLog *logger.Logger) CheckpointRepo {
	return &checkpointRepo{
		db:  db,
		log: baseLog.With("repo", "CheckpointRepo"),
	}
}

func (r *checkpointRepo) handle(dbc dbctx.Context) *gorm.DB {
	transaction := dbc.Tx
	if transaction == nil {
		transaction = r.db
	}
	return transaction.WithContext(dbc.Ctx)
}

/*
Write persists a new checkpoint version for the task.
The version must be strictly greater than the last stored version; anything
else fails with ErrStaleCheckpoint and does not alter stored state. The
in-transaction max() read plus the unique (task_id, version) index together
make the monotonic guard hold under concurrent writers.
*/
func (r *checkpointRepo) Write(dbc dbctx.Context, taskID uuid.UUID, version int, snapshot map[string]any) (int, error) {
	if taskID == uuid.Nil {
		return 0, errors.New("missing task id")
	}
	if version <= 0 {
		return 0, ErrStaleCheckpoint
	}
	raw, err := json.Marshal(snapshot)
	if err != nil {
		return 0, err
	}
	err = r.handle(dbc).Transaction(func(txx *gorm.DB) error {
		var last int
		if err := txx.Model(&domain.TaskCheckpoint{}).
			Where("task_id = ?", taskID).
			Select("COALESCE(MAX(version), 0)").
			Scan(&last).Error; err != nil {
			return err
		}
		if version <= last {
			return ErrStaleCheckpoint
		}
		return txx.Create(&domain.TaskCheckpoint{
			ID:       uuid.New(),
			TaskID:   taskID,
			Version:  version,
			Snapshot: datatypes.JSON(raw),
		}).Error
	})
	if err != nil {
		// A concurrent writer that inserted the same version first trips the
		// unique index; report it as the same staleness condition.
		if strings.Contains(err.Error(), "idx_checkpoint_task_version") || strings.Contains(err.Error(), "duplicate key") {
			return 0, ErrStaleCheckpoint
		}
		return 0, err
	}
	return version, nil
}

func (r *checkpointRepo) ReadLatest(dbc dbctx.Context, taskID uuid.UUID) (*domain.TaskCheckpoint, error) {
	if taskID == uuid.Nil {
		return nil, nil
	}
	var cp domain.TaskCheckpoint
	err := r.handle(dbc).
		Where("task_id = ?", taskID).
		Order("version DESC").
		Limit(1).
		Find(&cp).Error
	if err != nil {
		return nil, err
	}
	if cp.ID == uuid.Nil {
		return nil, nil
	}
	return &cp, nil
}

func (r *checkpointRepo) LastVersion(dbc dbctx.Context, taskID uuid.UUID) (int, error) {
	if taskID == uuid.Nil {
		return 0, nil
	}
	var last int
	err := r.handle(dbc).
		Model(&domain.TaskCheckpoint{}).
		Where("task_id = ?", taskID).
		Select("COALESCE(MAX(version), 0)").
		Scan(&last).Error
	if err != nil {
		return 0, err
	}
	return last, nil
}
