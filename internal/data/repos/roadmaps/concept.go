package roadmaps

import (
	"errors"
	"time"

	"github.com/google/uuid"
	"gorm.io/datatypes"
	"gorm.io/gorm"

	"github.com/norvand/pathlight-backend/internal/domain"
	"github.com/norvand/pathlight-backend/internal/pkg/dbctx"
	"github.com/norvand/pathlight-backend/internal/pkg/logger"
)

// GeneratedContent is the full output of one content generation unit for a
// concept. It lands in storage as a single write.
type GeneratedContent struct {
	Tutorial  []byte
	Resources []byte
	Quiz      []byte
}

type ConceptRepo interface {
	GetByIDs(dbc dbctx.Context, ids []uuid.UUID) ([]*domain.Concept, error)
	GetByRoadmapID(dbc dbctx.Context, roadmapID uuid.UUID) ([]*domain.Concept, error)
	ListFailedIDs(dbc dbctx.Context, roadmapID uuid.UUID) ([]uuid.UUID, error)
	MarkGenerating(dbc dbctx.Context, id uuid.UUID) error
	SaveGenerated(dbc dbctx.Context, id uuid.UUID, content GeneratedContent) error
	MarkFailed(dbc dbctx.Context, id uuid.UUID) error
	ResetForRetry(dbc dbctx.Context, ids []uuid.UUID) error
}

type conceptRepo struct {
	db  *gorm.DB
	log *logger.Logger
}

func NewConceptRepo(db *gorm.DB, baseLog *logger.Logger) ConceptRepo {
	return &conceptRepo{
		db:  db,
		log: baseLog.With("repo", "ConceptRepo"),
	}
}

func (r *conceptRepo) handle(dbc dbctx.Context) *gorm.DB {
	transaction := dbc.Tx
	if transaction == nil {
		transaction = r.db
	}
	return transaction.WithContext(dbc.Ctx)
}

func (r *conceptRepo) GetByIDs(dbc dbctx.Context, ids []uuid.UUID) ([]*domain.Concept, error) {
	var out []*domain.Concept
	if len(ids) == 0 {
		return out, nil
	}
	if err := r.handle(dbc).Where("id IN ?", ids).Find(&out).Error; err != nil {
		return nil, err
	}
	return out, nil
}

func (r *conceptRepo) GetByRoadmapID(dbc dbctx.Context, roadmapID uuid.UUID) ([]*domain.Concept, error) {
	var out []*domain.Concept
	if roadmapID == uuid.Nil {
		return out, nil
	}
	if err := r.handle(dbc).
		Where("roadmap_id = ?", roadmapID).
		Order("index ASC").
		Find(&out).Error; err != nil {
		return nil, err
	}
	return out, nil
}

func (r *conceptRepo) ListFailedIDs(dbc dbctx.Context, roadmapID uuid.UUID) ([]uuid.UUID, error) {
	if roadmapID == uuid.Nil {
		return nil, nil
	}
	var ids []uuid.UUID
	err := r.handle(dbc).
		Model(&domain.Concept{}).
		Where("roadmap_id = ?", roadmapID).
		Where("content_status = ? OR resources_status = ? OR quiz_status = ?",
			domain.ContentStatusFailed, domain.ContentStatusFailed, domain.ContentStatusFailed).
		Order("index ASC").
		Pluck("id", &ids).Error
	if err != nil {
		return nil, err
	}
	return ids, nil
}

func (r *conceptRepo) MarkGenerating(dbc dbctx.Context, id uuid.UUID) error {
	return r.setStatuses(dbc, id, domain.ContentStatusGenerating, nil)
}

/*
SaveGenerated lands a unit's entire output in one statement: all three
payloads, all three statuses to completed, content_version incremented. The
unit either fully lands or leaves the concept untouched.
*/
func (r *conceptRepo) SaveGenerated(dbc dbctx.Context, id uuid.UUID, content GeneratedContent) error {
	if id == uuid.Nil {
		return errors.New("missing concept id")
	}
	now := time.Now()
	return r.handle(dbc).
		Model(&domain.Concept{}).
		Where("id = ?", id).
		Updates(map[string]interface{}{
			"tutorial":         datatypes.JSON(content.Tutorial),
			"resources":        datatypes.JSON(content.Resources),
			"quiz":             datatypes.JSON(content.Quiz),
			"content_status":   domain.ContentStatusCompleted,
			"resources_status": domain.ContentStatusCompleted,
			"quiz_status":      domain.ContentStatusCompleted,
			"content_version":  gorm.Expr("content_version + 1"),
			"updated_at":       now,
		}).Error
}

func (r *conceptRepo) MarkFailed(dbc dbctx.Context, id uuid.UUID) error {
	return r.setStatuses(dbc, id, domain.ContentStatusFailed, nil)
}

func (r *conceptRepo) ResetForRetry(dbc dbctx.Context, ids []uuid.UUID) error {
	if len(ids) == 0 {
		return nil
	}
	now := time.Now()
	return r.handle(dbc).
		Model(&domain.Concept{}).
		Where("id IN ?", ids).
		Updates(map[string]interface{}{
			"content_status":   domain.ContentStatusPending,
			"resources_status": domain.ContentStatusPending,
			"quiz_status":      domain.ContentStatusPending,
			"updated_at":       now,
		}).Error
}

func (r *conceptRepo) setStatuses(dbc dbctx.Context, id uuid.UUID, status string, extra map[string]interface{}) error {
	if id == uuid.Nil {
		return errors.New("missing concept id")
	}
	updates := map[string]interface{}{
		"content_status":   status,
		"resources_status": status,
		"quiz_status":      status,
		"updated_at":       time.Now(),
	}
	for k, v := range extra {
		updates[k] = v
	}
	return r.handle(dbc).
		Model(&domain.Concept{}).
		Where("id = ?", id).
		Updates(updates).Error
}
