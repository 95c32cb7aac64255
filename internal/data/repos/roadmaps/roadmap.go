package roadmaps

import (
	"errors"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/norvand/pathlight-backend/internal/domain"
	"github.com/norvand/pathlight-backend/internal/pkg/dbctx"
	"github.com/norvand/pathlight-backend/internal/pkg/logger"
)

// RoadmapTree is the fully loaded Stage → Module → Concept hierarchy.
type RoadmapTree struct {
	Roadmap  *domain.Roadmap
	Stages   []*domain.RoadmapStage
	Modules  []*domain.RoadmapModule
	Concepts []*domain.Concept
}

type RoadmapRepo interface {
	CreateTree(dbc dbctx.Context, tree *RoadmapTree) error
	GetByID(dbc dbctx.Context, id uuid.UUID) (*domain.Roadmap, error)
	GetTree(dbc dbctx.Context, roadmapID uuid.UUID) (*RoadmapTree, error)
	ReplaceStructure(dbc dbctx.Context, roadmapID uuid.UUID, tree *RoadmapTree) error
}

type roadmapRepo struct {
	db  *gorm.DB
	log *logger.Logger
}

func NewRoadmapRepo(db *gorm.DB, baseLog *logger.Logger) RoadmapRepo {
	return &roadmapRepo{
		db:  db,
		log: baseLog.With("repo", "RoadmapRepo"),
	}
}

func (r *roadmapRepo) handle(dbc dbctx.Context) *gorm.DB {
	transaction := dbc.Tx
	if transaction == nil {
		transaction = r.db
	}
	return transaction.WithContext(dbc.Ctx)
}

// CreateTree persists the whole hierarchy in one transaction so a roadmap is
// never visible with half its modules missing.
func (r *roadmapRepo) CreateTree(dbc dbctx.Context, tree *RoadmapTree) error {
	if tree == nil || tree.Roadmap == nil {
		return errors.New("missing roadmap")
	}
	return r.handle(dbc).Transaction(func(txx *gorm.DB) error {
		if err := txx.Create(tree.Roadmap).Error; err != nil {
			return err
		}
		if len(tree.Stages) > 0 {
			if err := txx.Create(&tree.Stages).Error; err != nil {
				return err
			}
		}
		if len(tree.Modules) > 0 {
			if err := txx.Create(&tree.Modules).Error; err != nil {
				return err
			}
		}
		if len(tree.Concepts) > 0 {
			if err := txx.Create(&tree.Concepts).Error; err != nil {
				return err
			}
		}
		return nil
	})
}

func (r *roadmapRepo) GetByID(dbc dbctx.Context, id uuid.UUID) (*domain.Roadmap, error) {
	if id == uuid.Nil {
		return nil, nil
	}
	var rm domain.Roadmap
	err := r.handle(dbc).
		Where("id = ?", id).
		Limit(1).
		Find(&rm).Error
	if err != nil {
		return nil, err
	}
	if rm.ID == uuid.Nil {
		return nil, nil
	}
	return &rm, nil
}

func (r *roadmapRepo) GetTree(dbc dbctx.Context, roadmapID uuid.UUID) (*RoadmapTree, error) {
	rm, err := r.GetByID(dbc, roadmapID)
	if err != nil {
		return nil, err
	}
	if rm == nil {
		return nil, nil
	}
	tree := &RoadmapTree{Roadmap: rm}
	h := r.handle(dbc)
	if err := h.Where("roadmap_id = ?", roadmapID).Order("index ASC").Find(&tree.Stages).Error; err != nil {
		return nil, err
	}
	if err := h.Where("roadmap_id = ?", roadmapID).Order("index ASC").Find(&tree.Modules).Error; err != nil {
		return nil, err
	}
	if err := h.Where("roadmap_id = ?", roadmapID).Order("index ASC").Find(&tree.Concepts).Error; err != nil {
		return nil, err
	}
	return tree, nil
}

/*
ReplaceStructure swaps the roadmap's structure for an edited one, keeping the
roadmap row (and its id) stable. Existing rows are superseded, not deleted:
gorm soft-delete is not used on stages/modules/concepts, so the edit loop
replaces them wholesale inside one transaction. Concepts that already carry
generated content are not expected here; edits happen before content
generation starts.
*/
func (r *roadmapRepo) ReplaceStructure(dbc dbctx.Context, roadmapID uuid.UUID, tree *RoadmapTree) error {
	if roadmapID == uuid.Nil || tree == nil {
		return errors.New("missing roadmap structure")
	}
	return r.handle(dbc).Transaction(func(txx *gorm.DB) error {
		if err := txx.Where("roadmap_id = ?", roadmapID).Delete(&domain.Concept{}).Error; err != nil {
			return err
		}
		if err := txx.Where("roadmap_id = ?", roadmapID).Delete(&domain.RoadmapModule{}).Error; err != nil {
			return err
		}
		if err := txx.Where("roadmap_id = ?", roadmapID).Delete(&domain.RoadmapStage{}).Error; err != nil {
			return err
		}
		if len(tree.Stages) > 0 {
			if err := txx.Create(&tree.Stages).Error; err != nil {
				return err
			}
		}
		if len(tree.Modules) > 0 {
			if err := txx.Create(&tree.Modules).Error; err != nil {
				return err
			}
		}
		if len(tree.Concepts) > 0 {
			if err := txx.Create(&tree.Concepts).Error; err != nil {
				return err
			}
		}
		if tree.Roadmap != nil {
			if err := txx.Model(&domain.Roadmap{}).
				Where("id = ?", roadmapID).
				Updates(map[string]interface{}{
					"title":   tree.Roadmap.Title,
					"summary": tree.Roadmap.Summary,
				}).Error; err != nil {
				return err
			}
		}
		return nil
	})
}
