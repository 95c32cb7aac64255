package agents

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"gorm.io/datatypes"

	"github.com/norvand/pathlight-backend/internal/data/repos/roadmaps"
	"github.com/norvand/pathlight-backend/internal/domain"
	"github.com/norvand/pathlight-backend/internal/pkg/logger"
	"github.com/norvand/pathlight-backend/internal/services"
)

// CurriculumArchitect designs the full Stage → Module → Concept hierarchy
// from a structured intent. The returned tree is unpersisted; ids are
// assigned here so cross-references are stable before any write happens.
type CurriculumArchitect interface {
	Design(ctx context.Context, ownerUserID, taskID uuid.UUID, intent map[string]any) (*roadmaps.RoadmapTree, error)
}

type curriculumArchitect struct {
	log *logger.Logger
	ai  services.LLMClient
}

func NewCurriculumArchitect(log *logger.Logger, ai services.LLMClient) CurriculumArchitect {
	return &curriculumArchitect{
		log: log.With("agent", "CurriculumArchitect"),
		ai:  ai,
	}
}

func conceptSchema() map[string]any {
	return map[string]any{
		"type": "object",
		"properties": map[string]any{
			"title":       map[string]any{"type": "string"},
			"description": map[string]any{"type": "string"},
		},
		"required":             []string{"title", "description"},
		"additionalProperties": false,
	}
}

func blueprintSchema() map[string]any {
	return map[string]any{
		"type": "object",
		"properties": map[string]any{
			"title":   map[string]any{"type": "string"},
			"summary": map[string]any{"type": "string"},
			"stages": map[string]any{
				"type": "array",
				"items": map[string]any{
					"type": "object",
					"properties": map[string]any{
						"title":     map[string]any{"type": "string"},
						"objective": map[string]any{"type": "string"},
						"modules": map[string]any{
							"type": "array",
							"items": map[string]any{
								"type": "object",
								"properties": map[string]any{
									"title":    map[string]any{"type": "string"},
									"summary":  map[string]any{"type": "string"},
									"concepts": map[string]any{"type": "array", "items": conceptSchema()},
								},
								"required":             []string{"title", "summary", "concepts"},
								"additionalProperties": false,
							},
						},
					},
					"required":             []string{"title", "objective", "modules"},
					"additionalProperties": false,
				},
			},
		},
		"required":             []string{"title", "summary", "stages"},
		"additionalProperties": false,
	}
}

func (a *curriculumArchitect) Design(ctx context.Context, ownerUserID, taskID uuid.UUID, intent map[string]any) (*roadmaps.RoadmapTree, error) {
	intentJSON, _ := json.Marshal(intent)

	obj, err := a.ai.GenerateJSON(ctx,
		"You design structured, progressive learning roadmaps. Stages build on each other; modules within a stage are coherent; concepts are specific and teachable.",
		fmt.Sprintf("Learning intent (JSON):\n%s\n\nDesign a roadmap with 3-5 stages, 2-4 modules per stage, and 3-6 concepts per module. Keep titles specific and avoid filler concepts.", intentJSON),
		"roadmap_blueprint",
		blueprintSchema(),
	)
	if err != nil {
		return nil, wrapErr("curriculum_architect", err)
	}

	tree, err := treeFromBlueprint(ownerUserID, taskID, obj)
	if err != nil {
		return nil, &AgentError{Agent: "curriculum_architect", Err: err}
	}
	return tree, nil
}

// treeFromBlueprint materializes the model's blueprint into domain rows.
// Indexes are positional; any structural defect here is reported as a fatal
// agent error rather than passed downstream to the validator.
func treeFromBlueprint(ownerUserID, taskID uuid.UUID, obj map[string]any) (*roadmaps.RoadmapTree, error) {
	stagesAny, ok := obj["stages"].([]any)
	if !ok {
		return nil, fmt.Errorf("blueprint stages missing or wrong type")
	}

	now := time.Now()
	roadmapID := uuid.New()
	tree := &roadmaps.RoadmapTree{
		Roadmap: &domain.Roadmap{
			ID:          roadmapID,
			OwnerUserID: ownerUserID,
			TaskID:      taskID,
			Title:       fmt.Sprint(obj["title"]),
			Summary:     fmt.Sprint(obj["summary"]),
			Metadata:    datatypes.JSON([]byte(`{}`)),
			CreatedAt:   now,
			UpdatedAt:   now,
		},
	}

	for si, s := range stagesAny {
		sm, ok := s.(map[string]any)
		if !ok {
			return nil, fmt.Errorf("stage %d wrong type", si)
		}
		stage := &domain.RoadmapStage{
			ID:        uuid.New(),
			RoadmapID: roadmapID,
			Index:     si,
			Title:     fmt.Sprint(sm["title"]),
			Objective: fmt.Sprint(sm["objective"]),
			CreatedAt: now,
			UpdatedAt: now,
		}
		tree.Stages = append(tree.Stages, stage)

		modsAny, ok := sm["modules"].([]any)
		if !ok {
			return nil, fmt.Errorf("stage %d modules missing", si)
		}
		for mi, m := range modsAny {
			mm, ok := m.(map[string]any)
			if !ok {
				return nil, fmt.Errorf("stage %d module %d wrong type", si, mi)
			}
			module := &domain.RoadmapModule{
				ID:        uuid.New(),
				StageID:   stage.ID,
				RoadmapID: roadmapID,
				Index:     mi,
				Title:     fmt.Sprint(mm["title"]),
				Summary:   fmt.Sprint(mm["summary"]),
				CreatedAt: now,
				UpdatedAt: now,
			}
			tree.Modules = append(tree.Modules, module)

			consAny, ok := mm["concepts"].([]any)
			if !ok {
				return nil, fmt.Errorf("stage %d module %d concepts missing", si, mi)
			}
			for ci, cc := range consAny {
				cm, ok := cc.(map[string]any)
				if !ok {
					return nil, fmt.Errorf("stage %d module %d concept %d wrong type", si, mi, ci)
				}
				tree.Concepts = append(tree.Concepts, &domain.Concept{
					ID:              uuid.New(),
					ModuleID:        module.ID,
					RoadmapID:       roadmapID,
					Index:           ci,
					Title:           fmt.Sprint(cm["title"]),
					Description:     fmt.Sprint(cm["description"]),
					ContentStatus:   domain.ContentStatusPending,
					ResourcesStatus: domain.ContentStatusPending,
					QuizStatus:      domain.ContentStatusPending,
					CreatedAt:       now,
					UpdatedAt:       now,
				})
			}
		}
	}

	return tree, nil
}
