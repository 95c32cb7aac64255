package agents

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/norvand/pathlight-backend/internal/data/repos/roadmaps"
	"github.com/norvand/pathlight-backend/internal/pkg/logger"
	"github.com/norvand/pathlight-backend/internal/services"
)

// EditPlanner analyzes validator findings against the current tree and
// produces a concrete edit plan for the editor to apply.
type EditPlanner interface {
	Plan(ctx context.Context, tree *roadmaps.RoadmapTree, issues []string) (map[string]any, error)
}

type editPlanner struct {
	log *logger.Logger
	ai  services.LLMClient
}

func NewEditPlanner(log *logger.Logger, ai services.LLMClient) EditPlanner {
	return &editPlanner{
		log: log.With("agent", "EditPlanner"),
		ai:  ai,
	}
}

func (p *editPlanner) Plan(ctx context.Context, tree *roadmaps.RoadmapTree, issues []string) (map[string]any, error) {
	outline, _ := json.Marshal(treeOutline(tree))

	schema := map[string]any{
		"type": "object",
		"properties": map[string]any{
			"diagnosis": map[string]any{"type": "string"},
			"edits": map[string]any{
				"type": "array",
				"items": map[string]any{
					"type": "object",
					"properties": map[string]any{
						"action": map[string]any{"type": "string", "enum": []string{"add", "remove", "reorder", "retitle", "merge", "split"}},
						"target": map[string]any{"type": "string"},
						"detail": map[string]any{"type": "string"},
					},
					"required":             []string{"action", "target", "detail"},
					"additionalProperties": false,
				},
			},
		},
		"required":             []string{"diagnosis", "edits"},
		"additionalProperties": false,
	}

	plan, err := p.ai.GenerateJSON(ctx,
		"You diagnose structural problems in learning roadmaps and produce minimal, targeted edit plans.",
		fmt.Sprintf("Roadmap outline (JSON):\n%s\n\nValidator issues:\n- %s\n\nProduce the smallest set of edits that resolves every issue without discarding sound structure.", outline, strings.Join(issues, "\n- ")),
		"roadmap_edit_plan",
		schema,
	)
	if err != nil {
		return nil, wrapErr("edit_planner", err)
	}
	return plan, nil
}

// treeOutline flattens the hierarchy into the compact shape the planning and
// editing prompts consume. Content payloads stay out of the prompt.
func treeOutline(tree *roadmaps.RoadmapTree) map[string]any {
	if tree == nil || tree.Roadmap == nil {
		return map[string]any{}
	}
	out := map[string]any{
		"title":   tree.Roadmap.Title,
		"summary": tree.Roadmap.Summary,
	}
	stages := make([]map[string]any, 0, len(tree.Stages))
	for _, s := range tree.Stages {
		stage := map[string]any{
			"title":     s.Title,
			"objective": s.Objective,
		}
		modules := make([]map[string]any, 0)
		for _, m := range tree.Modules {
			if m.StageID != s.ID {
				continue
			}
			concepts := make([]map[string]any, 0)
			for _, c := range tree.Concepts {
				if c.ModuleID != m.ID {
					continue
				}
				concepts = append(concepts, map[string]any{
					"title":       c.Title,
					"description": c.Description,
				})
			}
			modules = append(modules, map[string]any{
				"title":    m.Title,
				"summary":  m.Summary,
				"concepts": concepts,
			})
		}
		stage["modules"] = modules
		stages = append(stages, stage)
	}
	out["stages"] = stages
	return out
}
