package agents

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/google/uuid"

	"github.com/norvand/pathlight-backend/internal/data/repos/roadmaps"
	"github.com/norvand/pathlight-backend/internal/pkg/logger"
	"github.com/norvand/pathlight-backend/internal/services"
)

/*
RoadmapEditor rewrites a roadmap's structure. It serves two callers: the
validation loop hands it an edit plan derived from validator issues, and the
review path hands it raw reviewer feedback with no plan. Either way it
returns a complete replacement tree bound to the existing roadmap id.
*/
type RoadmapEditor interface {
	Edit(ctx context.Context, tree *roadmaps.RoadmapTree, plan map[string]any, feedback string) (*roadmaps.RoadmapTree, error)
}

type roadmapEditor struct {
	log *logger.Logger
	ai  services.LLMClient
}

func NewRoadmapEditor(log *logger.Logger, ai services.LLMClient) RoadmapEditor {
	return &roadmapEditor{
		log: log.With("agent", "RoadmapEditor"),
		ai:  ai,
	}
}

func (e *roadmapEditor) Edit(ctx context.Context, tree *roadmaps.RoadmapTree, plan map[string]any, feedback string) (*roadmaps.RoadmapTree, error) {
	if tree == nil || tree.Roadmap == nil {
		return nil, &AgentError{Agent: "roadmap_editor", Err: fmt.Errorf("missing roadmap tree")}
	}

	outline, _ := json.Marshal(treeOutline(tree))

	var instructions strings.Builder
	if plan != nil {
		planJSON, _ := json.Marshal(plan)
		fmt.Fprintf(&instructions, "Edit plan (JSON):\n%s\n\n", planJSON)
	}
	if strings.TrimSpace(feedback) != "" {
		fmt.Fprintf(&instructions, "Reviewer feedback:\n%s\n\n", feedback)
	}
	if instructions.Len() == 0 {
		return nil, &AgentError{Agent: "roadmap_editor", Err: fmt.Errorf("no edit plan and no feedback")}
	}

	obj, err := e.ai.GenerateJSON(ctx,
		"You revise learning roadmap structures. Apply the requested changes faithfully and keep everything that was not questioned.",
		fmt.Sprintf("Current roadmap (JSON):\n%s\n\n%sReturn the complete revised roadmap.", outline, instructions.String()),
		"roadmap_blueprint",
		blueprintSchema(),
	)
	if err != nil {
		return nil, wrapErr("roadmap_editor", err)
	}

	edited, err := treeFromBlueprint(tree.Roadmap.OwnerUserID, tree.Roadmap.TaskID, obj)
	if err != nil {
		return nil, &AgentError{Agent: "roadmap_editor", Err: err}
	}

	// The edit replaces structure under the existing roadmap row.
	rebindTree(edited, tree.Roadmap.ID)
	edited.Roadmap.ID = tree.Roadmap.ID
	edited.Roadmap.CreatedAt = tree.Roadmap.CreatedAt
	return edited, nil
}

func rebindTree(tree *roadmaps.RoadmapTree, roadmapID uuid.UUID) {
	for _, s := range tree.Stages {
		s.RoadmapID = roadmapID
	}
	for _, m := range tree.Modules {
		m.RoadmapID = roadmapID
	}
	for _, c := range tree.Concepts {
		c.RoadmapID = roadmapID
	}
}
