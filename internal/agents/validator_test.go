package agents

import (
	"strings"
	"testing"

	"github.com/google/uuid"

	"github.com/norvand/pathlight-backend/internal/data/repos/roadmaps"
	"github.com/norvand/pathlight-backend/internal/data/repos/testutil"
	"github.com/norvand/pathlight-backend/internal/domain"
)

// validTree builds a minimal structurally sound tree: one stage, one module,
// two concepts.
func validTree() *roadmaps.RoadmapTree {
	roadmapID := uuid.New()
	stageID := uuid.New()
	moduleID := uuid.New()
	return &roadmaps.RoadmapTree{
		Roadmap: &domain.Roadmap{ID: roadmapID, Title: "Learn Go"},
		Stages: []*domain.RoadmapStage{
			{ID: stageID, RoadmapID: roadmapID, Index: 0, Title: "Basics"},
		},
		Modules: []*domain.RoadmapModule{
			{ID: moduleID, StageID: stageID, RoadmapID: roadmapID, Index: 0, Title: "Syntax"},
		},
		Concepts: []*domain.Concept{
			{ID: uuid.New(), ModuleID: moduleID, RoadmapID: roadmapID, Index: 0, Title: "Variables"},
			{ID: uuid.New(), ModuleID: moduleID, RoadmapID: roadmapID, Index: 1, Title: "Functions"},
		},
	}
}

func TestValidateAcceptsSoundTree(t *testing.T) {
	v := NewStructureValidator(testutil.Logger(t))
	rep := v.Validate(validTree())
	if !rep.IsValid {
		t.Fatalf("expected valid, got issues: %v", rep.Issues)
	}
}

func TestValidateIsDeterministic(t *testing.T) {
	v := NewStructureValidator(testutil.Logger(t))
	tree := validTree()
	tree.Stages[0].Title = ""

	first := v.Validate(tree)
	second := v.Validate(tree)
	if first.IsValid || second.IsValid {
		t.Fatalf("tree with empty stage title must be invalid")
	}
	if len(first.Issues) != len(second.Issues) {
		t.Fatalf("verdict changed between runs: %v vs %v", first.Issues, second.Issues)
	}
	for i := range first.Issues {
		if first.Issues[i] != second.Issues[i] {
			t.Fatalf("issue %d changed between runs: %q vs %q", i, first.Issues[i], second.Issues[i])
		}
	}
}

func TestValidateRejections(t *testing.T) {
	cases := []struct {
		name    string
		mutate  func(*roadmaps.RoadmapTree)
		wantMsg string
	}{
		{
			name:    "empty roadmap title",
			mutate:  func(tr *roadmaps.RoadmapTree) { tr.Roadmap.Title = "  " },
			wantMsg: "roadmap title empty",
		},
		{
			name:    "no stages",
			mutate:  func(tr *roadmaps.RoadmapTree) { tr.Stages = nil },
			wantMsg: "need at least",
		},
		{
			name:    "empty concept title",
			mutate:  func(tr *roadmaps.RoadmapTree) { tr.Concepts[0].Title = "" },
			wantMsg: "empty title",
		},
		{
			name:    "module references unknown stage",
			mutate:  func(tr *roadmaps.RoadmapTree) { tr.Modules[0].StageID = uuid.New() },
			wantMsg: "unknown stage",
		},
		{
			name:    "concept references unknown module",
			mutate:  func(tr *roadmaps.RoadmapTree) { tr.Concepts[1].ModuleID = uuid.New() },
			wantMsg: "unknown module",
		},
		{
			name:    "concept indexes not contiguous",
			mutate:  func(tr *roadmaps.RoadmapTree) { tr.Concepts[1].Index = 5 },
			wantMsg: "not contiguously indexed",
		},
		{
			name:    "stage from another roadmap",
			mutate:  func(tr *roadmaps.RoadmapTree) { tr.Stages[0].RoadmapID = uuid.New() },
			wantMsg: "different roadmap",
		},
		{
			name:    "module without concepts",
			mutate:  func(tr *roadmaps.RoadmapTree) { tr.Concepts = nil },
			wantMsg: "has no concepts",
		},
	}

	v := NewStructureValidator(testutil.Logger(t))
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			tree := validTree()
			tc.mutate(tree)
			rep := v.Validate(tree)
			if rep.IsValid {
				t.Fatalf("expected invalid tree")
			}
			found := false
			for _, issue := range rep.Issues {
				if strings.Contains(issue, tc.wantMsg) {
					found = true
					break
				}
			}
			if !found {
				t.Fatalf("issues %v do not mention %q", rep.Issues, tc.wantMsg)
			}
		})
	}
}

func TestValidateStageCapacity(t *testing.T) {
	v := NewStructureValidator(testutil.Logger(t))
	tree := validTree()
	roadmapID := tree.Roadmap.ID
	for i := 1; i < 9; i++ {
		stageID := uuid.New()
		moduleID := uuid.New()
		tree.Stages = append(tree.Stages, &domain.RoadmapStage{
			ID: stageID, RoadmapID: roadmapID, Index: i, Title: "Stage",
		})
		tree.Modules = append(tree.Modules, &domain.RoadmapModule{
			ID: moduleID, StageID: stageID, RoadmapID: roadmapID, Index: 0, Title: "Module",
		})
		tree.Concepts = append(tree.Concepts, &domain.Concept{
			ID: uuid.New(), ModuleID: moduleID, RoadmapID: roadmapID, Index: 0, Title: "Concept",
		})
	}
	rep := v.Validate(tree)
	if rep.IsValid {
		t.Fatalf("9 stages must exceed the cap")
	}
	found := false
	for _, issue := range rep.Issues {
		if strings.Contains(issue, "cap is") {
			found = true
		}
	}
	if !found {
		t.Fatalf("issues %v do not mention the stage cap", rep.Issues)
	}
}
