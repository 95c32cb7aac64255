package roadmaps

import (
	"context"
	"testing"

	"github.com/google/uuid"
	"gorm.io/datatypes"
	"gorm.io/gorm"

	"github.com/norvand/pathlight-backend/internal/data/repos/testutil"
	"github.com/norvand/pathlight-backend/internal/domain"
	"github.com/norvand/pathlight-backend/internal/pkg/dbctx"
)

func testTx(t *testing.T) *gorm.DB {
	t.Helper()
	db := testutil.DB(t)
	return testutil.Tx(t, db)
}

// seedTree builds a one-stage, one-module tree with the given concept titles.
func seedTree(conceptTitles ...string) *RoadmapTree {
	roadmapID := uuid.New()
	stage := &domain.RoadmapStage{
		ID:        uuid.New(),
		RoadmapID: roadmapID,
		Index:     0,
		Title:     "Stage One",
		Objective: "Cover the basics.",
	}
	module := &domain.RoadmapModule{
		ID:        uuid.New(),
		StageID:   stage.ID,
		RoadmapID: roadmapID,
		Index:     0,
		Title:     "Module One",
		Summary:   "First module.",
	}
	tree := &RoadmapTree{
		Roadmap: &domain.Roadmap{
			ID:          roadmapID,
			OwnerUserID: uuid.New(),
			TaskID:      uuid.New(),
			Title:       "Test Roadmap",
			Summary:     "A seeded roadmap.",
			Metadata:    datatypes.JSON([]byte(`{}`)),
		},
		Stages:  []*domain.RoadmapStage{stage},
		Modules: []*domain.RoadmapModule{module},
	}
	for i, title := range conceptTitles {
		tree.Concepts = append(tree.Concepts, &domain.Concept{
			ID:              uuid.New(),
			ModuleID:        module.ID,
			RoadmapID:       roadmapID,
			Index:           i,
			Title:           title,
			Description:     "Seeded concept.",
			ContentStatus:   domain.ContentStatusPending,
			ResourcesStatus: domain.ContentStatusPending,
			QuizStatus:      domain.ContentStatusPending,
		})
	}
	return tree
}

func TestCreateTreeAndGetTreeRoundTrip(t *testing.T) {
	tx := testTx(t)
	log := testutil.Logger(t)
	repo := NewRoadmapRepo(tx, log)
	dbc := dbctx.Context{Ctx: context.Background()}

	tree := seedTree("Alpha", "Beta", "Gamma")
	if err := repo.CreateTree(dbc, tree); err != nil {
		t.Fatalf("create tree: %v", err)
	}

	got, err := repo.GetTree(dbc, tree.Roadmap.ID)
	if err != nil {
		t.Fatalf("get tree: %v", err)
	}
	if got == nil {
		t.Fatalf("tree not found after create")
	}
	if got.Roadmap.Title != "Test Roadmap" {
		t.Fatalf("title = %s, want Test Roadmap", got.Roadmap.Title)
	}
	if len(got.Stages) != 1 || len(got.Modules) != 1 || len(got.Concepts) != 3 {
		t.Fatalf("shape = %d/%d/%d, want 1/1/3", len(got.Stages), len(got.Modules), len(got.Concepts))
	}
	for i, want := range []string{"Alpha", "Beta", "Gamma"} {
		if got.Concepts[i].Title != want {
			t.Fatalf("concept %d = %s, want %s (index ordering)", i, got.Concepts[i].Title, want)
		}
	}
}

func TestGetTreeUnknownRoadmapReturnsNil(t *testing.T) {
	tx := testTx(t)
	repo := NewRoadmapRepo(tx, testutil.Logger(t))
	dbc := dbctx.Context{Ctx: context.Background()}

	got, err := repo.GetTree(dbc, uuid.New())
	if err != nil {
		t.Fatalf("get tree: %v", err)
	}
	if got != nil {
		t.Fatalf("got %+v, want nil for unknown roadmap", got)
	}
}

func TestReplaceStructureKeepsRoadmapIdentity(t *testing.T) {
	tx := testTx(t)
	log := testutil.Logger(t)
	repo := NewRoadmapRepo(tx, log)
	dbc := dbctx.Context{Ctx: context.Background()}

	original := seedTree("Alpha", "Beta")
	if err := repo.CreateTree(dbc, original); err != nil {
		t.Fatalf("create tree: %v", err)
	}
	roadmapID := original.Roadmap.ID

	edited := seedTree("Delta")
	edited.Roadmap.ID = roadmapID
	edited.Roadmap.Title = "Edited Roadmap"
	for _, s := range edited.Stages {
		s.RoadmapID = roadmapID
	}
	for _, m := range edited.Modules {
		m.RoadmapID = roadmapID
	}
	for _, c := range edited.Concepts {
		c.RoadmapID = roadmapID
	}

	if err := repo.ReplaceStructure(dbc, roadmapID, edited); err != nil {
		t.Fatalf("replace structure: %v", err)
	}

	got, err := repo.GetTree(dbc, roadmapID)
	if err != nil {
		t.Fatalf("get tree: %v", err)
	}
	if got.Roadmap.ID != roadmapID {
		t.Fatalf("roadmap id changed to %s", got.Roadmap.ID)
	}
	if got.Roadmap.Title != "Edited Roadmap" {
		t.Fatalf("title = %s, want Edited Roadmap", got.Roadmap.Title)
	}
	if len(got.Concepts) != 1 || got.Concepts[0].Title != "Delta" {
		t.Fatalf("concepts after replace = %d, want only Delta", len(got.Concepts))
	}
}
