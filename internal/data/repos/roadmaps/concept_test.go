package roadmaps

import (
	"context"
	"testing"

	"github.com/google/uuid"

	"github.com/norvand/pathlight-backend/internal/data/repos/testutil"
	"github.com/norvand/pathlight-backend/internal/domain"
	"github.com/norvand/pathlight-backend/internal/pkg/dbctx"
)

func seedConcepts(t *testing.T, roadmapRepo RoadmapRepo, titles ...string) *RoadmapTree {
	t.Helper()
	tree := seedTree(titles...)
	if err := roadmapRepo.CreateTree(dbctx.Context{Ctx: context.Background()}, tree); err != nil {
		t.Fatalf("seed tree: %v", err)
	}
	return tree
}

func TestSaveGeneratedLandsAllArtifacts(t *testing.T) {
	tx := testTx(t)
	log := testutil.Logger(t)
	tree := seedConcepts(t, NewRoadmapRepo(tx, log), "Alpha")
	repo := NewConceptRepo(tx, log)
	dbc := dbctx.Context{Ctx: context.Background()}
	id := tree.Concepts[0].ID

	if err := repo.MarkGenerating(dbc, id); err != nil {
		t.Fatalf("mark generating: %v", err)
	}
	err := repo.SaveGenerated(dbc, id, GeneratedContent{
		Tutorial:  []byte(`{"sections":[1]}`),
		Resources: []byte(`{"resources":[2]}`),
		Quiz:      []byte(`{"questions":[3]}`),
	})
	if err != nil {
		t.Fatalf("save generated: %v", err)
	}

	got, err := repo.GetByIDs(dbc, []uuid.UUID{id})
	if err != nil || len(got) != 1 {
		t.Fatalf("reload concept: %v", err)
	}
	c := got[0]
	if c.ContentStatus != domain.ContentStatusCompleted ||
		c.ResourcesStatus != domain.ContentStatusCompleted ||
		c.QuizStatus != domain.ContentStatusCompleted {
		t.Fatalf("statuses = %s/%s/%s, want completed across the board", c.ContentStatus, c.ResourcesStatus, c.QuizStatus)
	}
	if len(c.Tutorial) == 0 || len(c.Resources) == 0 || len(c.Quiz) == 0 {
		t.Fatalf("stored content missing")
	}
	if c.ContentVersion != 1 {
		t.Fatalf("content_version = %d, want 1", c.ContentVersion)
	}
}

func TestListFailedIDsMatchesAnyFailedArtifact(t *testing.T) {
	tx := testTx(t)
	log := testutil.Logger(t)
	tree := seedConcepts(t, NewRoadmapRepo(tx, log), "Alpha", "Beta", "Gamma")
	repo := NewConceptRepo(tx, log)
	dbc := dbctx.Context{Ctx: context.Background()}

	if err := repo.MarkFailed(dbc, tree.Concepts[1].ID); err != nil {
		t.Fatalf("mark failed: %v", err)
	}
	// A single failed artifact is enough; the other two stay pending.
	err := tx.Model(&domain.Concept{}).
		Where("id = ?", tree.Concepts[2].ID).
		Update("quiz_status", domain.ContentStatusFailed).Error
	if err != nil {
		t.Fatalf("fail quiz only: %v", err)
	}

	ids, err := repo.ListFailedIDs(dbc, tree.Roadmap.ID)
	if err != nil {
		t.Fatalf("list failed: %v", err)
	}
	if len(ids) != 2 {
		t.Fatalf("failed ids = %v, want Beta and Gamma", ids)
	}
	if ids[0] != tree.Concepts[1].ID || ids[1] != tree.Concepts[2].ID {
		t.Fatalf("failed ids = %v, want index order %s, %s", ids, tree.Concepts[1].ID, tree.Concepts[2].ID)
	}
}

func TestResetForRetryFlipsStatusesBackToPending(t *testing.T) {
	tx := testTx(t)
	log := testutil.Logger(t)
	tree := seedConcepts(t, NewRoadmapRepo(tx, log), "Alpha", "Beta")
	repo := NewConceptRepo(tx, log)
	dbc := dbctx.Context{Ctx: context.Background()}

	for _, c := range tree.Concepts {
		if err := repo.MarkFailed(dbc, c.ID); err != nil {
			t.Fatalf("mark failed: %v", err)
		}
	}
	ids := []uuid.UUID{tree.Concepts[0].ID, tree.Concepts[1].ID}
	if err := repo.ResetForRetry(dbc, ids); err != nil {
		t.Fatalf("reset: %v", err)
	}

	got, err := repo.GetByRoadmapID(dbc, tree.Roadmap.ID)
	if err != nil {
		t.Fatalf("reload: %v", err)
	}
	for _, c := range got {
		if c.ContentStatus != domain.ContentStatusPending ||
			c.ResourcesStatus != domain.ContentStatusPending ||
			c.QuizStatus != domain.ContentStatusPending {
			t.Fatalf("concept %s not reset: %s/%s/%s", c.Title, c.ContentStatus, c.ResourcesStatus, c.QuizStatus)
		}
	}

	remaining, err := repo.ListFailedIDs(dbc, tree.Roadmap.ID)
	if err != nil {
		t.Fatalf("list failed after reset: %v", err)
	}
	if len(remaining) != 0 {
		t.Fatalf("failed ids after reset = %v, want none", remaining)
	}
}
