package workflow

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/norvand/pathlight-backend/internal/agents"
	"github.com/norvand/pathlight-backend/internal/data/repos/roadmaps"
	"github.com/norvand/pathlight-backend/internal/domain"
	"github.com/norvand/pathlight-backend/internal/observability"
	"github.com/norvand/pathlight-backend/internal/pkg/dbctx"
	"github.com/norvand/pathlight-backend/internal/pkg/logger"
	"github.com/norvand/pathlight-backend/internal/services"
	"github.com/norvand/pathlight-backend/internal/utils"
)

// unitWriteGrace bounds the status writes that must outlive an expired unit
// deadline, such as marking a timed-out concept failed.
const unitWriteGrace = 30 * time.Second

/*
BatchScheduler fans content generation out over a roadmap's concepts.

Concepts are processed in fixed-size batches; inside a batch, units run
concurrently up to the configured limit. One unit owns one concept and runs
its three generations strictly in order (tutorial, resources, quiz) before a
single storage write. A unit failure marks its concept failed and never
aborts the batch: the scheduler always drains every unit and reports an
aggregate, counting each concept exactly once.
*/
type BatchScheduler struct {
	log      *logger.Logger
	concepts roadmaps.ConceptRepo
	content  agents.ContentGenerator
	notifier services.TaskNotifier

	batchSize   int
	concurrency int
	unitTimeout time.Duration
	runTimeout  time.Duration
}

func NewBatchScheduler(log *logger.Logger, concepts roadmaps.ConceptRepo, content agents.ContentGenerator, notifier services.TaskNotifier) *BatchScheduler {
	blog := log.With("component", "BatchScheduler")
	return &BatchScheduler{
		log:         blog,
		concepts:    concepts,
		content:     content,
		notifier:    notifier,
		batchSize:   utils.GetEnvAsInt("CONTENT_BATCH_SIZE", 5, blog),
		concurrency: utils.GetEnvAsInt("CONTENT_UNIT_CONCURRENCY", 3, blog),
		unitTimeout: time.Duration(utils.GetEnvAsInt("CONTENT_UNIT_TIMEOUT_SECONDS", 420, blog)) * time.Second,
		runTimeout:  time.Duration(utils.GetEnvAsInt("CONTENT_RUN_TIMEOUT_SECONDS", 5400, blog)) * time.Second,
	}
}

// Run generates content for the given concepts and returns the aggregate.
// The returned summary is authoritative for the task's terminal status; an
// error return means the scheduler itself could not run, not that units
// failed.
func (b *BatchScheduler) Run(ctx context.Context, state *TaskState, targets []*domain.Concept) (*BatchSummary, error) {
	if len(targets) == 0 {
		return &BatchSummary{}, nil
	}

	runCtx, cancel := context.WithTimeout(ctx, b.runTimeout)
	defer cancel()

	roadmapTitle := ""
	if state.Intent != nil {
		roadmapTitle = fmt.Sprint(state.Intent["goal"])
	}

	summary := &BatchSummary{Total: len(targets)}
	var mu sync.Mutex

	record := func(c *domain.Concept, err error) {
		mu.Lock()
		defer mu.Unlock()
		if err == nil {
			summary.Completed++
			observability.Current().IncUnitResult(domain.ContentStatusCompleted)
			b.notifier.UnitEvent(state.OwnerUserID, services.TaskEvent{
				Type:      services.EventUnitCompleted,
				TaskID:    state.TaskID,
				ConceptID: &c.ID,
				Status:    domain.ContentStatusCompleted,
				Timestamp: time.Now(),
			})
			return
		}
		summary.Failed++
		summary.FailedConcepts = append(summary.FailedConcepts, c.ID)
		observability.Current().IncUnitResult(domain.ContentStatusFailed)
		b.notifier.UnitEvent(state.OwnerUserID, services.TaskEvent{
			Type:      services.EventUnitFailed,
			TaskID:    state.TaskID,
			ConceptID: &c.ID,
			Status:    domain.ContentStatusFailed,
			Message:   err.Error(),
			Timestamp: time.Now(),
		})
	}

	for start := 0; start < len(targets); start += b.batchSize {
		end := start + b.batchSize
		if end > len(targets) {
			end = len(targets)
		}
		batch := targets[start:end]

		b.notifier.BatchEvent(state.OwnerUserID, services.TaskEvent{
			Type:      services.EventBatchStart,
			TaskID:    state.TaskID,
			Status:    domain.TaskStatusProcessing,
			Message:   fmt.Sprintf("batch %d-%d of %d", start+1, end, len(targets)),
			Completed: summary.Completed,
			Failed:    summary.Failed,
			Total:     summary.Total,
			Timestamp: time.Now(),
		})

		// The run deadline caps the whole fan-out. Once it passes, every
		// remaining unit is recorded as failed without being started.
		if runCtx.Err() != nil {
			for _, c := range batch {
				_ = b.concepts.MarkFailed(dbctx.Context{Ctx: context.Background()}, c.ID)
				record(c, fmt.Errorf("content generation run timed out"))
			}
			continue
		}

		g, gctx := errgroup.WithContext(runCtx)
		g.SetLimit(b.concurrency)
		for _, c := range batch {
			concept := c
			g.Go(func() error {
				err := b.runUnit(gctx, state, concept, roadmapTitle)
				record(concept, err)
				// unit errors are folded into the summary, never propagated
				return nil
			})
		}
		_ = g.Wait()

		b.notifier.BatchEvent(state.OwnerUserID, services.TaskEvent{
			Type:      services.EventBatchComplete,
			TaskID:    state.TaskID,
			Status:    domain.TaskStatusProcessing,
			Completed: summary.Completed,
			Failed:    summary.Failed,
			Total:     summary.Total,
			Timestamp: time.Now(),
		})
	}

	return summary, nil
}

/*
runUnit generates one concept end to end. The three calls are ordered:
resources and quiz are grounded on the tutorial text. The concept
row is written exactly twice per attempt: once to mark it generating, once
with either the full payload or the failed statuses.
*/
func (b *BatchScheduler) runUnit(ctx context.Context, state *TaskState, concept *domain.Concept, roadmapTitle string) error {
	unitCtx, cancel := context.WithTimeout(ctx, b.unitTimeout)
	defer cancel()

	// Status writes must land even after the unit deadline expires, so they
	// run detached from unitCtx with a short grace on top of it.
	writeCtx, cancelWrites := context.WithTimeout(context.Background(), b.unitTimeout+unitWriteGrace)
	defer cancelWrites()
	dbc := dbctx.Context{Ctx: writeCtx}
	if err := b.concepts.MarkGenerating(dbc, concept.ID); err != nil {
		return fmt.Errorf("mark generating: %w", err)
	}

	fail := func(err error) error {
		if mErr := b.concepts.MarkFailed(dbc, concept.ID); mErr != nil {
			b.log.Error("mark concept failed", "concept_id", concept.ID, "error", mErr)
		}
		return err
	}

	tutorial, err := b.content.Tutorial(unitCtx, concept, roadmapTitle)
	if err != nil {
		return fail(fmt.Errorf("tutorial: %w", err))
	}
	resources, err := b.content.Resources(unitCtx, concept, tutorial)
	if err != nil {
		return fail(fmt.Errorf("resources: %w", err))
	}
	quiz, err := b.content.Quiz(unitCtx, concept, tutorial)
	if err != nil {
		return fail(fmt.Errorf("quiz: %w", err))
	}

	if err := b.concepts.SaveGenerated(dbc, concept.ID, roadmaps.GeneratedContent{
		Tutorial:  tutorial,
		Resources: resources,
		Quiz:      quiz,
	}); err != nil {
		return fail(fmt.Errorf("save generated content: %w", err))
	}
	return nil
}

// PendingTargets selects the concepts of a roadmap that still need content.
// A concept with any of its three artifacts not completed is a target, so a
// rerun after a crash regenerates only what is missing.
func (b *BatchScheduler) PendingTargets(dbc dbctx.Context, roadmapID uuid.UUID) ([]*domain.Concept, error) {
	all, err := b.concepts.GetByRoadmapID(dbc, roadmapID)
	if err != nil {
		return nil, err
	}
	var out []*domain.Concept
	for _, c := range all {
		if c.ContentStatus == domain.ContentStatusCompleted &&
			c.ResourcesStatus == domain.ContentStatusCompleted &&
			c.QuizStatus == domain.ContentStatusCompleted {
			continue
		}
		out = append(out, c)
	}
	return out, nil
}
