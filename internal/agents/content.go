package agents

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/norvand/pathlight-backend/internal/domain"
	"github.com/norvand/pathlight-backend/internal/pkg/logger"
	"github.com/norvand/pathlight-backend/internal/services"
)

/*
ContentGenerator produces the three artifacts of one concept. A unit runs
the calls strictly in order (tutorial, then resources, then quiz) because
the later artifacts are grounded on the tutorial text to stay coherent with
what the learner will actually read.
*/
type ContentGenerator interface {
	Tutorial(ctx context.Context, concept *domain.Concept, roadmapTitle string) ([]byte, error)
	Resources(ctx context.Context, concept *domain.Concept, tutorial []byte) ([]byte, error)
	Quiz(ctx context.Context, concept *domain.Concept, tutorial []byte) ([]byte, error)
}

type contentGenerator struct {
	log *logger.Logger
	ai  services.LLMClient
}

func NewContentGenerator(log *logger.Logger, ai services.LLMClient) ContentGenerator {
	return &contentGenerator{
		log: log.With("agent", "ContentGenerator"),
		ai:  ai,
	}
}

func (g *contentGenerator) Tutorial(ctx context.Context, concept *domain.Concept, roadmapTitle string) ([]byte, error) {
	schema := map[string]any{
		"type": "object",
		"properties": map[string]any{
			"title":   map[string]any{"type": "string"},
			"summary": map[string]any{"type": "string"},
			"sections": map[string]any{
				"type": "array",
				"items": map[string]any{
					"type": "object",
					"properties": map[string]any{
						"heading":  map[string]any{"type": "string"},
						"body":     map[string]any{"type": "string"},
						"examples": map[string]any{"type": "array", "items": map[string]any{"type": "string"}},
					},
					"required":             []string{"heading", "body", "examples"},
					"additionalProperties": false,
				},
			},
			"key_takeaways": map[string]any{"type": "array", "items": map[string]any{"type": "string"}},
		},
		"required":             []string{"title", "summary", "sections", "key_takeaways"},
		"additionalProperties": false,
	}

	obj, err := g.ai.GenerateJSON(ctx,
		"You write clear, self-contained tutorials for single learning concepts.",
		fmt.Sprintf("Roadmap: %s\nConcept: %s\nDescription: %s\n\nWrite a tutorial with 3-6 sections that teaches this concept on its own.", roadmapTitle, concept.Title, concept.Description),
		"concept_tutorial",
		schema,
	)
	if err != nil {
		return nil, wrapErr("content_generator", err)
	}
	return json.Marshal(obj)
}

func (g *contentGenerator) Resources(ctx context.Context, concept *domain.Concept, tutorial []byte) ([]byte, error) {
	schema := map[string]any{
		"type": "object",
		"properties": map[string]any{
			"resources": map[string]any{
				"type": "array",
				"items": map[string]any{
					"type": "object",
					"properties": map[string]any{
						"title":  map[string]any{"type": "string"},
						"kind":   map[string]any{"type": "string", "enum": []string{"article", "video", "book", "course", "documentation", "practice"}},
						"url":    map[string]any{"type": "string"},
						"reason": map[string]any{"type": "string"},
					},
					"required":             []string{"title", "kind", "url", "reason"},
					"additionalProperties": false,
				},
			},
		},
		"required":             []string{"resources"},
		"additionalProperties": false,
	}

	obj, err := g.ai.GenerateJSON(ctx,
		"You curate high-quality external learning resources that complement a given tutorial.",
		fmt.Sprintf("Concept: %s\n\nTutorial (JSON):\n%s\n\nRecommend 3-6 resources that deepen or practice what the tutorial covers. Only list resources likely to exist.", concept.Title, tutorial),
		"concept_resources",
		schema,
	)
	if err != nil {
		return nil, wrapErr("content_generator", err)
	}
	return json.Marshal(obj)
}

func (g *contentGenerator) Quiz(ctx context.Context, concept *domain.Concept, tutorial []byte) ([]byte, error) {
	schema := map[string]any{
		"type": "object",
		"properties": map[string]any{
			"questions": map[string]any{
				"type": "array",
				"items": map[string]any{
					"type": "object",
					"properties": map[string]any{
						"prompt":        map[string]any{"type": "string"},
						"options":       map[string]any{"type": "array", "items": map[string]any{"type": "string"}},
						"correct_index": map[string]any{"type": "integer"},
						"explanation":   map[string]any{"type": "string"},
					},
					"required":             []string{"prompt", "options", "correct_index", "explanation"},
					"additionalProperties": false,
				},
			},
		},
		"required":             []string{"questions"},
		"additionalProperties": false,
	}

	obj, err := g.ai.GenerateJSON(ctx,
		"You write quizzes that test understanding of a tutorial, not trivia.",
		fmt.Sprintf("Concept: %s\n\nTutorial (JSON):\n%s\n\nWrite 4-8 multiple-choice questions covering the tutorial's key points. Every question must be answerable from the tutorial alone.", concept.Title, tutorial),
		"concept_quiz",
		schema,
	)
	if err != nil {
		return nil, wrapErr("content_generator", err)
	}
	return json.Marshal(obj)
}
