package agents

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/norvand/pathlight-backend/internal/pkg/logger"
	"github.com/norvand/pathlight-backend/internal/services"
)

// IntentAnalyzer turns raw learner preferences into a structured learning
// intent the curriculum architect can design against.
type IntentAnalyzer interface {
	Analyze(ctx context.Context, preferences map[string]any) (map[string]any, error)
}

type intentAnalyzer struct {
	log *logger.Logger
	ai  services.LLMClient
}

func NewIntentAnalyzer(log *logger.Logger, ai services.LLMClient) IntentAnalyzer {
	return &intentAnalyzer{
		log: log.With("agent", "IntentAnalyzer"),
		ai:  ai,
	}
}

func (a *intentAnalyzer) Analyze(ctx context.Context, preferences map[string]any) (map[string]any, error) {
	prefsJSON, _ := json.Marshal(preferences)

	schema := map[string]any{
		"type": "object",
		"properties": map[string]any{
			"goal":             map[string]any{"type": "string"},
			"current_level":    map[string]any{"type": "string"},
			"target_level":     map[string]any{"type": "string"},
			"focus_areas":      map[string]any{"type": "array", "items": map[string]any{"type": "string"}},
			"constraints":      map[string]any{"type": "array", "items": map[string]any{"type": "string"}},
			"weekly_hours":     map[string]any{"type": "integer"},
			"preferred_style":  map[string]any{"type": "string"},
			"success_criteria": map[string]any{"type": "array", "items": map[string]any{"type": "string"}},
		},
		"required":             []string{"goal", "current_level", "target_level", "focus_areas", "constraints", "weekly_hours", "preferred_style", "success_criteria"},
		"additionalProperties": false,
	}

	intent, err := a.ai.GenerateJSON(ctx,
		"You analyze a learner's stated preferences and produce a precise, structured learning intent.",
		fmt.Sprintf("Learner preferences (JSON):\n%s\n\nExtract the learning intent. Infer sensible values where the learner was vague, but never invent goals they did not express.", prefsJSON),
		"learning_intent",
		schema,
	)
	if err != nil {
		return nil, wrapErr("intent_analyzer", err)
	}
	return intent, nil
}
