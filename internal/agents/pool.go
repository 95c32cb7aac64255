package agents

import (
	"github.com/norvand/pathlight-backend/internal/pkg/logger"
	"github.com/norvand/pathlight-backend/internal/services"
)

// Pool holds one instance of every agent. Agents are stateless; the pool is
// shared across all workers of a process.
type Pool struct {
	Intent    IntentAnalyzer
	Architect CurriculumArchitect
	Validator StructureValidator
	Planner   EditPlanner
	Editor    RoadmapEditor
	Content   ContentGenerator
}

func NewPool(log *logger.Logger, ai services.LLMClient) *Pool {
	return &Pool{
		Intent:    NewIntentAnalyzer(log, ai),
		Architect: NewCurriculumArchitect(log, ai),
		Validator: NewStructureValidator(log),
		Planner:   NewEditPlanner(log, ai),
		Editor:    NewRoadmapEditor(log, ai),
		Content:   NewContentGenerator(log, ai),
	}
}
