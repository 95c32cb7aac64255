package workflow

import (
	"fmt"
)

// Step is one node in the roadmap-generation graph. The set is closed: every
// transition goes through Next, and an unknown (step, signal) pair is an
// error rather than a silent dead end.
type Step string

const (
	StepInit                       Step = "init"
	StepQueued                     Step = "queued"
	StepStarting                   Step = "starting"
	StepIntentAnalysis             Step = "intent_analysis"
	StepCurriculumDesign           Step = "curriculum_design"
	StepStructureValidation        Step = "structure_validation"
	StepValidationEditPlanAnalysis Step = "validation_edit_plan_analysis"
	StepRoadmapEdit                Step = "roadmap_edit"
	StepHumanReview                Step = "human_review"
	StepContentGenerationQueued    Step = "content_generation_queued"
	StepContentGeneration          Step = "content_generation"
	StepFinalizing                 Step = "finalizing"
	StepCompleted                  Step = "completed"
	StepPartialFailure             Step = "partial_failure"
	StepFailed                     Step = "failed"
)

// Signal is the control outcome a stage reports back to the graph.
type Signal string

const (
	SignalAdvance  Signal = "advance"
	SignalValid    Signal = "valid"
	SignalInvalid  Signal = "invalid"
	SignalApproved Signal = "approved"
	SignalRejected Signal = "rejected"
	SignalSuspend  Signal = "suspend"
	SignalComplete Signal = "complete"
	SignalPartial  Signal = "partial"
)

// transitions is the full routing table. Both edit loops converge on
// structure_validation; human rejection re-enters at roadmap_edit carrying
// the reviewer's feedback (the editor derives its own edit plan from it),
// while validation failures go through the explicit plan-analysis step.
var transitions = map[Step]map[Signal]Step{
	StepInit:             {SignalAdvance: StepQueued},
	StepQueued:           {SignalAdvance: StepStarting},
	StepStarting:         {SignalAdvance: StepIntentAnalysis},
	StepIntentAnalysis:   {SignalAdvance: StepCurriculumDesign},
	StepCurriculumDesign: {SignalAdvance: StepStructureValidation},
	StepStructureValidation: {
		SignalValid:   StepHumanReview,
		SignalInvalid: StepValidationEditPlanAnalysis,
	},
	StepValidationEditPlanAnalysis: {SignalAdvance: StepRoadmapEdit},
	StepRoadmapEdit:                {SignalAdvance: StepStructureValidation},
	StepHumanReview: {
		SignalApproved: StepContentGenerationQueued,
		SignalRejected: StepRoadmapEdit,
	},
	StepContentGenerationQueued: {SignalAdvance: StepContentGeneration},
	StepContentGeneration:       {SignalAdvance: StepFinalizing},
	StepFinalizing: {
		SignalComplete: StepCompleted,
		SignalPartial:  StepPartialFailure,
	},
}

// Next resolves the step the graph moves to when stage `from` reports `sig`.
func Next(from Step, sig Signal) (Step, error) {
	bySignal, ok := transitions[from]
	if !ok {
		return "", fmt.Errorf("step %q has no outgoing transitions", from)
	}
	next, ok := bySignal[sig]
	if !ok {
		return "", fmt.Errorf("step %q does not accept signal %q", from, sig)
	}
	return next, nil
}

// Terminal reports whether the step ends the workflow.
func (s Step) Terminal() bool {
	switch s {
	case StepCompleted, StepPartialFailure, StepFailed:
		return true
	}
	return false
}

// Suspending reports whether the step parks the task without a worker.
func (s Step) Suspending() bool {
	return s == StepHumanReview
}

// ParseStep validates a stored step string.
func ParseStep(raw string) (Step, error) {
	s := Step(raw)
	switch s {
	case StepInit, StepQueued, StepStarting, StepIntentAnalysis, StepCurriculumDesign,
		StepStructureValidation, StepValidationEditPlanAnalysis, StepRoadmapEdit,
		StepHumanReview, StepContentGenerationQueued, StepContentGeneration,
		StepFinalizing, StepCompleted, StepPartialFailure, StepFailed:
		return s, nil
	}
	return "", fmt.Errorf("unknown workflow step %q", raw)
}
