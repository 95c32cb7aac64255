package workflow

import "testing"

func TestNextRouting(t *testing.T) {
	cases := []struct {
		from Step
		sig  Signal
		want Step
	}{
		{StepInit, SignalAdvance, StepQueued},
		{StepQueued, SignalAdvance, StepStarting},
		{StepStarting, SignalAdvance, StepIntentAnalysis},
		{StepIntentAnalysis, SignalAdvance, StepCurriculumDesign},
		{StepCurriculumDesign, SignalAdvance, StepStructureValidation},
		{StepStructureValidation, SignalValid, StepHumanReview},
		{StepStructureValidation, SignalInvalid, StepValidationEditPlanAnalysis},
		{StepValidationEditPlanAnalysis, SignalAdvance, StepRoadmapEdit},
		{StepRoadmapEdit, SignalAdvance, StepStructureValidation},
		{StepHumanReview, SignalApproved, StepContentGenerationQueued},
		{StepHumanReview, SignalRejected, StepRoadmapEdit},
		{StepContentGenerationQueued, SignalAdvance, StepContentGeneration},
		{StepContentGeneration, SignalAdvance, StepFinalizing},
		{StepFinalizing, SignalComplete, StepCompleted},
		{StepFinalizing, SignalPartial, StepPartialFailure},
	}
	for _, tc := range cases {
		got, err := Next(tc.from, tc.sig)
		if err != nil {
			t.Fatalf("Next(%s, %s): %v", tc.from, tc.sig, err)
		}
		if got != tc.want {
			t.Fatalf("Next(%s, %s) = %s, want %s", tc.from, tc.sig, got, tc.want)
		}
	}
}

func TestNextRejectsUnknownPairs(t *testing.T) {
	if _, err := Next(StepInit, SignalValid); err == nil {
		t.Fatalf("init must not accept %q", SignalValid)
	}
	if _, err := Next(StepCompleted, SignalAdvance); err == nil {
		t.Fatalf("completed is terminal and must have no outgoing transitions")
	}
	if _, err := Next(StepHumanReview, SignalAdvance); err == nil {
		t.Fatalf("human_review only resolves through approved/rejected")
	}
	if _, err := Next(Step("bogus"), SignalAdvance); err == nil {
		t.Fatalf("unknown step must error")
	}
}

func TestEveryNonTerminalStepHasAnExit(t *testing.T) {
	all := []Step{
		StepInit, StepQueued, StepStarting, StepIntentAnalysis, StepCurriculumDesign,
		StepStructureValidation, StepValidationEditPlanAnalysis, StepRoadmapEdit,
		StepHumanReview, StepContentGenerationQueued, StepContentGeneration,
		StepFinalizing, StepCompleted, StepPartialFailure, StepFailed,
	}
	for _, s := range all {
		outs, ok := transitions[s]
		if s.Terminal() {
			if ok {
				t.Fatalf("terminal step %s must not have outgoing transitions", s)
			}
			continue
		}
		if !ok || len(outs) == 0 {
			t.Fatalf("step %s has no outgoing transitions", s)
		}
		for sig, next := range outs {
			if _, err := ParseStep(string(next)); err != nil {
				t.Fatalf("transition %s --%s--> %s targets unknown step", s, sig, next)
			}
		}
	}
}

func TestCompletedReachableFromInit(t *testing.T) {
	seen := map[Step]bool{}
	frontier := []Step{StepInit}
	for len(frontier) > 0 {
		cur := frontier[0]
		frontier = frontier[1:]
		if seen[cur] {
			continue
		}
		seen[cur] = true
		for _, next := range transitions[cur] {
			frontier = append(frontier, next)
		}
	}
	for _, want := range []Step{StepCompleted, StepPartialFailure, StepHumanReview, StepRoadmapEdit} {
		if !seen[want] {
			t.Fatalf("step %s not reachable from init", want)
		}
	}
}

func TestParseStep(t *testing.T) {
	if got, err := ParseStep("content_generation"); err != nil || got != StepContentGeneration {
		t.Fatalf("ParseStep(content_generation) = %v, %v", got, err)
	}
	if _, err := ParseStep("launching"); err == nil {
		t.Fatalf("ParseStep must reject unknown steps")
	}
}

func TestSuspending(t *testing.T) {
	if !StepHumanReview.Suspending() {
		t.Fatalf("human_review must suspend")
	}
	for _, s := range []Step{StepInit, StepContentGeneration, StepCompleted} {
		if s.Suspending() {
			t.Fatalf("%s must not suspend", s)
		}
	}
}
