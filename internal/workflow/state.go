package workflow

import (
	"encoding/json"
	"strings"

	"github.com/google/uuid"

	"github.com/norvand/pathlight-backend/internal/data/repos/roadmaps"
)

/*
TaskState is the in-memory workflow record for one task. It is immutable per
stage: stages receive a copy and hand back a StageResult delta; only the
Brain merges deltas and only the Brain persists. Forward progress runs off
this record, not off checkpoints; checkpoints are read once, at resume time.
*/
type TaskState struct {
	TaskID        uuid.UUID      `json:"task_id"`
	OwnerUserID   uuid.UUID      `json:"owner_user_id"`
	Status        string         `json:"status"`
	Step          Step           `json:"step"`
	RoadmapID     *uuid.UUID     `json:"roadmap_id,omitempty"`
	RevisionCount int            `json:"revision_count"`
	AutoApprove   bool           `json:"auto_approve,omitempty"`
	Preferences   map[string]any `json:"preferences,omitempty"`
	Intent        map[string]any `json:"intent,omitempty"`
	EditPlan      map[string]any `json:"edit_plan,omitempty"`
	Feedback      string         `json:"feedback,omitempty"`
	Validation    *Validation    `json:"validation,omitempty"`

	// CheckpointVersion is the version of the last checkpoint written for
	// this state; the next write uses CheckpointVersion+1.
	CheckpointVersion int `json:"checkpoint_version"`
}

// Validation is the structural validator's verdict.
type Validation struct {
	IsValid bool     `json:"is_valid"`
	Issues  []string `json:"issues,omitempty"`
}

// BatchSummary aggregates one content-generation fan-out.
type BatchSummary struct {
	Total          int         `json:"total"`
	Completed      int         `json:"completed"`
	Failed         int         `json:"failed"`
	FailedConcepts []uuid.UUID `json:"failed_concepts,omitempty"`
}

/*
StageResult is what a stage hands back to the Brain: a control signal plus
the fields to merge into TaskState and the artifacts to persist. Stages do
no persistence themselves; trees land through the Brain in the same logical
unit as the task-row update for that stage.
*/
type StageResult struct {
	Signal Signal

	Intent     map[string]any
	EditPlan   map[string]any
	Feedback   string
	Validation *Validation

	// NewTree: the curriculum designer's output, persisted as a fresh
	// roadmap. EditedTree: the editor's replacement structure for the
	// existing roadmap.
	NewTree    *roadmaps.RoadmapTree
	EditedTree *roadmaps.RoadmapTree

	Summary *BatchSummary
}

// Clone returns an independent copy safe to hand to a stage.
func (s *TaskState) Clone() *TaskState {
	if s == nil {
		return nil
	}
	out := *s
	if s.RoadmapID != nil {
		id := *s.RoadmapID
		out.RoadmapID = &id
	}
	out.Preferences = cloneMap(s.Preferences)
	out.Intent = cloneMap(s.Intent)
	out.EditPlan = cloneMap(s.EditPlan)
	if s.Validation != nil {
		v := *s.Validation
		v.Issues = append([]string(nil), s.Validation.Issues...)
		out.Validation = &v
	}
	return &out
}

// merge folds a stage's delta into the state. Artifact persistence and
// roadmap-id assignment happen in the Brain before merge is called.
func (s *TaskState) merge(r *StageResult) {
	if r == nil {
		return
	}
	if r.Intent != nil {
		s.Intent = r.Intent
	}
	if r.EditPlan != nil {
		s.EditPlan = r.EditPlan
	}
	if strings.TrimSpace(r.Feedback) != "" {
		s.Feedback = r.Feedback
	}
	if r.Validation != nil {
		s.Validation = r.Validation
	}
}

// Snapshot serializes the resume-relevant state for the checkpoint store.
func (s *TaskState) Snapshot() map[string]any {
	raw, _ := json.Marshal(s)
	var out map[string]any
	_ = json.Unmarshal(raw, &out)
	return out
}

// RestoreState rebuilds a TaskState from a checkpoint snapshot.
func RestoreState(snapshot []byte) (*TaskState, error) {
	var st TaskState
	if err := json.Unmarshal(snapshot, &st); err != nil {
		return nil, err
	}
	if _, err := ParseStep(string(st.Step)); err != nil {
		return nil, err
	}
	return &st, nil
}

func cloneMap(in map[string]any) map[string]any {
	if in == nil {
		return nil
	}
	out := make(map[string]any, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}
