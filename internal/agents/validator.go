package agents

import (
	"fmt"
	"sort"
	"strings"

	"github.com/google/uuid"

	"github.com/norvand/pathlight-backend/internal/data/repos/roadmaps"
	"github.com/norvand/pathlight-backend/internal/pkg/logger"
)

// Report is the structural verdict on a roadmap tree.
type Report struct {
	IsValid bool
	Issues  []string
}

/*
StructureValidator checks the Stage → Module → Concept hierarchy against the
structural rules the rest of the pipeline assumes: every level non-empty,
indexes contiguous from zero per parent, titles present, and every child
pointing at a parent that exists in the same tree. It is deterministic: a
tree that fails here must fail identically on re-run.
*/
type StructureValidator interface {
	Validate(tree *roadmaps.RoadmapTree) *Report
}

type structureValidator struct {
	log *logger.Logger

	minStages        int
	maxStages        int
	maxConceptsTotal int
}

func NewStructureValidator(log *logger.Logger) StructureValidator {
	return &structureValidator{
		log:              log.With("agent", "StructureValidator"),
		minStages:        1,
		maxStages:        8,
		maxConceptsTotal: 200,
	}
}

func (v *structureValidator) Validate(tree *roadmaps.RoadmapTree) *Report {
	rep := &Report{}
	add := func(format string, args ...any) {
		rep.Issues = append(rep.Issues, fmt.Sprintf(format, args...))
	}

	if tree == nil || tree.Roadmap == nil {
		add("roadmap missing")
		return rep
	}
	if strings.TrimSpace(tree.Roadmap.Title) == "" {
		add("roadmap title empty")
	}

	if len(tree.Stages) < v.minStages {
		add("roadmap has %d stages, need at least %d", len(tree.Stages), v.minStages)
	}
	if len(tree.Stages) > v.maxStages {
		add("roadmap has %d stages, cap is %d", len(tree.Stages), v.maxStages)
	}
	if len(tree.Concepts) > v.maxConceptsTotal {
		add("roadmap has %d concepts, cap is %d", len(tree.Concepts), v.maxConceptsTotal)
	}

	stageIDs := make(map[uuid.UUID]bool, len(tree.Stages))
	var stageIdx []int
	for _, s := range tree.Stages {
		if s.RoadmapID != tree.Roadmap.ID {
			add("stage %q belongs to a different roadmap", s.Title)
		}
		if strings.TrimSpace(s.Title) == "" {
			add("stage at index %d has empty title", s.Index)
		}
		stageIDs[s.ID] = true
		stageIdx = append(stageIdx, s.Index)
	}
	checkContiguous(add, "stages", stageIdx)

	moduleIDs := make(map[uuid.UUID]bool, len(tree.Modules))
	modulesPerStage := make(map[uuid.UUID][]int)
	for _, m := range tree.Modules {
		if !stageIDs[m.StageID] {
			add("module %q references unknown stage", m.Title)
		}
		if m.RoadmapID != tree.Roadmap.ID {
			add("module %q belongs to a different roadmap", m.Title)
		}
		if strings.TrimSpace(m.Title) == "" {
			add("module at index %d has empty title", m.Index)
		}
		moduleIDs[m.ID] = true
		modulesPerStage[m.StageID] = append(modulesPerStage[m.StageID], m.Index)
	}
	for _, s := range tree.Stages {
		idx := modulesPerStage[s.ID]
		if len(idx) == 0 {
			add("stage %q has no modules", s.Title)
			continue
		}
		checkContiguous(add, fmt.Sprintf("modules of stage %q", s.Title), idx)
	}

	conceptsPerModule := make(map[uuid.UUID][]int)
	for _, c := range tree.Concepts {
		if !moduleIDs[c.ModuleID] {
			add("concept %q references unknown module", c.Title)
		}
		if c.RoadmapID != tree.Roadmap.ID {
			add("concept %q belongs to a different roadmap", c.Title)
		}
		if strings.TrimSpace(c.Title) == "" {
			add("concept at index %d has empty title", c.Index)
		}
		conceptsPerModule[c.ModuleID] = append(conceptsPerModule[c.ModuleID], c.Index)
	}
	for _, m := range tree.Modules {
		idx := conceptsPerModule[m.ID]
		if len(idx) == 0 {
			add("module %q has no concepts", m.Title)
			continue
		}
		checkContiguous(add, fmt.Sprintf("concepts of module %q", m.Title), idx)
	}

	rep.IsValid = len(rep.Issues) == 0
	return rep
}

func checkContiguous(add func(string, ...any), what string, idx []int) {
	if len(idx) == 0 {
		return
	}
	sorted := append([]int(nil), idx...)
	sort.Ints(sorted)
	for i, v := range sorted {
		if v != i {
			add("%s are not contiguously indexed from 0", what)
			return
		}
	}
}
