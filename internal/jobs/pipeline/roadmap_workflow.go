package pipeline

import (
	"github.com/norvand/pathlight-backend/internal/domain"
	jobruntime "github.com/norvand/pathlight-backend/internal/jobs/runtime"
	"github.com/norvand/pathlight-backend/internal/pkg/logger"
	"github.com/norvand/pathlight-backend/internal/workflow"
)

/*
RoadmapWorkflowHandler runs the full roadmap pipeline for one dispatch. All
stage logic lives in the coordinator; the handler's job is to hand the
claimed row over and translate the outcome back into the worker contract (a
nil return releases the claim, coordinator errors are already persisted on
the row).
*/
type RoadmapWorkflowHandler struct {
	log   *logger.Logger
	brain *workflow.Brain
}

func NewRoadmapWorkflowHandler(log *logger.Logger, brain *workflow.Brain) *RoadmapWorkflowHandler {
	return &RoadmapWorkflowHandler{
		log:   log.With("handler", "RoadmapWorkflow"),
		brain: brain,
	}
}

func (h *RoadmapWorkflowHandler) Type() string { return domain.TaskTypeRoadmapWorkflow }

func (h *RoadmapWorkflowHandler) Run(jc *jobruntime.Context) error {
	if err := h.brain.Run(jc.Ctx, jc.Task); err != nil {
		// The coordinator already persisted the failure; surfacing the error
		// here would trip the worker's dispatch safety net a second time.
		h.log.Error("roadmap workflow failed", "task_id", jc.Task.ID, "error", err)
	}
	return nil
}
