package handlers

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/norvand/pathlight-backend/internal/data/repos/roadmaps"
	"github.com/norvand/pathlight-backend/internal/pkg/dbctx"
	"github.com/norvand/pathlight-backend/internal/pkg/logger"
)

type RoadmapHandler struct {
	log      *logger.Logger
	roadmaps roadmaps.RoadmapRepo
}

func NewRoadmapHandler(log *logger.Logger, repo roadmaps.RoadmapRepo) *RoadmapHandler {
	return &RoadmapHandler{
		log:      log.With("handler", "RoadmapHandler"),
		roadmaps: repo,
	}
}

// GET /api/roadmaps/:id
func (h *RoadmapHandler) GetRoadmap(c *gin.Context) {
	userID, ok := RequestUserID(c)
	if !ok {
		RespondError(c, http.StatusUnauthorized, "missing_user", errors.New("user identity required"))
		return
	}
	roadmapID, err := uuid.Parse(c.Param("id"))
	if err != nil {
		RespondError(c, http.StatusBadRequest, "invalid_roadmap_id", err)
		return
	}

	tree, err := h.roadmaps.GetTree(dbctx.Context{Ctx: c.Request.Context()}, roadmapID)
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			RespondError(c, http.StatusNotFound, "roadmap_not_found", err)
			return
		}
		RespondError(c, http.StatusInternalServerError, "get_roadmap_failed", err)
		return
	}
	if tree.Roadmap.OwnerUserID != userID {
		RespondError(c, http.StatusNotFound, "roadmap_not_found", gorm.ErrRecordNotFound)
		return
	}

	RespondOK(c, gin.H{"roadmap": tree})
}
