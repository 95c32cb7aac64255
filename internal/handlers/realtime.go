package handlers

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/norvand/pathlight-backend/internal/pkg/logger"
	"github.com/norvand/pathlight-backend/internal/sse"
)

// RealtimeHandler serves the per-user SSE stream. Every connection subscribes
// to the user's own channel, which is where the task notifier publishes.
type RealtimeHandler struct {
	log *logger.Logger
	hub *sse.SSEHub
}

func NewRealtimeHandler(log *logger.Logger, hub *sse.SSEHub) *RealtimeHandler {
	return &RealtimeHandler{
		log: log.With("handler", "RealtimeHandler"),
		hub: hub,
	}
}

// GET /sse/stream
func (h *RealtimeHandler) Stream(c *gin.Context) {
	userID, ok := RequestUserID(c)
	if !ok {
		RespondError(c, http.StatusUnauthorized, "missing_user", errors.New("user identity required"))
		return
	}

	client := h.hub.NewSSEClient(userID)
	h.hub.AddChannel(client, userID.String())
	h.log.Info("sse stream open", "user_id", userID, "client_id", client.ID)

	h.hub.ServeHTTP(c.Writer, c.Request, client)

	h.hub.CloseClient(client)
	h.log.Info("sse stream closed", "user_id", userID, "client_id", client.ID)
}
