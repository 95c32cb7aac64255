package handlers

import (
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
)

// ContextUserKey is set by the identity middleware for every /api request.
const ContextUserKey = "user_id"

func RequestUserID(c *gin.Context) (uuid.UUID, bool) {
	v, ok := c.Get(ContextUserKey)
	if !ok {
		return uuid.Nil, false
	}
	id, ok := v.(uuid.UUID)
	if !ok || id == uuid.Nil {
		return uuid.Nil, false
	}
	return id, true
}
