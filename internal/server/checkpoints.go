package server

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/taskmesh/taskmesh/internal/gate"
	"github.com/taskmesh/taskmesh/pkg/models"
)

// DecisionRequest records the human decision for a pending checkpoint.
// Targets names the subtasks a corrected decision opens fixes for.
type DecisionRequest struct {
	Decision string   `json:"decision" binding:"required,oneof=approved corrected rejected"`
	Guidance string   `json:"guidance"`
	Targets  []string `json:"targets" binding:"required_if=Decision corrected"`
}

func (s *Server) handleDecision(c *gin.Context) {
	var req DecisionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	cp, err := s.ex.Decide(c.Request.Context(), c.Param("id"),
		models.CheckpointDecision(req.Decision), req.Guidance, req.Targets)
	if err != nil {
		switch {
		case errors.Is(err, gate.ErrUnknownCheckpoint):
			c.JSON(http.StatusNotFound, gin.H{"error": "unknown checkpoint"})
		case errors.Is(err, gate.ErrAlreadyDecided):
			c.JSON(http.StatusConflict, gin.H{"error": err.Error()})
		default:
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		}
		return
	}

	c.JSON(http.StatusOK, gin.H{"checkpoint": cp})
}
