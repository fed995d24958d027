package server

import (
	"context"
	"errors"
	"log/slog"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/taskmesh/taskmesh/internal/eventbus"
	"github.com/taskmesh/taskmesh/internal/observability"
	"github.com/taskmesh/taskmesh/internal/registry"
	"github.com/taskmesh/taskmesh/pkg/models"
)

// RegisterRequest is the worker registration payload.
type RegisterRequest struct {
	MachineID    string   `json:"machine_id" binding:"required"`
	Name         string   `json:"name"`
	Capabilities []string `json:"capabilities" binding:"required,min=1,dive,toolname"`
	LocalOnly    bool     `json:"local_only"`
}

// HeartbeatRequest is the periodic worker liveness payload.
type HeartbeatRequest struct {
	Resources models.Resources    `json:"resources"`
	Status    models.WorkerStatus `json:"status" binding:"omitempty,oneof=idle busy"`
}

func (s *Server) handleRegister(c *gin.Context) {
	var req RegisterRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	w, err := s.reg.Register(models.WorkerDescriptor{
		MachineID:    req.MachineID,
		Name:         req.Name,
		Capabilities: req.Capabilities,
		LocalOnly:    req.LocalOnly,
	})
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	s.bus.Publish("", eventbus.EventWorkerStatus, gin.H{
		"worker_id": w.ID, "name": w.Name, "status": w.Status,
	})
	slog.Info("worker registered",
		"worker_id", w.ID, "machine_id", w.MachineID, "capabilities", w.Capabilities)
	c.JSON(http.StatusOK, gin.H{"worker_id": w.ID, "status": w.Status})
}

func (s *Server) handleHeartbeat(c *gin.Context) {
	workerID := c.Param("id")

	if !s.heartbeatLimiter(workerID).Allow() {
		observability.HeartbeatsRejected.Inc()
		c.JSON(http.StatusTooManyRequests, gin.H{"error": "heartbeat rate exceeded"})
		return
	}

	var req HeartbeatRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	if err := s.reg.Heartbeat(workerID, req.Resources, req.Status); err != nil {
		if errors.Is(err, registry.ErrUnknownWorker) {
			c.JSON(http.StatusNotFound, gin.H{"error": "unknown worker, re-register"})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

func (s *Server) handleUnregister(c *gin.Context) {
	workerID := c.Param("id")
	if err := s.reg.Unregister(workerID); err != nil {
		if errors.Is(err, registry.ErrUnknownWorker) {
			c.JSON(http.StatusNotFound, gin.H{"error": "unknown worker"})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	slog.Info("worker unregistered", "worker_id", workerID)
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

// handleAssignmentPoll is the worker's long-poll for its next
// assignment. It answers 204 when nothing arrives within the poll
// window; the worker simply polls again.
func (s *Server) handleAssignmentPoll(c *gin.Context) {
	workerID := c.Param("id")
	if _, err := s.reg.Get(workerID); err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "unknown worker"})
		return
	}

	ctx, cancel := context.WithTimeout(c.Request.Context(), s.cfg.AssignmentPollTimeout)
	defer cancel()

	a, err := s.ex.ClaimAssignment(ctx, workerID)
	if err != nil {
		c.Status(http.StatusNoContent)
		return
	}
	c.JSON(http.StatusOK, a)
}
