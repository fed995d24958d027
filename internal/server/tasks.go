package server

import (
	"errors"
	"log/slog"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/taskmesh/taskmesh/internal/executor"
	"github.com/taskmesh/taskmesh/internal/graph"
	"github.com/taskmesh/taskmesh/pkg/models"
)

// SubmitNode is one subtask in a submitted graph.
type SubmitNode struct {
	ID        string   `json:"id" binding:"required"`
	Title     string   `json:"title"`
	Tool      string   `json:"tool" binding:"required_unless=Type human_checkpoint,toolname"`
	Type      string   `json:"type" binding:"omitempty,oneof=generate review test fix human_checkpoint"`
	DependsOn []string `json:"depends_on"`
}

// SubmitRequest is a task submission with its externally decomposed
// subtask graph.
type SubmitRequest struct {
	Description         string       `json:"description" binding:"required"`
	CheckpointFrequency string       `json:"checkpoint_frequency" binding:"omitempty,oneof=low medium high"`
	PrivacyLevel        string       `json:"privacy_level" binding:"omitempty,oneof=standard sensitive"`
	Nodes               []SubmitNode `json:"nodes" binding:"required,min=1,dive"`
}

// ResultRequest is a worker's report for a subtask attempt.
type ResultRequest struct {
	WorkerID string            `json:"worker_id" binding:"required"`
	Success  bool              `json:"success"`
	Output   string            `json:"output"`
	Error    string            `json:"error"`
	Metadata map[string]string `json:"metadata"`
}

func (s *Server) handleSubmit(c *gin.Context) {
	var req SubmitRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	nodes := make([]*models.Node, 0, len(req.Nodes))
	for _, sn := range req.Nodes {
		nodes = append(nodes, &models.Node{
			ID:        sn.ID,
			Title:     sn.Title,
			Tool:      sn.Tool,
			Type:      models.NodeType(sn.Type),
			DependsOn: sn.DependsOn,
		})
	}

	task, err := s.ex.Submit(c.Request.Context(), req.Description,
		models.CheckpointFrequency(req.CheckpointFrequency),
		models.PrivacyLevel(req.PrivacyLevel), nodes)
	if err != nil {
		if errors.Is(err, graph.ErrInvalidGraph) {
			c.JSON(http.StatusUnprocessableEntity, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	c.JSON(http.StatusCreated, gin.H{"task_id": task.ID, "status": task.Status})
}

func (s *Server) handleGetTask(c *gin.Context) {
	task, nodes, err := s.ex.Task(c.Param("id"))
	if err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "unknown task"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"task": task, "nodes": nodes})
}

func (s *Server) handleCancel(c *gin.Context) {
	taskID := c.Param("id")
	err := s.ex.Cancel(c.Request.Context(), taskID)
	if err != nil {
		switch {
		case errors.Is(err, executor.ErrUnknownTask):
			c.JSON(http.StatusNotFound, gin.H{"error": "unknown task"})
		case errors.Is(err, executor.ErrTaskTerminal):
			c.JSON(http.StatusConflict, gin.H{"error": err.Error()})
		default:
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		}
		return
	}
	slog.Info("task cancellation accepted", "task_id", taskID)
	c.JSON(http.StatusOK, gin.H{"status": "cancelled"})
}

func (s *Server) handleResult(c *gin.Context) {
	nodeID := c.Param("id")

	var req ResultRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	err := s.ex.HandleResult(c.Request.Context(), nodeID, req.WorkerID, models.Result{
		Success:  req.Success,
		Output:   req.Output,
		Error:    req.Error,
		Metadata: req.Metadata,
	})
	if err != nil {
		if errors.Is(err, executor.ErrUnknownNode) {
			c.JSON(http.StatusNotFound, gin.H{"error": "unknown subtask"})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}
