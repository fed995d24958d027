// Package server exposes the coordinator's HTTP and WebSocket API:
// worker lifecycle, task submission, result reporting, checkpoint
// decisions, and the realtime event stream.
package server

import (
	"strings"
	"sync"

	"github.com/gin-gonic/gin"
	"github.com/gin-gonic/gin/binding"
	"github.com/go-playground/validator/v10"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/time/rate"

	"github.com/taskmesh/taskmesh/internal/config"
	"github.com/taskmesh/taskmesh/internal/eventbus"
	"github.com/taskmesh/taskmesh/internal/executor"
	"github.com/taskmesh/taskmesh/internal/registry"
)

// Server wires the coordinator's components behind the HTTP API.
type Server struct {
	ex  *executor.Executor
	reg *registry.Registry
	bus *eventbus.Bus
	cfg config.ServerConfig

	mu sync.Mutex
	// limiters caps heartbeat frequency per worker.
	limiters map[string]*rate.Limiter
}

var registerValidations sync.Once

// New creates a Server over the given components.
func New(ex *executor.Executor, reg *registry.Registry, bus *eventbus.Bus, cfg config.ServerConfig) *Server {
	registerValidations.Do(func() {
		if v, ok := binding.Validator.Engine().(*validator.Validate); ok {
			v.RegisterValidation("toolname", validToolName)
		}
	})
	return &Server{
		ex:       ex,
		reg:      reg,
		bus:      bus,
		cfg:      cfg,
		limiters: make(map[string]*rate.Limiter),
	}
}

// Router builds the gin engine with all coordinator routes.
func (s *Server) Router() *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery())

	r.GET("/healthz", s.handleHealth)
	r.GET("/metrics", gin.WrapH(promhttp.Handler()))

	v1 := r.Group("/v1")
	{
		v1.POST("/workers", s.handleRegister)
		v1.POST("/workers/:id/heartbeat", s.handleHeartbeat)
		v1.DELETE("/workers/:id", s.handleUnregister)
		v1.GET("/workers/:id/assignment", s.handleAssignmentPoll)

		v1.POST("/subtasks/:id/result", s.handleResult)

		v1.POST("/tasks", s.handleSubmit)
		v1.GET("/tasks/:id", s.handleGetTask)
		v1.POST("/tasks/:id/cancel", s.handleCancel)
		v1.GET("/tasks/:id/events", s.handleEvents)

		v1.POST("/checkpoints/:id/decision", s.handleDecision)
	}

	return r
}

// validToolName rejects tool names carrying path separators or shell
// metacharacters. A capability is a bare binary name, nothing more.
func validToolName(fl validator.FieldLevel) bool {
	s := fl.Field().String()
	if s == "" {
		return true
	}
	return !strings.ContainsAny(s, " \t/\\;|&$`")
}

func (s *Server) handleHealth(c *gin.Context) {
	c.JSON(200, gin.H{"status": "ok"})
}

// heartbeatLimiter returns the worker's rate limiter, creating it on
// first use.
func (s *Server) heartbeatLimiter(workerID string) *rate.Limiter {
	s.mu.Lock()
	defer s.mu.Unlock()

	l, ok := s.limiters[workerID]
	if !ok {
		limit := rate.Limit(s.cfg.HeartbeatRateLimit)
		if limit <= 0 {
			limit = rate.Inf
		}
		burst := s.cfg.HeartbeatRateBurst
		if burst <= 0 {
			burst = 1
		}
		l = rate.NewLimiter(limit, burst)
		s.limiters[workerID] = l
	}
	return l
}
