package server

import (
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"

	"pixelagents/internal/agent"
	"pixelagents/internal/config"
	"pixelagents/internal/process"
	"pixelagents/internal/registry"
)

// jsonMiddleware rejects bodies that are not JSON on mutating requests.
func jsonMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		switch c.Request.Method {
		case http.MethodPost, http.MethodPut, http.MethodPatch:
			contentType := c.GetHeader("Content-Type")
			if contentType != "" && !strings.HasPrefix(contentType, "application/json") {
				c.AbortWithStatusJSON(http.StatusUnsupportedMediaType, APIResponse{
					Error: "Content-Type must be application/json",
				})
				return
			}
		}
		c.Next()
	}
}

func (s *Server) handleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, APIResponse{
		Success: true,
		Data: HealthResponse{
			Status:      "ok",
			Version:     s.cfg.Version,
			Timestamp:   time.Now(),
			Uptime:      time.Since(s.startTime).Round(time.Second).String(),
			Agents:      s.supervisor.Len(),
			Connections: s.Connections(),
		},
	})
}

func (s *Server) handleListAgents(c *gin.Context) {
	snaps := s.supervisor.Snapshots()
	if snaps == nil {
		snaps = []agent.Snapshot{}
	}
	c.JSON(http.StatusOK, APIResponse{Success: true, Data: snaps})
}

func (s *Server) handleGetAgent(c *gin.Context) {
	id, ok := s.agentID(c)
	if !ok {
		return
	}
	snap, err := s.supervisor.Snapshot(id)
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, APIResponse{Success: true, Data: snap})
}

func (s *Server) handleCreateAgent(c *gin.Context) {
	id, err := s.supervisor.Create(c.Request.Context())
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusCreated, APIResponse{Success: true, Data: CreateAgentResponse{ID: id}})
}

func (s *Server) handleCloseAgent(c *gin.Context) {
	id, ok := s.agentID(c)
	if !ok {
		return
	}
	if err := s.supervisor.Close(id); err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusAccepted, APIResponse{Success: true})
}

func (s *Server) handleFocusAgent(c *gin.Context) {
	id, ok := s.agentID(c)
	if !ok {
		return
	}
	if err := s.supervisor.Focus(id); err != nil && !errors.Is(err, process.ErrNoTerminal) {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, APIResponse{Success: true})
}

func (s *Server) handlePrompt(c *gin.Context) {
	id, ok := s.agentID(c)
	if !ok {
		return
	}
	var req PromptRequest
	if err := c.ShouldBindJSON(&req); err != nil || strings.TrimSpace(req.Text) == "" {
		c.JSON(http.StatusBadRequest, APIResponse{Error: "text is required"})
		return
	}
	if err := s.supervisor.Prompt(id, req.Text); err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusAccepted, APIResponse{Success: true})
}

func (s *Server) handleSaveSeats(c *gin.Context) {
	var req SeatsRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, APIResponse{Error: "invalid seats payload"})
		return
	}
	if err := s.supervisor.SaveSeats(c.Request.Context(), req.Seats); err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, APIResponse{Success: true})
}

func (s *Server) handleSessionsDir(c *gin.Context) {
	path, err := s.sessionsDir()
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, APIResponse{Success: true, Data: SessionsDirResponse{Path: path}})
}

func (s *Server) sessionsDir() (string, error) {
	if s.cfg.SessionsDir == nil {
		return "", registry.ErrNoWorkspace
	}
	return s.cfg.SessionsDir()
}

func (s *Server) agentID(c *gin.Context) (int, bool) {
	id, err := strconv.Atoi(c.Param("id"))
	if err != nil || id <= 0 {
		c.JSON(http.StatusBadRequest, APIResponse{Error: "invalid agent id"})
		return 0, false
	}
	return id, true
}

func (s *Server) fail(c *gin.Context, err error) {
	status := statusFor(err)
	if status >= http.StatusInternalServerError {
		s.logger.Error("server: %s %s: %v", c.Request.Method, c.FullPath(), err)
	} else {
		s.logger.Warn("server: %s %s: %v", c.Request.Method, c.FullPath(), err)
	}
	c.JSON(status, APIResponse{Error: err.Error()})
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, registry.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, registry.ErrPromptUnsupported):
		return http.StatusConflict
	case errors.Is(err, registry.ErrNoWorkspace):
		return http.StatusPreconditionFailed
	case errors.Is(err, registry.ErrClosed):
		return http.StatusServiceUnavailable
	case errors.Is(err, config.ErrInvalidBaseURL),
		errors.Is(err, config.ErrInvalidPath),
		errors.Is(err, config.ErrInvalidTimeout):
		return http.StatusUnprocessableEntity
	default:
		return http.StatusInternalServerError
	}
}
