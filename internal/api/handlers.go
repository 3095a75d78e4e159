package api

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/tradecouncil/council/internal/analyzer"
	"github.com/tradecouncil/council/internal/fault"
	"github.com/tradecouncil/council/internal/registry"
)

var startTime = time.Now()

func (s *Server) handleRoot(c *gin.Context) {
	respond(c, http.StatusOK, "ok", gin.H{
		"service": "Trade Council API",
		"version": "1.0.0",
		"time":    time.Now().UTC(),
	})
}

// handleHealth is the load balancer probe. Degraded agent fleets report
// 503 so orchestrators stop routing new analyses here.
func (s *Server) handleHealth(c *gin.Context) {
	healthy := s.registry == nil || s.registry.SystemHealthy()
	data := gin.H{
		"uptime_seconds": time.Since(startTime).Seconds(),
		"time":           time.Now().UTC(),
	}
	if s.registry != nil {
		data["agents"] = s.registry.Count()
	}
	if !healthy {
		c.JSON(http.StatusServiceUnavailable, Envelope{
			Success:   false,
			Message:   "agent fleet degraded",
			Data:      data,
			ErrorCode: fault.KindAgentUnavailable.String(),
		})
		return
	}
	respond(c, http.StatusOK, "healthy", data)
}

// handleStartAnalysis accepts an analysis order and dispatches it
// asynchronously
func (s *Server) handleStartAnalysis(c *gin.Context) {
	var req analyzer.Request
	if err := c.ShouldBindJSON(&req); err != nil {
		fail(c, fault.Wrap(fault.KindInvalid, "malformed request body", err))
		return
	}

	id, err := s.analyzer.Start(c.Request.Context(), &req)
	if err != nil {
		fail(c, err)
		return
	}
	respond(c, http.StatusAccepted, "analysis started", gin.H{"analysis_id": id})
}

func (s *Server) handleAnalysisProgress(c *gin.Context) {
	p, err := s.analyzer.Progress(c.Request.Context(), c.Param("id"))
	if err != nil {
		fail(c, err)
		return
	}
	respond(c, http.StatusOK, "progress", p)
}

func (s *Server) handleAnalysisResult(c *gin.Context) {
	res, err := s.analyzer.Result(c.Request.Context(), c.Param("id"))
	if err != nil {
		fail(c, err)
		return
	}
	respond(c, http.StatusOK, "result", res)
}

func (s *Server) handleCancelAnalysis(c *gin.Context) {
	if err := s.analyzer.Cancel(c.Param("id")); err != nil {
		fail(c, err)
		return
	}
	respond(c, http.StatusOK, "analysis cancelled", gin.H{"analysis_id": c.Param("id")})
}

func (s *Server) handleCapabilities(c *gin.Context) {
	respond(c, http.StatusOK, "capabilities", s.analyzer.Capabilities())
}

func (s *Server) handleListAgents(c *gin.Context) {
	snapshots := []registry.EntrySnapshot{}
	if s.registry != nil {
		for _, entry := range s.registry.All() {
			snapshots = append(snapshots, entry.Snapshot())
		}
	}
	respond(c, http.StatusOK, "agents", gin.H{
		"agents": snapshots,
		"count":  len(snapshots),
	})
}

func (s *Server) handleGetAgent(c *gin.Context) {
	if s.registry == nil {
		fail(c, fault.New(fault.KindNotFound, "no agent registry configured"))
		return
	}
	entry, err := s.registry.Get(c.Param("id"))
	if err != nil {
		fail(c, err)
		return
	}
	respond(c, http.StatusOK, "agent", entry.Snapshot())
}

func (s *Server) handleListWorkflows(c *gin.Context) {
	type view struct {
		ID          string `json:"id"`
		Name        string `json:"name"`
		Version     string `json:"version"`
		Steps       int    `json:"steps"`
		TimeoutSecs int    `json:"timeout_seconds"`
	}
	views := []view{}
	if s.workflows != nil {
		for _, def := range s.workflows.List() {
			views = append(views, view{
				ID:          def.ID,
				Name:        def.Name,
				Version:     def.Version,
				Steps:       len(def.Steps),
				TimeoutSecs: int(def.Timeout.Seconds()),
			})
		}
	}
	respond(c, http.StatusOK, "workflows", gin.H{
		"workflows": views,
		"count":     len(views),
	})
}
