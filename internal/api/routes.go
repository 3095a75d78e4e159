package api

import (
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

func (s *Server) setupRoutes() {
	v1 := s.engine.Group("/api/v1")
	{
		analysis := v1.Group("/analysis")
		{
			analysis.POST("/start", s.handleStartAnalysis)
			analysis.GET("/:id/progress", s.handleAnalysisProgress)
			analysis.GET("/:id/result", s.handleAnalysisResult)
			analysis.GET("/:id/stream", s.handleAnalysisStream)
			analysis.DELETE("/:id", s.handleCancelAnalysis)
		}

		v1.GET("/capabilities", s.handleCapabilities)

		agents := v1.Group("/agents")
		{
			agents.GET("", s.handleListAgents)
			agents.GET("/:id", s.handleGetAgent)
		}

		v1.GET("/workflows", s.handleListWorkflows)
	}

	s.engine.GET("/health", s.handleHealth)
	s.engine.GET("/metrics", gin.WrapH(promhttp.Handler()))
	s.engine.GET("/", s.handleRoot)
}
