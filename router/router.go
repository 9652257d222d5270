// Package router assembles the gin engine: the Anthropic-facing
// messages endpoint, health/status probes, and a small admin surface
// gated behind the dashboard key.
package router

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/claude-nexus/proxy/credential"
	"github.com/claude-nexus/proxy/middleware"
	"github.com/claude-nexus/proxy/model"
	"github.com/claude-nexus/proxy/proxy"
)

// New builds the gin engine for the proxy process. workerRunning reports
// whether the background analysis worker is currently active, surfaced
// on /status.
func New(handler *proxy.Handler, credentials *credential.Store, workerRunning func() bool) *gin.Engine {
	engine := gin.New()
	engine.Use(gin.Recovery())

	engine.GET("/health", getHealth)
	engine.GET("/status", getStatus(workerRunning))

	messagesRoute := engine.Group("/v1/messages")
	messagesRoute.Use(middleware.ClientAuth(credentials))
	{
		messagesRoute.POST("", handler.ServeMessages)
		messagesRoute.POST("/count_tokens", handler.ServeMessages)
	}

	adminRoute := engine.Group("/v1/admin")
	adminRoute.Use(middleware.DashboardAuth())
	{
		adminRoute.POST("/analyses/:id/regenerate", regenerateAnalysis)
	}

	return engine
}

func getHealth(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

func getStatus(workerRunning func() bool) gin.HandlerFunc {
	return func(c *gin.Context) {
		dbOK := true
		if sqlDB, err := model.DB.DB(); err != nil || sqlDB.Ping() != nil {
			dbOK = false
		}

		status := http.StatusOK
		if !dbOK {
			status = http.StatusServiceUnavailable
		}

		c.JSON(status, gin.H{
			"database": dbOK,
			"worker":   workerRunning != nil && workerRunning(),
		})
	}
}

// regenerateAnalysis implements spec.md §7's "regeneration supersedes a
// failed row" rule: enqueue a fresh pending analysis for the same
// conversation/branch, leaving any prior failed row as history.
func regenerateAnalysis(c *gin.Context) {
	var analysis model.ConversationAnalysis
	if err := model.DB.First(&analysis, "id = ?", c.Param("id")).Error; err != nil {
		middleware.AbortWithError(c, http.StatusNotFound, "analysis not found")
		return
	}

	fresh, err := model.EnqueueAnalysis(analysis.ConversationID, analysis.BranchID)
	if err != nil {
		middleware.AbortWithError(c, http.StatusInternalServerError, "failed to enqueue analysis")
		return
	}

	c.JSON(http.StatusAccepted, gin.H{"analysis_id": fresh.ID, "status": fresh.Status})
}
