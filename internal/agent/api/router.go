package api

import "github.com/gin-gonic/gin"

// SetupRoutes configures the agent API routes.
func SetupRoutes(router *gin.RouterGroup, handler *Handler) {
	router.POST("/agents", handler.CreateAgent)
	router.GET("/agents", handler.ListAgents)

	agents := router.Group("/agents/:agentId")
	{
		agents.GET("", handler.GetAgent)
		agents.DELETE("", handler.DeleteAgent)
		agents.GET("/prompts", handler.ListPrompts)
		agents.POST("/prompts", handler.QueuePrompt)
		agents.POST("/prompts/:promptId/cancel-others", handler.CancelOthers)
		agents.POST("/interrupt", handler.Interrupt)
		agents.POST("/archive", handler.ArchiveAgent)
		agents.POST("/restore", handler.RestoreAgent)
		agents.POST("/autonomous", handler.StartAutonomous)
		agents.DELETE("/autonomous", handler.StopAutonomous)
		agents.POST("/setup/advance", handler.AdvanceSetup)
		agents.POST("/setup/fail", handler.FailSetup)
	}

	prompts := router.Group("/prompts/:promptId")
	{
		prompts.POST("/prioritize", handler.PrioritizePrompt)
		prompts.DELETE("", handler.CancelPrompt)
	}
}
