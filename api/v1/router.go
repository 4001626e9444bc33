package v1

import (
	"go_bridge/api/v1/approvals"
	"go_bridge/api/v1/instances"
	"go_bridge/api/v1/middleware"
	"go_bridge/api/v1/tasks"
	"go_bridge/api/v1/toolservers"
	"go_bridge/internal/bridge"
	"go_bridge/internal/config"
	"go_bridge/internal/enroll"
	"go_bridge/internal/httpx"
	"go_bridge/internal/registry"
	"go_bridge/internal/tools"

	"github.com/gin-gonic/gin"
	"gorm.io/gorm"
)

// Deps bundles what the API surface needs
type Deps struct {
	DB       *gorm.DB
	Bridge   *bridge.Bridge
	Registry *registry.Registry
	Tools    *tools.Registry
	Tokens   *enroll.TokenStore
	Config   *config.Config
}

// SetupRouter sets up the API v1 routes
func SetupRouter(r *gin.Engine, d Deps) {
	tasksHandler := tasks.NewHandler(d.DB, d.Bridge)
	approvalsHandler := approvals.NewHandler(d.Bridge)
	instancesHandler := instances.NewHandler(d.DB, d.Registry, d.Tokens, d.Config.Enroll.TokenTTLSec)
	toolsHandler := toolservers.NewHandler(d.Tools)

	v1 := r.Group("/api/v1")
	{
		// Public routes (no authentication required)
		v1.GET("/ping", pingHandler)

		// Instance enrollment: the one-time token is the authorization
		v1.POST("/instances/enroll", instancesHandler.Enroll)

		// Protected routes (authentication required)
		protected := v1.Group("")
		protected.Use(middleware.AuthRequired())
		{
			protected.GET("/me", meHandler)

			// Tasks routes
			tasksGroup := protected.Group("/tasks")
			{
				tasksGroup.GET("", tasksHandler.List)
				tasksGroup.POST("/create", tasksHandler.Create)
				tasksGroup.GET("/:id", tasksHandler.Get)
				tasksGroup.GET("/:id/events", tasksHandler.Events)
				tasksGroup.POST("/:id/cancel", tasksHandler.Cancel)
				tasksGroup.POST("/:id/context", tasksHandler.Context)
			}

			// Approvals routes
			approvalsGroup := protected.Group("/approvals")
			{
				approvalsGroup.GET("", approvalsHandler.List)
				approvalsGroup.POST("/resolve", approvalsHandler.Resolve)
			}

			// Instances routes
			instancesGroup := protected.Group("/instances")
			{
				instancesGroup.GET("", instancesHandler.List)
				instancesGroup.POST("/enroll-token/create", instancesHandler.CreateEnrollToken)
			}

			// Tools routes
			toolsGroup := protected.Group("/tools")
			{
				toolsGroup.GET("", toolsHandler.ListTools)
				toolsGroup.GET("/servers", toolsHandler.ListServers)
				toolsGroup.POST("/servers/register", toolsHandler.Register)
			}
		}
	}
}

// pingHandler handles the ping request using unified response
func pingHandler(c *gin.Context) {
	httpx.OK(c, gin.H{
		"pong": true,
	})
}

// meHandler returns the authenticated caller's identity
func meHandler(c *gin.Context) {
	role, _ := c.Get("role")
	httpx.OK(c, gin.H{
		"principal": middleware.Principal(c),
		"role":      role,
	})
}
