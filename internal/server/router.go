package server

import (
	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"

	"github.com/clovisapp/clovis-backend/internal/handlers"
	"github.com/clovisapp/clovis-backend/internal/middleware"
)

type RouterConfig struct {
	AuthHandler      *handlers.AuthHandler
	AuthMiddleware   *middleware.AuthMiddleware
	ProjectHandler   *handlers.ProjectHandler
	BlueprintHandler *handlers.BlueprintHandler
	SSEHandler       *handlers.SSEHandler
}

func NewRouter(cfg RouterConfig) *gin.Engine {
	router := gin.Default()

	router.Use(cors.New(cors.Config{
		AllowOrigins: []string{
			"http://localhost:80",
			"http://localhost:3000",
			"http://localhost:5174",
		},
		AllowMethods:     []string{"GET", "POST", "PUT", "DELETE", "PATCH", "OPTIONS"},
		AllowHeaders:     []string{"Authorization", "Content-Type", "X-Requested-With"},
		AllowCredentials: true,
	}))

	// ===============
	// || Public    ||
	// ===============
	router.GET("/healthcheck", handlers.HealthCheck)
	router.POST("/register", cfg.AuthHandler.Register)
	router.POST("/login", cfg.AuthHandler.Login)

	// ===============
	// || Protected ||
	// ===============
	protected := router.Group("/")
	protected.Use(cfg.AuthMiddleware.RequireAuth())
	// Auth
	protected.POST("/logout", cfg.AuthHandler.Logout)
	// SSE
	protected.GET("/sse/stream", cfg.SSEHandler.Stream)
	protected.POST("/sse/subscribe", cfg.SSEHandler.Subscribe)
	protected.POST("/sse/unsubscribe", cfg.SSEHandler.Unsubscribe)
	// Projects
	protected.POST("/projects", cfg.ProjectHandler.Create)
	protected.GET("/projects/id/:id", cfg.ProjectHandler.Get)
	protected.POST("/projects/id/:id/tasks", cfg.ProjectHandler.CreateTask)
	protected.GET("/projects/id/:id/notifications", cfg.ProjectHandler.ListNotifications)
	// Blueprints
	protected.POST("/projects/id/:id/blueprints", cfg.BlueprintHandler.Create)
	protected.GET("/projects/id/:id/blueprints", cfg.BlueprintHandler.ListByProject)
	protected.GET("/blueprints/id/:id", cfg.BlueprintHandler.Get)
	protected.PUT("/blueprints/id/:id", cfg.BlueprintHandler.Update)
	protected.DELETE("/blueprints/id/:id", cfg.BlueprintHandler.Delete)
	protected.GET("/blueprints/id/:id/tasks", cfg.BlueprintHandler.ListTasks)
	protected.GET("/blueprints/id/:id/pages", cfg.BlueprintHandler.ListPages)

	return router
}
