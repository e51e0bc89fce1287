// Package http wires the gin engine: middleware, routes, handlers.
package http

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/veil-labs/veil/internal/application/accounting"
	"github.com/veil-labs/veil/internal/application/gateway"
	"github.com/veil-labs/veil/internal/application/lifecycle"
	"github.com/veil-labs/veil/internal/application/serverops"
	"github.com/veil-labs/veil/internal/interfaces/http/handlers"
	"github.com/veil-labs/veil/internal/interfaces/http/middleware"
	"github.com/veil-labs/veil/internal/shared/logger"
)

// Router holds the configured gin engine and its handlers.
type Router struct {
	engine              *gin.Engine
	subscriptionHandler *handlers.SubscriptionHandler
	eventHandler        *handlers.EventHandler
	serverHandler       *handlers.ServerHandler
}

// NewRouter builds the HTTP surface from the application services.
func NewRouter(
	lifecycleSvc *lifecycle.Service,
	accountingSvc *accounting.Service,
	serverSvc *serverops.Service,
	gw *gateway.Gateway,
	log logger.Interface,
) *Router {
	engine := gin.New()
	engine.Use(middleware.Recovery())
	engine.Use(middleware.Logger(log))

	r := &Router{
		engine:              engine,
		subscriptionHandler: handlers.NewSubscriptionHandler(lifecycleSvc, accountingSvc, serverSvc, log),
		eventHandler:        handlers.NewEventHandler(gw, log),
		serverHandler:       handlers.NewServerHandler(serverSvc, log),
	}
	r.setupRoutes()
	return r
}

func (r *Router) setupRoutes() {
	r.engine.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})

	v1 := r.engine.Group("/api/v1")
	{
		v1.POST("/events", r.eventHandler.Handle)

		subs := v1.Group("/subscriptions")
		{
			subs.GET("/:sid", r.subscriptionHandler.Get)
			subs.GET("/:sid/config", r.subscriptionHandler.GetConnectionConfig)
			subs.GET("/:sid/history", r.subscriptionHandler.GetHistory)
			subs.POST("/:sid/usage", r.subscriptionHandler.IngestUsage)
		}

		admin := v1.Group("/admin")
		{
			admin.POST("/servers", r.serverHandler.Register)
			admin.GET("/servers", r.serverHandler.List)
			admin.GET("/servers/:sid", r.serverHandler.Get)
			admin.PUT("/servers/:sid/maintenance", r.serverHandler.SetMaintenance)
		}
	}
}

// Engine exposes the underlying gin engine for the HTTP server.
func (r *Router) Engine() *gin.Engine {
	return r.engine
}
