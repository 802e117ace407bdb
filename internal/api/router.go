package api

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/nebula/svcbridge/internal/config"
	"github.com/nebula/svcbridge/internal/logger"
	"github.com/nebula/svcbridge/internal/websocket"
)

// Router holds all route handlers and dependencies
type Router struct {
	engine         *gin.Engine
	serviceHandler *ServiceHandler
	hub            *websocket.Hub
}

// NewRouter creates a new router with all dependencies
func NewRouter(cfg *config.Config, services Services, hub *websocket.Hub) *Router {
	if cfg.Logging.Level == "debug" {
		gin.SetMode(gin.DebugMode)
	} else {
		gin.SetMode(gin.ReleaseMode)
	}

	engine := gin.New()
	engine.Use(gin.Recovery())
	engine.Use(loggerMiddleware())

	r := &Router{
		engine:         engine,
		serviceHandler: NewServiceHandler(services),
		hub:            hub,
	}

	r.setupRoutes()
	return r
}

// setupRoutes configures all routes
func (r *Router) setupRoutes() {
	v1 := r.engine.Group("/api/v1")

	serviceGroup := v1.Group("/services")
	{
		serviceGroup.GET("", r.serviceHandler.List)
		serviceGroup.GET("/:name", r.serviceHandler.Get)
		serviceGroup.POST("/:name/start", r.serviceHandler.Start)
		serviceGroup.POST("/:name/stop", r.serviceHandler.Stop)
		serviceGroup.POST("/:name/run", r.serviceHandler.Run)
		serviceGroup.POST("/:name/restart", r.serviceHandler.Restart)
		serviceGroup.POST("/:name/kill", r.serviceHandler.Kill)
	}
	v1.POST("/cleanup", r.serviceHandler.Cleanup)

	r.engine.GET("/ws/services", r.handleServicesWebSocket)

	r.engine.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
}

// handleServicesWebSocket streams listing snapshots
func (r *Router) handleServicesWebSocket(c *gin.Context) {
	clientID := c.Query("client")
	if clientID == "" {
		clientID = c.ClientIP()
	}
	r.hub.HandleWebSocket(c.Writer, c.Request, clientID)
}

// loggerMiddleware logs each request through zerolog
func loggerMiddleware() gin.HandlerFunc {
	log := logger.WithComponent("http")
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		log.Debug().
			Str("method", c.Request.Method).
			Str("path", c.Request.URL.Path).
			Int("status", c.Writer.Status()).
			Dur("latency", time.Since(start)).
			Msg("request")
	}
}

// Engine returns the Gin engine
func (r *Router) Engine() *gin.Engine {
	return r.engine
}

// BroadcastSnapshot pushes a listing snapshot to all websocket clients
func (r *Router) BroadcastSnapshot(snapshot interface{}) {
	r.hub.BroadcastJSON("snapshot", snapshot)
}
