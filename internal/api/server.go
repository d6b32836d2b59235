package api

import (
	"fmt"
	"net/http"

	"opsconductor/internal/dispatch"
	"opsconductor/internal/engine"
	"opsconductor/internal/events"
	"opsconductor/internal/serial"
	"opsconductor/internal/store"

	"github.com/gin-gonic/gin"
)

// Server wraps the REST API server
type Server struct {
	handler *Handler
	router  *gin.Engine
	hub     *events.Hub
}

// NewServer creates a new API server
func NewServer(st *store.Store, alloc *serial.Allocator, dispatcher *dispatch.Dispatcher, coordinator *engine.Coordinator, hub *events.Hub) *Server {
	handler := NewHandler(st, alloc, dispatcher, coordinator)

	// gin.New() instead of gin.Default(): the event feed endpoint is too
	// chatty for the default access log.
	router := gin.New()

	router.Use(gin.LoggerWithFormatter(func(param gin.LogFormatterParams) string {
		if param.Path == "/ws" {
			return ""
		}
		return fmt.Sprintf("[%s] %s %s %d %s %s \"%s\" %s\n",
			param.TimeStamp.Format("2006/01/02 - 15:04:05"),
			param.ClientIP,
			param.Method,
			param.StatusCode,
			param.Latency,
			param.Path,
			param.Request.UserAgent(),
			param.ErrorMessage,
		)
	}))
	router.Use(gin.Recovery())

	// CORS middleware
	router.Use(func(c *gin.Context) {
		c.Writer.Header().Set("Access-Control-Allow-Origin", "*")
		c.Writer.Header().Set("Access-Control-Allow-Credentials", "true")
		c.Writer.Header().Set("Access-Control-Allow-Headers", "Content-Type, Content-Length, Accept-Encoding, Authorization, accept, origin, Cache-Control, X-Requested-With")
		c.Writer.Header().Set("Access-Control-Allow-Methods", "POST, OPTIONS, GET, PUT, DELETE, PATCH")

		if c.Request.Method == "OPTIONS" {
			c.AbortWithStatus(204)
			return
		}

		c.Next()
	})

	// Live event feed
	router.GET("/ws", events.HandleWebSocket(hub))

	api := router.Group("/api/v1")
	{
		api.GET("/stats", handler.GetStats)

		// Jobs
		api.GET("/jobs", handler.ListJobs)
		api.POST("/jobs", handler.CreateJob)
		api.POST("/jobs/import", handler.ImportJob)
		api.GET("/jobs/:serial", handler.GetJob)
		api.PUT("/jobs/:serial", handler.UpdateJob)

		// Targets
		api.GET("/targets", handler.ListTargets)
		api.POST("/targets", handler.CreateTarget)

		// Executions
		api.GET("/executions", handler.ListExecutions)
		api.POST("/executions", handler.SubmitExecution)
		api.GET("/executions/:serial", handler.GetExecution)
		api.POST("/executions/:serial/cancel", handler.CancelExecution)

		// Deferred submissions (external triggers call fire)
		api.POST("/submissions/:id/fire", handler.FireSubmission)

		// Hierarchical status snapshots and wildcard search
		api.GET("/status/:serial", handler.GetStatus)
		api.GET("/serials", handler.SearchSerials)
	}

	return &Server{
		handler: handler,
		router:  router,
		hub:     hub,
	}
}

// GetRouter returns the router
func (s *Server) GetRouter() *gin.Engine {
	return s.router
}

// ServeHTTP implements http.Handler
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}
