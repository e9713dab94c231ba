package httptransport

import (
	"log/slog"

	"github.com/ErlanBelekov/media-harvester/internal/transport/http/handler"
	"github.com/ErlanBelekov/media-harvester/internal/transport/http/middleware"
	"github.com/gin-gonic/gin"

	sloggin "github.com/samber/slog-gin"
)

func NewRouter(logger *slog.Logger, jobHandler *handler.JobHandler, taskHandler *handler.TaskHandler, jwtKey []byte) *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(middleware.RequestID())
	r.Use(middleware.Security())
	r.Use(sloggin.New(logger))
	r.Use(middleware.Metrics())

	authMW := middleware.Auth(jwtKey)

	// Worker routes
	tasks := r.Group("/v1/tasks", authMW)
	tasks.POST("/request", taskHandler.Request)
	tasks.POST("/done", taskHandler.Done)

	// Job routes
	jobs := r.Group("/v1/jobs", authMW)
	jobs.POST("", jobHandler.Create)
	jobs.GET("/:id", jobHandler.GetByID)
	jobs.POST("/:id/pause", jobHandler.Pause)
	jobs.POST("/:id/resume", jobHandler.Resume)

	return r
}
