package server

import (
	"github.com/gin-gonic/gin"
	"go.opentelemetry.io/contrib/instrumentation/github.com/gin-gonic/gin/otelgin"

	"github.com/norvand/pathlight-backend/internal/handlers"
	"github.com/norvand/pathlight-backend/internal/observability"
)

type RouterConfig struct {
	TaskHandler     *handlers.TaskHandler
	RoadmapHandler  *handlers.RoadmapHandler
	RealtimeHandler *handlers.RealtimeHandler
	HealthHandler   *handlers.HealthHandler

	Metrics *observability.Metrics
}

func NewRouter(cfg RouterConfig) *gin.Engine {
	r := gin.Default()
	r.Use(otelgin.Middleware("pathlight-backend"))
	r.Use(TraceHeaders())
	r.Use(Metrics(cfg.Metrics))
	r.Use(CORS())
	r.Use(RequestUser())

	if cfg.HealthHandler != nil {
		r.GET("/healthcheck", cfg.HealthHandler.HealthCheck)
	}
	if cfg.Metrics != nil {
		r.GET("/metrics", gin.WrapF(cfg.Metrics.WriteHTTP))
	}

	if cfg.RealtimeHandler != nil {
		r.GET("/sse/stream", cfg.RealtimeHandler.Stream)
	}

	api := r.Group("/api")
	{
		if cfg.TaskHandler != nil {
			api.POST("/tasks", cfg.TaskHandler.SubmitTask)
			api.GET("/tasks/:id", cfg.TaskHandler.GetTask)
			api.GET("/tasks/:id/step", cfg.TaskHandler.GetLiveStep)
			api.POST("/tasks/:id/approve", cfg.TaskHandler.ReviewTask)
			api.POST("/tasks/:id/retry", cfg.TaskHandler.RetryTask)
		}
		if cfg.RoadmapHandler != nil {
			api.GET("/roadmaps/:id", cfg.RoadmapHandler.GetRoadmap)
		}
	}

	return r
}
