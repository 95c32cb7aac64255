package main

import (
	"context"
	"fmt"
	"os"

	"github.com/norvand/pathlight-backend/internal/agents"
	"github.com/norvand/pathlight-backend/internal/data/repos/roadmaps"
	"github.com/norvand/pathlight-backend/internal/data/repos/tasks"
	"github.com/norvand/pathlight-backend/internal/db"
	"github.com/norvand/pathlight-backend/internal/handlers"
	"github.com/norvand/pathlight-backend/internal/jobs"
	"github.com/norvand/pathlight-backend/internal/jobs/pipeline"
	jobruntime "github.com/norvand/pathlight-backend/internal/jobs/runtime"
	"github.com/norvand/pathlight-backend/internal/jobs/worker"
	"github.com/norvand/pathlight-backend/internal/observability"
	"github.com/norvand/pathlight-backend/internal/pkg/logger"
	"github.com/norvand/pathlight-backend/internal/server"
	"github.com/norvand/pathlight-backend/internal/services"
	"github.com/norvand/pathlight-backend/internal/sse"
	"github.com/norvand/pathlight-backend/internal/temporalx"
	"github.com/norvand/pathlight-backend/internal/temporalx/taskrun"
	"github.com/norvand/pathlight-backend/internal/temporalx/temporalworker"
	"github.com/norvand/pathlight-backend/internal/utils"
	"github.com/norvand/pathlight-backend/internal/workflow"
)

func main() {
	// Logger
	logMode := os.Getenv("LOG_MODE")
	if logMode == "" {
		logMode = "development"
	}
	log, err := logger.New(logMode)
	if err != nil {
		fmt.Printf("Failed to init logger: %v\n", err)
		os.Exit(1)
	}
	defer log.Sync()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Observability
	metrics := observability.Init(log)
	if shutdown := observability.InitOTel(ctx, log, observability.OtelConfig{
		ServiceName: "pathlight-backend",
		Environment: utils.GetEnv("APP_ENV", "development", log),
		Version:     utils.GetEnv("APP_VERSION", "dev", log),
	}); shutdown != nil {
		defer func() { _ = shutdown(context.Background()) }()
	}

	// Postgres
	postgresService, err := db.NewPostgresService(log)
	if err != nil {
		log.Error("Postgres init failed", "error", err)
		os.Exit(1)
	}
	if err = postgresService.AutoMigrateAll(); err != nil {
		log.Warn("Postgres auto migration failed", "error", err)
	}
	thePG := postgresService.DB()

	// Repos
	log.Info("Setting up repos from main...")
	taskRepo := tasks.NewTaskRepo(thePG, log)
	checkpointRepo := tasks.NewCheckpointRepo(thePG, log)
	roadmapRepo := roadmaps.NewRoadmapRepo(thePG, log)
	conceptRepo := roadmaps.NewConceptRepo(thePG, log)

	// SSE hub, redis bus and step cache. Redis is optional for a single
	// process: without it events stay in-process and step reads hit the DB.
	log.Info("Setting up SSE hub now...")
	sseHub := sse.NewSSEHub(log)
	var bus services.SSEBus
	if b, busErr := services.NewRedisSSEBus(log); busErr != nil {
		log.Warn("Redis SSE bus unavailable, events stay in-process", "error", busErr)
	} else {
		bus = b
		if fErr := bus.StartForwarder(ctx, sseHub.Broadcast); fErr != nil {
			log.Warn("SSE forwarder failed to start", "error", fErr)
		}
	}
	var stepCache services.StepCache = services.NoopStepCache{}
	if sc, scErr := services.NewRedisStepCache(log); scErr != nil {
		log.Warn("Redis step cache unavailable, using noop cache", "error", scErr)
	} else {
		stepCache = sc
	}
	notifier := services.NewTaskNotifier(sseHub, bus)

	// Services and agents
	log.Info("Setting up services from main...")
	aiClient, err := services.NewLLMClient(log)
	if err != nil {
		log.Error("Could not init LLM client", "error", err)
		os.Exit(1)
	}
	agentPool := agents.NewPool(log, aiClient)
	batch := workflow.NewBatchScheduler(log, conceptRepo, agentPool.Content, notifier)
	brain := workflow.NewBrain(log, thePG, taskRepo, checkpointRepo, roadmapRepo, conceptRepo, agentPool, batch, notifier, stepCache)
	taskService := jobs.NewTaskService(log, thePG, taskRepo, checkpointRepo, brain, notifier, stepCache)

	// Handler registry and worker pools
	registry := jobruntime.NewRegistry()
	if err := registry.Register(pipeline.NewRoadmapWorkflowHandler(log, brain)); err != nil {
		log.Error("register roadmap workflow handler", "error", err)
		os.Exit(1)
	}
	if err := registry.Register(pipeline.NewContentRetryHandler(log, brain, taskRepo)); err != nil {
		log.Error("register content retry handler", "error", err)
		os.Exit(1)
	}
	taskWorker := worker.NewWorker(thePG, log, taskRepo, registry, notifier)
	taskWorker.Start(ctx, worker.DefaultPools(log))

	// Temporal (optional)
	var dispatcher handlers.WorkflowDispatcher
	tcfg := temporalx.LoadConfig()
	if temporalx.Enabled(tcfg) {
		tclient, tErr := temporalx.NewClient(ctx, tcfg, log)
		if tErr != nil {
			log.Warn("Temporal unavailable, queue pools only", "error", tErr)
		} else {
			defer tclient.Close()
			acts := taskrun.NewActivities(thePG, log, taskRepo, registry, notifier)
			temporalworker.NewRunner(tclient, tcfg, log, acts).Start(ctx)
			dispatcher = temporalx.NewDispatcher(tclient, tcfg, log)
		}
	}

	// Metrics exposition and collectors
	if metrics != nil {
		metrics.StartQueueCollector(ctx, log, thePG)
		metrics.StartServer(ctx, log, utils.GetEnv("METRICS_ADDR", "", log))
	}

	// Handlers and router
	log.Info("Setting up handlers from main...")
	router := server.NewRouter(server.RouterConfig{
		TaskHandler:     handlers.NewTaskHandler(log, taskService, dispatcher),
		RoadmapHandler:  handlers.NewRoadmapHandler(log, roadmapRepo),
		RealtimeHandler: handlers.NewRealtimeHandler(log, sseHub),
		HealthHandler:   handlers.NewHealthHandler(thePG),
		Metrics:         metrics,
	})

	port := utils.GetEnv("PORT", "8080", log)
	log.Info("Server listening", "port", port)
	if err := router.Run(":" + port); err != nil {
		log.Error("Server failed", "error", err)
	}
}
