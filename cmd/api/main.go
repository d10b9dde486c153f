package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/cors"
	fiberlogger "github.com/gofiber/fiber/v2/middleware/logger"
	"github.com/gofiber/fiber/v2/middleware/recover"
	"github.com/gofiber/websocket/v2"
	"go.uber.org/zap"

	"github.com/talentgraph/backend/internal/api/handlers"
	"github.com/talentgraph/backend/internal/cache/redis"
	"github.com/talentgraph/backend/internal/events"
	"github.com/talentgraph/backend/internal/graph"
	"github.com/talentgraph/backend/internal/index"
	"github.com/talentgraph/backend/internal/llm"
	"github.com/talentgraph/backend/internal/metrics"
	"github.com/talentgraph/backend/internal/middleware/ratelimit"
	"github.com/talentgraph/backend/internal/middleware/security"
	"github.com/talentgraph/backend/internal/middleware/validation"
	"github.com/talentgraph/backend/internal/normalize"
	"github.com/talentgraph/backend/internal/pipeline"
	"github.com/talentgraph/backend/internal/query"
	"github.com/talentgraph/backend/internal/source"
	"github.com/talentgraph/backend/internal/storage/models"
	"github.com/talentgraph/backend/internal/storage/sqlite"
	"github.com/talentgraph/backend/internal/synthesis"
	"github.com/talentgraph/backend/internal/vector/milvus"
	"github.com/talentgraph/backend/pkg/config"
	appLogger "github.com/talentgraph/backend/pkg/logger"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Printf("Failed to load config: %v\n", err)
		os.Exit(1)
	}

	err = appLogger.Init(cfg.Logging.Level, cfg.Logging.Format, cfg.Logging.OutputPath)
	if err != nil {
		fmt.Printf("Failed to initialize logger: %v\n", err)
		os.Exit(1)
	}
	defer appLogger.Sync()

	appLogger.Info("Starting TalentGraph API Server")

	metrics.Init()

	sqliteClient, err := sqlite.NewClient(cfg.SQLite.Path)
	if err != nil {
		appLogger.Fatal("Failed to create SQLite client", zap.Error(err))
	}
	defer sqliteClient.Close()

	if err := sqliteClient.InitSchema(); err != nil {
		appLogger.Fatal("Failed to initialize schema", zap.Error(err))
	}

	redisClient, err := redis.NewClient(
		cfg.Redis.Host,
		cfg.Redis.Port,
		cfg.Redis.Password,
		cfg.Redis.DB,
		time.Duration(cfg.Cache.TTLSec)*time.Second,
	)
	if err != nil {
		appLogger.Fatal("Failed to create Redis client", zap.Error(err))
	}
	defer redisClient.Close()

	milvusClient, err := milvus.NewClient(
		cfg.Milvus.Endpoint,
		cfg.Milvus.CollectionName,
		cfg.Milvus.VectorDim,
	)
	if err != nil {
		appLogger.Fatal("Failed to create Milvus client", zap.Error(err))
	}
	defer milvusClient.Close()

	if err := milvusClient.EnsureCollection(context.Background()); err != nil {
		appLogger.Fatal("Failed to ensure collection", zap.Error(err))
	}

	graphClient, err := graph.NewClient(
		cfg.Neo4j.URI,
		cfg.Neo4j.Username,
		cfg.Neo4j.Password,
		cfg.Neo4j.Database,
	)
	if err != nil {
		appLogger.Fatal("Failed to create graph client", zap.Error(err))
	}
	defer graphClient.Close(context.Background())

	llmClient := llm.NewClient(
		cfg.LLM.APIKey,
		cfg.LLM.Model,
		cfg.LLM.EmbeddingModel,
		cfg.LLM.Temperature,
		cfg.LLM.MaxTokens,
	)

	hub := events.NewHub()
	connector := source.NewConnector(time.Duration(cfg.Sources.FetchTimeoutSec)*time.Second, cfg.Sources.MaxRetries)
	normalizer := normalize.New(cfg.Sources.TrustWeights)
	indexer := index.NewIndexer(llmClient, milvusClient, cfg.Index.ChunkSize, cfg.Index.ChunkOverlap)

	// The synthesizer's commit hook fans out through the pipeline, which in
	// turn holds the synthesizer. Close over the variable to break the cycle.
	var pipe *pipeline.Pipeline
	synthesizer := synthesis.NewSynthesizer(
		sqliteClient,
		llmClient,
		cfg.Sources.TrustWeights,
		time.Duration(cfg.Synthesis.NarrativeTimeoutSec)*time.Second,
		cfg.Synthesis.NarrativeMaxTokens,
		func(snap *models.ProfileSnapshot) {
			pipe.OnSnapshotCommitted(snap)
		},
	)
	pipe = pipeline.New(sqliteClient, connector, normalizer, graphClient, synthesizer, indexer, hub)

	queryEngine := query.NewEngine(
		sqliteClient,
		llmClient,
		llmClient,
		llmClient,
		milvusClient,
		graphClient,
		redisClient,
		query.Config{
			TopK:             cfg.Query.TopK,
			SemanticWeight:   cfg.Query.SemanticWeight,
			StructuredWeight: cfg.Query.StructuredWeight,
			EndorseWeight:    cfg.Query.EndorseWeight,
			AnswerTimeout:    time.Duration(cfg.Query.AnswerTimeoutSec) * time.Second,
		},
	)

	app := fiber.New(fiber.Config{
		ReadTimeout:  time.Duration(cfg.Server.ReadTimeout) * time.Second,
		WriteTimeout: time.Duration(cfg.Server.WriteTimeout) * time.Second,
		BodyLimit:    cfg.Server.BodyLimit,
	})

	app.Use(recover.New())
	app.Use(fiberlogger.New())
	app.Use(cors.New(cors.Config{
		AllowOrigins: "*",
		AllowHeaders: "Origin, Content-Type, Accept, Authorization, X-Caller-ID",
		AllowMethods: "GET, POST, OPTIONS",
	}))
	app.Use(security.HeadersMiddleware(security.HeadersConfig{}))

	limiter := ratelimit.New(ratelimit.Config{
		MaxRequestsPerMinute: cfg.Server.RateLimit,
		Logger:               appLogger.GetLogger(),
	})
	defer limiter.Stop()
	app.Use(limiter.Middleware())

	app.Use(validation.Middleware(validation.Config{
		Logger: appLogger.GetLogger(),
	}))

	searchHandler := handlers.NewSearchHandler(queryEngine, sqliteClient, time.Duration(cfg.Query.TimeoutSec)*time.Second)
	ingestHandler := handlers.NewIngestHandler(pipe, sqliteClient)
	profileHandler := handlers.NewProfileHandler(sqliteClient)
	feedbackHandler := handlers.NewFeedbackHandler(sqliteClient)
	eventsHandler := handlers.NewEventsHandler(hub)

	api := app.Group("/api/v1")

	api.Post("/search", searchHandler.HandleSearch)
	api.Get("/search/history", searchHandler.GetQueryHistory)

	api.Post("/sources", ingestHandler.AddSource)
	api.Get("/owners/:owner_id/sources", ingestHandler.ListSources)
	api.Post("/owners/:owner_id/refresh", ingestHandler.RefreshOwner)
	api.Post("/facts", ingestHandler.EditFact)

	api.Get("/profiles/:owner_id", profileHandler.GetProfile)
	api.Post("/feedback", feedbackHandler.SubmitFeedback)

	app.Get("/ws/events", websocket.New(eventsHandler.HandleConnection))

	app.Get("/metrics", metrics.MetricsHandler())

	api.Get("/health", func(c *fiber.Ctx) error {
		return c.JSON(fiber.Map{
			"status": "healthy",
			"time":   time.Now().Unix(),
		})
	})

	addr := fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port)
	appLogger.Info("Server starting", zap.String("address", addr))

	go func() {
		if err := app.Listen(addr); err != nil {
			appLogger.Fatal("Server failed to start", zap.Error(err))
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, os.Interrupt, syscall.SIGTERM)
	<-quit

	appLogger.Info("Server shutting down gracefully...")
	app.Shutdown()
	appLogger.Info("Server stopped")
}
