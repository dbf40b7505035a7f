// Package api provides the HTTP API for the Arkivo server.
package api

import (
	"github.com/gin-gonic/gin"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/arkivo-backup/arkivo/internal/api/handlers"
	"github.com/arkivo-backup/arkivo/internal/api/middleware"
	"github.com/arkivo-backup/arkivo/internal/auth"
	"github.com/arkivo-backup/arkivo/internal/config"
	"github.com/arkivo-backup/arkivo/internal/db"
	"github.com/arkivo-backup/arkivo/internal/metrics"
)

// Router wraps a Gin engine with configured middleware and routes.
type Router struct {
	Engine *gin.Engine
	logger zerolog.Logger
	db     *db.DB
}

// NewRouter creates a new Router with the given dependencies. redisClient is
// optional; when present, rate limit counters are shared across replicas.
func NewRouter(
	cfg config.ServerConfig,
	database *db.DB,
	verifier auth.TokenVerifier,
	redisClient *redis.Client,
	logger zerolog.Logger,
) (*Router, error) {
	r := &Router{
		Engine: gin.New(),
		logger: logger.With().Str("component", "router").Logger(),
		db:     database,
	}

	// Global middleware
	r.Engine.Use(gin.Recovery())
	r.Engine.Use(middleware.RequestLogger(logger))
	r.Engine.Use(middleware.CORS(cfg.CORSOrigins, cfg.Environment))

	rateLimiter, err := newLimiter(redisClient, cfg.RateLimitRequests, cfg.RateLimitPeriod, "rl:global")
	if err != nil {
		return nil, err
	}
	r.Engine.Use(rateLimiter)

	// Health check endpoints (no auth required)
	healthHandler := handlers.NewHealthHandler(database, logger)
	healthHandler.RegisterPublicRoutes(r.Engine)

	// Prometheus metrics endpoint (no auth required)
	r.Engine.GET("/metrics", metrics.Handler())

	devicesHandler := handlers.NewDevicesHandler(database, logger)
	agentsHandler := handlers.NewAgentsHandler(database, logger)
	tasksHandler := handlers.NewTasksHandler(database, cfg.TaskLease, logger)
	jobsHandler := handlers.NewJobsHandler(database, logger)

	// Unauthenticated device activation endpoints get a stricter limit of
	// their own; they are reachable by anyone who can guess the URL.
	activationLimiter, err := newLimiter(redisClient, cfg.ActivationLimitRequests, cfg.ActivationLimitPeriod, "rl:activation")
	if err != nil {
		return nil, err
	}
	public := r.Engine.Group("/api")
	public.Use(activationLimiter)
	devicesHandler.RegisterPublicRoutes(public)

	// Bearer-token API (users and agents authenticating as their owner)
	authed := r.Engine.Group("/api")
	authed.Use(middleware.BearerAuth(verifier, logger))

	devicesHandler.RegisterRoutes(authed)
	agentsHandler.RegisterRoutes(authed)
	tasksHandler.RegisterRoutes(authed)
	jobsHandler.RegisterRoutes(authed)

	// API-key read endpoints for agents
	agentAPI := r.Engine.Group("/api/agent")
	agentAPI.Use(middleware.APIKeyAuth(database, logger))
	jobsHandler.RegisterAgentRoutes(agentAPI)

	return r, nil
}

func newLimiter(redisClient *redis.Client, requests int64, period, prefix string) (gin.HandlerFunc, error) {
	if redisClient != nil {
		return middleware.NewRedisRateLimiter(redisClient, requests, period, prefix)
	}
	return middleware.NewRateLimiter(requests, period)
}
