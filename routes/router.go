package routes

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/redis/go-redis/v9"

	"social-publisher/internal/auth"
	"social-publisher/internal/config"
	"social-publisher/internal/store"
	"social-publisher/middleware"
)

const maxBodyBytes = 1 << 20

type RouterDeps struct {
	Config     *config.Config
	Issuer     *auth.Issuer
	Redis      *redis.Client
	Posts      store.PostStore
	Engagement store.EngagementStore
	Scheduler  PostScheduler
	Refresher  EngagementRefresher
	Accounts   AccountService
	// Metrics serves /metrics when set.
	Metrics http.Handler
}

func NewRouter(deps RouterDeps) *gin.Engine {
	if deps.Config.GinMode == "release" {
		gin.SetMode(gin.ReleaseMode)
	}

	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(middleware.RequestIDMiddleware())
	if deps.Config.TracingEnabled {
		router.Use(middleware.TracingMiddleware("social-publisher"))
		router.Use(middleware.EnrichTrace())
	}
	router.Use(middleware.CORSMiddleware(deps.Config.CORSOrigins))

	router.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "healthy", "timestamp": time.Now()})
	})
	if deps.Metrics != nil {
		router.GET("/metrics", gin.WrapH(deps.Metrics))
	}

	authMiddleware := middleware.NewAuthMiddleware(deps.Issuer)
	api := router.Group("/api")
	api.Use(middleware.RequestSizeLimit(maxBodyBytes))
	api.Use(authMiddleware.RequireAuth())
	if deps.Redis != nil {
		api.Use(middleware.RateLimitMiddleware(deps.Redis, deps.Config))
	}

	SetupAuthRoutes(api, deps.Issuer)
	SetupPostRoutes(api, deps.Posts, deps.Scheduler)
	SetupEngagementRoutes(api, deps.Engagement, deps.Refresher)
	SetupAccountRoutes(api, deps.Accounts)

	return router
}
