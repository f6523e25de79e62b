package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/go-playground/validator/v10"
	swaggerFiles "github.com/swaggo/files"
	ginSwagger "github.com/swaggo/gin-swagger"
	"go.uber.org/zap"

	_ "github.com/agis-digital/agis-api/api/swagger"
	"github.com/agis-digital/agis-api/internal/handler"
	"github.com/agis-digital/agis-api/internal/middleware"
	"github.com/agis-digital/agis-api/internal/models"
	"github.com/agis-digital/agis-api/internal/repository"
	"github.com/agis-digital/agis-api/internal/service"
	"github.com/agis-digital/agis-api/pkg/cache"
	"github.com/agis-digital/agis-api/pkg/config"
	"github.com/agis-digital/agis-api/pkg/database"
	"github.com/agis-digital/agis-api/pkg/jobs"
	"github.com/agis-digital/agis-api/pkg/logger"
	corsmiddleware "github.com/agis-digital/agis-api/pkg/middleware/cors"
	reqidmiddleware "github.com/agis-digital/agis-api/pkg/middleware/requestid"
)

// @title AGIS Digital API
// @version 1.0.0
// @description User management and authentication service
// @BasePath /api/v1
// @schemes http

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("failed to load config: %v", err)
	}

	logr, err := logger.New(cfg)
	if err != nil {
		log.Fatalf("failed to init logger: %v", err)
	}
	defer logr.Sync() //nolint:errcheck

	if cfg.Env == config.EnvProduction {
		gin.SetMode(gin.ReleaseMode)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	db, err := database.NewPostgres(cfg.Database)
	if err != nil {
		logr.Sugar().Fatalw("failed to connect to postgres", "error", err)
	}
	defer db.Close()

	var cacheRepo *repository.CacheRepository
	if cfg.Cache.Enabled {
		redisClient, err := cache.NewRedis(cfg.Redis)
		if err != nil {
			logr.Sugar().Fatalw("failed to connect to redis", "error", err)
		}
		cacheRepo = repository.NewCacheRepository(redisClient)
		defer cacheRepo.Close()
	}

	userRepo := repository.NewUserRepository(db)
	tokenRepo := repository.NewTokenRepository(db)
	auditRepo := repository.NewAuditRepository(db)

	validate := validator.New()
	metrics := service.NewMetricsService()

	audit := service.NewAuditService(auditRepo, logr, jobs.QueueConfig{
		Workers:    2,
		BufferSize: 256,
		MaxRetries: 3,
		RetryDelay: time.Second,
		Logger:     logr,
	})
	audit.Start(ctx)
	defer audit.Stop()

	var cacheSvc *service.CacheService
	if cacheRepo != nil {
		cacheSvc = service.NewCacheService(cacheRepo, metrics, cfg.Cache.UserTTL, logr)
	}

	policy := service.NewPolicy(userRepo, audit, logr)
	authSvc := service.NewAuthService(userRepo, tokenRepo, audit, validate, logr, service.AuthConfig{
		AccessSecret:  cfg.JWT.AccessSecret,
		RefreshSecret: cfg.JWT.RefreshSecret,
		AccessExpiry:  cfg.JWT.AccessExpiry,
		RefreshExpiry: cfg.JWT.RefreshExpiry,
		Issuer:        cfg.JWT.Issuer,
		Audience:      cfg.JWT.Audience,
	})
	userSvc := service.NewUserService(userRepo, tokenRepo, policy, audit, cacheSvc, validate, logr)

	authHandler := handler.NewAuthHandler(authSvc, userSvc)
	userHandler := handler.NewUserHandler(userSvc)

	loginLimiter := middleware.NewLimiter(middleware.LimiterOptions{
		Name:    "login",
		Window:  cfg.RateLimit.LoginWindow,
		Max:     cfg.RateLimit.LoginMax,
		Message: "too many login attempts, try again later",
	})
	globalLimiter := middleware.NewLimiter(middleware.LimiterOptions{
		Name:   "global",
		Window: cfg.RateLimit.GlobalWindow,
		Max:    cfg.RateLimit.GlobalMax,
	})
	loginLimiter.StartSweeper(ctx, cfg.RateLimit.SweepInterval)
	globalLimiter.StartSweeper(ctx, cfg.RateLimit.SweepInterval)

	startTokenPurge(ctx, tokenRepo, logr)

	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(reqidmiddleware.Middleware())
	r.Use(logger.GinMiddleware(logr))
	r.Use(corsmiddleware.New(cfg.CORS.AllowedOrigins))
	r.Use(middleware.Metrics(metrics))
	r.Use(middleware.RateLimit(globalLimiter, metrics))

	startedAt := time.Now()
	r.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok", "uptime": time.Since(startedAt).String()})
	})
	r.GET("/ready", func(c *gin.Context) {
		if err := db.PingContext(c.Request.Context()); err != nil {
			c.JSON(http.StatusServiceUnavailable, gin.H{"status": "unavailable"})
			return
		}
		c.JSON(http.StatusOK, gin.H{"status": "ready"})
	})
	r.GET("/metrics", gin.WrapH(metrics.Handler()))

	if cfg.Env != config.EnvProduction {
		r.GET("/docs/*any", ginSwagger.WrapHandler(swaggerFiles.Handler))
	}

	api := r.Group(cfg.APIPrefix)

	auth := api.Group("/auth")
	auth.POST("/login", middleware.RateLimit(loginLimiter, metrics), authHandler.Login)
	auth.POST("/refresh", authHandler.Refresh)
	auth.POST("/logout", authHandler.Logout)
	auth.GET("/me", middleware.JWT(authSvc, metrics), authHandler.Me)

	users := api.Group("/users")
	users.Use(middleware.JWT(authSvc, metrics))
	users.GET("", middleware.RequireRole(models.RoleSupervisor, logr, metrics), userHandler.List)
	users.GET("/:id", middleware.RequireRole(models.RoleSupervisor, logr, metrics), userHandler.Get)
	users.POST("", middleware.RequireRole(models.RoleManager, logr, metrics), userHandler.Create)
	users.PUT("/:id", middleware.RequireRole(models.RoleManager, logr, metrics), userHandler.Update)
	users.PATCH("/:id/deactivate", middleware.RequireRole(models.RoleManager, logr, metrics), userHandler.Deactivate)

	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Port),
		Handler:           r,
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		logr.Sugar().Infow("server starting", "addr", srv.Addr, "env", cfg.Env)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logr.Sugar().Fatalw("server failed", "error", err)
		}
	}()

	<-ctx.Done()
	logr.Info("shutdown signal received")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logr.Sugar().Errorw("graceful shutdown failed", "error", err)
	}
}

// startTokenPurge removes expired refresh tokens on an hourly cadence.
func startTokenPurge(ctx context.Context, tokens *repository.TokenRepository, logr *zap.Logger) {
	go func() {
		ticker := time.NewTicker(time.Hour)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				purgeCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
				removed, err := tokens.DeleteExpired(purgeCtx)
				cancel()
				if err != nil {
					logr.Sugar().Warnw("token purge failed", "error", err)
					continue
				}
				if removed > 0 {
					logr.Sugar().Infow("expired refresh tokens purged", "count", removed)
				}
			}
		}
	}()
}
