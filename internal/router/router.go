package router

import (
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/stemsi/exstem-proctor/internal/config"
	"github.com/stemsi/exstem-proctor/internal/handler"
	"github.com/stemsi/exstem-proctor/internal/middleware"
	"github.com/stemsi/exstem-proctor/internal/response"
	"github.com/stemsi/exstem-proctor/internal/service"
)

// Handlers groups all handler instances for route setup.
type Handlers struct {
	Attempt *handler.AttemptHandler
	Monitor *handler.MonitorHandler
	System  *handler.SystemHandler
}

// SetupRouter configures all Gin route groups with appropriate middlewares.
// violationLimiter bounds violation reports per attempt; nil disables it.
func SetupRouter(
	authService *service.AuthService,
	handlers *Handlers,
	violationLimiter *middleware.RateLimiter,
	cfg *config.Config,
) *gin.Engine {
	gin.SetMode(cfg.GinMode)
	router := gin.New()
	router.Use(gin.Logger(), gin.Recovery())

	// ─── CORS ──────────────────────────────────────────────────────────
	// If AllowedOrigins is set in config, restrict to that list;
	// otherwise allow all (*) so dev works without extra config.
	corsConfig := cors.DefaultConfig()
	if len(cfg.AllowedOrigins) > 0 {
		corsConfig.AllowOrigins = cfg.AllowedOrigins
	} else {
		corsConfig.AllowAllOrigins = true
	}
	corsConfig.AllowMethods = []string{"GET", "POST", "OPTIONS"}
	corsConfig.AllowHeaders = []string{"Origin", "Content-Type", "Authorization", "X-Request-ID"}
	corsConfig.ExposeHeaders = []string{"X-Request-ID"}
	corsConfig.MaxAge = 12 * time.Hour
	router.Use(cors.New(corsConfig))

	// Apply request ID middleware globally so every response includes metadata.
	router.Use(response.RequestIDMiddleware())

	router.GET("/health", handlers.System.Health)
	router.GET("/metrics", gin.WrapH(promhttp.Handler()))

	// Answer files are only readable by proctors.
	uploadsGroup := router.Group("/uploads")
	uploadsGroup.Use(middleware.RequireProctorJWT(authService), middleware.NoStore())
	{
		uploadsGroup.Static("/", cfg.UploadDir)
	}

	// ─── 1. Student Group (Proctor Agent) ──────────────────────────────
	api := router.Group("/api/v1")
	api.Use(middleware.RequireStudentJWT(authService), middleware.NoStore())
	{
		attempts := api.Group("/attempts")
		attempts.POST("", handlers.Attempt.Start)
		attempts.GET("/:attempt_id", middleware.Brotli(), handlers.Attempt.Status)
		attempts.POST("/:attempt_id/heartbeat", handlers.Attempt.Heartbeat)
		attempts.POST("/:attempt_id/submit", handlers.Attempt.Submit)
		attempts.POST("/:attempt_id/files", handlers.Attempt.UploadFile)

		if violationLimiter != nil {
			attempts.POST("/:attempt_id/violations", violationLimiter.Middleware(), handlers.Attempt.ReportViolation)
		} else {
			attempts.POST("/:attempt_id/violations", handlers.Attempt.ReportViolation)
		}
	}

	// ─── 2. Proctor WebSocket Group (Auth via query param) ─────────────
	wsGroup := router.Group("/ws/v1/proctor")
	wsGroup.Use(middleware.RequireProctorWSAuth(authService))
	{
		wsGroup.GET("/exams/:exam_id/violations", handlers.Monitor.ProctorStream)
	}

	return router
}
