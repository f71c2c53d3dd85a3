package router

import (
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/stemsi/exstem-session/internal/config"
	"github.com/stemsi/exstem-session/internal/handler"
	"github.com/stemsi/exstem-session/internal/middleware"
	"github.com/stemsi/exstem-session/internal/response"
)

// Handlers groups all handler instances for route setup.
type Handlers struct {
	Auth          *handler.AuthHandler
	StudentPortal *handler.StudentPortalHandler
	WS            *handler.WSHandler
	System        *handler.SystemHandler
}

// Middlewares groups the stateful middleware dependencies.
type Middlewares struct {
	Auth         middleware.StudentAuthenticator
	LoginLimiter *middleware.RateLimiter
}

// SetupRouter configures all Gin route groups with appropriate middlewares.
func SetupRouter(handlers *Handlers, mw *Middlewares, cfg *config.Config) *gin.Engine {
	gin.SetMode(cfg.GinMode)
	router := gin.New()
	router.Use(gin.Recovery())
	if cfg.GinMode != gin.ReleaseMode {
		router.Use(gin.Logger())
	}

	// ─── CORS ──────────────────────────────────────────────────────────
	// If AllowedOrigins is set in config, restrict to that list;
	// otherwise allow all (*) so dev works without extra config.
	corsConfig := cors.DefaultConfig()
	if len(cfg.AllowedOrigins) > 0 {
		corsConfig.AllowOrigins = cfg.AllowedOrigins
	} else {
		corsConfig.AllowAllOrigins = true
	}
	corsConfig.AllowMethods = []string{"GET", "POST", "PUT", "OPTIONS"}
	corsConfig.AllowHeaders = []string{"Origin", "Content-Type", "Authorization", response.HeaderRequestID}
	corsConfig.ExposeHeaders = []string{response.HeaderRequestID}
	corsConfig.MaxAge = 12 * time.Hour
	router.Use(cors.New(corsConfig))

	// Apply request ID middleware globally so every response includes metadata.
	router.Use(response.RequestIDMiddleware())

	// Apply brotli middleware globally.
	router.Use(middleware.Brotli())

	// Health check.
	router.GET("/health", handlers.System.Health)

	// ─── 0. Public Group (No Auth) ─────────────────────────────────────
	auth := router.Group("/api/v1/auth/student")
	{
		auth.POST("/login", mw.LoginLimiter.Middleware(), handlers.Auth.StudentLogin)
	}

	studentAuth := []gin.HandlerFunc{
		middleware.RequireStudentJWT(mw.Auth),
		middleware.CheckSingleDeviceSession(mw.Auth),
		middleware.NoStore(),
	}

	// ─── 1. Student Account ────────────────────────────────────────────
	account := router.Group("/api/v1/auth/student", studentAuth...)
	{
		account.GET("/me", handlers.Auth.GetStudentProfile)
		account.POST("/logout", handlers.Auth.StudentLogout)
	}

	// ─── 2. Student Portal ─────────────────────────────────────────────
	student := router.Group("/api/v1/student", studentAuth...)
	{
		student.GET("/exams/:exam_id", handlers.StudentPortal.GetExam)
		student.GET("/exams/:exam_id/availability", handlers.StudentPortal.GetAvailability)
		student.GET("/exams/:exam_id/session", handlers.StudentPortal.GetSession)
		student.POST("/exams/:exam_id/session", handlers.StudentPortal.StartSession)

		student.PUT("/sessions/:session_id/answers/:question_id", handlers.StudentPortal.PushAnswer)
		student.POST("/sessions/:session_id/submit", handlers.StudentPortal.Submit)
		student.GET("/sessions/:session_id/result", handlers.StudentPortal.GetResult)
	}

	// ─── 3. WebSocket ──────────────────────────────────────────────────
	// Browsers cannot set headers on the upgrade request, so the token
	// travels in ?token=.
	wsGroup := router.Group("/ws/v1/student")
	wsGroup.Use(middleware.RequireStudentWSAuth(mw.Auth), middleware.CheckSingleDeviceSession(mw.Auth))
	{
		wsGroup.GET("/sessions/:session_id/stream", handlers.WS.SessionStream)
	}

	return router
}
