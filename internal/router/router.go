package router

import (
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"
	"github.com/stemsi/exstem-proctor/internal/config"
	"github.com/stemsi/exstem-proctor/internal/handler"
	"github.com/stemsi/exstem-proctor/internal/metrics"
	"github.com/stemsi/exstem-proctor/internal/middleware"
	"github.com/stemsi/exstem-proctor/internal/response"
	"github.com/stemsi/exstem-proctor/internal/service"
)

// Handlers groups all handler instances for route setup.
type Handlers struct {
	Auth    *handler.AuthHandler
	Attempt *handler.AttemptHandler
	WS      *handler.WSHandler
	Admin   *handler.AdminHandler
	Monitor *handler.MonitorHandler
	System  *handler.SystemHandler
}

// Limiters holds the rate limiters applied to participant routes.
type Limiters struct {
	Start  *middleware.RateLimiter
	Intent *middleware.RateLimiter
}

// SetupRouter configures all Gin route groups with appropriate middlewares.
func SetupRouter(
	authService *service.AuthService,
	handlers *Handlers,
	limiters *Limiters,
	m *metrics.Metrics,
	cfg *config.Config,
	log zerolog.Logger,
) *gin.Engine {
	gin.SetMode(cfg.GinMode)
	router := gin.New()
	router.Use(gin.Recovery())

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
	corsConfig.AllowHeaders = []string{"Origin", "Content-Type", "Authorization", "X-Request-ID"}
	corsConfig.ExposeHeaders = []string{"X-Request-ID"}
	corsConfig.MaxAge = 12 * time.Hour
	router.Use(cors.New(corsConfig))

	// Apply request ID middleware globally so every response includes metadata.
	router.Use(response.RequestIDMiddleware())
	router.Use(middleware.RequestLogger(log))
	if m != nil {
		router.Use(m.Middleware())
		router.GET("/metrics", m.Handler())
	}

	// Apply brotli middleware globally.
	router.Use(middleware.Brotli())

	router.GET("/health", handlers.System.Health)

	// ─── 1. Auth Group ─────────────────────────────────────────────────
	auth := router.Group("/api/v1/auth")
	{
		auth.GET("/participant/me",
			middleware.RequireParticipantJWT(authService),
			middleware.CheckSingleDeviceSession(authService),
			handlers.Auth.GetProfile,
		)
		auth.POST("/participant/logout", middleware.RequireParticipantJWT(authService), handlers.Auth.ParticipantLogout)
		auth.GET("/admin/me", middleware.RequireAdminJWT(authService), handlers.Auth.GetProfile)
	}

	// ─── 2. Participant Group (JWT + Single Device) ────────────────────
	participantAPI := router.Group("/api/v1/participant")
	participantAPI.Use(
		middleware.RequireParticipantJWT(authService),
		middleware.CheckSingleDeviceSession(authService),
		middleware.NoStore(),
	)
	{
		participantAPI.POST("/quizzes/:quiz_id/attempts", limiters.Start.Middleware(), handlers.Attempt.StartAttempt)

		attempts := participantAPI.Group("/attempts/:id")
		attempts.Use(limiters.Intent.Middleware())
		{
			attempts.GET("", handlers.Attempt.GetAttemptState)
			attempts.GET("/paper", handlers.Attempt.GetAttemptPaper)
			attempts.PUT("/answers", handlers.Attempt.SaveAnswer)
			attempts.POST("/navigate", handlers.Attempt.Navigate)
			attempts.POST("/flags", handlers.Attempt.ToggleFlag)
			attempts.POST("/events", handlers.Attempt.ReportEvent)
			attempts.POST("/submit", handlers.Attempt.SubmitAttempt)
		}
	}

	// ─── 3. WebSocket Group (Participant WS Auth) ──────────────────────
	ws := router.Group("/ws/v1")
	ws.Use(middleware.RequireParticipantWSAuth(authService), middleware.CheckSingleDeviceSession(authService))
	{
		ws.GET("/participant/attempts/:id/stream", handlers.WS.AttemptStream)
	}

	// ─── 4. Admin Group (JWT + RBAC) ───────────────────────────────────
	adminAPI := router.Group("/api/v1/admin")
	adminAPI.Use(middleware.RequireAdminJWT(authService))
	{
		read := middleware.RequirePermission(service.PermissionAttemptsRead)
		manage := middleware.RequirePermission(service.PermissionAttemptsManage)

		adminAPI.GET("/quizzes/:id/attempts", read, handlers.Admin.ListQuizAttempts)
		adminAPI.GET("/quizzes/:id/monitor", read, handlers.Monitor.MonitorQuizSSE)
		adminAPI.POST("/quizzes/:id/refresh-cache", manage, handlers.Admin.RefreshQuizCache)

		adminAPI.GET("/attempts/:id/events", read, handlers.Admin.GetAttemptEvents)
		adminAPI.GET("/attempts/:id/monitor", read, handlers.Monitor.MonitorAttemptSSE)
		adminAPI.POST("/attempts/:id/abort", manage, handlers.Admin.AbortAttempt)
		adminAPI.POST("/attempts/:id/warnings", manage, handlers.Admin.PushWarning)

		adminAPI.POST("/participants/:id/reset-session", manage, handlers.Admin.ResetParticipantSession)

		// System Monitoring
		adminAPI.GET("/system/status", handlers.System.SystemStatusSSE) // Open to all admins
	}

	return router
}
