package httpapi

import (
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"
	swaggerFiles "github.com/swaggo/files"
	ginSwagger "github.com/swaggo/gin-swagger"

	"github.com/turfline/backend/internal/config"
	"github.com/turfline/backend/internal/http/handlers"
	"github.com/turfline/backend/internal/http/middleware"

	_ "github.com/turfline/backend/docs"
)

func Router(cfg config.Config, h *handlers.Handler, logger zerolog.Logger) *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(middleware.RequestID())
	r.Use(middleware.Logger(logger))

	corsCfg := cors.Config{
		AllowMethods:     []string{"GET", "POST", "PUT", "PATCH", "DELETE", "OPTIONS"},
		AllowHeaders:     []string{"Origin", "Content-Type", "Accept", "Authorization", "X-Admin-Key", "X-Request-Id"},
		AllowCredentials: true,
		MaxAge:           12 * time.Hour,
	}
	if origins := cfg.AllowedOrigins(); len(origins) == 0 || cfg.CORSAllowed == "*" {
		corsCfg.AllowAllOrigins = true
		corsCfg.AllowCredentials = false
	} else {
		corsCfg.AllowOrigins = origins
	}
	r.Use(cors.New(corsCfg))

	r.GET("/healthz", h.Healthz)
	r.POST("/webhooks/sms", middleware.SMSSignature(cfg.SMSWebhookSecret, cfg.SMSWebhookURL), h.SMSWebhook)
	r.GET("/api/integrations/jobber/callback", h.JobberCallback)

	admin := r.Group("/api")
	admin.Use(middleware.AdminKey(cfg.AdminKey))
	{
		admin.POST("/sms/inbound", h.SMSInbound)
		admin.POST("/admin/tokens", h.IssueToken)
	}

	api := r.Group("/api")
	api.Use(middleware.RequireAuth(h.Tokens))
	{
		api.GET("/sms/sessions/:id", h.SessionGet)
		api.GET("/sms/sessions/:id/events", h.SessionEvents)
		api.GET("/handoffs", h.HandoffsList)
		api.PATCH("/handoffs/:id", h.HandoffUpdate)

		api.GET("/crews", h.CrewsList)
		api.POST("/crews", h.CrewUpsert)
		api.POST("/crews/:id/visits", h.CrewVisitAdd)

		api.POST("/job-requests", h.JobRequestCreate)
		api.GET("/job-requests/:id", h.JobRequestGet)
		api.GET("/job-requests/:id/eligibility", h.JobEligibility)
		api.POST("/job-requests/:id/simulate", h.JobSimulate)

		api.POST("/decisions", h.DecisionCreate)
		api.GET("/decisions/:id", h.DecisionGet)
		api.POST("/decisions/:id/approve", h.DecisionApprove)
		api.POST("/decisions/:id/reject", h.DecisionReject)

		api.GET("/integrations/jobber/connect", h.JobberConnect)
	}

	r.GET("/swagger/*any", ginSwagger.WrapHandler(swaggerFiles.Handler))

	return r
}
