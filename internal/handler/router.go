package handler

import (
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"codegate/activation/internal/config"
	"codegate/activation/internal/handler/middleware"
	"codegate/activation/internal/service"
)

func SetupRouter(
	cfg *config.Config,
	logger *zap.Logger,
	accessService service.AccessService,
	fingerprint middleware.FingerprintFunc,
	accessHandler *AccessHandler,
	generateHandler *GenerateHandler,
	adminHandler *AdminHandler,
) *gin.Engine {
	if cfg.Server.Mode == "release" {
		gin.SetMode(gin.ReleaseMode)
	}
	if fingerprint == nil {
		fingerprint = middleware.HeaderFingerprint
	}

	r := gin.New()

	// The throttle keys on ClientIP, so forwarded headers are only honoured
	// from configured proxies.
	if err := r.SetTrustedProxies(cfg.Server.TrustedProxies); err != nil {
		logger.Error("invalid trusted proxies, trusting none", zap.Error(err))
		_ = r.SetTrustedProxies(nil)
	}

	// Global middleware
	r.Use(middleware.Recovery(logger))
	r.Use(middleware.RequestLogger(logger))
	r.Use(middleware.CORS(cfg.CORS))

	// Health check
	r.GET("/healthz", func(c *gin.Context) {
		c.JSON(200, gin.H{"status": "ok"})
	})
	r.GET("/metrics", gin.WrapH(promhttp.Handler()))

	api := r.Group("/api/v1")
	{
		api.POST("/activation/verify", accessHandler.Verify)

		// Protected action, consumes one use per call
		if generateHandler != nil {
			api.POST("/generate",
				middleware.RequireJSONBody(MaxGenerateBody),
				middleware.RequireActivation(accessService, fingerprint),
				generateHandler.Generate)
		}
	}

	// Admin routes (shared secret header)
	if adminHandler != nil {
		admin := r.Group("/api/v1/admin")
		admin.Use(middleware.AdminAuth(cfg.Admin.Token))
		{
			admin.POST("/codes", adminHandler.CreateCode)
			admin.GET("/codes", adminHandler.ListCodes)
			admin.GET("/codes/lookup/:code", adminHandler.LookupCode)
			admin.PATCH("/codes/:id", adminHandler.UpdateCode)
			admin.POST("/codes/:id/toggle", adminHandler.ToggleCode)
			admin.DELETE("/codes/:id", adminHandler.DeleteCode)
			admin.GET("/codes/:id/usage", adminHandler.CodeUsage)

			admin.GET("/stats", adminHandler.Stats)
			admin.GET("/keys", adminHandler.Keys)
		}
	}

	return r
}
