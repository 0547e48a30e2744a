package rest

import (
	"github.com/gin-gonic/gin"

	"github.com/clubprotocol/chain-relay/internal/api/middleware"
)

// SetupRoutes configures all REST API routes
func SetupRoutes(router *gin.Engine, handler Handler, authCfg middleware.AuthConfig) {
	// Health check endpoint (no auth, no version prefix)
	router.GET("/health", handler.HealthCheck)

	// API v1 routes
	v1 := router.Group("/api/v1")
	{
		// Referral ledger endpoints (public read access)
		v1.GET("/referrals/:address/stats", handler.GetReferralStats)
		v1.GET("/referrals/top", handler.GetTopReferrers)

		// Membership mirror endpoints (public read access)
		v1.GET("/members/:address", handler.GetMember)

		// On-demand mirror refresh (requires API key authentication)
		v1.POST("/members/:address/reconcile", middleware.APIKeyAuth(authCfg), handler.TriggerReconcile)

		// Delivery audit endpoints (requires API key authentication)
		v1.GET("/deliveries/failed", middleware.APIKeyAuth(authCfg), handler.ListFailedDeliveries)

		// Webhook endpoints (requires API key authentication)
		v1.POST("/webhooks/endpoints", middleware.APIKeyAuth(authCfg), handler.CreateWebhookEndpoint)
	}
}
