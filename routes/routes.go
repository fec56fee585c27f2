package routes

import (
	"time"

	"payment-webhook-service/controllers"
	"payment-webhook-service/middleware"

	"github.com/gin-gonic/gin"
	"golang.org/x/time/rate"
)

// RegisterRoutes wires the webhook pipeline's HTTP surface.
func RegisterRoutes(r *gin.Engine, wc *controllers.WebhookController, sc *controllers.SessionController) {
	// Provider-facing: health probe and the signed webhook sink. No auth and
	// no rate limiting here; the signature check is the gate.
	r.GET("/", wc.Health)
	r.POST("/stripe", wc.HandleStripeWebhook)

	// Storefront-facing reconciliation read path. Browsers poll this after
	// the checkout redirect, so it gets a per-IP limiter.
	sessionLimiter := middleware.NewRateLimiter(rate.Every(time.Second), 10)
	sessions := r.Group("/sessions", sessionLimiter.Middleware())
	sessions.GET("/:id", sc.GetSessionStatus)

	// Operator-facing audit log.
	r.GET("/deliveries", wc.ListDeliveries)
}
