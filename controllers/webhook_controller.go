package controllers

import (
	"context"
	"errors"
	"net/http"
	"time"

	"payment-webhook-service/database"
	"payment-webhook-service/models"
	"payment-webhook-service/repository"
	"payment-webhook-service/services"
	"payment-webhook-service/webhook"

	awspkg "payment-webhook-service/pkg/aws"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

// EventNormalizer maps a verified envelope to the canonical fulfillment
// event; a (nil, nil) result means "acknowledged, nothing to publish".
type EventNormalizer interface {
	Normalize(ctx context.Context, env *webhook.Envelope) (*models.OrderFulfillmentEvent, error)
}

// IdempotencyGuard is the reserve/commit/release dedup contract backed by
// shared durable state.
type IdempotencyGuard interface {
	Reserve(ctx context.Context, sessionID string) (database.ReserveResult, error)
	Commit(ctx context.Context, sessionID, token string) error
	Release(ctx context.Context, sessionID, token string) error
}

// Publisher delivers the event to the durable stream.
type Publisher interface {
	Publish(ctx context.Context, event models.OrderFulfillmentEvent) error
}

// WebhookController coordinates one inbound webhook request through
// verify -> normalize -> reserve -> publish -> acknowledge.
type WebhookController struct {
	Verifier   *webhook.Verifier
	Normalizer EventNormalizer
	Guard      IdempotencyGuard
	Publisher  Publisher
	Deliveries repository.DeliveryRepository // optional audit log
	Metrics    *awspkg.MetricsClient         // optional
	Logger     *zap.Logger

	startTime time.Time
}

func NewWebhookController(
	verifier *webhook.Verifier,
	normalizer EventNormalizer,
	guard IdempotencyGuard,
	publisher Publisher,
	logger *zap.Logger,
) *WebhookController {
	return &WebhookController{
		Verifier:   verifier,
		Normalizer: normalizer,
		Guard:      guard,
		Publisher:  publisher,
		Logger:     logger,
		startTime:  time.Now(),
	}
}

// Health is the provider-facing liveness probe.
func (wc *WebhookController) Health(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status":    "ok",
		"uptime":    time.Since(wc.startTime).Seconds(),
		"timestamp": time.Now().UnixMilli(),
	})
}

// HandleStripeWebhook receives one signed provider notification. The raw
// body must be read before any parsing: the signature covers the exact bytes
// on the wire.
//
// Response contract: 2xx acknowledges, 4xx tells the provider to stop
// retrying, 5xx asks it to retry later.
func (wc *WebhookController) HandleStripeWebhook(c *gin.Context) {
	body, err := c.GetRawData()
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "could not read request body"})
		return
	}
	receivedAt := time.Now()

	// The provider has already committed to this delivery; if the connection
	// drops mid-flight we still run to publish-or-reject so no pending
	// reservation is left stuck.
	ctx := context.WithoutCancel(c.Request.Context())

	env, err := wc.Verifier.Verify(body, c.GetHeader("Stripe-Signature"))
	if err != nil {
		wc.Logger.Warn("Webhook signature verification failed", zap.Error(err))
		wc.count("WebhookRejected")
		wc.recordDelivery(ctx, &models.WebhookDelivery{
			Outcome:    models.DeliveryRejected,
			Detail:     err.Error(),
			RawPayload: string(body),
			ReceivedAt: receivedAt,
		})
		c.JSON(http.StatusBadRequest, gin.H{"error": "webhook verification failed"})
		return
	}

	wc.count("WebhookReceived")
	wc.Logger.Info("Processing webhook",
		zap.String("event_type", env.EventType),
		zap.String("event_id", env.EventID),
	)

	event, err := wc.Normalizer.Normalize(ctx, env)
	if err != nil {
		wc.handleNormalizeFailure(c, ctx, env, body, receivedAt, err)
		return
	}
	if event == nil {
		// Event type we do not handle: acknowledged no-op, never an error.
		wc.recordDelivery(ctx, &models.WebhookDelivery{
			EventID:    env.EventID,
			EventType:  env.EventType,
			Outcome:    models.DeliveryIgnored,
			RawPayload: string(body),
			ReceivedAt: receivedAt,
		})
		c.JSON(http.StatusOK, gin.H{"received": true})
		return
	}

	res, err := wc.Guard.Reserve(ctx, event.SessionID)
	if err != nil {
		// Dedup state unreachable: defer to the provider's retry rather than
		// risking a duplicate publish.
		wc.Logger.Error("Idempotency reserve failed", zap.String("session_id", event.SessionID), zap.Error(err))
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "temporarily unable to process webhook"})
		return
	}
	if res.AlreadyPublished {
		wc.Logger.Info("Duplicate webhook delivery, already published",
			zap.String("session_id", event.SessionID),
			zap.String("event_id", env.EventID),
		)
		wc.recordDelivery(ctx, &models.WebhookDelivery{
			EventID:    env.EventID,
			EventType:  env.EventType,
			SessionID:  event.SessionID,
			Outcome:    models.DeliveryDuplicate,
			ReceivedAt: receivedAt,
		})
		c.JSON(http.StatusOK, gin.H{"received": true})
		return
	}

	if err := wc.Publisher.Publish(ctx, *event); err != nil {
		// Release the pending marker so the provider's next retry is not
		// wrongly deduplicated before the event actually reached the stream.
		if relErr := wc.Guard.Release(ctx, event.SessionID, res.Token); relErr != nil {
			wc.Logger.Error("Failed to release idempotency reservation",
				zap.String("session_id", event.SessionID),
				zap.Error(relErr),
			)
		}
		wc.count("PublishRetriesExhausted")
		wc.recordDelivery(ctx, &models.WebhookDelivery{
			EventID:    env.EventID,
			EventType:  env.EventType,
			SessionID:  event.SessionID,
			Outcome:    models.DeliveryDeferred,
			Detail:     err.Error(),
			ReceivedAt: receivedAt,
		})
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "event stream unavailable, retry later"})
		return
	}

	if err := wc.Guard.Commit(ctx, event.SessionID, res.Token); err != nil {
		// The event is on the stream; worst case the marker expires early and
		// a late duplicate re-publishes identical content, which consumers
		// tolerate. Log and acknowledge.
		wc.Logger.Error("Idempotency commit failed after publish",
			zap.String("session_id", event.SessionID),
			zap.Error(err),
		)
	}

	wc.count("EventPublished")
	wc.recordDelivery(ctx, &models.WebhookDelivery{
		EventID:    env.EventID,
		EventType:  env.EventType,
		SessionID:  event.SessionID,
		Outcome:    models.DeliveryPublished,
		RawPayload: string(body),
		ReceivedAt: receivedAt,
	})
	c.JSON(http.StatusOK, gin.H{"received": true})
}

// ListDeliveries exposes the audit log to operators.
func (wc *WebhookController) ListDeliveries(c *gin.Context) {
	if wc.Deliveries == nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "delivery log not configured"})
		return
	}

	if sessionID := c.Query("session_id"); sessionID != "" {
		deliveries, err := wc.Deliveries.ListBySessionID(c.Request.Context(), sessionID)
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to list deliveries"})
			return
		}
		c.JSON(http.StatusOK, gin.H{"deliveries": deliveries})
		return
	}

	deliveries, err := wc.Deliveries.ListRecent(c.Request.Context(), 50)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to list deliveries"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"deliveries": deliveries})
}

func (wc *WebhookController) handleNormalizeFailure(c *gin.Context, ctx context.Context, env *webhook.Envelope, body []byte, receivedAt time.Time, err error) {
	if errors.Is(err, services.ErrLineItemsUnavailable) {
		wc.Logger.Warn("Transient normalize failure, deferring to provider retry",
			zap.String("event_id", env.EventID),
			zap.Error(err),
		)
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "provider fetch failed, retry later"})
		return
	}

	var nerr *services.NormalizationError
	detail := err.Error()
	if errors.As(err, &nerr) {
		wc.Logger.Warn("Normalization rejected event",
			zap.String("event_id", env.EventID),
			zap.String("reason", nerr.Reason),
			zap.String("session_id", nerr.SessionID),
		)
	}
	wc.count("WebhookRejected")
	wc.recordDelivery(ctx, &models.WebhookDelivery{
		EventID:    env.EventID,
		EventType:  env.EventType,
		Outcome:    models.DeliveryRejected,
		Detail:     detail,
		RawPayload: string(body),
		ReceivedAt: receivedAt,
	})
	c.JSON(http.StatusBadRequest, gin.H{"error": "event could not be processed"})
}

// recordDelivery writes an audit row best-effort; the log never blocks or
// fails the pipeline.
func (wc *WebhookController) recordDelivery(ctx context.Context, delivery *models.WebhookDelivery) {
	if wc.Deliveries == nil {
		return
	}
	writeCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := wc.Deliveries.Record(writeCtx, delivery); err != nil {
		wc.Logger.Warn("Failed to record webhook delivery",
			zap.String("event_id", delivery.EventID),
			zap.Error(err),
		)
	}
}

// count publishes a pipeline counter asynchronously so CloudWatch latency
// never sits on the request path.
func (wc *WebhookController) count(metric string) {
	if wc.Metrics == nil || !wc.Metrics.IsEnabled() {
		return
	}
	go func() {
		mctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = wc.Metrics.Count(mctx, metric, map[string]string{"Service": "payment-webhook-service"})
	}()
}
