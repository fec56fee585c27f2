package services

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"payment-webhook-service/models"
	"payment-webhook-service/webhook"

	"github.com/stripe/stripe-go/v80"
	"go.uber.org/zap"
)

// Normalization failure reasons. All are terminal for the event: partial
// fulfillment events are never published.
const (
	ReasonMalformedSession  = "malformed_session"
	ReasonMalformedLineItem = "malformed_line_item"
	ReasonUnresolvable      = "unresolvable_product"
)

// ErrLineItemsUnavailable marks a transient provider fetch failure. The
// endpoint answers 5xx so the provider retries the webhook later.
var ErrLineItemsUnavailable = errors.New("line items unavailable")

// NormalizationError is a terminal mapping failure for one event.
type NormalizationError struct {
	Reason    string
	SessionID string
	Detail    string
}

func (e *NormalizationError) Error() string {
	return fmt.Sprintf("normalization failed (%s) for session %s: %s", e.Reason, e.SessionID, e.Detail)
}

// Normalizer maps a verified provider envelope into the canonical
// OrderFulfillmentEvent.
type Normalizer struct {
	fetcher      LineItemsFetcher
	fetchTimeout time.Duration
	logger       *zap.Logger
}

func NewNormalizer(fetcher LineItemsFetcher, fetchTimeout time.Duration, logger *zap.Logger) *Normalizer {
	if fetchTimeout <= 0 {
		fetchTimeout = 10 * time.Second
	}
	return &Normalizer{fetcher: fetcher, fetchTimeout: fetchTimeout, logger: logger}
}

// Normalize turns a checkout-completion envelope into a fulfillment event.
// Envelopes of any other type return (nil, nil): acknowledged, nothing to
// publish.
func (n *Normalizer) Normalize(ctx context.Context, env *webhook.Envelope) (*models.OrderFulfillmentEvent, error) {
	if !env.IsCheckoutCompleted() {
		return nil, nil
	}

	var sess stripe.CheckoutSession
	if err := json.Unmarshal(env.Object, &sess); err != nil || sess.ID == "" {
		return nil, &NormalizationError{
			Reason:    ReasonMalformedSession,
			SessionID: sess.ID,
			Detail:    "checkout session payload did not parse",
		}
	}

	fetchCtx, cancel := context.WithTimeout(ctx, n.fetchTimeout)
	defer cancel()

	items, err := n.fetcher.ListLineItems(fetchCtx, sess.ID)
	if err != nil {
		n.logger.Warn("Line item fetch failed",
			zap.String("session_id", sess.ID),
			zap.Error(err),
		)
		return nil, fmt.Errorf("%w: %v", ErrLineItemsUnavailable, err)
	}

	products := make([]models.OrderedProduct, 0, len(items))
	for _, item := range items {
		if item == nil || item.Price == nil {
			return nil, &NormalizationError{
				Reason:    ReasonMalformedLineItem,
				SessionID: sess.ID,
				Detail:    "line item has no price reference",
			}
		}
		product := item.Price.Product
		if product == nil {
			return nil, &NormalizationError{
				Reason:    ReasonUnresolvable,
				SessionID: sess.ID,
				Detail:    fmt.Sprintf("line item %s has no resolvable product", item.ID),
			}
		}

		p := models.OrderedProduct{
			Name:      item.Description,
			Quantity:  item.Quantity,
			UnitPrice: item.Price.UnitAmount,
			ProductID: product.Metadata["productId"],
		}
		if len(product.Images) > 0 {
			p.Image = product.Images[0]
		}
		p.SelectedSize = product.Metadata["selectedSize"]
		p.SelectedColor = product.Metadata["selectedColor"]
		products = append(products, p)
	}

	status := models.FulfillmentFailed
	if sess.PaymentStatus == stripe.CheckoutSessionPaymentStatusPaid {
		status = models.FulfillmentSuccess
	}

	event := &models.OrderFulfillmentEvent{
		SessionID:   sess.ID,
		UserID:      sess.ClientReferenceID,
		AmountTotal: sess.AmountTotal,
		Status:      status,
		Products:    products,
		Timestamp:   time.Now().UTC(),
	}
	if sess.CustomerDetails != nil {
		event.Email = sess.CustomerDetails.Email
	}
	return event, nil
}
