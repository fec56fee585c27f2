package services

import (
	"context"
	"fmt"

	"github.com/stripe/stripe-go/v80"
	"github.com/stripe/stripe-go/v80/checkout/session"
)

// LineItemsFetcher fetches the full line items for a checkout session. The
// webhook payload itself does not embed item detail, so normalization needs
// this extra provider call.
type LineItemsFetcher interface {
	ListLineItems(ctx context.Context, sessionID string) ([]*stripe.LineItem, error)
}

// SessionReader reads the current state of a checkout session straight from
// the provider. Used by the storefront's post-checkout return flow while the
// event pipeline has not produced a visible order yet.
type SessionReader interface {
	GetSession(ctx context.Context, sessionID string) (*stripe.CheckoutSession, error)
}

// StripeService is the provider-facing read client.
type StripeService struct {
	SecretKey string
}

func NewStripeService(secretKey string) *StripeService {
	stripe.Key = secretKey
	return &StripeService{SecretKey: secretKey}
}

// ListLineItems returns the session's line items with the underlying product
// expanded, so the normalizer can read image and metadata without extra
// round trips.
func (s *StripeService) ListLineItems(ctx context.Context, sessionID string) ([]*stripe.LineItem, error) {
	params := &stripe.CheckoutSessionListLineItemsParams{
		Session: stripe.String(sessionID),
	}
	params.Context = ctx
	params.AddExpand("data.price.product")

	var items []*stripe.LineItem
	iter := session.ListLineItems(params)
	for iter.Next() {
		items = append(items, iter.LineItem())
	}
	if err := iter.Err(); err != nil {
		return nil, fmt.Errorf("list line items for session %s: %w", sessionID, err)
	}
	return items, nil
}

// GetSession fetches a checkout session by id.
func (s *StripeService) GetSession(ctx context.Context, sessionID string) (*stripe.CheckoutSession, error) {
	params := &stripe.CheckoutSessionParams{}
	params.Context = ctx

	sess, err := session.Get(sessionID, params)
	if err != nil {
		return nil, fmt.Errorf("get session %s: %w", sessionID, err)
	}
	return sess, nil
}
