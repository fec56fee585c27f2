package services_test

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"payment-webhook-service/models"
	"payment-webhook-service/services"
	"payment-webhook-service/webhook"

	"github.com/stretchr/testify/assert"
	"github.com/stripe/stripe-go/v80"
	"go.uber.org/zap"
)

type mockFetcher struct {
	items []*stripe.LineItem
	err   error
}

func (m *mockFetcher) ListLineItems(ctx context.Context, sessionID string) ([]*stripe.LineItem, error) {
	if m.err != nil {
		return nil, m.err
	}
	return m.items, nil
}

func lineItem(desc string, qty, unitPrice int64, productID string) *stripe.LineItem {
	return &stripe.LineItem{
		ID:          "li_" + desc,
		Description: desc,
		Quantity:    qty,
		Price: &stripe.Price{
			UnitAmount: unitPrice,
			Product: &stripe.Product{
				Images: []string{"https://img.example.com/" + desc + ".png"},
				Metadata: map[string]string{
					"productId":     productID,
					"selectedSize":  "M",
					"selectedColor": "black",
				},
			},
		},
	}
}

func completedEnvelope(t *testing.T, paymentStatus string) *webhook.Envelope {
	t.Helper()
	object, err := json.Marshal(map[string]interface{}{
		"id":                  "cs_test_1",
		"client_reference_id": "user-1",
		"amount_total":        4998,
		"payment_status":      paymentStatus,
		"customer_details":    map[string]string{"email": "jane@example.com"},
	})
	assert.NoError(t, err)
	return &webhook.Envelope{
		EventID:    "evt_1",
		EventType:  "checkout.session.completed",
		Object:     object,
		VerifiedAt: time.Now(),
	}
}

func newNormalizer(f services.LineItemsFetcher) *services.Normalizer {
	return services.NewNormalizer(f, time.Second, zap.NewNop())
}

func TestNormalize_PaidSession(t *testing.T) {
	fetcher := &mockFetcher{items: []*stripe.LineItem{
		lineItem("Sneakers", 2, 1999, "prod-1"),
		lineItem("Socks", 1, 1000, "prod-2"),
	}}
	n := newNormalizer(fetcher)

	event, err := n.Normalize(context.Background(), completedEnvelope(t, "paid"))
	assert.NoError(t, err)
	assert.Equal(t, models.FulfillmentSuccess, event.Status)
	assert.Equal(t, "cs_test_1", event.SessionID)
	assert.Equal(t, "user-1", event.UserID)
	assert.Equal(t, "jane@example.com", event.Email)
	assert.Equal(t, int64(4998), event.AmountTotal)

	// Count and order of line items are preserved.
	assert.Len(t, event.Products, 2)
	assert.Equal(t, "Sneakers", event.Products[0].Name)
	assert.Equal(t, "Socks", event.Products[1].Name)
	assert.Equal(t, int64(2), event.Products[0].Quantity)
	assert.Equal(t, int64(1999), event.Products[0].UnitPrice)
	assert.Equal(t, "prod-1", event.Products[0].ProductID)
	assert.Equal(t, "M", event.Products[0].SelectedSize)
	assert.Equal(t, "black", event.Products[0].SelectedColor)
	assert.Equal(t, "https://img.example.com/Sneakers.png", event.Products[0].Image)
}

func TestNormalize_StatusCollapse(t *testing.T) {
	fetcher := &mockFetcher{items: []*stripe.LineItem{lineItem("Sneakers", 1, 1999, "prod-1")}}
	n := newNormalizer(fetcher)

	for _, status := range []string{"unpaid", "no_payment_required", "weird_future_status"} {
		event, err := n.Normalize(context.Background(), completedEnvelope(t, status))
		assert.NoError(t, err)
		assert.Equal(t, models.FulfillmentFailed, event.Status, "payment_status=%s", status)
	}
}

func TestNormalize_UnrelatedEventType(t *testing.T) {
	n := newNormalizer(&mockFetcher{})

	event, err := n.Normalize(context.Background(), &webhook.Envelope{
		EventID:   "evt_refund",
		EventType: "charge.refunded",
		Object:    json.RawMessage(`{"id": "re_1"}`),
	})
	assert.NoError(t, err)
	assert.Nil(t, event)
}

func TestNormalize_MalformedSession(t *testing.T) {
	n := newNormalizer(&mockFetcher{})

	env := &webhook.Envelope{
		EventID:   "evt_1",
		EventType: "checkout.session.completed",
		Object:    json.RawMessage(`{"amount_total": "not-a-number"}`),
	}
	_, err := n.Normalize(context.Background(), env)

	var nerr *services.NormalizationError
	assert.True(t, errors.As(err, &nerr))
	assert.Equal(t, services.ReasonMalformedSession, nerr.Reason)
}

func TestNormalize_UnresolvableProduct(t *testing.T) {
	item := lineItem("Sneakers", 1, 1999, "prod-1")
	item.Price.Product = nil
	n := newNormalizer(&mockFetcher{items: []*stripe.LineItem{item}})

	_, err := n.Normalize(context.Background(), completedEnvelope(t, "paid"))

	var nerr *services.NormalizationError
	assert.True(t, errors.As(err, &nerr))
	assert.Equal(t, services.ReasonUnresolvable, nerr.Reason)
}

func TestNormalize_MalformedLineItem(t *testing.T) {
	item := lineItem("Sneakers", 1, 1999, "prod-1")
	item.Price = nil
	n := newNormalizer(&mockFetcher{items: []*stripe.LineItem{item}})

	_, err := n.Normalize(context.Background(), completedEnvelope(t, "paid"))

	var nerr *services.NormalizationError
	assert.True(t, errors.As(err, &nerr))
	assert.Equal(t, services.ReasonMalformedLineItem, nerr.Reason)
}

func TestNormalize_FetchFailureIsTransient(t *testing.T) {
	n := newNormalizer(&mockFetcher{err: errors.New("connection reset")})

	_, err := n.Normalize(context.Background(), completedEnvelope(t, "paid"))
	assert.ErrorIs(t, err, services.ErrLineItemsUnavailable)

	// Transient failures are not terminal normalization errors.
	var nerr *services.NormalizationError
	assert.False(t, errors.As(err, &nerr))
}
