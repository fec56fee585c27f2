package controllers_test

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"payment-webhook-service/controllers"
	"payment-webhook-service/database"
	"payment-webhook-service/kafka"
	"payment-webhook-service/models"
	"payment-webhook-service/services"
	"payment-webhook-service/webhook"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"go.uber.org/zap"
)

const testSecret = "whsec_controller_test"

// ---- fakes ----

// fakeGuard reproduces the store's check-and-set semantics in memory so
// concurrency tests exercise real reserve/commit/release interleavings.
type fakeGuard struct {
	mu         sync.Mutex
	records    map[string]string
	reserveErr error
}

func newFakeGuard() *fakeGuard {
	return &fakeGuard{records: make(map[string]string)}
}

func (g *fakeGuard) Reserve(ctx context.Context, sessionID string) (database.ReserveResult, error) {
	if g.reserveErr != nil {
		return database.ReserveResult{}, g.reserveErr
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	if _, exists := g.records[sessionID]; exists {
		return database.ReserveResult{AlreadyPublished: true}, nil
	}
	token := fmt.Sprintf("pending:%d", len(g.records)+1)
	g.records[sessionID] = token
	return database.ReserveResult{Token: token}, nil
}

func (g *fakeGuard) Commit(ctx context.Context, sessionID, token string) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.records[sessionID] == token {
		g.records[sessionID] = "committed"
	}
	return nil
}

func (g *fakeGuard) Release(ctx context.Context, sessionID, token string) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.records[sessionID] == token {
		delete(g.records, sessionID)
	}
	return nil
}

func (g *fakeGuard) committed(sessionID string) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.records[sessionID] == "committed"
}

func (g *fakeGuard) pending(sessionID string) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	v, ok := g.records[sessionID]
	return ok && strings.HasPrefix(v, "pending:")
}

type fakePublisher struct {
	mu     sync.Mutex
	events []models.OrderFulfillmentEvent
	err    error
}

func (p *fakePublisher) Publish(ctx context.Context, event models.OrderFulfillmentEvent) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.err != nil {
		return p.err
	}
	p.events = append(p.events, event)
	return nil
}

func (p *fakePublisher) published() []models.OrderFulfillmentEvent {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]models.OrderFulfillmentEvent(nil), p.events...)
}

// fakeNormalizer maps any checkout-completion envelope to a fixed event,
// mirroring the real normalizer's no-op contract for other types.
type fakeNormalizer struct {
	err error
}

func (n *fakeNormalizer) Normalize(ctx context.Context, env *webhook.Envelope) (*models.OrderFulfillmentEvent, error) {
	if !env.IsCheckoutCompleted() {
		return nil, nil
	}
	if n.err != nil {
		return nil, n.err
	}
	var sess struct {
		ID string `json:"id"`
	}
	_ = json.Unmarshal(env.Object, &sess)
	return &models.OrderFulfillmentEvent{
		SessionID:   sess.ID,
		UserID:      "user-1",
		Email:       "jane@example.com",
		AmountTotal: 4998,
		Status:      models.FulfillmentSuccess,
		Products: []models.OrderedProduct{
			{Name: "Sneakers", Quantity: 1, UnitPrice: 2499, ProductID: "prod-1"},
			{Name: "Socks", Quantity: 1, UnitPrice: 2499, ProductID: "prod-2"},
		},
		Timestamp: time.Now().UTC(),
	}, nil
}

// ---- helpers ----

type pipeline struct {
	router    *gin.Engine
	guard     *fakeGuard
	publisher *fakePublisher
}

func setupPipeline(norm controllers.EventNormalizer) *pipeline {
	gin.SetMode(gin.TestMode)
	guard := newFakeGuard()
	publisher := &fakePublisher{}

	verifier := webhook.NewVerifier([]string{testSecret}, 5*time.Minute)
	wc := controllers.NewWebhookController(verifier, norm, guard, publisher, zap.NewNop())

	r := gin.New()
	r.GET("/", wc.Health)
	r.POST("/stripe", wc.HandleStripeWebhook)
	return &pipeline{router: r, guard: guard, publisher: publisher}
}

func checkoutEventBody(sessionID string) []byte {
	return []byte(fmt.Sprintf(
		`{"id":"evt_%s","type":"checkout.session.completed","data":{"object":{"id":"%s","payment_status":"paid"}}}`,
		sessionID, sessionID,
	))
}

func signedRequest(body []byte) *http.Request {
	req := httptest.NewRequest(http.MethodPost, "/stripe", strings.NewReader(string(body)))
	req.Header.Set("Stripe-Signature", webhook.SignatureHeader(testSecret, time.Now().Unix(), body))
	return req
}

func deliver(p *pipeline, req *http.Request) *httptest.ResponseRecorder {
	w := httptest.NewRecorder()
	p.router.ServeHTTP(w, req)
	return w
}

// ---- tests ----

func TestHealth(t *testing.T) {
	p := setupPipeline(&fakeNormalizer{})

	w := deliver(p, httptest.NewRequest(http.MethodGet, "/", nil))
	assert.Equal(t, http.StatusOK, w.Code)

	var resp map[string]interface{}
	_ = json.Unmarshal(w.Body.Bytes(), &resp)
	assert.Equal(t, "ok", resp["status"])
	assert.Contains(t, resp, "uptime")
	assert.Contains(t, resp, "timestamp")
}

func TestWebhook_PaidSessionPublished(t *testing.T) {
	p := setupPipeline(&fakeNormalizer{})
	body := checkoutEventBody("cs_1")

	w := deliver(p, signedRequest(body))

	assert.Equal(t, http.StatusOK, w.Code)
	assert.JSONEq(t, `{"received": true}`, w.Body.String())

	events := p.publisher.published()
	assert.Len(t, events, 1)
	assert.Equal(t, "cs_1", events[0].SessionID)
	assert.Equal(t, models.FulfillmentSuccess, events[0].Status)
	assert.Len(t, events[0].Products, 2)
	assert.True(t, p.guard.committed("cs_1"))
}

func TestWebhook_InvalidSignatureRejected(t *testing.T) {
	p := setupPipeline(&fakeNormalizer{})
	body := checkoutEventBody("cs_1")

	req := httptest.NewRequest(http.MethodPost, "/stripe", strings.NewReader(string(body)))
	req.Header.Set("Stripe-Signature", webhook.SignatureHeader("whsec_wrong", time.Now().Unix(), body))
	w := deliver(p, req)

	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Empty(t, p.publisher.published())
}

func TestWebhook_MissingSignatureRejected(t *testing.T) {
	p := setupPipeline(&fakeNormalizer{})

	req := httptest.NewRequest(http.MethodPost, "/stripe", strings.NewReader(`{}`))
	w := deliver(p, req)

	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Empty(t, p.publisher.published())
}

func TestWebhook_DuplicateDeliveryPublishesOnce(t *testing.T) {
	p := setupPipeline(&fakeNormalizer{})
	body := checkoutEventBody("cs_dup")

	first := deliver(p, signedRequest(body))
	second := deliver(p, signedRequest(body))

	assert.Equal(t, http.StatusOK, first.Code)
	assert.Equal(t, http.StatusOK, second.Code)
	assert.JSONEq(t, `{"received": true}`, second.Body.String())
	assert.Len(t, p.publisher.published(), 1)
}

func TestWebhook_ConcurrentDuplicatesPublishOnce(t *testing.T) {
	p := setupPipeline(&fakeNormalizer{})
	body := checkoutEventBody("cs_race")

	var wg sync.WaitGroup
	codes := make([]int, 8)
	for i := range codes {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			codes[i] = deliver(p, signedRequest(body)).Code
		}(i)
	}
	wg.Wait()

	for _, code := range codes {
		assert.Equal(t, http.StatusOK, code)
	}
	assert.Len(t, p.publisher.published(), 1)
}

func TestWebhook_UnrelatedEventTypeAcknowledged(t *testing.T) {
	p := setupPipeline(&fakeNormalizer{})
	body := []byte(`{"id":"evt_refund","type":"charge.refunded","data":{"object":{"id":"re_1"}}}`)

	w := deliver(p, signedRequest(body))

	assert.Equal(t, http.StatusOK, w.Code)
	assert.JSONEq(t, `{"received": true}`, w.Body.String())
	assert.Empty(t, p.publisher.published())
}

func TestWebhook_BrokerDownDefersAndReleases(t *testing.T) {
	p := setupPipeline(&fakeNormalizer{})
	p.publisher.err = &kafka.PublishError{Attempts: 5, Err: errors.New("connection refused")}
	body := checkoutEventBody("cs_down")

	w := deliver(p, signedRequest(body))

	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
	// No committed record and no stuck pending marker: the provider's next
	// retry must be able to publish.
	assert.False(t, p.guard.committed("cs_down"))
	assert.False(t, p.guard.pending("cs_down"))

	// Broker recovers, provider retries: publish succeeds.
	p.publisher.err = nil
	retry := deliver(p, signedRequest(body))
	assert.Equal(t, http.StatusOK, retry.Code)
	assert.Len(t, p.publisher.published(), 1)
	assert.True(t, p.guard.committed("cs_down"))
}

func TestWebhook_TransientNormalizeFailureDeferred(t *testing.T) {
	p := setupPipeline(&fakeNormalizer{err: fmt.Errorf("%w: timeout", services.ErrLineItemsUnavailable)})
	body := checkoutEventBody("cs_slow")

	w := deliver(p, signedRequest(body))

	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
	assert.Empty(t, p.publisher.published())
}

func TestWebhook_TerminalNormalizeFailureRejected(t *testing.T) {
	p := setupPipeline(&fakeNormalizer{err: &services.NormalizationError{
		Reason:    services.ReasonUnresolvable,
		SessionID: "cs_bad",
	}})
	body := checkoutEventBody("cs_bad")

	w := deliver(p, signedRequest(body))

	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Empty(t, p.publisher.published())
}

func TestWebhook_ReserveFailureDeferred(t *testing.T) {
	p := setupPipeline(&fakeNormalizer{})
	p.guard.reserveErr = errors.New("redis: connection pool timeout")
	body := checkoutEventBody("cs_guard")

	w := deliver(p, signedRequest(body))

	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
	assert.Empty(t, p.publisher.published())
}
