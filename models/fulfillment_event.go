package models

import "time"

// FulfillmentStatus is the two-valued outcome of a checkout. Fulfillment has
// no partial-success state: anything the provider does not report as paid is
// a failure.
type FulfillmentStatus string

const (
	FulfillmentSuccess FulfillmentStatus = "success"
	FulfillmentFailed  FulfillmentStatus = "failed"
)

// OrderedProduct is one purchased line item as the order service consumes it.
type OrderedProduct struct {
	Name          string `json:"name"`
	Quantity      int64  `json:"quantity"`
	UnitPrice     int64  `json:"unitPrice"` // smallest currency unit
	Image         string `json:"image,omitempty"`
	SelectedSize  string `json:"selectedSize,omitempty"`
	SelectedColor string `json:"selectedColor,omitempty"`
	ProductID     string `json:"productId"`
}

// OrderFulfillmentEvent is the canonical event published to the
// payment.successful topic after a checkout session completes. Duplicates for
// the same session carry identical content; the order service dedupes by
// session id.
type OrderFulfillmentEvent struct {
	SessionID   string            `json:"sessionId"`
	UserID      string            `json:"userId"`
	Email       string            `json:"email"`
	AmountTotal int64             `json:"amountTotal"` // smallest currency unit
	Status      FulfillmentStatus `json:"status"`
	Products    []OrderedProduct  `json:"products"`
	Timestamp   time.Time         `json:"timestamp"` // UTC event time
}
