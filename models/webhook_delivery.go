package models

import (
	"time"

	"github.com/google/uuid"
)

// Delivery outcomes recorded in the webhook delivery log.
const (
	DeliveryPublished = "published"
	DeliveryDuplicate = "duplicate"
	DeliveryRejected  = "rejected"
	DeliveryDeferred  = "deferred"
	DeliveryIgnored   = "ignored" // event type we do not handle
)

// WebhookDelivery is an audit row for one received webhook. Written
// best-effort after the pipeline outcome is known; the table is an operator
// tool, not part of the delivery guarantee.
type WebhookDelivery struct {
	ID         uuid.UUID `gorm:"type:uuid;primaryKey" json:"id"`
	EventID    string    `gorm:"index" json:"event_id"`
	EventType  string    `json:"event_type"`
	SessionID  string    `gorm:"index" json:"session_id"`
	Outcome    string    `json:"outcome"`
	Detail     string    `json:"detail,omitempty"`
	RawPayload string    `gorm:"type:text" json:"-"`
	ReceivedAt time.Time `json:"received_at"`
	CreatedAt  time.Time `json:"created_at"`
}
