package repository

import (
	"context"

	"payment-webhook-service/models"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

// DeliveryRepository persists the webhook delivery audit log.
type DeliveryRepository interface {
	Record(ctx context.Context, delivery *models.WebhookDelivery) error
	FindByEventID(ctx context.Context, eventID string) (*models.WebhookDelivery, error)
	ListBySessionID(ctx context.Context, sessionID string) ([]models.WebhookDelivery, error)
	ListRecent(ctx context.Context, limit int) ([]models.WebhookDelivery, error)
}

type gormDeliveryRepo struct {
	db *gorm.DB
}

func NewGormDeliveryRepo(db *gorm.DB) DeliveryRepository {
	return &gormDeliveryRepo{db: db}
}

func (r *gormDeliveryRepo) Record(ctx context.Context, delivery *models.WebhookDelivery) error {
	if delivery.ID == uuid.Nil {
		delivery.ID = uuid.New()
	}
	return r.db.WithContext(ctx).Create(delivery).Error
}

func (r *gormDeliveryRepo) FindByEventID(ctx context.Context, eventID string) (*models.WebhookDelivery, error) {
	var delivery models.WebhookDelivery
	if err := r.db.WithContext(ctx).Where("event_id = ?", eventID).First(&delivery).Error; err != nil {
		return nil, err
	}
	return &delivery, nil
}

func (r *gormDeliveryRepo) ListBySessionID(ctx context.Context, sessionID string) ([]models.WebhookDelivery, error) {
	var deliveries []models.WebhookDelivery
	err := r.db.WithContext(ctx).
		Where("session_id = ?", sessionID).
		Order("received_at ASC").
		Find(&deliveries).Error
	return deliveries, err
}

func (r *gormDeliveryRepo) ListRecent(ctx context.Context, limit int) ([]models.WebhookDelivery, error) {
	if limit <= 0 || limit > 200 {
		limit = 50
	}
	var deliveries []models.WebhookDelivery
	err := r.db.WithContext(ctx).
		Order("received_at DESC").
		Limit(limit).
		Find(&deliveries).Error
	return deliveries, err
}
