package postgres

import (
	"context"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"relaymail/backend/internal/domain"
)

// ========== Webhook Repository ==========

// CreateWebhook 创建 Webhook
func (s *Store) CreateWebhook(ctx context.Context, webhook *domain.Webhook) error {
	if webhook.ID == "" {
		webhook.ID = uuid.New().String()
	}
	return s.db.WithContext(ctx).Create(webhook).Error
}

// GetWebhook 获取 Webhook
func (s *Store) GetWebhook(ctx context.Context, id string) (*domain.Webhook, error) {
	var webhook domain.Webhook
	if err := s.db.WithContext(ctx).Where("id = ?", id).First(&webhook).Error; err != nil {
		return nil, notFound(err, domain.ErrWebhookNotFound)
	}
	return &webhook, nil
}

// ListWebhooks 列出服务器的 Webhooks
func (s *Store) ListWebhooks(ctx context.Context, serverID string) ([]domain.Webhook, error) {
	var webhooks []domain.Webhook
	if err := s.db.WithContext(ctx).Where("server_id = ?", serverID).Order("created_at DESC").Find(&webhooks).Error; err != nil {
		return nil, err
	}
	return webhooks, nil
}

// UpdateWebhook 更新 Webhook
func (s *Store) UpdateWebhook(ctx context.Context, webhook *domain.Webhook) error {
	return s.db.WithContext(ctx).Save(webhook).Error
}

// DeleteWebhook 删除 Webhook 及其投递记录
func (s *Store) DeleteWebhook(ctx context.Context, id string) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Where("webhook_id = ?", id).Delete(&domain.WebhookDelivery{}).Error; err != nil {
			return err
		}
		result := tx.Where("id = ?", id).Delete(&domain.Webhook{})
		if result.Error != nil {
			return result.Error
		}
		if result.RowsAffected == 0 {
			return domain.ErrWebhookNotFound
		}
		return nil
	})
}

// RecordDelivery 记录投递，成功时同时更新 Webhook 的状态字段
func (s *Store) RecordDelivery(ctx context.Context, delivery *domain.WebhookDelivery) error {
	if delivery.ID == "" {
		delivery.ID = uuid.New().String()
	}

	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Create(delivery).Error; err != nil {
			return err
		}

		updates := map[string]interface{}{}
		if delivery.Success {
			updates["last_success"] = delivery.CreatedAt
			updates["last_error"] = ""
		} else {
			updates["last_error"] = delivery.Error
			updates["retry_count"] = gorm.Expr("retry_count + 1")
		}
		return tx.Model(&domain.Webhook{}).Where("id = ?", delivery.WebhookID).Updates(updates).Error
	})
}

// GetDeliveries 获取投递记录
func (s *Store) GetDeliveries(ctx context.Context, webhookID string, limit int) ([]domain.WebhookDelivery, error) {
	var deliveries []domain.WebhookDelivery
	if err := s.db.WithContext(ctx).
		Where("webhook_id = ?", webhookID).
		Order("created_at DESC").
		Limit(limit).
		Find(&deliveries).Error; err != nil {
		return nil, err
	}
	return deliveries, nil
}

// GetPendingDeliveries 获取到期待重试的投递，取出后清除其重试时间
func (s *Store) GetPendingDeliveries(ctx context.Context, limit int) ([]domain.WebhookDelivery, error) {
	var deliveries []domain.WebhookDelivery
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.
			Where("success = ? AND next_retry IS NOT NULL AND next_retry <= ?", false, time.Now().UTC()).
			Order("next_retry ASC").
			Limit(limit).
			Find(&deliveries).Error; err != nil {
			return err
		}
		if len(deliveries) == 0 {
			return nil
		}

		ids := make([]string, len(deliveries))
		for i, d := range deliveries {
			ids[i] = d.ID
		}
		return tx.Model(&domain.WebhookDelivery{}).Where("id IN ?", ids).Update("next_retry", nil).Error
	})
	if err != nil {
		return nil, err
	}
	return deliveries, nil
}
