package memory

import (
	"context"
	"fmt"
	"time"

	"relaymail/backend/internal/domain"
)

const maxDeliveriesPerWebhook = 100

// CreateWebhook 创建 Webhook
func (s *Store) CreateWebhook(ctx context.Context, webhook *domain.Webhook) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.webhooks[webhook.ID]; exists {
		return fmt.Errorf("webhook already exists")
	}

	now := time.Now()
	webhook.CreatedAt = now
	webhook.UpdatedAt = now
	copied := *webhook
	s.webhooks[webhook.ID] = &copied

	if s.webhooksByServer[webhook.ServerID] == nil {
		s.webhooksByServer[webhook.ServerID] = make(map[string]*domain.Webhook)
	}
	s.webhooksByServer[webhook.ServerID][webhook.ID] = &copied
	return nil
}

// GetWebhook 获取 Webhook
func (s *Store) GetWebhook(ctx context.Context, id string) (*domain.Webhook, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	webhook, exists := s.webhooks[id]
	if !exists {
		return nil, domain.ErrWebhookNotFound
	}
	copied := *webhook
	return &copied, nil
}

// ListWebhooks 列出服务器的 Webhooks
func (s *Store) ListWebhooks(ctx context.Context, serverID string) ([]domain.Webhook, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	byServer := s.webhooksByServer[serverID]
	result := make([]domain.Webhook, 0, len(byServer))
	for _, webhook := range byServer {
		result = append(result, *webhook)
	}
	return result, nil
}

// UpdateWebhook 更新 Webhook
func (s *Store) UpdateWebhook(ctx context.Context, webhook *domain.Webhook) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	existing, exists := s.webhooks[webhook.ID]
	if !exists {
		return domain.ErrWebhookNotFound
	}

	webhook.CreatedAt = existing.CreatedAt
	webhook.UpdatedAt = time.Now()
	copied := *webhook
	delete(s.webhooksByServer[existing.ServerID], webhook.ID)
	s.webhooks[webhook.ID] = &copied
	if s.webhooksByServer[webhook.ServerID] == nil {
		s.webhooksByServer[webhook.ServerID] = make(map[string]*domain.Webhook)
	}
	s.webhooksByServer[webhook.ServerID][webhook.ID] = &copied
	return nil
}

// DeleteWebhook 删除 Webhook
func (s *Store) DeleteWebhook(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	webhook, exists := s.webhooks[id]
	if !exists {
		return domain.ErrWebhookNotFound
	}
	delete(s.webhooks, id)
	delete(s.webhooksByServer[webhook.ServerID], id)
	return nil
}

// RecordDelivery 记录投递结果
func (s *Store) RecordDelivery(ctx context.Context, delivery *domain.WebhookDelivery) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if delivery.CreatedAt.IsZero() {
		delivery.CreatedAt = time.Now()
	}
	copied := *delivery

	log := append(s.webhookLog[delivery.WebhookID], &copied)
	if len(log) > maxDeliveriesPerWebhook {
		log = log[1:]
	}
	s.webhookLog[delivery.WebhookID] = log

	if !delivery.Success && delivery.NextRetry != nil {
		s.retryQueue = append(s.retryQueue, &copied)
	}

	if webhook := s.webhooks[delivery.WebhookID]; webhook != nil {
		if delivery.Success {
			now := time.Now()
			webhook.LastSuccess = &now
			webhook.LastError = ""
		} else {
			webhook.RetryCount++
			webhook.LastError = delivery.Error
		}
		webhook.UpdatedAt = time.Now()
	}
	return nil
}

// GetDeliveries 获取最近的投递记录，新的在前
func (s *Store) GetDeliveries(ctx context.Context, webhookID string, limit int) ([]domain.WebhookDelivery, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	log := s.webhookLog[webhookID]
	start := 0
	if len(log) > limit {
		start = len(log) - limit
	}

	result := make([]domain.WebhookDelivery, 0, len(log)-start)
	for i := len(log) - 1; i >= start; i-- {
		result = append(result, *log[i])
	}
	return result, nil
}

// GetPendingDeliveries 取出到期待重试的投递
func (s *Store) GetPendingDeliveries(ctx context.Context, limit int) ([]domain.WebhookDelivery, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now()
	result := make([]domain.WebhookDelivery, 0)
	remaining := make([]*domain.WebhookDelivery, 0, len(s.retryQueue))

	for _, delivery := range s.retryQueue {
		if delivery.NextRetry != nil && delivery.NextRetry.Before(now) && len(result) < limit {
			result = append(result, *delivery)
			continue
		}
		remaining = append(remaining, delivery)
	}

	s.retryQueue = remaining
	return result, nil
}
