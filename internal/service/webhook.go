package service

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"relaymail/backend/internal/config"
	"relaymail/backend/internal/domain"
	"relaymail/backend/internal/monitoring"
)

// maxWebhookAttempts 单个事件的最大投递次数
const maxWebhookAttempts = 5

// maxResponseBody 投递记录中保存的响应体上限
const maxResponseBody = 4096

// TaskSubmitter 异步任务执行器（协程池）
type TaskSubmitter interface {
	Submit(ctx context.Context, task func()) error
}

// EventPublisher 实时事件推送（WebSocket Hub）
type EventPublisher interface {
	PublishServerEvent(serverID string, event domain.WebhookEvent)
}

// WebhookService Webhook 服务
type WebhookService struct {
	store      domain.WebhookRepository
	submitter  TaskSubmitter
	publisher  EventPublisher
	httpClient *http.Client
	metrics    *monitoring.Metrics
	log        *zap.Logger
	now        func() time.Time
}

// NewWebhookService 创建 Webhook 服务
//
// submitter 为 nil 时同步投递；publisher 为 nil 时不推送实时事件
func NewWebhookService(store domain.WebhookRepository, submitter TaskSubmitter, publisher EventPublisher, cfg config.WebhookConfig, metrics *monitoring.Metrics, log *zap.Logger) *WebhookService {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &WebhookService{
		store:     store,
		submitter: submitter,
		publisher: publisher,
		httpClient: &http.Client{
			Timeout: timeout,
		},
		metrics: metrics,
		log:     log.Named("webhook"),
		now:     time.Now,
	}
}

// CreateWebhookInput 创建 Webhook 输入
type CreateWebhookInput struct {
	ServerID string   `json:"-"`
	URL      string   `json:"url" binding:"required,url"`
	Events   []string `json:"events"`
}

// CreateWebhook 创建 Webhook
func (s *WebhookService) CreateWebhook(ctx context.Context, input CreateWebhookInput) (*domain.Webhook, error) {
	webhook := &domain.Webhook{
		ID:       uuid.New().String(),
		ServerID: input.ServerID,
		URL:      input.URL,
		Events:   input.Events,
		Secret:   generateSecret(),
		IsActive: true,
	}

	if err := s.store.CreateWebhook(ctx, webhook); err != nil {
		return nil, err
	}
	return webhook, nil
}

// ListWebhooks 列出服务器的 Webhooks
func (s *WebhookService) ListWebhooks(ctx context.Context, serverID string) ([]domain.Webhook, error) {
	return s.store.ListWebhooks(ctx, serverID)
}

// GetWebhook 获取服务器下的 Webhook，不属于该服务器时视为不存在
func (s *WebhookService) GetWebhook(ctx context.Context, serverID, id string) (*domain.Webhook, error) {
	webhook, err := s.store.GetWebhook(ctx, id)
	if err != nil {
		return nil, err
	}
	if webhook.ServerID != serverID {
		return nil, domain.ErrWebhookNotFound
	}
	return webhook, nil
}

// UpdateWebhookInput 更新 Webhook 输入，nil 字段保持不变
type UpdateWebhookInput struct {
	URL      *string  `json:"url" binding:"omitempty,url"`
	Events   []string `json:"events"`
	IsActive *bool    `json:"isActive"`
}

// UpdateWebhook 更新 Webhook
func (s *WebhookService) UpdateWebhook(ctx context.Context, serverID, id string, input UpdateWebhookInput) (*domain.Webhook, error) {
	webhook, err := s.GetWebhook(ctx, serverID, id)
	if err != nil {
		return nil, err
	}

	if input.URL != nil {
		webhook.URL = *input.URL
	}
	if input.Events != nil {
		webhook.Events = input.Events
	}
	if input.IsActive != nil {
		webhook.IsActive = *input.IsActive
	}

	if err := s.store.UpdateWebhook(ctx, webhook); err != nil {
		return nil, err
	}
	return webhook, nil
}

// DeleteWebhook 删除 Webhook 及其投递记录
func (s *WebhookService) DeleteWebhook(ctx context.Context, serverID, id string) error {
	if _, err := s.GetWebhook(ctx, serverID, id); err != nil {
		return err
	}
	return s.store.DeleteWebhook(ctx, id)
}

// Trigger 触发 Webhook 事件
//
// 向服务器下所有启用且订阅该事件的 Webhook 投递，并推送给实时订阅者
func (s *WebhookService) Trigger(ctx context.Context, serverID string, eventType domain.WebhookEventType, data interface{}) error {
	event := domain.WebhookEvent{
		ID:        uuid.New().String(),
		Event:     eventType,
		ServerID:  serverID,
		Timestamp: s.now().UTC(),
		Data:      data,
	}

	if s.publisher != nil {
		s.publisher.PublishServerEvent(serverID, event)
	}

	webhooks, err := s.store.ListWebhooks(ctx, serverID)
	if err != nil {
		return fmt.Errorf("list webhooks: %w", err)
	}

	for i := range webhooks {
		webhook := webhooks[i]
		if !webhook.IsActive || !webhook.Subscribes(eventType) {
			continue
		}
		s.dispatch(ctx, &webhook, event, 1)
	}
	return nil
}

// dispatch 通过协程池投递，池不可用时记录失败以便重试
func (s *WebhookService) dispatch(ctx context.Context, webhook *domain.Webhook, event domain.WebhookEvent, attempts int) {
	deliveryCtx := context.WithoutCancel(ctx)
	if s.submitter == nil {
		s.deliverWebhook(deliveryCtx, webhook, event, attempts)
		return
	}

	err := s.submitter.Submit(ctx, func() {
		s.deliverWebhook(deliveryCtx, webhook, event, attempts)
	})
	if err != nil {
		s.metrics.RecordPoolRejection()
		s.log.Warn("webhook dispatch rejected",
			zap.String("webhook_id", webhook.ID),
			zap.String("event", string(event.Event)),
			zap.Error(err))

		payload, _ := json.Marshal(event)
		_ = s.store.RecordDelivery(deliveryCtx, &domain.WebhookDelivery{
			ID:        uuid.New().String(),
			WebhookID: webhook.ID,
			Event:     event.Event,
			Payload:   string(payload),
			Error:     fmt.Sprintf("failed to queue delivery: %v", err),
			Attempts:  attempts,
			NextRetry: s.nextRetry(attempts),
		})
	}
}

// deliverWebhook 投递 Webhook
func (s *WebhookService) deliverWebhook(ctx context.Context, webhook *domain.Webhook, event domain.WebhookEvent, attempts int) {
	delivery := &domain.WebhookDelivery{
		ID:        uuid.New().String(),
		WebhookID: webhook.ID,
		Event:     event.Event,
		Attempts:  attempts,
	}
	startTime := s.now()
	defer func() {
		result := "success"
		if !delivery.Success {
			result = "failure"
		}
		s.metrics.RecordWebhookDispatch(string(event.Event), result, time.Since(startTime))
		if err := s.store.RecordDelivery(ctx, delivery); err != nil {
			s.log.Error("failed to record webhook delivery", zap.String("webhook_id", webhook.ID), zap.Error(err))
		}
	}()

	payload, err := json.Marshal(event)
	if err != nil {
		delivery.Error = fmt.Sprintf("failed to marshal payload: %v", err)
		return
	}
	delivery.Payload = string(payload)

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, webhook.URL, bytes.NewReader(payload))
	if err != nil {
		delivery.Error = fmt.Sprintf("failed to create request: %v", err)
		return
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Webhook-Signature", generateSignature(payload, webhook.Secret))
	req.Header.Set("X-Webhook-Event", string(event.Event))
	req.Header.Set("X-Webhook-ID", delivery.ID)

	resp, err := s.httpClient.Do(req)
	delivery.Duration = time.Since(startTime).Milliseconds()
	if err != nil {
		delivery.Error = fmt.Sprintf("failed to send request: %v", err)
		delivery.NextRetry = s.nextRetry(attempts)
		s.log.Warn("webhook request failed", zap.String("webhook_id", webhook.ID), zap.Error(err))
		return
	}
	defer resp.Body.Close()

	delivery.StatusCode = resp.StatusCode
	body, _ := io.ReadAll(io.LimitReader(resp.Body, maxResponseBody))
	delivery.Response = string(body)

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		delivery.Success = true
		return
	}

	delivery.Error = fmt.Sprintf("HTTP %d: %s", resp.StatusCode, delivery.Response)
	delivery.NextRetry = s.nextRetry(attempts)
}

// GetDeliveries 获取投递记录
func (s *WebhookService) GetDeliveries(ctx context.Context, webhookID string, limit int) ([]domain.WebhookDelivery, error) {
	if limit <= 0 {
		limit = 20
	}
	if limit > 100 {
		limit = 100
	}
	return s.store.GetDeliveries(ctx, webhookID, limit)
}

// RetryFailedDeliveries 重试到期的失败投递
func (s *WebhookService) RetryFailedDeliveries(ctx context.Context) (int, error) {
	deliveries, err := s.store.GetPendingDeliveries(ctx, 10)
	if err != nil {
		return 0, err
	}

	retried := 0
	for _, delivery := range deliveries {
		webhook, err := s.store.GetWebhook(ctx, delivery.WebhookID)
		if err != nil || !webhook.IsActive {
			continue
		}

		var event domain.WebhookEvent
		if err := json.Unmarshal([]byte(delivery.Payload), &event); err != nil {
			s.log.Warn("dropping undecodable webhook payload", zap.String("delivery_id", delivery.ID), zap.Error(err))
			continue
		}

		s.dispatch(ctx, webhook, event, delivery.Attempts+1)
		retried++
	}
	return retried, nil
}

// nextRetry 在未超过最大次数时返回下次重试时间
func (s *WebhookService) nextRetry(attempts int) *time.Time {
	if attempts >= maxWebhookAttempts {
		return nil
	}
	return calculateNextRetry(s.now(), attempts)
}

// generateSecret 生成 Webhook 密钥
func generateSecret() string {
	return uuid.New().String()
}

// generateSignature 生成 HMAC-SHA256 签名
func generateSignature(payload []byte, secret string) string {
	h := hmac.New(sha256.New, []byte(secret))
	h.Write(payload)
	return "sha256=" + hex.EncodeToString(h.Sum(nil))
}

// calculateNextRetry 计算下次重试时间（指数退避）
func calculateNextRetry(from time.Time, attempts int) *time.Time {
	// 重试间隔：1分钟、5分钟、15分钟、1小时、6小时
	intervals := []time.Duration{
		1 * time.Minute,
		5 * time.Minute,
		15 * time.Minute,
		1 * time.Hour,
		6 * time.Hour,
	}

	index := attempts - 1
	if index < 0 || index >= len(intervals) {
		return nil
	}

	next := from.Add(intervals[index])
	return &next
}
