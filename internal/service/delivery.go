package service

import (
	"context"
	"fmt"
	"io"
	"math/rand"
	"sync"
	"time"

	"github.com/oklog/ulid"
	"go.uber.org/zap"
	"golang.org/x/text/runes"
	"golang.org/x/text/transform"

	"relaymail/backend/internal/domain"
	"relaymail/backend/internal/monitoring"
)

// DeliveryStore 投递记录与统计存储
type DeliveryStore interface {
	domain.DeliveryRepository
	domain.StatisticsRepository
}

// EventTrigger 事件分发
type EventTrigger interface {
	Trigger(ctx context.Context, serverID string, eventType domain.WebhookEventType, data interface{}) error
}

// deliveryEvents 投递状态对应的 Webhook 事件
var deliveryEvents = map[domain.DeliveryStatus]domain.WebhookEventType{
	domain.DeliverySent:     domain.WebhookEventMessageSent,
	domain.DeliverySoftFail: domain.WebhookEventMessageDelayed,
	domain.DeliveryHardFail: domain.WebhookEventMessageDeliveryFailed,
	domain.DeliveryHeld:     domain.WebhookEventMessageHeld,
}

// DeliveryRecorder 记录投递尝试，更新统计并触发事件
type DeliveryRecorder struct {
	store   DeliveryStore
	events  EventTrigger
	metrics *monitoring.Metrics
	log     *zap.Logger
	now     func() time.Time

	mu      sync.Mutex
	entropy io.Reader
}

// NewDeliveryRecorder 创建投递记录器
func NewDeliveryRecorder(store DeliveryStore, events EventTrigger, metrics *monitoring.Metrics, log *zap.Logger) *DeliveryRecorder {
	return &DeliveryRecorder{
		store:   store,
		events:  events,
		metrics: metrics,
		log:     log.Named("delivery"),
		now:     time.Now,
		entropy: ulid.Monotonic(rand.New(rand.NewSource(time.Now().UnixNano())), 0),
	}
}

// Record 追加一条投递记录
//
// 写入成功后才更新统计与触发事件；统计或事件失败只记录日志
func (r *DeliveryRecorder) Record(ctx context.Context, message *domain.Message, attrs domain.DeliveryAttributes) (*domain.DeliveryAttempt, error) {
	if message == nil {
		return nil, domain.ErrMessageNotFound
	}

	now := r.now().UTC()
	attempt := &domain.DeliveryAttempt{
		ID:          r.newID(now),
		MessageID:   message.ID,
		Status:      attrs.Status,
		Details:     attrs.Details,
		Output:      attrs.Output,
		SentWithSSL: attrs.SentWithSSL,
		LogID:       attrs.LogID,
		Time:        attrs.Time,
		Timestamp:   now,
	}

	if err := r.store.InsertDelivery(ctx, attempt); err != nil {
		return nil, fmt.Errorf("insert delivery: %w", err)
	}
	r.metrics.RecordDeliveryAttempt(string(attempt.Status))

	r.updateStatistics(ctx, message.ServerID, attempt)

	if eventType, ok := deliveryEvents[attempt.Status]; ok && r.events != nil {
		if err := r.events.Trigger(ctx, message.ServerID, eventType, deliveryPayload(message, attempt)); err != nil {
			r.log.Warn("failed to trigger delivery event",
				zap.Int64("message_id", message.ID),
				zap.String("event", string(eventType)),
				zap.Error(err))
		}
	}

	r.log.Debug("delivery recorded",
		zap.Int64("message_id", message.ID),
		zap.String("status", string(attempt.Status)),
		zap.String("attempt_id", attempt.ID))
	return attempt, nil
}

// updateStatistics 更新按小时统计
func (r *DeliveryRecorder) updateStatistics(ctx context.Context, serverID string, attempt *domain.DeliveryAttempt) {
	var kind domain.StatisticKind
	switch attempt.Status {
	case domain.DeliveryHeld:
		kind = domain.StatisticHeld
	case domain.DeliveryBounced, domain.DeliveryHardFail:
		kind = domain.StatisticBounces
	default:
		return
	}

	if err := r.store.IncrementStatistic(ctx, serverID, kind, attempt.Timestamp); err != nil {
		r.log.Warn("failed to increment statistic",
			zap.String("server_id", serverID),
			zap.String("kind", string(kind)),
			zap.Error(err))
	}
}

// newID 生成单调递增的 ULID
func (r *DeliveryRecorder) newID(at time.Time) string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return ulid.MustNew(ulid.Timestamp(at), r.entropy).String()
}

// deliveryPayload 构建投递事件负载
func deliveryPayload(message *domain.Message, attempt *domain.DeliveryAttempt) domain.DeliveryWebhookPayload {
	return domain.DeliveryWebhookPayload{
		Message:     message.Summary(),
		Status:      attempt.Status,
		Details:     attempt.Details,
		Output:      ScrubOutput(attempt.Output),
		SentWithSSL: attempt.SentWithSSL,
		Timestamp:   float64(attempt.Timestamp.UnixNano()) / float64(time.Second),
		Time:        attempt.Time,
	}
}

// ScrubOutput 将远端输出中的非法 UTF-8 序列替换为 U+FFFD
func ScrubOutput(output string) string {
	scrubbed, _, err := transform.String(runes.ReplaceIllFormed(), output)
	if err != nil {
		return output
	}
	return scrubbed
}
