package tracking

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"relaymail/backend/internal/domain"
)

// EventTrigger 跟踪事件的下游
type EventTrigger interface {
	Trigger(ctx context.Context, serverID string, eventType domain.WebhookEventType, data interface{}) error
}

// TrackerStore 解析跟踪请求所需的存储
type TrackerStore interface {
	domain.ServerRepository
	domain.LinkRepository
	domain.MessageStore
}

// Visitor 访问者信息
type Visitor struct {
	IPAddress string
	UserAgent string
}

// Tracker 处理点击与打开请求
type Tracker struct {
	store  TrackerStore
	events EventTrigger
	log    *zap.Logger
}

// NewTracker 创建跟踪处理器
func NewTracker(store TrackerStore, events EventTrigger, log *zap.Logger) *Tracker {
	return &Tracker{store: store, events: events, log: log.Named("tracker")}
}

// Click 返回跟踪链接对应的原始 URL，并触发 MessageLinkClicked
func (t *Tracker) Click(ctx context.Context, serverToken, linkToken string, visitor Visitor) (string, error) {
	server, err := t.store.FindServerByToken(ctx, serverToken)
	if err != nil {
		return "", err
	}
	link, err := t.store.FindLink(ctx, linkToken)
	if err != nil {
		return "", err
	}
	if link.ServerID != server.ID {
		return "", domain.ErrLinkNotFound
	}

	message, err := t.store.GetMessage(ctx, server.ID, link.MessageID)
	if err != nil {
		// 邮件已被清理时仍然跳转
		t.log.Debug("clicked link without message", zap.String("token", linkToken), zap.Error(err))
		return link.URL, nil
	}

	t.trigger(ctx, server.ID, domain.WebhookEventMessageLinkClicked, domain.TrackingWebhookPayload{
		Message:   message.Summary(),
		URL:       link.URL,
		Token:     link.Token,
		IPAddress: visitor.IPAddress,
		UserAgent: visitor.UserAgent,
	})
	return link.URL, nil
}

// Load 记录跟踪像素加载，触发 MessageLoaded
func (t *Tracker) Load(ctx context.Context, serverToken, messageToken string, visitor Visitor) error {
	server, err := t.store.FindServerByToken(ctx, serverToken)
	if err != nil {
		return err
	}
	message, err := t.store.FindMessageByToken(ctx, server.ID, messageToken)
	if err != nil {
		return fmt.Errorf("load %s: %w", messageToken, err)
	}

	t.trigger(ctx, server.ID, domain.WebhookEventMessageLoaded, domain.TrackingWebhookPayload{
		Message:   message.Summary(),
		IPAddress: visitor.IPAddress,
		UserAgent: visitor.UserAgent,
	})
	return nil
}

func (t *Tracker) trigger(ctx context.Context, serverID string, event domain.WebhookEventType, payload domain.TrackingWebhookPayload) {
	if t.events == nil {
		return
	}
	if err := t.events.Trigger(ctx, serverID, event, payload); err != nil {
		t.log.Error("failed to trigger tracking event",
			zap.String("event", string(event)),
			zap.Int64("message_id", payload.Message.ID),
			zap.Error(err))
	}
}
