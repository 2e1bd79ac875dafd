package memory

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"

	"relaymail/backend/internal/domain"
)

// SetSchemaVersion 设置模拟的邮件库版本
func (s *Store) SetSchemaVersion(version int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.schemaVersion = version
}

// SchemaVersion 返回模拟的邮件库版本
func (s *Store) SchemaVersion(ctx context.Context) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.schemaVersion, nil
}

// CreateMessage 插入新邮件并分配自增 ID
func (s *Store) CreateMessage(ctx context.Context, message *domain.Message) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.messageSeq++
	message.ID = s.messageSeq
	if message.Timestamp.IsZero() {
		message.Timestamp = time.Now().UTC()
	}
	s.messages[message.ID] = cloneMessage(message)
	return nil
}

// SaveMessage 更新已有邮件
func (s *Store) SaveMessage(ctx context.Context, message *domain.Message) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.messages[message.ID]; !ok {
		return domain.ErrMessageNotFound
	}
	s.messages[message.ID] = cloneMessage(message)
	return nil
}

// GetMessage 根据 ID 获取邮件
func (s *Store) GetMessage(ctx context.Context, serverID string, id int64) (*domain.Message, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	message, ok := s.messages[id]
	if !ok || message.ServerID != serverID {
		return nil, domain.ErrMessageNotFound
	}
	return cloneMessage(message), nil
}

// FindMessageByToken 根据令牌获取邮件
func (s *Store) FindMessageByToken(ctx context.Context, serverID, token string) (*domain.Message, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	for _, message := range s.messages {
		if message.ServerID == serverID && message.Token == token {
			return cloneMessage(message), nil
		}
	}
	return nil, domain.ErrMessageNotFound
}

// ListMessages 返回全部邮件，按 ID 排序
func (s *Store) ListMessages() []domain.Message {
	s.mu.RLock()
	defer s.mu.RUnlock()

	result := make([]domain.Message, 0, len(s.messages))
	for _, message := range s.messages {
		result = append(result, *cloneMessage(message))
	}
	sort.Slice(result, func(i, j int) bool { return result[i].ID < result[j].ID })
	return result
}

func cloneMessage(message *domain.Message) *domain.Message {
	copied := *message
	copied.Raw = append([]byte(nil), message.Raw...)
	return &copied
}

// ========== Delivery ==========

// InsertDelivery 追加投递记录
func (s *Store) InsertDelivery(ctx context.Context, attempt *domain.DeliveryAttempt) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.messages[attempt.MessageID]; !ok {
		return domain.ErrMessageNotFound
	}
	s.deliveries[attempt.MessageID] = append(s.deliveries[attempt.MessageID], *attempt)
	return nil
}

// ListDeliveries 返回邮件的全部投递记录
func (s *Store) ListDeliveries(ctx context.Context, messageID int64) ([]domain.DeliveryAttempt, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	existing := s.deliveries[messageID]
	result := make([]domain.DeliveryAttempt, len(existing))
	copy(result, existing)
	return result, nil
}

// ========== Statistics ==========

func statisticKey(serverID string, kind domain.StatisticKind, at time.Time) string {
	return fmt.Sprintf("%s|%s|%d", serverID, kind, domain.StatisticPeriod(at).Unix())
}

// IncrementStatistic 小时计数加一
func (s *Store) IncrementStatistic(ctx context.Context, serverID string, kind domain.StatisticKind, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.statistics[statisticKey(serverID, kind, at)]++
	return nil
}

// GetStatistic 读取小时计数
func (s *Store) GetStatistic(ctx context.Context, serverID string, kind domain.StatisticKind, at time.Time) (int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.statistics[statisticKey(serverID, kind, at)], nil
}

// ========== Link ==========

// CreateLink 为原始链接分配令牌
func (s *Store) CreateLink(ctx context.Context, serverID string, messageID int64, url string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	token := uuid.New().String()
	s.links[token] = &domain.Link{
		Token:     token,
		ServerID:  serverID,
		MessageID: messageID,
		URL:       url,
		CreatedAt: time.Now().UTC(),
	}
	return token, nil
}

// FindLink 根据令牌获取原始链接
func (s *Store) FindLink(ctx context.Context, token string) (*domain.Link, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	link, ok := s.links[token]
	if !ok {
		return nil, domain.ErrLinkNotFound
	}
	copied := *link
	return &copied, nil
}
