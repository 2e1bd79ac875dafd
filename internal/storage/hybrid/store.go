package hybrid

import (
	"context"
	"errors"
	"io"
	"time"

	"go.uber.org/zap"

	"relaymail/backend/internal/cache"
	"relaymail/backend/internal/domain"
)

// MetadataStore 服务器、域名、端点、路由、跟踪域名与 Webhook 所在的主库
type MetadataStore interface {
	domain.ServerRepository
	domain.DomainRepository
	domain.EndpointRepository
	domain.RouteRepository
	domain.TrackingDomainRepository
	domain.WebhookRepository
	Health(ctx context.Context) error
	Close() error
}

// MessageDB 邮件、投递记录、统计与跟踪链接所在的邮件库
type MessageDB interface {
	domain.MessageStore
	domain.DeliveryRepository
	domain.StatisticsRepository
	domain.LinkRepository
	Health(ctx context.Context) error
	Close() error
}

// Cache 跟踪链接与服务器的共享缓存（Redis）
type Cache interface {
	SetLink(ctx context.Context, link *domain.Link) error
	GetLink(ctx context.Context, token string) (*domain.Link, error)
	SetServer(ctx context.Context, server *domain.Server) error
	GetServer(ctx context.Context, token string) (*domain.Server, error)
}

// Store 混合存储：主库 + 邮件库，跟踪热路径经过本地缓存与 Redis
type Store struct {
	MetadataStore
	MessageDB

	shared          Cache
	servers         *cache.LocalCache[*domain.Server]
	trackingDomains *cache.LocalCache[*domain.TrackingDomain]
	log             *zap.Logger
}

// NewStore 创建混合存储，shared 为 nil 时不使用 Redis
func NewStore(metadata MetadataStore, messages MessageDB, shared Cache, localTTL time.Duration, log *zap.Logger) *Store {
	return &Store{
		MetadataStore:   metadata,
		MessageDB:       messages,
		shared:          shared,
		servers:         cache.NewLocalCache[*domain.Server](1000, localTTL),
		trackingDomains: cache.NewLocalCache[*domain.TrackingDomain](1000, localTTL),
		log:             log.Named("hybrid-store"),
	}
}

// Health 检查两个数据库
func (s *Store) Health(ctx context.Context) error {
	if err := s.MetadataStore.Health(ctx); err != nil {
		return err
	}
	return s.MessageDB.Health(ctx)
}

// Close 关闭两个数据库与共享缓存，并停止本地缓存清理
func (s *Store) Close() error {
	s.servers.Close()
	s.trackingDomains.Close()

	errs := []error{s.MetadataStore.Close(), s.MessageDB.Close()}
	if closer, ok := s.shared.(io.Closer); ok {
		errs = append(errs, closer.Close())
	}
	return errors.Join(errs...)
}

// FindServerByToken 按令牌查找服务器：本地缓存 -> Redis -> 主库
func (s *Store) FindServerByToken(ctx context.Context, token string) (*domain.Server, error) {
	if server, ok := s.servers.Get(token); ok {
		copied := *server
		return &copied, nil
	}

	if s.shared != nil {
		if server, err := s.shared.GetServer(ctx, token); err == nil {
			s.servers.Set(token, server)
			copied := *server
			return &copied, nil
		}
	}

	server, err := s.MetadataStore.FindServerByToken(ctx, token)
	if err != nil {
		return nil, err
	}

	s.servers.Set(token, server)
	if s.shared != nil {
		if err := s.shared.SetServer(ctx, server); err != nil {
			s.log.Warn("failed to cache server", zap.String("server_id", server.ID), zap.Error(err))
		}
	}
	copied := *server
	return &copied, nil
}

// FindVerifiedTrackingDomain 查找已验证的跟踪域名，只缓存命中结果
func (s *Store) FindVerifiedTrackingDomain(ctx context.Context, serverID, domainID string) (*domain.TrackingDomain, error) {
	key := serverID + "|" + domainID
	if td, ok := s.trackingDomains.Get(key); ok {
		copied := *td
		return &copied, nil
	}

	td, err := s.MetadataStore.FindVerifiedTrackingDomain(ctx, serverID, domainID)
	if err != nil {
		return nil, err
	}
	s.trackingDomains.Set(key, td)
	copied := *td
	return &copied, nil
}

// CreateLink 在邮件库中创建链接并写入 Redis
func (s *Store) CreateLink(ctx context.Context, serverID string, messageID int64, url string) (string, error) {
	token, err := s.MessageDB.CreateLink(ctx, serverID, messageID, url)
	if err != nil {
		return "", err
	}

	if s.shared != nil {
		link := &domain.Link{
			Token:     token,
			ServerID:  serverID,
			MessageID: messageID,
			URL:       url,
			CreatedAt: time.Now().UTC(),
		}
		if err := s.shared.SetLink(ctx, link); err != nil {
			s.log.Warn("failed to cache link", zap.String("token", token), zap.Error(err))
		}
	}
	return token, nil
}

// FindLink 先查 Redis，未命中时回源邮件库
func (s *Store) FindLink(ctx context.Context, token string) (*domain.Link, error) {
	if s.shared != nil {
		if link, err := s.shared.GetLink(ctx, token); err == nil {
			return link, nil
		}
	}

	link, err := s.MessageDB.FindLink(ctx, token)
	if err != nil {
		return nil, err
	}
	if s.shared != nil {
		if err := s.shared.SetLink(ctx, link); err != nil {
			s.log.Warn("failed to cache link", zap.String("token", token), zap.Error(err))
		}
	}
	return link, nil
}
