package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"gorm.io/driver/mysql"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"relaymail/backend/internal/domain"
)

// Store 服务器、域名、端点、路由与跟踪域名的 GORM 存储（支持 PostgreSQL 和 MySQL）
type Store struct {
	db     *gorm.DB
	client *Client
}

// NewStore 创建 PostgreSQL 存储实例
func NewStore(dsn string) (*Store, error) {
	return NewStoreWithDialector(postgres.Open(dsn))
}

// NewMySQLStore 创建 MySQL 存储实例
func NewMySQLStore(dsn string) (*Store, error) {
	return NewStoreWithDialector(mysql.Open(dsn))
}

// NewStoreFromClient 复用 pgx 连接池创建存储，关闭存储时一并关闭连接池
func NewStoreFromClient(client *Client) (*Store, error) {
	store, err := NewStoreWithDialector(postgres.New(postgres.Config{Conn: client.DB()}))
	if err != nil {
		return nil, err
	}
	store.client = client
	return store, nil
}

// NewStoreWithDialector 使用指定的 GORM dialector 创建存储实例
func NewStoreWithDialector(dialector gorm.Dialector) (*Store, error) {
	db, err := openGorm(dialector)
	if err != nil {
		return nil, err
	}

	sqlDB, err := db.DB()
	if err != nil {
		return nil, fmt.Errorf("failed to get underlying sql.DB: %w", err)
	}
	sqlDB.SetMaxOpenConns(25)
	sqlDB.SetMaxIdleConns(5)
	sqlDB.SetConnMaxLifetime(5 * time.Minute)

	store := &Store{db: db}
	if err := store.migrate(); err != nil {
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}
	return store, nil
}

func openGorm(dialector gorm.Dialector) (*gorm.DB, error) {
	db, err := gorm.Open(dialector, &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
		NowFunc: func() time.Time {
			return time.Now().UTC()
		},
	})
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}
	return db, nil
}

// migrate 自动迁移数据库表结构
func (s *Store) migrate() error {
	return s.db.AutoMigrate(
		&domain.Server{},
		&domain.Domain{},
		&domain.Endpoint{},
		&domain.Route{},
		&domain.AdditionalRouteEndpoint{},
		&domain.TrackingDomain{},
		&domain.Webhook{},
		&domain.WebhookDelivery{},
	)
}

// Health 检查数据库连接
func (s *Store) Health(ctx context.Context) error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.PingContext(ctx)
}

// Close 关闭数据库连接
func (s *Store) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	err = sqlDB.Close()
	if s.client != nil {
		s.client.Close()
	}
	return err
}

// notFound 把 gorm.ErrRecordNotFound 转换为领域错误
func notFound(err error, target error) error {
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return target
	}
	return err
}

// ========== Server / Domain ==========

// SaveServer 保存服务器
func (s *Store) SaveServer(ctx context.Context, server *domain.Server) error {
	if server.ID == "" {
		server.ID = uuid.New().String()
	}
	return s.db.WithContext(ctx).Save(server).Error
}

// GetServer 根据 ID 获取服务器
func (s *Store) GetServer(ctx context.Context, id string) (*domain.Server, error) {
	var server domain.Server
	if err := s.db.WithContext(ctx).Where("id = ?", id).First(&server).Error; err != nil {
		return nil, notFound(err, domain.ErrServerNotFound)
	}
	return &server, nil
}

// FindServerByToken 根据令牌获取服务器
func (s *Store) FindServerByToken(ctx context.Context, token string) (*domain.Server, error) {
	var server domain.Server
	if err := s.db.WithContext(ctx).Where("token = ?", token).First(&server).Error; err != nil {
		return nil, notFound(err, domain.ErrServerNotFound)
	}
	return &server, nil
}

// SaveDomain 保存域名
func (s *Store) SaveDomain(ctx context.Context, d *domain.Domain) error {
	if d.ID == "" {
		d.ID = uuid.New().String()
	}
	return s.db.WithContext(ctx).Save(d).Error
}

// GetDomain 根据 ID 获取域名
func (s *Store) GetDomain(ctx context.Context, id string) (*domain.Domain, error) {
	var d domain.Domain
	if err := s.db.WithContext(ctx).Where("id = ?", id).First(&d).Error; err != nil {
		return nil, notFound(err, domain.ErrDomainNotFound)
	}
	return &d, nil
}

// FindDomainByName 根据域名查找
func (s *Store) FindDomainByName(ctx context.Context, name string) (*domain.Domain, error) {
	var d domain.Domain
	if err := s.db.WithContext(ctx).Where("name = ?", name).First(&d).Error; err != nil {
		return nil, notFound(err, domain.ErrDomainNotFound)
	}
	return &d, nil
}

// ========== Endpoint ==========

// SaveEndpoint 保存端点
func (s *Store) SaveEndpoint(ctx context.Context, endpoint *domain.Endpoint) error {
	if endpoint.ID == "" {
		endpoint.ID = uuid.New().String()
	}
	return s.db.WithContext(ctx).Save(endpoint).Error
}

// FindEndpoint 按类型与 UUID 查找端点
func (s *Store) FindEndpoint(ctx context.Context, kind domain.EndpointKind, id string) (*domain.Endpoint, error) {
	var endpoint domain.Endpoint
	err := s.db.WithContext(ctx).Where("kind = ? AND id = ?", kind, id).First(&endpoint).Error
	if err != nil {
		return nil, notFound(err, domain.ErrEndpointNotFound)
	}
	return &endpoint, nil
}

// ========== Tracking Domain ==========

// SaveTrackingDomain 保存跟踪域名
func (s *Store) SaveTrackingDomain(ctx context.Context, td *domain.TrackingDomain) error {
	if td.ID == "" {
		td.ID = uuid.New().String()
	}
	return s.db.WithContext(ctx).Save(td).Error
}

// FindVerifiedTrackingDomain 查找服务器在指定域名上 DNS 已验证的跟踪域名
func (s *Store) FindVerifiedTrackingDomain(ctx context.Context, serverID, domainID string) (*domain.TrackingDomain, error) {
	var td domain.TrackingDomain
	err := s.db.WithContext(ctx).
		Where("server_id = ? AND domain_id = ? AND dns_status = ?", serverID, domainID, domain.DNSStatusOK).
		First(&td).Error
	if err != nil {
		return nil, notFound(err, domain.ErrTrackingDomainNotFound)
	}
	return &td, nil
}
