package domain

import (
	"context"
	"time"
)

// ServerRepository 服务器只读查询
type ServerRepository interface {
	GetServer(ctx context.Context, id string) (*Server, error)
	FindServerByToken(ctx context.Context, token string) (*Server, error)
}

// DomainRepository 域名查询
type DomainRepository interface {
	GetDomain(ctx context.Context, id string) (*Domain, error)
	FindDomainByName(ctx context.Context, name string) (*Domain, error)
}

// EndpointRepository 端点查询
type EndpointRepository interface {
	EndpointResolver
}

// RouteRepository 路由与附加端点存取
type RouteRepository interface {
	// FindRoute 按名称与域名精确查找路由
	FindRoute(ctx context.Context, serverID, name, domainName string) (*Route, error)
	// FindReturnPathRoute 查找服务器的回执路径路由
	FindReturnPathRoute(ctx context.Context, serverID string) (*Route, error)
	GetRoute(ctx context.Context, id string) (*Route, error)
	// FindConflictingRoute 查找与 route 同名同域名的其他路由；回执路径路由每个服务器只能有一个
	FindConflictingRoute(ctx context.Context, route *Route) (*Route, error)
	ListAdditionalEndpoints(ctx context.Context, routeID string) ([]AdditionalRouteEndpoint, error)
	// SaveRoute 保存路由，plan 非空时在同一事务中同步附加端点
	SaveRoute(ctx context.Context, route *Route, plan *EndpointSyncPlan) error
	// ReplaceAdditionalEndpoints 原子地应用附加端点变更
	ReplaceAdditionalEndpoints(ctx context.Context, routeID string, plan EndpointSyncPlan) error
}

// TrackingDomainRepository 跟踪域名查询
type TrackingDomainRepository interface {
	FindVerifiedTrackingDomain(ctx context.Context, serverID, domainID string) (*TrackingDomain, error)
}

// MessageStore 邮件库
type MessageStore interface {
	// CreateMessage 插入新邮件并回填 ID
	CreateMessage(ctx context.Context, message *Message) error
	SaveMessage(ctx context.Context, message *Message) error
	GetMessage(ctx context.Context, serverID string, id int64) (*Message, error)
	FindMessageByToken(ctx context.Context, serverID, token string) (*Message, error)
	// SchemaVersion 返回邮件库已应用的迁移版本
	SchemaVersion(ctx context.Context) (int, error)
}

// DeliveryRepository 投递记录存取
type DeliveryRepository interface {
	InsertDelivery(ctx context.Context, attempt *DeliveryAttempt) error
	ListDeliveries(ctx context.Context, messageID int64) ([]DeliveryAttempt, error)
}

// StatisticsRepository 按小时计数
type StatisticsRepository interface {
	IncrementStatistic(ctx context.Context, serverID string, kind StatisticKind, at time.Time) error
	GetStatistic(ctx context.Context, serverID string, kind StatisticKind, at time.Time) (int64, error)
}

// LinkRepository 跟踪链接令牌
type LinkRepository interface {
	// CreateLink 为原始链接分配全局唯一令牌
	CreateLink(ctx context.Context, serverID string, messageID int64, url string) (string, error)
	FindLink(ctx context.Context, token string) (*Link, error)
}

// WebhookRepository Webhook 仓储接口
type WebhookRepository interface {
	CreateWebhook(ctx context.Context, webhook *Webhook) error
	GetWebhook(ctx context.Context, id string) (*Webhook, error)
	ListWebhooks(ctx context.Context, serverID string) ([]Webhook, error)
	UpdateWebhook(ctx context.Context, webhook *Webhook) error
	DeleteWebhook(ctx context.Context, id string) error
	RecordDelivery(ctx context.Context, delivery *WebhookDelivery) error
	GetDeliveries(ctx context.Context, webhookID string, limit int) ([]WebhookDelivery, error)
	// GetPendingDeliveries 获取到期待重试的投递
	GetPendingDeliveries(ctx context.Context, limit int) ([]WebhookDelivery, error)
}

// Store 聚合所有存储接口
type Store interface {
	ServerRepository
	DomainRepository
	EndpointRepository
	RouteRepository
	TrackingDomainRepository
	MessageStore
	DeliveryRepository
	StatisticsRepository
	LinkRepository
	WebhookRepository

	Health(ctx context.Context) error
	Close() error
}
