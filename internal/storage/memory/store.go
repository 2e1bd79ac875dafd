package memory

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"

	"relaymail/backend/internal/domain"
)

// Store 使用内存保存路由、端点与邮件数据，主要用于开发验证和测试。
type Store struct {
	mu sync.RWMutex

	servers         map[string]*domain.Server
	serversByToken  map[string]string
	domains         map[string]*domain.Domain
	endpoints       map[domain.EndpointRef]*domain.Endpoint
	routes          map[string]*domain.Route
	additional      map[string][]domain.AdditionalRouteEndpoint // routeID -> endpoints
	trackingDomains map[string]*domain.TrackingDomain

	messages      map[int64]*domain.Message
	messageSeq    int64
	schemaVersion int
	deliveries    map[int64][]domain.DeliveryAttempt
	statistics    map[string]int64 // serverID|kind|period -> count
	links         map[string]*domain.Link

	webhooks         map[string]*domain.Webhook
	webhooksByServer map[string]map[string]*domain.Webhook
	webhookLog       map[string][]*domain.WebhookDelivery
	retryQueue       []*domain.WebhookDelivery
}

// NewStore 创建一个内存存储实例。邮件库版本默认视为最新。
func NewStore() *Store {
	return &Store{
		servers:          make(map[string]*domain.Server),
		serversByToken:   make(map[string]string),
		domains:          make(map[string]*domain.Domain),
		endpoints:        make(map[domain.EndpointRef]*domain.Endpoint),
		routes:           make(map[string]*domain.Route),
		additional:       make(map[string][]domain.AdditionalRouteEndpoint),
		trackingDomains:  make(map[string]*domain.TrackingDomain),
		messages:         make(map[int64]*domain.Message),
		schemaVersion:    domain.EndpointBindingSchemaVersion,
		deliveries:       make(map[int64][]domain.DeliveryAttempt),
		statistics:       make(map[string]int64),
		links:            make(map[string]*domain.Link),
		webhooks:         make(map[string]*domain.Webhook),
		webhooksByServer: make(map[string]map[string]*domain.Webhook),
		webhookLog:       make(map[string][]*domain.WebhookDelivery),
	}
}

// Health 内存存储始终可用
func (s *Store) Health(ctx context.Context) error {
	return nil
}

// Close 内存存储无需释放资源
func (s *Store) Close() error {
	return nil
}

// ========== Server / Domain ==========

// SaveServer 保存服务器
func (s *Store) SaveServer(ctx context.Context, server *domain.Server) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if server.ID == "" {
		server.ID = uuid.New().String()
	}
	if server.CreatedAt.IsZero() {
		server.CreatedAt = time.Now().UTC()
	}
	copied := *server
	s.servers[server.ID] = &copied
	s.serversByToken[server.Token] = server.ID
	return nil
}

// GetServer 根据 ID 获取服务器
func (s *Store) GetServer(ctx context.Context, id string) (*domain.Server, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	server, ok := s.servers[id]
	if !ok {
		return nil, domain.ErrServerNotFound
	}
	copied := *server
	return &copied, nil
}

// FindServerByToken 根据令牌获取服务器
func (s *Store) FindServerByToken(ctx context.Context, token string) (*domain.Server, error) {
	s.mu.RLock()
	id, ok := s.serversByToken[token]
	s.mu.RUnlock()
	if !ok {
		return nil, domain.ErrServerNotFound
	}
	return s.GetServer(ctx, id)
}

// SaveDomain 保存域名
func (s *Store) SaveDomain(ctx context.Context, d *domain.Domain) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if d.ID == "" {
		d.ID = uuid.New().String()
	}
	copied := *d
	s.domains[d.ID] = &copied
	return nil
}

// GetDomain 根据 ID 获取域名
func (s *Store) GetDomain(ctx context.Context, id string) (*domain.Domain, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	d, ok := s.domains[id]
	if !ok {
		return nil, domain.ErrDomainNotFound
	}
	copied := *d
	return &copied, nil
}

// FindDomainByName 根据域名查找
func (s *Store) FindDomainByName(ctx context.Context, name string) (*domain.Domain, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	for _, d := range s.domains {
		if d.Name == name {
			copied := *d
			return &copied, nil
		}
	}
	return nil, domain.ErrDomainNotFound
}

// ========== Endpoint ==========

// SaveEndpoint 保存端点
func (s *Store) SaveEndpoint(ctx context.Context, endpoint *domain.Endpoint) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if endpoint.ID == "" {
		endpoint.ID = uuid.New().String()
	}
	copied := *endpoint
	s.endpoints[endpoint.Ref()] = &copied
	return nil
}

// FindEndpoint 按类型与 UUID 查找端点
func (s *Store) FindEndpoint(ctx context.Context, kind domain.EndpointKind, id string) (*domain.Endpoint, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	endpoint, ok := s.endpoints[domain.EndpointRef{Kind: kind, ID: id}]
	if !ok {
		return nil, domain.ErrEndpointNotFound
	}
	copied := *endpoint
	return &copied, nil
}

// ========== Route ==========

// withDomain 返回填充了域名的路由副本，调用方需持有读锁
func (s *Store) withDomain(route *domain.Route) *domain.Route {
	copied := *route
	copied.Domain = nil
	if route.DomainID != nil {
		if d, ok := s.domains[*route.DomainID]; ok {
			dc := *d
			copied.Domain = &dc
		}
	}
	return &copied
}

// FindRoute 按名称与域名精确查找路由
func (s *Store) FindRoute(ctx context.Context, serverID, name, domainName string) (*domain.Route, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	for _, route := range s.routes {
		if route.ServerID != serverID || route.Name != name || route.DomainID == nil {
			continue
		}
		if d, ok := s.domains[*route.DomainID]; ok && d.Name == domainName {
			return s.withDomain(route), nil
		}
	}
	return nil, domain.ErrRouteNotFound
}

// FindReturnPathRoute 查找服务器的回执路径路由
func (s *Store) FindReturnPathRoute(ctx context.Context, serverID string) (*domain.Route, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	for _, route := range s.routes {
		if route.ServerID == serverID && route.IsReturnPath() {
			return s.withDomain(route), nil
		}
	}
	return nil, domain.ErrRouteNotFound
}

// GetRoute 根据 ID 获取路由
func (s *Store) GetRoute(ctx context.Context, id string) (*domain.Route, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	route, ok := s.routes[id]
	if !ok {
		return nil, domain.ErrRouteNotFound
	}
	return s.withDomain(route), nil
}

// FindConflictingRoute 查找与 route 冲突的其他路由
func (s *Store) FindConflictingRoute(ctx context.Context, route *domain.Route) (*domain.Route, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var domainName string
	if route.DomainID != nil {
		if d, ok := s.domains[*route.DomainID]; ok {
			domainName = d.Name
		}
	}

	for _, other := range s.routes {
		if other.ID == route.ID {
			continue
		}
		if route.IsReturnPath() {
			if other.IsReturnPath() && other.ServerID == route.ServerID {
				return s.withDomain(other), nil
			}
			continue
		}
		if other.Name != route.Name || other.DomainID == nil || domainName == "" {
			continue
		}
		if d, ok := s.domains[*other.DomainID]; ok && d.Name == domainName {
			return s.withDomain(other), nil
		}
	}
	return nil, domain.ErrRouteNotFound
}

// ListAdditionalEndpoints 返回路由的附加端点
func (s *Store) ListAdditionalEndpoints(ctx context.Context, routeID string) ([]domain.AdditionalRouteEndpoint, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	existing := s.additional[routeID]
	result := make([]domain.AdditionalRouteEndpoint, len(existing))
	copy(result, existing)
	return result, nil
}

// SaveRoute 保存路由并在同一把锁内同步附加端点
func (s *Store) SaveRoute(ctx context.Context, route *domain.Route, plan *domain.EndpointSyncPlan) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now().UTC()
	if route.ID == "" {
		route.ID = uuid.New().String()
	}
	if route.CreatedAt.IsZero() {
		route.CreatedAt = now
	}
	route.UpdatedAt = now

	copied := *route
	copied.Domain = nil
	s.routes[route.ID] = &copied

	if plan != nil {
		s.applyPlan(route.ID, *plan)
	}
	return nil
}

// ReplaceAdditionalEndpoints 原子地应用附加端点变更
func (s *Store) ReplaceAdditionalEndpoints(ctx context.Context, routeID string, plan domain.EndpointSyncPlan) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.routes[routeID]; !ok {
		return domain.ErrRouteNotFound
	}
	s.applyPlan(routeID, plan)
	return nil
}

// applyPlan 调用方需持有写锁
func (s *Store) applyPlan(routeID string, plan domain.EndpointSyncPlan) {
	keep := make(map[string]bool, len(plan.Keep))
	for _, id := range plan.Keep {
		keep[id] = true
	}

	next := make([]domain.AdditionalRouteEndpoint, 0, len(plan.Keep)+len(plan.Create))
	for _, existing := range s.additional[routeID] {
		if keep[existing.ID] {
			next = append(next, existing)
		}
	}
	for _, created := range plan.Create {
		if created.ID == "" {
			created.ID = uuid.New().String()
		}
		if created.CreatedAt.IsZero() {
			created.CreatedAt = time.Now().UTC()
		}
		created.RouteID = routeID
		next = append(next, created)
	}
	s.additional[routeID] = next
}

// ========== Tracking Domain ==========

// SaveTrackingDomain 保存跟踪域名
func (s *Store) SaveTrackingDomain(ctx context.Context, td *domain.TrackingDomain) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if td.ID == "" {
		td.ID = uuid.New().String()
	}
	copied := *td
	s.trackingDomains[td.ID] = &copied
	return nil
}

// FindVerifiedTrackingDomain 查找服务器在指定域名上 DNS 已验证的跟踪域名
func (s *Store) FindVerifiedTrackingDomain(ctx context.Context, serverID, domainID string) (*domain.TrackingDomain, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	for _, td := range s.trackingDomains {
		if td.ServerID == serverID && td.DomainID == domainID && td.Verified() {
			copied := *td
			return &copied, nil
		}
	}
	return nil, domain.ErrTrackingDomainNotFound
}
