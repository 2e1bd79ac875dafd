package postgres

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"relaymail/backend/internal/domain"
)

// loadDomain 填充路由的域名
func (s *Store) loadDomain(db *gorm.DB, route *domain.Route) (*domain.Route, error) {
	route.Domain = nil
	if route.DomainID == nil {
		return route, nil
	}
	var d domain.Domain
	err := db.Where("id = ?", *route.DomainID).First(&d).Error
	if err == nil {
		route.Domain = &d
		return route, nil
	}
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return route, nil
	}
	return nil, err
}

// FindRoute 按名称与域名精确查找路由
func (s *Store) FindRoute(ctx context.Context, serverID, name, domainName string) (*domain.Route, error) {
	db := s.db.WithContext(ctx)

	var route domain.Route
	err := db.Joins("JOIN domains ON domains.id = routes.domain_id").
		Where("routes.server_id = ? AND routes.name = ? AND domains.name = ?", serverID, name, domainName).
		First(&route).Error
	if err != nil {
		return nil, notFound(err, domain.ErrRouteNotFound)
	}
	return s.loadDomain(db, &route)
}

// FindReturnPathRoute 查找服务器的回执路径路由
func (s *Store) FindReturnPathRoute(ctx context.Context, serverID string) (*domain.Route, error) {
	db := s.db.WithContext(ctx)

	var route domain.Route
	err := db.Where("server_id = ? AND name = ?", serverID, domain.ReturnPathRouteName).First(&route).Error
	if err != nil {
		return nil, notFound(err, domain.ErrRouteNotFound)
	}
	return s.loadDomain(db, &route)
}

// GetRoute 根据 ID 获取路由
func (s *Store) GetRoute(ctx context.Context, id string) (*domain.Route, error) {
	db := s.db.WithContext(ctx)

	var route domain.Route
	if err := db.Where("id = ?", id).First(&route).Error; err != nil {
		return nil, notFound(err, domain.ErrRouteNotFound)
	}
	return s.loadDomain(db, &route)
}

// FindConflictingRoute 查找与 route 同名同域名的其他路由；回执路径路由每个服务器只能有一个
func (s *Store) FindConflictingRoute(ctx context.Context, route *domain.Route) (*domain.Route, error) {
	db := s.db.WithContext(ctx)

	var other domain.Route
	var err error
	if route.IsReturnPath() {
		err = db.Where("server_id = ? AND name = ? AND id <> ?", route.ServerID, domain.ReturnPathRouteName, route.ID).
			First(&other).Error
	} else {
		if route.DomainID == nil {
			return nil, domain.ErrRouteNotFound
		}
		err = db.Joins("JOIN domains ON domains.id = routes.domain_id").
			Where("routes.name = ? AND routes.id <> ?", route.Name, route.ID).
			Where("domains.name = (?)", db.Model(&domain.Domain{}).Select("name").Where("id = ?", *route.DomainID)).
			First(&other).Error
	}
	if err != nil {
		return nil, notFound(err, domain.ErrRouteNotFound)
	}
	return s.loadDomain(db, &other)
}

// ListAdditionalEndpoints 返回路由的附加端点
func (s *Store) ListAdditionalEndpoints(ctx context.Context, routeID string) ([]domain.AdditionalRouteEndpoint, error) {
	var endpoints []domain.AdditionalRouteEndpoint
	err := s.db.WithContext(ctx).Where("route_id = ?", routeID).Order("created_at ASC").Find(&endpoints).Error
	return endpoints, err
}

// SaveRoute 在一个事务中保存路由并同步附加端点
func (s *Store) SaveRoute(ctx context.Context, route *domain.Route, plan *domain.EndpointSyncPlan) error {
	if route.ID == "" {
		route.ID = uuid.New().String()
	}

	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		loaded := route.Domain
		route.Domain = nil
		err := tx.Save(route).Error
		route.Domain = loaded
		if err != nil {
			return err
		}
		if plan == nil {
			return nil
		}
		return applyPlan(tx, route.ID, *plan)
	})
}

// ReplaceAdditionalEndpoints 原子地应用附加端点变更
func (s *Store) ReplaceAdditionalEndpoints(ctx context.Context, routeID string, plan domain.EndpointSyncPlan) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		return applyPlan(tx, routeID, plan)
	})
}

// applyPlan 删除未保留的附加端点并批量插入新的端点，必须在事务内调用
func applyPlan(tx *gorm.DB, routeID string, plan domain.EndpointSyncPlan) error {
	del := tx.Where("route_id = ?", routeID)
	if len(plan.Keep) > 0 {
		del = del.Where("id NOT IN ?", plan.Keep)
	}
	if err := del.Delete(&domain.AdditionalRouteEndpoint{}).Error; err != nil {
		return err
	}

	if len(plan.Create) == 0 {
		return nil
	}

	now := time.Now().UTC()
	created := make([]domain.AdditionalRouteEndpoint, len(plan.Create))
	for i, e := range plan.Create {
		if e.ID == "" {
			e.ID = uuid.New().String()
		}
		if e.CreatedAt.IsZero() {
			e.CreatedAt = now
		}
		e.RouteID = routeID
		created[i] = e
	}
	return tx.Create(&created).Error
}
