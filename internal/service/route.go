package service

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"relaymail/backend/internal/domain"
)

// RouteStore 路由服务依赖的存储
type RouteStore interface {
	domain.RouteRepository
	domain.EndpointRepository
	domain.DomainRepository
	domain.ServerRepository
}

// RouteService 负责地址到路由的解析以及路由的校验保存
type RouteService struct {
	store RouteStore
	log   *zap.Logger
}

// NewRouteService 创建路由服务
func NewRouteService(store RouteStore, log *zap.Logger) *RouteService {
	return &RouteService{
		store: store,
		log:   log.Named("route"),
	}
}

// SplitRecipient 将收件地址拆分为去掉 +tag 的本地部分和域名
func SplitRecipient(address string) (name, domainName string) {
	local, domainName, _ := strings.Cut(address, "@")
	name, _, _ = strings.Cut(local, "+")
	return name, domainName
}

// Resolve 解析收件地址对应的路由
//
// 先按本地部分精确匹配，找不到时回退到该域名的通配路由。域名不做大小写归一。
func (s *RouteService) Resolve(ctx context.Context, serverID, address string) (*domain.Route, error) {
	name, domainName := SplitRecipient(address)
	if domainName == "" {
		return nil, domain.ErrRouteNotFound
	}

	route, err := s.store.FindRoute(ctx, serverID, name, domainName)
	if err == nil {
		return route, nil
	}
	if !errors.Is(err, domain.ErrRouteNotFound) {
		return nil, fmt.Errorf("find route: %w", err)
	}

	route, err = s.store.FindRoute(ctx, serverID, domain.WildcardRouteName, domainName)
	if err != nil {
		if errors.Is(err, domain.ErrRouteNotFound) {
			return nil, domain.ErrRouteNotFound
		}
		return nil, fmt.Errorf("find wildcard route: %w", err)
	}
	return route, nil
}

// ResolveReturnPath 查找服务器的回执路径路由
func (s *RouteService) ResolveReturnPath(ctx context.Context, serverID string) (*domain.Route, error) {
	return s.store.FindReturnPathRoute(ctx, serverID)
}

// ApplyTarget 按界面传入的值设置路由目标
//
// 值为端点描述符时设为 Endpoint 模式，为模式名时清除主端点，空值同时清除两者。
func (s *RouteService) ApplyTarget(ctx context.Context, route *domain.Route, value string) error {
	value = strings.TrimSpace(value)
	if value == "" {
		route.Mode = ""
		route.SetEndpoint(nil)
		return nil
	}

	if strings.Contains(value, "#") {
		endpoint, err := domain.DecodeEndpoint(ctx, s.store, value)
		if err != nil {
			return err
		}
		route.SetEndpoint(endpoint)
		route.Mode = domain.RouteModeEndpoint
		return nil
	}

	route.SetEndpoint(nil)
	route.Mode = domain.RouteMode(value)
	return nil
}

// Target 返回 ApplyTarget 的逆操作结果
func (s *RouteService) Target(route *domain.Route) string {
	if route.Mode == domain.RouteModeEndpoint {
		return route.Endpoint().String()
	}
	return string(route.Mode)
}

// SaveRoute 校验并保存路由
//
// additional 为 nil 时不改动附加端点；非 nil 时（包括空切片）同步为该集合。
// 全部校验完成后才写入，失败时返回 *domain.ValidationError 或 *domain.RoutingError。
func (s *RouteService) SaveRoute(ctx context.Context, route *domain.Route, additional []string) error {
	server, err := s.store.GetServer(ctx, route.ServerID)
	if err != nil {
		return fmt.Errorf("load server: %w", err)
	}

	if route.DomainID != nil && route.Domain == nil {
		d, err := s.store.GetDomain(ctx, *route.DomainID)
		if err != nil && !errors.Is(err, domain.ErrDomainNotFound) {
			return fmt.Errorf("load domain: %w", err)
		}
		route.Domain = d
	}

	var endpoint *domain.Endpoint
	if ref := route.Endpoint(); !ref.IsZero() {
		endpoint, err = s.store.FindEndpoint(ctx, ref.Kind, ref.ID)
		if err != nil && !errors.Is(err, domain.ErrEndpointNotFound) {
			return fmt.Errorf("load endpoint: %w", err)
		}
	}

	desired := compactDescriptors(additional)
	check := &routeCheck{
		ctx:        ctx,
		store:      s.store,
		server:     server,
		route:      route,
		endpoint:   endpoint,
		additional: desired,
		errs:       &domain.ValidationError{},
	}
	if err := check.run(); err != nil {
		return err
	}

	if route.Token == "" {
		route.Token = domain.GenerateToken(domain.RouteTokenLength)
	}

	var plan *domain.EndpointSyncPlan
	if additional != nil {
		p, err := s.planSync(ctx, route, desired)
		if err != nil {
			return err
		}
		plan = &p
	}

	if err := s.store.SaveRoute(ctx, route, plan); err != nil {
		return fmt.Errorf("save route: %w", err)
	}

	s.log.Info("route saved",
		zap.String("route_id", route.ID),
		zap.String("description", route.Description()),
		zap.String("mode", string(route.Mode)),
	)
	return nil
}

// SyncAdditionalEndpoints 将已保存路由的附加端点同步为 desired
func (s *RouteService) SyncAdditionalEndpoints(ctx context.Context, route *domain.Route, desired []string) error {
	plan, err := s.planSync(ctx, route, compactDescriptors(desired))
	if err != nil {
		return err
	}
	if err := s.store.ReplaceAdditionalEndpoints(ctx, route.ID, plan); err != nil {
		return fmt.Errorf("replace additional endpoints: %w", err)
	}
	return nil
}

// AdditionalEndpoints 返回路由附加端点的描述符
func (s *RouteService) AdditionalEndpoints(ctx context.Context, routeID string) ([]string, error) {
	existing, err := s.store.ListAdditionalEndpoints(ctx, routeID)
	if err != nil {
		return nil, err
	}
	descriptors := make([]string, 0, len(existing))
	for _, a := range existing {
		descriptors = append(descriptors, a.Endpoint().String())
	}
	return descriptors, nil
}

// planSync 计算附加端点变更；任一新端点不合法时整体失败，不产生写入
func (s *RouteService) planSync(ctx context.Context, route *domain.Route, desired []string) (domain.EndpointSyncPlan, error) {
	var plan domain.EndpointSyncPlan

	existing := map[domain.EndpointRef]string{}
	if route.ID != "" {
		current, err := s.store.ListAdditionalEndpoints(ctx, route.ID)
		if err != nil {
			return plan, fmt.Errorf("list additional endpoints: %w", err)
		}
		for _, a := range current {
			existing[a.Endpoint()] = a.ID
		}
	}

	seen := map[domain.EndpointRef]bool{}
	for _, descriptor := range desired {
		ref, err := domain.ParseEndpointRef(descriptor)
		if err != nil {
			return plan, err
		}
		if seen[ref] {
			continue
		}
		seen[ref] = true

		if id, ok := existing[ref]; ok {
			plan.Keep = append(plan.Keep, id)
			continue
		}

		endpoint, err := domain.DecodeEndpoint(ctx, s.store, descriptor)
		if err != nil {
			return plan, err
		}
		if err := validateAdditionalEndpoint(route, endpoint); err != nil {
			return plan, err
		}
		plan.Create = append(plan.Create, domain.AdditionalRouteEndpoint{
			RouteID:      route.ID,
			EndpointKind: endpoint.Kind,
			EndpointID:   endpoint.ID,
		})
	}
	return plan, nil
}

// validateAdditionalEndpoint 校验单个待新建的附加端点
func validateAdditionalEndpoint(route *domain.Route, endpoint *domain.Endpoint) error {
	if endpoint == nil {
		return &domain.RoutingError{Reason: "endpoint must exist"}
	}
	if !endpoint.Kind.Valid() {
		return fmt.Errorf("%w: %q", domain.ErrInvalidEndpointType, endpoint.Kind)
	}
	if endpoint.ServerID != route.ServerID {
		return &domain.RoutingError{Reason: "endpoint belongs to another server"}
	}
	if endpoint.Ref() == route.Endpoint() {
		return &domain.RoutingError{Reason: "you can only add an endpoint to a route once"}
	}
	if route.Mode != domain.RouteModeEndpoint {
		return &domain.RoutingError{Reason: "additional routes are not permitted unless the primary route is an actual endpoint"}
	}
	if route.IsWildcard() && (endpoint.Kind == domain.EndpointSMTP || endpoint.Kind == domain.EndpointAddress) {
		return &domain.RoutingError{Reason: "SMTP or address endpoints are not permitted on wildcard routes"}
	}
	return nil
}

func compactDescriptors(descriptors []string) []string {
	result := make([]string, 0, len(descriptors))
	for _, d := range descriptors {
		if d = strings.TrimSpace(d); d != "" {
			result = append(result, d)
		}
	}
	return result
}

// routeCheck 按固定顺序执行全部路由校验，收集所有失败
type routeCheck struct {
	ctx        context.Context
	store      RouteStore
	server     *domain.Server
	route      *domain.Route
	endpoint   *domain.Endpoint
	additional []string
	errs       *domain.ValidationError
	failure    error
}

func (c *routeCheck) run() error {
	validators := []func(){
		c.validateName,
		c.validateSpamMode,
		c.validateEndpointPresence,
		c.validateDomainPresence,
		c.validateRouted,
		c.validateDomainOwnership,
		c.validateEndpointOwnership,
		c.validateNameUniqueness,
		c.validateReturnPathEndpoint,
		c.validateNoAdditionalOnNonEndpoint,
	}
	for _, validate := range validators {
		validate()
		if c.failure != nil {
			return c.failure
		}
	}
	return c.errs.Err()
}

func (c *routeCheck) validateName() {
	switch {
	case c.route.Name == "":
		c.errs.Add("name", "can't be blank")
	case !domain.ValidRouteName(c.route.Name):
		c.errs.Add("name", "is invalid")
	}
}

func (c *routeCheck) validateSpamMode() {
	if !c.route.SpamMode.Valid() {
		c.errs.Add("spam_mode", "is not included in the list")
	}
}

func (c *routeCheck) validateEndpointPresence() {
	if c.route.Mode == domain.RouteModeEndpoint && c.endpoint == nil {
		c.errs.Add("endpoint", "can't be blank")
	}
}

func (c *routeCheck) validateDomainPresence() {
	if c.route.DomainID == nil && !c.route.IsReturnPath() {
		c.errs.Add("domain_id", "can't be blank")
	}
}

func (c *routeCheck) validateRouted() {
	switch {
	case c.route.Mode == "":
		c.errs.Add("endpoint", "must be chosen")
	case !c.route.Mode.Valid():
		c.errs.Add("mode", "is not included in the list")
	}
}

func (c *routeCheck) validateDomainOwnership() {
	d := c.route.Domain
	if d == nil {
		return
	}
	if !d.BelongsTo(c.server) {
		c.errs.Add("domain", "is invalid")
	}
	if !d.Verified() {
		c.errs.Add("domain", "has not been verified yet")
	}
}

func (c *routeCheck) validateEndpointOwnership() {
	if c.endpoint != nil && c.endpoint.ServerID != c.server.ID {
		c.errs.Add("endpoint", "is invalid")
	}
}

func (c *routeCheck) validateNameUniqueness() {
	if c.route.Domain == nil && !c.route.IsReturnPath() {
		return
	}
	other, err := c.store.FindConflictingRoute(c.ctx, c.route)
	if errors.Is(err, domain.ErrRouteNotFound) {
		return
	}
	if err != nil {
		c.failure = fmt.Errorf("check route uniqueness: %w", err)
		return
	}

	if c.route.Domain == nil {
		c.errs.Add("", "A return path route already exists for this server")
		return
	}
	permalink := other.ServerID
	if owner, err := c.store.GetServer(c.ctx, other.ServerID); err == nil {
		permalink = owner.Permalink
	}
	c.errs.Add("name", fmt.Sprintf("is configured on the %s mail server", permalink))
}

func (c *routeCheck) validateReturnPathEndpoint() {
	if !c.route.IsReturnPath() {
		return
	}
	if c.route.Mode != domain.RouteModeEndpoint || c.route.EndpointKind != domain.EndpointHTTP {
		c.errs.Add("", "Return path routes must point to an HTTP endpoint")
	}
}

func (c *routeCheck) validateNoAdditionalOnNonEndpoint() {
	if c.route.Mode != domain.RouteModeEndpoint && len(c.additional) > 0 {
		c.errs.Add("", "Additional routes are not permitted unless the primary route is an actual endpoint")
	}
}
