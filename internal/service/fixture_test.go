package service

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"relaymail/backend/internal/config"
	"relaymail/backend/internal/domain"
	"relaymail/backend/internal/storage/memory"
)

// fixture 单个服务器、一个已验证域名和三类端点
type fixture struct {
	ctx    context.Context
	store  *memory.Store
	server *domain.Server
	other  *domain.Server
	domain *domain.Domain

	httpEndpoint    *domain.Endpoint
	smtpEndpoint    *domain.Endpoint
	addressEndpoint *domain.Endpoint
	foreignEndpoint *domain.Endpoint

	routes     *RouteService
	prototypes *PrototypeService
}

func newFixture(t *testing.T) *fixture {
	t.Helper()

	ctx := context.Background()
	store := memory.NewStore()
	log := zap.NewNop()

	f := &fixture{
		ctx:    ctx,
		store:  store,
		server: &domain.Server{ID: "srv-main", OrganizationID: "org-1", Name: "Main", Permalink: "main", Token: "abc123"},
		other:  &domain.Server{ID: "srv-other", OrganizationID: "org-2", Name: "Other", Permalink: "other", Token: "def456"},
	}
	require.NoError(t, store.SaveServer(ctx, f.server))
	require.NoError(t, store.SaveServer(ctx, f.other))

	verified := time.Now().UTC()
	f.domain = &domain.Domain{ID: "dom-1", OwnerType: domain.DomainOwnerServer, OwnerID: f.server.ID, Name: "example.com", VerifiedAt: &verified}
	require.NoError(t, store.SaveDomain(ctx, f.domain))

	f.httpEndpoint = f.endpoint(t, &domain.Endpoint{ID: "http-1", Kind: domain.EndpointHTTP, ServerID: f.server.ID, Name: "App", URL: "https://app.example.com/inbound"})
	f.smtpEndpoint = f.endpoint(t, &domain.Endpoint{ID: "smtp-1", Kind: domain.EndpointSMTP, ServerID: f.server.ID, Name: "Relay", Hostname: "mx.example.net", Port: 2525})
	f.addressEndpoint = f.endpoint(t, &domain.Endpoint{ID: "addr-1", Kind: domain.EndpointAddress, ServerID: f.server.ID, Address: "team@example.org"})
	f.foreignEndpoint = f.endpoint(t, &domain.Endpoint{ID: "http-2", Kind: domain.EndpointHTTP, ServerID: f.other.ID, Name: "Foreign", URL: "https://other.example.com"})

	f.routes = NewRouteService(store, log)
	f.prototypes = NewPrototypeService(f.routes, store, config.DNSConfig{ReturnPath: "rp.relaymail.test"}, log)
	return f
}

func (f *fixture) endpoint(t *testing.T, e *domain.Endpoint) *domain.Endpoint {
	t.Helper()
	require.NoError(t, f.store.SaveEndpoint(f.ctx, e))
	return e
}

// newRoute 返回指向 HTTP 端点、尚未保存的路由
func (f *fixture) newRoute(name string) *domain.Route {
	domainID := f.domain.ID
	route := &domain.Route{
		ServerID: f.server.ID,
		DomainID: &domainID,
		Name:     name,
		Mode:     domain.RouteModeEndpoint,
		SpamMode: domain.SpamModeMark,
	}
	route.SetEndpoint(f.httpEndpoint)
	return route
}

// saveRoute 保存路由并断言成功
func (f *fixture) saveRoute(t *testing.T, route *domain.Route, additional []string) *domain.Route {
	t.Helper()
	require.NoError(t, f.routes.SaveRoute(f.ctx, route, additional))
	return route
}
