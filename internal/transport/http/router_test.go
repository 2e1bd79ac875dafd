package httptransport

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"relaymail/backend/internal/config"
	"relaymail/backend/internal/domain"
	"relaymail/backend/internal/health"
	"relaymail/backend/internal/monitoring"
	"relaymail/backend/internal/service"
	"relaymail/backend/internal/storage/memory"
	"relaymail/backend/internal/tracking"
)

type routerFixture struct {
	router    *gin.Engine
	store     *memory.Store
	linkToken string
}

func newRouterFixture(t *testing.T) *routerFixture {
	t.Helper()
	gin.SetMode(gin.TestMode)
	ctx := context.Background()
	log := zap.NewNop()
	metrics := monitoring.NewMetrics()

	store := memory.NewStore()
	require.NoError(t, store.SaveServer(ctx, &domain.Server{ID: "srv-1", Token: "srvtok"}))
	message := &domain.Message{ServerID: "srv-1", Token: "msgtok", Scope: domain.ScopeOutgoing, RcptTo: "to@example.com"}
	require.NoError(t, store.CreateMessage(ctx, message))
	linkToken, err := store.CreateLink(ctx, "srv-1", message.ID, "https://example.com/landing")
	require.NoError(t, err)

	cfg := &config.Config{
		Server: config.ServerConfig{APIKey: "secret"},
		CORS:   config.CORSConfig{AllowedOrigins: []string{"*"}},
	}
	webhooks := service.NewWebhookService(store, nil, nil, config.WebhookConfig{}, metrics, log)

	router := NewRouter(RouterDependencies{
		Config:         cfg,
		Tracker:        tracking.NewTracker(store, webhooks, log),
		WebhookService: webhooks,
		Health:         health.NewHealthChecker(store, config.InspectionConfig{}, log),
		Metrics:        metrics,
		Logger:         log,
	})
	return &routerFixture{router: router, store: store, linkToken: linkToken}
}

func (f *routerFixture) do(method, path, body, apiKey string) *httptest.ResponseRecorder {
	var req *http.Request
	if body != "" {
		req = httptest.NewRequest(method, path, strings.NewReader(body))
		req.Header.Set("Content-Type", "application/json")
	} else {
		req = httptest.NewRequest(method, path, nil)
	}
	if apiKey != "" {
		req.Header.Set("X-API-Key", apiKey)
	}
	rec := httptest.NewRecorder()
	f.router.ServeHTTP(rec, req)
	return rec
}

func TestRouter_Tracking(t *testing.T) {
	f := newRouterFixture(t)

	t.Run("点击跳转到原始链接", func(t *testing.T) {
		rec := f.do(http.MethodGet, "/srvtok/"+f.linkToken, "", "")
		assert.Equal(t, http.StatusFound, rec.Code)
		assert.Equal(t, "https://example.com/landing", rec.Header().Get("Location"))
	})

	t.Run("未知链接", func(t *testing.T) {
		rec := f.do(http.MethodGet, "/srvtok/unknown", "", "")
		assert.Equal(t, http.StatusNotFound, rec.Code)
	})

	t.Run("其他服务器的令牌", func(t *testing.T) {
		rec := f.do(http.MethodGet, "/othertok/"+f.linkToken, "", "")
		assert.Equal(t, http.StatusNotFound, rec.Code)
	})

	t.Run("跟踪像素", func(t *testing.T) {
		rec := f.do(http.MethodGet, "/img/srvtok/msgtok", "", "")
		assert.Equal(t, http.StatusOK, rec.Code)
		assert.Equal(t, "image/gif", rec.Header().Get("Content-Type"))
		assert.Equal(t, transparentGIF, rec.Body.Bytes())
	})

	t.Run("未知邮件的像素", func(t *testing.T) {
		rec := f.do(http.MethodGet, "/img/srvtok/nope", "", "")
		assert.Equal(t, http.StatusNotFound, rec.Code)
	})
}

func TestRouter_Operational(t *testing.T) {
	f := newRouterFixture(t)

	assert.Equal(t, http.StatusOK, f.do(http.MethodGet, "/health/live", "", "").Code)
	assert.Equal(t, http.StatusOK, f.do(http.MethodGet, "/health/ready", "", "").Code)

	f.do(http.MethodGet, "/srvtok/"+f.linkToken, "", "")
	rec := f.do(http.MethodGet, "/metrics", "", "")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "relaymail_http_requests_total")
}

func TestRouter_Webhooks(t *testing.T) {
	f := newRouterFixture(t)
	base := "/api/v1/servers/srv-1/webhooks"

	t.Run("缺少 API Key", func(t *testing.T) {
		assert.Equal(t, http.StatusUnauthorized, f.do(http.MethodGet, base, "", "").Code)
	})

	t.Run("未知事件类型", func(t *testing.T) {
		rec := f.do(http.MethodPost, base, `{"url":"https://hooks.example.com/in","events":["Nope"]}`, "secret")
		assert.Equal(t, http.StatusBadRequest, rec.Code)
	})

	var created domain.Webhook
	t.Run("创建并列出", func(t *testing.T) {
		rec := f.do(http.MethodPost, base, `{"url":"https://hooks.example.com/in","events":["MessageLinkClicked"]}`, "secret")
		require.Equal(t, http.StatusCreated, rec.Code)

		var resp struct {
			Data domain.Webhook `json:"data"`
		}
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
		created = resp.Data
		assert.Equal(t, "srv-1", created.ServerID)
		assert.NotEmpty(t, created.Secret)

		rec = f.do(http.MethodGet, base, "", "secret")
		assert.Equal(t, http.StatusOK, rec.Code)
		assert.Contains(t, rec.Body.String(), created.ID)
	})

	t.Run("其他服务器不可见", func(t *testing.T) {
		rec := f.do(http.MethodGet, "/api/v1/servers/srv-2/webhooks/"+created.ID, "", "secret")
		assert.Equal(t, http.StatusNotFound, rec.Code)
	})

	t.Run("停用并删除", func(t *testing.T) {
		rec := f.do(http.MethodPatch, base+"/"+created.ID, `{"isActive":false}`, "secret")
		require.Equal(t, http.StatusOK, rec.Code)
		assert.Contains(t, rec.Body.String(), `"isActive":false`)

		assert.Equal(t, http.StatusOK, f.do(http.MethodGet, base+"/"+created.ID+"/deliveries", "", "secret").Code)
		assert.Equal(t, http.StatusOK, f.do(http.MethodDelete, base+"/"+created.ID, "", "secret").Code)
		assert.Equal(t, http.StatusNotFound, f.do(http.MethodGet, base+"/"+created.ID, "", "secret").Code)
	})
}
