package httptransport

import (
	"net/http"
	"time"

	gincors "github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"relaymail/backend/internal/config"
	"relaymail/backend/internal/health"
	"relaymail/backend/internal/middleware"
	"relaymail/backend/internal/monitoring"
	"relaymail/backend/internal/service"
	"relaymail/backend/internal/tracking"
	"relaymail/backend/internal/websocket"
)

// Handler 聚合所有 HTTP 处理逻辑。
type Handler struct {
	tracker *tracking.Tracker
	webhook *service.WebhookService
	log     *zap.Logger
}

// RouterDependencies 路由器依赖项
type RouterDependencies struct {
	Config         *config.Config
	Tracker        *tracking.Tracker
	WebhookService *service.WebhookService
	WebSocketHub   *websocket.Hub // 为 nil 时不提供事件流
	Health         *health.HealthChecker
	Metrics        *monitoring.Metrics
	Logger         *zap.Logger
}

// NewRouter 创建并返回 Gin 路由实例。
//
// 跟踪域名解析到本服务：/{serverToken}/{linkToken} 跳转原始链接，
// /img/{serverToken}/{messageToken} 返回跟踪像素。
func NewRouter(deps RouterDependencies) *gin.Engine {
	router := gin.New()

	monitor := middleware.NewMonitoringMiddleware(deps.Metrics, deps.Logger)
	router.Use(monitor.HTTPMetrics())
	router.Use(monitor.PanicRecovery())
	router.Use(middleware.RequestLogger(deps.Logger))
	router.Use(middleware.SecurityHeaders())
	router.Use(middleware.BodySizeLimit(1 << 20))

	corsConfig := gincors.Config{
		AllowOrigins:     deps.Config.CORS.AllowedOrigins,
		AllowMethods:     []string{"GET", "POST", "PATCH", "DELETE", "OPTIONS"},
		AllowHeaders:     []string{"Origin", "Content-Type", "Accept", "X-API-Key"},
		ExposeHeaders:    []string{"Content-Length"},
		AllowCredentials: true,
		MaxAge:           12 * time.Hour,
	}
	// 允许所有来源时不能携带凭证
	for _, origin := range corsConfig.AllowOrigins {
		if origin == "*" {
			corsConfig.AllowCredentials = false
			break
		}
	}
	router.Use(gincors.New(corsConfig))

	handler := &Handler{
		tracker: deps.Tracker,
		webhook: deps.WebhookService,
		log:     deps.Logger.Named("http"),
	}

	router.GET("/health/live", gin.WrapF(deps.Health.LiveEndpoint))
	router.GET("/health/ready", gin.WrapF(deps.Health.ReadyEndpoint))
	router.GET("/metrics", gin.WrapH(deps.Metrics.HTTPHandler()))

	if deps.WebSocketHub != nil {
		router.GET("/ws/servers/:serverToken", websocket.HandleWebSocket(deps.WebSocketHub))
	}

	if deps.Config.Server.APIKey != "" && deps.WebhookService != nil {
		api := router.Group("/api/v1/servers/:serverID")
		api.Use(middleware.RequireAPIKey(deps.Config.Server.APIKey))
		{
			api.POST("/webhooks", handler.createWebhook)
			api.GET("/webhooks", handler.listWebhooks)
			api.GET("/webhooks/:id", handler.getWebhook)
			api.PATCH("/webhooks/:id", handler.updateWebhook)
			api.DELETE("/webhooks/:id", handler.deleteWebhook)
			api.GET("/webhooks/:id/deliveries", handler.getWebhookDeliveries)
		}
	}

	router.GET("/img/:serverToken/:messageToken", handler.trackLoad)
	router.GET("/:serverToken/:linkToken", handler.trackClick)

	router.NoRoute(func(c *gin.Context) {
		c.String(http.StatusNotFound, "Not found")
	})

	return router
}
