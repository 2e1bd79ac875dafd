package health

import (
	"context"
	"net/http"
	"time"

	"github.com/heptiolabs/healthcheck"
	"go.uber.org/zap"

	"relaymail/backend/internal/config"
)

// Pinger 可探测连通性的依赖（存储）
type Pinger interface {
	Health(ctx context.Context) error
}

// maxGoroutines 存活检查的协程数上限
const maxGoroutines = 10000

// HealthChecker 健康检查器
//
// 存活检查只看进程自身；就绪检查包含存储与已启用的 spamd / clamd。
type HealthChecker struct {
	health healthcheck.Handler
	store  Pinger
	logger *zap.Logger
}

// NewHealthChecker 创建健康检查器
func NewHealthChecker(store Pinger, inspection config.InspectionConfig, logger *zap.Logger) *HealthChecker {
	hc := &HealthChecker{
		health: healthcheck.NewHandler(),
		store:  store,
		logger: logger.Named("health"),
	}

	hc.health.AddLivenessCheck("goroutines", healthcheck.GoroutineCountCheck(maxGoroutines))
	hc.health.AddReadinessCheck("store", healthcheck.Timeout(hc.checkStore, 5*time.Second))

	for name, scanner := range map[string]config.ScannerConfig{
		"spamd":  inspection.Spamd,
		"clamav": inspection.ClamAV,
	} {
		if !scanner.Enabled {
			continue
		}
		hc.health.AddReadinessCheck(name, healthcheck.TCPDialCheck(scanner.Address(), 2*time.Second))
	}

	return hc
}

func (hc *HealthChecker) checkStore() error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := hc.store.Health(ctx); err != nil {
		hc.logger.Warn("store health check failed", zap.Error(err))
		return err
	}
	return nil
}

// Handler 返回健康检查处理器（/live 与 /ready）
func (hc *HealthChecker) Handler() http.Handler {
	return hc.health
}

// LiveEndpoint 存活检查
func (hc *HealthChecker) LiveEndpoint(w http.ResponseWriter, r *http.Request) {
	hc.health.LiveEndpoint(w, r)
}

// ReadyEndpoint 就绪检查，?full=1 时返回每项检查结果
func (hc *HealthChecker) ReadyEndpoint(w http.ResponseWriter, r *http.Request) {
	hc.health.ReadyEndpoint(w, r)
}
