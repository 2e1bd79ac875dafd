package inspection

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"relaymail/backend/internal/config"
	"relaymail/backend/internal/domain"
	"relaymail/backend/internal/monitoring"
)

// SpamScanner 垃圾邮件扫描
type SpamScanner interface {
	Scan(ctx context.Context, raw []byte) (SpamResult, error)
}

// VirusScanner 病毒扫描
type VirusScanner interface {
	Scan(ctx context.Context, raw []byte) (VirusResult, error)
}

// Inspector 对原始邮件运行垃圾邮件与病毒扫描
//
// 两个扫描互不影响；扫描失败只会降级为对应的检查结果，Inspect 从不返回错误
type Inspector struct {
	spam    SpamScanner
	virus   VirusScanner
	metrics *monitoring.Metrics
	log     *zap.Logger
}

// NewInspector 根据配置创建检查器，未启用的服务不会建立连接
func NewInspector(cfg config.InspectionConfig, metrics *monitoring.Metrics, log *zap.Logger) *Inspector {
	var spam SpamScanner
	if cfg.Spamd.Enabled {
		spam = NewSpamdClient(cfg.Spamd)
	}
	var virus VirusScanner
	if cfg.ClamAV.Enabled {
		virus = NewClamdClient(cfg.ClamAV)
	}
	return NewInspectorWith(spam, virus, metrics, log)
}

// NewInspectorWith 使用指定的扫描实现创建检查器，nil 表示该服务未启用
func NewInspectorWith(spam SpamScanner, virus VirusScanner, metrics *monitoring.Metrics, log *zap.Logger) *Inspector {
	return &Inspector{
		spam:    spam,
		virus:   virus,
		metrics: metrics,
		log:     log.Named("inspection"),
	}
}

// Inspect 检查原始邮件
func (i *Inspector) Inspect(ctx context.Context, raw []byte, scope domain.MessageScope) *Result {
	var (
		spam  SpamResult
		virus VirusResult
	)

	var g errgroup.Group
	if i.spam != nil {
		g.Go(func() error {
			spam = i.scanSpam(ctx, raw, scope)
			return nil
		})
	}
	if i.virus != nil {
		g.Go(func() error {
			virus = i.scanVirus(ctx, raw)
			return nil
		})
	}
	_ = g.Wait()

	return newResult(scope, spam, virus)
}

func (i *Inspector) scanSpam(ctx context.Context, raw []byte, scope domain.MessageScope) SpamResult {
	start := time.Now()
	result, err := i.spam.Scan(ctx, raw)
	i.metrics.RecordScan("spamd", outcome(err), time.Since(start))

	if err != nil {
		if errors.Is(err, errThrottled) {
			i.metrics.RecordThrottled("spamd")
		}
		i.log.Warn("spam scan degraded", zap.String("scope", string(scope)), zap.Error(err))
		return degradedSpamResult(err)
	}

	i.metrics.RecordSpamScore(string(scope), result.Score)
	return result
}

func (i *Inspector) scanVirus(ctx context.Context, raw []byte) VirusResult {
	start := time.Now()
	result, err := i.virus.Scan(ctx, raw)
	i.metrics.RecordScan("clamav", outcome(err), time.Since(start))

	if err != nil {
		if errors.Is(err, errThrottled) {
			i.metrics.RecordThrottled("clamav")
		}
		i.log.Warn("virus scan degraded", zap.Error(err))
		return degradedVirusResult(err)
	}

	if result.Threat {
		i.metrics.RecordThreat()
		i.log.Info("threat found", zap.String("verdict", result.Message))
	}
	return result
}
