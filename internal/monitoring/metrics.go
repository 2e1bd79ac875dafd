package monitoring

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics 监控指标
type Metrics struct {
	registry *prometheus.Registry

	// HTTP 请求指标
	HTTPRequestsTotal   *prometheus.CounterVec
	HTTPRequestDuration *prometheus.HistogramVec

	// 内容检查指标
	ScansTotal     *prometheus.CounterVec // service, outcome
	ScanDuration   *prometheus.HistogramVec
	SpamScore      *prometheus.HistogramVec // scope
	ThreatsFound   prometheus.Counter
	ScannerWaiting *prometheus.CounterVec // 被限流器拒绝的拨号

	// 跟踪改写指标
	TrackedLinks      prometheus.Counter
	TrackedImages     prometheus.Counter
	RewriteFallbacks  prometheus.Counter
	RewriteDuration   prometheus.Histogram
	MessagesProcessed *prometheus.CounterVec // scope, result

	// 投递与 Webhook 指标
	DeliveryAttempts   *prometheus.CounterVec // status
	WebhookDispatches  *prometheus.CounterVec // event, result
	WebhookDuration    prometheus.Histogram
	WebsocketClients   prometheus.Gauge
	PoolQueueRejection prometheus.Counter

	// 错误指标
	ErrorsTotal *prometheus.CounterVec
}

// NewMetrics 创建监控指标，所有指标注册到独立的注册表
func NewMetrics() *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	factory := promauto.With(reg)

	return &Metrics{
		registry: reg,

		HTTPRequestsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "relaymail_http_requests_total",
				Help: "Total number of HTTP requests",
			},
			[]string{"method", "endpoint", "status_code"},
		),

		HTTPRequestDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "relaymail_http_request_duration_seconds",
				Help:    "HTTP request duration in seconds",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"method", "endpoint"},
		),

		ScansTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "relaymail_scans_total",
				Help: "Content scans by service and outcome",
			},
			[]string{"service", "outcome"},
		),

		ScanDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "relaymail_scan_duration_seconds",
				Help:    "Content scan duration in seconds",
				Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 15},
			},
			[]string{"service"},
		),

		SpamScore: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "relaymail_spam_score",
				Help:    "Unfiltered spam score of scanned messages",
				Buckets: []float64{-5, -1, 0, 1, 2, 3, 5, 8, 13},
			},
			[]string{"scope"},
		),

		ThreatsFound: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "relaymail_threats_found_total",
				Help: "Total number of messages with a detected threat",
			},
		),

		ScannerWaiting: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "relaymail_scanner_throttled_total",
				Help: "Scanner dials that could not get a rate limiter token in time",
			},
			[]string{"service"},
		),

		TrackedLinks: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "relaymail_tracked_links_total",
				Help: "Total number of links replaced with tracking links",
			},
		),

		TrackedImages: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "relaymail_tracked_images_total",
				Help: "Total number of tracking pixels inserted",
			},
		),

		RewriteFallbacks: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "relaymail_rewrite_fallbacks_total",
				Help: "Rewrites that failed and fell back to the original message",
			},
		),

		RewriteDuration: factory.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "relaymail_rewrite_duration_seconds",
				Help:    "Tracking rewrite duration in seconds",
				Buckets: prometheus.DefBuckets,
			},
		),

		MessagesProcessed: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "relaymail_messages_processed_total",
				Help: "Messages processed by the pipeline",
			},
			[]string{"scope", "result"},
		),

		DeliveryAttempts: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "relaymail_delivery_attempts_total",
				Help: "Recorded delivery attempts by status",
			},
			[]string{"status"},
		),

		WebhookDispatches: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "relaymail_webhook_dispatches_total",
				Help: "Webhook deliveries by event and result",
			},
			[]string{"event", "result"},
		),

		WebhookDuration: factory.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "relaymail_webhook_duration_seconds",
				Help:    "Webhook request duration in seconds",
				Buckets: prometheus.DefBuckets,
			},
		),

		WebsocketClients: factory.NewGauge(
			prometheus.GaugeOpts{
				Name: "relaymail_websocket_clients",
				Help: "Number of connected websocket clients",
			},
		),

		PoolQueueRejection: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "relaymail_pool_rejections_total",
				Help: "Tasks that could not be queued on the worker pool",
			},
		),

		ErrorsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "relaymail_errors_total",
				Help: "Total number of errors",
			},
			[]string{"type", "component"},
		),
	}
}

// RecordHTTPRequest 记录 HTTP 请求
func (m *Metrics) RecordHTTPRequest(method, endpoint, statusCode string, duration time.Duration) {
	m.HTTPRequestsTotal.WithLabelValues(method, endpoint, statusCode).Inc()
	m.HTTPRequestDuration.WithLabelValues(method, endpoint).Observe(duration.Seconds())
}

// RecordScan 记录一次扫描结果
func (m *Metrics) RecordScan(service, outcome string, duration time.Duration) {
	m.ScansTotal.WithLabelValues(service, outcome).Inc()
	m.ScanDuration.WithLabelValues(service).Observe(duration.Seconds())
}

// RecordSpamScore 记录垃圾邮件得分
func (m *Metrics) RecordSpamScore(scope string, score float64) {
	m.SpamScore.WithLabelValues(scope).Observe(score)
}

// RecordThreat 记录发现病毒
func (m *Metrics) RecordThreat() {
	m.ThreatsFound.Inc()
}

// RecordThrottled 记录扫描限流
func (m *Metrics) RecordThrottled(service string) {
	m.ScannerWaiting.WithLabelValues(service).Inc()
}

// RecordRewrite 记录一次跟踪改写
func (m *Metrics) RecordRewrite(links, images int, duration time.Duration) {
	m.TrackedLinks.Add(float64(links))
	m.TrackedImages.Add(float64(images))
	m.RewriteDuration.Observe(duration.Seconds())
}

// RecordRewriteFallback 记录改写失败回退
func (m *Metrics) RecordRewriteFallback() {
	m.RewriteFallbacks.Inc()
}

// RecordMessageProcessed 记录流水线处理结果
func (m *Metrics) RecordMessageProcessed(scope, result string) {
	m.MessagesProcessed.WithLabelValues(scope, result).Inc()
}

// RecordDeliveryAttempt 记录投递尝试
func (m *Metrics) RecordDeliveryAttempt(status string) {
	m.DeliveryAttempts.WithLabelValues(status).Inc()
}

// RecordWebhookDispatch 记录 Webhook 投递
func (m *Metrics) RecordWebhookDispatch(event, result string, duration time.Duration) {
	m.WebhookDispatches.WithLabelValues(event, result).Inc()
	m.WebhookDuration.Observe(duration.Seconds())
}

// UpdateWebsocketClients 更新 WebSocket 连接数
func (m *Metrics) UpdateWebsocketClients(count int) {
	m.WebsocketClients.Set(float64(count))
}

// RecordPoolRejection 记录协程池拒绝
func (m *Metrics) RecordPoolRejection() {
	m.PoolQueueRejection.Inc()
}

// RecordError 记录错误
func (m *Metrics) RecordError(errorType, component string) {
	m.ErrorsTotal.WithLabelValues(errorType, component).Inc()
}

// Registry 返回指标注册表
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// HTTPHandler 返回 Prometheus HTTP 处理器
func (m *Metrics) HTTPHandler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}
