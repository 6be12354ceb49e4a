package monitoring

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics 监控指标
type Metrics struct {
	// HTTP 请求指标
	HTTPRequestsTotal   *prometheus.CounterVec
	HTTPRequestDuration *prometheus.HistogramVec

	// 入站指标
	MessagesIngested  prometheus.Counter
	MessagesDuplicate prometheus.Counter
	MessagesDropped   prometheus.Counter
	IngestDuration    prometheus.Histogram

	// 出站指标
	MessagesSent       prometheus.Counter
	MessagesSendFailed prometheus.Counter

	// 自动回复指标
	AutoRepliesSent       prometheus.Counter
	AutoRepliesSuppressed prometheus.Counter

	// WebSocket 指标
	WSConnectionsActive prometheus.Gauge
	WSBroadcastsTotal   *prometheus.CounterVec

	// 错误指标
	ErrorsTotal *prometheus.CounterVec
	PanicsTotal prometheus.Counter
}

// NewMetrics 创建监控指标
func NewMetrics() *Metrics {
	return &Metrics{
		HTTPRequestsTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "vowmail_http_requests_total",
				Help: "Total number of HTTP requests",
			},
			[]string{"method", "endpoint", "status_code"},
		),

		HTTPRequestDuration: promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "vowmail_http_request_duration_seconds",
				Help:    "HTTP request duration in seconds",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"method", "endpoint"},
		),

		MessagesIngested: promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "vowmail_messages_ingested_total",
				Help: "Total number of inbound messages persisted",
			},
		),

		MessagesDuplicate: promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "vowmail_messages_duplicate_total",
				Help: "Total number of inbound messages skipped as duplicates",
			},
		),

		MessagesDropped: promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "vowmail_messages_dropped_total",
				Help: "Total number of inbound messages dropped (no matching ceremony)",
			},
		),

		IngestDuration: promauto.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "vowmail_ingest_duration_seconds",
				Help:    "Inbound message processing duration in seconds",
				Buckets: prometheus.DefBuckets,
			},
		),

		MessagesSent: promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "vowmail_messages_sent_total",
				Help: "Total number of outbound messages sent",
			},
		),

		MessagesSendFailed: promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "vowmail_messages_send_failed_total",
				Help: "Total number of outbound message send failures",
			},
		),

		AutoRepliesSent: promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "vowmail_auto_replies_sent_total",
				Help: "Total number of auto-replies dispatched",
			},
		),

		AutoRepliesSuppressed: promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "vowmail_auto_replies_suppressed_total",
				Help: "Total number of auto-replies suppressed by the debounce window",
			},
		),

		WSConnectionsActive: promauto.NewGauge(
			prometheus.GaugeOpts{
				Name: "vowmail_ws_connections_active",
				Help: "Number of active WebSocket connections",
			},
		),

		WSBroadcastsTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "vowmail_ws_broadcasts_total",
				Help: "Total number of WebSocket events broadcast",
			},
			[]string{"event"},
		),

		ErrorsTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "vowmail_errors_total",
				Help: "Total number of errors",
			},
			[]string{"type", "component"},
		),

		PanicsTotal: promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "vowmail_panics_total",
				Help: "Total number of panics",
			},
		),
	}
}

// RecordHTTPRequest 记录 HTTP 请求指标
func (m *Metrics) RecordHTTPRequest(method, endpoint, statusCode string, duration time.Duration) {
	m.HTTPRequestsTotal.WithLabelValues(method, endpoint, statusCode).Inc()
	m.HTTPRequestDuration.WithLabelValues(method, endpoint).Observe(duration.Seconds())
}

// RecordMessageIngested 记录入站消息落库
func (m *Metrics) RecordMessageIngested() {
	m.MessagesIngested.Inc()
}

// RecordMessageDuplicate 记录重复消息
func (m *Metrics) RecordMessageDuplicate() {
	m.MessagesDuplicate.Inc()
}

// RecordMessageDropped 记录丢弃消息
func (m *Metrics) RecordMessageDropped() {
	m.MessagesDropped.Inc()
}

// RecordIngestDuration 记录入站处理耗时
func (m *Metrics) RecordIngestDuration(d time.Duration) {
	m.IngestDuration.Observe(d.Seconds())
}

// RecordMessageSent 记录出站发送成功
func (m *Metrics) RecordMessageSent() {
	m.MessagesSent.Inc()
}

// RecordMessageSendFailed 记录出站发送失败
func (m *Metrics) RecordMessageSendFailed() {
	m.MessagesSendFailed.Inc()
}

// RecordAutoReplySent 记录自动回复发送
func (m *Metrics) RecordAutoReplySent() {
	m.AutoRepliesSent.Inc()
}

// RecordAutoReplySuppressed 记录自动回复被抑制
func (m *Metrics) RecordAutoReplySuppressed() {
	m.AutoRepliesSuppressed.Inc()
}

// RecordBroadcast 记录广播事件
func (m *Metrics) RecordBroadcast(event string) {
	m.WSBroadcastsTotal.WithLabelValues(event).Inc()
}

// RecordError 记录错误
func (m *Metrics) RecordError(errorType, component string) {
	m.ErrorsTotal.WithLabelValues(errorType, component).Inc()
}

// RecordPanic 记录 panic
func (m *Metrics) RecordPanic() {
	m.PanicsTotal.Inc()
}

// Handler 返回 Prometheus 指标的 HTTP 处理器
func (m *Metrics) Handler() http.Handler {
	return promhttp.Handler()
}
