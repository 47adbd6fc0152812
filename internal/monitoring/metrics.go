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
//
// 所有指标注册在独立的 Registry 上，测试中可以反复创建而不会重复注册。
type Metrics struct {
	registry *prometheus.Registry

	// HTTP 请求指标
	HTTPRequestsTotal   *prometheus.CounterVec
	HTTPRequestDuration *prometheus.HistogramVec

	// SMTP 指标
	SMTPSessionsActive      prometheus.Gauge
	SMTPConnectionsRejected prometheus.Counter
	RecipientsAccepted      prometheus.Counter
	RecipientsRejected      *prometheus.CounterVec
	MessagesStored          prometheus.Counter
	IngestFailures          *prometheus.CounterVec
	MessageSize             prometheus.Histogram

	// 身份指标
	IdentitiesClaimed *prometheus.CounterVec
	IdentitiesExpired prometheus.Counter
	ReaperRuns        *prometheus.CounterVec
	ReaperDuration    prometheus.Histogram

	// 推送指标
	WebsocketClients prometheus.Gauge
	EventsPublished  *prometheus.CounterVec
}

// NewMetrics 创建监控指标
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
				Name: "tempmail_http_requests_total",
				Help: "Total number of HTTP requests",
			},
			[]string{"method", "endpoint", "status_code"},
		),
		HTTPRequestDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "tempmail_http_request_duration_seconds",
				Help:    "HTTP request duration in seconds",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"method", "endpoint"},
		),

		SMTPSessionsActive: factory.NewGauge(
			prometheus.GaugeOpts{
				Name: "tempmail_smtp_sessions_active",
				Help: "Number of open SMTP sessions",
			},
		),
		SMTPConnectionsRejected: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "tempmail_smtp_connections_rejected_total",
				Help: "SMTP connections refused by the connection limiter",
			},
		),
		RecipientsAccepted: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "tempmail_smtp_recipients_accepted_total",
				Help: "Total number of accepted RCPT commands",
			},
		),
		RecipientsRejected: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "tempmail_smtp_recipients_rejected_total",
				Help: "Total number of rejected RCPT commands by reason",
			},
			[]string{"reason"},
		),
		MessagesStored: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "tempmail_messages_stored_total",
				Help: "Total number of messages persisted",
			},
		),
		IngestFailures: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "tempmail_ingest_failures_total",
				Help: "Message transfers that were not persisted, by reason",
			},
			[]string{"reason"},
		),
		MessageSize: factory.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "tempmail_message_size_bytes",
				Help:    "Size of received message data in bytes",
				Buckets: prometheus.ExponentialBuckets(512, 4, 8),
			},
		),

		IdentitiesClaimed: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "tempmail_identities_claimed_total",
				Help: "Identity claims by outcome (created or renewed)",
			},
			[]string{"outcome"},
		),
		IdentitiesExpired: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "tempmail_identities_expired_total",
				Help: "Identities removed by the retention reaper",
			},
		),
		ReaperRuns: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "tempmail_reaper_runs_total",
				Help: "Retention reaper passes by result",
			},
			[]string{"result"},
		),
		ReaperDuration: factory.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "tempmail_reaper_duration_seconds",
				Help:    "Duration of a retention reaper pass",
				Buckets: prometheus.DefBuckets,
			},
		),

		WebsocketClients: factory.NewGauge(
			prometheus.GaugeOpts{
				Name: "tempmail_websocket_clients",
				Help: "Number of connected WebSocket clients",
			},
		),
		EventsPublished: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "tempmail_events_published_total",
				Help: "New-mail events published by result",
			},
			[]string{"result"},
		),
	}
}

// RecordHTTPRequest 记录 HTTP 请求
func (m *Metrics) RecordHTTPRequest(method, endpoint, statusCode string, duration time.Duration) {
	m.HTTPRequestsTotal.WithLabelValues(method, endpoint, statusCode).Inc()
	m.HTTPRequestDuration.WithLabelValues(method, endpoint).Observe(duration.Seconds())
}

// RecordRecipientRejected 记录被拒绝的收件人
func (m *Metrics) RecordRecipientRejected(reason string) {
	m.RecipientsRejected.WithLabelValues(reason).Inc()
}

// RecordIngestFailure 记录未能入库的投递
func (m *Metrics) RecordIngestFailure(reason string) {
	m.IngestFailures.WithLabelValues(reason).Inc()
}

// RecordClaim 记录身份领取结果
func (m *Metrics) RecordClaim(created bool) {
	if created {
		m.IdentitiesClaimed.WithLabelValues("created").Inc()
		return
	}
	m.IdentitiesClaimed.WithLabelValues("renewed").Inc()
}

// RecordReaperRun 记录一次回收
func (m *Metrics) RecordReaperRun(expired int, duration time.Duration, err error) {
	result := "ok"
	if err != nil {
		result = "error"
	}
	m.ReaperRuns.WithLabelValues(result).Inc()
	m.ReaperDuration.Observe(duration.Seconds())
	m.IdentitiesExpired.Add(float64(expired))
}

// RecordEventPublished 记录事件发布结果
func (m *Metrics) RecordEventPublished(err error) {
	if err != nil {
		m.EventsPublished.WithLabelValues("error").Inc()
		return
	}
	m.EventsPublished.WithLabelValues("ok").Inc()
}

// Registry 返回指标注册表
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// HTTPHandler 返回 /metrics 处理器
func (m *Metrics) HTTPHandler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}
