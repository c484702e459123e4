// Package metrics はゲートウェイのPrometheusメトリクスを提供する。
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics はゲートウェイが公開するメトリクス。
type Metrics struct {
	// HTTPRequestsTotal は受け付けたリクエスト数。
	HTTPRequestsTotal *prometheus.CounterVec
	// HTTPRequestDuration はリクエストの処理時間。
	HTTPRequestDuration *prometheus.HistogramVec
	// UpstreamRequestsTotal は転送先サービスへのリクエスト数。outcomeはステータスコードかエラー種別。
	UpstreamRequestsTotal *prometheus.CounterVec
	// UpstreamRequestDuration は転送先サービスの応答時間。
	UpstreamRequestDuration *prometheus.HistogramVec
	// MaintenanceRunsTotal は定期ジョブの実行数。
	MaintenanceRunsTotal *prometheus.CounterVec

	registry *prometheus.Registry
}

// New はメトリクスを生成してregistryに登録する。
func New(registry *prometheus.Registry) *Metrics {
	m := &Metrics{
		HTTPRequestsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "feelwise_http_requests_total",
				Help: "受け付けたHTTPリクエスト数",
			},
			[]string{"method", "route", "status"},
		),
		HTTPRequestDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "feelwise_http_request_duration_seconds",
				Help:    "HTTPリクエストの処理時間（秒）",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"method", "route"},
		),
		UpstreamRequestsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "feelwise_upstream_requests_total",
				Help: "転送先サービスへのリクエスト数",
			},
			[]string{"service", "outcome"},
		),
		UpstreamRequestDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "feelwise_upstream_request_duration_seconds",
				Help:    "転送先サービスの応答時間（秒）",
				Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 4, 8},
			},
			[]string{"service"},
		),
		MaintenanceRunsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "feelwise_maintenance_runs_total",
				Help: "定期メンテナンスジョブの実行数",
			},
			[]string{"job", "status"},
		),
		registry: registry,
	}

	registry.MustRegister(
		m.HTTPRequestsTotal,
		m.HTTPRequestDuration,
		m.UpstreamRequestsTotal,
		m.UpstreamRequestDuration,
		m.MaintenanceRunsTotal,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return m
}

// Middleware はリクエスト数と処理時間を記録するGinミドルウェアを返す。
// ルートが一致しないリクエストは "unmatched" として集計する。
func (m *Metrics) Middleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		route := c.FullPath()
		if route == "" {
			route = "unmatched"
		}
		method := c.Request.Method
		m.HTTPRequestsTotal.WithLabelValues(method, route, strconv.Itoa(c.Writer.Status())).Inc()
		m.HTTPRequestDuration.WithLabelValues(method, route).Observe(time.Since(start).Seconds())
	}
}

// ObserveUpstream は転送先サービスへのリクエスト結果を記録する。
func (m *Metrics) ObserveUpstream(service, outcome string, d time.Duration) {
	m.UpstreamRequestsTotal.WithLabelValues(service, outcome).Inc()
	m.UpstreamRequestDuration.WithLabelValues(service).Observe(d.Seconds())
}

// ObserveJob は定期ジョブの実行結果を記録する。
func (m *Metrics) ObserveJob(job string, err error) {
	status := "ok"
	if err != nil {
		status = "error"
	}
	m.MaintenanceRunsTotal.WithLabelValues(job, status).Inc()
}

// Handler は /metrics 用のHTTPハンドラを返す。
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}
