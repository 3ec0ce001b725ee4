package gateway

import (
	"net/http"
	"strconv"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sony/gobreaker"

	"github.com/nao1215/bookhub/pkg/proxy"
)

const metricsNamespace = "gateway"

// metrics はゲートウェイのPrometheusメトリクス。
// サーバーごとに専用のレジストリを持つ。
type metrics struct {
	registry           *prometheus.Registry
	requests           *prometheus.CounterVec
	latency            *prometheus.HistogramVec
	rateLimitDecisions *prometheus.CounterVec
	upstreamFailures   *prometheus.CounterVec
	breakerTransitions *prometheus.CounterVec
}

func newMetrics() *metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	factory := promauto.With(reg)

	return &metrics{
		registry: reg,
		requests: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "requests_total",
			Help:      "処理したリクエスト数",
		}, []string{"route", "method", "status"}),
		latency: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: metricsNamespace,
			Name:      "request_duration_seconds",
			Help:      "リクエストの処理時間",
			Buckets:   prometheus.DefBuckets,
		}, []string{"route"}),
		rateLimitDecisions: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "rate_limit_decisions_total",
			Help:      "レート制限の判定結果",
		}, []string{"outcome"}),
		upstreamFailures: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "upstream_failures_total",
			Help:      "バックエンドへ転送できなかった回数",
		}, []string{"route"}),
		breakerTransitions: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "breaker_transitions_total",
			Help:      "サーキットブレーカーの状態遷移回数",
		}, []string{"backend", "to"}),
	}
}

// observeRequest はアクセスログと同じタイミングでリクエストを記録する。
func (m *metrics) observeRequest(route, method string, status int, seconds float64) {
	if route == "" {
		route = "none"
	}
	m.requests.WithLabelValues(route, method, strconv.Itoa(status)).Inc()
	m.latency.WithLabelValues(route).Observe(seconds)
}

// observeBreaker はproxy.WithStateChangeに渡す関数。
func (m *metrics) observeBreaker(backend string, _, to gobreaker.State) {
	m.breakerTransitions.WithLabelValues(backend, to.String()).Inc()
}

// watchBreakers はスクレイプ時点のブレーカー状態を公開する。
func (m *metrics) watchBreakers(router *proxy.Router) {
	m.registry.MustRegister(&breakerCollector{router: router})
}

func (m *metrics) handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}

var breakerStateDesc = prometheus.NewDesc(
	prometheus.BuildFQName(metricsNamespace, "", "breaker_state"),
	"サーキットブレーカーの状態（0=closed, 1=half-open, 2=open）",
	[]string{"backend"}, nil,
)

// breakerCollector はRouterのブレーカー状態をゲージとして収集する。
type breakerCollector struct {
	router *proxy.Router
}

func (c *breakerCollector) Describe(ch chan<- *prometheus.Desc) {
	ch <- breakerStateDesc
}

func (c *breakerCollector) Collect(ch chan<- prometheus.Metric) {
	for name, state := range c.router.States() {
		ch <- prometheus.MustNewConstMetric(breakerStateDesc, prometheus.GaugeValue, float64(state), name)
	}
}
