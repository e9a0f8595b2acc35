package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Exporter はスナップショットをPrometheusのメトリクスとして公開する
type Exporter struct {
	registry   *prometheus.Registry
	requests   *prometheus.CounterVec
	ops        *prometheus.CounterVec
	gets       *prometheus.CounterVec
	latency    *prometheus.GaugeVec
	throughput prometheus.Gauge
}

// NewExporter は専用レジストリを持つエクスポータを作成する
func NewExporter(runID string) *Exporter {
	reg := prometheus.NewRegistry()
	factory := promauto.With(reg)
	labels := prometheus.Labels{"run_id": runID}

	return &Exporter{
		registry: reg,
		requests: factory.NewCounterVec(prometheus.CounterOpts{
			Name:        "cacheload_requests_total",
			Help:        "Requests issued, by result",
			ConstLabels: labels,
		}, []string{"result"}),
		ops: factory.NewCounterVec(prometheus.CounterOpts{
			Name:        "cacheload_operations_total",
			Help:        "Requests issued, by operation",
			ConstLabels: labels,
		}, []string{"op"}),
		gets: factory.NewCounterVec(prometheus.CounterOpts{
			Name:        "cacheload_get_results_total",
			Help:        "Get and multi-get key lookups, by hit or miss",
			ConstLabels: labels,
		}, []string{"result"}),
		latency: factory.NewGaugeVec(prometheus.GaugeOpts{
			Name:        "cacheload_latency_seconds",
			Help:        "Request latency of the last reporting interval (approximate quantiles)",
			ConstLabels: labels,
		}, []string{"quantile"}),
		throughput: factory.NewGauge(prometheus.GaugeOpts{
			Name:        "cacheload_throughput_rps",
			Help:        "Completed requests per second over the last reporting interval",
			ConstLabels: labels,
		}),
	}
}

// Handler は /metrics 用のHTTPハンドラを返す
func (e *Exporter) Handler() http.Handler {
	return promhttp.HandlerFor(e.registry, promhttp.HandlerOpts{Registry: e.registry})
}

func (e *Exporter) observe(s Snapshot) {
	e.requests.WithLabelValues("completed").Add(float64(s.Completed))
	e.requests.WithLabelValues("failed").Add(float64(s.Failed))
	for op, n := range s.Ops {
		e.ops.WithLabelValues(op).Add(float64(n))
	}
	e.gets.WithLabelValues("hit").Add(float64(s.Hits))
	e.gets.WithLabelValues("miss").Add(float64(s.Misses))

	e.throughput.Set(s.Throughput)
	e.latency.WithLabelValues("mean").Set(s.Mean.Seconds())
	e.latency.WithLabelValues("0.5").Set(s.P50.Seconds())
	e.latency.WithLabelValues("0.95").Set(s.P95.Seconds())
	e.latency.WithLabelValues("0.99").Set(s.P99.Seconds())
	e.latency.WithLabelValues("0.999").Set(s.P999.Seconds())
}
