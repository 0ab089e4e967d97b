// Package observer defines metrics hooks for sandbox execution and dispatch.
package observer

import (
	"context"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// MetricsRecorder records sandbox metrics.
type MetricsRecorder interface {
	ObserveCompile(ctx context.Context, languageID string, ok bool, timeMs int64)
	ObserveRun(ctx context.Context, languageID string, status string, timeMs int64)
	ObserveDispatch(ctx context.Context, job string, mode string)
}

// NoopMetricsRecorder discards all metrics.
type NoopMetricsRecorder struct{}

func (NoopMetricsRecorder) ObserveCompile(context.Context, string, bool, int64) {}
func (NoopMetricsRecorder) ObserveRun(context.Context, string, string, int64)   {}
func (NoopMetricsRecorder) ObserveDispatch(context.Context, string, string)     {}

var durationBuckets = []float64{50, 100, 250, 500, 1000, 2500, 5000, 10000, 15000}

// PrometheusRecorder exports sandbox metrics through client_golang.
type PrometheusRecorder struct {
	compiles    *prometheus.CounterVec
	compileTime *prometheus.HistogramVec
	runs        *prometheus.CounterVec
	runTime     *prometheus.HistogramVec
	dispatches  *prometheus.CounterVec
}

// NewPrometheusRecorder registers the collectors on reg.
// A nil reg falls back to the default registerer.
func NewPrometheusRecorder(reg prometheus.Registerer) *PrometheusRecorder {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	factory := promauto.With(reg)
	return &PrometheusRecorder{
		compiles: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "codegrade_compiles_total",
			Help: "Compile phases by language and result.",
		}, []string{"language", "ok"}),
		compileTime: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "codegrade_compile_duration_ms",
			Help:    "Compile phase duration in milliseconds.",
			Buckets: durationBuckets,
		}, []string{"language"}),
		runs: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "codegrade_runs_total",
			Help: "Sandbox runs by language and status.",
		}, []string{"language", "status"}),
		runTime: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "codegrade_run_duration_ms",
			Help:    "Sandbox run duration in milliseconds.",
			Buckets: durationBuckets,
		}, []string{"language"}),
		dispatches: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "codegrade_dispatch_total",
			Help: "Dispatched jobs by job name and serving mode.",
		}, []string{"job", "mode"}),
	}
}

func (p *PrometheusRecorder) ObserveCompile(_ context.Context, languageID string, ok bool, timeMs int64) {
	label := "false"
	if ok {
		label = "true"
	}
	p.compiles.WithLabelValues(languageID, label).Inc()
	p.compileTime.WithLabelValues(languageID).Observe(float64(timeMs))
}

func (p *PrometheusRecorder) ObserveRun(_ context.Context, languageID string, status string, timeMs int64) {
	p.runs.WithLabelValues(languageID, status).Inc()
	p.runTime.WithLabelValues(languageID).Observe(float64(timeMs))
}

func (p *PrometheusRecorder) ObserveDispatch(_ context.Context, job string, mode string) {
	p.dispatches.WithLabelValues(job, mode).Inc()
}
