// Package metrics exposes pipeline run metrics to Prometheus.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"pipewarden/internal/core"
)

// Collector records pipeline lifecycle events. It implements core.Observer.
type Collector struct {
	registry *prometheus.Registry

	stageResults    *prometheus.CounterVec
	stageDuration   *prometheus.HistogramVec
	runs            *prometheus.CounterVec
	runDuration     *prometheus.HistogramVec
	approvals       *prometheus.CounterVec
	cleanupDegraded *prometheus.CounterVec
}

var _ core.Observer = (*Collector)(nil)

// New registers the collectors on a fresh registry.
func New() *Collector {
	reg := prometheus.NewRegistry()
	factory := promauto.With(reg)
	return &Collector{
		registry: reg,
		stageResults: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "pipewarden",
			Name:      "stage_results_total",
			Help:      "Stage results by pipeline, stage and status",
		}, []string{"pipeline", "stage", "status"}),
		stageDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "pipewarden",
			Name:      "stage_duration_seconds",
			Help:      "Wall time of executed stages",
			Buckets:   prometheus.ExponentialBuckets(0.5, 2, 14),
		}, []string{"pipeline", "stage"}),
		runs: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "pipewarden",
			Name:      "runs_total",
			Help:      "Finished runs by pipeline, status and failure kind",
		}, []string{"pipeline", "status", "failure_kind"}),
		runDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "pipewarden",
			Name:      "run_duration_seconds",
			Help:      "Wall time of finished runs",
			Buckets:   prometheus.ExponentialBuckets(1, 2, 14),
		}, []string{"pipeline"}),
		approvals: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "pipewarden",
			Name:      "approvals_total",
			Help:      "Resolved approval gates by final state",
		}, []string{"pipeline", "stage", "state"}),
		cleanupDegraded: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "pipewarden",
			Name:      "cleanup_degraded_total",
			Help:      "Stages whose resource release or post-actions failed",
		}, []string{"pipeline", "stage"}),
	}
}

// Registry is the registry the collectors live on.
func (c *Collector) Registry() *prometheus.Registry { return c.registry }

// Handler serves the registry in the Prometheus exposition format.
func (c *Collector) Handler() http.Handler {
	return promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{})
}

func (c *Collector) StageFinished(pipeline string, res core.StageResult) {
	c.stageResults.WithLabelValues(pipeline, res.Stage, string(res.Status)).Inc()
	if res.Status != core.StageSkipped {
		c.stageDuration.WithLabelValues(pipeline, res.Stage).Observe(res.Duration().Seconds())
	}
	if res.CleanupDegraded {
		c.cleanupDegraded.WithLabelValues(pipeline, res.Stage).Inc()
	}
}

func (c *Collector) RunFinished(o *core.PipelineOutcome) {
	c.runs.WithLabelValues(o.Pipeline, string(o.Status), string(o.FailureKind)).Inc()
	c.runDuration.WithLabelValues(o.Pipeline).Observe(o.FinishedAt.Sub(o.StartedAt).Seconds())
}

func (c *Collector) ApprovalResolved(pipeline, stage string, state core.ApprovalState) {
	c.approvals.WithLabelValues(pipeline, stage, string(state)).Inc()
}
