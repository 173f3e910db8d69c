package telemetry

import (
	"net/http"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	once sync.Once

	JobsStarted        = prometheus.NewCounterVec(prometheus.CounterOpts{Name: "video_jobs_started_total", Help: "Jobs accepted by the start endpoint"}, []string{"variant"})
	RateLimitRejects   = prometheus.NewCounter(prometheus.CounterOpts{Name: "video_rate_limit_rejects_total", Help: "Requests rejected by rate limiter"})
	NarrationApprovals = prometheus.NewCounterVec(prometheus.CounterOpts{Name: "video_narration_approvals_total", Help: "Approval requests by outcome"}, []string{"outcome"})
	ActiveStreams      = prometheus.NewGauge(prometheus.GaugeOpts{Name: "video_event_streams_active", Help: "Open job event streams"})
	ScriptAttempts     = prometheus.NewCounterVec(prometheus.CounterOpts{Name: "video_script_attempts_total", Help: "Script synthesis attempts by outcome"}, []string{"outcome"})
	RenderDuration     = prometheus.NewHistogram(prometheus.HistogramOpts{Name: "video_render_duration_seconds", Help: "Sandbox render time", Buckets: prometheus.ExponentialBuckets(5, 2, 8)})

	WorkflowTriggered    = prometheus.NewCounterVec(prometheus.CounterOpts{Name: "workflow_runs_triggered_total", Help: "Workflow runs created"}, []string{"workflow"})
	WorkflowSucceeded    = prometheus.NewCounterVec(prometheus.CounterOpts{Name: "workflow_runs_succeeded_total", Help: "Workflow runs completed successfully"}, []string{"workflow"})
	WorkflowRetried      = prometheus.NewCounterVec(prometheus.CounterOpts{Name: "workflow_runs_retried_total", Help: "Workflow runs that failed and will retry"}, []string{"workflow"})
	WorkflowDeadLettered = prometheus.NewCounterVec(prometheus.CounterOpts{Name: "workflow_runs_dead_letter_total", Help: "Workflow runs moved to DLQ"}, []string{"workflow"})
	QueueDepthGauge      = prometheus.NewGauge(prometheus.GaugeOpts{Name: "workflow_queue_depth", Help: "Ready queue depth across priorities"})
	InFlightGauge        = prometheus.NewGauge(prometheus.GaugeOpts{Name: "workflow_runs_inflight", Help: "Runs currently leased"})
)

// Handler exposes /metrics HTTP handler with a singleton registry.
func Handler() http.Handler {
	once.Do(func() {
		prometheus.MustRegister(
			JobsStarted,
			RateLimitRejects,
			NarrationApprovals,
			ActiveStreams,
			ScriptAttempts,
			RenderDuration,
			WorkflowTriggered,
			WorkflowSucceeded,
			WorkflowRetried,
			WorkflowDeadLettered,
			QueueDepthGauge,
			InFlightGauge,
		)
	})
	return promhttp.Handler()
}
