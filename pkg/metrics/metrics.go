package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Job metrics
	JobsTotal = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "scanorc_jobs_total",
			Help: "Total number of jobs by kind and state",
		},
		[]string{"kind", "state"},
	)

	JobsCompletedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "scanorc_jobs_completed_total",
			Help: "Total number of jobs that reached a terminal state, by kind and outcome",
		},
		[]string{"kind", "outcome"},
	)

	QueueDepth = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "scanorc_queue_depth",
			Help: "Current depth of a named job queue",
		},
		[]string{"queue"},
	)

	SchedulingLatency = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "scanorc_scheduling_latency_seconds",
			Help:    "Time from Job enqueue to dispatch in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"queue"},
	)

	JobRetries = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "scanorc_job_retries_total",
			Help: "Total number of job retry attempts by kind",
		},
		[]string{"kind"},
	)

	// Container lifecycle metrics
	ContainersLaunched = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "scanorc_containers_launched_total",
			Help: "Total number of scanner containers launched",
		},
	)

	ContainersFailed = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "scanorc_containers_failed_total",
			Help: "Total number of scanner containers that failed to launch or exited non-zero",
		},
	)

	ContainerLaunchDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "scanorc_container_launch_duration_seconds",
			Help:    "Time taken to create and start a scanner container",
			Buckets: prometheus.DefBuckets,
		},
	)

	ContainerRunDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "scanorc_container_run_duration_seconds",
			Help:    "Wall-clock duration of a scan container run",
			Buckets: []float64{1, 5, 15, 30, 60, 120, 300, 600, 1800, 3600},
		},
	)

	ContainersReaped = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "scanorc_containers_reaped_total",
			Help: "Total number of containers destroyed by the TTL reaper",
		},
	)

	// Scan output metrics
	FindingsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "scanorc_findings_total",
			Help: "Total number of scan findings by severity",
		},
		[]string{"severity"},
	)

	ScansLoopDetected = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "scanorc_scans_loop_detected_total",
			Help: "Total number of scans aborted by the output-loop heuristic",
		},
	)

	// Pipeline metrics
	PipelineRunsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "scanorc_pipeline_runs_total",
			Help: "Total number of template synthesis pipeline runs by trigger kind and outcome",
		},
		[]string{"trigger", "outcome"},
	)

	TemplatesGenerated = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "scanorc_templates_generated_total",
			Help: "Total number of templates generated by the LLM",
		},
	)

	TemplatesValidated = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "scanorc_templates_validated_total",
			Help: "Total number of templates that passed validation",
		},
	)

	TemplatesInvalid = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "scanorc_templates_invalid_total",
			Help: "Total number of templates that exhausted their refinement budget without validating",
		},
	)

	RefinementAttempts = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "scanorc_refinement_attempts_total",
			Help: "Total number of template refinement attempts",
		},
	)

	TemplatesSkipped = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "scanorc_templates_skipped_total",
			Help: "Total number of CVEs abandoned after exhausting the generation retry budget",
		},
	)

	// Dependency circuit breaker metrics
	CircuitBreakerState = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "scanorc_circuit_breaker_state",
			Help: "Current state of a dependency circuit breaker (0=closed, 1=half-open, 2=open)",
		},
		[]string{"dependency"},
	)
)

func init() {
	prometheus.MustRegister(JobsTotal)
	prometheus.MustRegister(JobsCompletedTotal)
	prometheus.MustRegister(QueueDepth)
	prometheus.MustRegister(SchedulingLatency)
	prometheus.MustRegister(JobRetries)

	prometheus.MustRegister(ContainersLaunched)
	prometheus.MustRegister(ContainersFailed)
	prometheus.MustRegister(ContainerLaunchDuration)
	prometheus.MustRegister(ContainerRunDuration)
	prometheus.MustRegister(ContainersReaped)

	prometheus.MustRegister(FindingsTotal)
	prometheus.MustRegister(ScansLoopDetected)

	prometheus.MustRegister(PipelineRunsTotal)
	prometheus.MustRegister(TemplatesGenerated)
	prometheus.MustRegister(TemplatesValidated)
	prometheus.MustRegister(TemplatesInvalid)
	prometheus.MustRegister(RefinementAttempts)
	prometheus.MustRegister(TemplatesSkipped)

	prometheus.MustRegister(CircuitBreakerState)
}

// Handler returns the Prometheus HTTP handler.
func Handler() http.Handler {
	return promhttp.Handler()
}

// Timer is a helper for timing operations.
type Timer struct {
	start time.Time
}

// NewTimer creates a new timer.
func NewTimer() *Timer {
	return &Timer{start: time.Now()}
}

// ObserveDuration records the duration to a histogram.
func (t *Timer) ObserveDuration(histogram prometheus.Histogram) {
	duration := time.Since(t.start).Seconds()
	histogram.Observe(duration)
}

// ObserveDurationVec records the duration to a histogram vec with labels.
func (t *Timer) ObserveDurationVec(histogram prometheus.ObserverVec, labels ...string) {
	duration := time.Since(t.start).Seconds()
	histogram.WithLabelValues(labels...).Observe(duration)
}

// Duration returns the elapsed time since the timer started.
func (t *Timer) Duration() time.Duration {
	return time.Since(t.start)
}
