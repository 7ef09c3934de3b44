/*
Package metrics provides Prometheus metrics collection and exposition for the
scan orchestration core.

Metrics are grouped by component:

  - Job/queue metrics: counts by kind and state, queue depth, scheduling
    latency, retry counts
  - Container lifecycle: launch/run duration, failures, reaper activity
  - Scan output: findings by severity, loop-detection aborts
  - Pipeline: run outcomes, templates generated/validated/invalid,
    refinement attempts
  - Circuit breaker state per external dependency (LLM, CVE feed, registry)

All metrics are registered at package init against the default Prometheus
registry; Handler returns the promhttp handler for a collaborator to mount
at /metrics. This package does not run an HTTP server itself.

Timer is a small helper: start one, then ObserveDuration(histogram) or
ObserveDurationVec(histogramVec, labels...) once the timed operation
completes.
*/
package metrics
