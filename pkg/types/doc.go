/*
Package types defines the core data structures shared across the scan
orchestration core: jobs, container handles, findings, templates, CVE
records, and pipeline runs.

# Core Types

Scheduling:
  - Job: a tracked unit of scheduler work, tagged by JobKind and carrying
    JobState through the queued/running/terminal lifecycle
  - TemplateSelector: a tagged variant (all/dirs/file) describing which
    nuclei templates a scan should mount

Scan output:
  - Finding: a single normalized match reported during a scan run
  - Severity: ordered informational/low/medium/high/critical scale

Templates and CVEs:
  - Template: a declarative detection rule with an origin and a
    ValidationState
  - CVERecord: a cached entry from the upstream CVE feed
  - PipelineRun: one execution of the CVE-to-validated-template workflow,
    carrying its own PipelineMetrics

Runtime:
  - ContainerHandle: a launched scanner container and its lifecycle
    bookkeeping
  - LogChunk: a slice of raw scanner stdio bytes tagged with a byte offset
    so a resuming reader can skip what it already received
  - Event: a domain event published on the shared broker

# State Machine

Jobs follow:

	queued → running → success
	                 → failure → retrying → queued
	queued|running → cancelled

# Thread Safety

Types in this package carry no synchronization themselves; the registry
package is responsible for making transitions atomic.
*/
package types
