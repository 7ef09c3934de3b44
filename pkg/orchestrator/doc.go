// Package orchestrator wires the registry, scheduler, container runtime,
// template library, and synthesis pipeline into the operation surface
// external collaborators (an HTTP API, a CLI) call: SubmitScan,
// SubmitCustomScan, SubmitAIScan, StreamScanLog, GetJob, CancelJob,
// TriggerPipeline, GetPipelineMetrics, and UploadTemplate.
//
// This is the dependency-injection root: every other package stays
// decoupled from its neighbors (pkg/pipeline never imports
// pkg/scheduler's Dispatcher or pkg/runtime directly), and orchestrator
// is where those neighbors are introduced to one another.
package orchestrator
