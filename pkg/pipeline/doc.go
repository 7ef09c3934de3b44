/*
Package pipeline implements the CVE-to-validated-template synthesis
workflow: fetch novel CVEs, generate a candidate nuclei template for
each with an LLM, store it, validate it against a reference target, and
refine on failure up to a fixed retry budget.

Run(ctx, Trigger) is idempotent by run id: a terminal PipelineRun is a
no-op returning its existing id, an in-flight one returns its id without
re-triggering. Each CVE in a batch is processed independently as a
scheduler.Step, fanned out with scheduler.Group so one CVE's exhausted
retry budget never blocks another's progress; each CVE's outcome is added
to the run-level metrics as that CVE finishes, and the run is persisted
once the fan-out completes.
*/
package pipeline
