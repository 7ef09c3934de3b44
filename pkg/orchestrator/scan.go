package orchestrator

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/cuemby/scanorc/pkg/health"
	"github.com/cuemby/scanorc/pkg/log"
	"github.com/cuemby/scanorc/pkg/metrics"
	"github.com/cuemby/scanorc/pkg/orcerrors"
	"github.com/cuemby/scanorc/pkg/pipeline"
	"github.com/cuemby/scanorc/pkg/runtime"
	"github.com/cuemby/scanorc/pkg/scanparse"
	"github.com/cuemby/scanorc/pkg/scheduler"
	"github.com/cuemby/scanorc/pkg/types"
)

// referenceProbeTimeout bounds how long a pre-flight reachability check
// against a validation-stage reference target is allowed to take, so a
// dead reference host fails fast instead of consuming the scan's full
// container timeout.
const referenceProbeTimeout = 5 * time.Second

// probeReferenceTarget runs a lightweight reachability check against a
// pipeline validation scan's reference target before a container is
// launched, so an unreachable reference host surfaces as
// ErrReferenceTargetUnreachable rather than a confusing scan timeout or
// runtime error several minutes later. Only called when the scan request
// carries ReferenceCheck; ordinary user-submitted scans never probe.
func probeReferenceTarget(ctx context.Context, target string) error {
	kind, err := runtime.ValidateTarget(target)
	if err != nil {
		return fmt.Errorf("%w: %v", orcerrors.ErrReferenceTargetUnreachable, err)
	}

	var checker health.Checker
	switch kind {
	case runtime.TargetKindURL:
		checker = health.NewHTTPChecker(target).WithTimeout(referenceProbeTimeout)
	case runtime.TargetKindIP:
		checker = health.NewTCPChecker(target + ":443").WithTimeout(referenceProbeTimeout)
	default:
		// CIDR blocks and address ranges name more than one host; there
		// is no single reference endpoint to probe, so skip the check.
		return nil
	}

	result := checker.Check(ctx)
	if !result.Healthy {
		return fmt.Errorf("%w: %s", orcerrors.ErrReferenceTargetUnreachable, result.Message)
	}
	return nil
}

// SubmitScan queues a curated-templates scan of target, restricted to
// dirs (the scanner image's built-in template set when dirs is empty), and
// returns the new job's id together with the container name it has
// already been assigned.
func (o *Orchestrator) SubmitScan(target string, dirs []string) (jobID, containerName string, err error) {
	selector := types.TemplateSelector{Kind: types.TemplateSelectorAll}
	if len(dirs) > 0 {
		selector = types.TemplateSelector{Kind: types.TemplateSelectorDirs, Dirs: dirs}
	}
	return o.submitScanJob(types.JobKindScan, types.ScanRequest{
		Target:           target,
		TemplateSelector: selector,
	})
}

// SubmitCustomScan queues a scan of target against a single caller-supplied
// template body.
func (o *Orchestrator) SubmitCustomScan(target, fileName string, templateBody []byte) (jobID, containerName string, err error) {
	return o.submitScanJob(types.JobKindCustomScan, types.ScanRequest{
		Target: target,
		TemplateSelector: types.TemplateSelector{
			Kind:     types.TemplateSelectorFile,
			FileName: fileName,
			FileBody: templateBody,
		},
	})
}

// SubmitAIScan synthesizes a template for cve on the fly and queues a scan
// of target against it. The synthesized template is also persisted to the
// library (unvalidated) so a later pipeline run can pick it up for
// refinement instead of regenerating it from scratch.
func (o *Orchestrator) SubmitAIScan(ctx context.Context, target string, cve types.CVERecord) (jobID, containerName string, err error) {
	gen, err := o.generator.Generate(ctx, "", cve, 0, "")
	if err != nil {
		return "", "", fmt.Errorf("orchestrator: synthesize ad hoc scan template: %w", err)
	}

	tpl := &types.Template{
		CVEID:            cve.CVEID,
		Body:             gen.Body,
		Origin:           types.TemplateOriginAIGenerated,
		DeclaredID:       gen.DeclaredID,
		DeclaredSeverity: gen.DeclaredSeverity,
	}
	if err := o.templates.Store(tpl); err != nil {
		log.Logger.Warn().Err(err).Str("cve_id", cve.CVEID).Msg("failed to persist ad hoc AI scan template")
	}

	return o.submitScanJob(types.JobKindAIScan, types.ScanRequest{
		Target: target,
		TemplateSelector: types.TemplateSelector{
			Kind:     types.TemplateSelectorFile,
			FileName: tpl.Filename,
			FileBody: gen.Body,
		},
	})
}

// submitScanJob allocates the job's container name up front (confirmed
// non-colliding against the live runtime), assigns a job id, records the
// job queued, and enqueues it on the scan queue. Callers never construct
// a Job themselves; the registry and the queue must agree on its
// existence before either is touched again.
func (o *Orchestrator) submitScanJob(kind types.JobKind, req types.ScanRequest) (jobID, containerName string, err error) {
	if req.ScanID == "" {
		req.ScanID = uuid.NewString()
	}
	req.ContainerName = o.runtime.NewContainerName()

	payload, err := json.Marshal(req)
	if err != nil {
		return "", "", fmt.Errorf("orchestrator: marshal scan request: %w", err)
	}

	jobID = uuid.NewString()
	if _, err := o.registry.Create(jobID, kind, payload, "", scheduler.MaxAttempts(string(kind))); err != nil {
		return "", "", fmt.Errorf("orchestrator: create scan job: %w", err)
	}
	if err := o.patchJob(jobID, func(j *types.Job) { j.ContainerName = req.ContainerName }); err != nil {
		log.Logger.Warn().Err(err).Str("job_id", jobID).Msg("failed to record pre-allocated container name on job")
	}
	if err := o.scanQueue.EnqueueJob(jobID); err != nil {
		return "", "", fmt.Errorf("orchestrator: enqueue scan job: %w", err)
	}

	metrics.JobsTotal.WithLabelValues(string(kind), string(types.JobStateQueued)).Inc()
	return jobID, req.ContainerName, nil
}

// runScanHandler is the scheduler.Handler shared by scan, custom_scan and
// ai_scan jobs: launch the scanner container, pump its output through the
// parser while the job's log and findings accumulate, wait for exit, and
// classify the terminal condition.
func (o *Orchestrator) runScanHandler(ctx context.Context, job *types.Job) ([]byte, error) {
	var req types.ScanRequest
	if err := json.Unmarshal(job.Payload, &req); err != nil {
		return nil, orcerrors.Wrap(orcerrors.ErrInvalidInput, "unmarshal scan request", err)
	}

	if req.ReferenceCheck {
		if err := probeReferenceTarget(ctx, req.Target); err != nil {
			return nil, fmt.Errorf("orchestrator: reference target readiness: %w", err)
		}
	}

	launchTimer := metrics.NewTimer()
	handle, err := o.runtime.Launch(ctx, runtime.Spec{
		JobID:            job.ID,
		Image:            o.scannerImage,
		Target:           req.Target,
		TemplateSelector: req.TemplateSelector,
		Timeout:          o.scanTimeout,
		TTLAfterExit:     5 * time.Minute,
		ContainerName:    req.ContainerName,
	})
	if err != nil {
		metrics.ContainersFailed.Inc()
		return nil, fmt.Errorf("orchestrator: launch scanner container: %w", err)
	}
	launchTimer.ObserveDuration(metrics.ContainerLaunchDuration)
	metrics.ContainersLaunched.Inc()

	if err := o.patchJob(job.ID, func(j *types.Job) { j.ContainerName = handle.ContainerName }); err != nil {
		log.Logger.Warn().Err(err).Str("job_id", job.ID).Msg("failed to record container name on job")
	}

	logCtx, cancelLogs := context.WithCancel(ctx)
	chunks, cancelStream := o.runtime.StreamLogs(logCtx, handle)

	parsed := make(chan scanOutputResult, 1)
	go func() { parsed <- o.consumeScanOutput(job.ID, chunks) }()

	runTimer := metrics.NewTimer()
	exitCode, waitErr := o.runtime.Wait(ctx, handle, o.scanTimeout)
	runTimer.ObserveDuration(metrics.ContainerRunDuration)

	cancelStream()
	cancelLogs()
	result := <-parsed

	if destroyErr := o.runtime.Destroy(handle); destroyErr != nil {
		log.Logger.Warn().Err(destroyErr).Str("container", handle.ContainerName).Msg("failed to destroy scanner container")
	}

	if waitErr != nil && !errors.Is(waitErr, orcerrors.ErrTimeout) {
		metrics.ContainersFailed.Inc()
	}

	terminal := classifyTerminal(exitCode, waitErr, result)
	outcome := types.ScanOutcome{
		ExitCode:      exitCode,
		FindingsCount: result.findingsCount,
		Terminal:      terminal,
	}
	payload, marshalErr := json.Marshal(outcome)
	if marshalErr != nil {
		return nil, fmt.Errorf("orchestrator: marshal scan outcome: %w", marshalErr)
	}

	if sentinel := terminalError(terminal); sentinel != nil {
		_ = o.patchJob(job.ID, func(j *types.Job) { j.ErrorKind = string(terminal) })
		return payload, fmt.Errorf("orchestrator: scan %s terminal=%s: %w", job.ID, terminal, sentinel)
	}
	return payload, nil
}

// scanOutputResult summarizes what consumeScanOutput observed across a
// scan's full output stream.
type scanOutputResult struct {
	findingsCount int
	loopDetected  bool
}

// consumeScanOutput drains chunks until the channel closes, mirroring
// every chunk into the job's persisted log and feeding complete lines to
// a fresh Parser. It returns early once a loop is detected; the caller is
// expected to be tearing the container down around the same time.
func (o *Orchestrator) consumeScanOutput(jobID string, chunks <-chan types.LogChunk) scanOutputResult {
	parser := scanparse.NewParser()
	var res scanOutputResult
	var buf []byte

	for chunk := range chunks {
		if err := o.registry.AppendLog(jobID, chunk); err != nil {
			log.Logger.Warn().Err(err).Str("job_id", jobID).Msg("failed to append scan log chunk")
		}

		buf = append(buf, chunk.Data...)
		for {
			i := bytes.IndexByte(buf, '\n')
			if i < 0 {
				break
			}
			line := string(buf[:i])
			buf = buf[i+1:]

			for _, ev := range parser.Feed(line) {
				switch ev.Kind {
				case scanparse.EventFinding:
					ev.Finding.JobID = jobID
					ev.Finding.ObservedAt = time.Now()
					if err := o.registry.RecordFinding(ev.Finding); err != nil {
						log.Logger.Warn().Err(err).Str("job_id", jobID).Msg("failed to record finding")
					}
					metrics.FindingsTotal.WithLabelValues(string(ev.Finding.Severity)).Inc()
					res.findingsCount++
				case scanparse.EventLoopDetected:
					metrics.ScansLoopDetected.Inc()
					res.loopDetected = true
				}
			}
			if res.loopDetected {
				return res
			}
		}
	}
	return res
}

func classifyTerminal(exitCode int, waitErr error, result scanOutputResult) types.ScanOutcomeTerminal {
	if result.loopDetected {
		return types.TerminalLoopDetected
	}
	if errors.Is(waitErr, orcerrors.ErrTimeout) {
		return types.TerminalTimeout
	}
	if waitErr != nil || exitCode != 0 {
		return types.TerminalRuntimeError
	}
	if result.findingsCount == 0 {
		return types.TerminalNoResults
	}
	return types.TerminalCompleted
}

// terminalError maps a terminal condition onto the sentinel the
// dispatcher's failure path should see, or nil for a successful outcome.
func terminalError(t types.ScanOutcomeTerminal) error {
	switch t {
	case types.TerminalLoopDetected:
		return orcerrors.ErrLoopDetected
	case types.TerminalTimeout:
		return orcerrors.ErrTimeout
	case types.TerminalRuntimeError:
		return orcerrors.ErrRuntimeUnavailable
	default:
		return nil
	}
}

// syncScanSubmitter implements pipeline.ScanSubmitter by dispatching a
// real custom_scan Job through the registry and scheduler and polling for
// its terminal state, keeping pkg/pipeline decoupled from pkg/runtime.
type syncScanSubmitter struct {
	o *Orchestrator
}

// pollInterval governs how often a validation scan's terminal state is
// polled for. Scans run for minutes; this only needs to be fast relative
// to that.
const pollInterval = 500 * time.Millisecond

func (s *syncScanSubmitter) SubmitValidationScan(ctx context.Context, t *types.Template, referenceTarget string) (pipeline.ValidationResult, error) {
	if referenceTarget == "" {
		return pipeline.ValidationResult{}, fmt.Errorf("%w: template %s has no reference target", orcerrors.ErrReferenceTargetUnreachable, t.TemplateID)
	}

	jobID, _, err := s.o.submitScanJob(types.JobKindCustomScan, types.ScanRequest{
		Target: referenceTarget,
		TemplateSelector: types.TemplateSelector{
			Kind:     types.TemplateSelectorFile,
			FileName: t.Filename,
			FileBody: t.Body,
		},
		ReferenceCheck: true,
	})
	if err != nil {
		return pipeline.ValidationResult{}, fmt.Errorf("pipeline: submit validation scan: %w", err)
	}

	job, err := s.o.waitForTerminal(ctx, jobID)
	if err != nil {
		return pipeline.ValidationResult{}, fmt.Errorf("pipeline: await validation scan: %w", err)
	}

	if job.State != types.JobStateSuccess {
		return pipeline.ValidationResult{Diagnostic: job.Error}, nil
	}

	findings, err := s.o.registry.ListFindings(jobID)
	if err != nil {
		return pipeline.ValidationResult{}, fmt.Errorf("pipeline: list validation scan findings: %w", err)
	}
	for _, f := range findings {
		if f.TemplateID == t.DeclaredID && f.Severity.AtLeast(t.DeclaredSeverity) {
			return pipeline.ValidationResult{Matched: true}, nil
		}
	}
	return pipeline.ValidationResult{Diagnostic: "no finding matched the template's id at or above its declared severity"}, nil
}

// waitForTerminal polls the registry until jobID reaches a terminal
// state or ctx is done.
func (o *Orchestrator) waitForTerminal(ctx context.Context, jobID string) (*types.Job, error) {
	ticker := time.NewTicker(pollInterval)
	defer ticker.Stop()

	for {
		job, err := o.registry.Get(jobID)
		if err != nil {
			return nil, err
		}
		if job.Terminal() {
			return job, nil
		}

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-ticker.C:
		}
	}
}
