package pipeline

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/cuemby/scanorc/pkg/log"
	"github.com/cuemby/scanorc/pkg/metrics"
	"github.com/cuemby/scanorc/pkg/orcerrors"
	"github.com/cuemby/scanorc/pkg/registry"
	"github.com/cuemby/scanorc/pkg/scheduler"
	"github.com/cuemby/scanorc/pkg/types"
)

// Trigger describes what started a PipelineRun.
type Trigger struct {
	Kind  types.PipelineTriggerKind
	RunID string
	// Since is the feed cursor: CVEs published at or after Since are
	// considered. Zero means "everything the feed has".
	Since time.Time
}

// ReferenceTargets maps a CVE id to the host/URL a validation scan
// should run against, with a fallback default for CVEs without a
// specific entry.
type ReferenceTargets struct {
	ByCVE   map[string]string
	Default string
}

func (r ReferenceTargets) forCVE(cveID string) string {
	if t, ok := r.ByCVE[cveID]; ok {
		return t
	}
	return r.Default
}

// Pipeline runs the CVE-to-validated-template workflow.
type Pipeline struct {
	store     registry.Store
	templates *TemplateStore
	feed      CVEFeedClient
	generator TemplateGenerator
	scanner   ScanSubmitter
	targets   ReferenceTargets
}

// NewPipeline wires a Pipeline from its collaborators.
func NewPipeline(store registry.Store, templates *TemplateStore, feed CVEFeedClient, generator TemplateGenerator, scanner ScanSubmitter, targets ReferenceTargets) *Pipeline {
	return &Pipeline{
		store:     store,
		templates: templates,
		feed:      feed,
		generator: generator,
		scanner:   scanner,
		targets:   targets,
	}
}

// Run executes (or, for a known run id, re-confirms) one pipeline run.
// A terminal run is a no-op returning its existing id; an in-flight run
// returns its id without re-triggering.
func (p *Pipeline) Run(ctx context.Context, trigger Trigger) (string, error) {
	runID := trigger.RunID
	if runID == "" {
		runID = uuid.NewString()
	}

	if existing, err := p.store.GetPipelineRun(runID); err == nil {
		return existing.RunID, nil
	} else if !errors.Is(err, orcerrors.ErrNotFound) {
		return "", fmt.Errorf("pipeline: look up existing run: %w", err)
	}

	run := &types.PipelineRun{
		RunID:       runID,
		TriggerKind: trigger.Kind,
		StartedAt:   time.Now(),
		State:       types.JobStateRunning,
	}
	if err := p.store.PutPipelineRun(run); err != nil {
		return "", fmt.Errorf("pipeline: record new run: %w", err)
	}

	cves, err := fetchNovel(ctx, p.store, p.feed, trigger.Since)
	if err != nil {
		p.finish(run, types.JobStateFailure, trigger.Kind)
		return runID, fmt.Errorf("pipeline: fetch CVE feed: %w", err)
	}

	run.CVEBatch = make([]string, len(cves))
	for i, c := range cves {
		run.CVEBatch[i] = c.CVEID
	}

	var mu sync.Mutex
	steps := make([]scheduler.Step, len(cves))
	for i, cve := range cves {
		cve := cve
		steps[i] = func(ctx context.Context) error {
			outcome := p.processCVE(ctx, runID, cve)
			mu.Lock()
			run.Metrics.TemplatesGenerated += outcome.generated
			run.Metrics.TemplatesValidated += outcome.validated
			run.Metrics.ValidationsFailed += outcome.validationsFailed
			run.Metrics.RefinementsAttempted += outcome.refinementsAttempted
			run.Metrics.RefinementsExhausted += outcome.refinementsExhausted
			run.Metrics.TemplatesSkipped += outcome.skipped
			mu.Unlock()
			return nil
		}
	}

	// Group runs every CVE's chain concurrently; one CVE exhausting its
	// refinement budget never blocks another's progress. processCVE
	// itself never returns an error here — per-CVE failures are tracked
	// in run.Metrics, not surfaced as a run-level error.
	_ = scheduler.Group(ctx, steps...)

	p.finish(run, types.JobStateSuccess, trigger.Kind)
	return runID, nil
}

func (p *Pipeline) finish(run *types.PipelineRun, state types.JobState, trigger types.PipelineTriggerKind) {
	run.State = state
	run.FinishedAt = time.Now()
	if err := p.store.PutPipelineRun(run); err != nil {
		log.Logger.Error().Err(err).Str("run_id", run.RunID).Msg("failed to record pipeline run outcome")
	}
	outcome := "success"
	if state != types.JobStateSuccess {
		outcome = "failure"
	}
	metrics.PipelineRunsTotal.WithLabelValues(string(trigger), outcome).Inc()
}

// maxGenerateAttempts is the generation-stage retry budget: a single
// transient LLM call failure or malformed response does not abandon the
// CVE outright, matching the refine loop's own retry discipline.
const maxGenerateAttempts = 3

type cveOutcome struct {
	generated            int64
	validated            int64
	validationsFailed    int64
	refinementsAttempted int64
	refinementsExhausted int64
	skipped              int64
}

// processCVE runs generate -> store -> validate, looping through refine
// up to maxRefinements times on a failed validation with a usable
// diagnostic.
func (p *Pipeline) processCVE(ctx context.Context, runID string, cve types.CVERecord) cveOutcome {
	var out cveOutcome
	var lastTemplateID string
	feedback := ""

	for attempt := 0; attempt <= maxRefinements; attempt++ {
		gen, ok := p.generateWithRetry(ctx, runID, cve, attempt, feedback, &out)
		if !ok {
			return out
		}
		out.generated++
		p.incr(runID, "templates_generated")
		metrics.TemplatesGenerated.Inc()

		origin := types.TemplateOriginAIGenerated
		if attempt > 0 {
			origin = types.TemplateOriginAIRefined
		}
		tpl := &types.Template{
			CVEID:             cve.CVEID,
			GenerationAttempt: attempt,
			Body:              gen.Body,
			Origin:            origin,
			DeclaredID:        gen.DeclaredID,
			DeclaredSeverity:  gen.DeclaredSeverity,
		}
		if err := p.templates.Store(tpl); err != nil {
			log.Logger.Error().Err(err).Str("run_id", runID).Str("cve_id", cve.CVEID).Msg("failed to store generated template")
			return out
		}
		lastTemplateID = tpl.TemplateID

		result, err := p.scanner.SubmitValidationScan(ctx, tpl, p.targets.forCVE(cve.CVEID))
		if err != nil {
			log.Logger.Error().Err(err).Str("run_id", runID).Str("cve_id", cve.CVEID).Msg("validation scan failed")
			return out
		}

		if result.Matched {
			if err := p.templates.MarkValidationState(tpl, types.TemplateValid); err != nil {
				log.Logger.Error().Err(err).Str("template_id", tpl.TemplateID).Msg("failed to mark template valid")
			}
			out.validated++
			p.incr(runID, "templates_validated")
			metrics.TemplatesValidated.Inc()
			return out
		}

		out.validationsFailed++
		p.incr(runID, "validations_failed")

		if attempt == maxRefinements {
			break
		}
		if result.Diagnostic == "" {
			break
		}
		feedback = buildRefinementFeedback(gen.Body, result.Diagnostic)
		out.refinementsAttempted++
		p.incr(runID, "refinements_attempted")
		metrics.RefinementAttempts.Inc()
	}

	if lastTemplateID != "" {
		if tpl, err := p.templates.lib.Get(lastTemplateID); err == nil {
			if err := p.templates.MarkValidationState(tpl, types.TemplateInvalidMaxRetries); err != nil {
				log.Logger.Error().Err(err).Str("template_id", lastTemplateID).Msg("failed to mark template invalid_max_retries")
			}
		}
	}
	out.refinementsExhausted++
	p.incr(runID, "refinements_exhausted")
	metrics.TemplatesInvalid.Inc()
	return out
}

// generateWithRetry calls Generate up to maxGenerateAttempts times,
// giving a transient LLM failure or a malformed response a chance to
// clear before the CVE is abandoned for this refinement round.
// Exhausting the budget records a skipped-template marker rather than
// silently dropping the CVE with no trace.
func (p *Pipeline) generateWithRetry(ctx context.Context, runID string, cve types.CVERecord, attempt int, feedback string, out *cveOutcome) (GeneratedTemplate, bool) {
	var lastErr error
	for try := 0; try < maxGenerateAttempts; try++ {
		gen, err := p.generator.Generate(ctx, runID, cve, attempt, feedback)
		if err == nil {
			return gen, true
		}
		lastErr = err
		log.Logger.Warn().Err(err).Str("run_id", runID).Str("cve_id", cve.CVEID).
			Int("attempt", attempt).Int("generate_try", try).Msg("template generation attempt failed")
	}

	log.Logger.Error().Err(lastErr).Str("run_id", runID).Str("cve_id", cve.CVEID).Int("attempt", attempt).
		Msg("template generation exhausted its retry budget, skipping CVE")
	out.skipped++
	p.incr(runID, "templates_skipped")
	metrics.TemplatesSkipped.Inc()
	return GeneratedTemplate{}, false
}

func (p *Pipeline) incr(runID, counter string) {
	if _, err := p.store.Incr(fmt.Sprintf("pipeline:%s:%s", runID, counter)); err != nil {
		log.Logger.Warn().Err(err).Str("run_id", runID).Str("counter", counter).Msg("failed to increment pipeline counter")
	}
}

// GetPipelineMetrics returns a plain snapshot of a run's counters,
// letting a collaborator render them without reaching into the registry
// directly.
func GetPipelineMetrics(store registry.Store, runID string) (types.PipelineMetrics, error) {
	run, err := store.GetPipelineRun(runID)
	if err != nil {
		return types.PipelineMetrics{}, err
	}
	return run.Metrics, nil
}
