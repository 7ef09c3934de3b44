package pipeline

import (
	"context"
	"errors"
	"testing"

	"github.com/cuemby/scanorc/pkg/registry"
	"github.com/cuemby/scanorc/pkg/templatelib"
	"github.com/cuemby/scanorc/pkg/types"
)

type stubGenerator struct {
	body   []byte
	id     string
	sev    types.Severity
	err    error
	calls  int
	failN  int // fail the first failN calls, then succeed
}

func (g *stubGenerator) Generate(ctx context.Context, runID string, cve types.CVERecord, attempt int, feedback string) (GeneratedTemplate, error) {
	g.calls++
	if g.failN > 0 && g.calls <= g.failN {
		return GeneratedTemplate{}, errGenFail
	}
	if g.err != nil {
		return GeneratedTemplate{}, g.err
	}
	id, sev := g.id, g.sev
	if id == "" {
		id = cve.CVEID
	}
	if sev == "" {
		sev = types.SeverityHigh
	}
	return GeneratedTemplate{Body: g.body, DeclaredID: id, DeclaredSeverity: sev}, nil
}

var errGenFail = errors.New("stub generation failure")

type stubScanner struct {
	result ValidationResult
	err    error
	calls  int
}

func (s *stubScanner) SubmitValidationScan(ctx context.Context, t *types.Template, referenceTarget string) (ValidationResult, error) {
	s.calls++
	return s.result, s.err
}

func newTestPipeline(t *testing.T, gen TemplateGenerator, scanner ScanSubmitter, feed CVEFeedClient) (*Pipeline, registry.Store) {
	t.Helper()
	store, err := registry.NewBoltStore(t.TempDir())
	if err != nil {
		t.Fatalf("NewBoltStore: %v", err)
	}
	t.Cleanup(func() { store.Close() })

	lib, err := templatelib.NewLibrary(t.TempDir())
	if err != nil {
		t.Fatalf("NewLibrary: %v", err)
	}
	tplStore := NewTemplateStore(lib, store)

	p := NewPipeline(store, tplStore, feed, gen, scanner, ReferenceTargets{Default: "http://127.0.0.1:1"})
	return p, store
}

func TestPipeline_Run_ValidatesOnFirstAttempt(t *testing.T) {
	gen := &stubGenerator{body: []byte("id: cve-2024-0001\ninfo:\n  name: x\n  severity: high\nhttp:\n  - method: GET\n")}
	scanner := &stubScanner{result: ValidationResult{Matched: true}}
	feed := &fakeFeed{records: []types.CVERecord{{CVEID: "CVE-2024-0001"}}}

	p, store := newTestPipeline(t, gen, scanner, feed)

	runID, err := p.Run(context.Background(), Trigger{Kind: types.PipelineTriggerManual})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}

	run, err := store.GetPipelineRun(runID)
	if err != nil {
		t.Fatalf("GetPipelineRun: %v", err)
	}
	if run.State != types.JobStateSuccess {
		t.Fatalf("expected run to succeed, got %v", run.State)
	}
	if run.Metrics.TemplatesGenerated != 1 || run.Metrics.TemplatesValidated != 1 {
		t.Fatalf("unexpected metrics: %+v", run.Metrics)
	}
	if scanner.calls != 1 {
		t.Fatalf("expected exactly 1 validation scan, got %d", scanner.calls)
	}
}

func TestPipeline_Run_ExhaustsRefinementsOnPersistentFailure(t *testing.T) {
	gen := &stubGenerator{body: []byte("id: cve-2024-0002\ninfo:\n  name: x\n  severity: high\nhttp:\n  - method: GET\n")}
	scanner := &stubScanner{result: ValidationResult{Matched: false, Diagnostic: "no match"}}
	feed := &fakeFeed{records: []types.CVERecord{{CVEID: "CVE-2024-0002"}}}

	p, store := newTestPipeline(t, gen, scanner, feed)

	runID, err := p.Run(context.Background(), Trigger{Kind: types.PipelineTriggerScheduled})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}

	run, err := store.GetPipelineRun(runID)
	if err != nil {
		t.Fatalf("GetPipelineRun: %v", err)
	}
	if run.Metrics.RefinementsExhausted != 1 {
		t.Fatalf("expected 1 exhausted refinement, got %+v", run.Metrics)
	}
	if run.Metrics.RefinementsAttempted != maxRefinements {
		t.Fatalf("expected %d refinement attempts, got %d", maxRefinements, run.Metrics.RefinementsAttempted)
	}
	// 1 initial generation + maxRefinements retries.
	if scanner.calls != maxRefinements+1 {
		t.Fatalf("expected %d validation scans, got %d", maxRefinements+1, scanner.calls)
	}
}

func TestPipeline_Run_IdempotentByRunID(t *testing.T) {
	gen := &stubGenerator{body: []byte("id: cve-2024-0003\ninfo:\n  name: x\n  severity: high\nhttp:\n  - method: GET\n")}
	scanner := &stubScanner{result: ValidationResult{Matched: true}}
	feed := &fakeFeed{records: []types.CVERecord{{CVEID: "CVE-2024-0003"}}}

	p, _ := newTestPipeline(t, gen, scanner, feed)

	first, err := p.Run(context.Background(), Trigger{Kind: types.PipelineTriggerManual, RunID: "run-fixed"})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}

	second, err := p.Run(context.Background(), Trigger{Kind: types.PipelineTriggerManual, RunID: "run-fixed"})
	if err != nil {
		t.Fatalf("second Run: %v", err)
	}
	if first != second {
		t.Fatalf("expected same run id, got %q and %q", first, second)
	}
	if scanner.calls != 1 {
		t.Fatalf("expected the second Run to be a no-op, scanner called %d times", scanner.calls)
	}
}

func TestPipeline_Run_GenerationFailureDoesNotCrashRun(t *testing.T) {
	gen := &stubGenerator{err: context.DeadlineExceeded}
	scanner := &stubScanner{}
	feed := &fakeFeed{records: []types.CVERecord{{CVEID: "CVE-2024-0004"}}}

	p, store := newTestPipeline(t, gen, scanner, feed)

	runID, err := p.Run(context.Background(), Trigger{Kind: types.PipelineTriggerManual})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	run, err := store.GetPipelineRun(runID)
	if err != nil {
		t.Fatalf("GetPipelineRun: %v", err)
	}
	if run.State != types.JobStateSuccess {
		t.Fatalf("expected the run itself to still complete, got %v", run.State)
	}
	if run.Metrics.TemplatesGenerated != 0 {
		t.Fatalf("expected no templates generated, got %+v", run.Metrics)
	}
	if scanner.calls != 0 {
		t.Fatalf("expected no validation scans after generation failure, got %d", scanner.calls)
	}
	if run.Metrics.TemplatesSkipped != 1 {
		t.Fatalf("expected the CVE to be marked skipped after exhausting generation retries, got %+v", run.Metrics)
	}
	if gen.calls != maxGenerateAttempts {
		t.Fatalf("expected exactly %d generation attempts, got %d", maxGenerateAttempts, gen.calls)
	}
}

func TestPipeline_Run_GenerationRetriesThenSucceeds(t *testing.T) {
	gen := &stubGenerator{
		body:  []byte("id: cve-2024-0005\ninfo:\n  name: x\n  severity: high\nhttp:\n  - method: GET\n"),
		failN: maxGenerateAttempts - 1,
	}
	scanner := &stubScanner{result: ValidationResult{Matched: true}}
	feed := &fakeFeed{records: []types.CVERecord{{CVEID: "CVE-2024-0005"}}}

	p, store := newTestPipeline(t, gen, scanner, feed)

	runID, err := p.Run(context.Background(), Trigger{Kind: types.PipelineTriggerManual})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	run, err := store.GetPipelineRun(runID)
	if err != nil {
		t.Fatalf("GetPipelineRun: %v", err)
	}
	if run.Metrics.TemplatesGenerated != 1 || run.Metrics.TemplatesValidated != 1 {
		t.Fatalf("expected the retried generation to eventually succeed, got %+v", run.Metrics)
	}
	if run.Metrics.TemplatesSkipped != 0 {
		t.Fatalf("expected no skipped templates, got %+v", run.Metrics)
	}
	if gen.calls != maxGenerateAttempts {
		t.Fatalf("expected %d generate calls (failN failures then a success), got %d", maxGenerateAttempts, gen.calls)
	}
}
