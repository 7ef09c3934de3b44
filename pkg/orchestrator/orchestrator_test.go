package orchestrator

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/cuemby/scanorc/pkg/orcerrors"
	"github.com/cuemby/scanorc/pkg/pipeline"
	"github.com/cuemby/scanorc/pkg/registry"
	"github.com/cuemby/scanorc/pkg/runtime"
	"github.com/cuemby/scanorc/pkg/scheduler"
	"github.com/cuemby/scanorc/pkg/templatelib"
	"github.com/cuemby/scanorc/pkg/types"
)

// testRig bundles the collaborators an Orchestrator needs for the tests
// below, built directly (bypassing New) so tests never need a live
// containerd connection.
type testRig struct {
	o     *Orchestrator
	store registry.Store
}

func newTestRig(t *testing.T) *testRig {
	t.Helper()

	store, err := registry.NewBoltStore(t.TempDir())
	if err != nil {
		t.Fatalf("NewBoltStore: %v", err)
	}
	t.Cleanup(func() { store.Close() })

	reg := registry.NewRegistry(store, true)
	lib, err := templatelib.NewLibrary(t.TempDir())
	if err != nil {
		t.Fatalf("NewLibrary: %v", err)
	}
	templates := pipeline.NewTemplateStore(lib, store)

	o := &Orchestrator{
		registry:     reg,
		store:        store,
		runtime:      &runtime.Runtime{},
		dispatcher:   scheduler.NewDispatcher(reg, 1),
		scanQueue:    scheduler.NewQueue(store, scanQueueName, 0),
		lib:          lib,
		templates:    templates,
		scannerImage: "nuclei:test",
		scanTimeout:  time.Minute,
	}

	return &testRig{o: o, store: store}
}

func TestSubmitScanJob_CreatesJobAndEnqueues(t *testing.T) {
	rig := newTestRig(t)

	jobID, containerName, err := rig.o.submitScanJob(types.JobKindScan, types.ScanRequest{Target: "https://example.test"})
	if err != nil {
		t.Fatalf("submitScanJob: %v", err)
	}
	if containerName == "" {
		t.Fatalf("expected submitScanJob to pre-allocate a container name")
	}

	job, err := rig.o.GetJob(jobID)
	if err != nil {
		t.Fatalf("GetJob: %v", err)
	}
	if job.Kind != types.JobKindScan || job.State != types.JobStateQueued {
		t.Fatalf("unexpected job %+v", job)
	}
	if job.ContainerName != containerName {
		t.Fatalf("expected the job record to carry the pre-allocated container name, got %q want %q", job.ContainerName, containerName)
	}

	var req types.ScanRequest
	if err := json.Unmarshal(job.Payload, &req); err != nil {
		t.Fatalf("unmarshal payload: %v", err)
	}
	if req.Target != "https://example.test" {
		t.Fatalf("unexpected target %q", req.Target)
	}
	if req.ScanID == "" {
		t.Fatalf("expected submitScanJob to assign a ScanID")
	}
	if req.ContainerName != containerName {
		t.Fatalf("expected the payload to carry the pre-allocated container name")
	}

	n, err := rig.o.scanQueue.Len()
	if err != nil {
		t.Fatalf("Len: %v", err)
	}
	if n != 1 {
		t.Fatalf("expected 1 queued envelope, got %d", n)
	}
}

func TestSubmitCustomScan_CarriesTemplateBody(t *testing.T) {
	rig := newTestRig(t)

	jobID, _, err := rig.o.SubmitCustomScan("https://example.test", "poc.yaml", []byte("id: poc\n"))
	if err != nil {
		t.Fatalf("SubmitCustomScan: %v", err)
	}

	job, err := rig.o.GetJob(jobID)
	if err != nil {
		t.Fatalf("GetJob: %v", err)
	}
	var req types.ScanRequest
	if err := json.Unmarshal(job.Payload, &req); err != nil {
		t.Fatalf("unmarshal payload: %v", err)
	}
	if req.TemplateSelector.Kind != types.TemplateSelectorFile {
		t.Fatalf("expected file selector, got %v", req.TemplateSelector.Kind)
	}
	if string(req.TemplateSelector.FileBody) != "id: poc\n" {
		t.Fatalf("unexpected template body %q", req.TemplateSelector.FileBody)
	}
}

type stubGenerator struct {
	body []byte
	err  error
}

func (g *stubGenerator) Generate(ctx context.Context, runID string, cve types.CVERecord, attempt int, feedback string) (pipeline.GeneratedTemplate, error) {
	if g.err != nil {
		return pipeline.GeneratedTemplate{}, g.err
	}
	return pipeline.GeneratedTemplate{Body: g.body, DeclaredID: cve.CVEID, DeclaredSeverity: types.SeverityHigh}, nil
}

func TestSubmitAIScan_PersistsTemplateAndEnqueuesScan(t *testing.T) {
	rig := newTestRig(t)
	rig.o.generator = &stubGenerator{body: []byte("id: cve-2024-9999\ninfo:\n  name: t\n  severity: high\nhttp:\n  - method: GET\n")}

	jobID, _, err := rig.o.SubmitAIScan(context.Background(), "https://example.test", types.CVERecord{CVEID: "CVE-2024-9999"})
	if err != nil {
		t.Fatalf("SubmitAIScan: %v", err)
	}

	job, err := rig.o.GetJob(jobID)
	if err != nil {
		t.Fatalf("GetJob: %v", err)
	}
	if job.Kind != types.JobKindAIScan {
		t.Fatalf("expected ai_scan kind, got %v", job.Kind)
	}

	all := rig.o.lib.List()
	if len(all) != 1 {
		t.Fatalf("expected the synthesized template to be persisted, got %d entries", len(all))
	}
	if all[0].CVEID != "CVE-2024-9999" {
		t.Fatalf("unexpected CVEID %q", all[0].CVEID)
	}
}

func TestUploadTemplate_IdempotentByBody(t *testing.T) {
	rig := newTestRig(t)
	body := []byte("id: uploaded\ninfo:\n  name: t\n  severity: medium\n")

	id1, err := rig.o.UploadTemplate(body, types.SeverityMedium)
	if err != nil {
		t.Fatalf("UploadTemplate: %v", err)
	}
	id2, err := rig.o.UploadTemplate(body, types.SeverityMedium)
	if err != nil {
		t.Fatalf("UploadTemplate (second): %v", err)
	}
	if id1 != id2 {
		t.Fatalf("expected re-uploading the same body to yield the same template id, got %q and %q", id1, id2)
	}

	stored, err := rig.store.GetTemplate(id1)
	if err != nil {
		t.Fatalf("GetTemplate: %v", err)
	}
	if stored.Origin != types.TemplateOriginUploaded {
		t.Fatalf("expected user_uploaded origin, got %v", stored.Origin)
	}
}

func TestUploadTemplate_DifferentBodyYieldsDifferentID(t *testing.T) {
	rig := newTestRig(t)

	id1, err := rig.o.UploadTemplate([]byte("id: a\n"), types.SeverityLow)
	if err != nil {
		t.Fatalf("UploadTemplate: %v", err)
	}
	id2, err := rig.o.UploadTemplate([]byte("id: b\n"), types.SeverityLow)
	if err != nil {
		t.Fatalf("UploadTemplate: %v", err)
	}
	if id1 == id2 {
		t.Fatalf("expected different bodies to yield different template ids")
	}
}

func TestCancelJob_TransitionsQueuedJobToCancelled(t *testing.T) {
	rig := newTestRig(t)

	jobID, _, err := rig.o.submitScanJob(types.JobKindScan, types.ScanRequest{Target: "https://example.test"})
	if err != nil {
		t.Fatalf("submitScanJob: %v", err)
	}

	if err := rig.o.CancelJob(jobID); err != nil {
		t.Fatalf("CancelJob: %v", err)
	}

	job, err := rig.o.GetJob(jobID)
	if err != nil {
		t.Fatalf("GetJob: %v", err)
	}
	if job.State != types.JobStateCancelled {
		t.Fatalf("expected cancelled, got %v", job.State)
	}

	// Cancelling an already-terminal job is a no-op, not an error.
	if err := rig.o.CancelJob(jobID); err != nil {
		t.Fatalf("CancelJob on terminal job: %v", err)
	}
}

func TestStreamScanLog_TerminalJobReplaysPersistedLog(t *testing.T) {
	rig := newTestRig(t)

	jobID, _, err := rig.o.submitScanJob(types.JobKindScan, types.ScanRequest{Target: "https://example.test"})
	if err != nil {
		t.Fatalf("submitScanJob: %v", err)
	}

	if err := rig.o.registry.AppendLog(jobID, types.LogChunk{JobID: jobID, Offset: 0, Data: []byte("line one\n")}); err != nil {
		t.Fatalf("AppendLog: %v", err)
	}

	job, err := rig.store.GetJob(jobID)
	if err != nil {
		t.Fatalf("GetJob: %v", err)
	}
	job.State = types.JobStateSuccess
	if err := rig.store.UpdateJob(job); err != nil {
		t.Fatalf("UpdateJob: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	chunks, streamCancel, err := rig.o.StreamScanLog(ctx, jobID)
	if err != nil {
		t.Fatalf("StreamScanLog: %v", err)
	}
	defer streamCancel()

	var got []byte
	for c := range chunks {
		got = append(got, c.Data...)
	}
	if string(got) != "line one\n" {
		t.Fatalf("unexpected replayed log %q", got)
	}
}

func TestClassifyTerminal(t *testing.T) {
	cases := []struct {
		name     string
		exitCode int
		waitErr  error
		result   scanOutputResult
		want     types.ScanOutcomeTerminal
	}{
		{"loop detected wins regardless of exit code", 0, nil, scanOutputResult{loopDetected: true}, types.TerminalLoopDetected},
		{"timeout", -1, orcerrors.ErrTimeout, scanOutputResult{}, types.TerminalTimeout},
		{"wait error", -1, errors.New("boom"), scanOutputResult{}, types.TerminalRuntimeError},
		{"nonzero exit", 1, nil, scanOutputResult{}, types.TerminalRuntimeError},
		{"clean exit no findings", 0, nil, scanOutputResult{findingsCount: 0}, types.TerminalNoResults},
		{"clean exit with findings", 0, nil, scanOutputResult{findingsCount: 2}, types.TerminalCompleted},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got := classifyTerminal(tc.exitCode, tc.waitErr, tc.result)
			if got != tc.want {
				t.Fatalf("classifyTerminal() = %v, want %v", got, tc.want)
			}
		})
	}
}

func TestTerminalError(t *testing.T) {
	if err := terminalError(types.TerminalCompleted); err != nil {
		t.Fatalf("expected nil error for completed, got %v", err)
	}
	if err := terminalError(types.TerminalNoResults); err != nil {
		t.Fatalf("expected nil error for no_results, got %v", err)
	}
	if err := terminalError(types.TerminalLoopDetected); !errors.Is(err, orcerrors.ErrLoopDetected) {
		t.Fatalf("expected ErrLoopDetected, got %v", err)
	}
	if err := terminalError(types.TerminalTimeout); !errors.Is(err, orcerrors.ErrTimeout) {
		t.Fatalf("expected ErrTimeout, got %v", err)
	}
	if err := terminalError(types.TerminalRuntimeError); !errors.Is(err, orcerrors.ErrRuntimeUnavailable) {
		t.Fatalf("expected ErrRuntimeUnavailable, got %v", err)
	}
}

func TestProbeReferenceTarget_InvalidTargetRejected(t *testing.T) {
	err := probeReferenceTarget(context.Background(), "not-a-valid-target")
	if !errors.Is(err, orcerrors.ErrReferenceTargetUnreachable) {
		t.Fatalf("expected ErrReferenceTargetUnreachable, got %v", err)
	}
}

func TestProbeReferenceTarget_CIDRSkipsCheck(t *testing.T) {
	if err := probeReferenceTarget(context.Background(), "192.168.1.0/24"); err != nil {
		t.Fatalf("expected CIDR target to skip the reachability probe, got %v", err)
	}
}

func TestProbeReferenceTarget_RangeSkipsCheck(t *testing.T) {
	if err := probeReferenceTarget(context.Background(), "192.168.1.1-192.168.1.254"); err != nil {
		t.Fatalf("expected address range target to skip the reachability probe, got %v", err)
	}
}

func TestSyncScanSubmitter_NoReferenceTarget(t *testing.T) {
	rig := newTestRig(t)
	s := &syncScanSubmitter{o: rig.o}

	_, err := s.SubmitValidationScan(context.Background(), &types.Template{TemplateID: "t1"}, "")
	if !errors.Is(err, orcerrors.ErrReferenceTargetUnreachable) {
		t.Fatalf("expected ErrReferenceTargetUnreachable, got %v", err)
	}
}

func TestSyncScanSubmitter_SubmitValidationScan_MatchedFinding(t *testing.T) {
	rig := newTestRig(t)
	s := &syncScanSubmitter{o: rig.o}

	tpl := &types.Template{TemplateID: "t1", Filename: "t1.yaml", Body: []byte("id: t1\n"), DeclaredID: "t1", DeclaredSeverity: types.SeverityHigh}

	// Simulate the dispatcher: pop the job envelope off the queue, move it
	// to running then success, and record a matching finding, as the real
	// runScanHandler would.
	go func() {
		payload, err := rig.o.scanQueue.Pop(context.Background(), 2*time.Second)
		if err != nil {
			t.Errorf("pop queued envelope: %v", err)
			return
		}
		var env struct {
			JobID string `json:"job_id"`
		}
		if err := json.Unmarshal(payload, &env); err != nil {
			t.Errorf("unmarshal envelope: %v", err)
			return
		}
		jobID := env.JobID

		if _, err := rig.o.registry.Transition(jobID, types.JobStateRunning, nil); err != nil {
			t.Errorf("simulate running transition: %v", err)
			return
		}

		if err := rig.o.registry.RecordFinding(&types.Finding{
			FindingID:  "f1",
			JobID:      jobID,
			TemplateID: "t1",
			Severity:   types.SeverityHigh,
		}); err != nil {
			t.Errorf("RecordFinding: %v", err)
			return
		}

		if _, err := rig.o.registry.Transition(jobID, types.JobStateSuccess, nil); err != nil {
			t.Errorf("simulate success transition: %v", err)
		}
	}()

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()

	result, err := s.SubmitValidationScan(ctx, tpl, "https://reference.test")
	if err != nil {
		t.Fatalf("SubmitValidationScan: %v", err)
	}
	if !result.Matched {
		t.Fatalf("expected Matched=true, got %+v", result)
	}
}

func TestSyncScanSubmitter_SubmitValidationScan_WrongTemplateIDDoesNotMatch(t *testing.T) {
	rig := newTestRig(t)
	s := &syncScanSubmitter{o: rig.o}

	tpl := &types.Template{TemplateID: "t2", Filename: "t2.yaml", Body: []byte("id: t2\n"), DeclaredID: "t2", DeclaredSeverity: types.SeverityHigh}

	// A finding from a different template, at a severity that would
	// otherwise satisfy the threshold, must not count as a match.
	go func() {
		payload, err := rig.o.scanQueue.Pop(context.Background(), 2*time.Second)
		if err != nil {
			t.Errorf("pop queued envelope: %v", err)
			return
		}
		var env struct {
			JobID string `json:"job_id"`
		}
		if err := json.Unmarshal(payload, &env); err != nil {
			t.Errorf("unmarshal envelope: %v", err)
			return
		}
		jobID := env.JobID

		if _, err := rig.o.registry.Transition(jobID, types.JobStateRunning, nil); err != nil {
			t.Errorf("simulate running transition: %v", err)
			return
		}
		if err := rig.o.registry.RecordFinding(&types.Finding{
			FindingID:  "f2",
			JobID:      jobID,
			TemplateID: "some-other-template",
			Severity:   types.SeverityCritical,
		}); err != nil {
			t.Errorf("RecordFinding: %v", err)
			return
		}
		if _, err := rig.o.registry.Transition(jobID, types.JobStateSuccess, nil); err != nil {
			t.Errorf("simulate success transition: %v", err)
		}
	}()

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()

	result, err := s.SubmitValidationScan(ctx, tpl, "https://reference.test")
	if err != nil {
		t.Fatalf("SubmitValidationScan: %v", err)
	}
	if result.Matched {
		t.Fatalf("expected a finding from a different template id not to match, got %+v", result)
	}
}

func emptyReferenceTargets() pipeline.ReferenceTargets {
	return pipeline.ReferenceTargets{}
}

type emptyFeed struct{}

func (emptyFeed) FetchSince(ctx context.Context, cursor time.Time) ([]types.CVERecord, error) {
	return nil, nil
}

func TestTriggerPipeline_IsIdempotentByRunID(t *testing.T) {
	rig := newTestRig(t)
	rig.o.pipeline = pipeline.NewPipeline(rig.store, rig.o.templates, emptyFeed{}, nil, nil, emptyReferenceTargets())

	id1, err := rig.o.TriggerPipeline(context.Background(), pipeline.Trigger{Kind: types.PipelineTriggerManual, RunID: "run-fixed"})
	if err != nil {
		t.Fatalf("TriggerPipeline: %v", err)
	}
	id2, err := rig.o.TriggerPipeline(context.Background(), pipeline.Trigger{Kind: types.PipelineTriggerManual, RunID: "run-fixed"})
	if err != nil {
		t.Fatalf("TriggerPipeline (second): %v", err)
	}
	if id1 != id2 || id1 != "run-fixed" {
		t.Fatalf("expected stable run id across calls, got %q and %q", id1, id2)
	}

	metrics, err := rig.o.GetPipelineMetrics(id1)
	if err != nil {
		t.Fatalf("GetPipelineMetrics: %v", err)
	}
	if metrics.TemplatesGenerated != 0 {
		t.Fatalf("expected no templates generated against an empty feed, got %+v", metrics)
	}
}
