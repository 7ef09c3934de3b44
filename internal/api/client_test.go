package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/cuemby/scanorc/pkg/pipeline"
	"github.com/cuemby/scanorc/pkg/types"
)

func TestClient_SubmitScan_SendsExpectedRequest(t *testing.T) {
	var gotReq scanRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost || r.URL.Path != "/v1/scans" {
			t.Fatalf("unexpected request %s %s", r.Method, r.URL.Path)
		}
		if err := json.NewDecoder(r.Body).Decode(&gotReq); err != nil {
			t.Fatalf("decode: %v", err)
		}
		writeJSON(w, http.StatusAccepted, jobIDResponse{JobID: "job-1", ContainerName: "nuclei_scan_abc123"})
	}))
	defer srv.Close()

	client := NewClient(srv.Listener.Addr().String())
	jobID, containerName, err := client.SubmitScan(context.Background(), "https://example.test", []string{"cves/2024"})
	if err != nil {
		t.Fatalf("SubmitScan: %v", err)
	}
	if jobID != "job-1" {
		t.Fatalf("expected job-1, got %q", jobID)
	}
	if containerName != "nuclei_scan_abc123" {
		t.Fatalf("expected container name to pass through, got %q", containerName)
	}
	if gotReq.Kind != "scan" || gotReq.Target != "https://example.test" {
		t.Fatalf("unexpected request body %+v", gotReq)
	}
	if len(gotReq.Dirs) != 1 || gotReq.Dirs[0] != "cves/2024" {
		t.Fatalf("expected dirs to round-trip, got %+v", gotReq.Dirs)
	}
}

func TestClient_GetJob_ParsesJobRecord(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, types.Job{ID: "job-2", Kind: types.JobKindScan, State: types.JobStateRunning})
	}))
	defer srv.Close()

	client := NewClient(srv.Listener.Addr().String())
	job, err := client.GetJob(context.Background(), "job-2")
	if err != nil {
		t.Fatalf("GetJob: %v", err)
	}
	if job.ID != "job-2" || job.State != types.JobStateRunning {
		t.Fatalf("unexpected job %+v", job)
	}
}

func TestClient_GetJob_PropagatesServerError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		writeError(w, http.StatusNotFound, errors.New("job not found"))
	}))
	defer srv.Close()

	client := NewClient(srv.Listener.Addr().String())
	_, err := client.GetJob(context.Background(), "missing")
	if err == nil {
		t.Fatalf("expected an error for a 404 response")
	}
}

func TestClient_UploadTemplate_SendsBodyAndSeverity(t *testing.T) {
	var gotBody []byte
	var gotSeverity string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotSeverity = r.URL.Query().Get("declared_severity")
		var err error
		gotBody, err = readBody(r, 1<<20)
		if err != nil {
			t.Fatalf("readBody: %v", err)
		}
		writeJSON(w, http.StatusCreated, struct {
			TemplateID string `json:"template_id"`
		}{TemplateID: "tpl-1"})
	}))
	defer srv.Close()

	client := NewClient(srv.Listener.Addr().String())
	templateID, err := client.UploadTemplate(context.Background(), []byte("id: test\n"), types.SeverityHigh)
	if err != nil {
		t.Fatalf("UploadTemplate: %v", err)
	}
	if templateID != "tpl-1" {
		t.Fatalf("expected tpl-1, got %q", templateID)
	}
	if string(gotBody) != "id: test\n" {
		t.Fatalf("unexpected body %q", gotBody)
	}
	if gotSeverity != "high" {
		t.Fatalf("expected severity=high, got %q", gotSeverity)
	}
}

func TestClient_TriggerPipeline_RoundTripsTrigger(t *testing.T) {
	since := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	var got triggerPipelineRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if err := json.NewDecoder(r.Body).Decode(&got); err != nil {
			t.Fatalf("decode: %v", err)
		}
		writeJSON(w, http.StatusAccepted, struct {
			RunID string `json:"run_id"`
		}{RunID: "run-1"})
	}))
	defer srv.Close()

	client := NewClient(srv.Listener.Addr().String())
	runID, err := client.TriggerPipeline(context.Background(), pipeline.Trigger{
		Kind:  types.PipelineTriggerManual,
		RunID: "run-1",
		Since: since,
	})
	if err != nil {
		t.Fatalf("TriggerPipeline: %v", err)
	}
	if runID != "run-1" {
		t.Fatalf("expected run-1, got %q", runID)
	}
	if !got.Since.Equal(since) {
		t.Fatalf("expected since to round-trip, got %v", got.Since)
	}
}

func TestClient_PipelineMetrics_ParsesCounters(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, types.PipelineMetrics{TemplatesGenerated: 3, TemplatesValidated: 1})
	}))
	defer srv.Close()

	client := NewClient(srv.Listener.Addr().String())
	m, err := client.PipelineMetrics(context.Background(), "run-1")
	if err != nil {
		t.Fatalf("PipelineMetrics: %v", err)
	}
	if m.TemplatesGenerated != 3 || m.TemplatesValidated != 1 {
		t.Fatalf("unexpected metrics %+v", m)
	}
}
