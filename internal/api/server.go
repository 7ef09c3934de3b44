package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/cuemby/scanorc/pkg/log"
	"github.com/cuemby/scanorc/pkg/orchestrator"
	"github.com/cuemby/scanorc/pkg/pipeline"
	"github.com/cuemby/scanorc/pkg/types"
)

// Server routes JSON requests onto an Orchestrator. Routing uses the
// standard library's method-and-path ServeMux patterns rather than a
// third-party router: the pack's only router dependency (go-chi) shows up
// solely in test files across the retrieval corpus, never wired into a
// production router, so there is nothing to imitate there.
type Server struct {
	o   *orchestrator.Orchestrator
	srv *http.Server
}

// NewServer builds a Server. Call Start to begin serving.
func NewServer(o *orchestrator.Orchestrator) *Server {
	s := &Server{o: o}

	mux := http.NewServeMux()
	mux.HandleFunc("POST /v1/scans", s.handleSubmitScan)
	mux.HandleFunc("GET /v1/jobs/{id}", s.handleGetJob)
	mux.HandleFunc("POST /v1/jobs/{id}/cancel", s.handleCancelJob)
	mux.HandleFunc("GET /v1/jobs/{id}/log", s.handleStreamLog)
	mux.HandleFunc("POST /v1/templates", s.handleUploadTemplate)
	mux.HandleFunc("POST /v1/pipeline/runs", s.handleTriggerPipeline)
	mux.HandleFunc("GET /v1/pipeline/runs/{id}/metrics", s.handlePipelineMetrics)

	s.srv = &http.Server{
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}
	return s
}

// Start listens on addr and blocks until the server stops or errors. It
// returns nil on a clean Stop.
func (s *Server) Start(addr string) error {
	s.srv.Addr = addr
	if err := s.srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Stop gracefully shuts the HTTP server down.
func (s *Server) Stop(ctx context.Context) error {
	return s.srv.Shutdown(ctx)
}

type scanRequest struct {
	Kind         string          `json:"kind"`
	Target       string          `json:"target"`
	Dirs         []string        `json:"dirs,omitempty"`
	FileName     string          `json:"file_name,omitempty"`
	TemplateBody []byte          `json:"template_body,omitempty"`
	CVE          types.CVERecord `json:"cve,omitempty"`
}

type jobIDResponse struct {
	JobID         string `json:"job_id"`
	ContainerName string `json:"container_name"`
}

func (s *Server) handleSubmitScan(w http.ResponseWriter, r *http.Request) {
	var req scanRequest
	if !decodeJSON(w, r, &req) {
		return
	}

	var jobID, containerName string
	var err error
	switch req.Kind {
	case "custom_scan":
		jobID, containerName, err = s.o.SubmitCustomScan(req.Target, req.FileName, req.TemplateBody)
	case "ai_scan":
		jobID, containerName, err = s.o.SubmitAIScan(r.Context(), req.Target, req.CVE)
	case "", "scan":
		jobID, containerName, err = s.o.SubmitScan(req.Target, req.Dirs)
	default:
		writeError(w, http.StatusBadRequest, fmt.Errorf("unknown scan kind %q", req.Kind))
		return
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusAccepted, jobIDResponse{JobID: jobID, ContainerName: containerName})
}

func (s *Server) handleGetJob(w http.ResponseWriter, r *http.Request) {
	job, err := s.o.GetJob(r.PathValue("id"))
	if err != nil {
		writeError(w, http.StatusNotFound, err)
		return
	}
	writeJSON(w, http.StatusOK, job)
}

func (s *Server) handleCancelJob(w http.ResponseWriter, r *http.Request) {
	if err := s.o.CancelJob(r.PathValue("id")); err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleStreamLog(w http.ResponseWriter, r *http.Request) {
	chunks, cancel, err := s.o.StreamScanLog(r.Context(), r.PathValue("id"))
	if err != nil {
		writeError(w, http.StatusNotFound, err)
		return
	}
	defer cancel()

	flusher, _ := w.(http.Flusher)
	w.Header().Set("Content-Type", "application/octet-stream")
	w.WriteHeader(http.StatusOK)

	for chunk := range chunks {
		if _, err := w.Write(chunk.Data); err != nil {
			return
		}
		if flusher != nil {
			flusher.Flush()
		}
		if chunk.EOF {
			return
		}
	}
}

func (s *Server) handleUploadTemplate(w http.ResponseWriter, r *http.Request) {
	severity := types.Severity(r.URL.Query().Get("declared_severity"))

	body, err := readBody(r, 1<<20)
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}

	templateID, err := s.o.UploadTemplate(body, severity)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusCreated, struct {
		TemplateID string `json:"template_id"`
	}{TemplateID: templateID})
}

type triggerPipelineRequest struct {
	Kind  types.PipelineTriggerKind `json:"kind"`
	RunID string                    `json:"run_id,omitempty"`
	Since time.Time                 `json:"since,omitempty"`
}

func (s *Server) handleTriggerPipeline(w http.ResponseWriter, r *http.Request) {
	var req triggerPipelineRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	if req.Kind == "" {
		req.Kind = types.PipelineTriggerManual
	}

	runID, err := s.o.TriggerPipeline(r.Context(), pipeline.Trigger{
		Kind:  req.Kind,
		RunID: req.RunID,
		Since: req.Since,
	})
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusAccepted, struct {
		RunID string `json:"run_id"`
	}{RunID: runID})
}

func (s *Server) handlePipelineMetrics(w http.ResponseWriter, r *http.Request) {
	metrics, err := s.o.GetPipelineMetrics(r.PathValue("id"))
	if err != nil {
		writeError(w, http.StatusNotFound, err)
		return
	}
	writeJSON(w, http.StatusOK, metrics)
}

func decodeJSON(w http.ResponseWriter, r *http.Request, dst any) bool {
	defer r.Body.Close()
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil {
		writeError(w, http.StatusBadRequest, fmt.Errorf("decode request body: %w", err))
		return false
	}
	return true
}

func readBody(r *http.Request, limit int64) ([]byte, error) {
	defer r.Body.Close()
	return io.ReadAll(io.LimitReader(r.Body, limit))
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		log.Logger.Warn().Err(err).Msg("failed to encode API response")
	}
}

func writeError(w http.ResponseWriter, status int, err error) {
	writeJSON(w, status, struct {
		Error string `json:"error"`
	}{Error: err.Error()})
}
