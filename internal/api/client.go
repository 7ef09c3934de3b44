package api

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/cuemby/scanorc/pkg/pipeline"
	"github.com/cuemby/scanorc/pkg/types"
)

// Client is a thin HTTP client for a running Server, used by CLI
// subcommands that submit work to an already-running scanorc daemon
// instead of wiring their own Orchestrator (and dialing containerd) just
// to enqueue a job. Mirrors the teacher's own CLI-to-manager client, swapped
// for plain JSON over HTTP since scanorc's API has no generated gRPC stub.
type Client struct {
	baseURL string
	http    *http.Client
}

// NewClient builds a Client against addr (host:port, no scheme).
func NewClient(addr string) *Client {
	return &Client{
		baseURL: "http://" + addr,
		http:    &http.Client{Timeout: 30 * time.Second},
	}
}

func (c *Client) SubmitScan(ctx context.Context, target string, dirs []string) (jobID, containerName string, err error) {
	return c.submitScan(ctx, scanRequest{Kind: "scan", Target: target, Dirs: dirs})
}

func (c *Client) SubmitCustomScan(ctx context.Context, target, fileName string, body []byte) (jobID, containerName string, err error) {
	return c.submitScan(ctx, scanRequest{Kind: "custom_scan", Target: target, FileName: fileName, TemplateBody: body})
}

func (c *Client) SubmitAIScan(ctx context.Context, target string, cve types.CVERecord) (jobID, containerName string, err error) {
	return c.submitScan(ctx, scanRequest{Kind: "ai_scan", Target: target, CVE: cve})
}

func (c *Client) submitScan(ctx context.Context, req scanRequest) (jobID, containerName string, err error) {
	var resp jobIDResponse
	if err := c.doJSON(ctx, http.MethodPost, "/v1/scans", req, &resp); err != nil {
		return "", "", err
	}
	return resp.JobID, resp.ContainerName, nil
}

func (c *Client) GetJob(ctx context.Context, jobID string) (*types.Job, error) {
	var job types.Job
	if err := c.doJSON(ctx, http.MethodGet, "/v1/jobs/"+url.PathEscape(jobID), nil, &job); err != nil {
		return nil, err
	}
	return &job, nil
}

func (c *Client) CancelJob(ctx context.Context, jobID string) error {
	return c.doJSON(ctx, http.MethodPost, "/v1/jobs/"+url.PathEscape(jobID)+"/cancel", nil, nil)
}

// StreamLog copies a job's scanner output to w as it arrives.
func (c *Client) StreamLog(ctx context.Context, jobID string, w io.Writer) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/v1/jobs/"+url.PathEscape(jobID)+"/log", nil)
	if err != nil {
		return err
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("scanorc api: stream log: %s", resp.Status)
	}
	_, err = io.Copy(w, resp.Body)
	return err
}

func (c *Client) UploadTemplate(ctx context.Context, body []byte, declaredSeverity types.Severity) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		c.baseURL+"/v1/templates?declared_severity="+url.QueryEscape(string(declaredSeverity)),
		bytes.NewReader(body))
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", "application/octet-stream")

	resp, err := c.http.Do(req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()
	if err := httpError(resp); err != nil {
		return "", err
	}
	var out struct {
		TemplateID string `json:"template_id"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return "", fmt.Errorf("scanorc api: decode upload response: %w", err)
	}
	return out.TemplateID, nil
}

func (c *Client) TriggerPipeline(ctx context.Context, trigger pipeline.Trigger) (string, error) {
	var out struct {
		RunID string `json:"run_id"`
	}
	req := triggerPipelineRequest{Kind: trigger.Kind, RunID: trigger.RunID, Since: trigger.Since}
	if err := c.doJSON(ctx, http.MethodPost, "/v1/pipeline/runs", req, &out); err != nil {
		return "", err
	}
	return out.RunID, nil
}

func (c *Client) PipelineMetrics(ctx context.Context, runID string) (types.PipelineMetrics, error) {
	var out types.PipelineMetrics
	if err := c.doJSON(ctx, http.MethodGet, "/v1/pipeline/runs/"+url.PathEscape(runID)+"/metrics", nil, &out); err != nil {
		return types.PipelineMetrics{}, err
	}
	return out, nil
}

func (c *Client) doJSON(ctx context.Context, method, path string, body, dst any) error {
	var reader io.Reader
	if body != nil {
		buf, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("scanorc api: encode request: %w", err)
		}
		reader = bytes.NewReader(buf)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("scanorc api: %s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	if err := httpError(resp); err != nil {
		return err
	}
	if dst == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(dst); err != nil {
		return fmt.Errorf("scanorc api: decode response: %w", err)
	}
	return nil
}

func httpError(resp *http.Response) error {
	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return nil
	}
	var body struct {
		Error string `json:"error"`
	}
	_ = json.NewDecoder(resp.Body).Decode(&body)
	if body.Error != "" {
		return fmt.Errorf("scanorc api: %s: %s", resp.Status, body.Error)
	}
	return fmt.Errorf("scanorc api: %s", resp.Status)
}
