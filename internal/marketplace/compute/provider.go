// Package compute is the client of the external compute job provider.
package compute

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"

	"github.com/datarand/datarand-backend/pkg/logging"
	"github.com/datarand/datarand-backend/pkg/retry"
)

// Provider job states. Anything else is treated as still running.
const (
	StatusPending   = "pending"
	StatusRunning   = "running"
	StatusCompleted = "completed"
	StatusFailed    = "failed"
)

var ErrJobNotFound = errors.New("compute: job not found")

// JobStatus is one poll result.
type JobStatus struct {
	JobID   string          `json:"job_id"`
	Status  string          `json:"status"`
	Results json.RawMessage `json:"results,omitempty"`
	Error   string          `json:"error,omitempty"`
}

// Terminal reports whether the provider will not change the job again.
func (s JobStatus) Terminal() bool {
	return s.Status == StatusCompleted || s.Status == StatusFailed
}

type Provider interface {
	SubmitJob(ctx context.Context, taskID string, input json.RawMessage) (string, error)
	JobStatus(ctx context.Context, jobID string) (*JobStatus, error)
}

type Config struct {
	BaseURL string
	APIKey  string
}

// HTTPProvider speaks the provider's REST API. Submissions are sent once;
// status polls go through the retrying client.
type HTTPProvider struct {
	baseURL string
	apiKey  string
	http    *retry.HTTPClient
	logger  logging.Logger
}

func NewHTTPProvider(cfg Config, httpClient *retry.HTTPClient, logger logging.Logger) (*HTTPProvider, error) {
	if cfg.BaseURL == "" {
		return nil, fmt.Errorf("compute provider url is not set")
	}
	if logger == nil {
		logger = logging.NewNoOpLogger()
	}
	if httpClient == nil {
		var err error
		if httpClient, err = retry.NewHTTPClient(nil, logger); err != nil {
			return nil, err
		}
	}
	return &HTTPProvider{
		baseURL: strings.TrimRight(cfg.BaseURL, "/"),
		apiKey:  cfg.APIKey,
		http:    httpClient,
		logger:  logger,
	}, nil
}

type submitRequest struct {
	TaskID string          `json:"task_id"`
	Input  json.RawMessage `json:"input,omitempty"`
}

type submitResponse struct {
	JobID string `json:"job_id"`
}

func (p *HTTPProvider) SubmitJob(ctx context.Context, taskID string, input json.RawMessage) (string, error) {
	body, err := json.Marshal(submitRequest{TaskID: taskID, Input: input})
	if err != nil {
		return "", err
	}
	req, err := p.newRequest(ctx, http.MethodPost, "/jobs", bytes.NewReader(body))
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := p.http.Do(req)
	if err != nil {
		return "", fmt.Errorf("submit compute job: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusCreated && resp.StatusCode != http.StatusAccepted {
		return "", statusError("submit compute job", resp)
	}
	var out submitResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return "", fmt.Errorf("decode submit response: %w", err)
	}
	if out.JobID == "" {
		return "", fmt.Errorf("compute provider returned no job id")
	}
	p.logger.Info("Compute job submitted", "task_id", taskID, "job_id", out.JobID)
	return out.JobID, nil
}

func (p *HTTPProvider) JobStatus(ctx context.Context, jobID string) (*JobStatus, error) {
	req, err := p.newRequest(ctx, http.MethodGet, "/jobs/"+url.PathEscape(jobID), nil)
	if err != nil {
		return nil, err
	}

	resp, err := p.http.DoWithRetry(req)
	if err != nil {
		return nil, fmt.Errorf("poll compute job %s: %w", jobID, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		return nil, fmt.Errorf("%w: %s", ErrJobNotFound, jobID)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, statusError("poll compute job", resp)
	}
	var status JobStatus
	if err := json.NewDecoder(resp.Body).Decode(&status); err != nil {
		return nil, fmt.Errorf("decode job status: %w", err)
	}
	if status.JobID == "" {
		status.JobID = jobID
	}
	return &status, nil
}

func (p *HTTPProvider) newRequest(ctx context.Context, method, path string, body io.Reader) (*http.Request, error) {
	req, err := http.NewRequestWithContext(ctx, method, p.baseURL+path, body)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Accept", "application/json")
	if p.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+p.apiKey)
	}
	return req, nil
}

func statusError(op string, resp *http.Response) error {
	preview, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
	return fmt.Errorf("%s: unexpected status %d: %s", op, resp.StatusCode, strings.TrimSpace(string(preview)))
}
