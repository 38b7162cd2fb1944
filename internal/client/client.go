// Whirr is an experiment orchestration service.
// Copyright (C) 2025 Matthew Burns
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
//
// This program is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
// GNU Affero General Public License for more details.
//
// You should have received a copy of the GNU Affero General Public License
// along with this program.  If not, see <https://www.gnu.org/licenses/>.

// Package client is the HTTP client for the scheduler API. It mirrors
// the store's error sentinels so workers behave identically against an
// embedded store and a remote scheduler.
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"whirr/internal/server"
	"whirr/internal/store"
	"whirr/pkg/models"
)

// Client talks to one scheduler.
type Client struct {
	baseURL string
	http    *http.Client
}

// New constructs a Client for baseURL, e.g. http://scheduler:8080.
func New(baseURL string) *Client {
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		http:    &http.Client{Timeout: 30 * time.Second},
	}
}

// do performs one JSON request and decodes a 2xx body into out. Non-2xx
// responses map to the store sentinels by status code, carrying the
// server's detail message.
func (c *Client) do(ctx context.Context, method, path string, body, out any) error {
	var buf io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("encode request: %w", err)
		}
		buf = bytes.NewReader(b)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, buf)
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("%s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		return statusError(resp)
	}
	if out == nil {
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode %s response: %w", path, err)
	}
	return nil
}

func statusError(resp *http.Response) error {
	detail := http.StatusText(resp.StatusCode)
	var e struct {
		Detail string `json:"detail"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&e); err == nil && e.Detail != "" {
		detail = e.Detail
	}
	switch resp.StatusCode {
	case http.StatusNotFound:
		return fmt.Errorf("%w: %s", store.ErrNotFound, detail)
	case http.StatusForbidden:
		return fmt.Errorf("%w: %s", store.ErrNotOwner, detail)
	case http.StatusBadRequest:
		return fmt.Errorf("%w: %s", store.ErrInvalid, detail)
	default:
		return fmt.Errorf("scheduler returned %d: %s", resp.StatusCode, detail)
	}
}

func leaseSeconds(lease time.Duration) int {
	if lease <= 0 {
		return 0
	}
	return int(lease / time.Second)
}

// --------------- Jobs ---------------

// CreateJob submits a job and returns its id.
func (c *Client) CreateJob(ctx context.Context, nj store.NewJob) (int64, error) {
	var resp server.CreateJobResponse
	err := c.do(ctx, http.MethodPost, "/api/v1/jobs", server.CreateJobRequest{
		CommandArgv: nj.CommandArgv,
		Workdir:     nj.Workdir,
		Name:        nj.Name,
		Config:      nj.Config,
		Tags:        nj.Tags,
	}, &resp)
	if err != nil {
		return 0, err
	}
	return resp.JobID, nil
}

// GetJob fetches one job by id.
func (c *Client) GetJob(ctx context.Context, id int64) (*models.Job, error) {
	var job models.Job
	if err := c.do(ctx, http.MethodGet, fmt.Sprintf("/api/v1/jobs/%d", id), nil, &job); err != nil {
		return nil, err
	}
	return &job, nil
}

// GetActiveJobs lists queued and running jobs.
func (c *Client) GetActiveJobs(ctx context.Context) ([]models.Job, error) {
	var jobs []models.Job
	if err := c.do(ctx, http.MethodGet, "/api/v1/jobs", nil, &jobs); err != nil {
		return nil, err
	}
	return jobs, nil
}

// ClaimJob claims the oldest queued job. A drained queue returns
// store.ErrNotFound, matching the embedded backend.
func (c *Client) ClaimJob(ctx context.Context, workerID string, lease time.Duration) (*models.Job, error) {
	var resp server.ClaimResponse
	err := c.do(ctx, http.MethodPost, "/api/v1/jobs/claim", server.ClaimRequest{
		WorkerID:     workerID,
		LeaseSeconds: leaseSeconds(lease),
	}, &resp)
	if err != nil {
		return nil, err
	}
	if resp.Job == nil {
		return nil, fmt.Errorf("%w: queue empty", store.ErrNotFound)
	}
	return resp.Job, nil
}

// Heartbeat refreshes the claim and reports the cancel flag.
func (c *Client) Heartbeat(ctx context.Context, jobID int64, workerID string, lease time.Duration) (bool, error) {
	var resp server.HeartbeatResponse
	err := c.do(ctx, http.MethodPost, fmt.Sprintf("/api/v1/jobs/%d/heartbeat", jobID), server.HeartbeatRequest{
		WorkerID:     workerID,
		LeaseSeconds: leaseSeconds(lease),
	}, &resp)
	if err != nil {
		return false, err
	}
	return resp.CancelRequested, nil
}

// RecordJobProcess reports the child's pid and pgid.
func (c *Client) RecordJobProcess(ctx context.Context, jobID int64, pid, pgid int) error {
	return c.do(ctx, http.MethodPost, fmt.Sprintf("/api/v1/jobs/%d/process", jobID), server.ProcessRequest{
		PID:  pid,
		PGID: pgid,
	}, nil)
}

// CompleteJob reports the terminal result of a claimed job.
func (c *Client) CompleteJob(ctx context.Context, jobID int64, workerID string, exitCode int, runID, errorMessage string) error {
	return c.do(ctx, http.MethodPost, fmt.Sprintf("/api/v1/jobs/%d/complete", jobID), server.CompleteRequest{
		WorkerID:     workerID,
		ExitCode:     exitCode,
		RunID:        runID,
		ErrorMessage: errorMessage,
	}, nil)
}

// FailJob reports a job failed without a normal exit. A zero exitCode
// is coerced server-side so the job can never land completed.
func (c *Client) FailJob(ctx context.Context, jobID int64, workerID string, exitCode int, errorMessage string) error {
	return c.do(ctx, http.MethodPost, fmt.Sprintf("/api/v1/jobs/%d/fail", jobID), server.FailRequest{
		WorkerID:     workerID,
		ExitCode:     exitCode,
		ErrorMessage: errorMessage,
	}, nil)
}

// CancelJob cancels a queued job or flags a running one. Returns the
// status observed before the call.
func (c *Client) CancelJob(ctx context.Context, jobID int64) (models.JobStatus, error) {
	var resp server.CancelResponse
	if err := c.do(ctx, http.MethodPost, fmt.Sprintf("/api/v1/jobs/%d/cancel", jobID), nil, &resp); err != nil {
		return "", err
	}
	return resp.PreviousStatus, nil
}

// CancelAllQueued cancels every queued job.
func (c *Client) CancelAllQueued(ctx context.Context) (int64, error) {
	var resp map[string]int64
	if err := c.do(ctx, http.MethodPost, "/api/v1/jobs/cancel_all", nil, &resp); err != nil {
		return 0, err
	}
	return resp["cancelled"], nil
}

// RetryJob clones a failed or cancelled job and returns the new id.
func (c *Client) RetryJob(ctx context.Context, jobID int64) (int64, error) {
	var resp server.RetryResponse
	if err := c.do(ctx, http.MethodPost, fmt.Sprintf("/api/v1/jobs/%d/retry", jobID), nil, &resp); err != nil {
		return 0, err
	}
	return resp.JobID, nil
}

// --------------- Workers ---------------

// RegisterWorker registers a single worker.
func (c *Client) RegisterWorker(ctx context.Context, w models.Worker) error {
	return c.do(ctx, http.MethodPost, "/api/v1/workers/register", server.RegisterWorkerRequest{
		WorkerID: w.ID,
		Hostname: w.Hostname,
		PID:      w.PID,
		GPUIndex: w.GPUIndex,
	}, nil)
}

// SetWorkerState advertises idle or busy.
func (c *Client) SetWorkerState(ctx context.Context, workerID string, status models.WorkerStatus, currentJobID *int64) error {
	return c.do(ctx, http.MethodPost, "/api/v1/workers/"+url.PathEscape(workerID)+"/state", server.WorkerStateRequest{
		Status:       status,
		CurrentJobID: currentJobID,
	}, nil)
}

// UnregisterWorker marks the worker offline.
func (c *Client) UnregisterWorker(ctx context.Context, workerID string) error {
	return c.do(ctx, http.MethodPost, "/api/v1/workers/"+url.PathEscape(workerID)+"/unregister", nil, nil)
}

// ListWorkers lists the worker registry.
func (c *Client) ListWorkers(ctx context.Context) ([]models.Worker, error) {
	var workers []models.Worker
	if err := c.do(ctx, http.MethodGet, "/api/v1/workers", nil, &workers); err != nil {
		return nil, err
	}
	return workers, nil
}

// --------------- Runs and status ---------------

// GetRun fetches one run record.
func (c *Client) GetRun(ctx context.Context, id string) (*models.Run, error) {
	var run models.Run
	if err := c.do(ctx, http.MethodGet, "/api/v1/runs/"+url.PathEscape(id), nil, &run); err != nil {
		return nil, err
	}
	return &run, nil
}

// ListRuns lists runs, optionally filtered.
func (c *Client) ListRuns(ctx context.Context, f store.RunFilter) ([]models.Run, error) {
	q := url.Values{}
	if f.Status != "" {
		q.Set("status", string(f.Status))
	}
	if f.Tag != "" {
		q.Set("tag", f.Tag)
	}
	if f.Limit > 0 {
		q.Set("limit", fmt.Sprint(f.Limit))
	}
	path := "/api/v1/runs"
	if len(q) > 0 {
		path += "?" + q.Encode()
	}
	var runs []models.Run
	if err := c.do(ctx, http.MethodGet, path, nil, &runs); err != nil {
		return nil, err
	}
	return runs, nil
}

// RunMetrics fetches a run's metric records.
func (c *Client) RunMetrics(ctx context.Context, id string) ([]map[string]any, error) {
	var records []map[string]any
	if err := c.do(ctx, http.MethodGet, "/api/v1/runs/"+url.PathEscape(id)+"/metrics", nil, &records); err != nil {
		return nil, err
	}
	return records, nil
}

// RunArtifacts lists a run's artifact names relative to its
// artifacts directory.
func (c *Client) RunArtifacts(ctx context.Context, id string) ([]string, error) {
	var names []string
	if err := c.do(ctx, http.MethodGet, "/api/v1/runs/"+url.PathEscape(id)+"/artifacts", nil, &names); err != nil {
		return nil, err
	}
	return names, nil
}

// Status fetches queue depth and the worker registry.
func (c *Client) Status(ctx context.Context) (*server.StatusResponse, error) {
	var st server.StatusResponse
	if err := c.do(ctx, http.MethodGet, "/api/v1/status", nil, &st); err != nil {
		return nil, err
	}
	return &st, nil
}

// Health reports whether the scheduler answers its health check.
func (c *Client) Health(ctx context.Context) error {
	return c.do(ctx, http.MethodGet, "/health", nil, nil)
}
