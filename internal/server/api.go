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

// Package server implements the scheduler HTTP API. Workers claim,
// heartbeat, and complete jobs through it; clients submit jobs and
// browse runs. Errors are returned as {"detail": "..."} with the
// conventional status codes: 400 validation, 403 ownership, 404
// missing.
package server

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"log"
	"net/http"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/gorilla/mux"

	"whirr/internal/metrics"
	"whirr/internal/recorder"
	"whirr/internal/store"
	"whirr/pkg/models"
)

// API is the HTTP layer over the store.
type API struct {
	Store store.Store

	// RunsDir is the server-local runs directory used to serve metrics
	// and artifacts.
	RunsDir string

	// Logger is optional; if nil, logging is suppressed.
	Logger *log.Logger
	// Now allows tests to control timestamps.
	Now func() time.Time
}

// New constructs an API with its required dependencies.
func New(st store.Store, runsDir string, logger *log.Logger) *API {
	return &API{
		Store:   st,
		RunsDir: runsDir,
		Logger:  logger,
		Now:     func() time.Time { return time.Now().UTC() },
	}
}

// Router builds the full route table.
func (a *API) Router() *mux.Router {
	r := mux.NewRouter()
	// Artifact paths may contain dot segments; they are validated by
	// the containment check instead of URL cleaning.
	r.SkipClean(true)
	r.HandleFunc("/health", a.handleHealth).Methods(http.MethodGet)
	r.Handle("/metrics", metrics.Handler()).Methods(http.MethodGet)

	v1 := r.PathPrefix("/api/v1").Subrouter()
	v1.HandleFunc("/status", a.handleStatus).Methods(http.MethodGet)

	v1.HandleFunc("/workers/register", a.handleRegisterWorker).Methods(http.MethodPost)
	v1.HandleFunc("/workers/{id}/unregister", a.handleUnregisterWorker).Methods(http.MethodPost)
	v1.HandleFunc("/workers/{id}/state", a.handleWorkerState).Methods(http.MethodPost)
	v1.HandleFunc("/workers", a.handleListWorkers).Methods(http.MethodGet)

	v1.HandleFunc("/jobs", a.handleCreateJob).Methods(http.MethodPost)
	v1.HandleFunc("/jobs", a.handleListJobs).Methods(http.MethodGet)
	v1.HandleFunc("/jobs/claim", a.handleClaimJob).Methods(http.MethodPost)
	v1.HandleFunc("/jobs/cancel_all", a.handleCancelAllQueued).Methods(http.MethodPost)
	v1.HandleFunc("/jobs/{id:[0-9]+}", a.handleGetJob).Methods(http.MethodGet)
	v1.HandleFunc("/jobs/{id:[0-9]+}/heartbeat", a.handleHeartbeat).Methods(http.MethodPost)
	v1.HandleFunc("/jobs/{id:[0-9]+}/process", a.handleRecordProcess).Methods(http.MethodPost)
	v1.HandleFunc("/jobs/{id:[0-9]+}/complete", a.handleCompleteJob).Methods(http.MethodPost)
	v1.HandleFunc("/jobs/{id:[0-9]+}/fail", a.handleFailJob).Methods(http.MethodPost)
	v1.HandleFunc("/jobs/{id:[0-9]+}/cancel", a.handleCancelJob).Methods(http.MethodPost)
	v1.HandleFunc("/jobs/{id:[0-9]+}/retry", a.handleRetryJob).Methods(http.MethodPost)

	v1.HandleFunc("/runs", a.handleListRuns).Methods(http.MethodGet)
	v1.HandleFunc("/runs/{id}", a.handleGetRun).Methods(http.MethodGet)
	v1.HandleFunc("/runs/{id}/metrics", a.handleRunMetrics).Methods(http.MethodGet)
	v1.HandleFunc("/runs/{id}/artifacts", a.handleListRunArtifacts).Methods(http.MethodGet)
	v1.HandleFunc("/runs/{id}/artifacts/{path:.*}", a.handleRunArtifact).Methods(http.MethodGet)
	return r
}

func (a *API) logf(format string, args ...any) {
	if a.Logger != nil {
		a.Logger.Printf(format, args...)
	}
}

// --------------- Models ---------------

// CreateJobRequest is the payload for POST /api/v1/jobs.
type CreateJobRequest struct {
	CommandArgv []string       `json:"command_argv"`
	Workdir     string         `json:"workdir"`
	Name        string         `json:"name,omitempty"`
	Config      map[string]any `json:"config,omitempty"`
	Tags        []string       `json:"tags,omitempty"`
}

// CreateJobResponse is returned for POST /api/v1/jobs upon success (201).
type CreateJobResponse struct {
	JobID  int64  `json:"job_id"`
	RunID  string `json:"run_id"`
	RunDir string `json:"run_dir"`
}

// ClaimRequest is the payload for POST /api/v1/jobs/claim.
type ClaimRequest struct {
	WorkerID     string `json:"worker_id"`
	LeaseSeconds int    `json:"lease_seconds,omitempty"`
}

// ClaimResponse carries the claimed job, null when the queue is empty.
type ClaimResponse struct {
	Job *models.Job `json:"job"`
}

// HeartbeatRequest is the payload for POST /api/v1/jobs/{id}/heartbeat.
type HeartbeatRequest struct {
	WorkerID     string `json:"worker_id"`
	LeaseSeconds int    `json:"lease_seconds,omitempty"`
}

// HeartbeatResponse reports the claim refresh and the cooperative
// cancel flag.
type HeartbeatResponse struct {
	Success         bool `json:"success"`
	CancelRequested bool `json:"cancel_requested"`
}

// ProcessRequest is the payload for POST /api/v1/jobs/{id}/process.
type ProcessRequest struct {
	WorkerID string `json:"worker_id"`
	PID      int    `json:"pid"`
	PGID     int    `json:"pgid"`
}

// CompleteRequest is the payload for POST /api/v1/jobs/{id}/complete.
type CompleteRequest struct {
	WorkerID     string `json:"worker_id"`
	ExitCode     int    `json:"exit_code"`
	RunID        string `json:"run_id,omitempty"`
	ErrorMessage string `json:"error_message,omitempty"`
}

// FailRequest is the payload for POST /api/v1/jobs/{id}/fail.
type FailRequest struct {
	WorkerID     string `json:"worker_id"`
	ExitCode     int    `json:"exit_code,omitempty"`
	ErrorMessage string `json:"error_message,omitempty"`
}

// CancelResponse reports the status observed before the cancel.
type CancelResponse struct {
	PreviousStatus models.JobStatus `json:"previous_status"`
}

// RetryResponse carries the id of the cloned job.
type RetryResponse struct {
	JobID int64 `json:"job_id"`
}

// RegisterWorkerRequest is the payload for POST /api/v1/workers/register.
// GPUs > 0 expands the registration into one worker per GPU, named
// <worker_id>-gpu<i>.
type RegisterWorkerRequest struct {
	WorkerID string `json:"worker_id"`
	Hostname string `json:"hostname,omitempty"`
	PID      int    `json:"pid,omitempty"`
	GPUIndex *int   `json:"gpu_index,omitempty"`
	GPUs     int    `json:"gpus,omitempty"`
}

// RegisterWorkerResponse lists the registered worker ids.
type RegisterWorkerResponse struct {
	WorkerIDs []string `json:"worker_ids"`
}

// WorkerStateRequest is the payload for POST /api/v1/workers/{id}/state.
type WorkerStateRequest struct {
	Status       models.WorkerStatus `json:"status"`
	CurrentJobID *int64              `json:"current_job_id,omitempty"`
}

// StatusResponse aggregates queue depth and the worker registry.
type StatusResponse struct {
	Jobs    map[models.JobStatus]int `json:"jobs"`
	Workers []models.Worker          `json:"workers"`
}

// detailError is the error envelope for all non-2xx responses.
type detailError struct {
	Detail string `json:"detail"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeDetail(w http.ResponseWriter, status int, format string, args ...any) {
	writeJSON(w, status, detailError{Detail: fmt.Sprintf(format, args...)})
}

// writeStoreError maps the store sentinels onto status codes.
func writeStoreError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, store.ErrNotFound):
		writeDetail(w, http.StatusNotFound, "%v", err)
	case errors.Is(err, store.ErrNotOwner):
		writeDetail(w, http.StatusForbidden, "%v", err)
	case errors.Is(err, store.ErrInvalid):
		writeDetail(w, http.StatusBadRequest, "%v", err)
	default:
		writeDetail(w, http.StatusInternalServerError, "%v", err)
	}
}

func decodeBody(w http.ResponseWriter, r *http.Request, v any) bool {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		writeDetail(w, http.StatusBadRequest, "request body could not be parsed as JSON: %v", err)
		return false
	}
	return true
}

func pathJobID(r *http.Request) (int64, error) {
	return strconv.ParseInt(mux.Vars(r)["id"], 10, 64)
}

func leaseFromSeconds(seconds int) time.Duration {
	if seconds <= 0 {
		return 0
	}
	return store.ClampLease(time.Duration(seconds) * time.Second)
}

// --------------- Health and status ---------------

func (a *API) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (a *API) handleStatus(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	counts, err := a.Store.JobCounts(ctx)
	if err != nil {
		writeStoreError(w, err)
		return
	}
	workers, err := a.Store.ListWorkers(ctx)
	if err != nil {
		writeStoreError(w, err)
		return
	}
	if workers == nil {
		workers = []models.Worker{}
	}
	writeJSON(w, http.StatusOK, StatusResponse{Jobs: counts, Workers: workers})
}

// --------------- Jobs ---------------

func (a *API) handleCreateJob(w http.ResponseWriter, r *http.Request) {
	var req CreateJobRequest
	if !decodeBody(w, r, &req) {
		return
	}
	id, err := a.Store.CreateJob(r.Context(), store.NewJob{
		CommandArgv: req.CommandArgv,
		Workdir:     req.Workdir,
		Name:        req.Name,
		Config:      req.Config,
		Tags:        req.Tags,
	})
	if err != nil {
		writeStoreError(w, err)
		return
	}
	metrics.IncJobSubmitted("api")
	runID := fmt.Sprintf("job-%d", id)
	writeJSON(w, http.StatusCreated, CreateJobResponse{
		JobID:  id,
		RunID:  runID,
		RunDir: filepath.Join(a.RunsDir, runID),
	})
}

func (a *API) handleListJobs(w http.ResponseWriter, r *http.Request) {
	jobs, err := a.Store.GetActiveJobs(r.Context())
	if err != nil {
		writeStoreError(w, err)
		return
	}
	if jobs == nil {
		jobs = []models.Job{}
	}
	writeJSON(w, http.StatusOK, jobs)
}

func (a *API) handleGetJob(w http.ResponseWriter, r *http.Request) {
	id, err := pathJobID(r)
	if err != nil {
		writeDetail(w, http.StatusBadRequest, "invalid job id")
		return
	}
	job, err := a.Store.GetJob(r.Context(), id)
	if err != nil {
		writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, job)
}

func (a *API) handleClaimJob(w http.ResponseWriter, r *http.Request) {
	var req ClaimRequest
	if !decodeBody(w, r, &req) {
		return
	}
	if strings.TrimSpace(req.WorkerID) == "" {
		writeDetail(w, http.StatusBadRequest, "worker_id is required")
		return
	}
	job, err := a.Store.ClaimJob(r.Context(), req.WorkerID, leaseFromSeconds(req.LeaseSeconds))
	if errors.Is(err, store.ErrNotFound) {
		writeJSON(w, http.StatusOK, ClaimResponse{Job: nil})
		return
	}
	if err != nil {
		writeStoreError(w, err)
		return
	}
	metrics.IncJobClaimed(req.WorkerID)
	a.logf("job %d claimed by %s", job.ID, req.WorkerID)
	writeJSON(w, http.StatusOK, ClaimResponse{Job: job})
}

func (a *API) handleHeartbeat(w http.ResponseWriter, r *http.Request) {
	id, err := pathJobID(r)
	if err != nil {
		writeDetail(w, http.StatusBadRequest, "invalid job id")
		return
	}
	var req HeartbeatRequest
	if !decodeBody(w, r, &req) {
		return
	}
	cancelRequested, err := a.Store.Heartbeat(r.Context(), id, req.WorkerID, leaseFromSeconds(req.LeaseSeconds))
	if err != nil {
		metrics.IncHeartbeat("rejected")
		writeStoreError(w, err)
		return
	}
	if cancelRequested {
		metrics.IncHeartbeat("cancel_requested")
	} else {
		metrics.IncHeartbeat("ok")
	}
	writeJSON(w, http.StatusOK, HeartbeatResponse{Success: true, CancelRequested: cancelRequested})
}

func (a *API) handleRecordProcess(w http.ResponseWriter, r *http.Request) {
	id, err := pathJobID(r)
	if err != nil {
		writeDetail(w, http.StatusBadRequest, "invalid job id")
		return
	}
	var req ProcessRequest
	if !decodeBody(w, r, &req) {
		return
	}
	if err := a.Store.RecordJobProcess(r.Context(), id, req.PID, req.PGID); err != nil {
		writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"success": true})
}

func (a *API) handleCompleteJob(w http.ResponseWriter, r *http.Request) {
	id, err := pathJobID(r)
	if err != nil {
		writeDetail(w, http.StatusBadRequest, "invalid job id")
		return
	}
	var req CompleteRequest
	if !decodeBody(w, r, &req) {
		return
	}
	job, err := a.Store.GetJob(r.Context(), id)
	if err != nil {
		writeStoreError(w, err)
		return
	}
	if err := a.Store.CompleteJob(r.Context(), id, req.WorkerID, req.ExitCode, req.RunID, req.ErrorMessage); err != nil {
		writeStoreError(w, err)
		return
	}
	status := models.JobCompleted
	if req.ExitCode != 0 {
		status = models.JobFailed
	}
	if job.StartedAt != nil {
		metrics.ObserveJobFinished(string(status), a.Now().Sub(*job.StartedAt))
	}
	a.logf("job %d completed by %s status=%s exit=%d", id, req.WorkerID, status, req.ExitCode)
	writeJSON(w, http.StatusOK, map[string]bool{"success": true})
}

// handleFailJob marks a running job failed on the owning worker's
// behalf. Exit code 0 is coerced to 1 so a fail can never land
// completed.
func (a *API) handleFailJob(w http.ResponseWriter, r *http.Request) {
	id, err := pathJobID(r)
	if err != nil {
		writeDetail(w, http.StatusBadRequest, "invalid job id")
		return
	}
	var req FailRequest
	if !decodeBody(w, r, &req) {
		return
	}
	if req.ExitCode == 0 {
		req.ExitCode = 1
	}
	job, err := a.Store.GetJob(r.Context(), id)
	if err != nil {
		writeStoreError(w, err)
		return
	}
	if err := a.Store.CompleteJob(r.Context(), id, req.WorkerID, req.ExitCode, "", req.ErrorMessage); err != nil {
		writeStoreError(w, err)
		return
	}
	if job.StartedAt != nil {
		metrics.ObserveJobFinished(string(models.JobFailed), a.Now().Sub(*job.StartedAt))
	}
	a.logf("job %d marked failed by %s exit=%d", id, req.WorkerID, req.ExitCode)
	writeJSON(w, http.StatusOK, map[string]bool{"success": true})
}

func (a *API) handleCancelJob(w http.ResponseWriter, r *http.Request) {
	id, err := pathJobID(r)
	if err != nil {
		writeDetail(w, http.StatusBadRequest, "invalid job id")
		return
	}
	prev, err := a.Store.CancelJob(r.Context(), id)
	if err != nil {
		writeStoreError(w, err)
		return
	}
	a.logf("job %d cancel requested (was %s)", id, prev)
	writeJSON(w, http.StatusOK, CancelResponse{PreviousStatus: prev})
}

func (a *API) handleCancelAllQueued(w http.ResponseWriter, r *http.Request) {
	n, err := a.Store.CancelAllQueued(r.Context())
	if err != nil {
		writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]int64{"cancelled": n})
}

func (a *API) handleRetryJob(w http.ResponseWriter, r *http.Request) {
	id, err := pathJobID(r)
	if err != nil {
		writeDetail(w, http.StatusBadRequest, "invalid job id")
		return
	}
	newID, err := a.Store.RetryJob(r.Context(), id)
	if err != nil {
		writeStoreError(w, err)
		return
	}
	metrics.IncJobSubmitted("retry")
	a.logf("job %d retried as job %d", id, newID)
	writeJSON(w, http.StatusCreated, RetryResponse{JobID: newID})
}

// --------------- Workers ---------------

func (a *API) handleRegisterWorker(w http.ResponseWriter, r *http.Request) {
	var req RegisterWorkerRequest
	if !decodeBody(w, r, &req) {
		return
	}
	if strings.TrimSpace(req.WorkerID) == "" {
		writeDetail(w, http.StatusBadRequest, "worker_id is required")
		return
	}

	base := models.Worker{
		ID:        req.WorkerID,
		PID:       req.PID,
		Hostname:  req.Hostname,
		GPUIndex:  req.GPUIndex,
		Status:    models.WorkerIdle,
		StartedAt: a.Now(),
	}
	regs := []models.Worker{base}
	if req.GPUs > 1 {
		regs = regs[:0]
		for i := 0; i < req.GPUs; i++ {
			gpu := i
			wk := base
			wk.ID = fmt.Sprintf("%s-gpu%d", req.WorkerID, gpu)
			wk.GPUIndex = &gpu
			regs = append(regs, wk)
		}
	}

	ids := make([]string, 0, len(regs))
	for _, wk := range regs {
		if err := a.Store.RegisterWorker(r.Context(), wk); err != nil {
			writeStoreError(w, err)
			return
		}
		ids = append(ids, wk.ID)
	}
	a.logf("registered workers %v", ids)
	writeJSON(w, http.StatusCreated, RegisterWorkerResponse{WorkerIDs: ids})
}

func (a *API) handleUnregisterWorker(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	if err := a.Store.UnregisterWorker(r.Context(), id); err != nil {
		writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"success": true})
}

func (a *API) handleWorkerState(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	var req WorkerStateRequest
	if !decodeBody(w, r, &req) {
		return
	}
	switch req.Status {
	case models.WorkerIdle, models.WorkerBusy, models.WorkerOffline:
	default:
		writeDetail(w, http.StatusBadRequest, "invalid worker status %q", req.Status)
		return
	}
	if err := a.Store.SetWorkerState(r.Context(), id, req.Status, req.CurrentJobID); err != nil {
		writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"success": true})
}

func (a *API) handleListWorkers(w http.ResponseWriter, r *http.Request) {
	workers, err := a.Store.ListWorkers(r.Context())
	if err != nil {
		writeStoreError(w, err)
		return
	}
	if workers == nil {
		workers = []models.Worker{}
	}
	writeJSON(w, http.StatusOK, workers)
}

// --------------- Runs ---------------

func (a *API) handleListRuns(w http.ResponseWriter, r *http.Request) {
	f := store.RunFilter{
		Status: models.RunStatus(r.URL.Query().Get("status")),
		Tag:    r.URL.Query().Get("tag"),
	}
	if limit := r.URL.Query().Get("limit"); limit != "" {
		n, err := strconv.Atoi(limit)
		if err != nil || n < 0 {
			writeDetail(w, http.StatusBadRequest, "invalid limit %q", limit)
			return
		}
		f.Limit = n
	}
	runs, err := a.Store.ListRuns(r.Context(), f)
	if err != nil {
		writeStoreError(w, err)
		return
	}
	if runs == nil {
		runs = []models.Run{}
	}
	writeJSON(w, http.StatusOK, runs)
}

func (a *API) handleGetRun(w http.ResponseWriter, r *http.Request) {
	run, err := a.Store.GetRun(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, run)
}

// runDir resolves a run's directory, preferring the recorded run_dir
// and falling back to the conventional location under RunsDir.
func (a *API) runDir(r *http.Request, id string) (string, error) {
	run, err := a.Store.GetRun(r.Context(), id)
	if err == nil && run.RunDir != "" {
		return run.RunDir, nil
	}
	if err != nil && !errors.Is(err, store.ErrNotFound) {
		return "", err
	}
	dir := filepath.Join(a.RunsDir, id)
	if _, statErr := os.Stat(dir); statErr != nil {
		return "", fmt.Errorf("%w: run %s", store.ErrNotFound, id)
	}
	return dir, nil
}

func (a *API) handleRunMetrics(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	dir, err := a.runDir(r, id)
	if err != nil {
		writeStoreError(w, err)
		return
	}
	records, err := recorder.ReadMetrics(filepath.Join(dir, "metrics.jsonl"))
	if err != nil {
		writeStoreError(w, err)
		return
	}
	if records == nil {
		records = []map[string]any{}
	}
	writeJSON(w, http.StatusOK, records)
}

// handleListRunArtifacts lists a run's artifact files as paths
// relative to its artifacts directory.
func (a *API) handleListRunArtifacts(w http.ResponseWriter, r *http.Request) {
	dir, err := a.runDir(r, mux.Vars(r)["id"])
	if err != nil {
		writeStoreError(w, err)
		return
	}
	artifactsDir := filepath.Join(dir, "artifacts")
	names := []string{}
	walkErr := filepath.WalkDir(artifactsDir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			return nil
		}
		rel, err := filepath.Rel(artifactsDir, path)
		if err != nil {
			return err
		}
		names = append(names, rel)
		return nil
	})
	// A run recorded before any artifact was saved has no directory.
	if walkErr != nil && !os.IsNotExist(walkErr) {
		writeDetail(w, http.StatusInternalServerError, "list artifacts: %v", walkErr)
		return
	}
	sort.Strings(names)
	writeJSON(w, http.StatusOK, names)
}

func (a *API) handleRunArtifact(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	dir, err := a.runDir(r, vars["id"])
	if err != nil {
		writeStoreError(w, err)
		return
	}

	artifactsDir, err := filepath.Abs(filepath.Join(dir, "artifacts"))
	if err != nil {
		writeStoreError(w, err)
		return
	}
	full, err := filepath.Abs(filepath.Join(artifactsDir, vars["path"]))
	if err != nil {
		writeStoreError(w, err)
		return
	}
	// Containment check: the resolved path must stay inside the
	// artifacts directory.
	if full != artifactsDir && !strings.HasPrefix(full, artifactsDir+string(filepath.Separator)) {
		writeDetail(w, http.StatusForbidden, "artifact path escapes the run directory")
		return
	}
	info, err := os.Stat(full)
	if err != nil || info.IsDir() {
		writeDetail(w, http.StatusNotFound, "artifact %s not found", vars["path"])
		return
	}
	http.ServeFile(w, r, full)
}
