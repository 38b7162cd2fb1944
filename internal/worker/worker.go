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

// Package worker implements the agent that claims queued jobs, runs
// their commands as supervised child processes, heartbeats the claim,
// and reports the terminal result. The same agent runs embedded
// against the project database or remotely against the scheduler API.
package worker

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"whirr/internal/metrics"
	"whirr/internal/recorder"
	"whirr/internal/runner"
	"whirr/internal/store"
	"whirr/pkg/models"
)

// Backend defines the scheduler operations required by the worker.
// The embedded store satisfies it directly; the HTTP client satisfies
// it against a remote scheduler.
type Backend interface {
	ClaimJob(ctx context.Context, workerID string, lease time.Duration) (*models.Job, error)
	Heartbeat(ctx context.Context, jobID int64, workerID string, lease time.Duration) (bool, error)
	CompleteJob(ctx context.Context, jobID int64, workerID string, exitCode int, runID, errorMessage string) error
	RegisterWorker(ctx context.Context, w models.Worker) error
	SetWorkerState(ctx context.Context, workerID string, status models.WorkerStatus, currentJobID *int64) error
	UnregisterWorker(ctx context.Context, workerID string) error
}

// ProcessRecorder is an optional Backend capability: recording the
// child's pid and pgid so operators can inspect or kill it.
type ProcessRecorder interface {
	RecordJobProcess(ctx context.Context, jobID int64, pid, pgid int) error
}

// Sweeper is an optional Backend capability: returning orphaned
// running jobs to the queue. Embedded workers sweep themselves; remote
// workers rely on the scheduler's monitor.
type Sweeper interface {
	RequeueExpired(ctx context.Context) ([]models.Job, error)
}

// Config controls worker behavior and timeouts.
type Config struct {
	WorkerID string

	// RunsDir is where per-job run directories are created.
	RunsDir string

	// GPUIndex pins every child to one GPU via CUDA_VISIBLE_DEVICES.
	GPUIndex *int

	// How often to poll for new jobs when none are available.
	PollInterval time.Duration

	// Claim and heartbeat cadence. A zero Lease claims without a lease
	// and leaves staleness to heartbeat age; a nonzero Lease below
	// twice the heartbeat interval is raised to it.
	HeartbeatInterval time.Duration
	Lease             time.Duration

	// KillGrace is the SIGTERM to SIGKILL window on cancellation and
	// shutdown.
	KillGrace time.Duration

	// SweepInterval is how often an embedded worker requeues orphans.
	SweepInterval time.Duration
}

// Worker claims and runs jobs until its context is canceled.
type Worker struct {
	backend Backend
	cfg     Config
	logger  *log.Logger
	now     func() time.Time
}

const childPollInterval = 250 * time.Millisecond

// completionTimeout bounds the terminal CompleteJob call, which must
// run even after the worker's own context is canceled.
const completionTimeout = 10 * time.Second

// New constructs a Worker.
func New(backend Backend, cfg Config, logger *log.Logger) *Worker {
	if cfg.WorkerID == "" {
		cfg.WorkerID = fmt.Sprintf("%s-%d", hostname(), os.Getpid())
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 5 * time.Second
	}
	if cfg.HeartbeatInterval <= 0 {
		cfg.HeartbeatInterval = 30 * time.Second
	}
	if cfg.KillGrace <= 0 {
		cfg.KillGrace = 10 * time.Second
	}
	if cfg.SweepInterval <= 0 {
		cfg.SweepInterval = 60 * time.Second
	}
	// A lease shorter than the heartbeat cadence would expire between
	// beats and let the orphan sweep requeue a healthy job.
	if cfg.Lease > 0 && cfg.Lease < 2*cfg.HeartbeatInterval {
		cfg.Lease = store.ClampLease(2 * cfg.HeartbeatInterval)
	}
	return &Worker{
		backend: backend,
		cfg:     cfg,
		logger:  logger,
		now:     func() time.Time { return time.Now().UTC() },
	}
}

func (w *Worker) logf(format string, args ...any) {
	if w.logger != nil {
		w.logger.Printf("[worker %s] %s", w.cfg.WorkerID, fmt.Sprintf(format, args...))
	}
}

// ID returns the effective worker id.
func (w *Worker) ID() string { return w.cfg.WorkerID }

// Run registers the worker and processes jobs until ctx is canceled,
// then unregisters.
func (w *Worker) Run(ctx context.Context) error {
	reg := models.Worker{
		ID:        w.cfg.WorkerID,
		PID:       os.Getpid(),
		Hostname:  hostname(),
		GPUIndex:  w.cfg.GPUIndex,
		Status:    models.WorkerIdle,
		StartedAt: w.now(),
	}
	if err := w.backend.RegisterWorker(ctx, reg); err != nil {
		return fmt.Errorf("register worker: %w", err)
	}
	w.logf("starting; poll=%s heartbeat=%s lease=%s", w.cfg.PollInterval, w.cfg.HeartbeatInterval, w.cfg.Lease)
	defer func() {
		dctx, cancel := context.WithTimeout(context.Background(), completionTimeout)
		defer cancel()
		if err := w.backend.UnregisterWorker(dctx, w.cfg.WorkerID); err != nil {
			w.logf("unregister: %v", err)
		}
		w.logf("stopped")
	}()

	w.sweep(ctx)
	nextSweep := w.now().Add(w.cfg.SweepInterval)

	ticker := time.NewTicker(w.cfg.PollInterval)
	defer ticker.Stop()

	for {
		if ctx.Err() != nil {
			return nil
		}
		if w.now().After(nextSweep) {
			w.sweep(ctx)
			nextSweep = w.now().Add(w.cfg.SweepInterval)
		}

		job, err := w.backend.ClaimJob(ctx, w.cfg.WorkerID, w.cfg.Lease)
		switch {
		case err == nil:
			w.logf("claimed job %d attempt=%d name=%q", job.ID, job.Attempt, job.Name)
			metrics.IncJobClaimed(w.cfg.WorkerID)
			w.processJob(ctx, job)
			continue
		case errors.Is(err, store.ErrNotFound):
			// Queue empty.
		case ctx.Err() != nil:
			return nil
		default:
			w.logf("claim: %v", err)
		}

		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
	}
}

// sweep requeues orphaned jobs when the backend supports it.
func (w *Worker) sweep(ctx context.Context) {
	sw, ok := w.backend.(Sweeper)
	if !ok {
		return
	}
	orphans, err := sw.RequeueExpired(ctx)
	if err != nil {
		if ctx.Err() == nil {
			w.logf("requeue sweep: %v", err)
		}
		return
	}
	metrics.IncJobsRequeued(len(orphans))
	for _, j := range orphans {
		w.logf("requeued orphaned job %d (attempt now %d)", j.ID, j.Attempt)
	}
}

// processJob runs one claimed job to its terminal state. The claim is
// always resolved: every path ends in CompleteJob.
func (w *Worker) processJob(ctx context.Context, job *models.Job) {
	start := w.now()
	if err := w.backend.SetWorkerState(ctx, w.cfg.WorkerID, models.WorkerBusy, &job.ID); err != nil {
		w.logf("job %d: set busy: %v", job.ID, err)
	}
	defer func() {
		if err := w.backend.SetWorkerState(ctx, w.cfg.WorkerID, models.WorkerIdle, nil); err != nil && ctx.Err() == nil {
			w.logf("set idle: %v", err)
		}
	}()

	exitCode, errorMessage := w.superviseJob(ctx, job)

	cctx, cancel := context.WithTimeout(context.Background(), completionTimeout)
	defer cancel()
	runID := fmt.Sprintf("job-%d", job.ID)
	if err := w.backend.CompleteJob(cctx, job.ID, w.cfg.WorkerID, exitCode, runID, errorMessage); err != nil {
		w.logf("job %d: complete: %v", job.ID, err)
		return
	}

	status := models.JobCompleted
	if exitCode != 0 {
		status = models.JobFailed
	}
	metrics.ObserveJobFinished(string(status), w.now().Sub(start))
	w.logf("job %d finished status=%s exit=%d in %s", job.ID, status, exitCode, w.now().Sub(start).Round(time.Second))
}

// superviseJob spawns the child and babysits it: heartbeats, the
// cooperative-cancel flag, and worker shutdown all funnel into one
// exit code and error message.
func (w *Worker) superviseJob(ctx context.Context, job *models.Job) (code int, msg string) {
	defer func() {
		// A panic between claim and complete must still land the job
		// failed, or its row stays running forever.
		if r := recover(); r != nil {
			w.logf("job %d: panic: %v", job.ID, r)
			code, msg = 1, fmt.Sprintf("panic: %v", r)
		}
	}()

	runDir := filepath.Join(w.cfg.RunsDir, fmt.Sprintf("job-%d", job.ID))
	if err := os.MkdirAll(filepath.Join(runDir, "artifacts"), 0o755); err != nil {
		return 1, fmt.Sprintf("create run dir: %v", err)
	}

	env := []string{
		recorder.EnvJobID + "=" + strconv.FormatInt(job.ID, 10),
		recorder.EnvRunID + "=job-" + strconv.FormatInt(job.ID, 10),
		recorder.EnvRunDir + "=" + runDir,
	}
	if w.cfg.GPUIndex != nil {
		env = append(env, "CUDA_VISIBLE_DEVICES="+strconv.Itoa(*w.cfg.GPUIndex))
	}

	child, err := runner.Start(runner.Options{
		Argv:    job.CommandArgv,
		Workdir: job.Workdir,
		LogPath: filepath.Join(runDir, "output.log"),
		Env:     env,
	})
	if err != nil {
		w.logf("job %d: spawn: %v", job.ID, err)
		return 1, fmt.Sprintf("spawn: %v", err)
	}

	if pr, ok := w.backend.(ProcessRecorder); ok {
		if err := pr.RecordJobProcess(ctx, job.ID, child.PID(), child.PGID()); err != nil {
			w.logf("job %d: record process: %v", job.ID, err)
		}
	}

	hbCtx, stopHeartbeat := context.WithCancel(ctx)
	defer stopHeartbeat()
	cancelled := make(chan struct{})
	lost := make(chan struct{})
	go w.heartbeatLoop(hbCtx, job.ID, cancelled, lost)

	ticker := time.NewTicker(childPollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			w.logf("job %d: shutting down, killing child pgid=%d", job.ID, child.PGID())
			return child.Kill(w.cfg.KillGrace), "shutdown"
		case <-cancelled:
			w.logf("job %d: cancel requested, killing child pgid=%d", job.ID, child.PGID())
			code := child.Kill(w.cfg.KillGrace)
			if code == 0 {
				// The child beat the signal and exited clean; the cancel
				// still wins.
				code = 1
			}
			return code, "cancelled"
		case <-lost:
			// Another worker owns the job now. Kill the child; the
			// terminal report will be rejected, which is correct.
			w.logf("job %d: claim lost, killing child pgid=%d", job.ID, child.PGID())
			code := child.Kill(w.cfg.KillGrace)
			return code, "claim lost"
		case <-ticker.C:
			if code, exited := child.Poll(); exited {
				if code == 0 {
					return 0, ""
				}
				return code, fmt.Sprintf("exited with code %d", code)
			}
		}
	}
}

// heartbeatLoop refreshes the claim until ctx is canceled. It closes
// cancelled when the scheduler flags the job and lost when the claim
// is no longer ours.
func (w *Worker) heartbeatLoop(ctx context.Context, jobID int64, cancelled, lost chan struct{}) {
	ticker := time.NewTicker(w.cfg.HeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		cancelRequested, err := w.backend.Heartbeat(ctx, jobID, w.cfg.WorkerID, w.cfg.Lease)
		switch {
		case errors.Is(err, store.ErrNotOwner), errors.Is(err, store.ErrNotFound):
			close(lost)
			return
		case err != nil:
			// Transient; the lease survives a missed beat or two.
			if ctx.Err() == nil {
				w.logf("job %d: heartbeat: %v", jobID, err)
			}
		case cancelRequested:
			close(cancelled)
			return
		}
	}
}

func hostname() string {
	h, err := os.Hostname()
	if err != nil {
		return "unknown"
	}
	return h
}
