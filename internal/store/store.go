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

// Package store provides the durable persistence layer for the job
// queue, run records, and worker registry. Two backends implement the
// same Store interface: an embedded SQLite database for single-host
// projects and a PostgreSQL database for multi-host clusters.
//
// The critical operation is ClaimJob: at most one claimant may win any
// given job. SQLite backends serialize the claim inside a transaction;
// the PostgreSQL backend uses FOR UPDATE SKIP LOCKED.
package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"whirr/pkg/models"
)

var (
	// ErrNotFound indicates no rows matched the query.
	ErrNotFound = errors.New("not found")
	// ErrNotOwner indicates the caller does not own the running job it
	// tried to act on.
	ErrNotOwner = errors.New("job not owned by worker")
	// ErrInvalid indicates a request that fails validation.
	ErrInvalid = errors.New("invalid request")
)

// Lease duration bounds enforced on claim and heartbeat.
const (
	MinLease = 10 * time.Second
	MaxLease = 600 * time.Second
)

// NewJob is the payload for CreateJob.
type NewJob struct {
	CommandArgv []string
	Workdir     string
	Name        string
	Config      map[string]any
	Tags        []string
	ParentJobID *int64
	// Attempt defaults to 1 when zero. Retry passes the incremented
	// value of the job it clones.
	Attempt int
}

func (nj NewJob) validate() error {
	if len(nj.CommandArgv) == 0 {
		return fmt.Errorf("%w: command_argv must have at least one element", ErrInvalid)
	}
	if !strings.HasPrefix(nj.Workdir, "/") {
		return fmt.Errorf("%w: workdir must be an absolute path, got %q", ErrInvalid, nj.Workdir)
	}
	return nil
}

// RunFilter narrows ListRuns.
type RunFilter struct {
	Status models.RunStatus
	Tag    string
	Limit  int
}

// Store is the persistence interface shared by the embedded and
// networked backends.
type Store interface {
	Close() error

	// Jobs.
	CreateJob(ctx context.Context, nj NewJob) (int64, error)
	GetJob(ctx context.Context, id int64) (*models.Job, error)
	GetJobByRunID(ctx context.Context, runID string) (*models.Job, error)
	GetActiveJobs(ctx context.Context) ([]models.Job, error)
	JobCounts(ctx context.Context) (map[models.JobStatus]int, error)

	// ClaimJob atomically transfers the oldest queued job to workerID
	// and marks it running. Returns ErrNotFound when the queue is empty.
	ClaimJob(ctx context.Context, workerID string, lease time.Duration) (*models.Job, error)

	// Heartbeat refreshes the claim on a running job and reports
	// whether cancellation has been requested. Returns ErrNotOwner when
	// the job is not running under workerID.
	Heartbeat(ctx context.Context, jobID int64, workerID string, lease time.Duration) (bool, error)

	// RecordJobProcess stores the pid and process-group id of the
	// spawned child so operators can inspect or kill it.
	RecordJobProcess(ctx context.Context, jobID int64, pid, pgid int) error

	// CompleteJob moves a running job to its terminal state: completed
	// when exitCode is zero, failed otherwise. Ownership-checked.
	CompleteJob(ctx context.Context, jobID int64, workerID string, exitCode int, runID, errorMessage string) error

	// CancelJob cancels a queued job immediately or flags a running job
	// for cooperative cancellation. Returns the status observed before
	// the call.
	CancelJob(ctx context.Context, jobID int64) (models.JobStatus, error)
	CancelAllQueued(ctx context.Context) (int64, error)

	// RetryJob clones a failed or cancelled job into a fresh queued job
	// with attempt incremented and parent_job_id set.
	RetryJob(ctx context.Context, jobID int64) (int64, error)

	// RequeueExpired returns orphaned running jobs to the queue and
	// reports them. Staleness is judged by lease_expires_at when the
	// claim carries a lease, by heartbeat_at age otherwise.
	RequeueExpired(ctx context.Context) ([]models.Job, error)

	// Runs.
	CreateRun(ctx context.Context, run models.Run) error
	FinishRun(ctx context.Context, runID string, status models.RunStatus, summary map[string]any, finishedAt time.Time) error
	GetRun(ctx context.Context, id string) (*models.Run, error)
	GetRunByJobID(ctx context.Context, jobID int64) (*models.Run, error)
	ListRuns(ctx context.Context, f RunFilter) ([]models.Run, error)

	// Workers.
	RegisterWorker(ctx context.Context, w models.Worker) error
	SetWorkerState(ctx context.Context, workerID string, status models.WorkerStatus, currentJobID *int64) error
	UnregisterWorker(ctx context.Context, workerID string) error
	ListWorkers(ctx context.Context) ([]models.Worker, error)
}

// Options configures Open.
type Options struct {
	// Database is either a filesystem path (SQLite) or a
	// postgres:// / postgresql:// URL.
	Database string
	// HeartbeatTimeout bounds heartbeat staleness for orphan detection
	// on claims that carry no lease. Zero means the 120 s default.
	HeartbeatTimeout time.Duration
}

// Open selects a backend from the database string and returns a
// migrated, ready store.
func Open(ctx context.Context, opts Options) (Store, error) {
	if opts.Database == "" {
		return nil, fmt.Errorf("%w: database path or URL required", ErrInvalid)
	}
	if opts.HeartbeatTimeout <= 0 {
		opts.HeartbeatTimeout = 120 * time.Second
	}
	if strings.HasPrefix(opts.Database, "postgres://") || strings.HasPrefix(opts.Database, "postgresql://") {
		return OpenPostgres(ctx, opts.Database, opts.HeartbeatTimeout)
	}
	return OpenSQLite(ctx, opts.Database, opts.HeartbeatTimeout)
}

// ClampLease forces d into the [MinLease, MaxLease] range.
func ClampLease(d time.Duration) time.Duration {
	if d < MinLease {
		return MinLease
	}
	if d > MaxLease {
		return MaxLease
	}
	return d
}

// --------------- Column codecs ---------------

// Jobs, runs, and workers share JSON-encoded TEXT columns for argv,
// config, tags, and summary so both backends read the same shapes.

func encodeStrings(v []string) (string, error) {
	if v == nil {
		v = []string{}
	}
	b, err := json.Marshal(v)
	if err != nil {
		return "", fmt.Errorf("encode string list: %w", err)
	}
	return string(b), nil
}

func decodeStrings(s sql.NullString) ([]string, error) {
	if !s.Valid || s.String == "" {
		return nil, nil
	}
	var out []string
	if err := json.Unmarshal([]byte(s.String), &out); err != nil {
		return nil, fmt.Errorf("decode string list: %w", err)
	}
	return out, nil
}

func encodeMap(v map[string]any) (any, error) {
	if v == nil {
		return nil, nil
	}
	b, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("encode map: %w", err)
	}
	return string(b), nil
}

func decodeMap(s sql.NullString) (map[string]any, error) {
	if !s.Valid || s.String == "" {
		return nil, nil
	}
	var out map[string]any
	if err := json.Unmarshal([]byte(s.String), &out); err != nil {
		return nil, fmt.Errorf("decode map: %w", err)
	}
	return out, nil
}

// --------------- Scan helpers ---------------

func nullIfEmpty(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func fromNullString(ns sql.NullString) string {
	if ns.Valid {
		return ns.String
	}
	return ""
}

func fromNullStringPtr(ns sql.NullString) *string {
	if ns.Valid {
		v := ns.String
		return &v
	}
	return nil
}

func fromNullTimePtr(nt sql.NullTime) *time.Time {
	if nt.Valid {
		v := nt.Time.UTC()
		return &v
	}
	return nil
}

func fromNullInt64Ptr(ni sql.NullInt64) *int64 {
	if ni.Valid {
		v := ni.Int64
		return &v
	}
	return nil
}

func fromNullIntPtr(ni sql.NullInt64) *int {
	if ni.Valid {
		v := int(ni.Int64)
		return &v
	}
	return nil
}

func fromNullFloatPtr(nf sql.NullFloat64) *float64 {
	if nf.Valid {
		v := nf.Float64
		return &v
	}
	return nil
}

func fromNullBoolPtr(nb sql.NullBool) *bool {
	if nb.Valid {
		v := nb.Bool
		return &v
	}
	return nil
}

func ptrOrNil[T any](p *T) any {
	if p == nil {
		return nil
	}
	return *p
}
