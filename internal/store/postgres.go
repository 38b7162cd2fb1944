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

package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	_ "github.com/lib/pq"

	"whirr/pkg/models"
)

// Postgres is the networked backend for multi-host clusters. Claims
// lean on row locks instead of a serializable transaction: the oldest
// queued row is taken with FOR UPDATE SKIP LOCKED, so concurrent
// claimants never block on, or win, the same job.
type Postgres struct {
	db *sql.DB

	heartbeatTimeout time.Duration
	now              func() time.Time
}

var _ Store = (*Postgres)(nil)

// OpenPostgres connects to url, ensures the schema, and returns a
// ready store. heartbeatTimeout bounds heartbeat staleness for orphan
// detection on lease-less claims.
func OpenPostgres(ctx context.Context, url string, heartbeatTimeout time.Duration) (*Postgres, error) {
	db, err := sql.Open("postgres", url)
	if err != nil {
		return nil, fmt.Errorf("open postgres: %w", err)
	}

	db.SetConnMaxLifetime(30 * time.Minute)
	db.SetMaxIdleConns(4)
	db.SetMaxOpenConns(16)

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}

	if heartbeatTimeout <= 0 {
		heartbeatTimeout = 120 * time.Second
	}
	s := &Postgres{db: db, heartbeatTimeout: heartbeatTimeout, now: time.Now}
	if err := s.ensureSchema(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ensure schema: %w", err)
	}
	return s, nil
}

// Close closes the underlying connection pool.
func (s *Postgres) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *Postgres) ensureSchema(ctx context.Context) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS jobs (
id BIGSERIAL PRIMARY KEY,
name TEXT,
command_argv TEXT NOT NULL,
workdir TEXT NOT NULL,
config TEXT,
tags TEXT,
status TEXT NOT NULL DEFAULT 'queued'
  CHECK (status IN ('queued','running','completed','failed','cancelled')),
attempt INTEGER NOT NULL DEFAULT 1,
parent_job_id BIGINT REFERENCES jobs(id),
created_at TIMESTAMPTZ NOT NULL,
started_at TIMESTAMPTZ,
finished_at TIMESTAMPTZ,
worker_id TEXT,
heartbeat_at TIMESTAMPTZ,
lease_expires_at TIMESTAMPTZ,
pid INTEGER,
pgid INTEGER,
exit_code INTEGER,
error_message TEXT,
cancel_requested_at TIMESTAMPTZ,
run_id TEXT
)`,
		`CREATE INDEX IF NOT EXISTS idx_jobs_status_created ON jobs(status, created_at)`,
		`CREATE INDEX IF NOT EXISTS idx_jobs_run_id ON jobs(run_id)`,
		`CREATE TABLE IF NOT EXISTS runs (
id TEXT PRIMARY KEY,
job_id BIGINT REFERENCES jobs(id),
name TEXT,
config TEXT,
tags TEXT,
status TEXT NOT NULL DEFAULT 'running'
  CHECK (status IN ('running','completed','failed','cancelled')),
started_at TIMESTAMPTZ NOT NULL,
finished_at TIMESTAMPTZ,
duration_seconds DOUBLE PRECISION,
summary TEXT,
git_hash TEXT,
git_dirty BOOLEAN,
hostname TEXT,
run_dir TEXT
)`,
		`CREATE INDEX IF NOT EXISTS idx_runs_status ON runs(status)`,
		`CREATE INDEX IF NOT EXISTS idx_runs_job_id ON runs(job_id)`,
		`CREATE TABLE IF NOT EXISTS workers (
id TEXT PRIMARY KEY,
pid INTEGER NOT NULL,
hostname TEXT NOT NULL,
gpu_index INTEGER,
status TEXT NOT NULL DEFAULT 'idle'
  CHECK (status IN ('idle','busy','offline')),
current_job_id BIGINT REFERENCES jobs(id),
started_at TIMESTAMPTZ NOT NULL,
last_heartbeat TIMESTAMPTZ
)`,
	}
	for _, q := range stmts {
		if _, err := s.db.ExecContext(ctx, q); err != nil {
			return err
		}
	}
	return nil
}

// --------------- Jobs ---------------

// CreateJob validates and enqueues a new job, returning its id.
func (s *Postgres) CreateJob(ctx context.Context, nj NewJob) (int64, error) {
	if err := nj.validate(); err != nil {
		return 0, err
	}
	argv, err := encodeStrings(nj.CommandArgv)
	if err != nil {
		return 0, err
	}
	cfg, err := encodeMap(nj.Config)
	if err != nil {
		return 0, err
	}
	var tags any
	if len(nj.Tags) > 0 {
		t, err := encodeStrings(nj.Tags)
		if err != nil {
			return 0, err
		}
		tags = t
	}
	attempt := nj.Attempt
	if attempt <= 0 {
		attempt = 1
	}
	const ins = `INSERT INTO jobs(name, command_argv, workdir, config, tags, status, attempt, parent_job_id, created_at)
VALUES($1, $2, $3, $4, $5, 'queued', $6, $7, $8) RETURNING id`
	var id int64
	err = s.db.QueryRowContext(ctx, ins,
		nullIfEmpty(nj.Name), argv, nj.Workdir, cfg, tags, attempt, ptrOrNil(nj.ParentJobID), s.now().UTC()).Scan(&id)
	if err != nil {
		return 0, fmt.Errorf("insert job: %w", err)
	}
	return id, nil
}

// GetJob fetches a job by id or returns ErrNotFound.
func (s *Postgres) GetJob(ctx context.Context, id int64) (*models.Job, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+jobColumns+` FROM jobs WHERE id=$1`, id)
	return scanJob(row)
}

// GetJobByRunID fetches the job whose completion recorded runID.
func (s *Postgres) GetJobByRunID(ctx context.Context, runID string) (*models.Job, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+jobColumns+` FROM jobs WHERE run_id=$1`, runID)
	return scanJob(row)
}

// GetActiveJobs returns queued and running jobs, oldest first.
func (s *Postgres) GetActiveJobs(ctx context.Context) ([]models.Job, error) {
	const q = `SELECT ` + jobColumns + ` FROM jobs
WHERE status IN ('queued','running') ORDER BY created_at ASC, id ASC`
	rows, err := s.db.QueryContext(ctx, q)
	if err != nil {
		return nil, fmt.Errorf("list active jobs: %w", err)
	}
	defer rows.Close()
	return collectJobs(rows)
}

// JobCounts returns the number of jobs per status.
func (s *Postgres) JobCounts(ctx context.Context) (map[models.JobStatus]int, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT status, COUNT(*) FROM jobs GROUP BY status`)
	if err != nil {
		return nil, fmt.Errorf("count jobs: %w", err)
	}
	defer rows.Close()
	out := make(map[models.JobStatus]int)
	for rows.Next() {
		var st string
		var n int
		if err := rows.Scan(&st, &n); err != nil {
			return nil, fmt.Errorf("scan count: %w", err)
		}
		out[models.JobStatus(st)] = n
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate counts: %w", err)
	}
	return out, nil
}

// ClaimJob atomically claims the oldest queued job for workerID. The
// subselect takes the row with FOR UPDATE SKIP LOCKED, so a job locked
// by a concurrent claimant is skipped rather than fought over. A zero
// lease claims without one; staleness then falls back to heartbeat
// age, matching the embedded backend.
func (s *Postgres) ClaimJob(ctx context.Context, workerID string, lease time.Duration) (*models.Job, error) {
	const upd = `UPDATE jobs
SET status='running', worker_id=$1, started_at=NOW(), heartbeat_at=NOW(),
    lease_expires_at=NOW() + make_interval(secs => $2::double precision)
WHERE id = (
  SELECT id FROM jobs WHERE status='queued'
  ORDER BY created_at ASC, id ASC
  LIMIT 1
  FOR UPDATE SKIP LOCKED
)
RETURNING ` + jobColumns
	row := s.db.QueryRowContext(ctx, upd, workerID, leaseSecondsOrNil(lease))
	j, err := scanJob(row)
	if err != nil {
		return nil, err
	}
	return j, nil
}

// leaseSecondsOrNil clamps a positive lease to seconds and maps a
// lease-less claim to SQL NULL, which nulls lease_expires_at through
// make_interval.
func leaseSecondsOrNil(lease time.Duration) any {
	if lease <= 0 {
		return nil
	}
	return ClampLease(lease).Seconds()
}

// Heartbeat refreshes the lease and reads the cancellation flag in one
// statement, so a cancel recorded before the heartbeat is always
// reported by it.
func (s *Postgres) Heartbeat(ctx context.Context, jobID int64, workerID string, lease time.Duration) (bool, error) {
	const upd = `UPDATE jobs
SET heartbeat_at=NOW(), lease_expires_at=NOW() + make_interval(secs => $1::double precision)
WHERE id=$2 AND worker_id=$3 AND status='running'
RETURNING cancel_requested_at`
	var cancelAt sql.NullTime
	err := s.db.QueryRowContext(ctx, upd, leaseSecondsOrNil(lease), jobID, workerID).Scan(&cancelAt)
	if errors.Is(err, sql.ErrNoRows) {
		return false, ErrNotOwner
	}
	if err != nil {
		return false, fmt.Errorf("heartbeat: %w", err)
	}
	return cancelAt.Valid, nil
}

// RecordJobProcess stores the child's pid and process-group id.
func (s *Postgres) RecordJobProcess(ctx context.Context, jobID int64, pid, pgid int) error {
	res, err := s.db.ExecContext(ctx, `UPDATE jobs SET pid=$1, pgid=$2 WHERE id=$3 AND status='running'`, pid, pgid, jobID)
	if err != nil {
		return fmt.Errorf("record process: %w", err)
	}
	if n, _ := res.RowsAffected(); n != 1 {
		return ErrNotFound
	}
	return nil
}

// CompleteJob transitions a running job to completed (exit 0) or
// failed (anything else), clearing process state. Only the owning
// worker may complete a job.
func (s *Postgres) CompleteJob(ctx context.Context, jobID int64, workerID string, exitCode int, runID, errorMessage string) error {
	status := models.JobFailed
	if exitCode == 0 {
		status = models.JobCompleted
	}
	if runID == "" {
		runID = fmt.Sprintf("job-%d", jobID)
	}
	const upd = `UPDATE jobs
SET status=$1, finished_at=NOW(), exit_code=$2, run_id=$3, error_message=$4,
    pid=NULL, pgid=NULL, heartbeat_at=NULL, lease_expires_at=NULL
WHERE id=$5 AND worker_id=$6 AND status='running'`
	res, err := s.db.ExecContext(ctx, upd, string(status), exitCode, runID, nullIfEmpty(errorMessage), jobID, workerID)
	if err != nil {
		return fmt.Errorf("complete job: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 1 {
		return nil
	}
	var exists int
	err = s.db.QueryRowContext(ctx, `SELECT 1 FROM jobs WHERE id=$1`, jobID).Scan(&exists)
	if errors.Is(err, sql.ErrNoRows) {
		return ErrNotFound
	}
	if err != nil {
		return fmt.Errorf("check job: %w", err)
	}
	return ErrNotOwner
}

// CancelJob cancels a queued job outright or flags a running one for
// cooperative cancellation. Terminal jobs are left untouched.
func (s *Postgres) CancelJob(ctx context.Context, jobID int64) (models.JobStatus, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return "", fmt.Errorf("begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	var st string
	err = tx.QueryRowContext(ctx, `SELECT status FROM jobs WHERE id=$1 FOR UPDATE`, jobID).Scan(&st)
	if errors.Is(err, sql.ErrNoRows) {
		return "", ErrNotFound
	}
	if err != nil {
		return "", fmt.Errorf("read job status: %w", err)
	}
	prev := models.JobStatus(st)

	switch prev {
	case models.JobQueued:
		_, err = tx.ExecContext(ctx, `UPDATE jobs SET status='cancelled', finished_at=NOW() WHERE id=$1`, jobID)
	case models.JobRunning:
		_, err = tx.ExecContext(ctx, `UPDATE jobs SET cancel_requested_at=NOW() WHERE id=$1 AND cancel_requested_at IS NULL`, jobID)
	}
	if err != nil {
		return "", fmt.Errorf("cancel job: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return "", fmt.Errorf("commit tx: %w", err)
	}
	return prev, nil
}

// CancelAllQueued cancels every queued job and returns the count.
func (s *Postgres) CancelAllQueued(ctx context.Context) (int64, error) {
	res, err := s.db.ExecContext(ctx, `UPDATE jobs SET status='cancelled', finished_at=NOW() WHERE status='queued'`)
	if err != nil {
		return 0, fmt.Errorf("cancel queued jobs: %w", err)
	}
	n, _ := res.RowsAffected()
	return n, nil
}

// RetryJob clones a failed or cancelled job into a fresh queued one.
func (s *Postgres) RetryJob(ctx context.Context, jobID int64) (int64, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+jobColumns+` FROM jobs WHERE id=$1`, jobID)
	old, err := scanJob(row)
	if err != nil {
		return 0, err
	}
	if old.Status != models.JobFailed && old.Status != models.JobCancelled {
		return 0, fmt.Errorf("%w: cannot retry job %d in status %s", ErrInvalid, jobID, old.Status)
	}
	return s.CreateJob(ctx, NewJob{
		CommandArgv: old.CommandArgv,
		Workdir:     old.Workdir,
		Name:        old.Name,
		Config:      old.Config,
		Tags:        old.Tags,
		ParentJobID: &old.ID,
		Attempt:     old.Attempt + 1,
	})
}

// RequeueExpired returns orphaned running jobs to the queue and
// reports them. A leased claim expires with its lease; a lease-less
// claim expires when its heartbeat goes stale.
func (s *Postgres) RequeueExpired(ctx context.Context) ([]models.Job, error) {
	const upd = `UPDATE jobs
SET status='queued', attempt=attempt+1, worker_id=NULL, started_at=NULL,
    heartbeat_at=NULL, lease_expires_at=NULL, pid=NULL, pgid=NULL, cancel_requested_at=NULL
WHERE status='running' AND (
  (lease_expires_at IS NOT NULL AND lease_expires_at < NOW())
  OR (lease_expires_at IS NULL AND heartbeat_at < NOW() - make_interval(secs => $1))
)
RETURNING ` + jobColumns
	rows, err := s.db.QueryContext(ctx, upd, s.heartbeatTimeout.Seconds())
	if err != nil {
		return nil, fmt.Errorf("requeue expired: %w", err)
	}
	defer rows.Close()
	return collectJobs(rows)
}

// --------------- Runs ---------------

// CreateRun inserts a run row in the running state.
func (s *Postgres) CreateRun(ctx context.Context, run models.Run) error {
	if run.ID == "" {
		return fmt.Errorf("%w: run id required", ErrInvalid)
	}
	cfg, err := encodeMap(run.Config)
	if err != nil {
		return err
	}
	var tags any
	if len(run.Tags) > 0 {
		t, err := encodeStrings(run.Tags)
		if err != nil {
			return err
		}
		tags = t
	}
	started := run.StartedAt
	if started.IsZero() {
		started = s.now()
	}
	const ins = `INSERT INTO runs(id, job_id, name, config, tags, status, started_at, git_hash, git_dirty, hostname, run_dir)
VALUES($1, $2, $3, $4, $5, 'running', $6, $7, $8, $9, $10)`
	_, err = s.db.ExecContext(ctx, ins,
		run.ID, ptrOrNil(run.JobID), nullIfEmpty(run.Name), cfg, tags, started.UTC(),
		ptrOrNil(run.GitHash), ptrOrNil(run.GitDirty), nullIfEmpty(run.Hostname), nullIfEmpty(run.RunDir))
	if err != nil {
		return fmt.Errorf("insert run: %w", err)
	}
	return nil
}

// FinishRun records the terminal status, duration, and summary of a
// run. Finishing an already finished run overwrites nothing.
func (s *Postgres) FinishRun(ctx context.Context, runID string, status models.RunStatus, summary map[string]any, finishedAt time.Time) error {
	if finishedAt.IsZero() {
		finishedAt = s.now()
	}
	sum, err := encodeMap(summary)
	if err != nil {
		return err
	}
	const upd = `UPDATE runs
SET status=$1, finished_at=$2,
    duration_seconds=EXTRACT(EPOCH FROM ($2::timestamptz - started_at)),
    summary=$3
WHERE id=$4 AND finished_at IS NULL`
	res, err := s.db.ExecContext(ctx, upd, string(status), finishedAt.UTC(), sum, runID)
	if err != nil {
		return fmt.Errorf("finish run: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 1 {
		return nil
	}
	var exists int
	err = s.db.QueryRowContext(ctx, `SELECT 1 FROM runs WHERE id=$1`, runID).Scan(&exists)
	if errors.Is(err, sql.ErrNoRows) {
		return ErrNotFound
	}
	if err != nil {
		return fmt.Errorf("check run: %w", err)
	}
	return nil
}

// GetRun fetches a run by id or returns ErrNotFound.
func (s *Postgres) GetRun(ctx context.Context, id string) (*models.Run, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+runColumns+` FROM runs WHERE id=$1`, id)
	return scanRun(row)
}

// GetRunByJobID fetches the run recorded for a job, if any.
func (s *Postgres) GetRunByJobID(ctx context.Context, jobID int64) (*models.Run, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+runColumns+` FROM runs WHERE job_id=$1 ORDER BY started_at DESC LIMIT 1`, jobID)
	return scanRun(row)
}

// ListRuns returns runs newest first, optionally filtered by status
// and tag.
func (s *Postgres) ListRuns(ctx context.Context, f RunFilter) ([]models.Run, error) {
	q := `SELECT ` + runColumns + ` FROM runs`
	var (
		where []string
		args  []any
	)
	if f.Status != "" {
		args = append(args, string(f.Status))
		where = append(where, fmt.Sprintf(`status=$%d`, len(args)))
	}
	if f.Tag != "" {
		args = append(args, `%"`+f.Tag+`"%`)
		where = append(where, fmt.Sprintf(`tags LIKE $%d`, len(args)))
	}
	if len(where) > 0 {
		q += ` WHERE ` + strings.Join(where, ` AND `)
	}
	q += ` ORDER BY started_at DESC`
	if f.Limit > 0 {
		args = append(args, f.Limit)
		q += fmt.Sprintf(` LIMIT $%d`, len(args))
	}
	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("list runs: %w", err)
	}
	defer rows.Close()
	var out []models.Run
	for rows.Next() {
		r, err := scanRun(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate runs: %w", err)
	}
	return out, nil
}

// --------------- Workers ---------------

// RegisterWorker upserts a worker row, resetting it to idle.
func (s *Postgres) RegisterWorker(ctx context.Context, w models.Worker) error {
	if w.ID == "" {
		return fmt.Errorf("%w: worker id required", ErrInvalid)
	}
	const q = `INSERT INTO workers(id, pid, hostname, gpu_index, status, current_job_id, started_at, last_heartbeat)
VALUES($1, $2, $3, $4, 'idle', NULL, NOW(), NOW())
ON CONFLICT(id) DO UPDATE SET
  pid=excluded.pid, hostname=excluded.hostname, gpu_index=excluded.gpu_index,
  status='idle', current_job_id=NULL, started_at=excluded.started_at, last_heartbeat=excluded.last_heartbeat`
	if _, err := s.db.ExecContext(ctx, q, w.ID, w.PID, w.Hostname, ptrOrNil(w.GPUIndex)); err != nil {
		return fmt.Errorf("register worker: %w", err)
	}
	return nil
}

// SetWorkerState updates the advertised status and current job.
func (s *Postgres) SetWorkerState(ctx context.Context, workerID string, status models.WorkerStatus, currentJobID *int64) error {
	const q = `UPDATE workers SET status=$1, current_job_id=$2, last_heartbeat=NOW() WHERE id=$3`
	res, err := s.db.ExecContext(ctx, q, string(status), ptrOrNil(currentJobID), workerID)
	if err != nil {
		return fmt.Errorf("set worker state: %w", err)
	}
	if n, _ := res.RowsAffected(); n != 1 {
		return ErrNotFound
	}
	return nil
}

// UnregisterWorker marks the worker offline. The row is kept for
// status reporting.
func (s *Postgres) UnregisterWorker(ctx context.Context, workerID string) error {
	const q = `UPDATE workers SET status='offline', current_job_id=NULL WHERE id=$1`
	res, err := s.db.ExecContext(ctx, q, workerID)
	if err != nil {
		return fmt.Errorf("unregister worker: %w", err)
	}
	if n, _ := res.RowsAffected(); n != 1 {
		return ErrNotFound
	}
	return nil
}

// ListWorkers returns all registered workers.
func (s *Postgres) ListWorkers(ctx context.Context) ([]models.Worker, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+workerColumns+` FROM workers ORDER BY id ASC`)
	if err != nil {
		return nil, fmt.Errorf("list workers: %w", err)
	}
	defer rows.Close()
	var out []models.Worker
	for rows.Next() {
		w, err := scanWorker(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *w)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate workers: %w", err)
	}
	return out, nil
}
