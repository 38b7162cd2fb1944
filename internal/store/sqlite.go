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

	_ "modernc.org/sqlite"

	"whirr/pkg/models"
)

const (
	defaultBusyTimeout = 5 * time.Second

	// settings keys
	schemaVersionKey = "schema_version"
)

// SQLite is the embedded single-file backend. One project directory,
// one database, any number of worker processes on the same host.
type SQLite struct {
	db *sql.DB

	// heartbeatTimeout bounds heartbeat staleness for claims without a
	// lease (the embedded worker path).
	heartbeatTimeout time.Duration

	// now is replaceable in tests.
	now func() time.Time
}

var _ Store = (*SQLite)(nil)

// OpenSQLite opens (or creates) the database at path, applies
// connection pragmas, runs migrations, and returns a ready store.
func OpenSQLite(ctx context.Context, path string, heartbeatTimeout time.Duration) (*SQLite, error) {
	// DSN with pragmas for durability and concurrency.
	// - busy_timeout: backoff on locked database
	// - journal_mode=WAL: better concurrency
	// - foreign_keys=ON: enforce referential integrity
	// - synchronous=NORMAL: reasonable safety/perf tradeoff
	dsn := fmt.Sprintf("file:%s?_pragma=busy_timeout(%d)&_pragma=journal_mode(WAL)&_pragma=foreign_keys(ON)&_pragma=synchronous(NORMAL)", path, int(defaultBusyTimeout.Milliseconds()))

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}

	// Reasonable pool settings for a single-node embedded DB
	db.SetConnMaxLifetime(0)
	db.SetMaxIdleConns(4)
	db.SetMaxOpenConns(8)

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping sqlite: %w", err)
	}

	s := &SQLite{db: db, heartbeatTimeout: heartbeatTimeout, now: time.Now}
	if err := s.migrate(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}

	return s, nil
}

// Close closes the underlying database connection.
func (s *SQLite) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

// WithTx executes fn inside a serializable transaction. If fn returns
// an error, the transaction is rolled back; otherwise, it's committed.
func (s *SQLite) WithTx(ctx context.Context, fn func(*sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{
		ReadOnly:  false,
		Isolation: sql.LevelSerializable,
	})
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer func() {
		// In case of panic, make best effort rollback
		if p := recover(); p != nil {
			_ = tx.Rollback()
			panic(p)
		}
	}()

	if err := fn(tx); err != nil {
		_ = tx.Rollback()
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit tx: %w", err)
	}
	return nil
}

// --------------- Migrations ---------------

func (s *SQLite) migrate(ctx context.Context) error {
	if err := s.ensureSettingsTable(ctx); err != nil {
		return err
	}
	v, err := s.getSchemaVersion(ctx)
	if err != nil {
		return err
	}
	if v < 1 {
		if err := s.migrateToV1(ctx); err != nil {
			return err
		}
	}
	return nil
}

func (s *SQLite) ensureSettingsTable(ctx context.Context) error {
	const q = `CREATE TABLE IF NOT EXISTS settings (
key TEXT PRIMARY KEY,
value TEXT NOT NULL
)`
	if _, err := s.db.ExecContext(ctx, q); err != nil {
		return fmt.Errorf("create settings table: %w", err)
	}
	return nil
}

func (s *SQLite) getSchemaVersion(ctx context.Context) (int, error) {
	var v int
	err := s.db.QueryRowContext(ctx, `SELECT value FROM settings WHERE key=?`, schemaVersionKey).Scan(&v)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("get schema version: %w", err)
	}
	return v, nil
}

func (s *SQLite) setSchemaVersion(ctx context.Context, tx *sql.Tx, v int) error {
	const q = `INSERT INTO settings(key, value) VALUES(?, ?)
ON CONFLICT(key) DO UPDATE SET value=excluded.value`
	if _, err := tx.ExecContext(ctx, q, schemaVersionKey, v); err != nil {
		return fmt.Errorf("set schema version: %w", err)
	}
	return nil
}

func (s *SQLite) migrateToV1(ctx context.Context) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS jobs (
id INTEGER PRIMARY KEY AUTOINCREMENT,
name TEXT,
command_argv TEXT NOT NULL,
workdir TEXT NOT NULL,
config TEXT,
tags TEXT,
status TEXT NOT NULL DEFAULT 'queued'
  CHECK (status IN ('queued','running','completed','failed','cancelled')),
attempt INTEGER NOT NULL DEFAULT 1,
parent_job_id INTEGER REFERENCES jobs(id),
created_at TIMESTAMP NOT NULL,
started_at TIMESTAMP,
finished_at TIMESTAMP,
worker_id TEXT,
heartbeat_at TIMESTAMP,
lease_expires_at TIMESTAMP,
pid INTEGER,
pgid INTEGER,
exit_code INTEGER,
error_message TEXT,
cancel_requested_at TIMESTAMP,
run_id TEXT
)`,
		`CREATE INDEX IF NOT EXISTS idx_jobs_status_created ON jobs(status, created_at)`,
		`CREATE INDEX IF NOT EXISTS idx_jobs_run_id ON jobs(run_id)`,
		`CREATE TABLE IF NOT EXISTS runs (
id TEXT PRIMARY KEY,
job_id INTEGER REFERENCES jobs(id),
name TEXT,
config TEXT,
tags TEXT,
status TEXT NOT NULL DEFAULT 'running'
  CHECK (status IN ('running','completed','failed','cancelled')),
started_at TIMESTAMP NOT NULL,
finished_at TIMESTAMP,
duration_seconds REAL,
summary TEXT,
git_hash TEXT,
git_dirty INTEGER,
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
current_job_id INTEGER REFERENCES jobs(id),
started_at TIMESTAMP NOT NULL,
last_heartbeat TIMESTAMP
)`,
	}
	return s.WithTx(ctx, func(tx *sql.Tx) error {
		for _, q := range stmts {
			if _, err := tx.ExecContext(ctx, q); err != nil {
				return fmt.Errorf("migrate v1: %w", err)
			}
		}
		return s.setSchemaVersion(ctx, tx, 1)
	})
}

// --------------- Jobs ---------------

const jobColumns = `id, name, command_argv, workdir, config, tags, status, attempt, parent_job_id,
created_at, started_at, finished_at, worker_id, heartbeat_at, lease_expires_at,
pid, pgid, exit_code, error_message, cancel_requested_at, run_id`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanJob(row rowScanner) (*models.Job, error) {
	var (
		j         models.Job
		name      sql.NullString
		argv      sql.NullString
		cfg       sql.NullString
		tags      sql.NullString
		status    string
		parent    sql.NullInt64
		started   sql.NullTime
		finished  sql.NullTime
		workerID  sql.NullString
		heartbeat sql.NullTime
		lease     sql.NullTime
		pid       sql.NullInt64
		pgid      sql.NullInt64
		exitCode  sql.NullInt64
		errMsg    sql.NullString
		cancelReq sql.NullTime
		runID     sql.NullString
	)
	err := row.Scan(&j.ID, &name, &argv, &j.Workdir, &cfg, &tags, &status, &j.Attempt, &parent,
		&j.CreatedAt, &started, &finished, &workerID, &heartbeat, &lease,
		&pid, &pgid, &exitCode, &errMsg, &cancelReq, &runID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scan job: %w", err)
	}
	j.Name = fromNullString(name)
	if j.CommandArgv, err = decodeStrings(argv); err != nil {
		return nil, err
	}
	if j.Config, err = decodeMap(cfg); err != nil {
		return nil, err
	}
	if j.Tags, err = decodeStrings(tags); err != nil {
		return nil, err
	}
	j.Status = models.JobStatus(status)
	j.ParentJobID = fromNullInt64Ptr(parent)
	j.CreatedAt = j.CreatedAt.UTC()
	j.StartedAt = fromNullTimePtr(started)
	j.FinishedAt = fromNullTimePtr(finished)
	j.WorkerID = fromNullStringPtr(workerID)
	j.HeartbeatAt = fromNullTimePtr(heartbeat)
	j.LeaseExpiresAt = fromNullTimePtr(lease)
	j.PID = fromNullIntPtr(pid)
	j.PGID = fromNullIntPtr(pgid)
	j.ExitCode = fromNullIntPtr(exitCode)
	j.ErrorMessage = fromNullStringPtr(errMsg)
	j.CancelRequestedAt = fromNullTimePtr(cancelReq)
	j.RunID = fromNullStringPtr(runID)
	return &j, nil
}

// CreateJob validates and enqueues a new job, returning its id.
func (s *SQLite) CreateJob(ctx context.Context, nj NewJob) (int64, error) {
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
VALUES(?, ?, ?, ?, ?, 'queued', ?, ?, ?)`
	res, err := s.db.ExecContext(ctx, ins,
		nullIfEmpty(nj.Name), argv, nj.Workdir, cfg, tags, attempt, ptrOrNil(nj.ParentJobID), s.now().UTC())
	if err != nil {
		return 0, fmt.Errorf("insert job: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("job id: %w", err)
	}
	return id, nil
}

// GetJob fetches a job by id or returns ErrNotFound.
func (s *SQLite) GetJob(ctx context.Context, id int64) (*models.Job, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+jobColumns+` FROM jobs WHERE id=?`, id)
	return scanJob(row)
}

// GetJobByRunID fetches the job whose completion recorded runID.
func (s *SQLite) GetJobByRunID(ctx context.Context, runID string) (*models.Job, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+jobColumns+` FROM jobs WHERE run_id=?`, runID)
	return scanJob(row)
}

// GetActiveJobs returns queued and running jobs, oldest first.
func (s *SQLite) GetActiveJobs(ctx context.Context) ([]models.Job, error) {
	const q = `SELECT ` + jobColumns + ` FROM jobs
WHERE status IN ('queued','running') ORDER BY created_at ASC, id ASC`
	rows, err := s.db.QueryContext(ctx, q)
	if err != nil {
		return nil, fmt.Errorf("list active jobs: %w", err)
	}
	defer rows.Close()
	return collectJobs(rows)
}

func collectJobs(rows *sql.Rows) ([]models.Job, error) {
	var out []models.Job
	for rows.Next() {
		j, err := scanJob(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *j)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate jobs: %w", err)
	}
	return out, nil
}

// JobCounts returns the number of jobs per status.
func (s *SQLite) JobCounts(ctx context.Context) (map[models.JobStatus]int, error) {
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

// ClaimJob atomically leases the oldest queued job to workerID. The
// select-then-conditional-update runs inside one serializable
// transaction, so concurrent claimants cannot win the same row.
// A lease of zero means heartbeat-only staleness (embedded workers).
func (s *SQLite) ClaimJob(ctx context.Context, workerID string, lease time.Duration) (*models.Job, error) {
	now := s.now().UTC()
	var leaseUntil any
	if lease > 0 {
		leaseUntil = now.Add(ClampLease(lease))
	}

	var claimed *models.Job
	err := s.WithTx(ctx, func(tx *sql.Tx) error {
		const sel = `SELECT id FROM jobs WHERE status='queued' ORDER BY created_at ASC, id ASC LIMIT 1`
		var id int64
		err := tx.QueryRowContext(ctx, sel).Scan(&id)
		if errors.Is(err, sql.ErrNoRows) {
			return ErrNotFound
		}
		if err != nil {
			return fmt.Errorf("select queued job: %w", err)
		}

		const upd = `UPDATE jobs
SET status='running', worker_id=?, started_at=?, heartbeat_at=?, lease_expires_at=?
WHERE id=? AND status='queued'`
		res, err := tx.ExecContext(ctx, upd, workerID, now, now, leaseUntil, id)
		if err != nil {
			return fmt.Errorf("claim job: %w", err)
		}
		affected, _ := res.RowsAffected()
		if affected != 1 {
			return ErrNotFound
		}

		row := tx.QueryRowContext(ctx, `SELECT `+jobColumns+` FROM jobs WHERE id=?`, id)
		j, err := scanJob(row)
		if err != nil {
			return err
		}
		claimed = j
		return nil
	})
	if err != nil {
		return nil, err
	}
	return claimed, nil
}

// Heartbeat refreshes the claim and reads the cancellation flag in one
// transaction, so a cancel recorded before the heartbeat is always
// reported by it.
func (s *SQLite) Heartbeat(ctx context.Context, jobID int64, workerID string, lease time.Duration) (bool, error) {
	now := s.now().UTC()
	var cancelRequested bool
	err := s.WithTx(ctx, func(tx *sql.Tx) error {
		var (
			upd  string
			args []any
		)
		if lease > 0 {
			upd = `UPDATE jobs SET heartbeat_at=?, lease_expires_at=? WHERE id=? AND worker_id=? AND status='running'`
			args = []any{now, now.Add(ClampLease(lease)), jobID, workerID}
		} else {
			upd = `UPDATE jobs SET heartbeat_at=? WHERE id=? AND worker_id=? AND status='running'`
			args = []any{now, jobID, workerID}
		}
		res, err := tx.ExecContext(ctx, upd, args...)
		if err != nil {
			return fmt.Errorf("heartbeat: %w", err)
		}
		n, _ := res.RowsAffected()
		if n != 1 {
			return ErrNotOwner
		}
		var cancelAt sql.NullTime
		if err := tx.QueryRowContext(ctx, `SELECT cancel_requested_at FROM jobs WHERE id=?`, jobID).Scan(&cancelAt); err != nil {
			return fmt.Errorf("read cancel flag: %w", err)
		}
		cancelRequested = cancelAt.Valid
		return nil
	})
	if err != nil {
		return false, err
	}
	return cancelRequested, nil
}

// RecordJobProcess stores the child's pid and process-group id.
func (s *SQLite) RecordJobProcess(ctx context.Context, jobID int64, pid, pgid int) error {
	res, err := s.db.ExecContext(ctx, `UPDATE jobs SET pid=?, pgid=? WHERE id=? AND status='running'`, pid, pgid, jobID)
	if err != nil {
		return fmt.Errorf("record process: %w", err)
	}
	if n, _ := res.RowsAffected(); n != 1 {
		return ErrNotFound
	}
	return nil
}

// CompleteJob transitions a running job to completed (exit 0) or failed
// (anything else), clearing process state. Only the owning worker may
// complete a job.
func (s *SQLite) CompleteJob(ctx context.Context, jobID int64, workerID string, exitCode int, runID, errorMessage string) error {
	status := models.JobFailed
	if exitCode == 0 {
		status = models.JobCompleted
	}
	if runID == "" {
		runID = fmt.Sprintf("job-%d", jobID)
	}
	return s.WithTx(ctx, func(tx *sql.Tx) error {
		const upd = `UPDATE jobs
SET status=?, finished_at=?, exit_code=?, run_id=?, error_message=?,
    pid=NULL, pgid=NULL, heartbeat_at=NULL, lease_expires_at=NULL
WHERE id=? AND worker_id=? AND status='running'`
		res, err := tx.ExecContext(ctx, upd,
			string(status), s.now().UTC(), exitCode, runID, nullIfEmpty(errorMessage), jobID, workerID)
		if err != nil {
			return fmt.Errorf("complete job: %w", err)
		}
		if n, _ := res.RowsAffected(); n == 1 {
			return nil
		}
		var exists int
		if err := tx.QueryRowContext(ctx, `SELECT 1 FROM jobs WHERE id=?`, jobID).Scan(&exists); err != nil {
			if errors.Is(err, sql.ErrNoRows) {
				return ErrNotFound
			}
			return fmt.Errorf("check job: %w", err)
		}
		return ErrNotOwner
	})
}

// CancelJob cancels a queued job outright or flags a running one for
// cooperative cancellation. Terminal jobs are left untouched.
func (s *SQLite) CancelJob(ctx context.Context, jobID int64) (models.JobStatus, error) {
	now := s.now().UTC()
	var prev models.JobStatus
	err := s.WithTx(ctx, func(tx *sql.Tx) error {
		var st string
		err := tx.QueryRowContext(ctx, `SELECT status FROM jobs WHERE id=?`, jobID).Scan(&st)
		if errors.Is(err, sql.ErrNoRows) {
			return ErrNotFound
		}
		if err != nil {
			return fmt.Errorf("read job status: %w", err)
		}
		prev = models.JobStatus(st)

		switch prev {
		case models.JobQueued:
			_, err = tx.ExecContext(ctx, `UPDATE jobs SET status='cancelled', finished_at=? WHERE id=?`, now, jobID)
		case models.JobRunning:
			_, err = tx.ExecContext(ctx, `UPDATE jobs SET cancel_requested_at=? WHERE id=? AND cancel_requested_at IS NULL`, now, jobID)
		}
		if err != nil {
			return fmt.Errorf("cancel job: %w", err)
		}
		return nil
	})
	if err != nil {
		return "", err
	}
	return prev, nil
}

// CancelAllQueued cancels every queued job and returns the count.
func (s *SQLite) CancelAllQueued(ctx context.Context) (int64, error) {
	res, err := s.db.ExecContext(ctx,
		`UPDATE jobs SET status='cancelled', finished_at=? WHERE status='queued'`, s.now().UTC())
	if err != nil {
		return 0, fmt.Errorf("cancel queued jobs: %w", err)
	}
	n, _ := res.RowsAffected()
	return n, nil
}

// RetryJob clones a failed or cancelled job into a fresh queued one.
func (s *SQLite) RetryJob(ctx context.Context, jobID int64) (int64, error) {
	var newID int64
	err := s.WithTx(ctx, func(tx *sql.Tx) error {
		row := tx.QueryRowContext(ctx, `SELECT `+jobColumns+` FROM jobs WHERE id=?`, jobID)
		old, err := scanJob(row)
		if err != nil {
			return err
		}
		if old.Status != models.JobFailed && old.Status != models.JobCancelled {
			return fmt.Errorf("%w: cannot retry job %d in status %s", ErrInvalid, jobID, old.Status)
		}

		argv, err := encodeStrings(old.CommandArgv)
		if err != nil {
			return err
		}
		cfg, err := encodeMap(old.Config)
		if err != nil {
			return err
		}
		var tags any
		if len(old.Tags) > 0 {
			t, err := encodeStrings(old.Tags)
			if err != nil {
				return err
			}
			tags = t
		}
		const ins = `INSERT INTO jobs(name, command_argv, workdir, config, tags, status, attempt, parent_job_id, created_at)
VALUES(?, ?, ?, ?, ?, 'queued', ?, ?, ?)`
		res, err := tx.ExecContext(ctx, ins,
			nullIfEmpty(old.Name), argv, old.Workdir, cfg, tags, old.Attempt+1, old.ID, s.now().UTC())
		if err != nil {
			return fmt.Errorf("insert retry: %w", err)
		}
		newID, err = res.LastInsertId()
		if err != nil {
			return fmt.Errorf("retry id: %w", err)
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	return newID, nil
}

// RequeueExpired returns orphaned running jobs to the queue. Staleness
// is decided in Go after scanning, which keeps the comparison exact
// regardless of how the driver stores timestamps.
func (s *SQLite) RequeueExpired(ctx context.Context) ([]models.Job, error) {
	now := s.now().UTC()
	cutoff := now.Add(-s.heartbeatTimeout)

	var requeued []models.Job
	err := s.WithTx(ctx, func(tx *sql.Tx) error {
		rows, err := tx.QueryContext(ctx, `SELECT `+jobColumns+` FROM jobs WHERE status='running'`)
		if err != nil {
			return fmt.Errorf("list running jobs: %w", err)
		}
		running, err := collectJobs(rows)
		rows.Close()
		if err != nil {
			return err
		}

		const upd = `UPDATE jobs
SET status='queued', attempt=attempt+1, worker_id=NULL, started_at=NULL,
    heartbeat_at=NULL, lease_expires_at=NULL, pid=NULL, pgid=NULL, cancel_requested_at=NULL
WHERE id=? AND status='running'`
		for _, j := range running {
			if !jobExpired(j, now, cutoff) {
				continue
			}
			if _, err := tx.ExecContext(ctx, upd, j.ID); err != nil {
				return fmt.Errorf("requeue job %d: %w", j.ID, err)
			}
			row := tx.QueryRowContext(ctx, `SELECT `+jobColumns+` FROM jobs WHERE id=?`, j.ID)
			fresh, err := scanJob(row)
			if err != nil {
				return err
			}
			requeued = append(requeued, *fresh)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return requeued, nil
}

// jobExpired applies the staleness policy: lease expiry when the claim
// carries a lease, heartbeat age otherwise. A job that never
// heartbeated is judged from started_at.
func jobExpired(j models.Job, now, cutoff time.Time) bool {
	if j.LeaseExpiresAt != nil {
		return j.LeaseExpiresAt.Before(now)
	}
	if j.HeartbeatAt != nil {
		return j.HeartbeatAt.Before(cutoff)
	}
	if j.StartedAt != nil {
		return j.StartedAt.Before(cutoff)
	}
	return false
}

// --------------- Runs ---------------

const runColumns = `id, job_id, name, config, tags, status, started_at, finished_at,
duration_seconds, summary, git_hash, git_dirty, hostname, run_dir`

func scanRun(row rowScanner) (*models.Run, error) {
	var (
		r        models.Run
		jobID    sql.NullInt64
		name     sql.NullString
		cfg      sql.NullString
		tags     sql.NullString
		status   string
		finished sql.NullTime
		duration sql.NullFloat64
		summary  sql.NullString
		gitHash  sql.NullString
		gitDirty sql.NullBool
		hostname sql.NullString
		runDir   sql.NullString
	)
	err := row.Scan(&r.ID, &jobID, &name, &cfg, &tags, &status, &r.StartedAt, &finished,
		&duration, &summary, &gitHash, &gitDirty, &hostname, &runDir)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scan run: %w", err)
	}
	r.JobID = fromNullInt64Ptr(jobID)
	r.Name = fromNullString(name)
	if r.Config, err = decodeMap(cfg); err != nil {
		return nil, err
	}
	if r.Tags, err = decodeStrings(tags); err != nil {
		return nil, err
	}
	r.Status = models.RunStatus(status)
	r.StartedAt = r.StartedAt.UTC()
	r.FinishedAt = fromNullTimePtr(finished)
	r.DurationSeconds = fromNullFloatPtr(duration)
	if r.Summary, err = decodeMap(summary); err != nil {
		return nil, err
	}
	r.GitHash = fromNullStringPtr(gitHash)
	r.GitDirty = fromNullBoolPtr(gitDirty)
	r.Hostname = fromNullString(hostname)
	r.RunDir = fromNullString(runDir)
	return &r, nil
}

// CreateRun inserts a run row in the running state.
func (s *SQLite) CreateRun(ctx context.Context, run models.Run) error {
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
VALUES(?, ?, ?, ?, ?, 'running', ?, ?, ?, ?, ?)`
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
func (s *SQLite) FinishRun(ctx context.Context, runID string, status models.RunStatus, summary map[string]any, finishedAt time.Time) error {
	if finishedAt.IsZero() {
		finishedAt = s.now()
	}
	finishedAt = finishedAt.UTC()
	return s.WithTx(ctx, func(tx *sql.Tx) error {
		var (
			started  time.Time
			finished sql.NullTime
		)
		err := tx.QueryRowContext(ctx, `SELECT started_at, finished_at FROM runs WHERE id=?`, runID).Scan(&started, &finished)
		if errors.Is(err, sql.ErrNoRows) {
			return ErrNotFound
		}
		if err != nil {
			return fmt.Errorf("read run: %w", err)
		}
		if finished.Valid {
			return nil
		}
		duration := finishedAt.Sub(started.UTC()).Seconds()
		sum, err := encodeMap(summary)
		if err != nil {
			return err
		}
		const upd = `UPDATE runs SET status=?, finished_at=?, duration_seconds=?, summary=? WHERE id=?`
		if _, err := tx.ExecContext(ctx, upd, string(status), finishedAt, duration, sum, runID); err != nil {
			return fmt.Errorf("finish run: %w", err)
		}
		return nil
	})
}

// GetRun fetches a run by id or returns ErrNotFound.
func (s *SQLite) GetRun(ctx context.Context, id string) (*models.Run, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+runColumns+` FROM runs WHERE id=?`, id)
	return scanRun(row)
}

// GetRunByJobID fetches the run recorded for a job, if any.
func (s *SQLite) GetRunByJobID(ctx context.Context, jobID int64) (*models.Run, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+runColumns+` FROM runs WHERE job_id=? ORDER BY started_at DESC LIMIT 1`, jobID)
	return scanRun(row)
}

// ListRuns returns runs newest first, optionally filtered by status
// and tag.
func (s *SQLite) ListRuns(ctx context.Context, f RunFilter) ([]models.Run, error) {
	q := `SELECT ` + runColumns + ` FROM runs`
	var (
		where []string
		args  []any
	)
	if f.Status != "" {
		where = append(where, `status=?`)
		args = append(args, string(f.Status))
	}
	if f.Tag != "" {
		// Tags are stored as a JSON array of strings.
		where = append(where, `tags LIKE ?`)
		args = append(args, `%"`+f.Tag+`"%`)
	}
	if len(where) > 0 {
		q += ` WHERE ` + strings.Join(where, ` AND `)
	}
	q += ` ORDER BY started_at DESC`
	if f.Limit > 0 {
		q += ` LIMIT ?`
		args = append(args, f.Limit)
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

const workerColumns = `id, pid, hostname, gpu_index, status, current_job_id, started_at, last_heartbeat`

func scanWorker(row rowScanner) (*models.Worker, error) {
	var (
		w         models.Worker
		gpu       sql.NullInt64
		status    string
		jobID     sql.NullInt64
		heartbeat sql.NullTime
	)
	err := row.Scan(&w.ID, &w.PID, &w.Hostname, &gpu, &status, &jobID, &w.StartedAt, &heartbeat)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scan worker: %w", err)
	}
	w.GPUIndex = fromNullIntPtr(gpu)
	w.Status = models.WorkerStatus(status)
	w.CurrentJobID = fromNullInt64Ptr(jobID)
	w.StartedAt = w.StartedAt.UTC()
	w.LastHeartbeat = fromNullTimePtr(heartbeat)
	return &w, nil
}

// RegisterWorker upserts a worker row, resetting it to idle. Restarted
// workers re-register under the same id.
func (s *SQLite) RegisterWorker(ctx context.Context, w models.Worker) error {
	if w.ID == "" {
		return fmt.Errorf("%w: worker id required", ErrInvalid)
	}
	now := s.now().UTC()
	const q = `INSERT INTO workers(id, pid, hostname, gpu_index, status, current_job_id, started_at, last_heartbeat)
VALUES(?, ?, ?, ?, 'idle', NULL, ?, ?)
ON CONFLICT(id) DO UPDATE SET
  pid=excluded.pid, hostname=excluded.hostname, gpu_index=excluded.gpu_index,
  status='idle', current_job_id=NULL, started_at=excluded.started_at, last_heartbeat=excluded.last_heartbeat`
	_, err := s.db.ExecContext(ctx, q, w.ID, w.PID, w.Hostname, ptrOrNil(w.GPUIndex), now, now)
	if err != nil {
		return fmt.Errorf("register worker: %w", err)
	}
	return nil
}

// SetWorkerState updates the advertised status and current job.
func (s *SQLite) SetWorkerState(ctx context.Context, workerID string, status models.WorkerStatus, currentJobID *int64) error {
	const q = `UPDATE workers SET status=?, current_job_id=?, last_heartbeat=? WHERE id=?`
	res, err := s.db.ExecContext(ctx, q, string(status), ptrOrNil(currentJobID), s.now().UTC(), workerID)
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
func (s *SQLite) UnregisterWorker(ctx context.Context, workerID string) error {
	const q = `UPDATE workers SET status='offline', current_job_id=NULL WHERE id=?`
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
func (s *SQLite) ListWorkers(ctx context.Context) ([]models.Worker, error) {
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
