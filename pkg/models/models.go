// Package models defines the shared data types for whirr: jobs on the
// durable queue, recorded runs, and registered workers.
package models

import (
	"time"
)

// JobStatus is the lifecycle state of a queued job.
type JobStatus string

const (
	JobQueued    JobStatus = "queued"
	JobRunning   JobStatus = "running"
	JobCompleted JobStatus = "completed"
	JobFailed    JobStatus = "failed"
	JobCancelled JobStatus = "cancelled"
)

// Terminal reports whether the status admits no further transitions.
// Retry clones a terminal job into a new row rather than reviving it.
func (s JobStatus) Terminal() bool {
	switch s {
	case JobCompleted, JobFailed, JobCancelled:
		return true
	}
	return false
}

// Valid reports whether s is one of the five known job states.
func (s JobStatus) Valid() bool {
	switch s {
	case JobQueued, JobRunning, JobCompleted, JobFailed, JobCancelled:
		return true
	}
	return false
}

// Job is a queued unit of work: an argv executed in a workdir, tracked
// from submission through a terminal state.
type Job struct {
	ID          int64          `json:"id" db:"id"`
	Name        string         `json:"name,omitempty" db:"name"`
	CommandArgv []string       `json:"command_argv" db:"command_argv"`
	Workdir     string         `json:"workdir" db:"workdir"`
	Config      map[string]any `json:"config,omitempty" db:"config"`
	Tags        []string       `json:"tags,omitempty" db:"tags"`
	Status      JobStatus      `json:"status" db:"status"`

	// Attempt counts total executions of this payload, starting at 1.
	// Both orphan requeues and explicit retries increment it.
	Attempt     int    `json:"attempt" db:"attempt"`
	ParentJobID *int64 `json:"parent_job_id,omitempty" db:"parent_job_id"`

	CreatedAt  time.Time  `json:"created_at" db:"created_at"`
	StartedAt  *time.Time `json:"started_at,omitempty" db:"started_at"`
	FinishedAt *time.Time `json:"finished_at,omitempty" db:"finished_at"`

	WorkerID       *string    `json:"worker_id,omitempty" db:"worker_id"`
	HeartbeatAt    *time.Time `json:"heartbeat_at,omitempty" db:"heartbeat_at"`
	LeaseExpiresAt *time.Time `json:"lease_expires_at,omitempty" db:"lease_expires_at"`
	PID            *int       `json:"pid,omitempty" db:"pid"`
	PGID           *int       `json:"pgid,omitempty" db:"pgid"`

	ExitCode          *int       `json:"exit_code,omitempty" db:"exit_code"`
	ErrorMessage      *string    `json:"error_message,omitempty" db:"error_message"`
	CancelRequestedAt *time.Time `json:"cancel_requested_at,omitempty" db:"cancel_requested_at"`
	RunID             *string    `json:"run_id,omitempty" db:"run_id"`
}

// RunStatus is the recorded outcome of a run.
type RunStatus string

const (
	RunRunning   RunStatus = "running"
	RunCompleted RunStatus = "completed"
	RunFailed    RunStatus = "failed"
	RunCancelled RunStatus = "cancelled"
)

// Run is one recorded execution. Metrics, metadata, and artifacts live
// under RunDir; the database row is the authoritative view of status.
type Run struct {
	ID              string         `json:"id" db:"id"`
	JobID           *int64         `json:"job_id,omitempty" db:"job_id"`
	Name            string         `json:"name,omitempty" db:"name"`
	Config          map[string]any `json:"config,omitempty" db:"config"`
	Tags            []string       `json:"tags,omitempty" db:"tags"`
	Status          RunStatus      `json:"status" db:"status"`
	StartedAt       time.Time      `json:"started_at" db:"started_at"`
	FinishedAt      *time.Time     `json:"finished_at,omitempty" db:"finished_at"`
	DurationSeconds *float64       `json:"duration_seconds,omitempty" db:"duration_seconds"`
	Summary         map[string]any `json:"summary,omitempty" db:"summary"`
	GitHash         *string        `json:"git_hash,omitempty" db:"git_hash"`
	GitDirty        *bool          `json:"git_dirty,omitempty" db:"git_dirty"`
	Hostname        string         `json:"hostname,omitempty" db:"hostname"`
	RunDir          string         `json:"run_dir,omitempty" db:"run_dir"`
}

// WorkerStatus is the advertised state of a worker agent.
type WorkerStatus string

const (
	WorkerIdle    WorkerStatus = "idle"
	WorkerBusy    WorkerStatus = "busy"
	WorkerOffline WorkerStatus = "offline"
)

// Worker is a registered worker agent. GPUIndex is set when the agent
// was pinned to a single GPU at startup.
type Worker struct {
	ID            string       `json:"id" db:"id"`
	PID           int          `json:"pid" db:"pid"`
	Hostname      string       `json:"hostname" db:"hostname"`
	GPUIndex      *int         `json:"gpu_index,omitempty" db:"gpu_index"`
	Status        WorkerStatus `json:"status" db:"status"`
	CurrentJobID  *int64       `json:"current_job_id,omitempty" db:"current_job_id"`
	StartedAt     time.Time    `json:"started_at" db:"started_at"`
	LastHeartbeat *time.Time   `json:"last_heartbeat,omitempty" db:"last_heartbeat"`
}
