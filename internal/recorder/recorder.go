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

// Package recorder tracks experiment runs on disk: an append-only
// metrics.jsonl, a meta.json snapshot, a config.json, and an
// artifacts/ directory, mirrored into the store's runs table.
//
// Durability is one-sided on purpose: storage failures propagate, but
// environmental capture (git state, installed packages) is best-effort
// and never fails a run.
package recorder

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"

	"whirr/internal/config"
	"whirr/internal/store"
	"whirr/pkg/models"
)

// Environment variables injected by the worker.
const (
	EnvJobID  = "WHIRR_JOB_ID"
	EnvRunID  = "WHIRR_RUN_ID"
	EnvRunDir = "WHIRR_RUN_DIR"
)

const timeLayout = "2006-01-02T15:04:05Z"

// ErrFinished is returned by mutations on a finished run.
var ErrFinished = errors.New("run already finished")

// Options configures Init. All fields are optional; a zero Options
// records an anonymous local run.
type Options struct {
	Name   string
	Config map[string]any
	Tags   []string

	// RunID and RunDir override the generated id and directory. Both
	// are ignored when the worker environment variables are present.
	RunID  string
	RunDir string
	JobID  *int64

	// Store receives the run row. When nil, Init discovers the nearest
	// .whirr project and uses its embedded database.
	Store store.Store

	// SkipEnvCapture disables the best-effort git and pip snapshots.
	SkipEnvCapture bool
}

// Run is an in-progress run record.
type Run struct {
	ID     string
	Dir    string
	Name   string
	Config map[string]any
	Tags   []string
	JobID  *int64

	startedAt    time.Time
	artifactsDir string
	metricsPath  string
	metaPath     string

	git      *GitInfo
	gitFile  string
	reqFile  string
	pipCount *int

	st     store.Store
	ownsSt bool

	mu         sync.Mutex
	idx        int
	summary    map[string]any
	finished   bool
	status     models.RunStatus
	finishedAt time.Time
}

// Init starts a new run. Under a worker (WHIRR_JOB_ID and
// WHIRR_RUN_DIR set) it adopts the worker-provided identity; otherwise
// it creates a local- run inside the nearest project's runs directory.
func Init(ctx context.Context, opts Options) (*Run, error) {
	r := &Run{
		Name:      opts.Name,
		Config:    opts.Config,
		Tags:      opts.Tags,
		JobID:     opts.JobID,
		startedAt: time.Now().UTC(),
		st:        opts.Store,
	}
	if r.Config == nil {
		r.Config = map[string]any{}
	}

	envJobID := os.Getenv(EnvJobID)
	envRunDir := os.Getenv(EnvRunDir)
	switch {
	case envJobID != "" && envRunDir != "":
		id, err := strconv.ParseInt(envJobID, 10, 64)
		if err != nil {
			return nil, fmt.Errorf("parse %s: %w", EnvJobID, err)
		}
		r.JobID = &id
		r.Dir = envRunDir
		r.ID = os.Getenv(EnvRunID)
		if r.ID == "" {
			r.ID = filepath.Base(envRunDir)
		}
	default:
		r.ID = opts.RunID
		if r.ID == "" {
			r.ID = localRunID(r.startedAt)
		}
		r.Dir = opts.RunDir
		if r.Dir == "" {
			whirrDir, err := config.FindDir("")
			if err != nil {
				return nil, err
			}
			r.Dir = filepath.Join(config.RunsDir(whirrDir), r.ID)
		}
	}
	if r.Name == "" {
		r.Name = r.ID
	}

	r.artifactsDir = filepath.Join(r.Dir, "artifacts")
	r.metricsPath = filepath.Join(r.Dir, "metrics.jsonl")
	r.metaPath = filepath.Join(r.Dir, "meta.json")

	if err := os.MkdirAll(r.artifactsDir, 0o755); err != nil {
		return nil, fmt.Errorf("create run dir: %w", err)
	}

	cfgJSON, err := json.MarshalIndent(r.Config, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("encode config: %w", err)
	}
	if err := os.WriteFile(filepath.Join(r.Dir, "config.json"), cfgJSON, 0o644); err != nil {
		return nil, fmt.Errorf("write config.json: %w", err)
	}

	if !opts.SkipEnvCapture {
		r.captureEnvironment()
	}

	if err := r.writeMeta(); err != nil {
		return nil, err
	}

	if r.st == nil {
		if st, err := openProjectStore(ctx); err == nil {
			r.st = st
			r.ownsSt = true
		}
		// No project, no row: the run still records to disk.
	}
	if r.st != nil {
		run := models.Run{
			ID:        r.ID,
			JobID:     r.JobID,
			Name:      r.Name,
			Config:    r.Config,
			Tags:      r.Tags,
			StartedAt: r.startedAt,
			Hostname:  hostname(),
			RunDir:    r.Dir,
		}
		if r.git != nil {
			run.GitHash = &r.git.Commit
			run.GitDirty = &r.git.Dirty
		}
		if err := r.st.CreateRun(ctx, run); err != nil {
			r.closeStore()
			return nil, fmt.Errorf("register run: %w", err)
		}
	}

	return r, nil
}

func openProjectStore(ctx context.Context) (store.Store, error) {
	whirrDir, err := config.FindDir("")
	if err != nil {
		return nil, err
	}
	cfg, err := config.Load(whirrDir)
	if err != nil {
		return nil, err
	}
	return store.Open(ctx, store.Options{
		Database:         config.DBPath(whirrDir),
		HeartbeatTimeout: cfg.HeartbeatTimeoutDuration(),
	})
}

func (r *Run) closeStore() {
	if r.ownsSt && r.st != nil {
		_ = r.st.Close()
		r.st = nil
	}
}

func localRunID(now time.Time) string {
	return fmt.Sprintf("local-%s-%s", now.Format("20060102-150405"), uuid.NewString()[:6])
}

func hostname() string {
	h, err := os.Hostname()
	if err != nil {
		return ""
	}
	return h
}

// Log appends one metrics record. The reserved keys _idx and
// _timestamp are always written by the recorder; caller-supplied
// values for them are dropped.
func (r *Run) Log(metrics map[string]any) error {
	return r.log(metrics, nil)
}

// LogStep appends one metrics record carrying an explicit step number.
// Steps should be monotonic when provided.
func (r *Run) LogStep(step int, metrics map[string]any) error {
	return r.log(metrics, &step)
}

func (r *Run) log(metrics map[string]any, step *int) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.finished {
		return ErrFinished
	}

	entry := make(map[string]any, len(metrics)+3)
	for k, v := range metrics {
		if k == "_idx" || k == "_timestamp" {
			continue
		}
		entry[k] = v
	}
	entry["_idx"] = r.idx
	entry["_timestamp"] = time.Now().UTC().Format(timeLayout)
	if step != nil {
		entry["step"] = *step
	}

	line, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("encode metrics: %w", err)
	}

	f, err := os.OpenFile(r.metricsPath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return fmt.Errorf("open metrics.jsonl: %w", err)
	}
	defer f.Close()
	if _, err := f.Write(append(line, '\n')); err != nil {
		return fmt.Errorf("append metrics: %w", err)
	}
	if err := f.Sync(); err != nil {
		return fmt.Errorf("flush metrics: %w", err)
	}

	r.idx++
	return nil
}

// Summary records the headline metrics shown in run listings. Later
// calls replace earlier ones.
func (r *Run) Summary(metrics map[string]any) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.finished {
		return ErrFinished
	}
	r.summary = metrics
	return r.writeMetaLocked()
}

// SaveArtifact copies a file into the run's artifacts directory,
// preserving permissions and modification time. destName defaults to
// the source basename.
func (r *Run) SaveArtifact(sourcePath, destName string) (string, error) {
	r.mu.Lock()
	finished := r.finished
	r.mu.Unlock()
	if finished {
		return "", ErrFinished
	}

	info, err := os.Stat(sourcePath)
	if err != nil {
		return "", fmt.Errorf("artifact source: %w", err)
	}
	if destName == "" {
		destName = filepath.Base(sourcePath)
	}
	dest := filepath.Join(r.artifactsDir, destName)

	src, err := os.Open(sourcePath)
	if err != nil {
		return "", fmt.Errorf("open artifact: %w", err)
	}
	defer src.Close()

	out, err := os.OpenFile(dest, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, info.Mode().Perm())
	if err != nil {
		return "", fmt.Errorf("create artifact: %w", err)
	}
	if _, err := io.Copy(out, src); err != nil {
		_ = out.Close()
		return "", fmt.Errorf("copy artifact: %w", err)
	}
	if err := out.Close(); err != nil {
		return "", fmt.Errorf("close artifact: %w", err)
	}
	_ = os.Chtimes(dest, info.ModTime(), info.ModTime())

	return dest, nil
}

// Finish marks the run terminal, rewrites meta.json atomically, and
// updates the run row. Calling Finish again is a no-op.
func (r *Run) Finish(ctx context.Context, status models.RunStatus) error {
	r.mu.Lock()
	if r.finished {
		r.mu.Unlock()
		return nil
	}
	r.finished = true
	r.status = status
	r.finishedAt = time.Now().UTC()
	err := r.writeMetaLocked()
	summary := r.summary
	r.mu.Unlock()
	if err != nil {
		return err
	}

	defer r.closeStore()
	if r.st != nil {
		if err := r.st.FinishRun(ctx, r.ID, status, summary, r.finishedAt); err != nil {
			return fmt.Errorf("finish run row: %w", err)
		}
	}
	return nil
}

func (r *Run) writeMeta() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.writeMetaLocked()
}

// writeMetaLocked rewrites meta.json through a temp file and rename so
// readers never observe a torn snapshot.
func (r *Run) writeMetaLocked() error {
	meta := Meta{
		ID:           r.ID,
		Name:         r.Name,
		Tags:         r.Tags,
		StartedAt:    r.startedAt.Format(timeLayout),
		Status:       string(models.RunRunning),
		Summary:      r.summary,
		ConfigFile:   "config.json",
		MetricsFile:  "metrics.jsonl",
		ArtifactsDir: "artifacts",
		Git:          r.git,
	}
	if meta.Tags == nil {
		meta.Tags = []string{}
	}
	if r.gitFile != "" {
		meta.GitFile = &r.gitFile
	}
	if r.reqFile != "" {
		meta.RequirementsFile = &r.reqFile
	}
	meta.PipPackagesCount = r.pipCount
	if r.finished {
		at := r.finishedAt.Format(timeLayout)
		meta.FinishedAt = &at
		meta.Status = string(r.status)
	}

	data, err := json.MarshalIndent(meta, "", "  ")
	if err != nil {
		return fmt.Errorf("encode meta: %w", err)
	}
	tmp := r.metaPath + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("write meta: %w", err)
	}
	if err := os.Rename(tmp, r.metaPath); err != nil {
		return fmt.Errorf("replace meta: %w", err)
	}
	return nil
}
