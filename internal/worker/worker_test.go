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

package worker

import (
	"context"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"testing"
	"time"

	"whirr/internal/store"
	"whirr/pkg/models"
)

func newTestStore(t *testing.T) *store.SQLite {
	t.Helper()
	s, err := store.OpenSQLite(context.Background(), filepath.Join(t.TempDir(), "whirr.db"), 120*time.Second)
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	return s
}

// startTestWorker runs a worker with test-speed intervals against the
// store and returns a stop function that blocks until the loop exits.
func startTestWorker(t *testing.T, s *store.SQLite, runsDir string) (string, func()) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	w := New(s, Config{
		WorkerID:          "w-test",
		RunsDir:           runsDir,
		PollInterval:      25 * time.Millisecond,
		HeartbeatInterval: 25 * time.Millisecond,
		KillGrace:         2 * time.Second,
	}, nil)

	done := make(chan struct{})
	go func() {
		defer close(done)
		if err := w.Run(ctx); err != nil {
			t.Errorf("worker run: %v", err)
		}
	}()
	stopped := false
	stop := func() {
		if stopped {
			return
		}
		stopped = true
		cancel()
		select {
		case <-done:
		case <-time.After(10 * time.Second):
			t.Fatal("worker did not stop")
		}
	}
	t.Cleanup(stop)
	return w.ID(), stop
}

func enqueueShell(t *testing.T, s *store.SQLite, script string) int64 {
	t.Helper()
	id, err := s.CreateJob(context.Background(), store.NewJob{
		CommandArgv: []string{"/bin/sh", "-c", script},
		Workdir:     t.TempDir(),
	})
	if err != nil {
		t.Fatalf("create job: %v", err)
	}
	return id
}

func waitForJob(t *testing.T, s *store.SQLite, id int64, pred func(*models.Job) bool) *models.Job {
	t.Helper()
	deadline := time.Now().Add(15 * time.Second)
	for time.Now().Before(deadline) {
		j, err := s.GetJob(context.Background(), id)
		if err != nil {
			t.Fatalf("get job: %v", err)
		}
		if pred(j) {
			return j
		}
		time.Sleep(20 * time.Millisecond)
	}
	j, _ := s.GetJob(context.Background(), id)
	t.Fatalf("timeout waiting for job %d, last state %+v", id, j)
	return nil
}

func requireUnix(t *testing.T) {
	t.Helper()
	if runtime.GOOS == "windows" {
		t.Skip("requires a unix shell")
	}
}

func TestJobRunsToCompletion(t *testing.T) {
	requireUnix(t)
	s := newTestStore(t)
	runsDir := t.TempDir()
	id := enqueueShell(t, s, "echo hello from the job")
	workerID, stop := startTestWorker(t, s, runsDir)

	j := waitForJob(t, s, id, func(j *models.Job) bool { return j.Status.Terminal() })
	if j.Status != models.JobCompleted {
		t.Fatalf("status = %s, want completed (err=%v)", j.Status, j.ErrorMessage)
	}
	if j.ExitCode == nil || *j.ExitCode != 0 {
		t.Errorf("exit code = %v, want 0", j.ExitCode)
	}
	if j.RunID == nil || *j.RunID != "job-1" {
		t.Errorf("run id = %v, want job-1", j.RunID)
	}
	if j.WorkerID != nil {
		t.Errorf("worker id not cleared: %v", *j.WorkerID)
	}

	out, err := os.ReadFile(filepath.Join(runsDir, "job-1", "output.log"))
	if err != nil {
		t.Fatalf("read output: %v", err)
	}
	if !strings.Contains(string(out), "hello from the job") {
		t.Errorf("output = %q", out)
	}
	if info, err := os.Stat(filepath.Join(runsDir, "job-1", "artifacts")); err != nil || !info.IsDir() {
		t.Error("artifacts dir missing")
	}

	// The worker is registered while running and offline after stop.
	workers, err := s.ListWorkers(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if len(workers) != 1 || workers[0].ID != workerID {
		t.Fatalf("workers = %+v", workers)
	}
	stop()
	workers, _ = s.ListWorkers(context.Background())
	if workers[0].Status != models.WorkerOffline {
		t.Errorf("worker status after stop = %s", workers[0].Status)
	}
}

func TestNonzeroExitFailsJob(t *testing.T) {
	requireUnix(t)
	s := newTestStore(t)
	id := enqueueShell(t, s, "echo boom >&2; exit 3")
	startTestWorker(t, s, t.TempDir())

	j := waitForJob(t, s, id, func(j *models.Job) bool { return j.Status.Terminal() })
	if j.Status != models.JobFailed {
		t.Fatalf("status = %s, want failed", j.Status)
	}
	if j.ExitCode == nil || *j.ExitCode != 3 {
		t.Errorf("exit code = %v, want 3", j.ExitCode)
	}
	if j.ErrorMessage == nil || !strings.Contains(*j.ErrorMessage, "exited with code 3") {
		t.Errorf("error message = %v", j.ErrorMessage)
	}
}

func TestSpawnFailureFailsJob(t *testing.T) {
	requireUnix(t)
	s := newTestStore(t)
	id, err := s.CreateJob(context.Background(), store.NewJob{
		CommandArgv: []string{"/nonexistent/binary"},
		Workdir:     t.TempDir(),
	})
	if err != nil {
		t.Fatal(err)
	}
	startTestWorker(t, s, t.TempDir())

	j := waitForJob(t, s, id, func(j *models.Job) bool { return j.Status.Terminal() })
	if j.Status != models.JobFailed {
		t.Fatalf("status = %s, want failed", j.Status)
	}
	if j.ErrorMessage == nil || !strings.Contains(*j.ErrorMessage, "spawn") {
		t.Errorf("error message = %v", j.ErrorMessage)
	}
}

func TestEnvInjection(t *testing.T) {
	requireUnix(t)
	s := newTestStore(t)
	id := enqueueShell(t, s, `echo "job=$WHIRR_JOB_ID run=$WHIRR_RUN_ID dir=$WHIRR_RUN_DIR"`)
	runsDir := t.TempDir()
	startTestWorker(t, s, runsDir)

	waitForJob(t, s, id, func(j *models.Job) bool { return j.Status == models.JobCompleted })
	out, err := os.ReadFile(filepath.Join(runsDir, "job-1", "output.log"))
	if err != nil {
		t.Fatal(err)
	}
	want := "job=1 run=job-1 dir=" + filepath.Join(runsDir, "job-1")
	if !strings.Contains(string(out), want) {
		t.Errorf("output = %q, want it to contain %q", out, want)
	}
}

func TestCancelKillsRunningJob(t *testing.T) {
	requireUnix(t)
	s := newTestStore(t)
	id := enqueueShell(t, s, "sleep 60")
	startTestWorker(t, s, t.TempDir())

	waitForJob(t, s, id, func(j *models.Job) bool { return j.Status == models.JobRunning })
	prev, err := s.CancelJob(context.Background(), id)
	if err != nil {
		t.Fatalf("cancel: %v", err)
	}
	if prev != models.JobRunning {
		t.Fatalf("previous status = %s, want running", prev)
	}

	j := waitForJob(t, s, id, func(j *models.Job) bool { return j.Status.Terminal() })
	if j.Status != models.JobFailed {
		t.Fatalf("status = %s, want failed", j.Status)
	}
	if j.ErrorMessage == nil || *j.ErrorMessage != "cancelled" {
		t.Errorf("error message = %v, want cancelled", j.ErrorMessage)
	}
	if j.ExitCode == nil || *j.ExitCode == 0 {
		t.Errorf("exit code = %v, want nonzero", j.ExitCode)
	}
}

func TestShutdownKillsChildAndReports(t *testing.T) {
	requireUnix(t)
	s := newTestStore(t)
	id := enqueueShell(t, s, "sleep 60")
	_, stop := startTestWorker(t, s, t.TempDir())

	waitForJob(t, s, id, func(j *models.Job) bool { return j.Status == models.JobRunning })
	stop()

	j, err := s.GetJob(context.Background(), id)
	if err != nil {
		t.Fatal(err)
	}
	if j.Status != models.JobFailed {
		t.Fatalf("status after shutdown = %s, want failed", j.Status)
	}
	if j.ErrorMessage == nil || *j.ErrorMessage != "shutdown" {
		t.Errorf("error message = %v, want shutdown", j.ErrorMessage)
	}
}

// panicRecorderStore panics when the worker records the child process,
// simulating a fault in worker logic mid supervision.
type panicRecorderStore struct {
	*store.SQLite
}

func (p *panicRecorderStore) RecordJobProcess(ctx context.Context, jobID int64, pid, pgid int) error {
	panic("record process exploded")
}

func TestPanicDuringSupervisionFailsJob(t *testing.T) {
	requireUnix(t)
	s := newTestStore(t)
	id := enqueueShell(t, s, "exit 0")

	ctx, cancel := context.WithCancel(context.Background())
	w := New(&panicRecorderStore{s}, Config{
		WorkerID:          "w-panic",
		RunsDir:           t.TempDir(),
		PollInterval:      25 * time.Millisecond,
		HeartbeatInterval: 25 * time.Millisecond,
		KillGrace:         2 * time.Second,
	}, nil)
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = w.Run(ctx)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})

	j := waitForJob(t, s, id, func(j *models.Job) bool { return j.Status.Terminal() })
	if j.Status != models.JobFailed {
		t.Fatalf("status = %s, want failed", j.Status)
	}
	if j.ExitCode == nil || *j.ExitCode == 0 {
		t.Errorf("exit code = %v, want nonzero", j.ExitCode)
	}
	if j.ErrorMessage == nil || !strings.Contains(*j.ErrorMessage, "panic") {
		t.Errorf("error message = %v, want a panic report", j.ErrorMessage)
	}
}

func TestLeaseRaisedToHeartbeatCadence(t *testing.T) {
	s := newTestStore(t)

	w := New(s, Config{HeartbeatInterval: 30 * time.Second, Lease: 5 * time.Second}, nil)
	if w.cfg.Lease != 60*time.Second {
		t.Errorf("lease = %s, want 60s", w.cfg.Lease)
	}

	// Zero stays zero: staleness falls back to heartbeat age.
	w = New(s, Config{HeartbeatInterval: 30 * time.Second}, nil)
	if w.cfg.Lease != 0 {
		t.Errorf("lease = %s, want 0", w.cfg.Lease)
	}

	// A lease already covering the cadence is left alone.
	w = New(s, Config{HeartbeatInterval: 30 * time.Second, Lease: 90 * time.Second}, nil)
	if w.cfg.Lease != 90*time.Second {
		t.Errorf("lease = %s, want 90s", w.cfg.Lease)
	}
}

func TestProcessRecorded(t *testing.T) {
	requireUnix(t)
	s := newTestStore(t)
	id := enqueueShell(t, s, "sleep 60")
	startTestWorker(t, s, t.TempDir())

	j := waitForJob(t, s, id, func(j *models.Job) bool {
		return j.Status == models.JobRunning && j.PID != nil
	})
	if j.PGID == nil || *j.PGID != *j.PID {
		t.Errorf("pgid = %v, want == pid %v", j.PGID, j.PID)
	}
	if _, err := s.CancelJob(context.Background(), id); err != nil {
		t.Fatalf("cancel: %v", err)
	}
	waitForJob(t, s, id, func(j *models.Job) bool { return j.Status.Terminal() })
}

func TestSequentialJobsInOrder(t *testing.T) {
	requireUnix(t)
	s := newTestStore(t)
	marker := filepath.Join(t.TempDir(), "order.txt")
	first := enqueueShell(t, s, "echo first >> "+marker)
	second := enqueueShell(t, s, "echo second >> "+marker)
	startTestWorker(t, s, t.TempDir())

	waitForJob(t, s, first, func(j *models.Job) bool { return j.Status == models.JobCompleted })
	waitForJob(t, s, second, func(j *models.Job) bool { return j.Status == models.JobCompleted })

	out, err := os.ReadFile(marker)
	if err != nil {
		t.Fatal(err)
	}
	if got := strings.Fields(string(out)); len(got) != 2 || got[0] != "first" || got[1] != "second" {
		t.Errorf("order = %q", out)
	}
}
