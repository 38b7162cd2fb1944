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
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"whirr/pkg/models"
)

func newTestStore(t *testing.T) *SQLite {
	t.Helper()
	ctx := context.Background()
	s, err := OpenSQLite(ctx, filepath.Join(t.TempDir(), "whirr.db"), 120*time.Second)
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func enqueue(t *testing.T, s *SQLite, name string) int64 {
	t.Helper()
	id, err := s.CreateJob(context.Background(), NewJob{
		CommandArgv: []string{"/bin/echo", name},
		Workdir:     "/tmp",
		Name:        name,
	})
	if err != nil {
		t.Fatalf("create job %s: %v", name, err)
	}
	return id
}

func TestCreateJobValidation(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	cases := []struct {
		name string
		nj   NewJob
	}{
		{"empty argv", NewJob{Workdir: "/tmp"}},
		{"relative workdir", NewJob{CommandArgv: []string{"true"}, Workdir: "work"}},
		{"empty workdir", NewJob{CommandArgv: []string{"true"}}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if _, err := s.CreateJob(ctx, tc.nj); !errors.Is(err, ErrInvalid) {
				t.Errorf("expected ErrInvalid, got %v", err)
			}
		})
	}
}

func TestCreateAndGetJob(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	id, err := s.CreateJob(ctx, NewJob{
		CommandArgv: []string{"python", "train.py", "--lr", "0.1"},
		Workdir:     "/srv/exp",
		Name:        "baseline",
		Config:      map[string]any{"lr": 0.1},
		Tags:        []string{"sweep", "lr"},
	})
	if err != nil {
		t.Fatalf("create job: %v", err)
	}

	j, err := s.GetJob(ctx, id)
	if err != nil {
		t.Fatalf("get job: %v", err)
	}
	if j.Status != models.JobQueued {
		t.Errorf("status = %s, want queued", j.Status)
	}
	if j.Attempt != 1 {
		t.Errorf("attempt = %d, want 1", j.Attempt)
	}
	if len(j.CommandArgv) != 4 || j.CommandArgv[0] != "python" {
		t.Errorf("argv = %v", j.CommandArgv)
	}
	if j.Name != "baseline" || j.Workdir != "/srv/exp" {
		t.Errorf("name/workdir = %q/%q", j.Name, j.Workdir)
	}
	if len(j.Tags) != 2 || j.Tags[0] != "sweep" {
		t.Errorf("tags = %v", j.Tags)
	}
	if j.Config["lr"] != 0.1 {
		t.Errorf("config = %v", j.Config)
	}
	if j.WorkerID != nil || j.StartedAt != nil || j.ExitCode != nil {
		t.Error("queued job should have no execution state")
	}

	if _, err := s.GetJob(ctx, id+999); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound for unknown id, got %v", err)
	}
}

func TestClaimOrderFIFO(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	first := enqueue(t, s, "first")
	second := enqueue(t, s, "second")
	third := enqueue(t, s, "third")

	for i, want := range []int64{first, second, third} {
		j, err := s.ClaimJob(ctx, "w1", 0)
		if err != nil {
			t.Fatalf("claim %d: %v", i, err)
		}
		if j.ID != want {
			t.Errorf("claim %d = job %d, want %d", i, j.ID, want)
		}
		if j.Status != models.JobRunning {
			t.Errorf("claimed job status = %s, want running", j.Status)
		}
		if j.WorkerID == nil || *j.WorkerID != "w1" {
			t.Errorf("worker_id = %v, want w1", j.WorkerID)
		}
		if j.StartedAt == nil || j.HeartbeatAt == nil {
			t.Error("claim should set started_at and heartbeat_at")
		}
	}

	if _, err := s.ClaimJob(ctx, "w1", 0); !errors.Is(err, ErrNotFound) {
		t.Errorf("empty queue: expected ErrNotFound, got %v", err)
	}
}

func TestClaimLeaseSetsExpiry(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	enqueue(t, s, "leased")

	j, err := s.ClaimJob(ctx, "w1", 60*time.Second)
	if err != nil {
		t.Fatalf("claim: %v", err)
	}
	if j.LeaseExpiresAt == nil {
		t.Fatal("lease_expires_at not set")
	}
	if d := time.Until(*j.LeaseExpiresAt); d < 50*time.Second || d > 70*time.Second {
		t.Errorf("lease expiry %v from now, want ~60s", d)
	}
}

// Twenty jobs, four concurrent claimants: every job must be claimed
// exactly once.
func TestConcurrentClaimAtMostOnce(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	const jobs = 20
	ids := make(map[int64]bool, jobs)
	for i := 0; i < jobs; i++ {
		ids[enqueue(t, s, "job")] = false
	}

	var (
		mu      sync.Mutex
		claimed = make(map[int64]string)
		wg      sync.WaitGroup
	)
	for _, worker := range []string{"w1", "w2", "w3", "w4"} {
		wg.Add(1)
		go func(w string) {
			defer wg.Done()
			for {
				j, err := s.ClaimJob(ctx, w, 0)
				if errors.Is(err, ErrNotFound) {
					return
				}
				if err != nil {
					t.Errorf("claim by %s: %v", w, err)
					return
				}
				mu.Lock()
				if prev, dup := claimed[j.ID]; dup {
					t.Errorf("job %d claimed by both %s and %s", j.ID, prev, w)
				}
				claimed[j.ID] = w
				mu.Unlock()
			}
		}(worker)
	}
	wg.Wait()

	if len(claimed) != jobs {
		t.Errorf("claimed %d jobs, want %d", len(claimed), jobs)
	}
	for id := range ids {
		if _, ok := claimed[id]; !ok {
			t.Errorf("job %d never claimed", id)
		}
	}
}

func TestHeartbeatOwnershipAndCancelFlag(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	id := enqueue(t, s, "hb")

	if _, err := s.Heartbeat(ctx, id, "w1", 0); !errors.Is(err, ErrNotOwner) {
		t.Errorf("heartbeat on queued job: expected ErrNotOwner, got %v", err)
	}

	if _, err := s.ClaimJob(ctx, "w1", 0); err != nil {
		t.Fatalf("claim: %v", err)
	}

	cancel, err := s.Heartbeat(ctx, id, "w1", 0)
	if err != nil {
		t.Fatalf("heartbeat: %v", err)
	}
	if cancel {
		t.Error("no cancel requested yet")
	}

	if _, err := s.Heartbeat(ctx, id, "w2", 0); !errors.Is(err, ErrNotOwner) {
		t.Errorf("heartbeat by stranger: expected ErrNotOwner, got %v", err)
	}

	// A cancel recorded before the heartbeat must be reported by it.
	prev, err := s.CancelJob(ctx, id)
	if err != nil {
		t.Fatalf("cancel: %v", err)
	}
	if prev != models.JobRunning {
		t.Errorf("previous status = %s, want running", prev)
	}
	cancel, err = s.Heartbeat(ctx, id, "w1", 0)
	if err != nil {
		t.Fatalf("heartbeat after cancel: %v", err)
	}
	if !cancel {
		t.Error("heartbeat must report the pending cancel")
	}

	j, err := s.GetJob(ctx, id)
	if err != nil {
		t.Fatal(err)
	}
	if j.Status != models.JobRunning {
		t.Errorf("cancel of running job must not change status, got %s", j.Status)
	}
	if j.CancelRequestedAt == nil {
		t.Error("cancel_requested_at not set")
	}
}

func TestCompleteJob(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	id := enqueue(t, s, "done")
	if _, err := s.ClaimJob(ctx, "w1", 0); err != nil {
		t.Fatalf("claim: %v", err)
	}
	if err := s.RecordJobProcess(ctx, id, 4321, 4321); err != nil {
		t.Fatalf("record process: %v", err)
	}

	if err := s.CompleteJob(ctx, id, "w2", 0, "", ""); !errors.Is(err, ErrNotOwner) {
		t.Errorf("complete by stranger: expected ErrNotOwner, got %v", err)
	}

	if err := s.CompleteJob(ctx, id, "w1", 0, "", ""); err != nil {
		t.Fatalf("complete: %v", err)
	}
	j, err := s.GetJob(ctx, id)
	if err != nil {
		t.Fatal(err)
	}
	if j.Status != models.JobCompleted {
		t.Errorf("status = %s, want completed", j.Status)
	}
	if j.ExitCode == nil || *j.ExitCode != 0 {
		t.Errorf("exit_code = %v, want 0", j.ExitCode)
	}
	if j.RunID == nil || *j.RunID != "job-"+itoa(id) {
		t.Errorf("run_id = %v", j.RunID)
	}
	if j.PID != nil || j.PGID != nil {
		t.Error("pid/pgid must be cleared on completion")
	}
	if j.FinishedAt == nil {
		t.Error("finished_at not set")
	}

	byRun, err := s.GetJobByRunID(ctx, "job-"+itoa(id))
	if err != nil {
		t.Fatalf("get by run id: %v", err)
	}
	if byRun.ID != id {
		t.Errorf("job by run id = %d, want %d", byRun.ID, id)
	}
	if _, err := s.GetJobByRunID(ctx, "job-999"); !errors.Is(err, ErrNotFound) {
		t.Errorf("missing run id: expected ErrNotFound, got %v", err)
	}

	// Terminal states are final.
	if err := s.CompleteJob(ctx, id, "w1", 1, "", "again"); !errors.Is(err, ErrNotOwner) {
		t.Errorf("re-complete: expected ErrNotOwner, got %v", err)
	}
	prev, err := s.CancelJob(ctx, id)
	if err != nil {
		t.Fatalf("cancel terminal: %v", err)
	}
	if prev != models.JobCompleted {
		t.Errorf("previous status = %s, want completed", prev)
	}
	j, _ = s.GetJob(ctx, id)
	if j.Status != models.JobCompleted {
		t.Errorf("cancel of terminal job changed status to %s", j.Status)
	}
}

func TestCompleteJobNonzeroExit(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	id := enqueue(t, s, "boom")
	if _, err := s.ClaimJob(ctx, "w1", 0); err != nil {
		t.Fatal(err)
	}
	if err := s.CompleteJob(ctx, id, "w1", 42, "", ""); err != nil {
		t.Fatalf("complete: %v", err)
	}
	j, err := s.GetJob(ctx, id)
	if err != nil {
		t.Fatal(err)
	}
	if j.Status != models.JobFailed {
		t.Errorf("status = %s, want failed", j.Status)
	}
	if j.ExitCode == nil || *j.ExitCode != 42 {
		t.Errorf("exit_code = %v, want 42", j.ExitCode)
	}
}

func TestCancelQueued(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	id := enqueue(t, s, "never-ran")

	prev, err := s.CancelJob(ctx, id)
	if err != nil {
		t.Fatalf("cancel: %v", err)
	}
	if prev != models.JobQueued {
		t.Errorf("previous status = %s, want queued", prev)
	}
	j, err := s.GetJob(ctx, id)
	if err != nil {
		t.Fatal(err)
	}
	if j.Status != models.JobCancelled {
		t.Errorf("status = %s, want cancelled", j.Status)
	}
	if j.FinishedAt == nil {
		t.Error("finished_at not set")
	}

	if _, err := s.CancelJob(ctx, id+999); !errors.Is(err, ErrNotFound) {
		t.Errorf("cancel unknown: expected ErrNotFound, got %v", err)
	}
}

func TestCancelAllQueued(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	enqueue(t, s, "a")
	enqueue(t, s, "b")
	running := enqueue(t, s, "c")
	// First enqueued job gets claimed, the remaining two stay queued.
	if _, err := s.ClaimJob(ctx, "w1", 0); err != nil {
		t.Fatal(err)
	}

	n, err := s.CancelAllQueued(ctx)
	if err != nil {
		t.Fatalf("cancel all: %v", err)
	}
	if n != 2 {
		t.Errorf("cancelled %d jobs, want 2", n)
	}
	_ = running
	active, err := s.GetActiveJobs(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(active) != 1 || active[0].Status != models.JobRunning {
		t.Errorf("active jobs after cancel-all = %+v", active)
	}
}

func TestRetryJobLineage(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	id, err := s.CreateJob(ctx, NewJob{
		CommandArgv: []string{"python", "flaky.py"},
		Workdir:     "/srv/exp",
		Name:        "flaky",
		Tags:        []string{"exp"},
		Config:      map[string]any{"seed": float64(7)},
	})
	if err != nil {
		t.Fatal(err)
	}

	// Retry of a non-terminal job is rejected.
	if _, err := s.RetryJob(ctx, id); !errors.Is(err, ErrInvalid) {
		t.Errorf("retry queued job: expected ErrInvalid, got %v", err)
	}

	if _, err := s.ClaimJob(ctx, "w1", 0); err != nil {
		t.Fatal(err)
	}
	if err := s.CompleteJob(ctx, id, "w1", 3, "", ""); err != nil {
		t.Fatal(err)
	}

	newID, err := s.RetryJob(ctx, id)
	if err != nil {
		t.Fatalf("retry: %v", err)
	}
	if newID == id {
		t.Fatal("retry must create a new job")
	}
	nj, err := s.GetJob(ctx, newID)
	if err != nil {
		t.Fatal(err)
	}
	if nj.Status != models.JobQueued {
		t.Errorf("retried status = %s, want queued", nj.Status)
	}
	if nj.Attempt != 2 {
		t.Errorf("attempt = %d, want 2", nj.Attempt)
	}
	if nj.ParentJobID == nil || *nj.ParentJobID != id {
		t.Errorf("parent_job_id = %v, want %d", nj.ParentJobID, id)
	}
	if nj.Name != "flaky" || len(nj.CommandArgv) != 2 || nj.Config["seed"] != float64(7) {
		t.Errorf("retry did not clone payload: %+v", nj)
	}

	// The old job stays failed.
	old, _ := s.GetJob(ctx, id)
	if old.Status != models.JobFailed {
		t.Errorf("original status = %s, want failed", old.Status)
	}

	// Completed jobs cannot be retried.
	cid := enqueue(t, s, "fine")
	if _, err := s.ClaimJob(ctx, "w1", 0); err != nil {
		t.Fatal(err)
	}
	if err := s.CompleteJob(ctx, cid, "w1", 0, "", ""); err != nil {
		t.Fatal(err)
	}
	if _, err := s.RetryJob(ctx, cid); !errors.Is(err, ErrInvalid) {
		t.Errorf("retry completed job: expected ErrInvalid, got %v", err)
	}
}

func TestRequeueExpiredHeartbeat(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	base := time.Now().UTC()
	s.now = func() time.Time { return base }

	id := enqueue(t, s, "orphan")
	if _, err := s.ClaimJob(ctx, "w1", 0); err != nil {
		t.Fatal(err)
	}
	// Flag a cancel too: requeue must clear it.
	if _, err := s.CancelJob(ctx, id); err != nil {
		t.Fatal(err)
	}

	// Fresh heartbeat: nothing to requeue.
	requeued, err := s.RequeueExpired(ctx)
	if err != nil {
		t.Fatalf("requeue: %v", err)
	}
	if len(requeued) != 0 {
		t.Errorf("requeued %d jobs, want 0", len(requeued))
	}

	// Advance past the heartbeat timeout.
	s.now = func() time.Time { return base.Add(121 * time.Second) }
	requeued, err = s.RequeueExpired(ctx)
	if err != nil {
		t.Fatalf("requeue: %v", err)
	}
	if len(requeued) != 1 || requeued[0].ID != id {
		t.Fatalf("requeued = %+v, want job %d", requeued, id)
	}
	j := requeued[0]
	if j.Status != models.JobQueued {
		t.Errorf("status = %s, want queued", j.Status)
	}
	if j.Attempt != 2 {
		t.Errorf("attempt = %d, want 2", j.Attempt)
	}
	if j.WorkerID != nil || j.PID != nil || j.PGID != nil || j.CancelRequestedAt != nil || j.HeartbeatAt != nil {
		t.Errorf("requeue must clear execution state: %+v", j)
	}

	// The job is claimable again.
	j2, err := s.ClaimJob(ctx, "w2", 0)
	if err != nil {
		t.Fatalf("reclaim: %v", err)
	}
	if j2.ID != id || *j2.WorkerID != "w2" {
		t.Errorf("reclaim = %+v", j2)
	}
}

func TestRequeueExpiredLease(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	base := time.Now().UTC()
	s.now = func() time.Time { return base }

	id := enqueue(t, s, "leased-orphan")
	if _, err := s.ClaimJob(ctx, "w1", 30*time.Second); err != nil {
		t.Fatal(err)
	}

	// Lease still valid even though it is shorter than the heartbeat
	// timeout window.
	s.now = func() time.Time { return base.Add(20 * time.Second) }
	requeued, err := s.RequeueExpired(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(requeued) != 0 {
		t.Errorf("requeued %d jobs before lease expiry", len(requeued))
	}

	s.now = func() time.Time { return base.Add(31 * time.Second) }
	requeued, err = s.RequeueExpired(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(requeued) != 1 || requeued[0].ID != id {
		t.Fatalf("requeued = %+v, want job %d", requeued, id)
	}
}

func TestRunLifecycle(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	jobID := enqueue(t, s, "train")
	hash := "abc123"
	dirty := true
	run := models.Run{
		ID:       "job-" + itoa(jobID),
		JobID:    &jobID,
		Name:     "train",
		Config:   map[string]any{"lr": 0.01},
		Tags:     []string{"exp", "lr"},
		GitHash:  &hash,
		GitDirty: &dirty,
		Hostname: "node1",
		RunDir:   "/srv/.whirr/runs/job-" + itoa(jobID),
	}
	if err := s.CreateRun(ctx, run); err != nil {
		t.Fatalf("create run: %v", err)
	}

	got, err := s.GetRun(ctx, run.ID)
	if err != nil {
		t.Fatalf("get run: %v", err)
	}
	if got.Status != models.RunRunning {
		t.Errorf("status = %s, want running", got.Status)
	}
	if got.GitHash == nil || *got.GitHash != hash || got.GitDirty == nil || !*got.GitDirty {
		t.Errorf("git fields = %v/%v", got.GitHash, got.GitDirty)
	}

	byJob, err := s.GetRunByJobID(ctx, jobID)
	if err != nil || byJob.ID != run.ID {
		t.Errorf("GetRunByJobID = %v, %v", byJob, err)
	}

	finished := got.StartedAt.Add(90 * time.Second)
	if err := s.FinishRun(ctx, run.ID, models.RunCompleted, map[string]any{"loss": 0.5}, finished); err != nil {
		t.Fatalf("finish run: %v", err)
	}
	got, err = s.GetRun(ctx, run.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got.Status != models.RunCompleted {
		t.Errorf("status = %s, want completed", got.Status)
	}
	if got.DurationSeconds == nil || *got.DurationSeconds < 89 || *got.DurationSeconds > 91 {
		t.Errorf("duration = %v, want ~90", got.DurationSeconds)
	}
	if got.Summary["loss"] != 0.5 {
		t.Errorf("summary = %v", got.Summary)
	}

	// Finishing again is a no-op.
	if err := s.FinishRun(ctx, run.ID, models.RunFailed, nil, finished.Add(time.Hour)); err != nil {
		t.Fatalf("second finish: %v", err)
	}
	got, _ = s.GetRun(ctx, run.ID)
	if got.Status != models.RunCompleted {
		t.Errorf("second finish changed status to %s", got.Status)
	}

	if err := s.FinishRun(ctx, "no-such-run", models.RunCompleted, nil, finished); !errors.Is(err, ErrNotFound) {
		t.Errorf("finish unknown run: expected ErrNotFound, got %v", err)
	}
}

func TestListRunsFilters(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	mk := func(id string, tags []string, finish models.RunStatus) {
		t.Helper()
		if err := s.CreateRun(ctx, models.Run{ID: id, Tags: tags}); err != nil {
			t.Fatal(err)
		}
		if finish != "" {
			if err := s.FinishRun(ctx, id, finish, nil, time.Now()); err != nil {
				t.Fatal(err)
			}
		}
	}
	mk("r1", []string{"ablate:abc123", "condition:baseline"}, models.RunCompleted)
	mk("r2", []string{"ablate:abc123", "condition:no_dropout"}, models.RunFailed)
	mk("r3", []string{"other"}, "")

	all, err := s.ListRuns(ctx, RunFilter{})
	if err != nil {
		t.Fatal(err)
	}
	if len(all) != 3 {
		t.Errorf("len(all) = %d, want 3", len(all))
	}

	tagged, err := s.ListRuns(ctx, RunFilter{Tag: "ablate:abc123"})
	if err != nil {
		t.Fatal(err)
	}
	if len(tagged) != 2 {
		t.Errorf("len(tagged) = %d, want 2", len(tagged))
	}

	failed, err := s.ListRuns(ctx, RunFilter{Status: models.RunFailed})
	if err != nil {
		t.Fatal(err)
	}
	if len(failed) != 1 || failed[0].ID != "r2" {
		t.Errorf("failed = %+v", failed)
	}

	limited, err := s.ListRuns(ctx, RunFilter{Limit: 2})
	if err != nil {
		t.Fatal(err)
	}
	if len(limited) != 2 {
		t.Errorf("len(limited) = %d, want 2", len(limited))
	}
}

func TestWorkerRegistry(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	gpu := 1

	if err := s.RegisterWorker(ctx, models.Worker{ID: "node1-gpu1", PID: 100, Hostname: "node1", GPUIndex: &gpu}); err != nil {
		t.Fatalf("register: %v", err)
	}
	jobID := int64(7)
	if err := s.SetWorkerState(ctx, "node1-gpu1", models.WorkerBusy, &jobID); err != nil {
		t.Fatalf("set state: %v", err)
	}

	// Re-registration after a restart resets to idle.
	if err := s.RegisterWorker(ctx, models.Worker{ID: "node1-gpu1", PID: 200, Hostname: "node1", GPUIndex: &gpu}); err != nil {
		t.Fatalf("re-register: %v", err)
	}
	workers, err := s.ListWorkers(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(workers) != 1 {
		t.Fatalf("len(workers) = %d, want 1", len(workers))
	}
	w := workers[0]
	if w.PID != 200 || w.Status != models.WorkerIdle || w.CurrentJobID != nil {
		t.Errorf("re-registered worker = %+v", w)
	}
	if w.GPUIndex == nil || *w.GPUIndex != 1 {
		t.Errorf("gpu_index = %v, want 1", w.GPUIndex)
	}

	if err := s.UnregisterWorker(ctx, "node1-gpu1"); err != nil {
		t.Fatalf("unregister: %v", err)
	}
	workers, _ = s.ListWorkers(ctx)
	if workers[0].Status != models.WorkerOffline {
		t.Errorf("status after unregister = %s, want offline", workers[0].Status)
	}

	if err := s.UnregisterWorker(ctx, "ghost"); !errors.Is(err, ErrNotFound) {
		t.Errorf("unregister unknown: expected ErrNotFound, got %v", err)
	}
}

func itoa(v int64) string {
	return fmt.Sprint(v)
}
