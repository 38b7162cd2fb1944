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

package ablate

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"testing"
	"time"

	"whirr/internal/store"
	"whirr/pkg/models"
)

func newTestSession(t *testing.T) (*Session, string) {
	t.Helper()
	dir := t.TempDir()
	s, err := CreateSession("weird-behavior", "val_loss", dir)
	if err != nil {
		t.Fatalf("create session: %v", err)
	}
	return s, dir
}

func TestCreateSession(t *testing.T) {
	s, dir := newTestSession(t)

	if len(s.SessionID) != 6 {
		t.Errorf("session id %q, want 6 chars", s.SessionID)
	}
	for _, c := range s.SessionID {
		if !strings.ContainsRune(sessionIDChars, c) {
			t.Errorf("session id char %q outside lowercase alphanumerics", c)
		}
	}
	if s.SeedBase < 0 || s.SeedBase > 1<<31-1 {
		t.Errorf("seed_base = %d, want 31-bit non-negative", s.SeedBase)
	}
	if s.Replicates != 20 {
		t.Errorf("replicates = %d, want 20", s.Replicates)
	}

	// Registered in the index and loadable by name.
	idx, err := LoadIndex(dir)
	if err != nil {
		t.Fatal(err)
	}
	if idx["weird-behavior"] != s.SessionID {
		t.Errorf("index = %v", idx)
	}
	loaded, err := LoadSessionByName("weird-behavior", dir)
	if err != nil {
		t.Fatalf("load by name: %v", err)
	}
	if loaded.SessionID != s.SessionID || loaded.Metric != "val_loss" {
		t.Errorf("loaded = %+v", loaded)
	}

	if _, err := CreateSession("weird-behavior", "acc", dir); !errors.Is(err, ErrSessionExists) {
		t.Errorf("duplicate name: expected ErrSessionExists, got %v", err)
	}
	if _, err := LoadSessionByName("ghost", dir); !errors.Is(err, ErrSessionNotFound) {
		t.Errorf("unknown name: expected ErrSessionNotFound, got %v", err)
	}
}

func TestParseValue(t *testing.T) {
	root := t.TempDir()
	if err := os.MkdirAll(filepath.Join(root, "prompts"), 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(root, "prompts", "v2.txt"), []byte("be nice\n"), 0o644); err != nil {
		t.Fatal(err)
	}

	cases := []struct {
		in   string
		want any
	}{
		{"64", int64(64)},
		{"-3", int64(-3)},
		{"0.001", 0.001},
		{"adamw", "adamw"},
		{"1e-4", "1e-4"}, // no dot, not an integer: stays a string
	}
	for _, tc := range cases {
		got, err := ParseValue(tc.in, root)
		if err != nil {
			t.Errorf("ParseValue(%q): %v", tc.in, err)
			continue
		}
		if got != tc.want {
			t.Errorf("ParseValue(%q) = %v (%T), want %v (%T)", tc.in, got, got, tc.want, tc.want)
		}
	}

	got, err := ParseValue("@prompts/v2.txt", root)
	if err != nil {
		t.Fatalf("file value: %v", err)
	}
	fv, ok := got.(FileValue)
	if !ok {
		t.Fatalf("got %T, want FileValue", got)
	}
	if fv.Path != filepath.Join("prompts", "v2.txt") || fv.Text != "be nice\n" {
		t.Errorf("FileValue = %+v", fv)
	}

	if _, err := ParseValue("@missing.txt", root); err == nil {
		t.Error("expected error for missing file")
	}
}

func TestAddDeltaOrderAndOverwrite(t *testing.T) {
	s, dir := newTestSession(t)
	s.AddDelta("no_dropout", map[string]any{"dropout": 0.0})
	s.AddDelta("high_lr", map[string]any{"lr": 0.1})
	s.AddDelta("no_dropout", map[string]any{"dropout": 0.05})
	if err := s.Save(); err != nil {
		t.Fatal(err)
	}

	loaded, err := LoadSessionByName(s.Name, dir)
	if err != nil {
		t.Fatal(err)
	}
	names := loaded.ConditionNames()
	want := []string{"baseline", "no_dropout", "high_lr"}
	if len(names) != len(want) {
		t.Fatalf("conditions = %v", names)
	}
	for i := range want {
		if names[i] != want[i] {
			t.Errorf("conditions[%d] = %s, want %s", i, names[i], want[i])
		}
	}
	if loaded.Delta("no_dropout")["dropout"] != 0.05 {
		t.Errorf("overwrite lost: %v", loaded.Delta("no_dropout"))
	}
}

func TestExpand(t *testing.T) {
	s, dir := newTestSession(t)
	s.Baseline = map[string]any{
		"lr":     0.01,
		"prompt": FileValue{Path: "prompts/v1.txt", Text: "old prompt"},
	}
	s.AddDelta("new_prompt", map[string]any{"prompt": FileValue{Path: "prompts/v2.txt", Text: "new prompt"}})
	s.AddDelta("low_lr", map[string]any{"lr": 0.001})

	template := []string{"python", "eval.py", "--seed", "{{seed}}", "--cfg", "{{cfg_path}}"}
	plans, err := s.Expand(dir, template, 2, false)
	if err != nil {
		t.Fatalf("expand: %v", err)
	}
	// 2 replicates x 3 conditions.
	if len(plans) != 6 {
		t.Fatalf("len(plans) = %d, want 6", len(plans))
	}

	// Paired seeds: within a replicate every condition shares the seed.
	if plans[0].Seed != plans[1].Seed || plans[1].Seed != plans[2].Seed {
		t.Error("replicate 0 seeds differ across conditions")
	}
	if plans[3].Seed != plans[0].Seed+1 {
		t.Errorf("replicate 1 seed = %d, want %d", plans[3].Seed, plans[0].Seed+1)
	}
	if plans[0].Seed != s.SeedBase {
		t.Errorf("replicate 0 seed = %d, want seed_base %d", plans[0].Seed, s.SeedBase)
	}

	p := plans[1] // new_prompt, replicate 0
	if p.Condition != "new_prompt" || p.Replicate != 0 {
		t.Fatalf("plans[1] = %+v", p)
	}
	if p.Name != "weird-behavior-new_prompt-0" {
		t.Errorf("name = %s", p.Name)
	}
	wantTags := []string{"ablate:" + s.SessionID, "condition:new_prompt", "replicate:0"}
	for i, tag := range wantTags {
		if p.Tags[i] != tag {
			t.Errorf("tags[%d] = %s, want %s", i, p.Tags[i], tag)
		}
	}

	// Template substitution is literal and per token.
	if p.Command[3] != strconv.FormatInt(p.Seed, 10) {
		t.Errorf("seed token = %s, want %d", p.Command[3], p.Seed)
	}
	if p.Command[5] != p.ConfigPath {
		t.Errorf("cfg_path = %s, want %s", p.Command[5], p.ConfigPath)
	}

	// The generated config merges baseline and delta, inlines file
	// values, and carries provenance.
	data, err := os.ReadFile(p.ConfigPath)
	if err != nil {
		t.Fatalf("read config: %v", err)
	}
	var cfg map[string]any
	if err := json.Unmarshal(data, &cfg); err != nil {
		t.Fatal(err)
	}
	if cfg["lr"] != 0.01 {
		t.Errorf("lr = %v, want baseline 0.01", cfg["lr"])
	}
	if cfg["prompt"] != "new prompt" {
		t.Errorf("prompt = %v, want delta text", cfg["prompt"])
	}
	ab, _ := cfg["__ablate__"].(map[string]any)
	if ab["session_id"] != s.SessionID || ab["condition"] != "new_prompt" || ab["replicate"] != float64(0) {
		t.Errorf("__ablate__ = %v", ab)
	}

	// Baseline config keeps the baseline prompt.
	var base map[string]any
	baseData, err := os.ReadFile(plans[0].ConfigPath)
	if err != nil {
		t.Fatal(err)
	}
	if err := json.Unmarshal(baseData, &base); err != nil {
		t.Fatal(err)
	}
	if base["prompt"] != "old prompt" {
		t.Errorf("baseline prompt = %v", base["prompt"])
	}
}

func TestExpandDryRunWritesNothing(t *testing.T) {
	s, dir := newTestSession(t)
	s.AddDelta("d", map[string]any{"x": int64(1)})
	plans, err := s.Expand(dir, []string{"run", "{{cfg_path}}"}, 1, true)
	if err != nil {
		t.Fatal(err)
	}
	for _, p := range plans {
		if _, err := os.Stat(p.ConfigPath); !os.IsNotExist(err) {
			t.Errorf("dry run wrote %s", p.ConfigPath)
		}
	}
}

func TestExpandRequiresDeltas(t *testing.T) {
	s, dir := newTestSession(t)
	if _, err := s.Expand(dir, []string{"run"}, 1, true); !errors.Is(err, ErrNoDeltas) {
		t.Errorf("expected ErrNoDeltas, got %v", err)
	}
}

func TestSubmitRecordsRuns(t *testing.T) {
	s, dir := newTestSession(t)
	s.AddDelta("d", map[string]any{"x": int64(1)})
	plans, err := s.Expand(dir, []string{"/bin/true"}, 2, false)
	if err != nil {
		t.Fatal(err)
	}

	ctx := context.Background()
	st, err := store.OpenSQLite(ctx, filepath.Join(t.TempDir(), "whirr.db"), time.Minute)
	if err != nil {
		t.Fatal(err)
	}
	defer st.Close()

	ids, err := s.Submit(ctx, plans, "/tmp", st)
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	if len(ids) != 4 {
		t.Fatalf("submitted %d jobs, want 4", len(ids))
	}
	if len(s.Runs) != 4 {
		t.Fatalf("recorded %d runs, want 4", len(s.Runs))
	}
	for i, rr := range s.Runs {
		if rr.JobID != ids[i] || rr.RunID == "" || rr.Status != "queued" {
			t.Errorf("run %d = %+v", i, rr)
		}
	}

	// The jobs landed in the queue with the session tags.
	j, err := st.GetJob(ctx, ids[0])
	if err != nil {
		t.Fatal(err)
	}
	if j.Tags[0] != "ablate:"+s.SessionID {
		t.Errorf("job tags = %v", j.Tags)
	}

	// The session file reflects the submissions after reload.
	loaded, err := LoadSessionByName(s.Name, dir)
	if err != nil {
		t.Fatal(err)
	}
	if len(loaded.Runs) != 4 {
		t.Errorf("persisted runs = %d, want 4", len(loaded.Runs))
	}
}

func TestRank(t *testing.T) {
	s, dir := newTestSession(t)
	s.AddDelta("strong", map[string]any{"x": int64(1)})
	s.AddDelta("weak", map[string]any{"x": int64(2)})

	ctx := context.Background()
	st, err := store.OpenSQLite(ctx, filepath.Join(t.TempDir(), "whirr.db"), time.Minute)
	if err != nil {
		t.Fatal(err)
	}
	defer st.Close()
	runsDir := t.TempDir()

	addRun := func(id, condition string, replicate int, status models.RunStatus, summary map[string]any) {
		t.Helper()
		if err := st.CreateRun(ctx, models.Run{ID: id}); err != nil {
			t.Fatal(err)
		}
		if status != models.RunRunning {
			if err := st.FinishRun(ctx, id, status, summary, time.Now()); err != nil {
				t.Fatal(err)
			}
		}
		s.Runs = append(s.Runs, RunResult{RunID: id, JobID: int64(len(s.Runs) + 1), Condition: condition, Replicate: replicate, Status: "queued"})
	}

	// Baseline mean 1.0; strong mean 3.0 (effect +2); weak mean 0.5
	// (effect -0.5). Plus one pending, one failed, one without the
	// metric.
	addRun("job-1", "baseline", 0, models.RunCompleted, map[string]any{"val_loss": 0.5})
	addRun("job-2", "baseline", 1, models.RunCompleted, map[string]any{"val_loss": 1.5})
	addRun("job-3", "strong", 0, models.RunCompleted, map[string]any{"val_loss": 3.0})
	addRun("job-4", "strong", 1, models.RunCompleted, map[string]any{"val_loss": 3.0})
	addRun("job-5", "weak", 0, models.RunCompleted, map[string]any{"val_loss": 0.5})
	addRun("job-6", "weak", 1, models.RunRunning, nil)
	addRun("job-7", "strong", 2, models.RunFailed, nil)
	addRun("job-8", "weak", 2, models.RunCompleted, map[string]any{"other": 1.0})
	if err := s.Save(); err != nil {
		t.Fatal(err)
	}

	res, err := Rank(ctx, s, st, runsDir)
	if err != nil {
		t.Fatalf("rank: %v", err)
	}
	if res.BaselineMean != 1.0 || res.BaselineN != 2 {
		t.Errorf("baseline = %v n=%d", res.BaselineMean, res.BaselineN)
	}
	if len(res.Effects) != 2 {
		t.Fatalf("effects = %+v", res.Effects)
	}
	if res.Effects[0].Name != "strong" || res.Effects[0].Effect != 2.0 {
		t.Errorf("effects[0] = %+v", res.Effects[0])
	}
	if res.Effects[1].Name != "weak" || res.Effects[1].Effect != -0.5 {
		t.Errorf("effects[1] = %+v", res.Effects[1])
	}
	if res.Pending != 1 || res.Failed != 1 || res.NoMetric != 1 {
		t.Errorf("aggregates = pending %d failed %d no_metric %d", res.Pending, res.Failed, res.NoMetric)
	}

	// The session file now carries collected metric values.
	loaded, err := LoadSessionByName(s.Name, dir)
	if err != nil {
		t.Fatal(err)
	}
	if loaded.Runs[0].MetricValue == nil || *loaded.Runs[0].MetricValue != 0.5 {
		t.Errorf("persisted metric = %v", loaded.Runs[0].MetricValue)
	}
	if loaded.Runs[7].Outcome == nil || *loaded.Runs[7].Outcome != "no_metric" {
		t.Errorf("persisted outcome = %v", loaded.Runs[7].Outcome)
	}
}

func TestRankMetricsFallback(t *testing.T) {
	s, _ := newTestSession(t)
	s.AddDelta("d", map[string]any{"x": int64(1)})

	ctx := context.Background()
	st, err := store.OpenSQLite(ctx, filepath.Join(t.TempDir(), "whirr.db"), time.Minute)
	if err != nil {
		t.Fatal(err)
	}
	defer st.Close()
	runsDir := t.TempDir()

	// Runs finished without a summary: the ranker must read the last
	// matching record from metrics.jsonl.
	mkRun := func(id, condition string, lines []string) {
		t.Helper()
		runDir := filepath.Join(runsDir, id)
		if err := os.MkdirAll(runDir, 0o755); err != nil {
			t.Fatal(err)
		}
		if err := os.WriteFile(filepath.Join(runDir, "metrics.jsonl"), []byte(strings.Join(lines, "\n")+"\n"), 0o644); err != nil {
			t.Fatal(err)
		}
		if err := st.CreateRun(ctx, models.Run{ID: id, RunDir: runDir}); err != nil {
			t.Fatal(err)
		}
		if err := st.FinishRun(ctx, id, models.RunCompleted, nil, time.Now()); err != nil {
			t.Fatal(err)
		}
		s.Runs = append(s.Runs, RunResult{RunID: id, JobID: int64(len(s.Runs) + 1), Condition: condition})
	}
	mkRun("job-1", "baseline", []string{
		`{"_idx": 0, "val_loss": 2.0}`,
		`{"_idx": 1, "val_loss": 1.0}`,
		`{"_idx": 2, "acc": 0.9}`,
	})
	mkRun("job-2", "d", []string{
		`{"_idx": 0, "val_loss": 4.0}`,
	})
	if err := s.Save(); err != nil {
		t.Fatal(err)
	}

	res, err := Rank(ctx, s, st, runsDir)
	if err != nil {
		t.Fatalf("rank: %v", err)
	}
	// Last occurrence wins: 1.0, not 2.0.
	if res.BaselineMean != 1.0 {
		t.Errorf("baseline mean = %v, want 1.0", res.BaselineMean)
	}
	if res.Effects[0].Effect != 3.0 {
		t.Errorf("effect = %v, want 3.0", res.Effects[0].Effect)
	}
}
