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
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"whirr/internal/store"
)

// ErrNoDeltas is returned when expanding a session with no deltas.
var ErrNoDeltas = errors.New("session has no deltas")

// JobPlan is one planned job of an expansion: the concrete command,
// its generated config file, and the tags that tie the run back to the
// session.
type JobPlan struct {
	Name       string
	Command    []string
	Tags       []string
	Config     map[string]any
	Condition  string
	Replicate  int
	Seed       int64
	ConfigPath string
}

// Expand plans one job per condition and replicate with paired seeds.
// Config files land in <ablationsDir>/<session_id>/configs/ unless
// dryRun is set. The template's {{seed}} and {{cfg_path}} placeholders
// are substituted literally in each argv token.
func (s *Session) Expand(ablationsDir string, template []string, replicates int, dryRun bool) ([]JobPlan, error) {
	if len(template) == 0 {
		return nil, errors.New("empty command template")
	}
	if len(s.Deltas) == 0 {
		return nil, ErrNoDeltas
	}
	if replicates <= 0 {
		replicates = s.Replicates
	}

	configsDir := filepath.Join(ablationsDir, s.SessionID, "configs")
	if !dryRun {
		if err := os.MkdirAll(configsDir, 0o755); err != nil {
			return nil, fmt.Errorf("create configs dir: %w", err)
		}
	}

	var plans []JobPlan
	for replicate := 0; replicate < replicates; replicate++ {
		seed := s.Seed(replicate)
		for _, condition := range s.ConditionNames() {
			var delta map[string]any
			if condition != "baseline" {
				delta = s.Delta(condition)
			}
			cfg := s.generateConfig(condition, replicate, seed, delta)

			cfgPath := filepath.Join(configsDir, fmt.Sprintf("%s-%d.json", condition, replicate))
			if !dryRun {
				data, err := json.MarshalIndent(cfg, "", "  ")
				if err != nil {
					return nil, fmt.Errorf("encode config: %w", err)
				}
				if err := os.WriteFile(cfgPath, data, 0o644); err != nil {
					return nil, fmt.Errorf("write config: %w", err)
				}
			}

			plans = append(plans, JobPlan{
				Name:    fmt.Sprintf("%s-%s-%d", s.Name, condition, replicate),
				Command: substituteTemplate(template, seed, cfgPath),
				Tags: []string{
					"ablate:" + s.SessionID,
					"condition:" + condition,
					"replicate:" + strconv.Itoa(replicate),
				},
				Config: map[string]any{
					"ablation_session":    s.Name,
					"ablation_session_id": s.SessionID,
					"condition":           condition,
					"replicate":           replicate,
					"seed":                seed,
				},
				Condition:  condition,
				Replicate:  replicate,
				Seed:       seed,
				ConfigPath: cfgPath,
			})
		}
	}
	return plans, nil
}

// generateConfig merges baseline and delta values under the __ablate__
// provenance block. Delta keys override baseline keys.
func (s *Session) generateConfig(condition string, replicate int, seed int64, delta map[string]any) map[string]any {
	cfg := map[string]any{
		"__ablate__": map[string]any{
			"session_id": s.SessionID,
			"condition":  condition,
			"replicate":  replicate,
			"seed":       seed,
		},
	}
	for k, v := range s.Baseline {
		cfg[k] = resolveValue(v)
	}
	for k, v := range delta {
		cfg[k] = resolveValue(v)
	}
	return cfg
}

func substituteTemplate(argv []string, seed int64, cfgPath string) []string {
	out := make([]string, len(argv))
	for i, arg := range argv {
		arg = strings.ReplaceAll(arg, "{{seed}}", strconv.FormatInt(seed, 10))
		arg = strings.ReplaceAll(arg, "{{cfg_path}}", cfgPath)
		out[i] = arg
	}
	return out
}

// Submitter enqueues jobs; both the embedded store and the HTTP client
// satisfy it.
type Submitter interface {
	CreateJob(ctx context.Context, nj store.NewJob) (int64, error)
}

// Submit enqueues every planned job and records the resulting run ids
// in the session file.
func (s *Session) Submit(ctx context.Context, plans []JobPlan, workdir string, sub Submitter) ([]int64, error) {
	ids := make([]int64, 0, len(plans))
	for _, p := range plans {
		id, err := sub.CreateJob(ctx, store.NewJob{
			CommandArgv: p.Command,
			Workdir:     workdir,
			Name:        p.Name,
			Config:      p.Config,
			Tags:        p.Tags,
		})
		if err != nil {
			return ids, fmt.Errorf("submit %s: %w", p.Name, err)
		}
		ids = append(ids, id)
		s.Runs = append(s.Runs, RunResult{
			RunID:     fmt.Sprintf("job-%d", id),
			JobID:     id,
			Condition: p.Condition,
			Replicate: p.Replicate,
			Seed:      p.Seed,
			Status:    "queued",
		})
	}
	if err := s.Save(); err != nil {
		return ids, err
	}
	return ids, nil
}
