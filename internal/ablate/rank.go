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
	"errors"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"sort"

	"whirr/internal/recorder"
	"whirr/internal/store"
	"whirr/pkg/models"
)

// ErrNoBaseline is returned by Rank when no baseline replicate has
// produced the metric yet.
var ErrNoBaseline = errors.New("no baseline results found")

// DeltaEffect summarizes one delta's measured effect on the metric.
type DeltaEffect struct {
	Name   string
	Mean   float64
	Effect float64
	N      int
	Values []float64
}

// RankResult is the outcome of ranking a session's deltas.
type RankResult struct {
	Metric         string
	BaselineMean   float64
	BaselineN      int
	BaselineValues []float64
	// Effects are sorted by absolute effect, strongest first; equal
	// effects keep delta insertion order.
	Effects  []DeltaEffect
	Pending  int
	Failed   int
	NoMetric int
}

// Rank collects the target metric for every recorded run and compares
// each delta's mean against the baseline mean. Job outcomes are pulled
// from the store; metric values come from the run row's summary first,
// then meta.json, then the last occurrence in metrics.jsonl. The
// session file is updated with the collected values.
func Rank(ctx context.Context, s *Session, st store.Store, runsDir string) (*RankResult, error) {
	if len(s.Runs) == 0 {
		return nil, errors.New("no runs recorded; expand the session first")
	}

	res := &RankResult{Metric: s.Metric}
	byCondition := map[string][]float64{}

	for i := range s.Runs {
		rr := &s.Runs[i]

		var (
			runDir  string
			summary map[string]any
		)
		row, err := st.GetRun(ctx, rr.RunID)
		switch {
		case errors.Is(err, store.ErrNotFound):
			// No row yet: fall back to the conventional directory.
			runDir = filepath.Join(runsDir, fmt.Sprintf("job-%d", rr.JobID))
			if _, statErr := os.Stat(runDir); statErr != nil {
				res.Pending++
				continue
			}
			if meta, _ := recorder.ReadMeta(runDir); meta != nil {
				summary = meta.Summary
			}
		case err != nil:
			return nil, fmt.Errorf("run %s: %w", rr.RunID, err)
		default:
			switch row.Status {
			case models.RunRunning:
				res.Pending++
				continue
			case models.RunFailed:
				res.Failed++
				rr.Status = string(models.RunFailed)
				continue
			}
			rr.Status = string(row.Status)
			runDir = row.RunDir
			summary = row.Summary
			if summary == nil && runDir != "" {
				if meta, _ := recorder.ReadMeta(runDir); meta != nil {
					summary = meta.Summary
				}
			}
		}

		value, ok := extractMetric(runDir, s.Metric, summary)
		if !ok {
			outcome := "no_metric"
			rr.Outcome = &outcome
			res.NoMetric++
			continue
		}
		rr.MetricValue = &value
		rr.Outcome = nil
		byCondition[rr.Condition] = append(byCondition[rr.Condition], value)
	}

	if err := s.Save(); err != nil {
		return nil, err
	}

	baseline := byCondition["baseline"]
	if len(baseline) == 0 {
		return res, ErrNoBaseline
	}
	res.BaselineValues = baseline
	res.BaselineN = len(baseline)
	res.BaselineMean = mean(baseline)

	for _, d := range s.Deltas {
		values := byCondition[d.Name]
		if len(values) == 0 {
			continue
		}
		m := mean(values)
		res.Effects = append(res.Effects, DeltaEffect{
			Name:   d.Name,
			Mean:   m,
			Effect: m - res.BaselineMean,
			N:      len(values),
			Values: values,
		})
	}
	sort.SliceStable(res.Effects, func(i, j int) bool {
		return math.Abs(res.Effects[i].Effect) > math.Abs(res.Effects[j].Effect)
	})

	return res, nil
}

// extractMetric prefers the summary value and falls back to the last
// metrics.jsonl record carrying the metric.
func extractMetric(runDir, metric string, summary map[string]any) (float64, bool) {
	if summary != nil {
		if v, ok := asFloat(summary[metric]); ok {
			return v, true
		}
	}
	if runDir == "" {
		return 0, false
	}
	records, err := recorder.ReadMetrics(filepath.Join(runDir, "metrics.jsonl"))
	if err != nil {
		return 0, false
	}
	for i := len(records) - 1; i >= 0; i-- {
		if v, ok := asFloat(records[i][metric]); ok {
			return v, true
		}
	}
	return 0, false
}

func asFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	}
	return 0, false
}

func mean(values []float64) float64 {
	sum := 0.0
	for _, v := range values {
		sum += v
	}
	return sum / float64(len(values))
}
