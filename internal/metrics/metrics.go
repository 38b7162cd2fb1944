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

// Package metrics exposes Prometheus collectors for the scheduler and
// the worker agents.
package metrics

import (
	"net/http"
	"strings"
	"sync"
	"time"
	"unicode"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	mu  sync.RWMutex
	reg *prometheus.Registry

	jobsSubmitted *prometheus.CounterVec
	jobsClaimed   *prometheus.CounterVec
	jobsFinished  *prometheus.CounterVec
	jobsRequeued  prometheus.Counter
	jobDuration   *prometheus.HistogramVec
	heartbeats    *prometheus.CounterVec
)

func init() {
	resetLocked()
}

// Reset clears and reinitializes all metrics collectors.
// Primarily used by tests to ensure clean state.
func Reset() {
	mu.Lock()
	defer mu.Unlock()
	resetLocked()
}

// Handler returns an HTTP handler that exposes metrics in Prometheus format.
func Handler() http.Handler {
	mu.RLock()
	registry := reg
	mu.RUnlock()
	return promhttp.HandlerFor(registry, promhttp.HandlerOpts{})
}

// IncJobSubmitted counts a freshly queued job. source is "api",
// "retry", "requeue", or "ablate".
func IncJobSubmitted(source string) {
	label := sanitizeLabel(source, "unknown")

	mu.RLock()
	defer mu.RUnlock()
	if jobsSubmitted != nil {
		jobsSubmitted.WithLabelValues(label).Inc()
	}
}

// IncJobClaimed counts a successful claim by workerID.
func IncJobClaimed(workerID string) {
	label := sanitizeLabel(workerID, "unknown")

	mu.RLock()
	defer mu.RUnlock()
	if jobsClaimed != nil {
		jobsClaimed.WithLabelValues(label).Inc()
	}
}

// ObserveJobFinished records a terminal job with its wall-clock
// duration. status is the terminal job status string.
func ObserveJobFinished(status string, duration time.Duration) {
	label := sanitizeLabel(status, "unknown")

	mu.RLock()
	defer mu.RUnlock()
	if jobsFinished != nil {
		jobsFinished.WithLabelValues(label).Inc()
	}
	if jobDuration != nil {
		jobDuration.WithLabelValues(label).Observe(durationSeconds(duration))
	}
}

// IncJobsRequeued counts jobs returned to the queue by the orphan
// sweep.
func IncJobsRequeued(n int) {
	if n <= 0 {
		return
	}

	mu.RLock()
	defer mu.RUnlock()
	if jobsRequeued != nil {
		jobsRequeued.Add(float64(n))
	}
}

// IncHeartbeat counts a heartbeat observed by the scheduler. result is
// "ok", "cancel_requested", or "rejected".
func IncHeartbeat(result string) {
	label := sanitizeLabel(result, "unknown")

	mu.RLock()
	defer mu.RUnlock()
	if heartbeats != nil {
		heartbeats.WithLabelValues(label).Inc()
	}
}

func resetLocked() {
	registry := prometheus.NewRegistry()

	submitted := prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "whirr",
		Subsystem: "scheduler",
		Name:      "jobs_submitted_total",
		Help:      "Total jobs enqueued, grouped by submission source.",
	}, []string{"source"})

	claimed := prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "whirr",
		Subsystem: "scheduler",
		Name:      "jobs_claimed_total",
		Help:      "Total successful job claims grouped by worker.",
	}, []string{"worker"})

	finished := prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "whirr",
		Subsystem: "scheduler",
		Name:      "jobs_finished_total",
		Help:      "Total jobs that reached a terminal status.",
	}, []string{"status"})

	requeued := prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "whirr",
		Subsystem: "scheduler",
		Name:      "jobs_requeued_total",
		Help:      "Total orphaned running jobs returned to the queue.",
	})

	duration := prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "whirr",
		Subsystem: "scheduler",
		Name:      "job_duration_seconds",
		Help:      "Wall-clock duration of finished jobs by terminal status.",
		Buckets:   []float64{1, 5, 15, 60, 300, 900, 3600, 14400, 86400},
	}, []string{"status"})

	hb := prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "whirr",
		Subsystem: "scheduler",
		Name:      "heartbeats_total",
		Help:      "Total worker heartbeats grouped by outcome.",
	}, []string{"result"})

	registry.MustRegister(submitted, claimed, finished, requeued, duration, hb)

	reg = registry
	jobsSubmitted = submitted
	jobsClaimed = claimed
	jobsFinished = finished
	jobsRequeued = requeued
	jobDuration = duration
	heartbeats = hb
}

func sanitizeLabel(v string, fallback string) string {
	v = strings.TrimSpace(v)
	if v == "" {
		return fallback
	}
	var b strings.Builder
	for _, r := range v {
		if unicode.IsLetter(r) || unicode.IsDigit(r) || r == ':' || r == '.' || r == '-' || r == '_' {
			b.WriteRune(r)
		} else {
			b.WriteRune('_')
		}
	}
	return b.String()
}

func durationSeconds(d time.Duration) float64 {
	if d <= 0 {
		return 0
	}
	return d.Seconds()
}
