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

package server

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/go-co-op/gocron/v2"

	"whirr/internal/metrics"
	"whirr/internal/store"
)

// Monitor periodically returns orphaned running jobs to the queue.
// Workers that die without completing their job stop heartbeating;
// the sweep detects the stale claim and requeues with an incremented
// attempt.
type Monitor struct {
	store    store.Store
	interval time.Duration
	logger   *log.Logger

	sched    gocron.Scheduler
	failures int
}

// NewMonitor constructs a Monitor sweeping at interval, 30 s when
// zero.
func NewMonitor(st store.Store, interval time.Duration, logger *log.Logger) *Monitor {
	if interval <= 0 {
		interval = 30 * time.Second
	}
	return &Monitor{store: st, interval: interval, logger: logger}
}

func (m *Monitor) logf(format string, args ...any) {
	if m.logger != nil {
		m.logger.Printf("[monitor] %s", fmt.Sprintf(format, args...))
	}
}

// Start schedules the sweep. Call Stop to shut the scheduler down.
func (m *Monitor) Start() error {
	sched, err := gocron.NewScheduler()
	if err != nil {
		return fmt.Errorf("create scheduler: %w", err)
	}
	_, err = sched.NewJob(
		gocron.DurationJob(m.interval),
		gocron.NewTask(m.Sweep, context.Background()),
	)
	if err != nil {
		return fmt.Errorf("schedule sweep: %w", err)
	}
	m.sched = sched
	sched.Start()
	m.logf("started; sweep every %s", m.interval)
	return nil
}

// Stop shuts the scheduler down, waiting for a running sweep.
func (m *Monitor) Stop() error {
	if m.sched == nil {
		return nil
	}
	return m.sched.Shutdown()
}

// Sweep requeues expired claims once.
func (m *Monitor) Sweep(ctx context.Context) {
	orphans, err := m.store.RequeueExpired(ctx)
	if err != nil {
		m.failures++
		// Log the first failure and then every tenth, so a dead
		// database does not flood the log.
		if m.failures == 1 || m.failures%10 == 0 {
			m.logf("requeue sweep: %v (failure %d)", err, m.failures)
		}
		return
	}
	m.failures = 0
	if len(orphans) == 0 {
		return
	}
	metrics.IncJobsRequeued(len(orphans))
	for _, j := range orphans {
		metrics.IncJobSubmitted("requeue")
		m.logf("requeued orphaned job %d (attempt now %d)", j.ID, j.Attempt)
	}
}
