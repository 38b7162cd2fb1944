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

// Package runner spawns and supervises job child processes. Each child
// runs in its own session and process group so that the whole tree can
// be terminated together, with stdout and stderr merged into a single
// output.log in the run directory.
package runner

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"sync"
	"syscall"
	"time"
)

const (
	termPollInterval = 100 * time.Millisecond
	killWait         = 5 * time.Second
)

// Options configures Start.
type Options struct {
	// Argv is executed directly, no shell involved.
	Argv    []string
	Workdir string
	// LogPath receives the merged stdout+stderr stream. Truncated on
	// start; writes are unbuffered so the file can be tailed.
	LogPath string
	// Env entries are appended to the parent environment.
	Env []string
}

// Runner supervises one child process.
type Runner struct {
	cmd  *exec.Cmd
	log  *os.File
	pid  int
	pgid int

	done chan struct{}

	mu       sync.Mutex
	exitCode int
	waitErr  error
}

// Start launches the child in a new session/process group and begins
// collecting its exit status.
func Start(opts Options) (*Runner, error) {
	if len(opts.Argv) == 0 {
		return nil, fmt.Errorf("empty argv")
	}

	logFile, err := os.OpenFile(opts.LogPath, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
	if err != nil {
		return nil, fmt.Errorf("open log %s: %w", opts.LogPath, err)
	}

	cmd := exec.Command(opts.Argv[0], opts.Argv[1:]...)
	cmd.Dir = opts.Workdir
	cmd.Stdout = logFile
	cmd.Stderr = logFile
	cmd.Stdin = nil
	cmd.Env = append(os.Environ(), opts.Env...)
	cmd.SysProcAttr = sysProcAttr()

	if err := cmd.Start(); err != nil {
		_ = logFile.Close()
		return nil, fmt.Errorf("start %s: %w", opts.Argv[0], err)
	}

	r := &Runner{
		cmd:  cmd,
		log:  logFile,
		pid:  cmd.Process.Pid,
		done: make(chan struct{}),
	}
	// Setsid makes the child the leader of a fresh group, so pgid == pid.
	r.pgid = r.pid

	go r.reap()
	return r, nil
}

func (r *Runner) reap() {
	err := r.cmd.Wait()
	code := exitCodeFromWait(r.cmd, err)

	r.mu.Lock()
	r.exitCode = code
	if err != nil && code == 0 {
		r.waitErr = err
	}
	r.mu.Unlock()

	_ = r.log.Close()
	close(r.done)
}

// exitCodeFromWait maps the wait outcome to the recorded exit code:
// the plain status for a normal exit, the negated signal number for a
// signal death.
func exitCodeFromWait(cmd *exec.Cmd, waitErr error) int {
	ps := cmd.ProcessState
	if ps == nil {
		return 1
	}
	if ws, ok := ps.Sys().(syscall.WaitStatus); ok {
		if ws.Signaled() {
			return -int(ws.Signal())
		}
		return ws.ExitStatus()
	}
	if waitErr != nil {
		return 1
	}
	return ps.ExitCode()
}

// PID returns the child's process id.
func (r *Runner) PID() int { return r.pid }

// PGID returns the child's process-group id.
func (r *Runner) PGID() int { return r.pgid }

// Running reports whether the child has not yet exited.
func (r *Runner) Running() bool {
	select {
	case <-r.done:
		return false
	default:
		return true
	}
}

// Poll returns the exit code if the child has exited.
func (r *Runner) Poll() (int, bool) {
	select {
	case <-r.done:
		r.mu.Lock()
		defer r.mu.Unlock()
		return r.exitCode, true
	default:
		return 0, false
	}
}

// Wait blocks until the child exits or ctx is cancelled.
func (r *Runner) Wait(ctx context.Context) (int, error) {
	select {
	case <-r.done:
		r.mu.Lock()
		defer r.mu.Unlock()
		return r.exitCode, r.waitErr
	case <-ctx.Done():
		return 0, ctx.Err()
	}
}

// Kill terminates the whole process group: SIGTERM first, then after
// the grace period SIGKILL. Returns the child's exit code.
func (r *Runner) Kill(grace time.Duration) int {
	if code, exited := r.Poll(); exited {
		return code
	}

	_ = syscall.Kill(-r.pgid, syscall.SIGTERM)

	deadline := time.After(grace)
	tick := time.NewTicker(termPollInterval)
	defer tick.Stop()
	for {
		select {
		case <-r.done:
			code, _ := r.Poll()
			return code
		case <-tick.C:
		case <-deadline:
			goto force
		}
	}

force:
	_ = syscall.Kill(-r.pgid, syscall.SIGKILL)
	select {
	case <-r.done:
	case <-time.After(killWait):
		// The kernel owes us a SIGKILL delivery; report it regardless.
	}
	if code, exited := r.Poll(); exited {
		return code
	}
	return -int(syscall.SIGKILL)
}
