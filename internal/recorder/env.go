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

package recorder

import (
	"context"
	"encoding/json"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"time"
)

const (
	gitTimeout = 5 * time.Second
	pipTimeout = 30 * time.Second
)

// captureEnvironment snapshots git state and installed Python packages
// into the run directory. Everything here is best-effort: a missing
// git binary, a non-repository workdir, or an absent pip must never
// fail the run.
func (r *Run) captureEnvironment() {
	if git := captureGit("."); git != nil {
		r.git = git
		if data, err := json.MarshalIndent(git, "", "  "); err == nil {
			if os.WriteFile(filepath.Join(r.Dir, "git.json"), data, 0o644) == nil {
				r.gitFile = "git.json"
			}
		}
	}
	if freeze, n := capturePipFreeze(); freeze != "" {
		if os.WriteFile(filepath.Join(r.Dir, "requirements.txt"), []byte(freeze), 0o644) == nil {
			r.reqFile = "requirements.txt"
			r.pipCount = &n
		}
	}
}

func gitOutput(dir string, args ...string) (string, bool) {
	ctx, cancel := context.WithTimeout(context.Background(), gitTimeout)
	defer cancel()
	cmd := exec.CommandContext(ctx, "git", append([]string{"-C", dir}, args...)...)
	out, err := cmd.Output()
	if err != nil {
		return "", false
	}
	return strings.TrimSpace(string(out)), true
}

func captureGit(dir string) *GitInfo {
	commit, ok := gitOutput(dir, "rev-parse", "HEAD")
	if !ok || commit == "" {
		return nil
	}
	info := &GitInfo{Commit: commit}
	if short, ok := gitOutput(dir, "rev-parse", "--short", "HEAD"); ok {
		info.ShortHash = short
	}
	if branch, ok := gitOutput(dir, "rev-parse", "--abbrev-ref", "HEAD"); ok {
		info.Branch = branch
	}
	if status, ok := gitOutput(dir, "status", "--porcelain"); ok {
		info.Dirty = status != ""
	}
	if remote, ok := gitOutput(dir, "remote", "get-url", "origin"); ok && remote != "" {
		info.Remote = &remote
	}
	return info
}

// capturePipFreeze returns the pip freeze output and the number of
// packages in it.
func capturePipFreeze() (string, int) {
	ctx, cancel := context.WithTimeout(context.Background(), pipTimeout)
	defer cancel()
	out, err := exec.CommandContext(ctx, "python3", "-m", "pip", "freeze").Output()
	if err != nil || len(out) == 0 {
		return "", 0
	}
	text := string(out)
	count := 0
	for _, line := range strings.Split(text, "\n") {
		if strings.TrimSpace(line) != "" {
			count++
		}
	}
	return text, count
}
