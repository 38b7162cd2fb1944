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
	"bufio"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
)

// GitInfo is the captured repository state at run start.
type GitInfo struct {
	Commit    string  `json:"commit"`
	ShortHash string  `json:"short_hash"`
	Branch    string  `json:"branch"`
	Dirty     bool    `json:"dirty"`
	Remote    *string `json:"remote,omitempty"`
}

// Meta is the meta.json snapshot of a run. File references are
// relative to the run directory.
type Meta struct {
	ID           string         `json:"id"`
	Name         string         `json:"name"`
	Tags         []string       `json:"tags"`
	StartedAt    string         `json:"started_at"`
	FinishedAt   *string        `json:"finished_at"`
	Status       string         `json:"status"`
	Summary      map[string]any `json:"summary"`
	ConfigFile   string         `json:"config_file"`
	MetricsFile  string         `json:"metrics_file"`
	ArtifactsDir string         `json:"artifacts_dir"`

	Git              *GitInfo `json:"git,omitempty"`
	GitFile          *string  `json:"git_file,omitempty"`
	RequirementsFile *string  `json:"requirements_file,omitempty"`
	PipPackagesCount *int     `json:"pip_packages_count,omitempty"`
}

// ReadMetrics parses a metrics.jsonl file. Unparseable lines are
// skipped: a worker crash can leave a truncated final line, and that
// must not hide the records before it. A missing file yields an empty
// slice.
func ReadMetrics(path string) ([]map[string]any, error) {
	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("open metrics: %w", err)
	}
	defer f.Close()

	var out []map[string]any
	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	for sc.Scan() {
		line := sc.Bytes()
		if len(line) == 0 {
			continue
		}
		var rec map[string]any
		if err := json.Unmarshal(line, &rec); err != nil {
			continue
		}
		out = append(out, rec)
	}
	if err := sc.Err(); err != nil {
		return nil, fmt.Errorf("read metrics: %w", err)
	}
	return out, nil
}

// ReadMeta parses meta.json from a run directory. Returns nil with no
// error when the file does not exist.
func ReadMeta(runDir string) (*Meta, error) {
	data, err := os.ReadFile(filepath.Join(runDir, "meta.json"))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("read meta: %w", err)
	}
	var m Meta
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("parse meta: %w", err)
	}
	return &m, nil
}
