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

// Package ablate drives ablation studies: a session pins a baseline
// configuration and a target metric, named deltas perturb single
// parameters, and every condition runs with paired seeds so replicate
// i of each condition sees the same seed. Ranking compares each
// delta's mean metric against the baseline mean.
package ablate

import (
	"encoding/json"
	"errors"
	"fmt"
	"math/rand"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"
)

// ErrSessionExists is returned by CreateSession for a duplicate name.
var ErrSessionExists = errors.New("ablation session already exists")

// ErrSessionNotFound is returned when no session carries the name.
var ErrSessionNotFound = errors.New("ablation session not found")

const defaultReplicates = 20

// FileValue inlines a file's content into a config value, so the
// session is self-contained even if the file later changes.
type FileValue struct {
	// Path is relative to the project root when possible.
	Path string `json:"path"`
	Text string `json:"text"`
}

// Delta is one named parameter change relative to the baseline.
// Changes values are JSON scalars or FileValue maps.
type Delta struct {
	Name    string         `json:"name"`
	Changes map[string]any `json:"changes"`
}

// RunResult tracks one submitted job of the session.
type RunResult struct {
	RunID       string   `json:"run_id"`
	JobID       int64    `json:"job_id"`
	Condition   string   `json:"condition"`
	Replicate   int      `json:"replicate"`
	Seed        int64    `json:"seed"`
	MetricValue *float64 `json:"metric_value"`
	Status      string   `json:"status"`
	Outcome     *string  `json:"outcome"`
}

// Session is one ablation study, persisted as
// <whirr>/ablations/<session_id>.json. Deltas keep insertion order;
// ranking ties resolve in that order.
type Session struct {
	SessionID  string         `json:"session_id"`
	Name       string         `json:"name"`
	Metric     string         `json:"metric"`
	SeedBase   int64          `json:"seed_base"`
	Baseline   map[string]any `json:"baseline"`
	Deltas     []Delta        `json:"deltas"`
	Replicates int            `json:"replicates"`
	CreatedAt  string         `json:"created_at"`
	Runs       []RunResult    `json:"runs"`

	path string
}

// sessionIDChars spell the 6-character lowercase alphanumeric id.
const sessionIDChars = "abcdefghijklmnopqrstuvwxyz0123456789"

func generateSessionID() string {
	b := make([]byte, 6)
	for i := range b {
		b[i] = sessionIDChars[rand.Intn(len(sessionIDChars))]
	}
	return string(b)
}

func sessionPath(ablationsDir, sessionID string) string {
	return filepath.Join(ablationsDir, sessionID+".json")
}

func indexPath(ablationsDir string) string {
	return filepath.Join(ablationsDir, "index.json")
}

// LoadIndex reads the name to session_id index, empty when absent.
func LoadIndex(ablationsDir string) (map[string]string, error) {
	data, err := os.ReadFile(indexPath(ablationsDir))
	if err != nil {
		if os.IsNotExist(err) {
			return map[string]string{}, nil
		}
		return nil, fmt.Errorf("read index: %w", err)
	}
	idx := map[string]string{}
	if err := json.Unmarshal(data, &idx); err != nil {
		return nil, fmt.Errorf("parse index: %w", err)
	}
	return idx, nil
}

func saveIndex(ablationsDir string, idx map[string]string) error {
	if err := os.MkdirAll(ablationsDir, 0o755); err != nil {
		return fmt.Errorf("create ablations dir: %w", err)
	}
	data, err := json.MarshalIndent(idx, "", "  ")
	if err != nil {
		return fmt.Errorf("encode index: %w", err)
	}
	if err := os.WriteFile(indexPath(ablationsDir), data, 0o644); err != nil {
		return fmt.Errorf("write index: %w", err)
	}
	return nil
}

// CreateSession registers a new session under ablationsDir with a
// random id and seed base. The name must be unused.
func CreateSession(name, metric, ablationsDir string) (*Session, error) {
	idx, err := LoadIndex(ablationsDir)
	if err != nil {
		return nil, err
	}
	if _, ok := idx[name]; ok {
		return nil, fmt.Errorf("%w: %s", ErrSessionExists, name)
	}

	s := &Session{
		SessionID:  generateSessionID(),
		Name:       name,
		Metric:     metric,
		SeedBase:   int64(rand.Int31()),
		Baseline:   map[string]any{},
		Replicates: defaultReplicates,
		CreatedAt:  time.Now().UTC().Format(time.RFC3339),
		path:       "",
	}
	s.path = sessionPath(ablationsDir, s.SessionID)
	if err := s.Save(); err != nil {
		return nil, err
	}

	idx[name] = s.SessionID
	if err := saveIndex(ablationsDir, idx); err != nil {
		return nil, err
	}
	return s, nil
}

// LoadSession reads a session file by session id.
func LoadSession(ablationsDir, sessionID string) (*Session, error) {
	path := sessionPath(ablationsDir, sessionID)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("%w: id %s", ErrSessionNotFound, sessionID)
		}
		return nil, fmt.Errorf("read session: %w", err)
	}
	var s Session
	if err := json.Unmarshal(data, &s); err != nil {
		return nil, fmt.Errorf("parse session: %w", err)
	}
	s.path = path
	return &s, nil
}

// LoadSessionByName resolves name through the index and loads the
// session.
func LoadSessionByName(name, ablationsDir string) (*Session, error) {
	idx, err := LoadIndex(ablationsDir)
	if err != nil {
		return nil, err
	}
	id, ok := idx[name]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrSessionNotFound, name)
	}
	return LoadSession(ablationsDir, id)
}

// Save rewrites the session file.
func (s *Session) Save() error {
	if s.path == "" {
		return errors.New("session path not set")
	}
	if err := os.MkdirAll(filepath.Dir(s.path), 0o755); err != nil {
		return fmt.Errorf("create ablations dir: %w", err)
	}
	data, err := json.MarshalIndent(s, "", "  ")
	if err != nil {
		return fmt.Errorf("encode session: %w", err)
	}
	if err := os.WriteFile(s.path, data, 0o644); err != nil {
		return fmt.Errorf("write session: %w", err)
	}
	return nil
}

// AddDelta appends or replaces a named delta, keeping insertion order.
func (s *Session) AddDelta(name string, changes map[string]any) {
	for i := range s.Deltas {
		if s.Deltas[i].Name == name {
			s.Deltas[i].Changes = changes
			return
		}
	}
	s.Deltas = append(s.Deltas, Delta{Name: name, Changes: changes})
}

// Delta returns the named delta's changes, nil if absent.
func (s *Session) Delta(name string) map[string]any {
	for i := range s.Deltas {
		if s.Deltas[i].Name == name {
			return s.Deltas[i].Changes
		}
	}
	return nil
}

// ConditionNames lists baseline first, then deltas in insertion order.
func (s *Session) ConditionNames() []string {
	names := make([]string, 0, len(s.Deltas)+1)
	names = append(names, "baseline")
	for _, d := range s.Deltas {
		names = append(names, d.Name)
	}
	return names
}

// Seed returns the paired seed for a replicate: every condition's
// replicate i runs with the same seed.
func (s *Session) Seed(replicate int) int64 {
	return s.SeedBase + int64(replicate)
}

// ParseValue interprets a command-line delta value: @path inlines a
// file, otherwise numbers are detected, and anything else stays a
// string.
func ParseValue(value, projectRoot string) (any, error) {
	if strings.HasPrefix(value, "@") {
		p := value[1:]
		full := p
		if !filepath.IsAbs(full) {
			full = filepath.Join(projectRoot, p)
		}
		text, err := os.ReadFile(full)
		if err != nil {
			return nil, fmt.Errorf("file value: %w", err)
		}
		stored := full
		if rel, err := filepath.Rel(projectRoot, full); err == nil && !strings.HasPrefix(rel, "..") {
			stored = rel
		}
		return FileValue{Path: stored, Text: string(text)}, nil
	}
	if strings.Contains(value, ".") {
		if f, err := strconv.ParseFloat(value, 64); err == nil {
			return f, nil
		}
		return value, nil
	}
	if n, err := strconv.ParseInt(value, 10, 64); err == nil {
		return n, nil
	}
	return value, nil
}

// resolveValue unwraps FileValue (or its decoded map form) to the
// inlined text; scalars pass through.
func resolveValue(v any) any {
	switch fv := v.(type) {
	case FileValue:
		return fv.Text
	case map[string]any:
		if len(fv) == 2 {
			if text, ok := fv["text"].(string); ok {
				if _, ok := fv["path"].(string); ok {
					return text
				}
			}
		}
	}
	return v
}
