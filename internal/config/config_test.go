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

package config

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
)

func TestFindDirWalksUp(t *testing.T) {
	root := t.TempDir()
	whirrDir := filepath.Join(root, DirName)
	nested := filepath.Join(root, "a", "b", "c")
	if err := os.MkdirAll(whirrDir, 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.MkdirAll(nested, 0o755); err != nil {
		t.Fatal(err)
	}

	found, err := FindDir(nested)
	if err != nil {
		t.Fatalf("FindDir: %v", err)
	}
	if found != whirrDir {
		t.Errorf("FindDir = %s, want %s", found, whirrDir)
	}
}

func TestFindDirMissing(t *testing.T) {
	_, err := FindDir(t.TempDir())
	if !errors.Is(err, ErrNoProject) {
		t.Errorf("expected ErrNoProject, got %v", err)
	}
}

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load(t.TempDir())
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg != Default() {
		t.Errorf("missing config.yaml should yield defaults, got %+v", cfg)
	}
}

func TestLoadOverrides(t *testing.T) {
	dir := t.TempDir()
	content := "heartbeat_interval: 5\nkill_grace_period: 2\n"
	if err := os.WriteFile(filepath.Join(dir, "config.yaml"), []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}

	cfg, err := Load(dir)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.HeartbeatInterval != 5 {
		t.Errorf("HeartbeatInterval = %d, want 5", cfg.HeartbeatInterval)
	}
	if cfg.KillGracePeriod != 2 {
		t.Errorf("KillGracePeriod = %d, want 2", cfg.KillGracePeriod)
	}
	// Untouched keys keep their defaults.
	if cfg.HeartbeatTimeout != 120 {
		t.Errorf("HeartbeatTimeout = %d, want 120", cfg.HeartbeatTimeout)
	}
	if cfg.PollInterval != 5 {
		t.Errorf("PollInterval = %d, want 5", cfg.PollInterval)
	}
}

func TestLoadRejectsInvalid(t *testing.T) {
	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, "config.yaml"), []byte("heartbeat_timeout: -1\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	if _, err := Load(dir); err == nil {
		t.Error("expected error for negative heartbeat_timeout")
	}
}

func TestInitProjectIdempotent(t *testing.T) {
	root := t.TempDir()
	whirrDir, err := InitProject(root)
	if err != nil {
		t.Fatalf("InitProject: %v", err)
	}
	for _, dir := range []string{whirrDir, RunsDir(whirrDir), AblationsDir(whirrDir)} {
		if info, err := os.Stat(dir); err != nil || !info.IsDir() {
			t.Errorf("expected directory %s", dir)
		}
	}

	// Mutate config.yaml, then re-init: the edit must survive.
	cfgPath := filepath.Join(whirrDir, "config.yaml")
	if err := os.WriteFile(cfgPath, []byte("poll_interval: 1\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	if _, err := InitProject(root); err != nil {
		t.Fatalf("re-init: %v", err)
	}
	cfg, err := Load(whirrDir)
	if err != nil {
		t.Fatal(err)
	}
	if cfg.PollInterval != 1 {
		t.Errorf("re-init overwrote config.yaml: PollInterval = %d", cfg.PollInterval)
	}
}
