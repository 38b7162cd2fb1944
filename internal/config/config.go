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

// Package config locates the .whirr project directory and loads the
// timing knobs from its config.yaml.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

// ErrNoProject indicates no .whirr directory was found walking up from
// the starting path.
var ErrNoProject = errors.New("no .whirr directory found (run whirr init first)")

// DirName is the project marker directory.
const DirName = ".whirr"

// Config holds the timing knobs shared by workers and the scheduler.
// All values are stored as integer seconds in config.yaml.
type Config struct {
	// HeartbeatInterval is how often a worker refreshes its claim.
	HeartbeatInterval int `yaml:"heartbeat_interval"`
	// HeartbeatTimeout is how stale a running job's heartbeat may get
	// before the embedded backend treats it as orphaned.
	HeartbeatTimeout int `yaml:"heartbeat_timeout"`
	// KillGracePeriod is the SIGTERM-to-SIGKILL grace in seconds.
	KillGracePeriod int `yaml:"kill_grace_period"`
	// PollInterval is the idle sleep between claim attempts.
	PollInterval int `yaml:"poll_interval"`
}

// Default returns the configuration used when config.yaml is absent or
// silent on a knob.
func Default() Config {
	return Config{
		HeartbeatInterval: 30,
		HeartbeatTimeout:  120,
		KillGracePeriod:   10,
		PollInterval:      5,
	}
}

func (c Config) HeartbeatIntervalDuration() time.Duration {
	return time.Duration(c.HeartbeatInterval) * time.Second
}

func (c Config) HeartbeatTimeoutDuration() time.Duration {
	return time.Duration(c.HeartbeatTimeout) * time.Second
}

func (c Config) KillGraceDuration() time.Duration {
	return time.Duration(c.KillGracePeriod) * time.Second
}

func (c Config) PollIntervalDuration() time.Duration {
	return time.Duration(c.PollInterval) * time.Second
}

// Validate checks that every knob is positive.
func (c Config) Validate() error {
	if c.HeartbeatInterval <= 0 {
		return fmt.Errorf("heartbeat_interval must be positive, got %d", c.HeartbeatInterval)
	}
	if c.HeartbeatTimeout <= 0 {
		return fmt.Errorf("heartbeat_timeout must be positive, got %d", c.HeartbeatTimeout)
	}
	if c.KillGracePeriod <= 0 {
		return fmt.Errorf("kill_grace_period must be positive, got %d", c.KillGracePeriod)
	}
	if c.PollInterval <= 0 {
		return fmt.Errorf("poll_interval must be positive, got %d", c.PollInterval)
	}
	return nil
}

// FindDir walks up from start (or the working directory when start is
// empty) looking for a .whirr directory. Returns ErrNoProject when the
// filesystem root is reached without finding one.
func FindDir(start string) (string, error) {
	if start == "" {
		wd, err := os.Getwd()
		if err != nil {
			return "", fmt.Errorf("getwd: %w", err)
		}
		start = wd
	}
	current, err := filepath.Abs(start)
	if err != nil {
		return "", fmt.Errorf("resolve %s: %w", start, err)
	}
	for {
		candidate := filepath.Join(current, DirName)
		if info, err := os.Stat(candidate); err == nil && info.IsDir() {
			return candidate, nil
		}
		parent := filepath.Dir(current)
		if parent == current {
			return "", ErrNoProject
		}
		current = parent
	}
}

// Load reads config.yaml from whirrDir, falling back to defaults for a
// missing file or missing keys.
func Load(whirrDir string) (Config, error) {
	cfg := Default()
	data, err := os.ReadFile(filepath.Join(whirrDir, "config.yaml"))
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, nil
		}
		return cfg, fmt.Errorf("read config.yaml: %w", err)
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("parse config.yaml: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return cfg, fmt.Errorf("config.yaml: %w", err)
	}
	return cfg, nil
}

// DBPath returns the embedded database path inside whirrDir.
func DBPath(whirrDir string) string {
	return filepath.Join(whirrDir, "whirr.db")
}

// RunsDir returns the run-record directory inside whirrDir.
func RunsDir(whirrDir string) string {
	return filepath.Join(whirrDir, "runs")
}

// AblationsDir returns the ablation-session directory inside whirrDir.
func AblationsDir(whirrDir string) string {
	return filepath.Join(whirrDir, "ablations")
}

// InitProject creates the .whirr skeleton under root and writes a
// commented config.yaml with the defaults. It is idempotent.
func InitProject(root string) (string, error) {
	whirrDir := filepath.Join(root, DirName)
	for _, dir := range []string{whirrDir, RunsDir(whirrDir), AblationsDir(whirrDir)} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return "", fmt.Errorf("create %s: %w", dir, err)
		}
	}
	cfgPath := filepath.Join(whirrDir, "config.yaml")
	if _, err := os.Stat(cfgPath); err == nil {
		return whirrDir, nil
	}
	d := Default()
	content := fmt.Sprintf(
		"# whirr project configuration (all values in seconds)\nheartbeat_interval: %d\nheartbeat_timeout: %d\nkill_grace_period: %d\npoll_interval: %d\n",
		d.HeartbeatInterval, d.HeartbeatTimeout, d.KillGracePeriod, d.PollInterval)
	if err := os.WriteFile(cfgPath, []byte(content), 0o644); err != nil {
		return "", fmt.Errorf("write config.yaml: %w", err)
	}
	return whirrDir, nil
}
