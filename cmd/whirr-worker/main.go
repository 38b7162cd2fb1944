package main

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

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"whirr/internal/client"
	"whirr/internal/config"
	"whirr/internal/store"
	"whirr/internal/worker"
)

// Config holds runtime configuration for the worker agent.
// Values can be provided via environment variables and/or flags.
// Flags take precedence over environment variables.
type Config struct {
	WorkerID  string // WHIRR_WORKER_ID
	ServerURL string // WHIRR_SERVER: remote scheduler; empty runs embedded
	Database  string // WHIRR_DATABASE
	RunsDir   string // WHIRR_RUNS_DIR
	GPUs      int    // WHIRR_GPUS: spawn one worker per GPU

	PollInterval      time.Duration // WHIRR_POLL_INTERVAL
	HeartbeatInterval time.Duration // WHIRR_HEARTBEAT_INTERVAL
	HeartbeatTimeout  time.Duration // WHIRR_HEARTBEAT_TIMEOUT
	Lease             time.Duration // WHIRR_LEASE
	KillGrace         time.Duration // WHIRR_KILL_GRACE
}

func defaultConfig() Config {
	cfg := Config{
		PollInterval:      5 * time.Second,
		HeartbeatInterval: 30 * time.Second,
		HeartbeatTimeout:  120 * time.Second,
		KillGrace:         10 * time.Second,
	}
	if whirrDir, err := config.FindDir(""); err == nil {
		cfg.Database = config.DBPath(whirrDir)
		cfg.RunsDir = config.RunsDir(whirrDir)
		if pc, err := config.Load(whirrDir); err == nil {
			cfg.PollInterval = pc.PollIntervalDuration()
			cfg.HeartbeatInterval = pc.HeartbeatIntervalDuration()
			cfg.HeartbeatTimeout = pc.HeartbeatTimeoutDuration()
			cfg.KillGrace = pc.KillGraceDuration()
		}
	}
	return cfg
}

func getenv(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func getenvInt(key string, def int) int {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	var i int
	if _, err := fmt.Sscanf(v, "%d", &i); err != nil {
		return def
	}
	return i
}

func getenvDuration(key string, def time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return def
	}
	return d
}

// parseConfig builds the Config from env + flags.
// Flags override environment variables.
func parseConfig() Config {
	def := defaultConfig()

	cfg := Config{
		WorkerID:          getenv("WHIRR_WORKER_ID", def.WorkerID),
		ServerURL:         getenv("WHIRR_SERVER", def.ServerURL),
		Database:          getenv("WHIRR_DATABASE", def.Database),
		RunsDir:           getenv("WHIRR_RUNS_DIR", def.RunsDir),
		GPUs:              getenvInt("WHIRR_GPUS", def.GPUs),
		PollInterval:      getenvDuration("WHIRR_POLL_INTERVAL", def.PollInterval),
		HeartbeatInterval: getenvDuration("WHIRR_HEARTBEAT_INTERVAL", def.HeartbeatInterval),
		HeartbeatTimeout:  getenvDuration("WHIRR_HEARTBEAT_TIMEOUT", def.HeartbeatTimeout),
		Lease:             getenvDuration("WHIRR_LEASE", def.Lease),
		KillGrace:         getenvDuration("WHIRR_KILL_GRACE", def.KillGrace),
	}

	flag.StringVar(&cfg.WorkerID, "id", cfg.WorkerID, "Worker id, defaults to <hostname>-<pid> (env WHIRR_WORKER_ID)")
	flag.StringVar(&cfg.ServerURL, "server", cfg.ServerURL, "Scheduler URL; empty runs against the project database (env WHIRR_SERVER)")
	flag.StringVar(&cfg.Database, "database", cfg.Database, "SQLite path or postgres:// URL (env WHIRR_DATABASE)")
	flag.StringVar(&cfg.RunsDir, "runs-dir", cfg.RunsDir, "Runs directory (env WHIRR_RUNS_DIR)")
	flag.IntVar(&cfg.GPUs, "gpus", cfg.GPUs, "Spawn one worker per GPU, pinned via CUDA_VISIBLE_DEVICES (env WHIRR_GPUS)")
	flag.DurationVar(&cfg.PollInterval, "poll-interval", cfg.PollInterval, "Queue poll interval (env WHIRR_POLL_INTERVAL)")
	flag.DurationVar(&cfg.HeartbeatInterval, "heartbeat-interval", cfg.HeartbeatInterval, "Heartbeat interval (env WHIRR_HEARTBEAT_INTERVAL)")
	flag.DurationVar(&cfg.HeartbeatTimeout, "heartbeat-timeout", cfg.HeartbeatTimeout, "Orphan detection heartbeat timeout (env WHIRR_HEARTBEAT_TIMEOUT)")
	flag.DurationVar(&cfg.Lease, "lease", cfg.Lease, "Claim lease duration; 0 uses heartbeat staleness (env WHIRR_LEASE)")
	flag.DurationVar(&cfg.KillGrace, "kill-grace", cfg.KillGrace, "SIGTERM to SIGKILL window (env WHIRR_KILL_GRACE)")

	flag.Parse()
	return cfg
}

func logConfig(cfg Config) {
	log.Printf("whirr-worker configuration:")
	log.Printf("  id=%s", cfg.WorkerID)
	log.Printf("  server=%s", cfg.ServerURL)
	log.Printf("  database=%s", cfg.Database)
	log.Printf("  runs_dir=%s", cfg.RunsDir)
	log.Printf("  gpus=%d", cfg.GPUs)
	log.Printf("  poll_interval=%s", cfg.PollInterval)
	log.Printf("  heartbeat_interval=%s", cfg.HeartbeatInterval)
	log.Printf("  lease=%s", cfg.Lease)
	log.Printf("  kill_grace=%s", cfg.KillGrace)
}

func main() {
	log.SetFlags(log.LstdFlags | log.LUTC | log.Lmsgprefix)
	log.SetPrefix("[whirr-worker] ")

	cfg := parseConfig()
	logConfig(cfg)

	var backend worker.Backend
	if cfg.ServerURL != "" {
		backend = client.New(cfg.ServerURL)
	} else {
		if cfg.Database == "" {
			log.Printf("no scheduler URL and no .whirr project found; set -server or run inside a project")
			os.Exit(1)
		}
		st, err := store.Open(context.Background(), store.Options{
			Database:         cfg.Database,
			HeartbeatTimeout: cfg.HeartbeatTimeout,
		})
		if err != nil {
			log.Printf("failed to open store: %v", err)
			os.Exit(1)
		}
		defer st.Close()
		backend = st
	}

	if cfg.RunsDir != "" {
		_ = os.MkdirAll(cfg.RunsDir, 0o755)
	}

	base := worker.Config{
		WorkerID:          cfg.WorkerID,
		RunsDir:           cfg.RunsDir,
		PollInterval:      cfg.PollInterval,
		HeartbeatInterval: cfg.HeartbeatInterval,
		Lease:             cfg.Lease,
		KillGrace:         cfg.KillGrace,
	}

	var configs []worker.Config
	if cfg.GPUs > 1 {
		// One worker per GPU, each pinned and separately named.
		baseID := cfg.WorkerID
		if baseID == "" {
			h, _ := os.Hostname()
			baseID = fmt.Sprintf("%s-%d", h, os.Getpid())
		}
		for i := 0; i < cfg.GPUs; i++ {
			gpu := i
			wcfg := base
			wcfg.WorkerID = fmt.Sprintf("%s-gpu%d", baseID, gpu)
			wcfg.GPUIndex = &gpu
			configs = append(configs, wcfg)
		}
	} else {
		configs = append(configs, base)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	var wg sync.WaitGroup
	for _, wcfg := range configs {
		w := worker.New(backend, wcfg, log.Default())
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := w.Run(ctx); err != nil {
				log.Printf("worker %s: %v", w.ID(), err)
			}
		}()
	}

	<-ctx.Done()
	log.Printf("shutting down, waiting for workers to finish their jobs...")
	wg.Wait()
	log.Printf("all workers stopped")
}
