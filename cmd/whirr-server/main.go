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
	"errors"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"whirr/internal/config"
	"whirr/internal/server"
	"whirr/internal/store"
)

// Config holds runtime configuration for the scheduler.
// Values can be provided via environment variables and/or flags.
// Flags take precedence over environment variables.
type Config struct {
	HTTPAddr         string        // WHIRR_HTTP_ADDR
	Database         string        // WHIRR_DATABASE: path or postgres:// URL
	RunsDir          string        // WHIRR_RUNS_DIR
	HeartbeatTimeout time.Duration // WHIRR_HEARTBEAT_TIMEOUT
	SweepInterval    time.Duration // WHIRR_SWEEP_INTERVAL
	InitProject      bool
}

func defaultConfig() Config {
	cfg := Config{
		HTTPAddr:         ":8283",
		HeartbeatTimeout: 120 * time.Second,
		SweepInterval:    30 * time.Second,
	}
	// A surrounding .whirr project supplies the database and runs
	// directory defaults.
	if whirrDir, err := config.FindDir(""); err == nil {
		cfg.Database = config.DBPath(whirrDir)
		cfg.RunsDir = config.RunsDir(whirrDir)
		if pc, err := config.Load(whirrDir); err == nil {
			cfg.HeartbeatTimeout = pc.HeartbeatTimeoutDuration()
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
		HTTPAddr:         getenv("WHIRR_HTTP_ADDR", def.HTTPAddr),
		Database:         getenv("WHIRR_DATABASE", def.Database),
		RunsDir:          getenv("WHIRR_RUNS_DIR", def.RunsDir),
		HeartbeatTimeout: getenvDuration("WHIRR_HEARTBEAT_TIMEOUT", def.HeartbeatTimeout),
		SweepInterval:    getenvDuration("WHIRR_SWEEP_INTERVAL", def.SweepInterval),
	}

	flag.StringVar(&cfg.HTTPAddr, "addr", cfg.HTTPAddr, "HTTP listen address (env WHIRR_HTTP_ADDR)")
	flag.StringVar(&cfg.Database, "database", cfg.Database, "SQLite path or postgres:// URL (env WHIRR_DATABASE)")
	flag.StringVar(&cfg.RunsDir, "runs-dir", cfg.RunsDir, "Runs directory (env WHIRR_RUNS_DIR)")
	flag.DurationVar(&cfg.HeartbeatTimeout, "heartbeat-timeout", cfg.HeartbeatTimeout, "Orphan detection heartbeat timeout (env WHIRR_HEARTBEAT_TIMEOUT)")
	flag.DurationVar(&cfg.SweepInterval, "sweep-interval", cfg.SweepInterval, "Orphan sweep interval (env WHIRR_SWEEP_INTERVAL)")
	flag.BoolVar(&cfg.InitProject, "init", false, "Create the .whirr project skeleton in the current directory and exit")

	flag.Parse()
	return cfg
}

func logConfig(cfg Config) {
	log.Printf("whirr-server configuration:")
	log.Printf("  addr=%s", cfg.HTTPAddr)
	log.Printf("  database=%s", cfg.Database)
	log.Printf("  runs_dir=%s", cfg.RunsDir)
	log.Printf("  heartbeat_timeout=%s", cfg.HeartbeatTimeout)
	log.Printf("  sweep_interval=%s", cfg.SweepInterval)
}

func main() {
	log.SetFlags(log.LstdFlags | log.LUTC | log.Lmsgprefix)
	log.SetPrefix("[whirr-server] ")

	cfg := parseConfig()

	if cfg.InitProject {
		wd, err := os.Getwd()
		if err != nil {
			log.Fatalf("getwd: %v", err)
		}
		whirrDir, err := config.InitProject(wd)
		if err != nil {
			log.Fatalf("init project: %v", err)
		}
		log.Printf("initialized project at %s", whirrDir)
		return
	}

	if cfg.Database == "" {
		log.Printf("no database configured and no .whirr project found; run with -init or set WHIRR_DATABASE")
		os.Exit(1)
	}
	logConfig(cfg)

	st, err := store.Open(context.Background(), store.Options{
		Database:         cfg.Database,
		HeartbeatTimeout: cfg.HeartbeatTimeout,
	})
	if err != nil {
		log.Printf("failed to open store: %v", err)
		os.Exit(1)
	}
	defer st.Close()

	if cfg.RunsDir != "" {
		_ = os.MkdirAll(cfg.RunsDir, 0o755)
	}

	api := server.New(st, cfg.RunsDir, log.Default())
	monitor := server.NewMonitor(st, cfg.SweepInterval, log.Default())
	if err := monitor.Start(); err != nil {
		log.Printf("failed to start monitor: %v", err)
		os.Exit(1)
	}
	defer func() {
		if err := monitor.Stop(); err != nil {
			log.Printf("monitor shutdown: %v", err)
		}
	}()

	srv := &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           api.Router(),
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       30 * time.Second,
		WriteTimeout:      60 * time.Second,
		IdleTimeout:       120 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		log.Printf("HTTP server listening on %s", cfg.HTTPAddr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- fmt.Errorf("http server error: %w", err)
		}
	}()

	sigCh := make(chan os.Signal, 2)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-sigCh:
		log.Printf("received signal: %s, initiating graceful shutdown...", sig)
	case err := <-errCh:
		log.Printf("server error: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Second)
	defer cancel()
	if err := srv.Shutdown(ctx); err != nil {
		log.Printf("graceful shutdown failed: %v", err)
	} else {
		log.Printf("server stopped gracefully")
	}
}
