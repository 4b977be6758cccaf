package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/g960059/paneflow/internal/config"
	"github.com/g960059/paneflow/internal/daemon"
	"github.com/g960059/paneflow/internal/db"
)

func main() {
	cfg := config.DefaultConfig()
	configPath := flag.String("config", "", "YAML config file path")
	socketPath := flag.String("socket", "", "UDS path for paneflowd")
	dbPath := flag.String("db", "", "SQLite telemetry path")
	frameInterval := flag.Duration("frame-interval", 0, "frame tick interval override")
	noTelemetry := flag.Bool("no-telemetry", false, "disable the SQLite telemetry store")
	flag.Parse()

	if *configPath != "" {
		loaded, err := config.LoadFile(cfg, *configPath)
		if err != nil {
			fatal(err)
		}
		cfg = loaded
	}
	if *socketPath != "" {
		cfg.SocketPath = *socketPath
	}
	if *dbPath != "" {
		cfg.DBPath = *dbPath
	}
	if *frameInterval > 0 {
		cfg.FrameInterval = config.Duration(*frameInterval)
	}
	if *noTelemetry {
		cfg.Telemetry.Enabled = false
	}
	cfg = cfg.Normalize()

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	var store *db.Store
	if cfg.Telemetry.Enabled {
		opened, err := db.Open(ctx, cfg.DBPath)
		if err != nil {
			fatal(err)
		}
		defer opened.Close() //nolint:errcheck
		if err := db.ApplyMigrations(ctx, opened.DB()); err != nil {
			fatal(err)
		}
		store = opened
		startRetentionLoop(ctx, store, cfg)
	}

	srv := daemon.NewServerWithDeps(cfg, store, nil)
	if err := srv.Start(ctx); err != nil && err != context.Canceled {
		fatal(err)
	}
}

// startRetentionLoop trims telemetry history back to the configured
// row caps, once at boot and then hourly.
func startRetentionLoop(ctx context.Context, store *db.Store, cfg config.Config) {
	run := func() {
		if err := store.TrimFrameSamples(ctx, cfg.Telemetry.MaxFrameSamples); err != nil {
			logErr("trim frame samples", err)
		}
		if err := store.TrimLifecycleEvents(ctx, cfg.Telemetry.MaxLifecycleEvents); err != nil {
			logErr("trim lifecycle events", err)
		}
	}

	run()
	go func() {
		ticker := time.NewTicker(1 * time.Hour)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				run()
			}
		}
	}()
}

func logErr(scope string, err error) {
	_, _ = fmt.Fprintf(os.Stderr, "paneflowd: %s: %v\n", scope, err)
}

func fatal(err error) {
	_, _ = fmt.Fprintf(os.Stderr, "paneflowd: %v\n", err)
	os.Exit(1)
}
