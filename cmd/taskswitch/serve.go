package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/talgya/taskswitch/internal/api"
	"github.com/talgya/taskswitch/internal/engine"
	"github.com/talgya/taskswitch/internal/entropy"
	"github.com/talgya/taskswitch/internal/metrics"
	"github.com/talgya/taskswitch/internal/persistence"
)

var autostart bool

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Serve the trial loop over HTTP until interrupted",
	RunE:  runServe,
}

func init() {
	serveCmd.Flags().BoolVar(&autostart, "autostart", false, "start a session with the configured settings immediately")
}

func runServe(cmd *cobra.Command, args []string) error {
	// ── Database ──────────────────────────────────────────────────────
	var db *persistence.DB
	if cfg.Store.Enabled {
		var err error
		db, err = openStore()
		if err != nil {
			return err
		}
		defer db.Close()
		recordSeed(db, cfg.Seed)
	} else {
		slog.Warn("session store disabled, sessions will not be saved")
	}

	// ── Controller ────────────────────────────────────────────────────
	sched := engine.NewRealScheduler()
	sched.SetSpeed(cfg.Speed)
	ctrl := engine.NewController(engine.Options{
		Scheduler: sched,
		Source:    entropy.New(cfg.Seed),
		Timing:    cfg.Timing.Engine(),
	})
	if db != nil {
		wireStore(ctrl, db)
	}
	m := metrics.New()
	m.Wire(ctrl)

	// ── HTTP API ──────────────────────────────────────────────────────
	if cfg.Server.ControlKey == "" {
		slog.Warn("TASKSWITCH_CONTROL_KEY not set, control endpoints are open")
	}
	apiServer := &api.Server{
		Ctrl:         ctrl,
		Sched:        sched,
		DB:           db,
		Metrics:      m,
		Defaults:     cfg.Session,
		Port:         cfg.Server.Port,
		ControlKey:   cfg.Server.ControlKey,
		CORSOrigins:  cfg.Server.CORSOrigins,
		ResponseRate: cfg.Server.ResponseRate,

		TrustedProxies: cfg.Server.TrustedProxies,
	}
	srv := apiServer.Start()

	if autostart {
		if err := ctrl.Start(cfg.Session); err != nil {
			return err
		}
		if db != nil {
			if err := db.SaveSession(ctrl.Snapshot()); err != nil {
				slog.Error("initial save failed", "error", err)
			}
		}
	}

	fmt.Printf("API: http://localhost:%d/api/v1/status\n", cfg.Server.Port)
	fmt.Println("Serving trials... (Ctrl+C to stop)")

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigCh
	slog.Info("received signal, shutting down", "signal", sig)

	ctrl.Stop()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(ctx); err != nil {
		slog.Error("HTTP shutdown failed", "error", err)
	}

	// Final save on shutdown.
	if db != nil {
		slog.Info("final save...")
		if err := db.SaveSession(ctrl.Snapshot()); err != nil {
			slog.Error("final save failed", "error", err)
		}
	}

	fmt.Println("Server stopped.")
	return nil
}

// wireStore saves every trial and block boundary as it happens.
func wireStore(ctrl *engine.Controller, db *persistence.DB) {
	ctrl.OnTrial = func(id string, t engine.Trial) {
		if err := db.SaveTrial(id, t); err != nil {
			slog.Error("trial save failed", "session", id, "error", err)
		}
	}
	ctrl.OnBlockSwitch = func(id string, b engine.BlockRecord) {
		if err := db.SaveBlock(id, b); err != nil {
			slog.Error("block save failed", "session", id, "error", err)
		}
	}
}
