// Command taskswitch runs the compositional task-switching experiment:
// the trial server, offline simulations and session reports.
package main

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"

	"github.com/spf13/cobra"

	"github.com/talgya/taskswitch/internal/config"
	"github.com/talgya/taskswitch/internal/persistence"
)

var (
	configPath string
	cfg        *config.Config

	rootCmd = &cobra.Command{
		Use:   "taskswitch",
		Short: "Trial server for a compositional task-switching experiment",
		Long: `taskswitch runs the fixation / stimulus / feedback trial loop with
automatic block switching, serves it to a presentation layer over HTTP,
and analyses stored sessions.`,
		SilenceUsage: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			loaded, err := config.Load(configPath)
			if err != nil {
				return err
			}
			if err := loaded.Validate(); err != nil {
				return fmt.Errorf("invalid config: %w", err)
			}
			cfg = loaded

			level, _ := config.ParseLevel(cfg.LogLevel)
			logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{
				Level: level,
			}))
			slog.SetDefault(logger)
			return nil
		},
	}
)

func init() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "taskswitch.yaml", "path to the YAML config file")
	rootCmd.AddCommand(serveCmd, simulateCmd, reportCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

// openStore opens the session database, creating its directory.
func openStore() (*persistence.DB, error) {
	if err := os.MkdirAll(filepath.Dir(cfg.Store.Path), 0755); err != nil {
		return nil, fmt.Errorf("create data directory: %w", err)
	}
	db, err := persistence.Open(cfg.Store.Path)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	slog.Info("database opened", "path", cfg.Store.Path)
	return db, nil
}

// recordSeed notes the seed this run draws from, so a stored session can be
// reproduced. A zero seed means crypto randomness and cannot be replayed.
func recordSeed(db *persistence.DB, seed uint64) {
	v := "crypto"
	if seed != 0 {
		v = strconv.FormatUint(seed, 10)
	}
	if err := db.SaveMeta(persistence.MetaSeed, v); err != nil {
		slog.Error("seed save failed", "error", err)
	}
}
