package main

import (
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/talgya/taskswitch/internal/analysis"
	"github.com/talgya/taskswitch/internal/engine"
	"github.com/talgya/taskswitch/internal/entropy"
	"github.com/talgya/taskswitch/internal/participant"
)

var (
	simTrials   int
	simMode     string
	simColor    string
	simShape    string
	simDisclose bool
	simSave     bool
)

var simulateCmd = &cobra.Command{
	Use:   "simulate",
	Short: "Run a session offline against a simulated participant",
	Long: `simulate runs the trial loop on a virtual clock, so a session of
hundreds of trials finishes in milliseconds. The participant model is
configured under "participant" in the config file.`,
	RunE: runSimulate,
}

func init() {
	f := simulateCmd.Flags()
	f.IntVarP(&simTrials, "trials", "n", 300, "number of accepted trials to run")
	f.StringVar(&simMode, "mode", "", "task mode: auto, S1, C1 or C2 (default from config)")
	f.StringVar(&simColor, "color", "", "color level: random or a morph level (default from config)")
	f.StringVar(&simShape, "shape", "", "shape level: random or a morph level (default from config)")
	f.BoolVar(&simDisclose, "disclose", false, "tell the participant which task is active")
	f.BoolVar(&simSave, "save", false, "save the session to the store")
}

func runSimulate(cmd *cobra.Command, args []string) error {
	sess, err := sessionConfig()
	if err != nil {
		return err
	}

	sched := engine.NewManualScheduler(time.Now())
	ctrl := engine.NewController(engine.Options{
		Scheduler: sched,
		Source:    entropy.New(cfg.Seed),
		Timing:    cfg.Timing.Engine(),
	})

	driftSeed := int64(cfg.Seed)
	if driftSeed == 0 {
		driftSeed = time.Now().UnixNano()
	}
	pt := participant.New(cfg.Participant, participantSource(), driftSeed)

	slog.Info("simulation starting", "trials", simTrials, "mode", sess.Mode, "disclose", sess.DiscloseTask)
	start := time.Now()
	result, err := participant.Simulate(ctrl, sched, pt, sess, simTrials)
	if err != nil {
		return err
	}
	slog.Info("simulation complete", "elapsed", time.Since(start), "experiment_time", virtualDuration(sched.Now().Sub(result.StartedAt)))

	if simSave {
		db, err := openStore()
		if err != nil {
			return err
		}
		defer db.Close()
		if err := db.SaveSession(result); err != nil {
			return err
		}
		recordSeed(db, cfg.Seed)
	}

	printSummary(os.Stdout, analysis.Summarize(result))
	return nil
}

// sessionConfig applies the command-line overrides to the configured session.
func sessionConfig() (engine.Config, error) {
	sess := cfg.Session
	if simMode != "" {
		sess.Mode = engine.Mode(simMode)
	}
	for _, o := range []struct {
		flag string
		dst  *engine.LevelControl
	}{{simColor, &sess.Color}, {simShape, &sess.Shape}} {
		if o.flag == "" {
			continue
		}
		lc, err := engine.ParseLevelControl(o.flag)
		if err != nil {
			return engine.Config{}, err
		}
		*o.dst = lc
	}
	if simDisclose {
		sess.DiscloseTask = true
	}
	if err := sess.Validate(); err != nil {
		return engine.Config{}, err
	}
	return sess, nil
}

// participantSource keeps the participant's draws independent of the controller's.
func participantSource() entropy.Source {
	if cfg.Seed == 0 {
		return entropy.Crypto{}
	}
	return entropy.NewSeeded(cfg.Seed ^ 0x9e3779b97f4a7c15)
}

// virtualDuration formats how much experiment time a run covered.
func virtualDuration(d time.Duration) string {
	return fmt.Sprintf("%.1f min", d.Minutes())
}
