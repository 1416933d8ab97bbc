package main

import (
	"database/sql"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"github.com/talgya/taskswitch/internal/analysis"
	"github.com/talgya/taskswitch/internal/persistence"
)

var reportLimit int

var reportCmd = &cobra.Command{
	Use:   "report [session-id]",
	Short: "List stored sessions, or analyse one",
	Args:  cobra.MaximumNArgs(1),
	RunE:  runReport,
}

func init() {
	reportCmd.Flags().IntVar(&reportLimit, "limit", 20, "number of sessions to list")
}

func runReport(cmd *cobra.Command, args []string) error {
	db, err := openStore()
	if err != nil {
		return err
	}
	defer db.Close()

	if len(args) == 0 {
		rows, err := db.ListSessions(reportLimit)
		if err != nil {
			return fmt.Errorf("list sessions: %w", err)
		}
		printSessions(os.Stdout, rows, time.Now())
		return printLastRun(os.Stdout, db)
	}

	sess, err := db.LoadSession(args[0])
	if err != nil {
		return fmt.Errorf("load session %s: %w", args[0], err)
	}
	printSummary(os.Stdout, analysis.Summarize(*sess))
	return nil
}

func printSessions(w io.Writer, rows []persistence.SessionRow, now time.Time) {
	if len(rows) == 0 {
		fmt.Fprintln(w, "No stored sessions.")
		return
	}
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "SESSION\tSTARTED\tMODE\tTRIALS\tBLOCKS\tSTATE")
	for _, r := range rows {
		state := "stopped"
		if r.Running {
			state = "running"
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%d\t%s\n",
			r.ID,
			humanize.RelTime(r.StartedAt, now, "ago", "from now"),
			r.Mode,
			humanize.Comma(int64(r.Trials)),
			r.Block-1,
			state,
		)
	}
	tw.Flush()
}

// printLastRun names the most recently saved session and the seed it ran
// with. It prints nothing for a store that has never saved a session.
func printLastRun(w io.Writer, db *persistence.DB) error {
	id, err := db.GetMeta(persistence.MetaLastSession)
	if errors.Is(err, sql.ErrNoRows) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("read last session: %w", err)
	}
	seed, err := db.GetMeta(persistence.MetaSeed)
	switch {
	case errors.Is(err, sql.ErrNoRows):
		seed = "unknown"
	case err != nil:
		return fmt.Errorf("read seed: %w", err)
	}
	fmt.Fprintf(w, "\nLast saved: %s (seed %s)\n", id, seed)
	return nil
}

func printSummary(w io.Writer, s analysis.Summary) {
	fmt.Fprintf(w, "Session %s\n", s.SessionID)
	fmt.Fprintf(w, "  trials:    %s\n", humanize.Comma(int64(s.Trials)))
	if s.Trials == 0 {
		return
	}
	fmt.Fprintf(w, "  accuracy:  %s\n", formatProportion(s.Accuracy))
	fmt.Fprintf(w, "  mean RT:   %.0f ms\n", s.MeanRTMs)
	fmt.Fprintf(w, "  after correct: %s   after error: %s\n",
		formatProportion(s.Sequential.AfterCorrect), formatProportion(s.Sequential.AfterError))
	if s.SwitchCost.Early.N > 0 {
		fmt.Fprintf(w, "  post-switch: %s   later: %s   cost: %+.1f pts\n",
			formatProportion(s.SwitchCost.Early), formatProportion(s.SwitchCost.Late), 100*s.SwitchCost.Cost)
	}

	if e := s.Errors.Overall; e.Errors > 0 {
		fmt.Fprintf(w, "  errors:    %d   within-axis: %s   cross-axis: %s\n",
			e.Errors, formatProportion(e.WithinAxis), formatProportion(e.CrossAxis))
		for _, bt := range s.Errors.ByTask {
			if bt.Errors == 0 {
				continue
			}
			fmt.Fprintf(w, "    %s: %d errors   within-axis: %s   cross-axis: %s\n",
				bt.Task, bt.Errors, formatProportion(bt.WithinAxis), formatProportion(bt.CrossAxis))
		}
	}

	fmt.Fprintln(w)
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "BLOCK\tTASK\tTRIALS\tACCURACY\tMEAN RT\tENDED")
	for _, b := range s.Blocks {
		ended := "no"
		if b.Completed {
			ended = "switch"
		}
		fmt.Fprintf(tw, "%d\t%s\t%d\t%s\t%.0f ms\t%s\n",
			b.Block, b.Task, b.Trials, formatProportion(b.Accuracy), b.MeanRTMs, ended)
	}
	tw.Flush()

	for _, c := range s.Curves {
		fmt.Fprintf(w, "\n%s (%s): P(B) by level\n", c.Task, c.Feature)
		tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
		fmt.Fprintln(tw, "LEVEL\tP(B)\t95% CI\tN\tOFF-AXIS\t")
		for _, p := range c.Points {
			fmt.Fprintf(tw, "%d\t%.2f\t[%.2f, %.2f]\t%d\t%d\t%s\n",
				p.Level, p.P, p.Lower, p.Upper, p.N, p.OffAxis, bar(p.P))
		}
		tw.Flush()
	}
}

func formatProportion(p analysis.Proportion) string {
	if p.N == 0 {
		return "n/a"
	}
	return fmt.Sprintf("%.1f%% [%.1f, %.1f] (%d/%d)", 100*p.P, 100*p.Lower, 100*p.Upper, p.K, p.N)
}

func bar(p float64) string {
	return strings.Repeat("#", int(p*20+0.5))
}
