package participant

import (
	"errors"
	"fmt"
	"log/slog"

	"github.com/talgya/taskswitch/internal/engine"
	"github.com/talgya/taskswitch/internal/task"
)

// ErrStalled is returned when the controller has nothing scheduled and
// is not waiting for a response.
var ErrStalled = errors.New("controller stalled")

// Simulate runs a session of n trials against the controller, advancing
// the manual scheduler instead of waiting in real time. The controller
// must have been built on sched.
func Simulate(ctrl *engine.Controller, sched *engine.ManualScheduler, pt *Participant, cfg engine.Config, n int) (engine.Session, error) {
	if err := ctrl.Start(cfg); err != nil {
		return engine.Session{}, err
	}

	for done := 0; done < n; {
		for ctrl.Phase() != engine.PhaseStimulus {
			if !sched.RunNext() {
				phase := ctrl.Phase()
				ctrl.Stop()
				return ctrl.Snapshot(), fmt.Errorf("%w in %s after %d trials", ErrStalled, phase, done)
			}
		}

		snap := ctrl.Snapshot()
		var disclosed task.ID
		if cfg.DiscloseTask {
			disclosed = snap.Task
		}
		choice := pt.Choose(*snap.Stimulus, disclosed)
		sched.Advance(choice.RT)

		resp := ctrl.SubmitResponse(choice.Target.Center(), ctrl.Now())
		if !resp.Accepted {
			slog.Warn("simulated response dropped", "reason", resp.Reason, "rt", choice.RT)
			sched.Advance(ctrl.Timing().MinRT)
			continue
		}
		pt.Learn(resp.Trial.Stimulus, resp.Trial.Chosen, resp.Trial.Correct)
		done++
	}

	ctrl.Stop()
	return ctrl.Snapshot(), nil
}
