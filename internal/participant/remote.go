package participant

import (
	"context"
	"log/slog"
	"time"

	"github.com/talgya/taskswitch/internal/engine"
)

// Remote drives a running server: observe the status, decide with the
// Participant, act by posting a response.
type Remote struct {
	Observer    *Observer
	Actor       *Actor
	Participant *Participant
	Poll        time.Duration // status polling interval
}

// Run answers trials until n responses have been accepted, the session
// stops, or ctx is done. It returns the number of accepted responses.
// Reaction times are slept in wall-clock time whatever the server speed,
// since the server measures them on its own clock.
func (r *Remote) Run(ctx context.Context, n int) (int, error) {
	poll := r.Poll
	if poll <= 0 {
		poll = 50 * time.Millisecond
	}

	accepted := 0
	answered := -1
	session := ""
	for accepted < n {
		st, err := r.Observer.Observe()
		if err != nil {
			return accepted, err
		}
		if session != st.SessionID {
			session = st.SessionID
			answered = -1
			r.Participant.Reset()
		}
		if !st.Running {
			slog.Info("session not running, participant stopping", "session", st.SessionID, "accepted", accepted)
			return accepted, nil
		}

		if st.Phase == engine.PhaseStimulus && st.Stimulus != nil && st.Trial != answered {
			choice := r.Participant.Choose(*st.Stimulus, st.Task)
			if err := sleep(ctx, choice.RT); err != nil {
				return accepted, err
			}
			resp, err := r.Actor.Respond(choice.Target.Center())
			if err != nil {
				return accepted, err
			}
			if resp.Accepted && resp.Trial != nil {
				answered = st.Trial
				r.Participant.Learn(resp.Trial.Stimulus, resp.Trial.Chosen, resp.Trial.Correct)
				accepted++
				slog.Debug("response accepted",
					"trial", resp.Trial.Index,
					"task", choice.Task,
					"target", choice.Target,
					"correct", resp.Trial.Correct,
				)
			} else {
				// The trial is still open; the next attempt lands later after onset.
				slog.Debug("response dropped", "reason", resp.Reason)
			}
			continue
		}

		if err := sleep(ctx, poll); err != nil {
			return accepted, err
		}
	}
	return accepted, nil
}

func sleep(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
