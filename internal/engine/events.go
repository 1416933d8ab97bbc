package engine

import (
	"time"

	"github.com/talgya/taskswitch/internal/task"
)

// subscriberBuffer is the per-subscriber channel capacity. Events are
// dropped for a subscriber whose buffer is full.
const subscriberBuffer = 64

// Event is published after every phase transition. It carries only what
// the presentation layer may show in that phase.
type Event struct {
	Seq          uint64         `json:"seq"`
	SessionID    string         `json:"session_id"`
	Phase        Phase          `json:"phase"`
	Running      bool           `json:"running"`
	Block        int            `json:"block"`
	Trial        int            `json:"trial"`
	TrialInBlock int            `json:"trial_in_block"`
	Task         task.ID        `json:"task,omitempty"` // set only when the task is disclosed
	Stimulus     *task.Stimulus `json:"stimulus,omitempty"`
	Correct      *bool          `json:"correct,omitempty"`
	Chosen       task.Target    `json:"chosen,omitempty"`
	Target       task.Target    `json:"correct_target,omitempty"`
	At           time.Time      `json:"at"`
}

// Subscribe registers a channel that receives every subsequent Event.
func (c *Controller) Subscribe() (int, <-chan Event) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.nextSub++
	ch := make(chan Event, subscriberBuffer)
	c.subs[c.nextSub] = ch
	return c.nextSub, ch
}

// Unsubscribe removes and closes a subscription.
func (c *Controller) Unsubscribe(id int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if ch, ok := c.subs[id]; ok {
		delete(c.subs, id)
		close(ch)
	}
}

// Current describes the present phase the same way the last published
// event did, for clients that connect mid-trial.
func (c *Controller) Current() Event {
	c.mu.Lock()
	defer c.mu.Unlock()
	e := c.eventFor(c.session)
	e.Seq = c.seq
	return e
}

// eventFor builds the phase-gated view of s. Called with c.mu held.
func (c *Controller) eventFor(s *Session) Event {
	e := Event{
		SessionID:    s.ID,
		Phase:        s.Phase,
		Running:      s.Running,
		Block:        s.Block,
		Trial:        s.Trial,
		TrialInBlock: s.TrialInBlock,
		At:           c.sched.Now(),
	}
	if s.Config.DiscloseTask {
		e.Task = s.Task
	}

	switch s.Phase {
	case PhaseStimulus:
		if s.Stimulus != nil {
			st := *s.Stimulus
			e.Stimulus = &st
		}
	case PhaseFeedback:
		if n := len(s.History); n > 0 {
			last := s.History[n-1]
			correct := last.Correct
			e.Correct = &correct
			e.Chosen = last.Chosen
			e.Target = last.CorrectTarget
		}
	}
	return e
}

// emit publishes the current phase. Called with c.mu held.
func (c *Controller) emit() {
	c.seq++
	e := c.eventFor(c.session)
	e.Seq = c.seq

	if c.OnPhase != nil {
		c.OnPhase(e)
	}
	for _, ch := range c.subs {
		select {
		case ch <- e:
		default:
		}
	}
}
