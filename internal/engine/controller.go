// Package engine runs the trial loop: it owns the session state, moves one
// trial at a time through fixation, stimulus, feedback and the inter-trial
// or block-switch pause, scores responses and rotates the active task.
package engine

import (
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/talgya/taskswitch/internal/entropy"
	"github.com/talgya/taskswitch/internal/task"
)

// DropReason says why a response was ignored.
type DropReason string

const (
	DropNone        DropReason = ""
	DropNotStimulus DropReason = "not_stimulus"
	DropMalformed   DropReason = "malformed"
	DropOffTarget   DropReason = "off_target"
	DropTooFast     DropReason = "too_fast"
)

// Response reports what happened to a submitted response.
// Dropped responses leave the session untouched.
type Response struct {
	Accepted bool       `json:"accepted"`
	Reason   DropReason `json:"reason,omitempty"`
	Trial    *Trial     `json:"trial,omitempty"`
}

// Options configures a Controller.
type Options struct {
	Scheduler Scheduler      // default: NewRealScheduler()
	Source    entropy.Source // default: entropy.Crypto
	Timing    Timing         // zero value: DefaultTiming()
}

// Controller drives a session through the trial loop. All state changes
// happen under one lock; at most one deferred phase change is pending.
type Controller struct {
	mu      sync.Mutex
	sched   Scheduler
	src     entropy.Source
	timing  Timing
	session *Session
	pending Timer
	gen     uint64 // invalidates timers that fire after being superseded
	seq     uint64

	subs    map[int]chan Event
	nextSub int

	// Callbacks, populated during setup before the first Start. They run
	// under the controller lock and must not call back into the Controller.
	OnPhase       func(e Event)
	OnTrial       func(sessionID string, t Trial)
	OnBlockSwitch func(sessionID string, b BlockRecord)
	OnDrop        func(reason DropReason)
}

// NewController creates an idle controller.
func NewController(opts Options) *Controller {
	if opts.Scheduler == nil {
		opts.Scheduler = NewRealScheduler()
	}
	if opts.Source == nil {
		opts.Source = entropy.Crypto{}
	}
	if opts.Timing == (Timing{}) {
		opts.Timing = DefaultTiming()
	}
	return &Controller{
		sched:   opts.Scheduler,
		src:     opts.Source,
		timing:  opts.Timing,
		session: &Session{Phase: PhaseIdle},
		subs:    make(map[int]chan Event),
	}
}

// Now returns the scheduler's clock, which stamps responses and stimulus onsets.
func (c *Controller) Now() time.Time {
	return c.sched.Now()
}

// Timing returns the phase durations in use.
func (c *Controller) Timing() Timing {
	return c.timing
}

// Start begins a new session with cfg, discarding any session in progress.
func (c *Controller) Start(cfg Config) error {
	if err := cfg.Validate(); err != nil {
		return err
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	c.cancel()

	s := &Session{
		ID:        uuid.NewString(),
		Config:    cfg,
		StartedAt: c.sched.Now(),
		Running:   true,
		Phase:     PhaseIdle,
		Block:     1,
	}
	if id, ok := cfg.Mode.Task(); ok {
		s.Task = id
		s.Axis = id.Axis()
	} else {
		s.Axis = task.Axis1
		s.Task = c.pickTask(task.Axis1)
	}
	c.session = s

	slog.Info("session started",
		"session", s.ID,
		"mode", cfg.Mode,
		"task", s.Task,
		"disclose_task", cfg.DiscloseTask,
		"color_level", cfg.Color.String(),
		"shape_level", cfg.Shape.String(),
	)

	c.emit()
	c.enterFixation()
	return nil
}

// Stop cancels any pending phase change and returns to idle.
// The finished session stays available to Snapshot.
func (c *Controller) Stop() {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.cancel()
	if !c.session.Running {
		return
	}
	c.session.Running = false
	c.session.Phase = PhaseIdle
	c.session.Stimulus = nil
	slog.Info("session stopped",
		"session", c.session.ID,
		"trials", c.session.Trial,
		"blocks", len(c.session.Blocks),
	)
	c.emit()
}

// Phase returns the current phase.
func (c *Controller) Phase() Phase {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.session.Phase
}

// Snapshot returns a deep copy of the session.
func (c *Controller) Snapshot() Session {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.session.clone()
}

// SubmitResponse scores a response at normalized position p made at time at.
// Only the stimulus phase accepts responses; anything else, an unreadable
// position, a position outside every target, or a response faster than the
// reaction-time floor is dropped without changing state.
func (c *Controller) SubmitResponse(p task.Point, at time.Time) Response {
	c.mu.Lock()
	defer c.mu.Unlock()

	s := c.session
	if !s.Running || s.Phase != PhaseStimulus {
		return c.drop(DropNotStimulus)
	}
	if !p.Valid() {
		return c.drop(DropMalformed)
	}
	chosen := task.Nearest(p)
	if chosen == task.NoTarget {
		return c.drop(DropOffTarget)
	}
	rt := at.Sub(s.onset)
	if rt < c.timing.MinRT {
		return c.drop(DropTooFast)
	}

	t := Trial{
		Index:         s.Trial + 1,
		Block:         s.Block,
		Task:          s.Task,
		Correct:       chosen == s.correct,
		RT:            rt,
		Stimulus:      *s.Stimulus,
		Chosen:        chosen,
		CorrectTarget: s.correct,
		Ambiguous:     s.ambiguous,
		At:            at,
	}
	s.History = append(s.History, t)
	s.Trial++
	s.TrialInBlock++
	s.pushOutcome(t.Correct)
	s.tally(t)
	s.Phase = PhaseFeedback

	slog.Debug("response accepted",
		"session", s.ID,
		"trial", t.Index,
		"task", t.Task,
		"chosen", t.Chosen,
		"correct", t.Correct,
		"rt_ms", rt.Milliseconds(),
	)

	if c.OnTrial != nil {
		c.OnTrial(s.ID, t)
	}
	c.emit()
	c.schedule(c.timing.Feedback, c.afterFeedback)

	return Response{Accepted: true, Trial: &t}
}

func (c *Controller) drop(reason DropReason) Response {
	if c.OnDrop != nil {
		c.OnDrop(reason)
	}
	return Response{Reason: reason}
}

// enterFixation picks the next stimulus and resolves its correct target.
func (c *Controller) enterFixation() {
	s := c.session
	stim := task.Stimulus{
		Color: c.pickLevel(s.Config.Color),
		Shape: c.pickLevel(s.Config.Shape),
	}
	correct, ambiguous := s.Task.Rule().Resolve(stim, c.src)

	s.Stimulus = &stim
	s.correct = correct
	s.ambiguous = ambiguous
	s.Phase = PhaseFixation
	c.emit()
	c.schedule(c.timing.Fixation, c.enterStimulus)
}

func (c *Controller) enterStimulus() {
	s := c.session
	s.Phase = PhaseStimulus
	s.onset = c.sched.Now()
	c.emit()
}

func (c *Controller) afterFeedback() {
	if c.session.switchDue() {
		c.enterBlockSwitch()
		return
	}
	c.enterITI()
}

func (c *Controller) enterITI() {
	c.session.Phase = PhaseITI
	c.session.Stimulus = nil
	c.emit()
	c.schedule(c.timing.ITI, c.enterFixation)
}

// enterBlockSwitch closes the current block and rotates the task.
func (c *Controller) enterBlockSwitch() {
	s := c.session
	rec := BlockRecord{
		Block:         s.Block,
		Task:          s.Task,
		Axis:          s.Axis,
		Trials:        s.Trial,
		TrialsInBlock: s.TrialInBlock,
		Accuracy:      s.WindowAccuracy(),
	}
	s.Blocks = append(s.Blocks, rec)

	s.Block++
	s.TrialInBlock = 0
	s.Window = nil
	s.Axis = s.Axis.Other()
	s.Task = c.pickTask(s.Axis)
	s.Phase = PhaseBlockSwitch
	s.Stimulus = nil

	slog.Info("block switch",
		"session", s.ID,
		"ended_block", rec.Block,
		"ended_task", rec.Task,
		"trials_in_block", rec.TrialsInBlock,
		"accuracy", fmt.Sprintf("%.2f", rec.Accuracy),
		"next_task", s.Task,
	)

	if c.OnBlockSwitch != nil {
		c.OnBlockSwitch(s.ID, rec)
	}
	c.emit()
	c.schedule(c.timing.BlockSwitch, c.enterFixation)
}

// pickTask chooses uniformly among the candidate tasks on an axis.
func (c *Controller) pickTask(a task.Axis) task.ID {
	candidates := task.TasksOn(a)
	return candidates[entropy.Intn(c.src, len(candidates))]
}

func (c *Controller) pickLevel(lc LevelControl) task.Level {
	if !lc.Random {
		return lc.Level
	}
	return task.Levels[entropy.Intn(c.src, len(task.Levels))]
}

// schedule replaces the pending action with f after d.
func (c *Controller) schedule(d time.Duration, f func()) {
	c.cancel()
	gen := c.gen
	c.pending = c.sched.AfterFunc(d, func() {
		c.mu.Lock()
		defer c.mu.Unlock()
		if gen != c.gen || !c.session.Running {
			return
		}
		c.pending = nil
		f()
	})
}

// cancel stops the pending action and invalidates it if it already fired.
func (c *Controller) cancel() {
	if c.pending != nil {
		c.pending.Stop()
		c.pending = nil
	}
	c.gen++
}
