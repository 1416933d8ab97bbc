package engine

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"time"

	"github.com/talgya/taskswitch/internal/task"
)

// Phase is one state of the trial loop.
type Phase string

const (
	PhaseIdle        Phase = "idle"
	PhaseFixation    Phase = "fixation"
	PhaseStimulus    Phase = "stimulus"
	PhaseFeedback    Phase = "feedback"
	PhaseBlockSwitch Phase = "block_switch"
	PhaseITI         Phase = "inter_trial_interval"
)

// Block-switch criterion: mean correctness over the last Window outcomes.
const (
	Window          = 15
	SwitchThreshold = 0.70
)

// Timing holds the fixed phase durations.
type Timing struct {
	Fixation    time.Duration
	Feedback    time.Duration
	ITI         time.Duration
	BlockSwitch time.Duration
	MinRT       time.Duration // responses faster than this are ignored
}

// DefaultTiming returns the task's standard phase durations.
func DefaultTiming() Timing {
	return Timing{
		Fixation:    600 * time.Millisecond,
		Feedback:    800 * time.Millisecond,
		ITI:         1200 * time.Millisecond,
		BlockSwitch: 2000 * time.Millisecond,
		MinRT:       150 * time.Millisecond,
	}
}

// ModeAuto selects tasks by the block-switch and axis-rotation rules.
const ModeAuto Mode = "auto"

// Mode is the task-selection mode: ModeAuto or a fixed task identifier.
type Mode string

// Task returns the fixed task for a non-auto mode.
func (m Mode) Task() (task.ID, bool) {
	if m == ModeAuto {
		return "", false
	}
	id, err := task.Parse(string(m))
	if err != nil {
		return "", false
	}
	return id, true
}

// LevelControl is a morph-level setting: a fixed level, or random.
type LevelControl struct {
	Random bool
	Level  task.Level
}

// RandomLevel samples uniformly across the eight levels on each trial.
var RandomLevel = LevelControl{Random: true}

// FixedLevel always presents l.
func FixedLevel(l task.Level) LevelControl {
	return LevelControl{Level: l}
}

// ParseLevelControl accepts "random" or one of the morph levels.
func ParseLevelControl(s string) (LevelControl, error) {
	if s == "" || s == "random" {
		return RandomLevel, nil
	}
	n, err := strconv.Atoi(s)
	if err != nil {
		return LevelControl{}, fmt.Errorf("%w: %q", task.ErrInvalidLevel, s)
	}
	l, err := task.ParseLevel(n)
	if err != nil {
		return LevelControl{}, err
	}
	return FixedLevel(l), nil
}

func (lc LevelControl) String() string {
	if lc.Random {
		return "random"
	}
	return strconv.Itoa(int(lc.Level))
}

// MarshalText implements encoding.TextMarshaler.
func (lc LevelControl) MarshalText() ([]byte, error) {
	return []byte(lc.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (lc *LevelControl) UnmarshalText(b []byte) error {
	v, err := ParseLevelControl(string(b))
	if err != nil {
		return err
	}
	*lc = v
	return nil
}

// UnmarshalJSON accepts a morph level as a number or a string, or "random".
func (lc *LevelControl) UnmarshalJSON(b []byte) error {
	b = bytes.TrimSpace(b)
	if len(b) > 0 && b[0] == '"' {
		var s string
		if err := json.Unmarshal(b, &s); err != nil {
			return err
		}
		return lc.UnmarshalText([]byte(s))
	}
	var n int
	if err := json.Unmarshal(b, &n); err != nil {
		return fmt.Errorf("%w: %s", task.ErrInvalidLevel, b)
	}
	l, err := task.ParseLevel(n)
	if err != nil {
		return err
	}
	*lc = FixedLevel(l)
	return nil
}

// Config is captured once when a session starts.
type Config struct {
	Mode         Mode         `json:"mode" yaml:"mode"`
	DiscloseTask bool         `json:"disclose_task" yaml:"disclose_task"`
	Color        LevelControl `json:"color_level" yaml:"color_level"`
	Shape        LevelControl `json:"shape_level" yaml:"shape_level"`
}

// DefaultConfig runs the automatic task schedule with random stimuli.
func DefaultConfig() Config {
	return Config{
		Mode:  ModeAuto,
		Color: RandomLevel,
		Shape: RandomLevel,
	}
}

// ErrInvalidConfig wraps every configuration rejected by Validate.
var ErrInvalidConfig = errors.New("invalid session config")

// Validate checks the mode and level settings against the fixed task space.
func (c Config) Validate() error {
	if c.Mode != ModeAuto {
		if _, err := task.Parse(string(c.Mode)); err != nil {
			return fmt.Errorf("%w: mode: %w", ErrInvalidConfig, err)
		}
	}
	for name, lc := range map[string]LevelControl{"color_level": c.Color, "shape_level": c.Shape} {
		if lc.Random {
			continue
		}
		if _, err := task.ParseLevel(int(lc.Level)); err != nil {
			return fmt.Errorf("%w: %s: %w", ErrInvalidConfig, name, err)
		}
	}
	return nil
}

// Trial is one completed trial. Records are never modified after they are appended.
type Trial struct {
	Index         int           `json:"index"`
	Block         int           `json:"block"`
	Task          task.ID       `json:"task"`
	Correct       bool          `json:"correct"`
	RT            time.Duration `json:"rt_ns"`
	Stimulus      task.Stimulus `json:"stimulus"`
	Chosen        task.Target   `json:"chosen"`
	CorrectTarget task.Target   `json:"correct_target"`
	Ambiguous     bool          `json:"ambiguous"`
	At            time.Time     `json:"at"`
}

// BlockRecord marks the end of a block.
type BlockRecord struct {
	Block         int       `json:"block"`
	Task          task.ID   `json:"task"`
	Axis          task.Axis `json:"axis"`
	Trials        int       `json:"trials"` // cumulative trial count at the boundary
	TrialsInBlock int       `json:"trials_in_block"`
	Accuracy      float64   `json:"accuracy"` // over the final window
}

// Tally counts responses at one morph level under one task.
type Tally struct {
	Task    task.ID    `json:"task"`
	Feature string     `json:"feature"`
	Level   task.Level `json:"level"`
	Total   int        `json:"total"`
	OnAxis  int        `json:"on_axis"` // responses on one of the task's two targets
	B       int        `json:"b"`       // responses reporting category B
}

// FractionB is the proportion of on-axis responses that reported category B.
func (t Tally) FractionB() float64 {
	if t.OnAxis == 0 {
		return 0
	}
	return float64(t.B) / float64(t.OnAxis)
}

// Session is the state of one experiment run.
type Session struct {
	ID           string        `json:"id"`
	Config       Config        `json:"config"`
	StartedAt    time.Time     `json:"started_at"`
	Running      bool          `json:"running"`
	Phase        Phase         `json:"phase"`
	Task         task.ID       `json:"task"`
	Axis         task.Axis     `json:"axis"`
	Block        int           `json:"block"`
	Trial        int           `json:"trial"` // completed trials
	TrialInBlock int           `json:"trial_in_block"`
	History      []Trial       `json:"history"`
	Window       []bool        `json:"window"`
	Blocks       []BlockRecord `json:"blocks"`
	Tallies      []Tally       `json:"tallies"`

	// Stimulus on the current trial; set from fixation until the response.
	Stimulus *task.Stimulus `json:"stimulus,omitempty"`

	correct   task.Target
	ambiguous bool
	onset     time.Time
}

// WindowAccuracy is the mean of the rolling correctness buffer.
func (s *Session) WindowAccuracy() float64 {
	if len(s.Window) == 0 {
		return 0
	}
	n := 0
	for _, ok := range s.Window {
		if ok {
			n++
		}
	}
	return float64(n) / float64(len(s.Window))
}

// pushOutcome appends to the rolling buffer, keeping the last Window entries.
func (s *Session) pushOutcome(correct bool) {
	s.Window = append(s.Window, correct)
	if len(s.Window) > Window {
		s.Window = append(s.Window[:0:0], s.Window[len(s.Window)-Window:]...)
	}
}

// switchDue applies the block-switch rule.
func (s *Session) switchDue() bool {
	if s.Config.Mode != ModeAuto {
		return false
	}
	if len(s.Window) < Window {
		return false
	}
	return s.WindowAccuracy() >= SwitchThreshold
}

func (s *Session) tally(t Trial) {
	rule := t.Task.Rule()
	level := t.Stimulus.LevelFor(rule.Feature)

	idx := -1
	for i := range s.Tallies {
		if s.Tallies[i].Task == t.Task && s.Tallies[i].Level == level {
			idx = i
			break
		}
	}
	if idx < 0 {
		s.Tallies = append(s.Tallies, Tally{Task: t.Task, Feature: string(rule.Feature), Level: level})
		idx = len(s.Tallies) - 1
	}

	tl := &s.Tallies[idx]
	tl.Total++
	switch rule.CategoryOf(t.Chosen) {
	case task.CategoryA:
		tl.OnAxis++
	case task.CategoryB:
		tl.OnAxis++
		tl.B++
	}
}

// clone returns a deep copy safe to hand to readers.
func (s *Session) clone() Session {
	c := *s
	c.History = append([]Trial(nil), s.History...)
	c.Window = append([]bool(nil), s.Window...)
	c.Blocks = append([]BlockRecord(nil), s.Blocks...)
	c.Tallies = append([]Tally(nil), s.Tallies...)
	sort.Slice(c.Tallies, func(i, j int) bool {
		if c.Tallies[i].Task != c.Tallies[j].Task {
			return c.Tallies[i].Task < c.Tallies[j].Task
		}
		return c.Tallies[i].Level < c.Tallies[j].Level
	})
	if s.Stimulus != nil {
		st := *s.Stimulus
		c.Stimulus = &st
	}
	return c
}

// BuildTallies replays trials into per-level tallies, as the controller
// accumulates them during a session.
func BuildTallies(trials []Trial) []Tally {
	s := &Session{}
	for _, t := range trials {
		s.tally(t)
	}
	return s.clone().Tallies
}
