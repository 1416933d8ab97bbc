// Package analysis turns a session's trial history into the summaries the
// charting layer plots: psychometric curves, accuracy over time, block
// summaries and sequential effects. It never mutates the session.
package analysis

import (
	"math"
	"sort"
	"time"

	"github.com/talgya/taskswitch/internal/engine"
	"github.com/talgya/taskswitch/internal/task"
)

// Z95 is the normal quantile for a two-sided 95% interval.
const Z95 = 1.96

// PostSwitchTrials is how many trials after a block switch count as "early".
const PostSwitchTrials = 5

// Proportion is a binomial proportion with its Wilson score interval.
type Proportion struct {
	K     int     `json:"k"`
	N     int     `json:"n"`
	P     float64 `json:"p"`
	Lower float64 `json:"lower"`
	Upper float64 `json:"upper"`
}

// Wilson computes the Wilson score interval for k successes out of n.
func Wilson(k, n int, z float64) Proportion {
	if n == 0 {
		return Proportion{}
	}
	p := float64(k) / float64(n)
	nf := float64(n)
	denom := 1 + z*z/nf
	centre := (p + z*z/(2*nf)) / denom
	margin := z * math.Sqrt((p*(1-p)+z*z/(4*nf))/nf) / denom
	return Proportion{
		K:     k,
		N:     n,
		P:     p,
		Lower: math.Max(0, centre-margin),
		Upper: math.Min(1, centre+margin),
	}
}

// CurvePoint is the fraction of category-B reports at one morph level.
type CurvePoint struct {
	Level task.Level `json:"level"`
	Proportion
	OffAxis int `json:"off_axis"`
}

// Curve is a psychometric function for one task.
type Curve struct {
	Task    task.ID      `json:"task"`
	Feature string       `json:"feature"`
	Points  []CurvePoint `json:"points"`
}

// Psychometric builds one curve per task from the trial history.
func Psychometric(trials []engine.Trial) []Curve {
	byTask := make(map[task.ID]*Curve)
	for _, tl := range engine.BuildTallies(trials) {
		c, ok := byTask[tl.Task]
		if !ok {
			c = &Curve{Task: tl.Task, Feature: tl.Feature}
			byTask[tl.Task] = c
		}
		c.Points = append(c.Points, CurvePoint{
			Level:      tl.Level,
			Proportion: Wilson(tl.B, tl.OnAxis, Z95),
			OffAxis:    tl.Total - tl.OnAxis,
		})
	}

	curves := make([]Curve, 0, len(byTask))
	for _, id := range task.All {
		if c, ok := byTask[id]; ok {
			sort.Slice(c.Points, func(i, j int) bool { return c.Points[i].Level < c.Points[j].Level })
			curves = append(curves, *c)
		}
	}
	return curves
}

// AccuracyPoint is the rolling accuracy after one trial.
type AccuracyPoint struct {
	Trial    int     `json:"trial"`
	Block    int     `json:"block"`
	Task     task.ID `json:"task"`
	Accuracy float64 `json:"accuracy"`
}

// AccuracyOverTime returns rolling accuracy over the last window trials of
// each block, so the series restarts at every block boundary.
func AccuracyOverTime(trials []engine.Trial, window int) []AccuracyPoint {
	if window <= 0 {
		window = engine.Window
	}
	out := make([]AccuracyPoint, 0, len(trials))
	var buf []bool
	block := 0
	for _, t := range trials {
		if t.Block != block {
			buf = buf[:0]
			block = t.Block
		}
		buf = append(buf, t.Correct)
		if len(buf) > window {
			buf = buf[1:]
		}
		out = append(out, AccuracyPoint{
			Trial:    t.Index,
			Block:    t.Block,
			Task:     t.Task,
			Accuracy: mean(buf),
		})
	}
	return out
}

// BlockSummary describes the trials of one block.
type BlockSummary struct {
	Block     int        `json:"block"`
	Task      task.ID    `json:"task"`
	Trials    int        `json:"trials"`
	Accuracy  Proportion `json:"accuracy"`
	MeanRTMs  float64    `json:"mean_rt_ms"`
	Completed bool       `json:"completed"` // ended by the block-switch rule
}

// Blocks summarises each block present in the history.
func Blocks(trials []engine.Trial, records []engine.BlockRecord) []BlockSummary {
	ended := make(map[int]bool, len(records))
	for _, r := range records {
		ended[r.Block] = true
	}

	var out []BlockSummary
	var cur *BlockSummary
	var correct int
	var rt time.Duration
	flush := func() {
		if cur == nil {
			return
		}
		cur.Accuracy = Wilson(correct, cur.Trials, Z95)
		cur.MeanRTMs = float64(rt) / float64(cur.Trials) / float64(time.Millisecond)
		cur.Completed = ended[cur.Block]
		out = append(out, *cur)
	}
	for _, t := range trials {
		if cur == nil || t.Block != cur.Block {
			flush()
			cur = &BlockSummary{Block: t.Block, Task: t.Task}
			correct, rt = 0, 0
		}
		cur.Trials++
		rt += t.RT
		if t.Correct {
			correct++
		}
	}
	flush()
	return out
}

// Sequential is accuracy conditioned on the previous trial's outcome
// within the same block.
type Sequential struct {
	AfterCorrect Proportion `json:"after_correct"`
	AfterError   Proportion `json:"after_error"`
}

// SequentialEffects conditions each trial on its predecessor.
func SequentialEffects(trials []engine.Trial) Sequential {
	var ck, cn, ek, en int
	for i := 1; i < len(trials); i++ {
		prev, cur := trials[i-1], trials[i]
		if prev.Block != cur.Block {
			continue
		}
		if prev.Correct {
			cn++
			if cur.Correct {
				ck++
			}
		} else {
			en++
			if cur.Correct {
				ek++
			}
		}
	}
	return Sequential{
		AfterCorrect: Wilson(ck, cn, Z95),
		AfterError:   Wilson(ek, en, Z95),
	}
}

// SwitchCost compares accuracy early in a block with the rest of the block.
// Blocks after the first are the only ones that follow a switch.
type SwitchCost struct {
	Early Proportion `json:"early"`
	Late  Proportion `json:"late"`
	Cost  float64    `json:"cost"` // late minus early accuracy
}

// SwitchCosts measures the accuracy drop after each block switch.
func SwitchCosts(trials []engine.Trial) SwitchCost {
	var ek, en, lk, ln int
	inBlock := 0
	block := 0
	for _, t := range trials {
		if t.Block != block {
			block = t.Block
			inBlock = 0
		}
		inBlock++
		if t.Block == 1 {
			continue
		}
		if inBlock <= PostSwitchTrials {
			en++
			if t.Correct {
				ek++
			}
		} else {
			ln++
			if t.Correct {
				lk++
			}
		}
	}
	sc := SwitchCost{Early: Wilson(ek, en, Z95), Late: Wilson(lk, ln, Z95)}
	if en > 0 && ln > 0 {
		sc.Cost = sc.Late.P - sc.Early.P
	}
	return sc
}

// ErrorBreakdown splits the errors made under one task (or all tasks) by
// where the wrong response landed. A within-axis error picks the other
// target of the active task's own axis; a cross-axis error picks a target
// that only the other axis uses. Both proportions are out of Errors.
type ErrorBreakdown struct {
	Task       task.ID    `json:"task,omitempty"`
	Trials     int        `json:"trials"`
	Errors     int        `json:"errors"`
	WithinAxis Proportion `json:"within_axis"`
	CrossAxis  Proportion `json:"cross_axis"`
}

// ErrorSplit is the error-type analysis for a session.
type ErrorSplit struct {
	Overall ErrorBreakdown   `json:"overall"`
	ByTask  []ErrorBreakdown `json:"by_task"`
}

// ErrorTypes classifies every error as within-axis or cross-axis.
func ErrorTypes(trials []engine.Trial) ErrorSplit {
	type counts struct{ trials, within, cross int }
	byTask := make(map[task.ID]*counts)
	var all counts
	for _, t := range trials {
		c, ok := byTask[t.Task]
		if !ok {
			c = &counts{}
			byTask[t.Task] = c
		}
		c.trials++
		all.trials++
		if t.Correct {
			continue
		}
		if t.Task.Rule().CategoryOf(t.Chosen) == task.CategoryNone {
			c.cross++
			all.cross++
		} else {
			c.within++
			all.within++
		}
	}

	breakdown := func(id task.ID, c counts) ErrorBreakdown {
		errs := c.within + c.cross
		return ErrorBreakdown{
			Task:       id,
			Trials:     c.trials,
			Errors:     errs,
			WithinAxis: Wilson(c.within, errs, Z95),
			CrossAxis:  Wilson(c.cross, errs, Z95),
		}
	}
	out := ErrorSplit{Overall: breakdown("", all), ByTask: []ErrorBreakdown{}}
	for _, id := range task.All {
		if c, ok := byTask[id]; ok {
			out.ByTask = append(out.ByTask, breakdown(id, *c))
		}
	}
	return out
}

// Summary bundles every analysis of one session.
type Summary struct {
	SessionID  string          `json:"session_id"`
	Trials     int             `json:"trials"`
	Accuracy   Proportion      `json:"accuracy"`
	MeanRTMs   float64         `json:"mean_rt_ms"`
	Curves     []Curve         `json:"psychometric"`
	Timeline   []AccuracyPoint `json:"accuracy_over_time"`
	Blocks     []BlockSummary  `json:"blocks"`
	Sequential Sequential      `json:"sequential"`
	SwitchCost SwitchCost      `json:"switch_cost"`
	Errors     ErrorSplit      `json:"error_types"`
}

// Summarize runs every analysis on a session snapshot.
func Summarize(s engine.Session) Summary {
	correct := 0
	var rt time.Duration
	for _, t := range s.History {
		if t.Correct {
			correct++
		}
		rt += t.RT
	}
	sum := Summary{
		SessionID:  s.ID,
		Trials:     len(s.History),
		Accuracy:   Wilson(correct, len(s.History), Z95),
		Curves:     Psychometric(s.History),
		Timeline:   AccuracyOverTime(s.History, engine.Window),
		Blocks:     Blocks(s.History, s.Blocks),
		Sequential: SequentialEffects(s.History),
		SwitchCost: SwitchCosts(s.History),
		Errors:     ErrorTypes(s.History),
	}
	if n := len(s.History); n > 0 {
		sum.MeanRTMs = float64(rt) / float64(n) / float64(time.Millisecond)
	}
	return sum
}

func mean(xs []bool) float64 {
	if len(xs) == 0 {
		return 0
	}
	n := 0
	for _, x := range xs {
		if x {
			n++
		}
	}
	return float64(n) / float64(len(xs))
}
